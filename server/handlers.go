package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/chatterboard/leaderboard"
	"github.com/onnwee/chatterboard/tenantcache"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	service *leaderboard.Service
	tenants *tenantcache.Cache
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(service *leaderboard.Service, tenants *tenantcache.Cache) *Handlers {
	return &Handlers{service: service, tenants: tenants}
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Store().DB().PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests. Ready means the
// database answers and the tenant roster has loaded at least once.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Store().DB().PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "database",
			"error":        err.Error(),
		})
		return
	}
	if len(h.tenants.Keys(r.Context())) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "tenant_roster",
			"error":        "roster empty or not yet loaded",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleLeaderboard serves GET /leaderboard?kind=chatters|channels&page=N&page_size=N.
// An optional window=DURATION (e.g. 168h) restricts the ranking to recent
// mention events. Out-of-range paging parameters are clamped, never rejected.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	kind, ok := parseKind(r.URL.Query().Get("kind"))
	if !ok {
		http.Error(w, "kind must be chatters or channels", http.StatusBadRequest)
		return
	}
	page := int64(parseIntQuery(r, "page", 1))
	pageSize := int64(parseIntQuery(r, "page_size", 0))

	var (
		result *leaderboard.Page
		err    error
	)
	if raw := r.URL.Query().Get("window"); raw != "" {
		window, perr := time.ParseDuration(raw)
		if perr != nil || window <= 0 {
			http.Error(w, "window must be a positive duration", http.StatusBadRequest)
			return
		}
		result, err = h.service.WindowedLeaderboard(r.Context(), kind, window, page, pageSize)
	} else {
		result, err = h.service.Leaderboard(r.Context(), kind, page, pageSize)
	}
	if err != nil {
		slog.Error("leaderboard query failed", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSingle serves GET /single?kind=chatters|channels&by=id|login&ident=X&top=N.
func (h *Handlers) HandleSingle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	kind, ok := parseKind(q.Get("kind"))
	if !ok {
		http.Error(w, "kind must be chatters or channels", http.StatusBadRequest)
		return
	}
	by := leaderboard.ByLogin
	if q.Get("by") == "id" {
		by = leaderboard.ByID
	}
	ident := strings.ToLower(strings.TrimSpace(q.Get("ident")))
	if ident == "" {
		http.Error(w, "ident is required", http.StatusBadRequest)
		return
	}
	topN := int64(parseIntQuery(r, "top", 0))

	entry, err := h.service.Single(r.Context(), kind, by, ident, topN)
	if errors.Is(err, leaderboard.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("single lookup failed", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// HandleExists serves GET /exists?channel=login against the tenant roster.
func (h *Handlers) HandleExists(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	channel := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("channel")))
	if channel == "" {
		http.Error(w, "channel is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{
		"exists": h.tenants.Exists(r.Context(), channel),
	})
}

type mentionRequest struct {
	ChatterID string `json:"chatter_id"`
	ChannelID string `json:"channel_id"`
	Points    int64  `json:"points"`
}

// HandleMention serves POST /mention, recording points for a chatter in a
// channel. Points default to 1 when absent or non-positive.
func (h *Handlers) HandleMention(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.ChatterID == "" || req.ChannelID == "" {
		http.Error(w, "chatter_id and channel_id are required", http.StatusBadRequest)
		return
	}
	if err := h.service.RecordMention(r.Context(), req.ChatterID, req.ChannelID, req.Points); err != nil {
		slog.Error("record mention failed", slog.Any("err", err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func parseKind(raw string) (leaderboard.Kind, bool) {
	switch strings.ToLower(raw) {
	case "", "chatters", "chatter":
		return leaderboard.KindChatter, true
	case "channels", "channel":
		return leaderboard.KindChannel, true
	default:
		return leaderboard.KindChatter, false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", slog.Any("err", err))
	}
}
