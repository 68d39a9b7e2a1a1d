package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/onnwee/chatterboard/twitchapi"
)

// MockHelixServer serves the /users and /chat/color Helix endpoints from a
// fixed fixture set. Point a twitchapi.Client's BaseURL at it.
type MockHelixServer struct {
	*httptest.Server

	mu         sync.Mutex
	users      []twitchapi.User
	usersCalls int
	colorCalls int

	// FailBatch makes multi-identity /users requests return 502, forcing
	// the client's individual-fetch fallback.
	FailBatch bool
}

// NewMockHelixServer creates a mock Helix API server seeded with users.
func NewMockHelixServer(t *testing.T, users []twitchapi.User) *MockHelixServer {
	t.Helper()
	m := &MockHelixServer{users: users}
	mux := http.NewServeMux()
	mux.HandleFunc("/users", m.handleUsers)
	mux.HandleFunc("/chat/color", m.handleColors)
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// UsersCalls reports how many /users requests were served.
func (m *MockHelixServer) UsersCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usersCalls
}

// ColorCalls reports how many /chat/color requests were served.
func (m *MockHelixServer) ColorCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.colorCalls
}

func (m *MockHelixServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.usersCalls++
	fail := m.FailBatch
	m.mu.Unlock()

	q := r.URL.Query()
	idents := append(q["id"], q["login"]...)
	if fail && len(idents) > 1 {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	type userPayload struct {
		ID              string `json:"id"`
		Login           string `json:"login"`
		DisplayName     string `json:"display_name"`
		ProfileImageURL string `json:"profile_image_url"`
	}
	var data []userPayload
	for _, ident := range idents {
		for _, u := range m.users {
			if u.ID == ident || strings.EqualFold(u.Login, ident) {
				data = append(data, userPayload{
					ID:              u.ID,
					Login:           u.Login,
					DisplayName:     u.DisplayName,
					ProfileImageURL: u.Image,
				})
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func (m *MockHelixServer) handleColors(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.colorCalls++
	m.mu.Unlock()

	type colorPayload struct {
		UserID string `json:"user_id"`
		Color  string `json:"color"`
	}
	var data []colorPayload
	for _, id := range r.URL.Query()["user_id"] {
		for _, u := range m.users {
			if u.ID == id && u.Color != "" {
				data = append(data, colorPayload{UserID: u.ID, Color: u.Color})
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// NewHelixClient wires a twitchapi.Client against the mock server with a
// canned app token, so no request ever leaves the test process.
func (m *MockHelixServer) NewHelixClient() *twitchapi.Client {
	return &twitchapi.Client{
		ClientID: "test-client",
		AppTokenSource: &twitchapi.TokenSource{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			HTTPClient:   &http.Client{Transport: staticTokenTransport{}},
		},
		BaseURL: m.URL,
	}
}

// staticTokenTransport answers the Twitch OAuth token endpoint with a fixed
// token and refuses anything else.
type staticTokenTransport struct{}

func (staticTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	body := `{"access_token":"test-token","expires_in":3600}`
	status := http.StatusOK
	if !strings.Contains(req.URL.Host, "id.twitch.tv") {
		body = `{"error":"unexpected request"}`
		status = http.StatusBadGateway
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    req,
	}, nil
}
