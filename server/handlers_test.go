package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/chatterboard/leaderboard"
	"github.com/onnwee/chatterboard/tenantcache"
	"github.com/onnwee/chatterboard/testutil"
)

func staticTenants(names ...string) *tenantcache.Cache {
	return tenantcache.New(func(context.Context) ([]string, error) {
		return names, nil
	}, time.Minute)
}

func TestParseKind(t *testing.T) {
	cases := []struct {
		in     string
		want   leaderboard.Kind
		wantOK bool
	}{
		{"", leaderboard.KindChatter, true},
		{"chatters", leaderboard.KindChatter, true},
		{"chatter", leaderboard.KindChatter, true},
		{"Channels", leaderboard.KindChannel, true},
		{"channel", leaderboard.KindChannel, true},
		{"bogus", leaderboard.KindChatter, false},
	}
	for _, tc := range cases {
		got, ok := parseKind(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Errorf("parseKind(%q) = (%v, %v), want (%v, %v)", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestParseIntQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?page=3&bad=x", nil)
	if got := parseIntQuery(r, "page", 1); got != 3 {
		t.Errorf("page = %d, want 3", got)
	}
	if got := parseIntQuery(r, "bad", 7); got != 7 {
		t.Errorf("bad = %d, want default 7", got)
	}
	if got := parseIntQuery(r, "absent", 5); got != 5 {
		t.Errorf("absent = %d, want default 5", got)
	}
}

func TestHandleMentionRejectsBadRequests(t *testing.T) {
	h := NewHandlers(nil, nil)

	rec := httptest.NewRecorder()
	h.HandleMention(rec, httptest.NewRequest(http.MethodGet, "/mention", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleMention(rec, httptest.NewRequest(http.MethodPost, "/mention", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d, want 400", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.HandleMention(rec, httptest.NewRequest(http.MethodPost, "/mention", strings.NewReader(`{"points":1}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing ids status = %d, want 400", rec.Code)
	}
}

func TestHandleExists(t *testing.T) {
	h := NewHandlers(nil, staticTenants("forsen"))

	rec := httptest.NewRecorder()
	h.HandleExists(rec, httptest.NewRequest(http.MethodGet, "/exists?channel=Forsen", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]bool
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if !body["exists"] {
		t.Error("expected exists=true for roster member")
	}

	rec = httptest.NewRecorder()
	h.HandleExists(rec, httptest.NewRequest(http.MethodGet, "/exists?channel=stranger", nil))
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["exists"] {
		t.Error("expected exists=false for unknown channel")
	}

	rec = httptest.NewRecorder()
	h.HandleExists(rec, httptest.NewRequest(http.MethodGet, "/exists", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing channel status = %d, want 400", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	mux := NewMux(nil, staticTenants())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/leaderboard", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS allow-origin header")
	}
}

func TestAPIEndToEnd(t *testing.T) {
	database := testutil.SetupTestDB(t)
	service := leaderboard.NewService(leaderboard.NewStore(database), nil)
	ts := httptest.NewServer(NewMux(service, staticTenants("forsen")))
	defer ts.Close()

	post := func(body string) *http.Response {
		t.Helper()
		resp, err := http.Post(ts.URL+"/mention", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	for i := 0; i < 3; i++ {
		resp := post(`{"chatter_id":"c1","channel_id":"ch1"}`)
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("mention status = %d, want 202", resp.StatusCode)
		}
		resp.Body.Close()
	}
	resp := post(`{"chatter_id":"c2","channel_id":"ch1","points":5}`)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/leaderboard?kind=chatters&page=1&page_size=10")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard status = %d, want 200", resp.StatusCode)
	}
	if corr := resp.Header.Get("X-Correlation-ID"); corr == "" {
		t.Error("missing correlation id header")
	}
	var page leaderboard.Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatal(err)
	}
	// c1, c2, and the channel owner's zero-total row.
	if page.TotalItems != 3 || len(page.Items) != 3 {
		t.Fatalf("page = %+v, want 3 chatters", page)
	}
	if page.Items[0].ID != "c2" || page.Items[0].Total != 5 || page.Items[0].Ranking != 1 {
		t.Errorf("top item = %+v, want c2 with total 5 rank 1", page.Items[0])
	}

	resp, err = http.Get(ts.URL + "/single?kind=chatters&by=id&ident=c1&top=5")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var entry leaderboard.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		t.Fatal(err)
	}
	if entry.Total != 3 || entry.Ranking != 2 {
		t.Errorf("entry = %+v, want total 3 rank 2", entry)
	}

	resp, err = http.Get(ts.URL + "/single?kind=chatters&by=login&ident=nobody")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown single status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/leaderboard?kind=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus kind status = %d, want 400", resp.StatusCode)
	}
}
