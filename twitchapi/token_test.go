package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTokenServer(t *testing.T, handler http.HandlerFunc) *TokenSource {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &TokenSource{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		HTTPClient: &http.Client{
			Transport: &tokenTransport{host: server.URL},
		},
	}
}

func TestTokenSourceCachesToken(t *testing.T) {
	calls := 0
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "token-1",
			"expires_in":   3600,
		})
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		tok, err := ts.Get(ctx)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if tok != "token-1" {
			t.Fatalf("Get() = %s, want token-1", tok)
		}
	}
	if calls != 1 {
		t.Errorf("token endpoint hit %d times, want 1 (cached)", calls)
	}
}

func TestTokenSourceRefreshesNearExpiry(t *testing.T) {
	calls := 0
	ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("token-%d", calls),
			"expires_in":   3600,
		})
	})

	ctx := context.Background()
	if _, err := ts.Get(ctx); err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// Push the cached token inside the renewal buffer; the next read must
	// fetch a fresh one.
	ts.mu.Lock()
	ts.expiresAt = time.Now().Add(refreshBuffer / 2)
	ts.mu.Unlock()

	tok, err := ts.Get(ctx)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if tok != "token-2" {
		t.Errorf("Get() = %s, want token-2 (refreshed)", tok)
	}
	if calls != 2 {
		t.Errorf("token endpoint hit %d times, want 2", calls)
	}
}

func TestTokenSourceMissingCredentials(t *testing.T) {
	ts := &TokenSource{}
	_, err := ts.Get(context.Background())
	if err == nil {
		t.Fatal("expected error with no credentials")
	}
	if !strings.Contains(err.Error(), "missing client id/secret") {
		t.Errorf("err = %v, want missing-credentials error", err)
	}
}

func TestTokenSourceUpstreamErrors(t *testing.T) {
	t.Run("non-200 status", func(t *testing.T) {
		ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
		})
		if _, err := ts.Get(context.Background()); err == nil {
			t.Error("expected error for 401 response")
		}
	})
	t.Run("empty access_token", func(t *testing.T) {
		ts := newTokenServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"access_token": "",
				"expires_in":   3600,
			})
		})
		_, err := ts.Get(context.Background())
		if err == nil {
			t.Fatal("expected error for empty token")
		}
		if !strings.Contains(err.Error(), "empty access_token") {
			t.Errorf("err = %v, want empty access_token error", err)
		}
	})
}

// tokenTransport redirects the fixed token endpoint at a local test server.
type tokenTransport struct {
	host string
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	if t.host != "" {
		req.URL.Host = strings.TrimPrefix(t.host, "http://")
	}
	return http.DefaultTransport.RoundTrip(req)
}
