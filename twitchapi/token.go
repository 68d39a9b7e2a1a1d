package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenEndpoint is Twitch's OAuth client-credentials grant endpoint.
const tokenEndpoint = "https://id.twitch.tv/oauth2/token"

// refreshBuffer renews the token this long before its reported expiry.
const refreshBuffer = time.Minute

// TokenSource holds the app access token the enrichment client attaches to
// Helix requests, fetching it via the client-credentials grant and renewing
// it shortly before expiry. App tokens cannot authenticate IRC; the mention
// monitor uses the bot's own user token instead.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// fresh reports whether the cached token is still usable. Callers hold mu.
func (ts *TokenSource) fresh() bool {
	return ts.token != "" && time.Until(ts.expiresAt) > refreshBuffer
}

// Get returns the cached token, refreshing first when it is missing or about
// to expire.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.fresh() {
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	// Another caller may have refreshed while we waited for the lock.
	if ts.fresh() {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("twitch app token: missing client id/secret")
	}

	form := url.Values{}
	form.Set("client_id", ts.ClientID)
	form.Set("client_secret", ts.ClientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("twitch app token: %s: %s", resp.Status, string(b))
	}

	var grant struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return "", err
	}
	if grant.AccessToken == "" {
		return "", errors.New("twitch app token: empty access_token in response")
	}

	ts.token = grant.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	return ts.token, nil
}
