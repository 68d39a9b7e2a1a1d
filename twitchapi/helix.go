// Package twitchapi contains helpers to interact with Twitch Helix APIs for
// batched profile and chat-color enrichment, using an app access token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/chatterboard/telemetry"
)

// maxBatch is the documented Helix limit on identities per request.
const maxBatch = 100

// fallbackConcurrency bounds per-identity refetches after a failed batch.
const fallbackConcurrency = 8

// User is an upstream profile record.
type User struct {
	ID          string
	Login       string
	DisplayName string
	Image       string
	Color       string
}

// Client provides the profile enrichment methods needed by the leaderboard
// and the migrator.
type Client struct {
	AppTokenSource *TokenSource
	ClientID       string
	HTTPClient     *http.Client
	// BaseURL overrides the Helix endpoint (tests).
	BaseURL string
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return "https://api.twitch.tv/helix"
}

// UsersByLogin resolves login names to profile records, including chat color.
// Input order is not preserved; results are joined with the color sub-fetch
// by user id, since Helix does not guarantee response ordering.
func (c *Client) UsersByLogin(ctx context.Context, logins []string) ([]User, error) {
	users, err := c.fetchUsers(ctx, "login", logins)
	if err != nil {
		return nil, err
	}
	if err := c.mergeColors(ctx, users); err != nil {
		// Missing colors degrade to the default; users are still usable.
		slog.Warn("chat color fetch failed", slog.Any("err", err))
	}
	return users, nil
}

// UsersByID resolves user ids to profile records, including chat color. The
// users and colors sub-fetches run concurrently and are joined by id.
func (c *Client) UsersByID(ctx context.Context, ids []string) ([]User, error) {
	var users []User
	colors := map[string]string{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = c.fetchUsers(gctx, "id", ids)
		return err
	})
	g.Go(func() error {
		m, err := c.fetchColors(gctx, ids)
		if err != nil {
			slog.Warn("chat color fetch failed", slog.Any("err", err))
			return nil
		}
		for k, v := range m {
			colors[k] = v
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range users {
		if col, ok := colors[users[i].ID]; ok && col != "" {
			users[i].Color = col
		}
	}
	return users, nil
}

// fetchUsers chunks identities into batches of maxBatch and issues one request
// per chunk, sequentially, to stay inside the upstream concurrency budget. A
// failed batch falls back to bounded-concurrency individual fetches so one bad
// identity cannot sink the whole chunk; individually-failed identities are
// logged and dropped.
func (c *Client) fetchUsers(ctx context.Context, param string, idents []string) ([]User, error) {
	out := make([]User, 0, len(idents))
	for start := 0; start < len(idents); start += maxBatch {
		end := start + maxBatch
		if end > len(idents) {
			end = len(idents)
		}
		chunk := idents[start:end]

		if telemetry.EnrichmentBatches != nil {
			telemetry.EnrichmentBatches.Inc()
		}
		users, err := c.getUsers(ctx, param, chunk)
		if err != nil {
			slog.Warn("batch profile fetch failed, falling back to individual fetches",
				slog.Int("chunk", len(chunk)), slog.Any("err", err))
			users = c.fetchIndividually(ctx, param, chunk)
		}
		out = append(out, users...)
	}
	// Stable join key ordering for callers that zip against a second fetch.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *Client) fetchIndividually(ctx context.Context, param string, idents []string) []User {
	results := make([]*User, len(idents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fallbackConcurrency)
	for i, ident := range idents {
		i, ident := i, ident
		g.Go(func() error {
			if telemetry.EnrichmentFallback != nil {
				telemetry.EnrichmentFallback.Inc()
			}
			users, err := c.getUsers(gctx, param, []string{ident})
			if err != nil || len(users) == 0 {
				if telemetry.EnrichmentDropped != nil {
					telemetry.EnrichmentDropped.Inc()
				}
				slog.Warn("dropping identity after individual fetch failure",
					slog.String("ident", ident), slog.Any("err", err))
				return nil
			}
			results[i] = &users[0]
			return nil
		})
	}
	_ = g.Wait()

	out := make([]User, 0, len(idents))
	for _, u := range results {
		if u != nil {
			out = append(out, *u)
		}
	}
	return out
}

func (c *Client) getUsers(ctx context.Context, param string, idents []string) ([]User, error) {
	q := url.Values{}
	for _, ident := range idents {
		q.Add(param, strings.ToLower(ident))
	}
	var body struct {
		Data []struct {
			ID              string `json:"id"`
			Login           string `json:"login"`
			DisplayName     string `json:"display_name"`
			ProfileImageURL string `json:"profile_image_url"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/users", q, &body); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(body.Data))
	for _, u := range body.Data {
		out = append(out, User{
			ID:          u.ID,
			Login:       u.Login,
			DisplayName: u.DisplayName,
			Image:       u.ProfileImageURL,
			Color:       "#000000",
		})
	}
	return out, nil
}

// fetchColors returns a user_id -> color map, batched like fetchUsers.
func (c *Client) fetchColors(ctx context.Context, ids []string) (map[string]string, error) {
	colors := make(map[string]string, len(ids))
	for start := 0; start < len(ids); start += maxBatch {
		end := start + maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("user_id", id)
		}
		var body struct {
			Data []struct {
				UserID string `json:"user_id"`
				Color  string `json:"color"`
			} `json:"data"`
		}
		if err := c.get(ctx, "/chat/color", q, &body); err != nil {
			return nil, err
		}
		for _, row := range body.Data {
			colors[row.UserID] = row.Color
		}
	}
	return colors, nil
}

// mergeColors joins a color fetch onto already-fetched users by id.
func (c *Client) mergeColors(ctx context.Context, users []User) error {
	if len(users) == 0 {
		return nil
	}
	ids := make([]string, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	colors, err := c.fetchColors(ctx, ids)
	if err != nil {
		return err
	}
	for i := range users {
		if col, ok := colors[users[i].ID]; ok && col != "" {
			users[i].Color = col
		}
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, v any) error {
	tok, err := c.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("helix %s: unexpected status %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
