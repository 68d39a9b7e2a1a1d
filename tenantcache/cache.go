// Package tenantcache provides a TTL-gated in-memory set of currently valid
// tenant identifiers, refreshed wholesale from a source. It gates which
// channels are allowed to resolve before a request reaches the leaderboard.
package tenantcache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/chatterboard/telemetry"
)

// DefaultTTL is how long a refreshed set stays fresh.
const DefaultTTL = 5 * time.Minute

// Source fetches the current full set of valid keys.
type Source func(ctx context.Context) ([]string, error)

// Cache is a generic TTL set cache. Refresh replaces the cached set
// wholesale (copy-then-swap), so concurrent readers only ever observe a
// complete set. A failed refresh is a no-op: the last-known-good set stays
// authoritative until a later refresh succeeds, trading freshness for
// availability during source outages.
type Cache struct {
	source Source
	ttl    time.Duration

	mu          sync.RWMutex
	set         map[string]struct{}
	lastRefresh time.Time

	// now is swapped in tests.
	now func() time.Time
}

// New builds a cache over source. A non-positive ttl means DefaultTTL.
func New(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{source: source, ttl: ttl, now: time.Now}
}

// Exists refreshes the cache when stale (first use always refreshes), then
// answers membership against the in-memory set. Redundant concurrent
// refreshes are tolerated; the last writer wins.
func (c *Cache) Exists(ctx context.Context, key string) bool {
	if c.stale() {
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("tenant cache refresh failed, answering from previous set", slog.Any("err", err))
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.set[key]
	return ok
}

// Refresh fetches the full key set and swaps it in, stamping the refresh
// time. On error nothing changes.
func (c *Cache) Refresh(ctx context.Context) error {
	keys, err := c.source(ctx)
	if err != nil {
		if telemetry.CacheRefreshFails != nil {
			telemetry.CacheRefreshFails.Inc()
		}
		return err
	}
	next := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		next[k] = struct{}{}
	}

	c.mu.Lock()
	c.set = next
	c.lastRefresh = c.now()
	c.mu.Unlock()

	if telemetry.CacheRefreshes != nil {
		telemetry.CacheRefreshes.Inc()
	}
	telemetry.SetTenantCount(len(next))
	return nil
}

// Keys returns a snapshot of the current set (refreshing first if stale).
func (c *Cache) Keys(ctx context.Context) []string {
	if c.stale() {
		if err := c.Refresh(ctx); err != nil {
			slog.Warn("tenant cache refresh failed, answering from previous set", slog.Any("err", err))
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.set))
	for k := range c.set {
		out = append(out, k)
	}
	return out
}

func (c *Cache) stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh.IsZero() || c.now().After(c.lastRefresh.Add(c.ttl))
}
