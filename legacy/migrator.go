// Package legacy converts the flat key-value score log (Redis) into the
// relational score store. The log keeps string totals under
// "{entityType}:{name}:total" and per-entity sorted-set leaderboards under
// "{entityType}:{name}:leaderboard"; channel names inside keys carry a '#'
// marker that is stripped before identity resolution.
//
// Every write is an upsert keyed by stable identity, so the migration is
// safely re-runnable: a second pass re-asserts the same final state instead
// of double-counting.
package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/onnwee/chatterboard/leaderboard"
	"github.com/onnwee/chatterboard/twitchapi"
)

const (
	chatterKeyPrefix = "user:"
	channelKeyPrefix = "channel:"
	totalKeySuffix   = ":total"
	boardKeySuffix   = ":leaderboard"
	channelMarker    = "#"
)

// Migrator drives the one-shot conversion.
type Migrator struct {
	rdb   *redis.Client
	store *leaderboard.Store
	helix *twitchapi.Client
}

func NewMigrator(rdb *redis.Client, store *leaderboard.Store, helix *twitchapi.Client) *Migrator {
	return &Migrator{rdb: rdb, store: store, helix: helix}
}

// Run executes the full migration pipeline: channels first (so chatter-side
// score rows can join against them), then chatters and their leaderboard
// sets, then a total reconciliation pass and a sampled validation.
func (m *Migrator) Run(ctx context.Context) error {
	slog.Info("legacy migration starting")

	channelNames, err := m.legacyNames(ctx, channelKeyPrefix+"*"+totalKeySuffix)
	if err != nil {
		return fmt.Errorf("scan channel keys: %w", err)
	}
	slog.Info("legacy channel names collected", slog.Int("count", len(channelNames)))

	channels, err := m.helix.UsersByLogin(ctx, channelNames)
	if err != nil {
		return fmt.Errorf("resolve channels: %w", err)
	}
	channelByLogin := make(map[string]twitchapi.User, len(channels))
	for _, u := range channels {
		channelByLogin[strings.ToLower(u.Login)] = u
		if err := m.upsertIdentity(ctx, u); err != nil {
			return err
		}
		if err := m.store.UpsertChannel(ctx, u.ID); err != nil {
			return err
		}
	}
	if len(channels) < len(channelNames) {
		slog.Warn("some legacy channels did not resolve",
			slog.Int("requested", len(channelNames)), slog.Int("resolved", len(channels)))
	}

	chatterNames, err := m.legacyNames(ctx, chatterKeyPrefix+"*"+totalKeySuffix)
	if err != nil {
		return fmt.Errorf("scan chatter keys: %w", err)
	}
	slog.Info("legacy chatter names collected", slog.Int("count", len(chatterNames)))

	chatters, err := m.helix.UsersByLogin(ctx, chatterNames)
	if err != nil {
		return fmt.Errorf("resolve chatters: %w", err)
	}
	if len(chatters) < len(chatterNames) {
		slog.Warn("some legacy chatters did not resolve; their scores are skipped",
			slog.Int("requested", len(chatterNames)), slog.Int("resolved", len(chatters)))
	}

	var migrated []twitchapi.User
	for _, u := range chatters {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := m.migrateChatter(ctx, u, channelByLogin); err != nil {
			return err
		}
		migrated = append(migrated, u)
	}

	// Reconcile aggregates against the score rows just written.
	for _, u := range channels {
		if err := m.store.RecalculateChannelTotal(ctx, u.ID); err != nil {
			return err
		}
	}
	for _, u := range migrated {
		if err := m.store.RecalculateChatterTotal(ctx, u.ID); err != nil {
			return err
		}
	}

	slog.Info("legacy migration complete",
		slog.Int("channels", len(channels)), slog.Int("chatters", len(migrated)))

	m.validateSample(ctx, migrated, channelByLogin)
	return nil
}

// migrateChatter upserts one chatter's identity, total, and score rows.
func (m *Migrator) migrateChatter(ctx context.Context, u twitchapi.User, channelByLogin map[string]twitchapi.User) error {
	if err := m.upsertIdentity(ctx, u); err != nil {
		return err
	}

	total, err := m.legacyTotal(ctx, chatterKeyPrefix+strings.ToLower(u.Login)+totalKeySuffix)
	if err != nil {
		slog.Warn("unparseable legacy total, falling back to 0",
			slog.String("login", u.Login), slog.Any("err", err))
		total = 0
	}
	if err := m.store.SetChatterTotal(ctx, u.ID, total); err != nil {
		return err
	}

	entries, err := m.rdb.ZRangeWithScores(ctx, chatterKeyPrefix+strings.ToLower(u.Login)+boardKeySuffix, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read leaderboard set for %s: %w", u.Login, err)
	}
	for _, z := range entries {
		member, _ := z.Member.(string)
		chanLogin := strings.ToLower(strings.TrimPrefix(member, channelMarker))
		channel, ok := channelByLogin[chanLogin]
		if !ok {
			slog.Warn("leaderboard entry references unknown channel",
				slog.String("chatter", u.Login), slog.String("channel_key", member))
			continue
		}
		if err := m.store.SetScore(ctx, u.ID, channel.ID, int64(z.Score)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) upsertIdentity(ctx context.Context, u twitchapi.User) error {
	c := leaderboard.Chatter{
		ID:          u.ID,
		Login:       strings.ToLower(u.Login),
		DisplayName: u.DisplayName,
		Color:       u.Color,
	}
	if u.Image != "" {
		img := u.Image
		c.Image = &img
	}
	return m.store.UpsertChatter(ctx, c)
}

// legacyNames scans keys matching pattern and extracts the distinct entity
// names, channel marker stripped, deduped case-insensitively.
func (m *Migrator) legacyNames(ctx context.Context, pattern string) ([]string, error) {
	keys, err := m.rdb.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(keys))
	var names []string
	for _, key := range keys {
		name, ok := parseLegacyKey(key)
		if !ok {
			slog.Warn("skipping malformed legacy key", slog.String("key", key))
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Migrator) legacyTotal(ctx context.Context, key string) (int64, error) {
	raw, err := m.rdb.Get(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(raw, 10, 64)
}

// parseLegacyKey extracts the lowercased entity name from a
// "{entityType}:{name}:{field}" key, stripping the channel marker.
func parseLegacyKey(key string) (string, bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 || parts[1] == "" {
		return "", false
	}
	name := strings.ToLower(strings.TrimPrefix(parts[1], channelMarker))
	if name == "" {
		return "", false
	}
	return name, true
}

// validateSample recomputes one random migrated chatter's total and top
// leaderboard entry from both stores and compares them. This is a smoke
// test: a mismatch logs a warning and never fails the migration.
func (m *Migrator) validateSample(ctx context.Context, migrated []twitchapi.User, channelByLogin map[string]twitchapi.User) {
	if len(migrated) == 0 {
		return
	}
	pick := migrated[rand.Intn(len(migrated))]
	login := strings.ToLower(pick.Login)

	legacyTotal, err := m.legacyTotal(ctx, chatterKeyPrefix+login+totalKeySuffix)
	if err != nil {
		slog.Warn("validation sample: legacy total unreadable", slog.String("login", login), slog.Any("err", err))
		return
	}
	entries, err := m.rdb.ZRangeWithScores(ctx, chatterKeyPrefix+login+boardKeySuffix, 0, -1).Result()
	if err != nil {
		slog.Warn("validation sample: legacy leaderboard unreadable", slog.String("login", login), slog.Any("err", err))
		return
	}
	var legacyTopChannel string
	var legacyTopScore int64
	for _, z := range entries {
		member, _ := z.Member.(string)
		if int64(z.Score) > legacyTopScore {
			legacyTopScore = int64(z.Score)
			legacyTopChannel = strings.ToLower(strings.TrimPrefix(member, channelMarker))
		}
	}

	stored, err := m.store.ChatterByLogin(ctx, login)
	if err != nil {
		slog.Warn("validation sample: migrated chatter missing from store", slog.String("login", login), slog.Any("err", err))
		return
	}
	topChannelID, topScore, err := m.store.TopChannelScore(ctx, stored.ID)
	if err != nil && err != leaderboard.ErrNotFound {
		slog.Warn("validation sample: store read failed", slog.String("login", login), slog.Any("err", err))
		return
	}

	pass := true
	if legacyTopChannel != "" {
		if channel, ok := channelByLogin[legacyTopChannel]; !ok || channel.ID != topChannelID || legacyTopScore != topScore {
			pass = false
		}
	}
	// The relational total is reconciled from score rows, so it can legally
	// diverge from the legacy counter when entries referenced channels that
	// no longer resolve. Report both numbers either way.
	slog.Info("post-migration validation sample",
		slog.String("login", login),
		slog.Bool("top_entry_match", pass),
		slog.Int64("legacy_total", legacyTotal),
		slog.Int64("store_total", stored.Total))
	if !pass {
		slog.Warn("validation sample mismatch; migration left in place",
			slog.String("login", login),
			slog.String("legacy_top_channel", legacyTopChannel),
			slog.Int64("legacy_top_score", legacyTopScore),
			slog.String("store_top_channel", topChannelID),
			slog.Int64("store_top_score", topScore))
	}
}
