package leaderboard

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/onnwee/chatterboard/telemetry"
)

// Store is the relational score store. All writes are upsert-on-conflict so
// that every mutation path (live mentions, enrichment, migration) is safe to
// repeat.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// RecordMention applies one observed mention of chatterID in channelID's chat.
// The whole call is a single transaction: entity rows are created if absent,
// the (chatter, channel) score row is incremented, both aggregate totals are
// bumped, and a score event is appended. A failure here is a hard error; a
// lost mention is a correctness issue.
func (s *Store) RecordMention(ctx context.Context, chatterID, channelID string, points int64) error {
	if chatterID == "" || channelID == "" {
		return fmt.Errorf("record mention: empty chatter or channel id")
	}
	if points <= 0 {
		points = 1
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Placeholder identity rows until enrichment fills in the real handle.
	// The login gets an "id:" prefix: Twitch logins cannot contain a colon,
	// so a placeholder can never collide with a real login on the unique key.
	for _, id := range []string{chatterID, channelID} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chatters (id, login) VALUES ($1, 'id:' || $1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
			return fmt.Errorf("upsert chatter %s: %w", id, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO channels (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, channelID); err != nil {
		return fmt.Errorf("upsert channel %s: %w", channelID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scores (chatter_id, channel_id, score) VALUES ($1, $2, $3)
		ON CONFLICT (chatter_id, channel_id)
		DO UPDATE SET score = scores.score + EXCLUDED.score, updated_at = NOW()`,
		chatterID, channelID, points); err != nil {
		return fmt.Errorf("increment score: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chatters SET total = total + $2, updated_at = NOW() WHERE id = $1`, chatterID, points); err != nil {
		return fmt.Errorf("increment chatter total: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE channels SET total = total + $2, updated_at = NOW() WHERE id = $1`, channelID, points); err != nil {
		return fmt.Errorf("increment channel total: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO score_events (chatter_id, channel_id, points) VALUES ($1, $2, $3)`,
		chatterID, channelID, points); err != nil {
		return fmt.Errorf("append score event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	telemetry.IncMentions()
	return nil
}

// UpsertChatter inserts or refreshes a chatter's identity fields. Totals and
// the private flag are never touched by identity upserts.
func (s *Store) UpsertChatter(ctx context.Context, c Chatter) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chatters (id, login, display_name, color, image)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			login = EXCLUDED.login,
			display_name = EXCLUDED.display_name,
			color = EXCLUDED.color,
			image = COALESCE(EXCLUDED.image, chatters.image),
			updated_at = NOW()`,
		c.ID, c.Login, c.DisplayName, nonEmptyColor(c.Color), c.Image)
	if err != nil {
		return fmt.Errorf("upsert chatter %s: %w", c.ID, err)
	}
	return nil
}

// UpsertChannel ensures a channel row exists for an already-known chatter id.
func (s *Store) UpsertChannel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id); err != nil {
		return fmt.Errorf("upsert channel %s: %w", id, err)
	}
	return nil
}

// SetChatterTotal overwrites a chatter's aggregate total (migration only).
func (s *Store) SetChatterTotal(ctx context.Context, id string, total int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chatters SET total = $2, updated_at = NOW() WHERE id = $1`, id, total); err != nil {
		return fmt.Errorf("set chatter total %s: %w", id, err)
	}
	return nil
}

// SetScore overwrites the score for a (chatter, channel) pair. Unlike the
// incremental live path, this re-asserts an absolute value, which is what
// makes migration re-runs idempotent.
func (s *Store) SetScore(ctx context.Context, chatterID, channelID string, score int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scores (chatter_id, channel_id, score) VALUES ($1, $2, $3)
		ON CONFLICT (chatter_id, channel_id)
		DO UPDATE SET score = EXCLUDED.score, updated_at = NOW()`,
		chatterID, channelID, score)
	if err != nil {
		return fmt.Errorf("set score (%s,%s): %w", chatterID, channelID, err)
	}
	return nil
}

// RecalculateChatterTotal reconciles a chatter's total against its score rows.
func (s *Store) RecalculateChatterTotal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chatters
		SET total = (SELECT COALESCE(SUM(score), 0) FROM scores WHERE chatter_id = $1),
			updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recalculate chatter total %s: %w", id, err)
	}
	return nil
}

// RecalculateChannelTotal reconciles a channel's total against its score rows.
func (s *Store) RecalculateChannelTotal(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET total = (SELECT COALESCE(SUM(score), 0) FROM scores WHERE channel_id = $1),
			updated_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("recalculate channel total %s: %w", id, err)
	}
	return nil
}

// SetPrivate toggles read-time redaction for a chatter. Redaction requests
// prefer this over row deletion.
func (s *Store) SetPrivate(ctx context.Context, id string, private bool) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chatters SET private = $2, updated_at = NOW() WHERE id = $1`, id, private); err != nil {
		return fmt.Errorf("set private %s: %w", id, err)
	}
	return nil
}

// ApplyProfile stores enrichment results for a chatter, clearing the
// no-data flag since upstream evidently knows the identity now.
func (s *Store) ApplyProfile(ctx context.Context, c Chatter) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chatters SET
			login = $2,
			display_name = $3,
			color = $4,
			image = $5,
			enrich_attempted = FALSE,
			updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.Login, c.DisplayName, nonEmptyColor(c.Color), c.Image)
	if err != nil {
		return fmt.Errorf("apply profile %s: %w", c.ID, err)
	}
	return nil
}

// MarkEnrichAttempted flags identities that upstream returned no profile for,
// so the enrichment client never re-attempts them until the flag is cleared.
func (s *Store) MarkEnrichAttempted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE chatters SET enrich_attempted = TRUE, updated_at = NOW() WHERE id = $1`, id); err != nil {
			return fmt.Errorf("mark enrich attempted %s: %w", id, err)
		}
	}
	return nil
}

// ClearEnrichAttempted re-enables enrichment for an identity.
func (s *Store) ClearEnrichAttempted(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chatters SET enrich_attempted = FALSE, updated_at = NOW() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("clear enrich attempted %s: %w", id, err)
	}
	return nil
}

func nonEmptyColor(c string) string {
	if c == "" {
		return "#000000"
	}
	return c
}

func closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", slog.Any("err", err))
	}
}
