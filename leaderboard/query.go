package leaderboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/chatterboard/telemetry"
)

// ErrNotFound is returned by single-entity lookups for unknown identifiers.
var ErrNotFound = errors.New("leaderboard: entity not found")

const (
	defaultTopN = 10
	maxTopN     = 50
)

// Rankings are derived, never stored: a dense ROW_NUMBER over (total DESC,
// created_at ASC) so ties resolve toward the earlier-registered entity and
// rank numbers always agree with current totals.
const (
	chatterRankedSQL = `
		SELECT id, login, display_name, color, image, total, private, enrich_attempted, created_at,
			ROW_NUMBER() OVER (ORDER BY total DESC, created_at ASC) AS ranking
		FROM chatters`

	channelRankedSQL = `
		SELECT ch.id, c.login, c.display_name, c.color, c.image, ch.total, c.private, c.enrich_attempted, ch.created_at,
			ROW_NUMBER() OVER (ORDER BY ch.total DESC, ch.created_at ASC) AS ranking
		FROM channels ch
		JOIN chatters c ON c.id = ch.id`
)

func rankedSQL(kind Kind) (string, error) {
	switch kind {
	case KindChatter:
		return chatterRankedSQL, nil
	case KindChannel:
		return channelRankedSQL, nil
	default:
		return "", fmt.Errorf("unknown leaderboard kind %q", kind)
	}
}

// Leaderboard returns one ranked page for the given kind. Pagination input is
// clamped rather than rejected; a page past the end resolves to the last
// valid page.
func (s *Store) Leaderboard(ctx context.Context, kind Kind, page, pageSize int64) (*Page, error) {
	defer telemetry.TimeQuery(string(kind))()

	base, err := rankedSQL(kind)
	if err != nil {
		return nil, err
	}
	table := "chatters"
	if kind == KindChannel {
		table = "channels"
	}

	pageSize = clampPageSize(pageSize)
	var totalItems int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&totalItems); err != nil {
		return nil, fmt.Errorf("count %s: %w", table, err)
	}
	pages := totalPages(totalItems, pageSize)
	page = clampPage(page, pages)
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, login, display_name, color, image, total, private, enrich_attempted, ranking
		 FROM (`+base+`) ranked ORDER BY ranking LIMIT $1 OFFSET $2`, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("query %s leaderboard: %w", kind, err)
	}
	defer closeRows(rows)

	items := make([]Entry, 0, pageSize)
	for rows.Next() {
		var e Entry
		var attempted bool
		if err := rows.Scan(&e.ID, &e.Login, &e.DisplayName, &e.Color, &e.Image,
			&e.Total, &e.private, &attempted, &e.Ranking); err != nil {
			return nil, fmt.Errorf("scan %s leaderboard row: %w", kind, err)
		}
		e.enrichPending = e.Image == nil && !attempted
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s leaderboard: %w", kind, err)
	}

	return &Page{Items: items, Page: page, PageSize: pageSize, TotalItems: totalItems, TotalPages: pages}, nil
}

// Single returns one ranked entity plus its top-N sub-scores and the count of
// sub-score rows beyond the listed ones.
func (s *Store) Single(ctx context.Context, kind Kind, by IdentKind, ident string, topN int64) (*Entry, error) {
	defer telemetry.TimeQuery(string(kind) + "_single")()

	base, err := rankedSQL(kind)
	if err != nil {
		return nil, err
	}
	var field string
	switch by {
	case ByID:
		field = "id"
	case ByLogin:
		field = "login"
	default:
		return nil, fmt.Errorf("unknown identifier kind %q", by)
	}
	if topN <= 0 {
		topN = defaultTopN
	}
	if topN > maxTopN {
		topN = maxTopN
	}

	var e Entry
	var attempted bool
	err = s.db.QueryRowContext(ctx,
		`SELECT id, login, display_name, color, image, total, private, enrich_attempted, ranking
		 FROM (`+base+`) ranked WHERE `+field+` = $1`, ident).
		Scan(&e.ID, &e.Login, &e.DisplayName, &e.Color, &e.Image,
			&e.Total, &e.private, &attempted, &e.Ranking)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query single %s: %w", kind, err)
	}
	e.enrichPending = e.Image == nil && !attempted

	subs, total, err := s.subScores(ctx, kind, e.ID, topN)
	if err != nil {
		return nil, err
	}
	e.SubScores = subs
	e.Remaining = total - int64(len(subs))
	if e.Remaining < 0 {
		e.Remaining = 0
	}
	return &e, nil
}

// subScores lists the top-N rows of an entity's per-relation leaderboard: top
// channels a chatter was mentioned in, or top chatters mentioned in a channel.
// Each row carries its dense rank within that relation.
func (s *Store) subScores(ctx context.Context, kind Kind, id string, limit int64) ([]SubScore, int64, error) {
	var q, countQ string
	switch kind {
	case KindChatter:
		q = `
			SELECT s.channel_id, c.login, c.display_name, c.color, c.image, c.private, c.enrich_attempted, s.score,
				ROW_NUMBER() OVER (ORDER BY s.score DESC, s.created_at ASC) AS ranking
			FROM scores s
			JOIN chatters c ON c.id = s.channel_id
			WHERE s.chatter_id = $1
			ORDER BY ranking
			LIMIT $2`
		countQ = `SELECT COUNT(*) FROM scores WHERE chatter_id = $1`
	case KindChannel:
		q = `
			SELECT s.chatter_id, c.login, c.display_name, c.color, c.image, c.private, c.enrich_attempted, s.score,
				ROW_NUMBER() OVER (ORDER BY s.score DESC, s.created_at ASC) AS ranking
			FROM scores s
			JOIN chatters c ON c.id = s.chatter_id
			WHERE s.channel_id = $1
			ORDER BY ranking
			LIMIT $2`
		countQ = `SELECT COUNT(*) FROM scores WHERE channel_id = $1`
	default:
		return nil, 0, fmt.Errorf("unknown leaderboard kind %q", kind)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, countQ, id).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sub-scores for %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx, q, id, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("query sub-scores for %s: %w", id, err)
	}
	defer closeRows(rows)

	var subs []SubScore
	for rows.Next() {
		var sub SubScore
		var attempted bool
		if err := rows.Scan(&sub.ID, &sub.Login, &sub.DisplayName, &sub.Color,
			&sub.Image, &sub.private, &attempted, &sub.Score, &sub.Ranking); err != nil {
			return nil, 0, fmt.Errorf("scan sub-score row: %w", err)
		}
		sub.enrichPending = sub.Image == nil && !attempted
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate sub-scores: %w", err)
	}
	return subs, total, nil
}

// WindowedLeaderboard ranks entities by mention points earned within the
// trailing window, summed from the append-only score event log.
func (s *Store) WindowedLeaderboard(ctx context.Context, kind Kind, window time.Duration, page, pageSize int64) (*Page, error) {
	defer telemetry.TimeQuery(string(kind) + "_windowed")()

	var idCol string
	switch kind {
	case KindChatter:
		idCol = "chatter_id"
	case KindChannel:
		idCol = "channel_id"
	default:
		return nil, fmt.Errorf("unknown leaderboard kind %q", kind)
	}
	since := time.Now().Add(-window)

	pageSize = clampPageSize(pageSize)
	var totalItems int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT `+idCol+`) FROM score_events WHERE earned_at >= $1`, since).
		Scan(&totalItems); err != nil {
		return nil, fmt.Errorf("count windowed %s: %w", kind, err)
	}
	pages := totalPages(totalItems, pageSize)
	page = clampPage(page, pages)
	offset := (page - 1) * pageSize

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, login, display_name, color, image, total, private, enrich_attempted, ranking FROM (
			SELECT c.id, c.login, c.display_name, c.color, c.image, w.total, c.private, c.enrich_attempted,
				ROW_NUMBER() OVER (ORDER BY w.total DESC, c.created_at ASC) AS ranking
			FROM (
				SELECT `+idCol+` AS id, SUM(points) AS total
				FROM score_events
				WHERE earned_at >= $1
				GROUP BY `+idCol+`
			) w
			JOIN chatters c ON c.id = w.id
		) ranked ORDER BY ranking LIMIT $2 OFFSET $3`, since, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("query windowed %s leaderboard: %w", kind, err)
	}
	defer closeRows(rows)

	items := make([]Entry, 0, pageSize)
	for rows.Next() {
		var e Entry
		var attempted bool
		if err := rows.Scan(&e.ID, &e.Login, &e.DisplayName, &e.Color, &e.Image,
			&e.Total, &e.private, &attempted, &e.Ranking); err != nil {
			return nil, fmt.Errorf("scan windowed row: %w", err)
		}
		e.enrichPending = e.Image == nil && !attempted
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate windowed leaderboard: %w", err)
	}

	return &Page{Items: items, Page: page, PageSize: pageSize, TotalItems: totalItems, TotalPages: pages}, nil
}

// ChatterByLogin fetches a bare chatter row. Used by the migrator's
// post-migration validation sample.
func (s *Store) ChatterByLogin(ctx context.Context, login string) (*Chatter, error) {
	var c Chatter
	err := s.db.QueryRowContext(ctx, `
		SELECT id, login, display_name, color, image, total, private, created_at, updated_at
		FROM chatters WHERE login = $1`, login).
		Scan(&c.ID, &c.Login, &c.DisplayName, &c.Color, &c.Image, &c.Total, &c.Private, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("chatter by login %s: %w", login, err)
	}
	return &c, nil
}

// TopChannelScore returns the channel id and score of a chatter's highest
// score row.
func (s *Store) TopChannelScore(ctx context.Context, chatterID string) (string, int64, error) {
	var channelID string
	var score int64
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, score FROM scores
		WHERE chatter_id = $1
		ORDER BY score DESC, created_at ASC
		LIMIT 1`, chatterID).Scan(&channelID, &score)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("top channel score %s: %w", chatterID, err)
	}
	return channelID, score, nil
}
