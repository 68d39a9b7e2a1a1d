package leaderboard

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/chatterboard/twitchapi"
)

// Enricher resolves identities to upstream profile metadata. Satisfied by
// *twitchapi.Client.
type Enricher interface {
	UsersByID(ctx context.Context, ids []string) ([]twitchapi.User, error)
}

// Service is the leaderboard-serving engine handed to the presentation layer:
// ranked queries over the Store, hydrated with profile metadata on demand.
// Enrichment failures degrade to missing profile fields, never to a failed
// query.
type Service struct {
	store    *Store
	enricher Enricher
}

func NewService(store *Store, enricher Enricher) *Service {
	return &Service{store: store, enricher: enricher}
}

func (s *Service) Store() *Store { return s.store }

// RecordMention is the ingestion entry point.
func (s *Service) RecordMention(ctx context.Context, chatterID, channelID string, points int64) error {
	return s.store.RecordMention(ctx, chatterID, channelID, points)
}

// Leaderboard returns a ranked page, hydrating entries that are missing
// profile fields and redacting private chatters.
func (s *Service) Leaderboard(ctx context.Context, kind Kind, page, pageSize int64) (*Page, error) {
	p, err := s.store.Leaderboard(ctx, kind, page, pageSize)
	if err != nil {
		return nil, err
	}
	s.hydrate(ctx, p.Items)
	redactAll(p.Items)
	return p, nil
}

// WindowedLeaderboard is Leaderboard over the trailing event window.
func (s *Service) WindowedLeaderboard(ctx context.Context, kind Kind, window time.Duration, page, pageSize int64) (*Page, error) {
	p, err := s.store.WindowedLeaderboard(ctx, kind, window, page, pageSize)
	if err != nil {
		return nil, err
	}
	s.hydrate(ctx, p.Items)
	redactAll(p.Items)
	return p, nil
}

// Single returns one ranked entity with its sub-scores, hydrated and redacted.
func (s *Service) Single(ctx context.Context, kind Kind, by IdentKind, ident string, topN int64) (*Entry, error) {
	e, err := s.store.Single(ctx, kind, by, ident, topN)
	if err != nil {
		return nil, err
	}
	items := []Entry{*e}
	s.hydrate(ctx, items)
	redactAll(items)
	return &items[0], nil
}

// hydrate fetches profile metadata for entries, and their sub-score rows,
// that have none stored and have not previously come back empty. Results are
// persisted so a page is only ever enriched once; identities upstream doesn't
// know get flagged so they are never re-attempted.
func (s *Service) hydrate(ctx context.Context, entries []Entry) {
	if s.enricher == nil {
		return
	}
	type subRef struct{ entry, sub int }
	entryIdx := make(map[string][]int)
	subIdx := make(map[string][]subRef)
	var ids []string
	note := func(id string) {
		if _, seen := entryIdx[id]; !seen {
			if _, seen := subIdx[id]; !seen {
				ids = append(ids, id)
			}
		}
	}
	for i := range entries {
		if entries[i].enrichPending {
			note(entries[i].ID)
			entryIdx[entries[i].ID] = append(entryIdx[entries[i].ID], i)
		}
		for j := range entries[i].SubScores {
			sub := &entries[i].SubScores[j]
			if sub.enrichPending {
				note(sub.ID)
				subIdx[sub.ID] = append(subIdx[sub.ID], subRef{i, j})
			}
		}
	}
	if len(ids) == 0 {
		return
	}

	users, err := s.enricher.UsersByID(ctx, ids)
	if err != nil {
		slog.Warn("profile enrichment failed, serving unhydrated page", slog.Any("err", err), slog.Int("ids", len(ids)))
		return
	}

	found := make(map[string]bool, len(users))
	for _, u := range users {
		found[u.ID] = true
		c := Chatter{ID: u.ID, Login: u.Login, DisplayName: u.DisplayName, Color: u.Color}
		if u.Image != "" {
			img := u.Image
			c.Image = &img
		}
		if err := s.store.ApplyProfile(ctx, c); err != nil {
			slog.Warn("failed to persist enrichment", slog.String("id", u.ID), slog.Any("err", err))
		}
		for _, i := range entryIdx[u.ID] {
			entries[i].Login = c.Login
			entries[i].DisplayName = c.DisplayName
			entries[i].Color = c.Color
			entries[i].Image = c.Image
		}
		for _, ref := range subIdx[u.ID] {
			sub := &entries[ref.entry].SubScores[ref.sub]
			sub.Login = c.Login
			sub.DisplayName = c.DisplayName
			sub.Color = c.Color
			sub.Image = c.Image
		}
	}

	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		slog.Info("identities have no upstream profile, flagging", slog.Int("count", len(missing)))
		if err := s.store.MarkEnrichAttempted(ctx, missing); err != nil {
			slog.Warn("failed to flag unenrichable identities", slog.Any("err", err))
		}
	}
}

func redactAll(entries []Entry) {
	for i := range entries {
		entries[i].redact()
		for j := range entries[i].SubScores {
			entries[i].SubScores[j].redact()
		}
	}
}
