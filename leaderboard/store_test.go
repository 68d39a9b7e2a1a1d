package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/onnwee/chatterboard/testutil"
	"github.com/onnwee/chatterboard/twitchapi"
)

func TestRecordMentionAccumulates(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := store.RecordMention(ctx, "chatter-1", "channel-1", 1); err != nil {
			t.Fatalf("RecordMention() error = %v", err)
		}
	}

	e, err := store.Single(ctx, KindChatter, ByID, "chatter-1", 0)
	if err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	if e.Total != 5 {
		t.Errorf("total = %d, want 5", e.Total)
	}
	if e.Ranking != 1 {
		t.Errorf("ranking = %d, want 1", e.Ranking)
	}
	if len(e.SubScores) != 1 || e.SubScores[0].Score != 5 {
		t.Errorf("sub-scores = %+v, want one row of 5", e.SubScores)
	}
	if e.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", e.Remaining)
	}

	ch, err := store.Single(ctx, KindChannel, ByID, "channel-1", 0)
	if err != nil {
		t.Fatalf("Single(channel) error = %v", err)
	}
	if ch.Total != 5 {
		t.Errorf("channel total = %d, want 5", ch.Total)
	}
}

func TestRecordMentionRejectsEmptyIDs(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	if err := store.RecordMention(context.Background(), "", "channel-1", 1); err == nil {
		t.Error("expected error for empty chatter id")
	}
	if err := store.RecordMention(context.Background(), "chatter-1", "", 1); err == nil {
		t.Error("expected error for empty channel id")
	}
}

func TestRecordMentionNonPositivePointsCountOne(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	if err := store.RecordMention(ctx, "chatter-1", "channel-1", 0); err != nil {
		t.Fatalf("RecordMention() error = %v", err)
	}
	if err := store.RecordMention(ctx, "chatter-1", "channel-1", -7); err != nil {
		t.Fatalf("RecordMention() error = %v", err)
	}
	e, err := store.Single(ctx, KindChatter, ByID, "chatter-1", 0)
	if err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	if e.Total != 2 {
		t.Errorf("total = %d, want 2 (non-positive points count as 1)", e.Total)
	}
}

func TestRecordMentionSurvivesLoginCollision(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	// An existing chatter whose login equals another user's numeric id.
	if err := store.UpsertChatter(ctx, Chatter{ID: "abc", Login: "777", DisplayName: "Odd Handle"}); err != nil {
		t.Fatal(err)
	}

	// Mentioning the chatter whose *id* is 777 must not trip the unique
	// login key; the placeholder login is prefixed so it cannot collide.
	if err := store.RecordMention(ctx, "777", "channel-1", 1); err != nil {
		t.Fatalf("RecordMention() error = %v", err)
	}
	e, err := store.Single(ctx, KindChatter, ByID, "777", 0)
	if err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	if e.Total != 1 {
		t.Errorf("total = %d, want 1", e.Total)
	}
	if e.Login != "id:777" {
		t.Errorf("placeholder login = %q, want id:777", e.Login)
	}
}

func TestLeaderboardTieBreaksByCreation(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	// elder registers first, so on equal totals it must rank ahead.
	if err := store.RecordMention(ctx, "elder", "channel-1", 3); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := store.RecordMention(ctx, "younger", "channel-1", 3); err != nil {
		t.Fatal(err)
	}

	// The channel owner also gets a zero-total chatter row, so 3 items.
	page, err := store.Leaderboard(ctx, KindChatter, 1, 10)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	if len(page.Items) != 3 {
		t.Fatalf("got %d items, want 3", len(page.Items))
	}
	if page.Items[0].ID != "elder" || page.Items[0].Ranking != 1 {
		t.Errorf("first item = %s rank %d, want elder rank 1", page.Items[0].ID, page.Items[0].Ranking)
	}
	if page.Items[1].ID != "younger" || page.Items[1].Ranking != 2 {
		t.Errorf("second item = %s rank %d, want younger rank 2", page.Items[1].ID, page.Items[1].Ranking)
	}
}

func TestLeaderboardPaginationClamps(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("chatter-%d", i)
		if err := store.RecordMention(ctx, id, "channel-1", int64(10-i)); err != nil {
			t.Fatal(err)
		}
	}

	// 7 mentioned chatters plus the channel owner's zero-total row.
	page, err := store.Leaderboard(ctx, KindChatter, 1, 3)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	if page.TotalItems != 8 || page.TotalPages != 3 {
		t.Errorf("totals = %d items %d pages, want 8 and 3", page.TotalItems, page.TotalPages)
	}

	// A page far past the end lands on the last valid page.
	last, err := store.Leaderboard(ctx, KindChatter, 99, 3)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	if last.Page != 3 {
		t.Errorf("clamped page = %d, want 3", last.Page)
	}
	if len(last.Items) != 2 {
		t.Errorf("last page has %d items, want 2", len(last.Items))
	}
	if got := last.Items[0].Ranking; got != 7 {
		t.Errorf("first item of last page rank = %d, want 7 (ranks dense across pages)", got)
	}

	// Oversized page size clamps instead of erroring.
	big, err := store.Leaderboard(ctx, KindChatter, 1, 100000)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}
	if big.PageSize != maxPageSize {
		t.Errorf("page size = %d, want %d", big.PageSize, maxPageSize)
	}
}

func TestLeaderboardPaginationRoundTrip(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("chatter-%d", i)
		if err := store.RecordMention(ctx, id, "channel-1", int64(20-i)); err != nil {
			t.Fatal(err)
		}
	}

	full, err := store.Leaderboard(ctx, KindChatter, 1, maxPageSize)
	if err != nil {
		t.Fatalf("Leaderboard() error = %v", err)
	}

	// Concatenating every page must reproduce the full listing exactly,
	// with no duplicates or omissions.
	var stitched []Entry
	first, err := store.Leaderboard(ctx, KindChatter, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	stitched = append(stitched, first.Items...)
	for p := int64(2); p <= first.TotalPages; p++ {
		page, err := store.Leaderboard(ctx, KindChatter, p, 4)
		if err != nil {
			t.Fatalf("Leaderboard(page %d) error = %v", p, err)
		}
		if page.Page != p {
			t.Errorf("page %d echoed as %d", p, page.Page)
		}
		stitched = append(stitched, page.Items...)
	}

	if len(stitched) != len(full.Items) {
		t.Fatalf("stitched %d items, full listing has %d", len(stitched), len(full.Items))
	}
	seen := map[string]bool{}
	for i := range stitched {
		if stitched[i].ID != full.Items[i].ID || stitched[i].Ranking != full.Items[i].Ranking {
			t.Errorf("position %d: stitched (%s, rank %d) != full (%s, rank %d)",
				i, stitched[i].ID, stitched[i].Ranking, full.Items[i].ID, full.Items[i].Ranking)
		}
		if seen[stitched[i].ID] {
			t.Errorf("duplicate id %s across pages", stitched[i].ID)
		}
		seen[stitched[i].ID] = true
	}
}

func TestSingleNotFound(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	_, err := store.Single(context.Background(), KindChatter, ByLogin, "nobody", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestServiceRedactsPrivateChatters(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	if err := store.RecordMention(ctx, "shy", "channel-1", 4); err != nil {
		t.Fatal(err)
	}
	img := "https://img.example/shy.png"
	if err := store.ApplyProfile(ctx, Chatter{ID: "shy", Login: "shy", DisplayName: "Shy", Color: "#123456", Image: &img}); err != nil {
		t.Fatal(err)
	}
	if err := store.SetPrivate(ctx, "shy", true); err != nil {
		t.Fatal(err)
	}

	svc := NewService(store, nil)
	e, err := svc.Single(ctx, KindChatter, ByID, "shy", 0)
	if err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	if e.Login != RedactedLogin || e.DisplayName != RedactedLogin {
		t.Errorf("identity visible: %+v", e)
	}
	if e.Image != nil {
		t.Error("image visible for private chatter")
	}
	if e.Total != 4 {
		t.Errorf("total = %d, want 4 (totals stay visible)", e.Total)
	}

	// The stored row is untouched; redaction happens at read time.
	raw, err := store.ChatterByLogin(ctx, "shy")
	if err != nil {
		t.Fatal(err)
	}
	if raw.Login != "shy" || raw.Image == nil {
		t.Errorf("stored row mutated: %+v", raw)
	}
}

func TestServiceHydratesPlaceholders(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	// Mentions create placeholder identities with no profile.
	if err := store.RecordMention(ctx, "42", "channel-1", 1); err != nil {
		t.Fatal(err)
	}

	mock := testutil.NewMockHelixServer(t, []twitchapi.User{
		{ID: "42", Login: "answerer", DisplayName: "Answerer", Image: "https://img.example/42.png", Color: "#00FF00"},
	})
	svc := NewService(store, mock.NewHelixClient())

	e, err := svc.Single(ctx, KindChatter, ByID, "42", 0)
	if err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	if e.Login != "answerer" || e.DisplayName != "Answerer" {
		t.Errorf("not hydrated: %+v", e)
	}
	if e.Image == nil {
		t.Error("image missing after hydration")
	}

	// Profile is persisted, so a second read needs no upstream call.
	before := mock.UsersCalls()
	if _, err := svc.Single(ctx, KindChatter, ByID, "42", 0); err != nil {
		t.Fatal(err)
	}
	if mock.UsersCalls() != before {
		t.Errorf("users endpoint called again: %d -> %d", before, mock.UsersCalls())
	}
}

func TestServiceHydratesSubScores(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	if err := store.RecordMention(ctx, "42", "chan9", 2); err != nil {
		t.Fatal(err)
	}

	mock := testutil.NewMockHelixServer(t, []twitchapi.User{
		{ID: "42", Login: "answerer", DisplayName: "Answerer", Image: "https://img.example/42.png"},
		{ID: "chan9", Login: "ninthchan", DisplayName: "NinthChan", Image: "https://img.example/chan9.png"},
	})
	svc := NewService(store, mock.NewHelixClient())

	// The mentioned chatter only appears here as a sub-score row; it must
	// still be hydrated.
	e, err := svc.Single(ctx, KindChannel, ByID, "chan9", 0)
	if err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	if e.Login != "ninthchan" {
		t.Errorf("entry login = %q, want ninthchan", e.Login)
	}
	if len(e.SubScores) != 1 {
		t.Fatalf("got %d sub-scores, want 1", len(e.SubScores))
	}
	if e.SubScores[0].Login != "answerer" {
		t.Errorf("sub-score login = %q, want answerer", e.SubScores[0].Login)
	}
	if e.SubScores[0].Image == nil {
		t.Error("sub-score image missing after hydration")
	}
}

func TestServiceFlagsUnknownIdentities(t *testing.T) {
	store := NewStore(testutil.SetupTestDB(t))
	ctx := context.Background()

	if err := store.RecordMention(ctx, "ghost", "channel-1", 1); err != nil {
		t.Fatal(err)
	}
	mock := testutil.NewMockHelixServer(t, nil)
	svc := NewService(store, mock.NewHelixClient())

	if _, err := svc.Single(ctx, KindChatter, ByID, "ghost", 0); err != nil {
		t.Fatalf("Single() error = %v", err)
	}
	first := mock.UsersCalls()
	if first == 0 {
		t.Fatal("expected an enrichment attempt")
	}

	// Known-empty identities are never re-fetched.
	if _, err := svc.Single(ctx, KindChatter, ByID, "ghost", 0); err != nil {
		t.Fatal(err)
	}
	if mock.UsersCalls() != first {
		t.Errorf("users endpoint re-queried for flagged identity: %d -> %d", first, mock.UsersCalls())
	}
}

func TestWindowedLeaderboard(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	if err := store.RecordMention(ctx, "recent", "channel-1", 2); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordMention(ctx, "stale", "channel-1", 9); err != nil {
		t.Fatal(err)
	}
	// Age the second chatter's events out of the window.
	if _, err := db.ExecContext(ctx,
		`UPDATE score_events SET earned_at = now() - interval '30 days' WHERE chatter_id = 'stale'`); err != nil {
		t.Fatal(err)
	}

	page, err := store.WindowedLeaderboard(ctx, KindChatter, 7*24*time.Hour, 1, 10)
	if err != nil {
		t.Fatalf("WindowedLeaderboard() error = %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("got %d items, want 1 (old events excluded)", len(page.Items))
	}
	if page.Items[0].ID != "recent" || page.Items[0].Total != 2 {
		t.Errorf("item = %+v, want recent with windowed total 2", page.Items[0])
	}

	// All-time board still sees both chatters (plus the channel owner row).
	full, err := store.Leaderboard(ctx, KindChatter, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(full.Items) != 3 {
		t.Errorf("all-time board has %d items, want 3", len(full.Items))
	}
}
