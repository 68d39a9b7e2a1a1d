// Package leaderboard implements the relational score store and the ranked,
// paginated query engine over it.
package leaderboard

import "time"

// Kind selects which leaderboard a query runs against.
type Kind string

const (
	KindChatter Kind = "chatter"
	KindChannel Kind = "channel"
)

// IdentKind selects how a single entity is looked up.
type IdentKind string

const (
	ByID    IdentKind = "id"
	ByLogin IdentKind = "login"
)

// RedactedLogin is the sentinel returned in place of a private chatter's identity.
const RedactedLogin = "anonymous"

// Chatter is the identity record. A channel owner is also a chatter.
type Chatter struct {
	ID          string
	Login       string
	DisplayName string
	Color       string
	Image       *string
	Total       int64
	Private     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Entry is one ranked row of a leaderboard, hydrated with profile fields.
type Entry struct {
	ID          string     `json:"id"`
	Login       string     `json:"login"`
	DisplayName string     `json:"name"`
	Color       string     `json:"color"`
	Image       *string    `json:"image"`
	Total       int64      `json:"total"`
	Ranking     int64      `json:"ranking"`
	SubScores   []SubScore `json:"scores,omitempty"`
	// Remaining is how many sub-score rows exist beyond the listed top-N.
	Remaining int64 `json:"remaining_scores"`

	private       bool
	enrichPending bool
}

// SubScore is one row of an entity's per-relation leaderboard: for a channel,
// a chatter mentioned in it; for a chatter, a channel they were mentioned in.
type SubScore struct {
	ID          string  `json:"id"`
	Login       string  `json:"login"`
	DisplayName string  `json:"name"`
	Color       string  `json:"color"`
	Image       *string `json:"image"`
	Score       int64   `json:"score"`
	Ranking     int64   `json:"ranking"`

	private       bool
	enrichPending bool
}

// Page is a paginated leaderboard response.
type Page struct {
	Items      []Entry `json:"items"`
	Page       int64   `json:"page"`
	PageSize   int64   `json:"page_size"`
	TotalItems int64   `json:"total_items"`
	TotalPages int64   `json:"total_pages"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

// clampPageSize constrains a requested page size to [1, maxPageSize], applying
// the default for non-positive input. Invalid pagination is clamped, never rejected.
func clampPageSize(size int64) int64 {
	if size <= 0 {
		return defaultPageSize
	}
	if size > maxPageSize {
		return maxPageSize
	}
	return size
}

// clampPage constrains a 1-based page number to [1, totalPages]. A request past
// the end lands on the last valid page rather than erroring; an empty result
// set always reports page 1.
func clampPage(page, totalPages int64) int64 {
	if totalPages < 1 {
		return 1
	}
	if page < 1 {
		return 1
	}
	if page > totalPages {
		return totalPages
	}
	return page
}

func totalPages(totalItems, pageSize int64) int64 {
	if totalItems <= 0 {
		return 0
	}
	return (totalItems + pageSize - 1) / pageSize
}

// redact applies read-time redaction to a private chatter's identity fields.
// Totals remain visible; stored data is never mutated.
func (e *Entry) redact() {
	if !e.private {
		return
	}
	e.Login = RedactedLogin
	e.DisplayName = RedactedLogin
	e.Image = nil
}

func (s *SubScore) redact() {
	if !s.private {
		return
	}
	s.Login = RedactedLogin
	s.DisplayName = RedactedLogin
	s.Image = nil
}
