package store

import "time"

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// StateInfo is the listing row for a persisted document state; the document
// itself is stored as JSONB and loaded separately.
type StateInfo struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ViewState is one user's per-state display preferences: completed note ids
// and collapsed section/note ids.
type ViewState struct {
	UserID    string
	StateID   string
	Completed []string
	Collapsed []string
	UpdatedAt time.Time
}

// TagAuditEntry records a destructive tag operation.
type TagAuditEntry struct {
	ID        int64
	StateID   string
	Action    string
	Tag       string
	Actor     string
	Details   map[string]any
	CreatedAt time.Time
}

// NoteSearchHit is a full-text search result from the Postgres fallback
// index.
type NoteSearchHit struct {
	StateID   string
	SectionID string
	NoteID    string
	Title     string
	Snippet   string
	Tags      []string
	Rank      float64
}
