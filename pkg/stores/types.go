package stores

import (
	"context"
	"time"
)

// Session is one run of the game server.
type Session struct {
	ID              string     `json:"id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	StartingCredits int64      `json:"starting_credits"`
	Namespace       string     `json:"namespace"`
	Metadata        string     `json:"metadata"` // JSON blob
}

// LedgerRecord is a journaled credits ledger entry.
type LedgerRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	Amount    int64     `json:"amount"`
	Balance   int64     `json:"balance"`
	UnitID    string    `json:"unit_id,omitempty"`
	Note      string    `json:"note,omitempty"`
	At        time.Time `json:"at"`
}

// TransitionRecord is a journaled unit lifecycle step.
type TransitionRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	UnitID    string    `json:"unit_id"`
	Kind      string    `json:"kind"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// EventRecord is any other journaled event: chaos firings, availability
// changes, policy denials and reloads.
type EventRecord struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	UnitID    string    `json:"unit_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      string    `json:"data"` // JSON blob
	At        time.Time `json:"at"`
}

// Filter narrows a journal listing. Zero fields match everything.
type Filter struct {
	SessionID string
	UnitID    string
	Type      string
	Limit     int
	Offset    int
}

// Journal is the write-mostly audit log of a game session. It is never read
// back to restore state; the cluster is the source of truth.
type Journal interface {
	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error

	// Sessions
	BeginSession(ctx context.Context, session *Session) error
	EndSession(ctx context.Context, id string, at time.Time) error
	ListSessions(ctx context.Context, limit, offset int) ([]*Session, error)

	// Appends
	AppendLedgerEntry(ctx context.Context, rec *LedgerRecord) error
	AppendTransition(ctx context.Context, rec *TransitionRecord) error
	AppendEvent(ctx context.Context, rec *EventRecord) error

	// Listings, newest first
	ListLedgerEntries(ctx context.Context, f Filter) ([]*LedgerRecord, error)
	ListTransitions(ctx context.Context, f Filter) ([]*TransitionRecord, error)
	ListEvents(ctx context.Context, f Filter) ([]*EventRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
