// Package store provides access to the agent's persistent memory:
// user profiles, conversation history, and the drip queue.
//
// Three implementations share the Store interface: an embedded SQLite
// database (default), a Postgres database via pgx, and a Supabase-style
// REST backend. The orchestrator only sees the interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by reads when no row matches.
var ErrNotFound = errors.New("store: not found")

// Drip task statuses. A task leaves StatusPending exactly once;
// the other three states are terminal.
const (
	StatusPending   = "pending"
	StatusSent      = "sent"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// Profile is the per-user record, keyed by the channel-native address
// (a phone number on WhatsApp). Summary is a rolling free-text fact list,
// appended to and truncated from the head; see AppendSummary.
type Profile struct {
	Address  string
	Name     string
	Summary  string
	LastSeen time.Time
}

// Message is one entry of conversation history. Append-only: the core
// never mutates or deletes messages.
type Message struct {
	ID        int64
	Address   string
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
}

// DripTask is a scheduled re-engagement job for one address.
type DripTask struct {
	ID        string
	Address   string
	Context   string // goal for the generated message
	DueAt     time.Time
	Status    string
	CreatedAt time.Time
}

// Store is the persistence contract shared by all backends.
//
// Reads that fail should be treated by callers as empty/default values so a
// turn can still produce a reply; writes other than AppendMessage are
// field-level patches and safe to repeat.
type Store interface {
	// GetProfile returns the profile for an address, or ErrNotFound.
	GetProfile(ctx context.Context, address string) (*Profile, error)

	// CreateProfile inserts a new profile. Called lazily on first contact.
	CreateProfile(ctx context.Context, p Profile) error

	// TouchProfile updates the last-seen timestamp.
	TouchProfile(ctx context.Context, address string, t time.Time) error

	// AppendSummary joins fact onto the profile summary with a "\n- "
	// separator and keeps only the trailing cap bytes. Older facts age out
	// silently; this lossy compaction is deliberate.
	AppendSummary(ctx context.Context, address, fact string, cap int) error

	// AppendMessage inserts one history entry. Pure insert, never upsert.
	AppendMessage(ctx context.Context, address, role, content string) error

	// RecentMessages returns up to limit messages for an address in
	// chronological order, oldest first.
	RecentMessages(ctx context.Context, address string, limit int) ([]Message, error)

	// CreateDrip inserts a new drip task (status pending).
	CreateDrip(ctx context.Context, task DripTask) error

	// DueDrips returns up to batch pending tasks whose due time has passed.
	DueDrips(ctx context.Context, now time.Time, batch int) ([]DripTask, error)

	// TransitionDrip moves a task from one status to another only if it is
	// still in the from status. Returns false when the row was already moved
	// by a concurrent writer; the caller must then skip the task.
	TransitionDrip(ctx context.Context, id, from, to string) (bool, error)

	// CancelPendingDrips marks every pending task for an address cancelled.
	// Returns the number of tasks transitioned. A no-op when none are
	// pending; safe to call on every inbound message.
	CancelPendingDrips(ctx context.Context, address string) (int, error)

	// Close releases the backend connection.
	Close() error
}

// TruncateTail keeps the trailing max bytes of s. Shared by backends that
// compact the profile summary client-side.
func TruncateTail(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}

// JoinSummary appends a fact to an existing summary with the standard
// separator, then compacts to cap bytes.
func JoinSummary(existing, fact string, cap int) string {
	if fact == "" {
		return TruncateTail(existing, cap)
	}
	if existing == "" {
		return TruncateTail("- "+fact, cap)
	}
	return TruncateTail(existing+"\n- "+fact, cap)
}
