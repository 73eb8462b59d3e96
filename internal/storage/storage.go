// Package storage defines persistence interfaces for the command queue.
package storage

import (
	"context"
	"encoding/json"
	"time"

	courier "github.com/courierq/courier/internal"
)

// Guard is the precondition of a conditional status transition. Status is
// always checked; ClaimedBy (when non-empty) additionally requires the
// record to still be claimed by that worker, and HeartbeatBefore (when
// non-nil) requires the last heartbeat to be older than the given instant.
type Guard struct {
	Status          courier.Status
	ClaimedBy       string
	HeartbeatBefore *time.Time
}

// Update holds the fields written alongside a status transition. Nil
// pointer fields are left untouched; a pointer to the zero value clears
// the column.
type Update struct {
	ClaimedBy    *string
	HeartbeatAt  *time.Time
	AttemptCount *int
	Output       json.RawMessage
	Error        *string
}

// Filter narrows ListCommands results. Zero values mean "any".
type Filter struct {
	Status    courier.Status
	Namespace string
	Limit     int
	Offset    int
}

// CommandStore is the durable source of truth for command records. All
// mutation after insert goes through CompareAndSwapStatus; there is no
// unconditional update.
type CommandStore interface {
	// InsertCommand persists a new command record.
	InsertCommand(ctx context.Context, cmd *courier.Command) error
	// GetCommand returns the command or courier.ErrNotFound.
	GetCommand(ctx context.Context, id string) (*courier.Command, error)
	// CompareAndSwapStatus atomically moves the record to next if guard
	// holds, applying upd in the same write. A failed precondition returns
	// (false, nil) -- a lost race is an expected outcome, not an error.
	CompareAndSwapStatus(ctx context.Context, id string, guard Guard, next courier.Status, upd Update) (bool, error)
	// ListCommands returns commands matching the filter, newest first.
	ListCommands(ctx context.Context, f Filter) ([]*courier.Command, error)
	// ScanNew returns ids of commands in status new, oldest first. This is
	// the poll backstop behind the change feed.
	ScanNew(ctx context.Context, limit int) ([]string, error)
	// ScanStale returns running commands whose heartbeat is older than
	// olderThan, for the reclaim sweep.
	ScanStale(ctx context.Context, olderThan time.Time, limit int) ([]*courier.Command, error)
	// Ping verifies store connectivity.
	Ping(ctx context.Context) error
	Close() error
}

// Feed is a best-effort stream of ids for commands entering status new.
// It may drop, duplicate, or reorder events: it is a latency hint, never
// the sole delivery path. The returned channel is closed when the
// underlying subscription ends; callers resubscribe with backoff.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan string, error)
}

// Ptr returns a pointer to v, for building Update literals.
func Ptr[T any](v T) *T { return &v }
