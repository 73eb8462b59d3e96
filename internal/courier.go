// Package courier defines domain types and interfaces for the Courier
// command queue. This package has no project imports -- it is the
// dependency root.
package courier

import (
	"context"
	"encoding/json"
	"time"
)

// --- Command lifecycle ---

// Status is the lifecycle state of a command.
type Status string

const (
	StatusNew       Status = "new"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal commands are
// immutable and safe to cache.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Command is one durable unit of background work. The record in the store
// is authoritative; in-memory copies are snapshots.
type Command struct {
	ID           string          `json:"id"`
	Namespace    string          `json:"namespace"`
	Name         string          `json:"name"`
	Status       Status          `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	HeartbeatAt  *time.Time      `json:"heartbeat_at,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"` // 0 = engine default
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Key returns the handler registry key for the command.
func (c *Command) Key() string { return c.Namespace + "/" + c.Name }

// --- Handler contract ---

// Handler executes the business logic for one command type. Delivery is
// at-least-once: a handler may be invoked more than once for the same
// logical input and must be idempotent. Handlers know nothing about queue
// mechanics; ctx carries the execution deadline and is cancelled when the
// command loses its claim.
type Handler interface {
	Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	return f(ctx, input)
}

// --- Context keys ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// WorkerLostPrefix marks synthetic errors written by the reclaimer so
// crash-recovery failures are distinguishable from handler failures.
const WorkerLostPrefix = "worker lost"
