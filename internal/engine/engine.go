// Package engine implements the command queue core: submission, change
// feed listening, claim coordination, bounded dispatch, result writing,
// and stale-command reclaim. The durable record in the store is the only
// shared mutable state; every transition is a guarded compare-and-swap,
// so any number of worker processes can run the full pipeline with no
// coordination beyond the store.
package engine

import "time"

// Options tunes the queue engine. Zero values fall back to defaults.
type Options struct {
	// WorkerID identifies this process in claims and heartbeats.
	WorkerID string
	// MaxConcurrentTasks bounds the dispatcher's execution pool.
	MaxConcurrentTasks int
	// HeartbeatInterval is how often a running task refreshes its
	// heartbeat. StaleThreshold must exceed it by a safety margin.
	HeartbeatInterval time.Duration
	// StaleThreshold is the heartbeat age past which a running command is
	// considered orphaned.
	StaleThreshold time.Duration
	// DefaultTimeout bounds handler execution when the command carries no
	// per-command timeout.
	DefaultTimeout time.Duration
	// PollInterval is the ScanNew backstop frequency behind the feed.
	PollInterval time.Duration
	// ReclaimInterval is the reclaimer sweep frequency.
	ReclaimInterval time.Duration
	// ShutdownGrace is how long in-flight tasks may finish after the
	// dispatcher stops accepting; tasks still running past it are
	// abandoned to the reclaimer.
	ShutdownGrace time.Duration
	// DefaultMaxAttempts applies when a submission does not set a ceiling.
	DefaultMaxAttempts int
}

func (o Options) withDefaults() Options {
	if o.WorkerID == "" {
		o.WorkerID = "worker-unknown"
	}
	if o.MaxConcurrentTasks <= 0 {
		o.MaxConcurrentTasks = 4
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 30 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = 15 * time.Second
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 30 * time.Second
	}
	if o.DefaultMaxAttempts <= 0 {
		o.DefaultMaxAttempts = 3
	}
	return o
}

// scanBatch caps how many records one poll or sweep pulls at a time.
const scanBatch = 64
