package engine

import (
	"encoding/json"
	"log/slog"
	"time"

	"context"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/telemetry"
)

// resultWriter persists handler outcomes. Every write is conditional on
// the record still being running and claimed by this worker: once a
// command has been reclaimed, the zombie worker's outcome is not
// authoritative and is silently discarded.
type resultWriter struct {
	store    storage.CommandStore
	workerID string
	metrics  *telemetry.Metrics
}

func newResultWriter(store storage.CommandStore, workerID string, metrics *telemetry.Metrics) *resultWriter {
	return &resultWriter{store: store, workerID: workerID, metrics: metrics}
}

func (r *resultWriter) guard() storage.Guard {
	return storage.Guard{Status: courier.StatusRunning, ClaimedBy: r.workerID}
}

// complete records a successful outcome.
func (r *resultWriter) complete(ctx context.Context, cmd *courier.Command, output json.RawMessage) {
	ok, err := r.store.CompareAndSwapStatus(ctx, cmd.ID, r.guard(),
		courier.StatusCompleted, storage.Update{
			Output:      output,
			Error:       storage.Ptr(""), // clear errors from earlier attempts
			ClaimedBy:   storage.Ptr(""),
			HeartbeatAt: &time.Time{},
		})
	if err != nil {
		// The record stays running with a dead heartbeat; the reclaimer
		// requeues it, which at-least-once delivery permits.
		slog.Error("result write failed", "id", cmd.ID, "error", err)
		return
	}
	if !ok {
		r.discarded(cmd)
		return
	}
	r.metrics.CommandOutcomes.WithLabelValues("completed").Inc()
	slog.Info("command completed", "id", cmd.ID, "command", cmd.Key(), "attempt", cmd.AttemptCount)
}

// fail records a failed outcome, requeueing while the attempt budget
// allows and retryable is true. The incremented attempt count is written
// in the same CAS, so it can never exceed max_attempts.
func (r *resultWriter) fail(ctx context.Context, cmd *courier.Command, msg string, retryable bool) {
	next := cmd.AttemptCount + 1
	upd := storage.Update{
		AttemptCount: storage.Ptr(next),
		Error:        storage.Ptr(msg),
		ClaimedBy:    storage.Ptr(""),
		HeartbeatAt:  &time.Time{},
	}

	if retryable && next < cmd.MaxAttempts {
		ok, err := r.store.CompareAndSwapStatus(ctx, cmd.ID, r.guard(), courier.StatusNew, upd)
		if err != nil {
			slog.Error("retry write failed", "id", cmd.ID, "error", err)
			return
		}
		if !ok {
			r.discarded(cmd)
			return
		}
		r.metrics.CommandOutcomes.WithLabelValues("retried").Inc()
		slog.Warn("command failed, requeued",
			"id", cmd.ID, "command", cmd.Key(), "attempt", next, "max_attempts", cmd.MaxAttempts, "error", msg)
		return
	}

	ok, err := r.store.CompareAndSwapStatus(ctx, cmd.ID, r.guard(), courier.StatusFailed, upd)
	if err != nil {
		slog.Error("fail write failed", "id", cmd.ID, "error", err)
		return
	}
	if !ok {
		r.discarded(cmd)
		return
	}
	r.metrics.CommandOutcomes.WithLabelValues("failed").Inc()
	slog.Error("command failed",
		"id", cmd.ID, "command", cmd.Key(), "attempt", next, "error", msg)
}

func (r *resultWriter) discarded(cmd *courier.Command) {
	r.metrics.CommandOutcomes.WithLabelValues("discarded").Inc()
	slog.Debug("stale result discarded", "id", cmd.ID, "command", cmd.Key())
}
