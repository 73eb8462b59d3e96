package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/telemetry"
)

// Reclaimer recovers commands orphaned by dead workers. It sweeps for
// running records whose heartbeat is older than the stale threshold and
// converts "process died" into an ordinary retry-or-fail transition. The
// CAS carries the heartbeat cutoff in its guard, so a worker heartbeating
// at the last possible instant is never reclaimed mid-flight, and two
// concurrent sweeps can never both win the same record.
type Reclaimer struct {
	store   storage.CommandStore
	opts    Options
	metrics *telemetry.Metrics
}

// NewReclaimer creates a Reclaimer.
func NewReclaimer(store storage.CommandStore, opts Options, metrics *telemetry.Metrics) *Reclaimer {
	return &Reclaimer{store: store, opts: opts.withDefaults(), metrics: metrics}
}

// Name returns the worker identifier.
func (r *Reclaimer) Name() string { return "reclaimer" }

// Run sweeps on a fixed interval until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Reclaimer) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.opts.StaleThreshold)
	cmds, err := r.store.ScanStale(ctx, cutoff, scanBatch)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("stale scan failed", "error", err)
		}
		return
	}
	for _, cmd := range cmds {
		r.reclaim(ctx, cmd, cutoff)
	}
}

func (r *Reclaimer) reclaim(ctx context.Context, cmd *courier.Command, cutoff time.Time) {
	lastBeat := "unknown"
	if cmd.HeartbeatAt != nil {
		lastBeat = cmd.HeartbeatAt.Format(time.RFC3339)
	}
	msg := fmt.Sprintf("%s: no heartbeat from %s since %s", courier.WorkerLostPrefix, cmd.ClaimedBy, lastBeat)

	guard := storage.Guard{Status: courier.StatusRunning, HeartbeatBefore: &cutoff}
	next := cmd.AttemptCount + 1
	upd := storage.Update{
		AttemptCount: storage.Ptr(next),
		Error:        storage.Ptr(msg),
		ClaimedBy:    storage.Ptr(""),
		HeartbeatAt:  &time.Time{},
	}

	if next < cmd.MaxAttempts {
		ok, err := r.store.CompareAndSwapStatus(ctx, cmd.ID, guard, courier.StatusNew, upd)
		if err != nil {
			slog.Error("reclaim write failed", "id", cmd.ID, "error", err)
			return
		}
		if !ok {
			// The worker heartbeated after our scan, or another sweep won.
			return
		}
		r.metrics.ReclaimsTotal.WithLabelValues("requeued").Inc()
		slog.Warn("stale command requeued",
			"id", cmd.ID, "command", cmd.Key(), "claimed_by", cmd.ClaimedBy, "attempt", next)
		return
	}

	ok, err := r.store.CompareAndSwapStatus(ctx, cmd.ID, guard, courier.StatusFailed, upd)
	if err != nil {
		slog.Error("reclaim write failed", "id", cmd.ID, "error", err)
		return
	}
	if !ok {
		return
	}
	r.metrics.ReclaimsTotal.WithLabelValues("failed").Inc()
	slog.Error("stale command failed, attempt budget exhausted",
		"id", cmd.ID, "command", cmd.Key(), "claimed_by", cmd.ClaimedBy, "attempt", next)
}
