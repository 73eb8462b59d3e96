package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/registry"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/telemetry"
)

// Dispatcher claims commands surfaced by the listener and executes their
// handlers in a bounded pool. Claiming is the single correctness-critical
// operation: one atomic conditional write at the store decides ownership,
// never a read-then-write pair.
type Dispatcher struct {
	store    storage.CommandStore
	registry *registry.Registry
	results  *resultWriter
	in       <-chan string
	opts     Options
	metrics  *telemetry.Metrics
	tracer   trace.Tracer

	// draining is set when shutdown begins; task contexts cancelled after
	// that point mean "abandon to the reclaimer", not "handler failed".
	draining atomic.Bool
}

// NewDispatcher creates a Dispatcher consuming command ids from in.
func NewDispatcher(store storage.CommandStore, reg *registry.Registry, in <-chan string, opts Options, metrics *telemetry.Metrics) *Dispatcher {
	opts = opts.withDefaults()
	return &Dispatcher{
		store:    store,
		registry: reg,
		results:  newResultWriter(store, opts.WorkerID, metrics),
		in:       in,
		opts:     opts,
		metrics:  metrics,
		tracer:   telemetry.Tracer("courier/engine"),
	}
}

// Name returns the worker identifier.
func (d *Dispatcher) Name() string { return "dispatcher" }

// Run accepts and executes commands until ctx is cancelled, then grants
// in-flight tasks a grace period. Tasks still running past the grace are
// abandoned locally: their heartbeats stop and the reclaimer recovers the
// records, so shutdown never blocks indefinitely.
func (d *Dispatcher) Run(ctx context.Context) error {
	// Tasks run on a context detached from the accept loop so cancelling
	// accept does not instantly kill in-flight handlers.
	taskCtx, cancelTasks := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelTasks()

	var g errgroup.Group
	g.SetLimit(d.opts.MaxConcurrentTasks)

accept:
	for {
		select {
		case <-ctx.Done():
			break accept
		case id, ok := <-d.in:
			if !ok {
				break accept
			}
			cmd, claimed := d.claim(ctx, id)
			if !claimed {
				continue
			}
			g.Go(func() error {
				d.execute(taskCtx, cmd)
				return nil
			})
		}
	}

	d.draining.Store(true)
	done := make(chan struct{})
	go func() {
		g.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.opts.ShutdownGrace):
		slog.Warn("shutdown grace expired, abandoning in-flight tasks to the reclaimer")
		cancelTasks()
	}
	return nil
}

// claim performs the atomic new -> running transition. A false return is
// a lost race, not an error: some other worker owns the command now.
func (d *Dispatcher) claim(ctx context.Context, id string) (*courier.Command, bool) {
	now := time.Now().UTC()
	ok, err := d.store.CompareAndSwapStatus(ctx, id,
		storage.Guard{Status: courier.StatusNew}, courier.StatusRunning,
		storage.Update{
			ClaimedBy:   storage.Ptr(d.opts.WorkerID),
			HeartbeatAt: &now,
		})
	if err != nil {
		// Transient store error; the poll backstop will resurface the id.
		if ctx.Err() == nil {
			slog.Warn("claim write failed", "id", id, "error", err)
		}
		return nil, false
	}
	if !ok {
		d.metrics.ClaimsTotal.WithLabelValues("lost").Inc()
		return nil, false
	}
	d.metrics.ClaimsTotal.WithLabelValues("won").Inc()

	cmd, err := d.store.GetCommand(ctx, id)
	if err != nil {
		// Claimed but unreadable: leave it; the heartbeat never starts and
		// the reclaimer requeues it.
		slog.Error("claimed command unreadable", "id", id, "error", err)
		return nil, false
	}
	return cmd, true
}

// execute runs one claimed command to a result.
func (d *Dispatcher) execute(ctx context.Context, cmd *courier.Command) {
	d.metrics.RunningTasks.Inc()
	defer d.metrics.RunningTasks.Dec()

	handler, err := d.registry.Resolve(cmd.Namespace, cmd.Name)
	if err != nil {
		// Retrying cannot conjure a handler into the registry.
		d.results.fail(ctx, cmd, err.Error(), false)
		return
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = d.opts.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hbDone := make(chan struct{})
	go d.heartbeat(runCtx, cmd.ID, cancel, hbDone)

	ctxSpan, span := d.tracer.Start(runCtx, "command.execute", trace.WithAttributes(
		attribute.String("command.id", cmd.ID),
		attribute.String("command.namespace", cmd.Namespace),
		attribute.String("command.name", cmd.Name),
		attribute.Int("command.attempt", cmd.AttemptCount),
	))

	start := time.Now()
	output, err := handler.Handle(ctxSpan, cmd.Input)
	d.metrics.HandlerDuration.WithLabelValues(cmd.Namespace, cmd.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
	}
	span.End()

	cancel()
	<-hbDone

	if err == nil {
		d.results.complete(ctx, cmd, output)
		return
	}

	if d.draining.Load() && errors.Is(err, context.Canceled) {
		// Shutdown abandon: write nothing; the stale heartbeat hands the
		// command to the reclaimer.
		slog.Info("abandoning task on shutdown", "id", cmd.ID, "command", cmd.Key())
		return
	}

	msg := err.Error()
	if errors.Is(err, context.DeadlineExceeded) {
		msg = fmt.Sprintf("timeout after %s", timeout)
	}
	d.results.fail(ctx, cmd, msg, true)
}

// heartbeat refreshes heartbeat_at while the handler runs. A refresh that
// loses its CAS means the claim is gone (cancelled or reclaimed); the
// task context is cancelled so the handler stops promptly. Transient
// store errors skip a beat rather than killing the task.
func (d *Dispatcher) heartbeat(ctx context.Context, id string, lost context.CancelFunc, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			ok, err := d.store.CompareAndSwapStatus(ctx, id,
				storage.Guard{Status: courier.StatusRunning, ClaimedBy: d.opts.WorkerID},
				courier.StatusRunning,
				storage.Update{HeartbeatAt: &now})
			if err != nil {
				if ctx.Err() == nil {
					slog.Warn("heartbeat write failed", "id", id, "error", err)
				}
				continue
			}
			if !ok {
				slog.Warn("claim superseded, cancelling task", "id", id)
				lost()
				return
			}
		}
	}
}
