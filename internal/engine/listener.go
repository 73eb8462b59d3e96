package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/telemetry"
)

const (
	feedRetryBase = 500 * time.Millisecond
	feedRetryCap  = 30 * time.Second
)

// Listener surfaces commands in status new to the dispatcher. The change
// feed is the low-latency path; a periodic ScanNew poll is the
// correctness backstop, so the system makes progress even if the feed
// never fires.
type Listener struct {
	store   storage.CommandStore
	feed    storage.Feed // nil = poll only
	out     chan<- string
	opts    Options
	metrics *telemetry.Metrics
}

// NewListener creates a Listener forwarding command ids into out.
func NewListener(store storage.CommandStore, feed storage.Feed, out chan<- string, opts Options, metrics *telemetry.Metrics) *Listener {
	return &Listener{
		store:   store,
		feed:    feed,
		out:     out,
		opts:    opts.withDefaults(),
		metrics: metrics,
	}
}

// Name returns the worker identifier.
func (l *Listener) Name() string { return "listener" }

// Run polls until ctx is cancelled, following the change feed in parallel
// when one is configured.
func (l *Listener) Run(ctx context.Context) error {
	if l.feed != nil {
		go l.followFeed(ctx)
	}

	ticker := time.NewTicker(l.opts.PollInterval)
	defer ticker.Stop()

	// Immediate first poll drains any backlog left from before this
	// worker started.
	l.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.poll(ctx)
		}
	}
}

// poll forwards all pending new commands. Store errors are transient by
// taxonomy: logged and retried on the next tick, never surfaced as
// command failures.
func (l *Listener) poll(ctx context.Context) {
	ids, err := l.store.ScanNew(ctx, scanBatch)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("poll scan failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		select {
		case l.out <- id:
		case <-ctx.Done():
			return
		}
	}
}

// followFeed keeps a feed subscription alive, resubscribing with capped
// exponential backoff. Feed events are hints: a full dispatch channel
// drops them and the poll recovers.
func (l *Listener) followFeed(ctx context.Context) {
	backoff := retry.WithCappedDuration(feedRetryCap, retry.NewExponential(feedRetryBase))

	for ctx.Err() == nil {
		ch, err := l.feed.Subscribe(ctx)
		if err != nil {
			delay, _ := backoff.Next()
			slog.Warn("feed subscribe failed, retrying", "error", err, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}
		// A healthy subscription resets the backoff.
		backoff = retry.WithCappedDuration(feedRetryCap, retry.NewExponential(feedRetryBase))

		for id := range ch {
			select {
			case l.out <- id:
			default:
			}
		}
		if ctx.Err() == nil {
			l.metrics.FeedReconnects.Inc()
			slog.Warn("feed disconnected, resubscribing")
		}
	}
}
