package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/testutil"
)

// insertRunning seeds a running command claimed by worker with the given
// heartbeat age, as if the worker crashed mid-execution.
func insertRunning(t *testing.T, store *testutil.FakeStore, id, worker string, attempts, maxAttempts int, beatAge time.Duration) {
	t.Helper()
	insertNew(t, store, id, "test", "echo", maxAttempts)
	beat := time.Now().UTC().Add(-beatAge)
	ok, err := store.CompareAndSwapStatus(context.Background(), id,
		storage.Guard{Status: courier.StatusNew}, courier.StatusRunning,
		storage.Update{
			ClaimedBy:    storage.Ptr(worker),
			HeartbeatAt:  &beat,
			AttemptCount: storage.Ptr(attempts),
		})
	if err != nil || !ok {
		t.Fatal("seed running failed", ok, err)
	}
}

func TestReclaimRequeuesStaleCommand(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	insertRunning(t, store, "cmd-1", "dead-worker", 0, 3, time.Minute)

	r := NewReclaimer(store, testOpts("sweeper"), newTestMetrics())
	r.sweep(context.Background())

	got, _ := store.GetCommand(context.Background(), "cmd-1")
	if got.Status != courier.StatusNew {
		t.Fatalf("status = %q, want new", got.Status)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if !strings.HasPrefix(got.Error, courier.WorkerLostPrefix) {
		t.Errorf("error = %q, want %q prefix", got.Error, courier.WorkerLostPrefix)
	}
	if !strings.Contains(got.Error, "dead-worker") {
		t.Errorf("error = %q, want dead worker named", got.Error)
	}
	if got.ClaimedBy != "" || got.HeartbeatAt != nil {
		t.Errorf("claim not cleared: claimed_by=%q heartbeat=%v", got.ClaimedBy, got.HeartbeatAt)
	}
}

func TestReclaimFailsWhenBudgetExhausted(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	// Third attempt in flight when the worker died: no budget left.
	insertRunning(t, store, "cmd-1", "dead-worker", 2, 3, time.Minute)

	r := NewReclaimer(store, testOpts("sweeper"), newTestMetrics())
	r.sweep(context.Background())

	got, _ := store.GetCommand(context.Background(), "cmd-1")
	if got.Status != courier.StatusFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", got.AttemptCount)
	}
	if !strings.HasPrefix(got.Error, courier.WorkerLostPrefix) {
		t.Errorf("error = %q, want %q prefix", got.Error, courier.WorkerLostPrefix)
	}
}

func TestReclaimSkipsFreshHeartbeat(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	insertRunning(t, store, "cmd-1", "w1", 0, 3, 0)

	r := NewReclaimer(store, testOpts("sweeper"), newTestMetrics())
	r.sweep(context.Background())

	got, _ := store.GetCommand(context.Background(), "cmd-1")
	if got.Status != courier.StatusRunning {
		t.Errorf("status = %q, healthy command must not be reclaimed", got.Status)
	}
	if got.ClaimedBy != "w1" {
		t.Errorf("claimed_by = %q, want w1", got.ClaimedBy)
	}
}

func TestReclaimExactlyOnce(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	insertRunning(t, store, "cmd-1", "dead-worker", 0, 5, time.Minute)

	// Both sweeps see the same stale snapshot; the guard lets only one win.
	ctx := context.Background()
	cmd, _ := store.GetCommand(ctx, "cmd-1")
	cutoff := time.Now().UTC().Add(-testOpts("sweeper").StaleThreshold)

	r1 := NewReclaimer(store, testOpts("sweeper-1"), newTestMetrics())
	r2 := NewReclaimer(store, testOpts("sweeper-2"), newTestMetrics())
	r1.reclaim(ctx, cmd, cutoff)
	r2.reclaim(ctx, cmd, cutoff)

	got, _ := store.GetCommand(ctx, "cmd-1")
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1 (double reclaim)", got.AttemptCount)
	}
}

func TestReclaimedCommandCompletesOnLiveWorker(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()

	// A command orphaned by a crashed worker, and a healthy worker plus
	// reclaimer running alongside.
	insertRunning(t, store, "cmd-1", "dead-worker", 0, 3, time.Minute)
	startWorker(t, store, echoRegistry(t), "w-live")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	r := NewReclaimer(store, testOpts("w-live"), newTestMetrics())
	go r.Run(ctx)

	got := waitForStatus(t, store, "cmd-1", courier.StatusCompleted)
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
	if string(got.Output) != `{"x":1}` {
		t.Errorf("output = %s, want echoed input", got.Output)
	}
	if got.ClaimedBy != "" {
		t.Errorf("claimed_by = %q, want cleared", got.ClaimedBy)
	}
}
