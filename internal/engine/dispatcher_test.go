package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/registry"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/testutil"
)

// startWorker runs a listener + dispatcher pair against the store, the
// same wiring a real worker process uses.
func startWorker(t *testing.T, store *testutil.FakeStore, reg *registry.Registry, workerID string) {
	t.Helper()
	opts := testOpts(workerID)
	metrics := newTestMetrics()
	ch := make(chan string, 16)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	l := NewListener(store, store, ch, opts, metrics)
	d := NewDispatcher(store, reg, ch, opts, metrics)
	go l.Run(ctx)
	go d.Run(ctx)
}

func echoRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.Register("test", "echo", courier.HandlerFunc(
		func(_ context.Context, in json.RawMessage) (json.RawMessage, error) {
			return in, nil
		}))
	return reg
}

func TestDispatcherCompletesCommand(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	startWorker(t, store, echoRegistry(t), "w1")

	insertNew(t, store, "cmd-1", "test", "echo", 1)

	got := waitForStatus(t, store, "cmd-1", courier.StatusCompleted)
	if string(got.Output) != `{"x":1}` {
		t.Errorf("output = %s, want {\"x\":1}", got.Output)
	}
	if got.Error != "" {
		t.Errorf("error = %q, want empty", got.Error)
	}
	if got.ClaimedBy != "" {
		t.Errorf("claimed_by = %q, want cleared", got.ClaimedBy)
	}
	if got.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", got.AttemptCount)
	}
}

func TestDispatcherRetriesUntilBudgetExhausted(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()

	var invocations atomic.Int32
	reg := registry.New()
	reg.Register("test", "flaky", courier.HandlerFunc(
		func(context.Context, json.RawMessage) (json.RawMessage, error) {
			invocations.Add(1)
			return nil, errors.New("boom")
		}))
	startWorker(t, store, reg, "w1")

	insertNew(t, store, "cmd-1", "test", "flaky", 3)

	got := waitForStatus(t, store, "cmd-1", courier.StatusFailed)
	if got.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", got.AttemptCount)
	}
	if got.Error != "boom" {
		t.Errorf("error = %q, want boom", got.Error)
	}
	if n := invocations.Load(); n != 3 {
		t.Errorf("invocations = %d, want 3", n)
	}
	if got.Output != nil {
		t.Errorf("output = %s, want nil on failure", got.Output)
	}
}

func TestDispatcherUnregisteredHandlerFailsTerminally(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	startWorker(t, store, echoRegistry(t), "w1")

	// Plenty of attempt budget, but retrying cannot help.
	insertNew(t, store, "cmd-1", "test", "missing", 5)

	got := waitForStatus(t, store, "cmd-1", courier.StatusFailed)
	if !strings.Contains(got.Error, "no handler registered") {
		t.Errorf("error = %q, want no-handler message", got.Error)
	}
	if got.AttemptCount >= 5 {
		t.Errorf("attempt_count = %d, should not burn the full budget", got.AttemptCount)
	}
}

func TestDispatcherTimeoutIsHandlerError(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()

	reg := registry.New()
	reg.Register("test", "slow", courier.HandlerFunc(
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	startWorker(t, store, reg, "w1")

	now := time.Now().UTC()
	cmd := &courier.Command{
		ID: "cmd-1", Namespace: "test", Name: "slow",
		Status: courier.StatusNew, MaxAttempts: 1,
		Timeout:   30 * time.Millisecond,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := store.InsertCommand(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}

	got := waitForStatus(t, store, "cmd-1", courier.StatusFailed)
	if !strings.Contains(got.Error, "timeout after") {
		t.Errorf("error = %q, want timeout message", got.Error)
	}
	if got.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", got.AttemptCount)
	}
}

func TestClaimExactlyOnce(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	metrics := newTestMetrics()
	reg := echoRegistry(t)

	d1 := NewDispatcher(store, reg, nil, testOpts("w1"), metrics)
	d2 := NewDispatcher(store, reg, nil, testOpts("w2"), metrics)

	insertNew(t, store, "cmd-1", "test", "echo", 1)

	ctx := context.Background()
	_, ok1 := d1.claim(ctx, "cmd-1")
	_, ok2 := d2.claim(ctx, "cmd-1")
	if !ok1 {
		t.Error("first claim should win")
	}
	if ok2 {
		t.Error("second claim should lose")
	}

	got, _ := store.GetCommand(ctx, "cmd-1")
	if got.ClaimedBy != "w1" {
		t.Errorf("claimed_by = %q, want w1", got.ClaimedBy)
	}
	if got.AttemptCount != 0 {
		t.Errorf("claim must not change attempt_count, got %d", got.AttemptCount)
	}
}

func TestZombieResultDiscarded(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	ctx := context.Background()

	insertNew(t, store, "cmd-1", "test", "echo", 3)
	now := time.Now().UTC()
	store.CompareAndSwapStatus(ctx, "cmd-1",
		storage.Guard{Status: courier.StatusNew}, courier.StatusRunning,
		storage.Update{ClaimedBy: storage.Ptr("w2"), HeartbeatAt: &now})

	// w1 lost its claim (reclaimed, re-claimed by w2) and finishes late.
	zombie := newResultWriter(store, "w1", newTestMetrics())
	cmd, _ := store.GetCommand(ctx, "cmd-1")
	zombie.complete(ctx, cmd, []byte(`{"late":true}`))

	got, _ := store.GetCommand(ctx, "cmd-1")
	if got.Status != courier.StatusRunning {
		t.Errorf("status = %q, zombie write must not land", got.Status)
	}
	if got.Output != nil {
		t.Errorf("output = %s, want untouched", got.Output)
	}

	zombie.fail(ctx, cmd, "late failure", true)
	got, _ = store.GetCommand(ctx, "cmd-1")
	if got.Status != courier.StatusRunning || got.AttemptCount != 0 {
		t.Errorf("got %s attempt %d, zombie fail must not land", got.Status, got.AttemptCount)
	}
}

func TestCancelInterruptsRunningCommand(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := NewService(store, nil, 0, newTestMetrics(), 3)

	started := make(chan struct{})
	handlerDone := make(chan error, 1)
	reg := registry.New()
	reg.Register("test", "block", courier.HandlerFunc(
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			close(started)
			<-ctx.Done()
			handlerDone <- ctx.Err()
			return nil, ctx.Err()
		}))
	startWorker(t, store, reg, "w1")

	insertNew(t, store, "cmd-1", "test", "block", 3)
	<-started

	if err := svc.Cancel(context.Background(), "cmd-1"); err != nil {
		t.Fatal("cancel:", err)
	}

	// The next failed heartbeat cancels the handler context.
	select {
	case err := <-handlerDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("handler err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler not interrupted after cancel")
	}

	// The cancelled status must survive the worker's late result write.
	time.Sleep(50 * time.Millisecond)
	got, _ := store.GetCommand(context.Background(), "cmd-1")
	if got.Status != courier.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
}
