package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/cache"
	"github.com/courierq/courier/internal/storage"
	"github.com/courierq/courier/internal/testutil"
)

func newTestService(t *testing.T, store *testutil.FakeStore, withCache bool) *Service {
	t.Helper()
	var c cache.Cache
	if withCache {
		mem, err := cache.NewMemory(100, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		c = mem
	}
	return NewService(store, c, time.Minute, newTestMetrics(), 3)
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(t, store, false)
	ctx := context.Background()

	cmd, err := svc.Submit(ctx, SubmitRequest{
		Namespace: "docs",
		Name:      "extract",
		Input:     []byte(`{"url":"https://example.com"}`),
	})
	if err != nil {
		t.Fatal("submit:", err)
	}
	if cmd.ID == "" {
		t.Error("id should be assigned")
	}
	if cmd.Status != courier.StatusNew {
		t.Errorf("status = %q, want new", cmd.Status)
	}
	if cmd.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, want 0", cmd.AttemptCount)
	}
	if cmd.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", cmd.MaxAttempts)
	}

	got, err := store.GetCommand(ctx, cmd.ID)
	if err != nil {
		t.Fatal("stored record missing:", err)
	}
	if got.Status != courier.StatusNew {
		t.Errorf("stored status = %q, want new", got.Status)
	}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	svc := newTestService(t, testutil.NewFakeStore(), false)
	ctx := context.Background()

	cases := []SubmitRequest{
		{Name: "extract"},
		{Namespace: "docs"},
		{Namespace: "docs", Name: "extract", MaxAttempts: -1},
	}
	for _, req := range cases {
		if _, err := svc.Submit(ctx, req); !errors.Is(err, courier.ErrBadRequest) {
			t.Errorf("Submit(%+v) err = %v, want ErrBadRequest", req, err)
		}
	}
}

func TestGetCachesTerminalOnly(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(t, store, true)
	ctx := context.Background()

	cmd := insertNew(t, store, "cmd-1", "docs", "extract", 3)

	// Non-terminal reads are never cached: a later store change is visible.
	if _, err := svc.Get(ctx, cmd.ID); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	ok, err := store.CompareAndSwapStatus(ctx, cmd.ID,
		storage.Guard{Status: courier.StatusNew}, courier.StatusRunning,
		storage.Update{ClaimedBy: storage.Ptr("w1"), HeartbeatAt: &now})
	if err != nil || !ok {
		t.Fatal("claim failed", ok, err)
	}
	got, err := svc.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != courier.StatusRunning {
		t.Errorf("status = %q, want running (stale cache?)", got.Status)
	}

	// Terminal reads are cached: a direct store overwrite stays invisible.
	ok, err = store.CompareAndSwapStatus(ctx, cmd.ID,
		storage.Guard{Status: courier.StatusRunning}, courier.StatusCompleted,
		storage.Update{Output: []byte(`{"pages":3}`)})
	if err != nil || !ok {
		t.Fatal("complete failed", ok, err)
	}
	got, err = svc.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != courier.StatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}

	tampered := *got
	tampered.Output = []byte(`{"pages":99}`)
	if err := store.InsertCommand(ctx, &tampered); err != nil {
		t.Fatal(err)
	}
	got, err = svc.Get(ctx, cmd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Output) != `{"pages":3}` {
		t.Errorf("output = %s, want cached {\"pages\":3}", got.Output)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()
	store := testutil.NewFakeStore()
	svc := newTestService(t, store, false)
	ctx := context.Background()

	// new -> cancelled
	insertNew(t, store, "cmd-new", "docs", "extract", 3)
	if err := svc.Cancel(ctx, "cmd-new"); err != nil {
		t.Fatal("cancel new:", err)
	}
	got, _ := store.GetCommand(ctx, "cmd-new")
	if got.Status != courier.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}

	// running -> cancelled
	insertNew(t, store, "cmd-run", "docs", "extract", 3)
	now := time.Now().UTC()
	store.CompareAndSwapStatus(ctx, "cmd-run",
		storage.Guard{Status: courier.StatusNew}, courier.StatusRunning,
		storage.Update{ClaimedBy: storage.Ptr("w1"), HeartbeatAt: &now})
	if err := svc.Cancel(ctx, "cmd-run"); err != nil {
		t.Fatal("cancel running:", err)
	}
	got, _ = store.GetCommand(ctx, "cmd-run")
	if got.Status != courier.StatusCancelled {
		t.Errorf("status = %q, want cancelled", got.Status)
	}
	if got.ClaimedBy != "" {
		t.Errorf("claimed_by = %q, want cleared", got.ClaimedBy)
	}

	// terminal -> conflict
	if err := svc.Cancel(ctx, "cmd-run"); !errors.Is(err, courier.ErrConflict) {
		t.Errorf("cancel terminal err = %v, want ErrConflict", err)
	}

	// missing -> not found
	if err := svc.Cancel(ctx, "nope"); !errors.Is(err, courier.ErrNotFound) {
		t.Errorf("cancel missing err = %v, want ErrNotFound", err)
	}
}
