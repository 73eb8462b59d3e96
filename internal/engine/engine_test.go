package engine

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/telemetry"
	"github.com/courierq/courier/internal/testutil"
)

func newTestMetrics() *telemetry.Metrics {
	return telemetry.NewMetrics(prometheus.NewRegistry())
}

// testOpts returns engine options tuned for fast tests.
func testOpts(workerID string) Options {
	return Options{
		WorkerID:           workerID,
		MaxConcurrentTasks: 4,
		HeartbeatInterval:  10 * time.Millisecond,
		StaleThreshold:     100 * time.Millisecond,
		DefaultTimeout:     time.Second,
		PollInterval:       10 * time.Millisecond,
		ReclaimInterval:    10 * time.Millisecond,
		ShutdownGrace:      time.Second,
		DefaultMaxAttempts: 3,
	}
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// waitForStatus polls until the command reaches the wanted status.
func waitForStatus(t *testing.T, store *testutil.FakeStore, id string, want courier.Status) *courier.Command {
	t.Helper()
	var got *courier.Command
	waitFor(t, 2*time.Second, func() bool {
		c, err := store.GetCommand(context.Background(), id)
		if err != nil {
			return false
		}
		got = c
		return c.Status == want
	})
	return got
}

func insertNew(t *testing.T, store *testutil.FakeStore, id, ns, name string, maxAttempts int) *courier.Command {
	t.Helper()
	now := time.Now().UTC()
	cmd := &courier.Command{
		ID:          id,
		Namespace:   ns,
		Name:        name,
		Status:      courier.StatusNew,
		Input:       []byte(`{"x":1}`),
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.InsertCommand(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	return cmd
}
