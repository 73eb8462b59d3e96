// Package testutil provides in-memory fakes for package tests.
package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/storage"
)

// FakeStore is an in-memory implementation of storage.CommandStore and
// storage.Feed for testing. Its CAS has the same semantics as the real
// backends: a single guarded mutation under one lock.
type FakeStore struct {
	mu       sync.RWMutex
	commands map[string]*courier.Command
	subs     []chan string

	// FailCAS, when non-nil, is returned by CompareAndSwapStatus to
	// simulate transient store errors.
	FailCAS error
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{commands: make(map[string]*courier.Command)}
}

// InsertCommand stores a copy of cmd and notifies subscribers.
func (s *FakeStore) InsertCommand(_ context.Context, cmd *courier.Command) error {
	s.mu.Lock()
	c := *cmd
	s.commands[cmd.ID] = &c
	subs := append([]chan string(nil), s.subs...)
	s.mu.Unlock()

	if cmd.Status == courier.StatusNew {
		publish(subs, cmd.ID)
	}
	return nil
}

// GetCommand returns a copy of the stored command.
func (s *FakeStore) GetCommand(_ context.Context, id string) (*courier.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.commands[id]
	if !ok {
		return nil, courier.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// CompareAndSwapStatus applies the guarded transition atomically.
func (s *FakeStore) CompareAndSwapStatus(_ context.Context, id string, guard storage.Guard, next courier.Status, upd storage.Update) (bool, error) {
	s.mu.Lock()
	if s.FailCAS != nil {
		err := s.FailCAS
		s.mu.Unlock()
		return false, err
	}

	c, ok := s.commands[id]
	if !ok || c.Status != guard.Status {
		s.mu.Unlock()
		return false, nil
	}
	if guard.ClaimedBy != "" && c.ClaimedBy != guard.ClaimedBy {
		s.mu.Unlock()
		return false, nil
	}
	if guard.HeartbeatBefore != nil {
		if c.HeartbeatAt == nil || !c.HeartbeatAt.Before(*guard.HeartbeatBefore) {
			s.mu.Unlock()
			return false, nil
		}
	}

	c.Status = next
	c.UpdatedAt = time.Now().UTC()
	if upd.ClaimedBy != nil {
		c.ClaimedBy = *upd.ClaimedBy
	}
	if upd.HeartbeatAt != nil {
		if upd.HeartbeatAt.IsZero() {
			c.HeartbeatAt = nil
		} else {
			t := *upd.HeartbeatAt
			c.HeartbeatAt = &t
		}
	}
	if upd.AttemptCount != nil {
		c.AttemptCount = *upd.AttemptCount
	}
	if upd.Output != nil {
		c.Output = append([]byte(nil), upd.Output...)
	}
	if upd.Error != nil {
		c.Error = *upd.Error
	}
	subs := append([]chan string(nil), s.subs...)
	s.mu.Unlock()

	if next == courier.StatusNew {
		publish(subs, id)
	}
	return true, nil
}

// ListCommands returns matching commands, newest first.
func (s *FakeStore) ListCommands(_ context.Context, f storage.Filter) ([]*courier.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*courier.Command
	for _, c := range s.commands {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Namespace != "" && c.Namespace != f.Namespace {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// ScanNew returns ids of commands in status new, oldest first.
func (s *FakeStore) ScanNew(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var cmds []*courier.Command
	for _, c := range s.commands {
		if c.Status == courier.StatusNew {
			cmds = append(cmds, c)
		}
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].CreatedAt.Before(cmds[j].CreatedAt) })
	var ids []string
	for _, c := range cmds {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// ScanStale returns running commands with heartbeats older than olderThan.
func (s *FakeStore) ScanStale(_ context.Context, olderThan time.Time, limit int) ([]*courier.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*courier.Command
	for _, c := range s.commands {
		if c.Status != courier.StatusRunning || c.HeartbeatAt == nil {
			continue
		}
		if !c.HeartbeatAt.Before(olderThan) {
			continue
		}
		cp := *c
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscribe implements storage.Feed.
func (s *FakeStore) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				break
			}
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

// Ping always succeeds.
func (s *FakeStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }

func publish(subs []chan string, id string) {
	for _, ch := range subs {
		select {
		case ch <- id:
		default:
		}
	}
}
