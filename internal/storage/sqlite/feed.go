package sqlite

import (
	"context"
	"sync"
)

// notifier is an in-process broadcast of new-command ids. It honors the
// storage.Feed contract: best effort only. Slow subscribers drop events
// rather than blocking the writer; the listener's poll backstop recovers
// anything dropped.
type notifier struct {
	mu     sync.Mutex
	subs   map[int]chan string
	nextID int
	closed bool
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan string)}
}

// Subscribe implements storage.Feed. The returned channel closes when ctx
// is cancelled or the store shuts down.
func (n *notifier) Subscribe(ctx context.Context) (<-chan string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}

	id := n.nextID
	n.nextID++
	ch := make(chan string, 64)
	n.subs[id] = ch

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}()

	return ch, nil
}

// publish fans the id out to all subscribers without blocking.
func (n *notifier) publish(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- id:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
