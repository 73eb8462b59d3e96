package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Subscribe implements storage.Feed over LISTEN/NOTIFY. It holds a
// dedicated connection; the returned channel closes when the connection
// drops or ctx is cancelled, and the caller resubscribes with backoff.
func (s *Store) Subscribe(ctx context.Context) (<-chan string, error) {
	conn, err := pgx.Connect(ctx, s.dsn)
	if err != nil {
		return nil, fmt.Errorf("feed connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("listen: %w", err)
	}

	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		defer conn.Close(context.Background())
		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				// Cancelled or connection lost; the listener resubscribes.
				return
			}
			select {
			case ch <- n.Payload:
			default:
				// Slow consumer: drop, the poll backstop recovers.
			}
		}
	}()
	return ch, nil
}
