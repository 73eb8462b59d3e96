package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/storage"
)

const commandColumns = `id, namespace, name, status, input, output, error,
 attempt_count, max_attempts, claimed_by, heartbeat_at, timeout_ms,
 created_at, updated_at`

// InsertCommand persists a new command and fires a NOTIFY so listening
// workers pick it up without waiting for their poll tick.
func (s *Store) InsertCommand(ctx context.Context, cmd *courier.Command) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commands (id, namespace, name, status, input, output, error,
		 attempt_count, max_attempts, claimed_by, heartbeat_at, timeout_ms,
		 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		cmd.ID, cmd.Namespace, cmd.Name, string(cmd.Status),
		nullRaw(cmd.Input), nullRaw(cmd.Output), nullStr(cmd.Error),
		cmd.AttemptCount, cmd.MaxAttempts,
		nullStr(cmd.ClaimedBy), cmd.HeartbeatAt, cmd.Timeout.Milliseconds(),
		cmd.CreatedAt.UTC(), cmd.UpdatedAt.UTC(),
	)
	if err != nil {
		return err
	}
	if cmd.Status == courier.StatusNew {
		s.notify(ctx, cmd.ID)
	}
	return nil
}

// GetCommand retrieves a command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*courier.Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1`, id)
	return scanCommand(row)
}

// CompareAndSwapStatus performs the conditional transition as a single
// UPDATE with the guard in the WHERE clause. RowsAffected == 0 means the
// precondition no longer held: the caller lost the race.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, guard storage.Guard, next courier.Status, upd storage.Update) (bool, error) {
	var (
		set  []string
		args []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	set = append(set, "status = "+arg(string(next)))
	set = append(set, "updated_at = "+arg(time.Now().UTC()))
	if upd.ClaimedBy != nil {
		set = append(set, "claimed_by = "+arg(nullStr(*upd.ClaimedBy)))
	}
	if upd.HeartbeatAt != nil {
		if upd.HeartbeatAt.IsZero() {
			set = append(set, "heartbeat_at = NULL")
		} else {
			set = append(set, "heartbeat_at = "+arg(upd.HeartbeatAt.UTC()))
		}
	}
	if upd.AttemptCount != nil {
		set = append(set, "attempt_count = "+arg(*upd.AttemptCount))
	}
	if upd.Output != nil {
		set = append(set, "output = "+arg([]byte(upd.Output)))
	}
	if upd.Error != nil {
		set = append(set, "error = "+arg(nullStr(*upd.Error)))
	}

	where := []string{"id = " + arg(id), "status = " + arg(string(guard.Status))}
	if guard.ClaimedBy != "" {
		where = append(where, "claimed_by = "+arg(guard.ClaimedBy))
	}
	if guard.HeartbeatBefore != nil {
		where = append(where, "heartbeat_at IS NOT NULL", "heartbeat_at < "+arg(guard.HeartbeatBefore.UTC()))
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE commands SET `+strings.Join(set, ", ")+
			` WHERE `+strings.Join(where, " AND "), args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if next == courier.StatusNew {
		s.notify(ctx, id)
	}
	return true, nil
}

// ListCommands returns commands matching the filter, newest first.
func (s *Store) ListCommands(ctx context.Context, f storage.Filter) ([]*courier.Command, error) {
	where := []string{"true"}
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Namespace != "" {
		args = append(args, f.Namespace)
		where = append(where, fmt.Sprintf("namespace = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE `+strings.Join(where, " AND ")+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// ScanNew returns ids of commands awaiting a claim, oldest first.
func (s *Store) ScanNew(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM commands WHERE status = $1 ORDER BY created_at ASC LIMIT $2`,
		string(courier.StatusNew), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ScanStale returns running commands whose heartbeat predates olderThan.
func (s *Store) ScanStale(ctx context.Context, olderThan time.Time, limit int) ([]*courier.Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE status = $1 AND heartbeat_at IS NOT NULL AND heartbeat_at < $2
		 ORDER BY heartbeat_at ASC LIMIT $3`,
		string(courier.StatusRunning), olderThan.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCommands(rows)
}

// notify is best effort: the feed is a latency hint, so a failed NOTIFY
// is logged nowhere and recovered by the poll backstop.
func (s *Store) notify(ctx context.Context, id string) {
	_, _ = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, id)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func collectCommands(rows *sql.Rows) ([]*courier.Command, error) {
	var cmds []*courier.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func scanCommand(s scanner) (*courier.Command, error) {
	var c courier.Command
	var status string
	var input, output []byte
	var errMsg, claimedBy sql.NullString
	var heartbeat sql.NullTime
	var timeoutMs int64

	err := s.Scan(
		&c.ID, &c.Namespace, &c.Name, &status, &input, &output, &errMsg,
		&c.AttemptCount, &c.MaxAttempts, &claimedBy, &heartbeat, &timeoutMs,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Status = courier.Status(status)
	c.Input = input
	c.Output = output
	c.Error = errMsg.String
	c.ClaimedBy = claimedBy.String
	if heartbeat.Valid {
		t := heartbeat.Time.UTC()
		c.HeartbeatAt = &t
	}
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	return &c, nil
}

// helpers

// notFoundErr translates sql.ErrNoRows to courier.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return courier.ErrNotFound
	}
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
