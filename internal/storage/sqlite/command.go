package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	courier "github.com/courierq/courier/internal"
	"github.com/courierq/courier/internal/storage"
)

const commandColumns = `id, namespace, name, status, input, output, error,
 attempt_count, max_attempts, claimed_by, heartbeat_at, timeout_ms,
 created_at, updated_at`

// InsertCommand persists a new command record and notifies feed subscribers.
func (s *Store) InsertCommand(ctx context.Context, cmd *courier.Command) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO commands (id, namespace, name, status, input, output, error,
		 attempt_count, max_attempts, claimed_by, heartbeat_at, timeout_ms,
		 created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, cmd.Namespace, cmd.Name, string(cmd.Status),
		nullStr(string(cmd.Input)), nullStr(string(cmd.Output)), nullStr(cmd.Error),
		cmd.AttemptCount, cmd.MaxAttempts,
		nullStr(cmd.ClaimedBy), timeToMilli(cmd.HeartbeatAt), cmd.Timeout.Milliseconds(),
		timeToStr(cmd.CreatedAt), timeToStr(cmd.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if cmd.Status == courier.StatusNew {
		s.feed.publish(cmd.ID)
	}
	return nil
}

// GetCommand retrieves a command by id.
func (s *Store) GetCommand(ctx context.Context, id string) (*courier.Command, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = ?`, id)
	return scanCommand(row)
}

// CompareAndSwapStatus performs the conditional transition as a single
// UPDATE with the guard in the WHERE clause. RowsAffected == 0 means the
// precondition no longer held: the caller lost the race.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, guard storage.Guard, next courier.Status, upd storage.Update) (bool, error) {
	set := []string{"status = ?", "updated_at = ?"}
	args := []any{string(next), timeToStr(time.Now().UTC())}

	if upd.ClaimedBy != nil {
		set = append(set, "claimed_by = ?")
		args = append(args, nullStr(*upd.ClaimedBy))
	}
	if upd.HeartbeatAt != nil {
		set = append(set, "heartbeat_at = ?")
		if upd.HeartbeatAt.IsZero() {
			args = append(args, sql.NullInt64{})
		} else {
			args = append(args, upd.HeartbeatAt.UnixMilli())
		}
	}
	if upd.AttemptCount != nil {
		set = append(set, "attempt_count = ?")
		args = append(args, *upd.AttemptCount)
	}
	if upd.Output != nil {
		set = append(set, "output = ?")
		args = append(args, string(upd.Output))
	}
	if upd.Error != nil {
		set = append(set, "error = ?")
		args = append(args, nullStr(*upd.Error))
	}

	where := []string{"id = ?", "status = ?"}
	args = append(args, id, string(guard.Status))
	if guard.ClaimedBy != "" {
		where = append(where, "claimed_by = ?")
		args = append(args, guard.ClaimedBy)
	}
	if guard.HeartbeatBefore != nil {
		where = append(where, "heartbeat_at IS NOT NULL", "heartbeat_at < ?")
		args = append(args, guard.HeartbeatBefore.UnixMilli())
	}

	result, err := s.write.ExecContext(ctx,
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
		// Requeued commands re-enter the feed so an idle worker picks them
		// up without waiting for the next poll.
		s.feed.publish(id)
	}
	return true, nil
}

// ListCommands returns commands matching the filter, newest first.
func (s *Store) ListCommands(ctx context.Context, f storage.Filter) ([]*courier.Command, error) {
	where := []string{"1=1"}
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Namespace != "" {
		where = append(where, "namespace = ?")
		args = append(args, f.Namespace)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// ScanNew returns ids of commands awaiting a claim, oldest first.
func (s *Store) ScanNew(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id FROM commands WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
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
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands
		 WHERE status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?
		 ORDER BY heartbeat_at ASC LIMIT ?`,
		string(courier.StatusRunning), olderThan.UnixMilli(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(s scanner) (*courier.Command, error) {
	var c courier.Command
	var status string
	var input, output, errMsg, claimedBy sql.NullString
	var heartbeat sql.NullInt64
	var timeoutMs int64
	var createdAt, updatedAt string

	err := s.Scan(
		&c.ID, &c.Namespace, &c.Name, &status, &input, &output, &errMsg,
		&c.AttemptCount, &c.MaxAttempts, &claimedBy, &heartbeat, &timeoutMs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	c.Status = courier.Status(status)
	if input.Valid {
		c.Input = []byte(input.String)
	}
	if output.Valid {
		c.Output = []byte(output.String)
	}
	c.Error = errMsg.String
	c.ClaimedBy = claimedBy.String
	if heartbeat.Valid {
		t := time.UnixMilli(heartbeat.Int64).UTC()
		c.HeartbeatAt = &t
	}
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		c.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		c.UpdatedAt = t
	}
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

func timeToStr(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func timeToMilli(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}
