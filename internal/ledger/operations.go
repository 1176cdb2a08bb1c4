package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zhubert/conductor/internal/errors"
	"github.com/zhubert/conductor/internal/session"
)

// OpKind identifies what a queued operation does.
type OpKind string

const (
	// OpTurn runs one agent turn against the session worktree
	OpTurn OpKind = "turn"
	// OpMerge squash-merges the session branch into its base branch
	OpMerge OpKind = "merge"
)

// OpStatus is the lifecycle state of an operation.
type OpStatus string

const (
	OpQueued   OpStatus = "queued"
	OpRunning  OpStatus = "running"
	OpDone     OpStatus = "done"
	OpFailed   OpStatus = "failed"
	OpCanceled OpStatus = "canceled"
)

// ReasonRestart marks operations that were queued or running when the
// process died and were failed during startup reconciliation.
const ReasonRestart = "interrupted by restart"

// ReasonCanceledBeforeRun marks operations whose cancel request arrived
// before the worker picked them up.
const ReasonCanceledBeforeRun = "canceled before execution"

// Operation is one durable unit of session work.
type Operation struct {
	ID              string
	SessionID       string
	Kind            OpKind
	Payload         string
	Status          OpStatus
	Reason          string
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	HeartbeatAt     *time.Time
}

// Finished reports whether the operation reached a terminal status.
func (o *Operation) Finished() bool {
	switch o.Status {
	case OpDone, OpFailed, OpCanceled:
		return true
	}
	return false
}

const operationColumns = `id, session_id, kind, payload, status, reason, cancel_requested, created_at, started_at, finished_at, heartbeat_at`

func scanOperation(row interface{ Scan(...any) error }) (*Operation, error) {
	op := &Operation{}
	var cancelRequested int
	var startedAt, finishedAt, heartbeatAt sql.NullTime
	err := row.Scan(
		&op.ID, &op.SessionID, &op.Kind, &op.Payload, &op.Status, &op.Reason,
		&cancelRequested, &op.CreatedAt, &startedAt, &finishedAt, &heartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	op.CancelRequested = cancelRequested != 0
	op.StartedAt = nullableTime(startedAt)
	op.FinishedAt = nullableTime(finishedAt)
	op.HeartbeatAt = nullableTime(heartbeatAt)
	return op, nil
}

// Enqueue records a new queued operation for a session. The row exists
// before any work happens, so the operation survives a crash between
// enqueue and execution.
func (s *Store) Enqueue(ctx context.Context, sessionID string, kind OpKind, payload string) (*Operation, error) {
	op := &Operation{
		ID:        newULID(),
		SessionID: sessionID,
		Kind:      kind,
		Payload:   payload,
		Status:    OpQueued,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operations (id, session_id, kind, payload, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		op.ID, op.SessionID, op.Kind, op.Payload, op.Status, op.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue operation: %w", err)
	}
	return op, nil
}

// GetOperation loads one operation by id.
func (s *Store) GetOperation(ctx context.Context, id string) (*Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE id = ?`, id)
	op, err := scanOperation(row)
	if err == sql.ErrNoRows {
		return nil, errors.OperationNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get operation: %w", err)
	}
	return op, nil
}

// ListOperations returns a session's operations in FIFO order.
func (s *Store) ListOperations(ctx context.Context, sessionID string) ([]*Operation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+operationColumns+` FROM operations WHERE session_id = ? ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// MarkRunning transitions an operation to running. started_at is only set
// on the first call so a re-mark keeps the original start time.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, started_at = COALESCE(started_at, ?), heartbeat_at = ? WHERE id = ?`,
		OpRunning, now, now, id)
	if err != nil {
		return fmt.Errorf("mark operation running: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.OperationNotFound(id)
	}
	return nil
}

// MarkDone finalizes a successful operation.
func (s *Store) MarkDone(ctx context.Context, id string) error {
	return s.finish(ctx, id, OpDone, "")
}

// MarkFailed finalizes a failed operation with a reason.
func (s *Store) MarkFailed(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, OpFailed, reason)
}

// MarkCanceled finalizes a canceled operation with a reason.
func (s *Store) MarkCanceled(ctx context.Context, id, reason string) error {
	return s.finish(ctx, id, OpCanceled, reason)
}

func (s *Store) finish(ctx context.Context, id string, status OpStatus, reason string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, reason = ?, finished_at = ? WHERE id = ?`,
		status, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark operation %s: %w", status, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.OperationNotFound(id)
	}
	return nil
}

// Heartbeat stamps a running operation as still alive.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE operations SET heartbeat_at = ? WHERE id = ? AND status = ?`,
		time.Now().UTC(), id, OpRunning)
	if err != nil {
		return fmt.Errorf("heartbeat operation: %w", err)
	}
	return nil
}

// RequestCancel flags an operation for cancellation. The worker checks the
// flag before execution and the channel layer observes it mid-turn.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET cancel_requested = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.OperationNotFound(id)
	}
	return nil
}

// Unfinished reports whether the operation still needs to run, and whether
// cancellation was requested for it.
func (s *Store) Unfinished(ctx context.Context, id string) (unfinished bool, cancelRequested bool, err error) {
	var status OpStatus
	var cancel int
	row := s.db.QueryRowContext(ctx,
		`SELECT status, cancel_requested FROM operations WHERE id = ?`, id)
	if err := row.Scan(&status, &cancel); err != nil {
		if err == sql.ErrNoRows {
			return false, false, errors.OperationNotFound(id)
		}
		return false, false, fmt.Errorf("check operation: %w", err)
	}
	return status == OpQueued || status == OpRunning, cancel != 0, nil
}

// ReconcileOnStartup fails every operation left queued or running by a
// previous process and pulls interrupted sessions back to review. Safe to
// run on every startup; a clean ledger is a no-op. Queued sessions keep
// their status so the merge queue can rebuild its order.
func (s *Store) ReconcileOnStartup(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, reason = ?, cancel_requested = 1, finished_at = ?
		WHERE status IN (?, ?)`,
		OpFailed, ReasonRestart, now, OpQueued, OpRunning)
	if err != nil {
		return 0, fmt.Errorf("reconcile operations: %w", err)
	}
	n, _ := result.RowsAffected()

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status IN (?, ?, ?)`,
		session.StatusReview, now, session.StatusWorking, session.StatusMerging, session.StatusRebasing)
	if err != nil {
		return int(n), fmt.Errorf("reconcile sessions: %w", err)
	}

	return int(n), nil
}
