package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zhubert/conductor/internal/errors"
	"github.com/zhubert/conductor/internal/session"
)

const sessionColumns = `id, title, summary, repo_path, folder, branch, base_branch, model, provider, status, provider_conversation_id, input_tokens, output_tokens, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*session.Session, error) {
	sess := &session.Session{}
	err := row.Scan(
		&sess.ID, &sess.Title, &sess.Summary, &sess.RepoPath, &sess.Folder,
		&sess.Branch, &sess.BaseBranch, &sess.Model, &sess.Provider, &sess.Status,
		&sess.ProviderConversationID, &sess.InputTokens, &sess.OutputTokens,
		&sess.CreatedAt, &sess.UpdatedAt,
	)
	return sess, err
}

// CreateSession persists a new session row. Output starts empty.
func (s *Store) CreateSession(ctx context.Context, sess *session.Session) error {
	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Summary, sess.RepoPath, sess.Folder,
		sess.Branch, sess.BaseBranch, sess.Model, sess.Provider, sess.Status,
		sess.ProviderConversationID, sess.InputTokens, sess.OutputTokens,
		sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession loads one session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errors.SessionNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns all sessions, oldest first.
func (s *Store) ListSessions(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ListSessionsByStatus returns sessions in the given status ordered by
// updated_at. The merge queue rebuilds its FIFO from this at startup:
// updated_at records when each session entered the queued status.
func (s *Store) ListSessionsByStatus(ctx context.Context, status session.Status) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY updated_at`, status)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSessionStatus transitions a session, enforcing the status machine.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status session.Status) error {
	current, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransitionTo(status) {
		return fmt.Errorf("invalid status transition for session %s: %s -> %s", id, current.Status, status)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.SessionNotFound(id)
	}
	return nil
}

// AppendSessionOutput appends text to the session transcript.
func (s *Store) AppendSessionOutput(ctx context.Context, id, text string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET output = output || ?, updated_at = ? WHERE id = ?`,
		text, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("append session output: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.SessionNotFound(id)
	}
	return nil
}

// SessionOutput returns the full transcript for a session.
func (s *Store) SessionOutput(ctx context.Context, id string) (string, error) {
	var output string
	err := s.db.QueryRowContext(ctx,
		`SELECT output FROM sessions WHERE id = ?`, id).Scan(&output)
	if err == sql.ErrNoRows {
		return "", errors.SessionNotFound(id)
	}
	if err != nil {
		return "", fmt.Errorf("get session output: %w", err)
	}
	return output, nil
}

// AddSessionTokens adds token usage deltas to the session counters.
func (s *Store) AddSessionTokens(ctx context.Context, id string, inputTokens, outputTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ? WHERE id = ?`,
		inputTokens, outputTokens, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("add session tokens: %w", err)
	}
	return nil
}

// SetProviderConversationID records the provider-side conversation id used
// to resume a persistent agent after restart.
func (s *Store) SetProviderConversationID(ctx context.Context, id, conversationID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET provider_conversation_id = ?, updated_at = ? WHERE id = ?`,
		conversationID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set provider conversation id: %w", err)
	}
	return nil
}

// UpdateSessionTitle sets the display title and summary.
func (s *Store) UpdateSessionTitle(ctx context.Context, id, title, summary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ?, summary = ?, updated_at = ? WHERE id = ?`,
		title, summary, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	return nil
}

// DeleteSession removes a session and, via cascade, its operations.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return errors.SessionNotFound(id)
	}
	return nil
}
