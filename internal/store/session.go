package store

import (
	"database/sql"
	"fmt"

	"github.com/localdesk/localdesk/pkg/types"
)

// SessionPatch is a partial session update. Nil fields are left untouched.
type SessionPatch struct {
	Title       *string
	Status      *types.SessionStatus
	CWD         *string
	Model       *string
	Temperature *float64
	ResumeToken *string
	LastPrompt  *string
}

// CreateSession inserts a session row. Timestamps are filled in when zero.
func (s *Store) CreateSession(sess *types.Session) error {
	now := nowMillis()
	if sess.CreatedAt == 0 {
		sess.CreatedAt = now
	}
	if sess.UpdatedAt == 0 {
		sess.UpdatedAt = now
	}
	if sess.Status == "" {
		sess.Status = types.SessionIdle
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, title, status, cwd, model, temperature, resume_token,
			thread_id, last_prompt, is_pinned, input_tokens, output_tokens, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, sess.Status, sess.CWD, sess.Model, sess.Temperature,
		sess.ResumeToken, sess.ThreadID, sess.LastPrompt, sess.IsPinned,
		sess.InputTokens, sess.OutputTokens, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

const sessionColumns = `id, title, status, cwd, model, temperature, resume_token,
	thread_id, last_prompt, is_pinned, input_tokens, output_tokens, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var sess types.Session
	var temperature sql.NullFloat64
	err := row.Scan(&sess.ID, &sess.Title, &sess.Status, &sess.CWD, &sess.Model,
		&temperature, &sess.ResumeToken, &sess.ThreadID, &sess.LastPrompt,
		&sess.IsPinned, &sess.InputTokens, &sess.OutputTokens,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if temperature.Valid {
		sess.Temperature = &temperature.Float64
	}
	return &sess, nil
}

// GetSession fetches one session, or ErrNotFound.
func (s *Store) GetSession(id string) (*types.Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSession applies a partial update and bumps updated_at.
func (s *Store) UpdateSession(id string, patch SessionPatch) error {
	set := "updated_at = ?"
	args := []any{nowMillis()}

	if patch.Title != nil {
		set += ", title = ?"
		args = append(args, *patch.Title)
	}
	if patch.Status != nil {
		set += ", status = ?"
		args = append(args, *patch.Status)
	}
	if patch.CWD != nil {
		set += ", cwd = ?"
		args = append(args, *patch.CWD)
	}
	if patch.Model != nil {
		set += ", model = ?"
		args = append(args, *patch.Model)
	}
	if patch.Temperature != nil {
		set += ", temperature = ?"
		args = append(args, *patch.Temperature)
	}
	if patch.ResumeToken != nil {
		set += ", resume_token = ?"
		args = append(args, *patch.ResumeToken)
	}
	if patch.LastPrompt != nil {
		set += ", last_prompt = ?"
		args = append(args, *patch.LastPrompt)
	}

	args = append(args, id)
	res, err := s.db.Exec(`UPDATE sessions SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session; its messages go with it via the cascade.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns all sessions, pinned first, most recently updated first.
func (s *Store) ListSessions() ([]*types.Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sessions
		ORDER BY is_pinned DESC, updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// SetPinned sets the pin flag.
func (s *Store) SetPinned(id string, pinned bool) error {
	res, err := s.db.Exec(`UPDATE sessions SET is_pinned = ?, updated_at = ? WHERE id = ?`,
		pinned, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTokens adds usage deltas to the session's counters.
func (s *Store) UpdateTokens(id string, input, output int64) error {
	res, err := s.db.Exec(`UPDATE sessions
		SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, updated_at = ?
		WHERE id = ?`, input, output, nowMillis(), id)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetRunningSessions flips every running session back to idle. Called once
// on startup: a persisted running status cannot have a live runner behind it.
func (s *Store) ResetRunningSessions() (int64, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`,
		types.SessionIdle, nowMillis(), types.SessionRunning)
	if err != nil {
		return 0, fmt.Errorf("reset running sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ListRecentCWDs returns distinct non-empty working directories, most
// recently used first.
func (s *Store) ListRecentCWDs(limit int) ([]string, error) {
	rows, err := s.db.Query(`SELECT cwd FROM sessions WHERE cwd != ''
		GROUP BY cwd ORDER BY MAX(updated_at) DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent cwds: %w", err)
	}
	defer rows.Close()

	var cwds []string
	for rows.Next() {
		var cwd string
		if err := rows.Scan(&cwd); err != nil {
			return nil, fmt.Errorf("list recent cwds: %w", err)
		}
		cwds = append(cwds, cwd)
	}
	return cwds, rows.Err()
}
