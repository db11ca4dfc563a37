package store

import (
	"database/sql"
	"fmt"

	"github.com/localdesk/localdesk/pkg/types"
)

// MessagePatch is a partial message update.
type MessagePatch struct {
	Content *string
	IsError *bool
}

// RecordMessage appends a message to its session's history and fills in the
// assigned sequence number.
func (s *Store) RecordMessage(m *types.Message) error {
	if m.CreatedAt == 0 {
		m.CreatedAt = nowMillis()
	}

	var usageInput, usageOutput sql.NullInt64
	if m.Usage != nil {
		usageInput = sql.NullInt64{Int64: m.Usage.Input, Valid: true}
		usageOutput = sql.NullInt64{Int64: m.Usage.Output, Valid: true}
	}

	res, err := s.db.Exec(`
		INSERT INTO messages (id, session_id, kind, content, tool_call_id, tool_name,
			is_error, usage_input, usage_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Kind, m.Content, m.ToolCallID, m.ToolName,
		m.IsError, usageInput, usageOutput, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("record message: %w", err)
	}
	m.Seq = seq
	return nil
}

const messageColumns = `seq, id, session_id, kind, content, tool_call_id, tool_name,
	is_error, usage_input, usage_output, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*types.Message, error) {
	var m types.Message
	var usageInput, usageOutput sql.NullInt64
	err := row.Scan(&m.Seq, &m.ID, &m.SessionID, &m.Kind, &m.Content,
		&m.ToolCallID, &m.ToolName, &m.IsError, &usageInput, &usageOutput, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if usageInput.Valid || usageOutput.Valid {
		m.Usage = &types.TokenUsage{Input: usageInput.Int64, Output: usageOutput.Int64}
	}
	return &m, nil
}

// SessionHistory returns a session's full history in insertion order.
func (s *Store) SessionHistory(sessionID string) ([]*types.Message, error) {
	rows, err := s.db.Query(`SELECT `+messageColumns+` FROM messages
		WHERE session_id = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("session history: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// SessionHistoryPage returns up to limit messages newest first, strictly
// before beforeCursor (0 means from the end). nextCursor is the seq of the
// oldest returned message, to pass back as beforeCursor for the next page.
func (s *Store) SessionHistoryPage(sessionID string, limit int, beforeCursor int64) (msgs []*types.Message, hasMore bool, nextCursor int64, err error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ?`
	args := []any{sessionID}
	if beforeCursor > 0 {
		query += ` AND seq < ?`
		args = append(args, beforeCursor)
	}
	// One extra row decides hasMore.
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, false, 0, fmt.Errorf("session history page: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, false, 0, fmt.Errorf("session history page: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, 0, err
	}

	if len(msgs) > limit {
		hasMore = true
		msgs = msgs[:limit]
	}
	if len(msgs) > 0 {
		nextCursor = msgs[len(msgs)-1].Seq
	}
	return msgs, hasMore, nextCursor, nil
}

// TruncateHistoryAfter deletes every message after ordinal position index,
// keeping positions 0..index. index -1 clears the history.
func (s *Store) TruncateHistoryAfter(sessionID string, index int) error {
	if index < 0 {
		_, err := s.db.Exec(`DELETE FROM messages WHERE session_id = ?`, sessionID)
		if err != nil {
			return fmt.Errorf("truncate history: %w", err)
		}
		return nil
	}

	var cutoff int64
	err := s.db.QueryRow(`SELECT seq FROM messages WHERE session_id = ?
		ORDER BY seq ASC LIMIT 1 OFFSET ?`, sessionID, index).Scan(&cutoff)
	if err == sql.ErrNoRows {
		// Fewer messages than index: nothing after it to delete.
		return nil
	}
	if err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}

	_, err = s.db.Exec(`DELETE FROM messages WHERE session_id = ? AND seq > ?`,
		sessionID, cutoff)
	if err != nil {
		return fmt.Errorf("truncate history: %w", err)
	}
	return nil
}

// UpdateMessageAt patches the message at ordinal position index.
func (s *Store) UpdateMessageAt(sessionID string, index int, patch MessagePatch) error {
	var seq int64
	err := s.db.QueryRow(`SELECT seq FROM messages WHERE session_id = ?
		ORDER BY seq ASC LIMIT 1 OFFSET ?`, sessionID, index).Scan(&seq)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	set := ""
	var args []any
	if patch.Content != nil {
		set = "content = ?"
		args = append(args, *patch.Content)
	}
	if patch.IsError != nil {
		if set != "" {
			set += ", "
		}
		set += "is_error = ?"
		args = append(args, *patch.IsError)
	}
	if set == "" {
		return nil
	}

	args = append(args, seq)
	_, err = s.db.Exec(`UPDATE messages SET `+set+` WHERE seq = ?`, args...)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}
