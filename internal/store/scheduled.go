package store

import (
	"database/sql"
	"fmt"

	"github.com/localdesk/localdesk/pkg/types"
)

// ScheduledTaskPatch is a partial scheduled-task update. Callers changing
// Schedule must supply the recomputed NextRun and IsRecurring alongside.
type ScheduledTaskPatch struct {
	Title        *string
	Prompt       *string
	Schedule     *string
	NextRun      *int64
	IsRecurring  *bool
	NotifyBefore *int
	Enabled      *bool
}

// CreateScheduledTask inserts a scheduled task row.
func (s *Store) CreateScheduledTask(t *types.ScheduledTask) error {
	now := nowMillis()
	if t.CreatedAt == 0 {
		t.CreatedAt = now
	}
	if t.UpdatedAt == 0 {
		t.UpdatedAt = now
	}

	var notifyBefore sql.NullInt64
	if t.NotifyBefore != nil {
		notifyBefore = sql.NullInt64{Int64: int64(*t.NotifyBefore), Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO scheduled_tasks (id, title, prompt, schedule, next_run,
			is_recurring, notify_before, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Prompt, t.Schedule, t.NextRun,
		t.IsRecurring, notifyBefore, t.Enabled, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

const scheduledColumns = `id, title, prompt, schedule, next_run, is_recurring,
	notify_before, enabled, created_at, updated_at`

func scanScheduledTask(row interface{ Scan(...any) error }) (*types.ScheduledTask, error) {
	var t types.ScheduledTask
	var notifyBefore sql.NullInt64
	err := row.Scan(&t.ID, &t.Title, &t.Prompt, &t.Schedule, &t.NextRun,
		&t.IsRecurring, &notifyBefore, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if notifyBefore.Valid {
		minutes := int(notifyBefore.Int64)
		t.NotifyBefore = &minutes
	}
	return &t, nil
}

// GetScheduledTask fetches one scheduled task, or ErrNotFound.
func (s *Store) GetScheduledTask(id string) (*types.ScheduledTask, error) {
	row := s.db.QueryRow(`SELECT `+scheduledColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	t, err := scanScheduledTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduled task: %w", err)
	}
	return t, nil
}

// UpdateScheduledTask applies a partial update and bumps updated_at.
func (s *Store) UpdateScheduledTask(id string, patch ScheduledTaskPatch) error {
	set := "updated_at = ?"
	args := []any{nowMillis()}

	if patch.Title != nil {
		set += ", title = ?"
		args = append(args, *patch.Title)
	}
	if patch.Prompt != nil {
		set += ", prompt = ?"
		args = append(args, *patch.Prompt)
	}
	if patch.Schedule != nil {
		set += ", schedule = ?"
		args = append(args, *patch.Schedule)
	}
	if patch.NextRun != nil {
		set += ", next_run = ?"
		args = append(args, *patch.NextRun)
	}
	if patch.IsRecurring != nil {
		set += ", is_recurring = ?"
		args = append(args, *patch.IsRecurring)
	}
	if patch.NotifyBefore != nil {
		set += ", notify_before = ?"
		args = append(args, *patch.NotifyBefore)
	}
	if patch.Enabled != nil {
		set += ", enabled = ?"
		args = append(args, *patch.Enabled)
	}

	args = append(args, id)
	res, err := s.db.Exec(`UPDATE scheduled_tasks SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteScheduledTask removes a scheduled task.
func (s *Store) DeleteScheduledTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScheduledTasks returns every scheduled task, soonest run first.
func (s *Store) ListScheduledTasks() ([]*types.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT ` + scheduledColumns + ` FROM scheduled_tasks
		ORDER BY next_run ASC`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list scheduled tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DueScheduledTasks returns enabled tasks with next_run at or before now.
func (s *Store) DueScheduledTasks(now int64) ([]*types.ScheduledTask, error) {
	rows, err := s.db.Query(`SELECT `+scheduledColumns+` FROM scheduled_tasks
		WHERE enabled = 1 AND next_run <= ? ORDER BY next_run ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("due scheduled tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, fmt.Errorf("due scheduled tasks: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
