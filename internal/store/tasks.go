package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

const taskColumns = `id, "group", chat_id, prompt, schedule_kind,
	schedule_value, timezone, context_mode, next_run, last_run, last_result,
	state, retry_count, last_error, status, created_at, updated_at`

// CreateTask persists a new scheduled task.
func (s *Store) CreateTask(ctx context.Context, task models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks
			(id, "group", chat_id, prompt, schedule_kind, schedule_value,
			timezone, context_mode, next_run, last_run, last_result, state,
			retry_count, last_error, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Group, task.ChatID, task.Prompt,
		string(task.ScheduleKind), task.ScheduleValue, task.Timezone,
		string(task.ContextMode), nullableMs(task.NextRun), nullableMs(task.LastRun),
		task.LastResult, task.State, task.RetryCount, task.LastError,
		string(task.Status), ms(task.CreatedAt), ms(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetTask returns one task row.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, ErrNotFound
	}
	return task, err
}

// UpdateTask rewrites the mutable columns of a task.
func (s *Store) UpdateTask(ctx context.Context, task models.Task) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_tasks SET
			prompt = ?, schedule_kind = ?, schedule_value = ?, timezone = ?,
			context_mode = ?, next_run = ?, last_run = ?, last_result = ?,
			state = ?, retry_count = ?, last_error = ?, status = ?,
			updated_at = ?
		WHERE id = ?`,
		task.Prompt, string(task.ScheduleKind), task.ScheduleValue,
		task.Timezone, string(task.ContextMode), nullableMs(task.NextRun),
		nullableMs(task.LastRun), task.LastResult, task.State,
		task.RetryCount, task.LastError, string(task.Status),
		ms(s.now()), task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTaskStatus flips a task between active, paused and completed.
func (s *Store) SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), ms(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteTask removes a task and its run logs, children first.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_run_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task: runs: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DueTasks returns active tasks whose next_run is at or before now,
// earliest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time, limit int) ([]models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE status = 'active' AND next_run IS NOT NULL AND next_run <= ?
		ORDER BY next_run
		LIMIT ?`,
		ms(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns all tasks for a group, newest first.
func (s *Store) ListTasks(ctx context.Context, group string) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		WHERE "group" = ?
		ORDER BY created_at DESC`,
		group,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// AppendTaskRun adds one run-log row.
func (s *Store) AppendTaskRun(ctx context.Context, run models.TaskRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (task_id, run_at, ok, result, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.TaskID, ms(run.RunAt), boolToInt(run.OK), run.Result, run.Error, run.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("append task run: %w", err)
	}
	return nil
}

// ListTaskRuns returns a task's run log, newest first.
func (s *Store) ListTaskRuns(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, ok, result, error, duration_ms
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC, id DESC
		LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var out []models.TaskRun
	for rows.Next() {
		var run models.TaskRun
		var runAt int64
		var ok int
		if err := rows.Scan(&run.ID, &run.TaskID, &runAt, &ok, &run.Result, &run.Error, &run.DurationMs); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		run.RunAt = fromMs(runAt)
		run.OK = ok != 0
		out = append(out, run)
	}
	return out, rows.Err()
}

// PurgeTaskRuns deletes run-log rows older than the cutoff.
func (s *Store) PurgeTaskRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_run_logs WHERE run_at < ?`, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge task runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func collectTasks(rows *sql.Rows) ([]models.Task, error) {
	var out []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (models.Task, error) {
	var task models.Task
	var kind, mode, status string
	var nextRun, lastRun sql.NullInt64
	var created, updated int64

	err := row.Scan(
		&task.ID, &task.Group, &task.ChatID, &task.Prompt, &kind,
		&task.ScheduleValue, &task.Timezone, &mode, &nextRun, &lastRun,
		&task.LastResult, &task.State, &task.RetryCount, &task.LastError,
		&status, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task, err
		}
		return task, fmt.Errorf("scan task: %w", err)
	}

	task.ScheduleKind = models.ScheduleKind(kind)
	task.ContextMode = models.ContextMode(mode)
	task.Status = models.TaskStatus(status)
	task.NextRun = timePtr(nextRun)
	task.LastRun = timePtr(lastRun)
	task.CreatedAt = fromMs(created)
	task.UpdatedAt = fromMs(updated)
	return task, nil
}
