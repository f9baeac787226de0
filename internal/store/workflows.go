package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// CreateWorkflowRun persists a new orchestration run in running state.
func (s *Store) CreateWorkflowRun(ctx context.Context, run models.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs
			(id, "group", chat_id, status, aggregated_result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Group, run.ChatID, string(run.Status),
		run.AggregatedResult, ms(run.CreatedAt), ms(run.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}
	return nil
}

// GetWorkflowRun returns one run row.
func (s *Store) GetWorkflowRun(ctx context.Context, id string) (models.WorkflowRun, error) {
	var run models.WorkflowRun
	var status string
	var created, updated int64
	var finished sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, "group", chat_id, status, aggregated_result,
			created_at, updated_at, finished_at
		FROM workflow_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.Group, &run.ChatID, &status, &run.AggregatedResult,
		&created, &updated, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WorkflowRun{}, ErrNotFound
	}
	if err != nil {
		return models.WorkflowRun{}, fmt.Errorf("get workflow run: %w", err)
	}
	run.Status = models.WorkflowStatus(status)
	run.CreatedAt = fromMs(created)
	run.UpdatedAt = fromMs(updated)
	run.FinishedAt = timePtr(finished)
	return run, nil
}

// FinishWorkflowRun writes the terminal status and optional aggregation.
func (s *Store) FinishWorkflowRun(ctx context.Context, id string, status models.WorkflowStatus, aggregated string) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET
			status = ?, aggregated_result = ?, updated_at = ?, finished_at = ?
		WHERE id = ?`,
		string(status), aggregated, ms(now), ms(now), id,
	)
	if err != nil {
		return fmt.Errorf("finish workflow run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AddWorkflowStep appends a named step to a run; insertion order on
// (run_id, id) is the spawn order. Returns the step id.
func (s *Store) AddWorkflowStep(ctx context.Context, step models.WorkflowStep) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_steps
			(run_id, name, job_id, status, result_summary, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.RunID, step.Name, step.JobID, string(step.Status),
		step.ResultSummary, step.LastError, ms(step.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("add workflow step: %w", err)
	}
	return res.LastInsertId()
}

// UpdateWorkflowStep rewrites a step's outcome fields.
func (s *Store) UpdateWorkflowStep(ctx context.Context, stepID int64, status models.JobStatus, resultSummary, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_steps SET status = ?, result_summary = ?, last_error = ?
		WHERE id = ?`,
		string(status), resultSummary, lastError, stepID,
	)
	if err != nil {
		return fmt.Errorf("update workflow step: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkflowSteps returns a run's steps in spawn order.
func (s *Store) ListWorkflowSteps(ctx context.Context, runID string) ([]models.WorkflowStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, name, job_id, status, result_summary, last_error, created_at
		FROM workflow_steps
		WHERE run_id = ?
		ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list workflow steps: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowStep
	for rows.Next() {
		var step models.WorkflowStep
		var status string
		var created int64
		if err := rows.Scan(&step.ID, &step.RunID, &step.Name, &step.JobID,
			&status, &step.ResultSummary, &step.LastError, &created); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		step.Status = models.JobStatus(status)
		step.CreatedAt = fromMs(created)
		out = append(out, step)
	}
	return out, rows.Err()
}
