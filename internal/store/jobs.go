package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// ErrTerminal is returned when a mutation targets a job that already
// reached a terminal status. Terminal states are absorbing.
var ErrTerminal = errors.New("store: job is terminal")

const jobColumns = `id, "group", chat_id, prompt, context_mode, status,
	timeout_ms, max_tool_steps, tool_policy_json, model_override, priority,
	tags, parent_trace_id, created_at, updated_at, started_at, finished_at,
	lease_expires_at, last_error, result_summary, output_path, output_truncated`

// InsertJob persists a queued job and its first event in one transaction.
func (s *Store) InsertJob(ctx context.Context, job models.Job) error {
	tags, err := json.Marshal(job.Tags)
	if err != nil {
		return fmt.Errorf("insert job: tags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert job: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO background_jobs
			(id, "group", chat_id, prompt, context_mode, status, timeout_ms,
			max_tool_steps, tool_policy_json, model_override, priority, tags,
			parent_trace_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Group, job.ChatID, job.Prompt, job.ContextMode,
		string(models.JobQueued), job.TimeoutMs, job.MaxToolSteps,
		job.ToolPolicyJSON, job.ModelOverride, job.Priority, string(tags),
		job.ParentTraceID, ms(job.CreatedAt), ms(job.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO background_job_events (job_id, level, message, created_at)
		VALUES (?, ?, 'queued', ?)`,
		job.ID, string(models.JobEventInfo), ms(job.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert job: event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert job: commit: %w", err)
	}
	return nil
}

// GetJob returns one job row.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM background_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	return job, err
}

// ClaimNextJob atomically flips the best queued job to running, arms its
// lease and logs the started event, all in one transaction. Order is
// (priority DESC, created_at ASC). Returns ErrNotFound when nothing is
// queued.
func (s *Store) ClaimNextJob(ctx context.Context, lease time.Duration) (models.Job, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id string
	err = tx.QueryRowContext(ctx, `
		UPDATE background_jobs SET
			status = 'running',
			started_at = ?,
			updated_at = ?,
			lease_expires_at = ?
		WHERE id = (
			SELECT id FROM background_jobs
			WHERE status = 'queued'
			ORDER BY priority DESC, created_at ASC
			LIMIT 1
		)
		RETURNING id`,
		ms(now), ms(now), ms(now.Add(lease)),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("claim job: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO background_job_events (job_id, level, message, created_at)
		VALUES (?, ?, 'started', ?)`,
		id, string(models.JobEventInfo), ms(now),
	); err != nil {
		return models.Job{}, fmt.Errorf("claim job: event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Job{}, fmt.Errorf("claim job: commit: %w", err)
	}
	return s.GetJob(ctx, id)
}

// ExtendJobLease pushes the lease forward for a still-running job.
func (s *Store) ExtendJobLease(ctx context.Context, id string, lease time.Duration) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs
		SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'`,
		ms(now.Add(lease)), ms(now), id,
	)
	if err != nil {
		return fmt.Errorf("extend lease: %w", err)
	}
	return nil
}

// SweepExpiredLeases times out running jobs whose lease lapsed, clearing
// the lease and stamping finished_at. Returns the ids swept.
func (s *Store) SweepExpiredLeases(ctx context.Context) ([]string, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx, `
		UPDATE background_jobs SET
			status = 'timed_out',
			last_error = 'lease expired',
			lease_expires_at = NULL,
			finished_at = ?,
			updated_at = ?
		WHERE status = 'running' AND lease_expires_at < ?
		RETURNING id`,
		ms(now), ms(now), ms(now),
	)
	if err != nil {
		return nil, fmt.Errorf("sweep leases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return ids, fmt.Errorf("sweep leases: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// JobCompletion carries the terminal fields of a finished job.
type JobCompletion struct {
	Status          models.JobStatus
	LastError       string
	ResultSummary   string
	OutputPath      string
	OutputTruncated bool
}

// FinishJob writes the terminal row for a job. Terminal states are
// absorbing: finishing an already-terminal job returns ErrTerminal and
// leaves the row untouched, so an intervening cancel wins over a late
// runner result.
func (s *Store) FinishJob(ctx context.Context, id string, done JobCompletion) error {
	if !done.Status.IsTerminal() {
		return fmt.Errorf("finish job: status %q is not terminal", done.Status)
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE background_jobs SET
			status = ?,
			updated_at = ?,
			finished_at = ?,
			last_error = ?,
			result_summary = ?,
			output_path = ?,
			output_truncated = ?,
			lease_expires_at = NULL
		WHERE id = ? AND status IN ('queued', 'running')`,
		string(done.Status), ms(now), ms(now), done.LastError,
		done.ResultSummary, done.OutputPath, boolToInt(done.OutputTruncated), id,
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetJob(ctx, id); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrTerminal
	}
	return nil
}

// TouchJob refreshes updated_at, for progress notes that should show
// liveness without changing state.
func (s *Store) TouchJob(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE background_jobs SET updated_at = ? WHERE id = ?`, ms(s.now()), id)
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	return nil
}

// AppendJobEvent adds one append-only log row for a job.
func (s *Store) AppendJobEvent(ctx context.Context, jobID string, level models.JobEventLevel, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO background_job_events (job_id, level, message, created_at)
		VALUES (?, ?, ?, ?)`,
		jobID, string(level), message, ms(s.now()),
	)
	if err != nil {
		return fmt.Errorf("append job event: %w", err)
	}
	return nil
}

// ListJobEvents returns a job's events in append order.
func (s *Store) ListJobEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, level, message, created_at
		FROM background_job_events
		WHERE job_id = ?
		ORDER BY id`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list job events: %w", err)
	}
	defer rows.Close()

	var out []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		var created int64
		var level string
		if err := rows.Scan(&ev.ID, &ev.JobID, &level, &ev.Message, &created); err != nil {
			return nil, fmt.Errorf("scan job event: %w", err)
		}
		ev.Level = models.JobEventLevel(level)
		ev.CreatedAt = fromMs(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListJobsByStatus returns up to limit jobs in claim order.
func (s *Store) ListJobsByStatus(ctx context.Context, status models.JobStatus, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM background_jobs
		WHERE status = ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// PurgeTerminalJobs removes terminal jobs finished before the cutoff,
// events first. Returns the number of jobs removed.
func (s *Store) PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const filter = `status IN ('succeeded', 'failed', 'canceled', 'timed_out')
		AND finished_at IS NOT NULL AND finished_at < ?`

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM background_job_events WHERE job_id IN (
			SELECT id FROM background_jobs WHERE `+filter+`)`,
		ms(cutoff),
	); err != nil {
		return 0, fmt.Errorf("purge jobs: events: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM background_jobs WHERE `+filter, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("purge jobs: commit: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var status string
	var tags string
	var created, updated int64
	var started, finished, lease sql.NullInt64
	var truncated int

	err := row.Scan(
		&job.ID, &job.Group, &job.ChatID, &job.Prompt, &job.ContextMode,
		&status, &job.TimeoutMs, &job.MaxToolSteps, &job.ToolPolicyJSON,
		&job.ModelOverride, &job.Priority, &tags, &job.ParentTraceID,
		&created, &updated, &started, &finished, &lease,
		&job.LastError, &job.ResultSummary, &job.OutputPath, &truncated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return job, err
		}
		return job, fmt.Errorf("scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if tags != "" {
		_ = json.Unmarshal([]byte(tags), &job.Tags)
	}
	job.CreatedAt = fromMs(created)
	job.UpdatedAt = fromMs(updated)
	job.StartedAt = timePtr(started)
	job.FinishedAt = timePtr(finished)
	job.LeaseExpiresAt = timePtr(lease)
	job.OutputTruncated = truncated != 0
	return job, nil
}
