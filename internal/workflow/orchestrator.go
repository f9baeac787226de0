// Package workflow fans a plan of named sub-tasks out into background
// jobs, polls them to completion under a shared deadline and optionally
// folds the results with one aggregation run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/lanes"
	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/sandbox"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// defaultPollInterval is the cadence of the join loop's job re-reads.
const defaultPollInterval = 2 * time.Second

// defaultPlanTimeout bounds a whole run when the plan sets no budget.
const defaultPlanTimeout = 10 * time.Minute

// cleanupTimeout bounds the detached cancel-and-persist pass that runs
// after a deadline expiry or a caller abort.
const cleanupTimeout = 10 * time.Second

// Jobs is the slice of the job engine the orchestrator drives: spawning
// sub-jobs and canceling the ones a deadline strands.
type Jobs interface {
	Enqueue(ctx context.Context, req jobs.EnqueueRequest) (models.Job, error)
	Cancel(ctx context.Context, id string) error
}

// Dispatcher executes the aggregation turn. *agent.Runner satisfies it.
type Dispatcher interface {
	Run(ctx context.Context, req agent.RunRequest) (agent.RunResult, error)
}

// TaskResult is one sub-task outcome, reported in plan order.
type TaskResult struct {
	Name          string           `json:"name"`
	Status        models.JobStatus `json:"status"`
	ResultSummary string           `json:"result_summary,omitempty"`
	LastError     string           `json:"last_error,omitempty"`
}

// Result is the joined outcome of one orchestration run. Sub-task
// failures do not fail the run: they surface per-task and in Status.
type Result struct {
	RunID            string                `json:"run_id"`
	Status           models.WorkflowStatus `json:"status"`
	Tasks            []TaskResult          `json:"tasks"`
	AggregatedResult string                `json:"aggregated_result,omitempty"`
}

// RunRequest scopes one orchestration run to a tenant and chat.
type RunRequest struct {
	Group   string
	ChatID  string
	TraceID string
	Plan    Plan
}

// Orchestrator coordinates fan-out runs over the job engine. One Run
// call owns its plan end to end; the orchestrator itself keeps no
// cross-run state.
type Orchestrator struct {
	store  *store.Store
	engine Jobs
	disp   Dispatcher

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	pollInterval time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics attaches workflow metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNow injects the clock used for deadlines and row timestamps.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithPollInterval overrides the join-loop poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// New builds an orchestrator over the store, the job engine and the
// dispatch path used for the aggregation turn.
func New(st *store.Store, engine Jobs, disp Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:        st,
		engine:       engine,
		disp:         disp,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "workflow")
	return o
}

// step tracks one plan task through its job lifecycle.
type step struct {
	task   Task
	jobID  string
	stepID int64
}

// Run executes a validated plan: drain tasks into the job engine up to
// the concurrency bound, poll the job rows until every task is terminal
// or the deadline expires, then persist and optionally aggregate.
//
// The returned Result reports per-task outcomes even when some tasks
// fail; the error is reserved for infrastructure failures such as run
// persistence or caller cancellation.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (Result, error) {
	if len(req.Plan.Tasks) == 0 {
		return Result{}, errors.New("workflow: plan has no tasks")
	}
	if req.Group == "" {
		return Result{}, errors.New("workflow: group required")
	}

	now := o.now()
	run := models.WorkflowRun{
		ID:        uuid.NewString(),
		Group:     req.Group,
		ChatID:    req.ChatID,
		Status:    models.WorkflowRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateWorkflowRun(ctx, run); err != nil {
		return Result{}, fmt.Errorf("workflow: create run: %w", err)
	}

	maxConcurrent := req.Plan.MaxConcurrent
	if maxConcurrent <= 0 || maxConcurrent > len(req.Plan.Tasks) {
		maxConcurrent = len(req.Plan.Tasks)
	}
	timeout := time.Duration(req.Plan.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPlanTimeout
	}
	deadline := now.Add(timeout)

	o.logger.Info("workflow started",
		"run_id", run.ID,
		"group", req.Group,
		"tasks", len(req.Plan.Tasks),
		"max_concurrent", maxConcurrent,
		"timeout_ms", timeout.Milliseconds(),
	)

	steps := make([]*step, len(req.Plan.Tasks))
	results := make([]TaskResult, len(req.Plan.Tasks))
	for i, task := range req.Plan.Tasks {
		steps[i] = &step{task: task}
		results[i] = TaskResult{Name: task.Name}
	}

	pending := make([]int, 0, len(steps))
	for i := range steps {
		pending = append(pending, i)
	}
	active := make(map[int]struct{})

	var runErr error
	for len(pending) > 0 || len(active) > 0 {
		for len(pending) > 0 && len(active) < maxConcurrent {
			idx := pending[0]
			pending = pending[1:]
			if o.spawn(ctx, run.ID, req, steps[idx], &results[idx]) {
				active[idx] = struct{}{}
			}
		}
		if len(pending) == 0 && len(active) == 0 {
			break
		}

		if err := o.sleep(ctx); err != nil {
			runErr = err
			o.abandon(run.ID, steps, active, pending, results, "workflow canceled")
			break
		}

		for idx := range active {
			st := steps[idx]
			job, err := o.store.GetJob(ctx, st.jobID)
			if err != nil {
				o.logger.Warn("job refresh failed", "run_id", run.ID, "job_id", st.jobID, "error", err)
				continue
			}
			if !job.Status.IsTerminal() {
				continue
			}
			results[idx] = TaskResult{
				Name:          st.task.Name,
				Status:        job.Status,
				ResultSummary: job.ResultSummary,
				LastError:     job.LastError,
			}
			o.updateStep(ctx, run.ID, st.stepID, results[idx])
			delete(active, idx)
		}

		if o.now().After(deadline) && (len(active) > 0 || len(pending) > 0) {
			o.abandon(run.ID, steps, active, pending, results, "workflow deadline exceeded")
			break
		}
	}

	status := runStatus(results)
	aggregated := ""
	if runErr == nil && req.Plan.AggregationPrompt != "" && hasResults(results) {
		aggregated = o.aggregate(ctx, req, results)
	}

	// Detached: the terminal row must land even when the caller is gone.
	finishCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := o.store.FinishWorkflowRun(finishCtx, run.ID, status, aggregated); err != nil {
		o.logger.Warn("workflow finish failed", "run_id", run.ID, "error", err)
	}
	if o.metrics != nil {
		o.metrics.WorkflowRunsTotal.WithLabelValues(string(status)).Inc()
	}

	logFn := o.logger.Info
	if status == models.WorkflowFailed {
		logFn = o.logger.Warn
	}
	logFn("workflow finished",
		"run_id", run.ID,
		"status", string(status),
		"tasks", len(results),
		"duration_ms", o.now().Sub(now).Milliseconds(),
	)

	return Result{
		RunID:            run.ID,
		Status:           status,
		Tasks:            results,
		AggregatedResult: aggregated,
	}, runErr
}

// spawn enqueues one task as a background job and inserts its step row.
// It reports whether the task is now active; a failed enqueue lands the
// step terminally failed and records the result immediately.
func (o *Orchestrator) spawn(ctx context.Context, runID string, req RunRequest, st *step, result *TaskResult) bool {
	// Sub-jobs carry no chat id: the joined result goes back through the
	// caller rather than as N separate completion messages.
	job, err := o.engine.Enqueue(ctx, jobs.EnqueueRequest{
		Group:         req.Group,
		Prompt:        st.task.Prompt,
		ContextMode:   "isolated",
		TimeoutMs:     st.task.TimeoutMs,
		ToolAllow:     st.task.ToolAllow,
		ToolDeny:      st.task.ToolDeny,
		ModelOverride: st.task.ModelOverride,
		Tags:          []string{"workflow:" + runID},
		ParentTraceID: req.TraceID,
	})
	if err != nil {
		o.logger.Warn("task spawn failed", "run_id", runID, "task", st.task.Name, "error", err)
		*result = TaskResult{Name: st.task.Name, Status: models.JobFailed, LastError: err.Error()}
		if _, serr := o.store.AddWorkflowStep(ctx, models.WorkflowStep{
			RunID:     runID,
			Name:      st.task.Name,
			Status:    models.JobFailed,
			LastError: err.Error(),
			CreatedAt: o.now(),
		}); serr != nil {
			o.logger.Warn("workflow step insert failed", "run_id", runID, "task", st.task.Name, "error", serr)
		}
		return false
	}

	st.jobID = job.ID
	stepID, err := o.store.AddWorkflowStep(ctx, models.WorkflowStep{
		RunID:     runID,
		Name:      st.task.Name,
		JobID:     job.ID,
		Status:    models.JobQueued,
		CreatedAt: o.now(),
	})
	if err != nil {
		o.logger.Warn("workflow step insert failed", "run_id", runID, "task", st.task.Name, "error", err)
	}
	st.stepID = stepID
	return true
}

// abandon resolves whatever a deadline or caller abort stranded: active
// jobs get a cancel plus one final re-read, unspawned tasks are recorded
// as canceled without ever reaching the queue. It runs on a detached
// context so caller cancellation cannot lose the step rows.
func (o *Orchestrator) abandon(runID string, steps []*step, active map[int]struct{}, pending []int, results []TaskResult, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	for idx := range active {
		st := steps[idx]
		if err := o.engine.Cancel(ctx, st.jobID); err != nil {
			o.logger.Warn("job cancel failed", "run_id", runID, "job_id", st.jobID, "error", err)
		}
		res := TaskResult{Name: st.task.Name, Status: models.JobCanceled, LastError: reason}
		if job, err := o.store.GetJob(ctx, st.jobID); err == nil && job.Status.IsTerminal() {
			res = TaskResult{
				Name:          st.task.Name,
				Status:        job.Status,
				ResultSummary: job.ResultSummary,
				LastError:     job.LastError,
			}
			if res.Status == models.JobCanceled && res.LastError == "" {
				res.LastError = reason
			}
		}
		results[idx] = res
		o.updateStep(ctx, runID, st.stepID, res)
	}

	for _, idx := range pending {
		st := steps[idx]
		results[idx] = TaskResult{Name: st.task.Name, Status: models.JobCanceled, LastError: reason}
		if _, err := o.store.AddWorkflowStep(ctx, models.WorkflowStep{
			RunID:     runID,
			Name:      st.task.Name,
			Status:    models.JobCanceled,
			LastError: reason,
			CreatedAt: o.now(),
		}); err != nil {
			o.logger.Warn("workflow step insert failed", "run_id", runID, "task", st.task.Name, "error", err)
		}
	}
}

// updateStep rewrites a step row with its terminal outcome.
func (o *Orchestrator) updateStep(ctx context.Context, runID string, stepID int64, r TaskResult) {
	if stepID == 0 {
		return
	}
	if err := o.store.UpdateWorkflowStep(ctx, stepID, r.Status, r.ResultSummary, r.LastError); err != nil {
		o.logger.Warn("workflow step update failed", "run_id", runID, "step_id", stepID, "error", err)
	}
}

// aggregate runs one non-streaming agent turn over the per-task result
// dump. Failure is non-fatal: the run keeps its per-task results and the
// aggregation is simply absent.
func (o *Orchestrator) aggregate(ctx context.Context, req RunRequest, results []TaskResult) string {
	res, err := o.disp.Run(ctx, agent.RunRequest{
		Request: sandbox.Request{
			Group:        req.Group,
			ChatID:       req.ChatID,
			Prompt:       aggregationPrompt(req.Plan.AggregationPrompt, results),
			ContextMode:  "isolated",
			Lane:         string(lanes.Scheduled),
			UseSemaphore: true,
			TraceID:      req.TraceID,
			Source:       "workflow_aggregation",
		},
	})
	if err != nil {
		o.logger.Warn("aggregation run failed", "group", req.Group, "error", err)
		return ""
	}
	if !res.Output.OK() {
		o.logger.Warn("aggregation run failed", "group", req.Group, "error", res.Output.Error)
		return ""
	}
	return strings.TrimSpace(res.Output.Result)
}

// sleep waits one poll interval or until the caller gives up.
func (o *Orchestrator) sleep(ctx context.Context) error {
	timer := time.NewTimer(o.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runStatus folds per-task outcomes into the run status: all succeeded
// maps to succeeded, none to failed, anything else to partial.
func runStatus(results []TaskResult) models.WorkflowStatus {
	succeeded := 0
	for _, r := range results {
		if r.Status == models.JobSucceeded {
			succeeded++
		}
	}
	switch succeeded {
	case len(results):
		return models.WorkflowSucceeded
	case 0:
		return models.WorkflowFailed
	default:
		return models.WorkflowPartial
	}
}

// hasResults reports whether any task produced something to aggregate.
func hasResults(results []TaskResult) bool {
	for _, r := range results {
		if r.ResultSummary != "" || r.LastError != "" {
			return true
		}
	}
	return false
}

// aggregationPrompt appends the per-task result dump to the caller's
// aggregation instruction.
func aggregationPrompt(instruction string, results []TaskResult) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n\nTask results:\n")
	for _, r := range results {
		fmt.Fprintf(&b, "\n### %s (%s)\n", r.Name, r.Status)
		if r.ResultSummary != "" {
			b.WriteString(r.ResultSummary)
			b.WriteString("\n")
		}
		if r.LastError != "" {
			fmt.Fprintf(&b, "Error: %s\n", r.LastError)
		}
	}
	return b.String()
}
