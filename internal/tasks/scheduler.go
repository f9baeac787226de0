// Package tasks runs the scheduled-task loop: due-task polling, agent
// dispatch on the scheduled lane, retry backoff, and next-fire
// computation for cron, interval and once schedules.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/backoff"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/datetime"
	"github.com/dotclaw/dotclaw/internal/lanes"
	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/sandbox"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// dueBatchLimit caps how many due tasks one poll pass picks up.
const dueBatchLimit = 50

// resultMaxChars caps the stored last_result and run-log result text.
const resultMaxChars = 2000

// persistTimeout bounds the bookkeeping writes after a run ends. They
// use a detached context so shutdown cannot lose the outcome.
const persistTimeout = 30 * time.Second

// ErrNoFutureRun rejects schedules whose only fire time has passed.
var ErrNoFutureRun = errors.New("tasks: schedule has no future run")

// Dispatcher executes one agent run. *agent.Runner satisfies it.
type Dispatcher interface {
	Run(ctx context.Context, req agent.RunRequest) (agent.RunResult, error)
}

// Scheduler owns scheduled-task semantics: creation with an initial
// next_run, the due-task poll loop, and the pause/resume/delete surface.
// Due tasks execute sequentially inside the poll pass, so next_run is
// always rewritten before the next pass can observe the row.
type Scheduler struct {
	cfg   *config.Config
	store *store.Store
	disp  Dispatcher

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	pollInterval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSchedulerMetrics attaches task metrics.
func WithSchedulerMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithSchedulerNow injects the clock used for due checks and timestamps.
func WithSchedulerNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler builds a scheduler over the store and dispatch path.
func NewScheduler(cfg *config.Config, st *store.Store, disp Dispatcher, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cfg:          cfg,
		store:        st,
		disp:         disp,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: cfg.Host.Scheduler.PollInterval(),
	}
	if s.pollInterval <= 0 {
		s.pollInterval = time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tasks")
	return s
}

// Start begins the poll loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the poll loop, including any run in progress.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one poll pass: every due task executes in next_run
// order. Returns the number of tasks executed.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	due, err := s.store.DueTasks(ctx, s.now(), dueBatchLimit)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("due task query failed", "error", err)
		}
		return 0
	}

	ran := 0
	for _, task := range due {
		if ctx.Err() != nil {
			break
		}
		s.execute(ctx, task)
		ran++
	}
	return ran
}

// CreateRequest describes a task to schedule.
type CreateRequest struct {
	Group         string
	ChatID        string
	Prompt        string
	ScheduleKind  models.ScheduleKind
	ScheduleValue string
	Timezone      string
	ContextMode   models.ContextMode
}

// Create validates the schedule, computes the initial next_run and
// persists the task as active.
func (s *Scheduler) Create(ctx context.Context, req CreateRequest) (models.Task, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return models.Task{}, errors.New("tasks: prompt required")
	}
	if req.Group == "" {
		return models.Task{}, errors.New("tasks: group required")
	}

	mode := req.ContextMode
	if mode == "" {
		mode = models.ContextGroup
	}

	now := s.now()
	task := models.Task{
		ID:            uuid.NewString(),
		Group:         req.Group,
		ChatID:        req.ChatID,
		Prompt:        prompt,
		ScheduleKind:  req.ScheduleKind,
		ScheduleValue: strings.TrimSpace(req.ScheduleValue),
		Timezone:      strings.TrimSpace(req.Timezone),
		ContextMode:   mode,
		Status:        models.TaskActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	loc := datetime.ResolveTimezone(task.Timezone, "")
	next, ok, err := NextRun(task, now, loc)
	if err != nil {
		return models.Task{}, fmt.Errorf("tasks: %w", err)
	}
	if !ok {
		return models.Task{}, ErrNoFutureRun
	}
	task.NextRun = &next

	if err := s.store.CreateTask(ctx, task); err != nil {
		return models.Task{}, err
	}
	s.logger.Info("task created",
		"task_id", task.ID,
		"group", task.Group,
		"schedule", string(task.ScheduleKind),
		"next_run", next,
	)
	return task, nil
}

// Pause stops a task from firing until it is resumed.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.store.SetTaskStatus(ctx, id, models.TaskPaused)
}

// Resume reactivates a paused task with a freshly computed next_run. A
// once whose time has passed cannot be resumed.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	loc := datetime.ResolveTimezone(task.Timezone, "")
	next, ok, err := NextRun(task, s.now(), loc)
	if err != nil {
		return fmt.Errorf("tasks: %w", err)
	}
	if !ok {
		return ErrNoFutureRun
	}
	task.Status = models.TaskActive
	task.NextRun = &next
	return s.store.UpdateTask(ctx, task)
}

// Delete removes a task and its run logs.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	return s.store.DeleteTask(ctx, id)
}

// execute runs one due task through the agent and persists the outcome:
// run-log row, last_run/last_result bookkeeping, and the next fire time
// or retry backoff.
func (s *Scheduler) execute(ctx context.Context, task models.Task) {
	start := s.now()
	output, runErr := s.dispatch(ctx, task)
	elapsed := s.now().Sub(start)

	ok := runErr == nil && output.OK()
	errText := ""
	if !ok {
		if runErr != nil {
			errText = runErr.Error()
		} else if errText = output.Error; errText == "" {
			errText = "agent reported an error"
		}
	}

	// Detached: the outcome must land even when shutdown races the run.
	persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := s.store.AppendTaskRun(persistCtx, models.TaskRun{
		TaskID:     task.ID,
		RunAt:      start,
		OK:         ok,
		Result:     truncateRunes(output.Result, resultMaxChars),
		Error:      errText,
		DurationMs: elapsed.Milliseconds(),
	}); err != nil {
		s.logger.Warn("task run log failed", "task_id", task.ID, "error", err)
	}

	task.LastRun = &start
	if ok {
		task.LastResult = truncateRunes(output.Result, resultMaxChars)
		s.advance(&task)
	} else {
		s.retry(&task, errText)
	}
	if err := s.store.UpdateTask(persistCtx, task); err != nil {
		s.logger.Warn("task update failed", "task_id", task.ID, "error", err)
	}

	status := "succeeded"
	logFn := s.logger.Info
	if !ok {
		status = "failed"
		logFn = s.logger.Warn
	}
	if s.metrics != nil {
		s.metrics.TaskRunsTotal.WithLabelValues(status).Inc()
	}
	logFn("task run finished",
		"task_id", task.ID,
		"ok", ok,
		"duration_ms", elapsed.Milliseconds(),
		"error", errText,
	)
}

func (s *Scheduler) dispatch(ctx context.Context, task models.Task) (sandbox.Output, error) {
	mode := string(task.ContextMode)
	if mode == "" {
		mode = string(models.ContextGroup)
	}
	res, err := s.disp.Run(ctx, agent.RunRequest{
		Request: sandbox.Request{
			Group:        task.Group,
			ChatID:       task.ChatID,
			Prompt:       task.Prompt,
			ContextMode:  mode,
			Lane:         string(lanes.Scheduled),
			UseSemaphore: true,
			UseGroupLock: true,
			Source:       "scheduled_task",
		},
		RecallQuery: task.Prompt,
	})
	return res.Output, err
}

// advance clears the failure streak and moves a successful task to its
// next fire time. Once schedules complete; a cron that can never fire
// again completes as well.
func (s *Scheduler) advance(task *models.Task) {
	task.RetryCount = 0
	task.LastError = ""

	if task.ScheduleKind == models.ScheduleOnce {
		task.Status = models.TaskCompleted
		task.NextRun = nil
		return
	}

	loc := datetime.ResolveTimezone(task.Timezone, "")
	next, ok, err := NextRun(*task, s.now(), loc)
	if err != nil || !ok {
		if err != nil {
			s.logger.Warn("next run computation failed", "task_id", task.ID, "error", err)
		}
		task.Status = models.TaskCompleted
		task.NextRun = nil
		return
	}
	task.NextRun = &next
}

// retry schedules the exponential-backoff re-fire, or retires the task
// with its last error once the retry budget is spent.
func (s *Scheduler) retry(task *models.Task, errText string) {
	task.LastError = errText

	delay := backoffDelay(s.cfg.Host.Scheduler, task.RetryCount)
	task.RetryCount++
	if task.RetryCount > s.cfg.Host.Scheduler.TaskMaxRetries {
		task.Status = models.TaskCompleted
		task.NextRun = nil
		return
	}
	next := s.now().Add(delay)
	task.NextRun = &next
}

// backoffDelay doubles from the base per prior consecutive failure,
// capped at the configured ceiling. Task retries stay jitter-free so
// next_run is reproducible from retry_count alone.
func backoffDelay(cfg config.SchedulerConfig, retryCount int) time.Duration {
	policy := backoff.Policy{
		InitialMs: float64(cfg.TaskRetryBaseMs),
		MaxMs:     float64(cfg.TaskRetryMaxMs),
		Factor:    2,
	}
	if policy.InitialMs <= 0 {
		policy.InitialMs = float64(time.Minute.Milliseconds())
	}
	if policy.MaxMs <= 0 {
		policy.MaxMs = float64(time.Hour.Milliseconds())
	}
	return backoff.Compute(policy, retryCount+1)
}

// truncateRunes caps s at max runes, preserving whole code points.
func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
