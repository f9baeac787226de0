// Package jobs runs the persistent background-job queue: lease-based
// claiming, per-job runners with wall-clock budgets, progress pings,
// result spill-to-disk, and completion delivery back to the chat.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/sandbox"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/tools/policy"
	"github.com/dotclaw/dotclaw/internal/workspace"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// summaryMaxChars caps the inline summary kept alongside a spilled output.
const summaryMaxChars = 1000

// finishTimeout bounds the persistence work after a run ends. It uses a
// detached context so shutdown cancellation cannot lose a terminal row.
const finishTimeout = 30 * time.Second

// timeoutPattern recognizes timeout-shaped failure text from the runtime.
var timeoutPattern = regexp.MustCompile(`(?i)timed out|timeout`)

// ErrModelNotAllowed rejects an enqueue whose model override is outside
// the configured allowlist.
var ErrModelNotAllowed = errors.New("jobs: model not in allowlist")

// Dispatcher executes one agent run. *agent.Runner satisfies it.
type Dispatcher interface {
	Run(ctx context.Context, req agent.RunRequest) (agent.RunResult, error)
}

// Notifier delivers lifecycle messages to the chat a job came from.
type Notifier interface {
	SendMessage(ctx context.Context, chatID, text string) (string, error)
}

// Engine claims queued jobs, runs them through the agent dispatch path
// and writes their terminal state. It enforces its own concurrency bound,
// so dispatches bypass the lane semaphore and the group lock.
type Engine struct {
	cfg      *config.Config
	store    *store.Store
	disp     Dispatcher
	notifier Notifier
	layout   workspace.Layout

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	pollInterval time.Duration
	lease        time.Duration

	mu       sync.Mutex
	started  bool
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEngineLogger sets the logger.
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEngineMetrics attaches job metrics.
func WithEngineMetrics(m *observability.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithEngineNow injects the clock used for row timestamps.
func WithEngineNow(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithNotifier sets the chat sender for progress and completion messages.
// Without one the engine runs jobs silently.
func WithNotifier(n Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// NewEngine builds a job engine over the store and dispatch path.
func NewEngine(cfg *config.Config, st *store.Store, disp Dispatcher, layout workspace.Layout, opts ...EngineOption) *Engine {
	jobsCfg := cfg.Host.BackgroundJobs
	e := &Engine{
		cfg:          cfg,
		store:        st,
		disp:         disp,
		layout:       layout,
		logger:       slog.Default(),
		now:          time.Now,
		pollInterval: time.Duration(jobsCfg.PollIntervalMs) * time.Millisecond,
		lease:        time.Duration(jobsCfg.LeaseMs) * time.Millisecond,
		inflight:     make(map[string]context.CancelFunc),
	}
	if e.pollInterval <= 0 {
		e.pollInterval = 1500 * time.Millisecond
	}
	if e.lease <= 0 {
		e.lease = 2 * time.Minute
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "jobs")
	return e
}

// Start begins the claim loop until the context is cancelled. Cancelling
// the context also aborts in-flight runs; their terminal rows are still
// persisted through a detached context.
func (e *Engine) Start(ctx context.Context) error {
	if !e.cfg.Host.BackgroundJobs.Enabled {
		e.logger.Info("background jobs disabled")
		return nil
	}
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.RunOnce(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the claim loop and every runner to exit.
func (e *Engine) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one poll iteration: sweep expired leases, then claim
// queued jobs while capacity remains. Returns the number claimed.
func (e *Engine) RunOnce(ctx context.Context) int {
	e.sweep(ctx)

	claimed := 0
	for e.inflightCount() < e.maxConcurrent() {
		job, err := e.store.ClaimNextJob(ctx, e.lease)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				e.logger.Error("job claim failed", "error", err)
			}
			break
		}
		e.spawn(ctx, job)
		claimed++
	}
	return claimed
}

// InFlight returns the number of jobs currently running in this process.
func (e *Engine) InFlight() int {
	return e.inflightCount()
}

func (e *Engine) inflightCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

func (e *Engine) maxConcurrent() int {
	n := e.cfg.Host.BackgroundJobs.MaxConcurrent
	if n < 1 {
		n = 1
	}
	return n
}

func (e *Engine) sweep(ctx context.Context) {
	ids, err := e.store.SweepExpiredLeases(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			e.logger.Warn("lease sweep failed", "error", err)
		}
		return
	}
	for _, id := range ids {
		e.logger.Warn("job lease expired", "job_id", id)
		if err := e.store.AppendJobEvent(ctx, id, models.JobEventError, "lease expired"); err != nil {
			e.logger.Warn("job event append failed", "job_id", id, "error", err)
		}
		if e.metrics != nil {
			e.metrics.JobsTotal.WithLabelValues(string(models.JobTimedOut)).Inc()
		}
	}
}

// EnqueueRequest describes a job to queue.
type EnqueueRequest struct {
	Group  string
	ChatID string
	Prompt string

	// ContextMode defaults to the configured contextModeDefault.
	ContextMode string

	// TimeoutMs overrides the engine's wall-clock budget when > 0.
	TimeoutMs int64

	// MaxToolSteps overrides the engine's tool-step cap when > 0.
	MaxToolSteps int

	ToolAllow []string
	ToolDeny  []string

	ModelOverride string
	Priority      int
	Tags          []string
	ParentTraceID string
}

// toolPolicyEnvelope is the JSON shape stored in tool_policy_json.
type toolPolicyEnvelope struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Enqueue validates and persists a queued job. The model override is
// checked against the allowlist before anything is written.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest) (models.Job, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return models.Job{}, errors.New("jobs: prompt required")
	}
	if req.Group == "" {
		return models.Job{}, errors.New("jobs: group required")
	}
	if !e.cfg.ModelAllowed(req.ModelOverride) {
		return models.Job{}, fmt.Errorf("%w: %q", ErrModelNotAllowed, req.ModelOverride)
	}

	mode := req.ContextMode
	if mode == "" {
		mode = e.cfg.Host.BackgroundJobs.ContextModeDefault
	}
	if mode == "" {
		mode = "isolated"
	}

	policyJSON := ""
	if len(req.ToolAllow) > 0 || len(req.ToolDeny) > 0 {
		raw, err := json.Marshal(toolPolicyEnvelope{Allow: req.ToolAllow, Deny: req.ToolDeny})
		if err != nil {
			return models.Job{}, fmt.Errorf("jobs: encode tool policy: %w", err)
		}
		policyJSON = string(raw)
	}

	now := e.now()
	job := models.Job{
		ID:             uuid.NewString(),
		Group:          req.Group,
		ChatID:         req.ChatID,
		Prompt:         prompt,
		ContextMode:    mode,
		Status:         models.JobQueued,
		TimeoutMs:      req.TimeoutMs,
		MaxToolSteps:   req.MaxToolSteps,
		ToolPolicyJSON: policyJSON,
		ModelOverride:  req.ModelOverride,
		Priority:       req.Priority,
		Tags:           req.Tags,
		ParentTraceID:  req.ParentTraceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.InsertJob(ctx, job); err != nil {
		return models.Job{}, err
	}
	e.logger.Info("job queued", "job_id", job.ID, "group", job.Group, "priority", job.Priority)
	return job, nil
}

// Cancel marks a job canceled and aborts its runner if one is live.
// Canceling an already-terminal job is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	job, err := e.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	err = e.store.FinishJob(ctx, id, store.JobCompletion{Status: models.JobCanceled})
	if errors.Is(err, store.ErrTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	e.mu.Lock()
	abort := e.inflight[id]
	e.mu.Unlock()
	if abort != nil {
		abort()
	}

	if err := e.store.AppendJobEvent(ctx, id, models.JobEventInfo, "canceled"); err != nil {
		e.logger.Warn("job event append failed", "job_id", id, "error", err)
	}
	if e.metrics != nil {
		e.metrics.JobsTotal.WithLabelValues(string(models.JobCanceled)).Inc()
	}
	e.logger.Info("job canceled", "job_id", id)
	return nil
}

// RecordUpdate appends a progress event and touches updated_at. Safe to
// call repeatedly; the event log is append-only.
func (e *Engine) RecordUpdate(ctx context.Context, id, note string) error {
	if err := e.store.AppendJobEvent(ctx, id, models.JobEventProgress, note); err != nil {
		return fmt.Errorf("record update: %w", err)
	}
	if err := e.store.TouchJob(ctx, id); err != nil {
		return fmt.Errorf("record update: %w", err)
	}
	return nil
}

func (e *Engine) spawn(ctx context.Context, job models.Job) {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.inflight[job.ID] = cancel
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.JobsInFlight.Inc()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			cancel()
			e.mu.Lock()
			delete(e.inflight, job.ID)
			e.mu.Unlock()
			if e.metrics != nil {
				e.metrics.JobsInFlight.Dec()
			}
		}()
		e.run(runCtx, job)
	}()
}

func (e *Engine) run(ctx context.Context, job models.Job) {
	timeout := e.jobTimeout(job)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.keepLeaseAlive(runCtx, job.ID)

	pingCtx, stopPings := context.WithCancel(runCtx)
	defer stopPings()
	if e.cfg.Host.Progress.Enabled && e.notifier != nil && job.ChatID != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.pingProgress(pingCtx, job)
		}()
	}

	start := e.now()
	if job.StartedAt != nil {
		start = *job.StartedAt
	}
	e.logger.Info("job started", "job_id", job.ID, "group", job.Group, "timeout", timeout)

	output, runErr := e.dispatch(runCtx, job, timeout)
	stopPings()

	done := e.resolve(job, output, runErr, runCtx.Err(), timeout)
	e.finish(job, done, e.now().Sub(start))
}

func (e *Engine) jobTimeout(job models.Job) time.Duration {
	ms := e.cfg.Host.BackgroundJobs.MaxRuntimeMs
	if job.TimeoutMs > 0 {
		ms = job.TimeoutMs
	}
	if ms <= 0 {
		ms = 600_000
	}
	return time.Duration(ms) * time.Millisecond
}

// keepLeaseAlive heartbeats the lease at a third of its duration so the
// sweep only ever reaps jobs whose runner died.
func (e *Engine) keepLeaseAlive(ctx context.Context, jobID string) {
	interval := e.lease / 3
	if interval < time.Second {
		interval = time.Second
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.store.ExtendJobLease(ctx, jobID, e.lease); err != nil {
					e.logger.Warn("lease extend failed", "job_id", jobID, "error", err)
				}
			}
		}
	}()
}

func (e *Engine) dispatch(ctx context.Context, job models.Job, timeout time.Duration) (sandbox.Output, error) {
	allow, deny := e.jobToolPolicy(job)
	steps := job.MaxToolSteps
	if steps <= 0 {
		steps = e.cfg.Host.BackgroundJobs.MaxToolSteps
	}
	res, err := e.disp.Run(ctx, agent.RunRequest{
		Request: sandbox.Request{
			Group:         job.Group,
			ChatID:        job.ChatID,
			Prompt:        job.Prompt,
			ContextMode:   job.ContextMode,
			UseSemaphore:  false,
			UseGroupLock:  false,
			ModelOverride: job.ModelOverride,
			MaxToolSteps:  steps,
			TimeoutMs:     timeout.Milliseconds(),
			ToolAllow:     allow,
			ToolDeny:      deny,
			TraceID:       job.ParentTraceID,
			Source:        "background_job",
		},
		RecallQuery: job.Prompt,
	})
	return res.Output, err
}

// jobToolPolicy layers the job's stored policy over the engine-level
// defaults: denies union, a job allow narrows the configured allow.
func (e *Engine) jobToolPolicy(job models.Job) (allow, deny []string) {
	jobsCfg := e.cfg.Host.BackgroundJobs
	base := policy.Policy{Allow: jobsCfg.ToolAllow, Deny: jobsCfg.ToolDeny}
	if job.ToolPolicyJSON == "" {
		return base.Allow, base.Deny
	}
	var envelope toolPolicyEnvelope
	if err := json.Unmarshal([]byte(job.ToolPolicyJSON), &envelope); err != nil {
		e.logger.Warn("bad tool policy json", "job_id", job.ID, "error", err)
		return base.Allow, base.Deny
	}
	merged := policy.Layer(base, policy.Policy{Allow: envelope.Allow, Deny: envelope.Deny})
	return merged.Allow, merged.Deny
}

// resolve maps a finished dispatch to its terminal completion. Abort
// signals win over error text; timeout-shaped error text wins over plain
// failure.
func (e *Engine) resolve(job models.Job, output sandbox.Output, runErr, abortErr error, timeout time.Duration) store.JobCompletion {
	failure := ""
	switch {
	case runErr != nil:
		failure = runErr.Error()
	case !output.OK():
		failure = output.Error
		if failure == "" {
			failure = "agent reported an error"
		}
	}

	switch {
	case errors.Is(abortErr, context.Canceled):
		return store.JobCompletion{Status: models.JobCanceled, LastError: "aborted"}
	case errors.Is(abortErr, context.DeadlineExceeded):
		return store.JobCompletion{
			Status:    models.JobTimedOut,
			LastError: fmt.Sprintf("timed out after %s", timeout),
		}
	case failure != "" && timeoutPattern.MatchString(failure):
		return store.JobCompletion{Status: models.JobTimedOut, LastError: failure}
	case failure != "":
		return store.JobCompletion{Status: models.JobFailed, LastError: failure}
	}
	return e.completeResult(job, output)
}

// completeResult shapes a successful run's summary, spilling oversized
// output to <group>/jobs/<job>/output.md under the group workspace.
func (e *Engine) completeResult(job models.Job, output sandbox.Output) store.JobCompletion {
	text := strings.TrimSpace(output.Result)
	inlineMax := e.cfg.Host.BackgroundJobs.InlineMaxChars
	if inlineMax <= 0 {
		inlineMax = 8000
	}

	done := store.JobCompletion{Status: models.JobSucceeded}
	if utf8.RuneCountInString(text) <= inlineMax {
		done.ResultSummary = text
		return done
	}

	capChars := inlineMax
	if capChars > summaryMaxChars {
		capChars = summaryMaxChars
	}
	done.ResultSummary = truncateRunes(text, capChars)
	done.OutputTruncated = true

	rel := workspace.JobOutputPath(job.ID)
	if err := e.writeOutput(job.Group, rel, text); err != nil {
		e.logger.Warn("job output spill failed", "job_id", job.ID, "error", err)
		return done
	}
	done.OutputPath = rel
	return done
}

func (e *Engine) writeOutput(group, rel, text string) error {
	groupDir, err := e.layout.EnsureGroupDir(group)
	if err != nil {
		return err
	}
	full := filepath.Join(groupDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
		return err
	}
	return os.WriteFile(full, []byte(text), 0o600)
}

// finish persists the terminal row, writes the run-log event, emits
// metrics and sends the completion message. When another writer already
// finished the row (an intervening cancel), that writer owns the event
// and metrics; only the chat message is still sent, reflecting the row
// as it actually ended.
func (e *Engine) finish(job models.Job, done store.JobCompletion, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()

	owned := true
	if err := e.store.FinishJob(ctx, job.ID, done); err != nil {
		if !errors.Is(err, store.ErrTerminal) {
			e.logger.Error("job finish failed", "job_id", job.ID, "error", err)
			return
		}
		owned = false
		fresh, gerr := e.store.GetJob(ctx, job.ID)
		if gerr != nil {
			e.logger.Warn("job re-read failed", "job_id", job.ID, "error", gerr)
			return
		}
		done = store.JobCompletion{
			Status:          fresh.Status,
			LastError:       fresh.LastError,
			ResultSummary:   fresh.ResultSummary,
			OutputPath:      fresh.OutputPath,
			OutputTruncated: fresh.OutputTruncated,
		}
	}

	if owned {
		if err := e.store.AppendJobEvent(ctx, job.ID, eventLevel(done.Status), terminalEventMessage(done)); err != nil {
			e.logger.Warn("job event append failed", "job_id", job.ID, "error", err)
		}
		if e.metrics != nil {
			e.metrics.JobsTotal.WithLabelValues(string(done.Status)).Inc()
			e.metrics.JobDuration.WithLabelValues(string(done.Status)).Observe(elapsed.Seconds())
		}
	}

	logFn := e.logger.Info
	if done.Status == models.JobFailed || done.Status == models.JobTimedOut {
		logFn = e.logger.Warn
	}
	logFn("job finished",
		"job_id", job.ID,
		"status", done.Status,
		"duration_ms", elapsed.Milliseconds(),
		"error", done.LastError,
	)

	if e.notifier == nil || job.ChatID == "" {
		return
	}
	if _, err := e.notifier.SendMessage(ctx, job.ChatID, completionMessage(job.ID, done, elapsed)); err != nil {
		e.logger.Warn("job completion message failed", "job_id", job.ID, "error", err)
	}
}

// completionMessage renders the terminal chat message. Blocks are joined
// by blank lines; empty blocks are omitted.
func completionMessage(jobID string, done store.JobCompletion, elapsed time.Duration) string {
	blocks := []string{
		fmt.Sprintf("Background job %s %s.", jobID, done.Status),
		fmt.Sprintf("Duration: %ds.", int64(math.Round(elapsed.Seconds()))),
	}
	if done.OutputPath != "" {
		blocks = append(blocks, "Output saved to: "+done.OutputPath)
	}
	if done.ResultSummary != "" {
		blocks = append(blocks, "Summary:\n"+done.ResultSummary)
	}
	return strings.Join(blocks, "\n\n")
}

func terminalEventMessage(done store.JobCompletion) string {
	if done.LastError != "" {
		return fmt.Sprintf("%s: %s", done.Status, done.LastError)
	}
	return string(done.Status)
}

func eventLevel(status models.JobStatus) models.JobEventLevel {
	switch status {
	case models.JobFailed, models.JobTimedOut:
		return models.JobEventError
	default:
		return models.JobEventInfo
	}
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
