package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/lanes"
	"github.com/dotclaw/dotclaw/internal/sandbox"
)

// ErrChainExhausted is returned when every eligible model in the chain
// failed or is cooling down.
var ErrChainExhausted = errors.New("model chain exhausted")

// FailoverError carries the classified envelope of the attempt that
// ended a dispatch.
type FailoverError struct {
	Envelope  Envelope
	Exhausted bool
}

func (e *FailoverError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("dispatch failed (%s) after %d attempt(s): %s; chain exhausted",
			e.Envelope.Category, e.Envelope.Attempt, e.Envelope.Message)
	}
	return fmt.Sprintf("dispatch failed (%s) after %d attempt(s): %s",
		e.Envelope.Category, e.Envelope.Attempt, e.Envelope.Message)
}

func (e *FailoverError) Unwrap() error {
	if e.Exhausted {
		return ErrChainExhausted
	}
	return nil
}

// RunRequest is one agent dispatch: the sandbox request plus the
// context-assembly inputs.
type RunRequest struct {
	sandbox.Request

	UserID      string
	RecallQuery string

	// ReasoningEffort downgrades across retries: high, medium, low, off.
	ReasoningEffort string
}

// RunResult reports a finished dispatch.
type RunResult struct {
	Output   sandbox.Output
	Model    string
	Attempts int
	Context  *AgentContext

	// Envelopes holds one entry per failed attempt, in order.
	Envelopes []Envelope
}

// Runner walks the model chain for each request: context assembly, lane
// admission, sandbox dispatch, and cooldown bookkeeping on failure.
type Runner struct {
	cfg       *config.Config
	builder   *ContextBuilder
	runtime   sandbox.Runtime
	sem       *lanes.Semaphore
	cooldowns *CooldownRegistry

	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error

	mu         sync.Mutex
	groupLocks map[string]*sync.Mutex
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithRunnerNow injects the clock.
func WithRunnerNow(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// WithRunnerTracer sets the tracer for dispatch spans.
func WithRunnerTracer(tracer trace.Tracer) RunnerOption {
	return func(r *Runner) { r.tracer = tracer }
}

// WithRunnerSleep replaces the inter-attempt pause, for tests.
func WithRunnerSleep(sleep func(context.Context, time.Duration) error) RunnerOption {
	return func(r *Runner) { r.sleep = sleep }
}

// NewRunner wires a dispatcher. The semaphore may be nil when no caller
// sets UseSemaphore.
func NewRunner(cfg *config.Config, builder *ContextBuilder, runtime sandbox.Runtime, sem *lanes.Semaphore, cooldowns *CooldownRegistry, opts ...RunnerOption) *Runner {
	r := &Runner{
		cfg:        cfg,
		builder:    builder,
		runtime:    runtime,
		sem:        sem,
		cooldowns:  cooldowns,
		logger:     slog.Default(),
		tracer:     noop.NewTracerProvider().Tracer("dotclaw"),
		now:        time.Now,
		sleep:      sleepCtx,
		groupLocks: make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "runner")
	return r
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run dispatches one request. On provider failure it classifies, cools
// the model down, downgrades effort and step budget, and retries on the
// next eligible chain model up to failover.maxRetries extra attempts.
func (r *Runner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "agent.dispatch")
	defer span.End()

	if req.UseSemaphore && r.sem != nil {
		handle, err := r.sem.Acquire(ctx, laneFor(req.Lane))
		if err != nil {
			span.SetStatus(codes.Error, "admission")
			return RunResult{}, fmt.Errorf("admission: %w", err)
		}
		defer handle.Release()
	}

	if req.UseGroupLock {
		unlock := r.lockGroup(req.Group)
		defer unlock()
	}

	agentCtx, err := r.builder.Build(ctx, ContextRequest{
		Group:       req.Group,
		UserID:      req.UserID,
		RecallQuery: req.RecallQuery,
		ToolAllow:   req.ToolAllow,
		ToolDeny:    req.ToolDeny,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("build context: %w", err)
	}
	span.SetAttributes(
		attribute.String("dotclaw.group", req.Group),
		attribute.String("dotclaw.model", agentCtx.Model),
		attribute.String("dotclaw.lane", req.Lane),
	)

	chain := r.chainFor(req.ModelOverride, agentCtx.Model)
	result := RunResult{Context: agentCtx}
	attempted := make(map[string]bool, len(chain))
	effort := req.ReasoningEffort
	steps := req.MaxToolSteps

	maxAttempts := r.cfg.Host.Failover.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		selection, ok := r.cooldowns.NextModel(chain, attempted)
		if !ok {
			envelope := r.lastEnvelope(result.Envelopes, attempt)
			span.SetStatus(codes.Error, "chain exhausted")
			return result, &FailoverError{Envelope: envelope, Exhausted: true}
		}
		attempted[selection.Model] = true
		result.Attempts = attempt
		result.Model = selection.Model

		dispatch := req.Request
		dispatch.ModelOverride = selection.Model
		dispatch.MaxToolSteps = steps
		dispatch.ReasoningEffort = effort
		dispatch.ToolAllow = agentCtx.ToolPolicy.Allow
		dispatch.ToolDeny = agentCtx.ToolPolicy.Deny

		output, runErr := r.runtime.Run(ctx, dispatch)
		if runErr == nil && output.OK() {
			result.Output = output
			span.SetAttributes(attribute.Int("dotclaw.attempts", attempt))
			return result, nil
		}

		failure := runErr
		if failure == nil {
			failure = errors.New(output.Error)
		}
		envelope := NewEnvelope(failure, req.Source, selection.Model, attempt, r.now())
		result.Envelopes = append(result.Envelopes, envelope)
		span.AddEvent("attempt failed", trace.WithAttributes(
			attribute.String("category", string(envelope.Category)),
			attribute.String("model", selection.Model),
			attribute.Int("attempt", attempt),
		))
		r.logEnvelope(envelope, req.Group)

		r.cooldowns.Trip(selection.Model, envelope.Category)

		if ctx.Err() != nil {
			return result, &FailoverError{Envelope: envelope}
		}
		if !envelope.Retryable || attempt == maxAttempts {
			if !envelope.Retryable {
				span.SetStatus(codes.Error, string(envelope.Category))
				return result, &FailoverError{Envelope: envelope}
			}
			break
		}

		effort = DowngradeEffort(effort)
		steps = DowngradeToolSteps(steps)
		if err := r.sleep(ctx, retryDelay(attempt)); err != nil {
			return result, &FailoverError{Envelope: envelope}
		}
	}

	envelope := r.lastEnvelope(result.Envelopes, result.Attempts)
	span.SetStatus(codes.Error, string(envelope.Category))
	return result, &FailoverError{Envelope: envelope, Exhausted: true}
}

func (r *Runner) lastEnvelope(envelopes []Envelope, attempt int) Envelope {
	if len(envelopes) > 0 {
		return envelopes[len(envelopes)-1]
	}
	return NewEnvelope(ErrChainExhausted, "dispatch", "", attempt, r.now())
}

// chainFor builds the walk order: explicit override first, then the
// resolved model, then the configured chain.
func (r *Runner) chainFor(override, resolved string) []string {
	chain := make([]string, 0, len(r.cfg.Models.Chain)+2)
	if override != "" {
		chain = append(chain, override)
	}
	chain = append(chain, resolved)
	chain = append(chain, r.cfg.Models.Chain...)
	return chain
}

func (r *Runner) logEnvelope(envelope Envelope, group string) {
	attrs := []any{
		"group", group,
		"category", string(envelope.Category),
		"model", envelope.Model,
		"attempt", envelope.Attempt,
		"error", envelope.Message,
	}
	switch SeverityFor(envelope.Category) {
	case SeverityWarn:
		r.logger.Warn("attempt failed", attrs...)
	case SeverityInfo:
		r.logger.Info("attempt failed", attrs...)
	default:
		r.logger.Error("attempt failed", attrs...)
	}
}

// lockGroup serializes session-mutating runs per group.
func (r *Runner) lockGroup(group string) func() {
	r.mu.Lock()
	lock, ok := r.groupLocks[group]
	if !ok {
		lock = &sync.Mutex{}
		r.groupLocks[group] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

func laneFor(lane string) lanes.Lane {
	switch lanes.Lane(lane) {
	case lanes.Scheduled:
		return lanes.Scheduled
	case lanes.Maintenance:
		return lanes.Maintenance
	default:
		return lanes.Interactive
	}
}
