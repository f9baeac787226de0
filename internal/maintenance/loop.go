// Package maintenance runs the periodic retention pass: memory upkeep,
// store purges and filesystem sweeps. Every step is isolated; a failing
// or panicking step logs, counts, and never blocks the rest.
package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/workspace"
)

// Fixed retention windows. The configurable ones (trace files, jobs,
// task logs) come from config.
const (
	queueRetention    = 24 * time.Hour
	auditRetention    = 30 * 24 * time.Hour
	traceRowRetention = 90 * 24 * time.Hour
	feedbackRetention = 90 * 24 * time.Hour
	snapshotRetention = 7 * 24 * time.Hour
	cidMaxAge         = time.Hour
	ipcMaxAge         = 5 * time.Minute
	ipcErrorMaxAge    = 24 * time.Hour
)

// MemoryMaintainer runs the memory store's own retention pass.
// *memory.Store satisfies it.
type MemoryMaintainer interface {
	RunMaintenance(ctx context.Context) (memory.MaintenanceResult, error)
}

// Loop owns the retention schedule. One pass every interval walks the
// steps in a fixed order; RunOnce exposes a single pass for tests and
// for running maintenance at startup.
type Loop struct {
	cfg    *config.Config
	store  *store.Store
	memory MemoryMaintainer
	layout workspace.Layout

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	interval time.Duration

	mu      sync.Mutex
	started bool
	wg      sync.WaitGroup
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithLoopLogger sets the logger.
func WithLoopLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLoopMetrics attaches step counters.
func WithLoopMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithLoopNow injects the clock cutoffs are computed from.
func WithLoopNow(now func() time.Time) LoopOption {
	return func(l *Loop) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLoop builds the maintenance loop. mem may be nil when the memory
// store is disabled.
func NewLoop(cfg *config.Config, st *store.Store, mem MemoryMaintainer, layout workspace.Layout, opts ...LoopOption) *Loop {
	l := &Loop{
		cfg:      cfg,
		store:    st,
		memory:   mem,
		layout:   layout,
		logger:   slog.Default(),
		now:      time.Now,
		interval: time.Duration(cfg.Host.Maintenance.IntervalMs) * time.Millisecond,
	}
	if l.interval <= 0 {
		l.interval = 6 * time.Hour
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "maintenance")
	return l
}

// Start begins the pass ticker until the context is cancelled.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return nil
	}
	l.started = true
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.RunOnce(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the loop, including a pass in progress.
func (l *Loop) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce walks every retention step once.
func (l *Loop) RunOnce(ctx context.Context) {
	start := l.now()

	l.step(ctx, "memory", func(ctx context.Context) error {
		if l.memory == nil {
			return nil
		}
		_, err := l.memory.RunMaintenance(ctx)
		return err
	})

	l.step(ctx, "trace_files", func(context.Context) error {
		days := l.cfg.Host.Maintenance.TraceRetentionDays
		if days <= 0 {
			days = 14
		}
		cutoff := start.Add(-time.Duration(days) * 24 * time.Hour)
		n, err := sweepFiles(l.layout.TracesDir, cutoff, "")
		l.logSwept("trace_files", n)
		return err
	})

	l.step(ctx, "ipc_orphans", func(context.Context) error {
		n, err := sweepIPC(l.layout.IPCDir, start, ipcMaxAge, ipcErrorMaxAge)
		l.logSwept("ipc_orphans", n)
		return err
	})

	l.purgeStep(ctx, "queue_entries", start.Add(-queueRetention), l.store.PurgeFinishedTurns)
	l.purgeStep(ctx, "jobs", start.Add(-l.jobRetention()), l.store.PurgeTerminalJobs)
	l.purgeStep(ctx, "task_logs", start.Add(-l.taskLogRetention()), l.store.PurgeTaskRuns)
	l.purgeStep(ctx, "tool_audit", start.Add(-auditRetention), l.store.PurgeToolAudit)
	l.purgeStep(ctx, "message_traces", start.Add(-traceRowRetention), l.store.PurgeTraces)
	l.purgeStep(ctx, "feedback", start.Add(-feedbackRetention), l.store.PurgeFeedback)

	l.step(ctx, "cid_files", func(context.Context) error {
		n, err := sweepFiles(l.layout.DataDir, start.Add(-cidMaxAge), "*.cid")
		l.logSwept("cid_files", n)
		return err
	})

	l.step(ctx, "session_snapshots", func(context.Context) error {
		n, err := sweepEntries(l.layout.SnapshotsDir, start.Add(-snapshotRetention))
		l.logSwept("session_snapshots", n)
		return err
	})

	l.logger.Info("maintenance pass finished",
		"duration_ms", l.now().Sub(start).Milliseconds(),
	)
}

func (l *Loop) jobRetention() time.Duration {
	if ms := l.cfg.Host.Maintenance.JobRetentionMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 7 * 24 * time.Hour
}

func (l *Loop) taskLogRetention() time.Duration {
	if ms := l.cfg.Host.Maintenance.TaskLogRetentionMs; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 14 * 24 * time.Hour
}

// purgeStep wraps the store purges that share the (cutoff) -> rows shape.
func (l *Loop) purgeStep(ctx context.Context, name string, cutoff time.Time, purge func(context.Context, time.Time) (int64, error)) {
	l.step(ctx, name, func(ctx context.Context) error {
		n, err := purge(ctx, cutoff)
		if err != nil {
			return err
		}
		if n > 0 {
			l.logger.Info("rows purged", "step", name, "rows", n)
		}
		return nil
	})
}

// step isolates one cleanup: errors and panics are logged and counted,
// never propagated.
func (l *Loop) step(ctx context.Context, name string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("maintenance step panicked", "step", name, "panic", r)
			l.record(name, "error")
		}
	}()

	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			l.logger.Warn("maintenance step failed", "step", name, "error", err)
		}
		l.record(name, "error")
		return
	}
	l.record(name, "ok")
}

func (l *Loop) record(name, status string) {
	if l.metrics != nil {
		l.metrics.MaintenanceSteps.WithLabelValues(name, status).Inc()
	}
}

func (l *Loop) logSwept(step string, n int) {
	if n > 0 {
		l.logger.Info("files swept", "step", step, "files", n)
	}
}
