package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotclaw/dotclaw/internal/agent"
	"github.com/dotclaw/dotclaw/internal/audit"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/gateway"
	"github.com/dotclaw/dotclaw/internal/jobs"
	"github.com/dotclaw/dotclaw/internal/lanes"
	"github.com/dotclaw/dotclaw/internal/maintenance"
	"github.com/dotclaw/dotclaw/internal/memory"
	"github.com/dotclaw/dotclaw/internal/messenger"
	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/sandbox"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/internal/tasks"
	"github.com/dotclaw/dotclaw/internal/version"
	"github.com/dotclaw/dotclaw/internal/workflow"
	"github.com/dotclaw/dotclaw/internal/workspace"
)

// runServe implements the serve command logic.
// It handles configuration loading, host assembly, and graceful shutdown.
func runServe(ctx context.Context, configPath string, debug bool) error {
	home, err := workspace.DefaultHome()
	if err != nil {
		return err
	}
	layout := workspace.NewLayout(home)
	if strings.TrimSpace(configPath) == "" {
		configPath = layout.ConfigPath()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	// Replace the bootstrap logger with the configured one.
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	slog.Info("starting dotclaw host",
		"version", version.Version,
		"commit", version.Commit,
		"config", configPath,
		"home", layout.Home,
	)

	if err := layout.Bootstrap(); err != nil {
		return fmt.Errorf("failed to bootstrap home: %w", err)
	}

	h, err := newHost(ctx, cfg, layout)
	if err != nil {
		return fmt.Errorf("failed to initialize host: %w", err)
	}

	// Create a context that cancels on shutdown signals.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Start(ctx)
	}()

	slog.Info("dotclaw host started",
		"primary_group", cfg.PrimaryGroup,
		"default_model", cfg.Host.DefaultModel,
		"max_agents", cfg.Host.Concurrency.MaxAgents,
	)

	// Wait for shutdown signal or host error.
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	slog.Info("shutdown signal received, initiating graceful shutdown")

	// Create a timeout context for graceful shutdown.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := h.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	slog.Info("dotclaw host stopped gracefully")
	return nil
}

// host owns every long-running subsystem of one serve invocation. Stop
// order is the reverse of the dependency order: the inbox feed first so
// no new turns arrive, then the turn gateway and the other producers,
// then the audit writer that buffers their telemetry, then the store
// under all of them.
type host struct {
	store       *store.Store
	audit       *audit.Writer
	engine      *jobs.Engine
	scheduler   *tasks.Scheduler
	maintenance *maintenance.Loop
	gateway     *gateway.Gateway
	inbox       *gateway.Tailer
	metricsSrv  *http.Server
	stopTracing func(context.Context) error
}

// newHost wires the substrate: store, memory, admission lanes, cooldown
// registry, context builder, container driver, runner, job engine, task
// scheduler, retention loop, turn gateway and inbox feed. Nothing runs
// until Start.
func newHost(ctx context.Context, cfg *config.Config, layout workspace.Layout) (*host, error) {
	logger := slog.Default()

	st, err := store.Open(ctx, layout.StorePath())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tracer, stopTracing, err := observability.SetupTracing(ctx, observability.TraceConfig{
		Endpoint:       cfg.Tracing.Endpoint,
		ServiceVersion: version.Version,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	mem := memory.New(st, cfg.Host.Memory, cfg.PrimaryGroup,
		memory.WithLogger(logger),
		memory.WithMetrics(metrics),
	)

	auditWriter := audit.NewWriter(st,
		audit.WithWriterLogger(logger),
		audit.WithWriterMetrics(metrics),
	)

	sem := lanes.New(cfg.Host.Concurrency.MaxAgents,
		lanes.WithLogger(logger),
		lanes.WithMetrics(metrics),
		lanes.WithQueueTimeout(time.Duration(cfg.Host.Concurrency.QueueTimeoutMs)*time.Millisecond),
		lanes.WithStarvationLimit(time.Duration(cfg.Host.Concurrency.LaneStarvationMs)*time.Millisecond),
		lanes.WithInteractiveBurstCap(cfg.Host.Concurrency.MaxConsecutiveInteractive),
	)

	cooldowns := agent.NewCooldownRegistry(layout.CooldownPath(), cfg.Host.Failover,
		agent.WithCooldownLogger(logger),
		agent.WithCooldownMetrics(metrics),
	)

	builder := agent.NewContextBuilder(cfg, mem, st,
		agent.WithBuilderLogger(logger),
	)

	runner := agent.NewRunner(cfg, builder, buildRuntime(cfg, logger, auditWriter), sem, cooldowns,
		agent.WithRunnerLogger(logger),
		agent.WithRunnerTracer(tracer),
	)

	// Outbound traffic goes through one paced messenger so streaming
	// edits, job notices and turn replies share a send budget. The
	// console provider logs sends; a real chat binding replaces it.
	outbound := messenger.NewPaced(newConsoleMessenger(logger), cfg.Telegram,
		messenger.WithPacedLogger(logger),
	)

	engine := jobs.NewEngine(cfg, st, runner, layout,
		jobs.WithEngineLogger(logger),
		jobs.WithEngineMetrics(metrics),
		jobs.WithNotifier(outbound),
	)

	scheduler := tasks.NewScheduler(cfg, st, runner,
		tasks.WithSchedulerLogger(logger),
		tasks.WithSchedulerMetrics(metrics),
	)

	loop := maintenance.NewLoop(cfg, st, mem, layout,
		maintenance.WithLoopLogger(logger),
		maintenance.WithLoopMetrics(metrics),
	)

	flows := workflow.New(st, engine, runner,
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
	)

	gw := gateway.New(cfg, st, runner, outbound, layout,
		gateway.WithGatewayLogger(logger),
		gateway.WithGatewayMetrics(metrics),
		gateway.WithWorkflows(flows),
	)

	inbox := gateway.NewTailer(layout.InboxPath(), gw,
		gateway.WithTailerLogger(logger),
	)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.ListenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return &host{
		store:       st,
		audit:       auditWriter,
		engine:      engine,
		scheduler:   scheduler,
		maintenance: loop,
		gateway:     gw,
		inbox:       inbox,
		metricsSrv:  metricsSrv,
		stopTracing: stopTracing,
	}, nil
}

// consoleMessenger is the headless outbound binding: every send lands in
// the log instead of a chat API. The rest of the host only sees the
// Messenger interface, so installations swap in a provider SDK here.
type consoleMessenger struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID int
}

func newConsoleMessenger(logger *slog.Logger) *consoleMessenger {
	return &consoleMessenger{logger: logger.With("component", "console")}
}

func (c *consoleMessenger) mint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return fmt.Sprintf("console-%d", c.nextID)
}

func (c *consoleMessenger) SendMessage(_ context.Context, chatID, text string) (string, error) {
	id := c.mint()
	c.logger.Info("outbound message", "chat", chatID, "message", id, "text", text)
	return id, nil
}

func (c *consoleMessenger) EditMessage(_ context.Context, chatID, messageID, text string) error {
	c.logger.Info("outbound edit", "chat", chatID, "message", messageID, "text", text)
	return nil
}

func (c *consoleMessenger) DeleteMessage(_ context.Context, chatID, messageID string) error {
	c.logger.Info("outbound delete", "chat", chatID, "message", messageID)
	return nil
}

func (c *consoleMessenger) SendFile(_ context.Context, chatID, path, caption string) (string, error) {
	id := c.mint()
	c.logger.Info("outbound file", "chat", chatID, "message", id, "path", path, "caption", caption)
	return id, nil
}

func (c *consoleMessenger) SendPhoto(_ context.Context, chatID, path, caption string) (string, error) {
	id := c.mint()
	c.logger.Info("outbound photo", "chat", chatID, "message", id, "path", path, "caption", caption)
	return id, nil
}

func (c *consoleMessenger) SendVoice(_ context.Context, chatID, path string) (string, error) {
	id := c.mint()
	c.logger.Info("outbound voice", "chat", chatID, "message", id, "path", path)
	return id, nil
}

// buildRuntime binds the configured container driver. Without one the
// host still runs its loops, but every agent dispatch fails fast.
func buildRuntime(cfg *config.Config, logger *slog.Logger, recorder sandbox.AuditRecorder) sandbox.Runtime {
	driver, err := sandbox.NewDriver(cfg.Host.Container,
		sandbox.WithDriverLogger(logger),
		sandbox.WithDriverRecorder(recorder),
	)
	if err != nil {
		logger.Warn("agent dispatch disabled", "error", err)
		return sandbox.RuntimeFunc(func(context.Context, sandbox.Request) (sandbox.Output, error) {
			return sandbox.Output{}, errors.New("sandbox: container driver not configured")
		})
	}
	return driver
}

// Start launches the subsystems and blocks until ctx is canceled or the
// metrics listener fails. The inbox feed comes up last so the first
// inbound message already finds the full pipeline running.
func (h *host) Start(ctx context.Context) error {
	if err := h.engine.Start(ctx); err != nil {
		return fmt.Errorf("start job engine: %w", err)
	}
	if err := h.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start task scheduler: %w", err)
	}
	if err := h.maintenance.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance loop: %w", err)
	}
	if err := h.gateway.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}
	if err := h.inbox.Start(ctx); err != nil {
		return fmt.Errorf("start inbox feed: %w", err)
	}

	serveErr := make(chan error, 1)
	if h.metricsSrv != nil {
		go func() {
			slog.Info("metrics listening", "addr", h.metricsSrv.Addr)
			if err := h.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return fmt.Errorf("metrics server: %w", err)
	}
}

// Stop shuts the subsystems down in reverse dependency order, bounded by
// ctx. Every failure is collected so one stuck subsystem cannot hide the
// rest.
func (h *host) Stop(ctx context.Context) error {
	var errs []error
	if err := h.inbox.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("inbox feed: %w", err))
	}
	if err := h.gateway.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if h.metricsSrv != nil {
		if err := h.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server: %w", err))
		}
	}
	if err := h.maintenance.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("maintenance loop: %w", err))
	}
	if err := h.scheduler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("task scheduler: %w", err))
	}
	if err := h.engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job engine: %w", err))
	}
	if err := h.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit writer: %w", err))
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	if err := h.stopTracing(ctx); err != nil {
		errs = append(errs, fmt.Errorf("trace exporter: %w", err))
	}
	return errors.Join(errs...)
}
