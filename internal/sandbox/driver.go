package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// stderrTailBytes bounds how much driver stderr is carried into errors.
const stderrTailBytes = 512

// AuditRecorder receives the per-run tool telemetry parsed from the
// driver result document. *audit.Writer satisfies it.
type AuditRecorder interface {
	RecordBatch(entries []models.ToolAuditEntry)
}

// Driver runs agent turns through an external command: the request
// document goes to the driver's stdin as JSON, the result document comes
// back on stdout. The driver binary owns the container technology; the
// host passes the resource shaping from config and enforces the wall
// clock. Streaming still happens over the filesystem IPC contract via
// Request.StreamDir.
type Driver struct {
	path     string
	args     []string
	shaping  config.ContainerConfig
	recorder AuditRecorder
	logger   *slog.Logger
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithDriverLogger sets the logger.
func WithDriverLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDriverRecorder wires the sink for tool telemetry reported by the
// driver. Without one the telemetry is discarded.
func WithDriverRecorder(r AuditRecorder) DriverOption {
	return func(d *Driver) { d.recorder = r }
}

// NewDriver builds the exec-backed runtime from the container config.
func NewDriver(cfg config.ContainerConfig, opts ...DriverOption) (*Driver, error) {
	if strings.TrimSpace(cfg.Driver) == "" {
		return nil, errors.New("sandbox: container driver command not configured")
	}
	d := &Driver{
		path:    cfg.Driver,
		args:    cfg.DriverArgs,
		shaping: cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "sandbox")
	return d, nil
}

// driverRequest is the document written to the driver's stdin.
type driverRequest struct {
	Group           string       `json:"group"`
	ChatID          string       `json:"chatId,omitempty"`
	Prompt          string       `json:"prompt"`
	SessionID       string       `json:"sessionId,omitempty"`
	ContextMode     string       `json:"contextMode,omitempty"`
	StreamDir       string       `json:"streamDir,omitempty"`
	Model           string       `json:"model,omitempty"`
	MaxToolSteps    int          `json:"maxToolSteps,omitempty"`
	TimeoutMs       int64        `json:"timeoutMs,omitempty"`
	ReasoningEffort string       `json:"reasoningEffort,omitempty"`
	ToolAllow       []string     `json:"toolAllow,omitempty"`
	ToolDeny        []string     `json:"toolDeny,omitempty"`
	TraceID         string       `json:"traceId,omitempty"`
	Source          string       `json:"source,omitempty"`
	Limits          driverLimits `json:"limits"`
}

// driverLimits is the resource shaping forwarded from container config.
type driverLimits struct {
	PidsLimit    int     `json:"pidsLimit,omitempty"`
	Memory       string  `json:"memory,omitempty"`
	CPUs         float64 `json:"cpus,omitempty"`
	ReadOnlyRoot bool    `json:"readOnlyRoot,omitempty"`
	TmpfsSize    string  `json:"tmpfsSize,omitempty"`
	RunUID       int     `json:"runUid,omitempty"`
	RunGID       int     `json:"runGid,omitempty"`
}

// driverResult is the document read from the driver's stdout. Status,
// result and error map onto Output; tools carries optional per-call
// telemetry recorded into the audit table.
type driverResult struct {
	Status string           `json:"status"`
	Result string           `json:"result"`
	Error  string           `json:"error,omitempty"`
	Tools  []driverToolCall `json:"tools,omitempty"`
}

type driverToolCall struct {
	ToolName   string `json:"toolName"`
	OK         bool   `json:"ok"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Run dispatches one turn. A decodable result document is authoritative
// even when the driver exits non-zero; everything else is a dispatch
// failure.
func (d *Driver) Run(ctx context.Context, req Request) (Output, error) {
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 && d.shaping.TimeoutMs > 0 {
		timeout = time.Duration(d.shaping.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(d.wireRequest(req))
	if err != nil {
		return Output{}, fmt.Errorf("sandbox: encode driver request: %w", err)
	}

	cmd := exec.CommandContext(ctx, d.path, d.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Output{}, fmt.Errorf("sandbox: driver run: %w", ctxErr)
	}

	var res driverResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		if runErr != nil {
			return Output{}, fmt.Errorf("sandbox: driver failed: %w: %s", runErr, tailOf(stderr.String()))
		}
		return Output{}, fmt.Errorf("sandbox: decode driver result: %w", err)
	}
	if res.Status == "" {
		return Output{}, errors.New("sandbox: driver result missing status")
	}

	d.recordTools(req, res.Tools)
	d.logger.Debug("driver run finished",
		"group", req.Group,
		"status", res.Status,
		"tools", len(res.Tools),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return Output{Status: res.Status, Result: res.Result, Error: res.Error}, nil
}

func (d *Driver) wireRequest(req Request) driverRequest {
	return driverRequest{
		Group:           req.Group,
		ChatID:          req.ChatID,
		Prompt:          req.Prompt,
		SessionID:       req.SessionID,
		ContextMode:     req.ContextMode,
		StreamDir:       req.StreamDir,
		Model:           req.ModelOverride,
		MaxToolSteps:    req.MaxToolSteps,
		TimeoutMs:       req.TimeoutMs,
		ReasoningEffort: req.ReasoningEffort,
		ToolAllow:       req.ToolAllow,
		ToolDeny:        req.ToolDeny,
		TraceID:         req.TraceID,
		Source:          req.Source,
		Limits: driverLimits{
			PidsLimit:    d.shaping.PidsLimit,
			Memory:       d.shaping.Memory,
			CPUs:         d.shaping.CPUs,
			ReadOnlyRoot: d.shaping.ReadOnlyRoot,
			TmpfsSize:    d.shaping.TmpfsSize,
			RunUID:       d.shaping.RunUID,
			RunGID:       d.shaping.RunGID,
		},
	}
}

// recordTools stamps the run identity onto the driver's tool telemetry
// and hands the whole batch to the recorder, so one run's entries land
// in one audit transaction.
func (d *Driver) recordTools(req Request, calls []driverToolCall) {
	if d.recorder == nil || len(calls) == 0 {
		return
	}
	entries := make([]models.ToolAuditEntry, 0, len(calls))
	for _, call := range calls {
		entries = append(entries, models.ToolAuditEntry{
			TraceID:    req.TraceID,
			ChatID:     req.ChatID,
			Group:      req.Group,
			ToolName:   call.ToolName,
			OK:         call.OK,
			DurationMs: call.DurationMs,
			Error:      call.Error,
			Source:     req.Source,
		})
	}
	d.recorder.RecordBatch(entries)
}

func tailOf(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > stderrTailBytes {
		s = s[len(s)-stderrTailBytes:]
	}
	return s
}
