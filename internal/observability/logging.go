// Package observability wires the ambient concerns every dotclaw subsystem
// shares: structured logging, Prometheus metrics, and optional OTLP
// tracing.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"

	"golang.org/x/term"
)

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json", "text", or "auto". Auto picks text when stdout is
	// a terminal and json otherwise.
	Format string

	// Output defaults to os.Stdout.
	Output io.Writer

	// AddSource includes file:line in records.
	AddSource bool
}

// redactPatterns cover secrets that must never reach log sinks. Matching
// attr values are replaced wholesale; the key survives for debugging.
var redactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+\S+`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-.]{16,}`),
	regexp.MustCompile(`(?i)(secret|password|token)[\s:=]+\S{8,}`),
}

// NewLogger builds the process logger. Subsystems derive their own with
// logger.With("component", name).
func NewLogger(cfg LogConfig) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	switch resolveFormat(cfg.Format, out) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func resolveFormat(format string, out io.Writer) string {
	switch format {
	case "json", "text":
		return format
	}
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return "text"
	}
	return "json"
}

func redactAttr(_ []string, attr slog.Attr) slog.Attr {
	if attr.Value.Kind() != slog.KindString {
		return attr
	}
	value := attr.Value.String()
	for _, pattern := range redactPatterns {
		if pattern.MatchString(value) {
			attr.Value = slog.StringValue(pattern.ReplaceAllString(value, "[REDACTED]"))
		}
	}
	return attr
}
