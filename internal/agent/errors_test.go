package agent

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		want    Category
	}{
		{"request aborted by user", CategoryAborted},
		{"context canceled", CategoryAborted},
		{"401 unauthorized", CategoryAuth},
		{"invalid api key provided", CategoryAuth},
		{"insufficient_credit on account", CategoryAuth},
		{"prompt is too long: context window exceeded", CategoryContextOverflow},
		{"input exceeds token limit", CategoryContextOverflow},
		{"429 too many requests", CategoryRateLimit},
		{"rate_limit_error: slow down", CategoryRateLimit},
		{"request timed out after 300s", CategoryTimeout},
		{"context deadline exceeded", CategoryTimeout},
		{"upstream returned 503", CategoryOverloaded},
		{"model is overloaded", CategoryOverloaded},
		{"failed to parse completion payload", CategoryInvalidResponse},
		{"empty response from model", CategoryInvalidResponse},
		{"dial tcp: connection refused", CategoryTransport},
		{"lookup api.example: no such host", CategoryTransport},
		{"ECONNRESET", CategoryTransport},
		{"segmentation fault in plugin", CategoryNonRetryable},
		{"", CategoryNonRetryable},
	}
	for _, tt := range tests {
		if got := Classify(tt.message); got != tt.want {
			t.Errorf("Classify(%q) = %s, want %s", tt.message, got, tt.want)
		}
	}
}

func TestClassify_OrderPreemption(t *testing.T) {
	// A message carrying both abort and timeout markers classifies as
	// aborted: earlier rules win.
	if got := Classify("aborted while waiting: deadline exceeded"); got != CategoryAborted {
		t.Errorf("got %s, want aborted", got)
	}
	// Auth beats rate limit.
	if got := Classify("403 rate limit policy rejected key"); got != CategoryAuth {
		t.Errorf("got %s, want auth", got)
	}
}

func TestCategory_Retryable(t *testing.T) {
	retryable := []Category{CategoryRateLimit, CategoryTimeout, CategoryOverloaded, CategoryTransport, CategoryInvalidResponse}
	for _, c := range retryable {
		if !c.Retryable() {
			t.Errorf("%s should be retryable", c)
		}
	}
	terminal := []Category{CategoryAborted, CategoryAuth, CategoryContextOverflow, CategoryNonRetryable}
	for _, c := range terminal {
		if c.Retryable() {
			t.Errorf("%s should not be retryable", c)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	long := "429  too   many\nrequests: " + strings.Repeat("x", 400)

	env := NewEnvelope(errors.New(long), "sandbox", "claude-sonnet-4", 0, now)
	if env.Category != CategoryRateLimit || !env.Retryable {
		t.Errorf("envelope = %+v", env)
	}
	if env.Attempt != 1 {
		t.Errorf("attempt = %d, want floor of 1", env.Attempt)
	}
	if env.StatusCode != 429 {
		t.Errorf("status = %d, want 429", env.StatusCode)
	}
	if len(env.Message) > 240 {
		t.Errorf("message not truncated: %d chars", len(env.Message))
	}
	if strings.Contains(env.Message, "\n") || strings.Contains(env.Message, "  ") {
		t.Errorf("message not compacted: %q", env.Message)
	}
	if !env.Timestamp.Equal(now) {
		t.Errorf("timestamp = %v", env.Timestamp)
	}
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		category Category
		want     Severity
	}{
		{CategoryAuth, SeverityError},
		{CategoryContextOverflow, SeverityInfo},
		{CategoryTimeout, SeverityWarn},
		{CategoryRateLimit, SeverityWarn},
		{CategoryNonRetryable, SeverityError},
		{CategoryAborted, SeverityError},
	}
	for _, tt := range tests {
		if got := SeverityFor(tt.category); got != tt.want {
			t.Errorf("SeverityFor(%s) = %s, want %s", tt.category, got, tt.want)
		}
	}
}

func TestHumanize(t *testing.T) {
	msg, severity := Humanize("429 too many requests")
	if !strings.Contains(msg, "rate-limiting") || severity != SeverityWarn {
		t.Errorf("rate limit -> %q (%s)", msg, severity)
	}

	msg, severity = Humanize("401 unauthorized: bad key")
	if !strings.Contains(msg, "credentials") || severity != SeverityError {
		t.Errorf("auth -> %q (%s)", msg, severity)
	}

	msg, severity = Humanize("prompt is too long for context window")
	if severity != SeverityInfo {
		t.Errorf("overflow severity = %s", severity)
	}
	if msg == "" {
		t.Error("overflow message empty")
	}

	// Container patterns override category text.
	msg, _ = Humanize("Error response from daemon: no such container: dotclaw-main")
	if !strings.Contains(msg, "sandbox") {
		t.Errorf("container -> %q", msg)
	}

	msg, _ = Humanize("some entirely novel failure")
	if !strings.Contains(msg, "retry won't fix") {
		t.Errorf("fallback -> %q", msg)
	}
}
