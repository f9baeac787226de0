// Package sandbox defines the contract between the host and the container
// runtime that executes agent turns. The host never shells out directly;
// everything goes through a Runtime so tests can substitute a fake.
package sandbox

import (
	"context"
)

// Output is the result envelope the container runtime hands back.
// Status is "ok" or "error"; Error is set only on "error".
type Output struct {
	Status string `json:"status"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the run finished without a runtime-level error.
func (o Output) OK() bool {
	return o.Status == StatusOK
}

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request describes one agent run to dispatch into the container.
type Request struct {
	Group  string
	ChatID string
	Prompt string

	// SessionID pins the run to a session directory. Empty lets the
	// runtime resolve the group's active session.
	SessionID string

	// ContextMode is "group" (live session) or "isolated" (snapshot).
	ContextMode string

	// Lane tags the run for semaphore accounting when UseSemaphore is set.
	Lane string

	// UseSemaphore and UseGroupLock are disabled by callers that enforce
	// their own concurrency, such as the background-job engine.
	UseSemaphore bool
	UseGroupLock bool

	// StreamDir, when set, is the IPC directory the runtime writes
	// chunk files and sentinels into.
	StreamDir string

	ModelOverride string
	MaxToolSteps  int
	TimeoutMs     int64

	// ReasoningEffort is high, medium, low or off; the dispatcher
	// downgrades it across failover retries.
	ReasoningEffort string

	ToolAllow []string
	ToolDeny  []string

	TraceID string
	Source  string
}

// Runtime executes agent runs inside the container boundary.
type Runtime interface {
	// Run blocks until the agent turn finishes or ctx is done. A non-nil
	// error means the dispatch itself failed; agent-level failures come
	// back inside Output with Status "error".
	Run(ctx context.Context, req Request) (Output, error)
}

// RuntimeFunc adapts a function to the Runtime interface.
type RuntimeFunc func(ctx context.Context, req Request) (Output, error)

func (f RuntimeFunc) Run(ctx context.Context, req Request) (Output, error) {
	return f(ctx, req)
}
