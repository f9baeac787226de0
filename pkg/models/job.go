package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a background job.
type JobStatus string

const (
	// JobQueued means the job is waiting to be claimed by the engine.
	JobQueued JobStatus = "queued"
	// JobRunning means a runner holds the job's lease.
	JobRunning JobStatus = "running"
	// JobSucceeded means the job finished without error.
	JobSucceeded JobStatus = "succeeded"
	// JobFailed means the job finished with an error.
	JobFailed JobStatus = "failed"
	// JobCanceled means the job was canceled from queued or running.
	JobCanceled JobStatus = "canceled"
	// JobTimedOut means the job exceeded its wall-clock budget or lease.
	JobTimedOut JobStatus = "timed_out"
)

// IsTerminal reports whether the status is absorbing. Terminal jobs never
// re-acquire a lease and their rows are immutable apart from retention.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCanceled, JobTimedOut:
		return true
	}
	return false
}

// Job is a persistent background job row. The job engine is the sole
// mutator of Status and the lease fields.
type Job struct {
	ID     string `json:"id"`
	Group  string `json:"group"`
	ChatID string `json:"chat_id"`
	Prompt string `json:"prompt"`

	// ContextMode selects whether the run shares the group session or an
	// isolated snapshot ("group" or "isolated").
	ContextMode string `json:"context_mode"`

	Status JobStatus `json:"status"`

	// TimeoutMs overrides the engine's default wall-clock budget when > 0.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxToolSteps caps agent tool iterations for this job when > 0.
	MaxToolSteps int `json:"max_tool_steps,omitempty"`

	// ToolPolicyJSON carries request-level allow/deny overrides.
	ToolPolicyJSON string `json:"tool_policy_json,omitempty"`

	// ModelOverride pins the run to a specific model; validated against
	// the configured allowlist at enqueue time.
	ModelOverride string `json:"model_override,omitempty"`

	// Priority orders claims; higher claims first, ties by creation time.
	Priority int `json:"priority"`

	// Tags are free-form labels. A tag matching eta:<minutes> feeds the
	// progress pinger.
	Tags []string `json:"tags,omitempty"`

	// ParentTraceID links the job to the request that spawned it.
	ParentTraceID string `json:"parent_trace_id,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	LastError     string `json:"last_error,omitempty"`
	ResultSummary string `json:"result_summary,omitempty"`

	// OutputPath is set, relative to the group workspace, when the result
	// exceeded the inline budget and was spilled to disk.
	OutputPath      string `json:"output_path,omitempty"`
	OutputTruncated bool   `json:"output_truncated,omitempty"`
}

// JobEventLevel classifies entries in a job's append-only event log.
type JobEventLevel string

const (
	JobEventInfo     JobEventLevel = "info"
	JobEventProgress JobEventLevel = "progress"
	JobEventWarn     JobEventLevel = "warn"
	JobEventError    JobEventLevel = "error"
)

// JobEvent is one append-only log entry for a job.
type JobEvent struct {
	ID        int64         `json:"id"`
	JobID     string        `json:"job_id"`
	Level     JobEventLevel `json:"level"`
	Message   string        `json:"message"`
	CreatedAt time.Time     `json:"created_at"`
}
