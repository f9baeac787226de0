package models

import (
	"time"
)

// WorkflowStatus represents the lifecycle state of an orchestration run.
type WorkflowStatus string

const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowSucceeded WorkflowStatus = "succeeded"
	WorkflowPartial   WorkflowStatus = "partial"
	WorkflowFailed    WorkflowStatus = "failed"
)

// WorkflowRun is one fan-out orchestration: N sub-jobs joined under a
// deadline with an optional aggregation pass.
type WorkflowRun struct {
	ID     string `json:"id"`
	Group  string `json:"group"`
	ChatID string `json:"chat_id"`

	Status WorkflowStatus `json:"status"`

	// AggregatedResult holds the aggregation agent's output when an
	// aggregation prompt was supplied and produced one.
	AggregatedResult string `json:"aggregated_result,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// WorkflowStep is one named sub-task of a run. Step order is insertion
// order on (RunID, ID), which preserves spawn order.
type WorkflowStep struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	Name  string `json:"name"`

	// JobID links to the background job that executed the step; empty when
	// the spawn itself failed.
	JobID string `json:"job_id,omitempty"`

	Status        JobStatus `json:"status"`
	ResultSummary string    `json:"result_summary,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
