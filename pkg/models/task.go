package models

import (
	"time"
)

// ScheduleKind selects how a scheduled task computes its next run.
type ScheduleKind string

const (
	// ScheduleCron fires on a cron expression evaluated in the task timezone.
	ScheduleCron ScheduleKind = "cron"
	// ScheduleOnce fires a single time; success is terminal.
	ScheduleOnce ScheduleKind = "once"
	// ScheduleInterval fires at a fixed duration after each run.
	ScheduleInterval ScheduleKind = "interval"
)

// ContextMode selects the session context an agent run executes in.
type ContextMode string

const (
	// ContextGroup runs inside the group's live session.
	ContextGroup ContextMode = "group"
	// ContextIsolated runs against a snapshot copy of the session.
	ContextIsolated ContextMode = "isolated"
)

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
)

// Task is a persistent scheduled task.
type Task struct {
	ID     string `json:"id"`
	Group  string `json:"group"`
	ChatID string `json:"chat_id"`
	Prompt string `json:"prompt"`

	ScheduleKind  ScheduleKind `json:"schedule_kind"`
	ScheduleValue string       `json:"schedule_value"`

	// Timezone is the IANA zone cron expressions are evaluated in.
	// Empty means the host default.
	Timezone string `json:"timezone,omitempty"`

	ContextMode ContextMode `json:"context_mode"`

	NextRun *time.Time `json:"next_run,omitempty"`
	LastRun *time.Time `json:"last_run,omitempty"`

	LastResult string `json:"last_result,omitempty"`

	// State is an opaque blob the task's agent may carry between runs.
	State string `json:"state,omitempty"`

	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	Status TaskStatus `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TaskRun is one append-only run-log row for a task.
type TaskRun struct {
	ID         int64     `json:"id"`
	TaskID     string    `json:"task_id"`
	RunAt      time.Time `json:"run_at"`
	OK         bool      `json:"ok"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}
