package models

import (
	"time"
)

// ToolAuditEntry is one append-only record of a tool invocation. Entries
// always carry TraceID, Group, ToolName, OK and CreatedAt.
type ToolAuditEntry struct {
	TraceID    string    `json:"trace_id"`
	ChatID     string    `json:"chat_id,omitempty"`
	Group      string    `json:"group"`
	UserID     string    `json:"user_id,omitempty"`
	ToolName   string    `json:"tool_name"`
	OK         bool      `json:"ok"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`

	// Source distinguishes interactive runs from jobs and tasks.
	Source string `json:"source,omitempty"`
}

// ToolReliability is the per-tool projection of recent audit rows used to
// hint the agent about flaky tools.
type ToolReliability struct {
	ToolName      string  `json:"tool_name"`
	Calls         int     `json:"calls"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}
