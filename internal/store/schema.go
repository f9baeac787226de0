package store

import (
	"context"
	"fmt"
)

// tables is the base schema. Statements must stay idempotent; upgrades
// happen through the additive migrations below, never by editing these
// in place.
var tables = []string{
	`CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_activity INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		msg_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		ts INTEGER NOT NULL,
		from_self INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (msg_id, chat_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_cursors (
		chat_id TEXT PRIMARY KEY,
		last_seen_ts INTEGER NOT NULL,
		last_seen_msg_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		schedule_kind TEXT NOT NULL,
		schedule_value TEXT NOT NULL,
		timezone TEXT NOT NULL DEFAULT '',
		context_mode TEXT NOT NULL DEFAULT 'group',
		next_run INTEGER,
		last_run INTEGER,
		last_result TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS task_run_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES scheduled_tasks(id),
		run_at INTEGER NOT NULL,
		ok INTEGER NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS background_jobs (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		prompt TEXT NOT NULL,
		context_mode TEXT NOT NULL DEFAULT 'isolated',
		status TEXT NOT NULL DEFAULT 'queued',
		timeout_ms INTEGER NOT NULL DEFAULT 0,
		max_tool_steps INTEGER NOT NULL DEFAULT 0,
		tool_policy_json TEXT NOT NULL DEFAULT '',
		model_override TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '[]',
		parent_trace_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		started_at INTEGER,
		finished_at INTEGER,
		lease_expires_at INTEGER,
		last_error TEXT NOT NULL DEFAULT '',
		result_summary TEXT NOT NULL DEFAULT '',
		output_path TEXT NOT NULL DEFAULT '',
		output_truncated INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS background_job_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL REFERENCES background_jobs(id),
		level TEXT NOT NULL DEFAULT 'info',
		message TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tool_audit (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trace_id TEXT NOT NULL,
		chat_id TEXT NOT NULL DEFAULT '',
		"group" TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL,
		ok INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		source TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS memory_items (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		scope TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		kind TEXT NOT NULL,
		conflict_key TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		normalized TEXT NOT NULL,
		importance REAL NOT NULL DEFAULT 0.5,
		confidence REAL NOT NULL DEFAULT 0.5,
		tags TEXT NOT NULL DEFAULT '[]',
		tags_text TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		last_accessed_at INTEGER,
		expires_at INTEGER,
		source TEXT NOT NULL DEFAULT '',
		metadata TEXT,
		embedding TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS memory_sources (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		hash TEXT NOT NULL,
		indexed_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS group_sessions (
		"group" TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		"group" TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		aggregated_result TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		finished_at INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL REFERENCES workflow_runs(id),
		name TEXT NOT NULL,
		job_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'queued',
		result_summary TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS agent_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL,
		"group" TEXT NOT NULL,
		body TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS message_traces (
		trace_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL DEFAULT '',
		"group" TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'turn',
		detail TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS user_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		chat_id TEXT NOT NULL DEFAULT '',
		"group" TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`,
}

// migrations are additive column upgrades for databases created by older
// builds. Errors ("duplicate column name") are ignored.
var migrations = []string{
	`ALTER TABLE scheduled_tasks ADD COLUMN timezone TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE scheduled_tasks ADD COLUMN state TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE background_jobs ADD COLUMN tags TEXT NOT NULL DEFAULT '[]'`,
	`ALTER TABLE background_jobs ADD COLUMN parent_trace_id TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE background_jobs ADD COLUMN output_path TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE background_jobs ADD COLUMN output_truncated INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE tool_audit ADD COLUMN source TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE memory_items ADD COLUMN conflict_key TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE memory_items ADD COLUMN tags_text TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE memory_items ADD COLUMN metadata TEXT`,
	`ALTER TABLE memory_items ADD COLUMN embedding TEXT`,
	`ALTER TABLE user_feedback ADD COLUMN user_id TEXT NOT NULL DEFAULT ''`,
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_ts ON messages(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(next_run, status)`,
	`CREATE INDEX IF NOT EXISTS idx_task_runs ON task_run_logs(task_id, run_at)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_trace ON tool_audit(trace_id)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_group_time ON tool_audit("group", created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_scope ON memory_items("group", scope, subject_id)`,
	`CREATE INDEX IF NOT EXISTS idx_memory_conflict ON memory_items("group", scope, subject_id, type, conflict_key)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON background_jobs(status, priority, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_job_events ON background_job_events(job_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_workflow_steps ON workflow_steps(run_id, id)`,
	`CREATE INDEX IF NOT EXISTS idx_agent_queue_status ON agent_queue(status, updated_at)`,
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: create table: %w", err)
		}
	}

	// Best-effort, silent when already applied.
	for _, stmt := range migrations {
		_, _ = s.db.ExecContext(ctx, stmt)
	}

	for _, ddl := range indexes {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: create index: %w", err)
		}
	}

	// FTS5 probe. Builds without the fts5 extension fall back to LIKE
	// search in internal/memory.
	if _, err := s.db.ExecContext(ctx,
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(item_id UNINDEXED, content, tags)`,
	); err != nil {
		s.logger.Warn("fts5 unavailable, using fallback search", "error", err)
		s.ftsEnabled = false
	} else {
		s.ftsEnabled = true
	}

	return nil
}
