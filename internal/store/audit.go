package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// reliabilityWindow is how many recent audit rows per group feed the
// tool-reliability projection.
const reliabilityWindow = 200

// InsertToolAudit appends one audit row. Every row carries trace id,
// group, tool name, outcome and timestamp.
func (s *Store) InsertToolAudit(ctx context.Context, entry models.ToolAuditEntry) error {
	if entry.TraceID == "" || entry.Group == "" || entry.ToolName == "" {
		return fmt.Errorf("insert tool audit: trace_id, group and tool_name are required")
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_audit
			(trace_id, chat_id, "group", user_id, tool_name, ok, duration_ms,
			error, created_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TraceID, entry.ChatID, entry.Group, entry.UserID,
		entry.ToolName, boolToInt(entry.OK), entry.DurationMs, entry.Error,
		ms(created), entry.Source,
	)
	if err != nil {
		return fmt.Errorf("insert tool audit: %w", err)
	}
	return nil
}

// InsertToolAuditBatch writes several audit rows in one transaction. Used
// by the async audit writer's flush.
func (s *Store) InsertToolAuditBatch(ctx context.Context, entries []models.ToolAuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit batch: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tool_audit
			(trace_id, chat_id, "group", user_id, tool_name, ok, duration_ms,
			error, created_at, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("audit batch: prepare: %w", err)
	}
	defer stmt.Close()

	for _, entry := range entries {
		if entry.TraceID == "" || entry.Group == "" || entry.ToolName == "" {
			continue
		}
		created := entry.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		if _, err := stmt.ExecContext(ctx,
			entry.TraceID, entry.ChatID, entry.Group, entry.UserID,
			entry.ToolName, boolToInt(entry.OK), entry.DurationMs,
			entry.Error, ms(created), entry.Source,
		); err != nil {
			return fmt.Errorf("audit batch: %w", err)
		}
	}
	return tx.Commit()
}

// ToolReliability projects the group's most recent audit rows (up to 200)
// into per-tool success rate and mean duration, busiest tools first.
func (s *Store) ToolReliability(ctx context.Context, group string) ([]models.ToolReliability, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_name, ok, duration_ms FROM (
			SELECT tool_name, ok, duration_ms, created_at, id
			FROM tool_audit
			WHERE "group" = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`,
		group, reliabilityWindow,
	)
	if err != nil {
		return nil, fmt.Errorf("tool reliability: %w", err)
	}
	defer rows.Close()

	type acc struct {
		calls    int
		ok       int
		duration int64
	}
	byTool := map[string]*acc{}
	for rows.Next() {
		var name string
		var ok int
		var duration int64
		if err := rows.Scan(&name, &ok, &duration); err != nil {
			return nil, fmt.Errorf("tool reliability: scan: %w", err)
		}
		a := byTool[name]
		if a == nil {
			a = &acc{}
			byTool[name] = a
		}
		a.calls++
		a.ok += ok
		a.duration += duration
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.ToolReliability, 0, len(byTool))
	for name, a := range byTool {
		out = append(out, models.ToolReliability{
			ToolName:      name,
			Calls:         a.calls,
			SuccessRate:   float64(a.ok) / float64(a.calls),
			AvgDurationMs: float64(a.duration) / float64(a.calls),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Calls != out[j].Calls {
			return out[i].Calls > out[j].Calls
		}
		return out[i].ToolName < out[j].ToolName
	})
	return out, nil
}

// PurgeToolAudit deletes audit rows older than the cutoff.
func (s *Store) PurgeToolAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_audit WHERE created_at < ?`, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge tool audit: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
