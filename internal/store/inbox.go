package store

import (
	"context"
	"fmt"
	"time"
)

// Inbound queue entries track turn processing so crashes are visible and
// finished entries age out through maintenance.

// EnqueueTurn records an inbound turn as pending. Returns the entry id.
func (s *Store) EnqueueTurn(ctx context.Context, chatID, group, body string) (int64, error) {
	now := ms(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_queue (chat_id, "group", body, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		chatID, group, body, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue turn: %w", err)
	}
	return res.LastInsertId()
}

// FinishTurn marks a queue entry completed or errored.
func (s *Store) FinishTurn(ctx context.Context, id int64, ok bool, errMsg string) error {
	status := "completed"
	if !ok {
		status = "error"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE agent_queue SET status = ?, error = ?, updated_at = ?
		WHERE id = ?`,
		status, errMsg, ms(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("finish turn: %w", err)
	}
	return nil
}

// PurgeFinishedTurns deletes completed and errored queue entries older
// than the cutoff.
func (s *Store) PurgeFinishedTurns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM agent_queue WHERE status != 'pending' AND updated_at < ?`,
		ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge turns: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordTrace stores one message-trace row keyed by trace id. Duplicate
// ids overwrite, so retried turns keep a single row.
func (s *Store) RecordTrace(ctx context.Context, traceID, chatID, group, kind, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO message_traces (trace_id, chat_id, "group", kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		traceID, chatID, group, kind, detail, ms(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record trace: %w", err)
	}
	return nil
}

// PurgeTraces deletes message traces older than the cutoff.
func (s *Store) PurgeTraces(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM message_traces WHERE created_at < ?`, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge traces: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RecordFeedback stores one user-feedback note.
func (s *Store) RecordFeedback(ctx context.Context, chatID, group, userID, body string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_feedback (chat_id, "group", user_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		chatID, group, userID, body, ms(s.now()),
	)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

// PurgeFeedback deletes feedback rows older than the cutoff.
func (s *Store) PurgeFeedback(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM user_feedback WHERE created_at < ?`, ms(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purge feedback: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
