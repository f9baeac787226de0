package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// UpsertChat creates the chat on first sighting and refreshes its display
// name and last-activity stamp afterwards. Activity only moves forward.
func (s *Store) UpsertChat(ctx context.Context, chat models.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, display_name, last_activity)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != ''
				THEN excluded.display_name ELSE chats.display_name END,
			last_activity = MAX(chats.last_activity, excluded.last_activity)`,
		chat.ID, chat.DisplayName, ms(chat.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// GetChat returns one chat row.
func (s *Store) GetChat(ctx context.Context, id string) (models.Chat, error) {
	var chat models.Chat
	var activity int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, last_activity FROM chats WHERE id = ?`, id,
	).Scan(&chat.ID, &chat.DisplayName, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Chat{}, ErrNotFound
	}
	if err != nil {
		return models.Chat{}, fmt.Errorf("get chat: %w", err)
	}
	chat.LastActivity = fromMs(activity)
	return chat, nil
}

// InsertMessage stores one message, replacing any row with the same
// (msg_id, chat_id), and touches the chat's activity stamp.
func (s *Store) InsertMessage(ctx context.Context, msg models.ChatMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert message: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO messages
			(msg_id, chat_id, sender_id, sender_name, body, ts, from_self)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.MsgID, msg.ChatID, msg.SenderID, msg.SenderName,
		msg.Body, ms(msg.Timestamp), boolToInt(msg.FromSelf),
	); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chats (id, display_name, last_activity)
		VALUES (?, '', ?)
		ON CONFLICT(id) DO UPDATE SET
			last_activity = MAX(chats.last_activity, excluded.last_activity)`,
		msg.ChatID, ms(msg.Timestamp),
	); err != nil {
		return fmt.Errorf("insert message: touch chat: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert message: commit: %w", err)
	}
	return nil
}

// MessagesSince returns user messages after the cursor position, in
// (ts, numeric msg id) order. Ties on ts break by numeric id so
// millisecond-collision timestamps never replay.
func (s *Store) MessagesSince(ctx context.Context, cursor models.ChatCursor, limit int) ([]models.ChatMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT msg_id, chat_id, sender_id, sender_name, body, ts, from_self
		FROM messages
		WHERE chat_id = ? AND from_self = 0
			AND (ts > ? OR (ts = ? AND CAST(msg_id AS INTEGER) > CAST(? AS INTEGER)))
		ORDER BY ts, CAST(msg_id AS INTEGER)
		LIMIT ?`,
		cursor.ChatID, ms(cursor.LastSeenTS), ms(cursor.LastSeenTS), cursor.LastSeenMsgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()

	var out []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		var ts int64
		var fromSelf int
		if err := rows.Scan(&m.MsgID, &m.ChatID, &m.SenderID, &m.SenderName, &m.Body, &ts, &fromSelf); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Timestamp = fromMs(ts)
		m.FromSelf = fromSelf != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetCursor returns the chat's read bookmark; a zero cursor when the chat
// has never been read.
func (s *Store) GetCursor(ctx context.Context, chatID string) (models.ChatCursor, error) {
	cursor := models.ChatCursor{ChatID: chatID, LastSeenMsgID: "0"}
	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seen_ts, last_seen_msg_id FROM chat_cursors WHERE chat_id = ?`, chatID,
	).Scan(&ts, &cursor.LastSeenMsgID)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("get cursor: %w", err)
	}
	cursor.LastSeenTS = fromMs(ts)
	return cursor, nil
}

// AdvanceCursor moves the bookmark forward. Regressions are ignored so
// the cursor stays monotonic over (ts, numeric id).
func (s *Store) AdvanceCursor(ctx context.Context, cursor models.ChatCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chat_cursors (chat_id, last_seen_ts, last_seen_msg_id)
		VALUES (?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			last_seen_ts = excluded.last_seen_ts,
			last_seen_msg_id = excluded.last_seen_msg_id
		WHERE excluded.last_seen_ts > chat_cursors.last_seen_ts
			OR (excluded.last_seen_ts = chat_cursors.last_seen_ts
				AND CAST(excluded.last_seen_msg_id AS INTEGER) > CAST(chat_cursors.last_seen_msg_id AS INTEGER))`,
		cursor.ChatID, ms(cursor.LastSeenTS), cursor.LastSeenMsgID,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
