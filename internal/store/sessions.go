package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// GroupSession returns the group's active session binding.
func (s *Store) GroupSession(ctx context.Context, group string) (models.GroupSession, error) {
	var session models.GroupSession
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT "group", session_id, updated_at FROM group_sessions WHERE "group" = ?`,
		group,
	).Scan(&session.Group, &session.SessionID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return models.GroupSession{}, ErrNotFound
	}
	if err != nil {
		return models.GroupSession{}, fmt.Errorf("group session: %w", err)
	}
	session.UpdatedAt = fromMs(updated)
	return session, nil
}

// SetGroupSession binds the group to a session, replacing any previous
// binding. One active session per group.
func (s *Store) SetGroupSession(ctx context.Context, group, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_sessions ("group", session_id, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT("group") DO UPDATE SET
			session_id = excluded.session_id,
			updated_at = excluded.updated_at`,
		group, sessionID, ms(s.now()),
	)
	if err != nil {
		return fmt.Errorf("set group session: %w", err)
	}
	return nil
}
