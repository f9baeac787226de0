package memory

import (
	"context"
	"fmt"
	"time"
)

// MaintenanceResult reports what one maintenance pass did.
type MaintenanceResult struct {
	Expired  int
	Pruned   int
	Vacuumed bool
	Analyzed bool
}

// RunMaintenance deletes expired rows, prunes low-importance rows when
// the table exceeds its cap, and runs ANALYZE daily plus VACUUM on the
// configured interval. Prune never touches rows at or above the
// importance threshold, so the table may stay over cap.
func (m *Store) RunMaintenance(ctx context.Context) (MaintenanceResult, error) {
	var result MaintenanceResult
	now := m.now()

	expired, err := m.deleteExpired(ctx, now)
	if err != nil {
		return result, err
	}
	result.Expired = expired

	pruned, err := m.pruneOverCap(ctx)
	if err != nil {
		return result, err
	}
	result.Pruned = pruned

	if m.cfg.Maintenance.VacuumEnabled {
		interval := time.Duration(m.cfg.Maintenance.VacuumIntervalDays) * 24 * time.Hour
		if interval <= 0 {
			interval = 7 * 24 * time.Hour
		}
		if m.lastVacuum.IsZero() || now.Sub(m.lastVacuum) >= interval {
			if _, err := m.db.ExecContext(ctx, `VACUUM`); err != nil {
				m.logger.Warn("memory vacuum failed", "error", err)
			} else {
				m.lastVacuum = now
				result.Vacuumed = true
			}
		}
	}

	if m.lastAnalyze.IsZero() || now.Sub(m.lastAnalyze) >= 24*time.Hour {
		if _, err := m.db.ExecContext(ctx, `ANALYZE`); err != nil {
			m.logger.Warn("memory analyze failed", "error", err)
		} else {
			m.lastAnalyze = now
			result.Analyzed = true
		}
	}

	if result.Expired > 0 || result.Pruned > 0 {
		m.logger.Info("memory maintenance",
			"expired", result.Expired,
			"pruned", result.Pruned,
			"vacuumed", result.Vacuumed,
		)
	}
	m.updateItemGauge(ctx)
	return result, nil
}

func (m *Store) deleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := m.collectIDs(ctx, `
		SELECT id FROM memory_items
		WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("memory maintenance: expired: %w", err)
	}
	if err := m.Delete(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// pruneOverCap removes the oldest low-importance rows until the table is
// back under maxItems, or until no prunable rows remain.
func (m *Store) pruneOverCap(ctx context.Context) (int, error) {
	maxItems := m.cfg.Maintenance.MaxItems
	if maxItems <= 0 {
		return 0, nil
	}

	var total int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items`).Scan(&total); err != nil {
		return 0, fmt.Errorf("memory maintenance: count: %w", err)
	}
	excess := total - maxItems
	if excess <= 0 {
		return 0, nil
	}

	ids, err := m.collectIDs(ctx, `
		SELECT id FROM memory_items
		WHERE importance < ?
		ORDER BY updated_at ASC
		LIMIT ?`,
		m.cfg.Maintenance.PruneImportanceThreshold, excess)
	if err != nil {
		return 0, fmt.Errorf("memory maintenance: prune: %w", err)
	}
	if err := m.Delete(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (m *Store) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
