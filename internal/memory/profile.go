package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// DefaultProfileSize is the line count for user profiles when the caller
// does not bound them.
const DefaultProfileSize = 8

// BehaviorConflictKey marks the preference rows that carry a behavior
// layer as a JSON object in their content.
const BehaviorConflictKey = "behavior"

// ResponseStyle values accepted in behavior config.
const (
	StyleConcise  = "concise"
	StyleBalanced = "balanced"
	StyleDetailed = "detailed"
)

// BehaviorConfig is the typed projection of the per-group and per-user
// behavior preferences. Numerics are clamped to [0, 1]; unknown keys in
// the stored JSON are ignored.
type BehaviorConfig struct {
	ToolCallingBias           float64 `json:"tool_calling_bias"`
	MemoryImportanceThreshold float64 `json:"memory_importance_threshold"`
	ResponseStyle             string  `json:"response_style"`
	CautionBias               float64 `json:"caution_bias"`
	LastUpdated               string  `json:"last_updated,omitempty"`
	Notes                     string  `json:"notes,omitempty"`
}

// DefaultBehavior is the base layer before group and user overlays.
func DefaultBehavior() BehaviorConfig {
	return BehaviorConfig{
		ToolCallingBias:           0.5,
		MemoryImportanceThreshold: 0.3,
		ResponseStyle:             StyleBalanced,
		CautionBias:               0.5,
	}
}

// UserProfile renders the top-k high-importance identity, preference,
// relationship and project memories visible to the user as prompt lines.
func (m *Store) UserProfile(ctx context.Context, group, userID string, k int) ([]string, error) {
	if k <= 0 {
		k = DefaultProfileSize
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_items
		WHERE ("group" = ? OR "group" = ?)
			AND (scope != 'user' OR subject_id = ?)
			AND type IN ('identity', 'preference', 'relationship', 'project')
			AND conflict_key != ?
			AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY importance DESC, updated_at DESC
		LIMIT ?`,
		group, GlobalGroup, userID, BehaviorConflictKey, m.now().UnixMilli(), k,
	)
	if err != nil {
		return nil, fmt.Errorf("memory profile: %w", err)
	}
	defer rows.Close()

	var lines []string
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		lines = append(lines, fmt.Sprintf("(%s) %s", item.Type, item.Content))
	}
	return lines, rows.Err()
}

// BehaviorFor resolves the effective behavior config for a user:
// defaults overlaid by the group layer, overlaid by the user layer.
// Results are cached for the configured TTL.
func (m *Store) BehaviorFor(ctx context.Context, group, userID string) (BehaviorConfig, error) {
	cacheKey := group + "\x00" + userID
	if cfg, ok := m.behavior.get(cacheKey, m.now()); ok {
		return cfg, nil
	}

	cfg := DefaultBehavior()
	var lastUpdated time.Time

	groupRow, err := m.behaviorRow(ctx, group, models.MemoryScopeGroup, "")
	if err != nil {
		return cfg, err
	}
	if groupRow != nil {
		applyBehaviorJSON(&cfg, groupRow.Content)
		lastUpdated = groupRow.UpdatedAt
	}

	if userID != "" {
		userRow, err := m.behaviorRow(ctx, group, models.MemoryScopeUser, userID)
		if err != nil {
			return cfg, err
		}
		if userRow != nil {
			applyBehaviorJSON(&cfg, userRow.Content)
			if userRow.UpdatedAt.After(lastUpdated) {
				lastUpdated = userRow.UpdatedAt
			}
		}
	}

	if !lastUpdated.IsZero() {
		cfg.LastUpdated = lastUpdated.UTC().Format(time.RFC3339)
	}
	m.behavior.put(cacheKey, cfg, m.now())
	return cfg, nil
}

func (m *Store) behaviorRow(ctx context.Context, group string, scope models.MemoryScope, subjectID string) (*models.MemoryItem, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_items
		WHERE "group" = ? AND scope = ? AND subject_id = ?
			AND type = ? AND conflict_key = ?
		ORDER BY updated_at DESC
		LIMIT 1`,
		group, string(scope), subjectID, string(models.MemoryTypePreference), BehaviorConflictKey,
	)
	item, err := scanMemory(row)
	switch {
	case err == nil:
		return &item, nil
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	default:
		return nil, fmt.Errorf("memory behavior: %w", err)
	}
}

// SetBehavior merges fields into one behavior layer (user when subjectID
// is set, group otherwise) and invalidates the cache.
func (m *Store) SetBehavior(ctx context.Context, group, subjectID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	scope := models.MemoryScopeGroup
	if subjectID != "" {
		scope = models.MemoryScopeUser
	}

	merged := make(map[string]any)
	if row, err := m.behaviorRow(ctx, group, scope, subjectID); err == nil && row != nil {
		_ = json.Unmarshal([]byte(row.Content), &merged)
	}
	for key, value := range fields {
		merged[key] = value
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("memory behavior: encode: %w", err)
	}

	_, err = m.Upsert(ctx, []UpsertInput{{
		Group:       group,
		Scope:       scope,
		SubjectID:   subjectID,
		Type:        models.MemoryTypePreference,
		Kind:        models.MemoryKindPreference,
		ConflictKey: BehaviorConflictKey,
		Content:     string(encoded),
		Importance:  0.9,
		Confidence:  0.9,
		Source:      "behavior",
	}})
	if err != nil {
		return err
	}
	m.behavior.purge()
	return nil
}

// applyBehaviorJSON overlays one stored layer onto cfg. Unknown keys and
// malformed values are ignored; numerics are clamped to [0, 1].
func applyBehaviorJSON(cfg *BehaviorConfig, raw string) {
	var layer map[string]any
	if err := json.Unmarshal([]byte(raw), &layer); err != nil {
		return
	}
	for key, value := range layer {
		switch key {
		case "tool_calling_bias":
			if f, ok := asFloat(value); ok {
				cfg.ToolCallingBias = clamp01(f)
			}
		case "memory_importance_threshold":
			if f, ok := asFloat(value); ok {
				cfg.MemoryImportanceThreshold = clamp01(f)
			}
		case "caution_bias":
			if f, ok := asFloat(value); ok {
				cfg.CautionBias = clamp01(f)
			}
		case "response_style":
			if s, ok := value.(string); ok {
				switch s {
				case StyleConcise, StyleBalanced, StyleDetailed:
					cfg.ResponseStyle = s
				}
			}
		case "notes":
			if s, ok := value.(string); ok {
				cfg.Notes = s
			}
		}
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	}
	return 0, false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// behaviorRule maps a phrase to the behavior fields it implies.
type behaviorRule struct {
	phrases []string
	fields  map[string]any
}

var behaviorRules = []behaviorRule{
	{
		phrases: []string{"keep it short", "be brief", "be concise", "shorter answers", "less detail", "too long", "tl;dr"},
		fields:  map[string]any{"response_style": StyleConcise},
	},
	{
		phrases: []string{"more detail", "be thorough", "explain more", "in depth", "go deeper", "too short"},
		fields:  map[string]any{"response_style": StyleDetailed},
	},
	{
		phrases: []string{"use tools", "search the web", "look it up", "check online"},
		fields:  map[string]any{"tool_calling_bias": 0.8},
	},
	{
		phrases: []string{"don't use tools", "no tools", "stop searching", "answer directly", "without tools"},
		fields:  map[string]any{"tool_calling_bias": 0.2},
	},
	{
		phrases: []string{"be careful", "double-check", "double check", "ask before", "confirm first", "ask me first"},
		fields:  map[string]any{"caution_bias": 0.8},
	},
	{
		phrases: []string{"just do it", "don't ask", "stop asking", "stop confirming", "no need to confirm"},
		fields:  map[string]any{"caution_bias": 0.2},
	},
}

// InferBehavior classifies free text into behavior fields. It is a pure
// function; later rules override earlier ones on the same field. The
// bool reports whether anything matched.
func InferBehavior(text string) (map[string]any, bool) {
	lowered := strings.ToLower(text)
	fields := make(map[string]any)
	for _, rule := range behaviorRules {
		for _, phrase := range rule.phrases {
			if strings.Contains(lowered, phrase) {
				for key, value := range rule.fields {
					fields[key] = value
				}
				break
			}
		}
	}
	if len(fields) == 0 {
		return nil, false
	}
	return fields, true
}

type behaviorCacheEntry struct {
	cfg       BehaviorConfig
	expiresAt time.Time
}

type behaviorCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]behaviorCacheEntry
}

func newBehaviorCache(ttl time.Duration) *behaviorCache {
	return &behaviorCache{ttl: ttl, entries: make(map[string]behaviorCacheEntry)}
}

func (c *behaviorCache) get(key string, now time.Time) (BehaviorConfig, bool) {
	if c.ttl <= 0 {
		return BehaviorConfig{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		delete(c.entries, key)
		return BehaviorConfig{}, false
	}
	return entry.cfg, true
}

func (c *behaviorCache) put(key string, cfg BehaviorConfig, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = behaviorCacheEntry{cfg: cfg, expiresAt: now.Add(c.ttl)}
}

func (c *behaviorCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]behaviorCacheEntry)
}
