// Package memory implements the scope-partitioned fact store: conflict-key
// upserts with merge semantics, BM25 search with a LIKE fallback, hybrid
// vector recall, preference projection, and retention maintenance.
//
// Rows live in the shared store database (memory_items plus the
// memory_fts index when FTS5 is available); this package owns their SQL.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// GlobalGroup is the group value global-scope rows are stored under, so
// one filter term makes them visible to every group.
const GlobalGroup = "global"

// ErrInvalidItem is returned when an upsert input violates the scope
// invariants (user scope without a subject, or a subject off user scope).
var ErrInvalidItem = errors.New("memory: invalid item")

// Store is the memory layer over the shared database.
type Store struct {
	db           *sql.DB
	store        *store.Store
	cfg          config.MemoryConfig
	primaryGroup string
	logger       *slog.Logger
	metrics      *observability.Metrics
	now          func() time.Time

	embedder Embedder
	queries  *queryCache

	behavior *behaviorCache

	lastVacuum  time.Time
	lastAnalyze time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger; defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Store) { m.logger = logger }
}

// WithNow injects the clock used for stamps, TTLs and recency decay.
func WithNow(now func() time.Time) Option {
	return func(m *Store) { m.now = now }
}

// WithMetrics wires the memory gauges and recall histogram.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Store) { m.metrics = metrics }
}

// WithEmbedder enables the vector side of hybrid recall. Without one,
// recall is text-only regardless of config.
func WithEmbedder(e Embedder) Option {
	return func(m *Store) { m.embedder = e }
}

// New builds the memory layer on the shared store.
func New(st *store.Store, cfg config.MemoryConfig, primaryGroup string, opts ...Option) *Store {
	m := &Store{
		db:           st.DB(),
		store:        st,
		cfg:          cfg,
		primaryGroup: primaryGroup,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "memory")
	m.queries = newQueryCache(time.Duration(cfg.Embeddings.QueryCacheTtlMs) * time.Millisecond)
	m.behavior = newBehaviorCache(time.Duration(cfg.BehaviorCacheTtlMs) * time.Millisecond)
	return m
}

// Normalize is the dedup and fallback-search key: lowercase,
// non-alphanumerics to spaces, runs collapsed, trimmed.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// UpsertInput is one fact to store or merge.
type UpsertInput struct {
	Group     string
	Scope     models.MemoryScope
	SubjectID string

	Type models.MemoryType
	// Kind defaults from Type when empty.
	Kind models.MemoryKind

	// ConflictKey supersedes prior rows with the same key within
	// (group, scope, subject, type) before the merge lookup.
	ConflictKey string

	Content    string
	Importance float64
	Confidence float64
	Tags       []string

	// TTLDays sets expires_at = now + days; 0 keeps the row forever.
	TTLDays int

	Source   string
	Metadata map[string]any
}

// Upsert stores a batch of facts in one transaction. Each input either
// merges into the row sharing its (group, scope, subject, type,
// normalized) key or inserts fresh; merged rows take the maximum
// importance and confidence, the longer content, and the tag union.
// The returned slice holds the final rows in input order.
func (m *Store) Upsert(ctx context.Context, inputs []UpsertInput) ([]models.MemoryItem, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("memory upsert: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]models.MemoryItem, 0, len(inputs))
	for _, in := range inputs {
		item, err := m.upsertOne(ctx, tx, in)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("memory upsert: commit: %w", err)
	}
	m.updateItemGauge(ctx)
	return out, nil
}

func (m *Store) upsertOne(ctx context.Context, tx *sql.Tx, in UpsertInput) (models.MemoryItem, error) {
	in, err := m.resolveInput(in)
	if err != nil {
		return models.MemoryItem{}, err
	}

	now := m.now()
	normalized := Normalize(in.Content)
	var expiresAt *time.Time
	if in.TTLDays > 0 {
		t := now.Add(time.Duration(in.TTLDays) * 24 * time.Hour)
		expiresAt = &t
	}

	if in.ConflictKey != "" {
		if err := m.deleteConflicting(ctx, tx, in); err != nil {
			return models.MemoryItem{}, err
		}
	}

	existing, err := m.lookupByNormalized(ctx, tx, in, normalized)
	switch {
	case err == nil:
		return m.mergeRow(ctx, tx, existing, in, now, expiresAt)
	case errors.Is(err, sql.ErrNoRows):
		return m.insertRow(ctx, tx, in, normalized, now, expiresAt)
	default:
		return models.MemoryItem{}, fmt.Errorf("memory upsert: lookup: %w", err)
	}
}

// resolveInput applies the scope invariants: a subject forces user scope,
// user scope requires a subject, and global scope is reserved for the
// primary group (downgraded to group scope elsewhere, and stored under
// the shared global group when allowed).
func (m *Store) resolveInput(in UpsertInput) (UpsertInput, error) {
	if strings.TrimSpace(in.Content) == "" {
		return in, fmt.Errorf("%w: empty content", ErrInvalidItem)
	}
	if in.Group == "" {
		return in, fmt.Errorf("%w: missing group", ErrInvalidItem)
	}
	if in.Scope == "" {
		if in.SubjectID != "" {
			in.Scope = models.MemoryScopeUser
		} else {
			in.Scope = models.MemoryScopeGroup
		}
	}

	switch in.Scope {
	case models.MemoryScopeUser:
		if in.SubjectID == "" {
			return in, fmt.Errorf("%w: user scope requires subject_id", ErrInvalidItem)
		}
	case models.MemoryScopeGroup:
		in.SubjectID = ""
	case models.MemoryScopeGlobal:
		in.SubjectID = ""
		if in.Group != m.primaryGroup {
			in.Scope = models.MemoryScopeGroup
		} else {
			in.Group = GlobalGroup
		}
	default:
		return in, fmt.Errorf("%w: unknown scope %q", ErrInvalidItem, in.Scope)
	}

	if in.Type == "" {
		in.Type = models.MemoryTypeFact
	}
	if in.Kind == "" {
		in.Kind = DefaultKind(in.Type)
	}
	in.Importance = clamp01OrDefault(in.Importance)
	in.Confidence = clamp01OrDefault(in.Confidence)
	return in, nil
}

// DefaultKind maps a memory type to its kind when the caller gave none.
func DefaultKind(t models.MemoryType) models.MemoryKind {
	switch t {
	case models.MemoryTypePreference:
		return models.MemoryKindPreference
	case models.MemoryTypeTask:
		return models.MemoryKindProcedural
	case models.MemoryTypeNote, models.MemoryTypeArchive:
		return models.MemoryKindEpisodic
	default:
		return models.MemoryKindSemantic
	}
}

func clamp01OrDefault(v float64) float64 {
	if v <= 0 {
		return 0.5
	}
	if v > 1 {
		return 1
	}
	return v
}

func (m *Store) deleteConflicting(ctx context.Context, tx *sql.Tx, in UpsertInput) error {
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM memory_items
		WHERE "group" = ? AND scope = ? AND subject_id = ? AND type = ? AND conflict_key = ?
		RETURNING id`,
		in.Group, string(in.Scope), in.SubjectID, string(in.Type), in.ConflictKey,
	)
	if err != nil {
		return fmt.Errorf("memory upsert: conflict delete: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("memory upsert: conflict delete: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return m.deleteFTS(ctx, tx, ids)
}

func (m *Store) lookupByNormalized(ctx context.Context, tx *sql.Tx, in UpsertInput, normalized string) (models.MemoryItem, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_items
		WHERE "group" = ? AND scope = ? AND subject_id = ? AND type = ? AND normalized = ?
		LIMIT 1`,
		in.Group, string(in.Scope), in.SubjectID, string(in.Type), normalized,
	)
	return scanMemory(row)
}

func (m *Store) mergeRow(ctx context.Context, tx *sql.Tx, existing models.MemoryItem, in UpsertInput, now time.Time, expiresAt *time.Time) (models.MemoryItem, error) {
	merged := existing
	if in.Importance > merged.Importance {
		merged.Importance = in.Importance
	}
	if in.Confidence > merged.Confidence {
		merged.Confidence = in.Confidence
	}
	// The longer phrasing wins; the importance bump above is the primary
	// freshness signal.
	contentChanged := false
	if len(in.Content) > len(merged.Content) {
		merged.Content = in.Content
		contentChanged = true
	}
	merged.Tags = unionTags(merged.Tags, in.Tags)
	if in.ConflictKey != "" {
		merged.ConflictKey = in.ConflictKey
	}
	if in.Source != "" {
		merged.Source = in.Source
	}
	if expiresAt != nil {
		merged.ExpiresAt = expiresAt
	}
	merged.UpdatedAt = now
	if contentChanged {
		merged.Embedding = nil
		merged.Normalized = Normalize(merged.Content)
	}

	tagsJSON, tagsText := encodeTags(merged.Tags)
	var embedding any
	if merged.Embedding != nil {
		embedding = encodeEmbedding(merged.Embedding)
	}

	_, err := tx.ExecContext(ctx, `
		UPDATE memory_items SET
			content = ?, normalized = ?, importance = ?, confidence = ?,
			tags = ?, tags_text = ?, conflict_key = ?, source = ?,
			updated_at = ?, expires_at = ?, embedding = ?
		WHERE id = ?`,
		merged.Content, merged.Normalized, merged.Importance, merged.Confidence,
		tagsJSON, tagsText, merged.ConflictKey, merged.Source,
		now.UnixMilli(), nullableMs(merged.ExpiresAt), embedding, merged.ID,
	)
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("memory upsert: merge: %w", err)
	}

	if err := m.syncFTS(ctx, tx, merged.ID, merged.Content, tagsText); err != nil {
		return models.MemoryItem{}, err
	}
	return merged, nil
}

func (m *Store) insertRow(ctx context.Context, tx *sql.Tx, in UpsertInput, normalized string, now time.Time, expiresAt *time.Time) (models.MemoryItem, error) {
	item := models.MemoryItem{
		ID:          uuid.NewString(),
		Group:       in.Group,
		Scope:       in.Scope,
		SubjectID:   in.SubjectID,
		Type:        in.Type,
		Kind:        in.Kind,
		ConflictKey: in.ConflictKey,
		Content:     in.Content,
		Normalized:  normalized,
		Importance:  in.Importance,
		Confidence:  in.Confidence,
		Tags:        normalizeTags(in.Tags),
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   expiresAt,
		Source:      in.Source,
		Metadata:    in.Metadata,
	}

	tagsJSON, tagsText := encodeTags(item.Tags)
	var metadata any
	if len(item.Metadata) > 0 {
		encoded, err := json.Marshal(item.Metadata)
		if err != nil {
			return models.MemoryItem{}, fmt.Errorf("memory upsert: metadata: %w", err)
		}
		metadata = string(encoded)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_items
			(id, "group", scope, subject_id, type, kind, conflict_key, content,
			normalized, importance, confidence, tags, tags_text, created_at,
			updated_at, expires_at, source, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.Group, string(item.Scope), item.SubjectID, string(item.Type),
		string(item.Kind), item.ConflictKey, item.Content, item.Normalized,
		item.Importance, item.Confidence, tagsJSON, tagsText,
		now.UnixMilli(), now.UnixMilli(), nullableMs(expiresAt), item.Source, metadata,
	)
	if err != nil {
		return models.MemoryItem{}, fmt.Errorf("memory upsert: insert: %w", err)
	}

	if err := m.syncFTS(ctx, tx, item.ID, item.Content, tagsText); err != nil {
		return models.MemoryItem{}, err
	}
	return item, nil
}

// syncFTS keeps the FTS row aligned with the item. No-op when the probe
// found no FTS5 support.
func (m *Store) syncFTS(ctx context.Context, tx *sql.Tx, id, content, tagsText string) error {
	if !m.store.FTSEnabled() {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE item_id = ?`, id); err != nil {
		return fmt.Errorf("memory fts: delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_fts (item_id, content, tags) VALUES (?, ?, ?)`,
		id, content, tagsText,
	); err != nil {
		return fmt.Errorf("memory fts: insert: %w", err)
	}
	return nil
}

func (m *Store) deleteFTS(ctx context.Context, tx *sql.Tx, ids []string) error {
	if !m.store.FTSEnabled() || len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_fts WHERE item_id = ?`, id); err != nil {
			return fmt.Errorf("memory fts: delete: %w", err)
		}
	}
	return nil
}

// Get returns one row by id.
func (m *Store) Get(ctx context.Context, id string) (models.MemoryItem, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_items WHERE id = ?`, id)
	item, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MemoryItem{}, store.ErrNotFound
	}
	return item, err
}

// Delete removes rows by id, including their FTS entries.
func (m *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("memory delete: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_items WHERE id = ?`, id); err != nil {
			return fmt.Errorf("memory delete: %w", err)
		}
	}
	if err := m.deleteFTS(ctx, tx, ids); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("memory delete: commit: %w", err)
	}
	m.updateItemGauge(ctx)
	return nil
}

// Stats are per-scope row counts visible to one group.
type Stats struct {
	User   int `json:"user"`
	Group  int `json:"group"`
	Global int `json:"global"`
	Total  int `json:"total"`
}

// StatsFor counts rows visible to the group, per scope.
func (m *Store) StatsFor(ctx context.Context, group string) (Stats, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT scope, COUNT(*) FROM memory_items
		WHERE "group" = ? OR "group" = ?
		GROUP BY scope`,
		group, GlobalGroup,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("memory stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var scope string
		var count int
		if err := rows.Scan(&scope, &count); err != nil {
			return Stats{}, fmt.Errorf("memory stats: %w", err)
		}
		switch models.MemoryScope(scope) {
		case models.MemoryScopeUser:
			stats.User = count
		case models.MemoryScopeGroup:
			stats.Group = count
		case models.MemoryScopeGlobal:
			stats.Global = count
		}
		stats.Total += count
	}
	return stats, rows.Err()
}

func (m *Store) updateItemGauge(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	var total float64
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items`).Scan(&total); err != nil {
		return
	}
	m.metrics.MemoryItems.Set(total)
}

const memoryColumns = `id, "group", scope, subject_id, type, kind, conflict_key,
	content, normalized, importance, confidence, tags, tags_text, created_at,
	updated_at, last_accessed_at, expires_at, source, metadata, embedding`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (models.MemoryItem, error) {
	var item models.MemoryItem
	var scope, typ, kind string
	var tagsJSON, tagsText string
	var created, updated int64
	var accessed, expires sql.NullInt64
	var metadata, embedding sql.NullString

	err := row.Scan(
		&item.ID, &item.Group, &scope, &item.SubjectID, &typ, &kind,
		&item.ConflictKey, &item.Content, &item.Normalized, &item.Importance,
		&item.Confidence, &tagsJSON, &tagsText, &created, &updated,
		&accessed, &expires, &item.Source, &metadata, &embedding,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("scan memory: %w", err)
	}

	item.Scope = models.MemoryScope(scope)
	item.Type = models.MemoryType(typ)
	item.Kind = models.MemoryKind(kind)
	if tagsJSON != "" {
		_ = json.Unmarshal([]byte(tagsJSON), &item.Tags)
	}
	item.CreatedAt = time.UnixMilli(created).UTC()
	item.UpdatedAt = time.UnixMilli(updated).UTC()
	if accessed.Valid {
		t := time.UnixMilli(accessed.Int64).UTC()
		item.LastAccessedAt = &t
	}
	if expires.Valid {
		t := time.UnixMilli(expires.Int64).UTC()
		item.ExpiresAt = &t
	}
	if metadata.Valid && metadata.String != "" {
		_ = json.Unmarshal([]byte(metadata.String), &item.Metadata)
	}
	if embedding.Valid && embedding.String != "" {
		item.Embedding = decodeEmbedding(embedding.String)
	}
	return item, nil
}

func nullableMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func normalizeTags(tags []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(tags))
	for _, tag := range tags {
		cleaned := strings.ToLower(strings.TrimSpace(tag))
		if cleaned == "" {
			continue
		}
		if _, dup := seen[cleaned]; dup {
			continue
		}
		seen[cleaned] = struct{}{}
		out = append(out, cleaned)
	}
	return out
}

func unionTags(a, b []string) []string {
	merged := normalizeTags(append(append([]string{}, a...), b...))
	sort.Strings(merged)
	return merged
}

func encodeTags(tags []string) (string, string) {
	if len(tags) == 0 {
		return "[]", ""
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		return "[]", ""
	}
	return string(encoded), strings.Join(tags, " ")
}

func encodeEmbedding(vec []float32) string {
	encoded, err := json.Marshal(vec)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeEmbedding(raw string) []float32 {
	var vec []float32
	if err := json.Unmarshal([]byte(raw), &vec); err != nil {
		return nil
	}
	return vec
}
