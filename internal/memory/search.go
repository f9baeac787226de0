package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

const (
	// DefaultSearchLimit matches the recall default result cap.
	DefaultSearchLimit = 12
	// MaxSearchLimit is the hard ceiling regardless of caller request.
	MaxSearchLimit = 50
	// maxFallbackTokens bounds the AND-ed LIKE clauses.
	maxFallbackTokens = 10

	recencyHalfLifeDays = 30.0

	bm25Weight       = 0.55
	importanceWeight = 0.30
	recencyWeight    = 0.15

	fallbackRatioWeight      = 0.5
	fallbackImportanceWeight = 0.3
	fallbackRecencyWeight    = 0.2
)

// SearchOptions scope a text search.
type SearchOptions struct {
	Group  string
	UserID string
	Query  string
	Limit  int
}

// Scored pairs an item with its relevance score in [0, 1].
type Scored struct {
	Item  models.MemoryItem
	Score float64
}

// Search runs the BM25 path when FTS5 is available and the LIKE fallback
// otherwise. Rows are restricted to the group (plus globals), the
// requesting user for user-scope rows, and unexpired entries; results
// come back highest score first.
func (m *Store) Search(ctx context.Context, opts SearchOptions) ([]Scored, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	tokens := queryTokens(opts.Query, 0)
	if len(tokens) == 0 {
		return nil, nil
	}

	var (
		scored []Scored
		err    error
	)
	if m.store.FTSEnabled() {
		scored, err = m.searchFTS(ctx, opts, tokens, limit)
	} else {
		scored, err = m.searchFallback(ctx, opts, tokens, limit)
	}
	if err != nil {
		return nil, err
	}

	m.touchAccessed(ctx, scored)
	return scored, nil
}

// searchFTS matches any token as a prefix, lets BM25 order the candidate
// pool, then reranks by text rank, importance and recency.
func (m *Store) searchFTS(ctx context.Context, opts SearchOptions, tokens []string, limit int) ([]Scored, error) {
	match := ftsMatchQuery(tokens)
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+prefixedMemoryColumns+`
		FROM memory_fts f
		JOIN memory_items m ON m.id = f.item_id
		WHERE memory_fts MATCH ?
			AND (m."group" = ? OR m."group" = ?)
			AND (m.scope != 'user' OR m.subject_id = ?)
			AND (m.expires_at IS NULL OR m.expires_at > ?)
		ORDER BY f.rank
		LIMIT ?`,
		match, opts.Group, GlobalGroup, opts.UserID, m.now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory search: fts: %w", err)
	}
	defer rows.Close()

	now := m.now()
	var scored []Scored
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		// FTS5 rank values are negative and unbounded, so the text term
		// uses the reciprocal of the row's position in the BM25 order.
		text := 1.0 / (1.0 + float64(len(scored)))
		score := bm25Weight*text +
			importanceWeight*item.Importance +
			recencyWeight*recencyScore(now, item.UpdatedAt)
		scored = append(scored, Scored{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory search: fts: %w", err)
	}

	sortScored(scored)
	return scored, nil
}

// searchFallback AND-matches up to ten tokens against the normalized
// content and tag text with LIKE, then ranks by how much of the row the
// query covers.
func (m *Store) searchFallback(ctx context.Context, opts SearchOptions, tokens []string, limit int) ([]Scored, error) {
	if len(tokens) > maxFallbackTokens {
		tokens = tokens[:maxFallbackTokens]
	}

	var sb strings.Builder
	sb.WriteString(`
		SELECT ` + memoryColumns + ` FROM memory_items
		WHERE ("group" = ? OR "group" = ?)
			AND (scope != 'user' OR subject_id = ?)
			AND (expires_at IS NULL OR expires_at > ?)`)
	args := []any{opts.Group, GlobalGroup, opts.UserID, m.now().UnixMilli()}
	for _, token := range tokens {
		sb.WriteString(` AND (normalized LIKE ? OR tags_text LIKE ?)`)
		pattern := "%" + token + "%"
		args = append(args, pattern, pattern)
	}
	sb.WriteString(` ORDER BY updated_at DESC LIMIT ?`)
	args = append(args, fallbackCandidateLimit(limit))

	rows, err := m.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("memory search: fallback: %w", err)
	}
	defer rows.Close()

	now := m.now()
	var scored []Scored
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		score := fallbackRatioWeight*tokenMatchRatio(item, tokens) +
			fallbackImportanceWeight*item.Importance +
			fallbackRecencyWeight*recencyScore(now, item.UpdatedAt)
		scored = append(scored, Scored{Item: item, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory search: fallback: %w", err)
	}

	sortScored(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

func fallbackCandidateLimit(limit int) int {
	candidates := limit * 4
	if candidates < 50 {
		candidates = 50
	}
	return candidates
}

// tokenMatchRatio measures how much of the row's own text the query
// covers: shorter rows that the query matches completely rank above long
// rows that merely contain every token.
func tokenMatchRatio(item models.MemoryItem, queryTokens []string) float64 {
	rowTokens := strings.Fields(item.Normalized + " " + strings.Join(item.Tags, " "))
	if len(rowTokens) == 0 {
		return 0
	}
	query := make(map[string]struct{}, len(queryTokens))
	for _, token := range queryTokens {
		query[token] = struct{}{}
	}

	seen := make(map[string]struct{}, len(rowTokens))
	total, matched := 0, 0
	for _, token := range rowTokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		total++
		if _, ok := query[token]; ok {
			matched++
			continue
		}
		for q := range query {
			if strings.Contains(token, q) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(total)
}

func recencyScore(now time.Time, updatedAt time.Time) float64 {
	ageDays := now.Sub(updatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp(-ageDays / recencyHalfLifeDays)
}

func sortScored(scored []Scored) {
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Item.UpdatedAt.After(scored[j].Item.UpdatedAt)
	})
}

// ftsMatchQuery ORs quoted prefix terms: `"coffee"* OR "bre"*`.
func ftsMatchQuery(tokens []string) string {
	parts := make([]string, 0, len(tokens))
	for _, token := range tokens {
		parts = append(parts, `"`+token+`"*`)
	}
	return strings.Join(parts, " OR ")
}

// queryTokens normalizes and splits a query, deduping while preserving
// order. A non-positive max keeps every token.
func queryTokens(query string, max int) []string {
	fields := strings.Fields(Normalize(query))
	var out []string
	seen := make(map[string]struct{}, len(fields))
	for _, field := range fields {
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// touchAccessed stamps last_accessed_at on returned rows, best effort.
func (m *Store) touchAccessed(ctx context.Context, scored []Scored) {
	if len(scored) == 0 {
		return
	}
	now := m.now().UnixMilli()
	for _, s := range scored {
		if _, err := m.db.ExecContext(ctx,
			`UPDATE memory_items SET last_accessed_at = ? WHERE id = ?`,
			now, s.Item.ID,
		); err != nil {
			m.logger.Debug("touch accessed failed", "id", s.Item.ID, "error", err)
			return
		}
	}
}

const prefixedMemoryColumns = `m.id, m."group", m.scope, m.subject_id, m.type,
	m.kind, m.conflict_key, m.content, m.normalized, m.importance, m.confidence,
	m.tags, m.tags_text, m.created_at, m.updated_at, m.last_accessed_at,
	m.expires_at, m.source, m.metadata, m.embedding`
