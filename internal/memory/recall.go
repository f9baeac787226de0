package memory

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// Embedder produces embedding vectors for texts, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// RecallOptions scope one recall call. Zero limits fall back to the
// configured recall bounds.
type RecallOptions struct {
	Group  string
	UserID string
	Query  string

	MaxResults int
	MaxTokens  int
	MinScore   float64
}

// RecallResult is the budgeted outcome of a recall: the scored survivors
// and the rendered prompt lines.
type RecallResult struct {
	Items  []Scored
	Lines  []string
	Tokens int

	// Blended is true when the vector side contributed to scores.
	Blended bool
}

// EstimateTokens approximates the prompt cost of a string as
// ceil(utf8 bytes / 4).
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// Recall runs text search, optionally blends cosine similarity over the
// embedded candidate pool, then renders "(<type>) <content>" lines until
// the token budget is spent.
func (m *Store) Recall(ctx context.Context, opts RecallOptions) (RecallResult, error) {
	start := m.now()

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = m.cfg.Recall.MaxResults
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = m.cfg.Recall.MaxTokens
	}
	minScore := opts.MinScore
	if minScore <= 0 {
		minScore = m.cfg.Recall.MinScore
	}

	scored, err := m.Search(ctx, SearchOptions{
		Group:  opts.Group,
		UserID: opts.UserID,
		Query:  opts.Query,
		Limit:  maxResults,
	})
	if err != nil {
		return RecallResult{}, err
	}

	blended := false
	if m.vectorEligible(opts.Query) {
		merged, ok := m.blendVectors(ctx, opts, scored)
		if ok {
			scored = merged
			blended = true
		}
	}

	var result RecallResult
	result.Blended = blended
	for _, s := range scored {
		if s.Score < minScore {
			continue
		}
		if len(result.Items) >= maxResults {
			break
		}
		line := fmt.Sprintf("(%s) %s", s.Item.Type, s.Item.Content)
		cost := EstimateTokens(line)
		if result.Tokens+cost > maxTokens {
			break
		}
		result.Items = append(result.Items, s)
		result.Lines = append(result.Lines, line)
		result.Tokens += cost
	}

	if m.metrics != nil {
		m.metrics.MemoryRecallDuration.Observe(m.now().Sub(start).Seconds())
	}
	return result, nil
}

func (m *Store) vectorEligible(query string) bool {
	return m.embedder != nil &&
		m.cfg.Embeddings.Enabled &&
		len(query) >= m.cfg.Embeddings.MinQueryChars
}

// blendVectors folds cosine similarity into the text scores. The pool is
// the most recently updated embedded rows visible to the caller; below
// the configured minimum pool size the text scores stand alone.
func (m *Store) blendVectors(ctx context.Context, opts RecallOptions, scored []Scored) ([]Scored, bool) {
	queryVec, err := m.queryVector(ctx, opts.Query)
	if err != nil {
		m.logger.Warn("query embedding failed, text-only recall", "error", err)
		return nil, false
	}

	pool, err := m.embeddedCandidates(ctx, opts.Group, opts.UserID)
	if err != nil {
		m.logger.Warn("embedding candidates failed, text-only recall", "error", err)
		return nil, false
	}
	if len(pool) < m.cfg.Embeddings.MinItems {
		return nil, false
	}

	weight := m.cfg.Embeddings.Weight
	textScores := make(map[string]float64, len(scored))
	for _, s := range scored {
		textScores[s.Item.ID] = s.Score
	}

	merged := make([]Scored, 0, len(pool)+len(scored))
	inPool := make(map[string]struct{}, len(pool))
	for _, item := range pool {
		inPool[item.ID] = struct{}{}
		cos := cosineSimilarity(queryVec, item.Embedding)
		merged = append(merged, Scored{
			Item:  item,
			Score: weight*cos + (1-weight)*textScores[item.ID],
		})
	}
	// Text hits without embeddings keep their text score at reduced
	// weight so they stay comparable to blended rows.
	for _, s := range scored {
		if _, ok := inPool[s.Item.ID]; ok {
			continue
		}
		merged = append(merged, Scored{Item: s.Item, Score: (1 - weight) * s.Score})
	}

	sortScored(merged)
	return merged, true
}

func (m *Store) embeddedCandidates(ctx context.Context, group, userID string) ([]models.MemoryItem, error) {
	limit := m.cfg.Embeddings.MaxCandidates
	if limit <= 0 {
		limit = 200
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+memoryColumns+` FROM memory_items
		WHERE embedding IS NOT NULL
			AND ("group" = ? OR "group" = ?)
			AND (scope != 'user' OR subject_id = ?)
			AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY updated_at DESC
		LIMIT ?`,
		group, GlobalGroup, userID, m.now().UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory recall: candidates: %w", err)
	}
	defer rows.Close()

	var out []models.MemoryItem
	for rows.Next() {
		item, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		if len(item.Embedding) == 0 {
			continue
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// queryVector embeds the query, serving repeats from a short-TTL cache.
func (m *Store) queryVector(ctx context.Context, query string) ([]float32, error) {
	if vec, ok := m.queries.get(query, m.now()); ok {
		return vec, nil
	}
	vecs, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vecs))
	}
	m.queries.put(query, vecs[0], m.now())
	return vecs[0], nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

const queryCacheMax = 64

type queryCacheEntry struct {
	vec       []float32
	expiresAt time.Time
}

type queryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]queryCacheEntry
}

func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{ttl: ttl, entries: make(map[string]queryCacheEntry)}
}

func (c *queryCache) get(query string, now time.Time) ([]float32, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[query]
	if !ok || now.After(entry.expiresAt) {
		delete(c.entries, query)
		return nil, false
	}
	return entry.vec, true
}

func (c *queryCache) put(query string, vec []float32, now time.Time) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= queryCacheMax {
		for key, entry := range c.entries {
			if now.After(entry.expiresAt) {
				delete(c.entries, key)
			}
		}
		// Still full of live entries: drop one arbitrarily.
		if len(c.entries) >= queryCacheMax {
			for key := range c.entries {
				delete(c.entries, key)
				break
			}
		}
	}
	c.entries[query] = queryCacheEntry{vec: vec, expiresAt: now.Add(c.ttl)}
}

// BackfillEmbeddings embeds up to the configured backlog of rows that
// have no vector yet and stores the results. It returns the number of
// rows embedded.
func (m *Store) BackfillEmbeddings(ctx context.Context) (int, error) {
	if m.embedder == nil || !m.cfg.Embeddings.Enabled {
		return 0, nil
	}
	backlog := m.cfg.Embeddings.MaxBacklog
	if backlog <= 0 {
		backlog = 256
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT id, content FROM memory_items
		WHERE embedding IS NULL AND content != ''
		ORDER BY updated_at DESC
		LIMIT ?`, backlog)
	if err != nil {
		return 0, fmt.Errorf("memory backfill: %w", err)
	}

	var ids []string
	var texts []string
	for rows.Next() {
		var id, content string
		if err := rows.Scan(&id, &content); err != nil {
			rows.Close()
			return 0, fmt.Errorf("memory backfill: %w", err)
		}
		ids = append(ids, id)
		texts = append(texts, content)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	vecs, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("memory backfill: embed: %w", err)
	}
	if len(vecs) != len(ids) {
		return 0, fmt.Errorf("memory backfill: embedder returned %d vectors for %d texts", len(vecs), len(ids))
	}

	stored := 0
	for i, id := range ids {
		if len(vecs[i]) == 0 {
			continue
		}
		if _, err := m.db.ExecContext(ctx,
			`UPDATE memory_items SET embedding = ? WHERE id = ? AND embedding IS NULL`,
			encodeEmbedding(vecs[i]), id,
		); err != nil {
			return stored, fmt.Errorf("memory backfill: store: %w", err)
		}
		stored++
	}
	return stored, nil
}

// RunEmbeddingIndexer backfills on the configured interval until the
// context is canceled. Callers run it in its own goroutine.
func (m *Store) RunEmbeddingIndexer(ctx context.Context) {
	if m.embedder == nil || !m.cfg.Embeddings.Enabled {
		return
	}
	interval := time.Duration(m.cfg.Embeddings.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("embedding indexer started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := m.BackfillEmbeddings(ctx)
			if err != nil {
				m.logger.Warn("embedding backfill failed", "error", err)
				continue
			}
			if n > 0 {
				m.logger.Debug("embedded memory rows", "count", n)
			}
		}
	}
}
