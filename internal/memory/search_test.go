package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

func seedFacts(t *testing.T, m *Store, inputs ...UpsertInput) {
	t.Helper()
	if _, err := m.Upsert(context.Background(), inputs); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func TestSearch_ScopeAndExpiryFilters(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	seedFacts(t, m,
		UpsertInput{Group: "main", SubjectID: "u1", Type: models.MemoryTypeFact, Content: "u1 coffee order is espresso"},
		UpsertInput{Group: "main", SubjectID: "u2", Type: models.MemoryTypeFact, Content: "u2 coffee order is latte"},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "the group coffee machine is broken"},
		UpsertInput{Group: "main", Scope: models.MemoryScopeGlobal, Type: models.MemoryTypeFact, Content: "coffee contains caffeine"},
		UpsertInput{Group: "elsewhere", Type: models.MemoryTypeFact, Content: "coffee in another group"},
		UpsertInput{Group: "main", Type: models.MemoryTypeNote, Content: "stale coffee coupon", TTLDays: 1},
	)
	clock.Advance(36 * time.Hour) // coupon expired

	scored, err := m.Search(ctx, SearchOptions{Group: "main", UserID: "u1", Query: "coffee"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	got := make(map[string]bool, len(scored))
	for _, s := range scored {
		got[s.Item.Content] = true
	}
	for _, want := range []string{
		"u1 coffee order is espresso",
		"the group coffee machine is broken",
		"coffee contains caffeine",
	} {
		if !got[want] {
			t.Errorf("missing %q in results %v", want, keys(got))
		}
	}
	for _, reject := range []string{
		"u2 coffee order is latte",
		"coffee in another group",
		"stale coffee coupon",
	} {
		if got[reject] {
			t.Errorf("leaked %q into results", reject)
		}
	}
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestSearch_PrefixMatch(t *testing.T) {
	m, _ := newTestMemory(t)
	if !m.store.FTSEnabled() {
		t.Skip("fts5 not compiled into driver")
	}

	seedFacts(t, m,
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "the kubernetes cluster lives in frankfurt"},
	)
	scored, err := m.Search(context.Background(), SearchOptions{Group: "main", Query: "kuber"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(scored) != 1 {
		t.Fatalf("prefix search returned %d rows, want 1", len(scored))
	}
}

func TestSearchFallback_RanksCoverage(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	seedFacts(t, m,
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "black coffee"},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "ada sometimes drinks black coffee on fridays after work"},
	)

	scored, err := m.searchFallback(ctx, SearchOptions{Group: "main", Query: "black coffee"},
		[]string{"black", "coffee"}, 10)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if len(scored) != 2 {
		t.Fatalf("got %d rows, want 2", len(scored))
	}
	// The exact two-token row is fully covered by the query and must
	// outrank the longer sentence.
	if scored[0].Item.Content != "black coffee" {
		t.Errorf("top = %q, want the fully covered row", scored[0].Item.Content)
	}
	if scored[0].Score <= scored[1].Score {
		t.Errorf("scores not ordered: %v <= %v", scored[0].Score, scored[1].Score)
	}
}

func TestSearchFallback_AndSemantics(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	seedFacts(t, m,
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "black coffee"},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "green tea"},
	)
	scored, err := m.searchFallback(ctx, SearchOptions{Group: "main"},
		[]string{"black", "tea"}, 10)
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if len(scored) != 0 {
		t.Errorf("AND semantics violated, got %v", scored)
	}
}

func TestTokenMatchRatio(t *testing.T) {
	item := models.MemoryItem{Normalized: "ada likes black coffee", Tags: []string{"drinks"}}
	tests := []struct {
		tokens []string
		want   float64
	}{
		{[]string{"black", "coffee"}, 2.0 / 5.0},
		{[]string{"ada", "likes", "black", "coffee", "drinks"}, 1.0},
		{[]string{"nothing"}, 0},
	}
	for _, tt := range tests {
		if got := tokenMatchRatio(item, tt.tokens); got != tt.want {
			t.Errorf("tokenMatchRatio(%v) = %v, want %v", tt.tokens, got, tt.want)
		}
	}
}

func TestQueryTokens(t *testing.T) {
	got := queryTokens("Black, black COFFEE!  now", 0)
	want := []string{"black", "coffee", "now"}
	if len(got) != len(want) {
		t.Fatalf("tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("tokens = %v, want %v", got, want)
		}
	}

	capped := queryTokens("one two three", 2)
	if len(capped) != 2 {
		t.Errorf("capped tokens = %v, want 2", capped)
	}
}

func TestFtsMatchQuery(t *testing.T) {
	got := ftsMatchQuery([]string{"cof", "bre"})
	if got != `"cof"* OR "bre"*` {
		t.Errorf("match query = %q", got)
	}
}

func TestRecall_BudgetAndMinScore(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	long := strings.Repeat("coffee beans ", 50) // ~162 tokens per line
	seedFacts(t, m,
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: long, Importance: 0.9},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "coffee is a drink", Importance: 0.9},
	)

	result, err := m.Recall(ctx, RecallOptions{
		Group:     "main",
		Query:     "coffee",
		MaxTokens: 60,
	})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if result.Tokens > 60 {
		t.Errorf("budget exceeded: %d tokens", result.Tokens)
	}
	for _, line := range result.Lines {
		if !strings.HasPrefix(line, "(fact) ") {
			t.Errorf("line %q missing type prefix", line)
		}
	}

	// An impossible floor filters everything.
	empty, err := m.Recall(ctx, RecallOptions{Group: "main", Query: "coffee", MinScore: 5})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(empty.Items) != 0 {
		t.Errorf("min score ignored, got %d items", len(empty.Items))
	}
}

// stubEmbedder maps known texts to fixed vectors.
type stubEmbedder struct {
	vectors map[string][]float32
	calls   int
}

func (e *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if vec, ok := e.vectors[text]; ok {
			out[i] = vec
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func TestRecall_BlendsEmbeddings(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{
		"violin practice":               {1, 0, 0},
		"ada plays violin every sunday": {0.9, 0.1, 0},
		"the dishwasher is loud":        {0, 1, 0},
	}}

	m, _ := newTestMemory(t, WithEmbedder(embedder))
	m.cfg.Embeddings.Enabled = true
	m.cfg.Embeddings.MinItems = 1
	ctx := context.Background()

	seedFacts(t, m,
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "ada plays violin every sunday"},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "the dishwasher is loud"},
	)
	if _, err := m.BackfillEmbeddings(ctx); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	result, err := m.Recall(ctx, RecallOptions{Group: "main", Query: "violin practice", MinScore: 0.01})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if !result.Blended {
		t.Fatal("vector blend did not run")
	}
	if len(result.Items) == 0 || result.Items[0].Item.Content != "ada plays violin every sunday" {
		t.Fatalf("top item = %+v, want the violin row first", result.Items)
	}

	// Repeat query hits the vector cache.
	calls := embedder.calls
	if _, err := m.Recall(ctx, RecallOptions{Group: "main", Query: "violin practice"}); err != nil {
		t.Fatalf("second recall: %v", err)
	}
	if embedder.calls != calls {
		t.Errorf("query cache miss: calls went %d -> %d", calls, embedder.calls)
	}
}

func TestBackfillEmbeddings(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{}}
	m, _ := newTestMemory(t, WithEmbedder(embedder))
	m.cfg.Embeddings.Enabled = true
	ctx := context.Background()

	seedFacts(t, m,
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "first"},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "second"},
	)

	n, err := m.BackfillEmbeddings(ctx)
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if n != 2 {
		t.Errorf("embedded %d rows, want 2", n)
	}

	n, err = m.BackfillEmbeddings(ctx)
	if err != nil {
		t.Fatalf("second backfill: %v", err)
	}
	if n != 0 {
		t.Errorf("re-embedded %d rows, want 0", n)
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 1},
		{[]float32{1, 0}, []float32{0, 1}, 0},
		{[]float32{1, 0}, []float32{-1, 0}, -1},
		{nil, []float32{1}, 0},
		{[]float32{1, 0}, []float32{1}, 0},
	}
	for _, tt := range tests {
		got := cosineSimilarity(tt.a, tt.b)
		if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("cosine(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"abcd", 1},
		{"abcde", 2},
		{"héllo", 2}, // 6 utf-8 bytes
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.in); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMaintenance_ExpireAndPrune(t *testing.T) {
	m, clock := newTestMemory(t)
	m.cfg.Maintenance.MaxItems = 3
	m.cfg.Maintenance.PruneImportanceThreshold = 0.5
	m.cfg.Maintenance.VacuumEnabled = true
	ctx := context.Background()

	seedFacts(t, m,
		UpsertInput{Group: "main", Type: models.MemoryTypeNote, Content: "ephemeral note", TTLDays: 1},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "low value one", Importance: 0.1},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "low value two", Importance: 0.2},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "keeper one", Importance: 0.9},
		UpsertInput{Group: "main", Type: models.MemoryTypeFact, Content: "keeper two", Importance: 0.9},
	)
	clock.Advance(48 * time.Hour)

	result, err := m.RunMaintenance(ctx)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if result.Expired != 1 {
		t.Errorf("expired = %d, want 1", result.Expired)
	}
	// 4 rows remain after expiry; cap 3 means one low-importance row goes.
	if result.Pruned != 1 {
		t.Errorf("pruned = %d, want 1", result.Pruned)
	}
	if !result.Vacuumed || !result.Analyzed {
		t.Errorf("vacuum/analyze = %v/%v, want both on first run", result.Vacuumed, result.Analyzed)
	}

	stats, err := m.StatsFor(ctx, "main")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total after maintenance = %d, want 3", stats.Total)
	}

	// High-importance rows are never pruned even over cap.
	m.cfg.Maintenance.MaxItems = 1
	result, err = m.RunMaintenance(ctx)
	if err != nil {
		t.Fatalf("maintenance: %v", err)
	}
	if result.Pruned != 1 {
		t.Errorf("pruned = %d, want only the remaining low-importance row", result.Pruned)
	}
	stats, _ = m.StatsFor(ctx, "main")
	if stats.Total != 2 {
		t.Errorf("total = %d, want the two keepers", stats.Total)
	}
}
