package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/pkg/models"
)

// fakeClock is a manually advanced clock for TTL and recency tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemory(t *testing.T, opts ...Option) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	st, err := store.Open(context.Background(), ":memory:", store.WithNow(clock.Now))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default().Host.Memory
	opts = append([]Option{WithNow(clock.Now)}, opts...)
	return New(st, cfg, "main", opts...), clock
}

func TestUpsert_InsertThenMerge(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	first, err := m.Upsert(ctx, []UpsertInput{{
		Group:      "main",
		Scope:      models.MemoryScopeGroup,
		Type:       models.MemoryTypeFact,
		Content:    "Ada likes coffee",
		Importance: 0.4,
		Confidence: 0.6,
		Tags:       []string{"drinks"},
	}})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("got %d items, want 1", len(first))
	}

	// Same normalized key: punctuation and case differ only.
	second, err := m.Upsert(ctx, []UpsertInput{{
		Group:      "main",
		Scope:      models.MemoryScopeGroup,
		Type:       models.MemoryTypeFact,
		Content:    "Ada likes coffee!!",
		Importance: 0.9,
		Confidence: 0.3,
		Tags:       []string{"Ada", "drinks"},
	}})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	merged := second[0]
	if merged.ID != first[0].ID {
		t.Fatalf("merge created a new row: %s vs %s", merged.ID, first[0].ID)
	}
	if merged.Importance != 0.9 {
		t.Errorf("importance = %v, want max 0.9", merged.Importance)
	}
	if merged.Confidence != 0.6 {
		t.Errorf("confidence = %v, want max 0.6", merged.Confidence)
	}
	if merged.Content != "Ada likes coffee!!" {
		t.Errorf("content = %q, want the longer phrasing", merged.Content)
	}
	if len(merged.Tags) != 2 {
		t.Errorf("tags = %v, want union of 2", merged.Tags)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memory_items`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1", count)
	}
}

func TestUpsert_ShorterContentKeepsExisting(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, []UpsertInput{{
		Group: "main", Type: models.MemoryTypeFact,
		Content: "ada likes strong black coffee",
	}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Same normalized key and same byte length: not longer, so the
	// existing phrasing stands.
	out, err := m.Upsert(ctx, []UpsertInput{{
		Group: "main", Type: models.MemoryTypeFact,
		Content: "Ada likes strong black coffee",
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if out[0].Content != "ada likes strong black coffee" {
		t.Errorf("content = %q, want existing kept", out[0].Content)
	}
}

func TestUpsert_ConflictKeySupersedes(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, []UpsertInput{{
		Group: "main", SubjectID: "u1", Type: models.MemoryTypePreference,
		ConflictKey: "favorite-drink", Content: "prefers tea",
	}}); err != nil {
		t.Fatalf("first: %v", err)
	}

	out, err := m.Upsert(ctx, []UpsertInput{{
		Group: "main", SubjectID: "u1", Type: models.MemoryTypePreference,
		ConflictKey: "favorite-drink", Content: "prefers coffee",
	}})
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if out[0].Content != "prefers coffee" {
		t.Errorf("content = %q", out[0].Content)
	}

	var count int
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_items WHERE conflict_key = 'favorite-drink'`,
	).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("conflict rows = %d, want exactly 1", count)
	}
}

func TestUpsert_BatchOrderIrrelevant(t *testing.T) {
	ctx := context.Background()

	drink := UpsertInput{
		Group: "main", SubjectID: "u1", Type: models.MemoryTypePreference,
		ConflictKey: "favorite-drink", Content: "Prefers green tea",
		Importance: 0.4, Confidence: 0.6, Tags: []string{"drink"},
	}
	workout := UpsertInput{
		Group: "main", SubjectID: "u1", Type: models.MemoryTypePreference,
		ConflictKey: "workout-time", Content: "trains in the mornings",
		Importance: 0.7, Tags: []string{"routine"},
	}
	// No conflict key; same normalized content as drink, so it merges.
	reinforce := UpsertInput{
		Group: "main", SubjectID: "u1", Type: models.MemoryTypePreference,
		Content: "prefers green tea!!", Importance: 0.9, Confidence: 0.3,
		Tags: []string{"beverage"},
	}

	type row struct {
		conflictKey string
		content     string
		importance  float64
		confidence  float64
		tags        string
	}
	finalRows := func(batch []UpsertInput) []row {
		t.Helper()
		m, _ := newTestMemory(t)
		if _, err := m.Upsert(ctx, batch); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		rows, err := m.db.QueryContext(ctx, `
			SELECT conflict_key, content, importance, confidence, tags_text
			FROM memory_items ORDER BY conflict_key`)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		defer rows.Close()
		var out []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.conflictKey, &r.content, &r.importance, &r.confidence, &r.tags); err != nil {
				t.Fatalf("scan: %v", err)
			}
			out = append(out, r)
		}
		if err := rows.Err(); err != nil {
			t.Fatalf("rows: %v", err)
		}
		return out
	}

	// Merge takes maxima, the longer phrasing and the tag union, so the
	// final rows must not depend on where in the batch each input sat.
	first := finalRows([]UpsertInput{drink, workout, reinforce})
	second := finalRows([]UpsertInput{reinforce, workout, drink})

	if len(first) != 2 {
		t.Fatalf("rows = %d, want 2", len(first))
	}
	if len(second) != len(first) {
		t.Fatalf("row counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("row %d differs by order: %+v vs %+v", i, first[i], second[i])
		}
	}
	if got := first[0]; got.conflictKey != "favorite-drink" ||
		got.content != "prefers green tea!!" || got.importance != 0.9 ||
		got.confidence != 0.6 || got.tags != "beverage drink" {
		t.Errorf("merged row = %+v", got)
	}
}

func TestUpsert_GlobalScopeRules(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	// Primary group writes land in the shared global partition.
	out, err := m.Upsert(ctx, []UpsertInput{{
		Group: "main", Scope: models.MemoryScopeGlobal,
		Type: models.MemoryTypeFact, Content: "the sky is blue",
	}})
	if err != nil {
		t.Fatalf("primary upsert: %v", err)
	}
	if out[0].Group != GlobalGroup || out[0].Scope != models.MemoryScopeGlobal {
		t.Errorf("primary global row = group %q scope %q", out[0].Group, out[0].Scope)
	}

	// Any other group is downgraded to group scope.
	out, err = m.Upsert(ctx, []UpsertInput{{
		Group: "sidechat", Scope: models.MemoryScopeGlobal,
		Type: models.MemoryTypeFact, Content: "water is wet",
	}})
	if err != nil {
		t.Fatalf("downgrade upsert: %v", err)
	}
	if out[0].Group != "sidechat" || out[0].Scope != models.MemoryScopeGroup {
		t.Errorf("downgraded row = group %q scope %q", out[0].Group, out[0].Scope)
	}
}

func TestUpsert_UserScopeRequiresSubject(t *testing.T) {
	m, _ := newTestMemory(t)
	_, err := m.Upsert(context.Background(), []UpsertInput{{
		Group: "main", Scope: models.MemoryScopeUser,
		Type: models.MemoryTypeFact, Content: "orphan",
	}})
	if err == nil {
		t.Fatal("want error for user scope without subject")
	}
}

func TestUpsert_TTL(t *testing.T) {
	m, clock := newTestMemory(t)
	out, err := m.Upsert(context.Background(), []UpsertInput{{
		Group: "main", Type: models.MemoryTypeNote,
		Content: "expires soon", TTLDays: 2,
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	want := clock.Now().Add(48 * time.Hour)
	if out[0].ExpiresAt == nil || !out[0].ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", out[0].ExpiresAt, want)
	}
}

func TestDefaultKind(t *testing.T) {
	tests := []struct {
		typ  models.MemoryType
		want models.MemoryKind
	}{
		{models.MemoryTypeIdentity, models.MemoryKindSemantic},
		{models.MemoryTypePreference, models.MemoryKindPreference},
		{models.MemoryTypeFact, models.MemoryKindSemantic},
		{models.MemoryTypeTask, models.MemoryKindProcedural},
		{models.MemoryTypeNote, models.MemoryKindEpisodic},
		{models.MemoryTypeArchive, models.MemoryKindEpisodic},
	}
	for _, tt := range tests {
		if got := DefaultKind(tt.typ); got != tt.want {
			t.Errorf("DefaultKind(%s) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Ada likes coffee", "ada likes coffee"},
		{"  Ada   LIKES\tcoffee!! ", "ada likes coffee"},
		{"café-склад №42", "café склад 42"},
		{"!!!", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatsFor(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	inputs := []UpsertInput{
		{Group: "main", SubjectID: "u1", Type: models.MemoryTypeFact, Content: "user fact one"},
		{Group: "main", SubjectID: "u2", Type: models.MemoryTypeFact, Content: "user fact two"},
		{Group: "main", Type: models.MemoryTypeFact, Content: "group fact"},
		{Group: "main", Scope: models.MemoryScopeGlobal, Type: models.MemoryTypeFact, Content: "global fact"},
		{Group: "other", Type: models.MemoryTypeFact, Content: "other group fact"},
	}
	if _, err := m.Upsert(ctx, inputs); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	stats, err := m.StatsFor(ctx, "main")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.User != 2 || stats.Group != 1 || stats.Global != 1 || stats.Total != 4 {
		t.Errorf("stats = %+v, want user=2 group=1 global=1 total=4", stats)
	}
}

func TestBehavior_Layering(t *testing.T) {
	m, clock := newTestMemory(t)
	ctx := context.Background()

	base, err := m.BehaviorFor(ctx, "main", "u1")
	if err != nil {
		t.Fatalf("base: %v", err)
	}
	if base.ResponseStyle != StyleBalanced || base.ToolCallingBias != 0.5 {
		t.Fatalf("defaults = %+v", base)
	}

	if err := m.SetBehavior(ctx, "main", "", map[string]any{
		"response_style":    StyleConcise,
		"tool_calling_bias": 0.7,
		"mystery_key":       true, // unknown keys are ignored
	}); err != nil {
		t.Fatalf("set group: %v", err)
	}
	if err := m.SetBehavior(ctx, "main", "u1", map[string]any{
		"tool_calling_bias": 1.8, // clamped to 1
	}); err != nil {
		t.Fatalf("set user: %v", err)
	}

	cfg, err := m.BehaviorFor(ctx, "main", "u1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.ResponseStyle != StyleConcise {
		t.Errorf("style = %q, want group layer %q", cfg.ResponseStyle, StyleConcise)
	}
	if cfg.ToolCallingBias != 1.0 {
		t.Errorf("tool bias = %v, want user layer clamped to 1", cfg.ToolCallingBias)
	}
	if cfg.LastUpdated == "" {
		t.Error("last_updated not set")
	}

	// Another user only sees the group layer.
	other, err := m.BehaviorFor(ctx, "main", "u2")
	if err != nil {
		t.Fatalf("other: %v", err)
	}
	if other.ToolCallingBias != 0.7 {
		t.Errorf("other tool bias = %v, want group 0.7", other.ToolCallingBias)
	}

	// Cache holds until the TTL elapses; SetBehavior purges it.
	if err := m.SetBehavior(ctx, "main", "u1", map[string]any{"caution_bias": 0.9}); err != nil {
		t.Fatalf("set again: %v", err)
	}
	fresh, err := m.BehaviorFor(ctx, "main", "u1")
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if fresh.CautionBias != 0.9 {
		t.Errorf("caution = %v after purge, want 0.9", fresh.CautionBias)
	}
	clock.Advance(10 * time.Minute)
	if _, err := m.BehaviorFor(ctx, "main", "u1"); err != nil {
		t.Fatalf("after ttl: %v", err)
	}
}

func TestBehavior_InvalidStyleIgnored(t *testing.T) {
	cfg := DefaultBehavior()
	applyBehaviorJSON(&cfg, `{"response_style":"sarcastic","caution_bias":-3}`)
	if cfg.ResponseStyle != StyleBalanced {
		t.Errorf("style = %q, want default kept", cfg.ResponseStyle)
	}
	if cfg.CautionBias != 0 {
		t.Errorf("caution = %v, want clamped to 0", cfg.CautionBias)
	}
}

func TestInferBehavior(t *testing.T) {
	tests := []struct {
		text      string
		wantKey   string
		wantValue any
		wantOK    bool
	}{
		{"please keep it short", "response_style", StyleConcise, true},
		{"can you explain more about this", "response_style", StyleDetailed, true},
		{"just look it up", "tool_calling_bias", 0.8, true},
		{"answer directly, no tools", "tool_calling_bias", 0.2, true},
		{"ask me first before deleting", "caution_bias", 0.8, true},
		{"the weather is nice", "", nil, false},
	}
	for _, tt := range tests {
		fields, ok := InferBehavior(tt.text)
		if ok != tt.wantOK {
			t.Errorf("InferBehavior(%q) matched=%v, want %v", tt.text, ok, tt.wantOK)
			continue
		}
		if !tt.wantOK {
			continue
		}
		if got := fields[tt.wantKey]; got != tt.wantValue {
			t.Errorf("InferBehavior(%q)[%s] = %v, want %v", tt.text, tt.wantKey, got, tt.wantValue)
		}
	}
}

func TestUserProfile(t *testing.T) {
	m, _ := newTestMemory(t)
	ctx := context.Background()

	if _, err := m.Upsert(ctx, []UpsertInput{
		{Group: "main", SubjectID: "u1", Type: models.MemoryTypeIdentity, Content: "works as a violinist", Importance: 0.9},
		{Group: "main", SubjectID: "u1", Type: models.MemoryTypePreference, Content: "prefers metric units", Importance: 0.8},
		{Group: "main", SubjectID: "u2", Type: models.MemoryTypeIdentity, Content: "someone else entirely", Importance: 0.95},
		{Group: "main", Type: models.MemoryTypeNote, Content: "notes are not profile material", Importance: 0.99},
	}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	lines, err := m.UserProfile(ctx, "main", "u1", 5)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want 2", lines)
	}
	if lines[0] != "(identity) works as a violinist" {
		t.Errorf("top line = %q", lines[0])
	}
}
