package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/pkg/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
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

func newTestWriter(t *testing.T, opts ...WriterOption) (*Writer, *store.Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()

	st, err := store.Open(context.Background(), ":memory:", store.WithNow(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	w := NewWriter(st, append([]WriterOption{WithWriterNow(clock.Now)}, opts...)...)
	t.Cleanup(func() { _ = w.Close() })
	return w, st, clock
}

func entry(tool string, ok bool) models.ToolAuditEntry {
	return models.ToolAuditEntry{
		TraceID:    "t-1",
		Group:      "main",
		ToolName:   tool,
		OK:         ok,
		DurationMs: 20,
		Source:     "chat",
	}
}

func reliabilityFor(t *testing.T, st *store.Store, tool string) (models.ToolReliability, bool) {
	t.Helper()
	stats, err := st.ToolReliability(context.Background(), "main")
	if err != nil {
		t.Fatalf("tool reliability: %v", err)
	}
	for _, s := range stats {
		if s.ToolName == tool {
			return s, true
		}
	}
	return models.ToolReliability{}, false
}

func TestWriter_CloseFlushesBuffered(t *testing.T) {
	w, st, _ := newTestWriter(t)

	w.RecordBatch([]models.ToolAuditEntry{
		entry("search", true),
		entry("search", true),
		entry("exec", false),
	})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	search, ok := reliabilityFor(t, st, "search")
	if !ok || search.Calls != 2 || search.SuccessRate != 1.0 {
		t.Errorf("search stats = %+v, found %v", search, ok)
	}
	exec, ok := reliabilityFor(t, st, "exec")
	if !ok || exec.Calls != 1 || exec.SuccessRate != 0 {
		t.Errorf("exec stats = %+v, found %v", exec, ok)
	}
}

func TestWriter_PeriodicFlush(t *testing.T) {
	w, st, _ := newTestWriter(t, WithWriterFlushInterval(10*time.Millisecond))

	w.Record(entry("search", true))

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := reliabilityFor(t, st, "search"); ok && s.Calls == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("entry never flushed without Close")
}

func TestWriter_DropsWhenBufferFull(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.NewMetrics(reg)
	w, st, _ := newTestWriter(t, WithWriterBufferSize(2), WithWriterMetrics(m))

	// Stop the drain loop so the buffer can actually fill.
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	w.Record(entry("a", true))
	w.Record(entry("b", true))
	w.RecordBatch([]models.ToolAuditEntry{entry("c", true), entry("c", true)})

	if got := testutil.ToFloat64(m.AuditDropped); got != 2 {
		t.Errorf("dropped = %v, want 2 (the overflow batch)", got)
	}
	if _, ok := reliabilityFor(t, st, "c"); ok {
		t.Error("overflow batch reached the store")
	}
}

func TestWriter_StampsEntriesAtRecordTime(t *testing.T) {
	w, st, clock := newTestWriter(t)

	recorded := clock.Now()
	w.Record(entry("search", true))

	// The flush happens an hour later; created_at must not move.
	clock.Advance(time.Hour)
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	n, err := st.PurgeToolAudit(context.Background(), recorded.Add(time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d rows before record+1m, want 1", n)
	}
}

func TestWriter_SkipsIncompleteRows(t *testing.T) {
	w, st, _ := newTestWriter(t)

	bad := entry("ghost", true)
	bad.TraceID = ""
	w.RecordBatch([]models.ToolAuditEntry{bad, entry("search", true)})
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, ok := reliabilityFor(t, st, "ghost"); ok {
		t.Error("row without trace_id reached the store")
	}
	if s, ok := reliabilityFor(t, st, "search"); !ok || s.Calls != 1 {
		t.Errorf("search stats = %+v, found %v", s, ok)
	}
}
