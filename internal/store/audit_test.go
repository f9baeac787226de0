package store

import (
	"context"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

func TestToolReliability_Projection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	entries := []models.ToolAuditEntry{
		{TraceID: "t1", Group: "main", ToolName: "web_search", OK: true, DurationMs: 100, CreatedAt: base},
		{TraceID: "t2", Group: "main", ToolName: "web_search", OK: false, DurationMs: 300, CreatedAt: base.Add(time.Second)},
		{TraceID: "t3", Group: "main", ToolName: "shell", OK: true, DurationMs: 50, CreatedAt: base.Add(2 * time.Second)},
		// Different group must not leak into main's projection.
		{TraceID: "t4", Group: "other", ToolName: "web_search", OK: false, DurationMs: 900, CreatedAt: base.Add(3 * time.Second)},
	}
	for _, e := range entries {
		if err := s.InsertToolAudit(ctx, e); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	got, err := s.ToolReliability(ctx, "main")
	if err != nil {
		t.Fatalf("ToolReliability: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d tools, want 2", len(got))
	}
	if got[0].ToolName != "web_search" || got[0].Calls != 2 {
		t.Errorf("busiest = %+v, want web_search with 2 calls", got[0])
	}
	if got[0].SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", got[0].SuccessRate)
	}
	if got[0].AvgDurationMs != 200 {
		t.Errorf("avg duration = %v, want 200", got[0].AvgDurationMs)
	}
}

func TestInsertToolAudit_RequiredFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.InsertToolAudit(ctx, models.ToolAuditEntry{Group: "main", ToolName: "shell"})
	if err == nil {
		t.Error("insert without trace_id succeeded")
	}
	err = s.InsertToolAudit(ctx, models.ToolAuditEntry{TraceID: "t1", ToolName: "shell"})
	if err == nil {
		t.Error("insert without group succeeded")
	}
}

func TestPurgeToolAudit(t *testing.T) {
	clock := newStepClock()
	s := newTestStore(t, WithNow(clock.Now))
	ctx := context.Background()

	old := models.ToolAuditEntry{TraceID: "t1", Group: "main", ToolName: "shell", OK: true, CreatedAt: clock.Now()}
	if err := s.InsertToolAudit(ctx, old); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(40 * 24 * time.Hour)
	fresh := models.ToolAuditEntry{TraceID: "t2", Group: "main", ToolName: "shell", OK: true, CreatedAt: clock.Now()}
	if err := s.InsertToolAudit(ctx, fresh); err != nil {
		t.Fatalf("insert fresh: %v", err)
	}

	n, err := s.PurgeToolAudit(ctx, clock.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}

	rel, _ := s.ToolReliability(ctx, "main")
	if len(rel) != 1 || rel[0].Calls != 1 {
		t.Errorf("reliability after purge = %+v", rel)
	}
}

func TestAuditBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	batch := []models.ToolAuditEntry{
		{TraceID: "t1", Group: "main", ToolName: "shell", OK: true},
		{TraceID: "t2", Group: "main", ToolName: "shell", OK: true},
		{Group: "main", ToolName: "shell"}, // missing trace id is skipped
	}
	if err := s.InsertToolAuditBatch(ctx, batch); err != nil {
		t.Fatalf("batch: %v", err)
	}
	rel, err := s.ToolReliability(ctx, "main")
	if err != nil {
		t.Fatalf("reliability: %v", err)
	}
	if len(rel) != 1 || rel[0].Calls != 2 {
		t.Errorf("rel = %+v, want shell with 2 calls", rel)
	}
}
