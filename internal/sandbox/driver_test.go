package sandbox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/pkg/models"
)

type captureRecorder struct {
	batches [][]models.ToolAuditEntry
}

func (c *captureRecorder) RecordBatch(entries []models.ToolAuditEntry) {
	c.batches = append(c.batches, entries)
}

// shDriver builds a container config whose driver is an inline shell
// script, standing in for the external container runtime.
func shDriver(script string) config.ContainerConfig {
	return config.ContainerConfig{
		TimeoutMs:  5_000,
		PidsLimit:  64,
		Memory:     "512m",
		Driver:     "/bin/sh",
		DriverArgs: []string{"-c", script},
	}
}

func TestNewDriver_RequiresCommand(t *testing.T) {
	if _, err := NewDriver(config.ContainerConfig{}); err == nil {
		t.Fatal("expected error for unset driver command")
	}
}

func TestDriver_RoundTrip(t *testing.T) {
	script := `payload=$(cat)
case "$payload" in
*'"group":"main"'*) printf '{"status":"ok","result":"hi","tools":[{"toolName":"search","ok":true,"durationMs":12}]}' ;;
*) printf '{"status":"error","error":"request document missing group"}' ;;
esac`

	rec := &captureRecorder{}
	d, err := NewDriver(shDriver(script), WithDriverRecorder(rec))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}

	out, err := d.Run(context.Background(), Request{
		Group:   "main",
		ChatID:  "c1",
		Prompt:  "hello",
		TraceID: "t-1",
		Source:  "chat",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !out.OK() || out.Result != "hi" {
		t.Fatalf("output = %+v, want ok/hi", out)
	}

	if len(rec.batches) != 1 || len(rec.batches[0]) != 1 {
		t.Fatalf("recorded batches = %+v, want one batch of one entry", rec.batches)
	}
	entry := rec.batches[0][0]
	if entry.TraceID != "t-1" || entry.Group != "main" || entry.ChatID != "c1" || entry.Source != "chat" {
		t.Errorf("entry identity = %+v, want stamped from the request", entry)
	}
	if entry.ToolName != "search" || !entry.OK || entry.DurationMs != 12 {
		t.Errorf("entry telemetry = %+v, want driver-reported values", entry)
	}
}

func TestDriver_AgentErrorPassesThrough(t *testing.T) {
	d, err := NewDriver(shDriver(`cat > /dev/null; printf '{"status":"error","error":"tool exploded"}'`))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	out, err := d.Run(context.Background(), Request{Group: "main", Prompt: "p"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.OK() || out.Error != "tool exploded" {
		t.Errorf("output = %+v, want agent-level error", out)
	}
}

func TestDriver_NonZeroExitWithDocument(t *testing.T) {
	d, err := NewDriver(shDriver(`cat > /dev/null; printf '{"status":"error","error":"crashed"}'; exit 7`))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	out, err := d.Run(context.Background(), Request{Group: "main", Prompt: "p"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out.Error != "crashed" {
		t.Errorf("output = %+v, want the document despite exit 7", out)
	}
}

func TestDriver_DispatchFailureCarriesStderr(t *testing.T) {
	d, err := NewDriver(shDriver(`cat > /dev/null; echo boom >&2; exit 3`))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	_, err = d.Run(context.Background(), Request{Group: "main", Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err = %v, want dispatch failure carrying stderr", err)
	}
}

func TestDriver_GarbageOutput(t *testing.T) {
	d, err := NewDriver(shDriver(`cat > /dev/null; printf 'not json'`))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	_, err = d.Run(context.Background(), Request{Group: "main", Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "decode driver result") {
		t.Fatalf("err = %v, want decode failure", err)
	}
}

func TestDriver_MissingStatus(t *testing.T) {
	d, err := NewDriver(shDriver(`cat > /dev/null; printf '{"result":"x"}'`))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	_, err = d.Run(context.Background(), Request{Group: "main", Prompt: "p"})
	if err == nil || !strings.Contains(err.Error(), "missing status") {
		t.Fatalf("err = %v, want missing-status failure", err)
	}
}

func TestDriver_TimeoutFromRequest(t *testing.T) {
	d, err := NewDriver(shDriver(`cat > /dev/null; sleep 2; printf '{"status":"ok","result":"late"}'`))
	if err != nil {
		t.Fatalf("new driver: %v", err)
	}
	_, err = d.Run(context.Background(), Request{Group: "main", Prompt: "p", TimeoutMs: 50})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
