package maintenance

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/internal/stream"
)

func writeAged(t *testing.T, path string, age time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if age > 0 {
		old := time.Now().Add(-age)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("chtimes %s: %v", path, err)
		}
	}
}

func ageDir(t *testing.T, path string, age time.Duration) {
	t.Helper()
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func exists(t *testing.T, path string) bool {
	t.Helper()
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("stat %s: %v", path, err)
	return false
}

func TestSweepFiles(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, filepath.Join(dir, "old.cid"), 2*time.Hour)
	writeAged(t, filepath.Join(dir, "fresh.cid"), 0)
	writeAged(t, filepath.Join(dir, "old.txt"), 2*time.Hour)
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAged(t, filepath.Join(dir, "sub", "old.cid"), 2*time.Hour)

	cutoff := time.Now().Add(-time.Hour)
	n, err := sweepFiles(dir, cutoff, "*.cid")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}
	if exists(t, filepath.Join(dir, "old.cid")) {
		t.Error("old.cid survived the sweep")
	}
	if !exists(t, filepath.Join(dir, "fresh.cid")) {
		t.Error("fresh.cid was removed")
	}
	if !exists(t, filepath.Join(dir, "old.txt")) {
		t.Error("old.txt was removed despite the pattern filter")
	}
	if !exists(t, filepath.Join(dir, "sub", "old.cid")) {
		t.Error("sweep descended into a subdirectory")
	}

	// An empty pattern matches everything.
	n, err = sweepFiles(dir, cutoff, "")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 || exists(t, filepath.Join(dir, "old.txt")) {
		t.Errorf("unfiltered sweep removed %d, old.txt present=%v", n, exists(t, filepath.Join(dir, "old.txt")))
	}

	n, err = sweepFiles(filepath.Join(dir, "missing"), cutoff, "")
	if err != nil || n != 0 {
		t.Errorf("missing dir = (%d, %v), want (0, nil)", n, err)
	}
}

func TestSweepEntries(t *testing.T) {
	dir := t.TempDir()

	oldRun := filepath.Join(dir, "run-old")
	if err := os.Mkdir(oldRun, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAged(t, filepath.Join(oldRun, "session.json"), 0)
	ageDir(t, oldRun, 8*24*time.Hour)

	newRun := filepath.Join(dir, "run-new")
	if err := os.Mkdir(newRun, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAged(t, filepath.Join(dir, "stray"), 8*24*time.Hour)

	n, err := sweepEntries(dir, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("removed = %d, want 2", n)
	}
	if exists(t, oldRun) {
		t.Error("aged snapshot tree survived")
	}
	if !exists(t, newRun) {
		t.Error("fresh snapshot was removed")
	}
	if exists(t, filepath.Join(dir, "stray")) {
		t.Error("aged stray file survived")
	}

	n, err = sweepEntries(filepath.Join(dir, "missing"), time.Now())
	if err != nil || n != 0 {
		t.Errorf("missing dir = (%d, %v), want (0, nil)", n, err)
	}
}

func TestSweepIPC(t *testing.T) {
	root := t.TempDir()
	now := time.Now()
	maxAge := 5 * time.Minute
	errorMaxAge := 24 * time.Hour

	// run1: the chunk ages out but a recent error sentinel keeps the dir.
	run1 := filepath.Join(root, "run1")
	if err := os.Mkdir(run1, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAged(t, filepath.Join(run1, "chunk_000001.txt"), 10*time.Minute)
	writeAged(t, filepath.Join(run1, stream.SentinelError), time.Hour)

	// run2: everything ages out; the dir itself survives this pass
	// because the removes bump its modtime.
	run2 := filepath.Join(root, "run2")
	if err := os.Mkdir(run2, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeAged(t, filepath.Join(run2, stream.SentinelError), 25*time.Hour)
	writeAged(t, filepath.Join(run2, stream.SentinelDone), 10*time.Minute)

	// run3: already empty and untouched, so it goes.
	run3 := filepath.Join(root, "run3")
	if err := os.Mkdir(run3, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	ageDir(t, run3, 10*time.Minute)

	writeAged(t, filepath.Join(root, "orphan.txt"), 10*time.Minute)
	writeAged(t, filepath.Join(root, "fresh.txt"), 0)

	n, err := sweepIPC(root, now, maxAge, errorMaxAge)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 4 {
		t.Errorf("removed = %d, want 4", n)
	}
	if exists(t, filepath.Join(run1, "chunk_000001.txt")) {
		t.Error("aged chunk survived")
	}
	if !exists(t, filepath.Join(run1, stream.SentinelError)) {
		t.Error("recent error sentinel was removed")
	}
	if exists(t, filepath.Join(run2, stream.SentinelError)) {
		t.Error("day-old error sentinel survived")
	}
	if !exists(t, run2) {
		t.Error("freshly emptied run dir was removed in the same pass")
	}
	if exists(t, run3) {
		t.Error("abandoned empty run dir survived")
	}
	if exists(t, filepath.Join(root, "orphan.txt")) {
		t.Error("aged stray file survived")
	}
	if !exists(t, filepath.Join(root, "fresh.txt")) {
		t.Error("fresh stray file was removed")
	}

	n, err = sweepIPC(filepath.Join(root, "missing"), now, maxAge, errorMaxAge)
	if err != nil || n != 0 {
		t.Errorf("missing root = (%d, %v), want (0, nil)", n, err)
	}
}
