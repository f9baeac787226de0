package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/pkg/models"
)

func TestPingProgress_SendsAndRecords(t *testing.T) {
	cfg := jobsConfig()
	cfg.Host.Progress = config.ProgressConfig{
		Enabled:      true,
		StartDelayMs: 5,
		IntervalMs:   5,
		MaxUpdates:   2,
		Messages:     []string{"Working.", "Still going."},
	}
	release := make(chan struct{})
	disp := &fakeDispatcher{block: release}
	notifier := &fakeNotifier{}
	e, st, _, _ := newTestEngine(t, cfg, disp, notifier)
	ctx := context.Background()

	job, err := e.Enqueue(ctx, EnqueueRequest{
		Group:  "main",
		ChatID: "c1",
		Prompt: "p",
		Tags:   []string{"daily", "eta:5"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	e.RunOnce(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for len(notifier.texts()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("pings = %v, want 2", notifier.texts())
		}
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	awaitTerminal(t, st, job.ID)
	join(t, e)

	texts := notifier.texts()
	if len(texts) != 3 {
		t.Fatalf("sends = %v, want exactly 2 pings + completion", texts)
	}
	if texts[0] != "Working. (eta ~5m)" || texts[1] != "Still going. (eta ~5m)" {
		t.Errorf("pings = %v", texts[:2])
	}

	events, err := st.ListJobEvents(ctx, job.ID)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	progress := 0
	for _, ev := range events {
		if ev.Level == models.JobEventProgress {
			progress++
		}
	}
	if progress != 2 {
		t.Errorf("progress events = %d, want 2", progress)
	}
}

func TestPingProgress_StopsWhenRunEnds(t *testing.T) {
	cfg := jobsConfig()
	cfg.Host.Progress = config.ProgressConfig{
		Enabled:      true,
		StartDelayMs: 60_000,
		IntervalMs:   60_000,
		MaxUpdates:   3,
		Messages:     []string{"Working."},
	}
	disp := &fakeDispatcher{}
	notifier := &fakeNotifier{}
	e, st, _, _ := newTestEngine(t, cfg, disp, notifier)
	ctx := context.Background()

	job, _ := e.Enqueue(ctx, EnqueueRequest{Group: "main", ChatID: "c1", Prompt: "p"})
	e.RunOnce(ctx)
	awaitTerminal(t, st, job.ID)
	join(t, e)

	// The run finished long before the first ping was due.
	texts := notifier.texts()
	if len(texts) != 1 {
		t.Errorf("sends = %v, want only the completion message", texts)
	}
}

func TestEtaFromTags(t *testing.T) {
	cases := []struct {
		tags []string
		want string
	}{
		{nil, ""},
		{[]string{"daily", "eta:5"}, "5"},
		{[]string{"eta:2.5"}, "2.5"},
		{[]string{"eta:"}, ""},
		{[]string{"eta:abc"}, ""},
		{[]string{"xeta:5"}, ""},
		{[]string{"eta:5m"}, ""},
		{[]string{"eta:3", "eta:9"}, "3"},
	}
	for _, tc := range cases {
		if got := etaFromTags(tc.tags); got != tc.want {
			t.Errorf("etaFromTags(%v) = %q, want %q", tc.tags, got, tc.want)
		}
	}
}

func TestProgressText(t *testing.T) {
	msgs := []string{"A", "B"}
	cases := []struct {
		messages []string
		n        int
		eta      string
		want     string
	}{
		{msgs, 0, "", "A"},
		{msgs, 1, "", "B"},
		{msgs, 2, "", "A"},
		{nil, 0, "", "Still working on it."},
		{msgs, 0, "5", "A (eta ~5m)"},
		{nil, 1, "2.5", "Still working on it. (eta ~2.5m)"},
	}
	for _, tc := range cases {
		if got := progressText(tc.messages, tc.n, tc.eta); got != tc.want {
			t.Errorf("progressText(%v, %d, %q) = %q, want %q",
				tc.messages, tc.n, tc.eta, got, tc.want)
		}
	}
}
