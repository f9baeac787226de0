package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
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

// fakeChat records provider calls and tracks the visible text per message.
type fakeChat struct {
	mu      sync.Mutex
	sends   []string
	edits   []string
	deletes []string
	nextID  int
}

func (f *fakeChat) SendMessage(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	f.nextID++
	return fmt.Sprintf("msg-%d", f.nextID), nil
}

func (f *fakeChat) EditMessage(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	return nil
}

func (f *fakeChat) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeChat) SendFile(_ context.Context, _, _, _ string) (string, error) {
	return "", nil
}

func (f *fakeChat) SendPhoto(_ context.Context, _, _, _ string) (string, error) {
	return "", nil
}

func (f *fakeChat) SendVoice(_ context.Context, _, _ string) (string, error) {
	return "", nil
}

func (f *fakeChat) counts() (sends, edits, deletes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends), len(f.edits), len(f.deletes)
}

func newTestEditor(t *testing.T, cfg config.StreamingConfig) (*Editor, *fakeChat, *fakeClock) {
	t.Helper()
	chat := &fakeChat{}
	clock := newFakeClock()
	e := NewEditor(chat, "chat-1", cfg, WithEditorNow(clock.Now))
	return e, chat, clock
}

func TestEditor_FirstFlushSendsThenEdits(t *testing.T) {
	e, chat, clock := newTestEditor(t, testStreamingConfig())
	ctx := context.Background()

	e.Append(ctx, "Hello")
	if sends, edits, _ := chat.counts(); sends != 1 || edits != 0 {
		t.Fatalf("after first append: sends=%d edits=%d", sends, edits)
	}
	if e.MessageID() == "" {
		t.Fatal("message id not tracked")
	}

	clock.Advance(2 * time.Second)
	e.Append(ctx, " world")
	if sends, edits, _ := chat.counts(); sends != 1 || edits != 1 {
		t.Fatalf("after second flush: sends=%d edits=%d", sends, edits)
	}

	chat.mu.Lock()
	last := chat.edits[len(chat.edits)-1]
	chat.mu.Unlock()
	if last != "Hello world" {
		t.Errorf("edited text = %q", last)
	}
}

func TestEditor_CoalescesWithinInterval(t *testing.T) {
	e, chat, _ := newTestEditor(t, testStreamingConfig())
	ctx := context.Background()

	e.Append(ctx, "a")
	e.Append(ctx, "b")
	e.Append(ctx, "c")
	if sends, edits, _ := chat.counts(); sends != 1 || edits != 0 {
		t.Fatalf("within interval: sends=%d edits=%d", sends, edits)
	}

	if err := e.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if sends, edits, _ := chat.counts(); sends != 1 || edits != 1 {
		t.Fatalf("after finalize: sends=%d edits=%d", sends, edits)
	}
	chat.mu.Lock()
	defer chat.mu.Unlock()
	if chat.edits[0] != "abc" {
		t.Errorf("final text = %q", chat.edits[0])
	}
}

func TestEditor_OverflowTruncatesThenSpills(t *testing.T) {
	cfg := testStreamingConfig()
	cfg.MaxEditLength = 10
	e, chat, _ := newTestEditor(t, cfg)
	ctx := context.Background()

	text := "0123456789ABCDEFGHIJKLMNO" // 25 chars
	e.Append(ctx, text)

	chat.mu.Lock()
	first := chat.sends[0]
	chat.mu.Unlock()
	if first != "0123456789" {
		t.Fatalf("streamed text = %q, want truncated prefix", first)
	}

	if err := e.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	// Prefix unchanged, so no extra edit; remainder spills as new messages.
	if len(chat.edits) != 0 {
		t.Errorf("edits = %v, want none", chat.edits)
	}
	if len(chat.sends) != 3 {
		t.Fatalf("sends = %v", chat.sends)
	}
	if got := strings.Join(chat.sends[1:], ""); got != "ABCDEFGHIJKLMNO" {
		t.Errorf("spilled text = %q", got)
	}
}

func TestEditor_AbortDeletesPartial(t *testing.T) {
	e, chat, _ := newTestEditor(t, testStreamingConfig())
	ctx := context.Background()

	e.Append(ctx, "partial output")
	id := e.MessageID()
	if id == "" {
		t.Fatal("no message to abort")
	}

	e.Abort(ctx)
	_, _, deletes := chat.counts()
	if deletes != 1 {
		t.Fatalf("deletes = %d", deletes)
	}
	chat.mu.Lock()
	deleted := chat.deletes[0]
	chat.mu.Unlock()
	if deleted != id {
		t.Errorf("deleted %s, want %s", deleted, id)
	}
	if e.MessageID() != "" {
		t.Error("message id should clear on abort")
	}

	// The editor is closed: appends and finalize become no-ops.
	e.Append(ctx, "more")
	if err := e.Finalize(ctx); err != nil {
		t.Fatalf("finalize after abort: %v", err)
	}
	if sends, edits, _ := chat.counts(); sends != 1 || edits != 0 {
		t.Errorf("closed editor still delivered: sends=%d edits=%d", sends, edits)
	}
}

func TestEditor_AbortBeforeFirstFlush(t *testing.T) {
	e, chat, _ := newTestEditor(t, testStreamingConfig())
	e.Abort(context.Background())
	if _, _, deletes := chat.counts(); deletes != 0 {
		t.Errorf("deletes = %d, want none without a message", deletes)
	}
}

func TestEditor_SkipsIdenticalEdit(t *testing.T) {
	e, chat, clock := newTestEditor(t, testStreamingConfig())
	ctx := context.Background()

	e.Append(ctx, "stable")
	clock.Advance(2 * time.Second)
	if err := e.Finalize(ctx); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if sends, edits, _ := chat.counts(); sends != 1 || edits != 0 {
		t.Errorf("identical final text should not edit: sends=%d edits=%d", sends, edits)
	}
}

func TestSplitRunes(t *testing.T) {
	tests := []struct {
		in         string
		max        int
		head, rest string
	}{
		{"hello", 10, "hello", ""},
		{"hello", 5, "hello", ""},
		{"hello", 3, "hel", "lo"},
		{"héllo", 3, "hél", "lo"},
		{"日本語テキスト", 3, "日本語", "テキスト"},
		{"", 3, "", ""},
	}
	for _, tt := range tests {
		head, rest := splitRunes(tt.in, tt.max)
		if head != tt.head || rest != tt.rest {
			t.Errorf("splitRunes(%q, %d) = (%q, %q), want (%q, %q)",
				tt.in, tt.max, head, rest, tt.head, tt.rest)
		}
	}
}

func TestRelay_DoneFinalizes(t *testing.T) {
	dir := t.TempDir()
	writeChunk(t, dir, 1, "streamed ")
	writeChunk(t, dir, 2, "answer")
	writeSentinel(t, dir, SentinelDone, "")

	chat := &fakeChat{}
	w := NewWatcher(testStreamingConfig())
	e := NewEditor(chat, "chat-1", testStreamingConfig())

	result, err := Relay(context.Background(), w, e, dir)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if result.Sentinel != SentinelDone || result.Chunks != 2 {
		t.Errorf("result = %+v", result)
	}

	chat.mu.Lock()
	defer chat.mu.Unlock()
	var final string
	if len(chat.edits) > 0 {
		final = chat.edits[len(chat.edits)-1]
	} else if len(chat.sends) > 0 {
		final = chat.sends[len(chat.sends)-1]
	}
	if final != "streamed answer" {
		t.Errorf("final text = %q", final)
	}
}

func TestRelay_ErrorAborts(t *testing.T) {
	dir := t.TempDir()
	writeChunk(t, dir, 1, "partial")
	writeSentinel(t, dir, SentinelError, "boom")

	chat := &fakeChat{}
	w := NewWatcher(testStreamingConfig())
	e := NewEditor(chat, "chat-1", testStreamingConfig())

	result, err := Relay(context.Background(), w, e, dir)
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if result.Sentinel != SentinelError || result.Error != "boom" {
		t.Errorf("result = %+v", result)
	}
	if _, _, deletes := chat.counts(); deletes != 1 {
		t.Errorf("deletes = %d, want partial message removed", deletes)
	}
}
