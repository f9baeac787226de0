package hygiene

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/dotclaw/dotclaw/pkg/models"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func msg(id, sender, body string, offset time.Duration) models.ChatMessage {
	return models.ChatMessage{
		MsgID:     id,
		ChatID:    "c1",
		SenderID:  sender,
		Body:      body,
		Timestamp: base.Add(offset),
	}
}

func bodies(msgs []models.ChatMessage) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Body
	}
	return out
}

func TestSanitize_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		in   models.ChatMessage
	}{
		{"missing msg id", models.ChatMessage{ChatID: "c", SenderID: "s", Body: "x", Timestamp: base}},
		{"missing chat id", models.ChatMessage{MsgID: "1", SenderID: "s", Body: "x", Timestamp: base}},
		{"missing sender", models.ChatMessage{MsgID: "1", ChatID: "c", Body: "x", Timestamp: base}},
		{"zero timestamp", models.ChatMessage{MsgID: "1", ChatID: "c", SenderID: "s", Body: "x"}},
		{"control-only body", msg("1", "s", "\x00\x01\x02", 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, ok := Sanitize(tt.in); ok {
				t.Error("Sanitize accepted malformed message")
			}
		})
	}
}

func TestSanitize_CleansBody(t *testing.T) {
	in := msg("1", "s", "  hello\x00 \r\nworld  \nbye\x07  ", 0)
	got, ok := Sanitize(in)
	if !ok {
		t.Fatal("Sanitize rejected valid message")
	}
	want := "hello\nworld\nbye"
	if got.Body != want {
		t.Errorf("Body = %q, want %q", got.Body, want)
	}
}

func TestApply_DropsStalePartialBeforeRealMessage(t *testing.T) {
	report := Apply([]models.ChatMessage{
		msg("1", "alice", "typing…", 0),
		msg("2", "alice", "here is my real question", 5*time.Second),
	})

	if got := bodies(report.Messages); !reflect.DeepEqual(got, []string{"here is my real question"}) {
		t.Errorf("Messages = %v", got)
	}
	if report.DroppedStalePartials != 1 {
		t.Errorf("DroppedStalePartials = %d, want 1", report.DroppedStalePartials)
	}
}

func TestApply_StalePartialRunCollapses(t *testing.T) {
	report := Apply([]models.ChatMessage{
		msg("1", "alice", "[typing]", 0),
		msg("2", "alice", "...", 2*time.Second),
		msg("3", "alice", "done now", 4*time.Second),
	})

	if got := bodies(report.Messages); !reflect.DeepEqual(got, []string{"done now"}) {
		t.Errorf("Messages = %v", got)
	}
	if report.DroppedStalePartials != 2 {
		t.Errorf("DroppedStalePartials = %d, want 2", report.DroppedStalePartials)
	}
}

func TestApply_TrailingPartialSurvives(t *testing.T) {
	report := Apply([]models.ChatMessage{
		msg("1", "alice", "real message", 0),
		msg("2", "alice", "thinking...", 5*time.Second),
	})
	if len(report.Messages) != 2 {
		t.Errorf("len = %d, want 2; a live placeholder has no successor yet", len(report.Messages))
	}
}

func TestApply_DropsExactDuplicateWithinWindow(t *testing.T) {
	report := Apply([]models.ChatMessage{
		msg("1", "alice", "Hello   there", 0),
		msg("2", "alice", "hello there", 30*time.Second),
	})

	if len(report.Messages) != 1 {
		t.Fatalf("len = %d, want 1", len(report.Messages))
	}
	if report.Messages[0].MsgID != "1" {
		t.Errorf("kept %s, want the first occurrence", report.Messages[0].MsgID)
	}
	if report.DroppedDuplicates != 1 {
		t.Errorf("DroppedDuplicates = %d, want 1", report.DroppedDuplicates)
	}
}

func TestApply_DuplicateOutsideWindowSurvives(t *testing.T) {
	report := Apply([]models.ChatMessage{
		msg("1", "alice", "hello", 0),
		msg("2", "alice", "hello", 90*time.Second),
	})
	if len(report.Messages) != 2 {
		t.Errorf("len = %d, want 2; window is 60s", len(report.Messages))
	}
}

func TestApply_DuplicateOtherSenderSurvives(t *testing.T) {
	report := Apply([]models.ChatMessage{
		msg("1", "alice", "hello", 0),
		msg("2", "bob", "hello", 5*time.Second),
	})
	if len(report.Messages) != 2 {
		t.Errorf("len = %d, want 2; dedup is per-sender", len(report.Messages))
	}
}

func TestApply_MergesPrefixChunks(t *testing.T) {
	prev := "The quick brown fox jumps"
	cur := prev + " over the lazy dog and keeps going"

	report := Apply([]models.ChatMessage{
		msg("1", "alice", prev, 0),
		msg("2", "alice", cur, 3*time.Second),
	})

	if got := bodies(report.Messages); !reflect.DeepEqual(got, []string{cur}) {
		t.Errorf("Messages = %v, want only the grown chunk", got)
	}
	if report.MergedChunks != 1 {
		t.Errorf("MergedChunks = %d, want 1", report.MergedChunks)
	}
}

func TestApply_ShortPrefixNotMerged(t *testing.T) {
	report := Apply([]models.ChatMessage{
		msg("1", "alice", "hi", 0),
		msg("2", "alice", "hi there, long follow-up that shares a prefix", 3*time.Second),
	})
	if len(report.Messages) != 2 {
		t.Errorf("len = %d, want 2; prefixes under %d chars never merge", len(report.Messages), minChunkPrefixLen)
	}
}

func TestApply_LowRatioPrefixNotMerged(t *testing.T) {
	prev := strings.Repeat("a", 30)
	cur := prev + strings.Repeat("b", 200)
	report := Apply([]models.ChatMessage{
		msg("1", "alice", prev, 0),
		msg("2", "alice", cur, 3*time.Second),
	})
	if len(report.Messages) != 2 {
		t.Errorf("len = %d, want 2; ratio below %v never merges", len(report.Messages), minChunkRatio)
	}
}

func TestApply_Idempotent(t *testing.T) {
	input := []models.ChatMessage{
		msg("1", "alice", "typing…", 0),
		msg("2", "alice", "The quick brown fox jumps", 2*time.Second),
		msg("3", "bob", "unrelated", 3*time.Second),
		msg("4", "alice", "The quick brown fox jumps over the lazy dog", 4*time.Second),
		msg("5", "alice", "the quick brown fox jumps over the lazy dog", 6*time.Second),
		msg("6", "bob", `<tool_result name="search">found 3 hits</tool_result>`, 8*time.Second),
	}

	first := Apply(input)
	second := Apply(first.Messages)

	if !reflect.DeepEqual(bodies(first.Messages), bodies(second.Messages)) {
		t.Errorf("not idempotent:\n first = %v\nsecond = %v",
			bodies(first.Messages), bodies(second.Messages))
	}
	if second.DroppedStalePartials+second.DroppedDuplicates+second.MergedChunks != 0 {
		t.Error("second pass should be a no-op")
	}
}

func TestNormalizeToolEnvelope(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{
			name: "xml with name",
			in:   `<tool_result name="search">3 hits</tool_result>`,
			want: "Tool result (search): 3 hits",
			ok:   true,
		},
		{
			name: "xml without name",
			in:   "<tool_result>\nplain output\n</tool_result>",
			want: "Tool result: plain output",
			ok:   true,
		},
		{
			name: "wrapped json",
			in:   `{"tool_result": {"tool": "fetch", "output": "page body"}}`,
			want: "Tool result (fetch): page body",
			ok:   true,
		},
		{
			name: "flat json tool_name and result",
			in:   `{"tool_name": "exec", "result": "exit 0"}`,
			want: "Tool result (exec): exit 0",
			ok:   true,
		},
		{
			name: "flat json name and data object",
			in:   `{"name": "lookup", "data": {"count": 2}}`,
			want: `Tool result (lookup): {"count":2}`,
			ok:   true,
		},
		{
			name: "json without payload key",
			in:   `{"tool": "x"}`,
			ok:   false,
		},
		{
			name: "plain text",
			in:   "just words",
			ok:   false,
		},
		{
			name: "invalid json",
			in:   "{broken",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeToolEnvelope(tt.in)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeToolEnvelope_TruncatesSummary(t *testing.T) {
	long := strings.Repeat("x", envelopeSummaryMax+500)
	got, ok := NormalizeToolEnvelope(`<tool_result>` + long + `</tool_result>`)
	if !ok {
		t.Fatal("envelope not recognized")
	}
	want := "Tool result: " + strings.Repeat("x", envelopeSummaryMax)
	if got != want {
		t.Errorf("len = %d, want %d", len(got), len(want))
	}
}

func TestIsStalePartial(t *testing.T) {
	stale := []string{"typing", "Typing...", "[streaming]", "(draft)", "working…", "…", "....", "THINKING.."}
	for _, s := range stale {
		if !IsStalePartial(s) {
			t.Errorf("IsStalePartial(%q) = false, want true", s)
		}
	}
	real := []string{"typing a letter to you", "partial results are in: 3", "done.", "hi"}
	for _, s := range real {
		if IsStalePartial(s) {
			t.Errorf("IsStalePartial(%q) = true, want false", s)
		}
	}
}
