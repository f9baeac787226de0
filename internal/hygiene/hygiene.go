// Package hygiene normalizes, sanitizes and deduplicates inbound message
// streams before they reach the agent. The pipeline is idempotent: running
// it over its own output changes nothing.
package hygiene

import (
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/dotclaw/dotclaw/pkg/models"
)

// dedupWindow bounds how far apart two messages from the same sender may
// be and still merge or dedup against each other.
const dedupWindow = 60 * time.Second

// minChunkPrefixLen is the shortest previous body eligible for the
// prefix-chunk merge.
const minChunkPrefixLen = 24

// minChunkRatio is the minimum len(prev)/len(cur) for the merge; shorter
// prefixes are too common to treat as streaming chunks.
const minChunkRatio = 0.35

// Report is the outcome of one hygiene pass.
type Report struct {
	// Messages is the cleaned stream, in original order.
	Messages []models.ChatMessage

	DroppedMalformed     int
	DroppedStalePartials int
	DroppedDuplicates    int
	MergedChunks         int
	NormalizedEnvelopes  int
}

// Apply runs the full pipeline: per-message sanitation, tool-envelope
// normalization, then per-sender windowed dedup and chunk merging.
func Apply(messages []models.ChatMessage) Report {
	var report Report

	cleaned := make([]models.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		sanitized, ok := Sanitize(msg)
		if !ok {
			report.DroppedMalformed++
			continue
		}
		if body, ok := NormalizeToolEnvelope(sanitized.Body); ok {
			sanitized.Body = body
			report.NormalizedEnvelopes++
		}
		cleaned = append(cleaned, sanitized)
	}

	// Dedup to fixpoint: one pass can expose new adjacencies (a dropped
	// placeholder may leave another placeholder next to real text), and
	// idempotence requires the final stream to be stable.
	for {
		next, changed := dedupPass(cleaned, &report)
		cleaned = next
		if !changed {
			break
		}
	}

	report.Messages = cleaned
	return report
}

// Sanitize validates and cleans one message. It returns false for
// malformed input: missing ids, zero timestamp, or a body that is empty
// once control bytes are stripped.
func Sanitize(msg models.ChatMessage) (models.ChatMessage, bool) {
	if msg.MsgID == "" || msg.ChatID == "" || msg.SenderID == "" {
		return msg, false
	}
	if msg.Timestamp.IsZero() {
		return msg, false
	}

	body := msg.Body
	body = stripControlBytes(body)
	body = norm.NFC.String(body)
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = trailingSpacePattern.ReplaceAllString(body, "\n")
	body = strings.TrimSpace(body)
	if body == "" {
		return msg, false
	}

	msg.Body = body
	return msg, true
}

// trailingSpacePattern matches spaces and tabs sitting before a newline.
var trailingSpacePattern = regexp.MustCompile(`[ \t]+\n`)

// stripControlBytes removes control characters except tab, LF and CR.
func stripControlBytes(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}

// stalePartialPattern matches placeholder bodies a streaming client leaves
// behind: bare keywords, bracketed variants, optional trailing ellipsis.
var stalePartialPattern = regexp.MustCompile(
	`(?i)^[\[(]?(typing|streaming|partial|draft|working|thinking)[)\]]?(\.{2,}|…+)?$`)

// ellipsisOnlyPattern matches bodies that are just dots.
var ellipsisOnlyPattern = regexp.MustCompile(`^(\.{2,}|…+)$`)

// IsStalePartial reports whether a body is a streaming placeholder.
func IsStalePartial(body string) bool {
	trimmed := strings.TrimSpace(body)
	return stalePartialPattern.MatchString(trimmed) || ellipsisOnlyPattern.MatchString(trimmed)
}

// normalizeBody is the comparison key for duplicate detection: lowercase
// with whitespace runs collapsed.
func normalizeBody(body string) string {
	return strings.Join(strings.Fields(strings.ToLower(body)), " ")
}

// dedupPass walks the stream once, applying the per-sender window rules:
// drop placeholders superseded by real text, drop exact duplicates, and
// merge prefix chunks. Reports whether anything changed.
func dedupPass(messages []models.ChatMessage, report *Report) ([]models.ChatMessage, bool) {
	if len(messages) < 2 {
		return messages, false
	}

	drop := make([]bool, len(messages))
	changed := false

	for i, msg := range messages {
		next, ok := nextFromSender(messages, i)
		if !ok {
			continue
		}
		cur := messages[next]
		if cur.Timestamp.Sub(msg.Timestamp) > dedupWindow {
			continue
		}

		if IsStalePartial(msg.Body) && !IsStalePartial(cur.Body) {
			drop[i] = true
			report.DroppedStalePartials++
			changed = true
			continue
		}

		if normalizeBody(msg.Body) == normalizeBody(cur.Body) {
			drop[next] = true
			report.DroppedDuplicates++
			changed = true
			continue
		}

		if isChunkExtension(msg.Body, cur.Body) {
			drop[i] = true
			report.MergedChunks++
			changed = true
		}
	}

	if !changed {
		return messages, false
	}
	out := make([]models.ChatMessage, 0, len(messages))
	for i, msg := range messages {
		if !drop[i] {
			out = append(out, msg)
		}
	}
	return out, true
}

// nextFromSender finds the next message after index i with the same
// sender in the same chat.
func nextFromSender(messages []models.ChatMessage, i int) (int, bool) {
	for j := i + 1; j < len(messages); j++ {
		if messages[j].SenderID == messages[i].SenderID &&
			messages[j].ChatID == messages[i].ChatID {
			return j, true
		}
	}
	return 0, false
}

// isChunkExtension reports whether cur is a grown version of prev: prev
// is a strict prefix of cur, long enough and a large enough share of cur
// that it reads as a streaming chunk rather than a coincidence.
func isChunkExtension(prev, cur string) bool {
	if len(prev) < minChunkPrefixLen || len(prev) >= len(cur) {
		return false
	}
	if !strings.HasPrefix(cur, prev) {
		return false
	}
	return float64(len(prev))/float64(len(cur)) >= minChunkRatio
}
