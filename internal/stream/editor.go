package stream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/messenger"
	"github.com/dotclaw/dotclaw/internal/observability"
)

// timerFlushTimeout bounds provider calls made by the coalescing timer,
// which runs outside any request context.
const timerFlushTimeout = 30 * time.Second

// Editor accumulates stream text into one chat message, editing it in
// place at most once per edit interval. The first flush sends the
// message; later flushes edit it. Provider calls are serialized under
// the editor lock so edits never interleave out of order.
type Editor struct {
	messenger messenger.Messenger
	chatID    string
	interval  time.Duration
	maxEdit   int
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time

	mu        sync.Mutex
	buf       strings.Builder
	messageID string
	delivered string
	lastFlush time.Time
	timer     *time.Timer
	closed    bool
}

// EditorOption configures an Editor.
type EditorOption func(*Editor)

// WithEditorLogger sets the logger.
func WithEditorLogger(logger *slog.Logger) EditorOption {
	return func(e *Editor) { e.logger = logger }
}

// WithEditorMetrics wires delivery counters.
func WithEditorMetrics(metrics *observability.Metrics) EditorOption {
	return func(e *Editor) { e.metrics = metrics }
}

// WithEditorNow injects the clock used for flush pacing.
func WithEditorNow(now func() time.Time) EditorOption {
	return func(e *Editor) { e.now = now }
}

// NewEditor builds a delivery editor for one chat message.
func NewEditor(m messenger.Messenger, chatID string, cfg config.StreamingConfig, opts ...EditorOption) *Editor {
	interval := time.Duration(cfg.EditIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	maxEdit := cfg.MaxEditLength
	if maxEdit < 1 {
		maxEdit = 3900
	}

	e := &Editor{
		messenger: m,
		chatID:    chatID,
		interval:  interval,
		maxEdit:   maxEdit,
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "stream")
	return e
}

// Append adds text to the pending buffer. When the edit interval has
// elapsed since the last flush the buffer is delivered inline; otherwise
// a coalescing timer picks it up. Flush failures are logged, not
// returned: streaming is best-effort and Finalize delivers final state.
func (e *Editor) Append(ctx context.Context, text string) {
	if text == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.buf.WriteString(text)

	if e.now().Sub(e.lastFlush) >= e.interval {
		e.flushLocked(ctx)
		return
	}
	e.scheduleLocked()
}

// Finalize cancels the timer and delivers the full accumulated text.
// Text beyond maxEditLength is split: the first message is edited to the
// truncated prefix and the remainder goes out as new messages.
func (e *Editor) Finalize(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.stopTimerLocked()

	text := e.buf.String()
	if text == "" {
		return nil
	}

	head, rest := splitRunes(text, e.maxEdit)
	if err := e.deliverLocked(ctx, head); err != nil {
		return err
	}
	for len(rest) > 0 {
		var part string
		part, rest = splitRunes(rest, e.maxEdit)
		if _, err := e.messenger.SendMessage(ctx, e.chatID, part); err != nil {
			return err
		}
		e.countDelivery("spill")
	}
	return nil
}

// Abort cancels the timer and removes the partial message, best-effort.
func (e *Editor) Abort(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	e.stopTimerLocked()

	if e.messageID == "" {
		return
	}
	if err := e.messenger.DeleteMessage(ctx, e.chatID, e.messageID); err != nil {
		e.logger.Warn("partial message cleanup failed",
			"chat", e.chatID, "message", e.messageID, "error", err)
	}
	e.messageID = ""
}

// MessageID returns the delivered message's ID, empty before the first
// flush.
func (e *Editor) MessageID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.messageID
}

// flushLocked delivers the buffer truncated to maxEditLength. Identical
// repeat deliveries are skipped, which also quiets the post-overflow
// window where the visible prefix stops changing.
func (e *Editor) flushLocked(ctx context.Context) {
	text := e.buf.String()
	if text == "" {
		return
	}
	display, _ := splitRunes(text, e.maxEdit)
	if err := e.deliverLocked(ctx, display); err != nil {
		e.logger.Warn("stream flush failed", "chat", e.chatID, "error", err)
	}
}

// deliverLocked sends or edits the tracked message to show text.
func (e *Editor) deliverLocked(ctx context.Context, text string) error {
	if text == e.delivered {
		return nil
	}
	if e.messageID == "" {
		id, err := e.messenger.SendMessage(ctx, e.chatID, text)
		if err != nil {
			return err
		}
		e.messageID = id
		e.countDelivery("send")
	} else {
		if err := e.messenger.EditMessage(ctx, e.chatID, e.messageID, text); err != nil {
			return err
		}
		e.countDelivery("edit")
	}
	e.delivered = text
	e.lastFlush = e.now()
	return nil
}

// scheduleLocked arms the coalescing timer for the remainder of the edit
// interval. A pending timer is left alone.
func (e *Editor) scheduleLocked() {
	if e.timer != nil {
		return
	}
	wait := e.interval - e.now().Sub(e.lastFlush)
	if wait < 0 {
		wait = 0
	}
	e.timer = time.AfterFunc(wait, e.timerFlush)
}

func (e *Editor) timerFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), timerFlushTimeout)
	defer cancel()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.timer = nil
	if e.closed {
		return
	}
	e.flushLocked(ctx)
}

func (e *Editor) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Editor) countDelivery(kind string) {
	if e.metrics != nil {
		e.metrics.StreamDeliveries.WithLabelValues(kind).Inc()
	}
}

// Relay wires a watcher and an editor together for one run: chunks are
// appended as they arrive, a done sentinel finalizes the message, an
// error sentinel (or watch failure) tears the partial message down.
func Relay(ctx context.Context, w *Watcher, e *Editor, dir string) (WatchResult, error) {
	result, err := w.Watch(ctx, dir, func(text string) {
		e.Append(ctx, text)
	})
	if err != nil {
		e.Abort(ctx)
		return result, err
	}
	if result.Sentinel == SentinelError {
		e.Abort(ctx)
		return result, nil
	}
	return result, e.Finalize(ctx)
}

// splitRunes cuts s after at most max runes, returning the prefix and
// the remainder.
func splitRunes(s string, max int) (string, string) {
	if max <= 0 {
		return s, ""
	}
	count := 0
	for i := range s {
		if count == max {
			return s[:i], s[i:]
		}
		count++
	}
	return s, ""
}
