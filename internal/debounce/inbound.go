// Package debounce batches rapid-fire inbound messages per chat so a
// burst of short messages becomes one agent turn instead of several.
package debounce

import (
	"sync"
	"time"
)

// Config carries the flush delays: a base applied to every chat and
// per-chat overrides.
type Config struct {
	BaseMs   int64
	ByChatMs map[string]int64
}

// DelayFor resolves the effective flush delay for a chat. Negative
// values clamp to zero, which disables batching for that chat.
func (c Config) DelayFor(chatID string) time.Duration {
	ms := c.BaseMs
	if v, ok := c.ByChatMs[chatID]; ok {
		ms = v
	}
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// Batcher holds items per key until the key's debounce window lapses
// without a new arrival, then hands the whole batch to the flush
// callback. Each Add restarts the window.
type Batcher[T any] struct {
	delayFor func(key string) time.Duration
	flush    func(key string, items []T)

	mu      sync.Mutex
	pending map[string]*bucket[T]
	stopped bool
}

type bucket[T any] struct {
	items []T
	timer *time.Timer
}

// NewBatcher builds a batcher. delayFor is consulted per key on every
// arrival; flush receives batches in arrival order and must not block
// for long.
func NewBatcher[T any](delayFor func(key string) time.Duration, flush func(key string, items []T)) *Batcher[T] {
	return &Batcher[T]{
		delayFor: delayFor,
		flush:    flush,
		pending:  make(map[string]*bucket[T]),
	}
}

// Add enqueues one item under the key. A zero delay flushes the item
// immediately, after any batch already pending for the key.
func (b *Batcher[T]) Add(key string, item T) {
	delay := b.delayFor(key)

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}

	if delay <= 0 {
		flushed := b.takeLocked(key)
		b.mu.Unlock()
		if len(flushed) > 0 {
			b.flush(key, flushed)
		}
		b.flush(key, []T{item})
		return
	}

	buck, ok := b.pending[key]
	if !ok {
		buck = &bucket[T]{}
		b.pending[key] = buck
	}
	buck.items = append(buck.items, item)
	if buck.timer != nil {
		buck.timer.Stop()
	}
	buck.timer = time.AfterFunc(delay, func() { b.Flush(key) })
	b.mu.Unlock()
}

// Flush delivers whatever is pending for the key right away.
func (b *Batcher[T]) Flush(key string) {
	b.mu.Lock()
	items := b.takeLocked(key)
	b.mu.Unlock()

	if len(items) > 0 {
		b.flush(key, items)
	}
}

// Pending reports how many keys hold undelivered items.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop discards pending batches and refuses further items. Inbound
// messages are already persisted before batching, so the chat cursor
// re-surfaces anything dropped here on the next start.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	for key, buck := range b.pending {
		if buck.timer != nil {
			buck.timer.Stop()
		}
		delete(b.pending, key)
	}
}

// takeLocked removes and returns the key's batch. Caller holds b.mu.
func (b *Batcher[T]) takeLocked(key string) []T {
	buck, ok := b.pending[key]
	if !ok {
		return nil
	}
	delete(b.pending, key)
	if buck.timer != nil {
		buck.timer.Stop()
	}
	return buck.items
}
