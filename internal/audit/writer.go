// Package audit buffers tool-audit rows in front of the store so hot
// dispatch paths never block on audit I/O. One agent run's entries are
// enqueued as a single batch and land in a single insert transaction;
// when the buffer is full new batches are dropped and counted.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/observability"
	"github.com/dotclaw/dotclaw/internal/store"
	"github.com/dotclaw/dotclaw/pkg/models"
)

const (
	// defaultBufferSize is how many pending batches the writer holds
	// before it starts dropping.
	defaultBufferSize = 256

	// defaultFlushInterval bounds how long a recorded entry sits
	// unflushed.
	defaultFlushInterval = 2 * time.Second

	// flushBatchRows triggers an early flush once this many rows are
	// pending, independent of the ticker.
	flushBatchRows = 128

	// flushTimeout bounds one store write.
	flushTimeout = 10 * time.Second
)

// Writer is the async tool-audit sink. Record never blocks; a
// background loop drains batches into the store on a flush ticker.
// Audit failures are logged and dropped, never propagated.
type Writer struct {
	store   *store.Store
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	flushInterval time.Duration

	buffer chan []models.ToolAuditEntry
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// WriterOption configures a Writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	logger        *slog.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	flushInterval time.Duration
	bufferSize    int
}

// WithWriterLogger sets the logger.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(c *writerConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithWriterMetrics attaches the drop counter.
func WithWriterMetrics(m *observability.Metrics) WriterOption {
	return func(c *writerConfig) { c.metrics = m }
}

// WithWriterNow injects the clock used to stamp entries at record time.
func WithWriterNow(now func() time.Time) WriterOption {
	return func(c *writerConfig) {
		if now != nil {
			c.now = now
		}
	}
}

// WithWriterFlushInterval overrides the flush ticker period.
func WithWriterFlushInterval(d time.Duration) WriterOption {
	return func(c *writerConfig) {
		if d > 0 {
			c.flushInterval = d
		}
	}
}

// WithWriterBufferSize overrides the pending-batch capacity.
func WithWriterBufferSize(n int) WriterOption {
	return func(c *writerConfig) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// NewWriter starts the flush loop over the given store.
func NewWriter(st *store.Store, opts ...WriterOption) *Writer {
	cfg := writerConfig{
		logger:        slog.Default(),
		now:           time.Now,
		flushInterval: defaultFlushInterval,
		bufferSize:    defaultBufferSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &Writer{
		store:         st,
		logger:        cfg.logger.With("component", "audit"),
		metrics:       cfg.metrics,
		now:           cfg.now,
		flushInterval: cfg.flushInterval,
		buffer:        make(chan []models.ToolAuditEntry, cfg.bufferSize),
		done:          make(chan struct{}),
	}

	w.wg.Add(1)
	go w.writeLoop()
	return w
}

// Record enqueues one entry.
func (w *Writer) Record(entry models.ToolAuditEntry) {
	w.RecordBatch([]models.ToolAuditEntry{entry})
}

// RecordBatch enqueues one run's entries as a unit. The batch is never
// split across flushes, so a run's audit rows commit together.
func (w *Writer) RecordBatch(entries []models.ToolAuditEntry) {
	if len(entries) == 0 {
		return
	}
	now := w.now()
	for i := range entries {
		if entries[i].CreatedAt.IsZero() {
			entries[i].CreatedAt = now
		}
	}

	select {
	case w.buffer <- entries:
	default:
		if w.metrics != nil {
			w.metrics.AuditDropped.Add(float64(len(entries)))
		}
		w.logger.Warn("audit buffer full, dropping", "rows", len(entries))
	}
}

// Close drains the buffer, flushes, and stops the loop.
func (w *Writer) Close() error {
	w.once.Do(func() { close(w.done) })
	w.wg.Wait()
	return nil
}

func (w *Writer) writeLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	var pending []models.ToolAuditEntry
	for {
		select {
		case batch := <-w.buffer:
			pending = append(pending, batch...)
			if len(pending) >= flushBatchRows {
				pending = w.flush(pending)
			}
		case <-ticker.C:
			pending = w.flush(pending)
		case <-w.done:
			pending = append(pending, w.drain()...)
			w.flush(pending)
			return
		}
	}
}

// drain empties whatever is still buffered at shutdown.
func (w *Writer) drain() []models.ToolAuditEntry {
	var out []models.ToolAuditEntry
	for {
		select {
		case batch := <-w.buffer:
			out = append(out, batch...)
		default:
			return out
		}
	}
}

// flush writes the pending rows in one transaction and returns the new
// pending slice. A failed flush drops its rows.
func (w *Writer) flush(pending []models.ToolAuditEntry) []models.ToolAuditEntry {
	if len(pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := w.store.InsertToolAuditBatch(ctx, pending); err != nil {
		w.logger.Warn("audit flush failed", "rows", len(pending), "error", err)
		if w.metrics != nil {
			w.metrics.AuditDropped.Add(float64(len(pending)))
		}
	}
	return nil
}
