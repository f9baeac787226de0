// Package stream consumes the container's chunk-file IPC and delivers it
// to a chat message through rate-limited in-place edits.
//
// The protocol is one directory per run: the agent writes
// chunk_000001.txt, chunk_000002.txt, ... then a `done` or `error`
// sentinel. The watcher tails the directory; the editor coalesces the
// text into a single message it keeps editing.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dotclaw/dotclaw/internal/backoff"
	"github.com/dotclaw/dotclaw/internal/config"
	"github.com/dotclaw/dotclaw/internal/observability"
)

// Sentinel files terminating a stream. The error sentinel's contents are
// the failure message.
const (
	SentinelDone  = "done"
	SentinelError = "error"
)

const (
	// minPollInterval floors the polling fallback; faster polling burns
	// CPU without improving perceived latency.
	minPollInterval = 25 * time.Millisecond

	// graceMisses bounds the post-sentinel drain: chunks written just
	// after the sentinel get this many poll intervals to appear.
	graceMisses = 3
)

// WatchResult reports how a stream ended.
type WatchResult struct {
	// Sentinel is SentinelDone or SentinelError.
	Sentinel string
	// Error holds the error sentinel's contents, trimmed.
	Error string
	// Chunks is the number of chunk files consumed.
	Chunks int
}

// Watcher tails streaming directories. One Watcher serves many runs;
// each Watch call is independent.
type Watcher struct {
	interval time.Duration
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// WithWatcherMetrics wires chunk counters.
func WithWatcherMetrics(metrics *observability.Metrics) WatcherOption {
	return func(w *Watcher) { w.metrics = metrics }
}

// NewWatcher builds a watcher polling at the configured flush interval,
// floored at 25ms.
func NewWatcher(cfg config.StreamingConfig, opts ...WatcherOption) *Watcher {
	interval := time.Duration(cfg.ChunkFlushIntervalMs) * time.Millisecond
	if interval < minPollInterval {
		interval = minPollInterval
	}
	w := &Watcher{
		interval: interval,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "stream")
	return w
}

// Watch consumes chunks from dir in order, invoking emit for each chunk's
// text, until a sentinel appears or ctx is done. Consumed chunk files are
// removed. Filesystem notification drives the loop when available; the
// poll ticker covers platforms and races notification misses.
func (w *Watcher) Watch(ctx context.Context, dir string, emit func(text string)) (WatchResult, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return WatchResult{}, fmt.Errorf("stream dir: %w", err)
	}

	var events <-chan fsnotify.Event
	var notifyErrs <-chan error
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer notify.Close()
		if err := notify.Add(dir); err != nil {
			w.logger.Warn("watch add failed, polling only", "dir", dir, "error", err)
		} else {
			events = notify.Events
			notifyErrs = notify.Errors
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	next := 1
	total := 0
	for {
		read, err := w.drain(ctx, dir, &next, emit)
		total += read
		if err != nil {
			return WatchResult{Chunks: total}, err
		}

		if sentinel, errText, ok := checkSentinel(dir); ok {
			read, err := w.graceDrain(ctx, dir, &next, emit)
			total += read
			if err != nil {
				return WatchResult{Chunks: total}, err
			}
			return WatchResult{Sentinel: sentinel, Error: errText, Chunks: total}, nil
		}

		select {
		case <-ctx.Done():
			return WatchResult{Chunks: total}, ctx.Err()
		case <-ticker.C:
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case err, ok := <-notifyErrs:
			if !ok {
				notifyErrs = nil
			} else if err != nil {
				w.logger.Warn("stream notify error", "dir", dir, "error", err)
			}
		}
	}
}

// drain reads consecutive chunk files starting at *next until one is
// missing. Each consumed file is deleted.
func (w *Watcher) drain(ctx context.Context, dir string, next *int, emit func(string)) (int, error) {
	read := 0
	for {
		if err := ctx.Err(); err != nil {
			return read, err
		}
		path := filepath.Join(dir, chunkName(*next))
		raw, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return read, nil
		}
		if err != nil {
			return read, fmt.Errorf("read chunk: %w", err)
		}
		*next++
		read++
		if w.metrics != nil {
			w.metrics.StreamChunksTotal.Inc()
		}
		if len(raw) > 0 {
			emit(string(raw))
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("chunk cleanup failed", "path", path, "error", err)
		}
	}
}

// graceDrain keeps reading after the sentinel until graceMisses empty
// polls in a row, catching chunks that raced the sentinel write.
func (w *Watcher) graceDrain(ctx context.Context, dir string, next *int, emit func(string)) (int, error) {
	total := 0
	misses := 0
	for misses < graceMisses {
		read, err := w.drain(ctx, dir, next, emit)
		total += read
		if err != nil {
			return total, err
		}
		if read > 0 {
			misses = 0
			continue
		}
		misses++
		if misses >= graceMisses {
			break
		}
		if err := backoff.Sleep(ctx, w.interval); err != nil {
			return total, err
		}
	}
	return total, nil
}

// checkSentinel reports a terminal sentinel. Error wins when both exist.
func checkSentinel(dir string) (sentinel, errText string, ok bool) {
	if raw, err := os.ReadFile(filepath.Join(dir, SentinelError)); err == nil {
		return SentinelError, strings.TrimSpace(string(raw)), true
	}
	if _, err := os.Stat(filepath.Join(dir, SentinelDone)); err == nil {
		return SentinelDone, "", true
	}
	return "", "", false
}

func chunkName(n int) string {
	return fmt.Sprintf("chunk_%06d.txt", n)
}
