package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// defaultInboxPoll covers platforms without filesystem notification and
// races a notify miss.
const defaultInboxPoll = 500 * time.Millisecond

// Sink accepts inbound messages. *Gateway satisfies it.
type Sink interface {
	Ingest(ctx context.Context, msg Inbound) error
}

// Tailer follows the workspace inbox file: one JSON object per line,
// appended by whatever bridges the chat provider to this host. Every
// start reads from the top of the file; the message primary key and the
// chat cursor make replays harmless, so lines appended while the host
// was down are picked up with no bookkeeping.
type Tailer struct {
	path   string
	sink   Sink
	logger *slog.Logger
	poll   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// TailerOption configures a Tailer.
type TailerOption func(*Tailer)

// WithTailerLogger sets the logger.
func WithTailerLogger(logger *slog.Logger) TailerOption {
	return func(t *Tailer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTailerPoll overrides the poll interval.
func WithTailerPoll(d time.Duration) TailerOption {
	return func(t *Tailer) {
		if d > 0 {
			t.poll = d
		}
	}
}

// NewTailer builds a tailer over path feeding sink.
func NewTailer(path string, sink Sink, opts ...TailerOption) *Tailer {
	t := &Tailer{
		path:   path,
		sink:   sink,
		logger: slog.Default(),
		poll:   defaultInboxPoll,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With("component", "inbox")
	return t
}

// Start begins tailing. The file does not have to exist yet.
func (t *Tailer) Start(ctx context.Context) error {
	if t.cancel != nil {
		return errors.New("inbox: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.run(runCtx)
	return nil
}

// Stop halts the tail loop, bounded by ctx.
func (t *Tailer) Stop(ctx context.Context) error {
	if t.cancel == nil {
		return nil
	}
	t.cancel()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run drains complete lines as they appear. Filesystem notification on
// the inbox directory drives the loop when available; the poll ticker
// covers the rest.
func (t *Tailer) run(ctx context.Context) {
	defer close(t.done)

	var events <-chan fsnotify.Event
	var notifyErrs <-chan error
	notify, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("fsnotify unavailable, polling only", "error", err)
	} else {
		defer notify.Close()
		if err := notify.Add(filepath.Dir(t.path)); err != nil {
			t.logger.Warn("watch add failed, polling only", "path", t.path, "error", err)
		} else {
			events = notify.Events
			notifyErrs = notify.Errors
		}
	}

	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	offset := int64(0)
	for {
		offset = t.drain(ctx, offset)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
			} else if ev.Name != t.path {
				continue
			}
		case err, ok := <-notifyErrs:
			if !ok {
				notifyErrs = nil
			} else if err != nil {
				t.logger.Warn("inbox notify error", "error", err)
			}
		}
	}
}

// drain ingests every complete line past offset and returns the new
// offset. A trailing line without its newline stays where it is until
// the writer finishes it. A file shorter than the offset was rotated or
// truncated; reading restarts from the top, relying on replay safety.
func (t *Tailer) drain(ctx context.Context, offset int64) int64 {
	f, err := os.Open(t.path)
	if err != nil {
		if !os.IsNotExist(err) {
			t.logger.Warn("inbox open failed", "error", err)
		}
		return offset
	}
	defer f.Close()

	if info, err := f.Stat(); err == nil && info.Size() < offset {
		offset = 0
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		t.logger.Warn("inbox seek failed", "error", err)
		return offset
	}

	reader := bufio.NewReader(f)
	for ctx.Err() == nil {
		line, err := reader.ReadString('\n')
		if err != nil {
			return offset
		}
		offset += int64(len(line))

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var msg Inbound
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			t.logger.Warn("inbox line rejected", "error", err)
			continue
		}
		if err := t.sink.Ingest(ctx, msg); err != nil {
			t.logger.Warn("inbox ingest failed", "chat", msg.ChatID, "error", err)
		}
	}
	return offset
}
