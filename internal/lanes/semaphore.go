// Package lanes implements the lane-aware semaphore that bounds concurrent
// agent runs. One shared pool of permits is shared by three lanes with
// fixed priorities; anti-starvation rules keep background work moving while
// interactive traffic stays snappy.
package lanes

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dotclaw/dotclaw/internal/observability"
)

// Lane identifies the scheduling class of an acquire.
type Lane string

const (
	// Interactive is user-facing chat traffic.
	Interactive Lane = "interactive"
	// Scheduled is task-scheduler work.
	Scheduled Lane = "scheduled"
	// Maintenance is retention and housekeeping work.
	Maintenance Lane = "maintenance"
)

// Priority orders lanes for dispatch; higher wins.
func (l Lane) Priority() int {
	switch l {
	case Interactive:
		return 3
	case Scheduled:
		return 2
	default:
		return 1
	}
}

// ErrQueueTimeout is returned when an acquire waited longer than the
// configured queue timeout.
var ErrQueueTimeout = errors.New("lanes: queue timeout")

type waiter struct {
	lane       Lane
	enqueuedAt time.Time
	seq        uint64
	ready      chan struct{}
}

// Semaphore is the lane-aware permit pool. The zero value is not usable;
// construct with New.
type Semaphore struct {
	mu        sync.Mutex
	limit     int
	available int
	queue     []*waiter
	nextSeq   uint64

	consecutiveInteractive int

	starvation   time.Duration
	burstCap     int
	queueTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// Option configures a Semaphore.
type Option func(*Semaphore)

// WithLogger sets the logger; defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Semaphore) { s.logger = logger }
}

// WithNow injects the clock used for starvation accounting.
func WithNow(now func() time.Time) Option {
	return func(s *Semaphore) { s.now = now }
}

// WithQueueTimeout turns blocking acquires into reject-on-timeout when
// d > 0.
func WithQueueTimeout(d time.Duration) Option {
	return func(s *Semaphore) { s.queueTimeout = d }
}

// WithStarvationLimit sets how long a non-interactive waiter may queue
// before it preempts lane priority.
func WithStarvationLimit(d time.Duration) Option {
	return func(s *Semaphore) { s.starvation = d }
}

// WithInteractiveBurstCap sets how many consecutive interactive dispatches
// are allowed while other lanes wait.
func WithInteractiveBurstCap(n int) Option {
	return func(s *Semaphore) { s.burstCap = n }
}

// WithMetrics wires semaphore gauges and wait histograms.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Semaphore) { s.metrics = m }
}

// New creates a semaphore with the given permit count.
func New(limit int, opts ...Option) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	s := &Semaphore{
		limit:      limit,
		available:  limit,
		starvation: 30 * time.Second,
		burstCap:   5,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "lanes")
	return s
}

// Acquire blocks until a permit is granted, the context is done, or the
// queue timeout fires. The returned handle must be released exactly once.
func (s *Semaphore) Acquire(ctx context.Context, lane Lane) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.available > 0 && len(s.queue) == 0 {
		s.available--
		s.noteDispatchLocked(lane)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SemaphoreHeld.Inc()
		}
		return &Handle{s: s, lane: lane}, nil
	}

	w := &waiter{
		lane:       lane,
		enqueuedAt: s.now(),
		seq:        s.nextSeq,
		ready:      make(chan struct{}),
	}
	s.nextSeq++
	s.queue = append(s.queue, w)
	s.dispatchLocked()
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SemaphoreWaiting.WithLabelValues(string(lane)).Inc()
	}

	var timeout <-chan time.Time
	if s.queueTimeout > 0 {
		timer := time.NewTimer(s.queueTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-w.ready:
		s.observeWait(w)
		return &Handle{s: s, lane: lane}, nil
	case <-ctx.Done():
		return nil, s.abandon(w, ctx.Err())
	case <-timeout:
		return nil, s.abandon(w, ErrQueueTimeout)
	}
}

// TryAcquire grants a permit only when one is free and nothing is queued.
func (s *Semaphore) TryAcquire(lane Lane) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.available == 0 || len(s.queue) > 0 {
		return nil, false
	}
	s.available--
	s.noteDispatchLocked(lane)
	if s.metrics != nil {
		s.metrics.SemaphoreHeld.Inc()
	}
	return &Handle{s: s, lane: lane}, true
}

// Waiting reports how many acquires are currently queued.
func (s *Semaphore) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Available reports free permits.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// abandon removes w from the queue after a cancel or timeout. If the
// dispatcher won the race and already granted the permit, it is returned
// to the pool.
func (s *Semaphore) abandon(w *waiter, cause error) error {
	s.mu.Lock()
	for i, q := range s.queue {
		if q == w {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.SemaphoreWaiting.WithLabelValues(string(w.lane)).Dec()
			}
			return cause
		}
	}
	s.mu.Unlock()
	// The dispatcher won the race: the permit is ours, give it straight back.
	s.observeWait(w)
	s.release()
	return cause
}

func (s *Semaphore) release() {
	s.mu.Lock()
	s.available++
	if s.available > s.limit {
		s.available = s.limit
		s.logger.Error("semaphore release beyond limit")
	}
	s.dispatchLocked()
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SemaphoreHeld.Dec()
	}
}

// dispatchLocked grants permits to queued waiters while any are free,
// applying the next-pick ordering rules.
func (s *Semaphore) dispatchLocked() {
	for s.available > 0 && len(s.queue) > 0 {
		idx := s.pickLocked()
		w := s.queue[idx]
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.available--
		s.noteDispatchLocked(w.lane)
		close(w.ready)
	}
}

// pickLocked selects the next waiter index:
//  1. starvation override: any non-interactive waiter past the limit,
//     highest priority first, then earliest seq;
//  2. interactive-burst cap: too many consecutive interactive dispatches
//     while non-interactive work queues;
//  3. otherwise min (-priority, seq).
func (s *Semaphore) pickLocked() int {
	now := s.now()

	starved := -1
	for i, w := range s.queue {
		if w.lane == Interactive {
			continue
		}
		if now.Sub(w.enqueuedAt) < s.starvation {
			continue
		}
		if starved == -1 || betterPick(w, s.queue[starved]) {
			starved = i
		}
	}
	if starved != -1 {
		return starved
	}

	if s.burstCap > 0 && s.consecutiveInteractive >= s.burstCap {
		best := -1
		for i, w := range s.queue {
			if w.lane == Interactive {
				continue
			}
			if best == -1 || betterPick(w, s.queue[best]) {
				best = i
			}
		}
		if best != -1 {
			return best
		}
	}

	best := 0
	for i := 1; i < len(s.queue); i++ {
		if betterPick(s.queue[i], s.queue[best]) {
			best = i
		}
	}
	return best
}

// betterPick reports whether a should dispatch before b: higher priority,
// ties broken by arrival order.
func betterPick(a, b *waiter) bool {
	if a.lane.Priority() != b.lane.Priority() {
		return a.lane.Priority() > b.lane.Priority()
	}
	return a.seq < b.seq
}

func (s *Semaphore) noteDispatchLocked(lane Lane) {
	if lane == Interactive {
		s.consecutiveInteractive++
	} else {
		s.consecutiveInteractive = 0
	}
}

func (s *Semaphore) observeWait(w *waiter) {
	if s.metrics == nil {
		return
	}
	s.metrics.SemaphoreWaiting.WithLabelValues(string(w.lane)).Dec()
	s.metrics.SemaphoreWaitDuration.WithLabelValues(string(w.lane)).
		Observe(s.now().Sub(w.enqueuedAt).Seconds())
	s.metrics.SemaphoreHeld.Inc()
}

// Handle is a granted permit. Release returns it; the second and any
// later calls are logged and ignored.
type Handle struct {
	s        *Semaphore
	lane     Lane
	released sync.Once
}

// Lane reports which lane the permit was granted to.
func (h *Handle) Lane() Lane {
	return h.lane
}

// Release returns the permit to the pool exactly once.
func (h *Handle) Release() {
	called := false
	h.released.Do(func() {
		called = true
		h.s.release()
	})
	if !called {
		h.s.logger.Error("double semaphore release", "lane", string(h.lane))
	}
}
