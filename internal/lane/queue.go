// Package lane implements the Lane Queue (C5): a process-wide structure
// mapping session_id to a FIFO lane, serializing work per session while
// bounding global concurrency across all sessions.
package lane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrCancelled is returned by Handle.Wait when the item was cancelled
// before it started running.
var ErrCancelled = errors.New("lane: work item cancelled before start")

// Work is one unit of serialized work submitted to a lane. It receives a
// context that is cancelled if the item is cancelled while running.
type Work func(ctx context.Context) (any, error)

// Handle is returned by Submit; it resolves once the work item finishes
// (or is cancelled before it started).
type Handle struct {
	done   chan struct{}
	result any
	err    error
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	started   bool
}

// Wait blocks until the work item completes and returns its result.
func (h *Handle) Wait() (any, error) {
	<-h.done
	return h.result, h.err
}

// Cancel cancels a queued-but-not-started item silently, or delivers
// cancellation to a running item's context and waits for it to terminate.
func (h *Handle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	started := h.started
	cancel := h.cancel
	h.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-h.done
}

type entry struct {
	ctx       context.Context
	work      Work
	handle    *Handle
	queued    time.Time
	onWait    func(waitMs int)
	warnAfter time.Duration
}

type laneState struct {
	mu       sync.Mutex
	pending  []*entry
	draining bool
}

// Queue is the global Lane Queue: one FIFO per session_id, bounded by a
// global semaphore of capacity maxConcurrent.
type Queue struct {
	mu            sync.Mutex
	lanes         map[string]*laneState
	sem           chan struct{}
	warnAfter     time.Duration
	metrics       *Metrics
}

// Config configures the Lane Queue.
type Config struct {
	// MaxConcurrent bounds the number of lanes active globally at once.
	MaxConcurrent int
	// WarnAfter is the wait duration after which a pending item emits a
	// lane_wait event via OnWait. Defaults to 2s if zero.
	WarnAfter time.Duration
}

// New creates a Queue. MaxConcurrent <= 0 is treated as 1.
func New(cfg Config) *Queue {
	max := cfg.MaxConcurrent
	if max <= 0 {
		max = 1
	}
	warn := cfg.WarnAfter
	if warn <= 0 {
		warn = 2 * time.Second
	}
	return &Queue{
		lanes:     make(map[string]*laneState),
		sem:       make(chan struct{}, max),
		warnAfter: warn,
		metrics:   defaultMetrics,
	}
}

func (q *Queue) laneFor(sessionID string) *laneState {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[sessionID]
	if !ok {
		l = &laneState{}
		q.lanes[sessionID] = l
	}
	return l
}

// Submit enqueues work for sessionID and returns a Handle. Two submissions
// to the same sessionID execute in submission order; submissions to
// different session ids may run concurrently, up to MaxConcurrent overall.
// onWait, if non-nil, is invoked once if the item waits longer than
// WarnAfter before starting. ctx bounds the work item's lifetime: if ctx is
// cancelled or its deadline passes, the context handed to work is cancelled
// too, whether or not the item has started. ctx may be nil, in which case
// context.Background() is used.
func (q *Queue) Submit(ctx context.Context, sessionID string, work Work, onWait func(waitMs int)) *Handle {
	if ctx == nil {
		ctx = context.Background()
	}
	h := &Handle{done: make(chan struct{})}
	e := &entry{ctx: ctx, work: work, handle: h, queued: time.Now(), onWait: onWait, warnAfter: q.warnAfter}

	l := q.laneFor(sessionID)
	l.mu.Lock()
	l.pending = append(l.pending, e)
	l.mu.Unlock()

	if q.metrics != nil {
		q.metrics.queueDepth.WithLabelValues(sessionID).Inc()
	}

	q.drain(sessionID, l)
	return h
}

func (q *Queue) drain(sessionID string, l *laneState) {
	l.mu.Lock()
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.mu.Unlock()

	go q.pump(sessionID, l)
}

func (q *Queue) pump(sessionID string, l *laneState) {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		e := l.pending[0]
		l.pending = l.pending[1:]
		l.mu.Unlock()

		if q.metrics != nil {
			q.metrics.queueDepth.WithLabelValues(sessionID).Dec()
		}

		e.handle.mu.Lock()
		if e.handle.cancelled {
			e.handle.mu.Unlock()
			e.handle.result, e.handle.err = nil, ErrCancelled
			close(e.handle.done)
			continue
		}
		e.handle.mu.Unlock()

		// Acquire the global concurrency slot; this blocks the lane (by
		// design: one active turn per lane) until a slot frees up.
		if q.metrics != nil {
			q.metrics.capWaiting.Inc()
		}
		q.sem <- struct{}{}
		if q.metrics != nil {
			q.metrics.capWaiting.Dec()
			q.metrics.capInUse.Inc()
		}

		waitMs := int(time.Since(e.queued).Milliseconds())
		if time.Since(e.queued) >= e.warnAfter && e.onWait != nil {
			e.onWait(waitMs)
		}

		ctx, cancel := context.WithCancel(e.ctx)
		e.handle.mu.Lock()
		e.handle.cancel = cancel
		e.handle.started = true
		wasCancelled := e.handle.cancelled
		e.handle.mu.Unlock()

		var result any
		var err error
		if wasCancelled {
			err = ErrCancelled
		} else {
			result, err = e.work(ctx)
		}
		cancel()
		<-q.sem
		if q.metrics != nil {
			q.metrics.capInUse.Dec()
		}

		e.handle.result, e.handle.err = result, err
		close(e.handle.done)
	}
}

// Metrics holds the Prometheus collectors for lane queue occupancy.
type Metrics struct {
	queueDepth *prometheus.GaugeVec
	capInUse   prometheus.Gauge
	capWaiting prometheus.Gauge
}

// NewMetrics registers and returns a fresh Metrics bound to reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentcore", Subsystem: "lane", Name: "queue_depth",
			Help: "Pending work items per session lane.",
		}, []string{"session_id"}),
		capInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore", Subsystem: "lane", Name: "global_cap_in_use",
			Help: "Lanes currently holding a global concurrency slot.",
		}),
		capWaiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentcore", Subsystem: "lane", Name: "global_cap_waiting",
			Help: "Lanes blocked waiting for a global concurrency slot.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.queueDepth, m.capInUse, m.capWaiting)
	}
	return m
}

var defaultMetrics = NewMetrics(nil)
