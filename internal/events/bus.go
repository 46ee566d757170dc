// Package events implements the lifecycle Event Bus (C6): a single callback
// sink per agent run with strict *_start/*_end pairing and per-run ordering.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kestrelrun/agentcore/pkg/models"
)

// Sink receives events for a single run. Implementations must be
// non-blocking; a slow or panicking sink must never affect the run.
type Sink func(event models.Event)

// Bus emits events for one agent run from a single worker at a time,
// guaranteeing per-run ordering even if the caller hands events in from
// multiple goroutines (e.g. a tool's on_progress callback racing the loop).
// Sink exceptions are caught and discarded per the Event Bus contract.
type Bus struct {
	mu        sync.Mutex
	sink      Sink
	sessionID string
	runID     string
	log       *slog.Logger
	metrics   *Metrics
}

// New creates a Bus for a single run. sink may be nil, in which case events
// are dropped (useful for headless/test runs that don't care about the
// stream).
func New(sessionID, runID string, sink Sink, log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{sink: sink, sessionID: sessionID, runID: runID, log: log, metrics: defaultMetrics}
}

// Emit publishes one event, filling in session/run id and timestamp, and
// serializing delivery against concurrent Emit calls for the same Bus.
func (b *Bus) Emit(t models.EventType, payload map[string]any) {
	ev := models.Event{
		Type:      t,
		SessionID: b.sessionID,
		RunID:     b.runID,
		Time:      time.Now(),
		Payload:   payload,
	}
	if r, ok := payload["round"].(int); ok {
		ev.Round = r
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.eventsTotal.WithLabelValues(string(t)).Inc()
	}

	if b.sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("event sink panicked, discarding", "run_id", b.runID, "recovered", r)
		}
	}()
	b.sink(ev)
}

// Metrics holds the Prometheus collectors shared across all Bus instances
// in a process. Every Bus uses one shared instance, created at package
// initialization without registering it with any registry, so tests
// constructing many buses never attempt duplicate registration.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns a fresh Metrics bound to reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentcore",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Lifecycle events emitted, by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsTotal)
	}
	return m
}

var defaultMetrics = NewMetrics(nil)
