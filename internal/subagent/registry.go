// Package subagent implements the Subagent Registry (C9): spawning,
// supervising, steering, and killing child sessions under a parent's own
// concurrency budget. There is no blocking join; a caller observes a run's
// outcome through GetResult once its state is terminal.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelrun/agentcore/internal/agent"
	"github.com/kestrelrun/agentcore/internal/events"
	"github.com/kestrelrun/agentcore/internal/lane"
	"github.com/kestrelrun/agentcore/internal/store"
	"github.com/kestrelrun/agentcore/pkg/models"
)

// ErrDepthExceeded is returned when spawning would exceed MaxDepth.
var ErrDepthExceeded = errors.New("subagent: depth_exceeded")

// DefaultEventBufferSize is the documented default number of buffered
// events kept per run's tail (spec.md §9 Open Question), matching the
// teacher's convention of bounded ring buffers for live run state.
const DefaultEventBufferSize = 256

// Config configures the Subagent Registry.
type Config struct {
	MaxDepth            int
	MaxWorkers          int
	RunTimeoutSeconds   int
	AnnounceCompletion  bool
	EventBufferSize     int
}

func sanitize(cfg Config) Config {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 4
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = DefaultEventBufferSize
	}
	return cfg
}

// SpawnRequest describes a child session to create.
type SpawnRequest struct {
	ParentSessionID string
	ParentDepth     int
	InitialMessage  string
}

type runState struct {
	record *models.SubagentRun
	cancel context.CancelFunc
	events []models.Event // ring buffer, most recent EventBufferSize
}

// Registry tracks SubagentRun state and drives child runs through the
// Reactive Loop on a separate lane pool from the parent's.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*runState
	cfg    Config
	loop   *agent.Loop
	store  *store.Store
	lane   *lane.Queue
	log    *slog.Logger
}

// New creates a Registry. loop drives each child session's reactive run;
// it is expected to share the parent's Store but uses its own Lane Queue
// sized by Config.MaxWorkers.
func New(loop *agent.Loop, st *store.Store, cfg Config, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	cfg = sanitize(cfg)
	return &Registry{
		runs:  make(map[string]*runState),
		cfg:   cfg,
		loop:  loop,
		store: st,
		lane:  lane.New(lane.Config{MaxConcurrent: cfg.MaxWorkers}),
		log:   log,
	}
}

// Spawn validates depth, creates the child session, registers a queued
// SubagentRun, and asynchronously submits the child's initial message to
// its own lane pool. It returns immediately with the run_id.
func (r *Registry) Spawn(req SpawnRequest) (string, error) {
	if req.ParentDepth+1 > r.cfg.MaxDepth {
		return "", ErrDepthExceeded
	}

	childSessionID := uuid.NewString()
	runID := uuid.NewString()

	depth := req.ParentDepth + 1
	if err := r.store.UpdateHeader(childSessionID, models.HeaderPatch{
		ParentSessionID: &req.ParentSessionID,
		Depth:           &depth,
	}); err != nil {
		return "", fmt.Errorf("subagent: init child session: %w", err)
	}

	record := &models.SubagentRun{
		RunID:           runID,
		SessionID:       childSessionID,
		ParentSessionID: req.ParentSessionID,
		Depth:           req.ParentDepth + 1,
		State:           models.SubagentQueued,
	}

	r.mu.Lock()
	r.runs[runID] = &runState{record: record}
	r.mu.Unlock()

	r.lane.Submit(context.Background(), childSessionID, func(ctx context.Context) (any, error) {
		return r.run(ctx, runID, childSessionID, req.InitialMessage)
	}, nil)

	return runID, nil
}

func (r *Registry) run(parentCtx context.Context, runID, sessionID, initialMessage string) (any, error) {
	ctx := parentCtx
	var cancel context.CancelFunc = func() {}
	if r.cfg.RunTimeoutSeconds > 0 {
		ctx, cancel = context.WithTimeout(parentCtx, time.Duration(r.cfg.RunTimeoutSeconds)*time.Second)
	} else {
		ctx, cancel = context.WithCancel(parentCtx)
	}
	defer cancel()

	r.mu.Lock()
	st, ok := r.runs[runID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("subagent: run %s not found", runID)
	}
	st.cancel = cancel
	st.record.State = models.SubagentRunning
	st.record.StartedAt = time.Now()
	r.mu.Unlock()

	sink := func(ev models.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		st, ok := r.runs[runID]
		if !ok {
			return
		}
		st.events = append(st.events, ev)
		if over := len(st.events) - r.cfg.EventBufferSize; over > 0 {
			st.events = st.events[over:]
		}
	}

	text, err := r.loop.Run(ctx, sessionID, initialMessage, events.Sink(sink))

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok = r.runs[runID]
	if !ok {
		return text, err
	}
	st.record.FinishedAt = time.Now()
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		st.record.State = models.SubagentTimedOut
	case ctx.Err() == context.Canceled:
		st.record.State = models.SubagentCancelled
	case err != nil:
		st.record.State = models.SubagentFailed
		st.record.Error = err.Error()
	default:
		st.record.State = models.SubagentCompleted
		st.record.FinalText = text
	}

	if r.cfg.AnnounceCompletion {
		summary := models.Message{
			Role:    models.RoleSystem,
			Content: fmt.Sprintf("Subagent run %s (%s) finished: %s", st.record.RunID, st.record.State, preview(st.record.FinalText)),
			Source:  models.SourceCompaction,
		}
		if appendErr := r.store.Append(st.record.ParentSessionID, summary); appendErr != nil {
			r.log.Warn("subagent: failed to announce completion", "run_id", runID, "error", appendErr)
		}
	}

	return text, err
}

func preview(s string) string {
	const max int = 160
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// List returns a snapshot of every tracked SubagentRun.
func (r *Registry) List() []models.SubagentRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SubagentRun, 0, len(r.runs))
	for _, st := range r.runs {
		out = append(out, *st.record)
	}
	return out
}

// GetResult returns the run's current record, including FinalText/Error
// once terminal.
func (r *Registry) GetResult(runID string) (models.SubagentRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[runID]
	if !ok {
		return models.SubagentRun{}, fmt.Errorf("subagent: run %s not found", runID)
	}
	return *st.record, nil
}

// Events returns the buffered tail of events for a run.
func (r *Registry) Events(runID string) ([]models.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.runs[runID]
	if !ok {
		return nil, fmt.Errorf("subagent: run %s not found", runID)
	}
	out := make([]models.Event, len(st.events))
	copy(out, st.events)
	return out, nil
}

// Steer forwards a steering message to the child session's controller via
// the shared parent Loop.
func (r *Registry) Steer(runID, text string) error {
	r.mu.Lock()
	st, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("subagent: run %s not found", runID)
	}
	r.loop.SteeringFor(st.record.SessionID).Steer(text)
	return nil
}

// Kill cancels a run's context, when the run has started, and trips its
// session's steering cancellation; on an already terminal run it changes
// nothing, so it is idempotent. It returns the run's state as observed
// right after delivering cancellation and does not wait for the run to
// reach a terminal state.
func (r *Registry) Kill(runID string) (models.SubagentState, error) {
	r.mu.Lock()
	st, ok := r.runs[runID]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("subagent: run %s not found", runID)
	}

	r.mu.Lock()
	alreadyTerminal := st.record.State.IsTerminal()
	cancel := st.cancel
	r.mu.Unlock()

	if alreadyTerminal {
		return st.record.State, nil
	}
	if cancel != nil {
		cancel()
	}
	r.loop.SteeringFor(st.record.SessionID).Cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	return st.record.State, nil
}
