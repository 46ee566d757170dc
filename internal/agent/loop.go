// Package agent implements the Reactive Loop (C8): driving rounds of
// provider call, tool batch dispatch, and result injection for a session.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	agentcontext "github.com/kestrelrun/agentcore/internal/context"
	"github.com/kestrelrun/agentcore/internal/events"
	"github.com/kestrelrun/agentcore/internal/lane"
	"github.com/kestrelrun/agentcore/internal/prompt"
	"github.com/kestrelrun/agentcore/internal/steering"
	"github.com/kestrelrun/agentcore/internal/store"
	"github.com/kestrelrun/agentcore/internal/tools"
	"github.com/kestrelrun/agentcore/pkg/models"
)

// ErrStorage is wrapped around any Session Store failure, per the
// storage_error kind in spec.md §7: it always propagates out of the loop.
var ErrStorage = errors.New("agent: storage error")

// Config configures retry policy and lane-wait warnings for the Reactive
// Loop. Zero values fall back to DefaultConfig.
type Config struct {
	MaxRetries       int
	RetryBaseSeconds float64
	MaxConcurrent    int
	LaneWarnWaitMs   int
	Stream           bool
}

// DefaultConfig mirrors the teacher's sanitize-on-construct convention.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, RetryBaseSeconds: 1, MaxConcurrent: 4, LaneWarnWaitMs: 2000}
}

func sanitize(cfg Config) Config {
	d := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = d.MaxRetries
	}
	if cfg.RetryBaseSeconds <= 0 {
		cfg.RetryBaseSeconds = d.RetryBaseSeconds
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = d.MaxConcurrent
	}
	if cfg.LaneWarnWaitMs <= 0 {
		cfg.LaneWarnWaitMs = d.LaneWarnWaitMs
	}
	return cfg
}

// Loop is the Reactive Loop. One Loop instance serves every session; the
// Lane Queue provides per-session serialization.
type Loop struct {
	Provider      Provider
	Store         *store.Store
	ContextMgr    *agentcontext.Manager
	PromptBuilder *prompt.Builder
	Registry      *tools.Registry
	Lane          *lane.Queue
	Config        Config
	Log           *slog.Logger

	steerMu  sync.Mutex
	steering map[string]*steering.Controller
}

// New creates a Loop. cfg is sanitized against DefaultConfig.
func New(provider Provider, st *store.Store, ctxMgr *agentcontext.Manager, builder *prompt.Builder, registry *tools.Registry, cfg Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	cfg = sanitize(cfg)
	return &Loop{
		Provider:      provider,
		Store:         st,
		ContextMgr:    ctxMgr,
		PromptBuilder: builder,
		Registry:      registry,
		Lane:          lane.New(lane.Config{MaxConcurrent: cfg.MaxConcurrent, WarnAfter: time.Duration(cfg.LaneWarnWaitMs) * time.Millisecond}),
		Config:        cfg,
		Log:           log,
		steering:      make(map[string]*steering.Controller),
	}
}

// SteeringFor returns (creating if necessary) the steering Controller for
// a session, so external callers can Steer/FollowUp/Cancel it.
func (l *Loop) SteeringFor(sessionID string) *steering.Controller {
	l.steerMu.Lock()
	defer l.steerMu.Unlock()
	c, ok := l.steering[sessionID]
	if !ok {
		c = steering.New()
		l.steering[sessionID] = c
	}
	return c
}

// Run submits a user message for sessionID to that session's lane and
// blocks until the run completes, returning the final assistant text.
func (l *Loop) Run(ctx context.Context, sessionID, userMessage string, sink events.Sink) (string, error) {
	handle := l.Lane.Submit(ctx, sessionID, func(laneCtx context.Context) (any, error) {
		return l.runTurn(laneCtx, sessionID, userMessage, true, sink)
	}, func(waitMs int) {
		if sink != nil {
			sink(models.Event{Type: models.EventLaneWait, SessionID: sessionID, Time: time.Now(), Payload: map[string]any{"wait_ms": waitMs}})
		}
	})
	result, err := handle.Wait()
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Resume re-enters the loop for a session without appending a new user
// message, per the continue_run semantics in spec.md §4.7: legal only
// when the session's last message has role user or tool.
func (l *Loop) Resume(ctx context.Context, sessionID string, sink events.Sink) (string, error) {
	handle := l.Lane.Submit(ctx, sessionID, func(laneCtx context.Context) (any, error) {
		history, err := l.Store.Snapshot(sessionID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if n := len(history); n == 0 || (history[n-1].Role != models.RoleUser && history[n-1].Role != models.RoleTool) {
			return nil, errors.New("agent: resume requires the session's last message to have role user or tool")
		}
		return l.runTurn(laneCtx, sessionID, "", false, sink)
	}, nil)
	result, err := handle.Wait()
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// loopGuardDepth is how many consecutive identical (text, signature) pairs
// trip the loop guard.
const loopGuardDepth = 3

type guardKey struct {
	textHash  string
	signature string
}

func (l *Loop) runTurn(ctx context.Context, sessionID, userMessage string, appendUser bool, sink events.Sink) (string, error) {
	steerCtrl := l.SteeringFor(sessionID)
	runID := uuid.NewString()
	bus := events.New(sessionID, runID, sink, l.Log)
	bus.Emit(models.EventAgentStart, nil)

	var history []guardKey
	round := 1
	pendingUser, hasPendingUser := userMessage, appendUser
	for {
		if steerCtrl.Cancelled() {
			bus.Emit(models.EventTurnEnd, map[string]any{"round": round, "status": string(models.TurnStatusCancelled)})
			bus.Emit(models.EventAgentEnd, map[string]any{"status": "cancelled"})
			return "", nil
		}

		text, status, guard, err := l.round(ctx, sessionID, round, steerCtrl, bus, pendingUser, hasPendingUser)
		hasPendingUser = false
		if err != nil {
			bus.Emit(models.EventAgentEnd, map[string]any{"status": "failed", "error": err.Error()})
			return "", err
		}

		if guard != nil {
			history = append(history, *guard)
			if len(history) > loopGuardDepth {
				history = history[len(history)-loopGuardDepth:]
			}
			if len(history) == loopGuardDepth && allEqual(history) {
				bus.Emit(models.EventTurnEnd, map[string]any{"round": round, "status": string(models.TurnStatusLoopDetected)})
				bus.Emit(models.EventAgentEnd, map[string]any{"status": "loop_detected", "final_text": text})
				return text, nil
			}
		} else {
			history = nil
		}

		// A cancelled caller context ends the run once the current round
		// has closed, instead of starting another round.
		if ctx.Err() != nil && status != models.TurnStatusCompleted {
			bus.Emit(models.EventAgentEnd, map[string]any{"status": "cancelled"})
			return "", nil
		}

		switch status {
		case models.TurnStatusCompleted, models.TurnStatusFollowUpInjected:
			if status == models.TurnStatusFollowUpInjected {
				round++
				continue
			}
			bus.Emit(models.EventAgentEnd, map[string]any{"final_text": text})
			return text, nil
		case models.TurnStatusSteered:
			round++
			continue
		case models.TurnStatusToolCallsProcessed:
			round++
			continue
		default:
			bus.Emit(models.EventAgentEnd, map[string]any{"status": string(status), "final_text": text})
			return text, nil
		}
	}
}

func allEqual(keys []guardKey) bool {
	first := keys[0]
	for _, k := range keys[1:] {
		if k != first {
			return false
		}
	}
	return true
}

// round runs exactly one state-machine round described in spec.md §4.8,
// returning the terminal text seen so far (only meaningful when the turn
// ends the run), the turn status, and — when tool calls occurred — the
// loop-guard signature for that round.
func (l *Loop) round(ctx context.Context, sessionID string, roundNum int, steerCtrl *steering.Controller, bus *events.Bus, pendingUser string, hasPendingUser bool) (string, models.TurnStatus, *guardKey, error) {
	bus.Emit(models.EventTurnStart, map[string]any{"round": roundNum})

	if hasPendingUser {
		bus.Emit(models.EventMessageStart, map[string]any{"round": roundNum, "role": "user"})
		if err := l.Store.Append(sessionID, models.Message{Role: models.RoleUser, Content: pendingUser}); err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		bus.Emit(models.EventMessageEnd, map[string]any{"round": roundNum, "role": "user", "text_preview": preview(pendingUser)})
	}

	history, err := l.Store.Snapshot(sessionID)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	view, err := l.ContextMgr.View(sessionID, history)
	if err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	descriptor, warn := l.PromptBuilder.Build(roundNum)
	if warn != "" {
		bus.Emit(models.EventWarning, map[string]any{"message": warn})
	}

	var onDelta StreamDelta
	if l.Config.Stream {
		onDelta = func(delta string) {
			bus.Emit(models.EventMessageUpdate, map[string]any{"round": roundNum, "delta": delta})
		}
	}

	bus.Emit(models.EventMessageStart, map[string]any{"round": roundNum, "role": "assistant"})
	resp, err := l.completeWithRetry(ctx, CompletionRequest{
		SystemPrompt: descriptor.SystemPrompt,
		Messages:     view,
		Tools:        descriptor.ToolDescriptors,
		Stream:       l.Config.Stream,
	}, onDelta)
	if err != nil {
		bus.Emit(models.EventMessageEnd, map[string]any{"round": roundNum, "error": err.Error()})
		bus.Emit(models.EventTurnEnd, map[string]any{"round": roundNum, "status": string(models.TurnStatusFailed)})
		return "", models.TurnStatusFailed, nil, err
	}
	assistantMsg := resp.Message
	assistantMsg.Role = models.RoleAssistant
	bus.Emit(models.EventMessageEnd, map[string]any{"round": roundNum, "text_preview": preview(assistantMsg.Content)})

	if err := l.Store.Append(sessionID, assistantMsg); err != nil {
		return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if resp.Usage != (models.Usage{}) {
		if err := l.Store.UpdateHeader(sessionID, models.HeaderPatch{UsageDelta: &resp.Usage}); err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}

	if len(assistantMsg.ToolCalls) == 0 {
		if text, ok := steerCtrl.PopFollowUp(); ok {
			bus.Emit(models.EventMessageStart, map[string]any{"round": roundNum, "role": "user"})
			if err := l.Store.Append(sessionID, models.Message{Role: models.RoleUser, Content: text, Source: models.SourceFollowUp}); err != nil {
				return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			bus.Emit(models.EventMessageEnd, map[string]any{"round": roundNum, "role": "user", "text_preview": preview(text)})
			bus.Emit(models.EventTurnEnd, map[string]any{"round": roundNum, "status": string(models.TurnStatusFollowUpInjected)})
			return assistantMsg.Content, models.TurnStatusFollowUpInjected, nil, nil
		}
		bus.Emit(models.EventTurnEnd, map[string]any{"round": roundNum, "status": string(models.TurnStatusCompleted)})
		return assistantMsg.Content, models.TurnStatusCompleted, nil, nil
	}

	signature := toolCallSignature(assistantMsg.ToolCalls)
	guard := &guardKey{textHash: agentcontext.Hash(assistantMsg.Content), signature: signature}

	var resultsPreview []string
	for i, call := range assistantMsg.ToolCalls {
		if steerCtrl.HasSteer() {
			steerText, _ := steerCtrl.PopSteer()
			for _, remaining := range assistantMsg.ToolCalls[i:] {
				l.emitSkipped(bus, roundNum, remaining)
				if err := l.Store.Append(sessionID, models.Message{
					Role: models.RoleTool, ToolCallID: remaining.ID, ToolName: remaining.Name,
					Content: "Skipped due to steering message", Source: models.SourceSkipped,
				}); err != nil {
					return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
				}
			}
			bus.Emit(models.EventMessageStart, map[string]any{"round": roundNum, "role": "user"})
			if err := l.Store.Append(sessionID, models.Message{Role: models.RoleUser, Content: steerText, Source: models.SourceSteer}); err != nil {
				return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
			}
			bus.Emit(models.EventMessageEnd, map[string]any{"round": roundNum, "role": "user", "text_preview": preview(steerText)})
			bus.Emit(models.EventTurnEnd, map[string]any{"round": roundNum, "status": string(models.TurnStatusSteered)})
			return "", models.TurnStatusSteered, guard, nil
		}

		result, execErr := l.dispatchOne(ctx, sessionID, call, bus, roundNum)
		toolMsg := models.Message{Role: models.RoleTool, ToolCallID: call.ID, ToolName: call.Name}
		if execErr != nil {
			toolMsg.Content = models.ErrorPrefix + execErr.Error()
		} else {
			toolMsg.Content = result.Text
		}
		if err := l.Store.Append(sessionID, toolMsg); err != nil {
			return "", "", nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		resultsPreview = append(resultsPreview, preview(toolMsg.Content))
	}

	bus.Emit(models.EventTurnEnd, map[string]any{
		"round": roundNum, "status": string(models.TurnStatusToolCallsProcessed),
		"tool_calls_count": len(assistantMsg.ToolCalls),
		"assistant_message_preview": preview(assistantMsg.Content),
		"tool_results_preview": resultsPreview,
	})
	return "", models.TurnStatusToolCallsProcessed, guard, nil
}

func (l *Loop) emitSkipped(bus *events.Bus, roundNum int, call models.ToolCall) {
	bus.Emit(models.EventToolExecutionStart, map[string]any{"round": roundNum, "tool_call_id": call.ID, "name": call.Name, "skipped": true})
	bus.Emit(models.EventToolExecutionEnd, map[string]any{"round": roundNum, "tool_call_id": call.ID, "name": call.Name, "skipped": true})
}

func (l *Loop) dispatchOne(ctx context.Context, sessionID string, call models.ToolCall, bus *events.Bus, roundNum int) (models.ToolExecutionResult, error) {
	bus.Emit(models.EventToolExecutionStart, map[string]any{"round": roundNum, "tool_call_id": call.ID, "name": call.Name})
	execCtx := tools.ExecContext{
		Context:   ctx,
		SessionID: sessionID,
		OnProgress: func(text string) {
			bus.Emit(models.EventToolExecutionUpdate, map[string]any{"round": roundNum, "tool_call_id": call.ID, "name": call.Name, "text": text})
		},
	}
	result, err := l.Registry.Dispatch(execCtx, call.Name, json.RawMessage(call.ArgsRaw))
	bus.Emit(models.EventToolExecutionEnd, map[string]any{"round": roundNum, "tool_call_id": call.ID, "name": call.Name, "error": errString(err), "details": result.Details})
	return result, err
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func preview(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func toolCallSignature(calls []models.ToolCall) string {
	type pair struct {
		Name string `json:"name"`
		Args string `json:"args"`
	}
	pairs := make([]pair, len(calls))
	for i, c := range calls {
		var canon any
		_ = json.Unmarshal(c.ArgsRaw, &canon)
		canonBytes, _ := json.Marshal(canon)
		pairs[i] = pair{Name: c.Name, Args: string(canonBytes)}
	}
	b, _ := json.Marshal(pairs)
	return string(b)
}

// completeWithRetry calls Provider.Complete with exponential backoff on
// transient errors, up to Config.MaxRetries. Backoff sleeps observe
// ctx cancellation.
func (l *Loop) completeWithRetry(ctx context.Context, req CompletionRequest, onDelta StreamDelta) (CompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= l.Config.MaxRetries; attempt++ {
		resp, err := l.Provider.Complete(ctx, req, onDelta)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !Transient(err) || attempt == l.Config.MaxRetries {
			return CompletionResponse{}, err
		}
		backoff := time.Duration(l.Config.RetryBaseSeconds * math.Pow(2, float64(attempt)) * float64(time.Second))
		select {
		case <-ctx.Done():
			return CompletionResponse{}, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return CompletionResponse{}, lastErr
}
