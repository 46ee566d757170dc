package agent

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	agentcontext "github.com/kestrelrun/agentcore/internal/context"
	"github.com/kestrelrun/agentcore/internal/prompt"
	"github.com/kestrelrun/agentcore/internal/store"
	"github.com/kestrelrun/agentcore/internal/tools"
	"github.com/kestrelrun/agentcore/pkg/models"
)

// scriptedProvider returns one CompletionResponse per call, in order, and
// repeats the last response once the script is exhausted. When streaming is
// requested it delivers each response's content as a single delta.
type scriptedProvider struct {
	mu       sync.Mutex
	script   []CompletionResponse
	errs     []error
	calls    int
	requests []CompletionRequest
}

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest, onDelta StreamDelta) (CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return CompletionResponse{}, p.errs[i]
	}
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	if onDelta != nil {
		onDelta(p.script[i].Message.Content)
	}
	return p.script[i], nil
}

func newTestLoop(t *testing.T, provider Provider) (*Loop, string) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	reg := tools.New()
	if err := reg.Register("echo", "", json.RawMessage(`{"type":"object"}`), func(ctx tools.ExecContext, args json.RawMessage) (models.ToolExecutionResult, error) {
		return models.NewTextResult("echoed"), nil
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctxMgr := agentcontext.New(agentcontext.Config{Mode: agentcontext.ModeChars, MaxSize: 1 << 20, KeepLastMessages: 2, CompactKeepTail: 2}, st)
	builder := prompt.New("/workspace", "", reg, nil)
	loop := New(provider, st, ctxMgr, builder, reg, Config{MaxRetries: 2, RetryBaseSeconds: 0.01, MaxConcurrent: 4, LaneWarnWaitMs: 100000}, nil)
	return loop, "session-" + t.Name()
}

func TestRunReturnsAssistantTextWhenNoToolCalls(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{Content: "hello there"}},
	}}
	loop, sid := newTestLoop(t, provider)

	text, err := loop.Run(context.Background(), sid, "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "hello there" {
		t.Fatalf("text = %q, want %q", text, "hello there")
	}
}

func TestRunDispatchesToolCallsAcrossRounds(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{ToolCalls: []models.ToolCall{{ID: "t1", Name: "echo", ArgsRaw: []byte(`{}`)}}}},
		{Message: models.Message{Content: "done"}},
	}}
	loop, sid := newTestLoop(t, provider)

	text, err := loop.Run(context.Background(), sid, "do the thing", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "done" {
		t.Fatalf("text = %q, want done", text)
	}

	msgs, err := loop.Store.Snapshot(sid)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	foundToolResult := false
	for _, m := range msgs {
		if m.Role == models.RoleTool && m.ToolCallID == "t1" {
			foundToolResult = true
			if m.Content != "echoed" {
				t.Fatalf("tool result content = %q, want echoed", m.Content)
			}
		}
	}
	if !foundToolResult {
		t.Fatalf("expected a tool result message for t1, got %+v", msgs)
	}
}

func TestLoopGuardDetectsRepeatedIdenticalRounds(t *testing.T) {
	same := CompletionResponse{Message: models.Message{ToolCalls: []models.ToolCall{{ID: "x", Name: "echo", ArgsRaw: []byte(`{"a":1}`)}}}}
	provider := &scriptedProvider{script: []CompletionResponse{same, same, same, same, same}}
	loop, sid := newTestLoop(t, provider)

	var events []models.Event
	var mu sync.Mutex
	sink := func(ev models.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	_, err := loop.Run(context.Background(), sid, "loop please", sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, ev := range events {
		if ev.Type == models.EventTurnEnd {
			if status, _ := ev.Payload["status"].(string); status == string(models.TurnStatusLoopDetected) {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("loop guard never fired; events = %+v", events)
	}
}

func TestCompleteWithRetryRetriesOnlyTransientErrors(t *testing.T) {
	provider := &scriptedProvider{
		errs:   []error{&ClassifiedError{Kind: ErrorTransient, Err: errors.New("timeout")}, nil},
		script: []CompletionResponse{{}, {Message: models.Message{Content: "ok after retry"}}},
	}
	loop, sid := newTestLoop(t, provider)

	text, err := loop.Run(context.Background(), sid, "hi", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "ok after retry" {
		t.Fatalf("text = %q, want ok after retry", text)
	}
}

func TestCompleteWithRetryDoesNotRetryFatalErrors(t *testing.T) {
	fatal := errors.New("bad request")
	provider := &scriptedProvider{errs: []error{fatal}}
	loop, sid := newTestLoop(t, provider)

	_, err := loop.Run(context.Background(), sid, "hi", nil)
	if err == nil {
		t.Fatalf("expected error to propagate for a fatal provider error")
	}
}

func TestRunEmitsUserMessageLifecycleEvents(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{Content: "hello there"}},
	}}
	loop, sid := newTestLoop(t, provider)

	var events []models.Event
	var mu sync.Mutex
	sink := func(ev models.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	_, err := loop.Run(context.Background(), sid, "hi there", sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var gotUserStart, gotUserEnd, gotAssistantStart bool
	for i, ev := range events {
		if ev.Type == models.EventMessageStart && ev.Payload["role"] == "user" {
			gotUserStart = true
			if i == 0 || events[i-1].Type != models.EventTurnStart {
				t.Fatalf("user message_start did not immediately follow turn_start; events = %+v", events)
			}
		}
		if ev.Type == models.EventMessageEnd && ev.Payload["role"] == "user" {
			gotUserEnd = true
		}
		if ev.Type == models.EventMessageStart && ev.Payload["role"] == "assistant" {
			gotAssistantStart = true
			if !gotUserEnd {
				t.Fatalf("assistant message_start fired before user message_end; events = %+v", events)
			}
		}
	}
	if !gotUserStart || !gotUserEnd {
		t.Fatalf("expected user message_start/message_end pair; events = %+v", events)
	}
	if !gotAssistantStart {
		t.Fatalf("expected an assistant message_start; events = %+v", events)
	}
}

func TestRunForwardsSystemPromptToProvider(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{Content: "hello there"}},
	}}
	loop, sid := newTestLoop(t, provider)

	if _, err := loop.Run(context.Background(), sid, "hi", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(provider.requests) == 0 {
		t.Fatalf("provider never received a CompletionRequest")
	}
	if provider.requests[0].SystemPrompt == "" {
		t.Fatalf("CompletionRequest.SystemPrompt was empty, want the built system prompt")
	}
}

func TestStreamDisabledSuppressesMessageUpdateEvents(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{Content: "hello there"}},
	}}
	loop, sid := newTestLoop(t, provider)
	loop.Config.Stream = false

	var events []models.Event
	var mu sync.Mutex
	sink := func(ev models.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	if _, err := loop.Run(context.Background(), sid, "hi", sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, ev := range events {
		if ev.Type == models.EventMessageUpdate {
			t.Fatalf("message_update emitted with Stream disabled; events = %+v", events)
		}
	}
	if provider.requests[0].Stream {
		t.Fatalf("CompletionRequest.Stream = true, want false")
	}
}

func TestStreamEnabledEmitsMessageUpdateEvents(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{Content: "hello there"}},
	}}
	loop, sid := newTestLoop(t, provider)
	loop.Config.Stream = true

	var events []models.Event
	var mu sync.Mutex
	sink := func(ev models.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}

	if _, err := loop.Run(context.Background(), sid, "hi", sink); err != nil {
		t.Fatalf("Run: %v", err)
	}

	found := false
	for _, ev := range events {
		if ev.Type == models.EventMessageUpdate {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a message_update event with Stream enabled; events = %+v", events)
	}
	if !provider.requests[0].Stream {
		t.Fatalf("CompletionRequest.Stream = false, want true")
	}
}

func TestToolDispatchHonorsCallerContextCancellation(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	reg := tools.New()
	observed := make(chan error, 1)
	if err := reg.Register("wait", "", json.RawMessage(`{"type":"object"}`), func(ctx tools.ExecContext, args json.RawMessage) (models.ToolExecutionResult, error) {
		<-ctx.Context.Done()
		observed <- ctx.Context.Err()
		return models.ToolExecutionResult{}, ctx.Context.Err()
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctxMgr := agentcontext.New(agentcontext.Config{Mode: agentcontext.ModeChars, MaxSize: 1 << 20, KeepLastMessages: 2, CompactKeepTail: 2}, st)
	builder := prompt.New("/workspace", "", reg, nil)
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{ToolCalls: []models.ToolCall{{ID: "t1", Name: "wait", ArgsRaw: []byte(`{}`)}}}},
	}}
	loop := New(provider, st, ctxMgr, builder, reg, Config{MaxRetries: 2, RetryBaseSeconds: 0.01, MaxConcurrent: 4, LaneWarnWaitMs: 100000}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx, "session-cancel", "go", nil)
		close(done)
	}()

	cancel()
	select {
	case err := <-observed:
		if err != context.Canceled {
			t.Fatalf("tool ExecContext.Err() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("tool handler never observed caller ctx cancellation")
	}
	<-done
}

func TestSteerPreemptsRemainingToolCallsInBatch(t *testing.T) {
	provider := &scriptedProvider{script: []CompletionResponse{
		{Message: models.Message{ToolCalls: []models.ToolCall{
			{ID: "a", Name: "echo", ArgsRaw: []byte(`{}`)},
			{ID: "b", Name: "echo", ArgsRaw: []byte(`{}`)},
		}}},
		{Message: models.Message{Content: "responding to steer"}},
	}}
	loop, sid := newTestLoop(t, provider)

	ctrl := loop.SteeringFor(sid)
	ctrl.Steer("stop and look at this instead")

	text, err := loop.Run(context.Background(), sid, "start work", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if text != "responding to steer" {
		t.Fatalf("text = %q, want responding to steer", text)
	}

	msgs, err := loop.Store.Snapshot(sid)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var skipped int
	for _, m := range msgs {
		if m.Source == models.SourceSkipped {
			skipped++
		}
	}
	if skipped != 2 {
		t.Fatalf("skipped tool results = %d, want 2 (both calls skipped before any dispatch)", skipped)
	}
}
