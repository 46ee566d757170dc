package subagent

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrelrun/agentcore/internal/agent"
	agentcontext "github.com/kestrelrun/agentcore/internal/context"
	"github.com/kestrelrun/agentcore/internal/prompt"
	"github.com/kestrelrun/agentcore/internal/store"
	"github.com/kestrelrun/agentcore/internal/tools"
	"github.com/kestrelrun/agentcore/pkg/models"
)

type echoProvider struct{ reply string }

func (p *echoProvider) Complete(ctx context.Context, req agent.CompletionRequest, onDelta agent.StreamDelta) (agent.CompletionResponse, error) {
	return agent.CompletionResponse{Message: models.Message{Content: p.reply}}, nil
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "sessions"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	reg := tools.New()
	ctxMgr := agentcontext.New(agentcontext.Config{Mode: agentcontext.ModeChars, MaxSize: 1 << 20, KeepLastMessages: 2, CompactKeepTail: 2}, st)
	builder := prompt.New("/workspace", "", reg, nil)
	loop := agent.New(&echoProvider{reply: "child done"}, st, ctxMgr, builder, reg, agent.Config{}, nil)
	return New(loop, st, cfg, nil), st
}

func waitTerminal(t *testing.T, r *Registry, runID string) models.SubagentRun {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := r.GetResult(runID)
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if rec.State.IsTerminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal state", runID)
	return models.SubagentRun{}
}

func TestSpawnExceedingMaxDepthFails(t *testing.T) {
	r, _ := newTestRegistry(t, Config{MaxDepth: 2})
	_, err := r.Spawn(SpawnRequest{ParentSessionID: "parent", ParentDepth: 2})
	if err != ErrDepthExceeded {
		t.Fatalf("err = %v, want ErrDepthExceeded", err)
	}
}

func TestSpawnRunsToCompletion(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	runID, err := r.Spawn(SpawnRequest{ParentSessionID: "parent", ParentDepth: 0, InitialMessage: "go"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	rec := waitTerminal(t, r, runID)
	if rec.State != models.SubagentCompleted {
		t.Fatalf("State = %q, want completed", rec.State)
	}
	if rec.FinalText != "child done" {
		t.Fatalf("FinalText = %q, want %q", rec.FinalText, "child done")
	}
	if rec.Depth != 1 {
		t.Fatalf("Depth = %d, want 1", rec.Depth)
	}
}

func TestAnnounceCompletionAppendsSummaryToParent(t *testing.T) {
	r, st := newTestRegistry(t, Config{AnnounceCompletion: true})
	runID, err := r.Spawn(SpawnRequest{ParentSessionID: "parent-announce", ParentDepth: 0, InitialMessage: "go"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitTerminal(t, r, runID)

	msgs, err := st.Snapshot("parent-announce")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	found := false
	for _, m := range msgs {
		if m.Source == models.SourceCompaction {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an announce-completion summary message on the parent session, got %+v", msgs)
	}
}

func TestKillIsIdempotentOnTerminalRun(t *testing.T) {
	r, _ := newTestRegistry(t, Config{})
	runID, err := r.Spawn(SpawnRequest{ParentSessionID: "parent", ParentDepth: 0, InitialMessage: "go"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	rec := waitTerminal(t, r, runID)

	state, err := r.Kill(runID)
	if err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if state != rec.State {
		t.Fatalf("Kill on terminal run returned %q, want unchanged %q", state, rec.State)
	}
}

func TestEventsReturnsBufferedTail(t *testing.T) {
	r, _ := newTestRegistry(t, Config{EventBufferSize: 2})
	runID, err := r.Spawn(SpawnRequest{ParentSessionID: "parent", ParentDepth: 0, InitialMessage: "go"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	waitTerminal(t, r, runID)

	evs, err := r.Events(runID)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if len(evs) > 2 {
		t.Fatalf("len(evs) = %d, want <= EventBufferSize(2)", len(evs))
	}
}
