// Package runtime wires the nine core components together into a single
// Agent value, the way the teacher's cmd/nexus composes its agent package.
package runtime

import (
	"log/slog"

	"github.com/kestrelrun/agentcore/internal/agent"
	agentcontext "github.com/kestrelrun/agentcore/internal/context"
	"github.com/kestrelrun/agentcore/internal/config"
	"github.com/kestrelrun/agentcore/internal/prompt"
	"github.com/kestrelrun/agentcore/internal/store"
	"github.com/kestrelrun/agentcore/internal/subagent"
	"github.com/kestrelrun/agentcore/internal/tools"
	"github.com/kestrelrun/agentcore/internal/tools/builtin"
)

// Agent bundles the wired-up Reactive Loop and Subagent Registry plus the
// components a caller may want direct access to (e.g. to Register more
// tools before the first Run).
type Agent struct {
	Loop      *agent.Loop
	Subagents *subagent.Registry
	Registry  *tools.Registry
	Store     *store.Store
}

// New constructs an Agent from cfg, a journal directory, a workspace
// directory, a role block for the system prompt, and the external
// Provider. Built-in tools (currently just echo, a stand-in for the
// teacher's file/shell/http tool family which are themselves out of
// scope) are registered automatically.
func New(cfg config.Config, journalDir, workspaceDir, role string, provider agent.Provider, log *slog.Logger) (*Agent, error) {
	cfg = config.Sanitize(cfg)
	if log == nil {
		log = slog.Default()
	}

	st, err := store.New(journalDir)
	if err != nil {
		return nil, err
	}

	registry := tools.New()
	if err := builtin.RegisterEcho(registry); err != nil {
		return nil, err
	}

	maxSize := cfg.MaxTokens
	compactTrigger := cfg.CompactTriggerTokens
	if cfg.ContextMode == agentcontext.ModeChars {
		maxSize = cfg.MaxChars
		compactTrigger = cfg.CompactTriggerChars
	}
	ctxMgr := agentcontext.New(agentcontext.Config{
		Mode:             cfg.ContextMode,
		MaxSize:          maxSize,
		CompactTrigger:   compactTrigger,
		KeepLastMessages: cfg.KeepLastMessages,
		CompactKeepTail:  cfg.CompactKeepTail,
	}, st)

	builder := prompt.New(workspaceDir, role, registry, log)
	builder.EnableOrchestration = cfg.EnableOrchestration

	loop := agent.New(provider, st, ctxMgr, builder, registry, agent.Config{
		MaxRetries:       cfg.MaxRetries,
		RetryBaseSeconds: cfg.RetryBaseSeconds,
		MaxConcurrent:    cfg.MaxConcurrent,
		LaneWarnWaitMs:   cfg.LaneWarnWaitMs,
		Stream:           cfg.Stream,
	}, log)

	registry1 := subagent.New(loop, st, subagent.Config{
		MaxDepth:           cfg.SubagentMaxDepth,
		MaxWorkers:         cfg.SubagentMaxWorkers,
		RunTimeoutSeconds:  cfg.SubagentRunTimeoutSeconds,
		AnnounceCompletion: cfg.SubagentAnnounceCompletion,
	}, log)

	return &Agent{Loop: loop, Subagents: registry1, Registry: registry, Store: st}, nil
}
