// Package prompt implements the Prompt Builder (C3): assembling the system
// prompt and the tool schema sent to the provider on each round.
package prompt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelrun/agentcore/internal/tools"
)

// promptTemplate mirrors the teacher's parameterized system-prompt shape:
// a stable skeleton filled in with workspace, date, and caller-provided
// role text.
const promptTemplate = `You are an autonomous agent operating in %s.
Today's date is %s.

%s`

// Descriptor is what a round actually sends to the provider: the rendered
// system prompt plus the union of built-in and extra tool descriptors.
type Descriptor struct {
	SystemPrompt   string
	ToolDescriptors []tools.Descriptor
}

// Hook may replace the prompt and descriptors for exactly one round.
type Hook func(round int) (*Descriptor, bool)

// Builder assembles prompts from a stable template plus the tool registry.
type Builder struct {
	WorkspaceDir       string
	Role               string
	EnableOrchestration bool
	ExtraTools         []tools.Descriptor
	Registry           *tools.Registry
	BeforeTurn         Hook
	Log                *slog.Logger
	// now is overridable for deterministic tests.
	now func() time.Time
}

// New creates a Builder. If log is nil, slog.Default() is used.
func New(workspaceDir, role string, registry *tools.Registry, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{WorkspaceDir: workspaceDir, Role: role, Registry: registry, Log: log, now: time.Now}
}

// Built-in orchestration tools are gated by EnableOrchestration: every tool
// whose name starts with orchestrationToolPrefix (e.g. sessions_spawn), plus
// the subagents tool.
const (
	orchestrationToolPrefix = "sessions_"
	subagentsToolName       = "subagents"
)

// Build produces the {system_prompt, tool_descriptors} for round. extraTools
// and the built-in registry's descriptors are unioned; on a name collision
// the extra tool wins and a warning is returned via warn (non-empty) for the
// caller to emit as a warning event.
func (b *Builder) Build(round int) (Descriptor, string) {
	if b.BeforeTurn != nil {
		if d, ok := b.BeforeTurn(round); ok && d != nil {
			return *d, ""
		}
	}

	var builtins []tools.Descriptor
	if b.Registry != nil {
		for _, d := range b.Registry.Descriptors() {
			if !b.EnableOrchestration && (strings.HasPrefix(d.Name, orchestrationToolPrefix) || d.Name == subagentsToolName) {
				continue
			}
			builtins = append(builtins, d)
		}
	}

	merged := make(map[string]tools.Descriptor, len(builtins)+len(b.ExtraTools))
	for _, d := range builtins {
		merged[d.Name] = d
	}
	var warn string
	for _, d := range b.ExtraTools {
		if _, collide := merged[d.Name]; collide {
			warn = fmt.Sprintf("extra tool %q shadows a built-in tool with the same name", d.Name)
		}
		merged[d.Name] = d
	}

	out := make([]tools.Descriptor, 0, len(merged))
	for _, d := range merged {
		out = append(out, d)
	}

	prompt := fmt.Sprintf(promptTemplate, b.WorkspaceDir, b.now().Format("2006-01-02"), b.Role)
	return Descriptor{SystemPrompt: prompt, ToolDescriptors: out}, warn
}

// schemaOrEmpty returns raw, or an empty JSON object when raw is empty.
func schemaOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}
