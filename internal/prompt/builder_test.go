package prompt

import (
	"encoding/json"
	"testing"

	"github.com/kestrelrun/agentcore/internal/tools"
	"github.com/kestrelrun/agentcore/pkg/models"
)

func TestBuildIncludesWorkspaceAndRole(t *testing.T) {
	b := New("/ws", "act like a librarian", tools.New(), nil)
	d, warn := b.Build(1)
	if warn != "" {
		t.Fatalf("warn = %q, want empty", warn)
	}
	if !contains(d.SystemPrompt, "/ws") || !contains(d.SystemPrompt, "act like a librarian") {
		t.Fatalf("SystemPrompt = %q, missing workspace/role", d.SystemPrompt)
	}
}

func TestBuildExtraToolWinsOnNameCollisionAndWarns(t *testing.T) {
	reg := tools.New()
	if err := reg.Register("search", "builtin search", nil, nopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b := New("/ws", "", reg, nil)
	b.ExtraTools = []tools.Descriptor{{Name: "search", Description: "overridden search"}}

	d, warn := b.Build(1)
	if warn == "" {
		t.Fatalf("expected collision warning")
	}
	var found *tools.Descriptor
	for i := range d.ToolDescriptors {
		if d.ToolDescriptors[i].Name == "search" {
			found = &d.ToolDescriptors[i]
		}
	}
	if found == nil || found.Description != "overridden search" {
		t.Fatalf("extra tool did not win collision: %+v", found)
	}
}

func TestBuildHidesOrchestrationToolsUnlessEnabled(t *testing.T) {
	reg := tools.New()
	if err := reg.Register("sessions_spawn", "", nil, nopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register("echo", "", nil, nopHandler); err != nil {
		t.Fatalf("Register: %v", err)
	}
	b := New("/ws", "", reg, nil)

	d, _ := b.Build(1)
	if toolNamed(d.ToolDescriptors, "sessions_spawn") {
		t.Fatalf("orchestration tool visible with EnableOrchestration=false")
	}

	b.EnableOrchestration = true
	d, _ = b.Build(1)
	if !toolNamed(d.ToolDescriptors, "sessions_spawn") {
		t.Fatalf("orchestration tool hidden with EnableOrchestration=true")
	}
}

func TestBeforeTurnHookOverridesRound(t *testing.T) {
	b := New("/ws", "", tools.New(), nil)
	called := false
	b.BeforeTurn = func(round int) (*Descriptor, bool) {
		called = true
		return &Descriptor{SystemPrompt: "overridden"}, true
	}
	d, _ := b.Build(1)
	if !called || d.SystemPrompt != "overridden" {
		t.Fatalf("BeforeTurn hook not honored: called=%v d=%+v", called, d)
	}
}

func toolNamed(ds []tools.Descriptor, name string) bool {
	for _, d := range ds {
		if d.Name == name {
			return true
		}
	}
	return false
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func nopHandler(ctx tools.ExecContext, args json.RawMessage) (models.ToolExecutionResult, error) {
	return models.ToolExecutionResult{}, nil
}
