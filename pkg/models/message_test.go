package models

import "testing"

func TestCloneDeepCopiesToolCallArgs(t *testing.T) {
	orig := Message{
		Role:      RoleAssistant,
		ToolCalls: []ToolCall{{ID: "t1", Name: "echo", ArgsRaw: []byte(`{"a":1}`)}},
	}
	clone := orig.Clone()
	clone.ToolCalls[0].ArgsRaw[0] = 'X'

	if string(orig.ToolCalls[0].ArgsRaw) == string(clone.ToolCalls[0].ArgsRaw) {
		t.Fatalf("mutating clone's ArgsRaw affected the original")
	}
}

func TestCloneOfMessageWithoutToolCalls(t *testing.T) {
	orig := Message{Role: RoleUser, Content: "hi"}
	clone := orig.Clone()
	if clone.Content != "hi" || len(clone.ToolCalls) != 0 {
		t.Fatalf("clone = %+v, want equivalent plain message", clone)
	}
}
