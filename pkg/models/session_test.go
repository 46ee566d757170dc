package models

import "testing"

func TestUsageAddAccumulates(t *testing.T) {
	var u Usage
	u.Add(Usage{InputTokens: 10, OutputTokens: 5})
	u.Add(Usage{InputTokens: 3, CacheReadTokens: 2})

	if u.InputTokens != 13 || u.OutputTokens != 5 || u.CacheReadTokens != 2 {
		t.Fatalf("u = %+v, want {13 5 ... 2 ...}", u)
	}
}

func TestSessionCloneIsIndependent(t *testing.T) {
	s := Session{
		Header:   SessionHeader{SessionID: "s1"},
		Messages: []Message{{Role: RoleUser, Content: "a"}},
	}
	clone := s.Clone()
	clone.Messages[0].Content = "mutated"

	if s.Messages[0].Content == "mutated" {
		t.Fatalf("mutating clone's messages affected the original session")
	}
}

func TestSubagentStateIsTerminal(t *testing.T) {
	terminal := []SubagentState{SubagentCompleted, SubagentFailed, SubagentCancelled, SubagentTimedOut}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%q.IsTerminal() = false, want true", s)
		}
	}
	nonTerminal := []SubagentState{SubagentQueued, SubagentRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%q.IsTerminal() = true, want false", s)
		}
	}
}
