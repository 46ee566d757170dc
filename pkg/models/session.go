package models

import "time"

// Usage accumulates provider token counters on a session header.
type Usage struct {
	InputTokens      int64 `json:"input_tokens"`
	OutputTokens     int64 `json:"output_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	CacheReadTokens  int64 `json:"cache_read_tokens"`
	CacheWriteTokens int64 `json:"cache_write_tokens"`
}

// Add folds usage deltas reported by a provider call into the running total.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.TotalTokens += delta.TotalTokens
	u.CacheReadTokens += delta.CacheReadTokens
	u.CacheWriteTokens += delta.CacheWriteTokens
}

// SessionHeader is the first record of a session's journal.
type SessionHeader struct {
	SessionID       string    `json:"session_id"`
	CreatedAt       time.Time `json:"created_at"`
	Provider        string    `json:"provider,omitempty"`
	Model           string    `json:"model,omitempty"`
	WorkspaceDir    string    `json:"workspace_dir,omitempty"`
	Usage           Usage     `json:"usage"`
	ParentSessionID string    `json:"parent_session_id,omitempty"`
	Depth           int       `json:"depth,omitempty"`
}

// HeaderPatch describes a partial update to a SessionHeader applied by
// Store.UpdateHeader.
type HeaderPatch struct {
	Provider        *string
	Model           *string
	WorkspaceDir    *string
	UsageDelta      *Usage
	ParentSessionID *string
	Depth           *int
}

// Session is an isolated conversation: a stable id, a header, and an
// append-only ordered sequence of messages. The Session Store is the sole
// writer; callers only ever observe immutable snapshots.
type Session struct {
	Header   SessionHeader `json:"header"`
	Messages []Message     `json:"messages"`
}

// Clone returns a deep copy suitable for handing to a reader as a snapshot.
func (s Session) Clone() Session {
	clone := s
	clone.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		clone.Messages[i] = m.Clone()
	}
	return clone
}
