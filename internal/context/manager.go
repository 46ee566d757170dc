// Package context implements the Context Manager (C2): trims and compacts
// a session's message history to stay within a byte or token budget while
// preserving the tool-call/tool-result pairing invariant.
package context

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/kestrelrun/agentcore/pkg/models"
)

// Mode selects the size heuristic used to measure history.
type Mode string

const (
	// ModeChars measures raw byte length of content and tool-call/result
	// payloads.
	ModeChars Mode = "chars"
	// ModeTokens measures an estimated token count, approximated as
	// ceil(chars / charsPerToken). No external tokenizer is used.
	ModeTokens Mode = "tokens"
)

const charsPerToken = 4

// previewLen bounds how much of each message's content is kept in the
// compaction summary.
const previewLen = 80

// Replacer persists a compacted prefix back to the Session Store. It is
// satisfied by *store.Store.
type Replacer interface {
	ReplacePrefix(sessionID string, upToIndex int, summary models.Message) error
}

// Config parameterizes the Context Manager.
type Config struct {
	Mode Mode
	// MaxSize is the budget in the selected Mode's unit.
	MaxSize int
	// CompactTrigger forces a compaction pass even if trimming alone
	// reached MaxSize, when the *original* history size exceeded this
	// threshold.
	CompactTrigger int
	// KeepLastMessages bounds how far trimming may go: trimming stops
	// once only this many messages remain, even if still over MaxSize.
	KeepLastMessages int
	// CompactKeepTail is how many of the most recent messages are kept
	// verbatim (snapped to whole tool-call groups) when compacting.
	CompactKeepTail int
}

// Manager implements the per-turn trim/compact algorithm.
type Manager struct {
	cfg      Config
	replacer Replacer
}

// New creates a Manager. replacer may be nil if compaction persistence is
// not needed (e.g. in tests exercising only the view computation).
func New(cfg Config, replacer Replacer) *Manager {
	if cfg.KeepLastMessages <= 0 {
		cfg.KeepLastMessages = 2
	}
	if cfg.CompactKeepTail <= 0 {
		cfg.CompactKeepTail = cfg.KeepLastMessages
	}
	return &Manager{cfg: cfg, replacer: replacer}
}

// sizeOf returns the size, in the configured Mode's unit, of one message.
func (m *Manager) sizeOf(msg models.Message) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.Name) + len(tc.ArgsRaw)
	}
	if m.cfg.Mode == ModeTokens {
		return (chars + charsPerToken - 1) / charsPerToken
	}
	return chars
}

func (m *Manager) totalSize(messages []models.Message) int {
	total := 0
	for _, msg := range messages {
		total += m.sizeOf(msg)
	}
	return total
}

// unit is an atomic, never-split block: either a single message, or an
// assistant message with tool calls plus its matched tool-result messages.
type unit struct {
	start, end int // half-open [start, end) into the original slice
}

// groupUnits partitions messages into atomic units so trimming/compaction
// never orphans a tool call or tool result.
func groupUnits(messages []models.Message) []unit {
	var units []unit
	i := 0
	for i < len(messages) {
		msg := messages[i]
		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			j := i + 1
			remaining := map[string]bool{}
			for _, tc := range msg.ToolCalls {
				remaining[tc.ID] = true
			}
			for j < len(messages) && len(remaining) > 0 {
				if messages[j].Role == models.RoleTool {
					delete(remaining, messages[j].ToolCallID)
				}
				j++
			}
			units = append(units, unit{start: i, end: j})
			i = j
			continue
		}
		units = append(units, unit{start: i, end: i + 1})
		i++
	}
	return units
}

// View computes the message list actually sent to the provider for one
// turn, trimming and, if necessary, compacting via replacer.ReplacePrefix.
func (m *Manager) View(sessionID string, history []models.Message) ([]models.Message, error) {
	fullSize := m.totalSize(history)
	if fullSize <= m.cfg.MaxSize {
		return history, nil
	}

	units := groupUnits(history)

	// Trim: drop oldest non-system units until size <= MaxSize or only
	// KeepLastMessages messages remain.
	kept := append([]unit(nil), units...)
	messageCount := func(us []unit) int {
		n := 0
		for _, u := range us {
			n += u.end - u.start
		}
		return n
	}
	sizeOfUnits := func(us []unit) int {
		total := 0
		for _, u := range us {
			for i := u.start; i < u.end; i++ {
				total += m.sizeOf(history[i])
			}
		}
		return total
	}

	for sizeOfUnits(kept) > m.cfg.MaxSize && messageCount(kept) > m.cfg.KeepLastMessages {
		dropIdx := -1
		for idx, u := range kept {
			if history[u.start].Role != models.RoleSystem {
				dropIdx = idx
				break
			}
		}
		if dropIdx == -1 {
			break // only system units remain; can't trim further
		}
		kept = append(kept[:dropIdx], kept[dropIdx+1:]...)
	}

	trimmedSize := sizeOfUnits(kept)
	needsCompact := trimmedSize > m.cfg.MaxSize || fullSize > m.cfg.CompactTrigger
	if !needsCompact {
		return flatten(history, kept), nil
	}

	return m.compact(sessionID, history, units)
}

func flatten(history []models.Message, units []unit) []models.Message {
	out := make([]models.Message, 0, len(units))
	for _, u := range units {
		out = append(out, history[u.start:u.end]...)
	}
	return out
}

// compact replaces everything older than the last CompactKeepTail messages
// (snapped to whole units) with one deterministic summary message, persists
// it via replacer.ReplacePrefix, and returns the compacted view.
func (m *Manager) compact(sessionID string, history []models.Message, units []unit) ([]models.Message, error) {
	tailStart := len(units)
	tailMessages := 0
	for tailStart > 0 && tailMessages < m.cfg.CompactKeepTail {
		tailStart--
		tailMessages += units[tailStart].end - units[tailStart].start
	}

	if tailStart == 0 {
		// Nothing older than the tail to summarize; already compact.
		return flatten(history, units), nil
	}

	upToIndex := units[tailStart].start
	older := history[:upToIndex]
	tail := history[upToIndex:]

	summary := models.Message{
		Role:      models.RoleSystem,
		Content:   summarize(older),
		Source:    models.SourceCompaction,
	}

	if m.replacer != nil {
		if err := m.replacer.ReplacePrefix(sessionID, upToIndex, summary); err != nil {
			return nil, fmt.Errorf("context: replace prefix: %w", err)
		}
	}

	out := make([]models.Message, 0, 1+len(tail))
	out = append(out, summary)
	out = append(out, tail...)
	return out, nil
}

// summarize produces a deterministic, truncated concatenation of
// role+preview for each message, so that compaction is reproducible and
// idempotent given the same input.
func summarize(messages []models.Message) string {
	if len(messages) == 0 {
		return "(no prior history)"
	}
	var b strings.Builder
	b.WriteString("Summary of ")
	fmt.Fprintf(&b, "%d prior messages:\n", len(messages))
	for _, msg := range messages {
		preview := msg.Content
		if len(preview) > previewLen {
			preview = preview[:previewLen] + "…"
		}
		fmt.Fprintf(&b, "[%s] %s\n", msg.Role, preview)
	}
	text := b.String()
	return text
}

// Hash returns a short, stable content hash, used by the Reactive Loop's
// loop guard to compare assistant turns across rounds without retaining
// full text.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
