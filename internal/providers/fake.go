// Package providers holds a single deterministic, dependency-free Provider
// used by the demo CLI and by tests. Real vendor adapters (Anthropic,
// OpenAI, Bedrock, ...) are external collaborators per spec.md §1 and are
// not implemented here — only the Provider contract in internal/agent is.
package providers

import (
	"context"
	"strings"

	"github.com/kestrelrun/agentcore/internal/agent"
	"github.com/kestrelrun/agentcore/pkg/models"
)

// Fake is a Provider that echoes the latest user message back as its
// reply, useful for exercising the Reactive Loop without a network
// dependency.
type Fake struct {
	// Reply, if set, is returned verbatim instead of echoing the last
	// user message.
	Reply string
}

// Complete implements agent.Provider.
func (f *Fake) Complete(ctx context.Context, req agent.CompletionRequest, onDelta agent.StreamDelta) (agent.CompletionResponse, error) {
	text := f.Reply
	if text == "" {
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == models.RoleUser {
				text = "echo: " + strings.TrimSpace(req.Messages[i].Content)
				break
			}
		}
	}
	if onDelta != nil {
		onDelta(text)
	}
	return agent.CompletionResponse{
		Message: models.Message{Role: models.RoleAssistant, Content: text},
		Usage:   models.Usage{InputTokens: int64(len(text)), OutputTokens: int64(len(text))},
	}, nil
}
