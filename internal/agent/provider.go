package agent

import (
	"context"
	"errors"

	"github.com/kestrelrun/agentcore/internal/tools"
	"github.com/kestrelrun/agentcore/pkg/models"
)

// CompletionRequest is what the Reactive Loop sends the external Provider
// on each round.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []models.Message
	Tools        []tools.Descriptor
	Stream       bool
}

// CompletionResponse is the Provider's reply: the assistant message
// (content may be empty if it only emits tool calls) plus usage deltas.
type CompletionResponse struct {
	Message models.Message
	Usage   models.Usage
}

// StreamDelta is invoked once per streamed chunk when Stream is requested.
// When Stream is not requested the loop passes a nil StreamDelta.
type StreamDelta func(text string)

// Provider is the external LLM collaborator contract. Implementations for
// specific vendors live outside this module; only the contract is
// specified here.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest, onDelta StreamDelta) (CompletionResponse, error)
}

// ErrorKind classifies a Provider error for the retry policy in §7.
type ErrorKind string

const (
	ErrorTransient ErrorKind = "transient_provider"
	ErrorFatal     ErrorKind = "fatal_provider"
)

// ClassifiedError wraps a Provider error with its retry classification.
// Providers that don't wrap their errors this way are treated as fatal.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Transient reports whether err should be retried under the backoff
// policy. Only an error that wraps a ClassifiedError with Kind
// ErrorTransient is transient; anything else (including unclassified
// errors) is fatal. The classification itself is up to the Provider: this
// function does not inspect status codes or network errors.
func Transient(err error) bool {
	var ce *ClassifiedError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Kind == ErrorTransient
}
