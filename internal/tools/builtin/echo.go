// Package builtin provides the reference echo tool used by the demo CLI and
// by tests, in the shape of the teacher's example echo plugin.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/kestrelrun/agentcore/internal/tools"
	"github.com/kestrelrun/agentcore/pkg/models"
)

// EchoSchema is the JSON Schema for the echo tool's arguments.
var EchoSchema = json.RawMessage(`{
  "type": "object",
  "additionalProperties": false,
  "required": ["message"],
  "properties": {
    "message": {"type": "string"},
    "prefix": {"type": "string"}
  }
}`)

// RegisterEcho adds the echo tool to reg: it returns its message argument,
// optionally prefixed, as a plain-text ToolExecutionResult.
func RegisterEcho(reg *tools.Registry) error {
	return reg.Register("echo", "Echo a message with an optional prefix", EchoSchema,
		func(ctx tools.ExecContext, args json.RawMessage) (models.ToolExecutionResult, error) {
			var input struct {
				Message string `json:"message"`
				Prefix  string `json:"prefix"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return models.ToolExecutionResult{}, fmt.Errorf("builtin: echo: %w", err)
			}
			text := input.Message
			if input.Prefix != "" {
				text = input.Prefix + text
			}
			if ctx.OnProgress != nil {
				ctx.OnProgress("echoing")
			}
			return models.NewTextResult(text), nil
		})
}
