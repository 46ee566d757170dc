// Package tools implements the Tool Registry/Dispatcher (C4): resolving a
// tool name to a handler and executing it with a structured result.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kestrelrun/agentcore/pkg/models"
)

// ExecContext is passed to every tool handler.
type ExecContext struct {
	context.Context
	SessionID    string
	WorkspaceDir string
	// OnProgress, when invoked, emits a tool_execution_update event.
	OnProgress func(text string)
}

// Handler executes one tool call. It returns a ToolExecutionResult (plain
// text via models.NewTextResult, or text plus Details) or an error.
type Handler func(ctx ExecContext, args json.RawMessage) (models.ToolExecutionResult, error)

// ResultGuard optionally rewrites a tool result's text before it is
// persisted to the session, e.g. to redact secrets. Details is left
// untouched.
type ResultGuard func(toolName string, result models.ToolExecutionResult) models.ToolExecutionResult

// Descriptor is a tool's name, description, and JSON Schema for its
// arguments, as surfaced to the provider by the Prompt Builder.
type Descriptor struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	SchemaJSON  json.RawMessage
}

type entry struct {
	descriptor Descriptor
	handler    Handler
}

// Registry resolves tool names to handlers and validates arguments against
// each tool's declared schema before dispatch.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]entry
	guard ResultGuard
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// SetResultGuard installs an optional result-redaction hook.
func (r *Registry) SetResultGuard(g ResultGuard) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guard = g
}

// Register adds or replaces a tool. schemaJSON, if non-empty, is compiled
// with jsonschema and used to validate every call's args before dispatch.
func (r *Registry) Register(name, description string, schemaJSON json.RawMessage, handler Handler) error {
	var compiled *jsonschema.Schema
	if len(schemaJSON) > 0 {
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".json", bytes.NewReader(schemaJSON)); err != nil {
			return fmt.Errorf("tools: add schema resource %q: %w", name, err)
		}
		s, err := c.Compile(name + ".json")
		if err != nil {
			return fmt.Errorf("tools: compile schema %q: %w", name, err)
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = entry{
		descriptor: Descriptor{Name: name, Description: description, Schema: compiled, SchemaJSON: schemaJSON},
		handler:    handler,
	}
	return nil
}

// Descriptors returns the registered tool descriptors, in no particular
// order; the Prompt Builder is responsible for merging with extra tools
// and resolving name collisions.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.descriptor)
	}
	return out
}

// Dispatch resolves name and executes it, validating args against the
// tool's schema first. A handler panic is recovered and turned into an
// error so that a single bad handler cannot crash the run, consistent
// with "failures are caught and recorded as a tool message".
func (r *Registry) Dispatch(ctx ExecContext, name string, args json.RawMessage) (result models.ToolExecutionResult, err error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	guard := r.guard
	r.mu.RUnlock()
	if !ok {
		return models.ToolExecutionResult{}, fmt.Errorf("tools: unknown tool %q", name)
	}

	if e.descriptor.Schema != nil {
		var v any
		if len(args) == 0 {
			args = []byte("{}")
		}
		if err := json.Unmarshal(args, &v); err != nil {
			return models.ToolExecutionResult{}, fmt.Errorf("tools: invalid args json for %q: %w", name, err)
		}
		if err := e.descriptor.Schema.Validate(v); err != nil {
			return models.ToolExecutionResult{}, fmt.Errorf("tools: args for %q failed schema validation: %w", name, err)
		}
	}

	result, err = func() (result models.ToolExecutionResult, err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("tools: handler %q panicked: %v", name, p)
			}
		}()
		return e.handler(ctx, args)
	}()
	if err != nil {
		return models.ToolExecutionResult{}, err
	}

	if guard != nil {
		result = guard(name, result)
	}
	return result, nil
}
