package matdisc

import (
	"context"
	"encoding/json"
)

// Tool is an agent capability exposing one or more callable functions.
// Invoke returns the result as JSON. Errors are classified by the
// dispatcher: *ErrValidation is never retried, transient errors (rate
// limits, upstream overload, timeouts) are retried, and *ErrPermanent
// disables the tool for the rest of the session.
type Tool interface {
	Definitions() []ToolDefinition
	Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

// Registry holds registered tools and resolves calls by function name.
// Definition order is registration order, so prompt context is stable
// across runs.
type Registry struct {
	tools  []Tool
	byName map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Tool)}
}

// Register adds a tool. Later registrations win on name collision.
func (r *Registry) Register(t Tool) {
	r.tools = append(r.tools, t)
	for _, d := range t.Definitions() {
		r.byName[d.Name] = t
	}
}

// Definitions returns all tool definitions in registration order.
func (r *Registry) Definitions() []ToolDefinition {
	var defs []ToolDefinition
	for _, t := range r.tools {
		defs = append(defs, t.Definitions()...)
	}
	return defs
}

// Has reports whether a function with the given name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Invoke dispatches a call by function name. An unknown name is a
// validation error, not a crash: the model hallucinating a tool must not
// take the turn down.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	t, ok := r.byName[name]
	if !ok {
		return nil, &ErrValidation{Tool: name, Reason: "unknown tool"}
	}
	return t.Invoke(ctx, name, args)
}
