package tool

import (
	"context"
	"fmt"
	"sync"
)

// Unknown is returned by Classify for a tool name the registry has never
// heard of, distinct from Safe/RequiresApproval.
const Unknown Classification = "unknown"

// Registry holds the catalog of tools available to a run's model loop,
// both native Go implementations and MCP-backed adapters, under one
// name -> Tool map.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Classify reports the approval classification for a tool name, or
// Unknown if no such tool is registered.
func (r *Registry) Classify(name string) Classification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return Unknown
	}
	return t.Classification()
}

// Execute dispatches a tool call by name. Calling Execute for an unknown
// tool is a caller error (the Run Engine is expected to have classified
// the tool first); it returns a failed Result rather than panicking.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("unknown tool: %s", name)}, nil
	}

	return t.Execute(ctx, args)
}

// Schemas returns the model-facing tool catalog: name, description, input
// schema. Approval requirements are never exposed to the model.
func (r *Registry) Schemas() []map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]map[string]any, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  t.InputSchema(),
		})
	}
	return out
}
