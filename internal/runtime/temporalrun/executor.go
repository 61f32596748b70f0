// Package temporalrun wires the Run Engine onto Temporal as an alternative
// durability backend to the local journal-only executor. A workflow's step
// loop is driven synchronously via engine.Engine.DriveSync, and each durable unit of work
// (a model call, a tool execution) runs as a Temporal local activity rather
// than a regular activity: local activities accept an inline closure, which
// lets Executor.Run forward the engine's fn value directly instead
// of requiring every durable step to be a separately registered, named
// activity function dispatched to a worker queue. This trades away
// cross-process activity distribution for parity with the engine's
// in-process closure-based DurableExecutor contract; see DESIGN.md.
package temporalrun

import (
	"context"
	"time"

	"go.temporal.io/sdk/workflow"

	"github.com/duraflow/agentrun/internal/engine"
)

// Executor implements engine.DurableExecutor on top of a Temporal
// workflow.Context. It captures the workflow context at construction and
// ignores the context.Context argument passed to each method, since
// Temporal workflow code must only ever interact with the SDK through its
// own deterministic workflow.Context.
type Executor struct {
	wfCtx workflow.Context
}

// NewExecutor wraps the workflow.Context for a RunEngineWorkflow execution.
// LocalActivityOptions bounds every durable step to a generous timeout; the
// engine itself applies its own tighter per-call timeouts (ModelTimeout,
// ToolTimeout) inside fn.
func NewExecutor(wfCtx workflow.Context) *Executor {
	return &Executor{
		wfCtx: workflow.WithLocalActivityOptions(wfCtx, workflow.LocalActivityOptions{
			StartToCloseTimeout: 5 * time.Minute,
		}),
	}
}

// Run executes fn as a Temporal local activity. If the workflow replays
// after a crash, Temporal restores fn's recorded result from history
// instead of re-invoking it, giving the same "run it once, journal it,
// trust the journal on replay" guarantee the local backend gets from the
// Journal Store directly.
func (e *Executor) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	var result any
	err := workflow.ExecuteLocalActivity(e.wfCtx, func(actCtx context.Context) (any, error) {
		return fn(actCtx)
	}).Get(e.wfCtx, &result)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Set records a durable key/value via Temporal's workflow.SideEffect, which
// is recorded in workflow history exactly like a local activity result.
func (e *Executor) Set(ctx context.Context, key string, value any) error {
	workflow.SideEffect(e.wfCtx, func(workflow.Context) any { return value })
	return nil
}

// Get is a no-op for the Temporal backend: workflow.SideEffect values are
// replayed implicitly wherever they were recorded, so there is no separate
// durable map to query out-of-band. Backends that need explicit key lookup
// (Restate) implement Get properly; Temporal engine usage only relies on
// Run.
func (e *Executor) Get(ctx context.Context, key string) (any, bool, error) {
	return nil, false, nil
}

// Checkpoint has no Temporal equivalent beyond what Run already records;
// it is a no-op so the engine's generic call sites stay backend-agnostic.
func (e *Executor) Checkpoint(ctx context.Context, name string) error {
	return nil
}

var _ engine.DurableExecutor = (*Executor)(nil)
