// Package restaterun wires the Run Engine onto Restate as an alternative
// durability backend, grounded on the RestateExecutor/RestateObjectExecutor
// shapes the pack's agent framework used for its own Restate integration.
// Unlike Temporal, restate.Run accepts an arbitrary closure directly, so
// Executor.Run forwards the engine's fn value without the local-activity
// indirection temporalrun needs.
package restaterun

import (
	"context"

	restate "github.com/restatedev/sdk-go"

	"github.com/duraflow/agentrun/internal/engine"
)

// Executor implements engine.DurableExecutor on top of a Restate
// WorkflowContext. As with the Temporal backend, it captures its native
// execution context at construction and ignores the context.Context
// argument Engine passes to each call, since only the Restate SDK's own
// context type is safe to use inside a handler.
type Executor struct {
	ctx restate.WorkflowContext
}

// NewExecutor wraps the WorkflowContext for one Restate handler
// invocation of Workflow.Run.
func NewExecutor(ctx restate.WorkflowContext) *Executor {
	return &Executor{ctx: ctx}
}

// Run executes fn durably via restate.Run. On replay after a failure,
// Restate returns the previously recorded result instead of invoking fn
// again.
func (e *Executor) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	return restate.Run(e.ctx, func(runCtx restate.RunContext) (any, error) {
		return fn(runCtx)
	})
}

// Set stores a value in Restate's durable K/V state, scoped to this
// workflow's key.
func (e *Executor) Set(ctx context.Context, key string, value any) error {
	restate.Set(e.ctx, key, value)
	return nil
}

// Get retrieves a previously Set value from Restate's durable state.
func (e *Executor) Get(ctx context.Context, key string) (any, bool, error) {
	value, err := restate.Get[any](e.ctx, key)
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Checkpoint forces a durability point via a no-op restate.Run, the same
// trick the pack's Restate integration uses since Restate has no separate
// checkpoint primitive beyond a recorded Run result.
func (e *Executor) Checkpoint(ctx context.Context, name string) error {
	_, err := restate.Run(e.ctx, func(restate.RunContext) (bool, error) { return true, nil })
	return err
}

var _ engine.DurableExecutor = (*Executor)(nil)
