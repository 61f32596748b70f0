package engine

import (
	"context"

	json "github.com/bytedance/sonic"
)

// DurableExecutor wraps a non-deterministic side effect (a model call, a
// tool execution) so that an alternative durability backend (Temporal or
// Restate) may additionally replay-protect it via its own activity or
// ctx.Run mechanism. The journal remains the primary durability record
// regardless of backend (see engine.go's durable-step discipline); a
// DurableExecutor is an optional second layer, not a replacement.
type DurableExecutor interface {
	Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error)
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string) (any, bool, error)
	Checkpoint(ctx context.Context, name string) error
}

// NoOpExecutor is the local backend's DurableExecutor: it runs fn directly.
// This is sufficient because the journal-based check-before-side-effect
// discipline (the engine re-reads entries before every call) is itself the
// durability mechanism for an in-process, single-binary deployment.
type NoOpExecutor struct{}

// NewNoOpExecutor constructs the local backend's executor.
func NewNoOpExecutor() *NoOpExecutor {
	return &NoOpExecutor{}
}

func (e *NoOpExecutor) Run(ctx context.Context, name string, fn func(ctx context.Context) (any, error)) (any, error) {
	return fn(ctx)
}

func (e *NoOpExecutor) Set(ctx context.Context, key string, value any) error { return nil }

func (e *NoOpExecutor) Get(ctx context.Context, key string) (any, bool, error) { return nil, false, nil }

func (e *NoOpExecutor) Checkpoint(ctx context.Context, name string) error { return nil }

var _ DurableExecutor = (*NoOpExecutor)(nil)

// DurableRun is a typed convenience wrapper around DurableExecutor.Run.
// A live invocation returns fn's value unchanged; a replayed one (Temporal,
// Restate) comes back through the backend's JSON history as generic maps,
// so the value is re-marshaled into T in that case.
func DurableRun[T any](ctx context.Context, executor DurableExecutor, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	out, err := executor.Run(ctx, name, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, nil
	}
	if v, ok := out.(T); ok {
		return v, nil
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return zero, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, err
	}
	return v, nil
}
