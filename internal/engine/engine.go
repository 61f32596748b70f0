// Package engine implements the Run Engine: the state machine that drives
// a single run from pending through to a terminal state, interleaving
// model turns and tool invocations, respecting human approvals, and
// producing an ordered, gap-free journal.
package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	json "github.com/bytedance/sonic"

	"github.com/duraflow/agentrun/internal/approval"
	"github.com/duraflow/agentrun/internal/eventbus"
	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/modelclient"
	"github.com/duraflow/agentrun/internal/tool"
)

// HistoryBuilder produces the prior-run context for a session, excluding
// the run currently being driven. Implemented by the session package.
type HistoryBuilder interface {
	BuildContext(ctx context.Context, sessionID, excludeRunID string) ([]modelclient.Message, error)
}

// staticHistory is the HistoryBuilder used when none is configured: the
// model sees only the current run's own task and journal.
type staticHistory struct{}

func (staticHistory) BuildContext(ctx context.Context, sessionID, excludeRunID string) ([]modelclient.Message, error) {
	return nil, nil
}

// Options configures an Engine.
type Options struct {
	LeaseOwner      string
	LeaseTTL        time.Duration
	DefaultMaxSteps int
	ModelTimeout    time.Duration
	ToolTimeout     time.Duration
	MaxRetries      int
	History         HistoryBuilder
	Executor        DurableExecutor
}

func (o *Options) setDefaults() {
	if o.LeaseTTL <= 0 {
		o.LeaseTTL = 2 * time.Minute
	}
	if o.DefaultMaxSteps <= 0 {
		o.DefaultMaxSteps = 25
	}
	if o.ModelTimeout <= 0 {
		o.ModelTimeout = 60 * time.Second
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.History == nil {
		o.History = staticHistory{}
	}
	if o.Executor == nil {
		o.Executor = NewNoOpExecutor()
	}
}

// Engine drives runs against a Journal Store, Event Bus, Approval
// Registry, and Tool Registry.
type Engine struct {
	journal   *journal.Store
	bus       *eventbus.Bus
	approvals *approval.Registry
	tools     *tool.Registry
	model     modelclient.Client

	opts   Options
	active *activeSet
}

// New wires an Engine from its component dependencies.
func New(store *journal.Store, bus *eventbus.Bus, approvals *approval.Registry, tools *tool.Registry, model modelclient.Client, opts Options) *Engine {
	opts.setDefaults()
	return &Engine{
		journal:   store,
		bus:       bus,
		approvals: approvals,
		tools:     tools,
		model:     model,
		opts:      opts,
		active:    newActiveSet(),
	}
}

// append is the single point where a journal entry is both persisted and
// fanned out to live subscribers; publish happens strictly after the
// store commit.
func (e *Engine) append(ctx context.Context, runID string, kind journal.EntryKind, step *int, payload any) (*journal.Entry, error) {
	entry, err := e.journal.Append(ctx, runID, kind, step, payload)
	if err != nil {
		return nil, err
	}
	e.bus.Publish(*entry)
	return entry, nil
}

func (e *Engine) appendTxEntry(entry *journal.Entry) {
	e.bus.Publish(*entry)
}

// deterministicToolCallID derives a tool-call id from (run, step, index)
// rather than trusting the model's self-reported id, so that re-invoking
// the model after a crash still produces an id that dedups correctly
// against entries already journaled for this logical position.
func deterministicToolCallID(runID string, step, index int) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s:%d:%d", runID, step, index)))
	return "tc_" + hex.EncodeToString(h[:])[:16]
}

func decodePayload[T any](raw []byte) (T, error) {
	var out T
	if len(raw) == 0 {
		return out, nil
	}
	err := json.Unmarshal(raw, &out)
	return out, err
}

// retryTransient runs attempt up to MaxRetries times with doubling
// backoff, returning the last error. Transient model or storage errors
// are retried up to this bound; the final failure terminates the run as
// `run-error`.
func (e *Engine) retryTransient(ctx context.Context, attempt func(ctx context.Context) error) error {
	delay := 500 * time.Millisecond
	var err error
	for i := 0; i < e.opts.MaxRetries; i++ {
		if err = attempt(ctx); err == nil {
			return nil
		}
		if i == e.opts.MaxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

func logErr(msg string, runID string, err error) {
	slog.Error(msg, slog.String("run_id", runID), slog.Any("error", err))
}
