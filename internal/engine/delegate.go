package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/modelclient"
)

// delegateTool is the sentinel pseudo-tool name through which a run spawns
// a child run and awaits its result. It
// is special-cased in the step loop rather than routed through the Tool
// Registry, because it needs the engine itself (to create and drive a
// child run), which a plain Tool has no access to.
const delegateTool = "delegate"

const (
	delegatePollInterval = 500 * time.Millisecond
	delegatePollTimeout  = 5 * time.Minute
)

// handleDelegate implements one `delegate` pseudo-tool call: create (or
// recover) the child run, drive it, then poll the Journal Store for its
// terminal state before recording `child-run-completed` and letting the
// parent step continue. No internal Event Bus subscription is needed
// since parent and child share the same store.
func (e *Engine) handleDelegate(ctx context.Context, run *journal.Run, step int, callID string, tc modelclient.ToolCall, forStep []journal.Entry) (stepOutcome, error) {
	childID, resultPayload, done := findChildCompleted(forStep, callID)
	if done {
		_ = resultPayload
		return stepOutcome{}, nil
	}

	childID, started := findChildStarted(forStep, callID)
	if !started {
		agentKind, _ := tc.Args["agentKind"].(string)
		task, _ := tc.Args["task"].(string)

		child, err := e.journal.CreateRun(ctx, journal.CreateRunParams{
			SessionID:   run.SessionID,
			AgentKind:   agentKind,
			Task:        task,
			Config:      journal.RunConfig{MaxSteps: e.opts.DefaultMaxSteps},
			ParentRunID: &run.ID,
			Backend:     run.Backend,
		})
		if err != nil {
			return stepOutcome{}, fmt.Errorf("create child run: %w", err)
		}

		if _, err := e.append(ctx, run.ID, journal.KindChildRunStarted, &step, journal.ChildRunStartedPayload{
			ToolCallID: callID, ChildRunID: child.ID, AgentKind: agentKind, Task: task,
		}); err != nil {
			return stepOutcome{}, fmt.Errorf("append child-run-started: %w", err)
		}

		if err := e.Start(ctx, child.ID); err != nil {
			return stepOutcome{}, fmt.Errorf("start child run: %w", err)
		}

		childID = child.ID
	}

	child, err := e.pollChildTerminal(ctx, childID)
	if err != nil {
		if _, appendErr := e.append(ctx, run.ID, journal.KindChildRunCompleted, &step, journal.ChildRunCompletedPayload{
			ToolCallID: callID, ChildRunID: childID, Success: false,
		}); appendErr != nil {
			return stepOutcome{}, appendErr
		}
		return stepOutcome{}, nil
	}

	result, _ := decodePayload[journal.RunResult](child.Result)
	if _, err := e.append(ctx, run.ID, journal.KindChildRunCompleted, &step, journal.ChildRunCompletedPayload{
		ToolCallID: callID, ChildRunID: childID, Success: child.Status == journal.StatusCompleted, Result: result,
	}); err != nil {
		return stepOutcome{}, fmt.Errorf("append child-run-completed: %w", err)
	}

	return stepOutcome{}, nil
}

func (e *Engine) pollChildTerminal(ctx context.Context, childRunID string) (*journal.Run, error) {
	deadline := time.Now().Add(delegatePollTimeout)
	ticker := time.NewTicker(delegatePollInterval)
	defer ticker.Stop()

	for {
		run, err := e.journal.GetRun(ctx, childRunID)
		if err != nil {
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("child run %s did not reach a terminal state within %s", childRunID, delegatePollTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func findChildStarted(entries []journal.Entry, callID string) (childID string, found bool) {
	for _, e := range entries {
		if e.Kind != journal.KindChildRunStarted {
			continue
		}
		if p, err := decodePayload[journal.ChildRunStartedPayload](e.Payload); err == nil && p.ToolCallID == callID {
			return p.ChildRunID, true
		}
	}
	return "", false
}

func findChildCompleted(entries []journal.Entry, callID string) (childID string, result any, found bool) {
	for _, e := range entries {
		if e.Kind != journal.KindChildRunCompleted {
			continue
		}
		if p, err := decodePayload[journal.ChildRunCompletedPayload](e.Payload); err == nil && p.ToolCallID == callID {
			return p.ChildRunID, p.Result, true
		}
	}
	return "", nil, false
}
