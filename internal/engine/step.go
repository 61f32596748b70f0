package engine

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/duraflow/agentrun/internal/approval"
	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/modelclient"
	"github.com/duraflow/agentrun/internal/tool"
)

var tracer = otel.Tracer("Engine")

// completeTaskTool is the sentinel pseudo-tool a model may invoke to signal
// it considers the task done, an explicit completion path alongside a
// plain stop finish.
const completeTaskTool = "complete-task"

type stepOutcome struct {
	suspended bool
	finished  bool
	cancelled bool
	message   string
}

// resolveStep inspects the entries journaled so far and determines which
// step the engine should (re-)drive next, and whether that step is already
// partially in progress.
func resolveStep(entries []journal.Entry) (stepNumber int, resuming bool) {
	maxStep := 0
	complete := map[int]bool{}
	for _, e := range entries {
		if e.StepNumber == nil {
			continue
		}
		if *e.StepNumber > maxStep {
			maxStep = *e.StepNumber
		}
		if e.Kind == journal.KindStepComplete {
			complete[*e.StepNumber] = true
		}
	}
	if maxStep == 0 {
		return 1, false
	}
	if complete[maxStep] {
		return maxStep + 1, false
	}
	return maxStep, true
}

// runStep drives one model turn to completion, or to a suspension point.
// It re-derives whatever it needs from `entries` (the run's full journal)
// so that the journal is the only state that survives a restart. When
// resuming is true the step's model turn is already journaled (an approval
// resume, or a crash between the model call and step-complete), so the
// model is NOT re-invoked: the turn's tool calls are reconstructed from
// the step's own entries and driven to completion instead, and the next
// fresh model call happens at the following step.
func (e *Engine) runStep(ctx context.Context, run *journal.Run, step int, resuming bool, entries []journal.Entry, messages []modelclient.Message, cancelCh <-chan struct{}) (outcome stepOutcome, err error) {
	ctx, span := tracer.Start(ctx, "Engine.Step", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.Int("run.step", step),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	forStep := entriesForStep(entries, step)

	if resuming {
		return e.resumeStep(ctx, run, step, forStep, cancelCh)
	}

	if e.model == nil {
		return stepOutcome{}, fmt.Errorf("no model client configured")
	}

	cfg, _ := decodePayload[journal.RunConfig](run.Config)
	schemas := e.tools.Schemas()
	toolSpecs := make([]modelclient.ToolSpec, 0, len(schemas))
	for _, s := range schemas {
		params, _ := s["parameters"].(map[string]any)
		toolSpecs = append(toolSpecs, modelclient.ToolSpec{
			Name:        s["name"].(string),
			Description: s["description"].(string),
			Parameters:  params,
		})
	}

	resp, err := DurableRun(ctx, e.opts.Executor, fmt.Sprintf("model-call-%s-%d", run.ID, step), func(ctx context.Context) (modelclient.Response, error) {
		var out modelclient.Response
		err := e.retryTransient(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(ctx, e.opts.ModelTimeout)
			defer cancel()
			var invokeErr error
			out, invokeErr = e.model.Invoke(callCtx, modelclient.Request{Model: cfg.Model, Messages: messages, Tools: toolSpecs})
			return invokeErr
		})
		return out, err
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("invoke model: %w", err)
	}

	if !hasKindForStep(forStep, journal.KindText) && strings.TrimSpace(resp.Message.Content) != "" {
		if _, err := e.append(ctx, run.ID, journal.KindText, &step, journal.TextPayload{Text: resp.Message.Content}); err != nil {
			return stepOutcome{}, fmt.Errorf("append text: %w", err)
		}
	}

	explicitComplete := false

	for i, tc := range resp.Message.ToolCalls {
		// Cancellation is checked between every tool invocation within a
		// step, not just between steps, so a cancel requested mid-turn is
		// observed before the next side effect runs rather than only at
		// the following step boundary.
		select {
		case <-cancelCh:
			return stepOutcome{cancelled: true}, nil
		default:
		}

		if tc.Name == completeTaskTool {
			explicitComplete = true
			continue
		}

		callID := deterministicToolCallID(run.ID, step, i)

		var outcome stepOutcome
		var err error
		if tc.Name == delegateTool {
			outcome, err = e.handleDelegate(ctx, run, step, callID, tc, forStep)
		} else {
			outcome, err = e.handleToolCall(ctx, run, step, callID, tc, forStep)
		}
		if err != nil {
			return stepOutcome{}, err
		}
		if outcome.suspended {
			return outcome, nil
		}
	}

	finished := explicitComplete || resp.FinishReason == modelclient.FinishStop
	return stepOutcome{finished: finished, message: resp.Message.Content}, nil
}

// resumeStep re-enters a step whose model turn is already journaled. It
// locates the turn's recorded tool calls (the `tool-proposed` entry that
// caused a suspension, any `tool-starting` a crash interrupted, any
// child-run delegation) and drives each unfinished one to completion:
// handleToolCall consults the Approval record for a gated call and either
// executes it or records the rejection. The step then falls through to
// step-complete; the original turn's finish reason is unknowable from the
// journal, so the run is never finished here and the model's next fresh
// turn (which now sees the tool results in context) decides what follows.
func (e *Engine) resumeStep(ctx context.Context, run *journal.Run, step int, forStep []journal.Entry, cancelCh <-chan struct{}) (stepOutcome, error) {
	for _, tc := range journaledToolCalls(forStep) {
		select {
		case <-cancelCh:
			return stepOutcome{cancelled: true}, nil
		default:
		}

		var outcome stepOutcome
		var err error
		if tc.Name == delegateTool {
			outcome, err = e.handleDelegate(ctx, run, step, tc.ID, tc, forStep)
		} else {
			outcome, err = e.handleToolCall(ctx, run, step, tc.ID, tc, forStep)
		}
		if err != nil {
			return stepOutcome{}, err
		}
		if outcome.suspended {
			return outcome, nil
		}
	}

	return stepOutcome{}, nil
}

// journaledToolCalls reconstructs a step's model turn from its own journal
// entries, in journal order, deduplicated by tool-call id across the entry
// kinds that can record the same call.
func journaledToolCalls(forStep []journal.Entry) []modelclient.ToolCall {
	calls := make([]modelclient.ToolCall, 0)
	seen := map[string]bool{}
	add := func(id, name string, args map[string]any) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		calls = append(calls, modelclient.ToolCall{ID: id, Name: name, Args: args})
	}

	for _, en := range forStep {
		switch en.Kind {
		case journal.KindToolProposed:
			if p, err := decodePayload[journal.ToolProposedPayload](en.Payload); err == nil {
				add(p.ToolCallID, p.ToolName, p.Args)
			}
		case journal.KindToolStarting:
			if p, err := decodePayload[journal.ToolStartingPayload](en.Payload); err == nil {
				add(p.ToolCallID, p.ToolName, p.Args)
			}
		case journal.KindChildRunStarted:
			if p, err := decodePayload[journal.ChildRunStartedPayload](en.Payload); err == nil {
				add(p.ToolCallID, delegateTool, map[string]any{"agentKind": p.AgentKind, "task": p.Task})
			}
		}
	}
	return calls
}

// handleToolCall processes exactly one tool call at its logical position
// (run, step, index), skipping any side effect whose outcome is already
// recorded in forStep: check first, then side-effect, then append.
func (e *Engine) handleToolCall(ctx context.Context, run *journal.Run, step int, callID string, tc modelclient.ToolCall, forStep []journal.Entry) (stepOutcome, error) {
	if hasToolComplete(forStep, callID) {
		return stepOutcome{}, nil
	}

	class := e.tools.Classify(tc.Name)

	switch class {
	case tool.Safe:
		if !hasToolStarting(forStep, callID) {
			if _, err := e.append(ctx, run.ID, journal.KindToolStarting, &step, journal.ToolStartingPayload{
				ToolCallID: callID, ToolName: tc.Name, Args: tc.Args,
			}); err != nil {
				return stepOutcome{}, fmt.Errorf("append tool-starting: %w", err)
			}
		}
		return stepOutcome{}, e.executeAndRecord(ctx, run, step, callID, tc)

	case tool.RequiresApproval:
		appr, err := e.approvals.Get(ctx, run.ID, callID)
		if err != nil && err != approval.ErrNotFound {
			return stepOutcome{}, fmt.Errorf("get approval: %w", err)
		}

		if err == approval.ErrNotFound {
			return e.suspendForApproval(ctx, run, step, callID, tc)
		}

		switch appr.Status {
		case approval.StatusPending:
			// Should not normally reach runStep while suspended; treat as
			// re-suspension to stay safe against unexpected re-entry.
			return stepOutcome{suspended: true}, nil
		case approval.StatusApproved:
			if !hasToolStarting(forStep, callID) {
				if _, err := e.append(ctx, run.ID, journal.KindToolStarting, &step, journal.ToolStartingPayload{
					ToolCallID: callID, ToolName: tc.Name, Args: tc.Args,
				}); err != nil {
					return stepOutcome{}, fmt.Errorf("append tool-starting: %w", err)
				}
			}
			return stepOutcome{}, e.executeAndRecord(ctx, run, step, callID, tc)
		default: // rejected or expired
			reason := "rejected"
			if appr.Reason != nil && *appr.Reason != "" {
				reason = "rejected: " + *appr.Reason
			}
			if _, err := e.append(ctx, run.ID, journal.KindToolComplete, &step, journal.ToolCompletePayload{
				ToolCallID: callID, Success: false, Summary: reason,
			}); err != nil {
				return stepOutcome{}, fmt.Errorf("append tool-complete: %w", err)
			}
			return stepOutcome{}, nil
		}

	default: // unknown
		if _, err := e.append(ctx, run.ID, journal.KindToolComplete, &step, journal.ToolCompletePayload{
			ToolCallID: callID, Success: false, Summary: "unknown tool",
		}); err != nil {
			return stepOutcome{}, fmt.Errorf("append tool-complete: %w", err)
		}
		return stepOutcome{}, nil
	}
}

// suspendForApproval atomically creates the Approval record and the
// `tool-proposed` entry, then appends `run-suspended` and releases the
// lease by returning a suspended outcome.
func (e *Engine) suspendForApproval(ctx context.Context, run *journal.Run, step int, callID string, tc modelclient.ToolCall) (stepOutcome, error) {
	tx, err := e.journal.BeginTx(ctx)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("begin suspend tx: %w", err)
	}
	defer tx.Rollback()

	proposedEntry, err := e.journal.AppendTx(ctx, tx, run.ID, journal.KindToolProposed, &step, journal.ToolProposedPayload{
		ToolCallID: callID, ToolName: tc.Name, Args: tc.Args,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("append tool-proposed: %w", err)
	}

	appr, err := e.approvals.CreateTx(ctx, tx, run.ID, callID, tc.Name, tc.Args, step)
	if err != nil {
		return stepOutcome{}, fmt.Errorf("create approval: %w", err)
	}

	suspendedEntry, err := e.journal.AppendTx(ctx, tx, run.ID, journal.KindRunSuspended, &step, journal.RunSuspendedPayload{
		Reason: "awaiting approval for " + tc.Name, PendingApprovalID: appr.ID,
	})
	if err != nil {
		return stepOutcome{}, fmt.Errorf("append run-suspended: %w", err)
	}

	if err := e.journal.SetRunStatusTx(ctx, tx, run.ID, journal.StatusSuspended, nil); err != nil {
		return stepOutcome{}, fmt.Errorf("set suspended status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return stepOutcome{}, fmt.Errorf("commit suspend: %w", err)
	}

	e.appendTxEntry(proposedEntry)
	e.appendTxEntry(suspendedEntry)

	return stepOutcome{suspended: true}, nil
}

// executeAndRecord performs the tool's side effect (bounded by a timeout
// and, where configured, a DurableExecutor layer) then appends
// tool-complete: side effect first, then append.
func (e *Engine) executeAndRecord(ctx context.Context, run *journal.Run, step int, callID string, tc modelclient.ToolCall) error {
	ctx, span := tracer.Start(ctx, "Engine.ExecuteTool", trace.WithAttributes(attribute.String("tool.name", tc.Name)))
	defer span.End()

	result, err := DurableRun(ctx, e.opts.Executor, fmt.Sprintf("tool-call-%s", callID), func(ctx context.Context) (tool.Result, error) {
		ctx, cancel := context.WithTimeout(ctx, e.opts.ToolTimeout)
		defer cancel()
		return e.tools.Execute(ctx, tc.Name, tc.Args)
	})
	if err != nil {
		span.RecordError(err)
		result = tool.Result{Success: false, Error: err.Error()}
	}

	_, appendErr := e.append(ctx, run.ID, journal.KindToolComplete, &step, journal.ToolCompletePayload{
		ToolCallID: callID, Output: result.Output, Success: result.Success, Summary: firstNonEmpty(result.Summary, result.Error),
	})
	return appendErr
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func entriesForStep(entries []journal.Entry, step int) []journal.Entry {
	out := make([]journal.Entry, 0)
	for _, e := range entries {
		if e.StepNumber != nil && *e.StepNumber == step {
			out = append(out, e)
		}
	}
	return out
}

func hasKindForStep(entries []journal.Entry, kind journal.EntryKind) bool {
	for _, e := range entries {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func hasToolStarting(entries []journal.Entry, callID string) bool {
	for _, e := range entries {
		if e.Kind != journal.KindToolStarting {
			continue
		}
		if p, err := decodePayload[journal.ToolStartingPayload](e.Payload); err == nil && p.ToolCallID == callID {
			return true
		}
	}
	return false
}

func hasToolComplete(entries []journal.Entry, callID string) bool {
	for _, e := range entries {
		if e.Kind != journal.KindToolComplete {
			continue
		}
		if p, err := decodePayload[journal.ToolCompletePayload](e.Payload); err == nil && p.ToolCallID == callID {
			return true
		}
	}
	return false
}
