package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/duraflow/agentrun/internal/approval"
	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/modelclient"
)

// ErrConflict signals a request that is well-formed but violates the run's
// current state: resume without a pending approval, resuming a run that is
// not suspended, double-resolving an approval.
var ErrConflict = errors.New("engine: conflict")

// Start begins driving an existing pending run. It acquires the
// single-writer lease, appends `run-started`, then starts the main loop on
// a background goroutine and returns; the loop drives the run until it
// suspends or reaches a terminal state.
func (e *Engine) Start(ctx context.Context, runID string) error {
	return e.pickup(ctx, runID, true)
}

// Resume wakes a suspended run after its pending approval has been
// resolved by the HTTP surface. It resolves the pending approval, appends
// `run-resumed`, then re-acquires the lease and re-enters the main loop at
// the step that suspended.
func (e *Engine) Resume(ctx context.Context, runID string, decision approval.Decision, feedback string) error {
	run, err := e.journal.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != journal.StatusSuspended {
		return fmt.Errorf("%w: run is not suspended", ErrConflict)
	}

	pending, err := e.approvals.GetPending(ctx, runID)
	if err != nil {
		if err == approval.ErrNotFound {
			return fmt.Errorf("%w: no pending approval", ErrConflict)
		}
		return err
	}

	var reasonPtr *string
	if decision == approval.DecisionRejected && feedback != "" {
		f := feedback
		reasonPtr = &f
	}
	resolved, err := e.approvals.Resolve(ctx, runID, pending.ToolCallID, decision, reasonPtr)
	if err != nil {
		return err
	}
	if !resolved {
		return fmt.Errorf("%w: approval already resolved", ErrConflict)
	}

	step := pending.StepNumber
	if _, err := e.append(ctx, runID, journal.KindRunResumed, &step, journal.RunResumedPayload{
		Decision: string(decision), Feedback: feedback,
	}); err != nil {
		return fmt.Errorf("append run-resumed: %w", err)
	}

	return e.pickup(ctx, runID, false)
}

// pickup acquires the lease and drives the loop, appending `run-started`
// first when fresh is true.
func (e *Engine) pickup(ctx context.Context, runID string, fresh bool) error {
	ok, err := e.journal.TryAcquireLease(ctx, runID, e.opts.LeaseOwner, e.opts.LeaseTTL)
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: run already has an active lease", ErrConflict)
	}

	run, err := e.journal.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if fresh {
		cfg, _ := decodePayload[journal.RunConfig](run.Config)
		maxSteps := cfg.MaxSteps
		if maxSteps <= 0 {
			maxSteps = e.opts.DefaultMaxSteps
		}
		if _, err := e.append(ctx, runID, journal.KindRunStarted, nil, journal.RunStartedPayload{
			Task: run.Task, MaxSteps: maxSteps, AgentKind: run.AgentKind,
		}); err != nil {
			return fmt.Errorf("append run-started: %w", err)
		}
	}

	go func() {
		if err := e.driveLoop(context.Background(), runID); err != nil {
			logErr("drive loop exited with error", runID, err)
		}
	}()
	return nil
}

// DriveSync runs the same step loop as the local backend's background
// worker, but synchronously on the caller's goroutine. Alternative
// runtimes (Temporal workflow code, a Restate handler) call this directly
// instead of Start, since they are themselves the long-lived driver and
// must not detach a goroutine the workflow/handler engine cannot observe.
func (e *Engine) DriveSync(ctx context.Context, runID string) error {
	return e.driveLoop(ctx, runID)
}

// Cancel requests cooperative cancellation. If an in-process worker is
// actively driving the run it is signaled and will append `run-cancelled`
// at its next checkpoint; otherwise (the run is suspended, pending, or its
// worker is gone) Cancel transitions it directly; a cancel during
// suspension leaves the pending approval orphaned rather than resolving it.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	run, err := e.journal.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return fmt.Errorf("%w: run already terminal", ErrConflict)
	}

	if e.active.requestCancel(runID) {
		return nil
	}

	return e.finalizeCancelDirect(ctx, run, reason)
}

func (e *Engine) finalizeCancelDirect(ctx context.Context, run *journal.Run, reason string) error {
	tx, err := e.journal.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	entry, err := e.journal.AppendTx(ctx, tx, run.ID, journal.KindRunCancelled, nil, journal.RunCancelledPayload{Reason: reason})
	if err != nil {
		return fmt.Errorf("append run-cancelled: %w", err)
	}
	if err := e.journal.SetRunStatusTx(ctx, tx, run.ID, journal.StatusCancelled, nil); err != nil {
		return err
	}
	if run.LeaseOwner != nil {
		if err := e.journal.ReleaseLeaseTx(ctx, tx, run.ID, *run.LeaseOwner); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	e.appendTxEntry(entry)
	return nil
}

// finalizeCancelIfRequested is a non-blocking check of cancelCh shared by
// driveLoop's between-step checkpoint and runStep's between-tool-call
// checkpoint, so cancellation is observed both between steps and between
// tool invocations within a step. It reports handled=true if the
// run was (or already is) being finalized as cancelled, in which case the
// caller should stop driving the run and return err.
func (e *Engine) finalizeCancelIfRequested(ctx context.Context, runID string, cancelCh <-chan struct{}) (handled bool, err error) {
	select {
	case <-cancelCh:
	default:
		return false, nil
	}

	run, err := e.journal.GetRun(ctx, runID)
	if err != nil {
		return true, err
	}
	if run.Status.Terminal() {
		return true, nil
	}
	if err := e.finalizeCancelDirect(ctx, run, "cancelled"); err != nil {
		logErr("finalize cancel failed", runID, err)
		return true, err
	}
	return true, nil
}

// driveLoop is the body of a single in-process worker for one run. It runs
// until the run suspends, is cancelled, or reaches a terminal state, then
// releases the lease.
func (e *Engine) driveLoop(ctx context.Context, runID string) error {
	cancelCh, leave := e.active.enter(runID)
	defer leave()

	owner := e.opts.LeaseOwner

	for {
		if handled, err := e.finalizeCancelIfRequested(ctx, runID, cancelCh); handled {
			return err
		}

		run, err := e.journal.GetRun(ctx, runID)
		if err != nil {
			logErr("load run failed", runID, err)
			return err
		}
		if run.Status.Terminal() {
			return nil
		}

		entries, err := e.journal.List(ctx, runID, 0)
		if err != nil {
			logErr("list entries failed", runID, err)
			e.finalizeError(ctx, runID, owner, "load journal: "+err.Error())
			return err
		}

		step, resuming := resolveStep(entries)

		cfg, _ := decodePayload[journal.RunConfig](run.Config)
		maxSteps := cfg.MaxSteps
		if maxSteps <= 0 {
			maxSteps = e.opts.DefaultMaxSteps
		}

		history, err := e.opts.History.BuildContext(ctx, run.SessionID, run.ID)
		if err != nil {
			logErr("build history failed", runID, err)
			history = nil
		}

		messages := make([]modelclient.Message, 0, len(history)+2)
		messages = append(messages, history...)
		messages = append(messages, journal.BuildTranscript(entries)...)
		messages = append(messages, modelclient.Message{Role: modelclient.RoleUser, Content: run.Task})

		outcome, err := e.runStep(ctx, run, step, resuming, entries, messages, cancelCh)
		if err != nil {
			e.finalizeError(ctx, runID, owner, err.Error())
			return err
		}

		if outcome.cancelled {
			// The cancellation was observed between tool calls within the
			// step rather than at the top of the loop; finalize it the same
			// way, discarding whatever partial step progress was in flight.
			_, err := e.finalizeCancelIfRequested(ctx, runID, cancelCh)
			return err
		}

		if outcome.suspended {
			// The engine releases its lease here: SetRunStatusTx already
			// moved the run to suspended inside suspendForApproval's
			// transaction, but the lease itself is cleared separately so a
			// future Resume can re-acquire it.
			if err := e.journal.ReleaseLease(ctx, runID, owner); err != nil {
				logErr("release lease after suspend failed", runID, err)
			}
			return nil
		}

		if _, err := e.append(ctx, runID, journal.KindStepComplete, &step, journal.StepCompletePayload{StepNumber: step}); err != nil {
			logErr("append step-complete failed", runID, err)
			e.finalizeError(ctx, runID, owner, err.Error())
			return err
		}

		if outcome.finished {
			e.finalizeComplete(ctx, runID, owner, outcome.message, step)
			return nil
		}

		if step >= maxSteps {
			e.finalizeError(ctx, runID, owner, "step budget exhausted")
			return nil
		}
	}
}

func (e *Engine) finalizeComplete(ctx context.Context, runID, owner, message string, steps int) {
	result := journal.RunResult{Success: true, Message: message, Steps: steps}
	if _, err := e.append(ctx, runID, journal.KindRunComplete, nil, journal.RunCompletePayload{
		Success: true, Message: message, Steps: steps,
	}); err != nil {
		logErr("append run-complete failed", runID, err)
	}
	if err := e.journal.SetRunStatus(ctx, runID, journal.StatusCompleted, &result); err != nil {
		logErr("set completed status failed", runID, err)
	}
	if err := e.journal.ReleaseLease(ctx, runID, owner); err != nil {
		logErr("release lease after complete failed", runID, err)
	}
}

func (e *Engine) finalizeError(ctx context.Context, runID, owner, message string) {
	if _, err := e.append(ctx, runID, journal.KindRunError, nil, journal.RunErrorPayload{Error: message}); err != nil {
		logErr("append run-error failed", runID, err)
	}
	result := journal.RunResult{Success: false, Message: message}
	if err := e.journal.SetRunStatus(ctx, runID, journal.StatusFailed, &result); err != nil {
		logErr("set failed status failed", runID, err)
	}
	if err := e.journal.ReleaseLease(ctx, runID, owner); err != nil {
		logErr("release lease after error failed", runID, err)
	}
	slog.Warn("run terminated with error", slog.String("run_id", runID), slog.String("message", message))
}
