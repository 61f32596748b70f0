package controllers

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strconv"

	json "github.com/bytedance/sonic"
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/duraflow/agentrun/internal/approval"
	"github.com/duraflow/agentrun/internal/engine"
	"github.com/duraflow/agentrun/internal/eventbus"
	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/perrors"
	"github.com/duraflow/agentrun/internal/session"
)

type startRunRequest struct {
	Task   string            `json:"task"`
	Config journal.RunConfig `json:"config"`
}

type resumeRunRequest struct {
	Decision approval.Decision `json:"decision"`
	Feedback string            `json:"feedback"`
}

type runView struct {
	journal.Run
	Entries []journal.Entry `json:"entries"`
}

// RegisterRunRoutes wires the run lifecycle and streaming endpoints.
func RegisterRunRoutes(r *router.Router, sessions *session.Repo, store *journal.Store, bus *eventbus.Bus, approvals *approval.Registry, eng *engine.Engine, defaultMaxSteps int) {
	r.POST("/sessions/{sessionId}/runs", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		sessionID, err := pathParam(ctx, "sessionId")
		if err != nil {
			writeError(ctx, stdCtx, "invalid session id", perrors.NewErrInvalidRequest("invalid session id", err))
			return
		}

		s, err := sessions.Get(stdCtx, sessionID)
		if errors.Is(err, session.ErrNotFound) {
			writeError(ctx, stdCtx, "session not found", perrors.New(perrors.ErrCodeNotFound, "session not found", err))
			return
		}
		if err != nil {
			writeError(ctx, stdCtx, "failed to load session", perrors.NewErrInternalServerError("failed to load session", err))
			return
		}
		if s.Status == session.StatusArchived {
			writeError(ctx, stdCtx, "session is archived", perrors.New(perrors.ErrCodeConflict, "session is archived", session.ErrArchived))
			return
		}

		var body startRunRequest
		if err := parseBody(ctx, &body); err != nil {
			writeError(ctx, stdCtx, "invalid request body", perrors.NewErrInvalidRequest("invalid request body", err))
			return
		}
		if body.Task == "" {
			writeError(ctx, stdCtx, "task is required", perrors.NewErrInvalidRequest("task is required", errors.New("task is required")))
			return
		}
		if body.Config.MaxSteps <= 0 {
			body.Config.MaxSteps = defaultMaxSteps
		}

		run, err := store.CreateRun(stdCtx, journal.CreateRunParams{
			SessionID: s.ID,
			AgentKind: s.AgentKind,
			Task:      body.Task,
			Config:    body.Config,
			Backend:   "local",
		})
		if err != nil {
			writeError(ctx, stdCtx, "failed to create run", perrors.NewErrInternalServerError("failed to create run", err))
			return
		}

		if err := sessions.Touch(stdCtx, s.ID); err != nil {
			writeError(ctx, stdCtx, "failed to touch session", perrors.NewErrInternalServerError("failed to touch session", err))
			return
		}

		if err := eng.Start(context.Background(), run.ID); err != nil {
			writeError(ctx, stdCtx, "failed to start run", perrors.NewErrInternalServerError("failed to start run", err))
			return
		}

		writeOK(ctx, stdCtx, "run started", map[string]string{
			"id":           run.ID,
			"subscribeUrl": "/runs/" + run.ID + "/subscribe",
		})
	})

	r.GET("/runs/{id}", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		id, err := pathParam(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "invalid run id", perrors.NewErrInvalidRequest("invalid run id", err))
			return
		}

		run, err := store.GetRun(stdCtx, id)
		if errors.Is(err, journal.ErrNotFound) {
			writeError(ctx, stdCtx, "run not found", perrors.New(perrors.ErrCodeNotFound, "run not found", err))
			return
		}
		if err != nil {
			writeError(ctx, stdCtx, "failed to load run", perrors.NewErrInternalServerError("failed to load run", err))
			return
		}

		entries, err := store.List(stdCtx, id, 0)
		if err != nil {
			writeError(ctx, stdCtx, "failed to load journal", perrors.NewErrInternalServerError("failed to load journal", err))
			return
		}

		writeOK(ctx, stdCtx, "run retrieved", runView{Run: *run, Entries: entries})
	})

	r.GET("/runs/{id}/subscribe", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		id, err := pathParam(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "invalid run id", perrors.NewErrInvalidRequest("invalid run id", err))
			return
		}

		since := sinceSequence(ctx)

		subCtx, cancel := context.WithCancel(stdCtx)
		sub, err := bus.Subscribe(subCtx, id, since)
		if err != nil {
			cancel()
			writeError(ctx, stdCtx, "failed to subscribe", perrors.NewErrInternalServerError("failed to subscribe", err))
			return
		}

		ctx.Response.Header.Set("Content-Type", "text/event-stream")
		ctx.Response.Header.Set("Cache-Control", "no-cache")
		ctx.Response.Header.Set("Connection", "keep-alive")
		ctx.SetStatusCode(fasthttp.StatusOK)

		writeDone := func(w *bufio.Writer) bool {
			run, err := store.GetRun(stdCtx, id)
			if err != nil || !run.Status.Terminal() {
				return false
			}
			done := map[string]any{"id": run.ID, "status": run.Status, "result": json.NoCopyRawMessage(run.Result)}
			buf, _ := json.Marshal(done)
			fmt.Fprintf(w, "event: done\n")
			fmt.Fprintf(w, "data: %s\n\n", buf)
			w.Flush()
			return true
		}

		// writeOverflow reports whether the subscriber was dropped for
		// falling behind, distinguishing that from Live simply closing
		// because a terminal entry was already delivered.
		writeOverflow := func(w *bufio.Writer) bool {
			select {
			case <-sub.Overflowed:
			default:
				return false
			}
			overflowErr := &eventbus.ErrOverflow{RunID: id}
			buf, _ := json.Marshal(map[string]string{"error": overflowErr.Error(), "code": "overflow"})
			fmt.Fprintf(w, "event: error\n")
			fmt.Fprintf(w, "data: %s\n\n", buf)
			w.Flush()
			return true
		}

		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			defer cancel()
			defer sub.Close()
			defer w.Flush()

			for _, e := range sub.Replay {
				if writeSSEEvent(w, e) {
					writeDone(w)
					return
				}
			}

			// The run may already be terminal with its terminal entry behind
			// the client's cursor (a reconnect after processing everything);
			// without this check the Live loop would wait forever on a run
			// that will never append again.
			if writeDone(w) {
				return
			}

			for e := range sub.Live {
				if writeSSEEvent(w, e) {
					writeDone(w)
					return
				}
			}

			if writeOverflow(w) {
				return
			}

			writeDone(w)
		})
	})

	r.POST("/runs/{id}/resume", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		id, err := pathParam(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "invalid run id", perrors.NewErrInvalidRequest("invalid run id", err))
			return
		}

		var body resumeRunRequest
		if err := parseBody(ctx, &body); err != nil {
			writeError(ctx, stdCtx, "invalid request body", perrors.NewErrInvalidRequest("invalid request body", err))
			return
		}
		if body.Decision != approval.DecisionApproved && body.Decision != approval.DecisionRejected {
			writeError(ctx, stdCtx, "decision must be approved or rejected", perrors.NewErrInvalidRequest("invalid decision", errors.New("decision must be approved or rejected")))
			return
		}

		if err := eng.Resume(context.Background(), id, body.Decision, body.Feedback); err != nil {
			if errors.Is(err, engine.ErrConflict) {
				writeError(ctx, stdCtx, "resume conflict", perrors.New(perrors.ErrCodeConflict, "resume conflict", err))
				return
			}
			if errors.Is(err, journal.ErrNotFound) {
				writeError(ctx, stdCtx, "run not found", perrors.New(perrors.ErrCodeNotFound, "run not found", err))
				return
			}
			writeError(ctx, stdCtx, "failed to resume run", perrors.NewErrInternalServerError("failed to resume run", err))
			return
		}

		writeOK(ctx, stdCtx, "run resumed", nil)
	})

	r.POST("/runs/{id}/cancel", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		id, err := pathParam(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "invalid run id", perrors.NewErrInvalidRequest("invalid run id", err))
			return
		}

		if err := eng.Cancel(context.Background(), id, "cancelled by request"); err != nil {
			if errors.Is(err, engine.ErrConflict) {
				writeError(ctx, stdCtx, "cancel conflict", perrors.New(perrors.ErrCodeConflict, "cancel conflict", err))
				return
			}
			if errors.Is(err, journal.ErrNotFound) {
				writeError(ctx, stdCtx, "run not found", perrors.New(perrors.ErrCodeNotFound, "run not found", err))
				return
			}
			writeError(ctx, stdCtx, "failed to cancel run", perrors.NewErrInternalServerError("failed to cancel run", err))
			return
		}

		writeOK(ctx, stdCtx, "run cancellation requested", nil)
	})

	r.GET("/runs/{id}/pending-approval", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		id, err := pathParam(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "invalid run id", perrors.NewErrInvalidRequest("invalid run id", err))
			return
		}

		pending, err := approvals.GetPending(stdCtx, id)
		if errors.Is(err, approval.ErrNotFound) {
			writeOK(ctx, stdCtx, "no pending approval", nil)
			return
		}
		if err != nil {
			writeError(ctx, stdCtx, "failed to load pending approval", perrors.NewErrInternalServerError("failed to load pending approval", err))
			return
		}

		writeOK(ctx, stdCtx, "pending approval retrieved", pending)
	})
}

// sinceSequence resolves the replay cursor from either a query parameter
// or the Last-Event-Id header, defaulting to 0 (replay the entire
// journal).
func sinceSequence(ctx *fasthttp.RequestCtx) int {
	if raw := ctx.QueryArgs().Peek("since-sequence"); len(raw) > 0 {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			return n
		}
	}
	if raw := ctx.Request.Header.Peek("Last-Event-Id"); len(raw) > 0 {
		if n, err := strconv.Atoi(string(raw)); err == nil {
			return n
		}
	}
	return 0
}

// writeSSEEvent writes one `event: event` frame and reports whether the
// stream should stop (the entry was terminal).
func writeSSEEvent(w *bufio.Writer, e journal.Entry) bool {
	buf, err := json.Marshal(e)
	if err != nil {
		return true
	}
	fmt.Fprintf(w, "event: event\n")
	fmt.Fprintf(w, "data: %s\n\n", buf)
	if err := w.Flush(); err != nil {
		return true
	}
	return e.Kind.Terminal()
}
