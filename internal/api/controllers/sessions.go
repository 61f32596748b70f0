package controllers

import (
	"errors"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/duraflow/agentrun/internal/journal"
	"github.com/duraflow/agentrun/internal/perrors"
	"github.com/duraflow/agentrun/internal/session"
)

// ownerHeader carries the caller-supplied session owner. The engine has no
// authentication system of its own (out of scope for this subsystem); the
// HTTP surface trusts whatever identity the gateway in front of it has
// already established and forwards it in this header.
const ownerHeader = "X-User-Id"

type createSessionRequest struct {
	AgentKind string `json:"agentKind"`
	Title     string `json:"title"`
}

type sessionView struct {
	session.Session
	Runs []journal.Run `json:"runs,omitempty"`
}

// RegisterSessionRoutes wires the session lifecycle endpoints: create,
// list, read (optionally with nested runs), archive.
func RegisterSessionRoutes(r *router.Router, sessions *session.Repo, store *journal.Store) {
	r.POST("/sessions", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		var body createSessionRequest
		if err := parseBody(ctx, &body); err != nil {
			writeError(ctx, stdCtx, "invalid request body", perrors.NewErrInvalidRequest("invalid request body", err))
			return
		}
		if body.AgentKind == "" {
			writeError(ctx, stdCtx, "agentKind is required", perrors.NewErrInvalidRequest("agentKind is required", errors.New("agentKind is required")))
			return
		}

		owner := ownerOf(ctx)
		s, err := sessions.Create(stdCtx, owner, body.AgentKind, body.Title)
		if err != nil {
			writeError(ctx, stdCtx, "failed to create session", perrors.NewErrInternalServerError("failed to create session", err))
			return
		}

		writeOK(ctx, stdCtx, "session created", s)
	})

	r.GET("/sessions", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		list, err := sessions.List(stdCtx, ownerOf(ctx))
		if err != nil {
			writeError(ctx, stdCtx, "failed to list sessions", perrors.NewErrInternalServerError("failed to list sessions", err))
			return
		}

		writeOK(ctx, stdCtx, "sessions retrieved", list)
	})

	r.GET("/sessions/{id}", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		id, err := pathParam(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "invalid session id", perrors.NewErrInvalidRequest("invalid session id", err))
			return
		}

		s, err := sessions.Get(stdCtx, id)
		if errors.Is(err, session.ErrNotFound) {
			writeError(ctx, stdCtx, "session not found", perrors.New(perrors.ErrCodeNotFound, "session not found", err))
			return
		}
		if err != nil {
			writeError(ctx, stdCtx, "failed to get session", perrors.NewErrInternalServerError("failed to get session", err))
			return
		}

		view := sessionView{Session: *s}
		if queryOrDefault(ctx, "include", "") == "runs" {
			runs, err := store.ListRunsBySession(stdCtx, s.ID)
			if err != nil {
				writeError(ctx, stdCtx, "failed to list session runs", perrors.NewErrInternalServerError("failed to list session runs", err))
				return
			}
			view.Runs = runs
		}

		writeOK(ctx, stdCtx, "session retrieved", view)
	})

	r.POST("/sessions/{id}/archive", func(ctx *fasthttp.RequestCtx) {
		stdCtx := requestContext(ctx)

		id, err := pathParam(ctx, "id")
		if err != nil {
			writeError(ctx, stdCtx, "invalid session id", perrors.NewErrInvalidRequest("invalid session id", err))
			return
		}

		if err := sessions.Archive(stdCtx, id); err != nil {
			if errors.Is(err, session.ErrNotFound) {
				writeError(ctx, stdCtx, "session not found", perrors.New(perrors.ErrCodeNotFound, "session not found", err))
				return
			}
			writeError(ctx, stdCtx, "failed to archive session", perrors.NewErrInternalServerError("failed to archive session", err))
			return
		}

		writeOK(ctx, stdCtx, "session archived", nil)
	})
}

func ownerOf(ctx *fasthttp.RequestCtx) string {
	owner := string(ctx.Request.Header.Peek(ownerHeader))
	if owner == "" {
		return "anonymous"
	}
	return owner
}
