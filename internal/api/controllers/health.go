package controllers

import (
	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RegisterHealthRoute wires the unauthenticated liveness check.
func RegisterHealthRoute(r *router.Router) {
	r.GET("/health", func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		_, _ = ctx.Write([]byte("OK"))
	})
}
