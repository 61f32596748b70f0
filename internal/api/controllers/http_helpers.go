package controllers

import (
	"context"
	"errors"
	"fmt"

	json "github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"github.com/duraflow/agentrun/internal/api/response"
)

// requestContext returns a baseline context for handlers. fasthttp does not
// provide a standard context, so we start from Background for downstream
// calls.
func requestContext(_ *fasthttp.RequestCtx) context.Context {
	return context.Background()
}

func parseBody(ctx *fasthttp.RequestCtx, target any) error {
	body := ctx.PostBody()
	if len(body) == 0 {
		return errors.New("request body is empty")
	}

	return json.Unmarshal(body, target)
}

func writeError(ctx *fasthttp.RequestCtx, stdCtx context.Context, message string, err error) {
	response.NewResponse[any](stdCtx, message, nil).WithError(err).Write(ctx)
}

func writeOK(ctx *fasthttp.RequestCtx, stdCtx context.Context, message string, data any) {
	response.NewResponse(stdCtx, message, data).Write(ctx)
}

func pathParam(ctx *fasthttp.RequestCtx, key string) (string, error) {
	val := ctx.UserValue(key)
	if val == nil {
		return "", fmt.Errorf("%s is required", key)
	}

	return fmt.Sprint(val), nil
}

func queryOrDefault(ctx *fasthttp.RequestCtx, key, def string) string {
	raw := ctx.QueryArgs().Peek(key)
	if len(raw) == 0 {
		return def
	}
	return string(raw)
}

func queryIntOrDefault(ctx *fasthttp.RequestCtx, key string, def int) int {
	n, err := ctx.QueryArgs().GetUint(key)
	if err != nil || n == 0 {
		return def
	}
	return n
}
