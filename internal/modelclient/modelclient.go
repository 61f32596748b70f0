// Package modelclient adapts the Run Engine's step loop onto a model
// provider's completion API. The provider is a black box to the engine:
// one request with messages and tool schemas in, one response with text,
// tool calls, and a finish reason out.
package modelclient

import (
	"context"
	"fmt"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// Role identifies the speaker of a message in a run's transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-proposed invocation of a registered tool.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one turn of the transcript sent to, or received from, a
// model provider.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string     `json:"toolCallId,omitempty"`
}

// ToolSpec is the model-facing description of a callable tool, produced
// by tool.Registry.Schemas.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one step's worth of context sent to the model provider.
type Request struct {
	Model    string     `json:"model"`
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`
}

// FinishReason explains why the model stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolUse   FinishReason = "tool-use"
	FinishMaxLength FinishReason = "max-length"
)

// Response is a model provider's reply to one Request.
type Response struct {
	Message      Message      `json:"message"`
	FinishReason FinishReason `json:"finishReason"`
}

// Client invokes a model provider for a single step. Implementations must
// be safe to call from the durable step wrapper: Invoke must not be
// assumed idempotent by callers (the engine treats it as the
// non-deterministic side effect a durable step guards).
type Client interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// HTTPClient is a Client backed by a JSON-over-HTTP completion endpoint,
// using fasthttp for the outbound call to match the transport already in
// use on the inbound side of the HTTP Surface.
type HTTPClient struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
}

// NewHTTPClient builds a model provider Client for the given completion
// endpoint.
func NewHTTPClient(endpoint, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{endpoint: endpoint, apiKey: apiKey, timeout: timeout}
}

func (c *HTTPClient) Invoke(ctx context.Context, req Request) (Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("marshal model request: %w", err)
	}

	httpReq := fasthttp.AcquireRequest()
	httpResp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(httpReq)
	defer fasthttp.ReleaseResponse(httpResp)

	httpReq.SetRequestURI(c.endpoint)
	httpReq.Header.SetMethod(fasthttp.MethodPost)
	httpReq.Header.SetContentType("application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.SetBody(body)

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	if err := fasthttp.DoDeadline(httpReq, httpResp, deadline); err != nil {
		return Response{}, fmt.Errorf("invoke model: %w", err)
	}

	if httpResp.StatusCode() >= 300 {
		return Response{}, fmt.Errorf("model provider returned status %d: %s", httpResp.StatusCode(), httpResp.Body())
	}

	var out Response
	if err := json.Unmarshal(httpResp.Body(), &out); err != nil {
		return Response{}, fmt.Errorf("decode model response: %w", err)
	}

	return out, nil
}
