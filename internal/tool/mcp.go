package tool

import (
	"context"
	"fmt"

	json "github.com/bytedance/sonic"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("tool")

// MCPServer wraps a connection to a remote MCP tool catalog, adapting
// each advertised tool onto the Tool interface alongside native
// in-process tools.
type MCPServer struct {
	client *client.Client
	tools  []mcp.Tool
}

// NewMCPServer connects to an MCP server over SSE, initializes the
// session, and lists its tool catalog.
func NewMCPServer(ctx context.Context, endpoint string, headers map[string]string) (*MCPServer, error) {
	cli, err := client.NewSSEMCPClient(endpoint, client.WithHeaders(headers))
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}

	if err := cli.Start(ctx); err != nil {
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	if _, err := cli.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		return nil, fmt.Errorf("initialize mcp session: %w", err)
	}

	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("list mcp tools: %w", err)
	}

	return &MCPServer{client: cli, tools: listed.Tools}, nil
}

// Tools adapts every tool the MCP server advertised onto the Tool
// interface. Every MCP tool requires approval unless explicitly
// allowlisted by name, since the core cannot reason about a remote tool's
// side effects (a conservative default; classification is policy, not
// mechanism).
func (s *MCPServer) Tools(safeAllowlist map[string]bool) []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		class := RequiresApproval
		if safeAllowlist[t.Name] {
			class = Safe
		}
		out = append(out, newMCPTool(t, s.client, class))
	}
	return out
}

type mcpTool struct {
	Base
	client *client.Client
}

func newMCPTool(t mcp.Tool, cli *client.Client, class Classification) *mcpTool {
	schema := map[string]any{"type": "object", "properties": map[string]any{}}
	if b, err := json.Marshal(t.InputSchema); err == nil {
		_ = json.Unmarshal(b, &schema)
	}

	return &mcpTool{
		Base: Base{
			ToolName:  t.Name,
			ToolDesc:  t.Description,
			Schema:    schema,
			ToolClass: class,
		},
		client: cli,
	}
}

func (t *mcpTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	ctx, span := tracer.Start(ctx, "mcp:"+t.ToolName)
	defer span.End()

	res, err := t.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      t.ToolName,
			Arguments: args,
		},
	})
	if err != nil {
		span.RecordError(err)
		return Result{Success: false, Error: err.Error()}, nil
	}

	if res.IsError {
		return Result{Success: false, Error: textOf(res)}, nil
	}

	return Result{Success: true, Output: textOf(res)}, nil
}

func textOf(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}
