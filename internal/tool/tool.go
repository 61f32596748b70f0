package tool

import "context"

// Classification determines whether a tool call must be gated behind a
// human approval before it executes.
type Classification string

const (
	Safe             Classification = "safe"
	RequiresApproval Classification = "requires-approval"
)

// Result is the typed outcome of a tool execution.
type Result struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Tool is a named, schema-described operation the model may request. The
// Executor has no knowledge of journaling, approvals, or runs; it is a
// pure dispatcher. Any allowlisting or containment belongs inside Execute
// and surfaces only as a failed Result.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Classification() Classification
	Execute(ctx context.Context, args map[string]any) (Result, error)
}

// Base implements the schema/classification bookkeeping shared by every
// concrete Tool; implementations embed it and provide Execute.
type Base struct {
	ToolName  string
	ToolDesc  string
	Schema    map[string]any
	ToolClass Classification
}

func (b *Base) Name() string                   { return b.ToolName }
func (b *Base) Description() string            { return b.ToolDesc }
func (b *Base) InputSchema() map[string]any    { return b.Schema }
func (b *Base) Classification() Classification { return b.ToolClass }
