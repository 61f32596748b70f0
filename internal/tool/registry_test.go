package tool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoTool struct {
	Base
}

func (e *echoTool) Execute(ctx context.Context, args map[string]any) (Result, error) {
	return Result{Success: true, Output: args["value"]}, nil
}

func newEchoTool(name string, class Classification) *echoTool {
	return &echoTool{Base: Base{ToolName: name, ToolDesc: "echoes its input", ToolClass: class}}
}

func TestRegistry_ClassifyUnknown(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, Unknown, r.Classify("does-not-exist"))
}

func TestRegistry_RegisterAndClassify(t *testing.T) {
	r := NewRegistry()
	r.Register(newEchoTool("echo", RequiresApproval))

	assert.Equal(t, RequiresApproval, r.Classify("echo"))
}

func TestRegistry_ExecuteUnknownToolReturnsFailedResult(t *testing.T) {
	r := NewRegistry()

	result, err := r.Execute(context.Background(), "missing", nil)

	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "missing")
}

func TestRegistry_ExecuteDispatchesToTool(t *testing.T) {
	r := NewRegistry()
	r.Register(newEchoTool("echo", Safe))

	result, err := r.Execute(context.Background(), "echo", map[string]any{"value": "hi"})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "hi", result.Output)
}

func TestRegistry_SchemasOmitsApprovalRequirement(t *testing.T) {
	r := NewRegistry()
	r.Register(newEchoTool("echo", RequiresApproval))

	schemas := r.Schemas()

	require.Len(t, schemas, 1)
	assert.Equal(t, "echo", schemas[0]["name"])
	_, hasClassification := schemas[0]["classification"]
	assert.False(t, hasClassification, "schemas must not leak approval classification to the model")
}
