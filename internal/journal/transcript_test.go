package journal

import (
	"testing"

	json "github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duraflow/agentrun/internal/modelclient"
)

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func stepPtr(n int) *int { return &n }

func TestBuildTranscript_TextAndToolPairing(t *testing.T) {
	step := 1
	entries := []Entry{
		{StepNumber: &step, Kind: KindText, Payload: mustMarshal(t, TextPayload{Text: "thinking..."})},
		{StepNumber: &step, Kind: KindToolProposed, Payload: mustMarshal(t, ToolProposedPayload{
			ToolCallID: "tc1", ToolName: "search", Args: map[string]any{"q": "go"},
		})},
		{StepNumber: &step, Kind: KindToolComplete, Payload: mustMarshal(t, ToolCompletePayload{
			ToolCallID: "tc1", Success: true, Summary: "3 results",
		})},
	}

	msgs := BuildTranscript(entries)

	require.Len(t, msgs, 2)
	assert.Equal(t, modelclient.RoleAssistant, msgs[0].Role)
	assert.Equal(t, "thinking...", msgs[0].Content)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, "search", msgs[0].ToolCalls[0].Name)

	assert.Equal(t, modelclient.RoleTool, msgs[1].Role)
	assert.Equal(t, "tc1", msgs[1].ToolCallID)
	assert.Equal(t, "3 results", msgs[1].Content)
}

func TestBuildTranscript_ToolStartingDoesNotDuplicateProposed(t *testing.T) {
	step := 1
	entries := []Entry{
		{StepNumber: &step, Kind: KindToolProposed, Payload: mustMarshal(t, ToolProposedPayload{
			ToolCallID: "tc1", ToolName: "search", Args: nil,
		})},
		{StepNumber: &step, Kind: KindToolStarting, Payload: mustMarshal(t, ToolStartingPayload{
			ToolCallID: "tc1", ToolName: "search", Args: nil,
		})},
	}

	msgs := BuildTranscript(entries)

	require.Len(t, msgs, 1)
	assert.Len(t, msgs[0].ToolCalls, 1)
}

func TestBuildTranscript_FailedToolCallRendersError(t *testing.T) {
	step := 1
	entries := []Entry{
		{StepNumber: &step, Kind: KindToolComplete, Payload: mustMarshal(t, ToolCompletePayload{
			ToolCallID: "tc1", Success: false, Summary: "boom",
		})},
	}

	msgs := BuildTranscript(entries)

	require.Len(t, msgs, 1)
	assert.Equal(t, "error: boom", msgs[0].Content)
}

func TestBuildTranscript_DelegateRoundTrip(t *testing.T) {
	step := 1
	entries := []Entry{
		{StepNumber: &step, Kind: KindChildRunStarted, Payload: mustMarshal(t, ChildRunStartedPayload{
			ToolCallID: "tc1", ChildRunID: "child-1", AgentKind: "researcher", Task: "find the answer",
		})},
		{StepNumber: &step, Kind: KindChildRunCompleted, Payload: mustMarshal(t, ChildRunCompletedPayload{
			ToolCallID: "tc1", ChildRunID: "child-1", Success: true, Result: map[string]any{"answer": "42"},
		})},
	}

	msgs := BuildTranscript(entries)

	require.Len(t, msgs, 2)
	assert.Equal(t, modelclient.RoleAssistant, msgs[0].Role)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, delegateToolName, msgs[0].ToolCalls[0].Name)
	assert.Equal(t, "find the answer", msgs[0].ToolCalls[0].Args["task"])

	assert.Equal(t, modelclient.RoleTool, msgs[1].Role)
	assert.Equal(t, "tc1", msgs[1].ToolCallID)
	assert.Contains(t, msgs[1].Content, "42")
}

func TestBuildTranscript_FailedDelegateRendersError(t *testing.T) {
	step := 1
	entries := []Entry{
		{StepNumber: &step, Kind: KindChildRunCompleted, Payload: mustMarshal(t, ChildRunCompletedPayload{
			ToolCallID: "tc1", ChildRunID: "child-1", Success: false,
		})},
	}

	msgs := BuildTranscript(entries)

	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Content, "error")
}

func TestBuildTranscript_KeepsStepsInJournalOrder(t *testing.T) {
	entries := []Entry{
		{StepNumber: stepPtr(2), Kind: KindText, Payload: mustMarshal(t, TextPayload{Text: "step two"})},
		{StepNumber: stepPtr(1), Kind: KindText, Payload: mustMarshal(t, TextPayload{Text: "step one"})},
	}

	msgs := BuildTranscript(entries)

	require.Len(t, msgs, 2)
	assert.Equal(t, "step two", msgs[0].Content)
	assert.Equal(t, "step one", msgs[1].Content)
}

func TestBuildTranscript_SkipsEntriesWithoutStepNumber(t *testing.T) {
	entries := []Entry{
		{StepNumber: nil, Kind: KindRunStarted, Payload: mustMarshal(t, RunStartedPayload{Task: "do it"})},
	}

	msgs := BuildTranscript(entries)

	assert.Empty(t, msgs)
}
