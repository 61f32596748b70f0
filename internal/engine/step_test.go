package engine

import (
	"testing"

	json "github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duraflow/agentrun/internal/journal"
)

func marshalPayload(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func sp(n int) *int { return &n }

func TestResolveStep_FreshRunStartsAtOne(t *testing.T) {
	step, resuming := resolveStep(nil)
	assert.Equal(t, 1, step)
	assert.False(t, resuming)
}

func TestResolveStep_AdvancesPastCompletedStep(t *testing.T) {
	entries := []journal.Entry{
		{StepNumber: sp(1), Kind: journal.KindStepComplete},
	}
	step, resuming := resolveStep(entries)
	assert.Equal(t, 2, step)
	assert.False(t, resuming)
}

func TestResolveStep_ReentersIncompleteStep(t *testing.T) {
	entries := []journal.Entry{
		{StepNumber: sp(1), Kind: journal.KindStepComplete},
		{StepNumber: sp(2), Kind: journal.KindToolProposed},
	}
	step, resuming := resolveStep(entries)
	assert.Equal(t, 2, step)
	assert.True(t, resuming)
}

func TestEntriesForStep_FiltersByStepNumber(t *testing.T) {
	entries := []journal.Entry{
		{StepNumber: sp(1), Kind: journal.KindText},
		{StepNumber: sp(2), Kind: journal.KindText},
		{StepNumber: sp(1), Kind: journal.KindStepComplete},
	}

	forStep1 := entriesForStep(entries, 1)

	require.Len(t, forStep1, 2)
	for _, e := range forStep1 {
		assert.Equal(t, 1, *e.StepNumber)
	}
}

func TestHasKindForStep(t *testing.T) {
	entries := []journal.Entry{{Kind: journal.KindText}}
	assert.True(t, hasKindForStep(entries, journal.KindText))
	assert.False(t, hasKindForStep(entries, journal.KindToolProposed))
}

func TestHasToolStartingAndComplete(t *testing.T) {
	entries := []journal.Entry{
		{Kind: journal.KindToolStarting, Payload: marshalPayload(t, journal.ToolStartingPayload{ToolCallID: "tc1"})},
	}

	assert.True(t, hasToolStarting(entries, "tc1"))
	assert.False(t, hasToolStarting(entries, "tc2"))
	assert.False(t, hasToolComplete(entries, "tc1"))

	entries = append(entries, journal.Entry{
		Kind: journal.KindToolComplete, Payload: marshalPayload(t, journal.ToolCompletePayload{ToolCallID: "tc1"}),
	})
	assert.True(t, hasToolComplete(entries, "tc1"))
}

func TestJournaledToolCalls_ReconstructsProposedCall(t *testing.T) {
	entries := []journal.Entry{
		{Kind: journal.KindText, Payload: marshalPayload(t, journal.TextPayload{Text: "running it"})},
		{Kind: journal.KindToolProposed, Payload: marshalPayload(t, journal.ToolProposedPayload{
			ToolCallID: "tc1", ToolName: "exec", Args: map[string]any{"cmd": "ls"},
		})},
	}

	calls := journaledToolCalls(entries)

	require.Len(t, calls, 1)
	assert.Equal(t, "tc1", calls[0].ID)
	assert.Equal(t, "exec", calls[0].Name)
	assert.Equal(t, "ls", calls[0].Args["cmd"])
}

func TestJournaledToolCalls_DedupsStartingAgainstProposed(t *testing.T) {
	entries := []journal.Entry{
		{Kind: journal.KindToolProposed, Payload: marshalPayload(t, journal.ToolProposedPayload{
			ToolCallID: "tc1", ToolName: "exec",
		})},
		{Kind: journal.KindToolStarting, Payload: marshalPayload(t, journal.ToolStartingPayload{
			ToolCallID: "tc1", ToolName: "exec",
		})},
		{Kind: journal.KindToolStarting, Payload: marshalPayload(t, journal.ToolStartingPayload{
			ToolCallID: "tc2", ToolName: "list_labels",
		})},
	}

	calls := journaledToolCalls(entries)

	require.Len(t, calls, 2)
	assert.Equal(t, "tc1", calls[0].ID)
	assert.Equal(t, "tc2", calls[1].ID)
}

func TestJournaledToolCalls_RebuildsDelegationAsDelegateCall(t *testing.T) {
	entries := []journal.Entry{
		{Kind: journal.KindChildRunStarted, Payload: marshalPayload(t, journal.ChildRunStartedPayload{
			ToolCallID: "tc1", ChildRunID: "child-1", AgentKind: "researcher", Task: "dig in",
		})},
	}

	calls := journaledToolCalls(entries)

	require.Len(t, calls, 1)
	assert.Equal(t, delegateTool, calls[0].Name)
	assert.Equal(t, "dig in", calls[0].Args["task"])
}

func TestDeterministicToolCallID_StableForSameInputs(t *testing.T) {
	a := deterministicToolCallID("run-1", 3, 0)
	b := deterministicToolCallID("run-1", 3, 0)
	assert.Equal(t, a, b)
}

func TestDeterministicToolCallID_DiffersAcrossPosition(t *testing.T) {
	byIndex := deterministicToolCallID("run-1", 3, 0)
	byOtherIndex := deterministicToolCallID("run-1", 3, 1)
	byOtherStep := deterministicToolCallID("run-1", 4, 0)
	byOtherRun := deterministicToolCallID("run-2", 3, 0)

	assert.NotEqual(t, byIndex, byOtherIndex)
	assert.NotEqual(t, byIndex, byOtherStep)
	assert.NotEqual(t, byIndex, byOtherRun)
}
