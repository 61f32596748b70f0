package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duraflow/agentrun/internal/journal"
)

func TestFindChildStarted(t *testing.T) {
	entries := []journal.Entry{
		{Kind: journal.KindChildRunStarted, Payload: marshalPayload(t, journal.ChildRunStartedPayload{
			ToolCallID: "tc1", ChildRunID: "child-1", AgentKind: "researcher", Task: "dig in",
		})},
	}

	childID, found := findChildStarted(entries, "tc1")
	require.True(t, found)
	assert.Equal(t, "child-1", childID)

	_, found = findChildStarted(entries, "tc2")
	assert.False(t, found)
}

func TestFindChildCompleted(t *testing.T) {
	entries := []journal.Entry{
		{Kind: journal.KindChildRunCompleted, Payload: marshalPayload(t, journal.ChildRunCompletedPayload{
			ToolCallID: "tc1", ChildRunID: "child-1", Success: true, Result: map[string]any{"answer": "42"},
		})},
	}

	childID, result, found := findChildCompleted(entries, "tc1")
	require.True(t, found)
	assert.Equal(t, "child-1", childID)
	assert.NotNil(t, result)

	_, _, found = findChildCompleted(entries, "tc2")
	assert.False(t, found)
}
