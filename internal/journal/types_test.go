package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEntryKind_Terminal(t *testing.T) {
	terminal := []EntryKind{KindRunComplete, KindRunCancelled, KindRunError}
	for _, k := range terminal {
		assert.True(t, k.Terminal(), "expected %s to be terminal", k)
	}

	nonTerminal := []EntryKind{
		KindRunStarted, KindRunResumed, KindText, KindToolProposed,
		KindToolStarting, KindToolComplete, KindStepComplete, KindRunSuspended,
		KindChildRunStarted, KindChildRunCompleted,
	}
	for _, k := range nonTerminal {
		assert.False(t, k.Terminal(), "expected %s to not be terminal", k)
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	terminal := []RunStatus{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "expected %s to be terminal", s)
	}

	nonTerminal := []RunStatus{StatusPending, StatusRunning, StatusSuspended}
	for _, s := range nonTerminal {
		assert.False(t, s.Terminal(), "expected %s to not be terminal", s)
	}
}
