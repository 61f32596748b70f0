package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resumeCall struct {
	runID    string
	decision Decision
	feedback string
}

type fakeResumer struct {
	mu    sync.Mutex
	calls []resumeCall
	err   error
}

func (f *fakeResumer) Resume(ctx context.Context, runID string, decision Decision, feedback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, resumeCall{runID: runID, decision: decision, feedback: feedback})
	return f.err
}

func TestSweep_ResumesEachExpiredApprovalAsRejected(t *testing.T) {
	registry, mock := newMockRegistry(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM tool_approvals WHERE status = 'pending' AND expires_at < NOW\(\)`).
		WillReturnRows(sqlmock.NewRows(approvalColumns).
			AddRow("appr-1", "run-1", "tc1", "search", []byte(`{}`), 1, StatusPending, nil, now, now.Add(-time.Minute), nil, nil).
			AddRow("appr-2", "run-2", "tc2", "search", []byte(`{}`), 1, StatusPending, nil, now, now.Add(-time.Minute), nil, nil))

	resumer := &fakeResumer{}
	s := &ExpirySweeper{registry: registry, resumer: resumer}

	s.sweep()

	require.Len(t, resumer.calls, 2)
	assert.Equal(t, "run-1", resumer.calls[0].runID)
	assert.Equal(t, DecisionRejected, resumer.calls[0].decision)
	assert.Equal(t, timedOutReason, resumer.calls[0].feedback)
	assert.Equal(t, "run-2", resumer.calls[1].runID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_ContinuesPastAResumeFailure(t *testing.T) {
	registry, mock := newMockRegistry(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM tool_approvals WHERE status = 'pending' AND expires_at < NOW\(\)`).
		WillReturnRows(sqlmock.NewRows(approvalColumns).
			AddRow("appr-1", "run-1", "tc1", "search", []byte(`{}`), 1, StatusPending, nil, now, now.Add(-time.Minute), nil, nil).
			AddRow("appr-2", "run-2", "tc2", "search", []byte(`{}`), 1, StatusPending, nil, now, now.Add(-time.Minute), nil, nil))

	resumer := &fakeResumer{err: assert.AnError}
	s := &ExpirySweeper{registry: registry, resumer: resumer}

	s.sweep()

	require.Len(t, resumer.calls, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSweep_NoOpWhenNothingExpired(t *testing.T) {
	registry, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT .* FROM tool_approvals WHERE status = 'pending' AND expires_at < NOW\(\)`).
		WillReturnRows(sqlmock.NewRows(approvalColumns))

	resumer := &fakeResumer{}
	s := &ExpirySweeper{registry: registry, resumer: resumer}

	s.sweep()

	assert.Empty(t, resumer.calls)
	require.NoError(t, mock.ExpectationsWereMet())
}
