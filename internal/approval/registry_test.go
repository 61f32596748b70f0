package approval

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRegistry(t *testing.T) (*Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewRegistry(sqlxDB, time.Hour), mock
}

var approvalColumns = []string{
	"id", "run_id", "tool_call_id", "tool_name", "tool_args", "step_number",
	"status", "reason", "requested_at", "expires_at", "resolved_at", "resolved_by",
}

func TestRegistry_GetFound(t *testing.T) {
	r, mock := newMockRegistry(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM tool_approvals WHERE run_id = \$1 AND tool_call_id = \$2`).
		WithArgs("run-1", "tc1").
		WillReturnRows(sqlmock.NewRows(approvalColumns).
			AddRow("appr-1", "run-1", "tc1", "search", []byte(`{}`), 1, StatusPending, nil, now, now.Add(time.Hour), nil, nil))

	got, err := r.Get(context.Background(), "run-1", "tc1")

	require.NoError(t, err)
	assert.Equal(t, "appr-1", got.ID)
	assert.Equal(t, StatusPending, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_GetNotFound(t *testing.T) {
	r, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT .* FROM tool_approvals WHERE run_id = \$1 AND tool_call_id = \$2`).
		WithArgs("run-1", "tc1").
		WillReturnRows(sqlmock.NewRows(approvalColumns))

	_, err := r.Get(context.Background(), "run-1", "tc1")

	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_ResolveSucceedsOncePerApproval(t *testing.T) {
	r, mock := newMockRegistry(t)

	mock.ExpectExec(`UPDATE tool_approvals`).
		WithArgs(string(StatusApproved), (*string)(nil), "run-1", "tc1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	resolved, err := r.Resolve(context.Background(), "run-1", "tc1", DecisionApproved, nil)

	require.NoError(t, err)
	assert.True(t, resolved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_ResolveReturnsFalseWhenAlreadyResolved(t *testing.T) {
	r, mock := newMockRegistry(t)

	mock.ExpectExec(`UPDATE tool_approvals`).
		WithArgs(string(StatusRejected), (*string)(nil), "run-1", "tc1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	resolved, err := r.Resolve(context.Background(), "run-1", "tc1", DecisionRejected, nil)

	require.NoError(t, err)
	assert.False(t, resolved)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_ListExpiredPending(t *testing.T) {
	r, mock := newMockRegistry(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM tool_approvals WHERE status = 'pending' AND expires_at < NOW\(\)`).
		WillReturnRows(sqlmock.NewRows(approvalColumns).
			AddRow("appr-1", "run-1", "tc1", "search", []byte(`{}`), 1, StatusPending, nil, now, now.Add(-time.Minute), nil, nil).
			AddRow("appr-2", "run-2", "tc2", "search", []byte(`{}`), 1, StatusPending, nil, now, now.Add(-time.Minute), nil, nil))

	expired, err := r.ListExpiredPending(context.Background())

	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, "run-1", expired[0].RunID)
	assert.Equal(t, "run-2", expired[1].RunID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegistry_GetPendingNotFound(t *testing.T) {
	r, mock := newMockRegistry(t)

	mock.ExpectQuery(`SELECT .* FROM tool_approvals WHERE run_id = \$1 AND status = 'pending'`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows(approvalColumns))

	_, err := r.GetPending(context.Background(), "run-1")

	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
