package journal

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewStore(sqlx.NewDb(db, "postgres")), mock
}

func TestStore_GetRunNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "session_id", "run_number", "agent_kind", "task", "config", "status", "result",
			"parent_run_id", "backend", "lease_owner", "lease_expires_at", "started_at", "completed_at", "created_at",
		}))

	_, err := store.GetRun(context.Background(), "run-1")

	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TryAcquireLeaseSucceeds(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := store.TryAcquireLease(context.Background(), "run-1", "worker-a", time.Minute)

	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TryAcquireLeaseFailsWhenAlreadyLeased(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE runs`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.TryAcquireLease(context.Background(), "run-1", "worker-a", time.Minute)

	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_ListReturnsEntriesAscending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM journal_entries WHERE run_id = \$1 AND sequence > \$2`).
		WithArgs("run-1", 0).
		WillReturnRows(sqlmock.NewRows(entryColumnsForStoreTest).
			AddRow("e1", "run-1", 1, KindRunStarted, nil, []byte(`{}`), now).
			AddRow("e2", "run-1", 2, KindText, nil, []byte(`{}`), now))

	entries, err := store.List(context.Background(), "run-1", 0)

	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].Sequence)
	assert.Equal(t, 2, entries[1].Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

var entryColumnsForStoreTest = []string{"id", "run_id", "sequence", "kind", "step_number", "payload", "created_at"}
