package eventbus

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duraflow/agentrun/internal/journal"
)

var entryColumns = []string{"id", "run_id", "sequence", "kind", "step_number", "payload", "created_at"}

func newMockStore(t *testing.T) (*journal.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return journal.NewStore(sqlx.NewDb(db, "postgres")), mock
}

func TestBus_SubscribeWithNoHistoryThenPublishDeliversOnLive(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .* FROM journal_entries WHERE run_id = \$1 AND sequence > \$2`).
		WithArgs("run-1", 0).
		WillReturnRows(sqlmock.NewRows(entryColumns))

	bus := NewBus(store)
	sub, err := bus.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	assert.Empty(t, sub.Replay)

	entry := journal.Entry{RunID: "run-1", Sequence: 1, Kind: journal.KindText, CreatedAt: now}
	bus.Publish(entry)

	select {
	case got := <-sub.Live:
		assert.Equal(t, entry.Sequence, got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry")
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBus_SubscribeReplaysCommittedEntries(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	bus := NewBus(store)
	bus.Publish(journal.Entry{RunID: "run-1", Sequence: 1, Kind: journal.KindText, CreatedAt: now})

	mock.ExpectQuery(`SELECT .* FROM journal_entries WHERE run_id = \$1 AND sequence > \$2`).
		WithArgs("run-1", 0).
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("e1", "run-1", 1, journal.KindText, nil, []byte(`{}`), now))

	sub, err := bus.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, sub.Replay, 1)
	assert.Equal(t, 1, sub.Replay[0].Sequence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBus_SubscribeReplaysHistoryUnknownToTheBroadcaster(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	// Entries committed before this process started: the broadcaster has
	// never seen them, but the store has, and the subscriber must not be
	// shown a gap.
	mock.ExpectQuery(`SELECT .* FROM journal_entries WHERE run_id = \$1 AND sequence > \$2`).
		WithArgs("run-1", 0).
		WillReturnRows(sqlmock.NewRows(entryColumns).
			AddRow("e1", "run-1", 1, journal.KindRunStarted, nil, []byte(`{}`), now).
			AddRow("e2", "run-1", 2, journal.KindText, nil, []byte(`{}`), now))

	bus := NewBus(store)
	sub, err := bus.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	require.Len(t, sub.Replay, 2)

	// A replayed entry re-published afterwards must be deduplicated on the
	// live side; a genuinely new one must come through.
	bus.Publish(journal.Entry{RunID: "run-1", Sequence: 2, Kind: journal.KindText, CreatedAt: now})
	bus.Publish(journal.Entry{RunID: "run-1", Sequence: 3, Kind: journal.KindText, CreatedAt: now})

	select {
	case got := <-sub.Live:
		assert.Equal(t, 3, got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for live entry")
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBus_LiveClosesOnTerminalEntry(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM journal_entries`).
		WillReturnRows(sqlmock.NewRows(entryColumns))

	bus := NewBus(store)
	sub, err := bus.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	bus.Publish(journal.Entry{RunID: "run-1", Sequence: 1, Kind: journal.KindRunComplete})

	select {
	case _, ok := <-sub.Live:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal entry")
	}

	select {
	case _, ok := <-sub.Live:
		assert.False(t, ok, "Live should close after a terminal entry")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Live to close")
	}

	select {
	case <-sub.Overflowed:
		t.Fatal("Overflowed should not be closed on a normal terminal close")
	default:
	}

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBus_SlowSubscriberOverflowsAndIsDropped(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .* FROM journal_entries`).
		WillReturnRows(sqlmock.NewRows(entryColumns))

	bus := NewBus(store)
	sub, err := bus.Subscribe(context.Background(), "run-1", 0)
	require.NoError(t, err)
	defer sub.Close()

	// Publish far more than the subscriber buffer can hold without ever
	// draining Live, forcing the slow-consumer drop path.
	for i := 0; i < subscriberBuffer*4; i++ {
		bus.Publish(journal.Entry{RunID: "run-1", Sequence: i + 1, Kind: journal.KindText})
	}

	assert.Eventually(t, func() bool {
		select {
		case <-sub.Overflowed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "expected subscriber to overflow and be dropped")

	require.NoError(t, mock.ExpectationsWereMet())
}
