package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a run or entry cannot be located.
var ErrNotFound = errors.New("journal: not found")

// Store is the durable, append-only record of runs and their journal
// entries. It is the single source of truth the rest of the engine is
// derived from.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps a *sqlx.DB as a journal Store.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// CreateRunParams collects the fields needed to start a new run.
type CreateRunParams struct {
	SessionID   string
	AgentKind   string
	Task        string
	Config      RunConfig
	ParentRunID *string
	Backend     string
}

// CreateRun allocates the next run-number within a session and inserts the
// run row in status `pending`.
func (s *Store) CreateRun(ctx context.Context, p CreateRunParams) (*Run, error) {
	cfg, err := json.Marshal(p.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal run config: %w", err)
	}

	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the session row so run-number allocation is serializable per
	// session.
	var sessionExists bool
	if err := tx.GetContext(ctx, &sessionExists, `SELECT true FROM sessions WHERE id = $1 FOR UPDATE`, p.SessionID); err != nil {
		return nil, fmt.Errorf("lock session: %w", err)
	}

	var nextNumber int
	err = tx.GetContext(ctx, &nextNumber,
		`SELECT COALESCE(MAX(run_number), 0) + 1 FROM runs WHERE session_id = $1`,
		p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("allocate run number: %w", err)
	}

	run := &Run{
		ID:          uuid.NewString(),
		SessionID:   p.SessionID,
		RunNumber:   nextNumber,
		AgentKind:   p.AgentKind,
		Task:        p.Task,
		Config:      cfg,
		Status:      StatusPending,
		ParentRunID: p.ParentRunID,
		Backend:     p.Backend,
	}

	err = tx.GetContext(ctx, &run.CreatedAt, `
		INSERT INTO runs (id, session_id, run_number, agent_kind, task, config, status, parent_run_id, backend)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, run.ID, run.SessionID, run.RunNumber, run.AgentKind, run.Task, run.Config, run.Status, run.ParentRunID, run.Backend)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit run creation: %w", err)
	}

	return run, nil
}

// GetRun fetches run metadata by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	var run Run
	err := s.db.GetContext(ctx, &run, `
		SELECT id, session_id, run_number, agent_kind, task, config, status, result,
		       parent_run_id, backend, lease_owner, lease_expires_at, started_at, completed_at, created_at
		FROM runs WHERE id = $1
	`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return &run, nil
}

// ListRunsBySession returns every run in a session, ascending by run
// number, for session history building.
func (s *Store) ListRunsBySession(ctx context.Context, sessionID string) ([]Run, error) {
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT id, session_id, run_number, agent_kind, task, config, status, result,
		       parent_run_id, backend, lease_owner, lease_expires_at, started_at, completed_at, created_at
		FROM runs WHERE session_id = $1
		ORDER BY run_number ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list runs by session: %w", err)
	}
	return runs, nil
}

// SetRunStatus transitions a run's status and, for terminal statuses,
// records the terminal result and completion timestamp.
func (s *Store) SetRunStatus(ctx context.Context, runID string, status RunStatus, result *RunResult) error {
	n, err := setRunStatus(ctx, s.db, runID, status, result)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunStatusTx is the transactional variant of SetRunStatus, used when a
// status change must commit atomically alongside a journal append (the
// engine's suspend path).
func (s *Store) SetRunStatusTx(ctx context.Context, tx *sqlx.Tx, runID string, status RunStatus, result *RunResult) error {
	n, err := setRunStatus(ctx, tx, runID, status, result)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// execContext is satisfied by both *sqlx.DB and *sqlx.Tx.
type execContext interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setRunStatus(ctx context.Context, ec execContext, runID string, status RunStatus, result *RunResult) (int64, error) {
	var resultJSON []byte
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return 0, fmt.Errorf("marshal run result: %w", err)
		}
		resultJSON = b
	}

	var completedAt *time.Time
	if status.Terminal() {
		now := time.Now().UTC()
		completedAt = &now
	}

	res, err := ec.ExecContext(ctx, `
		UPDATE runs SET status = $1, result = COALESCE($2, result), completed_at = COALESCE($3, completed_at)
		WHERE id = $4
	`, status, resultJSON, completedAt, runID)
	if err != nil {
		return 0, fmt.Errorf("set run status: %w", err)
	}
	return res.RowsAffected()
}

// BeginTx starts a transaction for callers that need to compose a status
// change or lease release with a journal append (e.g. the Run Engine's
// suspend and cancel paths).
func (s *Store) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	return s.db.BeginTxx(ctx, &sql.TxOptions{})
}

// ReleaseLeaseTx is the transactional variant of ReleaseLease.
func (s *Store) ReleaseLeaseTx(ctx context.Context, tx *sqlx.Tx, runID, owner string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE runs SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2
	`, runID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Append atomically allocates the next sequence number for a run and
// persists the entry, opening its own transaction.
func (s *Store) Append(ctx context.Context, runID string, kind EntryKind, step *int, payload any) (*Entry, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	entry, err := s.AppendTx(ctx, tx, runID, kind, step, payload)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}

	return entry, nil
}

// AppendTx is the transactional core of Append, exposed so callers (the Run
// Engine) can compose a journal append with another write (e.g. the
// Approval Registry insert for `tool-proposed`) inside a single
// transaction.
func (s *Store) AppendTx(ctx context.Context, tx *sqlx.Tx, runID string, kind EntryKind, step *int, payload any) (*Entry, error) {
	// Lock the run row so sequence allocation is serializable per run
	// without a global lock.
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT true FROM runs WHERE id = $1 FOR UPDATE`, runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock run: %w", err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal entry payload: %w", err)
	}

	var nextSeq int
	if err := tx.GetContext(ctx, &nextSeq,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM journal_entries WHERE run_id = $1`, runID); err != nil {
		return nil, fmt.Errorf("allocate sequence: %w", err)
	}

	entry := &Entry{
		ID:         uuid.NewString(),
		RunID:      runID,
		Sequence:   nextSeq,
		Kind:       kind,
		StepNumber: step,
		Payload:    body,
	}

	if err := tx.GetContext(ctx, &entry.CreatedAt, `
		INSERT INTO journal_entries (id, run_id, sequence, kind, step_number, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, entry.ID, entry.RunID, entry.Sequence, entry.Kind, entry.StepNumber, entry.Payload); err != nil {
		return nil, fmt.Errorf("insert entry: %w", err)
	}

	return entry, nil
}

// List returns all entries with sequence > afterSequence, in ascending
// order. It is finite and never waits for future entries.
func (s *Store) List(ctx context.Context, runID string, afterSequence int) ([]Entry, error) {
	var entries []Entry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, run_id, sequence, kind, step_number, payload, created_at
		FROM journal_entries
		WHERE run_id = $1 AND sequence > $2
		ORDER BY sequence ASC
	`, runID, afterSequence)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return entries, nil
}

// HighestSequence returns the highest sequence number committed for a run,
// or 0 if no entries exist yet, read directly from the Store.
func (s *Store) HighestSequence(ctx context.Context, runID string) (int, error) {
	var h int
	err := s.db.GetContext(ctx, &h, `SELECT COALESCE(MAX(sequence), 0) FROM journal_entries WHERE run_id = $1`, runID)
	if err != nil {
		return 0, fmt.Errorf("highest sequence: %w", err)
	}
	return h, nil
}

// TryAcquireLease atomically transitions a run from pending|suspended to
// running, recording the lease owner and expiry, and fails (returns false)
// if another holder already owns a live lease. This backs the
// single-writer-per-run invariant.
func (s *Store) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	expires := time.Now().UTC().Add(ttl)

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = 'running', lease_owner = $1, lease_expires_at = $2,
		    started_at = COALESCE(started_at, NOW())
		WHERE id = $3
		  AND (status = 'pending' OR status = 'suspended'
		       OR (status = 'running' AND lease_expires_at < NOW()))
	`, owner, expires, runID)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease clears the lease fields, leaving status as set by the
// caller beforehand (suspended/terminal). It is a no-op when owner does
// not hold the run's lease.
func (s *Store) ReleaseLease(ctx context.Context, runID, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET lease_owner = NULL, lease_expires_at = NULL
		WHERE id = $1 AND lease_owner = $2
	`, runID, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}
