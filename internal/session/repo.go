package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when a session cannot be located.
var ErrNotFound = errors.New("session: not found")

// ErrArchived is returned when a caller tries to create a run inside an
// archived session.
var ErrArchived = errors.New("session: archived")

// Repo is the durable store of Sessions: raw SQL with explicit
// placeholders and RETURNING clauses, no ORM.
type Repo struct {
	db *sqlx.DB
}

// NewRepo wraps a *sqlx.DB as a session Repo.
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

// Create inserts a new active session.
func (r *Repo) Create(ctx context.Context, userID, agentKind, title string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		AgentKind: agentKind,
		Title:     title,
		Status:    StatusActive,
	}

	row := r.db.QueryRowxContext(ctx, `
		INSERT INTO sessions (id, user_id, agent_kind, title, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`, s.ID, s.UserID, s.AgentKind, s.Title, s.Status)
	if err := row.Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return s, nil
}

// Get fetches a session by id.
func (r *Repo) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	err := r.db.GetContext(ctx, &s, `
		SELECT id, user_id, agent_kind, title, status, created_at, updated_at
		FROM sessions WHERE id = $1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// List returns sessions for a user, most recently updated first.
func (r *Repo) List(ctx context.Context, userID string) ([]Session, error) {
	var sessions []Session
	err := r.db.SelectContext(ctx, &sessions, `
		SELECT id, user_id, agent_kind, title, status, created_at, updated_at
		FROM sessions WHERE user_id = $1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// Archive marks a session archived. Idempotent.
func (r *Repo) Archive(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'archived', updated_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch bumps a session's updated_at, called whenever a run is created
// within it.
func (r *Repo) Touch(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE sessions SET updated_at = NOW() WHERE id = $1`, id)
	return err
}

// EnsureActive returns ErrArchived if the session is archived, ErrNotFound
// if it doesn't exist, else nil (creating a run within an archived session
// is a conflict).
func (r *Repo) EnsureActive(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if s.Status == StatusArchived {
		return ErrArchived
	}
	return nil
}

// LatestSummary returns the most recent summary for a session, if any.
func (r *Repo) LatestSummary(ctx context.Context, sessionID string) (*Summary, error) {
	var s Summary
	err := r.db.GetContext(ctx, &s, `
		SELECT id, session_id, summary_text, through_run_number, created_at
		FROM summaries WHERE session_id = $1
		ORDER BY through_run_number DESC LIMIT 1
	`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest summary: %w", err)
	}
	return &s, nil
}

// SaveSummary inserts a new summary row covering runs up to
// throughRunNumber, a best-effort durable step against the session.
func (r *Repo) SaveSummary(ctx context.Context, sessionID, text string, throughRunNumber int) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO summaries (id, session_id, summary_text, through_run_number)
		VALUES ($1, $2, $3, $4)
	`, uuid.NewString(), sessionID, text, throughRunNumber)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}
