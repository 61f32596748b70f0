package approval

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

// ErrNotFound is returned when an approval cannot be located.
var ErrNotFound = errors.New("approval: not found")

// Decision is the human's resolution of a pending approval.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Status is the lifecycle state of an Approval Request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Approval is a durable record of a gated tool call awaiting, or having
// received, a human decision.
type Approval struct {
	ID          string     `db:"id" json:"id"`
	RunID       string     `db:"run_id" json:"runId"`
	ToolCallID  string     `db:"tool_call_id" json:"toolCallId"`
	ToolName    string     `db:"tool_name" json:"toolName"`
	ToolArgs    []byte     `db:"tool_args" json:"toolArgs"`
	StepNumber  int        `db:"step_number" json:"stepNumber"`
	Status      Status     `db:"status" json:"status"`
	Reason      *string    `db:"reason" json:"reason,omitempty"`
	RequestedAt time.Time  `db:"requested_at" json:"requestedAt"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expiresAt"`
	ResolvedAt  *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
	ResolvedBy  *string    `db:"resolved_by" json:"resolvedBy,omitempty"`
}

// Registry is the durable store of approval requests, keyed by
// (run id, tool call id), enforcing at most one pending approval per run.
type Registry struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRegistry wraps a *sqlx.DB as an Approval Registry. timeout is the
// default expiry window applied to newly-created approvals (default 4h).
func NewRegistry(db *sqlx.DB, timeout time.Duration) *Registry {
	return &Registry{db: db, timeout: timeout}
}

// Create inserts a new pending approval, or returns the existing one
// unchanged if (runID, toolCallID) already has a record; the contract is
// idempotent.
func (r *Registry) Create(ctx context.Context, runID, toolCallID, toolName string, args any, step int) (*Approval, error) {
	if existing, err := r.Get(ctx, runID, toolCallID); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal approval args: %w", err)
	}

	approval := &Approval{
		ID:         uuid.NewString(),
		RunID:      runID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		ToolArgs:   argsJSON,
		StepNumber: step,
		Status:     StatusPending,
		ExpiresAt:  time.Now().UTC().Add(r.timeout),
	}

	err = r.db.GetContext(ctx, &approval.RequestedAt, `
		INSERT INTO tool_approvals (id, run_id, tool_call_id, tool_name, tool_args, step_number, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, tool_call_id) DO NOTHING
		RETURNING requested_at
	`, approval.ID, approval.RunID, approval.ToolCallID, approval.ToolName, approval.ToolArgs, approval.StepNumber, approval.Status, approval.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Lost the race to a concurrent Create; fetch what the winner wrote.
		return r.Get(ctx, runID, toolCallID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}

	return approval, nil
}

// CreateTx is the transactional variant of Create, used when the Run
// Engine must atomically pair the approval insert with the `tool-proposed`
// journal append.
func (r *Registry) CreateTx(ctx context.Context, tx *sqlx.Tx, runID, toolCallID, toolName string, args any, step int) (*Approval, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal approval args: %w", err)
	}

	approval := &Approval{
		ID:         uuid.NewString(),
		RunID:      runID,
		ToolCallID: toolCallID,
		ToolName:   toolName,
		ToolArgs:   argsJSON,
		StepNumber: step,
		Status:     StatusPending,
		ExpiresAt:  time.Now().UTC().Add(r.timeout),
	}

	err = tx.GetContext(ctx, &approval.RequestedAt, `
		INSERT INTO tool_approvals (id, run_id, tool_call_id, tool_name, tool_args, step_number, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING requested_at
	`, approval.ID, approval.RunID, approval.ToolCallID, approval.ToolName, approval.ToolArgs, approval.StepNumber, approval.Status, approval.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}

	return approval, nil
}

// Resolve transitions a pending approval to approved/rejected. It returns
// false with a nil error if the record is missing or already resolved; a
// database failure is returned as an error.
func (r *Registry) Resolve(ctx context.Context, runID, toolCallID string, decision Decision, reason *string) (bool, error) {
	status := StatusApproved
	if decision == DecisionRejected {
		status = StatusRejected
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE tool_approvals
		SET status = $1, reason = $2, resolved_at = NOW()
		WHERE run_id = $3 AND tool_call_id = $4 AND status = 'pending'
	`, status, reason, runID, toolCallID)
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetPending returns the single pending approval for a run, if any.
func (r *Registry) GetPending(ctx context.Context, runID string) (*Approval, error) {
	var a Approval
	err := r.db.GetContext(ctx, &a, `
		SELECT id, run_id, tool_call_id, tool_name, tool_args, step_number, status, reason, requested_at, expires_at, resolved_at, resolved_by
		FROM tool_approvals WHERE run_id = $1 AND status = 'pending'
	`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending approval: %w", err)
	}
	return &a, nil
}

// ListExpiredPending returns every pending approval whose expiry has
// passed, without resolving them. Resolution happens through the normal
// Resume path: the ExpirySweeper drives the owning run's engine.Resume with
// decision=rejected for each one returned here, so the run is re-entered
// exactly as if a human had rejected it instead of being left stuck
// `suspended` with a resolved-out-from-under-it approval.
func (r *Registry) ListExpiredPending(ctx context.Context) ([]Approval, error) {
	var out []Approval
	err := r.db.SelectContext(ctx, &out, `
		SELECT id, run_id, tool_call_id, tool_name, tool_args, step_number, status, reason, requested_at, expires_at, resolved_at, resolved_by
		FROM tool_approvals WHERE status = 'pending' AND expires_at < NOW()
	`)
	if err != nil {
		return nil, fmt.Errorf("list expired pending approvals: %w", err)
	}
	return out, nil
}

// Get returns the approval for (runID, toolCallID), regardless of status.
func (r *Registry) Get(ctx context.Context, runID, toolCallID string) (*Approval, error) {
	var a Approval
	err := r.db.GetContext(ctx, &a, `
		SELECT id, run_id, tool_call_id, tool_name, tool_args, step_number, status, reason, requested_at, expires_at, resolved_at, resolved_by
		FROM tool_approvals WHERE run_id = $1 AND tool_call_id = $2
	`, runID, toolCallID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &a, nil
}
