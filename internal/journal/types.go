package journal

import "time"

// EntryKind enumerates the tagged-sum of journal entry payloads.
type EntryKind string

const (
	KindRunStarted        EntryKind = "run-started"
	KindRunResumed        EntryKind = "run-resumed"
	KindText              EntryKind = "text"
	KindToolProposed      EntryKind = "tool-proposed"
	KindToolStarting      EntryKind = "tool-starting"
	KindToolComplete      EntryKind = "tool-complete"
	KindStepComplete      EntryKind = "step-complete"
	KindRunSuspended      EntryKind = "run-suspended"
	KindRunComplete       EntryKind = "run-complete"
	KindRunCancelled      EntryKind = "run-cancelled"
	KindRunError          EntryKind = "run-error"
	KindChildRunStarted   EntryKind = "child-run-started"
	KindChildRunCompleted EntryKind = "child-run-completed"
)

var terminalKinds = map[EntryKind]bool{
	KindRunComplete:  true,
	KindRunCancelled: true,
	KindRunError:     true,
}

// Terminal reports whether an entry of this kind ends a run's journal.
func (k EntryKind) Terminal() bool {
	return terminalKinds[k]
}

// Entry is one immutable, append-only record in a run's journal.
type Entry struct {
	ID         string    `db:"id" json:"id"`
	RunID      string    `db:"run_id" json:"runId"`
	Sequence   int       `db:"sequence" json:"sequence"`
	Kind       EntryKind `db:"kind" json:"type"`
	StepNumber *int      `db:"step_number" json:"step,omitempty"`
	Payload    []byte    `db:"payload" json:"payload"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// RunStatus enumerates the run state machine's states.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSuspended RunStatus = "suspended"
	StatusCompleted RunStatus = "completed"
	StatusFailed    RunStatus = "failed"
	StatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether a run in this status can never transition again.
func (s RunStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// RunConfig is the caller-supplied tuning for a run.
type RunConfig struct {
	MaxSteps int    `json:"maxSteps,omitempty"`
	Model    string `json:"model,omitempty"`
}

// RunResult is the terminal outcome recorded once a run finishes.
type RunResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Steps   int    `json:"steps"`
}

// Run is a single invocation of the engine within a session.
type Run struct {
	ID           string     `db:"id" json:"id"`
	SessionID    string     `db:"session_id" json:"sessionId"`
	RunNumber    int        `db:"run_number" json:"runNumber"`
	AgentKind    string     `db:"agent_kind" json:"agentKind"`
	Task         string     `db:"task" json:"task"`
	Config       []byte     `db:"config" json:"config"`
	Status       RunStatus  `db:"status" json:"status"`
	Result       []byte     `db:"result" json:"result,omitempty"`
	ParentRunID  *string    `db:"parent_run_id" json:"parentRunId,omitempty"`
	Backend      string     `db:"backend" json:"backend"`
	LeaseOwner   *string    `db:"lease_owner" json:"-"`
	LeaseExpires *time.Time `db:"lease_expires_at" json:"-"`
	StartedAt    *time.Time `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt  *time.Time `db:"completed_at" json:"completedAt,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
}
