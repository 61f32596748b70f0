package session

import "time"

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// Session is a logical conversation owned by a user, grouping an ordered
// sequence of Runs.
type Session struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	AgentKind string    `db:"agent_kind" json:"agentKind"`
	Title     string    `db:"title" json:"title"`
	Status    Status    `db:"status" json:"status"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Summary is a durable, best-effort condensation of a session's older
// runs, covering every run up to and including ThroughRunNumber.
type Summary struct {
	ID               string    `db:"id" json:"id"`
	SessionID        string    `db:"session_id" json:"sessionId"`
	SummaryText      string    `db:"summary_text" json:"summaryText"`
	ThroughRunNumber int       `db:"through_run_number" json:"throughRunNumber"`
	CreatedAt        time.Time `db:"created_at" json:"createdAt"`
}
