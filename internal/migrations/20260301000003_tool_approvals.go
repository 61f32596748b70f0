package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260301000003",
		up:      mig_20260301000003_tool_approvals_up,
		down:    mig_20260301000003_tool_approvals_down,
	})
}

func mig_20260301000003_tool_approvals_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS tool_approvals (
			id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			tool_call_id VARCHAR(255) NOT NULL,
			tool_name VARCHAR(255) NOT NULL,
			tool_args JSONB NOT NULL,
			step_number INTEGER NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			reason TEXT,
			requested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
			resolved_at TIMESTAMP WITH TIME ZONE,
			resolved_by VARCHAR(255),
			UNIQUE(run_id, tool_call_id)
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_tool_approvals_run_id ON tool_approvals(run_id);`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_tool_approvals_pending_expiry ON tool_approvals(status, expires_at) WHERE status = 'pending';`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_tool_approvals_one_pending ON tool_approvals(run_id) WHERE status = 'pending';`)
	return err
}

func mig_20260301000003_tool_approvals_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS tool_approvals;`)
	return err
}
