package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260301000001",
		up:      mig_20260301000001_runs_up,
		down:    mig_20260301000001_runs_down,
	})
}

func mig_20260301000001_runs_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id VARCHAR(255) PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			run_number INTEGER NOT NULL,
			agent_kind VARCHAR(255) NOT NULL,
			task TEXT NOT NULL,
			config JSONB NOT NULL,
			status VARCHAR(32) NOT NULL DEFAULT 'pending',
			result JSONB,
			parent_run_id VARCHAR(255) REFERENCES runs(id) ON DELETE SET NULL,
			backend VARCHAR(32) NOT NULL DEFAULT 'local',
			lease_owner VARCHAR(255),
			lease_expires_at TIMESTAMP WITH TIME ZONE,
			started_at TIMESTAMP WITH TIME ZONE,
			completed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE(session_id, run_number)
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id, run_number DESC);`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_parent ON runs(parent_run_id);`)
	return err
}

func mig_20260301000001_runs_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS runs;`)
	return err
}
