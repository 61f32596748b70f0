package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260301000004",
		up:      mig_20260301000004_summaries_up,
		down:    mig_20260301000004_summaries_down,
	})
}

func mig_20260301000004_summaries_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS summaries (
			id VARCHAR(255) PRIMARY KEY,
			session_id VARCHAR(255) NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			summary_text TEXT NOT NULL,
			through_run_number INTEGER NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_summaries_session_created ON summaries(session_id, created_at DESC);`)
	return err
}

func mig_20260301000004_summaries_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS summaries;`)
	return err
}
