package migrations

import "github.com/jmoiron/sqlx"

func init() {
	m.addMigration(&migration{
		version: "20260301000002",
		up:      mig_20260301000002_journal_entries_up,
		down:    mig_20260301000002_journal_entries_down,
	})
}

func mig_20260301000002_journal_entries_up(tx *sqlx.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS journal_entries (
			id VARCHAR(255) PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			sequence INTEGER NOT NULL,
			kind VARCHAR(32) NOT NULL,
			step_number INTEGER,
			payload JSONB NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			UNIQUE(run_id, sequence)
		);
	`)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_journal_entries_run_seq ON journal_entries(run_id, sequence);`)
	return err
}

func mig_20260301000002_journal_entries_down(tx *sqlx.Tx) error {
	_, err := tx.Exec(`DROP TABLE IF EXISTS journal_entries;`)
	return err
}
