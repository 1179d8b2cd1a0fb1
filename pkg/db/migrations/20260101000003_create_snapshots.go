package migrations

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/terrarium-labs/annotator/pkg/db"
)

// Migration20260101000003CreateSnapshots creates the snapshot, snapshot
// context, and per-entry blame tables backing save/load/list (§4.3).
func Migration20260101000003CreateSnapshots() db.Migration {
	return db.Migration{
		Version:     20260101000003,
		Description: "Create snapshot, snapshot_context, snapshot_entry",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS snapshot (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					type TEXT NOT NULL CHECK (type IN ('checkpoint', 'curator_fork', 'manual')),
					last_post_id INTEGER NOT NULL,
					last_thread_id INTEGER NOT NULL,
					thread_position INTEGER NOT NULL,
					entry_count INTEGER NOT NULL,
					token_count INTEGER NOT NULL,
					created_at TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS snapshot_context (
					snapshot_id INTEGER PRIMARY KEY REFERENCES snapshot(id) ON DELETE CASCADE,
					encoding TEXT NOT NULL,
					payload TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS snapshot_entry (
					snapshot_id INTEGER NOT NULL REFERENCES snapshot(id) ON DELETE CASCADE,
					entry_id INTEGER NOT NULL REFERENCES glossary_entry(id) ON DELETE CASCADE,
					definition TEXT NOT NULL,
					status TEXT NOT NULL,
					PRIMARY KEY (snapshot_id, entry_id)
				)`,
				`CREATE INDEX IF NOT EXISTS idx_snapshot_type ON snapshot(type)`,
				`CREATE INDEX IF NOT EXISTS idx_snapshot_thread ON snapshot(last_thread_id)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return errors.Wrapf(err, "executing: %s", s)
				}
			}
			return nil
		},
		Down: func(tx *sql.Tx) error {
			stmts := []string{
				`DROP TABLE IF EXISTS snapshot_entry`,
				`DROP TABLE IF EXISTS snapshot_context`,
				`DROP TABLE IF EXISTS snapshot`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
