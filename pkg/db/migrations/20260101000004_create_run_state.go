package migrations

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/terrarium-labs/annotator/pkg/db"
)

// Migration20260101000004CreateRunState creates the singleton run_state row
// and the per-thread progress table used to resume cleanly across restarts.
func Migration20260101000004CreateRunState() db.Migration {
	return db.Migration{
		Version:     20260101000004,
		Description: "Create run_state and thread_state",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS run_state (
					id INTEGER PRIMARY KEY CHECK (id = 1),
					last_post_id INTEGER NOT NULL DEFAULT 0,
					last_thread_id INTEGER NOT NULL DEFAULT 0,
					current_snapshot_id INTEGER REFERENCES snapshot(id) ON DELETE SET NULL,
					started_at TEXT NOT NULL,
					updated_at TEXT NOT NULL,
					posts_processed INTEGER NOT NULL DEFAULT 0,
					entries_created INTEGER NOT NULL DEFAULT 0,
					entries_updated INTEGER NOT NULL DEFAULT 0
				)`,
				`CREATE TABLE IF NOT EXISTS thread_state (
					thread_id INTEGER PRIMARY KEY,
					last_scene_index INTEGER NOT NULL DEFAULT -1,
					closed INTEGER NOT NULL DEFAULT 0,
					updated_at TEXT NOT NULL
				)`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return errors.Wrapf(err, "executing: %s", s)
				}
			}
			_, err := tx.Exec(`
				INSERT INTO run_state (id, last_post_id, last_thread_id, started_at, updated_at)
				VALUES (1, 0, 0, datetime('now'), datetime('now'))
				ON CONFLICT(id) DO NOTHING
			`)
			return errors.Wrap(err, "seeding run_state singleton")
		},
		Down: func(tx *sql.Tx) error {
			stmts := []string{
				`DROP TABLE IF EXISTS thread_state`,
				`DROP TABLE IF EXISTS run_state`,
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
