package migrations

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/terrarium-labs/annotator/pkg/db"
)

// Migration20260101000002CreateRevisions creates the append-only revision
// log. Entry and snapshot references are ON DELETE SET NULL so a revision
// row survives both entry deletion and snapshot pruning.
func Migration20260101000002CreateRevisions() db.Migration {
	return db.Migration{
		Version:     20260101000002,
		Description: "Create revision table",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS revision (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					entry_id INTEGER REFERENCES glossary_entry(id) ON DELETE SET NULL,
					snapshot_id INTEGER REFERENCES snapshot(id) ON DELETE SET NULL,
					field TEXT NOT NULL CHECK (field IN ('term', 'definition', 'status', 'tags', 'curator_decision')),
					old_value TEXT,
					new_value TEXT NOT NULL,
					source_post_id INTEGER NOT NULL,
					created_at TEXT NOT NULL
				)
			`)
			if err != nil {
				return errors.Wrap(err, "creating revision table")
			}
			_, err = tx.Exec(`CREATE INDEX IF NOT EXISTS idx_revision_entry_id ON revision(entry_id)`)
			return errors.Wrap(err, "creating revision entry_id index")
		},
		Down: func(tx *sql.Tx) error {
			_, err := tx.Exec(`DROP TABLE IF EXISTS revision`)
			return err
		},
	}
}
