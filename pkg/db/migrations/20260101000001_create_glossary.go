package migrations

import (
	"database/sql"

	"github.com/pkg/errors"
	"github.com/terrarium-labs/annotator/pkg/db"
)

// Migration20260101000001CreateGlossary creates the glossary entry table,
// its tag link table, and the FTS5 index kept coherent with it by triggers.
func Migration20260101000001CreateGlossary() db.Migration {
	return db.Migration{
		Version:     20260101000001,
		Description: "Create glossary_entry, glossary_tag, glossary_fts",
		Up: func(tx *sql.Tx) error {
			stmts := []string{
				`CREATE TABLE IF NOT EXISTS glossary_entry (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					term TEXT NOT NULL,
					term_normalized TEXT NOT NULL UNIQUE,
					definition TEXT NOT NULL,
					status TEXT NOT NULL CHECK (status IN ('tentative', 'confirmed')),
					first_seen_post_id INTEGER NOT NULL,
					first_seen_thread_id INTEGER NOT NULL,
					last_updated_post_id INTEGER NOT NULL,
					last_updated_thread_id INTEGER NOT NULL,
					created_at TEXT NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE TABLE IF NOT EXISTS glossary_tag (
					entry_id INTEGER NOT NULL REFERENCES glossary_entry(id) ON DELETE CASCADE,
					tag TEXT NOT NULL,
					PRIMARY KEY (entry_id, tag)
				)`,
				`CREATE VIRTUAL TABLE IF NOT EXISTS glossary_fts USING fts5(
					term, definition, content='glossary_entry', content_rowid='id'
				)`,
				`CREATE TRIGGER IF NOT EXISTS glossary_fts_ai AFTER INSERT ON glossary_entry BEGIN
					INSERT INTO glossary_fts(rowid, term, definition) VALUES (new.id, new.term, new.definition);
				END`,
				`CREATE TRIGGER IF NOT EXISTS glossary_fts_ad AFTER DELETE ON glossary_entry BEGIN
					INSERT INTO glossary_fts(glossary_fts, rowid, term, definition) VALUES ('delete', old.id, old.term, old.definition);
				END`,
				`CREATE TRIGGER IF NOT EXISTS glossary_fts_au AFTER UPDATE ON glossary_entry BEGIN
					INSERT INTO glossary_fts(glossary_fts, rowid, term, definition) VALUES ('delete', old.id, old.term, old.definition);
					INSERT INTO glossary_fts(rowid, term, definition) VALUES (new.id, new.term, new.definition);
				END`,
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
				`DROP TRIGGER IF EXISTS glossary_fts_au`,
				`DROP TRIGGER IF EXISTS glossary_fts_ad`,
				`DROP TRIGGER IF EXISTS glossary_fts_ai`,
				`DROP TABLE IF EXISTS glossary_fts`,
				`DROP TABLE IF EXISTS glossary_tag`,
				`DROP TABLE IF EXISTS glossary_entry`,
			}
			for _, s := range stmts {
				if _, err := tx.Exec(s); err != nil {
					return errors.Wrapf(err, "executing: %s", s)
				}
			}
			return nil
		},
	}
}
