package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/terrarium-labs/annotator/pkg/db"
	"github.com/terrarium-labs/annotator/pkg/db/migrations"
	"github.com/terrarium-labs/annotator/pkg/logger"
)

// Store is the glossary store: glossary entries, tags, the FTS index, and
// the revision log all live behind one *sqlx.DB, the single writer
// connection per spec §5.
type Store struct {
	db *sqlx.DB
}

// Open opens (and migrates) the annotator database at dbPath.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	runner := db.NewMigrationRunner(sqlDB)
	if err := runner.Run(ctx, migrations.All()); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to run annotator migrations")
	}

	return &Store{db: sqlDB}, nil
}

// NewWithDB wraps an already-open, already-migrated database. Used by tests
// with an in-memory or tempdir database.
func NewWithDB(sqlDB *sqlx.DB) *Store {
	return &Store{db: sqlDB}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Search runs an FTS match over (term, definition), promoting an exact
// normalized-term match to rank 0, ahead of relevance-ranked FTS hits.
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]GlossaryEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}

	var exact *GlossaryEntry
	if opts.Query != "" {
		e, err := s.getByNormalizedTerm(ctx, normalizeTerm(opts.Query))
		if err == nil {
			exact = e
		} else if !errors.Is(err, ErrEntryNotFound) {
			return nil, err
		}
	}

	query := `
		SELECT e.id, e.term, e.term_normalized, e.definition, e.status,
			e.first_seen_post_id, e.first_seen_thread_id,
			e.last_updated_post_id, e.last_updated_thread_id,
			e.created_at, e.updated_at
		FROM glossary_fts f
		JOIN glossary_entry e ON e.id = f.rowid
	`
	args := []any{}
	conditions := []string{}

	if opts.Query != "" {
		conditions = append(conditions, "glossary_fts MATCH ?")
		args = append(args, ftsQuery(opts.Query))
	}
	if s := normalizeStatus(opts.Status); s != "" {
		conditions = append(conditions, "e.status = ?")
		args = append(args, s)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY bm25(glossary_fts) LIMIT ?"
	args = append(args, limit)

	var rows []GlossaryEntry
	if opts.Query != "" {
		if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
			return nil, errors.Wrap(err, "failed to search glossary")
		}
	} else {
		rows = nil
	}

	if len(opts.Tags) > 0 {
		var err error
		rows, err = s.filterByTags(ctx, rows, opts.Tags)
		if err != nil {
			return nil, err
		}
	}

	if err := s.attachTags(ctx, rows); err != nil {
		return nil, err
	}

	if exact != nil {
		withTags := []GlossaryEntry{*exact}
		if err := s.attachTags(ctx, withTags); err != nil {
			return nil, err
		}
		st := normalizeStatus(opts.Status)
		if (st == "" || withTags[0].Status == st) && matchesAllTags(withTags[0].Tags, opts.Tags) {
			rows = prependExact(rows, withTags[0])
		}
	}

	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func prependExact(rows []GlossaryEntry, exact GlossaryEntry) []GlossaryEntry {
	out := make([]GlossaryEntry, 0, len(rows)+1)
	out = append(out, exact)
	for _, r := range rows {
		if r.ID != exact.ID {
			out = append(out, r)
		}
	}
	return out
}

func normalizeStatus(status string) Status {
	switch status {
	case string(StatusConfirmed), string(StatusTentative):
		return Status(status)
	default:
		return ""
	}
}

// ftsQuery wraps a raw query string as an FTS5 phrase/prefix match.
func ftsQuery(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return q
	}
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = "\"" + strings.ReplaceAll(f, "\"", "") + "\"*"
	}
	return strings.Join(fields, " OR ")
}

// Get returns the entry with the given id, or ErrEntryNotFound.
func (s *Store) Get(ctx context.Context, id int64) (*GlossaryEntry, error) {
	var e GlossaryEntry
	err := s.db.GetContext(ctx, &e, `
		SELECT id, term, term_normalized, definition, status,
			first_seen_post_id, first_seen_thread_id,
			last_updated_post_id, last_updated_thread_id,
			created_at, updated_at
		FROM glossary_entry WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get glossary entry")
	}
	withTags := []GlossaryEntry{e}
	if err := s.attachTags(ctx, withTags); err != nil {
		return nil, err
	}
	return &withTags[0], nil
}

func (s *Store) getByNormalizedTerm(ctx context.Context, normalized string) (*GlossaryEntry, error) {
	var e GlossaryEntry
	err := s.db.GetContext(ctx, &e, `
		SELECT id, term, term_normalized, definition, status,
			first_seen_post_id, first_seen_thread_id,
			last_updated_post_id, last_updated_thread_id,
			created_at, updated_at
		FROM glossary_entry WHERE term_normalized = ?`, normalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get glossary entry by term")
	}
	return &e, nil
}

// Create inserts a new tentative (by default) glossary entry, stamping both
// first-seen and last-updated from (postID, threadID). Fails with
// ErrDuplicateTerm if the normalized term already exists.
func (s *Store) Create(ctx context.Context, term, definition string, tags []string, postID, threadID int64, status Status) (int64, error) {
	if status == "" {
		status = StatusTentative
	}
	normalized := normalizeTerm(term)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if _, err := s.getByNormalizedTermTx(ctx, tx, normalized); err == nil {
		return 0, ErrDuplicateTerm
	} else if !errors.Is(err, ErrEntryNotFound) {
		return 0, err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		INSERT INTO glossary_entry (
			term, term_normalized, definition, status,
			first_seen_post_id, first_seen_thread_id,
			last_updated_post_id, last_updated_thread_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, term, normalized, definition, status, postID, threadID, postID, threadID, now, now)
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert glossary entry")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read inserted id")
	}

	if err := insertTagsTx(ctx, tx, id, tags); err != nil {
		return 0, err
	}

	if err := writeRevisionTx(ctx, tx, &id, nil, FieldTerm, nil, term, postID); err != nil {
		return 0, err
	}
	if err := writeRevisionTx(ctx, tx, &id, nil, FieldDefinition, nil, definition, postID); err != nil {
		return 0, err
	}
	if err := writeRevisionTx(ctx, tx, &id, nil, FieldStatus, nil, string(status), postID); err != nil {
		return 0, err
	}
	if len(tags) > 0 {
		if err := writeRevisionTx(ctx, tx, &id, nil, FieldTags, nil, strings.Join(tags, ","), postID); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "failed to commit create")
	}
	logger.G(ctx).WithField("entry_id", id).WithField("term", term).Debug("created glossary entry")
	return id, nil
}

func (s *Store) getByNormalizedTermTx(ctx context.Context, tx *sqlx.Tx, normalized string) (*GlossaryEntry, error) {
	var id int64
	err := tx.GetContext(ctx, &id, "SELECT id FROM glossary_entry WHERE term_normalized = ?", normalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to check term uniqueness")
	}
	return &GlossaryEntry{ID: id}, nil
}

// Update applies a patch to an existing entry, stamping last-updated from
// (postID, threadID) and logging one revision row per changed field.
// Returns false if the entry does not exist.
func (s *Store) Update(ctx context.Context, id int64, patch EntryPatch, postID, threadID int64) (bool, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var current GlossaryEntry
	err = tx.GetContext(ctx, &current, `
		SELECT id, term, term_normalized, definition, status,
			first_seen_post_id, first_seen_thread_id,
			last_updated_post_id, last_updated_thread_id,
			created_at, updated_at
		FROM glossary_entry WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to load entry for update")
	}

	sets := []string{"last_updated_post_id = ?", "last_updated_thread_id = ?", "updated_at = ?"}
	now := time.Now().UTC()
	args := []any{postID, threadID, now}

	if patch.Term != nil {
		normalized := normalizeTerm(*patch.Term)
		if normalized != current.TermNormalized {
			if _, err := s.getByNormalizedTermTx(ctx, tx, normalized); err == nil {
				return false, ErrDuplicateTerm
			} else if !errors.Is(err, ErrEntryNotFound) {
				return false, err
			}
		}
		sets = append(sets, "term = ?", "term_normalized = ?")
		args = append(args, *patch.Term, normalized)
		if err := writeRevisionTx(ctx, tx, &id, nil, FieldTerm, &current.Term, *patch.Term, postID); err != nil {
			return false, err
		}
	}
	if patch.Definition != nil {
		sets = append(sets, "definition = ?")
		args = append(args, *patch.Definition)
		if err := writeRevisionTx(ctx, tx, &id, nil, FieldDefinition, &current.Definition, *patch.Definition, postID); err != nil {
			return false, err
		}
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
		old := string(current.Status)
		if err := writeRevisionTx(ctx, tx, &id, nil, FieldStatus, &old, string(*patch.Status), postID); err != nil {
			return false, err
		}
	}

	args = append(args, id)
	_, err = tx.ExecContext(ctx, "UPDATE glossary_entry SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return false, errors.Wrap(err, "failed to update glossary entry")
	}

	if patch.Tags != nil {
		oldTags, err := tagsForEntryTx(ctx, tx, id)
		if err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM glossary_tag WHERE entry_id = ?", id); err != nil {
			return false, errors.Wrap(err, "failed to clear tags")
		}
		if err := insertTagsTx(ctx, tx, id, *patch.Tags); err != nil {
			return false, err
		}
		oldJoined := strings.Join(oldTags, ",")
		if err := writeRevisionTx(ctx, tx, &id, nil, FieldTags, &oldJoined, strings.Join(*patch.Tags, ","), postID); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "failed to commit update")
	}
	return true, nil
}

// Delete logs a curator_decision (or caller-supplied reason) revision, then
// removes the entry. Tags and snapshot-entry rows cascade; revision rows
// survive with entry_id set to null. Idempotent: deleting a missing id
// succeeds silently.
func (s *Store) Delete(ctx context.Context, id int64, reason string, postID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM glossary_entry WHERE id = ?)", id); err != nil {
		return errors.Wrap(err, "failed to check entry existence")
	}
	if !exists {
		return tx.Commit()
	}

	if err := writeRevisionTx(ctx, tx, &id, nil, FieldCuratorDecision, nil, reason, postID); err != nil {
		return err
	}

	// Prior revision rows reference entry_id via ON DELETE SET NULL, so
	// they survive the delete below with their entry reference cleared.
	if _, err := tx.ExecContext(ctx, "DELETE FROM glossary_entry WHERE id = ?", id); err != nil {
		return errors.Wrap(err, "failed to delete glossary entry")
	}

	return tx.Commit()
}

// TentativeByThread returns the tentative entries whose first appearance
// was in threadID, in id order, for the curator fork to adjudicate at
// thread close.
func (s *Store) TentativeByThread(ctx context.Context, threadID int64) ([]GlossaryEntry, error) {
	var rows []GlossaryEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, term, term_normalized, definition, status,
			first_seen_post_id, first_seen_thread_id,
			last_updated_post_id, last_updated_thread_id,
			created_at, updated_at
		FROM glossary_entry
		WHERE status = ? AND first_seen_thread_id = ?
		ORDER BY id ASC`, StatusTentative, threadID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tentative entries for thread")
	}
	if err := s.attachTags(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// AllEntries returns every entry, for exporters.
func (s *Store) AllEntries(ctx context.Context) ([]GlossaryEntry, error) {
	var rows []GlossaryEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, term, term_normalized, definition, status,
			first_seen_post_id, first_seen_thread_id,
			last_updated_post_id, last_updated_thread_id,
			created_at, updated_at
		FROM glossary_entry ORDER BY id ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list glossary entries")
	}
	if err := s.attachTags(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Revisions returns the revision history for an entry id, newest first.
func (s *Store) Revisions(ctx context.Context, entryID int64) ([]Revision, error) {
	var revs []Revision
	err := s.db.SelectContext(ctx, &revs, `
		SELECT id, entry_id, snapshot_id, field, old_value, new_value, source_post_id, created_at
		FROM revision WHERE entry_id = ? ORDER BY id DESC`, entryID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list revisions")
	}
	return revs, nil
}

func (s *Store) attachTags(ctx context.Context, entries []GlossaryEntry) error {
	for i := range entries {
		tags, err := tagsForEntry(ctx, s.db, entries[i].ID)
		if err != nil {
			return err
		}
		entries[i].Tags = tags
	}
	return nil
}

func (s *Store) filterByTags(ctx context.Context, entries []GlossaryEntry, tags []string) ([]GlossaryEntry, error) {
	out := make([]GlossaryEntry, 0, len(entries))
	for _, e := range entries {
		entryTags, err := tagsForEntry(ctx, s.db, e.ID)
		if err != nil {
			return nil, err
		}
		if matchesAllTags(entryTags, tags) {
			out = append(out, e)
		}
	}
	return out, nil
}

func tagsForEntry(ctx context.Context, q sqlx.QueryerContext, entryID int64) ([]string, error) {
	var tags []string
	query, args, err := sqlx.In("SELECT tag FROM glossary_tag WHERE entry_id = ?", entryID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build tags query")
	}
	rows, err := q.QueryxContext(ctx, sqlx.Rebind(sqlx.QUESTION, query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query tags")
	}
	defer rows.Close()
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, errors.Wrap(err, "failed to scan tag")
		}
		tags = append(tags, t)
	}
	return tags, nil
}

func tagsForEntryTx(ctx context.Context, tx *sqlx.Tx, entryID int64) ([]string, error) {
	return tagsForEntry(ctx, tx, entryID)
}

func insertTagsTx(ctx context.Context, tx *sqlx.Tx, entryID int64, tags []string) error {
	for _, t := range tags {
		if _, err := tx.ExecContext(ctx, "INSERT INTO glossary_tag (entry_id, tag) VALUES (?, ?)", entryID, t); err != nil {
			return errors.Wrap(err, "failed to insert tag")
		}
	}
	return nil
}

func writeRevisionTx(ctx context.Context, tx *sqlx.Tx, entryID, snapshotID *int64, field RevisionField, oldValue *string, newValue string, postID int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO revision (entry_id, snapshot_id, field, old_value, new_value, source_post_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entryID, snapshotID, field, oldValue, newValue, postID, time.Now().UTC())
	return errors.Wrap(err, "failed to write revision")
}

// WriteNote logs a standalone curator_decision revision not tied to any
// entry's own field change: a summon dismissal's dialogue summary, or a
// curator decision (e.g. MERGE) whose primary effect lands on a different
// entry than the one the note concerns. snapshotID is optional and ties
// the note back to the snapshot a summon dialogue was reconstituted from.
func (s *Store) WriteNote(ctx context.Context, snapshotID *int64, note string, postID int64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()
	if err := writeRevisionTx(ctx, tx, nil, snapshotID, FieldCuratorDecision, nil, note, postID); err != nil {
		return err
	}
	return tx.Commit()
}
