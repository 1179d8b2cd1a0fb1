package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EncodedContext is the self-describing structured encoding spec §4.3
// requires, lossless for every AnnotationContext field it lists. YAML was
// chosen because the CLI's `export --format yaml` already needs a YAML
// encoder in the dependency graph, so snapshots reuse it rather than
// introducing a second serialization format.
type EncodedContext struct {
	SystemPrompt      string          `yaml:"system_prompt"`
	CumulativeSummary string          `yaml:"cumulative_summary,omitempty"`
	ChunkSummaries    []EncodedChunk  `yaml:"chunk_summaries,omitempty"`
	ThreadSummaries   []EncodedThread `yaml:"thread_summaries,omitempty"`
	Turns             []EncodedTurn   `yaml:"turns"`
}

// EncodedChunk mirrors context.ChunkSummary for serialization.
type EncodedChunk struct {
	ThreadID        int64   `yaml:"thread_id"`
	ChunkIndex      int     `yaml:"chunk_index"`
	FirstSceneIndex int     `yaml:"first_scene_index"`
	LastSceneIndex  int     `yaml:"last_scene_index"`
	Text            string  `yaml:"text"`
	EntryIDs        []int64 `yaml:"entry_ids,omitempty"`
}

// EncodedThread mirrors context.ThreadSummary for serialization.
type EncodedThread struct {
	ThreadID int64   `yaml:"thread_id"`
	Position int     `yaml:"position"`
	Text     string  `yaml:"text"`
	EntryIDs []int64 `yaml:"entry_ids,omitempty"`
}

// EncodedTurn mirrors context.Turn for serialization.
type EncodedTurn struct {
	Role        string `yaml:"role"`
	Content     string `yaml:"content"`
	ToolCallID  string `yaml:"tool_call_id,omitempty"`
	ThreadID    int64  `yaml:"thread_id,omitempty"`
	SceneIndex  int    `yaml:"scene_index,omitempty"`
	Truncated   bool   `yaml:"truncated,omitempty"`
	ThinkingCut bool   `yaml:"thinking_cut,omitempty"`
}

// SaveSnapshot writes snapshot metadata, the serialized context, and
// per-entry blame rows in one transaction. Returns the new snapshot id.
func (s *Store) SaveSnapshot(ctx context.Context, typ SnapshotType, encoded EncodedContext, entries []SnapshotEntryState, postID, threadID int64, threadPosition, tokenCount int) (int64, error) {
	var id int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		id, err = insertSnapshotTx(ctx, tx, typ, encoded, entries, postID, threadID, threadPosition, tokenCount)
		return err
	})
	return id, err
}

// insertSnapshotTx is the snapshot/snapshot_context/snapshot_entry write
// shared by SaveSnapshot and AdvanceRunStateWithSnapshot.
func insertSnapshotTx(ctx context.Context, tx *sqlx.Tx, typ SnapshotType, encoded EncodedContext, entries []SnapshotEntryState, postID, threadID int64, threadPosition, tokenCount int) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot (type, last_post_id, last_thread_id, thread_position, entry_count, token_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, typ, postID, threadID, threadPosition, len(entries), tokenCount, time.Now().UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert snapshot")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "failed to read snapshot id")
	}

	payload, err := yaml.Marshal(encoded)
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode snapshot context")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO snapshot_context (snapshot_id, encoding, payload) VALUES (?, 'yaml', ?)
	`, id, string(payload)); err != nil {
		return 0, errors.Wrap(err, "failed to insert snapshot context")
	}

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_entry (snapshot_id, entry_id, definition, status) VALUES (?, ?, ?, ?)
		`, id, e.EntryID, e.Definition, e.Status); err != nil {
			return 0, errors.Wrap(err, "failed to insert snapshot entry state")
		}
	}
	return id, nil
}

// setCurrentSnapshotTx is SetCurrentSnapshot's write, shared with
// AdvanceRunStateWithSnapshot so the pointer update lands in the same
// transaction as the snapshot it points to.
func setCurrentSnapshotTx(ctx context.Context, tx *sqlx.Tx, snapshotID int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE run_state SET current_snapshot_id = ?, updated_at = ? WHERE id = 1
	`, snapshotID, time.Now().UTC())
	return errors.Wrap(err, "failed to set current snapshot")
}

// AdvanceRunStateWithSnapshot atomically advances run-state/thread-state for
// a scene and writes the scene's checkpoint snapshot (plus the
// current-snapshot pointer) in the same transaction, per spec §4.8's
// exactly-once CHECKPOINT contract. Use this instead of AdvanceRunState +
// SaveSnapshot + SetCurrentSnapshot whenever a scene's own advance coincides
// with a checkpoint write for that scene.
func (s *Store) AdvanceRunStateWithSnapshot(ctx context.Context, postID, threadID, postsDelta, entriesCreatedDelta, entriesUpdatedDelta int64, sceneIndex int, threadClosed bool, typ SnapshotType, encoded EncodedContext, entries []SnapshotEntryState, threadPosition, tokenCount int) (int64, error) {
	var snapshotID int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := advanceRunStateTx(ctx, tx, postID, threadID, postsDelta, entriesCreatedDelta, entriesUpdatedDelta, sceneIndex, threadClosed); err != nil {
			return err
		}
		id, err := insertSnapshotTx(ctx, tx, typ, encoded, entries, postID, threadID, threadPosition, tokenCount)
		if err != nil {
			return err
		}
		if err := setCurrentSnapshotTx(ctx, tx, id); err != nil {
			return err
		}
		snapshotID = id
		return nil
	})
	return snapshotID, err
}

// Checkpoint writes a snapshot and advances the current-snapshot pointer in
// one transaction, for checkpoints that do not coincide with a scene's own
// run-state advance (e.g. a thread-boundary checkpoint taken after curation
// has already mutated the glossary for entries first seen in that thread).
func (s *Store) Checkpoint(ctx context.Context, typ SnapshotType, encoded EncodedContext, entries []SnapshotEntryState, postID, threadID int64, threadPosition, tokenCount int) (int64, error) {
	var id int64
	err := withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var err error
		id, err = insertSnapshotTx(ctx, tx, typ, encoded, entries, postID, threadID, threadPosition, tokenCount)
		if err != nil {
			return err
		}
		return setCurrentSnapshotTx(ctx, tx, id)
	})
	return id, err
}

// LoadedSnapshot bundles a Snapshot's metadata with its decoded context and
// entry states.
type LoadedSnapshot struct {
	Snapshot Snapshot
	Context  EncodedContext
	Entries  []SnapshotEntryState
}

// LoadSnapshot reconstructs a snapshot by id.
func (s *Store) LoadSnapshot(ctx context.Context, id int64) (*LoadedSnapshot, error) {
	var snap Snapshot
	err := s.db.GetContext(ctx, &snap, `
		SELECT id, type, last_post_id, last_thread_id, thread_position, entry_count, token_count, created_at
		FROM snapshot WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load snapshot")
	}

	var payload string
	err = s.db.GetContext(ctx, &payload, "SELECT payload FROM snapshot_context WHERE snapshot_id = ?", id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load snapshot context payload")
	}
	var encoded EncodedContext
	if err := yaml.Unmarshal([]byte(payload), &encoded); err != nil {
		return nil, errors.Wrap(err, "failed to decode snapshot context")
	}

	var entries []SnapshotEntryState
	if err := s.db.SelectContext(ctx, &entries, `
		SELECT entry_id, definition, status FROM snapshot_entry WHERE snapshot_id = ?`, id); err != nil {
		return nil, errors.Wrap(err, "failed to load snapshot entry states")
	}

	return &LoadedSnapshot{Snapshot: snap, Context: encoded, Entries: entries}, nil
}

// ListSnapshots returns snapshot metadata only, optionally filtered by
// thread id and/or type.
func (s *Store) ListSnapshots(ctx context.Context, threadID *int64, typ SnapshotType, limit int) ([]Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT id, type, last_post_id, last_thread_id, thread_position, entry_count, token_count, created_at FROM snapshot"
	var conditions []string
	var args []any
	if threadID != nil {
		conditions = append(conditions, "last_thread_id = ?")
		args = append(args, *threadID)
	}
	if typ != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, typ)
	}
	if len(conditions) > 0 {
		query += " WHERE "
		for i, c := range conditions {
			if i > 0 {
				query += " AND "
			}
			query += c
		}
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	var rows []Snapshot
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "failed to list snapshots")
	}
	return rows, nil
}

// withTx runs fn inside a transaction, used by the snapshot and run-state
// writes.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
