package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

// GetRunState reads the singleton run_state row.
func (s *Store) GetRunState(ctx context.Context) (*RunState, error) {
	var rs RunState
	err := s.db.GetContext(ctx, &rs, `
		SELECT id, last_post_id, last_thread_id, current_snapshot_id,
			started_at, updated_at, posts_processed, entries_created, entries_updated
		FROM run_state WHERE id = 1`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load run state")
	}
	return &rs, nil
}

// AdvanceRunState records the progress made processing one scene: the new
// high-water mark (postID, threadID), the per-thread scene index, postsDelta
// posts consumed by the scene, and entry creation/update counters. Runs in a
// single transaction with the per-thread progress row so a crash mid-update
// never leaves the two inconsistent.
func (s *Store) AdvanceRunState(ctx context.Context, postID, threadID, postsDelta, entriesCreatedDelta, entriesUpdatedDelta int64, sceneIndex int, threadClosed bool) error {
	return withTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return advanceRunStateTx(ctx, tx, postID, threadID, postsDelta, entriesCreatedDelta, entriesUpdatedDelta, sceneIndex, threadClosed)
	})
}

// advanceRunStateTx is the run-state/thread-state write shared by
// AdvanceRunState and AdvanceRunStateWithSnapshot, so a scene's run-state
// advance and its checkpoint snapshot can share one transaction when both
// happen for the same scene (spec §4.8 CHECKPOINT: "run-state advance and
// snapshot write occur in the same transaction").
func advanceRunStateTx(ctx context.Context, tx *sqlx.Tx, postID, threadID, postsDelta, entriesCreatedDelta, entriesUpdatedDelta int64, sceneIndex int, threadClosed bool) error {
	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE run_state SET
			last_post_id = ?, last_thread_id = ?, updated_at = ?,
			posts_processed = posts_processed + ?,
			entries_created = entries_created + ?,
			entries_updated = entries_updated + ?
		WHERE id = 1
	`, postID, threadID, now, postsDelta, entriesCreatedDelta, entriesUpdatedDelta); err != nil {
		return errors.Wrap(err, "failed to advance run state")
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_state (thread_id, last_scene_index, closed, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			last_scene_index = excluded.last_scene_index,
			closed = excluded.closed,
			updated_at = excluded.updated_at
	`, threadID, sceneIndex, threadClosed, now); err != nil {
		return errors.Wrap(err, "failed to advance thread state")
	}
	return nil
}

// SetCurrentSnapshot records which snapshot the run last checkpointed to.
func (s *Store) SetCurrentSnapshot(ctx context.Context, snapshotID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_state SET current_snapshot_id = ?, updated_at = ? WHERE id = 1
	`, snapshotID, time.Now().UTC())
	return errors.Wrap(err, "failed to set current snapshot")
}

// ThreadState returns the resumption record for a thread, or a zero-value
// record (last_scene_index -1, not closed) if the thread has no progress
// yet.
func (s *Store) ThreadState(ctx context.Context, threadID int64) (ThreadState, error) {
	var ts ThreadState
	err := s.db.GetContext(ctx, &ts, `
		SELECT thread_id, last_scene_index, closed, updated_at
		FROM thread_state WHERE thread_id = ?`, threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return ThreadState{ThreadID: threadID, LastSceneIndex: -1}, nil
	}
	if err != nil {
		return ThreadState{}, errors.Wrap(err, "failed to load thread state")
	}
	return ts, nil
}
