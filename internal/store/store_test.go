package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "annotator.db")
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreate_DuplicateNormalizedTermRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "Soma", "a drug", nil, 1, 1, "")
	require.NoError(t, err)

	_, err = s.Create(ctx, "soma (the substance)", "same thing, different spelling", nil, 2, 1, "")
	assert.ErrorIs(t, err, ErrDuplicateTerm)
}

func TestCreate_DefaultsToTentative(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug", []string{"drug"}, 1, 1, "")
	require.NoError(t, err)

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusTentative, e.Status)
	assert.Equal(t, int64(1), e.FirstSeenPostID)
	assert.Equal(t, int64(1), e.LastUpdatedPostID)
	assert.Equal(t, []string{"drug"}, e.Tags)
}

func TestCreate_WritesRevisionPerField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug", []string{"drug"}, 1, 1, "")
	require.NoError(t, err)

	revs, err := s.Revisions(ctx, id)
	require.NoError(t, err)
	fields := map[RevisionField]bool{}
	for _, r := range revs {
		fields[r.Field] = true
		assert.Nil(t, r.OldValue, "creation revisions have no prior value")
	}
	assert.True(t, fields[FieldTerm])
	assert.True(t, fields[FieldDefinition])
	assert.True(t, fields[FieldStatus])
	assert.True(t, fields[FieldTags])
}

func TestUpdate_NonexistentEntryReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := "new definition"
	ok, err := s.Update(ctx, 999, EntryPatch{Definition: &def}, 1, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdate_ChangesLastUpdatedButNotFirstSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug", nil, 1, 10, "")
	require.NoError(t, err)

	def := "a stronger drug"
	ok, err := s.Update(ctx, id, EntryPatch{Definition: &def}, 50, 20)
	require.NoError(t, err)
	require.True(t, ok)

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a stronger drug", e.Definition)
	assert.Equal(t, int64(1), e.FirstSeenPostID, "first-seen must never move")
	assert.Equal(t, int64(10), e.FirstSeenThreadID)
	assert.Equal(t, int64(50), e.LastUpdatedPostID)
	assert.Equal(t, int64(20), e.LastUpdatedThreadID)
}

func TestUpdate_RenameToExistingTermFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "Soma", "a drug", nil, 1, 1, "")
	require.NoError(t, err)
	id2, err := s.Create(ctx, "Neurobond", "a device", nil, 2, 1, "")
	require.NoError(t, err)

	newTerm := "Soma"
	_, err = s.Update(ctx, id2, EntryPatch{Term: &newTerm}, 3, 1)
	assert.ErrorIs(t, err, ErrDuplicateTerm)
}

func TestUpdate_RenameToSameTermIsNotADuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug", nil, 1, 1, "")
	require.NoError(t, err)

	sameTerm := "Soma"
	ok, err := s.Update(ctx, id, EntryPatch{Term: &sameTerm}, 2, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUpdate_ReplacesTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug", []string{"drug", "common"}, 1, 1, "")
	require.NoError(t, err)

	newTags := []string{"drug", "rare"}
	ok, err := s.Update(ctx, id, EntryPatch{Tags: &newTags}, 2, 1)
	require.NoError(t, err)
	require.True(t, ok)

	e, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.ElementsMatch(t, newTags, e.Tags)
}

func TestDelete_EntrySurvivesAsRevisionStub(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug", nil, 1, 1, "")
	require.NoError(t, err)

	err = s.Delete(ctx, id, "hallucinated, no corroborating posts", 5)
	require.NoError(t, err)

	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// entry_id is ON DELETE SET NULL, so the surviving rows no longer
	// carry the deleted entry's id.
	var revs []Revision
	err = s.db.SelectContext(ctx, &revs, `
		SELECT id, entry_id, snapshot_id, field, old_value, new_value, source_post_id, created_at
		FROM revision WHERE entry_id IS NULL ORDER BY id DESC`)
	require.NoError(t, err)
	require.NotEmpty(t, revs, "revisions for a deleted entry must survive with a null entry reference")
	found := false
	for _, r := range revs {
		assert.Nil(t, r.EntryID)
		if r.Field == FieldCuratorDecision {
			found = true
			assert.Equal(t, "hallucinated, no corroborating posts", r.NewValue)
		}
	}
	assert.True(t, found)
}

func TestDelete_MissingEntryIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	err := s.Delete(context.Background(), 12345, "never existed", 1)
	assert.NoError(t, err)
}

func TestSearch_ExactNormalizedTermPromotedFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "Soma Extract", "a refined drug", nil, 1, 1, "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "Soma", "the base drug", nil, 2, 1, "")
	require.NoError(t, err)

	rows, err := s.Search(ctx, SearchOptions{Query: "Soma"})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	assert.Equal(t, "soma", rows[0].TermNormalized)
}

func TestSearch_FiltersByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug entity", nil, 1, 1, "")
	require.NoError(t, err)
	confirmed := StatusConfirmed
	_, err = s.Update(ctx, id, EntryPatch{Status: &confirmed}, 2, 1)
	require.NoError(t, err)
	_, err = s.Create(ctx, "Neurobond", "a device entity", nil, 3, 1, "")
	require.NoError(t, err)

	rows, err := s.Search(ctx, SearchOptions{Query: "entity", Status: "confirmed"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "soma", rows[0].TermNormalized)
}

func TestSearch_FiltersByConjunctiveTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, "Soma", "a rare substance", []string{"drug", "rare"}, 1, 1, "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "Neurobond", "a common substance", []string{"device", "rare"}, 2, 1, "")
	require.NoError(t, err)

	rows, err := s.Search(ctx, SearchOptions{Query: "substance", Tags: []string{"drug", "rare"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "soma", rows[0].TermNormalized)
}

func TestTentativeByThread_OnlyMatchingThreadAndStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.Create(ctx, "Soma", "a drug", nil, 1, 10, "")
	require.NoError(t, err)
	_, err = s.Create(ctx, "Neurobond", "a device", nil, 2, 20, "")
	require.NoError(t, err)
	id3, err := s.Create(ctx, "Ledger", "a record", nil, 3, 10, "")
	require.NoError(t, err)
	confirmed := StatusConfirmed
	_, err = s.Update(ctx, id3, EntryPatch{Status: &confirmed}, 4, 10)
	require.NoError(t, err)

	rows, err := s.TentativeByThread(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, id1, rows[0].ID)
}

func TestSnapshot_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Create(ctx, "Soma", "a drug", nil, 1, 1, "")
	require.NoError(t, err)

	encoded := EncodedContext{
		SystemPrompt:      "you are the annotator",
		CumulativeSummary: "earlier events",
		Turns:             []EncodedTurn{{Role: "user", Content: "hello"}},
	}
	entries := []SnapshotEntryState{{EntryID: id, Definition: "a drug", Status: StatusTentative}}

	snapID, err := s.SaveSnapshot(ctx, SnapshotCheckpoint, encoded, entries, 100, 1, 3, 5000)
	require.NoError(t, err)

	loaded, err := s.LoadSnapshot(ctx, snapID)
	require.NoError(t, err)
	assert.Equal(t, "you are the annotator", loaded.Context.SystemPrompt)
	assert.Equal(t, "earlier events", loaded.Context.CumulativeSummary)
	require.Len(t, loaded.Context.Turns, 1)
	assert.Equal(t, "hello", loaded.Context.Turns[0].Content)
	require.Len(t, loaded.Entries, 1)
	assert.Equal(t, id, loaded.Entries[0].EntryID)
	assert.Equal(t, SnapshotCheckpoint, loaded.Snapshot.Type)
	assert.Equal(t, 5000, loaded.Snapshot.TokenCount)
}

func TestLoadSnapshot_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadSnapshot(context.Background(), 999)
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestListSnapshots_FiltersByThreadAndType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveSnapshot(ctx, SnapshotCheckpoint, EncodedContext{}, nil, 1, 10, 0, 0)
	require.NoError(t, err)
	_, err = s.SaveSnapshot(ctx, SnapshotCuratorFork, EncodedContext{}, nil, 2, 20, 0, 0)
	require.NoError(t, err)

	thread := int64(10)
	rows, err := s.ListSnapshots(ctx, &thread, "", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(10), rows[0].LastThreadID)

	rows, err = s.ListSnapshots(ctx, nil, SnapshotCuratorFork, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, SnapshotCuratorFork, rows[0].Type)
}

func TestRunState_AdvanceIsTransactional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.AdvanceRunState(ctx, 100, 1, 1, 2, 1, 5, false)
	require.NoError(t, err)

	rs, err := s.GetRunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rs.LastPostID)
	assert.Equal(t, int64(1), rs.LastThreadID)
	assert.Equal(t, int64(2), rs.EntriesCreated)
	assert.Equal(t, int64(1), rs.EntriesUpdated)
	assert.Equal(t, int64(1), rs.PostsProcessed)

	ts, err := s.ThreadState(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, ts.LastSceneIndex)
	assert.False(t, ts.Closed)
}

func TestRunState_AdvanceAccumulatesCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceRunState(ctx, 100, 1, 1, 1, 0, 0, false))
	require.NoError(t, s.AdvanceRunState(ctx, 101, 1, 1, 0, 1, 1, true))

	rs, err := s.GetRunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rs.PostsProcessed)
	assert.Equal(t, int64(1), rs.EntriesCreated)
	assert.Equal(t, int64(1), rs.EntriesUpdated)

	ts, err := s.ThreadState(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ts.Closed)
	assert.Equal(t, 1, ts.LastSceneIndex)
}

func TestRunState_PostsProcessedCountsAllPostsInScene(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AdvanceRunState(ctx, 103, 1, 4, 0, 0, 0, false))

	rs, err := s.GetRunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), rs.PostsProcessed)
}

func TestAdvanceRunStateWithSnapshot_SharesOneTransaction(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	encoded := EncodedContext{SystemPrompt: "you are the annotator"}
	snapID, err := s.AdvanceRunStateWithSnapshot(ctx, 100, 1, 1, 1, 0, 5, false, SnapshotCheckpoint, encoded, nil, 5, 1200)
	require.NoError(t, err)

	rs, err := s.GetRunState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), rs.LastPostID)
	assert.Equal(t, int64(1), rs.PostsProcessed)
	require.NotNil(t, rs.CurrentSnapshotID)
	assert.Equal(t, snapID, *rs.CurrentSnapshotID)

	loaded, err := s.LoadSnapshot(ctx, snapID)
	require.NoError(t, err)
	assert.Equal(t, "you are the annotator", loaded.Context.SystemPrompt)
}

func TestCheckpoint_SetsCurrentSnapshotAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snapID, err := s.Checkpoint(ctx, SnapshotCheckpoint, EncodedContext{SystemPrompt: "sp"}, nil, 1, 1, 0, 100)
	require.NoError(t, err)

	rs, err := s.GetRunState(ctx)
	require.NoError(t, err)
	require.NotNil(t, rs.CurrentSnapshotID)
	assert.Equal(t, snapID, *rs.CurrentSnapshotID)
}

func TestThreadState_UnseenThreadIsZeroValue(t *testing.T) {
	s := newTestStore(t)
	ts, err := s.ThreadState(context.Background(), 999)
	require.NoError(t, err)
	assert.Equal(t, -1, ts.LastSceneIndex)
	assert.False(t, ts.Closed)
}

func TestSetCurrentSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snapID, err := s.SaveSnapshot(ctx, SnapshotCheckpoint, EncodedContext{}, nil, 1, 1, 0, 0)
	require.NoError(t, err)

	require.NoError(t, s.SetCurrentSnapshot(ctx, snapID))

	rs, err := s.GetRunState(ctx)
	require.NoError(t, err)
	require.NotNil(t, rs.CurrentSnapshotID)
	assert.Equal(t, snapID, *rs.CurrentSnapshotID)
}

func TestWriteNote_StandaloneRevision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	snapID, err := s.SaveSnapshot(ctx, SnapshotManual, EncodedContext{}, nil, 1, 1, 0, 0)
	require.NoError(t, err)
	require.NoError(t, s.WriteNote(ctx, &snapID, "dialogue established the drug's origin", 42))
}

func TestNormalize_StripsParentheticalSuffix(t *testing.T) {
	assert.Equal(t, "soma", Normalize("Soma (the drug)"))
	assert.Equal(t, "soma", Normalize("SOMA"))
	assert.Equal(t, "ledger of names", Normalize("Ledger of Names"))
}
