package annocontext

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrarium-labs/annotator/internal/corpus"
)

func TestRecordTurn_AppendsInOrder(t *testing.T) {
	c := New("system prompt")
	c.RecordTurn(RoleUser, "hi", "", 1, 0)
	c.RecordTurn(RoleAssistant, "hello", "", 1, 0)

	require.Len(t, c.Turns, 2)
	assert.Equal(t, RoleUser, c.Turns[0].Role)
	assert.Equal(t, RoleAssistant, c.Turns[1].Role)
}

func TestRemoveThreadTurns(t *testing.T) {
	c := New("sp")
	c.RecordTurn(RoleUser, "a", "", 1, 0)
	c.RecordTurn(RoleUser, "b", "", 2, 0)
	c.RecordTurn(RoleUser, "c", "", 1, 1)

	removed := c.RemoveThreadTurns(1)
	assert.Equal(t, 2, removed)
	require.Len(t, c.Turns, 1)
	assert.Equal(t, int64(2), c.Turns[0].ThreadID)
}

func TestRemoveChunkTurns(t *testing.T) {
	c := New("sp")
	c.RecordTurn(RoleUser, "a", "", 1, 0)
	c.RecordTurn(RoleUser, "b", "", 1, 1)
	c.RecordTurn(RoleUser, "c", "", 1, 2)
	c.RecordTurn(RoleUser, "d", "", 2, 1) // different thread, same scene range

	removed := c.RemoveChunkTurns(1, 0, 1)
	assert.Equal(t, 2, removed)
	require.Len(t, c.Turns, 2)
	assert.Equal(t, 2, c.Turns[0].SceneIndex)
	assert.Equal(t, int64(2), c.Turns[1].ThreadID)
}

func TestClone_IsIndependentOfOriginal(t *testing.T) {
	c := New("sp")
	c.CumulativeSummary = "cum"
	c.RecordTurn(RoleUser, "a", "", 1, 0)

	clone := c.Clone()
	clone.RecordTurn(RoleAssistant, "mutation", "", 1, 0)
	clone.CumulativeSummary = "mutated"

	assert.Len(t, c.Turns, 1, "mutating the clone must not affect the original")
	assert.Equal(t, "cum", c.CumulativeSummary)
	assert.Len(t, clone.Turns, 2)
}

func TestBuildMessages_Ordering(t *testing.T) {
	c := New("system prompt")
	c.CumulativeSummary = "the story so far"
	c.RecordTurn(RoleUser, "scene 1", "", 1, 0)
	c.RecordTurn(RoleAssistant, "reply 1", "", 1, 0)

	scene := Scene{
		ThreadID:   1,
		SceneIndex: 1,
		Posts:      []corpus.Post{{ID: 100, Body: "new post"}},
	}
	entries := []RelevantEntry{{ID: 5, Term: "Widget", Definition: "a thing", Status: "confirmed"}}

	messages := c.BuildMessages(scene, entries)

	require.Len(t, messages, 5) // system, header, 2 turns, scene message
	assert.Equal(t, "system prompt", messages[0].Content)
	assert.Contains(t, messages[1].Content, "<cumulative_summary>")
	assert.Equal(t, "scene 1", messages[2].Content)
	assert.Equal(t, "reply 1", messages[3].Content)
	assert.Contains(t, messages[4].Content, "<scene thread_id=1 scene_index=1>")
	assert.Contains(t, messages[4].Content, "new post")
	assert.Contains(t, messages[4].Content, "<candidate_entries>")
	assert.Contains(t, messages[4].Content, "Widget")
}

func TestBuildMessages_NoHeaderWhenContextEmpty(t *testing.T) {
	c := New("system prompt")
	scene := Scene{ThreadID: 1, SceneIndex: 0, Posts: []corpus.Post{{ID: 1, Body: "x"}}}

	messages := c.BuildMessages(scene, nil)
	require.Len(t, messages, 2) // system + scene message, no header, no candidates
	assert.NotContains(t, messages[1].Content, "<candidate_entries>")
}

func TestTruncateOldResponses(t *testing.T) {
	c := New("sp")
	long := strings.Repeat("x", 100)
	c.RecordTurn(RoleAssistant, long, "", 1, 0)
	c.RecordTurn(RoleAssistant, long, "", 1, 1) // kept recent, keepRecent=1
	c.RecordTurn(RoleUser, long, "", 1, 2)      // not assistant, never truncated

	changed := c.TruncateOldResponses(1, 10)
	assert.True(t, changed)
	assert.True(t, c.Turns[0].Truncated)
	assert.LessOrEqual(t, len(c.Turns[0].Content), 10+len(truncatedMarker))
	assert.Contains(t, c.Turns[0].Content, truncatedMarker)
	assert.False(t, c.Turns[2].Truncated, "never an assistant turn")
}

func TestTruncateOldResponses_KeepRecentWindowUntouched(t *testing.T) {
	c := New("sp")
	long := strings.Repeat("x", 100)
	c.RecordTurn(RoleAssistant, long, "", 1, 0)
	c.RecordTurn(RoleAssistant, long, "", 1, 1)

	// keepRecent=2 means both turns fall inside the window (cutoff=0).
	changed := c.TruncateOldResponses(2, 10)
	assert.False(t, changed)
	assert.False(t, c.Turns[0].Truncated)
	assert.False(t, c.Turns[1].Truncated)
}

func TestTruncateOldResponses_IdempotentOnAlreadyTruncated(t *testing.T) {
	c := New("sp")
	c.RecordTurn(RoleAssistant, strings.Repeat("x", 100), "", 1, 0)
	c.RecordTurn(RoleAssistant, strings.Repeat("y", 100), "", 1, 1)

	first := c.TruncateOldResponses(0, 10)
	require.True(t, first)
	snapshot := c.Turns[0].Content

	second := c.TruncateOldResponses(0, 10)
	assert.False(t, second, "re-running must not touch already-truncated turns")
	assert.Equal(t, snapshot, c.Turns[0].Content)
}

func TestStripThinkingBlocks(t *testing.T) {
	c := New("sp")
	c.RecordTurn(RoleAssistant, "<thinking>internal reasoning</thinking>visible reply", "", 1, 0)
	c.RecordTurn(RoleAssistant, "<thinking>recent reasoning</thinking>recent reply", "", 1, 1)

	changed := c.StripThinkingBlocks(1)
	assert.True(t, changed)
	assert.Equal(t, "visible reply", c.Turns[0].Content)
	assert.True(t, c.Turns[0].ThinkingCut)
	assert.Contains(t, c.Turns[1].Content, "<thinking>", "within keepRecent window, left untouched")
}

func TestStripThinkingBlocks_HandlesMultipleBlocks(t *testing.T) {
	c := New("sp")
	c.RecordTurn(RoleAssistant, "<thinking>a</thinking>mid<thinking>b</thinking>end", "", 1, 0)

	c.StripThinkingBlocks(0)
	assert.Equal(t, "midend", c.Turns[0].Content)
}

func TestStripThinkingBlocks_NoOpWhenNoBlocks(t *testing.T) {
	c := New("sp")
	c.RecordTurn(RoleAssistant, "plain reply", "", 1, 0)

	changed := c.StripThinkingBlocks(0)
	assert.False(t, changed)
	assert.False(t, c.Turns[0].ThinkingCut)
}

func TestContextMessages_ExcludesScene(t *testing.T) {
	c := New("sp")
	c.RecordTurn(RoleUser, "a", "", 1, 0)

	messages := c.ContextMessages()
	require.Len(t, messages, 2) // system + 1 turn, no header (empty), no scene
	assert.Equal(t, "a", messages[1].Content)
}

func TestToTokenizerMessages(t *testing.T) {
	messages := []Message{{Role: "user", Content: "hi"}}
	out := ToTokenizerMessages(messages)
	require.Len(t, out, 1)
	assert.Equal(t, "user", out[0].Role)
	assert.Equal(t, "hi", out[0].Content)
}
