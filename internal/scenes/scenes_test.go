package scenes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrarium-labs/annotator/internal/corpus"
)

// fakeSource is an in-memory Source over a fixed post list, paginated the
// same way corpus.Reader.PostsAfter is.
type fakeSource struct {
	posts []corpus.Post
}

func post(threadID, id int64, body string, tags ...string) corpus.Post {
	return corpus.Post{ThreadID: threadID, ID: id, Body: body, Tags: tags}
}

func (f *fakeSource) PostsAfter(ctx context.Context, afterThreadID, afterPostID int64, limit int) ([]corpus.Post, error) {
	var out []corpus.Post
	for _, p := range f.posts {
		if p.ThreadID > afterThreadID || (p.ThreadID == afterThreadID && p.ID > afterPostID) {
			out = append(out, p)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func drain(t *testing.T, b *Batcher) ([]*Scene, []*ThreadBoundary) {
	t.Helper()
	var scenes []*Scene
	var boundaries []*ThreadBoundary
	for {
		scene, boundary, err := b.Next(context.Background())
		require.NoError(t, err)
		if scene == nil && boundary == nil {
			return scenes, boundaries
		}
		if scene != nil {
			scenes = append(scenes, scene)
		}
		if boundary != nil {
			boundaries = append(boundaries, boundary)
		}
	}
}

func TestBatcher_SingleThreadSingleScene(t *testing.T) {
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "a", "qm_post"),
		post(1, 101, "b", "qm_post"),
	}}
	b := NewBatcher(source, 0, 0)
	scenes, boundaries := drain(t, b)

	require.Len(t, scenes, 1)
	assert.Equal(t, int64(1), scenes[0].ThreadID)
	assert.Equal(t, 0, scenes[0].SceneIndex)
	assert.True(t, scenes[0].IsThreadEnd)
	assert.Len(t, scenes[0].Posts, 2)
	assert.Equal(t, int64(100), scenes[0].FirstPostID())
	assert.Equal(t, int64(101), scenes[0].LastPostID())
	assert.Empty(t, boundaries, "thread-end scene already carries the boundary, no separate event expected")
}

func TestBatcher_NonQMPostsCloseScene(t *testing.T) {
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "a", "qm_post"),
		post(1, 101, "interrupt"), // not tagged, closes the open scene
		post(1, 102, "b", "qm_post"),
	}}
	b := NewBatcher(source, 0, 0)
	scenes, _ := drain(t, b)

	require.Len(t, scenes, 2)
	assert.Equal(t, []int64{100}, postIDs(scenes[0]))
	assert.False(t, scenes[0].IsThreadEnd)
	assert.Equal(t, []int64{102}, postIDs(scenes[1]))
	assert.True(t, scenes[1].IsThreadEnd)
	assert.Equal(t, 0, scenes[0].SceneIndex)
	assert.Equal(t, 1, scenes[1].SceneIndex)
}

func TestBatcher_LeadingNonQMPostsSkippedSilently(t *testing.T) {
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "intro"),
		post(1, 101, "a", "qm_post"),
	}}
	b := NewBatcher(source, 0, 0)
	scenes, _ := drain(t, b)

	require.Len(t, scenes, 1)
	assert.Equal(t, []int64{101}, postIDs(scenes[0]))
}

func TestBatcher_ThreadWithNoQMPostsYieldsBoundaryOnly(t *testing.T) {
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "chatter"),
		post(1, 101, "more chatter"),
		post(2, 200, "a", "qm_post"),
	}}
	b := NewBatcher(source, 0, 0)
	scenes, boundaries := drain(t, b)

	require.Len(t, scenes, 1)
	assert.Equal(t, int64(2), scenes[0].ThreadID)

	require.Len(t, boundaries, 1)
	assert.Equal(t, int64(1), boundaries[0].ThreadID)
}

func TestBatcher_ThreadBoundaryAlwaysClosesOpenScene(t *testing.T) {
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "a", "qm_post"),
		post(2, 200, "b", "qm_post"),
	}}
	b := NewBatcher(source, 0, 0)
	scenes, _ := drain(t, b)

	require.Len(t, scenes, 2)
	assert.True(t, scenes[0].IsThreadEnd)
	assert.Equal(t, int64(1), scenes[0].ThreadID)
	assert.True(t, scenes[1].IsThreadEnd)
	assert.Equal(t, int64(2), scenes[1].ThreadID)
}

func TestBatcher_SceneDisjointPartition(t *testing.T) {
	// Every qm_post-tagged post must land in exactly one emitted scene.
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "a", "qm_post"),
		post(1, 101, "b", "qm_post"),
		post(1, 102, "interrupt"),
		post(1, 103, "c", "qm_post"),
		post(2, 200, "d", "qm_post"),
	}}
	b := NewBatcher(source, 0, 0)
	scenes, _ := drain(t, b)

	seen := map[int64]bool{}
	for _, s := range scenes {
		for _, p := range s.Posts {
			assert.False(t, seen[p.ID], "post %d appeared in more than one scene", p.ID)
			seen[p.ID] = true
			assert.Equal(t, s.ThreadID, p.ThreadID, "scene must not span threads")
		}
	}
	assert.Len(t, seen, 4)
}

func TestBatcher_ResumeAfterPostID(t *testing.T) {
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "a", "qm_post"),
		post(1, 101, "b", "qm_post"),
		post(1, 102, "c", "qm_post"),
	}}
	b := NewBatcher(source, 1, 100)
	scenes, _ := drain(t, b)

	require.Len(t, scenes, 1)
	assert.Equal(t, []int64{101, 102}, postIDs(scenes[0]))
}

func TestBatcher_EmptyCorpus(t *testing.T) {
	b := NewBatcher(&fakeSource{}, 0, 0)
	scene, boundary, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Nil(t, scene)
	assert.Nil(t, boundary)
}

func TestBatcher_SceneIndexResumesFromSetSceneIndex(t *testing.T) {
	source := &fakeSource{posts: []corpus.Post{
		post(1, 100, "a", "qm_post"),
		post(1, 101, "interrupt"),
		post(1, 102, "b", "qm_post"),
	}}
	b := NewBatcher(source, 0, 0)
	b.SetSceneIndex(1, 5)
	scenes, _ := drain(t, b)

	require.Len(t, scenes, 2)
	assert.Equal(t, 5, scenes[0].SceneIndex)
	assert.Equal(t, 6, scenes[1].SceneIndex)
}

func postIDs(s *Scene) []int64 {
	ids := make([]int64, len(s.Posts))
	for i, p := range s.Posts {
		ids[i] = p.ID
	}
	return ids
}
