// Package scenes implements the Scene Batcher: it groups the corpus into
// natural work units with stable thread-boundary semantics (spec §4.1).
package scenes

import (
	"context"

	"github.com/terrarium-labs/annotator/internal/corpus"
)

// Scene is the runner's unit of work: a contiguous run of qm_post-tagged
// posts, all from one thread.
type Scene struct {
	ThreadID    int64
	SceneIndex  int
	Posts       []corpus.Post
	IsThreadEnd bool
}

// FirstPostID and LastPostID bound a scene's posts.
func (s Scene) FirstPostID() int64 { return s.Posts[0].ID }
func (s Scene) LastPostID() int64  { return s.Posts[len(s.Posts)-1].ID }

// ThreadBoundary is emitted whenever the batcher crosses into a new
// thread, even if that thread produced no scenes (e.g. it contains no
// qm_post posts). The runner uses this to drive thread-close bookkeeping
// (curator, checkpoint) for threads that contributed nothing to the
// glossary.
type ThreadBoundary struct {
	ThreadID int64
}

// Source is the subset of corpus.Reader the batcher needs, so tests can
// substitute an in-memory fake.
type Source interface {
	PostsAfter(ctx context.Context, afterThreadID, afterPostID int64, limit int) ([]corpus.Post, error)
}

const fetchPageSize = 500

// Batcher produces a lazy, finite, non-restartable sequence of scenes over
// the corpus, optionally starting after a given post id for resumption.
type Batcher struct {
	source Source

	afterThreadID int64
	afterPostID   int64

	buffer     []corpus.Post
	thread     int64 // thread id the cursor currently occupies; -1 when none
	sceneIndex int    // scene_index to assign to the scene now being built

	sceneIndexByThread map[int64]int // next scene_index to assign per thread

	pending []corpus.Post
	pageEOF bool
}

// NewBatcher constructs a batcher resuming strictly after (afterThreadID,
// afterPostID); pass (0, 0) to start from the beginning of the corpus.
func NewBatcher(source Source, afterThreadID, afterPostID int64) *Batcher {
	return &Batcher{
		source:             source,
		afterThreadID:      afterThreadID,
		afterPostID:        afterPostID,
		thread:             -1,
		sceneIndexByThread: make(map[int64]int),
	}
}

// SetSceneIndex seeds the next scene_index to assign within threadID, for
// resuming a run mid-thread where the thread already has completed scenes.
func (b *Batcher) SetSceneIndex(threadID int64, next int) {
	b.sceneIndexByThread[threadID] = next
}

// Next returns the next scene, or (nil, nil, nil) when the corpus is
// exhausted. boundary is non-nil whenever a thread boundary was crossed;
// callers must keep calling Next to drain boundary events even when scene
// comes back nil, since a thread-boundary event does not require an
// emitted scene.
func (b *Batcher) Next(ctx context.Context) (scene *Scene, boundary *ThreadBoundary, err error) {
	for {
		if len(b.pending) == 0 {
			if b.pageEOF {
				if s := b.flush(true); s != nil {
					b.thread = -1
					return s, nil, nil
				}
				if b.thread != -1 {
					tid := b.thread
					b.thread = -1
					return nil, &ThreadBoundary{ThreadID: tid}, nil
				}
				return nil, nil, nil
			}
			page, err := b.source.PostsAfter(ctx, b.afterThreadID, b.afterPostID, fetchPageSize)
			if err != nil {
				return nil, nil, err
			}
			if len(page) == 0 {
				b.pageEOF = true
				continue
			}
			if len(page) < fetchPageSize {
				b.pageEOF = true
			}
			b.afterThreadID = page[len(page)-1].ThreadID
			b.afterPostID = page[len(page)-1].ID
			b.pending = page
		}

		post := b.pending[0]
		b.pending = b.pending[1:]

		if b.thread != -1 && post.ThreadID != b.thread {
			// Thread changed: close whatever scene is open, re-queue this
			// post for the next call, and surface the boundary. The
			// boundary is tracked independent of whether a scene was ever
			// opened, so a thread with no qm_post posts still closes out.
			finished := b.flush(true)
			tid := b.thread
			b.thread = -1
			b.pending = append([]corpus.Post{post}, b.pending...)
			if finished != nil {
				return finished, &ThreadBoundary{ThreadID: tid}, nil
			}
			return nil, &ThreadBoundary{ThreadID: tid}, nil
		}

		if b.thread == -1 {
			b.thread = post.ThreadID
		}

		if !post.HasTag("qm_post") {
			// Non-qm_post posts close any open scene but never themselves
			// end the thread; leading non-qm_post posts are skipped
			// silently since the buffer is already empty.
			if s := b.flush(false); s != nil {
				return s, nil, nil
			}
			continue
		}

		if len(b.buffer) == 0 {
			b.sceneIndex = b.sceneIndexByThread[post.ThreadID]
		}
		b.buffer = append(b.buffer, post)
	}
}

// flush emits the buffered run as a scene if non-empty. isThreadEnd marks
// whether the emitted scene closes its thread.
func (b *Batcher) flush(isThreadEnd bool) *Scene {
	if len(b.buffer) == 0 {
		return nil
	}
	threadID := b.buffer[0].ThreadID
	s := &Scene{
		ThreadID:    threadID,
		SceneIndex:  b.sceneIndex,
		Posts:       b.buffer,
		IsThreadEnd: isThreadEnd,
	}
	b.buffer = nil
	b.sceneIndexByThread[threadID] = b.sceneIndex + 1
	return s
}
