// Package compactor implements the Summarizer and the tiered rolling
// Compactor (spec §4.6): it keeps the annotation context within a bounded
// token budget without losing the provenance the glossary depends on.
package compactor

import (
	"context"

	annocontext "github.com/terrarium-labs/annotator/internal/context"
	"github.com/terrarium-labs/annotator/internal/tokenizer"
	"github.com/terrarium-labs/annotator/pkg/logger"
)

// Summarizer asks the LLM to condense turns into the three shapes the
// compactor and the curator need.
type Summarizer interface {
	SummarizeThread(ctx context.Context, turns []annocontext.Turn, entriesCreated, entriesUpdated []int64) (string, error)
	SummarizeChunk(ctx context.Context, turns []annocontext.Turn, firstScene, lastScene int, entryIDs []int64) (string, error)
	MergeIntoCumulative(ctx context.Context, oldCumulative, newText string) (string, error)
}

// Config tunes the compactor's thresholds, expressed as ratios of the
// context token budget.
type Config struct {
	SoftRatio          float64 // default 0.60: below this, compaction is skipped entirely
	ThreadCompactRatio float64 // default 0.80: Tier 1 threshold, unused directly (tiers run in soft..target loop)
	EmergencyRatio     float64 // default 0.875: Tiers 3/4 only run at or above this
	TargetRatio        float64 // default 0.70: loop exits once under this
	ChunkSize          int     // scenes per chunk, default 8
}

func (c Config) withDefaults() Config {
	if c.SoftRatio <= 0 {
		c.SoftRatio = 0.60
	}
	if c.ThreadCompactRatio <= 0 {
		c.ThreadCompactRatio = 0.80
	}
	if c.EmergencyRatio <= 0 {
		c.EmergencyRatio = 0.875
	}
	if c.TargetRatio <= 0 {
		c.TargetRatio = 0.70
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = 8
	}
	return c
}

// ThreadRecord tracks one thread's scene/chunk progress for compaction
// bookkeeping. It is kept alive in State until the thread is fully
// merged into the cumulative summary by Tier 1.
type ThreadRecord struct {
	ThreadID         int64
	Completed        bool
	SceneCount       int
	ChunksSummarized int
	PartialChunks    int
	EntryIDs         []int64
}

// State is the bookkeeping the runner carries across Compact invocations,
// separate from the AnnotationContext itself: which threads are
// completed, how many chunks each has already summarized, and which
// entries were attributed to each.
type State struct {
	order   []int64
	threads map[int64]*ThreadRecord

	CurrentThreadID   int64
	CurrentSceneIndex int
}

// NewState constructs empty bookkeeping.
func NewState() *State {
	return &State{threads: make(map[int64]*ThreadRecord)}
}

func (s *State) record(threadID int64) *ThreadRecord {
	rec, ok := s.threads[threadID]
	if !ok {
		rec = &ThreadRecord{ThreadID: threadID}
		s.threads[threadID] = rec
		s.order = append(s.order, threadID)
	}
	return rec
}

// RecordScene registers a scene's contribution to a thread's bookkeeping:
// scene count for chunking, and any entry ids the scene caused to be
// created or updated.
func (s *State) RecordScene(threadID int64, sceneIndex int, entryIDs []int64) {
	rec := s.record(threadID)
	rec.SceneCount++
	rec.EntryIDs = append(rec.EntryIDs, entryIDs...)
	s.CurrentThreadID = threadID
	s.CurrentSceneIndex = sceneIndex
}

// CloseThread marks a thread complete (its scene batcher reached a thread
// boundary), making it eligible for Tier 1 thread compaction.
func (s *State) CloseThread(threadID int64) {
	s.record(threadID).Completed = true
}

func (s *State) completedCount() int {
	n := 0
	for _, tid := range s.order {
		if s.threads[tid].Completed {
			n++
		}
	}
	return n
}

// oldestCompleted returns the first-seen completed thread still present
// in bookkeeping, or nil.
func (s *State) oldestCompleted() *ThreadRecord {
	for _, tid := range s.order {
		if rec := s.threads[tid]; rec.Completed {
			return rec
		}
	}
	return nil
}

func (s *State) drop(threadID int64) {
	delete(s.threads, threadID)
	for i, tid := range s.order {
		if tid == threadID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Result summarizes one Compact invocation for the runner's status
// surface and logs.
type Result struct {
	Tokens             int
	ChunksSummarized   int
	ThreadsSummarized  int
	ThinkingTrimmed    bool
	ResponsesTruncated bool
	CouldNotCompact    bool
}

// Compactor drives tiered rolling compaction (spec §4.6.2).
type Compactor struct {
	summarizer Summarizer
	counter    *tokenizer.Counter
	budget     int
	cfg        Config
}

// New constructs a Compactor against a token budget.
func New(summarizer Summarizer, counter *tokenizer.Counter, budget int, cfg Config) *Compactor {
	return &Compactor{summarizer: summarizer, counter: counter, budget: budget, cfg: cfg.withDefaults()}
}

func (c *Compactor) tokens(ctx context.Context, actx *annocontext.AnnotationContext) int {
	return c.counter.CountMessages(ctx, annocontext.ToTokenizerMessages(actx.ContextMessages()))
}

// Compact loops tiers until tokens fall under target, no tier makes
// progress, or a whole pass fails to reduce tokens (doom-loop guard).
// Every mutation lands on actx directly, so subsequent scenes see
// compacted state.
func (c *Compactor) Compact(ctx context.Context, actx *annocontext.AnnotationContext, state *State) (Result, error) {
	tokens := c.tokens(ctx, actx)
	soft := int(c.cfg.SoftRatio * float64(c.budget))
	target := int(c.cfg.TargetRatio * float64(c.budget))
	emergency := int(c.cfg.EmergencyRatio * float64(c.budget))

	if tokens < soft {
		return Result{Tokens: tokens}, nil
	}

	result := Result{Tokens: tokens}
	for tokens >= target {
		before := tokens
		progressed := false

		if ok, err := c.tierChunkCompaction(ctx, actx, state); err != nil {
			return result, err
		} else if ok {
			progressed = true
			result.ChunksSummarized++
		}

		if !progressed {
			if ok, err := c.tierThreadCompaction(ctx, actx, state); err != nil {
				return result, err
			} else if ok {
				progressed = true
				result.ThreadsSummarized++
			}
		}

		if !progressed && tokens >= emergency {
			if actx.StripThinkingBlocks(4) {
				progressed = true
				result.ThinkingTrimmed = true
			} else if actx.TruncateOldResponses(8, 500) {
				progressed = true
				result.ResponsesTruncated = true
			}
		}

		tokens = c.tokens(ctx, actx)
		result.Tokens = tokens

		if !progressed {
			result.CouldNotCompact = true
			logger.G(ctx).WithField("tokens", tokens).Warn("compactor made no progress while over the soft threshold")
			break
		}
		if tokens >= before {
			result.CouldNotCompact = true
			logger.G(ctx).WithField("tokens", tokens).Warn("compactor pass did not reduce tokens, stopping to avoid a doom loop")
			break
		}
	}

	return result, nil
}

// tierChunkCompaction implements Tier 0.5.
func (c *Compactor) tierChunkCompaction(ctx context.Context, actx *annocontext.AnnotationContext, state *State) (bool, error) {
	rec, ok := state.threads[state.CurrentThreadID]
	if !ok {
		return false, nil
	}

	completedChunks := rec.SceneCount / c.cfg.ChunkSize
	unsummarized := completedChunks - rec.ChunksSummarized
	for _, preserve := range []int{2, 1, 0} {
		if unsummarized-preserve >= 1 {
			return c.summarizeOldestChunk(ctx, actx, rec)
		}
	}

	inProgress := rec.SceneCount - rec.ChunksSummarized*c.cfg.ChunkSize
	if inProgress >= 6 {
		return c.partialChunkFallback(ctx, actx, rec, inProgress)
	}
	return false, nil
}

func (c *Compactor) summarizeOldestChunk(ctx context.Context, actx *annocontext.AnnotationContext, rec *ThreadRecord) (bool, error) {
	first := rec.ChunksSummarized * c.cfg.ChunkSize
	last := first + c.cfg.ChunkSize - 1

	turns := turnsInRange(actx, rec.ThreadID, first, last)
	if len(turns) == 0 {
		return false, nil
	}

	text, err := c.summarizer.SummarizeChunk(ctx, turns, first, last, rec.EntryIDs)
	if err != nil {
		return false, err
	}

	actx.ChunkSummaries = append(actx.ChunkSummaries, annocontext.ChunkSummary{
		ThreadID:        rec.ThreadID,
		ChunkIndex:      rec.ChunksSummarized,
		FirstSceneIndex: first,
		LastSceneIndex:  last,
		Text:            text,
		EntryIDs:        rec.EntryIDs,
	})
	actx.RemoveChunkTurns(rec.ThreadID, first, last)
	rec.ChunksSummarized++
	return true, nil
}

func (c *Compactor) partialChunkFallback(ctx context.Context, actx *annocontext.AnnotationContext, rec *ThreadRecord, inProgress int) (bool, error) {
	first := rec.ChunksSummarized * c.cfg.ChunkSize
	half := inProgress / 2
	last := first + half - 1

	turns := turnsInRange(actx, rec.ThreadID, first, last)
	if len(turns) == 0 {
		return false, nil
	}

	text, err := c.summarizer.SummarizeChunk(ctx, turns, first, last, rec.EntryIDs)
	if err != nil {
		return false, err
	}

	rec.PartialChunks++
	actx.ChunkSummaries = append(actx.ChunkSummaries, annocontext.ChunkSummary{
		ThreadID:        rec.ThreadID,
		ChunkIndex:      -rec.PartialChunks,
		FirstSceneIndex: first,
		LastSceneIndex:  last,
		Text:            text,
		EntryIDs:        rec.EntryIDs,
	})
	actx.RemoveChunkTurns(rec.ThreadID, first, last)
	return true, nil
}

// tierThreadCompaction implements Tier 1.
func (c *Compactor) tierThreadCompaction(ctx context.Context, actx *annocontext.AnnotationContext, state *State) (bool, error) {
	if state.completedCount() <= 1 {
		return false, nil
	}
	rec := state.oldestCompleted()
	if rec == nil {
		return false, nil
	}

	turns := turnsInThread(actx, rec.ThreadID)
	text, err := c.summarizer.SummarizeThread(ctx, turns, rec.EntryIDs, nil)
	if err != nil {
		return false, err
	}

	merged, err := c.summarizer.MergeIntoCumulative(ctx, actx.CumulativeSummary, text)
	if err != nil {
		return false, err
	}

	actx.CumulativeSummary = merged
	actx.RemoveThreadTurns(rec.ThreadID)
	state.drop(rec.ThreadID)
	return true, nil
}

func turnsInRange(actx *annocontext.AnnotationContext, threadID int64, first, last int) []annocontext.Turn {
	var out []annocontext.Turn
	for _, t := range actx.Turns {
		if t.ThreadID == threadID && t.SceneIndex >= first && t.SceneIndex <= last {
			out = append(out, t)
		}
	}
	return out
}

func turnsInThread(actx *annocontext.AnnotationContext, threadID int64) []annocontext.Turn {
	var out []annocontext.Turn
	for _, t := range actx.Turns {
		if t.ThreadID == threadID {
			out = append(out, t)
		}
	}
	return out
}
