// Package runner implements the Runner state machine (spec §4.8): the
// perceive-reason-act loop that drives a scene through the LLM server and
// the tool dispatcher, curates tentative entries at thread close, and
// checkpoints progress so the run can resume cleanly after a restart.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/aymanbagabas/go-udiff"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/terrarium-labs/annotator/internal/compactor"
	annocontext "github.com/terrarium-labs/annotator/internal/context"
	"github.com/terrarium-labs/annotator/internal/corpus"
	"github.com/terrarium-labs/annotator/internal/dispatcher"
	"github.com/terrarium-labs/annotator/internal/llm"
	"github.com/terrarium-labs/annotator/internal/scenes"
	"github.com/terrarium-labs/annotator/internal/store"
	"github.com/terrarium-labs/annotator/internal/tokenizer"
	"github.com/terrarium-labs/annotator/pkg/logger"
	"github.com/terrarium-labs/annotator/pkg/presenter"
)

// ErrHalted marks a persistent LLM failure that survived the LLM client's
// retries: the runner checkpoints and the CLI exits 1, per spec §7.
var ErrHalted = errors.New("runner halted on persistent LLM failure")

// ChatClient is the subset of the LLM client the runner drives directly:
// the tool-calling chat loop, plus the bare Chat the curator dialogue
// uses. Narrower than *llm.Client so tests can substitute a scripted
// fake.
type ChatClient interface {
	ChatWithTools(ctx context.Context, messages []annocontext.Message, tools []annocontext.ToolDefinition) (llm.ChatResponse, error)
	Chat(ctx context.Context, messages []annocontext.Message) (string, error)
}

// Config tunes the runner's loop.
type Config struct {
	SystemPrompt        string
	CuratorSystemPrompt string
	ContextBudget       int // token budget the compactor targets, default 8000
	Limit               int // max scenes to process this run; 0 means unlimited
	RelevantEntryLimit  int // candidate entries attached per scene, default 8
	CheckpointEveryN    int // optional intra-thread checkpoint cadence in scenes; 0 means boundary-only
	NeighborWindow      int // posts either side of an entry's first appearance shown to the curator, default 3
	Compactor           compactor.Config // tiered rolling compaction ratios/chunk size; zero fields fall back to compactor.Config.withDefaults
}

func (c Config) withDefaults() Config {
	if c.ContextBudget <= 0 {
		c.ContextBudget = 8000
	}
	if c.RelevantEntryLimit <= 0 {
		c.RelevantEntryLimit = 8
	}
	if c.NeighborWindow <= 0 {
		c.NeighborWindow = 3
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = defaultSystemPrompt
	}
	if c.CuratorSystemPrompt == "" {
		c.CuratorSystemPrompt = defaultCuratorPrompt
	}
	return c
}

const defaultSystemPrompt = "You annotate a forum-based collaborative story with a structured glossary of domain-specific terms. Use the glossary tools to record new terms and revise existing ones as the story unfolds. Prefer small, precise definitions over speculation."

const defaultCuratorPrompt = "You are the curator reviewing tentative glossary entries from a thread that just closed. For each entry, reply with exactly one decision: CONFIRM, REJECT, REVISE, or MERGE, followed by your reasoning. REVISE must include the replacement definition. MERGE must name the target entry id."

// Runner drives the perceive-reason-act loop end to end.
type Runner struct {
	cfg Config

	glossary *store.Store
	corpus   *corpus.Reader
	llm      ChatClient

	batcher        *scenes.Batcher
	actx           *annocontext.AnnotationContext
	compactor      *compactor.Compactor
	compactSt      *compactor.State
	dispatch       *dispatcher.Dispatcher
	counter        *tokenizer.Counter
	scenesThisRun  int
	resumeThreadID int64
}


// Resume seeds the batcher's per-thread scene_index counter from
// persisted thread state, so a restart mid-thread continues scene
// numbering rather than restarting it at 0. Call once after New, before
// Run, when resuming an existing annotator database.
func (r *Runner) Resume(ctx context.Context) error {
	if r.resumeThreadID == 0 {
		return nil
	}
	ts, err := r.glossary.ThreadState(ctx, r.resumeThreadID)
	if err != nil {
		return err
	}
	if ts.Closed {
		return nil
	}
	r.batcher.SetSceneIndex(r.resumeThreadID, ts.LastSceneIndex+1)
	return nil
}

// New constructs a Runner resuming after (afterThreadID, afterPostID); pass
// (0, 0) to start a fresh run.
func New(cfg Config, glossary *store.Store, corpusReader *corpus.Reader, llmClient ChatClient, counter *tokenizer.Counter, summarizer compactor.Summarizer, afterThreadID, afterPostID int64) *Runner {
	cfg = cfg.withDefaults()
	actx := annocontext.New(cfg.SystemPrompt)
	batcher := scenes.NewBatcher(corpusReader, afterThreadID, afterPostID)
	d := dispatcher.New(glossary, corpusReader, llmClient, actx)
	comp := compactor.New(summarizer, counter, cfg.ContextBudget, cfg.Compactor)

	return &Runner{
		cfg:            cfg,
		glossary:       glossary,
		corpus:         corpusReader,
		llm:            llmClient,
		batcher:        batcher,
		actx:           actx,
		compactor:      comp,
		compactSt:      compactor.NewState(),
		dispatch:       d,
		counter:        counter,
		resumeThreadID: afterThreadID,
	}
}

// Result summarizes the whole run for the CLI's final status line.
type Result struct {
	ScenesProcessed int
	Stats           presenter.RunStats
}

// Run drives IDLE -> ... -> NO_MORE | HALTING to completion, honoring
// ctx cancellation as the SIGINT-like stop request (spec §5): the loop
// checks ctx at every state boundary and performs a final checkpoint
// before returning.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	for {
		if r.cfg.Limit > 0 && r.scenesThisRun >= r.cfg.Limit {
			return r.finish(ctx)
		}
		select {
		case <-ctx.Done():
			if _, err := r.checkpoint(ctx, store.SnapshotManual); err != nil {
				logger.G(ctx).WithError(err).Error("final checkpoint on cancellation failed")
			}
			return r.finish(ctx)
		default:
		}

		scene, boundary, err := r.batcher.Next(ctx)
		if err != nil {
			return Result{}, errors.Wrap(err, "scene batcher failed")
		}
		if scene == nil && boundary == nil {
			return r.finish(ctx) // NO_MORE
		}

		if scene != nil {
			if err := r.processScene(ctx, scene); err != nil {
				if errors.Is(err, ErrHalted) {
					if _, cpErr := r.checkpoint(ctx, store.SnapshotManual); cpErr != nil {
						logger.G(ctx).WithError(cpErr).Error("checkpoint on halt failed")
					}
				}
				return Result{}, err
			}
			r.scenesThisRun++
			if scene.IsThreadEnd {
				if err := r.closeThread(ctx, scene.ThreadID); err != nil {
					return Result{}, err
				}
			}
		} else if boundary != nil {
			if err := r.closeThread(ctx, boundary.ThreadID); err != nil {
				return Result{}, err
			}
		}
	}
}

func (r *Runner) finish(ctx context.Context) (Result, error) {
	rs, err := r.glossary.GetRunState(ctx)
	if err != nil {
		return Result{}, err
	}
	stats := presenter.RunStats{
		PostsProcessed:  rs.PostsProcessed,
		EntriesCreated:  rs.EntriesCreated,
		EntriesUpdated:  rs.EntriesUpdated,
		ScenesProcessed: int64(r.scenesThisRun),
		CurrentTokens:   r.counter.CountMessages(ctx, annocontext.ToTokenizerMessages(r.actx.ContextMessages())),
		MaxTokens:       r.cfg.ContextBudget,
		LastThreadID:    rs.LastThreadID,
		LastPostID:      rs.LastPostID,
	}
	return Result{ScenesProcessed: r.scenesThisRun, Stats: stats}, nil
}

// processScene runs COMPACTING -> PREPARING -> CALLING -> PROCESSING ->
// PARSING -> RECORDING for one scene.
func (r *Runner) processScene(ctx context.Context, scene *scenes.Scene) error {
	log := logger.G(ctx).WithField("thread_id", scene.ThreadID).WithField("scene_index", scene.SceneIndex)

	// COMPACTING
	if _, err := r.compactor.Compact(ctx, r.actx, r.compactSt); err != nil {
		return errors.Wrap(err, "compaction failed")
	}

	// PREPARING
	relevant, err := r.relevantEntries(ctx, scene)
	if err != nil {
		return err
	}
	sceneShape := toContextScene(scene)
	messages := r.actx.BuildMessages(sceneShape, relevant)
	toolDefs := r.dispatch.Definitions()

	createdBefore, updatedBefore := 0, 0
	entryIDsTouched := map[int64]bool{}

	// CALLING / PROCESSING loop: route tool calls back to CALLING until
	// the model stops requesting them.
	var finalContent string
	for {
		resp, err := r.llm.ChatWithTools(ctx, messages, toolDefs)
		if err != nil {
			log.WithError(err).Error("LLM call exhausted retries, halting")
			return ErrHalted
		}

		messages = append(messages, annocontext.Message{Role: string(annocontext.RoleAssistant), Content: resp.Content})
		r.actx.RecordTurn(annocontext.RoleAssistant, resp.Content, "", scene.ThreadID, scene.SceneIndex)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		pos := dispatcher.Position{PostID: scene.LastPostID(), ThreadID: scene.ThreadID}
		for _, tc := range resp.ToolCalls {
			result := r.dispatch.RunTool(ctx, tc.Name, tc.Arguments, pos)
			messages = append(messages, annocontext.Message{Role: string(annocontext.RoleTool), Content: result, ToolCallID: tc.ID})
			r.actx.RecordTurn(annocontext.RoleTool, result, tc.ID, scene.ThreadID, scene.SceneIndex)
			if id, created, ok := parseEntryEffect(tc.Name, result); ok {
				entryIDsTouched[id] = true
				if created {
					createdBefore++
				} else {
					updatedBefore++
				}
			}
		}
	}

	// PARSING: handle any <codex_updates> payload the model emitted
	// inline instead of through tool calls.
	if created, updated, ids := r.applyCodexUpdates(ctx, finalContent, scene); len(ids) > 0 {
		createdBefore += created
		updatedBefore += updated
		for _, id := range ids {
			entryIDsTouched[id] = true
		}
	}

	ids := make([]int64, 0, len(entryIDsTouched))
	for id := range entryIDsTouched {
		ids = append(ids, id)
	}
	r.compactSt.RecordScene(scene.ThreadID, scene.SceneIndex, ids)

	postsDelta := int64(len(scene.Posts))
	cadenceCheckpoint := r.cfg.CheckpointEveryN > 0 && scene.SceneIndex > 0 && scene.SceneIndex%r.cfg.CheckpointEveryN == 0

	if cadenceCheckpoint {
		// The scene's run-state advance and its checkpoint snapshot land in
		// one transaction (spec §4.8 CHECKPOINT), since nothing mutates the
		// glossary between them in this path.
		blame, encoded, tokens, err := r.snapshotInputs(ctx)
		if err != nil {
			return errors.Wrap(err, "failed to gather checkpoint inputs")
		}
		id, err := r.glossary.AdvanceRunStateWithSnapshot(ctx, scene.LastPostID(), scene.ThreadID, postsDelta, int64(createdBefore), int64(updatedBefore), scene.SceneIndex, scene.IsThreadEnd, store.SnapshotCheckpoint, encoded, blame, r.compactSt.CurrentSceneIndex, tokens)
		if err != nil {
			return errors.Wrap(err, "failed to advance run state and checkpoint")
		}
		logger.G(ctx).WithField("snapshot_id", id).WithField("type", store.SnapshotCheckpoint).Info("checkpoint written")
		return nil
	}

	if err := r.glossary.AdvanceRunState(ctx, scene.LastPostID(), scene.ThreadID, postsDelta, int64(createdBefore), int64(updatedBefore), scene.SceneIndex, scene.IsThreadEnd); err != nil {
		return errors.Wrap(err, "failed to advance run state")
	}
	return nil
}

// parseEntryEffect extracts the entry id a glossary_create/glossary_update
// tool result reported, for compactor bookkeeping and run-state counters.
func parseEntryEffect(toolName, result string) (id int64, created bool, ok bool) {
	var tag string
	switch toolName {
	case "glossary_create":
		tag, created = "glossary_created", true
	case "glossary_update":
		tag, created = "glossary_updated", false
	default:
		return 0, false, false
	}
	if !strings.Contains(result, "<"+tag) {
		return 0, false, false
	}
	idx := strings.Index(result, `id=`)
	if idx == -1 {
		return 0, false, false
	}
	rest := result[idx+len("id="):]
	var digits strings.Builder
	for _, c := range rest {
		if c < '0' || c > '9' {
			break
		}
		digits.WriteRune(c)
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, false, false
	}
	return n, created, true
}

// relevantEntries searches the glossary using tokens pulled from the
// scene's posts, per spec §4.8 step 3.
func (r *Runner) relevantEntries(ctx context.Context, scene *scenes.Scene) ([]annocontext.RelevantEntry, error) {
	query := sceneSearchQuery(scene)
	if query == "" {
		return nil, nil
	}
	entries, err := r.glossary.Search(ctx, store.SearchOptions{Query: query, Limit: r.cfg.RelevantEntryLimit})
	if err != nil {
		return nil, errors.Wrap(err, "failed to search relevant entries")
	}
	out := make([]annocontext.RelevantEntry, len(entries))
	for i, e := range entries {
		out[i] = annocontext.RelevantEntry{ID: e.ID, Term: e.Term, Definition: e.Definition, Status: string(e.Status)}
	}
	return out, nil
}

// sceneSearchQuery builds a crude bag-of-words query from capitalized
// tokens in the scene's posts, favoring proper nouns likely to be
// existing glossary terms.
func sceneSearchQuery(scene *scenes.Scene) string {
	seen := map[string]bool{}
	var words []string
	for _, p := range scene.Posts {
		for _, w := range strings.Fields(p.Body) {
			w = strings.Trim(w, ".,!?;:\"'()[]")
			if len(w) < 3 || !isCapitalized(w) {
				continue
			}
			lower := strings.ToLower(w)
			if seen[lower] {
				continue
			}
			seen[lower] = true
			words = append(words, w)
		}
	}
	return strings.Join(words, " ")
}

func isCapitalized(w string) bool {
	r := []rune(w)
	return len(r) > 0 && r[0] >= 'A' && r[0] <= 'Z'
}

func toContextScene(s *scenes.Scene) annocontext.Scene {
	return annocontext.Scene{ThreadID: s.ThreadID, SceneIndex: s.SceneIndex, Posts: s.Posts}
}

// codexUpdate is one entry in a <codex_updates> JSON payload: a direct
// glossary mutation the model emitted inline rather than as a tool call.
type codexUpdate struct {
	Op         string   `json:"op"`
	EntryID    int64    `json:"entry_id,omitempty"`
	Term       string   `json:"term,omitempty"`
	Definition string   `json:"definition,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Reason     string   `json:"reason,omitempty"`
}

// applyCodexUpdates implements PARSING (spec §4.8 step 7): malformed
// payloads are logged as warnings, never halt the scene.
func (r *Runner) applyCodexUpdates(ctx context.Context, content string, scene *scenes.Scene) (created, updated int, ids []int64) {
	start := strings.Index(content, "<codex_updates>")
	if start == -1 {
		return 0, 0, nil
	}
	end := strings.Index(content[start:], "</codex_updates>")
	if end == -1 {
		logger.G(ctx).Warn("unterminated <codex_updates> payload, ignoring")
		return 0, 0, nil
	}
	payload := content[start+len("<codex_updates>") : start+end]

	var updates []codexUpdate
	if err := json.Unmarshal([]byte(payload), &updates); err != nil {
		logger.G(ctx).WithError(err).Warn("malformed <codex_updates> payload, ignoring")
		return 0, 0, nil
	}

	postID, threadID := scene.LastPostID(), scene.ThreadID
	for _, u := range updates {
		switch u.Op {
		case "create":
			id, err := r.glossary.Create(ctx, u.Term, u.Definition, u.Tags, postID, threadID, "")
			if err != nil {
				logger.G(ctx).WithError(err).WithField("term", u.Term).Warn("codex_updates create failed")
				continue
			}
			created++
			ids = append(ids, id)
		case "update":
			patch := store.EntryPatch{}
			if u.Definition != "" {
				patch.Definition = &u.Definition
			}
			if len(u.Tags) > 0 {
				patch.Tags = &u.Tags
			}
			found, err := r.glossary.Update(ctx, u.EntryID, patch, postID, threadID)
			if err != nil || !found {
				logger.G(ctx).WithError(err).WithField("entry_id", u.EntryID).Warn("codex_updates update failed")
				continue
			}
			updated++
			ids = append(ids, u.EntryID)
		default:
			logger.G(ctx).WithField("op", u.Op).Warn("codex_updates unrecognized op, ignoring")
		}
	}
	return created, updated, ids
}

// checkpoint saves a snapshot of the live context plus per-entry blame
// state, and records it as the run's current snapshot, with the snapshot
// write and the current-snapshot pointer update in one transaction. Used
// for checkpoints that do not coincide with a scene's own run-state advance
// (cancellation, halt, and thread-boundary checkpoints taken after curation
// has already run) — see AdvanceRunStateWithSnapshot for the case where
// both do coincide.
func (r *Runner) checkpoint(ctx context.Context, typ store.SnapshotType) (int64, error) {
	blame, encoded, tokens, err := r.snapshotInputs(ctx)
	if err != nil {
		return 0, err
	}

	rs, err := r.glossary.GetRunState(ctx)
	if err != nil {
		return 0, err
	}

	id, err := r.glossary.Checkpoint(ctx, typ, encoded, blame, rs.LastPostID, rs.LastThreadID, r.compactSt.CurrentSceneIndex, tokens)
	if err != nil {
		return 0, err
	}
	logger.G(ctx).WithField("snapshot_id", id).WithField("type", typ).Info("checkpoint written")
	return id, nil
}

// snapshotInputs gathers the per-entry blame rows, encoded context, and
// token count a checkpoint snapshot needs, shared by checkpoint and
// processScene's cadence-checkpoint path.
func (r *Runner) snapshotInputs(ctx context.Context) ([]store.SnapshotEntryState, store.EncodedContext, int, error) {
	entries, err := r.glossary.AllEntries(ctx)
	if err != nil {
		return nil, store.EncodedContext{}, 0, err
	}
	blame := make([]store.SnapshotEntryState, len(entries))
	for i, e := range entries {
		blame[i] = store.SnapshotEntryState{EntryID: e.ID, Definition: e.Definition, Status: e.Status}
	}
	encoded := encodeContext(r.actx)
	tokens := r.counter.CountMessages(ctx, annocontext.ToTokenizerMessages(r.actx.ContextMessages()))
	return blame, encoded, tokens, nil
}

func encodeContext(actx *annocontext.AnnotationContext) store.EncodedContext {
	encoded := store.EncodedContext{
		SystemPrompt:      actx.SystemPrompt,
		CumulativeSummary: actx.CumulativeSummary,
	}
	for _, c := range actx.ChunkSummaries {
		encoded.ChunkSummaries = append(encoded.ChunkSummaries, store.EncodedChunk{
			ThreadID: c.ThreadID, ChunkIndex: c.ChunkIndex,
			FirstSceneIndex: c.FirstSceneIndex, LastSceneIndex: c.LastSceneIndex,
			Text: c.Text, EntryIDs: c.EntryIDs,
		})
	}
	for _, t := range actx.ThreadSummaries {
		encoded.ThreadSummaries = append(encoded.ThreadSummaries, store.EncodedThread{
			ThreadID: t.ThreadID, Position: t.Position, Text: t.Text, EntryIDs: t.EntryIDs,
		})
	}
	for _, t := range actx.Turns {
		encoded.Turns = append(encoded.Turns, store.EncodedTurn{
			Role: string(t.Role), Content: t.Content, ToolCallID: t.ToolCallID,
			ThreadID: t.ThreadID, SceneIndex: t.SceneIndex,
			Truncated: t.Truncated, ThinkingCut: t.ThinkingCut,
		})
	}
	return encoded
}

// closeThread runs CURATING -> CHECKPOINT for a thread boundary: it forks
// the context under the curator prompt, adjudicates every tentative entry
// first seen in this thread, then checkpoints and discards the fork.
func (r *Runner) closeThread(ctx context.Context, threadID int64) error {
	r.compactSt.CloseThread(threadID)

	tentative, err := r.glossary.TentativeByThread(ctx, threadID)
	if err != nil {
		return errors.Wrap(err, "failed to list tentative entries for curation")
	}

	fork := r.actx.Clone()
	fork.SystemPrompt = r.cfg.CuratorSystemPrompt

	// A single unresponsive curator call shouldn't abort the rest of the
	// thread's adjudication; failures are collected and logged together,
	// leaving their entries tentative for a later run to retry.
	var curationErrs *multierror.Error
	for _, entry := range tentative {
		if err := r.curateEntry(ctx, fork, entry); err != nil {
			curationErrs = multierror.Append(curationErrs, errors.Wrapf(err, "entry %d", entry.ID))
		}
	}
	if err := curationErrs.ErrorOrNil(); err != nil {
		logger.G(ctx).WithError(err).WithField("thread_id", threadID).Warn("some curator decisions failed, entries left tentative")
	}
	// Fork discarded unconditionally; only the real store was mutated.

	if _, err := r.checkpoint(ctx, store.SnapshotCheckpoint); err != nil {
		return err
	}
	return nil
}

// curateEntry presents one tentative entry's first-appearance context
// and near-neighbor entries to the forked curator dialogue, parses its
// decision, and applies it to the live glossary.
func (r *Runner) curateEntry(ctx context.Context, fork *annocontext.AnnotationContext, entry store.GlossaryEntry) error {
	neighbors, err := r.corpus.AdjacentPosts(ctx, entry.FirstSeenPostID, r.cfg.NeighborWindow)
	if err != nil {
		return err
	}
	nearby, err := r.glossary.Search(ctx, store.SearchOptions{Query: entry.Term, Limit: 5})
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<curate entry_id=%d term=%q status=%q>\n%s\n", entry.ID, entry.Term, entry.Status, entry.Definition)
	b.WriteString("<first_appearance>\n")
	for _, p := range neighbors {
		fmt.Fprintf(&b, "<post id=%d>%s</post>\n", p.ID, p.Body)
	}
	b.WriteString("</first_appearance>\n<nearby_entries>\n")
	for _, e := range nearby {
		if e.ID == entry.ID {
			continue
		}
		fmt.Fprintf(&b, "<entry id=%d term=%q>%s</entry>\n", e.ID, e.Term, e.Definition)
	}
	b.WriteString("</nearby_entries>\n</curate>\n")

	messages := []annocontext.Message{
		{Role: string(annocontext.RoleUser), Content: fork.SystemPrompt},
		{Role: string(annocontext.RoleUser), Content: b.String()},
	}
	reply, err := r.llm.Chat(ctx, messages)
	if err != nil {
		return err
	}

	decision := parseCuratorDecision(reply)
	note := fmt.Sprintf("curator %s: %s", decision.Kind, reply)

	switch decision.Kind {
	case "REJECT":
		if err := r.glossary.Delete(ctx, entry.ID, note, entry.LastUpdatedPostID); err != nil {
			return err
		}
	case "CONFIRM":
		confirmed := store.StatusConfirmed
		if _, err := r.glossary.Update(ctx, entry.ID, store.EntryPatch{Status: &confirmed}, entry.LastUpdatedPostID, entry.LastUpdatedThreadID); err != nil {
			return err
		}
		return r.glossary.WriteNote(ctx, nil, note, entry.LastUpdatedPostID)
	case "REVISE":
		if decision.Text == "" {
			return errors.New("curator REVISE carried no replacement definition")
		}
		if _, err := r.glossary.Update(ctx, entry.ID, store.EntryPatch{Definition: &decision.Text}, entry.LastUpdatedPostID, entry.LastUpdatedThreadID); err != nil {
			return err
		}
		diff := udiff.Unified(fmt.Sprintf("entry %d (before)", entry.ID), fmt.Sprintf("entry %d (after)", entry.ID), entry.Definition, decision.Text)
		note = fmt.Sprintf("%s\n%s", note, diff)
		return r.glossary.WriteNote(ctx, nil, note, entry.LastUpdatedPostID)
	case "MERGE":
		if decision.TargetID == 0 {
			return errors.New("curator MERGE named no target entry")
		}
		target, err := r.glossary.Get(ctx, decision.TargetID)
		if err != nil {
			return err
		}
		merged := target.Definition + "\n\n" + entry.Definition
		mergedTags := append(append([]string{}, target.Tags...), entry.Tags...)
		if _, err := r.glossary.Update(ctx, target.ID, store.EntryPatch{Definition: &merged, Tags: &mergedTags}, entry.LastUpdatedPostID, entry.LastUpdatedThreadID); err != nil {
			return err
		}
		if err := r.glossary.Delete(ctx, entry.ID, note, entry.LastUpdatedPostID); err != nil {
			return err
		}
	default:
		return errors.Errorf("unrecognized curator decision: %q", reply)
	}
	return nil
}

// curatorDecision is the parsed form of a CONFIRM/REJECT/REVISE/MERGE
// reply.
type curatorDecision struct {
	Kind     string
	Text     string
	TargetID int64
}

func parseCuratorDecision(reply string) curatorDecision {
	trimmed := strings.TrimSpace(reply)
	upper := strings.ToUpper(trimmed)
	for _, kind := range []string{"CONFIRM", "REJECT", "REVISE", "MERGE"} {
		if strings.HasPrefix(upper, kind) {
			rest := strings.TrimSpace(trimmed[len(kind):])
			d := curatorDecision{Kind: kind, Text: rest}
			if kind == "MERGE" {
				if id, ok := extractTargetID(rest); ok {
					d.TargetID = id
				}
			}
			return d
		}
	}
	return curatorDecision{Kind: "UNKNOWN"}
}

func extractTargetID(text string) (int64, bool) {
	idx := strings.Index(text, "target_id")
	if idx == -1 {
		idx = strings.Index(strings.ToLower(text), "entry")
	}
	if idx == -1 {
		return 0, false
	}
	rest := text[idx:]
	var digits strings.Builder
	started := false
	for _, c := range rest {
		if c >= '0' && c <= '9' {
			started = true
			digits.WriteRune(c)
		} else if started {
			break
		}
	}
	if digits.Len() == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
