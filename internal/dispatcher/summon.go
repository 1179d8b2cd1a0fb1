package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	annocontext "github.com/terrarium-labs/annotator/internal/context"
	"github.com/terrarium-labs/annotator/internal/store"
)

// summonSession is the mutually-exclusive read-only dialogue against a
// historical AnnotationContext reconstituted from a snapshot (spec §4.7).
// Only one may be active at a time; it owns an isolated transient
// history that never leaks back into the live context. sessionID has no
// storage meaning of its own; it gives the trace spans and logs around a
// summon dialogue a stable correlation id distinct from the snapshot id.
type summonSession struct {
	sessionID  uuid.UUID
	snapshotID int64
	historical *annocontext.AnnotationContext
	transient  []annocontext.Message
}

// decodeSnapshotContext turns a store.EncodedContext into the
// AnnotationContext shape build_messages needs, mirroring the fields the
// snapshot serialization captured.
func decodeSnapshotContext(encoded store.EncodedContext) *annocontext.AnnotationContext {
	actx := &annocontext.AnnotationContext{
		SystemPrompt:      encoded.SystemPrompt,
		CumulativeSummary: encoded.CumulativeSummary,
	}
	for _, c := range encoded.ChunkSummaries {
		actx.ChunkSummaries = append(actx.ChunkSummaries, annocontext.ChunkSummary{
			ThreadID:        c.ThreadID,
			ChunkIndex:      c.ChunkIndex,
			FirstSceneIndex: c.FirstSceneIndex,
			LastSceneIndex:  c.LastSceneIndex,
			Text:            c.Text,
			EntryIDs:        c.EntryIDs,
		})
	}
	for _, t := range encoded.ThreadSummaries {
		actx.ThreadSummaries = append(actx.ThreadSummaries, annocontext.ThreadSummary{
			ThreadID: t.ThreadID,
			Position: t.Position,
			Text:     t.Text,
			EntryIDs: t.EntryIDs,
		})
	}
	for _, t := range encoded.Turns {
		actx.Turns = append(actx.Turns, annocontext.Turn{
			Role:        annocontext.Role(t.Role),
			Content:     t.Content,
			ToolCallID:  t.ToolCallID,
			ThreadID:    t.ThreadID,
			SceneIndex:  t.SceneIndex,
			Truncated:   t.Truncated,
			ThinkingCut: t.ThinkingCut,
		})
	}
	return actx
}

// SummonSnapshotParams is summon_snapshot's argument shape.
type SummonSnapshotParams struct {
	ID    int64  `json:"id"`
	Query string `json:"query" jsonschema_description:"Initial question posed to the reconstituted historical context"`
}

func summonSnapshotDefinition() Definition {
	return Definition{
		Name:        "summon_snapshot",
		Description: "Open a read-only dialogue against a historical AnnotationContext reconstituted from a snapshot. Fails if a summon is already active.",
		Params:      SummonSnapshotParams{},
		Handler:     summonSnapshotHandler,
	}
}

func summonSnapshotHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	if d.summonActive() {
		return Result{}, store.ErrSummonActive
	}
	var p SummonSnapshotParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid summon_snapshot arguments")
	}

	loaded, err := d.Glossary.LoadSnapshot(ctx, p.ID)
	if err != nil {
		return Result{}, err
	}

	historical := decodeSnapshotContext(loaded.Context)
	d.summon = &summonSession{sessionID: uuid.New(), snapshotID: p.ID, historical: historical}

	reply, err := d.summonAsk(ctx, p.Query)
	if err != nil {
		d.summon = nil
		return Result{}, err
	}
	return Result{Tag: "summon_opened", Body: fmt.Sprintf("<session_id>%s</session_id>\n<snapshot_id>%d</snapshot_id>\n<reply>%s</reply>", d.summon.sessionID, p.ID, reply)}, nil
}

// SummonContinueParams is summon_continue's argument shape.
type SummonContinueParams struct {
	Message string `json:"message"`
}

func summonContinueDefinition() Definition {
	return Definition{
		Name:        "summon_continue",
		Description: "Continue the active summon dialogue with another question.",
		Params:      SummonContinueParams{},
		Handler:     summonContinueHandler,
	}
}

func summonContinueHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	if !d.summonActive() {
		return Result{}, errors.New("no summon session is active")
	}
	var p SummonContinueParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid summon_continue arguments")
	}

	reply, err := d.summonAsk(ctx, p.Message)
	if err != nil {
		return Result{}, err
	}
	return Result{Tag: "summon_reply", Body: reply}, nil
}

// summonAsk appends the question to the session's isolated transient
// history, asks the LLM against the historical context plus that
// history, and records the reply in the same transient history.
func (d *Dispatcher) summonAsk(ctx context.Context, question string) (string, error) {
	s := d.summon
	s.transient = append(s.transient, annocontext.Message{Role: string(annocontext.RoleUser), Content: question})

	messages := []annocontext.Message{{Role: string(annocontext.RoleUser), Content: s.historical.SystemPrompt}}
	if s.historical.CumulativeSummary != "" {
		messages = append(messages, annocontext.Message{
			Role:    string(annocontext.RoleUser),
			Content: fmt.Sprintf("<cumulative_summary>\n%s\n</cumulative_summary>", s.historical.CumulativeSummary),
		})
	}
	messages = append(messages, s.transient...)

	reply, err := d.LLM.Chat(ctx, messages)
	if err != nil {
		return "", err
	}
	s.transient = append(s.transient, annocontext.Message{Role: string(annocontext.RoleAssistant), Content: reply})
	return reply, nil
}

// SummonDismissParams is summon_dismiss's argument shape.
type SummonDismissParams struct {
	DialogueSummary string `json:"dialogue_summary" jsonschema_description:"What the summon dialogue established, logged as a revision note"`
}

func summonDismissDefinition() Definition {
	return Definition{
		Name:        "summon_dismiss",
		Description: "Close the active summon dialogue, recording its summary as a revision note and discarding the transient context.",
		Params:      SummonDismissParams{},
		Handler:     summonDismissHandler,
	}
}

func summonDismissHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	if !d.summonActive() {
		return Result{}, errors.New("no summon session is active")
	}
	var p SummonDismissParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid summon_dismiss arguments")
	}

	snapshotID := d.summon.snapshotID
	sessionID := d.summon.sessionID
	if err := d.Glossary.WriteNote(ctx, &snapshotID, p.DialogueSummary, d.currentPosition.PostID); err != nil {
		return Result{}, err
	}
	d.summon = nil
	return Result{Tag: "summon_dismissed", Body: fmt.Sprintf("<session_id>%s</session_id>\n<snapshot_id>%d</snapshot_id>", sessionID, snapshotID)}, nil
}
