package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/terrarium-labs/annotator/internal/store"
)

// GlossarySearchParams is glossary_search's argument shape.
type GlossarySearchParams struct {
	Query             string   `json:"query" jsonschema_description:"Free-text search over term and definition"`
	Tags              []string `json:"tags,omitempty" jsonschema_description:"Conjunctive tag filters; glob patterns honored"`
	Status            string   `json:"status,omitempty" jsonschema:"enum=tentative,enum=confirmed,enum=all"`
	IncludeReferences bool     `json:"include_references,omitempty" jsonschema_description:"Expand [[Term]] cross-references in results"`
	Limit             int      `json:"limit,omitempty"`
}

func glossarySearchDefinition() Definition {
	return Definition{
		Name:        "glossary_search",
		Description: "Search the glossary by term/definition text, tags, and status.",
		Params:      GlossarySearchParams{},
		Handler:     glossarySearchHandler,
	}
}

func glossarySearchHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	var p GlossarySearchParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid glossary_search arguments")
	}

	entries, err := d.Glossary.Search(ctx, store.SearchOptions{Query: p.Query, Tags: p.Tags, Status: p.Status, Limit: p.Limit})
	if err != nil {
		return Result{}, err
	}

	byNormalized := make(map[string]*store.GlossaryEntry, len(entries))
	for i := range entries {
		byNormalized[entries[i].TermNormalized] = &entries[i]
	}
	resolve := func(normalized string) (*store.GlossaryEntry, bool) {
		e, ok := byNormalized[normalized]
		return e, ok
	}

	var b strings.Builder
	for _, e := range entries {
		definition := e.Definition
		if p.IncludeReferences {
			definition = store.ExpandReferences(definition, resolve)
		}
		fmt.Fprintf(&b, "<entry id=%d term=%q status=%q tags=%q>%s</entry>\n", e.ID, e.Term, e.Status, strings.Join(e.Tags, ","), definition)
	}
	return Result{Tag: "glossary_results", Body: b.String()}, nil
}

// GlossaryCreateParams is glossary_create's argument shape.
type GlossaryCreateParams struct {
	Term       string   `json:"term"`
	Definition string   `json:"definition"`
	Tags       []string `json:"tags,omitempty"`
	Status     string   `json:"status,omitempty" jsonschema:"enum=tentative,enum=confirmed"`
}

func glossaryCreateDefinition() Definition {
	return Definition{
		Name:        "glossary_create",
		Description: "Create a new glossary entry, stamped with the current post/thread as its first appearance.",
		Params:      GlossaryCreateParams{},
		Handler:     glossaryCreateHandler,
	}
}

func glossaryCreateHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	if err := d.requireNoSummon(); err != nil {
		return Result{}, err
	}
	var p GlossaryCreateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid glossary_create arguments")
	}

	id, err := d.Glossary.Create(ctx, p.Term, p.Definition, p.Tags, d.currentPosition.PostID, d.currentPosition.ThreadID, store.Status(p.Status))
	if err != nil {
		return Result{}, err
	}
	return Result{Tag: "glossary_created", Body: fmt.Sprintf("<entry id=%d term=%q/>", id, p.Term)}, nil
}

// GlossaryUpdateParams is glossary_update's argument shape; only non-nil
// fields are applied.
type GlossaryUpdateParams struct {
	EntryID    int64     `json:"entry_id"`
	Term       *string   `json:"term,omitempty"`
	Definition *string   `json:"definition,omitempty"`
	Status     *string   `json:"status,omitempty" jsonschema:"enum=tentative,enum=confirmed"`
	Tags       *[]string `json:"tags,omitempty"`
}

func glossaryUpdateDefinition() Definition {
	return Definition{
		Name:        "glossary_update",
		Description: "Apply a partial update to an existing glossary entry, logging one revision per changed field.",
		Params:      GlossaryUpdateParams{},
		Handler:     glossaryUpdateHandler,
	}
}

func glossaryUpdateHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	if err := d.requireNoSummon(); err != nil {
		return Result{}, err
	}
	var p GlossaryUpdateParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid glossary_update arguments")
	}

	patch := store.EntryPatch{Term: p.Term, Definition: p.Definition, Tags: p.Tags}
	if p.Status != nil {
		s := store.Status(*p.Status)
		patch.Status = &s
	}

	found, err := d.Glossary.Update(ctx, p.EntryID, patch, d.currentPosition.PostID, d.currentPosition.ThreadID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{}, store.ErrEntryNotFound
	}
	return Result{Tag: "glossary_updated", Body: fmt.Sprintf("<entry id=%d/>", p.EntryID)}, nil
}

// GlossaryDeleteParams is glossary_delete's argument shape.
type GlossaryDeleteParams struct {
	EntryID int64  `json:"entry_id"`
	Reason  string `json:"reason" jsonschema_description:"Required justification, logged as the final revision before deletion"`
}

func glossaryDeleteDefinition() Definition {
	return Definition{
		Name:        "glossary_delete",
		Description: "Delete a glossary entry, first logging a revision with the supplied reason.",
		Params:      GlossaryDeleteParams{},
		Handler:     glossaryDeleteHandler,
	}
}

func glossaryDeleteHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	if err := d.requireNoSummon(); err != nil {
		return Result{}, err
	}
	var p GlossaryDeleteParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid glossary_delete arguments")
	}
	if p.Reason == "" {
		return Result{}, errors.New("reason is required")
	}

	if err := d.Glossary.Delete(ctx, p.EntryID, p.Reason, d.currentPosition.PostID); err != nil {
		return Result{}, err
	}
	return Result{Tag: "glossary_deleted", Body: fmt.Sprintf("<entry id=%d/>", p.EntryID)}, nil
}
