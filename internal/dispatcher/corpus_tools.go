package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/terrarium-labs/annotator/internal/corpus"
)

// ReadPostParams is read_post's argument shape.
type ReadPostParams struct {
	PostID          int64 `json:"post_id"`
	IncludeAdjacent bool  `json:"include_adjacent,omitempty" jsonschema_description:"Include a window of ±2 neighboring posts in the same thread"`
}

func readPostDefinition() Definition {
	return Definition{
		Name:        "read_post",
		Description: "Read a single corpus post by id, optionally with neighboring posts for context.",
		Params:      ReadPostParams{},
		Handler:     readPostHandler,
	}
}

const adjacentWindow = 2

func readPostHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	var p ReadPostParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid read_post arguments")
	}

	if !p.IncludeAdjacent {
		post, err := d.Corpus.Post(ctx, p.PostID)
		if err != nil {
			return Result{}, err
		}
		return Result{Tag: "corpus_post", Body: renderPost(*post)}, nil
	}

	posts, err := d.Corpus.AdjacentPosts(ctx, p.PostID, adjacentWindow)
	if err != nil {
		return Result{}, err
	}
	var b strings.Builder
	for _, post := range posts {
		b.WriteString(renderPost(post))
	}
	return Result{Tag: "corpus_posts", Body: b.String()}, nil
}

func renderPost(p corpus.Post) string {
	return fmt.Sprintf("<post id=%d thread_id=%d tags=%q>\n%s\n</post>\n", p.ID, p.ThreadID, strings.Join(p.Tags, ","), p.Body)
}

// ReadThreadRangeParams is read_thread_range's argument shape.
type ReadThreadRangeParams struct {
	ThreadID  int64  `json:"thread_id"`
	Start     int64  `json:"start,omitempty"`
	End       int64  `json:"end,omitempty"`
	TagFilter string `json:"tag_filter,omitempty"`
}

func readThreadRangeDefinition() Definition {
	return Definition{
		Name:        "read_thread_range",
		Description: "Read a range of posts within one thread, optionally filtered to a single tag.",
		Params:      ReadThreadRangeParams{},
		Handler:     readThreadRangeHandler,
	}
}

func readThreadRangeHandler(ctx context.Context, d *Dispatcher, raw json.RawMessage) (Result, error) {
	var p ReadThreadRangeParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return Result{}, errors.Wrap(err, "invalid read_thread_range arguments")
	}

	posts, err := d.Corpus.ThreadRange(ctx, p.ThreadID, p.Start, p.End, p.TagFilter)
	if err != nil {
		return Result{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<thread_id>%d</thread_id>\n", p.ThreadID)
	for _, post := range posts {
		b.WriteString(renderPost(post))
	}
	return Result{Tag: "corpus_thread", Body: b.String()}, nil
}
