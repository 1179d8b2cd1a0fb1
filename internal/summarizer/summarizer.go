// Package summarizer implements the Summarizer half of spec §4.6: it
// turns conversation turns into the three compaction shapes the
// compactor drives (chunk summary, thread summary, cumulative merge) by
// asking the LLM server.
package summarizer

import (
	"context"
	"fmt"
	"strings"

	annocontext "github.com/terrarium-labs/annotator/internal/context"
)

// ChatClient is the subset of the LLM client the summarizer needs,
// mirroring the dispatcher's ChatClient; *llm.Client from internal/llm
// satisfies it, and tests substitute a fake.
type ChatClient interface {
	Chat(ctx context.Context, messages []annocontext.Message) (string, error)
}

// Summarizer implements compactor.Summarizer against a chat-only LLM
// client.
type Summarizer struct {
	client ChatClient
}

// New constructs a Summarizer.
func New(client ChatClient) *Summarizer {
	return &Summarizer{client: client}
}

const (
	chunkSystemPrompt  = "You summarize a slice of an ongoing annotation conversation. Produce a compact hybrid summary: plot highlights in prose, then a line listing which glossary entry ids were created or updated. Target about 200-300 tokens."
	threadSystemPrompt = "You summarize a just-completed thread of an ongoing annotation conversation. Produce a compact hybrid summary: plot highlights in prose, then a line listing which glossary entry ids were created or updated. Target about 500 tokens."
	mergeSystemPrompt  = "You maintain the running 'story so far' for an ongoing annotation of a forum corpus. Fold the new summary into the existing cumulative summary, deduplicating overlapping material and preserving named entities and plot order. Return only the merged text."
)

// SummarizeChunk asks the LLM to condense a chunk's turns into a narrow,
// scene-range-scoped summary.
func (s *Summarizer) SummarizeChunk(ctx context.Context, turns []annocontext.Turn, firstScene, lastScene int, entryIDs []int64) (string, error) {
	body := renderTurns(turns)
	prompt := fmt.Sprintf(
		"%s\n\nScene range: %d-%d\nCandidate entry ids touched: %s\n\nConversation slice:\n%s",
		chunkSystemPrompt, firstScene, lastScene, joinIDs(entryIDs), body,
	)
	return s.client.Chat(ctx, []annocontext.Message{{Role: "user", Content: prompt}})
}

// SummarizeThread asks the LLM to condense a whole completed thread's
// turns into a hybrid summary, ahead of the eager merge into the
// cumulative summary.
func (s *Summarizer) SummarizeThread(ctx context.Context, turns []annocontext.Turn, entriesCreated, entriesUpdated []int64) (string, error) {
	body := renderTurns(turns)
	prompt := fmt.Sprintf(
		"%s\n\nEntries created: %s\nEntries updated: %s\n\nConversation:\n%s",
		threadSystemPrompt, joinIDs(entriesCreated), joinIDs(entriesUpdated), body,
	)
	return s.client.Chat(ctx, []annocontext.Message{{Role: "user", Content: prompt}})
}

// MergeIntoCumulative asks the LLM to fold a new thread summary into the
// running cumulative summary, deduplicating.
func (s *Summarizer) MergeIntoCumulative(ctx context.Context, oldCumulative, newText string) (string, error) {
	if oldCumulative == "" {
		return newText, nil
	}
	prompt := fmt.Sprintf(
		"%s\n\nExisting cumulative summary:\n%s\n\nNew thread summary to fold in:\n%s",
		mergeSystemPrompt, oldCumulative, newText,
	)
	return s.client.Chat(ctx, []annocontext.Message{{Role: "user", Content: prompt}})
}

func renderTurns(turns []annocontext.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "[%s] %s\n", t.Role, t.Content)
	}
	return b.String()
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%d", id)
	}
	return strings.Join(parts, ", ")
}
