// Package annocontext implements the AnnotationContext (spec §4.5): the
// durable conversation object the runner builds chat messages from, and
// the turn-level operations the compactor needs (§4.6).
package annocontext

import (
	"fmt"
	"strings"

	"github.com/terrarium-labs/annotator/internal/corpus"
	"github.com/terrarium-labs/annotator/internal/tokenizer"
)

// Role is a conversation turn's speaker.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const truncatedMarker = "… [truncated]"

// Turn is one recorded message, tagged with the thread/scene it
// originated from so the compactor can select turns to remove by range.
type Turn struct {
	Role        Role
	Content     string
	ToolCallID  string
	ThreadID    int64
	SceneIndex  int
	Truncated   bool
	ThinkingCut bool
}

// ChunkSummary is an intra-thread compaction record (spec §3). Negative
// ChunkIndex values are reserved for the partial-chunk emergency fallback.
type ChunkSummary struct {
	ThreadID        int64
	ChunkIndex      int
	FirstSceneIndex int
	LastSceneIndex  int
	Text            string
	EntryIDs        []int64
}

// ThreadSummary is held transiently until it is merged into the
// cumulative summary at thread close.
type ThreadSummary struct {
	ThreadID int64
	Position int
	Text     string
	EntryIDs []int64
}

// ToolDefinition is attached to a chat call as metadata, never as a
// message (spec §4.5).
type ToolDefinition struct {
	Name        string
	Description string
	Schema      any
}

// AnnotationContext is the runner's durable conversation object. The
// runner exclusively owns the live instance; the dispatcher holds it only
// for reading.
type AnnotationContext struct {
	SystemPrompt      string
	CumulativeSummary string
	ChunkSummaries    []ChunkSummary
	ThreadSummaries   []ThreadSummary
	Turns             []Turn
}

// New constructs an empty context with the given system prompt.
func New(systemPrompt string) *AnnotationContext {
	return &AnnotationContext{SystemPrompt: systemPrompt}
}

// RecordTurn appends a turn tagged for later compaction.
func (c *AnnotationContext) RecordTurn(role Role, content, toolCallID string, threadID int64, sceneIndex int) {
	c.Turns = append(c.Turns, Turn{
		Role:       role,
		Content:    content,
		ToolCallID: toolCallID,
		ThreadID:   threadID,
		SceneIndex: sceneIndex,
	})
}

// RemoveThreadTurns drops every turn tagged with threadID and reports how
// many were removed.
func (c *AnnotationContext) RemoveThreadTurns(threadID int64) int {
	kept := c.Turns[:0]
	removed := 0
	for _, t := range c.Turns {
		if t.ThreadID == threadID {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	c.Turns = kept
	return removed
}

// RemoveChunkTurns drops turns tagged with threadID whose scene index
// falls within [firstScene, lastScene] and reports how many were removed.
func (c *AnnotationContext) RemoveChunkTurns(threadID int64, firstScene, lastScene int) int {
	kept := c.Turns[:0]
	removed := 0
	for _, t := range c.Turns {
		if t.ThreadID == threadID && t.SceneIndex >= firstScene && t.SceneIndex <= lastScene {
			removed++
			continue
		}
		kept = append(kept, t)
	}
	c.Turns = kept
	return removed
}

// Clone produces a deep copy for curator/summon forks; mutating the copy
// never leaks back into the live context.
func (c *AnnotationContext) Clone() *AnnotationContext {
	clone := &AnnotationContext{
		SystemPrompt:      c.SystemPrompt,
		CumulativeSummary: c.CumulativeSummary,
	}
	clone.ChunkSummaries = append([]ChunkSummary(nil), c.ChunkSummaries...)
	clone.ThreadSummaries = append([]ThreadSummary(nil), c.ThreadSummaries...)
	clone.Turns = append([]Turn(nil), c.Turns...)
	return clone
}

// RelevantEntry is the minimal glossary-entry shape build_messages needs,
// to avoid an import cycle with internal/store.
type RelevantEntry struct {
	ID         int64
	Term       string
	Definition string
	Status     string
}

// Message is an assembled chat message, ready for the LLM client.
type Message struct {
	Role       string
	Content    string
	ToolCallID string
}

// BuildMessages assembles the ordered message list spec §4.5 defines:
// system prompt; a header message wrapping cumulative summary, chunk
// summaries, and the most recent thread summary inside sentinel tags;
// recorded history; and a trailing message carrying the current scene and
// candidate glossary entries.
func (c *AnnotationContext) BuildMessages(scene Scene, relevantEntries []RelevantEntry) []Message {
	messages := []Message{{Role: string(RoleUser), Content: c.SystemPrompt}}

	if header := c.buildHeader(); header != "" {
		messages = append(messages, Message{Role: string(RoleUser), Content: header})
	}

	for _, t := range c.Turns {
		messages = append(messages, Message{Role: string(t.Role), Content: t.Content, ToolCallID: t.ToolCallID})
	}

	messages = append(messages, Message{Role: string(RoleUser), Content: c.buildSceneMessage(scene, relevantEntries)})
	return messages
}

func (c *AnnotationContext) buildHeader() string {
	var b strings.Builder
	if c.CumulativeSummary != "" {
		fmt.Fprintf(&b, "<cumulative_summary>\n%s\n</cumulative_summary>\n", c.CumulativeSummary)
	}
	for _, cs := range c.ChunkSummaries {
		fmt.Fprintf(&b, "<chunk_summary thread_id=%d chunk_index=%d>\n%s\n</chunk_summary>\n", cs.ThreadID, cs.ChunkIndex, cs.Text)
	}
	if n := len(c.ThreadSummaries); n > 0 {
		latest := c.ThreadSummaries[n-1]
		fmt.Fprintf(&b, "<thread_summary thread_id=%d>\n%s\n</thread_summary>\n", latest.ThreadID, latest.Text)
	}
	return b.String()
}

// Scene is the minimal shape build_messages needs out of a scenes.Scene,
// to avoid an import cycle.
type Scene struct {
	ThreadID   int64
	SceneIndex int
	Posts      []corpus.Post
}

func (c *AnnotationContext) buildSceneMessage(scene Scene, entries []RelevantEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<scene thread_id=%d scene_index=%d>\n", scene.ThreadID, scene.SceneIndex)
	for _, p := range scene.Posts {
		fmt.Fprintf(&b, "<post id=%d>\n%s\n</post>\n", p.ID, p.Body)
	}
	b.WriteString("</scene>\n")

	if len(entries) > 0 {
		b.WriteString("<candidate_entries>\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "<entry id=%d term=%q status=%q>%s</entry>\n", e.ID, e.Term, e.Status, e.Definition)
		}
		b.WriteString("</candidate_entries>\n")
	}
	return b.String()
}

// ContextMessages returns system prompt, header, and recorded turns —
// everything the compactor needs to count and mutate, with no current
// scene attached (the compactor runs between scenes).
func (c *AnnotationContext) ContextMessages() []Message {
	messages := []Message{{Role: string(RoleUser), Content: c.SystemPrompt}}
	if header := c.buildHeader(); header != "" {
		messages = append(messages, Message{Role: string(RoleUser), Content: header})
	}
	for _, t := range c.Turns {
		messages = append(messages, Message{Role: string(t.Role), Content: t.Content, ToolCallID: t.ToolCallID})
	}
	return messages
}

// ToTokenizerMessages converts the context's own view of messages into the
// tokenizer package's Message shape for counting.
func ToTokenizerMessages(messages []Message) []tokenizer.Message {
	out := make([]tokenizer.Message, len(messages))
	for i, m := range messages {
		out[i] = tokenizer.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// TruncateOldResponses implements Tier 4: assistant messages older than
// the most recent `keepRecent` turns are truncated to maxChars, with a
// visible marker appended. A turn already bearing the marker is left
// alone. Returns whether any truncation happened.
func (c *AnnotationContext) TruncateOldResponses(keepRecent, maxChars int) bool {
	changed := false
	cutoff := len(c.Turns) - keepRecent
	for i := 0; i < cutoff && i < len(c.Turns); i++ {
		t := &c.Turns[i]
		if t.Role != RoleAssistant || t.Truncated {
			continue
		}
		if len(t.Content) <= maxChars {
			continue
		}
		t.Content = t.Content[:maxChars] + truncatedMarker
		t.Truncated = true
		changed = true
	}
	return changed
}

// StripThinkingBlocks implements Tier 3: explicit reasoning blocks
// (delimited by <thinking>...</thinking>) are stripped from turns older
// than the most recent `keepRecent`. Returns whether any turn changed.
func (c *AnnotationContext) StripThinkingBlocks(keepRecent int) bool {
	changed := false
	cutoff := len(c.Turns) - keepRecent
	for i := 0; i < cutoff && i < len(c.Turns); i++ {
		t := &c.Turns[i]
		if t.ThinkingCut {
			continue
		}
		stripped := stripThinking(t.Content)
		if stripped != t.Content {
			t.Content = stripped
			t.ThinkingCut = true
			changed = true
		}
	}
	return changed
}

func stripThinking(content string) string {
	for {
		start := strings.Index(content, "<thinking>")
		if start == -1 {
			return content
		}
		end := strings.Index(content[start:], "</thinking>")
		if end == -1 {
			return content
		}
		end += start + len("</thinking>")
		content = content[:start] + content[end:]
	}
}
