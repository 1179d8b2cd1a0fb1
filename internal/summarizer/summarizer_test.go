package summarizer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	annocontext "github.com/terrarium-labs/annotator/internal/context"
)

// capturingClient records the last prompt it was asked and returns a fixed
// reply, so tests can assert on prompt construction without a real LLM.
type capturingClient struct {
	lastMessages []annocontext.Message
	reply        string
	err          error
}

func (c *capturingClient) Chat(ctx context.Context, messages []annocontext.Message) (string, error) {
	c.lastMessages = messages
	if c.err != nil {
		return "", c.err
	}
	return c.reply, nil
}

func TestSummarizeChunk_IncludesSceneRangeAndEntryIDs(t *testing.T) {
	client := &capturingClient{reply: "chunk summary text"}
	s := New(client)

	turns := []annocontext.Turn{{Role: annocontext.RoleUser, Content: "scene content"}}
	text, err := s.SummarizeChunk(context.Background(), turns, 0, 7, []int64{3, 5})
	require.NoError(t, err)
	assert.Equal(t, "chunk summary text", text)

	require.Len(t, client.lastMessages, 1)
	prompt := client.lastMessages[0].Content
	assert.Contains(t, prompt, "Scene range: 0-7")
	assert.Contains(t, prompt, "3, 5")
	assert.Contains(t, prompt, "scene content")
}

func TestSummarizeChunk_NoEntriesRendersNone(t *testing.T) {
	client := &capturingClient{reply: "x"}
	s := New(client)

	_, err := s.SummarizeChunk(context.Background(), nil, 0, 1, nil)
	require.NoError(t, err)
	assert.Contains(t, client.lastMessages[0].Content, "Candidate entry ids touched: none")
}

func TestSummarizeThread_IncludesCreatedAndUpdated(t *testing.T) {
	client := &capturingClient{reply: "thread summary text"}
	s := New(client)

	turns := []annocontext.Turn{{Role: annocontext.RoleAssistant, Content: "final scene"}}
	text, err := s.SummarizeThread(context.Background(), turns, []int64{1}, []int64{2, 3})
	require.NoError(t, err)
	assert.Equal(t, "thread summary text", text)

	prompt := client.lastMessages[0].Content
	assert.Contains(t, prompt, "Entries created: 1")
	assert.Contains(t, prompt, "Entries updated: 2, 3")
}

func TestMergeIntoCumulative_EmptyOldShortCircuits(t *testing.T) {
	client := &capturingClient{reply: "should not be used"}
	s := New(client)

	merged, err := s.MergeIntoCumulative(context.Background(), "", "brand new summary")
	require.NoError(t, err)
	assert.Equal(t, "brand new summary", merged)
	assert.Nil(t, client.lastMessages, "must not call the LLM when there is nothing to merge into")
}

func TestMergeIntoCumulative_AsksLLMWhenCumulativeExists(t *testing.T) {
	client := &capturingClient{reply: "merged text"}
	s := New(client)

	merged, err := s.MergeIntoCumulative(context.Background(), "existing story", "new chapter")
	require.NoError(t, err)
	assert.Equal(t, "merged text", merged)
	prompt := client.lastMessages[0].Content
	assert.Contains(t, prompt, "existing story")
	assert.Contains(t, prompt, "new chapter")
}

func TestSummarizeChunk_PropagatesClientError(t *testing.T) {
	client := &capturingClient{err: assert.AnError}
	s := New(client)

	_, err := s.SummarizeChunk(context.Background(), nil, 0, 1, nil)
	assert.ErrorIs(t, err, assert.AnError)
}
