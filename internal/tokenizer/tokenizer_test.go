package tokenizer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote is a scriptable RemoteTokenizer: it returns a fixed count (the
// text length when count is zero), or an error on every call while failing
// is set.
type fakeRemote struct {
	calls   int
	failing bool
	count   int
}

func (f *fakeRemote) Tokenize(ctx context.Context, text string) (int, error) {
	f.calls++
	if f.failing {
		return 0, errors.New("tokenize endpoint unreachable")
	}
	if f.count > 0 {
		return f.count, nil
	}
	return len(text), nil
}

func TestCounter_UsesRemoteWhileHealthy(t *testing.T) {
	remote := &fakeRemote{count: 42}
	c := NewCounter(remote, Config{}, 0)

	n := c.Count(context.Background(), "hello")
	assert.Equal(t, 42, n)
	assert.False(t, c.UsingFallback())
	assert.Equal(t, 1, remote.calls)
}

func TestCounter_LatchesOntoHeuristicAfterFirstFailure(t *testing.T) {
	remote := &fakeRemote{failing: true}
	c := NewCounter(remote, Config{}, 0)

	n1 := c.Count(context.Background(), "12345678") // 8 chars / 4.0 = 2 tokens
	require.Equal(t, 2, n1)
	assert.True(t, c.UsingFallback())

	// Second call must not even attempt the remote endpoint once latched.
	calls := remote.calls
	n2 := c.Count(context.Background(), "1234")
	assert.Equal(t, 1, n2)
	assert.Equal(t, calls, remote.calls, "latched counter must not retry the remote endpoint")
}

func TestCounter_HeuristicRoundsUp(t *testing.T) {
	remote := &fakeRemote{failing: true}
	c := NewCounter(remote, Config{CharsPerToken: 4.0}, 0)

	// 5 chars / 4.0 = 1.25, rounds up to 2.
	n := c.Count(context.Background(), "abcde")
	assert.Equal(t, 2, n)
}

func TestCounter_CountMessages_IncludesOverhead(t *testing.T) {
	remote := &fakeRemote{count: 10}
	c := NewCounter(remote, Config{MessageOverhead: 4}, 0)

	messages := []Message{
		{Role: "user", Content: "a"},
		{Role: "assistant", Content: "b"},
	}
	// Each message costs 10 (remote) + 4 (overhead) = 14; total under any
	// verification ratio since budget is 0 (disabled).
	total := c.CountMessages(context.Background(), messages)
	assert.Equal(t, 28, total)
}

func TestCounter_CountMessages_CrossChecksNearBudget(t *testing.T) {
	remote := &fakeRemote{count: 100}
	cfg := Config{MessageOverhead: 0, VerificationRatio: 0.5}
	c := NewCounter(remote, cfg, 150) // 50% of 150 = 75

	messages := []Message{{Role: "user", Content: "x"}}
	// Per-message Count already uses remote (100), so total=100 >= 75 triggers
	// the verification cross-check, which re-tokenizes the joined content
	// (also 100 from the fake) and returns verified + overhead.
	total := c.CountMessages(context.Background(), messages)
	assert.Equal(t, 100, total)
	assert.GreaterOrEqual(t, remote.calls, 2, "cross-check must issue a second remote call")
}

func TestCounter_CountMessages_SkipsCrossCheckBelowRatio(t *testing.T) {
	remote := &fakeRemote{count: 1}
	cfg := Config{MessageOverhead: 0, VerificationRatio: 0.9}
	c := NewCounter(remote, cfg, 1000) // 90% of 1000 = 900, total is nowhere near

	messages := []Message{{Role: "user", Content: "x"}}
	total := c.CountMessages(context.Background(), messages)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, remote.calls, "must not cross-check when comfortably under the verification ratio")
}

func TestCounter_CountMessages_SkipsCrossCheckOnceFallbackLatched(t *testing.T) {
	remote := &fakeRemote{failing: true}
	cfg := Config{MessageOverhead: 0, VerificationRatio: 0.0}
	c := NewCounter(remote, cfg, 10)

	messages := []Message{{Role: "user", Content: "12345678"}} // heuristic: 2
	total := c.CountMessages(context.Background(), messages)
	assert.Equal(t, 2, total)
	assert.True(t, c.UsingFallback())
}
