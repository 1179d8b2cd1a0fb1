// Package tokenizer implements the Token Counter (spec §4.4): a remote
// tokenize-endpoint primary with a per-instance latching heuristic
// fallback.
package tokenizer

import (
	"context"
	"math"
	"sync"

	"github.com/terrarium-labs/annotator/pkg/logger"
)

// Message mirrors the minimal shape count_messages needs: role plus
// content, matching the chat message shape the LLM client sends.
type Message struct {
	Role    string
	Content string
}

// RemoteTokenizer is the subset of the LLM client the counter needs: a
// tokenize endpoint returning a token count for a string.
type RemoteTokenizer interface {
	Tokenize(ctx context.Context, text string) (int, error)
}

// Config tunes the heuristic fallback and the verification strategy.
type Config struct {
	CharsPerToken     float64 // default 4.0
	MessageOverhead   int     // default 4, per-message role-framing overhead
	VerificationRatio float64 // default 0.60; at or above this fraction of budget, CountMessages re-counts the whole list in one remote call
}

func (c Config) withDefaults() Config {
	if c.CharsPerToken <= 0 {
		c.CharsPerToken = 4.0
	}
	if c.MessageOverhead <= 0 {
		c.MessageOverhead = 4
	}
	if c.VerificationRatio <= 0 {
		c.VerificationRatio = 0.60
	}
	return c
}

// Counter counts tokens for text and message lists. It prefers a remote
// tokenize call and latches permanently onto the heuristic fallback after
// the first failure, to avoid oscillating between the two mid-run.
type Counter struct {
	remote RemoteTokenizer
	cfg    Config
	budget int

	mu            sync.Mutex
	usingFallback bool
}

// NewCounter constructs a Counter. budget is the context token budget,
// used to decide when the verification-ratio cross-check applies.
func NewCounter(remote RemoteTokenizer, cfg Config, budget int) *Counter {
	return &Counter{remote: remote, cfg: cfg.withDefaults(), budget: budget}
}

// UsingFallback reports whether the counter has latched onto the
// heuristic for the remainder of the run.
func (c *Counter) UsingFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usingFallback
}

// Count returns the token count for a single string.
func (c *Counter) Count(ctx context.Context, text string) int {
	c.mu.Lock()
	fallback := c.usingFallback
	c.mu.Unlock()

	if !fallback {
		n, err := c.remote.Tokenize(ctx, text)
		if err == nil {
			return n
		}
		c.latch(ctx, err)
	}
	return c.heuristic(text)
}

// CountMessages returns the total token count across a message list,
// including the per-message role-framing overhead.
func (c *Counter) CountMessages(ctx context.Context, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += c.Count(ctx, m.Content) + c.cfg.MessageOverhead
	}

	// Each message is counted through Count, so the total comes from the
	// remote endpoint until it has failed once and from the heuristic after
	// that; below the verification ratio the heuristic is not used while the
	// remote is healthy. At or above the ratio, and only while not latched,
	// the whole list is re-tokenized in one remote call and that count is
	// returned, since undercounting near the budget ceiling is the costly
	// direction to get wrong.
	if !c.UsingFallback() && c.budget > 0 && float64(total) >= c.cfg.VerificationRatio*float64(c.budget) {
		if verified, err := c.remote.Tokenize(ctx, joinContents(messages)); err == nil {
			return verified + len(messages)*c.cfg.MessageOverhead
		}
	}
	return total
}

func (c *Counter) heuristic(text string) int {
	return int(math.Ceil(float64(len(text)) / c.cfg.CharsPerToken))
}

func (c *Counter) latch(ctx context.Context, err error) {
	c.mu.Lock()
	first := !c.usingFallback
	c.usingFallback = true
	c.mu.Unlock()
	if first {
		logger.G(ctx).WithError(err).Warn("tokenize endpoint failed, latching onto heuristic fallback for the remainder of the run")
	}
}

func joinContents(messages []Message) string {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
	}
	buf := make([]byte, 0, total+len(messages))
	for _, m := range messages {
		buf = append(buf, m.Content...)
		buf = append(buf, '\n')
	}
	return string(buf)
}
