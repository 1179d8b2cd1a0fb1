// Package llm is the client for the LLM server collaborator (spec §6): a
// chat-completion endpoint consumed through the OpenAI-compatible
// function-calling wire shape, and a tokenize endpoint the token counter
// uses as its primary path.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	annocontext "github.com/terrarium-labs/annotator/internal/context"
)

// Config tunes the client against the LLM server.
type Config struct {
	BaseURL       string        // default http://localhost:8080
	Model         string        // model identifier the server expects
	Temperature   float32       // default 0.4
	MaxTokens     int           // default 768
	Timeout       time.Duration // per-request timeout, default 60s
	RetryAttempts uint          // default 3
	InitialDelay  time.Duration // default 500ms
	MaxDelay      time.Duration // default 10s
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "http://localhost:8080"
	}
	if c.Temperature == 0 {
		c.Temperature = 0.4
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 768
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = 3
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = 10 * time.Second
	}
	return c
}

// Client is the sole collaborator the runner, dispatcher, and compactor
// use to reach the LLM server: chat completions through go-openai against
// the server's OpenAI-compatible endpoint, plus a hand-rolled tokenize
// call the standard client has no method for.
type Client struct {
	oa         *openai.Client
	httpClient *http.Client
	cfg        Config
}

// New constructs a Client pointed at the LLM server's base URL.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	oaCfg := openai.DefaultConfig("unused")
	oaCfg.BaseURL = cfg.BaseURL
	oaCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		oa:         openai.NewClientWithConfig(oaCfg),
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
	}
}

// ToolCall is one function call the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ChatResponse is the assistant turn the server returned, with any tool
// calls the runner must route through the dispatcher.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 429
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// ChatWithTools sends a message list with tool definitions attached as
// call metadata (never as messages, per spec §4.5) and returns the
// assistant's content plus any tool calls. Transient failures (network,
// 5xx, timeout) are retried with exponential backoff up to RetryAttempts
// before the error is surfaced to the runner's RETRYING state.
func (c *Client) ChatWithTools(ctx context.Context, messages []annocontext.Message, tools []annocontext.ToolDefinition) (ChatResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.cfg.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}

	var resp openai.ChatCompletionResponse
	err := retry.Do(
		func() error {
			var apiErr error
			resp, apiErr = c.oa.CreateChatCompletion(ctx, req)
			return apiErr
		},
		retry.RetryIf(isRetryableError),
		retry.Attempts(c.cfg.RetryAttempts),
		retry.Delay(c.cfg.InitialDelay),
		retry.MaxDelay(c.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return ChatResponse{}, errors.Wrap(err, "chat completion request failed")
	}
	if len(resp.Choices) == 0 {
		return ChatResponse{}, errors.New("LLM server returned no choices")
	}

	msg := resp.Choices[0].Message
	out := ChatResponse{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

// Chat is the narrower single-string-reply form the summarizer and the
// summon dialogue use, where no tool calls are expected.
func (c *Client) Chat(ctx context.Context, messages []annocontext.Message) (string, error) {
	resp, err := c.ChatWithTools(ctx, messages, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func toOpenAIMessages(messages []annocontext.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
	}
	return out
}

func toOpenAITools(tools []annocontext.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, t := range tools {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema,
			},
		}
	}
	return out
}

// tokenizeRequest/response mirror the LLM server's tokenize endpoint
// (spec §6): plain text in, a token-id sequence out. Only the sequence
// length matters to the counter.
type tokenizeRequest struct {
	Text string `json:"text"`
}

type tokenizeResponse struct {
	Tokens []int `json:"tokens"`
}

// Tokenize calls the server's tokenize endpoint, implementing
// tokenizer.RemoteTokenizer.
func (c *Client) Tokenize(ctx context.Context, text string) (int, error) {
	body, err := json.Marshal(tokenizeRequest{Text: text})
	if err != nil {
		return 0, errors.Wrap(err, "failed to encode tokenize request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/tokenize", bytes.NewReader(body))
	if err != nil {
		return 0, errors.Wrap(err, "failed to build tokenize request")
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, errors.Wrap(err, "tokenize request failed")
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("tokenize endpoint returned status %d", httpResp.StatusCode)
	}

	var decoded tokenizeResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return 0, errors.Wrap(err, "failed to decode tokenize response")
	}
	return len(decoded.Tokens), nil
}
