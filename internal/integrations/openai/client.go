package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"finance-agent/internal/domain"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

type chatRequest struct {
	Model             string          `json:"model"`
	Messages          []chatMessage   `json:"messages"`
	Tools             []toolDef       `json:"tools,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	MaxTokens         int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat    *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolDef struct {
	Type     string      `json:"type"`
	Function functionDef `json:"function"`
}

type functionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function functionCall `json:"function"`
}

type functionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type responseFormat struct {
	Type       string           `json:"type"`
	JSONSchema jsonSchemaConfig `json:"json_schema"`
}

type jsonSchemaConfig struct {
	Name   string          `json:"name"`
	Strict bool            `json:"strict"`
	Schema json.RawMessage `json:"schema"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// KeySource yields the API key used for every request.
type KeySource interface {
	APIKey(ctx context.Context) (string, error)
}

// StaticKey is a KeySource for keys taken from configuration.
type StaticKey string

func (k StaticKey) APIKey(context.Context) (string, error) {
	if strings.TrimSpace(string(k)) == "" {
		return "", errors.New("openai: API key is empty")
	}
	return string(k), nil
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for chat completions with tool
// calling and strict JSON output.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	keys        KeySource
	model       string
	temperature *float64
	maxTokens   int
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTemperature(t float64) Option {
	return func(c *Client) {
		c.temperature = &t
	}
}

func WithMaxTokens(n int) Option {
	return func(c *Client) {
		c.maxTokens = n
	}
}

// NewClient creates a Client for model. The key is requested from keys on
// every call; sources are expected to cache.
func NewClient(keys KeySource, model string, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("openai: key source must not be nil")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultModel
	}
	c := &Client{
		baseURL: defaultBaseURL,
		// the invocation guard bounds the call; this only stops leaked connections
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		keys:       keys,
		model:      model,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxTokens < 0 {
		return nil, errors.New("openai: max tokens must not be negative")
	}
	return c, nil
}

func (c *Client) Model() string { return c.model }

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 2 * time.Minute}
}

func chatURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/chat/completions"
	}
	return base + "/v1/chat/completions"
}

// Reason runs one agent round. The reply is a tool call when the model asked
// for one, final text otherwise.
func (c *Client) Reason(ctx context.Context, req domain.ReasoningRequest) (domain.ModelReply, error) {
	body := chatRequest{
		Model:       c.model,
		Messages:    toChatMessages(req.System, req.Messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	if len(req.Tools) > 0 {
		body.Tools = toToolDefs(req.Tools)
		parallel := false
		body.ParallelToolCalls = &parallel
	}

	msg, err := c.complete(ctx, body)
	if err != nil {
		return domain.ModelReply{}, err
	}
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		args := strings.TrimSpace(call.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return domain.ModelReply{}, fmt.Errorf("openai: tool call %q arguments are not valid JSON", call.Function.Name)
		}
		return domain.ToolCallReply(domain.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: json.RawMessage(args),
		}), nil
	}
	if msg.Content == nil {
		return domain.FinalText(), nil
	}
	return domain.FinalText(*msg.Content), nil
}

// GenerateJSON asks for a single document conforming to req.Schema.
func (c *Client) GenerateJSON(ctx context.Context, req domain.StructuredRequest) (string, error) {
	prompt := req.Prompt
	msg, err := c.complete(ctx, chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "user", Content: &prompt}},
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		ResponseFormat: &responseFormat{
			Type: "json_schema",
			JSONSchema: jsonSchemaConfig{
				Name:   req.Name,
				Strict: true,
				Schema: req.Schema,
			},
		},
	})
	if err != nil {
		return "", err
	}
	if msg.Content == nil || strings.TrimSpace(*msg.Content) == "" {
		return "", errors.New("openai: empty structured response")
	}
	return *msg.Content, nil
}

func (c *Client) complete(ctx context.Context, body chatRequest) (chatMessage, error) {
	apiKey, err := c.keys.APIKey(ctx)
	if err != nil {
		return chatMessage{}, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return chatMessage{}, fmt.Errorf("openai: marshal request: %w", err)
	}

	url := chatURL(c.baseURL)

	req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if reqErr != nil {
		return chatMessage{}, fmt.Errorf("openai: create request: %w", reqErr)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return chatMessage{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var out chatResponse
	if decErr := json.Unmarshal(raw, &out); decErr != nil {
		return chatMessage{}, fmt.Errorf("openai: decode response: %w", decErr)
	}
	if len(out.Choices) == 0 {
		return chatMessage{}, errors.New("openai: no choices in response")
	}
	return out.Choices[0].Message, nil
}

func toChatMessages(system []string, history []domain.Message) []chatMessage {
	out := make([]chatMessage, 0, len(system)+len(history))
	for _, s := range system {
		out = append(out, chatMessage{Role: "system", Content: &s})
	}
	for _, m := range history {
		content := m.Content
		switch {
		case m.Role == domain.RoleAgent && m.ToolCall != nil:
			args := string(m.ToolCall.Arguments)
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			out = append(out, chatMessage{
				Role: "assistant",
				ToolCalls: []toolCall{{
					ID:       m.ToolCall.ID,
					Type:     "function",
					Function: functionCall{Name: m.ToolCall.Name, Arguments: args},
				}},
			})
		case m.Role == domain.RoleTool:
			out = append(out, chatMessage{Role: "tool", ToolCallID: m.ToolCallID, Content: &content})
		default:
			out = append(out, chatMessage{Role: string(m.Role), Content: &content})
		}
	}
	return out
}

func toToolDefs(specs []domain.ToolSpec) []toolDef {
	out := make([]toolDef, 0, len(specs))
	for _, s := range specs {
		out = append(out, toolDef{
			Type: "function",
			Function: functionDef{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
