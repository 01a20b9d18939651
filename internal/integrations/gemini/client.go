// Package gemini adapts google.golang.org/genai to the agent's model contracts.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"finance-agent/internal/domain"
)

const DefaultModel = "gemini-2.5-flash"

// generator is the subset of *genai.Models used by Client.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// StatusError is an upstream API failure with its HTTP status.
type StatusError struct {
	Code    int
	Status  string
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("gemini: status %d %s: %s", e.Code, e.Status, e.Message)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.Code
}

type Config struct {
	APIKey          string
	UseVertex       bool
	Project         string
	Location        string
	Model           string
	Temperature     *float32
	MaxOutputTokens int32
	HTTPClient      *http.Client
}

type Client struct {
	gen         generator
	model       string
	temperature *float32
	maxTokens   int32
}

// New builds a Client on the Gemini API, or on Vertex AI when cfg.UseVertex
// is set.
func New(ctx context.Context, cfg Config) (*Client, error) {
	cc := &genai.ClientConfig{HTTPClient: cfg.HTTPClient}
	if cfg.UseVertex {
		if strings.TrimSpace(cfg.Project) == "" || strings.TrimSpace(cfg.Location) == "" {
			return nil, errors.New("gemini: vertex backend requires project and location")
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
	} else {
		if strings.TrimSpace(cfg.APIKey) == "" {
			return nil, errors.New("gemini: API key must not be empty")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	}
	gc, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini: create genai client: %w", err)
	}
	return newWithGenerator(gc.Models, cfg)
}

func newWithGenerator(gen generator, cfg Config) (*Client, error) {
	if gen == nil {
		return nil, errors.New("gemini: generator must not be nil")
	}
	if cfg.MaxOutputTokens < 0 {
		return nil, errors.New("gemini: max output tokens must not be negative")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		gen:         gen,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxOutputTokens,
	}, nil
}

func (c *Client) Model() string { return c.model }

// Reason runs one agent round with the registry exposed as function
// declarations. The first function call in the answer wins.
func (c *Client) Reason(ctx context.Context, req domain.ReasoningRequest) (domain.ModelReply, error) {
	contents, err := toContents(req.Messages)
	if err != nil {
		return domain.ModelReply{}, err
	}
	config := c.baseConfig()
	if len(req.System) > 0 {
		parts := make([]*genai.Part, 0, len(req.System))
		for _, s := range req.System {
			parts = append(parts, genai.NewPartFromText(s))
		}
		config.SystemInstruction = &genai.Content{Parts: parts}
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			schema, err := schemaValue(spec.Parameters)
			if err != nil {
				return domain.ModelReply{}, fmt.Errorf("gemini: tool %s: %w", spec.Name, err)
			}
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 spec.Name,
				Description:          spec.Description,
				ParametersJsonSchema: schema,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := c.gen.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return domain.ModelReply{}, wrapErr(err)
	}
	parts, err := firstCandidate(resp)
	if err != nil {
		return domain.ModelReply{}, err
	}

	var segments []string
	for _, p := range parts {
		if p == nil || p.Thought {
			continue
		}
		if p.FunctionCall != nil {
			args := []byte("{}")
			if len(p.FunctionCall.Args) > 0 {
				if args, err = json.Marshal(p.FunctionCall.Args); err != nil {
					return domain.ModelReply{}, fmt.Errorf("gemini: encode %s arguments: %w", p.FunctionCall.Name, err)
				}
			}
			return domain.ToolCallReply(domain.ToolCall{
				ID:        p.FunctionCall.ID,
				Name:      p.FunctionCall.Name,
				Arguments: args,
			}), nil
		}
		if p.Text != "" {
			segments = append(segments, p.Text)
		}
	}
	return domain.FinalText(segments...), nil
}

// GenerateJSON asks for a single JSON document conforming to req.Schema.
func (c *Client) GenerateJSON(ctx context.Context, req domain.StructuredRequest) (string, error) {
	schema, err := schemaValue(req.Schema)
	if err != nil {
		return "", fmt.Errorf("gemini: %s: %w", req.Name, err)
	}
	config := c.baseConfig()
	config.ResponseMIMEType = "application/json"
	config.ResponseJsonSchema = schema

	resp, err := c.gen.GenerateContent(ctx, c.model, []*genai.Content{
		genai.NewContentFromText(req.Prompt, genai.RoleUser),
	}, config)
	if err != nil {
		return "", wrapErr(err)
	}
	if _, err := firstCandidate(resp); err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", errors.New("gemini: empty structured response")
	}
	return out, nil
}

func (c *Client) baseConfig() *genai.GenerateContentConfig {
	return &genai.GenerateContentConfig{
		Temperature:     c.temperature,
		MaxOutputTokens: c.maxTokens,
	}
}

func firstCandidate(resp *genai.GenerateContentResponse) ([]*genai.Part, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil, errors.New("gemini: no candidates in response")
	}
	if resp.Candidates[0].Content == nil {
		return nil, nil
	}
	return resp.Candidates[0].Content.Parts, nil
}

func toContents(history []domain.Message) ([]*genai.Content, error) {
	out := make([]*genai.Content, 0, len(history))
	for i, m := range history {
		switch {
		case m.Role == domain.RoleAgent && m.ToolCall != nil:
			args, err := objectValue(m.ToolCall.Arguments)
			if err != nil {
				return nil, fmt.Errorf("gemini: message %d arguments: %w", i, err)
			}
			out = append(out, genai.NewContentFromParts([]*genai.Part{{
				FunctionCall: &genai.FunctionCall{ID: m.ToolCall.ID, Name: m.ToolCall.Name, Args: args},
			}}, genai.RoleModel))
		case m.Role == domain.RoleAgent:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleModel))
		case m.Role == domain.RoleTool:
			out = append(out, genai.NewContentFromParts([]*genai.Part{{
				FunctionResponse: &genai.FunctionResponse{ID: m.ToolCallID, Name: m.ToolName, Response: toolResponse(m.Content)},
			}}, genai.RoleUser))
		case m.Role == domain.RoleUser:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return out, nil
}

// toolResponse keeps JSON object results as they are and wraps anything else
// under "output".
func toolResponse(content string) map[string]any {
	var obj map[string]any
	if err := json.Unmarshal([]byte(content), &obj); err == nil && obj != nil {
		return obj
	}
	return map[string]any{"output": content}
}

func objectValue(raw json.RawMessage) (map[string]any, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func schemaValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON schema: %w", err)
	}
	return v, nil
}

func wrapErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("gemini: generate content: %w", &StatusError{Code: apiErr.Code, Status: apiErr.Status, Message: apiErr.Message})
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return fmt.Errorf("gemini: generate content: %w", &StatusError{Code: apiErrPtr.Code, Status: apiErrPtr.Status, Message: apiErrPtr.Message})
	}
	return fmt.Errorf("gemini: generate content: %w", err)
}
