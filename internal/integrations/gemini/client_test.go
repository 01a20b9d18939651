package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"finance-agent/internal/domain"
)

type fakeGenerator struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	f.model, f.contents, f.config = model, contents, config
	return f.resp, f.err
}

func answer(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: parts},
	}}}
}

func newTestClient(t *testing.T, gen *fakeGenerator) *Client {
	t.Helper()
	c, err := newWithGenerator(gen, Config{Model: "gemini-test", Temperature: genai.Ptr[float32](0.3), MaxOutputTokens: 500})
	require.NoError(t, err)
	return c
}

func TestNew_Validates(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.ErrorContains(t, err, "API key")
	_, err = New(context.Background(), Config{UseVertex: true, Project: "p"})
	require.ErrorContains(t, err, "project and location")

	_, err = newWithGenerator(nil, Config{})
	require.Error(t, err)
	_, err = newWithGenerator(&fakeGenerator{}, Config{MaxOutputTokens: -1})
	require.Error(t, err)

	c, err := newWithGenerator(&fakeGenerator{}, Config{})
	require.NoError(t, err)
	require.Equal(t, DefaultModel, c.Model())
}

func history() []domain.Message {
	return []domain.Message{
		{Role: domain.RoleUser, Content: "spent 500 on groceries"},
		{Role: domain.RoleAgent, ToolCall: &domain.ToolCall{ID: "c1", Name: "extract_expense", Arguments: json.RawMessage(`{"text":"spent 500 on groceries"}`)}},
		{Role: domain.RoleTool, ToolCallID: "c1", ToolName: "extract_expense", Content: `{"amount":500,"is_ambiguous":false}`},
		{Role: domain.RoleAgent, Content: "Logged."},
		{Role: domain.RoleTool, ToolCallID: "c2", ToolName: "weekly_report", Content: `not json`},
	}
}

func TestReason_BuildsRequest(t *testing.T) {
	gen := &fakeGenerator{resp: answer(genai.NewPartFromText("ok"))}
	c := newTestClient(t, gen)

	_, err := c.Reason(context.Background(), domain.ReasoningRequest{
		System:   []string{"directive", "CONFIG: timezone=Asia/Kolkata"},
		Messages: history(),
		Tools: []domain.ToolSpec{{
			Name:        "extract_expense",
			Description: "Extract an expense.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
		}},
	})
	require.NoError(t, err)
	require.Equal(t, "gemini-test", gen.model)

	require.Len(t, gen.config.SystemInstruction.Parts, 2)
	require.Equal(t, "CONFIG: timezone=Asia/Kolkata", gen.config.SystemInstruction.Parts[1].Text)
	require.Equal(t, float32(0.3), *gen.config.Temperature)
	require.Equal(t, int32(500), gen.config.MaxOutputTokens)

	decl := gen.config.Tools[0].FunctionDeclarations[0]
	require.Equal(t, "extract_expense", decl.Name)
	schema, ok := decl.ParametersJsonSchema.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "object", schema["type"])

	require.Len(t, gen.contents, 5)
	require.Equal(t, genai.RoleUser, gen.contents[0].Role)
	require.Equal(t, "spent 500 on groceries", gen.contents[0].Parts[0].Text)

	call := gen.contents[1].Parts[0].FunctionCall
	require.Equal(t, genai.RoleModel, gen.contents[1].Role)
	require.Equal(t, "c1", call.ID)
	require.Equal(t, map[string]any{"text": "spent 500 on groceries"}, call.Args)

	fr := gen.contents[2].Parts[0].FunctionResponse
	require.Equal(t, genai.RoleUser, gen.contents[2].Role)
	require.Equal(t, "extract_expense", fr.Name)
	require.Equal(t, false, fr.Response["is_ambiguous"])

	require.Equal(t, genai.RoleModel, gen.contents[3].Role)
	require.Equal(t, map[string]any{"output": "not json"}, gen.contents[4].Parts[0].FunctionResponse.Response)
}

func TestReason_FunctionCall(t *testing.T) {
	gen := &fakeGenerator{resp: answer(
		&genai.Part{Text: "thinking about it", Thought: true},
		genai.NewPartFromText("Let me log that."),
		&genai.Part{FunctionCall: &genai.FunctionCall{ID: "fc-1", Name: "log_expense", Args: map[string]any{"entry": map[string]any{"amount": 500}}}},
	)}
	reply, err := newTestClient(t, gen).Reason(context.Background(), domain.ReasoningRequest{Messages: history()[:1]})
	require.NoError(t, err)
	require.Equal(t, domain.ReplyToolCall, reply.Kind)
	require.Equal(t, "fc-1", reply.Call.ID)
	require.Equal(t, "log_expense", reply.Call.Name)
	require.JSONEq(t, `{"entry":{"amount":500}}`, string(reply.Call.Arguments))
}

func TestReason_FunctionCallWithoutArgs(t *testing.T) {
	gen := &fakeGenerator{resp: answer(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "weekly_report"}})}
	reply, err := newTestClient(t, gen).Reason(context.Background(), domain.ReasoningRequest{})
	require.NoError(t, err)
	require.Equal(t, "{}", string(reply.Call.Arguments))
	require.Empty(t, reply.Call.ID)
}

func TestReason_TextSegmentsInOrder(t *testing.T) {
	gen := &fakeGenerator{resp: answer(
		genai.NewPartFromText("You spent INR 350"),
		&genai.Part{Text: "hidden", Thought: true},
		genai.NewPartFromText("this week."),
	)}
	reply, err := newTestClient(t, gen).Reason(context.Background(), domain.ReasoningRequest{})
	require.NoError(t, err)
	require.Equal(t, domain.ReplyFinalText, reply.Kind)
	require.Equal(t, "You spent INR 350 this week.", reply.Text())
	require.Nil(t, gen.config.Tools)
	require.Nil(t, gen.config.SystemInstruction)
}

func TestReason_Errors(t *testing.T) {
	_, err := newTestClient(t, &fakeGenerator{resp: &genai.GenerateContentResponse{}}).Reason(context.Background(), domain.ReasoningRequest{})
	require.ErrorContains(t, err, "no candidates")

	bad := domain.ReasoningRequest{Messages: []domain.Message{{Role: domain.RoleAgent, ToolCall: &domain.ToolCall{Name: "x", Arguments: json.RawMessage(`[1]`)}}}}
	_, err = newTestClient(t, &fakeGenerator{resp: answer()}).Reason(context.Background(), bad)
	require.Error(t, err)

	badSchema := domain.ReasoningRequest{Tools: []domain.ToolSpec{{Name: "x", Parameters: json.RawMessage(`{`)}}}
	_, err = newTestClient(t, &fakeGenerator{resp: answer()}).Reason(context.Background(), badSchema)
	require.ErrorContains(t, err, "invalid JSON schema")
}

func TestReason_APIErrorCarriesStatus(t *testing.T) {
	gen := &fakeGenerator{err: genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"}}
	_, err := newTestClient(t, gen).Reason(context.Background(), domain.ReasoningRequest{})

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 429, statusErr.HTTPStatusCode())
	require.Contains(t, err.Error(), "RESOURCE_EXHAUSTED")

	gen.err = errors.New("connection reset")
	_, err = newTestClient(t, gen).Reason(context.Background(), domain.ReasoningRequest{})
	require.False(t, errors.As(err, &statusErr))
	require.ErrorContains(t, err, "connection reset")
}

func TestGenerateJSON(t *testing.T) {
	gen := &fakeGenerator{resp: answer(genai.NewPartFromText(` {"amount":500} `))}
	out, err := newTestClient(t, gen).GenerateJSON(context.Background(), domain.StructuredRequest{
		Name:   "expense_candidate",
		Prompt: "extract this",
		Schema: json.RawMessage(`{"type":"object","required":["amount"]}`),
	})
	require.NoError(t, err)
	require.Equal(t, `{"amount":500}`, out)
	require.Equal(t, "application/json", gen.config.ResponseMIMEType)
	require.Equal(t, map[string]any{"type": "object", "required": []any{"amount"}}, gen.config.ResponseJsonSchema)
	require.Len(t, gen.contents, 1)
	require.Equal(t, "extract this", gen.contents[0].Parts[0].Text)
}

func TestGenerateJSON_Errors(t *testing.T) {
	_, err := newTestClient(t, &fakeGenerator{resp: answer()}).GenerateJSON(context.Background(), domain.StructuredRequest{})
	require.ErrorContains(t, err, "empty structured response")

	_, err = newTestClient(t, &fakeGenerator{err: genai.APIError{Code: 503, Status: "UNAVAILABLE"}}).GenerateJSON(context.Background(), domain.StructuredRequest{})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, 503, statusErr.Code)
}
