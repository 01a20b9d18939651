package domain

import (
	"encoding/json"
	"strings"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleAgent  Role = "assistant"
	RoleTool   Role = "tool"
)

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is the provider-agnostic chat message shape shared by the agent loop,
// checkpoint stores and LLM integrations.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// ToolCall is set on agent messages that requested a tool.
	ToolCall *ToolCall `json:"tool_call,omitempty"`
	// ToolCallID and ToolName are set on tool-result messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
}

// ToolSpec describes a callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ReasoningRequest is everything a model round needs: the system directive,
// the full thread history and the tool registry.
type ReasoningRequest struct {
	System   []string
	Messages []Message
	Tools    []ToolSpec
}

// StructuredRequest asks the model for a single JSON document matching Schema.
type StructuredRequest struct {
	Name   string
	Prompt string
	Schema json.RawMessage
}

// ReplyKind tags the variant held by a ModelReply.
type ReplyKind int

const (
	ReplyFinalText ReplyKind = iota + 1
	ReplyToolCall
)

func (k ReplyKind) String() string {
	switch k {
	case ReplyFinalText:
		return "final_text"
	case ReplyToolCall:
		return "tool_call"
	default:
		return "unknown"
	}
}

// ModelReply is the outcome of one reasoning round: either final text or
// exactly one tool call. Providers decide the variant; callers switch on Kind.
type ModelReply struct {
	Kind     ReplyKind
	Segments []string
	Call     ToolCall
}

// FinalText builds a final-text reply from one or more text segments.
func FinalText(segments ...string) ModelReply {
	return ModelReply{Kind: ReplyFinalText, Segments: segments}
}

// ToolCallReply builds a tool-call reply.
func ToolCallReply(call ToolCall) ModelReply {
	return ModelReply{Kind: ReplyToolCall, Call: call}
}

// Text joins the non-empty text segments in order.
func (r ModelReply) Text() string {
	parts := make([]string, 0, len(r.Segments))
	for _, s := range r.Segments {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}
