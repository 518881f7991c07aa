package session

import (
	"encoding/json"
	"strings"
	"time"
)

// Role tags a canonical Message per {System, User, Assistant, Tool}
// variant.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType discriminates the content parts that can appear inside a Message.
type PartType string

const (
	PartText       PartType = "text"
	PartReasoning  PartType = "reasoning"
	PartImage      PartType = "image"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// ContentPart is one element of a Message's ordered content list. Only the
// fields relevant to Type are populated; the rest are left zero.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text / Reasoning.
	Text string `json:"text,omitempty"`
	// ReasoningOpts carries provider-opaque reasoning options (e.g. OpenAI's
	// encrypted_content, Anthropic's signature) verbatim through persistence.
	ReasoningOpts json.RawMessage `json:"reasoning_opts,omitempty"`

	// Image.
	ImageData string `json:"image_data,omitempty"` // base64
	ImageMime string `json:"image_mime,omitempty"`

	// ToolCall.
	CallID           string          `json:"call_id,omitempty"`
	ToolName         string          `json:"tool_name,omitempty"`
	Input            json.RawMessage `json:"input,omitempty"`
	ProviderMetadata json.RawMessage `json:"provider_metadata,omitempty"`

	// ToolResult.
	Output json.RawMessage `json:"output,omitempty"`
}

// Message is the canonical, protocol-agnostic representation of one chat
// turn. Order within Content is preserved:
// pending text parts must flush before a ToolCall part so wire encoders can
// group contiguous text.
type Message struct {
	ID         int64         `json:"id,omitempty"`
	SessionID  string        `json:"session_id"`
	Role       Role          `json:"role"`
	Content    []ContentPart `json:"content"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ParentID   *int64        `json:"parent_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`

	// InsertKey is a monotonically increasing insertion-order tiebreaker used
	// alongside CreatedAt for ordering.
	InsertKey int64 `json:"-"`
}

// NewTextMessage builds a Message carrying a single text content part. This
// is the common case for System/User messages.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentPart{{Type: PartText, Text: text}}}
}

// Text concatenates every text part in the message, in order. Reasoning,
// image and tool parts are ignored.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the ordered ToolCall parts of an Assistant message.
func (m Message) ToolCalls() []ContentPart {
	var out []ContentPart
	for _, p := range m.Content {
		if p.Type == PartToolCall {
			out = append(out, p)
		}
	}
	return out
}

// ToolResults returns the ordered ToolResult parts of a Tool message.
func (m Message) ToolResults() []ContentPart {
	var out []ContentPart
	for _, p := range m.Content {
		if p.Type == PartToolResult {
			out = append(out, p)
		}
	}
	return out
}

// IsEmpty reports whether the message carries no content at all — the
// ghost-record shape the session manager refuses to persist.
func (m Message) IsEmpty() bool {
	return len(m.Content) == 0
}

// NewToolResultMessage wraps a single tool output as a Tool-role message.
func NewToolResultMessage(callID, toolName string, output json.RawMessage) Message {
	return Message{
		Role:       RoleTool,
		ToolCallID: callID,
		Content: []ContentPart{{
			Type:     PartToolResult,
			CallID:   callID,
			ToolName: toolName,
			Output:   output,
		}},
	}
}
