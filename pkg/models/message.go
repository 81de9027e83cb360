package models

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the assistant.
type ToolCall struct {
	// ID is the provider-assigned call identifier, unique within one
	// assistant response.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Arguments is the parsed argument mapping. Providers that return a
	// serialized string have it parsed best-effort; unparseable payloads
	// arrive as {"raw": <original>}.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ArgumentsJSON serializes the call arguments for persistence and providers
// that expect a string payload.
func (tc ToolCall) ArgumentsJSON() string {
	if len(tc.Arguments) == 0 {
		return "{}"
	}
	data, err := json.Marshal(tc.Arguments)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// ParseToolArguments converts a raw argument payload into a mapping.
// String and []byte payloads are parsed as JSON; on parse failure the
// original text is preserved under the "raw" key.
func ParseToolArguments(raw any) map[string]any {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return v
	case json.RawMessage:
		return parseArgumentString(string(v))
	case []byte:
		return parseArgumentString(string(v))
	case string:
		return parseArgumentString(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return map[string]any{"raw": v}
		}
		return parseArgumentString(string(data))
	}
}

func parseArgumentString(s string) map[string]any {
	if s == "" {
		return map[string]any{}
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil {
		return map[string]any{"raw": s}
	}
	return parsed
}

// ChatMessage is one turn in the provider-shaped conversation.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`

	// ToolCalls is set on assistant turns that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is set on tool turns and names the call being answered.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Name is the tool name on tool turns.
	Name string `json:"name,omitempty"`
}

// Usage accumulates token counts across provider calls.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Session is a persisted conversation snapshot keyed by session key.
type Session struct {
	Key       string        `json:"key"`
	Messages  []ChatMessage `json:"messages"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}
