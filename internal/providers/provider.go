// Package providers exposes a unified chat and chat-stream surface over
// multiple LLM back-ends, with per-model health tracking and fallback
// chains managed by the Registry.
package providers

import (
	"context"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Finish reasons reported on ChatResponse and the final stream chunk.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishError     = "error"
)

// ChatRequest is one completion request against a named model.
type ChatRequest struct {
	// Model is the requested model id. The registry may serve the request
	// from a fallback when the model is cooling down.
	Model string

	// Messages is the full conversation in provider shape.
	Messages []models.ChatMessage

	// Tools advertised for this call, empty when tool use is disabled.
	Tools []models.ToolDefinition

	// MaxTokens caps the completion length; 0 uses the backend default.
	MaxTokens int

	// Temperature in [0,2]; 0 uses the backend default.
	Temperature float64
}

// ChatResponse is the assembled result of one completion.
type ChatResponse struct {
	// Content is the assistant text, or the last error when
	// FinishReason is "error".
	Content string

	// ToolCalls requested by the model, arguments always parsed to a
	// mapping (unparseable payloads arrive as {"raw": original}).
	ToolCalls []models.ToolCall

	// FinishReason is one of the Finish* constants.
	FinishReason string

	// Usage is the token accounting for this call.
	Usage models.Usage

	// Model is the model that actually served the request, which may be
	// a fallback of the requested one.
	Model string
}

// StreamChunk is one element of a chat stream. Exactly one of Text,
// ToolCall, or the terminal fields is meaningful per chunk.
type StreamChunk struct {
	// Text is an incremental content fragment.
	Text string

	// ToolCall is a fully assembled tool call, emitted once per call
	// before the terminal chunk.
	ToolCall *models.ToolCall

	// Done marks the terminal chunk; FinishReason and Usage are set on it.
	Done         bool
	FinishReason string
	Usage        models.Usage

	// Err is set on the terminal chunk when the stream failed.
	Err error
}

// Backend is one LLM back-end (OpenAI, Anthropic, Ollama). Backends are
// stateless with respect to health; the registry tracks that.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Chat performs a blocking completion.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream starts a streaming completion. The returned channel is
	// closed after the terminal chunk. Callers cancel via ctx.
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// Health is the registry's per-model availability record.
type Health struct {
	Healthy       bool      `json:"healthy"`
	LastFailure   time.Time `json:"last_failure,omitzero"`
	FailureCount  int       `json:"failure_count"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
}

// Available reports whether the model may be tried at the given time.
// An unhealthy model becomes available again once its cooldown elapses.
func (h Health) Available(now time.Time) bool {
	return h.Healthy || !now.Before(h.CooldownUntil)
}
