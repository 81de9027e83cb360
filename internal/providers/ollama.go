package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/relay/pkg/models"
)

const ollamaDefaultBaseURL = "http://localhost:11434"

// OllamaBackend serves local models through the Ollama HTTP API. The
// /api/chat endpoint streams NDJSON lines.
type OllamaBackend struct {
	client  *http.Client
	baseURL string
	logger  *slog.Logger
}

// NewOllamaBackend creates a backend for a local Ollama server.
// baseURL defaults to localhost:11434 when empty.
func NewOllamaBackend(baseURL string, timeout time.Duration, logger *slog.Logger) *OllamaBackend {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = ollamaDefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaBackend{
		client:  &http.Client{Timeout: timeout},
		baseURL: base,
		logger:  logger,
	}
}

func (b *OllamaBackend) Name() string { return "ollama" }

// Chat drains the stream into a single response.
func (b *OllamaBackend) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	chunks, err := b.ChatStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	resp := &ChatResponse{Model: req.Model, FinishReason: FinishStop}
	for chunk := range chunks {
		switch {
		case chunk.Text != "":
			content.WriteString(chunk.Text)
		case chunk.ToolCall != nil:
			resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
		case chunk.Done:
			if chunk.Err != nil {
				return nil, chunk.Err
			}
			resp.FinishReason = chunk.FinishReason
			resp.Usage = chunk.Usage
		}
	}
	resp.Content = content.String()
	if len(resp.ToolCalls) > 0 {
		resp.FinishReason = FinishToolCalls
	}
	return resp, nil
}

// ChatStream posts to /api/chat with stream enabled and converts NDJSON
// lines into chunks.
func (b *OllamaBackend) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, errors.New("ollama: model is required")
	}

	payload := ollamaChatRequest{
		Model:    req.Model,
		Stream:   true,
		Messages: buildOllamaMessages(req.Messages),
	}
	for _, def := range req.Tools {
		payload.Tools = append(payload.Tools, def.AsFunction())
	}
	opts := map[string]any{}
	if req.MaxTokens > 0 {
		opts["num_predict"] = req.MaxTokens
	}
	if req.Temperature > 0 {
		opts["temperature"] = req.Temperature
	}
	if len(opts) > 0 {
		payload.Options = opts
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("ollama: status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	chunks := make(chan StreamChunk)
	go b.streamResponse(ctx, resp.Body, chunks)
	return chunks, nil
}

func (b *OllamaBackend) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

	emitted := map[string]struct{}{}
	sawToolCall := false

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- StreamChunk{Done: true, FinishReason: FinishError, Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- StreamChunk{Done: true, FinishReason: FinishError,
				Err: fmt.Errorf("ollama: decode response: %w", err)}
			return
		}
		if resp.Error != "" {
			out <- StreamChunk{Done: true, FinishReason: FinishError,
				Err: fmt.Errorf("ollama: %s", resp.Error)}
			return
		}

		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- StreamChunk{Text: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				// Ollama omits call ids; synthesize a stable key so the
				// same call is not emitted twice across lines.
				id := strings.TrimSpace(tc.ID)
				key := id
				if key == "" {
					key = tc.Function.Name + ":" + string(tc.Function.Arguments)
				}
				if _, ok := emitted[key]; ok {
					continue
				}
				emitted[key] = struct{}{}
				if id == "" {
					id = uuid.NewString()
				}
				out <- StreamChunk{ToolCall: &models.ToolCall{
					ID:        id,
					Name:      tc.Function.Name,
					Arguments: models.ParseToolArguments(tc.Function.Arguments),
				}}
				sawToolCall = true
			}
		}

		if resp.Done {
			finish := FinishStop
			if sawToolCall {
				finish = FinishToolCalls
			}
			out <- StreamChunk{Done: true, FinishReason: finish, Usage: models.Usage{
				PromptTokens:     resp.PromptEvalCount,
				CompletionTokens: resp.EvalCount,
				TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
			}}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamChunk{Done: true, FinishReason: FinishError, Err: fmt.Errorf("ollama: stream: %w", err)}
		return
	}
	out <- StreamChunk{Done: true, FinishReason: FinishStop}
}

type ollamaChatRequest struct {
	Model    string                      `json:"model"`
	Messages []ollamaChatMessage         `json:"messages"`
	Tools    []models.FunctionDefinition `json:"tools,omitempty"`
	Stream   bool                        `json:"stream"`
	Options  map[string]any              `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func buildOllamaMessages(msgs []models.ChatMessage) []ollamaChatMessage {
	out := make([]ollamaChatMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case models.RoleAssistant:
			converted := ollamaChatMessage{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, ollamaToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: ollamaToolFunction{
						Name:      tc.Name,
						Arguments: json.RawMessage(tc.ArgumentsJSON()),
					},
				})
			}
			out = append(out, converted)
		case models.RoleTool:
			out = append(out, ollamaChatMessage{
				Role:     "tool",
				Content:  m.Content,
				ToolName: m.Name,
			})
		default:
			out = append(out, ollamaChatMessage{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}
