package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/relay/pkg/models"
)

// OpenAIBackend serves OpenAI and OpenAI-compatible endpoints.
type OpenAIBackend struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIBackend creates a backend for api.openai.com. baseURL overrides
// the endpoint for compatible servers; pass "" for the default.
func NewOpenAIBackend(apiKey, baseURL string, logger *slog.Logger) (*OpenAIBackend, error) {
	if apiKey == "" {
		return nil, errors.New("providers: openai api key not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{client: openai.NewClientWithConfig(cfg), logger: logger}, nil
}

func (b *OpenAIBackend) Name() string { return "openai" }

// Chat performs a blocking completion.
func (b *OpenAIBackend) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := b.client.CreateChatCompletion(ctx, b.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: empty choices in response")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Content:      choice.Message.Content,
		FinishReason: normalizeFinish(string(choice.FinishReason)),
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Model: resp.Model,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: models.ParseToolArguments(tc.Function.Arguments),
		})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = FinishToolCalls
	}
	return out, nil
}

// ChatStream starts a streaming completion. Tool-call fragments arrive
// spread over chunks keyed by index; they are assembled here and emitted
// whole before the terminal chunk.
func (b *OpenAIBackend) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	chatReq := b.buildRequest(req, true)
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: start stream: %w", err)
	}

	chunks := make(chan StreamChunk)
	go b.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (b *OpenAIBackend) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- StreamChunk) {
	defer close(chunks)
	defer stream.Close()

	// Argument JSON streams in fragments; accumulate per tool-call index.
	type partial struct {
		id   string
		name string
		args strings.Builder
	}
	partials := make(map[int]*partial)
	var order []int
	var usage models.Usage
	finish := FinishStop

	flushToolCalls := func() bool {
		emitted := false
		for _, idx := range order {
			p := partials[idx]
			if p.id == "" || p.name == "" {
				continue
			}
			chunks <- StreamChunk{ToolCall: &models.ToolCall{
				ID:        p.id,
				Name:      p.name,
				Arguments: models.ParseToolArguments(p.args.String()),
			}}
			emitted = true
		}
		partials = make(map[int]*partial)
		order = nil
		return emitted
	}

	for {
		select {
		case <-ctx.Done():
			chunks <- StreamChunk{Done: true, FinishReason: FinishError, Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if flushToolCalls() {
					finish = FinishToolCalls
				}
				chunks <- StreamChunk{Done: true, FinishReason: finish, Usage: usage}
				return
			}
			chunks <- StreamChunk{Done: true, FinishReason: FinishError, Err: fmt.Errorf("openai: stream: %w", err)}
			return
		}

		if resp.Usage != nil {
			usage = models.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			chunks <- StreamChunk{Text: choice.Delta.Content}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			p := partials[idx]
			if p == nil {
				p = &partial{}
				partials[idx] = p
				order = append(order, idx)
			}
			if tc.ID != "" {
				p.id = tc.ID
			}
			if tc.Function.Name != "" {
				p.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				p.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason != "" {
			finish = normalizeFinish(string(choice.FinishReason))
			if finish == FinishToolCalls {
				flushToolCalls()
			}
		}
	}
}

func (b *OpenAIBackend) buildRequest(req *ChatRequest, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	for _, def := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return out
}

func convertOpenAIMessages(msgs []models.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		converted := openai.ChatCompletionMessage{Content: m.Content}
		switch m.Role {
		case models.RoleSystem:
			converted.Role = openai.ChatMessageRoleSystem
		case models.RoleAssistant:
			converted.Role = openai.ChatMessageRoleAssistant
			for _, tc := range m.ToolCalls {
				converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.ArgumentsJSON(),
					},
				})
			}
		case models.RoleTool:
			converted.Role = openai.ChatMessageRoleTool
			converted.ToolCallID = m.ToolCallID
			converted.Name = m.Name
		default:
			converted.Role = openai.ChatMessageRoleUser
		}
		out = append(out, converted)
	}
	return out
}

// normalizeFinish maps provider-specific finish reasons onto the Finish*
// constants.
func normalizeFinish(reason string) string {
	switch reason {
	case "stop", "end_turn", "":
		return FinishStop
	case "tool_calls", "tool_use", "function_call":
		return FinishToolCalls
	case "length", "max_tokens":
		return FinishLength
	default:
		return reason
	}
}
