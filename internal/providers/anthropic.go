package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/relay/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicBackend serves Claude models. The Messages API is
// streaming-first here; Chat assembles the stream into one response.
type AnthropicBackend struct {
	client anthropic.Client
	logger *slog.Logger
}

// NewAnthropicBackend creates a backend authenticated with the given key.
func NewAnthropicBackend(apiKey string, logger *slog.Logger) (*AnthropicBackend, error) {
	if apiKey == "" {
		return nil, errors.New("providers: anthropic api key not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}, nil
}

func (b *AnthropicBackend) Name() string { return "anthropic" }

// Chat drains the stream into a single response.
func (b *AnthropicBackend) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
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

// ChatStream starts a streaming completion against the Messages API.
func (b *AnthropicBackend) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	params, err := b.buildParams(req)
	if err != nil {
		return nil, err
	}
	stream := b.client.Messages.NewStreaming(ctx, params)

	chunks := make(chan StreamChunk)
	go b.processStream(stream, chunks)
	return chunks, nil
}

func (b *AnthropicBackend) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	messages, system := convertAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (b *AnthropicBackend) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- StreamChunk) {
	defer close(chunks)

	var current *models.ToolCall
	var currentInput strings.Builder
	var usage models.Usage
	finish := FinishStop
	sawToolCall := false

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.PromptTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				current = &models.ToolCall{ID: use.ID, Name: use.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- StreamChunk{Text: delta.Text}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if current != nil {
				current.Arguments = models.ParseToolArguments(currentInput.String())
				chunks <- StreamChunk{ToolCall: current}
				current = nil
				sawToolCall = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.CompletionTokens = int(delta.Usage.OutputTokens)
			}
			if sr := string(delta.Delta.StopReason); sr != "" {
				finish = normalizeFinish(sr)
			}

		case "message_stop":
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
			if sawToolCall {
				finish = FinishToolCalls
			}
			chunks <- StreamChunk{Done: true, FinishReason: finish, Usage: usage}
			return

		case "error":
			chunks <- StreamChunk{Done: true, FinishReason: FinishError,
				Err: errors.New("anthropic: stream error event")}
			return
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- StreamChunk{Done: true, FinishReason: FinishError,
			Err: fmt.Errorf("anthropic: stream: %w", err)}
		return
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	chunks <- StreamChunk{Done: true, FinishReason: finish, Usage: usage}
}

// convertAnthropicMessages maps the unified transcript into Anthropic
// message params. System turns are concatenated and returned separately
// since the Messages API takes the system prompt out of band. Tool turns
// become user messages carrying tool_result blocks.
func convertAnthropicMessages(msgs []models.ChatMessage) ([]anthropic.MessageParam, string) {
	var out []anthropic.MessageParam
	var system strings.Builder

	for _, m := range msgs {
		switch m.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)

		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		case models.RoleTool:
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))

		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out, system.String()
}

func convertAnthropicTools(defs []models.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return nil, fmt.Errorf("anthropic: marshal schema for %s: %w", def.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: convert schema for %s: %w", def.Name, err)
		}

		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" {
			tool.OfTool.Description = anthropic.String(def.Description)
		}
		tools = append(tools, tool)
	}
	return tools, nil
}
