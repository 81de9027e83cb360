package routing

import (
	"context"
	"strings"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

// Task labels produced by classification. Tier triggers reference these.
const (
	TaskCode      = "code"
	TaskResearch  = "research"
	TaskReview    = "review"
	TaskCreative  = "creative"
	TaskToolHeavy = "tool_heavy"
	TaskSimple    = "simple"
	TaskGeneral   = "general"
)

var knownLabels = map[string]bool{
	TaskCode:      true,
	TaskResearch:  true,
	TaskReview:    true,
	TaskCreative:  true,
	TaskToolHeavy: true,
	TaskSimple:    true,
	TaskGeneral:   true,
}

// keyword tables for the rule-based classifier, checked in order.
var labelKeywords = []struct {
	label    string
	keywords []string
}{
	{TaskReview, []string{"review", "critique", "audit this", "check my code", "find bugs"}},
	{TaskCode, []string{"code", "function", "implement", "refactor", "compile", "debug", "stack trace", "golang", "python", "typescript", "script"}},
	{TaskResearch, []string{"research", "find out", "look up", "search for", "compare", "summarize the article", "investigate"}},
	{TaskToolHeavy, []string{"run ", "execute", "deploy", "install", "download", "fetch the", "list the files", "restart"}},
	{TaskCreative, []string{"write a story", "poem", "brainstorm", "slogan", "creative", "imagine"}},
}

// ClassifyRules is the zero-cost heuristic classifier: keyword tables
// first, then a length cutoff separating simple from general.
func ClassifyRules(content string) string {
	lower := strings.ToLower(content)
	for _, entry := range labelKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.label
			}
		}
	}
	if len(strings.Fields(content)) <= 12 {
		return TaskSimple
	}
	return TaskGeneral
}

// ChatClient is the provider surface the model classifier needs.
type ChatClient interface {
	Chat(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse
}

const classifierPrompt = `Classify the user request into exactly one label:
code, research, review, creative, tool_heavy, simple, general.
Respond with only the label.`

// classifyModel asks a small model for the label, falling back to the
// rules when the call fails or returns an unknown label.
func classifyModel(ctx context.Context, chat ChatClient, model, content string) string {
	resp := chat.Chat(ctx, &providers.ChatRequest{
		Model: model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: classifierPrompt},
			{Role: models.RoleUser, Content: content},
		},
		MaxTokens: 8,
	})
	if resp == nil || resp.FinishReason == providers.FinishError {
		return ClassifyRules(content)
	}
	label := strings.ToLower(strings.TrimSpace(resp.Content))
	label = strings.Trim(label, `."'`)
	if !knownLabels[label] {
		return ClassifyRules(content)
	}
	return label
}
