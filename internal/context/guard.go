package context

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	// failureNotice replaces the summary when the provider cannot
	// produce one; the window still shrinks.
	failureNotice = "[Earlier conversation history was removed to stay within the context window. A summary could not be generated.]"

	summaryPrompt = "Summarize the following conversation in at most 300 words. " +
		"Preserve decisions, facts, names, file paths, and unresolved questions. " +
		"Write plain prose, no preamble."
)

// ChatFunc asks a provider for a completion. *providers.Registry.Chat
// satisfies it.
type ChatFunc func(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse

// SummaryFunc receives each generated summary so the memory layer can
// persist it.
type SummaryFunc func(sessionKey, summary string)

// Report describes one compaction pass.
type Report struct {
	OriginalTokens  int
	CompactedTokens int
	MessagesRemoved int
	SummaryAdded    bool
}

// Guard watches transcript size and compacts when usage crosses
// Threshold times MaxTokens: system turns and the most recent
// PreserveRecent turns are kept, the middle is replaced with one
// synthesized system message holding a provider-written summary.
type Guard struct {
	// MaxTokens is the context window budget.
	MaxTokens int

	// Threshold in (0,1); compaction triggers above Threshold*MaxTokens.
	Threshold float64

	// PreserveRecent is how many trailing turns survive untouched.
	PreserveRecent int

	// PreserveSystem keeps system turns out of the summarized span.
	PreserveSystem bool

	chat      ChatFunc
	model     string
	counter   *Counter
	logger    *slog.Logger
	onSummary SummaryFunc
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger.
func WithGuardLogger(logger *slog.Logger) GuardOption {
	return func(g *Guard) { g.logger = logger }
}

// WithSummaryCallback registers a sink for generated summaries.
func WithSummaryCallback(fn SummaryFunc) GuardOption {
	return func(g *Guard) { g.onSummary = fn }
}

// WithPreserve overrides how much of the transcript compaction keeps.
func WithPreserve(recent int, system bool) GuardOption {
	return func(g *Guard) {
		g.PreserveRecent = recent
		g.PreserveSystem = system
	}
}

// NewGuard creates a guard summarizing with the given model via chat.
func NewGuard(maxTokens int, threshold float64, chat ChatFunc, model string, opts ...GuardOption) *Guard {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.8
	}
	g := &Guard{
		MaxTokens:      maxTokens,
		Threshold:      threshold,
		PreserveRecent: 10,
		PreserveSystem: true,
		chat:           chat,
		model:          model,
		counter:        NewCounter(),
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NeedsCompaction reports whether the transcript is over threshold.
func (g *Guard) NeedsCompaction(msgs []models.ChatMessage) bool {
	return float64(g.counter.CountMessages(msgs)) > g.Threshold*float64(g.MaxTokens)
}

// CompactIfNeeded compacts when over threshold, otherwise returns the
// input unchanged with a zero report. Safe to call every iteration.
func (g *Guard) CompactIfNeeded(ctx context.Context, msgs []models.ChatMessage, sessionKey string) ([]models.ChatMessage, Report) {
	if !g.NeedsCompaction(msgs) {
		return msgs, Report{}
	}
	return g.Compact(ctx, msgs, sessionKey)
}

// Compact partitions the transcript into kept system turns, a
// summarized middle, and a preserved tail, then reassembles it around
// one synthesized system message.
func (g *Guard) Compact(ctx context.Context, msgs []models.ChatMessage, sessionKey string) ([]models.ChatMessage, Report) {
	report := Report{OriginalTokens: g.counter.CountMessages(msgs)}

	systems, rest := g.partitionSystem(msgs)
	tailStart := len(rest) - g.PreserveRecent
	if tailStart < 0 {
		tailStart = 0
	}
	// Never let the tail open with orphaned tool results; pull their
	// assistant turn in too.
	for tailStart > 0 && rest[tailStart].Role == models.RoleTool {
		tailStart--
	}
	middle, tail := rest[:tailStart], rest[tailStart:]

	if len(middle) == 0 {
		report.CompactedTokens = report.OriginalTokens
		return msgs, report
	}

	summary, ok := g.summarize(ctx, middle)
	if ok && g.onSummary != nil {
		g.onSummary(sessionKey, summary)
	}

	out := make([]models.ChatMessage, 0, len(systems)+1+len(tail))
	out = append(out, systems...)
	out = append(out, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: "[Conversation summary of earlier messages]\n" + summary,
	})
	out = append(out, tail...)

	// Last resort when the tail alone still blows the budget.
	out = g.dropOldest(out)

	report.CompactedTokens = g.counter.CountMessages(out)
	report.MessagesRemoved = len(middle)
	report.SummaryAdded = ok

	g.logger.Info("compacted conversation",
		"session", sessionKey,
		"original_tokens", report.OriginalTokens,
		"compacted_tokens", report.CompactedTokens,
		"messages_removed", report.MessagesRemoved)
	return out, report
}

// partitionSystem splits system turns from the rest when PreserveSystem
// is set, keeping relative order in both halves.
func (g *Guard) partitionSystem(msgs []models.ChatMessage) (systems, rest []models.ChatMessage) {
	if !g.PreserveSystem {
		return nil, msgs
	}
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			systems = append(systems, m)
		} else {
			rest = append(rest, m)
		}
	}
	return systems, rest
}

func (g *Guard) summarize(ctx context.Context, middle []models.ChatMessage) (string, bool) {
	if g.chat == nil {
		return failureNotice, false
	}

	var transcript strings.Builder
	for _, m := range middle {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&transcript, "%s called tool %s(%s)\n", m.Role, tc.Name, tc.ArgumentsJSON())
		}
	}

	resp := g.chat(ctx, &providers.ChatRequest{
		Model: g.model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: summaryPrompt},
			{Role: models.RoleUser, Content: transcript.String()},
		},
		MaxTokens: 600,
	})
	if resp == nil || resp.FinishReason == providers.FinishError || strings.TrimSpace(resp.Content) == "" {
		g.logger.Warn("summary generation failed, using notice")
		return failureNotice, false
	}
	return strings.TrimSpace(resp.Content), true
}

// dropOldest removes the oldest non-system messages until the
// transcript fits MaxTokens. It is the overflow escape hatch for the
// case where compaction alone cannot help.
func (g *Guard) dropOldest(msgs []models.ChatMessage) []models.ChatMessage {
	for g.counter.CountMessages(msgs) > g.MaxTokens {
		dropped := false
		for i, m := range msgs {
			if m.Role == models.RoleSystem {
				continue
			}
			msgs = append(msgs[:i:i], msgs[i+1:]...)
			dropped = true
			break
		}
		if !dropped {
			break
		}
	}
	return msgs
}
