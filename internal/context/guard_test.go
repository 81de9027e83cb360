package context

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

func chatReturning(content string) ChatFunc {
	return func(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse {
		return &providers.ChatResponse{Content: content, FinishReason: providers.FinishStop}
	}
}

func chatFailing() ChatFunc {
	return func(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse {
		return &providers.ChatResponse{Content: "boom", FinishReason: providers.FinishError}
	}
}

func longTranscript(n int) []models.ChatMessage {
	msgs := []models.ChatMessage{{Role: models.RoleSystem, Content: "You are a helpful assistant."}}
	filler := strings.Repeat("lorem ipsum dolor sit amet ", 20)
	for i := 0; i < n; i++ {
		msgs = append(msgs,
			models.ChatMessage{Role: models.RoleUser, Content: filler},
			models.ChatMessage{Role: models.RoleAssistant, Content: filler},
		)
	}
	return msgs
}

func TestNeedsCompaction(t *testing.T) {
	guard := NewGuard(100000, 0.8, nil, "m")
	if guard.NeedsCompaction(longTranscript(2)) {
		t.Error("small transcript should not need compaction")
	}

	tight := NewGuard(500, 0.8, nil, "m")
	if !tight.NeedsCompaction(longTranscript(10)) {
		t.Error("oversized transcript should need compaction")
	}
}

func TestCompactKeepsSystemAndTail(t *testing.T) {
	msgs := longTranscript(30)
	guard := NewGuard(2000, 0.8, chatReturning("the middle discussed lorem ipsum"), "m")

	out, report := guard.Compact(context.Background(), msgs, "cli:x")

	if !report.SummaryAdded {
		t.Error("expected summary to be added")
	}
	if report.MessagesRemoved == 0 {
		t.Error("expected messages to be removed")
	}
	if report.CompactedTokens >= report.OriginalTokens {
		t.Errorf("tokens did not shrink: %d -> %d", report.OriginalTokens, report.CompactedTokens)
	}

	if out[0].Role != models.RoleSystem || !strings.Contains(out[0].Content, "helpful assistant") {
		t.Errorf("original system prompt not preserved first: %+v", out[0])
	}
	if out[1].Role != models.RoleSystem || !strings.Contains(out[1].Content, "middle discussed") {
		t.Errorf("summary message missing: %+v", out[1])
	}

	// Tail must be the original trailing turns.
	last := msgs[len(msgs)-1]
	if out[len(out)-1].Content != last.Content || out[len(out)-1].Role != last.Role {
		t.Error("trailing turn not preserved")
	}
}

func TestCompactProviderFailureUsesNotice(t *testing.T) {
	guard := NewGuard(2000, 0.8, chatFailing(), "m")
	out, report := guard.Compact(context.Background(), longTranscript(30), "cli:x")

	if report.SummaryAdded {
		t.Error("summary should not count as added on failure")
	}
	found := false
	for _, m := range out {
		if strings.Contains(m.Content, "could not be generated") {
			found = true
		}
	}
	if !found {
		t.Error("failure notice missing from compacted transcript")
	}
}

func TestCompactIfNeededNoOpWhenUnder(t *testing.T) {
	msgs := longTranscript(2)
	guard := NewGuard(1000000, 0.8, chatReturning("s"), "m")

	out, report := guard.CompactIfNeeded(context.Background(), msgs, "cli:x")
	if report.MessagesRemoved != 0 || report.SummaryAdded {
		t.Errorf("expected zero report, got %+v", report)
	}
	if len(out) != len(msgs) {
		t.Errorf("transcript changed: %d -> %d", len(msgs), len(out))
	}
}

func TestCompactIsIdempotent(t *testing.T) {
	guard := NewGuard(3000, 0.8, chatReturning("summary"), "m")
	once, _ := guard.CompactIfNeeded(context.Background(), longTranscript(30), "cli:x")
	twice, report := guard.CompactIfNeeded(context.Background(), once, "cli:x")

	if report.MessagesRemoved != 0 || report.SummaryAdded {
		t.Errorf("second pass should be a no-op, got %+v", report)
	}
	if len(twice) != len(once) {
		t.Errorf("second pass changed length: %d -> %d", len(once), len(twice))
	}
}

func TestCompactSummaryCallback(t *testing.T) {
	var gotKey, gotSummary string
	guard := NewGuard(2000, 0.8, chatReturning("important facts"), "m",
		WithSummaryCallback(func(key, summary string) {
			gotKey, gotSummary = key, summary
		}))

	guard.Compact(context.Background(), longTranscript(30), "cli:x")
	if gotKey != "cli:x" {
		t.Errorf("callback key: got %q", gotKey)
	}
	if gotSummary != "important facts" {
		t.Errorf("callback summary: got %q", gotSummary)
	}
}

func TestTailNeverStartsWithToolResult(t *testing.T) {
	filler := strings.Repeat("word ", 200)
	msgs := []models.ChatMessage{}
	for i := 0; i < 12; i++ {
		msgs = append(msgs,
			models.ChatMessage{Role: models.RoleUser, Content: filler},
			models.ChatMessage{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "c", Name: "exec"}}},
			models.ChatMessage{Role: models.RoleTool, ToolCallID: "c", Name: "exec", Content: filler},
			models.ChatMessage{Role: models.RoleAssistant, Content: filler},
		)
	}

	guard := NewGuard(2000, 0.8, chatReturning("s"), "m", WithPreserve(3, true))
	out, _ := guard.Compact(context.Background(), msgs, "cli:x")

	// Find first non-system message after the summary.
	for i, m := range out {
		if m.Role == models.RoleSystem {
			continue
		}
		if m.Role == models.RoleTool {
			t.Errorf("tail opens with tool result at %d", i)
		}
		break
	}
}

func TestDropOldestLastResort(t *testing.T) {
	// Tail bigger than the whole budget forces the escape hatch.
	filler := strings.Repeat("overflow ", 100)
	msgs := []models.ChatMessage{{Role: models.RoleSystem, Content: "sys"}}
	for i := 0; i < 20; i++ {
		msgs = append(msgs, models.ChatMessage{Role: models.RoleUser, Content: filler})
	}

	guard := NewGuard(800, 0.8, chatReturning("s"), "m", WithPreserve(15, true))
	out, _ := guard.Compact(context.Background(), msgs, "cli:x")

	counter := NewCounter()
	if got := counter.CountMessages(out); got > 800 {
		t.Errorf("still over budget after drop: %d tokens", got)
	}
	if out[0].Role != models.RoleSystem || out[0].Content != "sys" {
		t.Error("system prompt dropped by last resort")
	}
}

func TestCounterFallbackEstimate(t *testing.T) {
	c := NewCounter()
	text := strings.Repeat("hello world ", 50)
	n := c.CountText(text)
	if n <= 0 {
		t.Fatalf("count: got %d", n)
	}
	// Either exact or the /4 estimate, both land well below byte length.
	if n >= len(text) {
		t.Errorf("count %d not below byte length %d", n, len(text))
	}
}
