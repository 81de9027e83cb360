package profiler

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

const graderModel = "grader-1"

type chatFunc func(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse

func (f chatFunc) Chat(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse {
	return f(ctx, req)
}

// perfectCandidate answers every battery question correctly and lets
// the grader hand out full marks.
func perfectCandidate(candidateCalls *atomic.Int64) chatFunc {
	return func(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse {
		if req.Model == graderModel {
			prompt := req.Messages[len(req.Messages)-1].Content
			if strings.Contains(prompt, "routing system") {
				return &providers.ChatResponse{
					Content:      `{"strengths":["tool_calling"],"weaknesses":[],"optimal_tasks":["code"],"avoid_tasks":[],"notes":"strong generalist"}`,
					FinishReason: providers.FinishStop,
				}
			}
			return &providers.ChatResponse{
				Content:      `{"score": 1.0, "passed": true, "notes": "solid"}`,
				FinishReason: providers.FinishStop,
			}
		}

		if candidateCalls != nil {
			candidateCalls.Add(1)
		}
		q := req.Messages[len(req.Messages)-1].Content
		switch {
		case strings.Contains(q, "weather in Tokyo"):
			return &providers.ChatResponse{
				ToolCalls:    []models.ToolCall{{ID: "1", Name: "get_weather", Arguments: map[string]any{"location": "Tokyo"}}},
				FinishReason: providers.FinishToolCalls,
			}
		case strings.Contains(q, "markdown file"):
			return &providers.ChatResponse{
				ToolCalls:    []models.ToolCall{{ID: "2", Name: "search_files", Arguments: map[string]any{"pattern": "**/*.md"}}},
				FinishReason: providers.FinishToolCalls,
			}
		case strings.Contains(q, "say hello"):
			return &providers.ChatResponse{Content: "Hello!", FinishReason: providers.FinishStop}
		case strings.Contains(q, "single word"):
			return &providers.ChatResponse{Content: "affirmative", FinishReason: providers.FinishStop}
		case strings.Contains(q, `keys "name"`):
			return &providers.ChatResponse{Content: `{"name":"Ada","age":36}`, FinishReason: providers.FinishStop}
		case strings.Contains(q, "ocean"):
			return &providers.ChatResponse{Content: "The sea stretches endlessly toward the horizon.", FinishReason: providers.FinishStop}
		case strings.Contains(q, "release captain"):
			return &providers.ChatResponse{Content: "Priya", FinishReason: providers.FinishStop}
		case strings.Contains(q, "open warehouses"):
			return &providers.ChatResponse{Content: "165", FinishReason: providers.FinishStop}
		case strings.Contains(q, "named Reverse"):
			return &providers.ChatResponse{Content: "func Reverse(s string) string {\n\treturn s\n}", FinishReason: providers.FinishStop}
		case strings.Contains(q, "train leaves"):
			return &providers.ChatResponse{Content: "12:05", FinishReason: providers.FinishStop}
		case strings.Contains(q, "garbage collector"):
			return &providers.ChatResponse{Content: "Go has never dropped its garbage collector; that premise is false.", FinishReason: providers.FinishStop}
		default:
			return &providers.ChatResponse{Content: "I cannot verify that, so I won't guess a number.", FinishReason: providers.FinishStop}
		}
	}
}

func TestInterviewPerfectModel(t *testing.T) {
	iv := NewInterviewer(perfectCandidate(nil), graderModel,
		WithInterviewerNow(func() time.Time {
			return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		}))

	profile, err := iv.Interview(context.Background(), "candidate-1")
	if err != nil {
		t.Fatal(err)
	}
	if profile.ModelID != "candidate-1" || profile.Quick {
		t.Errorf("profile header: %+v", profile)
	}
	if profile.InterviewerID != graderModel {
		t.Errorf("interviewer id: %q", profile.InterviewerID)
	}

	s := profile.Scores
	for axis, got := range map[string]float64{
		"tool_calling":             s.ToolCalling,
		"instruction_following":    s.InstructionFollowing,
		"context_utilization":      s.ContextUtilization,
		"code_generation":          s.CodeGeneration,
		"reasoning_depth":          s.ReasoningDepth,
		"hallucination_resistance": s.HallucinationResistance,
	} {
		if got != 1 {
			t.Errorf("axis %s: got %v want 1", axis, got)
		}
	}
	if s.StructuredOutput != s.InstructionFollowing {
		t.Error("structured output should derive from instruction following")
	}
	if s.LongContext != s.ContextUtilization {
		t.Error("long context should derive from context utilization")
	}

	g := profile.Guardrails
	if g.NeedsStructuredOutput || g.AvoidParallelTools {
		t.Errorf("guardrails too strict: %+v", g)
	}
	if g.MaxReliableContext != 128_000 || g.ToolCallRetryLimit != 3 {
		t.Errorf("guardrails: %+v", g)
	}

	if len(profile.Strengths) != 1 || profile.Strengths[0] != "tool_calling" {
		t.Errorf("strengths from grader: %v", profile.Strengths)
	}
	if profile.Notes != "strong generalist" {
		t.Errorf("notes: %q", profile.Notes)
	}
}

func TestQuickAssessRunsSubset(t *testing.T) {
	var candidateCalls atomic.Int64
	iv := NewInterviewer(perfectCandidate(&candidateCalls), graderModel)

	profile, err := iv.QuickAssess(context.Background(), "candidate-1")
	if err != nil {
		t.Fatal(err)
	}
	if !profile.Quick {
		t.Error("quick flag not set")
	}
	if got, want := candidateCalls.Load(), int64(len(QuickBattery())); got != want {
		t.Errorf("candidate calls: got %d want %d", got, want)
	}
}

func TestEvaluatorFailureFallsBack(t *testing.T) {
	// Candidate answers, but the grader model is down.
	client := chatFunc(func(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse {
		if req.Model == graderModel {
			return &providers.ChatResponse{Content: "unavailable", FinishReason: providers.FinishError}
		}
		return &providers.ChatResponse{Content: "some answer", FinishReason: providers.FinishStop}
	})
	iv := NewInterviewer(client, graderModel)

	profile, err := iv.Interview(context.Background(), "candidate-1")
	if err != nil {
		t.Fatal(err)
	}
	// Evaluator cases score the neutral 0.5 and the qualitative summary
	// comes from thresholds.
	if profile.Notes != "derived from automated scoring thresholds" {
		t.Errorf("notes: %q", profile.Notes)
	}
}

func TestScoreToolCallShape(t *testing.T) {
	tc := TestCase{ExpectTool: "search_files", ExpectArgs: []string{"pattern"}}
	tests := []struct {
		name  string
		calls []models.ToolCall
		want  float64
	}{
		{"no calls", nil, 0},
		{"wrong tool", []models.ToolCall{{Name: "get_weather", Arguments: map[string]any{"location": "x"}}}, 0.2},
		{"missing args", []models.ToolCall{{Name: "search_files"}}, 0.5},
		{"complete", []models.ToolCall{{Name: "search_files", Arguments: map[string]any{"pattern": "*.go"}}}, 1},
	}
	for _, tt := range tests {
		if got := scoreToolCallShape(tc, tt.calls); got != tt.want {
			t.Errorf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}
}

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{"Here you go:\n```json\n{\"a\": {\"b\": 2}}\n```", `{"a": {"b": 2}}`, true},
		{`prefix {"s":"br{ace}"} suffix`, `{"s":"br{ace}"}`, true},
		{`{"broken":`, "", false},
		{"no json at all", "", false},
	}
	for _, tt := range tests {
		got, ok := firstJSONObject(tt.in)
		if ok != tt.ok || got != tt.want {
			t.Errorf("firstJSONObject(%q): got (%q, %v) want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDeriveGuardrailsWeakModel(t *testing.T) {
	g := deriveGuardrails(models.CapabilityScores{
		ToolCalling:      0.4,
		StructuredOutput: 0.5,
		LongContext:      0.5,
	})
	if !g.NeedsStructuredOutput || !g.AvoidParallelTools {
		t.Errorf("guardrails: %+v", g)
	}
	if g.MaxReliableContext != 64_000 || g.ToolCallRetryLimit != 2 {
		t.Errorf("guardrails: %+v", g)
	}
	if len(g.ExtraInstructions) == 0 {
		t.Error("structured-output instruction missing")
	}
}
