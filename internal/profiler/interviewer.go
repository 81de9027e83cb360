package profiler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/pkg/models"
)

const profileVersion = 2

// ChatClient is the provider surface the interviewer needs.
type ChatClient interface {
	Chat(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse
}

// Interviewer benchmarks candidate models against the test battery and
// synthesizes capability profiles.
type Interviewer struct {
	chat        ChatClient
	interviewer string
	logger      *slog.Logger
	now         func() time.Time
	caseTimeout time.Duration
}

// InterviewerOption configures an Interviewer.
type InterviewerOption func(*Interviewer)

// WithInterviewerLogger sets the logger.
func WithInterviewerLogger(logger *slog.Logger) InterviewerOption {
	return func(i *Interviewer) { i.logger = logger }
}

// WithInterviewerNow overrides the clock, for tests.
func WithInterviewerNow(now func() time.Time) InterviewerOption {
	return func(i *Interviewer) { i.now = now }
}

// WithCaseTimeout bounds each test case call.
func WithCaseTimeout(d time.Duration) InterviewerOption {
	return func(i *Interviewer) { i.caseTimeout = d }
}

// NewInterviewer builds an interviewer. interviewerModel grades
// evaluator-mode cases and writes the qualitative summary.
func NewInterviewer(chat ChatClient, interviewerModel string, opts ...InterviewerOption) *Interviewer {
	i := &Interviewer{
		chat:        chat,
		interviewer: interviewerModel,
		logger:      slog.Default(),
		now:         time.Now,
		caseTimeout: 60 * time.Second,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Interview runs the full battery against a model and synthesizes its
// profile.
func (i *Interviewer) Interview(ctx context.Context, model string) (*models.ModelProfile, error) {
	return i.run(ctx, model, Battery(), false)
}

// QuickAssess runs only the quick subset, producing a profile flagged
// as quick.
func (i *Interviewer) QuickAssess(ctx context.Context, model string) (*models.ModelProfile, error) {
	return i.run(ctx, model, QuickBattery(), true)
}

type caseResult struct {
	tc    TestCase
	score float64
}

func (i *Interviewer) run(ctx context.Context, model string, battery []TestCase, quick bool) (*models.ModelProfile, error) {
	if len(battery) == 0 {
		return nil, fmt.Errorf("profiler: empty test battery")
	}
	i.logger.Info("interviewing model", "model", model, "cases", len(battery), "quick", quick)

	results := make([]caseResult, 0, len(battery))
	for _, tc := range battery {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score := i.runCase(ctx, model, tc)
		i.logger.Debug("test case scored", "model", model, "case", tc.ID, "score", score)
		results = append(results, caseResult{tc: tc, score: score})
	}

	profile := &models.ModelProfile{
		ModelID:        model,
		ProfileVersion: profileVersion,
		InterviewedAt:  i.now().UTC(),
		InterviewerID:  i.interviewer,
		Quick:          quick,
		Scores:         synthesizeScores(results),
	}
	profile.Guardrails = deriveGuardrails(profile.Scores)
	i.qualify(ctx, profile)
	return profile, nil
}

// runCase executes one test case and scores the response.
func (i *Interviewer) runCase(ctx context.Context, model string, tc TestCase) float64 {
	cctx, cancel := context.WithTimeout(ctx, i.caseTimeout)
	defer cancel()

	resp := i.chat.Chat(cctx, &providers.ChatRequest{
		Model:     model,
		Messages:  tc.Messages,
		Tools:     tc.Tools,
		MaxTokens: 1024,
	})
	if resp == nil || resp.FinishReason == providers.FinishError {
		return 0
	}
	return i.validate(ctx, tc, resp)
}

func (i *Interviewer) validate(ctx context.Context, tc TestCase, resp *providers.ChatResponse) float64 {
	text := strings.TrimSpace(resp.Content)
	lower := strings.ToLower(text)

	switch tc.Mode {
	case ValidateExact:
		if strings.EqualFold(text, tc.Expect) {
			return 1
		}
		// Near miss: the expected answer with decoration around it.
		if strings.Contains(lower, strings.ToLower(tc.Expect)) {
			return 0.5
		}
		return 0

	case ValidateContains:
		if strings.Contains(lower, strings.ToLower(tc.Expect)) {
			return 1
		}
		return 0

	case ValidateNotContains:
		if strings.Contains(lower, strings.ToLower(tc.Expect)) {
			return 0
		}
		return 1

	case ValidateRegex:
		re, err := regexp.Compile(tc.Expect)
		if err != nil {
			i.logger.Warn("invalid test case regex", "case", tc.ID, "error", err)
			return 0
		}
		if re.MatchString(text) {
			return 1
		}
		return 0

	case ValidateJSONValid:
		if _, ok := firstJSONObject(text); ok {
			// Full credit only when the reply is the JSON and nothing else.
			var direct any
			if json.Unmarshal([]byte(text), &direct) == nil {
				return 1
			}
			return 0.7
		}
		return 0

	case ValidateToolCallShape:
		return scoreToolCallShape(tc, resp.ToolCalls)

	case ValidateEvaluator:
		return i.evaluate(ctx, tc, text)

	default:
		i.logger.Warn("unknown validation mode", "case", tc.ID, "mode", tc.Mode)
		return 0
	}
}

func scoreToolCallShape(tc TestCase, calls []models.ToolCall) float64 {
	if len(calls) == 0 {
		return 0
	}
	for _, call := range calls {
		if call.Name != tc.ExpectTool {
			continue
		}
		missing := 0
		for _, arg := range tc.ExpectArgs {
			if _, ok := call.Arguments[arg]; !ok {
				missing++
			}
		}
		if missing == 0 {
			return 1
		}
		// Right tool, incomplete arguments.
		return 0.5
	}
	// Called something, but not the tool the task needed.
	return 0.2
}

// evaluate asks the interviewer model to grade a free-form answer.
func (i *Interviewer) evaluate(ctx context.Context, tc TestCase, answer string) float64 {
	prompt := fmt.Sprintf(`You are grading a model's answer to a test question.

Question:
%s

Answer:
%s

Grading criteria: %s

Respond with only a JSON object: {"score": <0.0-1.0>, "passed": <bool>, "notes": "<short>"}`,
		lastUserContent(tc.Messages), answer, tc.Rubric)

	resp := i.chat.Chat(ctx, &providers.ChatRequest{
		Model:     i.interviewer,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: 256,
	})
	if resp == nil || resp.FinishReason == providers.FinishError {
		i.logger.Warn("evaluator call failed", "case", tc.ID)
		return 0.5
	}

	raw, ok := firstJSONObject(resp.Content)
	if !ok {
		return 0.5
	}
	var verdict struct {
		Score  float64 `json:"score"`
		Passed bool    `json:"passed"`
		Notes  string  `json:"notes"`
	}
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return 0.5
	}
	if verdict.Score < 0 {
		return 0
	}
	if verdict.Score > 1 {
		return 1
	}
	return verdict.Score
}

// synthesizeScores aggregates weighted per-category means onto the
// eight capability axes. Structured-output derives from
// instruction-following and long-context from context-utilization; the
// battery has no direct probes for those axes.
func synthesizeScores(results []caseResult) models.CapabilityScores {
	sums := map[string]float64{}
	weights := map[string]float64{}
	for _, r := range results {
		w := r.tc.Weight
		if w <= 0 {
			w = 1
		}
		sums[r.tc.Category] += r.score * w
		weights[r.tc.Category] += w
	}
	mean := func(category string) float64 {
		if weights[category] == 0 {
			return 0.5
		}
		return sums[category] / weights[category]
	}

	scores := models.CapabilityScores{
		ToolCalling:             mean(CategoryToolCalling),
		InstructionFollowing:    mean(CategoryInstructionFollowing),
		ContextUtilization:      mean(CategoryContextUtilization),
		CodeGeneration:          mean(CategoryCodeGeneration),
		ReasoningDepth:          mean(CategoryReasoningDepth),
		HallucinationResistance: mean(CategoryHallucinationResistance),
	}
	scores.StructuredOutput = scores.InstructionFollowing
	scores.LongContext = scores.ContextUtilization
	return scores
}

func deriveGuardrails(s models.CapabilityScores) models.Guardrails {
	g := models.Guardrails{
		NeedsStructuredOutput: s.StructuredOutput < 0.7,
		MaxReliableContext:    64_000,
		ToolCallRetryLimit:    3,
		AvoidParallelTools:    s.ToolCalling < 0.5,
	}
	if s.LongContext >= 0.7 {
		g.MaxReliableContext = 128_000
	}
	if s.ToolCalling < 0.7 {
		g.ToolCallRetryLimit = 2
	}
	if g.NeedsStructuredOutput {
		g.ExtraInstructions = append(g.ExtraInstructions,
			"When asked for JSON, output only the JSON object with no surrounding prose.")
	}
	return g
}

// qualify fills the qualitative profile fields, preferring the
// interviewer model and falling back to score thresholds.
func (i *Interviewer) qualify(ctx context.Context, profile *models.ModelProfile) {
	scoresJSON, _ := json.Marshal(profile.Scores)
	prompt := fmt.Sprintf(`A model scored these capability results (0.0-1.0 per axis):
%s

Summarize it for a routing system. Respond with only a JSON object:
{"strengths": [...], "weaknesses": [...], "optimal_tasks": [...], "avoid_tasks": [...], "notes": "<one sentence>"}
Task names must come from: code, research, review, creative, general, tool_heavy.`, scoresJSON)

	resp := i.chat.Chat(ctx, &providers.ChatRequest{
		Model:     i.interviewer,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: prompt}},
		MaxTokens: 512,
	})
	if resp != nil && resp.FinishReason != providers.FinishError {
		if raw, ok := firstJSONObject(resp.Content); ok {
			var summary struct {
				Strengths    []string `json:"strengths"`
				Weaknesses   []string `json:"weaknesses"`
				OptimalTasks []string `json:"optimal_tasks"`
				AvoidTasks   []string `json:"avoid_tasks"`
				Notes        string   `json:"notes"`
			}
			if json.Unmarshal([]byte(raw), &summary) == nil && len(summary.Strengths)+len(summary.Weaknesses) > 0 {
				profile.Strengths = summary.Strengths
				profile.Weaknesses = summary.Weaknesses
				profile.OptimalTasks = summary.OptimalTasks
				profile.AvoidTasks = summary.AvoidTasks
				profile.Notes = summary.Notes
				return
			}
		}
	}
	i.logger.Warn("qualitative synthesis fell back to thresholds", "model", profile.ModelID)
	fallbackQualify(profile)
}

// fallbackQualify derives the qualitative fields from thresholds alone.
func fallbackQualify(profile *models.ModelProfile) {
	axes := []string{
		"tool_calling", "instruction_following", "context_utilization",
		"code_generation", "reasoning_depth", "hallucination_resistance",
		"structured_output", "long_context",
	}
	for _, axis := range axes {
		score := profile.Scores.Axis(axis)
		switch {
		case score >= 0.75:
			profile.Strengths = append(profile.Strengths, axis)
		case score < 0.5:
			profile.Weaknesses = append(profile.Weaknesses, axis)
		}
	}
	for task := range models.TaskRequirements {
		suit := profile.TaskSuitability(task)
		switch {
		case suit >= 0.7:
			profile.OptimalTasks = append(profile.OptimalTasks, task)
		case suit < 0.45:
			profile.AvoidTasks = append(profile.AvoidTasks, task)
		}
	}
	profile.Notes = "derived from automated scoring thresholds"
}

func lastUserContent(messages []models.ChatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == models.RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

// firstJSONObject extracts the first balanced {...} object from text,
// tolerating prose or code fences around it.
func firstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				var probe any
				if json.Unmarshal([]byte(candidate), &probe) == nil {
					return candidate, true
				}
				return "", false
			}
		}
	}
	return "", false
}
