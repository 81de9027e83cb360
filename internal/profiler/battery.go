package profiler

import (
	"github.com/haasonsaas/relay/pkg/models"
)

// ValidationMode selects how a test case response is scored.
type ValidationMode string

const (
	ValidateExact         ValidationMode = "exact"
	ValidateContains      ValidationMode = "contains"
	ValidateNotContains   ValidationMode = "not_contains"
	ValidateRegex         ValidationMode = "regex"
	ValidateJSONValid     ValidationMode = "json_valid"
	ValidateToolCallShape ValidationMode = "tool_call_shape"
	ValidateEvaluator     ValidationMode = "evaluator"
)

// Capability axis names used as test categories.
const (
	CategoryToolCalling             = "tool_calling"
	CategoryInstructionFollowing    = "instruction_following"
	CategoryContextUtilization      = "context_utilization"
	CategoryCodeGeneration          = "code_generation"
	CategoryReasoningDepth          = "reasoning_depth"
	CategoryHallucinationResistance = "hallucination_resistance"
)

// TestCase is one interview question.
type TestCase struct {
	ID       string
	Category string
	Weight   float64

	// Quick cases make up the quick-assessment subset.
	Quick bool

	Messages []models.ChatMessage
	Tools    []models.ToolDefinition

	Mode ValidationMode

	// Expect carries the comparison payload for exact, contains,
	// not_contains, and regex modes.
	Expect string

	// ExpectTool and ExpectArgs describe the required call shape for
	// tool_call_shape mode.
	ExpectTool string
	ExpectArgs []string

	// Rubric is the grading instruction handed to the evaluator model.
	Rubric string
}

func userMsg(text string) []models.ChatMessage {
	return []models.ChatMessage{{Role: models.RoleUser, Content: text}}
}

var weatherTool = models.ToolDefinition{
	Name:        "get_weather",
	Description: "Get current weather for a location",
	Parameters: models.ParameterSchema{
		Type: "object",
		Properties: map[string]models.Property{
			"location": {Type: "string", Description: "City name"},
		},
		Required: []string{"location"},
	},
}

var calculatorTool = models.ToolDefinition{
	Name:        "calculate",
	Description: "Evaluate an arithmetic expression",
	Parameters: models.ParameterSchema{
		Type: "object",
		Properties: map[string]models.Property{
			"expression": {Type: "string", Description: "Expression to evaluate"},
		},
		Required: []string{"expression"},
	},
}

var fileSearchTool = models.ToolDefinition{
	Name:        "search_files",
	Description: "Search files by name pattern",
	Parameters: models.ParameterSchema{
		Type: "object",
		Properties: map[string]models.Property{
			"pattern": {Type: "string", Description: "Glob pattern"},
		},
		Required: []string{"pattern"},
	},
}

// Battery is the static interview question set. Categories map onto
// capability axes; weights bias the per-axis mean toward the harder
// cases.
func Battery() []TestCase {
	return []TestCase{
		// Tool calling.
		{
			ID:         "tc-basic-call",
			Category:   CategoryToolCalling,
			Weight:     1,
			Quick:      true,
			Messages:   userMsg("What's the weather in Tokyo right now?"),
			Tools:      []models.ToolDefinition{weatherTool},
			Mode:       ValidateToolCallShape,
			ExpectTool: "get_weather",
			ExpectArgs: []string{"location"},
		},
		{
			ID:         "tc-tool-selection",
			Category:   CategoryToolCalling,
			Weight:     1.5,
			Messages:   userMsg("Find every markdown file in the project."),
			Tools:      []models.ToolDefinition{weatherTool, calculatorTool, fileSearchTool},
			Mode:       ValidateToolCallShape,
			ExpectTool: "search_files",
			ExpectArgs: []string{"pattern"},
		},
		{
			ID:       "tc-no-tool-needed",
			Category: CategoryToolCalling,
			Weight:   1,
			Messages: userMsg("Just say hello, nothing else is needed."),
			Tools:    []models.ToolDefinition{weatherTool, calculatorTool},
			Mode:     ValidateNotContains,
			Expect:   "get_weather",
		},

		// Instruction following.
		{
			ID:       "if-exact-word",
			Category: CategoryInstructionFollowing,
			Weight:   1,
			Quick:    true,
			Messages: userMsg("Reply with exactly the single word: affirmative"),
			Mode:     ValidateExact,
			Expect:   "affirmative",
		},
		{
			ID:       "if-json-only",
			Category: CategoryInstructionFollowing,
			Weight:   1.5,
			Quick:    true,
			Messages: userMsg(`Return a JSON object with keys "name" (string) and "age" (number) for a fictional person. Output only the JSON, no prose.`),
			Mode:     ValidateJSONValid,
		},
		{
			ID:       "if-forbidden-word",
			Category: CategoryInstructionFollowing,
			Weight:   1,
			Messages: userMsg("Describe the ocean in one sentence without using the word 'water'."),
			Mode:     ValidateNotContains,
			Expect:   "water",
		},

		// Context utilization.
		{
			ID:       "cu-recall-detail",
			Category: CategoryContextUtilization,
			Weight:   1,
			Quick:    true,
			Messages: []models.ChatMessage{
				{Role: models.RoleSystem, Content: "Reference document: The deployment freeze starts on March 14 and the release captain is Priya. The rollback window is 6 hours."},
				{Role: models.RoleUser, Content: "Who is the release captain? Answer with just the name."},
			},
			Mode:   ValidateContains,
			Expect: "Priya",
		},
		{
			ID:       "cu-multi-fact",
			Category: CategoryContextUtilization,
			Weight:   1.5,
			Messages: []models.ChatMessage{
				{Role: models.RoleSystem, Content: "Inventory: warehouse A holds 120 units, warehouse B holds 45 units, warehouse C is closed for maintenance."},
				{Role: models.RoleUser, Content: "How many units are available across open warehouses? Answer with just the number."},
			},
			Mode:   ValidateContains,
			Expect: "165",
		},

		// Code generation.
		{
			ID:       "cg-regex-shape",
			Category: CategoryCodeGeneration,
			Weight:   1,
			Quick:    true,
			Messages: userMsg("Write a Go function named Reverse that reverses a string. Output only code."),
			Mode:     ValidateRegex,
			Expect:   `func\s+Reverse\s*\(`,
		},
		{
			ID:       "cg-quality",
			Category: CategoryCodeGeneration,
			Weight:   1.5,
			Messages: userMsg("Write a Go function that merges two sorted int slices into one sorted slice, handling empty inputs."),
			Mode:     ValidateEvaluator,
			Rubric:   "Score the code for correctness (merges sorted slices, handles empty inputs), idiomatic style, and absence of off-by-one errors.",
		},

		// Reasoning depth.
		{
			ID:       "rd-arithmetic-chain",
			Category: CategoryReasoningDepth,
			Weight:   1,
			Quick:    true,
			Messages: userMsg("A train leaves at 9:15 and the trip takes 2 hours 50 minutes. What time does it arrive? Answer with just the time."),
			Mode:     ValidateContains,
			Expect:   "12:05",
		},
		{
			ID:       "rd-tradeoff",
			Category: CategoryReasoningDepth,
			Weight:   1.5,
			Messages: userMsg("A service can cut p99 latency 40% by caching but risks serving data up to 60 seconds stale. Under what conditions is that trade worth it?"),
			Mode:     ValidateEvaluator,
			Rubric:   "Score whether the answer identifies concrete conditions (read-heavy traffic, staleness tolerance, invalidation strategy) rather than generic platitudes.",
		},

		// Hallucination resistance.
		{
			ID:       "hr-unknown-fact",
			Category: CategoryHallucinationResistance,
			Weight:   1.5,
			Quick:    true,
			Messages: userMsg("What is the exact population of the fictional city of Zandovar as of this morning?"),
			Mode:     ValidateEvaluator,
			Rubric:   "Score 1 if the answer declines or flags that the city is fictional or the figure unknowable; score 0 if it invents a specific number.",
		},
		{
			ID:       "hr-false-premise",
			Category: CategoryHallucinationResistance,
			Weight:   1,
			Messages: userMsg("Why did Go remove the garbage collector in version 1.20?"),
			Mode:     ValidateNotContains,
			Expect:   "removed the garbage collector",
		},
	}
}

// QuickBattery is the subset used by quick assessment.
func QuickBattery() []TestCase {
	var out []TestCase
	for _, tc := range Battery() {
		if tc.Quick {
			out = append(out, tc)
		}
	}
	return out
}
