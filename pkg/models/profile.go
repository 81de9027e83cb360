package models

import "time"

// CapabilityScores are the eight interview axes, each in [0,1].
type CapabilityScores struct {
	ToolCalling             float64 `json:"tool_calling"`
	InstructionFollowing    float64 `json:"instruction_following"`
	ContextUtilization      float64 `json:"context_utilization"`
	CodeGeneration          float64 `json:"code_generation"`
	ReasoningDepth          float64 `json:"reasoning_depth"`
	HallucinationResistance float64 `json:"hallucination_resistance"`
	StructuredOutput        float64 `json:"structured_output"`
	LongContext             float64 `json:"long_context"`
}

// Axis returns the named score, or -1 for an unknown axis.
func (c CapabilityScores) Axis(name string) float64 {
	switch name {
	case "tool_calling":
		return c.ToolCalling
	case "instruction_following":
		return c.InstructionFollowing
	case "context_utilization":
		return c.ContextUtilization
	case "code_generation":
		return c.CodeGeneration
	case "reasoning_depth":
		return c.ReasoningDepth
	case "hallucination_resistance":
		return c.HallucinationResistance
	case "structured_output":
		return c.StructuredOutput
	case "long_context":
		return c.LongContext
	default:
		return -1
	}
}

// Guardrails compensate for profiled weaknesses at runtime.
type Guardrails struct {
	// NeedsStructuredOutput forces explicit JSON format instructions.
	NeedsStructuredOutput bool `json:"needs_structured_output"`

	// MaxReliableContext caps the context window the router trusts.
	MaxReliableContext int `json:"max_reliable_context"`

	// ToolCallRetryLimit overrides the executor retry budget.
	ToolCallRetryLimit int `json:"tool_call_retry_limit"`

	// AvoidParallelTools forces sequential tool execution.
	AvoidParallelTools bool `json:"avoid_parallel_tools"`

	// ExtraInstructions are appended to the system prompt.
	ExtraInstructions []string `json:"extra_instructions,omitempty"`
}

// RuntimeStats are rolling per-model counters updated by the loop.
type RuntimeStats struct {
	TotalCalls      int       `json:"total_calls"`
	SuccessfulCalls int       `json:"successful_calls"`
	ToolCalls       int       `json:"tool_calls"`
	ToolSuccesses   int       `json:"tool_successes"`
	TotalTokens     int64     `json:"total_tokens"`
	TotalLatencyMS  int64     `json:"total_latency_ms"`
	ErrorCounts     map[string]int `json:"error_counts,omitempty"`
	LastUsed        time.Time `json:"last_used,omitempty"`
}

// SuccessRate returns the observed call success rate, or 1 with no data.
func (s RuntimeStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 1
	}
	return float64(s.SuccessfulCalls) / float64(s.TotalCalls)
}

// ModelProfile is the interview outcome for one model.
type ModelProfile struct {
	ModelID        string           `json:"model_id"`
	ProfileVersion int              `json:"profile_version"`
	InterviewedAt  time.Time        `json:"interviewed_at"`
	InterviewerID  string           `json:"interviewer_id"`
	Quick          bool             `json:"quick,omitempty"`
	Scores         CapabilityScores `json:"scores"`
	Strengths      []string         `json:"strengths,omitempty"`
	Weaknesses     []string         `json:"weaknesses,omitempty"`
	OptimalTasks   []string         `json:"optimal_tasks,omitempty"`
	AvoidTasks     []string         `json:"avoid_tasks,omitempty"`
	Notes          string           `json:"notes,omitempty"`
	Guardrails     Guardrails       `json:"guardrails"`
	Runtime        RuntimeStats     `json:"runtime"`
}

var overallWeights = map[string]float64{
	"tool_calling":             0.2,
	"instruction_following":    0.2,
	"reasoning_depth":          0.15,
	"code_generation":          0.15,
	"context_utilization":      0.1,
	"hallucination_resistance": 0.1,
	"structured_output":        0.05,
	"long_context":             0.05,
}

// OverallScore is the weighted mean of all capability axes.
func (p *ModelProfile) OverallScore() float64 {
	var sum, weight float64
	for axis, w := range overallWeights {
		sum += p.Scores.Axis(axis) * w
		weight += w
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// RoleRequirement declares what a role needs from a model.
type RoleRequirement struct {
	// Required axes are weighted double and gated by Minimum.
	Required []string

	// Preferred axes contribute at single weight.
	Preferred []string

	// Minimum is the per-axis floor applied to required axes.
	Minimum float64
}

// RoleRequirements maps role names to their axis demands.
var RoleRequirements = map[string]RoleRequirement{
	"orchestrator": {
		Required:  []string{"reasoning_depth", "instruction_following"},
		Preferred: []string{"structured_output"},
		Minimum:   0.6,
	},
	"worker": {
		Required:  []string{"tool_calling", "instruction_following"},
		Preferred: []string{"code_generation"},
		Minimum:   0.5,
	},
	"coder": {
		Required:  []string{"code_generation", "tool_calling"},
		Preferred: []string{"reasoning_depth"},
		Minimum:   0.6,
	},
	"researcher": {
		Required:  []string{"context_utilization", "hallucination_resistance"},
		Preferred: []string{"long_context", "reasoning_depth"},
		Minimum:   0.5,
	},
	"classifier": {
		Required:  []string{"instruction_following", "structured_output"},
		Preferred: []string{},
		Minimum:   0.4,
	},
}

// TaskRequirements maps task types to the axes they exercise.
var TaskRequirements = map[string][]string{
	"code":       {"code_generation", "tool_calling", "instruction_following"},
	"research":   {"context_utilization", "hallucination_resistance", "long_context"},
	"review":     {"reasoning_depth", "code_generation"},
	"creative":   {"instruction_following"},
	"general":    {"instruction_following", "reasoning_depth"},
	"tool_heavy": {"tool_calling", "structured_output"},
}

// RoleSuitability scores this model for a role: a weighted mean over the
// role's required (double weight) and preferred axes, zero when any
// required axis falls below the role minimum.
func (p *ModelProfile) RoleSuitability(role string) float64 {
	req, ok := RoleRequirements[role]
	if !ok {
		return p.OverallScore()
	}
	var sum, weight float64
	for _, axis := range req.Required {
		score := p.Scores.Axis(axis)
		if score < req.Minimum {
			return 0
		}
		sum += score * 2
		weight += 2
	}
	for _, axis := range req.Preferred {
		if score := p.Scores.Axis(axis); score >= 0 {
			sum += score
			weight++
		}
	}
	if weight == 0 {
		return p.OverallScore()
	}
	return sum / weight
}

// TaskSuitability scores this model for a task type: the mean over the
// axes the task declares.
func (p *ModelProfile) TaskSuitability(taskType string) float64 {
	axes, ok := TaskRequirements[taskType]
	if !ok || len(axes) == 0 {
		return p.OverallScore()
	}
	var sum float64
	for _, axis := range axes {
		sum += p.Scores.Axis(axis)
	}
	return sum / float64(len(axes))
}
