package swarm

import (
	"fmt"

	"github.com/haasonsaas/relay/pkg/models"
)

// Pattern names accepted by Decompose.
const (
	PatternResearch   = "research"
	PatternCode       = "code"
	PatternReview     = "review"
	PatternBrainstorm = "brainstorm"
)

// patternTasks hard-codes the small task DAG for each named pattern.
// Instruction templates take the objective as their single argument.
func patternTasks(pattern, objective string) ([]models.SwarmTask, bool) {
	switch pattern {
	case PatternResearch:
		return []models.SwarmTask{
			{
				ID:           "gather",
				Description:  "Collect source material",
				Instructions: fmt.Sprintf("Gather the key facts, sources, and context needed to address: %s", objective),
				Metadata:     map[string]string{"type": "research"},
			},
			{
				ID:           "analyze",
				Description:  "Analyze the gathered material",
				Instructions: fmt.Sprintf("Using the gathered material, analyze the central questions behind: %s. Note contradictions and gaps.", objective),
				DependsOn:    []string{"gather"},
				Metadata:     map[string]string{"type": "research"},
			},
			{
				ID:           "report",
				Description:  "Write the findings report",
				Instructions: fmt.Sprintf("Write a clear, structured report answering: %s. Base it only on the analysis provided.", objective),
				DependsOn:    []string{"analyze"},
				Metadata:     map[string]string{"type": "general"},
			},
		}, true

	case PatternCode:
		return []models.SwarmTask{
			{
				ID:           "plan",
				Description:  "Design the implementation",
				Instructions: fmt.Sprintf("Produce a short implementation plan for: %s. List the components, their interfaces, and edge cases.", objective),
				Metadata:     map[string]string{"type": "general"},
			},
			{
				ID:           "implement",
				Description:  "Write the code",
				Instructions: fmt.Sprintf("Following the plan provided, implement: %s. Output complete, working code.", objective),
				DependsOn:    []string{"plan"},
				Metadata:     map[string]string{"type": "code"},
			},
			{
				ID:           "test",
				Description:  "Write tests",
				Instructions: fmt.Sprintf("Write tests for the implementation provided, covering the edge cases from the plan. Objective: %s", objective),
				DependsOn:    []string{"implement"},
				Metadata:     map[string]string{"type": "code"},
			},
		}, true

	case PatternReview:
		return []models.SwarmTask{
			{
				ID:           "correctness",
				Description:  "Review for correctness",
				Instructions: fmt.Sprintf("Review the following for bugs, logic errors, and unhandled edge cases: %s", objective),
				Metadata:     map[string]string{"type": "review"},
			},
			{
				ID:           "style",
				Description:  "Review for style and clarity",
				Instructions: fmt.Sprintf("Review the following for readability, naming, and structure: %s", objective),
				Metadata:     map[string]string{"type": "review"},
			},
			{
				ID:           "verdict",
				Description:  "Combine reviews into a verdict",
				Instructions: fmt.Sprintf("Combine the correctness and style reviews provided into one prioritized list of findings for: %s", objective),
				DependsOn:    []string{"correctness", "style"},
				Metadata:     map[string]string{"type": "review"},
			},
		}, true

	case PatternBrainstorm:
		return []models.SwarmTask{
			{
				ID:           "diverge-a",
				Description:  "Generate conventional ideas",
				Instructions: fmt.Sprintf("Generate 5 practical, proven approaches to: %s", objective),
				Metadata:     map[string]string{"type": "creative"},
			},
			{
				ID:           "diverge-b",
				Description:  "Generate unconventional ideas",
				Instructions: fmt.Sprintf("Generate 5 unconventional, high-risk-high-reward approaches to: %s", objective),
				Metadata:     map[string]string{"type": "creative"},
			},
			{
				ID:           "converge",
				Description:  "Select the strongest ideas",
				Instructions: fmt.Sprintf("From the idea lists provided, select and refine the 3 strongest approaches to: %s. Justify each pick.", objective),
				DependsOn:    []string{"diverge-a", "diverge-b"},
				Metadata:     map[string]string{"type": "general"},
			},
		}, true
	}
	return nil, false
}

// workerSystemPrompts specialize workers by task type.
var workerSystemPrompts = map[string]string{
	"code":     "You are a focused software engineer. Produce complete, working code with brief explanations only where needed.",
	"research": "You are a careful researcher. Stick to verifiable facts, cite reasoning, and flag uncertainty explicitly.",
	"review":   "You are a rigorous reviewer. Find concrete problems and rank them by severity; do not pad with praise.",
	"creative": "You are a creative collaborator. Favor original, varied ideas over safe repetition.",
	"general":  "You are a capable assistant completing one well-scoped task. Be direct and complete.",
}

func workerSystemPrompt(taskType string) string {
	if p, ok := workerSystemPrompts[taskType]; ok {
		return p
	}
	return workerSystemPrompts["general"]
}
