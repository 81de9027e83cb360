package agent

import "strings"

const defaultComplexityThreshold = 120

// multiStepMarkers suggest the request decomposes into subtasks.
var multiStepMarkers = []string{
	"step by step", "first", "then", "finally", "compare", "research",
	"analyze", "plan and", "break down", "and also",
}

// complexityScore estimates how much a message would benefit from
// decomposition. It counts words, with bonuses for list structure and
// multi-step phrasing.
func complexityScore(content string) int {
	score := len(strings.Fields(content))
	lower := strings.ToLower(content)
	for _, marker := range multiStepMarkers {
		if strings.Contains(lower, marker) {
			score += 15
		}
	}
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			score += 10
			continue
		}
		if len(trimmed) > 2 && trimmed[0] >= '1' && trimmed[0] <= '9' && (trimmed[1] == '.' || trimmed[1] == ')') {
			score += 10
		}
	}
	return score
}
