package models

import "time"

// ToolUsageStats tracks outcomes for one (model, tool) pair.
type ToolUsageStats struct {
	ModelID         string         `json:"model_id"`
	ToolName        string         `json:"tool_name"`
	TotalCalls      int            `json:"total_calls"`
	SuccessfulCalls int            `json:"successful_calls"`
	TotalLatencyMS  int64          `json:"total_latency_ms"`
	LastUsed        time.Time      `json:"last_used,omitempty"`
	ErrorCounts     map[string]int `json:"error_counts,omitempty"`
}

// SuccessRate returns the observed success rate, or 0 with no calls.
func (s *ToolUsageStats) SuccessRate() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.SuccessfulCalls) / float64(s.TotalCalls)
}

// AverageLatencyMS returns the mean call latency in milliseconds.
func (s *ToolUsageStats) AverageLatencyMS() float64 {
	if s.TotalCalls == 0 {
		return 0
	}
	return float64(s.TotalLatencyMS) / float64(s.TotalCalls)
}

// DominantErrorCategory returns the most frequent error bucket and its
// share of total calls.
func (s *ToolUsageStats) DominantErrorCategory() (string, float64) {
	var top string
	var topCount int
	for cat, n := range s.ErrorCounts {
		if n > topCount {
			top, topCount = cat, n
		}
	}
	if s.TotalCalls == 0 || top == "" {
		return "", 0
	}
	return top, float64(topCount) / float64(s.TotalCalls)
}
