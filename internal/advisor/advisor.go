// Package advisor tracks per-(model, tool) outcomes and feeds them back
// into tool selection: confidence scores, warnings, and alternative
// suggestions for combinations with a bad record.
package advisor

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// Error buckets for categorized failure counts.
const (
	ErrCategoryTimeout       = "timeout"
	ErrCategoryPermission    = "permission"
	ErrCategoryNotFound      = "not_found"
	ErrCategoryInvalidParams = "invalid_params"
	ErrCategoryRateLimit     = "rate_limit"
	ErrCategoryOther         = "other"
)

// alternatives maps tools to an equivalent to suggest when confidence
// in the current pairing drops.
var alternatives = map[string]string{
	"edit_file":  "write_file",
	"web_fetch":  "web_search",
	"exec":       "read_file",
	"write_file": "edit_file",
}

// Config tunes recommendation scoring.
type Config struct {
	// MinCallsForConfidence is the sample size below which the observed
	// rate is not trusted.
	MinCallsForConfidence int

	// DefaultConfidence is used under the sample-size floor.
	DefaultConfidence float64

	// ErrorWarningThreshold is the dominant-error share that triggers a
	// warning and a penalty.
	ErrorWarningThreshold float64

	// SuggestAlternativeThreshold is the confidence below which an
	// alternative tool is suggested.
	SuggestAlternativeThreshold float64

	// FlushEvery persists stats after this many updates. Zero disables
	// periodic flushing.
	FlushEvery int
}

// DefaultConfig returns the tool-reinforcement defaults.
func DefaultConfig() Config {
	return Config{
		MinCallsForConfidence:       5,
		DefaultConfidence:           0.7,
		ErrorWarningThreshold:       0.3,
		SuggestAlternativeThreshold: 0.5,
		FlushEvery:                  10,
	}
}

// Recommendation advises on one (model, tool) pairing.
type Recommendation struct {
	Confidence  float64  `json:"confidence"`
	Reason      string   `json:"reason"`
	Alternative string   `json:"alternative,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// LeaderboardEntry ranks a model on one tool.
type LeaderboardEntry struct {
	ModelID     string  `json:"model_id"`
	SuccessRate float64 `json:"success_rate"`
	TotalCalls  int     `json:"total_calls"`
	AvgLatency  float64 `json:"avg_latency_ms"`
}

// Combination names a (model, tool) pair with its observed rate.
type Combination struct {
	ModelID     string  `json:"model_id"`
	ToolName    string  `json:"tool_name"`
	SuccessRate float64 `json:"success_rate"`
	TotalCalls  int     `json:"total_calls"`
}

// Advisor owns the stats map. The executor is the single writer; the
// router and recommendation queries are readers.
type Advisor struct {
	cfg    Config
	logger *slog.Logger
	store  *statsFile
	now    func() time.Time

	mu      sync.RWMutex
	stats   map[string]*models.ToolUsageStats
	updates int
}

// Option configures an Advisor.
type Option func(*Advisor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Advisor) { a.logger = logger }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(a *Advisor) { a.now = now }
}

// New creates an advisor persisting to path. An empty path keeps stats
// in memory only. Existing stats are loaded from disk.
func New(path string, cfg Config, opts ...Option) (*Advisor, error) {
	a := &Advisor{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		stats:  make(map[string]*models.ToolUsageStats),
	}
	for _, opt := range opts {
		opt(a)
	}
	if path != "" {
		a.store = &statsFile{path: path}
		loaded, err := a.store.load()
		if err != nil {
			return nil, err
		}
		if loaded != nil {
			a.stats = loaded
		}
	}
	return a, nil
}

func key(model, tool string) string { return model + ":" + tool }

// Record registers one tool call outcome.
func (a *Advisor) Record(model, tool string, success bool, latency time.Duration, errText string) {
	a.mu.Lock()
	s := a.stats[key(model, tool)]
	if s == nil {
		s = &models.ToolUsageStats{ModelID: model, ToolName: tool}
		a.stats[key(model, tool)] = s
	}
	s.TotalCalls++
	if success {
		s.SuccessfulCalls++
	} else {
		if s.ErrorCounts == nil {
			s.ErrorCounts = make(map[string]int)
		}
		s.ErrorCounts[categorize(errText)]++
	}
	s.TotalLatencyMS += latency.Milliseconds()
	s.LastUsed = a.now()

	a.updates++
	flush := a.cfg.FlushEvery > 0 && a.updates%a.cfg.FlushEvery == 0
	a.mu.Unlock()

	if flush {
		if err := a.Save(); err != nil {
			a.logger.Warn("advisor flush failed", "error", err)
		}
	}
}

// Stats returns a copy of the stats for one pairing, nil if unseen.
func (a *Advisor) Stats(model, tool string) *models.ToolUsageStats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := a.stats[key(model, tool)]
	if s == nil {
		return nil
	}
	out := *s
	out.ErrorCounts = copyCounts(s.ErrorCounts)
	return &out
}

// GetRecommendation scores a pairing before the executor commits to it.
func (a *Advisor) GetRecommendation(model, tool string, profile *models.ModelProfile) Recommendation {
	s := a.Stats(model, tool)

	rec := Recommendation{Confidence: a.cfg.DefaultConfidence, Reason: "no usage history"}
	if s != nil && s.TotalCalls >= a.cfg.MinCallsForConfidence {
		rec.Confidence = s.SuccessRate()
		rec.Reason = fmt.Sprintf("observed %d/%d successes", s.SuccessfulCalls, s.TotalCalls)
	}

	if s != nil {
		if cat, share := s.DominantErrorCategory(); cat != "" && share >= a.cfg.ErrorWarningThreshold {
			rec.Confidence *= 0.8
			rec.Warnings = append(rec.Warnings,
				fmt.Sprintf("frequent %s errors (%.0f%% of calls)", cat, share*100))
		}
	}

	if profile != nil {
		if tc := profile.Scores.ToolCalling; tc > 0 && tc < 0.5 {
			rec.Confidence *= 0.7
			rec.Warnings = append(rec.Warnings,
				fmt.Sprintf("model scores %.2f on tool calling", tc))
		}
		if profile.Guardrails.AvoidParallelTools {
			rec.Confidence *= 0.9
			rec.Warnings = append(rec.Warnings, "model should not run parallel tool calls")
		}
	}

	if rec.Confidence < a.cfg.SuggestAlternativeThreshold {
		if alt, ok := alternatives[tool]; ok {
			rec.Alternative = alt
		}
	}
	return rec
}

// BestModelForTool returns the model with the highest observed success
// rate on the tool, requiring at least the confidence sample size.
func (a *Advisor) BestModelForTool(tool string) (string, bool) {
	entries := a.Leaderboard(tool)
	for _, e := range entries {
		if e.TotalCalls >= a.cfg.MinCallsForConfidence {
			return e.ModelID, true
		}
	}
	return "", false
}

// Leaderboard ranks models on a tool by success rate, ties broken by
// lower latency.
func (a *Advisor) Leaderboard(tool string) []LeaderboardEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var entries []LeaderboardEntry
	for _, s := range a.stats {
		if s.ToolName != tool {
			continue
		}
		entries = append(entries, LeaderboardEntry{
			ModelID:     s.ModelID,
			SuccessRate: s.SuccessRate(),
			TotalCalls:  s.TotalCalls,
			AvgLatency:  s.AverageLatencyMS(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SuccessRate != entries[j].SuccessRate {
			return entries[i].SuccessRate > entries[j].SuccessRate
		}
		return entries[i].AvgLatency < entries[j].AvgLatency
	})
	return entries
}

// ProblematicCombinations lists pairings under maxRate with at least
// minCalls samples.
func (a *Advisor) ProblematicCombinations(minCalls int, maxRate float64) []Combination {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out []Combination
	for _, s := range a.stats {
		if s.TotalCalls < minCalls || s.SuccessRate() > maxRate {
			continue
		}
		out = append(out, Combination{
			ModelID:     s.ModelID,
			ToolName:    s.ToolName,
			SuccessRate: s.SuccessRate(),
			TotalCalls:  s.TotalCalls,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SuccessRate < out[j].SuccessRate
	})
	return out
}

// Save persists the stats file.
func (a *Advisor) Save() error {
	if a.store == nil {
		return nil
	}
	a.mu.RLock()
	snapshot := make(map[string]*models.ToolUsageStats, len(a.stats))
	for k, s := range a.stats {
		c := *s
		c.ErrorCounts = copyCounts(s.ErrorCounts)
		snapshot[k] = &c
	}
	a.mu.RUnlock()
	return a.store.save(snapshot, a.now())
}

// categorize buckets an error message for the counts map.
func categorize(errText string) string {
	text := strings.ToLower(errText)
	switch {
	case text == "":
		return ErrCategoryOther
	case strings.Contains(text, "rate limit") || strings.Contains(text, "429") || strings.Contains(text, "too many requests"):
		return ErrCategoryRateLimit
	case strings.Contains(text, "timeout") || strings.Contains(text, "timed out") || strings.Contains(text, "deadline"):
		return ErrCategoryTimeout
	case strings.Contains(text, "permission") || strings.Contains(text, "denied") || strings.Contains(text, "forbidden"):
		return ErrCategoryPermission
	case strings.Contains(text, "not found") || strings.Contains(text, "no such") || strings.Contains(text, "does not exist"):
		return ErrCategoryNotFound
	case strings.Contains(text, "invalid") || strings.Contains(text, "malformed") || strings.Contains(text, "argument"):
		return ErrCategoryInvalidParams
	default:
		return ErrCategoryOther
	}
}

func copyCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
