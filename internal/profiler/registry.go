package profiler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

const flushEvery = 100

// Registry persists model profiles and answers capability queries for
// the router and swarm.
type Registry struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	profiles map[string]*models.ModelProfile
	updates  int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithRegistryNow overrides the clock, for tests.
func WithRegistryNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

type profilesDocument struct {
	Version   int                             `json:"version"`
	UpdatedAt time.Time                       `json:"updated_at"`
	Profiles  map[string]*models.ModelProfile `json:"profiles"`
}

// NewRegistry opens the profile store. An empty path keeps profiles in
// memory only.
func NewRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		path:     path,
		logger:   slog.Default(),
		now:      time.Now,
		profiles: make(map[string]*models.ModelProfile),
	}
	for _, opt := range opts {
		opt(r)
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("profiler: read profiles: %w", err)
	}
	var doc profilesDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("profiler: parse profiles: %w", err)
	}
	if doc.Profiles != nil {
		r.profiles = doc.Profiles
	}
	return r, nil
}

// Get returns the profile for a model, or nil.
func (r *Registry) Get(model string) *models.ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p := r.profiles[model]
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Save stores a profile and flushes to disk.
func (r *Registry) Save(profile *models.ModelProfile) error {
	if profile == nil || profile.ModelID == "" {
		return fmt.Errorf("profiler: profile missing model id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// A full interview replaces runtime history; a quick assessment
	// keeps what the old profile learned at runtime.
	if old := r.profiles[profile.ModelID]; old != nil && profile.Runtime.TotalCalls == 0 {
		profile.Runtime = old.Runtime
	}
	r.profiles[profile.ModelID] = profile
	return r.saveLocked()
}

// All returns every stored profile.
func (r *Registry) All() []*models.ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.ModelProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// BestForTask picks the available model with the highest task
// suitability. Unprofiled models are skipped; ok is false when nothing
// qualifies.
func (r *Registry) BestForTask(taskType string, available []string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	best := ""
	bestScore := -1.0
	for _, model := range available {
		p := r.profiles[model]
		if p == nil {
			continue
		}
		if score := p.TaskSuitability(taskType); score > bestScore {
			best, bestScore = model, score
		}
	}
	return best, best != ""
}

// ModelsByCapability returns models whose named axis meets the minimum,
// best first.
func (r *Registry) ModelsByCapability(axis string, min float64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	type ranked struct {
		model string
		score float64
	}
	var hits []ranked
	for model, p := range r.profiles {
		if score := p.Scores.Axis(axis); score >= min {
			hits = append(hits, ranked{model, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].model < hits[j].model
	})
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.model
	}
	return out
}

// RoleRecommendation pairs a model with its role suitability.
type RoleRecommendation struct {
	ModelID string  `json:"model_id"`
	Score   float64 `json:"score"`
}

// RoleRecommendations ranks available models for a role, top N first.
// Models failing the role's minimum axes score zero and are dropped.
func (r *Registry) RoleRecommendations(role string, available []string, topN int) []RoleRecommendation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []RoleRecommendation
	for _, model := range available {
		p := r.profiles[model]
		if p == nil {
			continue
		}
		if score := p.RoleSuitability(role); score > 0 {
			out = append(out, RoleRecommendation{ModelID: model, Score: score})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ModelID < out[j].ModelID
	})
	if topN > 0 && len(out) > topN {
		out = out[:topN]
	}
	return out
}

// NeedsReinterview reports whether a model has no profile, an outdated
// profile version, a quick-only profile, or a profile older than
// maxAge.
func (r *Registry) NeedsReinterview(model string, maxAge time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p := r.profiles[model]
	if p == nil {
		return true
	}
	if p.ProfileVersion < profileVersion || p.Quick {
		return true
	}
	return maxAge > 0 && r.now().Sub(p.InterviewedAt) > maxAge
}

// RuntimeUpdate is one observed provider call outcome.
type RuntimeUpdate struct {
	Success bool

	// ToolSuccess is set when the call involved tool execution.
	ToolSuccess *bool

	Tokens    int64
	Latency   time.Duration
	ErrorType string
}

// UpdateRuntimeStats folds a runtime observation into the model's
// rolling stats, flushing to disk every 100 updates.
func (r *Registry) UpdateRuntimeStats(model string, update RuntimeUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := r.profiles[model]
	if p == nil {
		// Runtime data for unprofiled models still accumulates; the
		// interview fills in the rest later.
		p = &models.ModelProfile{ModelID: model}
		r.profiles[model] = p
	}

	p.Runtime.TotalCalls++
	if update.Success {
		p.Runtime.SuccessfulCalls++
	}
	if update.ToolSuccess != nil {
		p.Runtime.ToolCalls++
		if *update.ToolSuccess {
			p.Runtime.ToolSuccesses++
		}
	}
	p.Runtime.TotalTokens += update.Tokens
	p.Runtime.TotalLatencyMS += update.Latency.Milliseconds()
	if update.ErrorType != "" {
		if p.Runtime.ErrorCounts == nil {
			p.Runtime.ErrorCounts = make(map[string]int)
		}
		p.Runtime.ErrorCounts[update.ErrorType]++
	}
	p.Runtime.LastUsed = r.now().UTC()

	r.updates++
	if r.updates%flushEvery == 0 {
		if err := r.saveLocked(); err != nil {
			r.logger.Warn("failed to flush profiles", "error", err)
		}
	}
}

// Flush forces a disk write.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	doc := profilesDocument{
		Version:   profileVersion,
		UpdatedAt: r.now().UTC(),
		Profiles:  r.profiles,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("profiler: marshal profiles: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("profiler: create profile dir: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("profiler: write profiles: %w", err)
	}
	return os.Rename(tmp, r.path)
}
