// Package routing picks a model for each request: classify the request
// into a task label, find the first tier whose triggers match, then the
// first healthy model in that tier.
package routing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/providers"
)

// Tier is one rung of the routing ladder.
type Tier struct {
	Name     string   `yaml:"name" json:"name"`
	Models   []string `yaml:"models" json:"models"`
	Triggers []string `yaml:"triggers" json:"triggers"`
}

// Config is the ordered tier table.
type Config struct {
	Tiers        []Tier `yaml:"tiers" json:"tiers"`
	FallbackTier string `yaml:"fallback_tier" json:"fallback_tier"`

	// ClassifierModel, when set, upgrades classification from the
	// keyword rules to a model call.
	ClassifierModel string `yaml:"classifier_model" json:"classifier_model"`
}

// HealthSource reports per-model availability, as tracked by the
// provider registry.
type HealthSource interface {
	Health(model string) providers.Health
}

// Decision is the routing outcome for one request.
type Decision struct {
	Model string `json:"model"`
	Tier  string `json:"tier"`
	Label string `json:"label"`

	// Degraded is set when every model in the chosen tier was
	// unhealthy and the router settled for the first one anyway.
	Degraded bool `json:"degraded,omitempty"`
}

// modelMark tracks the router's own success/failure observations.
type modelMark struct {
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	LastSuccess time.Time `json:"last_success,omitzero"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Router is the tiered model router.
type Router struct {
	cfg    Config
	health HealthSource
	chat   ChatClient
	logger *slog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	marks map[string]*modelMark
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithClassifierClient enables model-based classification. Without it
// the router always uses the keyword rules.
func WithClassifierClient(chat ChatClient) Option {
	return func(r *Router) { r.chat = chat }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// New builds a router over the tier table.
func New(cfg Config, health HealthSource, opts ...Option) (*Router, error) {
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("routing: no tiers configured")
	}
	if cfg.FallbackTier != "" && findTier(cfg.Tiers, cfg.FallbackTier) == nil {
		return nil, fmt.Errorf("routing: fallback tier %q not defined", cfg.FallbackTier)
	}
	r := &Router{
		cfg:    cfg,
		health: health,
		logger: slog.Default(),
		now:    time.Now,
		marks:  make(map[string]*modelMark),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Route classifies the request and picks a model.
func (r *Router) Route(ctx context.Context, content string) (Decision, error) {
	label := r.classify(ctx, content)

	tier := r.tierFor(label)
	if tier == nil {
		return Decision{}, fmt.Errorf("routing: no tier matches label %q and no fallback tier", label)
	}
	if len(tier.Models) == 0 {
		return Decision{}, fmt.Errorf("routing: tier %q has no models", tier.Name)
	}

	d := Decision{Tier: tier.Name, Label: label}
	for _, model := range tier.Models {
		if r.available(model) {
			d.Model = model
			r.logger.Debug("routed request", "label", label, "tier", tier.Name, "model", model)
			return d, nil
		}
	}

	// Whole tier cooling down: hand back the first model and let the
	// provider fallback chain deal with it.
	d.Model = tier.Models[0]
	d.Degraded = true
	r.logger.Warn("no healthy model in tier, routing degraded", "tier", tier.Name, "model", d.Model)
	return d, nil
}

func (r *Router) classify(ctx context.Context, content string) string {
	if r.chat != nil && r.cfg.ClassifierModel != "" {
		return classifyModel(ctx, r.chat, r.cfg.ClassifierModel, content)
	}
	return ClassifyRules(content)
}

func (r *Router) tierFor(label string) *Tier {
	for i := range r.cfg.Tiers {
		for _, trigger := range r.cfg.Tiers[i].Triggers {
			if trigger == label {
				return &r.cfg.Tiers[i]
			}
		}
	}
	if r.cfg.FallbackTier != "" {
		return findTier(r.cfg.Tiers, r.cfg.FallbackTier)
	}
	return nil
}

func (r *Router) available(model string) bool {
	if r.health == nil {
		return true
	}
	return r.health.Health(model).Available(r.now())
}

// MarkSuccess records that a routed call succeeded.
func (r *Router) MarkSuccess(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.mark(model)
	m.Successes++
	m.LastSuccess = r.now()
}

// MarkFailure records that a routed call failed.
func (r *Router) MarkFailure(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.mark(model)
	m.Failures++
	m.LastFailure = r.now()
}

func (r *Router) mark(model string) *modelMark {
	m := r.marks[model]
	if m == nil {
		m = &modelMark{}
		r.marks[model] = m
	}
	return m
}

// ModelStatus is one row of the status view.
type ModelStatus struct {
	Model     string `json:"model"`
	Available bool   `json:"available"`
	Successes int    `json:"successes"`
	Failures  int    `json:"failures"`
}

// TierStatus is the read-only view of one tier.
type TierStatus struct {
	Name     string        `json:"name"`
	Triggers []string      `json:"triggers"`
	Models   []ModelStatus `json:"models"`
}

// Status returns the tier table with per-model health and marks.
func (r *Router) Status() []TierStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]TierStatus, 0, len(r.cfg.Tiers))
	for _, tier := range r.cfg.Tiers {
		ts := TierStatus{Name: tier.Name, Triggers: append([]string(nil), tier.Triggers...)}
		for _, model := range tier.Models {
			ms := ModelStatus{Model: model, Available: r.available(model)}
			if m := r.marks[model]; m != nil {
				ms.Successes = m.Successes
				ms.Failures = m.Failures
			}
			ts.Models = append(ts.Models, ms)
		}
		out = append(out, ts)
	}
	return out
}

func findTier(tiers []Tier, name string) *Tier {
	for i := range tiers {
		if tiers[i].Name == name {
			return &tiers[i]
		}
	}
	return nil
}
