package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultCooldown    = 300 * time.Second
)

// Registry routes model ids to back-ends and executes fallback chains.
// A call for model M runs against the first available member of
// [M, fallbacks(M)...]; a success resets that model's health, a failure
// marks it unhealthy for the cooldown window.
type Registry struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	timeout  time.Duration
	cooldown time.Duration
	now      func() time.Time

	mu        sync.RWMutex
	backends  []registered
	fallbacks map[string][]string
	health    map[string]Health
	usage     models.Usage
}

type registered struct {
	backend  Backend
	prefixes []string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithCallTimeout overrides the default 30s per-backend call timeout.
func WithCallTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithCooldown overrides the default 300s unhealthy-model cooldown.
func WithCooldown(d time.Duration) RegistryOption {
	return func(r *Registry) { r.cooldown = d }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger:    slog.Default(),
		timeout:   defaultCallTimeout,
		cooldown:  defaultCooldown,
		now:       time.Now,
		fallbacks: make(map[string][]string),
		health:    make(map[string]Health),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a backend serving models with the given id prefixes.
// A backend registered with no prefixes is the catch-all; the first
// prefix match wins, in registration order.
func (r *Registry) Register(b Backend, prefixes ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends = append(r.backends, registered{backend: b, prefixes: prefixes})
}

// SetFallbacks declares the fallback chain tried after model fails.
func (r *Registry) SetFallbacks(model string, fallbacks ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[model] = append([]string(nil), fallbacks...)
}

// Health returns the availability record for a model. Unknown models
// report healthy.
func (r *Registry) Health(model string) Health {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.health[model]; ok {
		return h
	}
	return Health{Healthy: true}
}

// Usage returns accumulated token totals across all calls.
func (r *Registry) Usage() models.Usage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.usage
}

// MarkSuccess resets a model's health after an externally observed success.
func (r *Registry) MarkSuccess(model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.health[model] = Health{Healthy: true}
}

// MarkFailure records an externally observed failure against a model.
func (r *Registry) MarkFailure(model string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markFailureLocked(model, err)
}

func (r *Registry) markFailureLocked(model string, err error) {
	h := r.health[model]
	h.Healthy = false
	h.FailureCount++
	h.LastFailure = r.now()
	h.CooldownUntil = h.LastFailure.Add(r.cooldown)
	if err != nil {
		h.LastError = err.Error()
	}
	r.health[model] = h
}

// Chat executes the request against the fallback chain for req.Model.
// It never returns an error: when every candidate fails or is cooling
// down, the response carries FinishReason "error" and the last error as
// content.
func (r *Registry) Chat(ctx context.Context, req *ChatRequest) *ChatResponse {
	var lastErr error
	for _, model := range r.chain(req.Model) {
		backend := r.backendFor(model)
		if backend == nil {
			lastErr = fmt.Errorf("no backend registered for model %q", model)
			continue
		}
		if !r.Health(model).Available(r.now()) {
			r.logger.Debug("model cooling down, skipping", "model", model)
			if lastErr == nil {
				lastErr = fmt.Errorf("model %q cooling down: %s", model, r.Health(model).LastError)
			}
			continue
		}

		resp, err := r.call(ctx, backend, model, req)
		if err != nil {
			r.logger.Warn("provider call failed",
				"backend", backend.Name(), "model", model, "error", err)
			r.countRequest(model, "error")
			r.MarkFailure(model, err)
			lastErr = err
			continue
		}

		r.MarkSuccess(model)
		r.countRequest(model, "success")
		r.countTokens(model, resp.Usage)
		r.addUsage(resp.Usage)
		resp.Model = model
		return resp
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no models configured for %q", req.Model)
	}
	return &ChatResponse{
		Content:      lastErr.Error(),
		FinishReason: FinishError,
		Model:        req.Model,
	}
}

// ChatStream starts a stream against the first available model in the
// chain. Unlike Chat, a mid-stream failure is surfaced on the channel
// rather than retried against a fallback; only connection-time errors
// advance the chain.
func (r *Registry) ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, string, error) {
	var lastErr error
	for _, model := range r.chain(req.Model) {
		backend := r.backendFor(model)
		if backend == nil {
			lastErr = fmt.Errorf("no backend registered for model %q", model)
			continue
		}
		if !r.Health(model).Available(r.now()) {
			continue
		}

		sub := *req
		sub.Model = model
		raw, err := backend.ChatStream(ctx, &sub)
		if err != nil {
			r.MarkFailure(model, err)
			lastErr = err
			continue
		}
		return r.watchStream(raw, model), model, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no models configured for %q", req.Model)
	}
	return nil, "", lastErr
}

// watchStream forwards chunks while updating health, usage, and metrics
// from the terminal chunk.
func (r *Registry) watchStream(in <-chan StreamChunk, model string) <-chan StreamChunk {
	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		for chunk := range in {
			if chunk.Done {
				if chunk.Err != nil {
					r.MarkFailure(model, chunk.Err)
					r.countRequest(model, "error")
				} else {
					r.MarkSuccess(model)
					r.countRequest(model, "success")
					r.countTokens(model, chunk.Usage)
					r.addUsage(chunk.Usage)
				}
			}
			out <- chunk
		}
	}()
	return out
}

func (r *Registry) call(ctx context.Context, backend Backend, model string, req *ChatRequest) (*ChatResponse, error) {
	sub := *req
	sub.Model = model

	callCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := backend.Chat(callCtx, &sub)
	if r.metrics != nil {
		r.metrics.ProviderRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	}
	return resp, err
}

func (r *Registry) countRequest(model, status string) {
	if r.metrics != nil {
		r.metrics.ProviderRequests.WithLabelValues(model, status).Inc()
	}
}

func (r *Registry) countTokens(model string, u models.Usage) {
	if r.metrics == nil {
		return
	}
	r.metrics.ProviderTokens.WithLabelValues(model, "prompt").Add(float64(u.PromptTokens))
	r.metrics.ProviderTokens.WithLabelValues(model, "completion").Add(float64(u.CompletionTokens))
}

// chain returns [model, fallbacks...] without duplicates.
func (r *Registry) chain(model string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain := []string{model}
	seen := map[string]bool{model: true}
	for _, fb := range r.fallbacks[model] {
		if !seen[fb] {
			seen[fb] = true
			chain = append(chain, fb)
		}
	}
	return chain
}

func (r *Registry) backendFor(model string) Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var catchAll Backend
	for _, reg := range r.backends {
		if len(reg.prefixes) == 0 {
			if catchAll == nil {
				catchAll = reg.backend
			}
			continue
		}
		for _, p := range reg.prefixes {
			if strings.HasPrefix(model, p) {
				return reg.backend
			}
		}
	}
	return catchAll
}

func (r *Registry) addUsage(u models.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage.Add(u)
}
