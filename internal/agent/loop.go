// Package agent is the core control loop: it consumes inbound
// envelopes from the bus, drives the provider conversation with tool
// execution, and emits replies back to the originating channel.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/relay/internal/advisor"
	ctxguard "github.com/haasonsaas/relay/internal/context"
	"github.com/haasonsaas/relay/internal/memory"
	"github.com/haasonsaas/relay/internal/profiler"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/routing"
	"github.com/haasonsaas/relay/internal/swarm"
	"github.com/haasonsaas/relay/internal/tools"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultMaxIterations = 10
	defaultMaxTokens     = 4096

	maxIterationsNotice = "I reached the tool-use limit for this request before finishing. Here is what I have so far; ask me to continue if you need more."
	emptyResponseNotice = "I wasn't able to produce a response for that. Please try rephrasing."
)

// Thinking levels map to sampling temperature.
const (
	ThinkingLow    = "low"
	ThinkingMedium = "medium"
	ThinkingHigh   = "high"
)

func temperatureFor(thinking string) float64 {
	switch thinking {
	case ThinkingHigh:
		return 0.3
	case ThinkingMedium:
		return 0.7
	default:
		return 0.9
	}
}

// Inbox is the loop's view of the bus consume side.
type Inbox interface {
	ConsumeInbound(ctx context.Context) (*models.Envelope, error)
}

// Outbox is the loop's view of the bus publish side.
type Outbox interface {
	PublishOutbound(ctx context.Context, out *models.Outbound) error
}

// SessionStore persists conversation history.
type SessionStore interface {
	GetOrCreate(ctx context.Context, key string) (*models.Session, error)
	Append(ctx context.Context, key string, msg models.ChatMessage) error
	History(ctx context.Context, key string) ([]models.ChatMessage, error)
}

// ChatClient performs provider completions.
type ChatClient interface {
	Chat(ctx context.Context, req *providers.ChatRequest) *providers.ChatResponse
}

// ModelRouter picks a model for a message.
type ModelRouter interface {
	Route(ctx context.Context, content string) (routing.Decision, error)
	MarkSuccess(model string)
	MarkFailure(model string)
}

// ToolExecutor runs tool calls through policy, retries, and breakers.
type ToolExecutor interface {
	ExecuteWithRetry(ctx context.Context, name string, args map[string]any, profile *models.ModelProfile, callID string) *tools.ExecutionResult
}

// ToolCatalog advertises tool definitions to the provider.
type ToolCatalog interface {
	Definitions() []models.ToolDefinition
}

// UsageRecorder feeds the tool advisor.
type UsageRecorder interface {
	Record(model, tool string, success bool, latency time.Duration, errText string)
}

// ToolAdvisor is a UsageRecorder that can also recommend before
// dispatch. The loop consults it when pre-validation or adaptive
// selection is enabled.
type ToolAdvisor interface {
	UsageRecorder
	GetRecommendation(model, tool string, profile *models.ModelProfile) advisor.Recommendation
}

// ProfileSource serves model profiles and runtime stats.
type ProfileSource interface {
	Get(model string) *models.ModelProfile
	Save(profile *models.ModelProfile) error
	UpdateRuntimeStats(model string, update profiler.RuntimeUpdate)
}

// Assessor benchmarks unprofiled models in the background.
type Assessor interface {
	QuickAssess(ctx context.Context, model string) (*models.ModelProfile, error)
}

// SwarmRunner executes complex objectives with worker agents.
type SwarmRunner interface {
	Run(ctx context.Context, objective, pattern string) (*swarm.Result, error)
}

// Compactor shrinks conversations approaching the context window.
type Compactor interface {
	NeedsCompaction(msgs []models.ChatMessage) bool
	Compact(ctx context.Context, msgs []models.ChatMessage, sessionKey string) ([]models.ChatMessage, ctxguard.Report)
}

// Recaller surfaces relevant memories for the system prompt.
type Recaller interface {
	Search(ctx context.Context, query string, topK int) ([]memory.SearchResult, error)
}

// SwarmConfig controls diversion of complex requests.
type SwarmConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// AutoTrigger diverts requests whose complexity crosses the
	// threshold even without an explicit pattern request.
	AutoTrigger         bool `yaml:"auto_trigger" json:"auto_trigger"`
	ComplexityThreshold int  `yaml:"complexity_threshold" json:"complexity_threshold"`
}

// Config tunes the loop.
type Config struct {
	// DefaultModel serves requests the router cannot place.
	DefaultModel string `yaml:"default_model" json:"default_model"`

	// ModelOverride pins every request to one model when set.
	ModelOverride string `yaml:"model_override" json:"model_override"`

	// SystemPrompt opens every conversation.
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`

	// Thinking selects the temperature band: low, medium, or high.
	Thinking string `yaml:"thinking" json:"thinking"`

	// MaxIterations caps provider calls per inbound message.
	MaxIterations int `yaml:"max_tool_iterations" json:"max_tool_iterations"`

	// MaxTokens caps each completion.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`

	Swarm SwarmConfig `yaml:"swarm" json:"swarm"`

	Advisor AdvisorConfig `yaml:"advisor" json:"advisor"`
}

// AdvisorConfig controls how tool-advisor recommendations feed back
// into the conversation.
type AdvisorConfig struct {
	// PreValidation surfaces known warnings for a model/tool pair
	// alongside the tool result.
	PreValidation bool `yaml:"pre_validation" json:"pre_validation"`

	// AdaptiveSelection suggests a better-scoring alternative tool
	// after a failure.
	AdaptiveSelection bool `yaml:"adaptive_selection" json:"adaptive_selection"`
}

// DefaultConfig returns the loop defaults.
func DefaultConfig() Config {
	return Config{
		Thinking:      ThinkingMedium,
		MaxIterations: defaultMaxIterations,
		MaxTokens:     defaultMaxTokens,
		Swarm: SwarmConfig{
			ComplexityThreshold: defaultComplexityThreshold,
		},
	}
}

// Loop is the agent control loop.
type Loop struct {
	cfg      Config
	inbox    Inbox
	outbox   Outbox
	sessions SessionStore
	chat     ChatClient
	catalog  ToolCatalog
	executor ToolExecutor

	router   ModelRouter
	advisor  UsageRecorder
	profiles ProfileSource
	assessor Assessor
	swarm    SwarmRunner
	guard    Compactor
	recall   Recaller
	cache    *responseCache
	logger   *slog.Logger

	assessing inFlight
}

// Option configures optional loop collaborators.
type Option func(*Loop)

// WithRouter enables tiered model routing.
func WithRouter(r ModelRouter) Option {
	return func(l *Loop) { l.router = r }
}

// WithAdvisor records tool outcomes per model.
func WithAdvisor(a UsageRecorder) Option {
	return func(l *Loop) { l.advisor = a }
}

// WithProfiles wires the model profile registry.
func WithProfiles(p ProfileSource) Option {
	return func(l *Loop) { l.profiles = p }
}

// WithAssessor enables background quick assessment of unknown models.
func WithAssessor(a Assessor) Option {
	return func(l *Loop) { l.assessor = a }
}

// WithSwarm enables swarm diversion.
func WithSwarm(s SwarmRunner) Option {
	return func(l *Loop) { l.swarm = s }
}

// WithGuard enables context compaction.
func WithGuard(g Compactor) Option {
	return func(l *Loop) { l.guard = g }
}

// WithRecall injects memory search results into the system prompt.
func WithRecall(r Recaller) Option {
	return func(l *Loop) { l.recall = r }
}

// WithResponseCache enables the short-lived response cache.
func WithResponseCache(ttl time.Duration, capacity int) Option {
	return func(l *Loop) { l.cache = newResponseCache(ttl, capacity) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// New builds a loop over its required collaborators.
func New(cfg Config, inbox Inbox, outbox Outbox, sessions SessionStore, chat ChatClient, catalog ToolCatalog, executor ToolExecutor, opts ...Option) (*Loop, error) {
	if inbox == nil || outbox == nil || sessions == nil || chat == nil || executor == nil {
		return nil, errors.New("agent: inbox, outbox, sessions, chat, and executor are required")
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Swarm.ComplexityThreshold <= 0 {
		cfg.Swarm.ComplexityThreshold = defaultComplexityThreshold
	}
	l := &Loop{
		cfg:      cfg,
		inbox:    inbox,
		outbox:   outbox,
		sessions: sessions,
		chat:     chat,
		catalog:  catalog,
		executor: executor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run consumes inbound envelopes until the context ends.
func (l *Loop) Run(ctx context.Context) error {
	for {
		env, err := l.inbox.ConsumeInbound(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("agent: consume inbound: %w", err)
		}
		l.Handle(ctx, env)
	}
}

// Handle processes one envelope end to end.
func (l *Loop) Handle(ctx context.Context, env *models.Envelope) {
	originFabric, originConv, err := env.Origin()
	if err != nil {
		l.logger.Warn("dropping envelope with unroutable origin", "fabric", env.Fabric, "error", err)
		return
	}
	sessionKey := models.SessionKey(originFabric, originConv)

	model := l.pickModel(ctx, env.Content)
	l.maybeAssess(model)

	var (
		final string
		turns []models.ChatMessage
	)
	switch {
	case l.shouldSwarm(env):
		final = l.runSwarm(ctx, env)
	default:
		if cached, ok := l.cachedResponse(env.Content, model); ok {
			l.logger.Debug("serving cached response", "session", sessionKey, "model", model)
			final = cached
		} else {
			final, turns = l.converse(ctx, sessionKey, env.Content, model)
			l.maybeCache(env.Content, model, final)
		}
	}
	if strings.TrimSpace(final) == "" {
		final = emptyResponseNotice
	}
	turns = append(turns, models.ChatMessage{Role: models.RoleAssistant, Content: final})

	l.persistTurn(ctx, sessionKey, env.Content, turns)
	out := &models.Outbound{Fabric: originFabric, Conversation: originConv, Content: final}
	if err := l.outbox.PublishOutbound(ctx, out); err != nil {
		l.logger.Error("failed to publish reply", "session", sessionKey, "error", err)
	}
}

// pickModel resolves override, router decision, then default.
func (l *Loop) pickModel(ctx context.Context, content string) string {
	if l.cfg.ModelOverride != "" {
		return l.cfg.ModelOverride
	}
	if l.router != nil {
		decision, err := l.router.Route(ctx, content)
		if err == nil && decision.Model != "" {
			return decision.Model
		}
		if err != nil {
			l.logger.Warn("router failed, using default model", "error", err)
		}
	}
	return l.cfg.DefaultModel
}

// maybeAssess kicks off a background quick assessment the first time
// an unprofiled model is routed to.
func (l *Loop) maybeAssess(model string) {
	if l.assessor == nil || l.profiles == nil || model == "" {
		return
	}
	if l.profiles.Get(model) != nil {
		return
	}
	if !l.assessing.begin(model) {
		return
	}
	go func() {
		defer l.assessing.end(model)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		profile, err := l.assessor.QuickAssess(ctx, model)
		if err != nil {
			l.logger.Warn("background assessment failed", "model", model, "error", err)
			return
		}
		if err := l.profiles.Save(profile); err != nil {
			l.logger.Warn("failed to save assessed profile", "model", model, "error", err)
		}
	}()
}

// converse drives the provider and tool iterations for one message.
// Besides the final text it returns the intermediate turns (assistant
// tool calls and tool results) so the session records the transcript
// the provider actually saw.
func (l *Loop) converse(ctx context.Context, sessionKey, content, model string) (string, []models.ChatMessage) {
	messages := l.buildMessages(ctx, sessionKey, content)
	temperature := temperatureFor(l.cfg.Thinking)
	profile := l.profile(model)

	var defs []models.ToolDefinition
	if l.catalog != nil {
		defs = l.catalog.Definitions()
	}

	var transcript []models.ChatMessage
	for iteration := 0; iteration < l.cfg.MaxIterations; iteration++ {
		if l.guard != nil && l.guard.NeedsCompaction(messages) {
			compacted, report := l.guard.Compact(ctx, messages, sessionKey)
			messages = compacted
			l.logger.Info("compacted conversation", "session", sessionKey,
				"before", report.OriginalTokens, "after", report.CompactedTokens)
		}

		start := time.Now()
		resp := l.chat.Chat(ctx, &providers.ChatRequest{
			Model:       model,
			Messages:    messages,
			Tools:       defs,
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: temperature,
		})
		l.observe(model, resp, time.Since(start))

		if resp == nil || resp.FinishReason == providers.FinishError {
			errText := "provider returned no response"
			if resp != nil {
				errText = resp.Content
			}
			l.logger.Error("provider call failed", "session", sessionKey, "model", model, "error", errText)
			return "", transcript
		}
		if len(resp.ToolCalls) == 0 {
			return resp.Content, transcript
		}

		assistant := models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)
		transcript = append(transcript, assistant)
		for _, call := range resp.ToolCalls {
			rec, advised := l.recommendation(model, call.Name, profile)
			result := l.executor.ExecuteWithRetry(ctx, call.Name, call.Arguments, profile, call.ID)
			if l.advisor != nil {
				l.advisor.Record(model, call.Name, result.Success, result.Elapsed, result.Error)
			}
			text := result.Text()
			if advised {
				if hint := l.advisoryHint(rec, result.Success); hint != "" {
					text += "\n" + hint
				}
			}
			toolMsg := models.ChatMessage{
				Role:       models.RoleTool,
				Content:    text,
				ToolCallID: call.ID,
				Name:       call.Name,
			}
			messages = append(messages, toolMsg)
			transcript = append(transcript, toolMsg)
		}
	}

	l.logger.Warn("request exhausted tool iterations", "session", sessionKey, "limit", l.cfg.MaxIterations)
	return maxIterationsNotice, transcript
}

// recommendation consults the advisor for a model/tool pair when
// either feedback knob is on.
func (l *Loop) recommendation(model, tool string, profile *models.ModelProfile) (advisor.Recommendation, bool) {
	if !l.cfg.Advisor.PreValidation && !l.cfg.Advisor.AdaptiveSelection {
		return advisor.Recommendation{}, false
	}
	adv, ok := l.advisor.(ToolAdvisor)
	if !ok {
		return advisor.Recommendation{}, false
	}
	return adv.GetRecommendation(model, tool, profile), true
}

// advisoryHint renders recommendation feedback for the model: known
// warnings under pre-validation, an alternative tool after a failure
// under adaptive selection.
func (l *Loop) advisoryHint(rec advisor.Recommendation, success bool) string {
	var lines []string
	if l.cfg.Advisor.PreValidation && len(rec.Warnings) > 0 {
		lines = append(lines, "Note: "+strings.Join(rec.Warnings, "; "))
	}
	if l.cfg.Advisor.AdaptiveSelection && !success && rec.Alternative != "" {
		lines = append(lines, fmt.Sprintf("Note: the %s tool has a better track record here; consider it instead.", rec.Alternative))
	}
	return strings.Join(lines, "\n")
}

// buildMessages assembles system prompt, recalled memories, history,
// and the new user turn.
func (l *Loop) buildMessages(ctx context.Context, sessionKey, content string) []models.ChatMessage {
	var messages []models.ChatMessage
	if system := l.systemPrompt(ctx, content); system != "" {
		messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: system})
	}
	history, err := l.sessions.History(ctx, sessionKey)
	if err != nil {
		l.logger.Warn("failed to load session history", "session", sessionKey, "error", err)
	}
	messages = append(messages, history...)
	return append(messages, models.ChatMessage{Role: models.RoleUser, Content: content})
}

func (l *Loop) systemPrompt(ctx context.Context, content string) string {
	prompt := l.cfg.SystemPrompt
	if l.recall == nil {
		return prompt
	}
	hits, err := l.recall.Search(ctx, content, 3)
	if err != nil || len(hits) == 0 {
		return prompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	if prompt != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("Relevant memories:")
	for _, hit := range hits {
		b.WriteString("\n- ")
		b.WriteString(hit.Entry.Content)
	}
	return b.String()
}

// observe feeds router health and profiler runtime stats.
func (l *Loop) observe(model string, resp *providers.ChatResponse, elapsed time.Duration) {
	ok := resp != nil && resp.FinishReason != providers.FinishError
	if l.router != nil {
		if ok {
			l.router.MarkSuccess(model)
		} else {
			l.router.MarkFailure(model)
		}
	}
	if l.profiles == nil {
		return
	}
	update := profiler.RuntimeUpdate{Success: ok, Latency: elapsed}
	if resp != nil {
		update.Tokens = int64(resp.Usage.TotalTokens)
		if !ok {
			update.ErrorType = string(tools.Classify(resp.Content))
		}
	}
	l.profiles.UpdateRuntimeStats(model, update)
}

func (l *Loop) profile(model string) *models.ModelProfile {
	if l.profiles == nil {
		return nil
	}
	return l.profiles.Get(model)
}

// shouldSwarm diverts explicitly requested patterns and, with
// auto-trigger, sufficiently complex objectives.
func (l *Loop) shouldSwarm(env *models.Envelope) bool {
	if l.swarm == nil || !l.cfg.Swarm.Enabled {
		return false
	}
	if env.Metadata["swarm"] != "" {
		return true
	}
	return l.cfg.Swarm.AutoTrigger && complexityScore(env.Content) >= l.cfg.Swarm.ComplexityThreshold
}

func (l *Loop) runSwarm(ctx context.Context, env *models.Envelope) string {
	pattern := env.Metadata["swarm"]
	result, err := l.swarm.Run(ctx, env.Content, pattern)
	if err != nil {
		l.logger.Error("swarm execution failed", "pattern", pattern, "error", err)
		if result != nil && result.Response != "" {
			return result.Response
		}
		return ""
	}
	return result.Response
}

// persistTurn writes the user message followed by every turn the
// exchange produced, tool calls and results included, so a reloaded
// session replays with its tool pairs intact.
func (l *Loop) persistTurn(ctx context.Context, sessionKey, content string, turns []models.ChatMessage) {
	if err := l.sessions.Append(ctx, sessionKey, models.ChatMessage{Role: models.RoleUser, Content: content}); err != nil {
		l.logger.Warn("failed to persist user turn", "session", sessionKey, "error", err)
	}
	for _, msg := range turns {
		if err := l.sessions.Append(ctx, sessionKey, msg); err != nil {
			l.logger.Warn("failed to persist turn", "session", sessionKey, "role", msg.Role, "error", err)
		}
	}
}

func (l *Loop) cachedResponse(content, model string) (string, bool) {
	if l.cache == nil {
		return "", false
	}
	return l.cache.get(content, model)
}

func (l *Loop) maybeCache(content, model, final string) {
	if l.cache == nil || final == "" {
		return
	}
	l.cache.put(content, model, final)
}

// inFlight tracks models with a background assessment running.
type inFlight struct {
	mu     sync.Mutex
	models map[string]bool
}

func (f *inFlight) begin(model string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.models == nil {
		f.models = make(map[string]bool)
	}
	if f.models[model] {
		return false
	}
	f.models[model] = true
	return true
}

func (f *inFlight) end(model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.models, model)
}
