// Package config defines the typed configuration surface. Construction
// and file handling belong to the caller; subsystem constructors accept
// these structs directly.
package config

import (
	"fmt"
	"time"

	"github.com/haasonsaas/relay/internal/routing"
)

// Config is the full gateway configuration.
type Config struct {
	Agents   AgentsConfig   `yaml:"agents"`
	Security SecurityConfig `yaml:"security"`
	Nodes    NodesConfig    `yaml:"nodes"`
	Exec     ExecConfig     `yaml:"exec"`
}

// AgentsConfig groups the agent-loop subsystems.
type AgentsConfig struct {
	Defaults          DefaultsConfig          `yaml:"defaults"`
	TieredRouting     TieredRoutingConfig     `yaml:"tiered_routing"`
	Swarm             SwarmConfig             `yaml:"swarm"`
	Memory            MemoryConfig            `yaml:"memory"`
	SelfHeal          SelfHealConfig          `yaml:"self_heal"`
	ToolReinforcement ToolReinforcementConfig `yaml:"tool_reinforcement"`
	Profiler          ProfilerConfig          `yaml:"profiler"`
}

// DefaultsConfig is the base agent behavior.
type DefaultsConfig struct {
	Workspace         string  `yaml:"workspace"`
	Model             string  `yaml:"model"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
	MaxToolIterations int     `yaml:"max_tool_iterations"`
}

// TieredRoutingConfig selects models by message class.
type TieredRoutingConfig struct {
	Enabled bool           `yaml:"enabled"`
	Routing routing.Config `yaml:",inline"`
}

// SwarmConfig controls multi-agent decomposition.
type SwarmConfig struct {
	Enabled             bool   `yaml:"enabled"`
	MaxWorkers          int    `yaml:"max_workers"`
	WorkerModel         string `yaml:"worker_model"`
	OrchestratorModel   string `yaml:"orchestrator_model"`
	AutoTrigger         bool   `yaml:"auto_trigger"`
	ComplexityThreshold int    `yaml:"complexity_threshold"`
}

// MemoryConfig controls the memory store and hybrid search.
type MemoryConfig struct {
	Enabled                 bool    `yaml:"enabled"`
	VectorSearch            bool    `yaml:"vector_search"`
	ContextMemories         int     `yaml:"context_memories"`
	AutoExtractFacts        bool    `yaml:"auto_extract_facts"`
	SaveCompactionSummaries bool    `yaml:"save_compaction_summaries"`
	VectorWeight            float64 `yaml:"vector_weight"`
	KeywordWeight           float64 `yaml:"keyword_weight"`
	RecencyWeight           float64 `yaml:"recency_weight"`
	RecencyDays             int     `yaml:"recency_days"`
}

// SelfHealConfig tunes tool retries and circuit breakers.
type SelfHealConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	MaxToolRetries          int           `yaml:"max_tool_retries"`
	RetryBaseDelay          time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay           time.Duration `yaml:"retry_max_delay"`
	RetryExponentialBase    float64       `yaml:"retry_exponential_base"`
	CircuitBreakerThreshold int           `yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `yaml:"circuit_breaker_cooldown"`
	SwarmMaxRetries         int           `yaml:"swarm_max_retries"`
}

// ToolReinforcementConfig tunes the tool advisor.
type ToolReinforcementConfig struct {
	Enabled                     bool    `yaml:"enabled"`
	PreValidation               bool    `yaml:"pre_validation"`
	AdaptiveSelection           bool    `yaml:"adaptive_selection"`
	MinCallsForConfidence       int     `yaml:"min_calls_for_confidence"`
	DefaultConfidence           float64 `yaml:"default_confidence"`
	ErrorWarningThreshold       float64 `yaml:"error_warning_threshold"`
	SuggestAlternativeThreshold float64 `yaml:"suggest_alternative_threshold"`
}

// ProfilerConfig tunes model interviewing.
type ProfilerConfig struct {
	Enabled           bool          `yaml:"enabled"`
	InterviewerModel  string        `yaml:"interviewer_model"`
	AutoInterview     bool          `yaml:"auto_interview"`
	ProfileMaxAgeDays int           `yaml:"profile_max_age_days"`
	QuickAssessOnFail bool          `yaml:"quick_assess_on_failure"`
	TestTimeout       time.Duration `yaml:"test_timeout"`
}

// SecurityConfig holds the tool-access policy.
type SecurityConfig struct {
	ToolPolicy ToolPolicyConfig `yaml:"tool_policy"`
}

// ToolPolicyConfig mirrors the executor's policy lists. Names may be
// literals, globs, or @group references.
type ToolPolicyConfig struct {
	Allow           []string `yaml:"allow"`
	Deny            []string `yaml:"deny"`
	RequireApproval []string `yaml:"require_approval"`
	RequireElevated []string `yaml:"require_elevated"`
}

// NodesConfig controls the gateway side of the node protocol.
type NodesConfig struct {
	Enabled      bool          `yaml:"enabled"`
	AuthToken    string        `yaml:"auth_token"`
	AutoApprove  bool          `yaml:"auto_approve"`
	PingInterval time.Duration `yaml:"ping_interval"`
	RegistryPath string        `yaml:"registry_path"`
}

// ExecConfig controls the exec tool's dispatch.
type ExecConfig struct {
	Host            string        `yaml:"host"`
	Node            string        `yaml:"node"`
	FallbackToLocal bool          `yaml:"fallback_to_local"`
	Timeout         time.Duration `yaml:"timeout"`
	AllowByDefault  bool          `yaml:"allow_by_default"`
	UseDefaultSafe  bool          `yaml:"use_default_safe"`
	UseDefaultDeny  bool          `yaml:"use_default_deny"`
}

// Default returns the configuration defaults.
func Default() Config {
	return Config{
		Agents: AgentsConfig{
			Defaults: DefaultsConfig{
				MaxTokens:         4096,
				Temperature:       0.7,
				MaxToolIterations: 10,
			},
			Swarm: SwarmConfig{
				MaxWorkers:          3,
				ComplexityThreshold: 120,
			},
			Memory: MemoryConfig{
				VectorSearch:    true,
				ContextMemories: 3,
				VectorWeight:    0.6,
				KeywordWeight:   0.3,
				RecencyWeight:   0.1,
				RecencyDays:     30,
			},
			SelfHeal: SelfHealConfig{
				Enabled:                 true,
				MaxToolRetries:          3,
				RetryBaseDelay:          time.Second,
				RetryMaxDelay:           30 * time.Second,
				RetryExponentialBase:    2,
				CircuitBreakerThreshold: 5,
				CircuitBreakerCooldown:  300 * time.Second,
				SwarmMaxRetries:         2,
			},
			ToolReinforcement: ToolReinforcementConfig{
				Enabled:                     true,
				MinCallsForConfidence:       5,
				DefaultConfidence:           0.5,
				ErrorWarningThreshold:       0.4,
				SuggestAlternativeThreshold: 0.3,
			},
			Profiler: ProfilerConfig{
				ProfileMaxAgeDays: 30,
				TestTimeout:       60 * time.Second,
			},
		},
		Nodes: NodesConfig{
			PingInterval: 30 * time.Second,
		},
		Exec: ExecConfig{
			Host:           "local",
			Timeout:        60 * time.Second,
			UseDefaultSafe: true,
			UseDefaultDeny: true,
		},
	}
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Agents.Defaults.MaxToolIterations < 0 {
		return fmt.Errorf("config: max_tool_iterations must not be negative")
	}
	if c.Agents.Defaults.Temperature < 0 || c.Agents.Defaults.Temperature > 2 {
		return fmt.Errorf("config: temperature must be in [0,2]")
	}
	if w := c.Agents.Memory; w.VectorWeight < 0 || w.KeywordWeight < 0 || w.RecencyWeight < 0 {
		return fmt.Errorf("config: memory weights must not be negative")
	}
	if c.Agents.SelfHeal.RetryExponentialBase < 1 && c.Agents.SelfHeal.RetryExponentialBase != 0 {
		return fmt.Errorf("config: retry_exponential_base must be at least 1")
	}
	if c.Nodes.Enabled && c.Nodes.AuthToken == "" {
		return fmt.Errorf("config: nodes.auth_token is required when nodes are enabled")
	}
	switch c.Exec.Host {
	case "", "local", "node":
	default:
		return fmt.Errorf("config: exec.host must be local or node")
	}
	if c.Agents.TieredRouting.Enabled && len(c.Agents.TieredRouting.Routing.Tiers) == 0 {
		return fmt.Errorf("config: tiered_routing.tiers is required when routing is enabled")
	}
	return nil
}
