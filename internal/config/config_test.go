package config

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const sampleYAML = `
agents:
  defaults:
    model: gpt-4o
    max_tokens: 2048
    max_tool_iterations: 6
  tiered_routing:
    enabled: true
    classifier_model: gpt-4o-mini
    fallback_tier: deep
    tiers:
      - name: fast
        models: [gpt-4o-mini]
        triggers: [simple]
      - name: deep
        models: [gpt-4o, claude-sonnet]
        triggers: [code, research]
  swarm:
    enabled: true
    max_workers: 4
    auto_trigger: true
  self_heal:
    max_tool_retries: 5
    retry_base_delay: 2s
    circuit_breaker_cooldown: 5m
security:
  tool_policy:
    allow: ["*"]
    deny: ["@dangerous"]
    require_approval: [exec]
nodes:
  enabled: true
  auth_token: sekrit
  ping_interval: 15s
exec:
  host: node
  node: laptop
  fallback_to_local: true
`

func TestUnmarshalOverDefaults(t *testing.T) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(sampleYAML), &cfg); err != nil {
		t.Fatal(err)
	}

	if cfg.Agents.Defaults.Model != "gpt-4o" || cfg.Agents.Defaults.MaxTokens != 2048 {
		t.Errorf("defaults: %+v", cfg.Agents.Defaults)
	}
	// Untouched defaults survive the merge.
	if cfg.Agents.Defaults.Temperature != 0.7 {
		t.Errorf("temperature default lost: %v", cfg.Agents.Defaults.Temperature)
	}

	routing := cfg.Agents.TieredRouting
	if !routing.Enabled || routing.Routing.FallbackTier != "deep" || len(routing.Routing.Tiers) != 2 {
		t.Errorf("routing: %+v", routing)
	}
	if routing.Routing.Tiers[1].Models[1] != "claude-sonnet" {
		t.Errorf("tiers: %+v", routing.Routing.Tiers)
	}

	if cfg.Agents.SelfHeal.RetryBaseDelay != 2*time.Second || cfg.Agents.SelfHeal.CircuitBreakerCooldown != 5*time.Minute {
		t.Errorf("self heal: %+v", cfg.Agents.SelfHeal)
	}
	if cfg.Security.ToolPolicy.Deny[0] != "@dangerous" {
		t.Errorf("policy: %+v", cfg.Security.ToolPolicy)
	}
	if !cfg.Nodes.Enabled || cfg.Nodes.PingInterval != 15*time.Second {
		t.Errorf("nodes: %+v", cfg.Nodes)
	}
	if cfg.Exec.Host != "node" || cfg.Exec.Node != "laptop" || !cfg.Exec.FallbackToLocal {
		t.Errorf("exec: %+v", cfg.Exec)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults pass", func(c *Config) {}, false},
		{"negative iterations", func(c *Config) { c.Agents.Defaults.MaxToolIterations = -1 }, true},
		{"temperature out of range", func(c *Config) { c.Agents.Defaults.Temperature = 2.5 }, true},
		{"negative memory weight", func(c *Config) { c.Agents.Memory.VectorWeight = -0.1 }, true},
		{"nodes without token", func(c *Config) { c.Nodes.Enabled = true }, true},
		{"bad exec host", func(c *Config) { c.Exec.Host = "cloud" }, true},
		{"routing without tiers", func(c *Config) { c.Agents.TieredRouting.Enabled = true }, true},
		{"shrinking retry base", func(c *Config) { c.Agents.SelfHeal.RetryExponentialBase = 0.5 }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
