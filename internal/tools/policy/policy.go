// Package policy decides whether a tool call may run. Rules combine
// literal names, glob patterns, and @group references; deny always wins.
package policy

import (
	"path"
	"strings"
	"sync"
)

// Decision is the outcome of a policy check.
type Decision string

const (
	// DecisionAllow permits execution.
	DecisionAllow Decision = "allow"

	// DecisionDeny refuses execution.
	DecisionDeny Decision = "deny"

	// DecisionNeedsApproval blocks until a human approves the call id.
	DecisionNeedsApproval Decision = "needs_approval"

	// DecisionNeedsElevated refuses unless the process runs elevated.
	DecisionNeedsElevated Decision = "needs_elevated"
)

// DefaultGroups are the built-in @group expansions.
var DefaultGroups = map[string][]string{
	"@filesystem": {"read_file", "write_file", "edit_file", "list_files"},
	"@web":        {"web_search", "web_fetch"},
	"@memory":     {"memory_search", "memory_save"},
	"@exec":       {"exec"},
	"@dangerous":  {"exec", "write_file", "edit_file"},
}

// ToolAliases maps alternative names to canonical tool names.
var ToolAliases = map[string]string{
	"bash":  "exec",
	"shell": "exec",
	"run":   "exec",
}

// NormalizeTool lowercases a tool name and resolves known aliases.
func NormalizeTool(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := ToolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// Policy holds the configured rule lists. The zero value denies
// everything; rules are evaluated deny, require-approval,
// require-elevated, allow, default-deny.
type Policy struct {
	Allow           []string `json:"allow,omitempty" yaml:"allow"`
	Deny            []string `json:"deny,omitempty" yaml:"deny"`
	RequireApproval []string `json:"require_approval,omitempty" yaml:"require_approval"`
	RequireElevated []string `json:"require_elevated,omitempty" yaml:"require_elevated"`

	// Elevated reports whether the process runs in elevated mode,
	// satisfying RequireElevated rules.
	Elevated bool `json:"elevated,omitempty" yaml:"elevated"`

	// Groups overrides DefaultGroups when non-nil.
	Groups map[string][]string `json:"groups,omitempty" yaml:"groups,omitempty"`

	mu       sync.Mutex
	approved map[string]bool
}

// AllowAll returns a policy that permits every tool.
func AllowAll() *Policy {
	return &Policy{Allow: []string{"*"}}
}

// ApproveCall records a granted approval for a specific call id.
// Subsequent checks carrying that id pass the require-approval gate.
func (p *Policy) ApproveCall(callID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.approved == nil {
		p.approved = make(map[string]bool)
	}
	p.approved[callID] = true
}

func (p *Policy) callApproved(callID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.approved[callID]
}

// Check evaluates the rule lists for one tool call.
func (p *Policy) Check(tool, callID string) Decision {
	name := NormalizeTool(tool)

	if p.matches(p.Deny, name) {
		return DecisionDeny
	}
	if p.matches(p.RequireApproval, name) && !p.callApproved(callID) {
		return DecisionNeedsApproval
	}
	if p.matches(p.RequireElevated, name) && !p.Elevated {
		return DecisionNeedsElevated
	}
	if p.matches(p.Allow, name) {
		return DecisionAllow
	}
	return DecisionDeny
}

// matches reports whether any rule in the list covers the tool name,
// expanding @group references one level.
func (p *Policy) matches(rules []string, name string) bool {
	for _, rule := range rules {
		if strings.HasPrefix(rule, "@") {
			for _, member := range p.group(rule) {
				if matchPattern(NormalizeTool(member), name) {
					return true
				}
			}
			continue
		}
		if matchPattern(NormalizeTool(rule), name) {
			return true
		}
	}
	return false
}

func (p *Policy) group(ref string) []string {
	if p.Groups != nil {
		return p.Groups[ref]
	}
	return DefaultGroups[ref]
}

// matchPattern matches a tool name against a literal or glob rule.
func matchPattern(pattern, name string) bool {
	if pattern == "" || name == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return pattern == name
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
