package host

import (
	"path"
	"regexp"
	"strings"
)

// ExecDecision is the outcome of the local exec-approval check.
type ExecDecision string

const (
	ExecAllow ExecDecision = "allow"
	ExecDeny  ExecDecision = "deny"
)

// defaultDenyPatterns are destructive commands no host runs regardless
// of operator configuration.
var defaultDenyPatterns = []string{
	"rm -rf /*",
	"rm -rf /",
	"mkfs*",
	"format *",
	"dd if=* of=/dev/*",
	"shutdown*",
	"reboot*",
	"halt*",
	":(){*", // fork bomb
	"chmod -R 777 /*",
	"> /dev/sda*",
}

// defaultSafePrefixes are read-only commands allowed without an
// explicit user-allow entry.
var defaultSafePrefixes = []string{
	"ls", "cat", "head", "tail", "grep", "find", "pwd", "whoami",
	"hostname", "uname", "date", "uptime", "df", "du", "ps", "env",
	"which", "echo", "wc", "stat", "file",
}

// ExecApproval is the ordered local policy a host applies to every
// system.run request: user-deny, default-deny, user-allow,
// default-safe, then the configured default.
type ExecApproval struct {
	UserAllow []string
	UserDeny  []string

	// DefaultDecision applies when no list matches.
	DefaultDecision ExecDecision
}

// NewExecApproval builds the policy with the standard default-deny
// posture.
func NewExecApproval(userAllow, userDeny []string) *ExecApproval {
	return &ExecApproval{
		UserAllow:       userAllow,
		UserDeny:        userDeny,
		DefaultDecision: ExecDeny,
	}
}

// Check decides whether the command may run.
func (a *ExecApproval) Check(command string) ExecDecision {
	command = strings.TrimSpace(command)
	if command == "" {
		return ExecDeny
	}

	if matchesAny(command, a.UserDeny) {
		return ExecDeny
	}
	if matchesAny(command, defaultDenyPatterns) {
		return ExecDeny
	}
	if matchesAny(command, a.UserAllow) {
		return ExecAllow
	}
	if isSafeCommand(command) {
		return ExecAllow
	}
	return a.DefaultDecision
}

// matchesAny matches a command against glob patterns, falling back to
// regex for patterns that fail glob syntax.
func matchesAny(command string, patterns []string) bool {
	for _, pattern := range patterns {
		if pattern == "" {
			continue
		}
		if ok, err := path.Match(pattern, command); err == nil && ok {
			return true
		}
		if strings.Contains(pattern, "*") {
			// Glob miss: also try prefix semantics, "shutdown*" should
			// catch "shutdown -h now".
			prefix := strings.TrimSuffix(pattern, "*")
			if !strings.Contains(prefix, "*") && strings.HasPrefix(command, prefix) {
				return true
			}
		}
		if re, err := regexp.Compile("^" + pattern + "$"); err == nil && re.MatchString(command) {
			return true
		}
	}
	return false
}

// isSafeCommand accepts bare read-only commands with no shell chaining.
func isSafeCommand(command string) bool {
	if strings.ContainsAny(command, ";|&`$><") {
		return false
	}
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return false
	}
	base := path.Base(fields[0])
	for _, safe := range defaultSafePrefixes {
		if base == safe {
			return true
		}
	}
	return false
}
