// Package exec routes shell commands to the local machine or to a
// paired remote node.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// streamCap bounds captured output per stream.
const streamCap = 10_000

const defaultCommandTimeout = 60 * time.Second

// ExecResult is the outcome of one command execution, local or remote.
type ExecResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	ExitCode   int    `json:"exit_code"`
	Host       string `json:"host"`
	NodeID     string `json:"node_id,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// RunLocal executes a command in a local shell, killing it on timeout
// and truncating each stream at 10k characters.
func RunLocal(ctx context.Context, command, cwd string, env map[string]string, timeout time.Duration) ExecResult {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(cctx, "/bin/sh", "-c", command)
	if cwd != "" {
		cmd.Dir = cwd
	}
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := ExecResult{
		Host:       "local",
		Stdout:     truncate(stdout.String()),
		Stderr:     truncate(stderr.String()),
		DurationMS: time.Since(start).Milliseconds(),
	}

	switch {
	case cctx.Err() == context.DeadlineExceeded:
		result.ExitCode = -1
		result.Error = fmt.Sprintf("command killed after %s", timeout)
	case err != nil:
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
		}
		result.Error = err.Error()
	default:
		result.Success = true
	}
	return result
}

func truncate(s string) string {
	if len(s) <= streamCap {
		return s
	}
	return s[:streamCap] + "\n... [output truncated]"
}
