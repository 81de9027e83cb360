package exec

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/relay/pkg/models"
)

// NodeInvoker is the slice of the node manager the router needs.
type NodeInvoker interface {
	Invoke(ctx context.Context, nodeID, command string, params map[string]any, timeout time.Duration) (*models.InvokeResult, error)
	ConnectedNodes() []*models.NodeInfo
}

// Request describes one command execution.
type Request struct {
	Command string            `json:"command"`
	Host    string            `json:"host,omitempty"` // "local" or "node"
	Node    string            `json:"node,omitempty"` // id or display name
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
}

// Router dispatches exec requests locally or to a node.
type Router struct {
	nodes           NodeInvoker
	fallbackToLocal bool
	logger          *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithFallbackToLocal runs commands locally when no node is available.
func WithFallbackToLocal(enabled bool) RouterOption {
	return func(r *Router) { r.fallbackToLocal = enabled }
}

// WithRouterLogger sets the logger.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = logger }
}

// NewRouter builds a router. nodes may be nil, restricting execution to
// the local host.
func NewRouter(nodes NodeInvoker, opts ...RouterOption) *Router {
	r := &Router{nodes: nodes, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs a command per the request's host selection.
func (r *Router) Execute(ctx context.Context, req Request) ExecResult {
	if strings.TrimSpace(req.Command) == "" {
		return ExecResult{Host: req.Host, Error: "empty command", ExitCode: -1}
	}

	switch req.Host {
	case "", "local":
		return RunLocal(ctx, req.Command, req.Cwd, req.Env, req.Timeout)
	case "node":
		return r.executeOnNode(ctx, req)
	default:
		return ExecResult{
			Host:     req.Host,
			ExitCode: -1,
			Error:    fmt.Sprintf("unknown host %q (want local or node)", req.Host),
		}
	}
}

func (r *Router) executeOnNode(ctx context.Context, req Request) ExecResult {
	node := r.findNode(req.Node)
	if node == nil {
		if r.fallbackToLocal {
			r.logger.Info("no node available, falling back to local", "requested", req.Node)
			return RunLocal(ctx, req.Command, req.Cwd, req.Env, req.Timeout)
		}
		return ExecResult{
			Host:     "node",
			ExitCode: -1,
			Error:    noNodeError(req.Node),
		}
	}

	params := map[string]any{"command": req.Command}
	if req.Cwd != "" {
		params["cwd"] = req.Cwd
	}
	if len(req.Env) > 0 {
		params["env"] = req.Env
	}
	if req.Timeout > 0 {
		params["timeout_ms"] = req.Timeout.Milliseconds()
	}

	start := time.Now()
	invokeResult, err := r.nodes.Invoke(ctx, node.ID, "system.run", params, req.Timeout)
	if err != nil {
		return ExecResult{
			Host:       "node",
			NodeID:     node.ID,
			ExitCode:   -1,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		}
	}
	return fromInvokeResult(node.ID, invokeResult, start)
}

// findNode resolves the node selector: exact id, then display name,
// then the first connected paired node.
func (r *Router) findNode(selector string) *models.NodeInfo {
	if r.nodes == nil {
		return nil
	}
	connected := r.nodes.ConnectedNodes()
	if len(connected) == 0 {
		return nil
	}
	if selector == "" {
		return connected[0]
	}
	for _, n := range connected {
		if n.ID == selector {
			return n
		}
	}
	for _, n := range connected {
		if strings.EqualFold(n.Name, selector) {
			return n
		}
	}
	return nil
}

func noNodeError(selector string) string {
	if selector == "" {
		return "no connected node is available"
	}
	return fmt.Sprintf("node %q is not connected", selector)
}

// fromInvokeResult maps the wire result onto ExecResult.
func fromInvokeResult(nodeID string, ir *models.InvokeResult, start time.Time) ExecResult {
	result := ExecResult{
		Host:       "node",
		NodeID:     nodeID,
		Success:    ir.Success,
		Error:      ir.Error,
		DurationMS: ir.DurationMS,
	}
	if result.DurationMS == 0 {
		result.DurationMS = time.Since(start).Milliseconds()
	}
	if !ir.Success && result.Error == "" {
		result.Error = ir.ErrorCode
	}
	if ir.Result != nil {
		if s, ok := ir.Result["stdout"].(string); ok {
			result.Stdout = truncate(s)
		}
		if s, ok := ir.Result["stderr"].(string); ok {
			result.Stderr = truncate(s)
		}
		switch v := ir.Result["exit_code"].(type) {
		case float64:
			result.ExitCode = int(v)
		case int:
			result.ExitCode = v
		}
	}
	if !result.Success && result.ExitCode == 0 {
		result.ExitCode = -1
	}
	return result
}
