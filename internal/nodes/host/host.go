// Package host is the node-side daemon: it keeps a websocket to the
// gateway, answers capability invocations, and enforces the local
// exec-approval list.
package host

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	osexec "os/exec"
	"runtime"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/exec"
	"github.com/haasonsaas/relay/internal/nodes"
	"github.com/haasonsaas/relay/pkg/models"
)

const (
	reconnectMin = time.Second
	reconnectMax = 60 * time.Second
)

// Dialer opens a frame connection to the gateway. The default dials
// the identity's gateway URL over websocket.
type Dialer func(ctx context.Context, url string) (nodes.FrameConn, error)

func wsDialer(ctx context.Context, url string) (nodes.FrameConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return nodes.NewWSFrameConn(ws), nil
}

// Host is the daemon state.
type Host struct {
	identity *Identity
	approval *ExecApproval
	logger   *slog.Logger
	dial     Dialer

	// paired reflects the last connect_ack.
	paired bool
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the logger.
func WithHostLogger(logger *slog.Logger) HostOption {
	return func(h *Host) { h.logger = logger }
}

// WithDialer overrides the gateway dialer, for tests.
func WithDialer(dial Dialer) HostOption {
	return func(h *Host) { h.dial = dial }
}

// New builds a host daemon.
func New(identity *Identity, approval *ExecApproval, opts ...HostOption) *Host {
	if approval == nil {
		approval = NewExecApproval(nil, nil)
	}
	h := &Host{
		identity: identity,
		approval: approval,
		logger:   slog.Default(),
		dial:     wsDialer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Capabilities advertises what this host can do.
func (h *Host) Capabilities() []models.NodeCapability {
	return []models.NodeCapability{
		{Name: "system.run", Description: "Run a shell command", Version: "1"},
		{Name: "system.which", Description: "Locate an executable on PATH", Version: "1"},
	}
}

// Run keeps the gateway connection alive until the context is
// cancelled, reconnecting with exponential backoff.
func (h *Host) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := h.connectOnce(ctx)
		if err == nil {
			// Clean session; reset backoff before reconnecting.
			backoff = reconnectMin
			continue
		}
		h.logger.Warn("gateway connection lost", "error", err, "retry_in", backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

// connectOnce dials, handshakes, and serves frames until the socket
// drops.
func (h *Host) connectOnce(ctx context.Context) error {
	conn, err := h.dial(ctx, h.identity.GatewayURL)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	if err := h.handshake(conn); err != nil {
		return err
	}
	h.logger.Info("connected to gateway", "gateway", h.identity.GatewayURL, "paired", h.paired)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := conn.ReadFrame()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		h.handleFrame(ctx, conn, msg)
	}
}

func (h *Host) handshake(conn nodes.FrameConn) error {
	hostname, _ := os.Hostname()
	connect, err := models.NewNodeMessage(models.NodeMsgConnect, h.identity.NodeID, "", models.ConnectPayload{
		DisplayName:  h.identity.DisplayName,
		Capabilities: h.Capabilities(),
		Platform:     runtime.GOOS,
		Hostname:     hostname,
		Token:        h.identity.Token,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteFrame(connect); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}

	reply, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}
	switch reply.Type {
	case models.NodeMsgConnectAck:
		var ack models.ConnectAckPayload
		if err := reply.DecodePayload(&ack); err != nil {
			return fmt.Errorf("decode connect_ack: %w", err)
		}
		h.paired = ack.Paired
		if !ack.Paired {
			h.logger.Info("awaiting operator approval on gateway")
		}
		return nil
	case models.NodeMsgConnectReject:
		var reject models.ConnectRejectPayload
		reply.DecodePayload(&reject)
		return fmt.Errorf("gateway rejected connection: %s", reject.Reason)
	default:
		return fmt.Errorf("unexpected handshake reply %s", reply.Type)
	}
}

func (h *Host) handleFrame(ctx context.Context, conn nodes.FrameConn, msg *models.NodeMessage) {
	switch msg.Type {
	case models.NodeMsgPing:
		pong, _ := models.NewNodeMessage(models.NodeMsgPong, h.identity.NodeID, msg.MessageID, nil)
		conn.WriteFrame(pong)

	case models.NodeMsgInvoke:
		var invoke models.Invoke
		if err := msg.DecodePayload(&invoke); err != nil {
			h.logger.Warn("malformed invoke frame", "error", err)
			return
		}
		result := h.dispatch(ctx, &invoke)
		frame, err := models.NewNodeMessage(models.NodeMsgInvokeResult, h.identity.NodeID, msg.MessageID, result)
		if err != nil {
			h.logger.Warn("failed to encode invoke result", "error", err)
			return
		}
		conn.WriteFrame(frame)

	case models.NodeMsgConnectReject:
		h.logger.Warn("gateway revoked connection")
		conn.Close()

	default:
		h.logger.Debug("ignoring frame", "type", msg.Type)
	}
}

// dispatch routes an invocation to the matching capability.
func (h *Host) dispatch(ctx context.Context, invoke *models.Invoke) *models.InvokeResult {
	start := time.Now()
	result := &models.InvokeResult{InvokeID: invoke.InvokeID}

	switch invoke.Command {
	case "system.run":
		h.systemRun(ctx, invoke, result)
	case "system.which":
		h.systemWhich(invoke, result)
	default:
		result.Error = fmt.Sprintf("capability %s is not supported", invoke.Command)
		result.ErrorCode = models.ErrCodeCapabilityNotFound
	}
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

func (h *Host) systemRun(ctx context.Context, invoke *models.Invoke, result *models.InvokeResult) {
	command, _ := invoke.Params["command"].(string)
	if command == "" {
		result.Error = "missing command parameter"
		result.ErrorCode = models.ErrCodeCommandNotFound
		return
	}
	if h.approval.Check(command) == ExecDeny {
		h.logger.Warn("exec denied by local approval list", "command", command)
		result.Error = "command denied by the node's exec-approval list"
		result.ErrorCode = models.ErrCodeExecDenied
		return
	}

	cwd, _ := invoke.Params["cwd"].(string)
	env := map[string]string{}
	if raw, ok := invoke.Params["env"].(map[string]any); ok {
		for k, v := range raw {
			if s, ok := v.(string); ok {
				env[k] = s
			}
		}
	}
	timeout := time.Duration(invoke.TimeoutMS) * time.Millisecond
	if ms, ok := invoke.Params["timeout_ms"].(float64); ok && ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	run := exec.RunLocal(ctx, command, cwd, env, timeout)
	result.Success = run.Success
	result.Result = map[string]any{
		"stdout":    run.Stdout,
		"stderr":    run.Stderr,
		"exit_code": run.ExitCode,
	}
	if run.Error != "" {
		result.Error = run.Error
	}
}

func (h *Host) systemWhich(invoke *models.Invoke, result *models.InvokeResult) {
	command, _ := invoke.Params["command"].(string)
	if command == "" {
		result.Error = "missing command parameter"
		result.ErrorCode = models.ErrCodeCommandNotFound
		return
	}
	path, err := osexec.LookPath(command)
	result.Success = true
	if err != nil {
		result.Result = map[string]any{"exists": false}
		return
	}
	result.Result = map[string]any{"exists": true, "path": path}
}
