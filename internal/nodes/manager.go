// Package nodes is the gateway side of the remote-node protocol:
// websocket connections from host daemons, token-checked pairing,
// keep-alive, and request/response capability invocation.
package nodes

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/pkg/models"
)

const (
	defaultPingInterval  = 30 * time.Second
	defaultInvokeTimeout = 60 * time.Second
)

// connection is the live state for one connected node.
type connection struct {
	nodeID string
	conn   FrameConn

	mu       sync.Mutex
	pending  map[string]chan *models.InvokeResult
	lastPong time.Time
	closed   bool
}

func (c *connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

// Manager owns node identity records, live connections, and pending
// invocations.
type Manager struct {
	token        string
	registryPath string
	autoApprove  bool
	pingInterval time.Duration
	logger       *slog.Logger
	now          func() time.Time
	upgrader     websocket.Upgrader

	mu    sync.Mutex
	nodes map[string]*models.NodeInfo
	conns map[string]*connection
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithAutoApprove pairs new nodes without operator action.
func WithAutoApprove(enabled bool) ManagerOption {
	return func(m *Manager) { m.autoApprove = enabled }
}

// WithPingInterval sets the keep-alive cadence.
func WithPingInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pingInterval = d }
}

// WithManagerNow overrides the clock, for tests.
func WithManagerNow(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager opens the registry and prepares to accept nodes. token is
// the shared secret hosts present at connect.
func NewManager(token, registryPath string, opts ...ManagerOption) (*Manager, error) {
	if token == "" {
		return nil, fmt.Errorf("nodes: connection token is required")
	}
	nodes, err := loadRegistry(registryPath)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		token:        token,
		registryPath: registryPath,
		pingInterval: defaultPingInterval,
		logger:       slog.Default(),
		now:          time.Now,
		nodes:        nodes,
		conns:        make(map[string]*connection),
		upgrader:     websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// HandleWS upgrades an HTTP request and serves the node connection
// until it drops.
func (m *Manager) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}
	m.Serve(NewWSFrameConn(ws), r.RemoteAddr)
}

// Serve runs the handshake and frame loop for one connection, blocking
// until disconnect.
func (m *Manager) Serve(conn FrameConn, remoteAddr string) {
	nodeID, err := m.handshake(conn, remoteAddr)
	if err != nil {
		m.logger.Warn("node handshake rejected", "error", err, "remote", remoteAddr)
		conn.Close()
		return
	}

	c := &connection{
		nodeID:   nodeID,
		conn:     conn,
		pending:  make(map[string]chan *models.InvokeResult),
		lastPong: m.now(),
	}
	m.attach(c)
	defer m.detach(c)

	stop := make(chan struct{})
	defer close(stop)
	go m.keepAlive(c, stop)

	m.readLoop(c)
}

// handshake consumes the connect frame, verifies the token, and
// creates or updates the node record.
func (m *Manager) handshake(conn FrameConn, remoteAddr string) (string, error) {
	msg, err := conn.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("read connect frame: %w", err)
	}
	if msg.Type != models.NodeMsgConnect {
		return "", fmt.Errorf("expected connect frame, got %s", msg.Type)
	}
	var payload models.ConnectPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return "", fmt.Errorf("decode connect payload: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(payload.Token), []byte(m.token)) != 1 {
		reject, _ := models.NewNodeMessage(models.NodeMsgConnectReject, msg.NodeID, uuid.NewString(),
			models.ConnectRejectPayload{Reason: "invalid token"})
		conn.WriteFrame(reject)
		return "", fmt.Errorf("invalid token from %s", remoteAddr)
	}

	nodeID := msg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}

	m.mu.Lock()
	node := m.nodes[nodeID]
	now := m.now().UTC()
	if node == nil {
		status := models.NodePending
		if m.autoApprove {
			status = models.NodePaired
		}
		node = &models.NodeInfo{
			ID:        nodeID,
			Status:    status,
			CreatedAt: now,
		}
		if status == models.NodePaired {
			node.PairedAt = now
		}
		m.nodes[nodeID] = node
	}
	node.Name = payload.DisplayName
	node.Capabilities = payload.Capabilities
	node.Platform = payload.Platform
	node.Hostname = payload.Hostname
	node.IP = remoteAddr
	node.LastSeenAt = now
	paired := node.Status != models.NodePending
	if paired {
		node.Status = models.NodeConnected
	}
	m.saveLocked()
	m.mu.Unlock()

	ack, err := models.NewNodeMessage(models.NodeMsgConnectAck, nodeID, uuid.NewString(),
		models.ConnectAckPayload{Paired: paired})
	if err != nil {
		return "", err
	}
	if err := conn.WriteFrame(ack); err != nil {
		return "", fmt.Errorf("write connect_ack: %w", err)
	}
	m.logger.Info("node connected", "node", nodeID, "name", payload.DisplayName, "paired", paired)
	return nodeID, nil
}

func (m *Manager) attach(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// One live connection per node id; a newer socket replaces the old.
	if old := m.conns[c.nodeID]; old != nil {
		old.close()
	}
	m.conns[c.nodeID] = c
}

func (m *Manager) detach(c *connection) {
	c.close()

	m.mu.Lock()
	if m.conns[c.nodeID] == c {
		delete(m.conns, c.nodeID)
	}
	if node := m.nodes[c.nodeID]; node != nil {
		if node.Status == models.NodeConnected {
			node.Status = models.NodeDisconnected
		}
		node.LastSeenAt = m.now().UTC()
		m.saveLocked()
	}
	m.mu.Unlock()

	// Every pending invocation dies with the socket.
	c.mu.Lock()
	for id, ch := range c.pending {
		ch <- &models.InvokeResult{
			InvokeID:  id,
			Success:   false,
			Error:     "node disconnected",
			ErrorCode: models.ErrCodeNodeUnavailable,
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()
	m.logger.Info("node disconnected", "node", c.nodeID)
}

func (m *Manager) readLoop(c *connection) {
	for {
		msg, err := c.conn.ReadFrame()
		if err != nil {
			return
		}
		switch msg.Type {
		case models.NodeMsgPong:
			c.mu.Lock()
			c.lastPong = m.now()
			c.mu.Unlock()

		case models.NodeMsgPing:
			pong, _ := models.NewNodeMessage(models.NodeMsgPong, c.nodeID, msg.MessageID, nil)
			c.conn.WriteFrame(pong)

		case models.NodeMsgInvokeResult:
			var result models.InvokeResult
			if err := msg.DecodePayload(&result); err != nil {
				m.logger.Warn("malformed invoke_result", "node", c.nodeID, "error", err)
				continue
			}
			c.mu.Lock()
			ch := c.pending[result.InvokeID]
			delete(c.pending, result.InvokeID)
			c.mu.Unlock()
			if ch != nil {
				ch <- &result
			}

		case models.NodeMsgCapabilities:
			var caps []models.NodeCapability
			if err := msg.DecodePayload(&caps); err == nil {
				m.mu.Lock()
				if node := m.nodes[c.nodeID]; node != nil {
					node.Capabilities = caps
					m.saveLocked()
				}
				m.mu.Unlock()
			}

		case models.NodeMsgDisconnect:
			return

		default:
			m.logger.Debug("ignoring frame", "node", c.nodeID, "type", msg.Type)
		}
	}
}

// keepAlive pings on the interval and drops the connection after two
// missed pongs.
func (m *Manager) keepAlive(c *connection, stop <-chan struct{}) {
	ticker := time.NewTicker(m.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := m.now().Sub(c.lastPong) > 2*m.pingInterval
			c.mu.Unlock()
			if stale {
				m.logger.Warn("node missed pongs, closing", "node", c.nodeID)
				c.close()
				return
			}
			ping, _ := models.NewNodeMessage(models.NodeMsgPing, c.nodeID, uuid.NewString(), nil)
			if err := c.conn.WriteFrame(ping); err != nil {
				c.close()
				return
			}
		}
	}
}

// Invoke runs one capability on a node and waits for its result.
// Timeouts produce a synthesized TIMEOUT result, not an error.
func (m *Manager) Invoke(ctx context.Context, nodeID, command string, params map[string]any, timeout time.Duration) (*models.InvokeResult, error) {
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}

	m.mu.Lock()
	node := m.nodes[nodeID]
	c := m.conns[nodeID]
	m.mu.Unlock()

	if node == nil {
		return nil, fmt.Errorf("nodes: unknown node %s", nodeID)
	}
	if node.Status == models.NodePending {
		return &models.InvokeResult{
			Success:   false,
			Error:     "node awaits operator approval",
			ErrorCode: models.ErrCodeNodeNotPaired,
		}, nil
	}
	if c == nil {
		return &models.InvokeResult{
			Success:   false,
			Error:     "node is not connected",
			ErrorCode: models.ErrCodeNodeUnavailable,
		}, nil
	}

	invokeID := uuid.NewString()
	ch := make(chan *models.InvokeResult, 1)
	c.mu.Lock()
	c.pending[invokeID] = ch
	c.mu.Unlock()

	frame, err := models.NewNodeMessage(models.NodeMsgInvoke, nodeID, uuid.NewString(), models.Invoke{
		InvokeID:  invokeID,
		Command:   command,
		Params:    params,
		TimeoutMS: timeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	if err := c.conn.WriteFrame(frame); err != nil {
		c.mu.Lock()
		delete(c.pending, invokeID)
		c.mu.Unlock()
		return &models.InvokeResult{
			InvokeID:  invokeID,
			Success:   false,
			Error:     err.Error(),
			ErrorCode: models.ErrCodeNodeUnavailable,
		}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, invokeID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, invokeID)
		c.mu.Unlock()
		return &models.InvokeResult{
			InvokeID:   invokeID,
			Success:    false,
			Error:      fmt.Sprintf("node did not answer within %s", timeout),
			ErrorCode:  models.ErrCodeTimeout,
			DurationMS: timeout.Milliseconds(),
		}, nil
	}
}

// Approve pairs a pending node.
func (m *Manager) Approve(nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.nodes[nodeID]
	if node == nil {
		return fmt.Errorf("nodes: unknown node %s", nodeID)
	}
	if node.Status != models.NodePending {
		return fmt.Errorf("nodes: node %s is not pending", nodeID)
	}
	node.PairedAt = m.now().UTC()
	// Approval of a live pending socket promotes straight to connected.
	if m.conns[nodeID] != nil {
		node.Status = models.NodeConnected
	} else {
		node.Status = models.NodePaired
	}
	m.saveLocked()
	m.logger.Info("node approved", "node", nodeID)
	return nil
}

// Reject removes a node and closes its connection.
func (m *Manager) Reject(nodeID, reason string) error {
	m.mu.Lock()
	node := m.nodes[nodeID]
	c := m.conns[nodeID]
	delete(m.nodes, nodeID)
	m.saveLocked()
	m.mu.Unlock()

	if node == nil {
		return fmt.Errorf("nodes: unknown node %s", nodeID)
	}
	if c != nil {
		reject, _ := models.NewNodeMessage(models.NodeMsgConnectReject, nodeID, uuid.NewString(),
			models.ConnectRejectPayload{Reason: reason})
		c.conn.WriteFrame(reject)
		c.close()
	}
	m.logger.Info("node rejected", "node", nodeID, "reason", reason)
	return nil
}

// Get returns a copy of one node record.
func (m *Manager) Get(nodeID string) (*models.NodeInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	node := m.nodes[nodeID]
	if node == nil {
		return nil, false
	}
	cp := *node
	return &cp, true
}

// List returns node records, optionally filtered by status.
func (m *Manager) List(status models.NodeStatus) []*models.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.NodeInfo
	for _, node := range m.nodes {
		if status != "" && node.Status != status {
			continue
		}
		cp := *node
		out = append(out, &cp)
	}
	return out
}

// IsConnected reports whether the node has a live socket.
func (m *Manager) IsConnected(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[nodeID] != nil
}

// ConnectedNodes returns the paired nodes with live sockets.
func (m *Manager) ConnectedNodes() []*models.NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.NodeInfo
	for id := range m.conns {
		node := m.nodes[id]
		if node == nil || node.Status == models.NodePending {
			continue
		}
		cp := *node
		out = append(out, &cp)
	}
	return out
}

// saveLocked persists the registry; callers hold m.mu.
func (m *Manager) saveLocked() {
	if err := saveRegistry(m.registryPath, m.nodes, m.now()); err != nil {
		m.logger.Warn("failed to persist node registry", "error", err)
	}
}
