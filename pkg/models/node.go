package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus represents the lifecycle state of a remote node.
type NodeStatus string

const (
	// NodePending means the node has connected but awaits operator approval.
	NodePending NodeStatus = "pending"

	// NodePaired means the node is approved but not currently connected.
	NodePaired NodeStatus = "paired"

	// NodeConnected means the node has an active socket.
	NodeConnected NodeStatus = "connected"

	// NodeDisconnected means a previously connected node lost its socket.
	// It reverts to paired semantics when the socket returns.
	NodeDisconnected NodeStatus = "disconnected"
)

// NodeCapability is a named operation a node can perform.
type NodeCapability struct {
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Version     string            `json:"version,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NodeInfo is the persistent identity record for a remote node.
type NodeInfo struct {
	ID           string           `json:"id"`
	Name         string           `json:"name"`
	Status       NodeStatus       `json:"status"`
	Capabilities []NodeCapability `json:"capabilities,omitempty"`
	IP           string           `json:"ip,omitempty"`
	Hostname     string           `json:"hostname,omitempty"`
	Platform     string           `json:"platform,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	LastSeenAt   time.Time        `json:"last_seen_at,omitempty"`
	PairedAt     time.Time        `json:"paired_at,omitempty"`
}

// HasCapability reports whether the node advertises the named capability.
func (n *NodeInfo) HasCapability(name string) bool {
	for _, c := range n.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

// NodeMessageType discriminates node protocol frames.
type NodeMessageType string

const (
	NodeMsgConnect       NodeMessageType = "connect"
	NodeMsgConnectAck    NodeMessageType = "connect_ack"
	NodeMsgConnectReject NodeMessageType = "connect_reject"
	NodeMsgDisconnect    NodeMessageType = "disconnect"
	NodeMsgPing          NodeMessageType = "ping"
	NodeMsgPong          NodeMessageType = "pong"
	NodeMsgInvoke        NodeMessageType = "invoke"
	NodeMsgInvokeResult  NodeMessageType = "invoke_result"
	NodeMsgStatus        NodeMessageType = "status"
	NodeMsgCapabilities  NodeMessageType = "capabilities"
)

// NodeMessage is one wire frame of the node protocol. Payload shape depends
// on Type.
type NodeMessage struct {
	Type      NodeMessageType `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the frame payload into v.
func (m *NodeMessage) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s frame has no payload", m.Type)
	}
	return json.Unmarshal(m.Payload, v)
}

// NewNodeMessage builds a frame with the payload marshalled in place.
func NewNodeMessage(typ NodeMessageType, nodeID, messageID string, payload any) (*NodeMessage, error) {
	msg := &NodeMessage{
		Type:      typ,
		NodeID:    nodeID,
		MessageID: messageID,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", typ, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// ConnectPayload is sent by a host in its connect frame.
type ConnectPayload struct {
	DisplayName  string           `json:"display_name"`
	Capabilities []NodeCapability `json:"capabilities,omitempty"`
	Platform     string           `json:"platform,omitempty"`
	Hostname     string           `json:"hostname,omitempty"`
	Token        string           `json:"token"`
}

// ConnectAckPayload acknowledges a successful handshake. Paired=false means
// the socket is up but the node still awaits operator approval.
type ConnectAckPayload struct {
	Paired bool `json:"paired"`
}

// ConnectRejectPayload explains a rejected handshake.
type ConnectRejectPayload struct {
	Reason string `json:"reason"`
}

// Invoke asks a node to run one capability.
type Invoke struct {
	InvokeID       string         `json:"invoke_id"`
	Command        string         `json:"command"`
	Params         map[string]any `json:"params,omitempty"`
	TimeoutMS      int64          `json:"timeout_ms,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// InvokeResult answers exactly one Invoke.
type InvokeResult struct {
	InvokeID   string         `json:"invoke_id"`
	Success    bool           `json:"success"`
	Result     map[string]any `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// Node protocol error codes.
const (
	ErrCodePermissionDenied     = "PERMISSION_DENIED"
	ErrCodeCommandNotFound      = "COMMAND_NOT_FOUND"
	ErrCodeTimeout              = "TIMEOUT"
	ErrCodeNodeUnavailable      = "NODE_UNAVAILABLE"
	ErrCodeNodeNotPaired        = "NODE_NOT_PAIRED"
	ErrCodeInvalidToken         = "INVALID_TOKEN"
	ErrCodeCapabilityNotFound   = "CAPABILITY_NOT_SUPPORTED"
	ErrCodeExecApprovalRequired = "EXEC_APPROVAL_REQUIRED"
	ErrCodeExecDenied           = "EXEC_DENIED"
)
