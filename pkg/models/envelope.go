// Package models defines the shared data types exchanged between Relay
// subsystems: bus envelopes, chat messages, tool calls, node records,
// memory entries, model profiles, swarm tasks, and approvals.
package models

import (
	"fmt"
	"strings"
)

// FabricSystem is the fabric identifier for system-originated envelopes.
// The conversation ID of a system envelope encodes the origin as
// "<fabric>:<conversation>" so replies can be routed back.
const FabricSystem = "system"

// FabricCron is the fabric identifier used by the cron scheduler.
const FabricCron = "cron"

// Envelope is an inbound message from a channel adapter (or the scheduler).
type Envelope struct {
	// Fabric identifies the originating channel ("telegram", "slack",
	// "cli", "system", ...).
	Fabric string `json:"fabric"`

	// Sender identifies the message author within the fabric.
	Sender string `json:"sender,omitempty"`

	// Conversation identifies the conversation within the fabric.
	Conversation string `json:"conversation"`

	// Content is the textual message body.
	Content string `json:"content"`

	// Metadata carries fabric-specific extras.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Outbound is a reply addressed to a channel adapter.
type Outbound struct {
	// Fabric identifies the target channel.
	Fabric string `json:"fabric"`

	// Conversation identifies the target conversation.
	Conversation string `json:"conversation"`

	// Content is the textual reply body.
	Content string `json:"content"`
}

// SessionKey identifies one ongoing conversation as "<fabric>:<conversation>".
func SessionKey(fabric, conversation string) string {
	return fabric + ":" + conversation
}

// IsSystem reports whether the envelope originated inside the gateway.
func (e *Envelope) IsSystem() bool {
	return e.Fabric == FabricSystem || e.Fabric == FabricCron
}

// Origin resolves the fabric and conversation that should receive the reply.
// For system envelopes the conversation ID encodes the origin pair.
func (e *Envelope) Origin() (fabric, conversation string, err error) {
	if !e.IsSystem() {
		return e.Fabric, e.Conversation, nil
	}
	fabric, conversation, ok := strings.Cut(e.Conversation, ":")
	if !ok || fabric == "" || conversation == "" {
		return "", "", fmt.Errorf("system envelope conversation %q does not encode an origin", e.Conversation)
	}
	return fabric, conversation, nil
}

// SystemEnvelope builds a system-originated envelope whose reply routes back
// to the given origin fabric and conversation.
func SystemEnvelope(originFabric, originConversation, content string) *Envelope {
	return &Envelope{
		Fabric:       FabricSystem,
		Conversation: originFabric + ":" + originConversation,
		Content:      content,
	}
}
