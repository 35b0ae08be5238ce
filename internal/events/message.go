// Package events implements the real-time feed that pushes registry
// transitions to connected WebSocket clients. It uses gorilla/websocket
// under the hood and exposes a broadcast API consumed by the HTTP handlers
// and the liveness sweeper.
//
// Topic naming convention:
//
//	agent:<agent_id> — transitions for a specific agent
package events

// MessageType identifies the kind of event carried by a Message.
type MessageType string

const (
	// MsgAgentStatus is sent when an agent registers or its computed
	// liveness flips between online and offline.
	MsgAgentStatus MessageType = "agent.status"

	// MsgPing is reserved for application-level keepalives. The client write
	// pump keeps connections alive with WebSocket ping control frames and
	// does not send messages of this type.
	MsgPing MessageType = "ping"
)

// Message is the envelope for every WebSocket frame sent to clients.
//
// JSON example:
//
//	{"type":"agent.status","topic":"agent:7f3c...","payload":{"status":"online"}}
type Message struct {
	Type MessageType `json:"type"`

	// Topic is the channel the message was published on, so clients
	// watching several agents can attribute the update.
	Topic string `json:"topic"`

	// Payload carries the event-specific data:
	//   - agent.status: {"agent_id":"...","name":"...","status":"registered"|"online"|"offline"}
	Payload any `json:"payload"`
}

// AgentStatus is the payload shape for MsgAgentStatus messages.
type AgentStatus struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Status  string `json:"status"`
}
