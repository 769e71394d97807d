package protocol

import "time"

// ProtocolVersion is bumped when the WebSocket frame contract changes.
const ProtocolVersion = 1

// WebSocket event names pushed from the daemon to subscribed clients.
const (
	EventHook         = "hook"
	EventSession      = "session"
	EventTask         = "task"
	EventWorkflow     = "workflow"
	EventAgentSpawned = "agent.spawned"
	EventAgentSkipped = "agent.skipped"
	EventMCPServer    = "mcp.server"
	EventHealth       = "health"
	EventShutdown     = "shutdown"
)

// Hook event subtypes (in payload.type).
const (
	HookEventReceived = "received"
	HookEventHandled  = "handled"
	HookEventBlocked  = "blocked"
)

// EventFrame is a single server-to-client event.
type EventFrame struct {
	Type    string      `json:"type"` // always "event"
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
	TS      time.Time   `json:"ts"`
}

// NewEvent builds an EventFrame with the current timestamp.
func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: "event", Name: name, Payload: payload, TS: time.Now().UTC()}
}
