// Package hooks defines the unified hook event model and the per-CLI
// adapters that translate native hook payloads to and from it.
package hooks

import (
	"time"

	"github.com/google/uuid"
)

// Unified event types. Every CLI-specific hook name maps onto one of these.
const (
	SessionStart        = "SESSION_START"
	SessionEnd          = "SESSION_END"
	BeforeAgent         = "BEFORE_AGENT"
	AfterAgent          = "AFTER_AGENT"
	BeforeTool          = "BEFORE_TOOL"
	AfterTool           = "AFTER_TOOL"
	PreCompact          = "PRE_COMPACT"
	SubagentStart       = "SUBAGENT_START"
	SubagentStop        = "SUBAGENT_STOP"
	PermissionRequest   = "PERMISSION_REQUEST"
	Notification        = "NOTIFICATION"
	BeforeToolSelection = "BEFORE_TOOL_SELECTION"
	BeforeModel         = "BEFORE_MODEL"
	AfterModel          = "AFTER_MODEL"
)

// Decisions a hook response may carry.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
	DecisionAsk   = "ask"
)

// Metadata keys written by dispatch and adapters.
const (
	MetaPlatformSessionID = "_platform_session_id"
	MetaIsFailure         = "is_failure"
	MetaOriginalToolName  = "original_tool_name"
	MetaActiveTaskTitle   = "active_task_title"
)

// HookEvent is the unified event passed through dispatch and workflows.
// SessionID is the ExternalID as delivered by the CLI; the internal id is
// resolved by dispatch into Metadata[MetaPlatformSessionID].
type HookEvent struct {
	Type      string         `json:"event_type"`
	SessionID string         `json:"session_id"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
	MachineID string         `json:"machine_id,omitempty"`
	CWD       string         `json:"cwd,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TaskID    *uuid.UUID     `json:"task_id,omitempty"`
}

// Meta returns a metadata value, tolerating a nil map.
func (e *HookEvent) Meta(key string) any {
	if e.Metadata == nil {
		return nil
	}
	return e.Metadata[key]
}

// SetMeta writes a metadata value, allocating the map on first use.
func (e *HookEvent) SetMeta(key string, v any) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = v
}

// DataString reads a string field from the native payload.
func (e *HookEvent) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	s, _ := e.Data[key].(string)
	return s
}

// HookResponse is the unified response. Metadata is internal and never
// forwarded to CLIs.
type HookResponse struct {
	Decision      string         `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	Context       string         `json:"context,omitempty"`
	SystemMessage string         `json:"system_message,omitempty"`
	ModifyArgs    map[string]any `json:"modify_args,omitempty"`
	Metadata      map[string]any `json:"-"`
}

// Allow builds an allow response with an optional reason.
func Allow(reason string) *HookResponse {
	return &HookResponse{Decision: DecisionAllow, Reason: reason}
}

// Deny builds a deny response.
func Deny(reason string) *HookResponse {
	return &HookResponse{Decision: DecisionDeny, Reason: reason}
}

// AppendContext appends text to the response context, newline-separated.
func (r *HookResponse) AppendContext(text string) {
	if text == "" {
		return
	}
	if r.Context == "" {
		r.Context = text
		return
	}
	r.Context += "\n" + text
}
