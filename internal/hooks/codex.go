package hooks

import (
	"context"
)

// codexHookNames maps Codex notify payload types to unified types.
var codexHookNames = map[string]string{
	"session_start":       SessionStart,
	"session_end":         SessionEnd,
	"agent_turn_start":    BeforeAgent,
	"agent_turn_complete": AfterAgent,
	"tool_call":           BeforeTool,
	"tool_result":         AfterTool,
	// Codex's own notify payloads spell the type with hyphens.
	"agent-turn-complete": AfterAgent,
}

// CodexAdapter ingests Codex notify payloads. Codex never consumes the
// response, so HandleNative dispatches and returns a bare acknowledgement.
type CodexAdapter struct{}

func NewCodexAdapter() *CodexAdapter { return &CodexAdapter{} }

func (a *CodexAdapter) Source() string { return SourceCodex }

func (a *CodexAdapter) TranslateToEvent(hookType string, input map[string]any) (*HookEvent, error) {
	if hookType == "" {
		hookType = payloadString(input, "type")
	}
	eventType, ok := codexHookNames[hookType]
	if !ok {
		eventType = Notification
	}
	return &HookEvent{
		Type:      eventType,
		SessionID: payloadString(input, "thread_id", "session_id", "conversation_id"),
		Source:    a.Source(),
		Timestamp: eventTimestamp(input),
		MachineID: payloadString(input, "machine_id"),
		CWD:       payloadString(input, "cwd"),
		Data:      input,
	}, nil
}

func (a *CodexAdapter) TranslateFromResponse(resp *HookResponse, hookType string) map[string]any {
	return map[string]any{"status": "ok"}
}

func (a *CodexAdapter) HandleNative(ctx context.Context, d Dispatch, hookType string, input map[string]any) (map[string]any, error) {
	event, err := a.TranslateToEvent(hookType, input)
	if err != nil {
		return nil, err
	}
	// Fire-and-forget: the response is computed for its side effects only.
	resp := d.Handle(ctx, event)
	return a.TranslateFromResponse(resp, hookType), nil
}
