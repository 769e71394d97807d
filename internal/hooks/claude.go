package hooks

import (
	"context"
)

// claudeHookNames maps Claude's PascalCase hook names to unified types.
var claudeHookNames = map[string]string{
	"SessionStart":      SessionStart,
	"SessionEnd":        SessionEnd,
	"UserPromptSubmit":  BeforeAgent,
	"Stop":              AfterAgent,
	"PreToolUse":        BeforeTool,
	"PostToolUse":       AfterTool,
	"PreCompact":        PreCompact,
	"SubagentStop":      SubagentStop,
	"Notification":      Notification,
	"PermissionRequest": PermissionRequest,
}

// ClaudeAdapter speaks Claude Code's hook payload dialect.
type ClaudeAdapter struct{}

func NewClaudeAdapter() *ClaudeAdapter { return &ClaudeAdapter{} }

func (a *ClaudeAdapter) Source() string { return SourceClaude }

func (a *ClaudeAdapter) TranslateToEvent(hookType string, input map[string]any) (*HookEvent, error) {
	if hookType == "" {
		hookType = payloadString(input, "hook_event_name")
	}
	eventType, ok := claudeHookNames[hookType]
	if !ok {
		eventType = Notification
	}

	event := &HookEvent{
		Type:      eventType,
		SessionID: payloadString(input, "session_id"),
		Source:    a.Source(),
		Timestamp: eventTimestamp(input),
		MachineID: payloadString(input, "machine_id"),
		CWD:       payloadString(input, "cwd"),
		Data:      input,
	}
	if failed, _ := input["is_failure"].(bool); failed {
		event.SetMeta(MetaIsFailure, true)
	}
	return event, nil
}

func (a *ClaudeAdapter) TranslateFromResponse(resp *HookResponse, hookType string) map[string]any {
	out := map[string]any{"continue": true}
	switch resp.Decision {
	case DecisionDeny:
		out["decision"] = "block"
		if resp.Reason != "" {
			out["reason"] = resp.Reason
			out["stopReason"] = resp.Reason
		}
	case DecisionAllow:
		out["decision"] = "approve"
	}
	if resp.SystemMessage != "" {
		out["systemMessage"] = resp.SystemMessage
	}
	if resp.Context != "" {
		out["hookSpecificOutput"] = map[string]any{
			"hookEventName":     hookType,
			"additionalContext": resp.Context,
		}
	}
	return out
}

func (a *ClaudeAdapter) HandleNative(ctx context.Context, d Dispatch, hookType string, input map[string]any) (map[string]any, error) {
	return dispatchNative(ctx, a, d, hookType, input)
}
