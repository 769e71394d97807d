package hooks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
)

// geminiHookNames maps Gemini CLI's kebab-case hook names to unified types.
var geminiHookNames = map[string]string{
	"session-start":         SessionStart,
	"session-end":           SessionEnd,
	"before-agent":          BeforeAgent,
	"after-agent":           AfterAgent,
	"before-tool":           BeforeTool,
	"after-tool":            AfterTool,
	"before-model":          BeforeModel,
	"after-model":           AfterModel,
	"before-tool-selection": BeforeToolSelection,
}

// geminiToolNames normalizes Gemini tool names to the unified vocabulary.
var geminiToolNames = map[string]string{
	"run_shell_command": "Bash",
	"read_file":         "Read",
	"write_file":        "Write",
}

// GeminiAdapter speaks the Gemini CLI hook dialect.
type GeminiAdapter struct {
	hostname func() (string, error)
}

func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{hostname: os.Hostname}
}

func (a *GeminiAdapter) Source() string { return SourceGemini }

func (a *GeminiAdapter) TranslateToEvent(hookType string, input map[string]any) (*HookEvent, error) {
	eventType, ok := geminiHookNames[hookType]
	if !ok {
		eventType = Notification
	}

	event := &HookEvent{
		Type:      eventType,
		SessionID: payloadString(input, "session_id"),
		Source:    a.Source(),
		Timestamp: eventTimestamp(input),
		MachineID: payloadString(input, "machine_id"),
		CWD:       payloadString(input, "cwd", "workspace_dir"),
		Data:      input,
	}
	if event.MachineID == "" {
		event.MachineID = a.derivedMachineID()
	}
	if tool := payloadString(input, "tool_name"); tool != "" {
		if normalized, ok := geminiToolNames[tool]; ok {
			event.SetMeta(MetaOriginalToolName, tool)
			input["tool_name"] = normalized
		}
	}
	return event, nil
}

// derivedMachineID is deterministic per host so sessions re-resolve across
// hook invocations that omit machine_id.
func (a *GeminiAdapter) derivedMachineID() string {
	host, err := a.hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	sum := sha256.Sum256([]byte(host))
	return "gemini-" + hex.EncodeToString(sum[:8])
}

func (a *GeminiAdapter) TranslateFromResponse(resp *HookResponse, hookType string) map[string]any {
	decision := "allow"
	if resp.Decision == DecisionDeny {
		decision = "deny"
	}
	out := map[string]any{"decision": decision}
	if resp.Reason != "" {
		out["reason"] = resp.Reason
	}

	hso := map[string]any{}
	if resp.Context != "" {
		hso["additionalContext"] = resp.Context
	}
	if resp.ModifyArgs != nil {
		switch hookType {
		case "before-model":
			hso["llm_request"] = resp.ModifyArgs
		case "before-tool-selection":
			hso["toolConfig"] = resp.ModifyArgs
		}
	}
	if len(hso) > 0 {
		out["hookSpecificOutput"] = hso
	}
	return out
}

func (a *GeminiAdapter) HandleNative(ctx context.Context, d Dispatch, hookType string, input map[string]any) (map[string]any, error) {
	return dispatchNative(ctx, a, d, hookType, input)
}
