package hooks

import (
	"context"
	"testing"
)

type stubDispatch struct {
	resp *HookResponse
	last *HookEvent
}

func (d *stubDispatch) Handle(ctx context.Context, event *HookEvent) *HookResponse {
	d.last = event
	if d.resp != nil {
		return d.resp
	}
	return Allow("")
}

func TestClaudeHookNameMapping(t *testing.T) {
	a := NewClaudeAdapter()
	cases := []struct {
		hook string
		want string
	}{
		{"SessionStart", SessionStart},
		{"UserPromptSubmit", BeforeAgent},
		{"PreToolUse", BeforeTool},
		{"PostToolUse", AfterTool},
		{"Stop", AfterAgent},
		{"SubagentStop", SubagentStop},
		{"PreCompact", PreCompact},
		{"SessionEnd", SessionEnd},
		{"PermissionRequest", PermissionRequest},
		{"SomethingNew", Notification}, // unknown names fail open
	}
	for _, tc := range cases {
		event, err := a.TranslateToEvent(tc.hook, map[string]any{"session_id": "s1"})
		if err != nil {
			t.Fatalf("%s: %v", tc.hook, err)
		}
		if event.Type != tc.want {
			t.Errorf("%s mapped to %s, want %s", tc.hook, event.Type, tc.want)
		}
	}
}

func TestClaudeResponseShape(t *testing.T) {
	a := NewClaudeAdapter()

	out := a.TranslateFromResponse(&HookResponse{
		Decision:      DecisionAllow,
		Context:       "restored summary",
		SystemMessage: "Context restored",
	}, "SessionStart")

	if out["continue"] != true {
		t.Fatalf("continue = %v", out["continue"])
	}
	if out["decision"] != "approve" {
		t.Fatalf("decision = %v", out["decision"])
	}
	if out["systemMessage"] != "Context restored" {
		t.Fatalf("systemMessage = %v", out["systemMessage"])
	}
	hso, ok := out["hookSpecificOutput"].(map[string]any)
	if !ok {
		t.Fatal("missing hookSpecificOutput")
	}
	if hso["hookEventName"] != "SessionStart" || hso["additionalContext"] != "restored summary" {
		t.Fatalf("hookSpecificOutput = %v", hso)
	}

	out = a.TranslateFromResponse(Deny("policy violation"), "PreToolUse")
	if out["decision"] != "block" || out["reason"] != "policy violation" {
		t.Fatalf("deny shape = %v", out)
	}
}

func TestGeminiMachineIDAndToolRename(t *testing.T) {
	a := NewGeminiAdapter()
	a.hostname = func() (string, error) { return "devbox", nil }

	input := map[string]any{"session_id": "g1", "tool_name": "run_shell_command"}
	event, err := a.TranslateToEvent("before-tool", input)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if event.Type != BeforeTool {
		t.Fatalf("type = %s", event.Type)
	}
	if event.MachineID == "" {
		t.Fatal("machine id not derived")
	}
	// Deterministic per host.
	again, _ := a.TranslateToEvent("before-tool", map[string]any{"session_id": "g1"})
	if event.MachineID != again.MachineID {
		t.Fatalf("machine id not deterministic: %s vs %s", event.MachineID, again.MachineID)
	}
	if input["tool_name"] != "Bash" {
		t.Fatalf("tool_name = %v, want Bash", input["tool_name"])
	}
	if event.Meta(MetaOriginalToolName) != "run_shell_command" {
		t.Fatalf("original tool name not kept: %v", event.Meta(MetaOriginalToolName))
	}

	// An explicit machine_id wins over derivation.
	event, _ = a.TranslateToEvent("before-agent", map[string]any{"session_id": "g1", "machine_id": "m-explicit"})
	if event.MachineID != "m-explicit" {
		t.Fatalf("machine id = %s", event.MachineID)
	}
}

func TestGeminiResponseShape(t *testing.T) {
	a := NewGeminiAdapter()

	out := a.TranslateFromResponse(&HookResponse{
		Decision:   DecisionAllow,
		Context:    "ctx",
		ModifyArgs: map[string]any{"temperature": 0.2},
	}, "before-model")
	if out["decision"] != "allow" {
		t.Fatalf("decision = %v", out["decision"])
	}
	hso := out["hookSpecificOutput"].(map[string]any)
	if hso["additionalContext"] != "ctx" {
		t.Fatalf("additionalContext = %v", hso["additionalContext"])
	}
	if _, ok := hso["llm_request"]; !ok {
		t.Fatal("llm_request not set for before-model")
	}

	out = a.TranslateFromResponse(Deny("no"), "before-tool")
	if out["decision"] != "deny" || out["reason"] != "no" {
		t.Fatalf("deny shape = %v", out)
	}
}

func TestCodexFireAndForget(t *testing.T) {
	a := NewCodexAdapter()
	d := &stubDispatch{resp: Deny("ignored by codex")}

	out, err := a.HandleNative(context.Background(), d, "", map[string]any{
		"type":       "agent_turn_complete",
		"session_id": "c1",
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if d.last == nil || d.last.Type != AfterAgent {
		t.Fatalf("dispatched event = %+v", d.last)
	}
	// The native response never carries the decision.
	if out["status"] != "ok" {
		t.Fatalf("codex response = %v", out)
	}
	if _, ok := out["decision"]; ok {
		t.Fatal("codex response must not carry a decision")
	}
}

func TestCodexThreadIDCarriesSession(t *testing.T) {
	a := NewCodexAdapter()

	// A real notify payload identifies the session as thread_id.
	event, err := a.TranslateToEvent("", map[string]any{
		"type":      "agent-turn-complete",
		"thread_id": "0199-abcd",
		"cwd":       "/work/repo",
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if event.SessionID != "0199-abcd" {
		t.Fatalf("session id = %q, want thread_id value", event.SessionID)
	}
	if event.Type != AfterAgent {
		t.Fatalf("type = %s, want %s", event.Type, AfterAgent)
	}

	// Older payloads with session_id keep working.
	event, err = a.TranslateToEvent("session_start", map[string]any{"session_id": "c2"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if event.SessionID != "c2" {
		t.Fatalf("session id = %q", event.SessionID)
	}
}

func TestAntigravitySourceOverride(t *testing.T) {
	a := NewAntigravityAdapter()
	event, err := a.TranslateToEvent("SessionStart", map[string]any{"session_id": "ag1"})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if event.Source != SourceAntigravity || event.Type != SessionStart {
		t.Fatalf("event = %+v", event)
	}
}

func TestRoundTripThroughDispatch(t *testing.T) {
	reg := NewRegistry()
	d := &stubDispatch{resp: &HookResponse{Decision: DecisionAllow, Context: "injected"}}

	cases := []struct {
		source   string
		hookType string
		required []string
	}{
		{SourceClaude, "UserPromptSubmit", []string{"continue"}},
		{SourceGemini, "before-agent", []string{"decision"}},
		{SourceCodex, "agent_turn_complete", []string{"status"}},
		{SourceAntigravity, "Stop", []string{"continue"}},
	}
	for _, tc := range cases {
		a, err := reg.ForSource(tc.source)
		if err != nil {
			t.Fatalf("adapter %s: %v", tc.source, err)
		}
		out, err := a.HandleNative(context.Background(), d, tc.hookType, map[string]any{
			"session_id": "rt-1",
		})
		if err != nil {
			t.Fatalf("%s/%s: %v", tc.source, tc.hookType, err)
		}
		for _, field := range tc.required {
			if _, ok := out[field]; !ok {
				t.Errorf("%s/%s response missing %q: %v", tc.source, tc.hookType, field, out)
			}
		}
	}

	if _, err := reg.ForSource("unknown"); err == nil {
		t.Fatal("unknown source should error")
	}
}
