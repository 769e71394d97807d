package httpapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/gobbyhq/gobby/internal/hooks"
)

type fakeDispatch struct {
	resp *hooks.HookResponse
	last *hooks.HookEvent
}

func (f *fakeDispatch) Handle(ctx context.Context, event *hooks.HookEvent) *hooks.HookResponse {
	f.last = event
	if f.resp != nil {
		return f.resp
	}
	return hooks.Allow("")
}

func hookEnv(t *testing.T, d hooks.Dispatch) *testEnv {
	env := newTestEnv(t)
	NewHookHandler(hooks.NewRegistry(), d, nil).RegisterRoutes(env.mux)
	return env
}

func TestHookExecuteValidation(t *testing.T) {
	env := hookEnv(t, &fakeDispatch{})

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"missing hook_type", map[string]any{"source": "claude"}, http.StatusBadRequest},
		{"missing source", map[string]any{"hook_type": "PreToolUse"}, http.StatusBadRequest},
		{"unknown source", map[string]any{"hook_type": "PreToolUse", "source": "cursor"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		code, body := env.do(t, "POST", "/hooks/execute", tc.body)
		if code != tc.want {
			t.Fatalf("%s: status = %d, want %d (%v)", tc.name, code, tc.want, body)
		}
		if body["error"] == "" {
			t.Fatalf("%s: missing error message", tc.name)
		}
	}
}

func TestHookExecuteUninitializedDispatcher(t *testing.T) {
	env := hookEnv(t, nil)
	code, _ := env.do(t, "POST", "/hooks/execute", map[string]any{
		"hook_type": "PreToolUse", "source": "claude",
	})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestHookExecuteClaudeDeny(t *testing.T) {
	d := &fakeDispatch{resp: hooks.Deny("shell disabled")}
	env := hookEnv(t, d)

	code, body := env.do(t, "POST", "/hooks/execute", map[string]any{
		"hook_type": "PreToolUse",
		"source":    "claude",
		"input_data": map[string]any{
			"session_id": "sess-1",
			"tool_name":  "Bash",
		},
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d: %v", code, body)
	}
	if body["continue"] != true || body["decision"] != "block" || body["reason"] != "shell disabled" {
		t.Fatalf("claude response = %v", body)
	}
	if d.last == nil || d.last.Type != hooks.BeforeTool || d.last.SessionID != "sess-1" {
		t.Fatalf("dispatched event = %+v", d.last)
	}
}

func TestHookExecuteSourceCaseInsensitive(t *testing.T) {
	d := &fakeDispatch{}
	env := hookEnv(t, d)
	code, _ := env.do(t, "POST", "/hooks/execute", map[string]any{
		"hook_type": "SessionStart", "source": "Claude",
		"input_data": map[string]any{"session_id": "sess-2"},
	})
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if d.last == nil || d.last.Source != hooks.SourceClaude {
		t.Fatalf("event = %+v", d.last)
	}
}
