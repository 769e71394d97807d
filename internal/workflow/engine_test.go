package workflow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/store/sqlite"
)

func writeWorkflow(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestEngine(t *testing.T, workflows map[string]string) (*Engine, *store.Stores, uuid.UUID) {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gobby.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores := sqlite.NewStores(db, store.NewNotifier())

	ctx := context.Background()
	p := &store.Project{Name: "alpha", Path: "/tmp/alpha"}
	if err := stores.Projects.Create(ctx, p); err != nil {
		t.Fatalf("project: %v", err)
	}
	sess, err := stores.Sessions.Register(ctx, store.RegisterSessionRequest{
		ExternalID: "ext-1", Source: store.SourceClaude, MachineID: "m1", ProjectID: p.ID,
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	dir := t.TempDir()
	for name, body := range workflows {
		writeWorkflow(t, dir, name, body)
	}
	loader := NewLoader([]string{dir}, slog.Default())
	if err := loader.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	engine := NewEngine(EngineOptions{
		Loader: loader,
		Stores: stores,
		Logger: slog.Default(),
	})
	return engine, stores, sess.ID
}

func testEvent(eventType string, data map[string]any) *hooks.HookEvent {
	if data == nil {
		data = map[string]any{}
	}
	return &hooks.HookEvent{
		Type:      eventType,
		SessionID: "ext-1",
		Source:    store.SourceClaude,
		MachineID: "m1",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

func TestEngineTriggerConditionGate(t *testing.T) {
	engine, _, sid := newTestEngine(t, map[string]string{
		"guard.yaml": `
name: guard
triggers:
  - when:
      event: BEFORE_TOOL
      condition: "data.tool_name == 'Bash'"
    actions:
      - action: block
        reason: shell disabled
`,
	})
	ctx := context.Background()

	resp, err := engine.Evaluate(ctx, testEvent(hooks.BeforeTool, map[string]any{"tool_name": "Bash"}), sid)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp == nil || resp.Decision != hooks.DecisionDeny || resp.Reason != "shell disabled" {
		t.Fatalf("resp = %+v", resp)
	}

	resp, err = engine.Evaluate(ctx, testEvent(hooks.BeforeTool, map[string]any{"tool_name": "Read"}), sid)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp != nil {
		t.Fatalf("non-matching condition should not produce a response, got %+v", resp)
	}
}

func TestEngineFirstNonAllowShortCircuits(t *testing.T) {
	engine, stores, sid := newTestEngine(t, map[string]string{
		"multi.yaml": `
name: multi
triggers:
  - when:
      event: BEFORE_AGENT
    actions:
      - action: set_variable
        name: first
        value: ran
      - action: block
        reason: stop here
      - action: set_variable
        name: second
        value: ran
`,
	})
	ctx := context.Background()

	resp, err := engine.Evaluate(ctx, testEvent(hooks.BeforeAgent, nil), sid)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp.Decision != hooks.DecisionDeny {
		t.Fatalf("decision = %s", resp.Decision)
	}

	state, err := stores.WorkflowState.GetState(ctx, sid)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Variables["first"] != "ran" {
		t.Fatal("action before the block should have run")
	}
	if _, ok := state.Variables["second"]; ok {
		t.Fatal("action after the block must not run")
	}
}

func TestEngineInjectContextRequire(t *testing.T) {
	engine, stores, sid := newTestEngine(t, map[string]string{
		"inject.yaml": `
name: inject
triggers:
  - when:
      event: SESSION_START
    actions:
      - action: inject_context
        source: compact_handoff
        require: true
`,
	})
	ctx := context.Background()

	// Empty source with require=true blocks.
	resp, err := engine.Evaluate(ctx, testEvent(hooks.SessionStart, nil), sid)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp.Decision != hooks.DecisionDeny {
		t.Fatalf("require on empty source should deny, got %+v", resp)
	}

	if err := stores.Sessions.UpdateCompactMarkdown(ctx, sid, "## Compact notes"); err != nil {
		t.Fatalf("compact: %v", err)
	}
	resp, err = engine.Evaluate(ctx, testEvent(hooks.SessionStart, nil), sid)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if resp.Decision != hooks.DecisionAllow || resp.Context != "## Compact notes" {
		t.Fatalf("resp = %+v", resp)
	}

	state, err := stores.WorkflowState.GetState(ctx, sid)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.ContextInjected {
		t.Fatal("context_injected flag not set")
	}
}

func TestEngineListSourcesConcatenate(t *testing.T) {
	engine, stores, sid := newTestEngine(t, map[string]string{
		"inject.yaml": `
name: inject
triggers:
  - when:
      event: SESSION_START
    actions:
      - action: inject_context
        source: [compact_handoff, workflow_state]
`,
	})
	ctx := context.Background()

	if err := stores.Sessions.UpdateCompactMarkdown(ctx, sid, "compact"); err != nil {
		t.Fatal(err)
	}
	if _, err := stores.WorkflowState.EnsureState(ctx, sid, "inject"); err != nil {
		t.Fatal(err)
	}
	if err := stores.WorkflowState.UpdateVariables(ctx, sid, map[string]any{"mode": "solo"}); err != nil {
		t.Fatal(err)
	}

	resp, err := engine.Evaluate(ctx, testEvent(hooks.SessionStart, nil), sid)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	want := "compact\n\n- mode: solo"
	if resp.Context != want {
		t.Fatalf("context = %q, want %q", resp.Context, want)
	}
}

func TestEngineLifecycleEnsuresState(t *testing.T) {
	engine, stores, sid := newTestEngine(t, map[string]string{
		"mark.yaml": `
name: mark
triggers: []
lifecycles:
  on_session_end:
    - action: set_variable
      name: ended
      value: "yes"
`,
	})
	ctx := context.Background()

	// No trigger ever fired, so the session has no state row going in.
	if _, err := stores.WorkflowState.GetState(ctx, sid); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("precondition: state = %v, want not found", err)
	}

	engine.RunLifecycle(ctx, "on_session_end", testEvent(hooks.SessionEnd, nil), sid)

	state, err := stores.WorkflowState.GetState(ctx, sid)
	if err != nil {
		t.Fatalf("state after lifecycle: %v", err)
	}
	if state.Variables["ended"] != "yes" {
		t.Fatalf("variables = %v", state.Variables)
	}
}

func TestEngineLifecycleGenerateHandoff(t *testing.T) {
	engine, stores, sid := newTestEngine(t, map[string]string{
		"handoff.yaml": `
name: session-handoff
triggers: []
lifecycles:
  on_session_end:
    - action: generate_handoff
`,
	})
	engine.summariesDir = t.TempDir()
	ctx := context.Background()

	// Give the session a transcript so the fallback summary has content.
	path := writeTranscript(t, `{"role":"user","content":"implement feature"}`)
	if err := stores.Sessions.SetJSONLPath(ctx, sid, path); err != nil {
		t.Fatal(err)
	}

	engine.RunLifecycle(ctx, "on_session_end", testEvent(hooks.SessionEnd, nil), sid)

	sess, err := stores.Sessions.Get(ctx, sid)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if sess.Status != store.SessionHandoffReady {
		t.Fatalf("status = %s, want handoff_ready", sess.Status)
	}
	if sess.SummaryMarkdown == "" {
		t.Fatal("summary not stored")
	}

	// Failback file written with the deterministic name.
	name := "session_" + sess.CreatedAt.Format("20060102") + "_" + sess.ExternalID + ".md"
	if _, err := os.Stat(filepath.Join(engine.summariesDir, name)); err != nil {
		t.Fatalf("failback file: %v", err)
	}
}

func TestLoaderHotReloadAndShadowing(t *testing.T) {
	globalDir := t.TempDir()
	projectDir := t.TempDir()
	writeWorkflow(t, globalDir, "a.yaml", "name: shared\ntriggers: []\n")
	writeWorkflow(t, projectDir, "b.yaml", `
name: shared
triggers:
  - when:
      event: NOTIFICATION
    actions:
      - action: allow
`)

	loader := NewLoader([]string{globalDir, projectDir}, slog.Default())
	if err := loader.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	def, ok := loader.Get("shared")
	if !ok {
		t.Fatal("workflow not loaded")
	}
	// The project-local definition shadows the global one.
	if len(def.Triggers) != 1 {
		t.Fatalf("triggers = %d, want project version", len(def.Triggers))
	}

	// A broken file is skipped without dropping the rest.
	writeWorkflow(t, globalDir, "broken.yaml", "name: [unparseable\n")
	if err := loader.Load(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, ok := loader.Get("shared"); !ok {
		t.Fatal("valid workflow lost after bad file")
	}
}
