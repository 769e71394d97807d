package workflow

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
)

const guardWorkflow = `
name: guard
triggers:
  - when:
      event: BEFORE_TOOL
    actions:
      - action: block
        reason: %s
`

func TestLoaderLaterDirShadowsByName(t *testing.T) {
	globalDir := t.TempDir()
	projectDir := t.TempDir()
	writeWorkflow(t, globalDir, "guard.yaml", sprintfGuard("global policy"))
	writeWorkflow(t, projectDir, "guard.yaml", sprintfGuard("project policy"))

	l := NewLoader([]string{globalDir, projectDir}, slog.Default())
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	def, ok := l.Get("guard")
	if !ok {
		t.Fatal("guard not loaded")
	}
	if got := def.Triggers[0].Actions[0].String("reason"); got != "project policy" {
		t.Fatalf("reason = %q, want the project definition to win", got)
	}
	if len(l.All()) != 1 {
		t.Fatalf("definitions = %d, want 1", len(l.All()))
	}
}

func TestLoaderAddDirBringsProjectWorkflowsIntoScope(t *testing.T) {
	globalDir := t.TempDir()
	writeWorkflow(t, globalDir, "guard.yaml", sprintfGuard("global policy"))

	l := NewLoader([]string{globalDir}, slog.Default())
	if err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if def, _ := l.Get("guard"); def.Triggers[0].Actions[0].String("reason") != "global policy" {
		t.Fatal("global definition not loaded")
	}

	projectDir := filepath.Join(t.TempDir(), ".gobby", "workflows")
	writeWorkflow(t, projectDir, "guard.yaml", sprintfGuard("project policy"))
	writeWorkflow(t, projectDir, "local.yaml", "name: local\ntriggers: []\n")

	l.AddDir(projectDir)

	def, ok := l.Get("guard")
	if !ok {
		t.Fatal("guard missing after AddDir")
	}
	if got := def.Triggers[0].Actions[0].String("reason"); got != "project policy" {
		t.Fatalf("reason = %q, want project shadow", got)
	}
	if _, ok := l.Get("local"); !ok {
		t.Fatal("project-only workflow not loaded")
	}

	// Re-adding is a no-op and must not duplicate definitions.
	l.AddDir(projectDir)
	if len(l.All()) != 2 {
		t.Fatalf("definitions = %d, want 2", len(l.All()))
	}
}

func sprintfGuard(reason string) string {
	return fmt.Sprintf(guardWorkflow, reason)
}
