package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/store/sqlite"
)

type fakeGit struct {
	mu      sync.Mutex
	added   []string
	removed []string
	failAdd bool
}

func (f *fakeGit) DefaultBranch(ctx context.Context, repo string) string { return "main" }

func (f *fakeGit) AddWorktree(ctx context.Context, repo, path, branch, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdd {
		return fmt.Errorf("fatal: branch already exists")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return err
	}
	f.added = append(f.added, path)
	return nil
}

func (f *fakeGit) RemoveWorktree(ctx context.Context, repo, path, branch string, deleteBranch bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
	return os.RemoveAll(path)
}

type fakeSpawner struct {
	mu   sync.Mutex
	reqs []SpawnRequest
	err  error
}

func (f *fakeSpawner) Spawn(ctx context.Context, req SpawnRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.reqs = append(f.reqs, req)
	return fmt.Sprintf("agent-%d", len(f.reqs)), nil
}

type fixture struct {
	orch     *Orchestrator
	stores   *store.Stores
	git      *fakeGit
	spawner  *fakeSpawner
	project  *store.Project
	session  *store.Session
	parent   *store.Task
	children []*store.Task
}

func newFixture(t *testing.T, childCount int) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gobby.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := sqlite.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stores := sqlite.NewStores(db, store.NewNotifier())

	projectPath := t.TempDir()
	p := &store.Project{Name: "alpha", Path: projectPath}
	if err := stores.Projects.Create(ctx, p); err != nil {
		t.Fatalf("project: %v", err)
	}
	if err := project.WriteMarker(projectPath, &project.Marker{ID: p.ID, Name: p.Name}); err != nil {
		t.Fatalf("marker: %v", err)
	}

	sess, err := stores.Sessions.Register(ctx, store.RegisterSessionRequest{
		ExternalID: "parent-1", Source: store.SourceClaude, MachineID: "m1", ProjectID: p.ID,
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	parent, err := stores.Tasks.CreateTask(ctx, store.CreateTaskRequest{ProjectID: p.ID, Title: "epic"})
	if err != nil {
		t.Fatalf("parent task: %v", err)
	}
	var children []*store.Task
	for i := 0; i < childCount; i++ {
		c, err := stores.Tasks.CreateTask(ctx, store.CreateTaskRequest{
			ProjectID:    p.ID,
			ParentTaskID: &parent.ID,
			Title:        fmt.Sprintf("subtask %d", i+1),
		})
		if err != nil {
			t.Fatalf("child task: %v", err)
		}
		children = append(children, c)
	}

	g := &fakeGit{}
	sp := &fakeSpawner{}
	reg := NewRegistry()
	reg.Register(ModeTerminal, sp)

	orch := New(Options{
		Stores:       stores,
		Git:          g,
		Spawners:     reg,
		WorktreeBase: t.TempDir(),
		Logger:       slog.Default(),
	})
	return &fixture{
		orch: orch, stores: stores, git: g, spawner: sp,
		project: p, session: sess, parent: parent, children: children,
	}
}

func countReason(skipped []map[string]any, reason string) int {
	n := 0
	for _, s := range skipped {
		if s["reason"] == reason {
			n++
		}
	}
	return n
}

func TestOrchestrateCapacityLimit(t *testing.T) {
	fx := newFixture(t, 5)
	ctx := context.Background()

	res, err := fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": "#" + fmt.Sprint(fx.parent.SeqNum),
		"max_concurrent": 2,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res["success"] != true {
		t.Fatalf("result = %v", res)
	}
	if res["spawned_count"] != 2 || res["skipped_count"] != 3 {
		t.Fatalf("spawned=%v skipped=%v", res["spawned_count"], res["skipped_count"])
	}
	skipped := res["skipped"].([]map[string]any)
	if got := countReason(skipped, "max_concurrent limit reached"); got != 3 {
		t.Fatalf("capacity skip reasons = %d, want 3", got)
	}

	state, err := fx.stores.WorkflowState.GetState(ctx, fx.session.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.ReservedSlots != 0 {
		t.Fatalf("reserved_slots = %d after batch, want 0", state.ReservedSlots)
	}
	if len(state.SpawnedAgents) != 2 {
		t.Fatalf("spawned_agents = %d, want 2", len(state.SpawnedAgents))
	}

	// Spawned tasks moved to in_progress and own a claimed worktree.
	for _, agent := range state.SpawnedAgents {
		task, err := fx.stores.Tasks.GetTask(ctx, agent.TaskID)
		if err != nil {
			t.Fatalf("task: %v", err)
		}
		if task.Status != store.TaskInProgress {
			t.Fatalf("task %s status = %s", task.Title, task.Status)
		}
		wt, err := fx.stores.Worktrees.Get(ctx, agent.WorktreeID)
		if err != nil {
			t.Fatalf("worktree: %v", err)
		}
		if !wt.Claimed() {
			t.Fatal("spawned worktree not claimed")
		}
		// Provisioning copied the project marker into the worktree.
		if _, err := os.Stat(filepath.Join(wt.WorktreePath, ".gobby", "project.json")); err != nil {
			t.Fatalf("marker not copied: %v", err)
		}
	}

	// A second call while both agents still run gets no capacity.
	res, err = fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": fx.parent.ID.String(),
		"max_concurrent": 2,
	})
	if err != nil {
		t.Fatalf("second orchestrate: %v", err)
	}
	if res["spawned_count"] != 0 {
		t.Fatalf("second call spawned %v, want 0", res["spawned_count"])
	}
	if len(fx.spawner.reqs) != 2 {
		t.Fatalf("spawner invoked %d times total, want 2", len(fx.spawner.reqs))
	}
}

func TestOrchestrateFreshSessionReservesSlots(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()

	// No trigger ever ran for this session, so no state row exists yet.
	if _, err := fx.stores.WorkflowState.GetState(ctx, fx.session.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("precondition: state = %v, want not found", err)
	}

	res, err := fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": fx.parent.ID.String(),
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res["success"] != true || res["spawned_count"] != 1 {
		t.Fatalf("result = %v", res)
	}

	state, err := fx.stores.WorkflowState.GetState(ctx, fx.session.ID)
	if err != nil {
		t.Fatalf("state after orchestrate: %v", err)
	}
	if state.ReservedSlots != 0 || len(state.SpawnedAgents) != 1 {
		t.Fatalf("state = reserved %d, agents %d", state.ReservedSlots, len(state.SpawnedAgents))
	}
}

func TestBranchNameUsesFullTaskID(t *testing.T) {
	task := &store.Task{ID: uuid.New()}
	want := "task-" + task.ID.String()
	if got := branchFor(task); got != want {
		t.Fatalf("branch = %q, want %q", got, want)
	}
}

func TestOrchestrateDryRun(t *testing.T) {
	fx := newFixture(t, 3)
	ctx := context.Background()

	res, err := fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": fx.parent.ID.String(),
		"max_concurrent": 2,
		"dry_run":        true,
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res["dry_run"] != true {
		t.Fatalf("result = %v", res)
	}
	planned := res["planned"].([]map[string]any)
	if len(planned) != 2 {
		t.Fatalf("planned = %d, want 2", len(planned))
	}
	if planned[0]["prompt"] == "" {
		t.Fatal("plan missing rendered prompt")
	}

	// No side effects: nothing spawned, no worktrees, reservations freed.
	if len(fx.spawner.reqs) != 0 || len(fx.git.added) != 0 {
		t.Fatal("dry run had side effects")
	}
	state, err := fx.stores.WorkflowState.GetState(ctx, fx.session.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.ReservedSlots != 0 {
		t.Fatalf("reserved_slots = %d after dry run", state.ReservedSlots)
	}
}

func TestOrchestrateSpawnFailureRollsBack(t *testing.T) {
	fx := newFixture(t, 1)
	fx.spawner.err = fmt.Errorf("terminal launch failed")
	ctx := context.Background()

	res, err := fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": fx.parent.ID.String(),
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res["spawned_count"] != 0 || res["skipped_count"] != 1 {
		t.Fatalf("spawned=%v skipped=%v", res["spawned_count"], res["skipped_count"])
	}

	// The freshly created worktree was torn down in both git and the store.
	if len(fx.git.removed) != 1 {
		t.Fatalf("git removals = %d, want 1", len(fx.git.removed))
	}
	if _, err := fx.stores.Worktrees.GetByTask(ctx, fx.children[0].ID); err == nil {
		t.Fatal("worktree row survived rollback")
	}

	// Task untouched, reservations freed, nothing recorded as spawned.
	task, err := fx.stores.Tasks.GetTask(ctx, fx.children[0].ID)
	if err != nil {
		t.Fatalf("task: %v", err)
	}
	if task.Status != store.TaskOpen {
		t.Fatalf("task status = %s, want open", task.Status)
	}
	state, err := fx.stores.WorkflowState.GetState(ctx, fx.session.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.ReservedSlots != 0 || len(state.SpawnedAgents) != 0 {
		t.Fatalf("state = reserved %d, agents %d", state.ReservedSlots, len(state.SpawnedAgents))
	}
}

func TestOrchestrateGitFailureSkips(t *testing.T) {
	fx := newFixture(t, 2)
	fx.git.failAdd = true
	ctx := context.Background()

	res, err := fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": fx.parent.ID.String(),
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res["spawned_count"] != 0 || res["skipped_count"] != 2 {
		t.Fatalf("spawned=%v skipped=%v", res["spawned_count"], res["skipped_count"])
	}
	skipped := res["skipped"].([]map[string]any)
	for _, s := range skipped {
		reason := s["reason"].(string)
		if reason == "" || reason == "max_concurrent limit reached" {
			t.Fatalf("unexpected skip reason %q", reason)
		}
	}
}

func TestOrchestrateBadParentRef(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	res, err := fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": "#9999",
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res["success"] != false {
		t.Fatalf("result = %v", res)
	}
	if res["error"] == "" {
		t.Fatal("missing error message")
	}
	if _, err := fx.orch.Orchestrate(ctx, uuid.New(), map[string]any{"parent_task_id": "#1"}); err != nil {
		t.Fatalf("unknown session should fail soft, got %v", err)
	}
}

func TestOrchestrateProviderPriority(t *testing.T) {
	fx := newFixture(t, 1)
	ctx := context.Background()

	// Parent workflow variables supply defaults.
	if _, err := fx.stores.WorkflowState.EnsureState(ctx, fx.session.ID, "orchestrate"); err != nil {
		t.Fatal(err)
	}
	if err := fx.stores.WorkflowState.UpdateVariables(ctx, fx.session.ID, map[string]any{
		"coding_provider": "gemini",
		"coding_model":    "gemini-2.5-pro",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := fx.orch.Orchestrate(ctx, fx.session.ID, map[string]any{
		"parent_task_id": fx.parent.ID.String(),
	})
	if err != nil {
		t.Fatalf("orchestrate: %v", err)
	}
	if res["spawned_count"] != 1 {
		t.Fatalf("spawned = %v: %v", res["spawned_count"], res["skipped"])
	}
	req := fx.spawner.reqs[0]
	if req.Provider != "gemini" || req.Model != "gemini-2.5-pro" {
		t.Fatalf("provider/model = %s/%s", req.Provider, req.Model)
	}

	// An explicit argument overrides the workflow variables.
	fx2 := newFixture(t, 1)
	if _, err := fx2.stores.WorkflowState.EnsureState(ctx, fx2.session.ID, "orchestrate"); err != nil {
		t.Fatal(err)
	}
	if err := fx2.stores.WorkflowState.UpdateVariables(ctx, fx2.session.ID, map[string]any{
		"coding_provider": "gemini",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := fx2.orch.Orchestrate(ctx, fx2.session.ID, map[string]any{
		"parent_task_id":  fx2.parent.ID.String(),
		"coding_provider": "codex",
	}); err != nil {
		t.Fatal(err)
	}
	if fx2.spawner.reqs[0].Provider != "codex" {
		t.Fatalf("provider = %s, want explicit codex", fx2.spawner.reqs[0].Provider)
	}
}

func TestReaperSweep(t *testing.T) {
	fx := newFixture(t, 0)
	ctx := context.Background()

	gone := &store.Worktree{
		ProjectID:    fx.project.ID,
		BranchName:   "task-gone",
		WorktreePath: filepath.Join(t.TempDir(), "missing"),
	}
	if err := fx.stores.Worktrees.Create(ctx, gone); err != nil {
		t.Fatal(err)
	}
	if err := fx.stores.Worktrees.Release(ctx, gone.ID); err != nil {
		t.Fatal(err)
	}

	keptDir := t.TempDir()
	kept := &store.Worktree{
		ProjectID:    fx.project.ID,
		BranchName:   "task-kept",
		WorktreePath: keptDir,
	}
	if err := fx.stores.Worktrees.Create(ctx, kept); err != nil {
		t.Fatal(err)
	}
	if err := fx.stores.Worktrees.Release(ctx, kept.ID); err != nil {
		t.Fatal(err)
	}

	NewReaper(fx.stores, "", slog.Default()).Sweep(ctx)

	if wt, err := fx.stores.Worktrees.Get(ctx, gone.ID); err != nil || wt.Status != store.WorktreeDeleted {
		t.Fatalf("missing-dir worktree = %+v, %v; want deleted", wt, err)
	}
	if wt, err := fx.stores.Worktrees.Get(ctx, kept.ID); err != nil || wt.Status != store.WorktreeReleased {
		t.Fatalf("present-dir worktree = %+v, %v; want released", wt, err)
	}
}
