package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

func mustCreateTask(t *testing.T, s *store.Stores, req store.CreateTaskRequest) *store.Task {
	t.Helper()
	task, err := s.Tasks.CreateTask(context.Background(), req)
	if err != nil {
		t.Fatalf("create task %q: %v", req.Title, err)
	}
	return task
}

func TestCreateTaskSequenceAndPath(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")

	root := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "epic"})
	if root.SeqNum != 1 || root.PathCache != "1" {
		t.Fatalf("root seq=%d path=%q, want 1/\"1\"", root.SeqNum, root.PathCache)
	}

	child := mustCreateTask(t, s, store.CreateTaskRequest{
		ProjectID: p.ID, Title: "subtask", ParentTaskID: &root.ID,
	})
	if child.SeqNum != 2 || child.PathCache != "1.2" {
		t.Fatalf("child seq=%d path=%q, want 2/\"1.2\"", child.SeqNum, child.PathCache)
	}

	// Seq numbers are per project.
	other := newTestProject(t, s, "beta")
	t2 := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: other.ID, Title: "first"})
	if t2.SeqNum != 1 {
		t.Fatalf("other project seq=%d, want 1", t2.SeqNum)
	}
}

func TestResolveTaskRef(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	root := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "root"})
	child := mustCreateTask(t, s, store.CreateTaskRequest{
		ProjectID: p.ID, Title: "child", ParentTaskID: &root.ID,
	})

	cases := []struct {
		ref  string
		want uuid.UUID
	}{
		{root.ID.String(), root.ID},
		{"#1", root.ID},
		{"1", root.ID},
		{"#2", child.ID},
		{"1.2", child.ID},
	}
	for _, tc := range cases {
		got, err := s.Tasks.ResolveTaskRef(ctx, p.ID, tc.ref)
		if err != nil {
			t.Fatalf("resolve %q: %v", tc.ref, err)
		}
		if got.ID != tc.want {
			t.Fatalf("resolve %q = %s, want %s", tc.ref, got.ID, tc.want)
		}
	}

	if _, err := s.Tasks.ResolveTaskRef(ctx, p.ID, "#99"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("resolve missing seq: %v", err)
	}
	if _, err := s.Tasks.ResolveTaskRef(ctx, p.ID, "not-a-ref"); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("resolve garbage: %v", err)
	}
}

func TestDependencyCycleRejected(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	a := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "a"})
	b := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "b"})
	c := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "c"})

	for _, dep := range []store.TaskDependency{
		{TaskID: a.ID, DependsOnTaskID: b.ID},
		{TaskID: b.ID, DependsOnTaskID: c.ID},
	} {
		if err := s.Tasks.AddDependency(ctx, dep); err != nil {
			t.Fatalf("add dep: %v", err)
		}
	}

	err := s.Tasks.AddDependency(ctx, store.TaskDependency{TaskID: c.ID, DependsOnTaskID: a.ID})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected cycle conflict, got %v", err)
	}
	err = s.Tasks.AddDependency(ctx, store.TaskDependency{TaskID: a.ID, DependsOnTaskID: a.ID})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected self-dep rejection, got %v", err)
	}

	// Re-adding an existing edge is a no-op.
	if err := s.Tasks.AddDependency(ctx, store.TaskDependency{TaskID: a.ID, DependsOnTaskID: b.ID}); err != nil {
		t.Fatalf("re-add dep: %v", err)
	}
}

func TestReadyExcludesOwnDescendantBlockers(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	parent := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "parent"})
	child := mustCreateTask(t, s, store.CreateTaskRequest{
		ProjectID: p.ID, Title: "child", ParentTaskID: &parent.ID,
	})
	external := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "external"})

	// Parent blocked only by its own child: still ready to start.
	if err := s.Tasks.AddDependency(ctx, store.TaskDependency{TaskID: parent.ID, DependsOnTaskID: child.ID}); err != nil {
		t.Fatalf("add dep: %v", err)
	}
	ready, err := s.Tasks.ListReadyTasks(ctx, p.ID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !containsTask(ready, parent.ID) {
		t.Fatal("parent blocked only by its child should be ready")
	}

	// An external open blocker really blocks.
	if err := s.Tasks.AddDependency(ctx, store.TaskDependency{TaskID: parent.ID, DependsOnTaskID: external.ID}); err != nil {
		t.Fatalf("add dep: %v", err)
	}
	blocked, err := s.Tasks.ListBlockedTasks(ctx, p.ID)
	if err != nil {
		t.Fatalf("blocked: %v", err)
	}
	if !containsTask(blocked, parent.ID) {
		t.Fatal("parent with external open blocker should be blocked")
	}

	// Closing the external blocker frees the parent again.
	if _, err := s.Tasks.CloseTask(ctx, external.ID, store.CloseTaskRequest{Reason: "done"}); err != nil {
		t.Fatalf("close: %v", err)
	}
	ready, err = s.Tasks.ListReadyTasks(ctx, p.ID)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if !containsTask(ready, parent.ID) {
		t.Fatal("parent should be ready after blocker closed")
	}
}

func containsTask(ts []*store.Task, id uuid.UUID) bool {
	for _, t := range ts {
		if t.ID == id {
			return true
		}
	}
	return false
}

func TestCloseTaskRules(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	parent := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "parent"})
	child := mustCreateTask(t, s, store.CreateTaskRequest{
		ProjectID: p.ID, Title: "child", ParentTaskID: &parent.ID,
	})

	_, err := s.Tasks.CloseTask(ctx, parent.ID, store.CloseTaskRequest{Reason: "done"})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("close with open child should conflict, got %v", err)
	}

	closed, err := s.Tasks.CloseTask(ctx, parent.ID, store.CloseTaskRequest{
		Reason: "done anyway", CommitSHA: "abc1234", Force: true,
	})
	if err != nil {
		t.Fatalf("force close: %v", err)
	}
	if closed.Status != store.TaskClosed || closed.ClosedAt == nil {
		t.Fatalf("closed task not recorded: %+v", closed)
	}
	if len(closed.Commits) != 1 || closed.Commits[0] != "abc1234" {
		t.Fatalf("commit not linked on close: %v", closed.Commits)
	}

	if _, err := s.Tasks.CloseTask(ctx, parent.ID, store.CloseTaskRequest{Reason: "again"}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("double close should conflict, got %v", err)
	}

	reopened, err := s.Tasks.ReopenTask(ctx, parent.ID, "regression found")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Status != store.TaskOpen || reopened.ClosedAt != nil || reopened.ClosedReason != "" {
		t.Fatalf("reopen did not clear closure: %+v", reopened)
	}
	if reopened.Description == "" {
		t.Fatal("reopen reason should be appended to description")
	}

	if _, err := s.Tasks.ReopenTask(ctx, child.ID, ""); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("reopen of open task should conflict, got %v", err)
	}
}

func TestCascadeDeleteTerminatesOnCycle(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	parent := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "parent"})
	child := mustCreateTask(t, s, store.CreateTaskRequest{
		ProjectID: p.ID, Title: "child", ParentTaskID: &parent.ID,
	})
	// Parent depends on child; child is also parent's subtree member. The
	// cascade walk must visit each node once and stop.
	if err := s.Tasks.AddDependency(ctx, store.TaskDependency{TaskID: parent.ID, DependsOnTaskID: child.ID}); err != nil {
		t.Fatalf("add dep: %v", err)
	}

	if err := s.Tasks.DeleteTask(ctx, parent.ID, true, false); err != nil {
		t.Fatalf("cascade delete: %v", err)
	}
	if _, err := s.Tasks.GetTask(ctx, parent.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("parent survived: %v", err)
	}
	if _, err := s.Tasks.GetTask(ctx, child.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("child survived: %v", err)
	}
}

func TestDeleteRequiresCascadeOrUnlink(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	blocker := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "blocker"})
	dependent := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "dependent"})
	if err := s.Tasks.AddDependency(ctx, store.TaskDependency{TaskID: dependent.ID, DependsOnTaskID: blocker.ID}); err != nil {
		t.Fatalf("add dep: %v", err)
	}

	if err := s.Tasks.DeleteTask(ctx, blocker.ID, false, false); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := s.Tasks.DeleteTask(ctx, blocker.ID, false, true); err != nil {
		t.Fatalf("unlink delete: %v", err)
	}
	// The dependent survives with the edge gone.
	if _, err := s.Tasks.GetTask(ctx, dependent.ID); err != nil {
		t.Fatalf("dependent should survive unlink delete: %v", err)
	}
	deps, err := s.Tasks.ListDependencies(ctx, dependent.ID)
	if err != nil {
		t.Fatalf("list deps: %v", err)
	}
	if len(deps) != 0 {
		t.Fatalf("dangling dependency rows: %+v", deps)
	}
}

func TestLinkCommitSetSemantics(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	task := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "t"})

	for i := 0; i < 2; i++ {
		if _, err := s.Tasks.LinkCommit(ctx, task.ID, "abc1234"); err != nil {
			t.Fatalf("link: %v", err)
		}
	}
	got, err := s.Tasks.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Commits) != 1 {
		t.Fatalf("duplicate link produced %v", got.Commits)
	}

	// Unlinking an absent sha is a no-op.
	if _, err := s.Tasks.UnlinkCommit(ctx, task.ID, "fffffff"); err != nil {
		t.Fatalf("unlink absent: %v", err)
	}
	if _, err := s.Tasks.UnlinkCommit(ctx, task.ID, "abc1234"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	got, _ = s.Tasks.GetTask(ctx, task.ID)
	if len(got.Commits) != 0 {
		t.Fatalf("commit not removed: %v", got.Commits)
	}
}

func TestReparentRecomputesSubtreePaths(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	a := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "a"})
	b := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "b", ParentTaskID: &a.ID})
	c := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "c", ParentTaskID: &b.ID})
	root := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "root"})

	moved, err := s.Tasks.UpdateTask(ctx, b.ID, store.TaskUpdate{ParentTaskID: &root.ID})
	if err != nil {
		t.Fatalf("reparent: %v", err)
	}
	if moved.PathCache != "4.2" {
		t.Fatalf("moved path = %q, want 4.2", moved.PathCache)
	}
	gotC, _ := s.Tasks.GetTask(ctx, c.ID)
	if gotC.PathCache != "4.2.3" {
		t.Fatalf("descendant path = %q, want 4.2.3", gotC.PathCache)
	}

	// Reparenting under a descendant must fail.
	if _, err := s.Tasks.UpdateTask(ctx, b.ID, store.TaskUpdate{ParentTaskID: &c.ID}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected descendant-parent conflict, got %v", err)
	}
}
