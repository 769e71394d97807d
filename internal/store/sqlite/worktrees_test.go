package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

func newTestWorktree(t *testing.T, s *store.Stores, projectID uuid.UUID, branch string) *store.Worktree {
	t.Helper()
	wt := &store.Worktree{
		ProjectID:    projectID,
		BranchName:   branch,
		WorktreePath: "/tmp/worktrees/" + branch,
		BaseBranch:   "main",
	}
	if err := s.Worktrees.Create(context.Background(), wt); err != nil {
		t.Fatalf("create worktree: %v", err)
	}
	return wt
}

func newClaimSession(t *testing.T, s *store.Stores, projectID uuid.UUID) uuid.UUID {
	t.Helper()
	sess, err := s.Sessions.Register(context.Background(), store.RegisterSessionRequest{
		ExternalID: uuid.NewString(), Source: store.SourceClaude, MachineID: "m1", ProjectID: projectID,
	})
	if err != nil {
		t.Fatalf("register session: %v", err)
	}
	return sess.ID
}

func TestWorktreeClaimIsExclusive(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	wt := newTestWorktree(t, s, p.ID, "gobby/task-1")
	first := newClaimSession(t, s, p.ID)
	second := newClaimSession(t, s, p.ID)

	if err := s.Worktrees.Claim(ctx, wt.ID, first); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.Worktrees.Claim(ctx, wt.ID, second); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second claim should conflict, got %v", err)
	}

	if err := s.Worktrees.Release(ctx, wt.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, err := s.Worktrees.Get(ctx, wt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Claimed() || got.Status != store.WorktreeReleased {
		t.Fatalf("release left %+v", got)
	}
}

func TestOneActiveWorktreePerBranch(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	wt := newTestWorktree(t, s, p.ID, "gobby/task-1")

	dup := &store.Worktree{
		ProjectID:    p.ID,
		BranchName:   "gobby/task-1",
		WorktreePath: "/tmp/worktrees/dup",
	}
	if err := s.Worktrees.Create(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate active branch should conflict, got %v", err)
	}

	// After tombstoning, the branch name is free again.
	if err := s.Worktrees.MarkDeleted(ctx, wt.ID); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if err := s.Worktrees.Create(ctx, dup); err != nil {
		t.Fatalf("create after delete: %v", err)
	}
}

func TestWorktreeGetByTask(t *testing.T) {
	s := newTestStores(t)
	p := newTestProject(t, s, "alpha")
	ctx := context.Background()

	task := mustCreateTask(t, s, store.CreateTaskRequest{ProjectID: p.ID, Title: "t"})
	wt := newTestWorktree(t, s, p.ID, "gobby/task-1")
	if err := s.Worktrees.SetTask(ctx, wt.ID, task.ID); err != nil {
		t.Fatalf("set task: %v", err)
	}

	got, err := s.Worktrees.GetByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get by task: %v", err)
	}
	if got.ID != wt.ID {
		t.Fatalf("got %s, want %s", got.ID, wt.ID)
	}

	// Tombstoned worktrees are invisible to task lookup.
	if err := s.Worktrees.MarkDeleted(ctx, wt.ID); err != nil {
		t.Fatalf("mark deleted: %v", err)
	}
	if _, err := s.Worktrees.GetByTask(ctx, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("deleted worktree still resolvable: %v", err)
	}
}
