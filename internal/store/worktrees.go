package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Worktree status values.
const (
	WorktreeActive   = "active"
	WorktreeReleased = "released"
	WorktreeDeleted  = "deleted"
)

// Worktree is a git working tree owned by at most one child agent at a time.
// At most one active row exists per (project_id, branch_name).
type Worktree struct {
	ID             uuid.UUID  `json:"id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	BranchName     string     `json:"branch_name"`
	WorktreePath   string     `json:"worktree_path"`
	BaseBranch     string     `json:"base_branch"`
	Status         string     `json:"status"`
	TaskID         *uuid.UUID `json:"task_id,omitempty"`
	AgentSessionID *uuid.UUID `json:"agent_session_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Claimed reports whether an agent currently owns the worktree.
func (w *Worktree) Claimed() bool {
	return w.AgentSessionID != nil
}

// WorktreeStore is the worktree contract from the local store.
type WorktreeStore interface {
	Create(ctx context.Context, wt *Worktree) error
	Get(ctx context.Context, id uuid.UUID) (*Worktree, error)
	GetByTask(ctx context.Context, taskID uuid.UUID) (*Worktree, error)
	GetByBranch(ctx context.Context, projectID uuid.UUID, branch string) (*Worktree, error)
	// Claim atomically sets agent_session_id; a second claim on an already
	// claimed worktree fails with ErrConflict.
	Claim(ctx context.Context, id, agentSessionID uuid.UUID) error
	// Release clears agent_session_id and marks the worktree released.
	Release(ctx context.Context, id uuid.UUID) error
	SetTask(ctx context.Context, id, taskID uuid.UUID) error
	// MarkDeleted tombstones the row after the git worktree is removed.
	MarkDeleted(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, projectID uuid.UUID, status string) ([]*Worktree, error)
}
