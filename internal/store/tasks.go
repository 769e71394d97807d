package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task status values.
const (
	TaskOpen       = "open"
	TaskInProgress = "in_progress"
	TaskEscalated  = "escalated"
	TaskClosed     = "closed"
)

// Validation status values.
const (
	ValidationNone    = "none"
	ValidationPending = "pending"
	ValidationValid   = "valid"
	ValidationInvalid = "invalid"
)

// Dependency types.
const (
	DepBlocks  = "blocks"
	DepRelated = "related"
)

// PriorityUnknown sorts unprioritized tasks last (lower is higher priority).
const PriorityUnknown = 999

// Task is a unit of work tracked per project. SeqNum is monotonic per
// project; PathCache is the dotted chain of ancestor seq nums ("1.2.3").
type Task struct {
	ID                uuid.UUID  `json:"id"`
	ProjectID         uuid.UUID  `json:"project_id"`
	ParentTaskID      *uuid.UUID `json:"parent_task_id,omitempty"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	Status            string     `json:"status"`
	Priority          int        `json:"priority"`
	TaskType          string     `json:"task_type,omitempty"`
	Labels            []string   `json:"labels"`
	Assignee          string     `json:"assignee,omitempty"`
	Commits           []string   `json:"commits"` // normalized short SHAs, deduped
	WorkflowName      string     `json:"workflow_name,omitempty"`
	SequenceOrder     *int       `json:"sequence_order,omitempty"`
	ClosedInSessionID *uuid.UUID `json:"closed_in_session_id,omitempty"`
	ClosedCommitSHA   string     `json:"closed_commit_sha,omitempty"`
	ClosedReason      string     `json:"closed_reason,omitempty"`
	ClosedAt          *time.Time `json:"closed_at,omitempty"`
	ValidationStatus  string     `json:"validation_status"`
	EscalationReason  string     `json:"escalation_reason,omitempty"`
	SeqNum            int        `json:"seq_num"`
	PathCache         string     `json:"path_cache"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// TaskDependency is an edge in the per-project dependency DAG.
type TaskDependency struct {
	TaskID          uuid.UUID `json:"task_id"`
	DependsOnTaskID uuid.UUID `json:"depends_on_task_id"`
	DepType         string    `json:"dep_type"` // "blocks" or "related"
}

// TaskComment is free-form discussion attached to a task.
type TaskComment struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	Author    string    `json:"author,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTaskRequest carries the writable fields for task creation.
type CreateTaskRequest struct {
	ProjectID     uuid.UUID
	ParentTaskID  *uuid.UUID
	Title         string
	Description   string
	Priority      *int
	TaskType      string
	Labels        []string
	Assignee      string
	WorkflowName  string
	SequenceOrder *int
}

// TaskUpdate carries optional field updates; nil pointers leave the field
// untouched. ClearParent=true explicitly sets parent_task_id to NULL.
type TaskUpdate struct {
	Title            *string
	Description      *string
	Status           *string
	Priority         *int
	TaskType         *string
	Labels           *[]string
	Assignee         *string
	WorkflowName     *string
	SequenceOrder    *int
	ValidationStatus *string
	EscalationReason *string
	ParentTaskID     *uuid.UUID
	ClearParent      bool
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	ProjectID uuid.UUID
	Status    string
	Label     string
	Assignee  string
	ParentID  *uuid.UUID
	Limit     int
	Offset    int
}

// CloseTaskRequest closes a task with optional provenance.
type CloseTaskRequest struct {
	Reason    string
	CommitSHA string // normalized before storage; empty = no commit link
	SessionID *uuid.UUID
	Force     bool // close even with open direct children
}

// TaskStore is the task contract from the local store.
type TaskStore interface {
	CreateTask(ctx context.Context, req CreateTaskRequest) (*Task, error)
	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	// ResolveTaskRef accepts a UUID, "#N", "N", or dotted path ("1.2.3").
	ResolveTaskRef(ctx context.Context, projectID uuid.UUID, ref string) (*Task, error)
	UpdateTask(ctx context.Context, id uuid.UUID, upd TaskUpdate) (*Task, error)
	CloseTask(ctx context.Context, id uuid.UUID, req CloseTaskRequest) (*Task, error)
	ReopenTask(ctx context.Context, id uuid.UUID, reason string) (*Task, error)
	DeescalateTask(ctx context.Context, id uuid.UUID, reason string) (*Task, error)
	// DeleteTask enforces the dependent rules: cascade deletes the subtree
	// plus dependents without revisiting nodes; unlink deletes only the task
	// and relies on FK cascade for dependency rows.
	DeleteTask(ctx context.Context, id uuid.UUID, cascade, unlink bool) error
	ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error)
	// ListReadyTasks returns non-closed tasks whose open blockers, excluding
	// their own descendants, are empty.
	ListReadyTasks(ctx context.Context, projectID uuid.UUID) ([]*Task, error)
	ListBlockedTasks(ctx context.Context, projectID uuid.UUID) ([]*Task, error)
	// ListReadyDescendants returns ready tasks in the subtree under parent.
	ListReadyDescendants(ctx context.Context, parentID uuid.UUID) ([]*Task, error)

	AddDependency(ctx context.Context, dep TaskDependency) error
	RemoveDependency(ctx context.Context, taskID, dependsOn uuid.UUID) error
	ListDependencies(ctx context.Context, taskID uuid.UUID) ([]TaskDependency, error)

	// LinkCommit and UnlinkCommit require sha to already be normalized to the
	// short form; both are idempotent (set semantics on Task.Commits).
	LinkCommit(ctx context.Context, taskID uuid.UUID, sha string) (*Task, error)
	UnlinkCommit(ctx context.Context, taskID uuid.UUID, sha string) (*Task, error)

	AddComment(ctx context.Context, c *TaskComment) error
	ListComments(ctx context.Context, taskID uuid.UUID) ([]TaskComment, error)
	DeleteComment(ctx context.Context, commentID uuid.UUID) error
}
