package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SpawnedAgent records one child agent launched by orchestration.
type SpawnedAgent struct {
	TaskID     uuid.UUID `json:"task_id"`
	AgentID    string    `json:"agent_id"`
	SessionID  uuid.UUID `json:"session_id"`
	WorktreeID uuid.UUID `json:"worktree_id"`
	BranchName string    `json:"branch_name"`
}

// WorkflowState is per-session workflow memory persisted across hooks. Rows
// cascade-delete with the session.
type WorkflowState struct {
	SessionID       uuid.UUID                `json:"session_id"`
	WorkflowName    string                   `json:"workflow_name"`
	Step            string                   `json:"step,omitempty"`
	Variables       map[string]any           `json:"variables"`
	Observations    []map[string]any         `json:"observations"`
	ReservedSlots   int                      `json:"reserved_slots"`
	SpawnedAgents   []SpawnedAgent           `json:"spawned_agents"`
	ContextInjected bool                     `json:"context_injected"`
	UpdatedAt       time.Time                `json:"updated_at"`
}

// WorkflowStateStore is the critical-path state contract. Every method is a
// single-row atomic update; concurrent hooks on one session must not lose
// writes.
type WorkflowStateStore interface {
	GetState(ctx context.Context, sessionID uuid.UUID) (*WorkflowState, error)
	// EnsureState creates an empty state row if none exists and returns it.
	EnsureState(ctx context.Context, sessionID uuid.UUID, workflowName string) (*WorkflowState, error)
	SetStep(ctx context.Context, sessionID uuid.UUID, step string) error
	UpdateVariables(ctx context.Context, sessionID uuid.UUID, vars map[string]any) error
	AppendObservation(ctx context.Context, sessionID uuid.UUID, obs map[string]any) error
	SetContextInjected(ctx context.Context, sessionID uuid.UUID, v bool) error

	// CheckAndReserveSlots grants min(requested, maxConcurrent-inUse) slots in
	// one transaction, where inUse counts running spawned agents plus existing
	// reservations. Returns the number granted.
	CheckAndReserveSlots(ctx context.Context, sessionID uuid.UUID, maxConcurrent, requested int) (int, error)
	ReleaseReservedSlots(ctx context.Context, sessionID uuid.UUID, n int) error
	// AppendSpawnedAgents atomically appends entries to spawned_agents.
	AppendSpawnedAgents(ctx context.Context, sessionID uuid.UUID, agents []SpawnedAgent) error
	// ResetLeakedReservations zeroes reserved_slots on every row. Called once
	// at daemon startup: reservations cannot outlive the process that made
	// them, so anything non-zero at boot is a leak from a crashed batch.
	ResetLeakedReservations(ctx context.Context) (int, error)
}
