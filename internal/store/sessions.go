package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Session sources (which CLI delivered the event).
const (
	SourceClaude      = "claude"
	SourceGemini      = "gemini"
	SourceCodex       = "codex"
	SourceAntigravity = "antigravity"
)

// Session status values.
const (
	SessionActive       = "active"
	SessionPaused       = "paused"
	SessionHandoffReady = "handoff_ready"
	SessionExpired      = "expired"
)

// Session is one CLI conversation. ExternalID is the CLI's own identifier
// (session_id for Claude, thread_id for Codex) and is unique only per
// (source, machine). ID is the stable internal UUID.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	ExternalID      string     `json:"external_id"`
	Source          string     `json:"source"`
	MachineID       string     `json:"machine_id"`
	ProjectID       uuid.UUID  `json:"project_id"`
	ParentSessionID *uuid.UUID `json:"parent_session_id,omitempty"`
	Status          string     `json:"status"`
	JSONLPath       string     `json:"jsonl_path,omitempty"`
	SummaryMarkdown string     `json:"summary_markdown,omitempty"`
	CompactMarkdown string     `json:"compact_markdown,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SessionTaskLink records session↔task activity; the most recent "worked_on"
// link identifies the session's active task.
type SessionTaskLink struct {
	SessionID uuid.UUID `json:"session_id"`
	TaskID    uuid.UUID `json:"task_id"`
	Action    string    `json:"action"` // "worked_on", "closed", "created"
	CreatedAt time.Time `json:"created_at"`
}

// Session↔task link actions.
const (
	LinkWorkedOn = "worked_on"
	LinkClosed   = "closed"
	LinkCreated  = "created"
)

// RegisterSessionRequest registers a new session row.
type RegisterSessionRequest struct {
	ExternalID      string
	Source          string
	MachineID       string
	ProjectID       uuid.UUID
	ParentSessionID *uuid.UUID
	JSONLPath       string
}

// SessionStore is the session contract from the local store. Sessions are
// never hard-deleted; expiry is a status transition.
type SessionStore interface {
	// Register creates a session, or returns the existing non-expired row for
	// (external_id, source, machine_id). Idempotent under concurrency.
	Register(ctx context.Context, req RegisterSessionRequest) (*Session, error)
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	// FindByExternal returns the most recent non-expired session for the key.
	FindByExternal(ctx context.Context, externalID, source, machineID string) (*Session, error)
	// FindParentSession returns the most recent handoff_ready session for
	// (machine, source, project), or ErrNotFound.
	FindParentSession(ctx context.Context, machineID, source string, projectID uuid.UUID) (*Session, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	MarkExpired(ctx context.Context, id uuid.UUID) error
	SetParent(ctx context.Context, id, parentID uuid.UUID) error
	UpdateSummary(ctx context.Context, id uuid.UUID, markdown string) error
	UpdateCompactMarkdown(ctx context.Context, id uuid.UUID, markdown string) error
	SetJSONLPath(ctx context.Context, id uuid.UUID, path string) error

	LinkTask(ctx context.Context, link SessionTaskLink) error
	// ActiveTask returns the task of the most recent "worked_on" link, or
	// ErrNotFound when the session has none.
	ActiveTask(ctx context.Context, sessionID uuid.UUID) (*Task, error)
	List(ctx context.Context, projectID uuid.UUID, limit int) ([]*Session, error)
}
