package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reserved project names. "_personal" always exists and renders as
// "Personal"; "_orphaned" and "_migrated" are hidden system projects that
// must never be listed or deleted.
const (
	ProjectPersonal = "_personal"
	ProjectOrphaned = "_orphaned"
	ProjectMigrated = "_migrated"
)

// Project groups sessions, tasks and worktrees for one working directory.
type Project struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Path      string    `json:"path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Hidden reports whether the project is a system project excluded from lists.
func (p *Project) Hidden() bool {
	return p.Name == ProjectOrphaned || p.Name == ProjectMigrated
}

// DisplayName renders reserved names for humans.
func (p *Project) DisplayName() string {
	if p.Name == ProjectPersonal {
		return "Personal"
	}
	return p.Name
}

// ProjectStore is the project contract from the local store.
type ProjectStore interface {
	Create(ctx context.Context, p *Project) error
	Get(ctx context.Context, id uuid.UUID) (*Project, error)
	GetByName(ctx context.Context, name string) (*Project, error)
	GetByPath(ctx context.Context, path string) (*Project, error)
	Update(ctx context.Context, id uuid.UUID, name, path string) (*Project, error)
	// Delete refuses reserved projects with ErrConflict.
	Delete(ctx context.Context, id uuid.UUID) error
	// List excludes hidden system projects.
	List(ctx context.Context) ([]*Project, error)
	// EnsurePersonal creates the reserved _personal project if missing.
	EnsurePersonal(ctx context.Context) (*Project, error)
}
