package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// ProjectStore implements store.ProjectStore.
type ProjectStore struct {
	*base
}

const projectCols = "id, name, path, created_at, updated_at"

func scanProject(row interface{ Scan(...any) error }) (*store.Project, error) {
	var p store.Project
	var id string
	if err := row.Scan(&id, &p.Name, &p.Path, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ID = uuid.MustParse(id)
	return &p, nil
}

func (s *ProjectStore) Create(ctx context.Context, p *store.Project) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	ts := now()
	p.CreatedAt, p.UpdatedAt = ts, ts

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, name, path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, p.Path, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Conflictf("project %q already exists", p.Name)
		}
		return fmt.Errorf("create project: %w", err)
	}
	s.notify("project", "create", p.ID.String())
	return nil
}

func (s *ProjectStore) Get(ctx context.Context, id uuid.UUID) (*store.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE id = ?`, id.String())
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("project %s", id)
	}
	return p, err
}

func (s *ProjectStore) GetByName(ctx context.Context, name string) (*store.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE name = ?`, name)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("project %q", name)
	}
	return p, err
}

func (s *ProjectStore) GetByPath(ctx context.Context, path string) (*store.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE path = ?`, path)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("project at %q", path)
	}
	return p, err
}

func (s *ProjectStore) Update(ctx context.Context, id uuid.UUID, name, path string) (*store.Project, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Hidden() || cur.Name == store.ProjectPersonal {
		if name != "" && name != cur.Name {
			return nil, store.Conflictf("project %q is reserved", cur.Name)
		}
	}
	if name == "" {
		name = cur.Name
	}
	if path == "" {
		path = cur.Path
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE projects SET name = ?, path = ?, updated_at = ? WHERE id = ?`,
		name, path, now(), id.String())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Conflictf("project %q already exists", name)
		}
		return nil, fmt.Errorf("update project: %w", err)
	}
	s.notify("project", "update", id.String())
	return s.Get(ctx, id)
}

func (s *ProjectStore) Delete(ctx context.Context, id uuid.UUID) error {
	p, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Hidden() || p.Name == store.ProjectPersonal {
		return store.Conflictf("project %q is reserved and cannot be deleted", p.Name)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	s.notify("project", "delete", id.String())
	return nil
}

func (s *ProjectStore) List(ctx context.Context) ([]*store.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+projectCols+` FROM projects WHERE name NOT IN (?, ?) ORDER BY created_at`,
		store.ProjectOrphaned, store.ProjectMigrated)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*store.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *ProjectStore) EnsurePersonal(ctx context.Context) (*store.Project, error) {
	p, err := s.GetByName(ctx, store.ProjectPersonal)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	p = &store.Project{Name: store.ProjectPersonal}
	if err := s.Create(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.GetByName(ctx, store.ProjectPersonal)
		}
		return nil, err
	}
	return p, nil
}
