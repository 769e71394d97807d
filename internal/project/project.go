// Package project resolves which Gobby project an event belongs to from its
// working directory, auto-initializing marker files on first activity.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/store"
)

// MarkerDir and MarkerFile form the in-repo project marker path.
const (
	MarkerDir  = ".gobby"
	MarkerFile = "project.json"
)

// Marker is the persisted .gobby/project.json content.
type Marker struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

// Resolver maps working directories to projects.
type Resolver struct {
	projects store.ProjectStore
	logger   *slog.Logger

	// OnResolve, when set, observes every successfully resolved project. The
	// daemon hooks it to pick up project-local workflow directories.
	OnResolve func(*store.Project)
}

func NewResolver(projects store.ProjectStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{projects: projects, logger: logger}
}

// Resolve finds the project for cwd. It walks up the directory tree looking
// for a marker; with no marker it auto-initializes a project at cwd. An empty
// cwd falls back to the personal project.
func (r *Resolver) Resolve(ctx context.Context, cwd string) (*store.Project, error) {
	p, err := r.resolve(ctx, cwd)
	if err == nil && r.OnResolve != nil {
		r.OnResolve(p)
	}
	return p, err
}

func (r *Resolver) resolve(ctx context.Context, cwd string) (*store.Project, error) {
	if cwd == "" {
		return r.projects.EnsurePersonal(ctx)
	}

	root, marker, err := findMarker(cwd)
	if err == nil {
		if p, err := r.projects.Get(ctx, marker.ID); err == nil {
			return p, nil
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		// Marker references a row this store has never seen (copied worktree,
		// wiped DB). Re-register under the marker's identity.
		p := &store.Project{ID: marker.ID, Name: marker.Name, Path: root}
		if err := r.projects.Create(ctx, p); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return r.projects.GetByName(ctx, marker.Name)
			}
			return nil, err
		}
		r.logger.Info("project.reregistered", "name", p.Name, "path", root)
		return p, nil
	}

	if p, err := r.projects.GetByPath(ctx, cwd); err == nil {
		return p, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	return r.autoInit(ctx, cwd)
}

// autoInit creates a project named after the directory and writes the marker.
func (r *Resolver) autoInit(ctx context.Context, cwd string) (*store.Project, error) {
	name := filepath.Base(cwd)
	if name == "." || name == string(filepath.Separator) || name == "" {
		return r.projects.EnsurePersonal(ctx)
	}

	p := &store.Project{Name: name, Path: cwd}
	if err := r.projects.Create(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			existing, gerr := r.projects.GetByName(ctx, name)
			if gerr != nil {
				return nil, gerr
			}
			p = existing
		} else {
			return nil, err
		}
	}

	if err := WriteMarker(cwd, &Marker{ID: p.ID, Name: p.Name}); err != nil {
		// The project row exists either way; the marker is best effort.
		r.logger.Warn("project.marker_write_failed", "path", cwd, "error", err)
	} else {
		r.logger.Info("project.auto_initialized", "name", p.Name, "path", cwd)
	}
	return p, nil
}

// findMarker walks from dir toward the filesystem root.
func findMarker(dir string) (string, *Marker, error) {
	dir = filepath.Clean(dir)
	for {
		path := filepath.Join(dir, MarkerDir, MarkerFile)
		if data, err := os.ReadFile(path); err == nil {
			var m Marker
			if err := json.Unmarshal(data, &m); err != nil {
				return "", nil, fmt.Errorf("parse %s: %w", path, err)
			}
			if m.ID == uuid.Nil {
				return "", nil, fmt.Errorf("marker %s has no id", path)
			}
			return dir, &m, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil, os.ErrNotExist
		}
		dir = parent
	}
}

// WriteMarker writes .gobby/project.json under root.
func WriteMarker(root string, m *Marker) error {
	dir := filepath.Join(root, MarkerDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MarkerFile), append(data, '\n'), 0o644)
}

// CopyMarker copies the project marker from one tree to another, used when
// provisioning agent worktrees.
func CopyMarker(srcRoot, dstRoot string) error {
	data, err := os.ReadFile(filepath.Join(srcRoot, MarkerDir, MarkerFile))
	if err != nil {
		return fmt.Errorf("read project marker: %w", err)
	}
	dir := filepath.Join(dstRoot, MarkerDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, MarkerFile), data, 0o644)
}
