package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/gobbyhq/gobby/internal/hooks"
	"github.com/gobbyhq/gobby/internal/store"
)

// sessionResolver caches ExternalID→SessionID mappings and funnels cache
// misses through a single flight per identity, so concurrent hooks from an
// unknown session register exactly one row.
type sessionResolver struct {
	sessions store.SessionStore
	projects ProjectResolver

	mu    sync.RWMutex
	cache map[string]uuid.UUID
	group singleflight.Group
}

// ProjectResolver resolves a working directory to a project.
type ProjectResolver interface {
	Resolve(ctx context.Context, cwd string) (*store.Project, error)
}

func newSessionResolver(sessions store.SessionStore, projects ProjectResolver) *sessionResolver {
	return &sessionResolver{
		sessions: sessions,
		projects: projects,
		cache:    map[string]uuid.UUID{},
	}
}

func identityKey(externalID, source, machineID string) string {
	return externalID + "|" + source + "|" + machineID
}

// resolve returns the internal session id for the event, registering a new
// session when none exists.
func (r *sessionResolver) resolve(ctx context.Context, event *hooks.HookEvent) (uuid.UUID, error) {
	if event.SessionID == "" {
		return uuid.Nil, fmt.Errorf("event carries no session id")
	}
	key := identityKey(event.SessionID, event.Source, event.MachineID)

	r.mu.RLock()
	id, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		r.mu.RLock()
		id, ok := r.cache[key]
		r.mu.RUnlock()
		if ok {
			return id, nil
		}

		sess, err := r.sessions.FindByExternal(ctx, event.SessionID, event.Source, event.MachineID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return uuid.Nil, err
		}
		if errors.Is(err, store.ErrNotFound) {
			proj, err := r.projects.Resolve(ctx, event.CWD)
			if err != nil {
				return uuid.Nil, fmt.Errorf("resolve project: %w", err)
			}
			sess, err = r.sessions.Register(ctx, store.RegisterSessionRequest{
				ExternalID: event.SessionID,
				Source:     event.Source,
				MachineID:  event.MachineID,
				ProjectID:  proj.ID,
			})
			if err != nil {
				return uuid.Nil, fmt.Errorf("register session: %w", err)
			}
		}

		r.mu.Lock()
		r.cache[key] = sess.ID
		r.mu.Unlock()
		return sess.ID, nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return v.(uuid.UUID), nil
}

// forget drops a cached identity, used when a session expires.
func (r *sessionResolver) forget(externalID, source, machineID string) {
	r.mu.Lock()
	delete(r.cache, identityKey(externalID, source, machineID))
	r.mu.Unlock()
}
