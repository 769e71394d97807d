package store

import (
	"log/slog"
	"sync"
)

// Change describes one committed write for in-process listeners.
type Change struct {
	Entity string // "task", "session", "worktree", "workflow_state", ...
	Op     string // "create", "update", "delete"
	ID     string
}

// Listener receives post-commit change notifications.
type Listener func(Change)

// Notifier fans committed changes out to registered listeners. Listeners run
// after commit, never inside the transaction, and a panicking listener must
// not fail the write that triggered it.
type Notifier struct {
	mu        sync.RWMutex
	listeners map[string]Listener
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[string]Listener)}
}

// Subscribe registers a listener under id, replacing any previous one.
func (n *Notifier) Subscribe(id string, l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners[id] = l
}

// Unsubscribe removes a listener.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, id)
}

// Notify invokes every listener with the change, recovering panics.
func (n *Notifier) Notify(c Change) {
	n.mu.RLock()
	ls := make([]Listener, 0, len(n.listeners))
	for _, l := range n.listeners {
		ls = append(ls, l)
	}
	n.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("store.listener_panic", "entity", c.Entity, "op", c.Op, "panic", r)
				}
			}()
			l(c)
		}()
	}
}
