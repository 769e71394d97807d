// Package sqlite implements the local store contract on a single embedded
// SQLite file with strict foreign keys and transactional writes.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gobbyhq/gobby/internal/store"
)

// NewStores builds all store implementations over one database handle.
// Changes are published through notifier after commit.
func NewStores(db *sql.DB, notifier *store.Notifier) *store.Stores {
	b := &base{db: db, notifier: notifier}
	return &store.Stores{
		Projects:      &ProjectStore{base: b},
		Sessions:      &SessionStore{base: b},
		Tasks:         &TaskStore{base: b},
		Worktrees:     &WorktreeStore{base: b},
		WorkflowState: &WorkflowStateStore{base: b},
		MCP:           &MCPStore{base: b},
		Secrets:       &SecretStore{base: b},
	}
}

type base struct {
	db       *sql.DB
	notifier *store.Notifier
}

// withTx runs fn in a transaction and fires queued notifications only after
// a successful commit. Listener errors never fail the write.
func (b *base) withTx(ctx context.Context, fn func(tx *sql.Tx, queue *[]store.Change) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	var queue []store.Change
	if err := fn(tx, &queue); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if b.notifier != nil {
		for _, c := range queue {
			b.notifier.Notify(c)
		}
	}
	return nil
}

func (b *base) notify(entity, op, id string) {
	if b.notifier != nil {
		b.notifier.Notify(store.Change{Entity: entity, Op: op, ID: id})
	}
}

func now() time.Time { return time.Now().UTC() }

// marshalJSON renders v for a TEXT column, defaulting to fallback on nil.
func marshalJSON(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fallback
	}
	return string(data)
}

func unmarshalStrings(raw string) []string {
	var out []string
	if raw == "" {
		return []string{}
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// nullableID converts an optional UUID column value.
func nullableID(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}
