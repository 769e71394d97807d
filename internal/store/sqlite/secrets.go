package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/gobbyhq/gobby/internal/store"
)

// SecretStore implements store.SecretStore. Values arrive already encrypted;
// this layer never sees plaintext.
type SecretStore struct {
	*base
}

func (s *SecretStore) Put(ctx context.Context, sec *store.Secret) error {
	if sec.Name == "" {
		return store.Validationf("secret name is required")
	}
	if len(sec.Ciphertext) == 0 {
		return store.Validationf("secret value is required")
	}
	if sec.Category == "" {
		sec.Category = store.SecretGeneral
	}
	if sec.CreatedAt.IsZero() {
		sec.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (name, category, ciphertext, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
		    category = excluded.category, ciphertext = excluded.ciphertext`,
		sec.Name, sec.Category, sec.Ciphertext, sec.CreatedAt)
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

func (s *SecretStore) Get(ctx context.Context, name string) (*store.Secret, error) {
	var sec store.Secret
	row := s.db.QueryRowContext(ctx,
		`SELECT name, category, ciphertext, created_at FROM secrets WHERE name = ?`, name)
	err := row.Scan(&sec.Name, &sec.Category, &sec.Ciphertext, &sec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundf("secret %q", name)
	}
	if err != nil {
		return nil, err
	}
	return &sec, nil
}

func (s *SecretStore) Delete(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.NotFoundf("secret %q", name)
	}
	return nil
}

// List returns names and categories only, with Ciphertext left empty.
func (s *SecretStore) List(ctx context.Context) ([]*store.Secret, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, category, created_at FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list secrets: %w", err)
	}
	defer rows.Close()

	var out []*store.Secret
	for rows.Next() {
		var sec store.Secret
		if err := rows.Scan(&sec.Name, &sec.Category, &sec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sec)
	}
	return out, rows.Err()
}
