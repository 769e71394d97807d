package store

import (
	"context"
	"time"
)

// Secret categories.
const (
	SecretGeneral = "general"
	SecretLLM     = "llm"
	SecretMCP     = "mcp"
)

// Secret is an encrypted-at-rest named value. Ciphertext carries the
// AES-GCM nonce prefix; plaintext only ever exists in process memory and is
// never logged.
type Secret struct {
	Name       string    `json:"name"`
	Category   string    `json:"category"`
	Ciphertext []byte    `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}

// SecretStore persists encrypted secrets.
type SecretStore interface {
	Put(ctx context.Context, s *Secret) error
	Get(ctx context.Context, name string) (*Secret, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]*Secret, error)
}
