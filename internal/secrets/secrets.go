// Package secrets encrypts named values at rest with AES-256-GCM. The
// master key lives in the gobby config directory; plaintext exists only in
// process memory and is never logged.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gobbyhq/gobby/internal/store"
)

const (
	masterKeyFile = "master.key"
	masterKeySize = 32 // AES-256
)

// Service encrypts and decrypts secrets backed by the secret store.
type Service struct {
	store store.SecretStore
	key   []byte
}

// NewService loads or generates the master key under configDir (typically
// ~/.gobby) and returns a ready service.
func NewService(configDir string, st store.SecretStore) (*Service, error) {
	key, err := loadOrGenerateKey(filepath.Join(configDir, masterKeyFile))
	if err != nil {
		return nil, fmt.Errorf("master key init: %w", err)
	}
	return &Service{store: st, key: key}, nil
}

func loadOrGenerateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == masterKeySize {
		return data, nil
	}

	key := make([]byte, masterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key: %w", err)
	}
	return key, nil
}

// Set encrypts value and stores it under name.
func (s *Service) Set(ctx context.Context, name, category, value string) error {
	if value == "" {
		return store.Validationf("secret %q: empty value", name)
	}
	ct, err := s.encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("encrypt %q: %w", name, err)
	}
	return s.store.Put(ctx, &store.Secret{Name: name, Category: category, Ciphertext: ct})
}

// Get decrypts and returns the named secret's value.
func (s *Service) Get(ctx context.Context, name string) (string, error) {
	sec, err := s.store.Get(ctx, name)
	if err != nil {
		return "", err
	}
	pt, err := s.decrypt(sec.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt %q: %w", name, err)
	}
	return string(pt), nil
}

// Delete removes the named secret.
func (s *Service) Delete(ctx context.Context, name string) error {
	return s.store.Delete(ctx, name)
}

// List returns names and categories only, never values.
func (s *Service) List(ctx context.Context) ([]*store.Secret, error) {
	return s.store.List(ctx)
}

// encrypt seals plaintext with a random nonce prefixed to the ciphertext.
func (s *Service) encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Service) decrypt(data []byte) ([]byte, error) {
	gcm, err := s.gcm()
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return pt, nil
}

func (s *Service) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
