// Package tokenstore persists the region API bearer token between runs.
package tokenstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrNoToken is returned by Load when no token has been stored yet
var ErrNoToken = errors.New("no token stored")

// Store reads and writes the bearer token. The engine reads once at
// startup and writes only when a caller explicitly sets a new token.
type Store interface {
	// Load returns the stored token, or ErrNoToken
	Load() (string, error)

	// Save stores the token, replacing any previous one
	Save(token string) error
}

const (
	keyringService = "tagsync-server"
	keyringUser    = "api-token"
)

// keyringStore keeps the token in the OS keyring
type keyringStore struct{}

var _ Store = (*keyringStore)(nil)

// NewKeyringStore creates a Store backed by the OS keyring
func NewKeyringStore() Store {
	return &keyringStore{}
}

// Load implements Store.Load
func (*keyringStore) Load() (string, error) {
	token, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token from keyring: %w", err)
	}
	return token, nil
}

// Save implements Store.Save
func (*keyringStore) Save(token string) error {
	if err := keyring.Set(keyringService, keyringUser, token); err != nil {
		return fmt.Errorf("failed to write token to keyring: %w", err)
	}
	return nil
}

// fileStore keeps the token in a plain file, for hosts without a keyring
type fileStore struct {
	path string
}

var _ Store = (*fileStore)(nil)

// NewFileStore creates a Store backed by a file at path
func NewFileStore(path string) Store {
	return &fileStore{path: path}
}

// Load implements Store.Load
func (s *fileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoToken
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file %s: %w", s.path, err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Save implements Store.Save
func (s *fileStore) Save(token string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(token+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write token file %s: %w", s.path, err)
	}
	return nil
}
