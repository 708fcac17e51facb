// Package secrets holds refresh credentials by name. Only handles live here;
// the raw values never appear in user records.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	shared "github.com/vitalsync/server/pkg"
)

// EnvStore resolves secrets from environment variables. Used for static
// client credentials: "googlefit-client-id" becomes "GOOGLEFIT_CLIENT_ID".
// It is read-only; Set and Delete report an error.
type EnvStore struct{}

func (s *EnvStore) GetSecret(ctx context.Context, name string) (string, error) {
	envVarName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	value := os.Getenv(envVarName)
	if value == "" {
		return "", fmt.Errorf("environment variable %s: %w", envVarName, shared.ErrSecretNotFound)
	}
	return value, nil
}

func (s *EnvStore) SetSecret(ctx context.Context, name, value string) error {
	return fmt.Errorf("env secret store is read-only")
}

func (s *EnvStore) DeleteSecret(ctx context.Context, name string) error {
	return fmt.Errorf("env secret store is read-only")
}

// MemoryStore keeps secrets in a map and remembers deletions so a read of a
// deleted secret reports "needs recovery" rather than plain absence, matching
// vault semantics where a deleted secret blocks re-creation until recovered.
type MemoryStore struct {
	mu      sync.RWMutex
	values  map[string]string
	deleted map[string]bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]string),
		deleted: make(map[string]bool),
	}
}

func (s *MemoryStore) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if v, ok := s.values[name]; ok {
		return v, nil
	}
	if s.deleted[name] {
		return "", fmt.Errorf("secret %s: %w", name, shared.ErrSecretDeleted)
	}
	return "", fmt.Errorf("secret %s: %w", name, shared.ErrSecretNotFound)
}

func (s *MemoryStore) SetSecret(ctx context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deleted[name] {
		// Writing recovers the slot.
		delete(s.deleted, name)
	}
	s.values[name] = value
	return nil
}

func (s *MemoryStore) DeleteSecret(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.values[name]; !ok {
		return fmt.Errorf("secret %s: %w", name, shared.ErrSecretNotFound)
	}
	delete(s.values, name)
	s.deleted[name] = true
	return nil
}
