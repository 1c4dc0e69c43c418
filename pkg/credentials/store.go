package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Credential names used by the catalog client and the token refresher
const (
	AccessToken  = "access_token"
	RefreshToken = "refresh_token"
	ClientID     = "client_id"
	ClientSecret = "client_secret"
)

// ErrNotFound is returned when a credential has no value
var ErrNotFound = errors.New("credential not found")

// Store is the process-wide credential state shared by all queries.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, name string) (string, error)
	Set(ctx context.Context, name, value string) error
	// Update sets several credentials atomically
	Update(ctx context.Context, values map[string]string) error
}

// MemoryStore keeps credentials in memory only
type MemoryStore struct {
	values map[string]string
	mu     sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store seeded with initial values
func NewMemoryStore(initial map[string]string) *MemoryStore {
	values := make(map[string]string, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &MemoryStore{values: values}
}

// Get returns the value of a credential
func (s *MemoryStore) Get(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[name]
	if !ok || value == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return value, nil
}

// Set stores a credential
func (s *MemoryStore) Set(ctx context.Context, name, value string) error {
	return s.Update(ctx, map[string]string{name: value})
}

// Update stores several credentials under one lock
func (s *MemoryStore) Update(ctx context.Context, values map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for name := range values {
		if err := validateName(name); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for name, value := range values {
		s.values[name] = value
	}
	return nil
}

func validateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("credential name is empty")
	}
	return nil
}
