// Package profile keeps checkout profiles in memory behind the
// domain.ProfileStore port.
package profile

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/phantomlabs/phantom/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Store is an in-memory domain.ProfileStore. Profiles never leave the
// process; callers that need to display one use Card.Masked.
type Store struct {
	mu       sync.RWMutex
	profiles map[string]domain.Profile
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{profiles: make(map[string]domain.Profile)}
}

// Get implements domain.ProfileStore.
func (s *Store) Get(_ domain.Context, id string) (domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[id]
	if !ok {
		return domain.Profile{}, fmt.Errorf("profile %s: %w", id, domain.ErrNotFound)
	}
	return p, nil
}

// List implements domain.ProfileStore.
func (s *Store) List(_ domain.Context) ([]domain.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, p)
	}
	return out, nil
}

// Save validates and upserts a profile, assigning an id when absent.
func (s *Store) Save(_ domain.Context, p domain.Profile) (domain.Profile, error) {
	if err := validate.Struct(p); err != nil {
		return domain.Profile{}, fmt.Errorf("validate profile: %w: %v", domain.ErrInvalidArgument, err)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return p, nil
}

// Delete implements domain.ProfileStore.
func (s *Store) Delete(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return fmt.Errorf("profile %s: %w", id, domain.ErrNotFound)
	}
	delete(s.profiles, id)
	return nil
}
