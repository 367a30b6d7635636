package envelope

import (
	"context"
	"fmt"
	"sync"

	"github.com/vigil-hq/vigil/pkg/models"
)

// MemoryStore keeps envelopes in a map for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]*models.Envelope

	// Fetches counts downloads per URI, used to verify an envelope is
	// downloaded exactly once per processed callback.
	Fetches map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]*models.Envelope),
		Fetches: make(map[string]int),
	}
}

func (s *MemoryStore) Fetch(ctx context.Context, uri string) (*models.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Fetches[uri]++

	env, ok := s.objects[uri]
	if !ok {
		return nil, fmt.Errorf("envelope not found at %q", uri)
	}

	clone := *env

	return &clone, nil
}

func (s *MemoryStore) Put(ctx context.Context, uri string, env *models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *env
	s.objects[uri] = &clone

	return nil
}
