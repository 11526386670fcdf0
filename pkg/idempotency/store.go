// Package idempotency deduplicates command retries. A store maps
// (tenant, command name, request key) to the previously computed result so a
// replayed request observes the original outcome without re-executing side
// effects.
//
// The cache is an optimization over the storage layer's uniqueness
// guarantees, not a substitute: two concurrent first attempts may both miss,
// and the loser must surface as a Conflict from the aggregate store.
package idempotency

import (
	"context"
	"encoding/json"
	"sync"
)

// Key scopes one logical command intent. RequestKey is caller-supplied and
// opaque; uniqueness is per tenant and per command name, so colliding request
// keys across tenants never observe each other's results.
type Key struct {
	TenantID    string
	CommandName string
	RequestKey  string
}

// Store caches command results. Set is called only after the unit of work
// for a new execution commits; a failed command never populates the cache, so
// an identical retry re-attempts the command instead of replaying a failure.
type Store interface {
	Get(ctx context.Context, key Key) (json.RawMessage, bool, error)
	Set(ctx context.Context, key Key, result json.RawMessage) error
}

// MemoryStore is the in-process Store, used in tests and lite deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Key]json.RawMessage
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]json.RawMessage)}
}

func (s *MemoryStore) Get(ctx context.Context, key Key) (json.RawMessage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cached, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	out := make(json.RawMessage, len(cached))
	copy(out, cached)
	return out, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key Key, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make(json.RawMessage, len(result))
	copy(stored, result)
	s.entries[key] = stored
	return nil
}

// Len reports the number of cached results.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
