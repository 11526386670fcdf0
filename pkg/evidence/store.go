package evidence

import (
	"context"
	"errors"
	"sync"
)

// ErrConcurrentAppend is returned when an appended entry does not link to
// the current persisted tail: a concurrent writer appended first. The loser
// must abort its unit of work and retry from a fresh tail.
var ErrConcurrentAppend = errors.New("evidence: appended entry does not link to the persisted tail")

// Store persists evidence chains, one chain per workspace. Entries are
// append-only: no update or delete operations exist on this surface.
// Implementations enforce linkage on Append so two writers that read the
// same tail can never both commit; exactly one gets ErrConcurrentAppend.
type Store interface {
	// Tail returns the latest entry of the workspace's chain, or nil when
	// the chain is empty.
	Tail(ctx context.Context, workspaceID string) (*Entry, error)
	// Append persists one entry at the end of the workspace's chain.
	Append(ctx context.Context, entry Entry) error
	// List returns the full chain in append order.
	List(ctx context.Context, workspaceID string) ([]Entry, error)
}

// MemoryStore keeps chains in process memory. It enrolls in the in-memory
// unit of work via Snapshot/Restore.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chains: make(map[string][]Entry)}
}

func (s *MemoryStore) Tail(ctx context.Context, workspaceID string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[workspaceID]
	if len(chain) == 0 {
		return nil, nil
	}
	tail := chain[len(chain)-1]
	return &tail, nil
}

func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.chains[entry.WorkspaceID]
	if len(chain) == 0 {
		if entry.PreviousHash != "" {
			return ErrConcurrentAppend
		}
	} else if entry.PreviousHash != chain[len(chain)-1].HashSHA256 {
		return ErrConcurrentAppend
	}

	s.chains[entry.WorkspaceID] = append(chain, entry)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, workspaceID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[workspaceID]
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out, nil
}

// Snapshot implements uow.Participant.
func (s *MemoryStore) Snapshot() interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string][]Entry, len(s.chains))
	for k, v := range s.chains {
		chain := make([]Entry, len(v))
		copy(chain, v)
		snap[k] = chain
	}
	return snap
}

// Restore implements uow.Participant.
func (s *MemoryStore) Restore(snapshot interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chains = snapshot.(map[string][]Entry)
}
