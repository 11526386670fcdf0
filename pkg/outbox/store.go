package outbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/45ck/Portarium-sub006/pkg/events"
)

// Store is the durable queue of outbox entries. Implementations must make
// FetchPending safe under concurrent dispatchers (a claim lease or
// conditional update), so no entry is double-published.
type Store interface {
	// Enqueue appends a Pending entry; called inside the unit of work.
	Enqueue(ctx context.Context, event events.CloudEvent) (Entry, error)
	// FetchPending returns up to limit Pending entries whose retry time has
	// arrived (entries with no retry time are always eligible), in entry-id
	// order for fairness.
	FetchPending(ctx context.Context, nowISO string, limit int) ([]Entry, error)
	// MarkPublished transitions Pending -> Published (terminal).
	MarkPublished(ctx context.Context, entryID string) error
	// MarkRetry keeps the entry Pending with an incremented retry count and
	// the next attempt time.
	MarkRetry(ctx context.Context, entryID, reason, nextRetryAtISO string) error
	// MarkFailed transitions Pending -> Failed (terminal) with an
	// incremented retry count.
	MarkFailed(ctx context.Context, entryID, reason string) error
}

// MemoryStore keeps the queue in process memory, enrolling in the in-memory
// unit of work via Snapshot/Restore. Entry ids are sequential so fetch order
// matches enqueue order.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	nextSeq int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Enqueue(ctx context.Context, event events.CloudEvent) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	entry := Entry{
		EntryID: fmt.Sprintf("outbox-%06d", s.nextSeq),
		Event:   event,
		Status:  StatusPending,
	}
	s.entries = append(s.entries, entry)
	return entry, nil
}

func (s *MemoryStore) FetchPending(ctx context.Context, nowISO string, limit int) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, e := range s.entries {
		if len(out) >= limit {
			break
		}
		if e.Status != StatusPending {
			continue
		}
		if e.NextRetryAtISO != "" && e.NextRetryAtISO > nowISO {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) MarkPublished(ctx context.Context, entryID string) error {
	return s.transition(entryID, func(e *Entry) {
		e.Status = StatusPublished
		e.NextRetryAtISO = ""
		e.FailedReason = ""
	})
}

func (s *MemoryStore) MarkRetry(ctx context.Context, entryID, reason, nextRetryAtISO string) error {
	return s.transition(entryID, func(e *Entry) {
		e.RetryCount++
		e.FailedReason = reason
		e.NextRetryAtISO = nextRetryAtISO
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, entryID, reason string) error {
	return s.transition(entryID, func(e *Entry) {
		e.Status = StatusFailed
		e.RetryCount++
		e.FailedReason = reason
		e.NextRetryAtISO = ""
	})
}

func (s *MemoryStore) transition(entryID string, apply func(*Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.entries {
		if s.entries[i].EntryID == entryID {
			apply(&s.entries[i])
			return nil
		}
	}
	return fmt.Errorf("outbox: entry %s not found", entryID)
}

// All returns every entry in enqueue order, for tests and inspection.
func (s *MemoryStore) All() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Snapshot implements uow.Participant.
func (s *MemoryStore) Snapshot() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := memorySnapshot{nextSeq: s.nextSeq, entries: make([]Entry, len(s.entries))}
	copy(snap.entries, s.entries)
	return snap
}

// Restore implements uow.Participant.
func (s *MemoryStore) Restore(snapshot interface{}) {
	snap := snapshot.(memorySnapshot)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = snap.entries
	s.nextSeq = snap.nextSeq
}

type memorySnapshot struct {
	entries []Entry
	nextSeq int
}
