package kairos

import (
	"sync"
	"time"
)

// ──────────────────────────────────────────────
// HistoryStore interface (rate-limit bookkeeping)
// ──────────────────────────────────────────────

// HistoryStore records instance creation timestamps and answers rolling
// window counts for the rate limiter. The in-memory default loses data on
// restart; provide store.NewRedisHistoryStore for durable rate limiting
// across restarts.
type HistoryStore interface {
	// RecordCreated records that an instance was created for the user.
	RecordCreated(userID, instanceID string, createdAt time.Time) error
	// RecentCount returns how many recorded instances have a creation
	// timestamp at or after since. Implementations may discard entries
	// older than since, since queries only ever move forward.
	RecentCount(userID string, since time.Time) (int, error)
}

// ──────────────────────────────────────────────
// InMemoryHistoryStore (default)
// ──────────────────────────────────────────────

// InMemoryHistoryStore is a thread-safe, in-memory HistoryStore.
// Entries older than the queried window are pruned on access, keeping
// RecentCount proportional to the window-bounded history, not all history.
type InMemoryHistoryStore struct {
	mu      sync.Mutex
	created map[string][]time.Time
}

// NewInMemoryHistoryStore creates a new in-memory history store.
func NewInMemoryHistoryStore() *InMemoryHistoryStore {
	return &InMemoryHistoryStore{created: make(map[string][]time.Time)}
}

func (s *InMemoryHistoryStore) RecordCreated(userID, instanceID string, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created[userID] = append(s.created[userID], createdAt)
	return nil
}

func (s *InMemoryHistoryStore) RecentCount(userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.created[userID]
	// Drop everything before the window start. Creation order is the
	// append order, so the slice is sorted.
	cut := 0
	for cut < len(entries) && entries[cut].Before(since) {
		cut++
	}
	if cut > 0 {
		entries = append([]time.Time(nil), entries[cut:]...)
		if len(entries) == 0 {
			delete(s.created, userID)
		} else {
			s.created[userID] = entries
		}
	}
	return len(entries), nil
}
