package quota

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in memory. For tests and local development; a
// production deployment wants the Postgres store so caps survive restarts.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]int)}
}

// Used returns the counter for a strategy and period key.
func (s *MemoryStore) Used(_ context.Context, strategy, periodKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[strategy+"/"+periodKey], nil
}

// Increment adds one use to the counter.
func (s *MemoryStore) Increment(_ context.Context, strategy, periodKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[strategy+"/"+periodKey]++
	return nil
}
