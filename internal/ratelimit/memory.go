package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// MemoryCounterStore is an in-process CounterStore for single-node
// deployments and tests. Expired entries read back as zero.
type MemoryCounterStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   func() time.Time
}

// NewMemoryCounterStore constructs an empty in-process counter store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		entries: make(map[string]memoryEntry),
		clock:   time.Now,
	}
}

// WithClock overrides the store's time source. Intended for tests.
func (s *MemoryCounterStore) WithClock(clock func() time.Time) *MemoryCounterStore {
	s.clock = clock
	return s
}

// Get returns the stored counter, or zero when absent or expired.
func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return 0, nil
	}
	if s.clock().After(entry.expiresAt) {
		delete(s.entries, key)
		return 0, nil
	}
	return entry.value, nil
}

// SetWithTTL stores the counter with the given window expiry.
func (s *MemoryCounterStore) SetWithTTL(_ context.Context, key string, value int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: s.clock().Add(ttl)}
	return nil
}
