package credentials

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is an in-process CounterStore for single-process
// deployments and tests.
type MemoryCounterStore struct {
	mu      sync.Mutex
	values  map[string]int64
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		values:  make(map[string]int64),
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, expiry time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	if _, ok := s.values[key]; !ok {
		s.expires[key] = s.now().Add(expiry)
	}
	s.values[key]++
	return s.values[key], nil
}

func (s *MemoryCounterStore) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	return s.values[key], nil
}

func (s *MemoryCounterStore) SetFlag(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = 1
	s.expires[key] = s.now().Add(ttl)
	return nil
}

func (s *MemoryCounterStore) HasFlag(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(key)
	_, ok := s.values[key]
	return ok, nil
}

func (s *MemoryCounterStore) expireLocked(key string) {
	if expiry, ok := s.expires[key]; ok && s.now().After(expiry) {
		delete(s.values, key)
		delete(s.expires, key)
	}
}
