package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket tracks the token-bucket state for one key.
type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// MemorySlotStore is an in-process SlotStore backed by token buckets.
// It implements the same contract as the Redis store for single-process
// deployments and tests, but its windows are not shared across workers.
type MemorySlotStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewMemorySlotStore creates an empty in-process store.
func NewMemorySlotStore() *MemorySlotStore {
	return &MemorySlotStore{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (s *MemorySlotStore) Allow(_ context.Context, key string, maxCalls int, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, exists := s.buckets[key]
	if !exists {
		s.buckets[key] = &bucket{tokens: float64(maxCalls) - 1, lastUpdate: now}
		return true, 0, nil
	}

	refillPerSecond := float64(maxCalls) / window.Seconds()
	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = minFloat(float64(maxCalls), b.tokens+elapsed*refillPerSecond)
	b.lastUpdate = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0, nil
	}

	deficit := 1 - b.tokens
	retryAfter := time.Duration(deficit / refillPerSecond * float64(time.Second))
	return false, retryAfter, nil
}

// MemoryBackoffStore is an in-process BackoffStore for single-process
// deployments and tests.
type MemoryBackoffStore struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

func NewMemoryBackoffStore() *MemoryBackoffStore {
	return &MemoryBackoffStore{
		expires: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *MemoryBackoffStore) SetBackoff(_ context.Context, key string, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expires[key] = s.now().Add(d)
	return nil
}

func (s *MemoryBackoffStore) BackoffRemaining(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.expires[key]
	if !ok {
		return 0, nil
	}
	remaining := expiry.Sub(s.now())
	if remaining <= 0 {
		delete(s.expires, key)
		return 0, nil
	}
	return remaining, nil
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
