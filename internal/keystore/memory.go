package keystore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with an in-process map, seeded at
// construction. It backs deployments that run without a database.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]*APIKey
}

// NewMemoryStore creates a memory store holding the given keys.
func NewMemoryStore(keys []APIKey) *MemoryStore {
	s := &MemoryStore{keys: make(map[string]*APIKey, len(keys))}
	now := time.Now()
	for i := range keys {
		k := keys[i].clone()
		if k.CreatedAt.IsZero() {
			k.CreatedAt = now
		}
		s.keys[k.Key] = k
	}
	return s
}

// Validate returns the record for an API key.
func (s *MemoryStore) Validate(ctx context.Context, key string) (*APIKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	k, ok := s.keys[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return k.clone(), nil
}

// Upsert inserts or replaces an API key record.
func (s *MemoryStore) Upsert(ctx context.Context, key *APIKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	k := key.clone()
	if k.CreatedAt.IsZero() {
		if existing, ok := s.keys[k.Key]; ok {
			k.CreatedAt = existing.CreatedAt
		} else {
			k.CreatedAt = time.Now()
		}
	}
	s.keys[k.Key] = k
	return nil
}

// HealthCheck reports whether the store is usable.
func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Close releases resources held by the store.
func (s *MemoryStore) Close() error {
	return nil
}
