package store

import (
	"context"
	"sync"

	"github.com/kjstillabower/city-weather-proxy/internal/models"
)

// MemoryStore implements Store with a map guarded by a RWMutex.
// Contents are lost on restart; used for local runs and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]models.Reading
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]models.Reading),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (models.Reading, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.Reading{}, false, unavailable("get", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.data[key]
	return r, ok, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, key string, r models.Reading) error {
	if err := checkUpsert(key, r); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return unavailable("upsert", err)
	}
	s.mu.Lock()
	s.data[key] = r
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return unavailable("delete", err)
	}
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored readings.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
