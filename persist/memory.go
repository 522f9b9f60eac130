package persist

import (
	"context"
	"sync"
)

// memoryStorage keeps records in a map. It persists nothing across process
// restarts and exists for tests and as a reference implementation of the
// Storage contract.
type memoryStorage struct {
	mu      sync.Mutex
	records map[string]PersistedEntry
}

var _ Storage = (*memoryStorage)(nil)

// NewMemoryStorage returns an in-memory Storage implementation.
func NewMemoryStorage() Storage {
	return &memoryStorage{records: make(map[string]PersistedEntry)}
}

func (s *memoryStorage) Init(_ context.Context) error {
	return nil
}

func (s *memoryStorage) Put(_ context.Context, hash string, entry PersistedEntry) error {
	s.mu.Lock()
	s.records[hash] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStorage) GetAll(_ context.Context) ([]PersistedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PersistedEntry, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memoryStorage) Delete(_ context.Context, hash string) error {
	s.mu.Lock()
	delete(s.records, hash)
	s.mu.Unlock()
	return nil
}

func (s *memoryStorage) Clear(_ context.Context) error {
	s.mu.Lock()
	s.records = make(map[string]PersistedEntry)
	s.mu.Unlock()
	return nil
}

func (s *memoryStorage) Close() error {
	return nil
}
