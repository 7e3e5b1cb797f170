package resilience

import (
	"context"
	"sync"
)

// MemoryStateStore keeps breaker records in process memory behind a mutex.
// Suitable for tests and single-instance deployments; it loses
// cross-instance coordination and does not survive restarts.
type MemoryStateStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		records: make(map[string]Record),
	}
}

func (s *MemoryStateStore) Get(ctx context.Context, name string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.record(name), nil
}

func (s *MemoryStateStore) Update(ctx context.Context, name string, fn func(Record) Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := fn(s.record(name))
	rec.Service = name
	s.records[name] = rec
	return rec, nil
}

// record returns the stored record, lazily treating unknown names as closed.
func (s *MemoryStateStore) record(name string) Record {
	rec, ok := s.records[name]
	if !ok {
		rec = Record{Service: name, State: StateClosed}
	}
	return rec
}
