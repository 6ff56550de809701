package breaker

import (
	"fmt"
	"sync"
)

// StateStore mirrors per-destination breaker records outside the breaker's
// working set. The breaker writes on state transitions and reads on first
// touch, so a shared store lets a restarted or sibling process pick up open
// circuits instead of re-learning them failure by failure.
type StateStore interface {
	LoadState(key string) (Record, bool, error)
	SaveState(key string, record Record) error
	DeleteState(key string) error
}

type MemoryStateStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{records: map[string]Record{}}
}

func (s *MemoryStateStore) LoadState(key string) (Record, bool, error) {
	if s == nil {
		return Record{}, false, fmt.Errorf("breaker: state store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[key]
	return record, ok, nil
}

func (s *MemoryStateStore) SaveState(key string, record Record) error {
	if s == nil {
		return fmt.Errorf("breaker: state store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records == nil {
		s.records = map[string]Record{}
	}
	s.records[key] = record
	return nil
}

func (s *MemoryStateStore) DeleteState(key string) error {
	if s == nil {
		return fmt.Errorf("breaker: state store is not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
