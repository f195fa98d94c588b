package conflict

import (
	"context"
	"sync"
)

// InMemoryStore keeps conflict records in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	records []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Record(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, entityTable string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	// Most recent first for the operator review queue.
	for i := len(s.records) - 1; i >= 0; i-- {
		if entityTable != "" && s.records[i].EntityTable != entityTable {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
