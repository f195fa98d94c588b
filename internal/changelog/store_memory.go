package changelog

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// regionLog holds one source region's ordered records and its sequence
// counter. The lock is the single serialization point for appends: a
// sequence is assigned and its record published under the same critical
// section, so a reader can never observe sequence N+1 while N is still
// unpublished.
type regionLog struct {
	mu      sync.RWMutex
	seq     int64
	records []ChangeRecord
}

// InMemoryStore keeps the change log in process memory. Used in tests and in
// single-node deployments without PostgreSQL.
type InMemoryStore struct {
	mu      sync.RWMutex
	regions map[string]*regionLog
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{regions: make(map[string]*regionLog)}
}

func (s *InMemoryStore) region(name string) *regionLog {
	s.mu.RLock()
	log, ok := s.regions[name]
	s.mu.RUnlock()
	if ok {
		return log
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if log, ok = s.regions[name]; ok {
		return log
	}
	log = &regionLog{}
	s.regions[name] = log
	return log
}

func (s *InMemoryStore) Append(_ context.Context, entry Entry) (*ChangeRecord, error) {
	if err := entry.validate(); err != nil {
		return nil, err
	}

	log := s.region(entry.SourceRegion)

	log.mu.Lock()
	defer log.mu.Unlock()

	if log.seq == math.MaxInt64-1 {
		return nil, ErrSequenceExhausted
	}
	log.seq++

	record := ChangeRecord{
		Sequence:      log.seq,
		EntityTable:   entry.EntityTable,
		EntityID:      entry.EntityID,
		Operation:     entry.Operation,
		OldValue:      entry.OldValue,
		NewValue:      entry.NewValue,
		ChangedAt:     time.Now().UTC(),
		ChangedBy:     entry.ChangedBy,
		SourceRegion:  entry.SourceRegion,
		TransactionID: uuid.NewString(),
	}
	log.records = append(log.records, record)
	return &record, nil
}

func (s *InMemoryStore) ReadSince(_ context.Context, entityTable string, cursor Cursor, sourceRegion string, limit int) ([]ChangeRecord, Cursor, error) {
	log := s.region(sourceRegion)

	log.mu.RLock()
	defer log.mu.RUnlock()

	next := cursor
	var out []ChangeRecord
	start := sort.Search(len(log.records), func(i int) bool {
		return log.records[i].Sequence > cursor.LastSequence
	})
	for _, record := range log.records[start:] {
		if entityTable != "" && record.EntityTable != entityTable {
			next.LastSequence = record.Sequence
			continue
		}
		out = append(out, record)
		next.LastSequence = record.Sequence
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, next, nil
}
