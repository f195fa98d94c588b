package partition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Store is an in-process partitioned entity store for one region. Writes are
// routed through the Router so record counts accrue to the owning partition,
// and every entity is pinned to its shard via ShardOf. It satisfies the
// replication coordinator's RegionStore seam.
type Store struct {
	region string
	router *Router

	mu   sync.RWMutex
	data map[string]map[string]entry
}

type entry struct {
	value     map[string]any
	partition string
	shardID   int
}

func NewStore(region string, router *Router) *Store {
	return &Store{
		region: region,
		router: router,
		data:   make(map[string]map[string]entry),
	}
}

// Region returns the region this store serves.
func (s *Store) Region() string {
	return s.region
}

func (s *Store) Get(_ context.Context, entityTable, entityID string) (map[string]any, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[entityTable][entityID]
	if !ok {
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *Store) Upsert(_ context.Context, entityTable, entityID string, value map[string]any) error {
	shard := s.router.ShardOf(entityID)

	// Tables without partition metadata are unpartitioned; everything else
	// must land in exactly one active partition.
	partitionName := ""
	if descriptor, err := s.router.Route(entityTable, routeKey(entityID, value)); err == nil {
		partitionName = descriptor.Name
	} else if !errors.Is(err, ErrUnknownTable) {
		return fmt.Errorf("route %s/%s: %w", entityTable, entityID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[entityTable] == nil {
		s.data[entityTable] = make(map[string]entry)
	}
	s.data[entityTable][entityID] = entry{
		value:     value,
		partition: partitionName,
		shardID:   shard.ShardID,
	}
	return nil
}

func (s *Store) Delete(_ context.Context, entityTable, entityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[entityTable], entityID)
	return nil
}

// CountByPartition reports live record counts per partition name for a
// table, feeding the descriptor record_count surface.
func (s *Store) CountByPartition(entityTable string) map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int64)
	for _, e := range s.data[entityTable] {
		counts[e.partition]++
	}
	return counts
}

func routeKey(entityID string, value map[string]any) Key {
	key := Key{Value: entityID}
	for _, field := range []string{"created_at", "updated_at"} {
		switch v := value[field].(type) {
		case time.Time:
			key.Time = v
			return key
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				key.Time = t
				return key
			}
		}
	}
	key.Time = time.Now().UTC()
	return key
}
