package partition

import (
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Router owns partition and shard metadata. Routing is a pure function of
// the current boundaries; boundary mutation happens only through
// CreatePartitions and RetirePartitions.
type Router struct {
	mu         sync.RWMutex
	partitions map[string][]Descriptor
	shards     []Shard
	shardCount int
	cache      Cache
	logger     *zap.Logger
}

func NewRouter(shards []Shard, shardCount int, logger *zap.Logger, cache Cache) *Router {
	if shardCount < 1 {
		shardCount = 1
	}
	return &Router{
		partitions: make(map[string][]Descriptor),
		shards:     shards,
		shardCount: shardCount,
		cache:      cache,
		logger:     logger,
	}
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// ShardOf deterministically assigns an entity to a shard. The mapping is
// stable for a fixed shard count; changing the count requires a declared
// re-sharding procedure, not a restart with a different config.
func (r *Router) ShardOf(entityID string) Shard {
	slot := int(hash64(entityID) % uint64(r.shardCount))
	for i := range r.shards {
		if r.shards[i].ShardID == slot {
			return r.shards[i]
		}
	}
	return Shard{ShardID: slot, Active: true}
}

// Route returns the active partition whose boundary contains the key.
// Retired partitions are excluded; they stay readable only through direct
// audit queries.
func (r *Router) Route(table string, key Key) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	descriptors, ok := r.partitions[table]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	for i := range descriptors {
		if descriptors[i].Active && descriptors[i].Contains(key) {
			return descriptors[i], nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: table %s", ErrNoPartition, table)
}

// Descriptors returns a copy of a table's partition metadata, active and
// retired alike, for audit and the ops surface. Reads go through the shared
// cache when one is configured; create/retire invalidate it.
func (r *Router) Descriptors(table string) []Descriptor {
	if r.cache != nil {
		if descriptors, ok := r.cache.Get(table); ok {
			return descriptors
		}
	}

	r.mu.RLock()
	descriptors := append([]Descriptor(nil), r.partitions[table]...)
	r.mu.RUnlock()

	if r.cache != nil && len(descriptors) > 0 {
		r.cache.Set(table, descriptors)
	}
	return descriptors
}

// Tables lists every table with partition metadata.
func (r *Router) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]string, 0, len(r.partitions))
	for table := range r.partitions {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	return tables
}

// CreatePartitions creates range partitions covering [from, to) at the given
// period, idempotently: boundaries that already exist are left untouched and
// re-invocation with the same arguments creates nothing. A boundary that
// partially intersects an existing one is ErrOverlap, a fatal configuration
// error.
func (r *Router) CreatePartitions(table string, from, to time.Time, period Period) ([]Descriptor, error) {
	switch period {
	case Daily, Monthly, Quarterly, Yearly:
	default:
		return nil, fmt.Errorf("partition: unknown period %q", period)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var created []Descriptor
	for start := truncate(from, period); start.Before(to); start = advance(start, period) {
		end := advance(start, period)
		switch r.findBoundary(table, start, end) {
		case boundaryExists:
			continue
		case boundaryOverlaps:
			return created, fmt.Errorf("%w: %s [%s, %s)", ErrOverlap, table,
				start.Format(time.DateOnly), end.Format(time.DateOnly))
		}

		descriptor := Descriptor{
			TableName: table,
			Name:      partitionName(table, start, period),
			KeyType:   RangeKey,
			From:      start,
			To:        end,
			Active:    true,
		}
		r.partitions[table] = append(r.partitions[table], descriptor)
		created = append(created, descriptor)
	}

	sort.Slice(r.partitions[table], func(i, j int) bool {
		return r.partitions[table][i].From.Before(r.partitions[table][j].From)
	})
	if err := r.verifyContiguous(table); err != nil {
		return created, err
	}

	if r.cache != nil {
		r.cache.Invalidate(table)
	}
	if len(created) > 0 && r.logger != nil {
		r.logger.Info("partitions created",
			zap.String("table", table),
			zap.Int("count", len(created)),
		)
	}
	return created, nil
}

// RetirePartitions deactivates partitions whose upper bound falls at or
// before the horizon. Retired partitions are excluded from routing but not
// physically deleted.
func (r *Router) RetirePartitions(table string, olderThan time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	descriptors, ok := r.partitions[table]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	retired := 0
	for i := range descriptors {
		if descriptors[i].Active && !descriptors[i].To.After(olderThan) {
			descriptors[i].Active = false
			retired++
		}
	}

	if r.cache != nil {
		r.cache.Invalidate(table)
	}
	if retired > 0 && r.logger != nil {
		r.logger.Info("partitions retired",
			zap.String("table", table),
			zap.Int("count", retired),
			zap.Time("older_than", olderThan),
		)
	}
	return retired, nil
}

type boundaryMatch int

const (
	boundaryAbsent boundaryMatch = iota
	boundaryExists
	boundaryOverlaps
)

// findBoundary is called with the router lock held.
func (r *Router) findBoundary(table string, from, to time.Time) boundaryMatch {
	for _, d := range r.partitions[table] {
		if d.KeyType != RangeKey {
			continue
		}
		if d.From.Equal(from) && d.To.Equal(to) {
			return boundaryExists
		}
		if d.From.Before(to) && from.Before(d.To) {
			return boundaryOverlaps
		}
	}
	return boundaryAbsent
}

// verifyContiguous enforces the no-gap invariant over active range
// partitions. Called with the router lock held.
func (r *Router) verifyContiguous(table string) error {
	var prev *Descriptor
	for i := range r.partitions[table] {
		d := &r.partitions[table][i]
		if !d.Active || d.KeyType != RangeKey {
			continue
		}
		if prev != nil && !prev.To.Equal(d.From) {
			return fmt.Errorf("%w: %s between %s and %s", ErrCoverageGap, table,
				prev.To.Format(time.DateOnly), d.From.Format(time.DateOnly))
		}
		prev = d
	}
	return nil
}

func truncate(t time.Time, period Period) time.Time {
	t = t.UTC()
	switch period {
	case Daily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	case Quarterly:
		quarterStart := ((int(t.Month()) - 1) / 3 * 3) + 1
		return time.Date(t.Year(), time.Month(quarterStart), 1, 0, 0, 0, 0, time.UTC)
	case Yearly:
		return time.Date(t.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

func advance(t time.Time, period Period) time.Time {
	switch period {
	case Daily:
		return t.AddDate(0, 0, 1)
	case Monthly:
		return t.AddDate(0, 1, 0)
	case Quarterly:
		return t.AddDate(0, 3, 0)
	case Yearly:
		return t.AddDate(1, 0, 0)
	}
	return t
}

func partitionName(table string, start time.Time, period Period) string {
	switch period {
	case Daily:
		return fmt.Sprintf("%s_%s", table, start.Format("20060102"))
	case Quarterly:
		return fmt.Sprintf("%s_%dq%d", table, start.Year(), (int(start.Month())-1)/3+1)
	case Yearly:
		return fmt.Sprintf("%s_%d", table, start.Year())
	default:
		return fmt.Sprintf("%s_%s", table, start.Format("200601"))
	}
}
