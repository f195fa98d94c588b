package partition

import (
	"errors"
	"time"
)

// KeyType is the partitioning scheme of a descriptor.
type KeyType string

const (
	RangeKey     KeyType = "range"
	ListKey      KeyType = "list"
	HashKey      KeyType = "hash"
	CompositeKey KeyType = "composite"
)

// Period is the calendar granularity for range partitions.
type Period string

const (
	Daily     Period = "daily"
	Monthly   Period = "monthly"
	Quarterly Period = "quarterly"
	Yearly    Period = "yearly"
)

var (
	// ErrOverlap indicates partitions whose boundaries intersect. This is a
	// broken precondition, never retried.
	ErrOverlap = errors.New("partition: overlapping boundaries")

	// ErrCoverageGap indicates active partitions that do not cover the key
	// domain contiguously.
	ErrCoverageGap = errors.New("partition: coverage gap between boundaries")

	// ErrNoPartition is returned by Route when no active partition accepts
	// the key.
	ErrNoPartition = errors.New("partition: no active partition for key")

	// ErrUnknownTable is returned for tables without partition metadata.
	ErrUnknownTable = errors.New("partition: unknown table")
)

// Descriptor describes one partition of a table. Boundaries are half-open:
// a range partition holds keys in [From, To).
type Descriptor struct {
	TableName   string
	Name        string
	KeyType     KeyType
	From        time.Time
	To          time.Time
	ListValues  []string
	HashModulus int
	HashSlot    int
	Region      string
	RecordCount int64
	StorageSize int64
	Active      bool
}

// Contains reports whether the key falls inside this partition's boundary.
func (d *Descriptor) Contains(key Key) bool {
	switch d.KeyType {
	case RangeKey:
		return !key.Time.Before(d.From) && key.Time.Before(d.To)
	case ListKey:
		for _, v := range d.ListValues {
			if v == key.Value {
				return true
			}
		}
		return false
	case HashKey:
		if d.HashModulus <= 0 {
			return false
		}
		return int(hash64(key.Value)%uint64(d.HashModulus)) == d.HashSlot
	case CompositeKey:
		if !(!key.Time.Before(d.From) && key.Time.Before(d.To)) {
			return false
		}
		return key.Value == "" || d.Region == "" || d.Region == key.Value
	}
	return false
}

// Key is the routing key for a partition lookup: Time for range boundaries,
// Value for list/hash boundaries, both for composite ones.
type Key struct {
	Time  time.Time
	Value string
}

// Shard describes one physical shard endpoint.
type Shard struct {
	ShardID   int
	Region    string
	Endpoint  string
	IsPrimary bool
	Active    bool
}
