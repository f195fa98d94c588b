package replication

import "context"

// RegionStore is the engine's view of one region's current entity state.
// Implementations route writes through the partition router; remote regions
// sit behind a network client that reports ErrRegionUnavailable when the
// region cannot be reached.
type RegionStore interface {
	Get(ctx context.Context, entityTable, entityID string) (map[string]any, bool, error)
	Upsert(ctx context.Context, entityTable, entityID string, value map[string]any) error
	Delete(ctx context.Context, entityTable, entityID string) error
}
