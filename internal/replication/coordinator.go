package replication

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"go.uber.org/zap"

	"regionsync/internal/changelog"
	"regionsync/internal/conflict"
	"regionsync/internal/replication/metrics"
)

// Resolver is the conflict resolution seam the coordinator depends on.
type Resolver interface {
	Resolve(
		ctx context.Context,
		table, entityID string,
		conflictType conflict.Type,
		source, target map[string]any,
		strategy conflict.Strategy,
		resolvedBy string,
	) (map[string]any, error)
}

// Coordinator runs the periodic sync loop for one replication config. One
// coordinator goroutine exists per active config; they share nothing but the
// stores behind their interfaces.
type Coordinator struct {
	cfg      Config
	strategy conflict.Strategy
	log      changelog.Store
	cursors  CursorStore
	status   StatusStore
	target   RegionStore
	resolver Resolver
	logger   *zap.Logger
	metrics  *metrics.Metrics

	lastSync time.Time
}

func NewCoordinator(
	cfg Config,
	strategy conflict.Strategy,
	log changelog.Store,
	cursors CursorStore,
	status StatusStore,
	target RegionStore,
	resolver Resolver,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Coordinator {
	if strategy == "" {
		strategy = conflict.BusinessRule
	}
	return &Coordinator{
		cfg:      cfg,
		strategy: strategy,
		log:      log,
		cursors:  cursors,
		status:   status,
		target:   target,
		resolver: resolver,
		logger:   logger.With(zap.String("config_id", cfg.ID)),
		metrics:  m,
	}
}

// Run ticks at the config's sync interval until the context is cancelled.
// Cycles run serially on this goroutine, so a cycle that outlives its
// interval simply causes the intervening ticks to be dropped; cycles for the
// same config never overlap. A failed cycle is recorded and retried on the
// next tick.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.runCycle(ctx)
		}
	}
}

// RunOnce executes a single cycle immediately. Used by tests and by the ops
// trigger endpoint.
func (c *Coordinator) RunOnce(ctx context.Context) Status {
	return c.runCycle(ctx)
}

func (c *Coordinator) runCycle(ctx context.Context) Status {
	if c.cfg.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CycleTimeout)
		defer cancel()
	}

	start := time.Now().UTC()
	synced, err := c.syncTables(ctx)

	status := Status{
		ConfigID:      c.cfg.ID,
		LastSyncTime:  start,
		RecordsSynced: synced,
		SyncState:     StateSynced,
	}
	if !c.lastSync.IsZero() {
		status.Lag = start.Sub(c.lastSync)
	}

	switch {
	case err == nil:
		c.lastSync = start
	case errors.Is(err, ErrRegionUnavailable) && synced == 0:
		status.SyncState = StateDisconnected
		status.ErrorMessage = err.Error()
		c.logger.Warn("target region unreachable", zap.Error(err))
	default:
		status.SyncState = StateError
		status.ErrorMessage = err.Error()
		c.logger.Error("sync cycle failed", zap.Error(err))
	}

	if recordErr := c.status.Record(ctx, status); recordErr != nil {
		c.logger.Error("record replication status failed", zap.Error(recordErr))
	}

	if c.metrics != nil {
		c.metrics.CycleDuration.WithLabelValues(c.cfg.ID).Observe(time.Since(start).Seconds())
		c.metrics.LagSeconds.WithLabelValues(c.cfg.ID).Set(status.Lag.Seconds())
		c.metrics.RecordsSynced.WithLabelValues(c.cfg.ID).Add(float64(synced))
		if status.SyncState != StateSynced {
			c.metrics.CycleErrors.WithLabelValues(c.cfg.ID, string(status.SyncState)).Inc()
		}
	}
	return status
}

func (c *Coordinator) syncTables(ctx context.Context) (int, error) {
	total := 0
	for _, table := range c.cfg.Tables {
		n, err := c.syncTable(ctx, table)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// syncTable drains one (config, table) cursor. The cursor advances only
// after the whole batch has been applied, so a crash mid-batch replays the
// batch; application is idempotent because the same conflicting pair always
// resolves the same way under a deterministic strategy.
func (c *Coordinator) syncTable(ctx context.Context, table string) (int, error) {
	applied := 0
	for {
		cursor, err := c.cursors.Load(ctx, c.cfg.ID, table)
		if err != nil {
			return applied, fmt.Errorf("load cursor: %w", err)
		}
		records, next, err := c.log.ReadSince(ctx, table, cursor, c.cfg.SourceRegion, c.cfg.BatchSize)
		if err != nil {
			return applied, fmt.Errorf("read change log: %w", err)
		}
		if len(records) == 0 {
			return applied, nil
		}

		for i := range records {
			if err := c.apply(ctx, &records[i]); err != nil {
				return applied, err
			}
			applied++
		}

		if err := c.cursors.Save(ctx, c.cfg.ID, table, next); err != nil {
			return applied, fmt.Errorf("save cursor: %w", err)
		}
		if len(records) < c.cfg.BatchSize {
			return applied, nil
		}
	}
}

// apply reconciles one change record with the target region's current state.
// A clean INSERT applies directly; everything else that diverges from the
// record's snapshot goes through the resolver.
func (c *Coordinator) apply(ctx context.Context, record *changelog.ChangeRecord) error {
	current, found, err := c.target.Get(ctx, record.EntityTable, record.EntityID)
	if err != nil {
		return fmt.Errorf("read target state for %s/%s: %w", record.EntityTable, record.EntityID, err)
	}

	switch record.Operation {
	case changelog.OpInsert:
		if !found {
			return c.target.Upsert(ctx, record.EntityTable, record.EntityID, record.NewValue)
		}
		return c.resolveAndApply(ctx, record, conflict.InsertConflict, record.NewValue, current)

	case changelog.OpUpdate:
		if found && reflect.DeepEqual(current, record.OldValue) {
			return c.target.Upsert(ctx, record.EntityTable, record.EntityID, record.NewValue)
		}
		return c.resolveAndApply(ctx, record, conflict.UpdateConflict, record.NewValue, current)

	case changelog.OpDelete:
		if !found {
			// Already gone on the target; deletion is idempotent.
			return nil
		}
		if reflect.DeepEqual(current, record.OldValue) {
			return c.target.Delete(ctx, record.EntityTable, record.EntityID)
		}
		resolved, err := c.resolver.Resolve(ctx, record.EntityTable, record.EntityID,
			conflict.DeleteConflict, record.OldValue, current, c.strategy, c.cfg.ID)
		if err != nil {
			return fmt.Errorf("resolve delete conflict: %w", err)
		}
		// Resolution siding with the deleted snapshot confirms the delete;
		// anything else keeps the resolved state.
		if reflect.DeepEqual(resolved, record.OldValue) {
			return c.target.Delete(ctx, record.EntityTable, record.EntityID)
		}
		return c.target.Upsert(ctx, record.EntityTable, record.EntityID, resolved)

	default:
		return fmt.Errorf("unknown operation %q at sequence %d", record.Operation, record.Sequence)
	}
}

func (c *Coordinator) resolveAndApply(
	ctx context.Context,
	record *changelog.ChangeRecord,
	conflictType conflict.Type,
	source, target map[string]any,
) error {
	resolved, err := c.resolver.Resolve(ctx, record.EntityTable, record.EntityID,
		conflictType, source, target, c.strategy, c.cfg.ID)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	return c.target.Upsert(ctx, record.EntityTable, record.EntityID, resolved)
}
