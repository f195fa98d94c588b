package conflict

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"regionsync/internal/conflict/metrics"
)

// Store persists conflict records for audit and operator review.
type Store interface {
	Record(ctx context.Context, record Record) error
	List(ctx context.Context, entityTable string, limit int) ([]Record, error)
}

// Resolver computes a single resolved version from two divergent ones. It is
// total: every pair of values resolves, and every resolution is written to
// the conflict store before it is returned.
type Resolver struct {
	store    Store
	rules    map[string]Rule
	fallback Strategy
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithFallback sets the strategy used when BUSINESS_RULE is requested for a
// table with no registered rule. Defaults to LAST_WRITE_WINS.
func WithFallback(strategy Strategy) Option {
	return func(r *Resolver) {
		r.fallback = strategy
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithRule registers or replaces the business rule for a table.
func WithRule(table string, rule Rule) Option {
	return func(r *Resolver) {
		r.rules[table] = rule
	}
}

func NewResolver(store Store, logger *zap.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:    store,
		rules:    defaultRules(),
		fallback: LastWriteWins,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve reconciles source and target and records the outcome. resolvedBy
// names the actor, normally the replication config id.
func (r *Resolver) Resolve(
	ctx context.Context,
	table, entityID string,
	conflictType Type,
	source, target map[string]any,
	strategy Strategy,
	resolvedBy string,
) (map[string]any, error) {
	resolved := r.apply(table, source, target, strategy)

	record := Record{
		ID:            uuid.New(),
		EntityTable:   table,
		EntityID:      entityID,
		ConflictType:  conflictType,
		SourceValue:   source,
		TargetValue:   target,
		ResolvedValue: resolved,
		Strategy:      strategy,
		ResolvedAt:    time.Now().UTC(),
		ResolvedBy:    resolvedBy,
	}
	if err := r.store.Record(ctx, record); err != nil {
		return nil, fmt.Errorf("record conflict: %w", err)
	}

	if r.metrics != nil {
		r.metrics.ConflictsResolved.WithLabelValues(table, string(strategy), string(conflictType)).Inc()
	}
	return resolved, nil
}

func (r *Resolver) apply(table string, source, target map[string]any, strategy Strategy) map[string]any {
	// Field-for-field identical values resolve to the source as a no-op,
	// but the conflict is still audited by the caller path.
	if reflect.DeepEqual(source, target) {
		return source
	}

	switch strategy {
	case FirstWriteWins:
		return firstWriteWins(source, target)
	case BusinessRule:
		if rule, ok := r.rules[table]; ok {
			return rule(source, target)
		}
		r.logger.Warn("no business rule for table, falling back",
			zap.String("table", table),
			zap.String("fallback", string(r.fallback)),
		)
		if r.metrics != nil {
			r.metrics.RuleFallbacks.WithLabelValues(table).Inc()
		}
		if r.fallback == FirstWriteWins {
			return firstWriteWins(source, target)
		}
		return lastWriteWins(source, target)
	case LastWriteWins:
		return lastWriteWins(source, target)
	default:
		r.logger.Warn("unknown strategy, using last-write-wins",
			zap.String("strategy", string(strategy)),
		)
		return lastWriteWins(source, target)
	}
}
