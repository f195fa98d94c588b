package partition

import (
	"context"
	"time"

	"go.uber.org/zap"

	"regionsync/internal/platform/config"
)

// Maintainer keeps each table's partition window rolling: it extends
// coverage out to the policy horizon and retires partitions past retention.
// Creation is idempotent, so re-running a window is harmless.
type Maintainer struct {
	router   *Router
	policies []config.PartitionPolicy
	interval time.Duration
	logger   *zap.Logger
}

func NewMaintainer(router *Router, policies []config.PartitionPolicy, interval time.Duration, logger *zap.Logger) *Maintainer {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Maintainer{
		router:   router,
		policies: policies,
		interval: interval,
		logger:   logger,
	}
}

// Bootstrap creates the initial partition window for every policy. Coverage
// starts one retention window back so replayed history still routes.
func (m *Maintainer) Bootstrap() error {
	now := time.Now().UTC()
	for _, policy := range m.policies {
		from := now.Add(-policy.Retention)
		to := now.Add(policy.Horizon)
		if _, err := m.router.CreatePartitions(policy.Table, from, to, Period(policy.Period)); err != nil {
			return err
		}
	}
	return nil
}

// Run extends and retires on a fixed interval until cancelled.
func (m *Maintainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Maintainer) tick() {
	now := time.Now().UTC()
	for _, policy := range m.policies {
		if _, err := m.router.CreatePartitions(policy.Table, now, now.Add(policy.Horizon), Period(policy.Period)); err != nil {
			// Overlap or gap here means broken metadata, not a transient
			// fault; surface it loudly and keep the other tables going.
			m.logger.Error("partition window extension failed",
				zap.String("table", policy.Table),
				zap.Error(err),
			)
			continue
		}
		if policy.Retention > 0 {
			if _, err := m.router.RetirePartitions(policy.Table, now.Add(-policy.Retention)); err != nil {
				m.logger.Error("partition retirement failed",
					zap.String("table", policy.Table),
					zap.Error(err),
				)
			}
		}
	}
}
