package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for conflict resolution.
type Metrics struct {
	ConflictsResolved *prometheus.CounterVec
	RuleFallbacks     *prometheus.CounterVec
}

// New creates and registers all conflict resolution metrics.
func New() *Metrics {
	return &Metrics{
		ConflictsResolved: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regionsync_conflicts_resolved_total",
			Help: "Conflicts resolved, by table, strategy and conflict type",
		}, []string{"table", "strategy", "conflict_type"}),
		RuleFallbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regionsync_conflict_rule_fallbacks_total",
			Help: "BUSINESS_RULE resolutions that fell back for lack of a table rule",
		}, []string{"table"}),
	}
}
