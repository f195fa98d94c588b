package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for replication cycles.
type Metrics struct {
	CycleDuration *prometheus.HistogramVec
	LagSeconds    *prometheus.GaugeVec
	RecordsSynced *prometheus.CounterVec
	CycleErrors   *prometheus.CounterVec
}

// New creates and registers all replication metrics.
func New() *Metrics {
	return &Metrics{
		CycleDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "regionsync_replication_cycle_duration_seconds",
			Help:    "Duration of replication sync cycles",
			Buckets: prometheus.DefBuckets,
		}, []string{"config_id"}),
		LagSeconds: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "regionsync_replication_lag_seconds",
			Help: "Replication lag per config as of the latest cycle",
		}, []string{"config_id"}),
		RecordsSynced: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regionsync_replication_records_synced_total",
			Help: "Change records applied to target regions",
		}, []string{"config_id"}),
		CycleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "regionsync_replication_cycle_errors_total",
			Help: "Cycles that ended in ERROR or DISCONNECTED",
		}, []string{"config_id", "state"}),
	}
}
