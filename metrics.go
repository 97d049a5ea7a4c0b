package offlinesync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the engine. Pass a nil Registerer to keep the
// collectors unregistered (handy in tests).
type Metrics struct {
	syncRuns     prometheus.Counter
	operations   *prometheus.CounterVec
	pendingDepth prometheus.Gauge
	lastSync     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "offline_sync_runs_total",
			Help: "Number of completed drain passes.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offline_sync_operations_total",
			Help: "Pending operations attempted, by result.",
		}, []string{"result"}),
		pendingDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline_sync_pending_operations",
			Help: "Operations left in the pending queue.",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "offline_sync_last_sync_timestamp_seconds",
			Help: "Unix time of the last successful drain pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.syncRuns, m.operations, m.pendingDepth, m.lastSync)
	}
	return m
}
