package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics captures the session-layer instrumentation exported by the metrics
// listener.
type Metrics struct {
	Sessions            *prometheus.GaugeVec
	ReconnectsScheduled prometheus.Counter
	LeaseAcquired       prometheus.Counter
	RestoreResults      *prometheus.CounterVec
}

// NewMetrics registers the session metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessiond",
			Name:      "sessions",
			Help:      "In-memory session records by status.",
		}, []string{"status"}),
		ReconnectsScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect backoff timers armed.",
		}),
		LeaseAcquired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "leases_acquired_total",
			Help:      "Session leases acquired by this process.",
		}),
		RestoreResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiond",
			Name:      "restore_results_total",
			Help:      "Restore scanner outcomes per candidate session.",
		}, []string{"result"}),
	}
}
