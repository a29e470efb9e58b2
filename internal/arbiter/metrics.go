package arbiter

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments an Arbiter exposes on
// -metrics-addr. Grounded on internal/escrow's per-subsystem Metrics
// struct + promauto registration pattern.
type Metrics struct {
	ClientsJoined   prometheus.Counter
	ClientsActive   prometheus.Gauge
	CoherenceRounds prometheus.Counter
	BarrierHits     *prometheus.CounterVec
	SemWaits        *prometheus.CounterVec
	BytesRelayed    prometheus.Counter
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics returns the process-wide Metrics, registering its instruments
// with the default Prometheus registry on the first call. Later calls (every
// Arbiter after the first in one process, as in the package tests) return
// the same instruments, since registering a metric name twice panics.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() { sharedMetrics = registerMetrics() })
	return sharedMetrics
}

func registerMetrics() *Metrics {
	return &Metrics{
		ClientsJoined: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsm_arbiter_clients_joined_total",
			Help: "Total ADD_PID check-ins accepted by this arbiter.",
		}),
		ClientsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dsm_arbiter_clients_active",
			Help: "Clients currently checked in and not yet exited.",
		}),
		CoherenceRounds: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsm_arbiter_coherence_rounds_total",
			Help: "Total SYN_REQ..SYN_ACK write-capture rounds completed.",
		}),
		BarrierHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsm_arbiter_barrier_hits_total",
			Help: "Total HIT_BAR messages received, labeled by whether they completed a round.",
		}, []string{"outcome"}),
		SemWaits: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dsm_arbiter_sem_waits_total",
			Help: "Total WAIT_SEM messages, labeled by whether they blocked.",
		}, []string{"outcome"}),
		BytesRelayed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dsm_arbiter_bytes_relayed_total",
			Help: "Total WRT_DATA payload bytes relayed to peers.",
		}),
	}
}
