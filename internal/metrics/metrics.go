// Package metrics exposes the controller's prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ariana"

// Metrics holds the controller's instruments. One instance per process,
// registered into its own registry so tests never collide.
type Metrics struct {
	registry *prometheus.Registry

	AgentsCreated     prometheus.Counter
	AgentForks        prometheus.Counter
	PoolExhausted     prometheus.Counter
	QuotaDenied       prometheus.Counter
	SnapshotsCaptured prometheus.Counter
	SnapshotBytes     prometheus.Counter

	MachinesActive prometheus.Gauge
	AgentsByState  *prometheus.GaugeVec
}

// New creates and registers the controller instruments.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		AgentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_created_total",
			Help:      "Agents created, including forks.",
		}),
		AgentForks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_forks_total",
			Help:      "Fork and resume operations started.",
		}),
		PoolExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_exhausted_total",
			Help:      "Machine reservations rejected because the pool was full.",
		}),
		QuotaDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_denied_total",
			Help:      "Operations rejected by the quota guard.",
		}),
		SnapshotsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_captured_total",
			Help:      "Machine snapshots captured.",
		}),
		SnapshotBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_bytes_uploaded_total",
			Help:      "Bytes uploaded to the snapshot store.",
		}),
		MachinesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "machines_active",
			Help:      "Machines currently reserved, active or releasing.",
		}),
		AgentsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents_by_state",
			Help:      "Agents per lifecycle state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		m.AgentsCreated, m.AgentForks, m.PoolExhausted, m.QuotaDenied,
		m.SnapshotsCaptured, m.SnapshotBytes,
		m.MachinesActive, m.AgentsByState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// SetAgentStates replaces the per-state gauge with a fresh census.
func (m *Metrics) SetAgentStates(counts map[string]int) {
	m.AgentsByState.Reset()
	for state, n := range counts {
		m.AgentsByState.WithLabelValues(state).Set(float64(n))
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
