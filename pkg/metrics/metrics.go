// Package metrics registers the coordinator's Prometheus collectors: one
// instance is built at startup and threaded into every component that has
// something worth counting, the same way a zerolog.Logger is threaded
// through for structured logging.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the coordinator's collectors against a single registry, so
// cmd/coordinatord can expose them all behind one /metrics endpoint.
type Metrics struct {
	Registry prometheus.Registerer

	ContributionsTotal  *prometheus.CounterVec
	VerificationSeconds *prometheus.HistogramVec
	QueueDepth          *prometheus.GaugeVec
	TimeoutsTotal       *prometheus.CounterVec
	ActiveCeremonies    prometheus.Gauge
}

// New builds and registers every collector against reg. Passing
// prometheus.NewRegistry() (rather than the global DefaultRegisterer) keeps
// tests hermetic.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		Registry: reg,
		ContributionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "contributions_total",
			Help:      "Contributions recorded by the Verifier, labeled by circuit and validity.",
		}, []string{"circuit", "valid"}),
		VerificationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ceremony",
			Name:      "verification_seconds",
			Help:      "Wall-clock time spent verifying a contribution, labeled by circuit and dispatch mechanism.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"circuit", "mechanism"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ceremony",
			Name:      "queue_depth",
			Help:      "Number of participants currently waiting on a circuit's queue.",
		}, []string{"circuit"}),
		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "timeouts_total",
			Help:      "Participant timeouts fired by the Scheduler, labeled by timeout type.",
		}, []string{"type"}),
		ActiveCeremonies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ceremony",
			Name:      "active_ceremonies",
			Help:      "Ceremonies currently in the OPENED state.",
		}),
	}
	reg.MustRegister(
		m.ContributionsTotal,
		m.VerificationSeconds,
		m.QueueDepth,
		m.TimeoutsTotal,
		m.ActiveCeremonies,
	)
	return m
}
