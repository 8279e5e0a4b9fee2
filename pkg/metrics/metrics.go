// Package metrics exposes Prometheus metrics of the call coordinator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "callsig"

// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attemptsTotal     *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	failuresTotal     *prometheus.CounterVec
	candidatesTotal   *prometheus.CounterVec
	setupDuration     *prometheus.HistogramVec
	connectedAttempts prometheus.Gauge
}

func New(registerer prometheus.Registerer, conversationID string) *Metrics {
	factory := promauto.With(registerer)
	labels := prometheus.Labels{"conversation": conversationID}

	return &Metrics{
		attemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "attempts_total",
				Help:        "Call attempts started, by role",
				ConstLabels: labels,
			},
			[]string{"role"},
		),
		transitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "state_transitions_total",
				Help:        "Call state transitions",
				ConstLabels: labels,
			},
			[]string{"from", "to"},
		),
		failuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "failures_total",
				Help:        "Failed call operations, by error kind",
				ConstLabels: labels,
			},
			[]string{"kind"},
		),
		candidatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   namespace,
				Name:        "remote_candidates_total",
				Help:        "Remote ICE candidates, by outcome",
				ConstLabels: labels,
			},
			[]string{"outcome"},
		),
		setupDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   namespace,
				Name:        "setup_duration_seconds",
				Help:        "Time from starting or accepting a call until it is connected",
				ConstLabels: labels,
				Buckets:     []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"role"},
		),
		connectedAttempts: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "connected",
				Help:        "1 while a call is connected",
				ConstLabels: labels,
			},
		),
	}
}

func (m *Metrics) AttemptStarted(role string) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(role).Inc()
}

func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()

	switch {
	case to == "connected":
		m.connectedAttempts.Set(1)
	case from == "connected":
		m.connectedAttempts.Set(0)
	}
}

func (m *Metrics) Failed(kind string) {
	if m == nil {
		return
	}
	m.failuresTotal.WithLabelValues(kind).Inc()
}

// Outcome is one of `applied`, `queued` or a reason for dropping the candidate.
func (m *Metrics) RemoteCandidate(outcome string) {
	if m == nil {
		return
	}
	m.candidatesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Connected(role string, setup time.Duration) {
	if m == nil {
		return
	}
	m.setupDuration.WithLabelValues(role).Observe(setup.Seconds())
}
