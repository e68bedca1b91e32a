package webhook

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels the result of handling one event.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeFailed    Outcome = "failed"
)

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sweeps   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Webhook events by provider, topic and outcome",
		}, []string{"provider", "topic", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "billing",
			Subsystem: "webhook",
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of webhook handler dispatch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider", "topic"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Subsystem: "webhook",
			Name:      "sweep_entries_total",
			Help:      "Queue entries touched by retry and cleanup sweeps",
		}, []string{"sweep"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.duration, m.sweeps)
	}
	return m
}

func (m *Metrics) event(provider, topic string, outcome Outcome) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(provider, topic, string(outcome)).Inc()
}

func (m *Metrics) observe(provider, topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(provider, topic).Observe(d.Seconds())
}

func (m *Metrics) sweep(name string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweeps.WithLabelValues(name).Add(float64(n))
}
