// Package telemetry exposes Prometheus instrumentation for the coaching service.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics is a
// valid no-op.
type Metrics struct {
	SessionsActive   prometheus.Gauge
	SessionsTotal    prometheus.Counter
	EventsTotal      *prometheus.CounterVec
	EventsDropped    *prometheus.CounterVec
	HintsShown       prometheus.Counter
	HintsAccepted    prometheus.Counter
	AnalysisDuration *prometheus.HistogramVec
	MetricPoints     *prometheus.CounterVec
	Assignments      *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coach_sessions_active",
			Help: "Current number of live coaching sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_sessions_total",
			Help: "Total number of coaching sessions opened",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_events_total",
			Help: "Session events accepted for processing",
		}, []string{"type"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_events_dropped_total",
			Help: "Session events dropped before processing",
		}, []string{"reason"}),
		HintsShown: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_hints_shown_total",
			Help: "Typing hints delivered to sessions",
		}),
		HintsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "coach_hints_accepted_total",
			Help: "Hints accepted by users",
		}),
		AnalysisDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coach_analysis_duration_seconds",
			Help:    "Time spent in the skill analysis engine",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}, []string{"kind"}),
		MetricPoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_metric_points_total",
			Help: "Experiment metric data points by outcome",
		}, []string{"metric", "outcome"}),
		Assignments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "coach_assignments_total",
			Help: "Variant assignments served to new sessions",
		}, []string{"experiment", "variant"}),
	}
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened(experiment, variant string) {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
	m.Assignments.WithLabelValues(experiment, variant).Inc()
}

// SessionClosed records a finalized session.
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// EventAccepted counts an event enqueued for a session.
func (m *Metrics) EventAccepted(eventType string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(eventType).Inc()
}

// EventDropped counts an event that was not processed.
func (m *Metrics) EventDropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

// HintsDelivered counts hints pushed to a session.
func (m *Metrics) HintsDelivered(n int) {
	if m == nil {
		return
	}
	m.HintsShown.Add(float64(n))
}

// HintAccepted counts an accepted hint.
func (m *Metrics) HintAccepted() {
	if m == nil {
		return
	}
	m.HintsAccepted.Inc()
}

// ObserveAnalysis records how long one analysis call took.
func (m *Metrics) ObserveAnalysis(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.AnalysisDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// MetricTracked implements metrics.Observer.
func (m *Metrics) MetricTracked(metric string, recorded bool) {
	if m == nil {
		return
	}
	outcome := "dropped"
	if recorded {
		outcome = "recorded"
	}
	m.MetricPoints.WithLabelValues(metric, outcome).Inc()
}
