package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "growatt"

// Metrics holds the collectors shared by the throttle, storage and polling
// layers. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	throttleDecisions *prometheus.CounterVec
	throttleAttempts  *prometheus.CounterVec
	storageErrors     *prometheus.CounterVec
	polls             *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		throttleDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "throttle",
				Name:      "decisions_total",
				Help:      "Throttle decisions by category and result (allowed, throttled)",
			},
			[]string{"category", "result"},
		),
		throttleAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "throttle",
				Name:      "attempts_total",
				Help:      "Recorded upstream attempts by category",
			},
			[]string{"category"},
		),
		storageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "storage",
				Name:      "errors_total",
				Help:      "Persistence failures by operation (load, save)",
			},
			[]string{"op"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "total",
				Help:      "Device refreshes by device type and outcome",
			},
			[]string{"device_type", "outcome"},
		),
	}
	m.registry.MustRegister(m.throttleDecisions, m.throttleAttempts, m.storageErrors, m.polls)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ThrottleDecision(category string, allowed bool) {
	if m == nil {
		return
	}
	result := "throttled"
	if allowed {
		result = "allowed"
	}
	m.throttleDecisions.WithLabelValues(category, result).Inc()
}

func (m *Metrics) ThrottleAttempt(category string) {
	if m == nil {
		return
	}
	m.throttleAttempts.WithLabelValues(category).Inc()
}

func (m *Metrics) StorageError(op string) {
	if m == nil {
		return
	}
	m.storageErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) Poll(deviceType, outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(deviceType, outcome).Inc()
}
