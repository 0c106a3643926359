// Package metrics exposes Prometheus collectors for the coordinator.
// All methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/vburojevic/rtckeep/internal/domain"
)

const namespace = "rtckeep"

var connectionStates = []domain.ConnectionState{
	domain.StateDisconnected,
	domain.StateConnecting,
	domain.StateRegistered,
	domain.StateFailed,
}

// Metrics holds one process's collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionState  *prometheus.GaugeVec
	Reconnections    *prometheus.CounterVec
	ConnectAttempts  *prometheus.CounterVec
	HandoffOutcomes  *prometheus.CounterVec
	OwnershipChanges *prometheus.CounterVec
	ForceForeground  *prometheus.CounterVec
	HealthChecks     *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectionState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connection_state",
				Help:      "Reconnection engine state (1 for the current state, 0 otherwise)",
			},
			[]string{"owner", "state"},
		),
		Reconnections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnections_total",
				Help:      "Total number of scheduled or forced reconnection attempts",
			},
			[]string{"owner", "trigger"},
		),
		ConnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connect_attempts_total",
				Help:      "Registration attempts by result",
			},
			[]string{"owner", "result"},
		),
		HandoffOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handoff_outcomes_total",
				Help:      "Forwarded calls by final handoff state",
			},
			[]string{"state"},
		),
		OwnershipChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ownership_changes_total",
				Help:      "Ownership reports written, by owner and reported state",
			},
			[]string{"owner", "active"},
		),
		ForceForeground: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "force_foreground_requests_total",
				Help:      "Bring-to-foreground bridge calls by result",
			},
			[]string{"result"},
		),
		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_checks_total",
				Help:      "Worker health reconciliations by pass and action",
			},
			[]string{"pass", "action"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ConnectionState,
		m.Reconnections,
		m.ConnectAttempts,
		m.HandoffOutcomes,
		m.OwnershipChanges,
		m.ForceForeground,
		m.HealthChecks,
	)
	return m
}

// Registry returns the registry to serve.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// SetConnectionState marks s as the current state for owner.
func (m *Metrics) SetConnectionState(owner domain.Owner, s domain.ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range connectionStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.ConnectionState.WithLabelValues(string(owner), st.String()).Set(v)
	}
}

func (m *Metrics) ObserveReconnect(owner domain.Owner, trigger string) {
	if m == nil {
		return
	}
	m.Reconnections.WithLabelValues(string(owner), trigger).Inc()
}

func (m *Metrics) ObserveAttempt(owner domain.Owner, result string) {
	if m == nil {
		return
	}
	m.ConnectAttempts.WithLabelValues(string(owner), result).Inc()
}

func (m *Metrics) ObserveHandoff(state domain.HandoffState) {
	if m == nil {
		return
	}
	m.HandoffOutcomes.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) ObserveOwnership(owner domain.Owner, active bool) {
	if m == nil {
		return
	}
	label := "false"
	if active {
		label = "true"
	}
	m.OwnershipChanges.WithLabelValues(string(owner), label).Inc()
}

func (m *Metrics) ObserveForceForeground(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.ForceForeground.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHealthCheck(pass, action string) {
	if m == nil {
		return
	}
	m.HealthChecks.WithLabelValues(pass, action).Inc()
}
