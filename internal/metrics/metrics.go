// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the forwarder,
// trimmed to the counters the reactor actually emits (spec.md §6.3): no
// protocol/request counters, since nothing above the socket layer is
// parsed.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters is the seam the reactor depends on, so tests and the no-op
// wiring path never import Prometheus directly.
type Counters interface {
	SetActiveTCP(n float64)
	SetActiveUDP(n float64)
	IncTCPConnections(outcome string)
	IncUDPSessions(outcome string)
	AddBytesForwarded(protocol, direction string, n float64)
	IncConnectionError(kind string)
	IncEvictions(table string)
	SetBreakerState(backend string, state float64)
	IncBreakerTrip(backend string)
}

// Metrics is the concrete Prometheus-backed Counters implementation.
type Metrics struct {
	ActiveTCPConnections prometheus.Gauge
	ActiveUDPSessions    prometheus.Gauge

	TCPConnectionsTotal *prometheus.CounterVec
	UDPSessionsTotal    *prometheus.CounterVec

	BytesForwardedTotal *prometheus.CounterVec

	ConnectionErrorsTotal *prometheus.CounterVec
	EvictionsTotal        *prometheus.CounterVec

	CircuitBreakerState      *prometheus.GaugeVec
	CircuitBreakerTripsTotal *prometheus.CounterVec
}

var _ Counters = (*Metrics)(nil)

// New creates a Metrics instance with all counters and gauges registered
// under namespace (default "tinyportmapper").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tinyportmapper"
	}

	return &Metrics{
		ActiveTCPConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_tcp_connections",
			Help:      "Number of currently open TCP connections.",
		}),
		ActiveUDPSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_udp_sessions",
			Help:      "Number of currently live UDP sessions.",
		}),
		TCPConnectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcp_connections_total",
			Help:      "Total TCP connections by terminal outcome.",
		}, []string{"outcome"}),
		UDPSessionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_sessions_total",
			Help:      "Total UDP sessions by terminal outcome.",
		}, []string{"outcome"}),
		BytesForwardedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_forwarded_total",
			Help:      "Cumulative bytes forwarded, by protocol and direction.",
		}, []string{"protocol", "direction"}),
		ConnectionErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_errors_total",
			Help:      "Connection-fatal and resource-exhausted errors by kind.",
		}, []string{"kind"}),
		EvictionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Time-based LRU evictions by table.",
		}, []string{"table"}),
		CircuitBreakerState: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open).",
		}, []string{"backend"}),
		CircuitBreakerTripsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips.",
		}, []string{"backend"}),
	}
}

func (m *Metrics) SetActiveTCP(n float64) { m.ActiveTCPConnections.Set(n) }
func (m *Metrics) SetActiveUDP(n float64) { m.ActiveUDPSessions.Set(n) }

func (m *Metrics) IncTCPConnections(outcome string) {
	m.TCPConnectionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncUDPSessions(outcome string) {
	m.UDPSessionsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddBytesForwarded(protocol, direction string, n float64) {
	m.BytesForwardedTotal.WithLabelValues(protocol, direction).Add(n)
}

func (m *Metrics) IncConnectionError(kind string) {
	m.ConnectionErrorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncEvictions(table string) {
	m.EvictionsTotal.WithLabelValues(table).Inc()
}

func (m *Metrics) SetBreakerState(backend string, state float64) {
	m.CircuitBreakerState.WithLabelValues(backend).Set(state)
}

func (m *Metrics) IncBreakerTrip(backend string) {
	m.CircuitBreakerTripsTotal.WithLabelValues(backend).Inc()
}

// NoopCounters discards every observation. It satisfies Counters for
// tests and for runs with no MetricsAddr configured.
type NoopCounters struct{}

var _ Counters = NoopCounters{}

func (NoopCounters) SetActiveTCP(float64)                       {}
func (NoopCounters) SetActiveUDP(float64)                       {}
func (NoopCounters) IncTCPConnections(string)                   {}
func (NoopCounters) IncUDPSessions(string)                      {}
func (NoopCounters) AddBytesForwarded(string, string, float64)  {}
func (NoopCounters) IncConnectionError(string)                  {}
func (NoopCounters) IncEvictions(string)                        {}
func (NoopCounters) SetBreakerState(string, float64)            {}
func (NoopCounters) IncBreakerTrip(string)                       {}
