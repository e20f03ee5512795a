// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the forwarder.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the forwarder exposes.
type Metrics struct {
	ActiveTCPConnections *prometheus.GaugeVec
	ActiveUDPSessions    *prometheus.GaugeVec
	TCPConnectionsTotal  *prometheus.CounterVec
	UDPSessionsTotal     *prometheus.CounterVec

	BytesForwarded *prometheus.CounterVec

	PPv2HeadersEmitted *prometheus.CounterVec
	PPv2HeadersDecoded *prometheus.CounterVec

	AggregatorFlushesTotal *prometheus.CounterVec
	WebhookDispatchTotal   *prometheus.CounterVec

	ControlRequestsTotal *prometheus.CounterVec

	IdentityLoginsTotal          prometheus.Counter
	IdentityPendingTimeoutsTotal prometheus.Counter

	BackendDialDuration *prometheus.HistogramVec
	BackendDialErrors   *prometheus.CounterVec

	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	RateLimitedRequests *prometheus.CounterVec
}

// New creates a new Metrics instance with every collector registered under
// namespace ("bunproxy" if empty).
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "bunproxy"
	}

	return &Metrics{
		ActiveTCPConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tcp_connections",
				Help:      "Number of currently active TCP connections",
			},
			[]string{"target"},
		),
		ActiveUDPSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_udp_sessions",
				Help:      "Number of currently active UDP pseudo-sessions",
			},
			[]string{"target"},
		),
		TCPConnectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tcp_connections_total",
				Help:      "Total number of TCP connections accepted",
			},
			[]string{"target", "status"},
		),
		UDPSessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "udp_sessions_total",
				Help:      "Total number of UDP pseudo-sessions created",
			},
			[]string{"target", "status"},
		),
		BytesForwarded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_forwarded_total",
				Help:      "Total bytes relayed between client and backend",
			},
			[]string{"target", "protocol", "direction"},
		),
		PPv2HeadersEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ppv2_headers_emitted_total",
				Help:      "Total number of PROXY protocol v2 headers written to a backend",
			},
			[]string{"target", "protocol"},
		),
		PPv2HeadersDecoded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ppv2_headers_decoded_total",
				Help:      "Total number of PROXY protocol v2 headers decoded from an inbound flow",
			},
			[]string{"target", "protocol"},
		),
		AggregatorFlushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "aggregator_flushes_total",
				Help:      "Total number of debounce-window flushes performed by the notification aggregator",
			},
			[]string{"kind"},
		),
		WebhookDispatchTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_dispatch_total",
				Help:      "Total number of webhook notification dispatch attempts",
			},
			[]string{"status"},
		),
		ControlRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "control_requests_total",
				Help:      "Total number of requests handled by the HTTP control endpoint",
			},
			[]string{"route", "status"},
		),
		IdentityLoginsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_logins_total",
				Help:      "Total number of login events registered with the identity map",
			},
		),
		IdentityPendingTimeoutsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_pending_timeouts_total",
				Help:      "Total number of pending flows that timed out with no correlated identity",
			},
		),
		BackendDialDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_dial_duration_seconds",
				Help:      "Backend dial duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		BackendDialErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_dial_errors_total",
				Help:      "Total number of failed backend dial attempts",
			},
			[]string{"target"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Backend dial breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"target"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of times a backend dial breaker tripped open",
			},
			[]string{"target"},
		),
		RateLimitedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of control endpoint requests rejected by the rate limiter",
			},
			[]string{"route"},
		),
	}
}

// ObserveDial tracks a single backend dial attempt's duration and outcome.
func (m *Metrics) ObserveDial(target string, f func() error) error {
	start := time.Now()
	err := f()
	m.BackendDialDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	if err != nil {
		m.BackendDialErrors.WithLabelValues(target).Inc()
	}
	return err
}
