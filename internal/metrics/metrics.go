// Spawngate - Serverless Semantics for HTTP Backends
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/spawngate

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the proxy data plane and the lifecycle
// controller. Exposed by the admin server at /metrics.

var (
	// Proxy data plane.
	ProxyRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "spawngate_request_duration_seconds",
			Help:    "Duration of proxied requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"hostname", "status"},
	)

	ProxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawngate_requests_total",
			Help: "Total proxied requests by hostname and status code",
		},
		[]string{"hostname", "status"},
	)

	ProxyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawngate_proxy_errors_total",
			Help: "Total proxy error responses by error code",
		},
		[]string{"hostname", "code"},
	)

	WebsocketTunnels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "spawngate_websocket_tunnels",
			Help: "Currently open WebSocket tunnels",
		},
	)

	// Lifecycle controller.
	BackendState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spawngate_backend_state",
			Help: "Current backend state (0=stopped 1=starting 2=ready 3=unhealthy 4=stopping)",
		},
		[]string{"hostname"},
	)

	BackendStartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawngate_backend_starts_total",
			Help: "Total backend start attempts by outcome (ok, spawn_error, timeout)",
		},
		[]string{"hostname", "outcome"},
	)

	BackendStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawngate_backend_stops_total",
			Help: "Total backend stops by reason (idle, unhealthy, shutdown, reload)",
		},
		[]string{"hostname", "reason"},
	)

	InFlightRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spawngate_in_flight_requests",
			Help: "Admitted, not yet completed requests per backend",
		},
		[]string{"hostname"},
	)

	HealthProbesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spawngate_health_probes_total",
			Help: "Total health probes by result (ok, fail)",
		},
		[]string{"hostname", "result"},
	)
)

// RecordRequest records one proxied request outcome.
func RecordRequest(hostname string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	ProxyRequestsTotal.WithLabelValues(hostname, code).Inc()
	ProxyRequestDuration.WithLabelValues(hostname, code).Observe(duration.Seconds())
}

// RecordProxyError records an error response produced by the proxy itself.
func RecordProxyError(hostname, code string) {
	ProxyErrorsTotal.WithLabelValues(hostname, code).Inc()
}

// RecordProbe records a health probe result.
func RecordProbe(hostname string, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	HealthProbesTotal.WithLabelValues(hostname, result).Inc()
}

// SetBackendState publishes the numeric state for a backend.
func SetBackendState(hostname string, state int) {
	BackendState.WithLabelValues(hostname).Set(float64(state))
}

// RemoveBackend drops all per-backend series after a reload removes a host.
func RemoveBackend(hostname string) {
	BackendState.DeleteLabelValues(hostname)
	InFlightRequests.DeleteLabelValues(hostname)
}
