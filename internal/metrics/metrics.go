// Package metrics holds the prometheus collectors shared by ironsession
// components. They register on the default registry and are served by the
// agent's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironsession_gateway_requests_total",
			Help: "Auth gateway calls by operation and outcome",
		},
		[]string{"op", "outcome"},
	)

	GatewayDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ironsession_gateway_request_duration_seconds",
			Help:    "Auth gateway call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ironsession_gateway_breaker_state",
			Help: "Gateway circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	Refreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironsession_refresh_total",
			Help: "Token refresh attempts by outcome",
		},
		[]string{"outcome"},
	)

	SessionExpirations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironsession_session_expired_total",
			Help: "Sessions expired by the controller, by reason",
		},
		[]string{"reason"},
	)

	Logins = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ironsession_login_total",
			Help: "Login attempts by outcome",
		},
		[]string{"outcome"},
	)

	Authenticated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ironsession_authenticated",
			Help: "1 while the session is authenticated",
		},
	)
)

// Refresh outcomes.
const (
	OutcomeSuccess    = "success"
	OutcomeFailure    = "failure"
	OutcomeSuperseded = "superseded"
	OutcomeShared     = "shared"
	OutcomeStale      = "stale"
)

// BoolGauge converts a flag to a gauge value.
func BoolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
