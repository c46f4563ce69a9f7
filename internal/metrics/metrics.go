// Package metrics exposes Prometheus collectors for the proxy hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/wardgate/wardgate/api"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardgate_requests_total",
			Help: "Total number of intercepted requests by decision",
		},
		[]string{"action"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wardgate_request_duration_seconds",
			Help:    "Time spent deciding one intercepted request",
			Buckets: prometheus.DefBuckets,
		},
	)

	secretsDetectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wardgate_secrets_detected_total",
			Help: "Total number of secret matches found in outbound content",
		},
	)

	mitmFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wardgate_mitm_failures_total",
			Help: "Total number of TLS interception setup failures",
		},
	)

	activeTunnels = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wardgate_active_tunnels",
			Help: "Currently open CONNECT tunnels",
		},
	)
)

// ObserveDecision records one decided request.
func ObserveDecision(action api.Action, seconds float64, secretMatches int) {
	requestsTotal.WithLabelValues(string(action)).Inc()
	requestDuration.Observe(seconds)
	if secretMatches > 0 {
		secretsDetectedTotal.Add(float64(secretMatches))
	}
}

// MITMFailure records one failed TLS interception attempt.
func MITMFailure() {
	mitmFailuresTotal.Inc()
}

// TunnelOpened and TunnelClosed track the CONNECT tunnel gauge.
func TunnelOpened() {
	activeTunnels.Inc()
}

func TunnelClosed() {
	activeTunnels.Dec()
}
