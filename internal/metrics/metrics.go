// Package metrics provides Prometheus instrumentation for the SDK.
//
// Agents that want observability can mount Handler() on any mux; nothing
// is exported unless the process serves it.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PaymentsTotal counts direct session payments by outcome.
	PaymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alancoin_agent",
			Name:      "payments_total",
			Help:      "Session payments by outcome (success, policy_denied, server_rejected, network_failure).",
		},
		[]string{"outcome"},
	)

	// EscrowsTotal counts escrow operations by terminal status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alancoin_agent",
			Name:      "escrows_total",
			Help:      "Escrow operations by status (created, confirmed, disputed).",
		},
		[]string{"status"},
	)

	// PipelineStepsTotal counts pipeline steps by outcome.
	PipelineStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alancoin_agent",
			Name:      "pipeline_steps_total",
			Help:      "Pipeline steps by outcome (confirmed, failed, refunded).",
		},
		[]string{"outcome"},
	)

	// ReservationRollbacksTotal counts budget reservation rollbacks.
	ReservationRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "alancoin_agent",
			Name:      "reservation_rollbacks_total",
			Help:      "Budget reservations rolled back after a failed operation.",
		},
	)

	// ActiveSessions tracks currently open budget sessions.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "alancoin_agent",
			Name:      "active_sessions",
			Help:      "Number of currently open budget sessions.",
		},
	)

	// AuthorityRequestDuration observes authority API latency by operation.
	AuthorityRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "alancoin_agent",
			Name:      "authority_request_duration_seconds",
			Help:      "Latency of remote authority calls by operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentsTotal,
		EscrowsTotal,
		PipelineStepsTotal,
		ReservationRollbacksTotal,
		ActiveSessions,
		AuthorityRequestDuration,
	)
}

// ObserveAuthority records one authority call's duration.
func ObserveAuthority(operation string, start time.Time) {
	AuthorityRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
