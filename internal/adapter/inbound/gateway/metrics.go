package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus metrics. Pass to components
// that need to record them.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	QueueWaitSeconds prometheus.Histogram
	AuthFailures     *prometheus.CounterVec
	RateLimitRejects prometheus.Counter
	AuditDropsTotal  prometheus.Counter
}

// NewMetrics creates and registers all gateway metrics with the given
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proofscan",
				Name:      "gateway_requests_total",
				Help:      "Total number of gateway requests processed",
			},
			[]string{"route", "status"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "proofscan",
				Name:      "gateway_request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		QueueWaitSeconds: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "proofscan",
				Name:      "gateway_queue_wait_seconds",
				Help:      "Time requests spent waiting in a connector queue",
				Buckets:   prometheus.DefBuckets,
			},
		),
		AuthFailures: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "proofscan",
				Name:      "gateway_auth_failures_total",
				Help:      "Total authentication failures by deny reason",
			},
			[]string{"reason"},
		),
		RateLimitRejects: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "proofscan",
				Name:      "gateway_rate_limit_rejects_total",
				Help:      "Total requests rejected by the rate limiter",
			},
		),
		AuditDropsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "proofscan",
				Name:      "gateway_audit_drops_total",
				Help:      "Total audit records dropped due to store failures",
			},
		),
	}
}
