// Package observability exposes Prometheus collectors for the dispatcher.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionline_executions_total",
			Help: "Total number of action execution attempts",
		},
		[]string{"action_id", "outcome"},
	)

	executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actionline_execution_duration_seconds",
			Help:    "Action execution duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action_id"},
	)

	activityTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionline_activity_transitions_total",
			Help: "Total number of activity status transitions",
		},
		[]string{"to"},
	)

	approvalsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "actionline_approvals_pending",
			Help: "Number of approvals awaiting a decision",
		},
	)

	approvalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionline_approval_decisions_total",
			Help: "Total number of approval decisions",
		},
		[]string{"decision"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionline_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "actionline_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	noticeDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "actionline_notice_deliveries_total",
			Help: "Total number of webhook notice deliveries",
		},
		[]string{"status"},
	)
)

// RecordExecution counts one attempt. outcome is "success", "deferred" or an
// error kind.
func RecordExecution(actionID, outcome string, duration time.Duration) {
	executionsTotal.WithLabelValues(actionID, outcome).Inc()
	executionDuration.WithLabelValues(actionID).Observe(duration.Seconds())
}

func RecordTransition(to string) {
	activityTransitionsTotal.WithLabelValues(to).Inc()
}

func SetPendingApprovals(n int) {
	approvalsPending.Set(float64(n))
}

func RecordDecision(decision string) {
	approvalDecisionsTotal.WithLabelValues(decision).Inc()
}

func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func RecordNoticeDelivery(status string) {
	noticeDeliveriesTotal.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus exposition handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
