package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	orderTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerhub_order_transitions_total",
			Help: "Committed order status transitions",
		},
		[]string{"from", "to"},
	)

	operationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerhub_operation_failures_total",
			Help: "Engine operations rejected or failed, by reason",
		},
		[]string{"operation", "reason"},
	)

	notificationsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerhub_notifications_created_total",
			Help: "Notifications committed to recipients' inboxes",
		},
		[]string{"type"},
	)

	changeEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerhub_change_events_published_total",
			Help: "Change events delivered to a propagation sink",
		},
		[]string{"sink"},
	)

	changePublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "makerhub_change_publish_failures_total",
			Help: "Change events a propagation sink failed to accept",
		},
		[]string{"sink"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(orderTransitionsTotal)
	prometheus.MustRegister(operationFailuresTotal)
	prometheus.MustRegister(notificationsCreatedTotal)
	prometheus.MustRegister(changeEventsPublishedTotal)
	prometheus.MustRegister(changePublishFailuresTotal)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveHTTPRequest(method, endpoint, status string, seconds float64) {
	httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

func RecordOrderTransition(from, to string) {
	orderTransitionsTotal.WithLabelValues(from, to).Inc()
}

func RecordOperationFailure(operation, reason string) {
	operationFailuresTotal.WithLabelValues(operation, reason).Inc()
}

func RecordNotificationCreated(kind string) {
	notificationsCreatedTotal.WithLabelValues(kind).Inc()
}

func RecordChangePublished(sink string, events int) {
	changeEventsPublishedTotal.WithLabelValues(sink).Add(float64(events))
}

func RecordChangePublishFailure(sink string, events int) {
	changePublishFailuresTotal.WithLabelValues(sink).Add(float64(events))
}
