package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyd_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_events_total",
			Help: "Notification events dispatched, by key",
		},
		[]string{"key"},
	)

	deliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_delivered_total",
			Help: "Per-member channel deliveries recorded by the dispatcher",
		},
		[]string{"channel"},
	)

	inlineMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_inline_merged_total",
			Help: "Events folded into an existing unread feed row",
		},
	)

	silencedDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_silenced_drops_total",
			Help: "Events dropped because the kill-switch was engaged",
		},
	)

	emailsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_emails_sent_total",
			Help: "Notification emails handed to the mail service",
		},
	)

	subscriptionsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_push_subscriptions_pruned_total",
			Help: "Push subscriptions deleted after the service reported them gone",
		},
	)

	pushHandoff = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyd_push_handoff_total",
			Help: "Push fan-out handoffs by mode (direct in-process vs queued batch job)",
		},
		[]string{"mode"},
	)

	pushQueuePurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_push_queue_purged_total",
			Help: "Expired push payload rows removed by the purge ticker",
		},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_sqs_messages_in_flight",
			Help: "Current batch jobs being processed from SQS",
		},
	)

	rateLimitRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyd_rate_limit_rejections_total",
			Help: "Requests rejected by the per-member rate limiter",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_db_connections_active",
			Help: "Active database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifyd_redis_connections_active",
			Help: "Active Redis connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEvent records one dispatched notification event
func RecordEvent(key string) {
	eventsTotal.WithLabelValues(key).Inc()
}

// RecordDelivery records one member receiving the event on a channel
func RecordDelivery(channel string) {
	deliveredTotal.WithLabelValues(channel).Inc()
}

// RecordInlineMerge records an event merged into an existing feed row
func RecordInlineMerge() {
	inlineMerged.Inc()
}

// RecordSilencedDrop records an event dropped by the kill-switch
func RecordSilencedDrop() {
	silencedDrops.Inc()
}

// RecordEmailsSent records emails handed to the mail service
func RecordEmailsSent(count int) {
	emailsSent.Add(float64(count))
}

// RecordSubscriptionPruned records a dead push subscription removal
func RecordSubscriptionPruned() {
	subscriptionsPruned.Inc()
}

// RecordPushHandoff records how a push batch left the dispatcher
// (mode is "direct" or "queued")
func RecordPushHandoff(mode string) {
	pushHandoff.WithLabelValues(mode).Inc()
}

// RecordPushQueuePurged records expired payload rows removed
func RecordPushQueuePurged(count int64) {
	pushQueuePurged.Add(float64(count))
}

// SetSQSMessagesInFlight sets the current in-flight batch job count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection() {
	rateLimitRejections.Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets active Redis connection count
func SetRedisConnections(count int) {
	redisConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
