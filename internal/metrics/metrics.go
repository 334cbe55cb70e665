package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nudge_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	ticksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_scheduler_ticks_total",
			Help: "Scheduler job runs by job and outcome",
		},
		[]string{"job", "outcome"},
	)

	tickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nudge_scheduler_tick_duration_seconds",
			Help:    "Wall time of one scheduler job run",
			Buckets: []float64{.05, .25, 1, 5, 15, 60, 180, 600},
		},
		[]string{"job"},
	)

	candidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_rule_candidates_total",
			Help: "Entities matched by a rule's time window",
		},
		[]string{"rule"},
	)

	malformedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_rule_malformed_rows_total",
			Help: "Repository rows excluded for missing or invalid reference data",
		},
		[]string{"rule"},
	)

	evaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_evaluations_total",
			Help: "Per-entity evaluation outcomes by rule",
		},
		[]string{"rule", "outcome"},
	)

	dispatchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nudge_dispatch_latency_seconds",
			Help:    "Provider call latency by channel",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 15},
		},
		[]string{"channel"},
	)

	outboundThrottled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_outbound_throttled_total",
			Help: "Sends deferred by the cross-replica outbound limit",
		},
		[]string{"channel"},
	)

	lifecycleTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_lifecycle_transitions_total",
			Help: "Subscription lifecycle transition attempts by target state and verdict",
		},
		[]string{"to", "verdict"},
	)

	gateLookupErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nudge_gate_lookup_errors_total",
			Help: "Automation setting lookups that failed and were treated as disabled",
		},
	)

	tickLockSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_tick_lock_skipped_total",
			Help: "Job runs skipped because another replica held the tick",
		},
		[]string{"job"},
	)

	circuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nudge_circuit_state",
			Help: "Channel circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"channel"},
	)

	billingEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nudge_billing_events_total",
			Help: "Billing events applied by type, source, and outcome",
		},
		[]string{"type", "source", "outcome"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_sqs_messages_in_flight",
			Help: "Billing queue messages currently being processed",
		},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_db_connections_active",
			Help: "Acquired database connections",
		},
	)

	redisConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nudge_redis_connections_active",
			Help: "Total Redis pool connections",
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

// RecordTick records one job run. outcome is "ok", "failed" or "skipped".
func RecordTick(job, outcome string, duration time.Duration) {
	ticksTotal.WithLabelValues(job, outcome).Inc()
	tickDuration.WithLabelValues(job).Observe(duration.Seconds())
}

// RecordCandidates records how many entities a rule matched and how many rows
// were dropped as malformed.
func RecordCandidates(rule string, matched, malformed int) {
	candidatesTotal.WithLabelValues(rule).Add(float64(matched))
	if malformed > 0 {
		malformedTotal.WithLabelValues(rule).Add(float64(malformed))
	}
}

// RecordEvaluation records the outcome of evaluating one entity for a rule.
func RecordEvaluation(rule, outcome string) {
	evaluationsTotal.WithLabelValues(rule, outcome).Inc()
}

// RecordDispatchLatency records a provider call duration
func RecordDispatchLatency(channel string, latency time.Duration) {
	dispatchLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordOutboundThrottled records a send deferred by the outbound limiter
func RecordOutboundThrottled(channel string) {
	outboundThrottled.WithLabelValues(channel).Inc()
}

// RecordLifecycleTransition records a lifecycle advance attempt
func RecordLifecycleTransition(to, verdict string) {
	lifecycleTransitions.WithLabelValues(to, verdict).Inc()
}

// RecordGateLookupError records a failed automation setting read
func RecordGateLookupError() {
	gateLookupErrors.Inc()
}

// RecordTickLockSkipped records a run skipped because of the tick lock
func RecordTickLockSkipped(job string) {
	tickLockSkips.WithLabelValues(job).Inc()
}

// SetCircuitState publishes a breaker state for a channel
func SetCircuitState(channel string, state int) {
	circuitState.WithLabelValues(channel).Set(float64(state))
}

// RecordBillingEvent records a billing event application
func RecordBillingEvent(eventType, source, outcome string) {
	billingEvents.WithLabelValues(eventType, source, outcome).Inc()
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// SetRedisConnections sets Redis pool connection count
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

// Middleware returns HTTP middleware that records request metrics. Paths are
// labelled by chi route pattern when one matched.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
