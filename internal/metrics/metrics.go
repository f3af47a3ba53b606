package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WebSocket metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classlive_ws_connections_active",
		Help: "The current number of open WebSocket connections.",
	})
	ActiveWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "classlive_waiters_active",
		Help: "The current number of clients waiting in persistent-link lobbies.",
	})

	// Session metrics
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classlive_sessions_created_total",
		Help: "The total number of sessions created.",
	})
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classlive_persistent_sessions_started_total",
		Help: "The total number of persistent links bound to a live session.",
	})

	// Cache metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classlive_session_cache_hits_total",
		Help: "The total number of fresh session cache hits.",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classlive_session_cache_misses_total",
		Help: "The total number of session cache misses and stale hits.",
	})
	CacheFlushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classlive_session_cache_flushes_total",
		Help: "The total number of dirty cache entries flushed to the store.",
	})

	// Teacher-code metrics
	TeacherCodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classlive_teacher_code_failures_total",
		Help: "The total number of failed teacher-code verifications.",
	})
	TeacherCodeRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classlive_teacher_code_rate_limited_total",
		Help: "The total number of teacher-code attempts rejected by rate limiting.",
	})
)

// Handler exposes the metrics endpoint for the HTTP server.
func Handler() http.Handler {
	return promhttp.Handler()
}
