package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemchat_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"method", "path", "status_class"},
	)

	HTTPInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemchat_http_inflight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Dispatch metrics
	DispatchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_dispatch_requests_total",
			Help: "Total number of dispatched calls",
		},
		[]string{"mode", "outcome"}, // mode: chat/stream, outcome: success/error
	)

	DispatchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_dispatch_attempts_total",
			Help: "Total number of per-key attempts by outcome",
		},
		[]string{"key", "outcome"}, // outcome: success/retryable/terminal
	)

	UpstreamRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gemchat_upstream_request_duration_seconds",
			Help:    "Upstream API request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"mode"},
	)

	// Key pool metrics
	KeysHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemchat_keys_healthy",
			Help: "Number of keys currently healthy",
		},
	)

	KeysCoolingDown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemchat_keys_cooling_down",
			Help: "Number of keys currently cooling down",
		},
	)

	KeysInvalid = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemchat_keys_invalid",
			Help: "Number of keys marked permanently invalid",
		},
	)

	KeyCooldownSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gemchat_key_cooldown_seconds",
			Help:    "Distribution of cooldown windows applied to keys",
			Buckets: []float64{1, 2, 4, 8, 16, 30, 60},
		},
	)

	KeysRemovedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_keys_removed_total",
			Help: "Total number of keys removed via the management API",
		},
		[]string{"reason"}, // reason: permanent/temporary
	)

	// Stream session metrics
	StreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemchat_streams_active",
			Help: "Number of stream sessions currently active",
		},
	)

	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_streams_total",
			Help: "Total number of stream sessions by terminal status",
		},
		[]string{"status"}, // status: completed/cancelled/failed
	)

	// Probe metrics
	ProbeRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_probe_runs_total",
			Help: "Total number of key probe runs",
		},
		[]string{"status"}, // status: all_ok/partial/all_failed/empty
	)

	ProbeDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gemchat_probe_duration_seconds",
			Help:    "Key probe run latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Management and middleware metrics
	ManagementAccessTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_management_access_total",
			Help: "Total number of management access decisions",
		},
		[]string{"route", "result"},
	)

	RateLimitKeysGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gemchat_ratelimit_keys",
			Help: "Current number of per-client rate limiters",
		},
	)

	RateLimitSweepsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gemchat_ratelimit_sweeps_total",
			Help: "Total number of rate limiter TTL cache sweeps",
		},
	)

	// State persistence metrics
	StatePersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gemchat_state_persist_total",
			Help: "Total number of key state persistence operations",
		},
		[]string{"backend", "result"},
	)
)
