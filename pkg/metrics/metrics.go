package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APIRequests counts every HTTP exchange with the billing platform
	// status is the HTTP code, or "error" for transport failures
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_api_requests_total",
		Help: "Total number of requests sent to the billing platform API",
	}, []string{"method", "status"})

	// APIRequestDuration measures round-trip latency of a single HTTP exchange
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "billing_api_request_duration_seconds",
		Help:    "Duration of billing platform API requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method"})

	// RateLimitWaits counts 429 responses we waited out
	RateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "billing_api_rate_limit_waits_total",
		Help: "Number of times the client slept because of HTTP 429",
	})

	// TokenReloads counts credential reloads triggered by local expiry or a 401
	TokenReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_api_token_reloads_total",
		Help: "Number of connection reloads performed by the API client",
	}, []string{"reason"})

	// TokenRefreshes tracks OAuth refresh-grant outcomes
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "billing_token_refreshes_total",
		Help: "Outcome of OAuth token refresh attempts",
	}, []string{"status"})

	// HealthStatus provides a binary 0/1 signal for the broker link of the running binary
	HealthStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "connector_healthy",
		Help: "Current health status of the broker link (1 for healthy, 0 for unhealthy)",
	})

	// RabbitMQReconnections counts how many times a binary had to restore the broker link
	RabbitMQReconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connector_rabbitmq_reconnections_total",
		Help: "Total number of RabbitMQ reconnection attempts",
	})

	// EventsPublished tracks change events emitted by the collector
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collector_events_published_total",
		Help: "ERP change events published to the broker",
	}, []string{"status", "kind"})
)
