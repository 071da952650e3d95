package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncOperations tracks remote writes performed by the synchronizers
	SyncOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_operations_total",
		Help: "Remote operations performed by entity synchronizers",
	}, []string{"kind", "operation", "status"})

	// SyncDuration measures one synchronizer invocation end to end
	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sync_duration_seconds",
		Help:    "Time taken to reconcile a single entity",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"kind", "status"})

	// QueueProcessed counts drained entries by outcome (done, retry, failed)
	QueueProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sync_queue_processed_total",
		Help: "Sync queue entries processed by drain",
	}, []string{"kind", "outcome"})

	// QueueBacklog is the number of entries still eligible for a drain
	QueueBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_backlog",
		Help: "Current number of pending/processing entries in the sync queue",
	})

	// QueueFailed tracks entries that exhausted their retries
	// If this number grows, an operator has to look at last_error and reset them
	QueueFailed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sync_queue_failed",
		Help: "Current number of sync queue entries in failed status",
	})

	// DrainDuration measures a whole drain invocation
	DrainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sync_queue_drain_duration_seconds",
		Help:    "Duration of a sync queue drain in seconds",
		Buckets: []float64{0.5, 1, 5, 15, 60, 120, 300},
	})

	// ConsumerMessages tracks the result of change-event consumption
	ConsumerMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Total number of change events processed by the consumer",
	}, []string{"status", "kind"})
)
