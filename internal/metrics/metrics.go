// Package metrics defines the Prometheus instrumentation for the sync
// service and the federation gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync path metrics
	PushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncular_push_total",
			Help: "Total number of pushes by partition and outcome",
		},
		[]string{"partition", "outcome"},
	)

	PullTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncular_pull_total",
			Help: "Total number of pulls by partition",
		},
		[]string{"partition"},
	)

	ChangesWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncular_changes_written_total",
			Help: "Total number of change rows written by partition",
		},
		[]string{"partition"},
	)

	SyncRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncular_sync_request_duration_seconds",
			Help:    "Sync request duration in seconds by event type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"event_type"},
	)

	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncular_rate_limited_total",
			Help: "Total number of rate-limited requests by route class",
		},
		[]string{"route"},
	)

	// Realtime metrics
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncular_ws_connections",
			Help: "Current number of registered WebSocket connections",
		},
	)

	RealtimeNotifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncular_realtime_notifications_total",
			Help: "Total number of realtime frames sent by kind",
		},
		[]string{"kind"},
	)

	RealtimeDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncular_realtime_dropped_total",
			Help: "Total number of frames dropped on slow connections",
		},
	)

	BroadcastPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncular_broadcast_published_total",
			Help: "Total number of cross-instance broadcast messages published",
		},
	)

	BroadcastReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncular_broadcast_received_total",
			Help: "Total number of cross-instance broadcast messages applied",
		},
	)

	// Bootstrap metrics
	ChunksBuilt = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncular_snapshot_chunks_built_total",
			Help: "Total number of snapshot chunks materialised",
		},
	)

	ChunkBytes = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncular_snapshot_chunk_bytes",
			Help:    "Compressed snapshot chunk size in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	// Maintenance metrics
	PrunedCommits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncular_pruned_commits_total",
			Help: "Total number of commits removed by pruning",
		},
	)

	CompactedChanges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncular_compacted_changes_total",
			Help: "Total number of superseded changes removed by compaction",
		},
	)

	// Recorder metrics
	RecorderDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncular_recorder_dropped_total",
			Help: "Total number of request events dropped by the recorder",
		},
	)

	// Gateway metrics
	DownstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncular_gateway_downstream_requests_total",
			Help: "Total number of downstream instance requests by instance and result",
		},
		[]string{"instance", "result"},
	)
)

func init() {
	prometheus.MustRegister(PushTotal)
	prometheus.MustRegister(PullTotal)
	prometheus.MustRegister(ChangesWritten)
	prometheus.MustRegister(SyncRequestDuration)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(WSConnections)
	prometheus.MustRegister(RealtimeNotifications)
	prometheus.MustRegister(RealtimeDropped)
	prometheus.MustRegister(BroadcastPublished)
	prometheus.MustRegister(BroadcastReceived)
	prometheus.MustRegister(ChunksBuilt)
	prometheus.MustRegister(ChunkBytes)
	prometheus.MustRegister(PrunedCommits)
	prometheus.MustRegister(CompactedChanges)
	prometheus.MustRegister(RecorderDropped)
	prometheus.MustRegister(DownstreamRequests)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
