package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsRegistered counts new queued records created by the gate.
	RequestsRegistered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_requests_registered_total",
		Help: "New request records registered (unique idempotency keys)",
	})

	// RequestsAttached counts gate calls that attached to an existing record.
	RequestsAttached = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_requests_attached_total",
		Help: "Gate calls that found an existing record",
	}, []string{"outcome"}) // wait, return

	// RequestsTerminal counts terminal transitions by outcome.
	RequestsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_requests_terminal_total",
		Help: "Request records reaching a terminal state",
	}, []string{"outcome"}) // completed, or the failure kind

	// BatchesDispatched counts upstream batch submissions.
	BatchesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_batches_dispatched_total",
		Help: "Batches submitted to the upstream Batch API",
	})

	// RequestsDispatched counts requests carried by submitted batches.
	RequestsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_requests_dispatched_total",
		Help: "Requests moved from queued into an upstream batch",
	})

	// DispatchFailures counts dispatcher ticks that failed their keys.
	DispatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "silt_dispatch_failures_total",
		Help: "Dispatch attempts that terminally failed their drained keys",
	}, []string{"stage"}) // upload, create, record

	// PollCycles counts poller passes over the active batch set.
	PollCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_poll_cycles_total",
		Help: "Poller ticks executed",
	})

	// ActiveWaiters tracks handlers currently parked on a wake topic.
	ActiveWaiters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "silt_active_waiters",
		Help: "Request handlers currently waiting for a terminal state",
	})

	// HandlerWaitSeconds tracks how long handlers wait before responding.
	HandlerWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "silt_handler_wait_seconds",
		Help:    "Time from subscribe to response for waiting handlers",
		Buckets: prometheus.ExponentialBuckets(1, 2, 18), // 1s to ~36h
	})

	// RedisLatency tracks store operation roundtrip latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "silt_redis_roundtrip_latency_seconds",
		Help:    "Redis operation latency (state spine health)",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
	})

	// UpstreamLatency tracks upstream Batch API call latency by operation.
	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "silt_upstream_latency_seconds",
		Help:    "Upstream Batch API call latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
	}, []string{"operation"}) // upload, create, retrieve, download

	// ArchivedRecords counts terminal records flushed to the archive tier.
	ArchivedRecords = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_archived_records_total",
		Help: "Terminal records flushed into the Postgres archive",
	})

	// ArchiveFlushFailures counts failed archive flush attempts.
	ArchiveFlushFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "silt_archive_flush_failures_total",
		Help: "Archive flushes that failed and were requeued",
	})

	// OpsStreamClients tracks connected operator stats stream clients.
	OpsStreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "silt_ops_stream_clients",
		Help: "Currently connected /ops/stream WebSocket clients",
	})
)
