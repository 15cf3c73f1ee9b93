package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Tracks outbound broker API calls.
	BrokerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kite_api_requests_total",
			Help: "Total number of broker API requests (by endpoint and status).",
		},
		[]string{"endpoint", "status"},
	)

	BrokerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kite_api_request_duration_seconds",
			Help:    "Duration of broker API requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms → ~16s
		},
		[]string{"endpoint"},
	)

	// Time spent blocked in the rate limiter before a call.
	RateLimitWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kite_rate_limit_wait_seconds",
			Help:    "Time spent waiting for a rate limiter slot.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"endpoint"},
	)

	// Fetch task outcomes: succeeded | empty | failed.
	FetchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_fetch_outcomes_total",
			Help: "Historical fetch task outcomes by status.",
		},
		[]string{"interval", "status"},
	)

	RowsPersisted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rows_persisted_total",
			Help: "Normalized candle rows appended, by table.",
		},
		[]string{"table"},
	)

	PublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_events_published_total",
			Help: "Events published by transport and result.",
		},
		[]string{"transport", "result"}, // result = "ok" | "error"
	)

	PublishLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_event_publish_latency_seconds",
			Help:    "Time taken to publish an event.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	CatalogCacheAccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catalog_cache_access_total",
			Help: "Number of validated catalog cache hits/misses.",
		},
		[]string{"result"}, // hit | miss
	)

	// Ticks received on the live feed.
	FeedTicks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feed_ticks_total",
			Help: "Tick packets received on the live feed, by mode.",
		},
		[]string{"mode"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_errors_total",
			Help: "Count of errors by component.",
		},
		[]string{"component", "reason"},
	)

	// 0 idle, 1 planning, 2 fetching, 3 done.
	RunState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingest_run_state",
			Help: "Current orchestrator state.",
		},
	)

	LastRunTimestamp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_last_run_timestamp",
			Help: "Timestamp (unix seconds) of the last completed run.",
		},
		[]string{"interval"},
	)
)

// ObserveDuration records the time taken since start on the given histogram.
func ObserveDuration(v *prometheus.HistogramVec, start time.Time, labels ...string) {
	v.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
}

func IncBrokerRequest(endpoint, status string) {
	BrokerRequestsTotal.WithLabelValues(endpoint, status).Inc()
}

func IncFetchOutcome(interval, status string) {
	FetchOutcomes.WithLabelValues(interval, status).Inc()
}

func AddRows(table string, n int64) {
	RowsPersisted.WithLabelValues(table).Add(float64(n))
}

func IncPublish(transport, result string) {
	PublishCount.WithLabelValues(transport, result).Inc()
}

func IncCacheAccess(result string) {
	CatalogCacheAccess.WithLabelValues(result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastRun(interval string, t time.Time) {
	LastRunTimestamp.WithLabelValues(interval).Set(float64(t.Unix()))
}
