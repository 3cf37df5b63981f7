package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Backfill stage counters and histograms, partitioned by chain symbol.

var (
	// Explorer client
	ExplorerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "explorer",
		Name:      "requests_total",
		Help:      "Total explorer HTTP attempts by endpoint and outcome",
	}, []string{"chain", "endpoint", "status"})

	ExplorerRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "explorer",
		Name:      "retries_total",
		Help:      "Total explorer request retries",
	}, []string{"chain", "endpoint"})

	ExplorerRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "backfill",
		Subsystem: "explorer",
		Name:      "request_duration_seconds",
		Help:      "Explorer HTTP attempt duration, excluding the post-success delay",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "endpoint"})

	ExplorerCircuitOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "explorer",
		Name:      "circuit_open",
		Help:      "1 while the explorer circuit breaker rejects requests",
	}, []string{"chain"})

	// Block locator
	LocatorProbesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "locator",
		Name:      "probes_total",
		Help:      "Total block probes made by the binary search",
	}, []string{"chain"})

	LocatorFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "locator",
		Name:      "fallbacks_total",
		Help:      "Total window edges that fell back to the full chain range",
	}, []string{"chain", "edge"})

	// Fetcher
	FetcherPagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "fetcher",
		Name:      "pages_total",
		Help:      "Total address history pages read",
	}, []string{"chain"})

	FetcherTxFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "fetcher",
		Name:      "transactions_fetched_total",
		Help:      "Total transactions returned by the explorer",
	}, []string{"chain"})

	FetcherTxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "fetcher",
		Name:      "transactions_dropped_total",
		Help:      "Total fetched transactions dropped before persistence",
	}, []string{"chain", "reason"})

	FetcherErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "fetcher",
		Name:      "errors_total",
		Help:      "Total address fetches that degraded after retry exhaustion",
	}, []string{"chain"})

	// Price resolver
	PriceResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "pricing",
		Name:      "resolutions_total",
		Help:      "Total price resolutions by the tier that answered",
	}, []string{"chain", "source"})

	// Persister
	PersisterBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "persister",
		Name:      "batches_total",
		Help:      "Total persisted batches by outcome",
	}, []string{"chain", "outcome"})

	PersisterTxInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "persister",
		Name:      "transactions_inserted_total",
		Help:      "Total transaction rows inserted",
	}, []string{"chain"})

	PersisterTxDuplicates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "persister",
		Name:      "transactions_duplicate_total",
		Help:      "Total transaction rows ignored because the hash already existed",
	}, []string{"chain"})

	PersisterTxSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "persister",
		Name:      "transactions_skipped_total",
		Help:      "Total transactions skipped inside a batch",
	}, []string{"chain", "reason"})

	PersisterBatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "backfill",
		Subsystem: "persister",
		Name:      "batch_duration_seconds",
		Help:      "Batch prepare and write duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"chain"})

	// Run
	WalletsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "run",
		Name:      "wallets_total",
		Help:      "Total wallets processed by outcome",
	}, []string{"chain", "outcome"})

	RunDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "run",
		Name:      "duration_seconds",
		Help:      "Duration of the last run",
	}, []string{"chain", "job"})

	RunLastSuccessTimestamp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "run",
		Name:      "last_success_timestamp_seconds",
		Help:      "Unix time of the last run that finished without a fatal error",
	}, []string{"chain", "job"})

	// Run-scoped caches
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total run cache hits",
	}, []string{"cache"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total run cache misses",
	}, []string{"cache"})

	// Database pool
	DBPoolOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "postgres",
		Name:      "db_pool_open",
		Help:      "Current number of open PostgreSQL connections in the pool",
	}, []string{"chain"})

	DBPoolInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "postgres",
		Name:      "db_pool_in_use",
		Help:      "Current number of in-use PostgreSQL connections in the pool",
	}, []string{"chain"})

	DBPoolIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "postgres",
		Name:      "db_pool_idle",
		Help:      "Current number of idle PostgreSQL connections in the pool",
	}, []string{"chain"})

	DBPoolWaitCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "postgres",
		Name:      "db_pool_wait_count",
		Help:      "Cumulative count of waits for PostgreSQL connections from pool",
	}, []string{"chain"})

	DBPoolWaitDurationSeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "backfill",
		Subsystem: "postgres",
		Name:      "db_pool_wait_duration_seconds",
		Help:      "Latest PostgreSQL pool wait duration in seconds",
	}, []string{"chain"})

	// Rate limiter
	RateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "http",
		Name:      "rate_limit_waits_total",
		Help:      "Total times outbound calls waited for the rate limiter",
	}, []string{"source"})

	// Price backfill
	MarketDataRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "marketdata",
		Name:      "requests_total",
		Help:      "Total market data HTTP attempts by currency and outcome",
	}, []string{"provider", "currency", "status"})

	PricefillChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "pricefill",
		Name:      "chunks_total",
		Help:      "Total market data chunks by outcome",
	}, []string{"symbol", "outcome"})

	PricefillPointsInserted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "pricefill",
		Name:      "points_inserted_total",
		Help:      "Total hourly price points inserted",
	}, []string{"symbol"})

	// Volume rollup
	RollupRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "rollup",
		Name:      "rows_written_total",
		Help:      "Total rollup rows upserted",
	}, []string{"table"})

	RollupWalletErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "rollup",
		Name:      "wallet_errors_total",
		Help:      "Total wallets whose rollup failed",
	}, []string{"stage"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "backfill",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})
)
