// Package metrics registers the server's Prometheus instrumentation
// (spec.md §6.5): pool usage gauges, cache hit/miss counters, and worker
// lifecycle counters, all exposed on /metrics via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsInProcess mirrors Pool.Usage()'s requests_in_process
	// (spec.md §4.9/§6.5 status.usage).
	RequestsInProcess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qpy_pool_requests_in_process",
			Help: "Number of requests currently occupying a worker",
		},
	)

	// RequestsInQueue mirrors Pool.Usage()'s requests_in_queue.
	RequestsInQueue = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qpy_pool_requests_in_queue",
			Help: "Number of requests waiting for a worker slot or memory",
		},
	)

	// WorkersStarted counts every worker successfully brought to IDLE.
	WorkersStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "qpy_workers_started_total",
			Help: "Workers successfully started",
		},
	)

	// WorkersFailed counts worker starts that ended in a StartError.
	WorkersFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpy_workers_failed_total",
			Help: "Worker starts that failed, by temporary/permanent",
		},
		[]string{"temporary"},
	)

	// WorkersKilled counts workers torn down by the worker handle's kill or
	// time-limit enforcer, by cause: "bootstrap_failed", "grace_timeout",
	// "external", "time_limit". A worker torn down because its request
	// context was cancelled is not counted.
	WorkersKilled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpy_workers_killed_total",
			Help: "Workers killed, by cause",
		},
		[]string{"cause"},
	)

	// RequestDuration tracks end-to-end handler latency by route.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qpy_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "status"},
	)

	// ErrorsByCode counts responses by RequestError.ErrorCode
	// (spec.md §7's taxonomy).
	ErrorsByCode = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpy_errors_total",
			Help: "Requests that ended in a RequestError, by error_code",
		},
		[]string{"error_code"},
	)

	// CacheHits and CacheMisses track filelru.Cache lookups by cache name
	// ("package cache", "repo index cache", as set by filelru.WithName).
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpy_cache_hits_total",
			Help: "Cache lookups that found an existing entry",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpy_cache_misses_total",
			Help: "Cache lookups that found nothing",
		},
		[]string{"cache"},
	)

	// CacheEvictions counts filelru.Cache removals, by cache name and
	// reason ("evicted", "removed").
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qpy_cache_evictions_total",
			Help: "Cache entries removed, by cache and reason",
		},
		[]string{"cache", "reason"},
	)

	// CacheBytesUsed tracks each cache's current occupied size.
	CacheBytesUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qpy_cache_bytes_used",
			Help: "Cache occupied size in bytes",
		},
		[]string{"cache"},
	)

	// IndexedPackages tracks how many distinct hashes the indexer holds.
	IndexedPackages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "qpy_indexed_packages",
			Help: "Distinct package hashes currently indexed",
		},
	)
)
