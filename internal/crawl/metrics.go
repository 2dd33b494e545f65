package crawl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth reports the number of jobs waiting in the active run's queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_queue_depth",
		Help: "Number of jobs currently waiting in the job queue.",
	})
	// WorkerPoolSize reports the current worker count.
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "crawler_worker_pool_size",
		Help: "Number of workers currently registered with the master.",
	})
	// WorkersSpawned counts scale-up operations.
	WorkersSpawned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_workers_spawned_total",
		Help: "Total workers spawned by the master.",
	})
	// WorkersRetired counts scale-down operations.
	WorkersRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_workers_retired_total",
		Help: "Total workers retired by the master.",
	})
	// WorkerTimeouts counts workers declared dead by the liveness check.
	WorkerTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_worker_timeouts_total",
		Help: "Total workers replaced after a stale liveness timestamp.",
	})
	// PagesFetched counts successful fetches labeled by job origin.
	PagesFetched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_pages_fetched_total",
		Help: "Total pages fetched successfully, labeled by job origin.",
	}, []string{"origin"})
	// Failures counts per-URL failures labeled by pipeline stage.
	Failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_failures_total",
		Help: "Total per-URL failures, labeled by stage.",
	}, []string{"stage"})
	// ChunksProduced counts chunks delivered to the handler.
	ChunksProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_chunks_produced_total",
		Help: "Total text chunks extracted and handed to the handler.",
	})
	// DuplicatesSkipped counts URLs discarded by the dedup set.
	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "crawler_duplicates_skipped_total",
		Help: "Total URLs skipped because they were already claimed this run.",
	})
	// RunsTotal counts finished runs labeled by outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "crawler_runs_total",
		Help: "Total completed runs, labeled by outcome.",
	}, []string{"outcome"})
)
