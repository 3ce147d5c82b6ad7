package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decision metrics
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semcache_hits_total",
		Help: "The total number of semantic cache hits",
	})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "semcache_misses_total",
		Help: "The total number of semantic cache misses",
	})

	MatchSimilarity = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "semcache_match_similarity",
		Help:    "Similarity scores of accepted matches",
		Buckets: []float64{.80, .85, .88, .90, .92, .94, .96, .98, .99, 1},
	})

	LookupLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "semcache_lookup_latency_seconds",
		Help:    "Latency of similarity lookups",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"backend"})

	// Refresh metrics
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semcache_refreshes_total",
		Help: "Total number of entry refreshes",
	}, []string{"mode", "status"})

	RefreshLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "semcache_refresh_latency_seconds",
		Help:    "Latency of refresh retrieval calls",
		Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// Lifecycle metrics
	Evictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semcache_evictions_total",
		Help: "Total number of entries removed",
	}, []string{"reason"})

	// Store metrics
	StoreOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semcache_store_operations_total",
		Help: "Total number of backing store operations",
	}, []string{"operation", "status"})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "semcache_store_errors_total",
		Help: "Total number of backing store errors",
	}, []string{"backend", "operation"})
)
