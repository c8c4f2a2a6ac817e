// Package metrics registers the service's Prometheus collectors with the
// default registry. It holds no HTTP handler: internal/httpapi serves
// /metrics through promhttp.Handler directly, mirroring
// Lens/modules/core/pkg/server's addMetrics/promhttp wiring.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionsvc_cache_hits_total",
		Help: "Result cache hits by kind.",
	}, []string{"kind"})

	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionsvc_cache_misses_total",
		Help: "Result cache misses by kind.",
	}, []string{"kind"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionsvc_cache_evictions_total",
		Help: "Result cache LRU evictions by kind.",
	}, []string{"kind"})

	CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visionsvc_cache_bytes",
		Help: "Total bytes currently tracked by the result cache.",
	})

	VisionCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visionsvc_vision_call_duration_seconds",
		Help:    "Vision primitives call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	VisionCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "visionsvc_vision_circuit_open",
		Help: "1 if the vision client circuit breaker is open, else 0.",
	})

	BatchItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visionsvc_batch_items_total",
		Help: "Batch orchestrator items by outcome.",
	}, []string{"outcome"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visionsvc_request_duration_seconds",
		Help:    "Coordinator request latency by operation.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "success"})
)
