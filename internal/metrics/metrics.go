// Package metrics exposes prometheus collectors for the inference core.
// Degraded-mode events (placeholder weights, cache rejections, unsupported
// formats) are all counted here so silent fallbacks stay observable.
package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "The total number of tokens generated",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "inference_step_duration_seconds",
		Help: "Duration of single-token evaluation steps",
	})

	PrefillTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prefill_tokens",
		Help:    "Prompt lengths processed per request",
		Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096},
	})

	ArenaUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_used_bytes",
		Help: "Bytes currently consumed in the model arena",
	})

	MissingTensorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "missing_tensor_total",
		Help: "Weight bindings replaced by a placeholder at load",
	}, []string{"role"})

	ShapeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shape_errors_total",
		Help: "Matmul call sites rejected before compute",
	}, []string{"operation"})

	UnsupportedFormatTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unsupported_format_total",
		Help: "Dequantization requests for unimplemented tensor formats",
	}, []string{"format"})

	DequantRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dequant_rows_total",
		Help: "Tensor rows dequantized (cached or transient)",
	})

	WeightCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weight_cache_hits_total",
		Help: "Weight cache lookups served from a resident buffer",
	})

	WeightCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weight_cache_misses_total",
		Help: "Weight cache lookups that triggered dequantization",
	})

	WeightCacheRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weight_cache_rejections_total",
		Help: "Weight cache admissions refused by the byte budget",
	})

	WeightCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weight_cache_used_bytes",
		Help: "Bytes of dequantized weights resident in the cache",
	})

	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_capacity_bytes",
		Help: "Total capacity of KV caches across sessions",
	})

	KVCachePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kv_cache_positions",
		Help: "Positions currently occupied in the most recent session",
	})
)

// RecordInference tracks generated tokens plus per-step latency.
func RecordInference(tokens int, d time.Duration) {
	totalTokens.Add(int64(tokens))
	InferenceTokensTotal.Add(float64(tokens))
	InferenceDuration.Observe(d.Seconds())
}

// TotalTokens returns the process-lifetime generated token count.
func TotalTokens() int64 {
	return totalTokens.Load()
}
