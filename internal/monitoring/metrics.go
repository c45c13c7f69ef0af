// Package monitoring - metrics.go provides operational counters.
//
// DESIGN: Two views of the same events:
//   - atomic counters for the JSON /stats snapshot
//   - Prometheus vectors on a private registry, served at /metrics
//
// A private registry keeps tests and multiple gateways in one process from
// colliding on the default registerer.
package monitoring

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time
	registry  *prometheus.Registry

	// Request counters
	requests    atomic.Int64
	successes   atomic.Int64
	cacheHits   atomic.Int64
	cacheMisses atomic.Int64
	fallbacks   atomic.Int64
	decomposed  atomic.Int64

	// Token counters
	totalInputTokens  atomic.Int64
	totalOutputTokens atomic.Int64

	// Pipeline counters
	pipelineRuns atomic.Int64
	pipelineDone atomic.Int64

	requestsTotal   *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	costTotal       *prometheus.CounterVec
	cacheTotal      *prometheus.CounterVec
	fallbacksTotal  *prometheus.CounterVec
	decomposeChunks prometheus.Histogram
	pipelineTotal   *prometheus.CounterVec
	gateTotal       *prometheus.CounterVec
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		startedAt: time.Now(),
		registry:  prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total chat-completion requests by tier and outcome",
			},
			[]string{"tier", "status"}, // status: success|error|cached
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end request latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"tier", "stream"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Tokens consumed by tier",
			},
			[]string{"tier", "type"}, // type: input|output
		),
		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cost_usd_total",
				Help: "Provider cost in USD by tier",
			},
			[]string{"tier"},
		),
		cacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Deterministic cache lookups",
			},
			[]string{"result"}, // hit|miss
		),
		fallbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tier_fallbacks_total",
				Help: "Tier fallbacks after reservation or mid-stream failure",
			},
			[]string{"from", "to", "cause"}, // cause: reservation|stream_error
		),
		decomposeChunks: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_decompose_chunks",
				Help:    "Chunks executed per decomposed request",
				Buckets: []float64{1, 2, 3},
			},
		),
		pipelineTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_pipeline_runs_total",
				Help: "Agentic pipeline runs by terminal status",
			},
			[]string{"status"},
		),
		gateTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quality_gate_checks_total",
				Help: "Quality gate evaluations by gate and verdict",
			},
			[]string{"gate", "verdict"},
		),
	}
	mc.registry.MustRegister(
		mc.requestsTotal, mc.requestLatency, mc.tokensTotal, mc.costTotal,
		mc.cacheTotal, mc.fallbacksTotal, mc.decomposeChunks, mc.pipelineTotal, mc.gateTotal,
	)
	return mc
}

// Handler serves the Prometheus exposition format.
func (mc *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(mc.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a finished request.
func (mc *MetricsCollector) RecordRequest(tier string, success, stream bool, latency time.Duration) {
	mc.requests.Add(1)
	status := "error"
	if success {
		mc.successes.Add(1)
		status = "success"
	}
	if tier == "" {
		tier = "none"
	}
	mc.requestsTotal.WithLabelValues(tier, status).Inc()
	mc.requestLatency.WithLabelValues(tier, boolLabel(stream)).Observe(latency.Seconds())
}

// RecordCacheHit records a cache hit.
func (mc *MetricsCollector) RecordCacheHit(tier string) {
	mc.cacheHits.Add(1)
	mc.cacheTotal.WithLabelValues("hit").Inc()
	mc.requestsTotal.WithLabelValues(tier, "cached").Inc()
}

// RecordCacheMiss records a cache miss.
func (mc *MetricsCollector) RecordCacheMiss() {
	mc.cacheMisses.Add(1)
	mc.cacheTotal.WithLabelValues("miss").Inc()
}

// RecordUsage records actual token usage and cost of a provider call.
func (mc *MetricsCollector) RecordUsage(tier string, inputTokens, outputTokens int, costUSD float64) {
	mc.totalInputTokens.Add(int64(inputTokens))
	mc.totalOutputTokens.Add(int64(outputTokens))
	mc.tokensTotal.WithLabelValues(tier, "input").Add(float64(inputTokens))
	mc.tokensTotal.WithLabelValues(tier, "output").Add(float64(outputTokens))
	if costUSD > 0 {
		mc.costTotal.WithLabelValues(tier).Add(costUSD)
	}
}

// RecordFallback records a tier fallback.
func (mc *MetricsCollector) RecordFallback(from, to, cause string) {
	mc.fallbacks.Add(1)
	mc.fallbacksTotal.WithLabelValues(from, to, cause).Inc()
}

// RecordDecompose records a decomposed request.
func (mc *MetricsCollector) RecordDecompose(chunks int) {
	mc.decomposed.Add(1)
	mc.decomposeChunks.Observe(float64(chunks))
}

// RecordPipelineRun records a pipeline run's terminal status.
func (mc *MetricsCollector) RecordPipelineRun(status string) {
	mc.pipelineRuns.Add(1)
	if status == "done" {
		mc.pipelineDone.Add(1)
	}
	mc.pipelineTotal.WithLabelValues(status).Inc()
}

// RecordGate records a quality gate verdict.
func (mc *MetricsCollector) RecordGate(gate, verdict string) {
	mc.gateTotal.WithLabelValues(gate, verdict).Inc()
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// StatsSnapshot is the counter view served at /stats.
type StatsSnapshot struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	CacheHits    int64   `json:"cache_hits"`
	CacheMisses  int64   `json:"cache_misses"`
	CacheHitRate float64 `json:"cache_hit_rate_pct"`
	Fallbacks    int64   `json:"tier_fallbacks"`
	Decomposed   int64   `json:"decomposed"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	PipelineRuns int64   `json:"pipeline_runs"`
	PipelineDone int64   `json:"pipeline_done"`
}

// Stats returns current counters.
func (mc *MetricsCollector) Stats() StatsSnapshot {
	hits := mc.cacheHits.Load()
	misses := mc.cacheMisses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return StatsSnapshot{
		Requests:     mc.requests.Load(),
		Successes:    mc.successes.Load(),
		CacheHits:    hits,
		CacheMisses:  misses,
		CacheHitRate: rate,
		Fallbacks:    mc.fallbacks.Load(),
		Decomposed:   mc.decomposed.Load(),
		InputTokens:  mc.totalInputTokens.Load(),
		OutputTokens: mc.totalOutputTokens.Load(),
		PipelineRuns: mc.pipelineRuns.Load(),
		PipelineDone: mc.pipelineDone.Load(),
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
