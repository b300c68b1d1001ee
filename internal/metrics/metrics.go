/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Prometheus metrics registry for the cost pipeline. Ported
             from observability/metrics.go's label-keyed counter/gauge/
             histogram registry and its TrackRequest/TrackProviderHealth
             entry points, replacing the hand-rolled text-exposition
             Handler() with the real prometheus/client_golang
             CounterVec/GaugeVec/HistogramVec + promhttp.Handler.
Root Cause:  Ambient observability stack — request/cost/cache metrics.
Suitability: L2 — standard Prometheus instrumentation pattern.
──────────────────────────────────────────────────────────────
*/

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the pipeline exposes.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	TokensTotal     *prometheus.CounterVec
	CostDollars     *prometheus.CounterVec
	SavedDollars    *prometheus.CounterVec
	CacheHitsTotal  *prometheus.CounterVec
	CacheMissTotal  *prometheus.CounterVec
	BlockedTotal    *prometheus.CounterVec
	BreakerTripped  *prometheus.CounterVec
	CacheEntries    prometheus.Gauge
	registry        *prometheus.Registry
}

// New builds a Metrics registry with its own prometheus.Registry, so
// multiple gateway instances in one process never collide on the
// default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_requests_total",
			Help: "Total pipeline runs by model and outcome.",
		}, []string{"model", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shieldgate_request_duration_ms",
			Help:    "Pipeline run duration in milliseconds.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"model"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_tokens_total",
			Help: "Total tokens processed by model and direction.",
		}, []string{"model", "direction"}),
		CostDollars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_cost_dollars_total",
			Help: "Actual dollars spent by model.",
		}, []string{"model"}),
		SavedDollars: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_saved_dollars_total",
			Help: "Dollars saved by stage (guard, cache, context, router, prefix).",
		}, []string{"stage"}),
		CacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_cache_hits_total",
			Help: "Cache hits by match type (exact, fuzzy).",
		}, []string{"matchType"}),
		CacheMissTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_cache_misses_total",
			Help: "Cache misses.",
		}, []string{"model"}),
		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_requests_blocked_total",
			Help: "Requests blocked by admission stage (breaker, userBudget, guard).",
		}, []string{"stage", "reason"}),
		BreakerTripped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldgate_breaker_tripped_total",
			Help: "Circuit breaker trips by window.",
		}, []string{"window"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shieldgate_cache_entries",
			Help: "Current number of live cache entries.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal, m.RequestDuration, m.TokensTotal, m.CostDollars,
		m.SavedDollars, m.CacheHitsTotal, m.CacheMissTotal, m.BlockedTotal,
		m.BreakerTripped, m.CacheEntries,
	)
	return m
}

// TrackRequest records one completed pipeline run, mirroring
// observability.Metrics.TrackRequest's call shape.
func (m *Metrics) TrackRequest(model, outcome string, latencyMs float64, inputTokens, outputTokens int64, cost float64) {
	m.RequestsTotal.WithLabelValues(model, outcome).Inc()
	m.RequestDuration.WithLabelValues(model).Observe(latencyMs)
	m.TokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	m.TokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	m.CostDollars.WithLabelValues(model).Add(cost)
}

func (m *Metrics) TrackSaved(stage string, dollars float64) {
	m.SavedDollars.WithLabelValues(stage).Add(dollars)
}

func (m *Metrics) TrackCacheHit(matchType string) {
	m.CacheHitsTotal.WithLabelValues(matchType).Inc()
}

func (m *Metrics) TrackCacheMiss(model string) {
	m.CacheMissTotal.WithLabelValues(model).Inc()
}

func (m *Metrics) TrackBlocked(stage, reason string) {
	m.BlockedTotal.WithLabelValues(stage, reason).Inc()
}

func (m *Metrics) TrackBreakerTripped(window string) {
	m.BreakerTripped.WithLabelValues(window).Inc()
}

func (m *Metrics) SetCacheEntries(n float64) {
	m.CacheEntries.Set(n)
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
