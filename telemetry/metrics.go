// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	MentionsRecorded   prometheus.Counter
	EnrichmentBatches  prometheus.Counter
	EnrichmentFallback prometheus.Counter
	EnrichmentDropped  prometheus.Counter
	CacheRefreshes     prometheus.Counter
	CacheRefreshFails  prometheus.Counter

	// Histograms (seconds)
	QueryDuration *prometheus.HistogramVec

	// Gauges
	TenantCountGauge prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MentionsRecorded = promauto.NewCounter(prometheus.CounterOpts{Name: "mentions_recorded_total", Help: "Number of mention events recorded"})
		EnrichmentBatches = promauto.NewCounter(prometheus.CounterOpts{Name: "enrichment_batches_total", Help: "Number of batched profile fetches issued"})
		EnrichmentFallback = promauto.NewCounter(prometheus.CounterOpts{Name: "enrichment_fallback_total", Help: "Number of per-identity fallback fetches after a failed batch"})
		EnrichmentDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "enrichment_dropped_total", Help: "Number of identities dropped after individual fetch failure"})
		CacheRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "tenant_cache_refreshes_total", Help: "Number of successful tenant cache refreshes"})
		CacheRefreshFails = promauto.NewCounter(prometheus.CounterOpts{Name: "tenant_cache_refresh_failures_total", Help: "Number of failed tenant cache refreshes (previous set retained)"})
		QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{Name: "leaderboard_query_duration_seconds", Help: "Ranked query duration seconds", Buckets: prometheus.DefBuckets}, []string{"query"})
		TenantCountGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "tenant_cache_size", Help: "Current number of valid tenants in the cache"})
	})
}

// IncMentions bumps the mention counter if metrics are initialized.
func IncMentions() {
	if MentionsRecorded != nil {
		MentionsRecorded.Inc()
	}
}

// SetTenantCount records the current valid-tenant set size.
func SetTenantCount(n int) {
	if TenantCountGauge != nil {
		TenantCountGauge.Set(float64(n))
	}
}

// TimeQuery returns a stop function recording elapsed time for a named query.
func TimeQuery(name string) func() {
	start := time.Now()
	return func() {
		if QueryDuration != nil {
			QueryDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		}
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
