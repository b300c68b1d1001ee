package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestTrackRequestIncrementsCountersAndHistogram(t *testing.T) {
	m := New()
	m.TrackRequest("gpt-4o", "allowed", 42.5, 100, 50, 0.0025)

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("gpt-4o", "allowed")); got != 1 {
		t.Fatalf("expected requests_total=1, got %f", got)
	}
	if got := testutil.ToFloat64(m.TokensTotal.WithLabelValues("gpt-4o", "input")); got != 100 {
		t.Fatalf("expected input tokens=100, got %f", got)
	}
	if got := testutil.ToFloat64(m.CostDollars.WithLabelValues("gpt-4o")); got != 0.0025 {
		t.Fatalf("expected cost=0.0025, got %f", got)
	}
}

func TestTrackSavedAndCacheHitLabels(t *testing.T) {
	m := New()
	m.TrackSaved("cache", 0.01)
	m.TrackCacheHit("exact")
	m.TrackCacheHit("exact")

	if got := testutil.ToFloat64(m.SavedDollars.WithLabelValues("cache")); got != 0.01 {
		t.Fatalf("expected saved dollars=0.01, got %f", got)
	}
	if got := testutil.ToFloat64(m.CacheHitsTotal.WithLabelValues("exact")); got != 2 {
		t.Fatalf("expected 2 exact cache hits, got %f", got)
	}
}

func TestSetCacheEntriesGauge(t *testing.T) {
	m := New()
	m.SetCacheEntries(42)
	if got := testutil.ToFloat64(m.CacheEntries); got != 42 {
		t.Fatalf("expected cache entries gauge=42, got %f", got)
	}
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.TrackRequest("gpt-4o", "allowed", 10, 1, 1, 0.001)

	count, err := testutil.GatherAndCount(m.registry)
	if err != nil {
		t.Fatalf("unexpected gather error: %v", err)
	}
	if count == 0 {
		t.Fatalf("expected at least one sample after tracking a request")
	}
}
