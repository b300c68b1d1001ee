package userbudget

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConcurrentReservationsBothCannotFitUnderLimit(t *testing.T) {
	m := New(zerolog.Nop(), WithDefaultLimits(Limits{Daily: 1.00, Monthly: 100}))

	var wg sync.WaitGroup
	results := make([]CheckResult, 2)

	// CheckAndReserve itself must hold the manager's lock across the
	// check and the reservation — no caller-side serialization here —
	// so two concurrent $0.60 requests against a $1.00 limit can never
	// both observe room for the other's reservation.
	runOne := func(i int) {
		defer wg.Done()
		results[i] = m.CheckAndReserve("user-1", 0.60)
	}

	wg.Add(2)
	go runOne(0)
	go runOne(1)
	wg.Wait()

	allowedCount := 0
	for _, r := range results {
		if r.Allowed {
			allowedCount++
		}
	}
	if allowedCount != 1 {
		t.Fatalf("expected exactly 1 of 2 concurrent $0.60 requests to be allowed against a $1.00 daily limit, got %d", allowedCount)
	}
}

func TestReleaseInflightFreesBudget(t *testing.T) {
	m := New(zerolog.Nop(), WithDefaultLimits(Limits{Daily: 1.00}))

	m.ReserveInflight("user-1", 0.60)
	res := m.Check("user-1", 0.60)
	if res.Allowed {
		t.Fatal("expected block while 0.60 is reserved and 0.60 more is requested")
	}

	m.ReleaseInflight("user-1", 0.60)
	res = m.Check("user-1", 0.60)
	if !res.Allowed {
		t.Fatal("expected allow after releasing the reservation")
	}
}

func TestRecordSpendReplacesReservationWithActual(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m := New(zerolog.Nop(), WithClock(clock), WithDefaultLimits(Limits{Daily: 1.00}))

	m.ReserveInflight("user-1", 0.50)
	m.RecordSpend("user-1", 0.50, 0.45) // actual came in lower than estimate

	if got := m.InflightTotal("user-1"); got != 0 {
		t.Fatalf("InflightTotal = %v, want 0 after settle", got)
	}

	res := m.Check("user-1", 0.50)
	if !res.Allowed {
		t.Fatalf("expected allow: 0.45 spent + 0.50 estimated = 0.95 < 1.00, got %+v", res)
	}
}

func TestLimitsResolutionOrder(t *testing.T) {
	m := New(zerolog.Nop(),
		WithDefaultLimits(Limits{Daily: 5.0}),
		WithUserLimits(map[string]Limits{"vip": {Daily: 500.0}}),
	)

	if got := m.LimitsFor("vip").Daily; got != 500.0 {
		t.Fatalf("vip daily = %v, want 500.0", got)
	}
	if got := m.LimitsFor("anonymous").Daily; got != 5.0 {
		t.Fatalf("default daily = %v, want 5.0", got)
	}
}

func TestZeroDailyLimitMeansUnlimited(t *testing.T) {
	m := New(zerolog.Nop(), WithDefaultLimits(Limits{Daily: 0, Monthly: 0}))
	res := m.Check("user-1", 1_000_000)
	if !res.Allowed {
		t.Fatal("a zero user budget limit means unlimited, unlike the breaker's zero-means-blocked semantics")
	}
}

func TestTierRoutingSwapsModelAndSkipsWhenUnconfigured(t *testing.T) {
	m := New(zerolog.Nop(), WithTierModels(map[string]string{"free": "gpt-4o-mini"}))

	model, switched := m.ApplyTierRouting("free", "gpt-4o")
	if !switched || model != "gpt-4o-mini" {
		t.Fatalf("expected swap to gpt-4o-mini, got model=%q switched=%v", model, switched)
	}

	model, switched = m.ApplyTierRouting("enterprise", "gpt-4o")
	if switched || model != "gpt-4o" {
		t.Fatalf("expected no swap for unconfigured tier, got model=%q switched=%v", model, switched)
	}
}
