package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func ptr(f float64) *float64 { return &f }

func newTestBreaker(limits Limits, action Action) *Breaker {
	return New(zerolog.Nop(), limits, action)
}

func TestZeroLimitBlocksEverything(t *testing.T) {
	b := newTestBreaker(Limits{PerSession: ptr(0)}, ActionStop)

	res := b.Check("gpt-4o", 0.01)
	if res.Allowed {
		t.Fatal("expected blocked on zero session limit")
	}
	if res.PercentUsed != ZeroLimitPercent {
		t.Fatalf("PercentUsed = %v, want %v", res.PercentUsed, ZeroLimitPercent)
	}

	status := b.Status()
	if !status.Tripped {
		t.Fatal("expected status.Tripped == true")
	}
	if len(status.TrippedLimits) == 0 || status.TrippedLimits[0].PercentUsed != ZeroLimitPercent {
		t.Fatalf("TrippedLimits = %+v, want percentUsed 999", status.TrippedLimits)
	}
}

func TestNilLimitMeansUnlimited(t *testing.T) {
	b := newTestBreaker(Limits{}, ActionStop)
	res := b.Check("gpt-4o", 1_000_000)
	if !res.Allowed {
		t.Fatal("expected unlimited breaker to allow any spend")
	}
}

func TestWarningFiresAt80PercentAndClears(t *testing.T) {
	var warned []string
	b := New(zerolog.Nop(), Limits{PerDay: ptr(10.0)}, ActionWarn, WithHooks(Hooks{
		OnWarning: func(window string, pct float64) { warned = append(warned, window) },
	}))

	b.Check("gpt-4o", 8.5) // 85% projected
	if len(warned) != 1 {
		t.Fatalf("expected one warning fire, got %d", len(warned))
	}

	// Same level again must not re-fire.
	b.Check("gpt-4o", 8.5)
	if len(warned) != 1 {
		t.Fatalf("expected warning to not re-fire while still elevated, got %d", len(warned))
	}

	// Dropping back below 80% clears the warning so it can fire again.
	b.Check("gpt-4o", 1.0) // 10% projected
	b.Check("gpt-4o", 8.5)
	if len(warned) != 2 {
		t.Fatalf("expected warning to re-fire after clearing, got %d", len(warned))
	}
}

func TestActionThrottleAllowsWithReason(t *testing.T) {
	b := newTestBreaker(Limits{PerHour: ptr(1.0)}, ActionThrottle)
	res := b.Check("gpt-4o", 2.0)
	if !res.Allowed {
		t.Fatal("throttle action must still allow")
	}
	if res.Reason == "" {
		t.Fatal("expected a throttle reason")
	}
}

func TestActionWarnAllowsWithNoReason(t *testing.T) {
	b := newTestBreaker(Limits{PerHour: ptr(1.0)}, ActionWarn)
	res := b.Check("gpt-4o", 2.0)
	if !res.Allowed {
		t.Fatal("warn action must still allow")
	}
	if res.Reason != "" {
		t.Fatalf("expected no reason for warn action, got %q", res.Reason)
	}
}

func TestRecordSpendAccumulatesWithinWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := New(zerolog.Nop(), Limits{PerHour: ptr(5.0)}, ActionStop, WithClock(clock))

	b.RecordSpend("gpt-4o", 1.0, "")
	b.RecordSpend("gpt-4o", 1.0, "")

	res := b.Check("gpt-4o", 2.5)
	if !res.Allowed {
		t.Fatalf("expected allow: 2.0 spent + 2.5 estimated = 4.5 < 5.0 limit, got %+v", res)
	}

	res = b.Check("gpt-4o", 3.5)
	if res.Allowed {
		t.Fatalf("expected block: 2.0 spent + 3.5 estimated = 5.5 >= 5.0 limit, got %+v", res)
	}
}

func TestHydrateRestoresRecordsNotSessionStart(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := &captureStore{}

	b1 := New(zerolog.Nop(), Limits{PerHour: ptr(5.0)}, ActionStop, WithClock(clock), WithPersistence(store, "breaker:main"))
	b1.RecordSpend("gpt-4o", 2.0, "")
	if store.data == nil {
		t.Fatal("expected persistence write")
	}

	b2 := New(zerolog.Nop(), Limits{PerHour: ptr(5.0)}, ActionStop, WithClock(clock))
	if err := b2.Hydrate(store.data); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}

	res := b2.Check("gpt-4o", 3.5)
	if res.Allowed {
		t.Fatalf("expected hydrated spend to count toward the window, got %+v", res)
	}
}

// captureStore is a minimal storage.Adapter stub that just remembers
// the last Set call, for persistence round-trip tests.
type captureStore struct {
	data []byte
}

func (c *captureStore) Get(_ context.Context, _ string) ([]byte, bool, error) { return nil, false, nil }
func (c *captureStore) Set(_ context.Context, _ string, value []byte) error {
	c.data = append([]byte(nil), value...)
	return nil
}
func (c *captureStore) Delete(_ context.Context, _ string) error { return nil }
func (c *captureStore) Keys(_ context.Context, _ string) ([]string, error) { return nil, nil }
