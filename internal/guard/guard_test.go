package guard

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMinimumInputLengthBlocks(t *testing.T) {
	g := New(zerolog.Nop(), Config{})
	res := g.Check("hi", 10, 0.001)
	if !res.Allowed {
		t.Fatal("expected allow: default minimum length is 2 and \"hi\" has length 2")
	}
	res = g.Check("h", 10, 0.001)
	if res.Allowed {
		t.Fatal("expected block: length 1 is under the minimum of 2")
	}
}

func TestRateLimitBlocksAfterNRequests(t *testing.T) {
	g := New(zerolog.Nop(), Config{MaxRequestsPerMinute: 3})

	prompts := []string{"first request text", "second request text", "third request text", "fourth request text"}
	var results []Result
	for _, p := range prompts {
		results = append(results, g.Check(p, 10, 0.001))
	}

	for i := 0; i < 3; i++ {
		if !results[i].Allowed {
			t.Fatalf("request %d should be allowed, got %+v", i, results[i])
		}
	}
	if results[3].Allowed {
		t.Fatal("4th distinct request should be rate limited")
	}
	if !strings.Contains(results[3].Reason, "Rate limited") {
		t.Fatalf("Reason = %q, want it to contain %q", results[3].Reason, "Rate limited")
	}
}

func TestTimeWindowDedupBlocksRepeat(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := New(zerolog.Nop(), Config{DedupWindowMs: 60_000}, WithClock(clock))

	first := g.Check("What is the capital of France", 10, 0.001)
	second := g.Check("What is the capital of France", 10, 0.001)

	if !first.Allowed {
		t.Fatal("first occurrence should be allowed")
	}
	if second.Allowed {
		t.Fatal("repeat within the dedup window should be blocked")
	}
}

func TestDebounceBlocksRapidRepeat(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	g := New(zerolog.Nop(), Config{DebounceMs: 1000}, WithClock(clock))

	first := g.Check("unique prompt one", 10, 0.001)
	if !first.Allowed {
		t.Fatal("first request should be allowed")
	}
	second := g.Check("unique prompt two", 10, 0.001)
	if second.Allowed {
		t.Fatal("second distinct request within debounce window should still be blocked")
	}
}

func TestHourlyCostGateBlocks(t *testing.T) {
	g := New(zerolog.Nop(), Config{MaxCostPerHour: 1.0})
	g.CompleteRequest("prior call", 0.90)

	res := g.Check("a brand new prompt", 10, 0.20)
	if res.Allowed {
		t.Fatal("expected block: 0.90 spent + 0.20 estimated > 1.00 hourly cap")
	}
}

func TestInFlightDedupBlocksConcurrentDuplicate(t *testing.T) {
	g := New(zerolog.Nop(), Config{InFlightDedupEnabled: true})

	handle := g.StartRequest("duplicate text")
	defer handle.Cancel()

	res := g.Check("duplicate text", 10, 0.001)
	if res.Allowed {
		t.Fatal("expected block: identical prompt already in flight")
	}
}

func TestStartRequestSupersedesOlderHandle(t *testing.T) {
	g := New(zerolog.Nop(), Config{})
	first := g.StartRequest("same prompt")
	second := g.StartRequest("same prompt")

	first.Cancel() // should be a no-op: superseded by second
	if _, ok := g.inflight["same prompt"]; !ok {
		t.Fatal("second registration should still be present after the superseded handle is cancelled")
	}
	second.Cancel()
	if _, ok := g.inflight["same prompt"]; ok {
		t.Fatal("expected in-flight record removed after the current handle cancels")
	}
}

func TestGetStatsDoesNotMutate(t *testing.T) {
	g := New(zerolog.Nop(), Config{MaxCostPerHour: 100})
	g.CompleteRequest("a call", 1.0)

	before := g.GetStats()
	before2 := g.GetStats()
	if before != before2 {
		t.Fatalf("GetStats should be idempotent: %+v != %+v", before, before2)
	}
}

func TestBlockedSpendAccumulatesIntoTotalSaved(t *testing.T) {
	g := New(zerolog.Nop(), Config{})
	g.Check("a", 10, 5.0)  // blocked: too short
	g.Check("ab", 10, 3.0) // allowed: length 2 meets the minimum of 2

	stats := g.GetStats()
	if stats.TotalSaved != 5.0 {
		t.Fatalf("TotalSaved = %v, want 5.0 (only the first request was blocked)", stats.TotalSaved)
	}
}
