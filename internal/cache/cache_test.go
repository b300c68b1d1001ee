package cache

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestEngine(clock func() time.Time) *Engine {
	cfg := Config{
		SimilarityThreshold: 0.8,
		MaxEntries:          3,
		ValidateResponses:   true,
		MinResponseLength:   1,
	}
	return New(zerolog.Nop(), cfg, WithClock(clock))
}

func TestExactLookupHitsAndVerifiesNormalizedKey(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "What is the capital of France?", "Paris.", "gpt-4o", 10, 2)

	res := e.Lookup(ctx, "What is the capital of France?", "gpt-4o")
	if !res.Hit || res.MatchType != "exact" {
		t.Fatalf("expected exact hit, got %+v", res)
	}
	if res.Entry.AccessCount != 1 {
		t.Fatalf("expected access count 1 after first lookup, got %d", res.Entry.AccessCount)
	}

	res2 := e.Lookup(ctx, "What is the capital of France?", "gpt-4o")
	if res2.Entry.AccessCount != 2 {
		t.Fatalf("expected access count 2 after second lookup, got %d", res2.Entry.AccessCount)
	}
}

func TestLookupMissesOnModelMismatch(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "hello there", "hi!", "gpt-4o", 5, 1)

	res := e.Lookup(ctx, "hello there", "claude-3-5-sonnet")
	if res.Hit {
		t.Fatalf("expected miss across different models, got %+v", res)
	}
}

func TestFuzzyLookupFindsSimilarPromptAboveThreshold(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "What is the boiling point of water", "100C at sea level.", "gpt-4o", 8, 4)

	res := e.Lookup(ctx, "What is the boiling point of water please", "gpt-4o")
	if !res.Hit || res.MatchType != "fuzzy" {
		t.Fatalf("expected fuzzy hit on near-identical prompt, got %+v", res)
	}
	if res.Similarity < 0.8 {
		t.Fatalf("expected similarity >= 0.8, got %f", res.Similarity)
	}
}

func TestFuzzyLookupMissesBelowThreshold(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "tell me about cats", "Cats are mammals.", "gpt-4o", 6, 5)

	res := e.Lookup(ctx, "explain quantum computing please", "gpt-4o")
	if res.Hit {
		t.Fatalf("expected miss for dissimilar prompt, got %+v", res)
	}
}

func TestTTLExpiredEntryMissesOnLookup(t *testing.T) {
	now := time.Now()
	current := now
	e := newTestEngine(func() time.Time { return current })
	e.config.TTLOverrides = TTLTable{ContentGeneral: 1 * time.Minute}
	ctx := context.Background()

	e.Store(ctx, "some general chat prompt", "a reply", "gpt-4o", 3, 3)

	current = now.Add(2 * time.Minute)
	res := e.Lookup(ctx, "some general chat prompt", "gpt-4o")
	if res.Hit {
		t.Fatalf("expected expired entry to miss, got %+v", res)
	}
}

func TestStoreEvictsOldestOnMaxEntries(t *testing.T) {
	now := time.Now()
	current := now
	e := newTestEngine(func() time.Time { return current })
	ctx := context.Background()

	e.Store(ctx, "first distinct prompt about zoology", "r1", "gpt-4o", 1, 1)
	current = current.Add(time.Second)
	e.Store(ctx, "second distinct prompt about botany", "r2", "gpt-4o", 1, 1)
	current = current.Add(time.Second)
	e.Store(ctx, "third distinct prompt about geology", "r3", "gpt-4o", 1, 1)
	current = current.Add(time.Second)
	e.Store(ctx, "fourth distinct prompt about astronomy", "r4", "gpt-4o", 1, 1)

	stats := e.Stats()
	if stats.Entries != 3 {
		t.Fatalf("expected MaxEntries=3 cap enforced, got %d entries", stats.Entries)
	}

	res := e.Lookup(ctx, "first distinct prompt about zoology", "gpt-4o")
	if res.Hit {
		t.Fatalf("expected oldest entry to have been evicted")
	}
}

func TestPeekDoesNotMutateAccessCountOrStats(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "peek me please", "ok", "gpt-4o", 2, 2)

	res := e.Peek(ctx, "peek me please", "gpt-4o")
	if !res.Hit || res.Entry.AccessCount != 0 {
		t.Fatalf("expected peek hit with untouched access count, got %+v", res)
	}

	stats := e.Stats()
	if stats.TotalHits != 0 || stats.TotalLookups != 0 {
		t.Fatalf("expected Peek to leave hit/lookup counters untouched, got %+v", stats)
	}

	followUp := e.Lookup(ctx, "peek me please", "gpt-4o")
	if followUp.Entry.AccessCount != 1 {
		t.Fatalf("expected first real Lookup after Peek to bump access count to 1, got %d", followUp.Entry.AccessCount)
	}
}

func TestValidateResponsesRejectsErrorPayload(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "a prompt that gets an error reply", `{"error":"rate limited"}`, "gpt-4o", 4, 0)

	res := e.Lookup(ctx, "a prompt that gets an error reply", "gpt-4o")
	if res.Hit {
		t.Fatalf("expected error-shaped response to be rejected by validation")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "remove this one", "ok", "gpt-4o", 1, 1)
	e.Invalidate(ctx, "remove this one", "gpt-4o")

	res := e.Lookup(ctx, "remove this one", "gpt-4o")
	if res.Hit {
		t.Fatalf("expected invalidated entry to miss")
	}
}

func TestClearEmptiesEverything(t *testing.T) {
	now := time.Now()
	e := newTestEngine(func() time.Time { return now })
	ctx := context.Background()

	e.Store(ctx, "prompt one", "r1", "gpt-4o", 1, 1)
	e.Store(ctx, "prompt two", "r2", "gpt-4o", 1, 1)
	e.Lookup(ctx, "prompt one", "gpt-4o")

	e.Clear()

	stats := e.Stats()
	if stats.Entries != 0 || stats.TotalHits != 0 || stats.TotalLookups != 0 {
		t.Fatalf("expected Clear to zero everything, got %+v", stats)
	}
}

func TestHydrateLoadsLiveEntriesAndDropsExpired(t *testing.T) {
	now := time.Now()
	store := newCaptureAllStore()
	e := newTestEngine(func() time.Time { return now })
	opt := WithStorage(store)
	opt(e)

	ctx := context.Background()
	e.Store(ctx, "durable prompt", "durable response", "gpt-4o", 2, 2)

	// Simulate a second process loading from storage with a fresh engine.
	fresh := newTestEngine(func() time.Time { return now })
	freshOpt := WithStorage(store)
	freshOpt(fresh)

	loaded, err := fresh.Hydrate(ctx)
	if err != nil {
		t.Fatalf("unexpected hydrate error: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("expected 1 entry loaded, got %d", loaded)
	}

	res := fresh.Lookup(ctx, "durable prompt", "gpt-4o")
	if !res.Hit {
		t.Fatalf("expected hydrated entry to be found")
	}
}

// captureAllStore is a minimal in-memory storage.Adapter stub used to
// exercise Store -> persist -> Hydrate without a real backend.
type captureAllStore struct {
	data map[string][]byte
}

func newCaptureAllStore() *captureAllStore {
	return &captureAllStore{data: make(map[string][]byte)}
}

func (s *captureAllStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *captureAllStore) Set(_ context.Context, key string, value []byte) error {
	s.data[key] = value
	return nil
}

func (s *captureAllStore) Delete(_ context.Context, key string) error {
	delete(s.data, key)
	return nil
}

func (s *captureAllStore) Keys(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
