package ledger

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/costshield/gateway/internal/pricing"
)

func newTestLedger(clock func() time.Time, idSeq *int) *Ledger {
	return New(zerolog.Nop(), pricing.Default(), Config{MaxEntries: 3},
		WithClock(clock),
		WithIDFunc(func() string {
			*idSeq++
			return "id-" + strconv.Itoa(*idSeq)
		}),
	)
}

func TestRecordComputesActualCostAndTotalSaved(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	entry := l.Record(RecordInput{
		Model:        "gpt-4o",
		InputTokens:  1_000_000,
		OutputTokens: 1_000_000,
	})

	expectedCost := pricing.Default().Cost("gpt-4o", 1_000_000, 1_000_000, 0)
	if entry.ActualCost != expectedCost {
		t.Fatalf("expected actual cost %f, got %f", expectedCost, entry.ActualCost)
	}
	if entry.TotalSaved != entry.CostWithoutShield-entry.ActualCost {
		t.Fatalf("TotalSaved must equal CostWithoutShield - ActualCost")
	}
}

func TestRecordUsesOriginalModelForBaselineCost(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	entry := l.Record(RecordInput{
		Model:               "gpt-4o-mini",
		InputTokens:         1000,
		OutputTokens:        500,
		OriginalModel:       "gpt-4o",
		OriginalInputTokens: 1000,
	})

	if entry.ActualCost >= entry.CostWithoutShield {
		t.Fatalf("expected routing to the cheaper model to show positive savings, got actual=%f baseline=%f", entry.ActualCost, entry.CostWithoutShield)
	}
}

func TestAppendFIFOPrunesAtMaxEntries(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	for i := 0; i < 5; i++ {
		l.Record(RecordInput{Model: "gpt-4o", InputTokens: 10, OutputTokens: 10})
	}

	entries := l.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected FIFO prune to MaxEntries=3, got %d", len(entries))
	}
	if entries[0].ID != "id-3" {
		t.Fatalf("expected oldest two entries pruned, first surviving id-3, got %s", entries[0].ID)
	}
}

func TestRecordBlockedCountsInSummary(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	l.RecordBlocked("gpt-4o", 500, 200)

	summary := l.Summary()
	if summary.CallsBlocked != 1 {
		t.Fatalf("expected callsBlocked=1, got %d", summary.CallsBlocked)
	}
	if summary.TotalSaved <= 0 {
		t.Fatalf("expected blocked call to contribute positive savings")
	}
}

func TestRecordCacheHitMarksCacheHitAndSavings(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	l.RecordCacheHit("gpt-4o", 300, 150)

	summary := l.Summary()
	if summary.CacheHits != 1 {
		t.Fatalf("expected cacheHits=1, got %d", summary.CacheHits)
	}
	if summary.CacheHitRate != 1 {
		t.Fatalf("expected cacheHitRate=1 with a single cache-hit entry, got %f", summary.CacheHitRate)
	}
}

func TestMergeSkipsDuplicateIDsAndSortsByTimestamp(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 10, OutputTokens: 10})
	existing := l.Entries()[0]

	inserted := l.Merge([]LedgerEntry{
		existing, // duplicate, must be skipped
		{ID: "external-1", Timestamp: existing.Timestamp - 1000, Model: "gpt-4o"},
	})

	if inserted != 1 {
		t.Fatalf("expected exactly 1 new entry inserted, got %d", inserted)
	}
	entries := l.Entries()
	if entries[0].ID != "external-1" {
		t.Fatalf("expected earlier-timestamped external entry sorted first, got %s", entries[0].ID)
	}
}

func TestSummaryByModelAndByFeature(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 100, OutputTokens: 50, Feature: "chat"})
	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 100, OutputTokens: 50})

	summary := l.Summary()
	if summary.ByModel["gpt-4o"].Calls != 2 {
		t.Fatalf("expected 2 calls aggregated under gpt-4o, got %+v", summary.ByModel["gpt-4o"])
	}
	if summary.ByFeature["chat"].Calls != 1 {
		t.Fatalf("expected 1 call under feature chat, got %+v", summary.ByFeature["chat"])
	}
	if summary.ByFeature[untaggedFeature].Calls != 1 {
		t.Fatalf("expected 1 call under _untagged, got %+v", summary.ByFeature[untaggedFeature])
	}
}

func TestExportCSVHeaderAndQuoting(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 10, OutputTokens: 5, Feature: "a,b \"quoted\"\nfeature"})

	csv := l.ExportCSV()
	lines := strings.Split(strings.TrimRight(csv, "\r\n"), "\r\n")
	if lines[0] != "id,timestamp,model,inputTokens,outputTokens,cachedTokens,actualCost,costWithoutShield,totalSaved,feature,cacheHit,guard,cache,context,router,prefix" {
		t.Fatalf("unexpected header row: %s", lines[0])
	}
	if !strings.Contains(lines[1], `"a,b ""quoted""`) {
		t.Fatalf("expected RFC-4180 quoting of the feature field, got: %s", lines[1])
	}
}

func TestExportCSVCostFieldsHaveSixDecimals(t *testing.T) {
	now := time.Now()
	seq := 0
	l := newTestLedger(func() time.Time { return now }, &seq)

	l.Record(RecordInput{Model: "gpt-4o", InputTokens: 1000, OutputTokens: 500})

	csv := l.ExportCSV()
	lines := strings.Split(strings.TrimRight(csv, "\r\n"), "\r\n")
	fields := strings.Split(lines[1], ",")
	actualCostField := fields[6]
	dot := strings.Index(actualCostField, ".")
	if dot == -1 || len(actualCostField)-dot-1 != 6 {
		t.Fatalf("expected actualCost formatted with 6 decimals, got %s", actualCostField)
	}
}
