package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ExportedJSON is the top-level shape of JSON exports.
type ExportedJSON struct {
	ExportedAt string  `json:"exportedAt"`
	Summary    Summary `json:"summary"`
	Entries    []LedgerEntry `json:"entries"`
}

// ExportJSON renders the ledger as {exportedAt, summary, entries}.
func (l *Ledger) ExportJSON(now time.Time) ([]byte, error) {
	summary := l.Summary()
	out := ExportedJSON{
		ExportedAt: now.UTC().Format(time.RFC3339),
		Summary:    summary,
		Entries:    summary.Entries,
	}
	return json.Marshal(out)
}

var csvHeader = []string{
	"id", "timestamp", "model", "inputTokens", "outputTokens", "cachedTokens",
	"actualCost", "costWithoutShield", "totalSaved", "feature", "cacheHit",
	"guard", "cache", "context", "router", "prefix",
}

// ExportCSV renders the ledger per spec.md §6's bit-exact format:
// fixed header order, six-decimal cost fields, ISO-8601 timestamps,
// RFC-4180 quoting for fields containing a comma, quote, or newline.
func (l *Ledger) ExportCSV() string {
	var b strings.Builder
	writeCSVRow(&b, csvHeader)

	for _, e := range l.Entries() {
		row := []string{
			e.ID,
			time.UnixMilli(e.Timestamp).UTC().Format(time.RFC3339),
			e.Model,
			strconv.Itoa(e.InputTokens),
			strconv.Itoa(e.OutputTokens),
			strconv.Itoa(e.CachedTokens),
			formatCost(e.ActualCost),
			formatCost(e.CostWithoutShield),
			formatCost(e.TotalSaved),
			e.Feature,
			strconv.FormatBool(e.CacheHit),
			formatCost(e.Savings.Guard),
			formatCost(e.Savings.Cache),
			formatCost(e.Savings.Context),
			formatCost(e.Savings.Router),
			formatCost(e.Savings.Prefix),
		}
		writeCSVRow(&b, row)
	}

	return b.String()
}

func formatCost(v float64) string {
	return fmt.Sprintf("%.6f", v)
}

func writeCSVRow(b *strings.Builder, fields []string) {
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(csvQuote(f))
	}
	b.WriteString("\r\n")
}

func csvQuote(field string) string {
	if !strings.ContainsAny(field, ",\"\n\r") {
		return field
	}
	escaped := strings.ReplaceAll(field, `"`, `""`)
	return `"` + escaped + `"`
}
