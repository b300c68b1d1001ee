package ledger

// ModelTotals aggregates per-model activity.
type ModelTotals struct {
	Calls  int     `json:"calls"`
	Cost   float64 `json:"cost"`
	Tokens int     `json:"tokens"`
}

// FeatureTotals aggregates per-feature activity.
type FeatureTotals struct {
	Calls int     `json:"calls"`
	Cost  float64 `json:"cost"`
	Saved float64 `json:"saved"`
}

// Summary is the full ledger aggregation, per spec.md §4.9.
type Summary struct {
	TotalCalls        int                       `json:"totalCalls"`
	TotalSpent        float64                   `json:"totalSpent"`
	TotalSaved        float64                   `json:"totalSaved"`
	ByModel           map[string]ModelTotals    `json:"byModel"`
	ByFeature         map[string]FeatureTotals  `json:"byFeature"`
	CacheHits         int                       `json:"cacheHits"`
	CallsBlocked      int                       `json:"callsBlocked"`
	CacheHitRate      float64                   `json:"cacheHitRate"`
	SavingsRate       float64                   `json:"savingsRate"`
	AvgCostPerCall    float64                   `json:"avgCostPerCall"`
	AvgSavingsPerCall float64                   `json:"avgSavingsPerCall"`
	Entries           []LedgerEntry             `json:"entries"`
}

const untaggedFeature = "_untagged"

// Summary aggregates the full entry log.
func (l *Ledger) Summary() Summary {
	entries := l.Entries()

	s := Summary{
		ByModel:   make(map[string]ModelTotals),
		ByFeature: make(map[string]FeatureTotals),
		Entries:   entries,
	}

	for _, e := range entries {
		s.TotalCalls++
		s.TotalSpent += e.ActualCost
		s.TotalSaved += e.TotalSaved

		mt := s.ByModel[e.Model]
		mt.Calls++
		mt.Cost += e.ActualCost
		mt.Tokens += e.InputTokens + e.OutputTokens
		s.ByModel[e.Model] = mt

		feature := e.Feature
		if feature == "" {
			feature = untaggedFeature
		}
		ft := s.ByFeature[feature]
		ft.Calls++
		ft.Cost += e.ActualCost
		ft.Saved += e.TotalSaved
		s.ByFeature[feature] = ft

		if e.CacheHit {
			s.CacheHits++
		}
		if e.InputTokens == 0 && e.Savings.Guard > 0 {
			s.CallsBlocked++
		}
	}

	if s.TotalCalls > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.TotalCalls)
		s.AvgCostPerCall = s.TotalSpent / float64(s.TotalCalls)
		s.AvgSavingsPerCall = s.TotalSaved / float64(s.TotalCalls)
	}
	if denom := s.TotalSpent + s.TotalSaved; denom > 0 {
		s.SavingsRate = s.TotalSaved / denom
	}

	return s
}
