/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Per-request admission guard: length/token bounds, time-
             window dedup, debounce, sliding-window rate limit, hourly
             cost gate, and in-flight concurrent dedup. Ported from
             middleware/ratelimit.go's sliding-window-with-periodic-
             clean idiom (rate limit) and caching/caching.go's
             normalized-prompt hashing (dedup keys).
Root Cause:  Core component #4 — Request Guard.
Context:     Time-window dedup (recently completed duplicates) and
             in-flight dedup (concurrent duplicates) are distinct
             checks and may both be enabled, per spec.md §9.
Suitability: L3 — seven ordered checks with independent eviction caps.
──────────────────────────────────────────────────────────────
*/

package guard

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxDedupEntries   = 1_000
	maxRateTimestamps = 200
	maxCostLogEntries = 500
	maxInflight       = 50
	inflightMaxAge    = 5 * time.Minute
)

// Config holds the tunables for one Guard instance.
type Config struct {
	MinInputLength       int // characters; 0 falls back to the spec default of 2
	MaxInputTokens       int // 0 means unlimited
	DedupWindowMs        int64
	DebounceMs           int64
	MaxRequestsPerMinute int // 0 means unlimited
	MaxCostPerHour       float64
	InFlightDedupEnabled bool
}

func (c Config) minLength() int {
	if c.MinInputLength <= 0 {
		return 2
	}
	return c.MinInputLength
}

// Result is returned by Check.
type Result struct {
	Allowed            bool
	Reason             string
	BlockedCount       int64
	EstimatedCost      float64
	CurrentHourlySpend float64
}

type costEntry struct {
	timestamp int64
	cost      float64
}

// CancellationHandle is returned by StartRequest. Calling Cancel
// removes the in-flight record it was issued for, if it is still the
// current holder of that normalized prompt's slot — it is a no-op if
// the prompt arrived again (superseding it) or aged out already.
type CancellationHandle struct {
	guard      *Guard
	normalized string
	rec        *inflightRecord
}

func (h *CancellationHandle) Cancel() {
	if h == nil || h.guard == nil {
		return
	}
	h.guard.mu.Lock()
	defer h.guard.mu.Unlock()
	if cur, ok := h.guard.inflight[h.normalized]; ok && cur == h.rec {
		delete(h.guard.inflight, h.normalized)
	}
}

type inflightRecord struct {
	normalizedPrompt string
	startedAt        int64
}

// Guard enforces admission checks for one logical request stream.
type Guard struct {
	mu     sync.Mutex
	logger zerolog.Logger
	config Config
	clock  func() time.Time

	dedup map[string]int64 // normalized prompt -> last-seen timestamp

	lastAllowedTime int64
	rateTimestamps  []int64
	costLog         []costEntry

	inflight      map[string]*inflightRecord // keyed by normalized prompt
	blockedCount  int64
	totalSaved    float64
}

type Option func(*Guard)

func WithClock(clock func() time.Time) Option { return func(g *Guard) { g.clock = clock } }

func New(logger zerolog.Logger, config Config, opts ...Option) *Guard {
	g := &Guard{
		logger: logger.With().Str("component", "guard").Logger(),
		config: config,
		clock:  time.Now,
		dedup:  make(map[string]int64),
		inflight: make(map[string]*inflightRecord),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check runs the seven admission checks in order, the first failure
// blocking the request. On allow, the timestamp/prompt bookkeeping for
// future checks is updated; on block, counters are incremented and
// estimatedCost is folded into TotalSaved.
func (g *Guard) Check(prompt string, estimatedTokens int, estimatedCost float64) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	nowMs := now.UnixMilli()
	normalized := Normalize(prompt)

	if len(prompt) < g.config.minLength() {
		return g.block("Input too short", estimatedCost)
	}

	if g.config.MaxInputTokens > 0 && estimatedTokens > g.config.MaxInputTokens {
		return g.block("Input exceeds maximum token limit", estimatedCost)
	}

	if g.config.DedupWindowMs > 0 {
		g.purgeDedupLocked(nowMs)
		if last, ok := g.dedup[normalized]; ok && nowMs-last < g.config.DedupWindowMs {
			return g.block("Duplicate request within dedup window", estimatedCost)
		}
	}

	if g.config.DebounceMs > 0 && g.lastAllowedTime > 0 && nowMs-g.lastAllowedTime < g.config.DebounceMs {
		return g.block("Debounced", estimatedCost)
	}

	if g.config.MaxRequestsPerMinute > 0 {
		g.pruneRateTimestampsLocked(nowMs)
		if len(g.rateTimestamps) >= g.config.MaxRequestsPerMinute {
			return g.block("Rate limited: too many requests per minute", estimatedCost)
		}
	}

	hourlySpend := g.hourlySpendLocked(nowMs)
	if g.config.MaxCostPerHour > 0 && hourlySpend+estimatedCost > g.config.MaxCostPerHour {
		return g.block("Hourly cost limit exceeded", estimatedCost)
	}

	if g.config.InFlightDedupEnabled {
		if _, exists := g.inflight[normalized]; exists {
			return g.block("Duplicate in-flight request", estimatedCost)
		}
	}

	// Allow: record bookkeeping.
	g.lastAllowedTime = nowMs
	g.rateTimestamps = append(g.rateTimestamps, nowMs)
	if len(g.rateTimestamps) > maxRateTimestamps {
		g.rateTimestamps = g.rateTimestamps[len(g.rateTimestamps)-maxRateTimestamps:]
	}
	if g.config.DedupWindowMs > 0 {
		g.dedup[normalized] = nowMs
	}

	return Result{
		Allowed:            true,
		EstimatedCost:      estimatedCost,
		CurrentHourlySpend: hourlySpend,
	}
}

func (g *Guard) block(reason string, estimatedCost float64) Result {
	g.blockedCount++
	g.totalSaved += estimatedCost
	return Result{
		Allowed:       false,
		Reason:        reason,
		BlockedCount:  g.blockedCount,
		EstimatedCost: estimatedCost,
	}
}

func (g *Guard) purgeDedupLocked(nowMs int64) {
	for k, ts := range g.dedup {
		if nowMs-ts >= g.config.DedupWindowMs {
			delete(g.dedup, k)
		}
	}
	if len(g.dedup) > maxDedupEntries {
		g.dedup = make(map[string]int64)
	}
}

func (g *Guard) pruneRateTimestampsLocked(nowMs int64) {
	cutoff := nowMs - int64(time.Minute/time.Millisecond)
	kept := g.rateTimestamps[:0]
	for _, ts := range g.rateTimestamps {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	g.rateTimestamps = kept
}

// hourlySpendLocked sums the cost log over the last hour. It must not
// mutate g.costLog — GetStats/GetSnapshot rely on this for read-only
// dry-run behavior.
func (g *Guard) hourlySpendLocked(nowMs int64) float64 {
	cutoff := nowMs - int64(time.Hour/time.Millisecond)
	var sum float64
	for _, e := range g.costLog {
		if e.timestamp >= cutoff {
			sum += e.cost
		}
	}
	return sum
}

// StartRequest registers an in-flight record for the normalized
// prompt, cancelling and replacing any existing one for the same
// prompt. When the in-flight map exceeds maxInflight entries, entries
// older than inflightMaxAge are evicted (their handles cancelled).
func (g *Guard) StartRequest(prompt string) *CancellationHandle {
	g.mu.Lock()
	defer g.mu.Unlock()

	normalized := Normalize(prompt)
	now := g.clock().UnixMilli()

	// A newer identical in-flight request supersedes (implicitly
	// cancels) any older one for the same normalized prompt: the old
	// handle's Cancel becomes a no-op once its record is replaced.
	rec := &inflightRecord{normalizedPrompt: normalized, startedAt: now}
	g.inflight[normalized] = rec

	g.evictStaleInflightLocked(now)

	return &CancellationHandle{guard: g, normalized: normalized, rec: rec}
}

func (g *Guard) evictStaleInflightLocked(nowMs int64) {
	if len(g.inflight) <= maxInflight {
		return
	}
	cutoff := nowMs - inflightMaxAge.Milliseconds()
	for k, rec := range g.inflight {
		if rec.startedAt < cutoff {
			delete(g.inflight, k)
		}
	}
}

// CompleteRequest unregisters the in-flight record for prompt and
// appends its actual cost to the cost log (capped at maxCostLogEntries).
func (g *Guard) CompleteRequest(prompt string, actualCost float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	normalized := Normalize(prompt)
	delete(g.inflight, normalized)

	g.costLog = append(g.costLog, costEntry{timestamp: g.clock().UnixMilli(), cost: actualCost})
	if len(g.costLog) > maxCostLogEntries {
		g.costLog = g.costLog[len(g.costLog)-maxCostLogEntries:]
	}
}

// Stats is a read-only snapshot, safe for dry-run use: it never
// mutates rate timestamps, dedup entries, or the cost log.
type Stats struct {
	BlockedCount       int64
	TotalSaved         float64
	CurrentHourlySpend float64
	RecentRequestCount int
	InflightCount      int
}

// GetStats computes statistics without mutating any internal state.
func (g *Guard) GetStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	nowMs := g.clock().UnixMilli()
	return Stats{
		BlockedCount:       g.blockedCount,
		TotalSaved:         g.totalSaved,
		CurrentHourlySpend: g.hourlySpendLocked(nowMs),
		RecentRequestCount: len(g.rateTimestamps),
		InflightCount:      len(g.inflight),
	}
}

// GetSnapshot is an alias for GetStats kept distinct per spec.md §4.4
// ("GetStats() and GetSnapshot()") for callers that want snapshot
// semantics explicitly named at the call site.
func (g *Guard) GetSnapshot() Stats { return g.GetStats() }
