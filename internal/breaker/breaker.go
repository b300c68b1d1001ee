/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Circuit breaker enforcing absolute spend caps over
             rolling windows (session/hour/day/month). Ported from
             metering.go's rolling-window SpendRecord accounting and
             intelligence.go's AnomalyDetector rolling-window-with-cap
             idiom, generalized to four concurrent windows with a
             configurable trip action.
Root Cause:  Core component #2 — Circuit Breaker.
Context:     A configured limit of 0 means "block everything"; an
             absent (nil) limit means "no cap for that window". This
             distinction is load-bearing and intentionally modeled
             with *float64 rather than float64.
Suitability: L3 — window arithmetic and the zero-vs-nil distinction
             are both directly tested by the spec's property suite.
──────────────────────────────────────────────────────────────
*/

package breaker

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/costshield/gateway/internal/events"
	"github.com/costshield/gateway/internal/storage"
)

// Action describes what happens when a window's limit is exceeded.
type Action string

const (
	ActionStop     Action = "stop"
	ActionThrottle Action = "throttle"
	ActionWarn     Action = "warn"
)

// Window names, checked in this fixed order: the first tripped window
// determines the Check result.
const (
	WindowSession = "session"
	WindowHour    = "hour"
	WindowDay     = "day"
	WindowMonth   = "month"
)

var windowOrder = []string{WindowSession, WindowHour, WindowDay, WindowMonth}

// Limits configures the four rolling windows. A nil field means no
// limit for that window; a non-nil field pointing at 0 means block
// everything for that window.
type Limits struct {
	PerSession *float64
	PerHour    *float64
	PerDay     *float64
	PerMonth   *float64
}

func (l Limits) get(window string) *float64 {
	switch window {
	case WindowSession:
		return l.PerSession
	case WindowHour:
		return l.PerHour
	case WindowDay:
		return l.PerDay
	case WindowMonth:
		return l.PerMonth
	}
	return nil
}

// SpendRecord is one completed or estimated-blocked call.
type SpendRecord struct {
	Timestamp int64 // unix millis
	Cost      float64
	Model     string
	UserID    string
}

const (
	maxRecords  = 50_000
	pruneWindow = 30 * 24 * time.Hour
	warnRatio   = 0.8
	// ZeroLimitPercent is the sentinel PercentUsed reported when a
	// window's limit is exactly 0 (would otherwise divide by zero).
	ZeroLimitPercent = 999
)

// CheckResult is returned by Check.
type CheckResult struct {
	Allowed     bool
	Reason      string
	PercentUsed float64
	Window      string
}

// WindowSpend reports the accumulated spend and remaining budget for
// one rolling window, used by Status.
type WindowSpend struct {
	Window    string
	Spend     float64
	Limit     *float64 // nil if unconfigured
	Remaining *float64 // nil if unconfigured
}

// TrippedLimit is reported in Status for any window whose current
// (non-projected) spend has reached its limit.
type TrippedLimit struct {
	Window      string
	PercentUsed float64
}

// Status is a read-only snapshot of breaker state.
type Status struct {
	Windows       []WindowSpend
	TrippedLimits []TrippedLimit
	Tripped       bool // true only when Action==stop and something is tripped
	TotalRequests int64
	TotalBlocked  int64
}

// Hooks are optional observability callbacks; any may be nil.
type Hooks struct {
	OnWarning func(window string, percentUsed float64)
	OnTripped func(window string, percentUsed float64)
}

// Breaker enforces rolling-window spend caps.
type Breaker struct {
	mu      sync.Mutex
	logger  zerolog.Logger
	limits  Limits
	action  Action
	clock   func() time.Time
	hooks   Hooks
	bus     *events.Bus

	sessionStart time.Time
	records      []SpendRecord
	warningFired map[string]bool
	totalReq     int64
	totalBlocked int64

	persist    bool
	store      storage.Adapter
	storageKey string
}

// Option configures optional Breaker behavior.
type Option func(*Breaker)

func WithHooks(h Hooks) Option { return func(b *Breaker) { b.hooks = h } }
func WithBus(bus *events.Bus) Option { return func(b *Breaker) { b.bus = bus } }
func WithClock(clock func() time.Time) Option { return func(b *Breaker) { b.clock = clock } }
func WithPersistence(store storage.Adapter, key string) Option {
	return func(b *Breaker) {
		b.persist = true
		b.store = store
		b.storageKey = key
	}
}

// New creates a Breaker. SessionStart is always "now" at construction
// — it is never restored from persisted state, per spec.md §4.2.
func New(logger zerolog.Logger, limits Limits, action Action, opts ...Option) *Breaker {
	b := &Breaker{
		logger:       logger.With().Str("component", "breaker").Logger(),
		limits:       limits,
		action:       action,
		clock:        time.Now,
		warningFired: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sessionStart = b.clock()
	return b
}

// Check computes projected spend for every configured window and
// returns the outcome of the first tripped window (in session, hour,
// day, month order), or Allowed:true if none trip. Check never
// panics; warning callbacks are isolated.
func (b *Breaker) Check(model string, estimatedCost float64) CheckResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.totalReq++

	for _, window := range windowOrder {
		limitPtr := b.limits.get(window)
		if limitPtr == nil {
			continue
		}
		limit := *limitPtr
		spend := b.windowSpendLocked(now, window)
		projected := spend + estimatedCost

		percentUsed := percentOf(projected, limit)

		if percentUsed >= warnRatio*100 && !b.warningFired[window] {
			b.warningFired[window] = true
			b.fireWarning(window, percentUsed)
		} else if percentUsed < warnRatio*100 && b.warningFired[window] {
			delete(b.warningFired, window)
		}

		tripped := limit == 0 || projected >= limit
		if !tripped {
			continue
		}

		b.fireTripped(window, percentUsed)

		switch b.action {
		case ActionStop:
			b.totalBlocked++
			return CheckResult{Allowed: false, Reason: reasonFor(window), PercentUsed: percentUsed, Window: window}
		case ActionThrottle:
			return CheckResult{Allowed: true, Reason: "Throttled: " + reasonFor(window), PercentUsed: percentUsed, Window: window}
		case ActionWarn:
			return CheckResult{Allowed: true, PercentUsed: percentUsed, Window: window}
		}
	}

	return CheckResult{Allowed: true}
}

func percentOf(projected, limit float64) float64 {
	if limit == 0 {
		return ZeroLimitPercent
	}
	return (projected / limit) * 100
}

func reasonFor(window string) string {
	switch window {
	case WindowSession:
		return "Session spend limit reached"
	case WindowHour:
		return "Hourly spend limit reached"
	case WindowDay:
		return "Daily spend limit reached"
	case WindowMonth:
		return "Monthly spend limit reached"
	}
	return "Spend limit reached"
}

func (b *Breaker) fireWarning(window string, percentUsed float64) {
	if b.bus != nil {
		b.bus.Emit(events.BreakerWarning, map[string]interface{}{"window": window, "percentUsed": percentUsed})
	}
	if b.hooks.OnWarning == nil {
		return
	}
	defer func() { recover() }()
	b.hooks.OnWarning(window, percentUsed)
}

func (b *Breaker) fireTripped(window string, percentUsed float64) {
	if b.bus != nil {
		b.bus.Emit(events.BreakerTripped, map[string]interface{}{"window": window, "percentUsed": percentUsed})
	}
	if b.hooks.OnTripped == nil {
		return
	}
	defer func() { recover() }()
	b.hooks.OnTripped(window, percentUsed)
}

// RecordSpend appends an actual spend record, prunes, and persists
// if configured. Must be called by the caller after the provider
// call completes.
func (b *Breaker) RecordSpend(model string, cost float64, userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(SpendRecord{Timestamp: b.clock().UnixMilli(), Cost: cost, Model: model, UserID: userID})
	b.persistLocked()
}

func (b *Breaker) appendLocked(r SpendRecord) {
	b.records = append(b.records, r)
	cutoff := b.clock().Add(-pruneWindow).UnixMilli()
	kept := b.records[:0]
	for _, rec := range b.records {
		if rec.Timestamp >= cutoff {
			kept = append(kept, rec)
		}
	}
	b.records = kept
	if len(b.records) > maxRecords {
		b.records = b.records[len(b.records)-maxRecords:]
	}
}

func (b *Breaker) windowSpendLocked(now time.Time, window string) float64 {
	var since time.Time
	switch window {
	case WindowSession:
		since = b.sessionStart
	case WindowHour:
		since = now.Add(-time.Hour)
	case WindowDay:
		since = now.Add(-24 * time.Hour)
	case WindowMonth:
		since = now.Add(-30 * 24 * time.Hour)
	}
	cutoff := since.UnixMilli()
	var sum float64
	for _, r := range b.records {
		if r.Timestamp >= cutoff {
			sum += r.Cost
		}
	}
	return sum
}

// Status returns a read-only snapshot. It does not mutate any counter.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	st := Status{TotalRequests: b.totalReq, TotalBlocked: b.totalBlocked}

	anyTripped := false
	for _, window := range windowOrder {
		limitPtr := b.limits.get(window)
		spend := b.windowSpendLocked(now, window)

		ws := WindowSpend{Window: window, Spend: spend}
		if limitPtr != nil {
			limit := *limitPtr
			remaining := limit - spend
			ws.Limit = limitPtr
			ws.Remaining = &remaining

			if spend >= limit {
				anyTripped = true
				st.TrippedLimits = append(st.TrippedLimits, TrippedLimit{
					Window:      window,
					PercentUsed: percentOf(spend, limit),
				})
			}
		}
		st.Windows = append(st.Windows, ws)
	}

	st.Tripped = b.action == ActionStop && anyTripped
	return st
}

// Reset clears accumulated records and counters, and resets
// SessionStart to now. Fires no callbacks.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = nil
	b.warningFired = make(map[string]bool)
	b.totalReq = 0
	b.totalBlocked = 0
	b.sessionStart = b.clock()
	b.persistLocked()
}

// persisted is the JSON shape stored under the breaker's storage key,
// matching spec.md §6's PersistedBreakerState. SessionStart is
// serialized for observability but is never read back on construct.
type persisted struct {
	Records      []SpendRecord `json:"records"`
	SessionStart int64         `json:"sessionStart"`
	TotalBlocked int64         `json:"totalBlocked"`
}

func (b *Breaker) persistLocked() {
	if !b.persist || b.store == nil {
		return
	}
	data, err := json.Marshal(persisted{
		Records:      append([]SpendRecord(nil), b.records...),
		SessionStart: b.sessionStart.UnixMilli(),
		TotalBlocked: b.totalBlocked,
	})
	if err != nil {
		return
	}
	// Storage failures are swallowed silently per spec.md §4.2.
	_ = b.store.Set(context.Background(), b.storageKey, data)
}

// LoadPersisted reconstructs a record list from previously persisted
// bytes (as written by persistLocked), without restoring SessionStart.
func LoadPersisted(data []byte) ([]SpendRecord, int64, error) {
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, 0, err
	}
	return p.Records, p.TotalBlocked, nil
}

// Hydrate seeds the breaker's records and TotalBlocked counter from
// previously persisted bytes. SessionStart is left untouched — each
// process start is a new session, per spec.md §4.2.
func (b *Breaker) Hydrate(data []byte) error {
	records, totalBlocked, err := LoadPersisted(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records = records
	b.totalBlocked = totalBlocked
	return nil
}

// Records returns a defensive copy of the current record slice,
// sorted by timestamp — used by callers reconstructing state and by
// tests.
func (b *Breaker) Records() []SpendRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]SpendRecord(nil), b.records...)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}
