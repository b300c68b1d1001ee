/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Per-user rolling spend caps with in-flight reservation.
             Ported from metering.go's ReservationStore reserve/
             settle/refund pattern, generalized from a single wallet
             balance to two rolling windows (daily, monthly) plus an
             in-flight-per-user total so concurrent requests from the
             same user can't each squeeze under the limit.
Root Cause:  Core component #3 — User Budget Manager.
Context:     Runs after the circuit breaker. A Limits{Daily: 0} and a
             Limits{} (zero value) are equivalent here — unlike the
             breaker, 0 means "no limit" for user budgets, per
             spec.md §3.
Suitability: L3 — the reserve/settle/release lifecycle is the
             trickiest concurrency surface in the pipeline.
──────────────────────────────────────────────────────────────
*/

package userbudget

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/costshield/gateway/internal/events"
)

// Limits describes one user's budget. Daily/Monthly of 0 means no
// limit for that window (unlike breaker.Limits, there is no nil/zero
// distinction here — a missing per-user entry falls back to the
// default map, then to unlimited).
type Limits struct {
	Daily   float64
	Monthly float64
	Tier    string
}

// SpendRecord is one settled charge against a user's rolling windows.
type SpendRecord struct {
	Timestamp int64 // unix millis
	Cost      float64
	UserID    string
}

const (
	maxRecords        = 50_000
	maxWarningEntries = 500
	maxInflightUsers  = 5_000
	warningTTL        = 30 * 24 * time.Hour
	warnRatio         = 0.8
)

// Window names for user budgets.
const (
	WindowDaily   = "daily"
	WindowMonthly = "monthly"
)

// CheckResult reports whether a user's request may proceed.
type CheckResult struct {
	Allowed       bool
	IsOverBudget  bool
	Reason        string
	Window        string
	PercentUsed   float64
}

type warningEntry struct {
	firedAt int64
}

// Hooks are optional observability callbacks.
type Hooks struct {
	OnBudgetWarning  func(userID, window string, percentUsed float64)
	OnBudgetExceeded func(userID, window string, percentUsed float64)
}

// Manager enforces per-user daily/monthly spend caps with in-flight
// reservation, and optionally applies tier-based model routing.
type Manager struct {
	mu     sync.Mutex
	logger zerolog.Logger
	clock  func() time.Time
	hooks  Hooks
	bus    *events.Bus

	userLimits    map[string]Limits
	defaultLimits *Limits
	tierModels    map[string]string

	records []SpendRecord

	inflight      map[string]float64
	inflightOrder []string // FIFO order of first-seen users, capped

	warnings      map[string]warningEntry // key: userID+"|"+window
	warningsOrder []string
}

type Option func(*Manager)

func WithHooks(h Hooks) Option { return func(m *Manager) { m.hooks = h } }
func WithBus(bus *events.Bus) Option { return func(m *Manager) { m.bus = bus } }
func WithClock(clock func() time.Time) Option { return func(m *Manager) { m.clock = clock } }
func WithUserLimits(limits map[string]Limits) Option {
	return func(m *Manager) { m.userLimits = limits }
}
func WithDefaultLimits(limits Limits) Option {
	return func(m *Manager) { m.defaultLimits = &limits }
}
func WithTierModels(tierModels map[string]string) Option {
	return func(m *Manager) { m.tierModels = tierModels }
}

func New(logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		logger:     logger.With().Str("component", "userbudget").Logger(),
		clock:      time.Now,
		userLimits: make(map[string]Limits),
		inflight:   make(map[string]float64),
		warnings:   make(map[string]warningEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LimitsFor resolves a user's limits: user-specific map, then the
// default map, then unlimited (zero value).
func (m *Manager) LimitsFor(userID string) Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.userLimits[userID]; ok {
		return l
	}
	if m.defaultLimits != nil {
		return *m.defaultLimits
	}
	return Limits{}
}

// Check evaluates spend + inflight against the user's daily and
// monthly limits. It does not reserve anything; two callers racing
// Check then ReserveInflight separately can both observe room that,
// combined, doesn't exist. Prefer CheckAndReserve for admission.
func (m *Manager) Check(userID string, estimatedCost float64) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkLocked(userID, estimatedCost)
}

// CheckAndReserve evaluates Check and, if allowed, reserves
// estimatedCost against userID's in-flight total, both under the same
// lock acquisition. Spec §5 requires this admission/reservation pair
// to be atomic per user: without it, two concurrent requests can each
// see spend+inflight < limit and both pass, even though their combined
// reservation would not fit. Callers must still settle the reservation
// exactly once via RecordSpend or ReleaseInflight.
func (m *Manager) CheckAndReserve(userID string, estimatedCost float64) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := m.checkLocked(userID, estimatedCost)
	if result.Allowed {
		m.reserveLocked(userID, estimatedCost)
	}
	return result
}

func (m *Manager) checkLocked(userID string, estimatedCost float64) CheckResult {
	limits := m.resolveLimitsLocked(userID)
	now := m.clock()
	inflight := m.inflight[userID]

	for _, w := range []struct {
		name  string
		limit float64
	}{{WindowDaily, limits.Daily}, {WindowMonthly, limits.Monthly}} {
		if w.limit <= 0 {
			continue
		}
		spend := m.windowSpendLocked(now, userID, w.name)
		projected := spend + inflight + estimatedCost
		percentUsed := (projected / w.limit) * 100

		m.maybeWarnLocked(userID, w.name, percentUsed)

		if projected >= w.limit {
			m.fireExceeded(userID, w.name, percentUsed)
			return CheckResult{
				Allowed:      false,
				IsOverBudget: true,
				Reason:       budgetReason(w.name),
				Window:       w.name,
				PercentUsed:  percentUsed,
			}
		}
	}

	return CheckResult{Allowed: true}
}

func (m *Manager) resolveLimitsLocked(userID string) Limits {
	if l, ok := m.userLimits[userID]; ok {
		return l
	}
	if m.defaultLimits != nil {
		return *m.defaultLimits
	}
	return Limits{}
}

func budgetReason(window string) string {
	if window == WindowDaily {
		return "Daily budget exceeded"
	}
	return "Monthly budget exceeded"
}

func (m *Manager) maybeWarnLocked(userID, window string, percentUsed float64) {
	key := userID + "|" + window
	_, exists := m.warnings[key]
	if percentUsed >= warnRatio*100 {
		if !exists {
			m.recordWarningLocked(key, userID, window, percentUsed)
		}
		return
	}
	if exists {
		delete(m.warnings, key)
	}
}

func (m *Manager) recordWarningLocked(key, userID, window string, percentUsed float64) {
	now := m.clock()
	m.pruneWarningsLocked(now)
	if len(m.warnings) >= maxWarningEntries && len(m.warningsOrder) > 0 {
		oldest := m.warningsOrder[0]
		m.warningsOrder = m.warningsOrder[1:]
		delete(m.warnings, oldest)
	}
	m.warnings[key] = warningEntry{firedAt: now.UnixMilli()}
	m.warningsOrder = append(m.warningsOrder, key)

	if m.bus != nil {
		m.bus.Emit(events.UserBudgetWarning, map[string]interface{}{"userId": userID, "window": window, "percentUsed": percentUsed})
	}
	if m.hooks.OnBudgetWarning != nil {
		func() {
			defer func() { recover() }()
			m.hooks.OnBudgetWarning(userID, window, percentUsed)
		}()
	}
}

func (m *Manager) pruneWarningsLocked(now time.Time) {
	cutoff := now.Add(-warningTTL).UnixMilli()
	kept := m.warningsOrder[:0]
	for _, key := range m.warningsOrder {
		if m.warnings[key].firedAt >= cutoff {
			kept = append(kept, key)
		} else {
			delete(m.warnings, key)
		}
	}
	m.warningsOrder = kept
}

func (m *Manager) fireExceeded(userID, window string, percentUsed float64) {
	if m.bus != nil {
		m.bus.Emit(events.UserBudgetExceeded, map[string]interface{}{"userId": userID, "window": window, "percentUsed": percentUsed})
	}
	if m.hooks.OnBudgetExceeded == nil {
		return
	}
	defer func() { recover() }()
	m.hooks.OnBudgetExceeded(userID, window, percentUsed)
}

func (m *Manager) windowSpendLocked(now time.Time, userID, window string) float64 {
	var since time.Time
	if window == WindowDaily {
		since = now.Add(-24 * time.Hour)
	} else {
		since = now.Add(-30 * 24 * time.Hour)
	}
	cutoff := since.UnixMilli()
	var sum float64
	for _, r := range m.records {
		if r.UserID == userID && r.Timestamp >= cutoff {
			sum += r.Cost
		}
	}
	return sum
}

// ReserveInflight holds estimatedCost against userID's in-flight
// total until RecordSpend or ReleaseInflight is called. The pipeline
// must invoke one of those exactly once per reservation.
func (m *Manager) ReserveInflight(userID string, estimatedCost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reserveLocked(userID, estimatedCost)
}

func (m *Manager) reserveLocked(userID string, estimatedCost float64) {
	if _, exists := m.inflight[userID]; !exists {
		if len(m.inflightOrder) >= maxInflightUsers {
			oldest := m.inflightOrder[0]
			m.inflightOrder = m.inflightOrder[1:]
			delete(m.inflight, oldest)
		}
		m.inflightOrder = append(m.inflightOrder, userID)
	}
	m.inflight[userID] += estimatedCost
}

// ReleaseInflight removes a previously reserved estimate without
// recording actual spend — used when a later pipeline stage aborts
// after the reservation was taken.
func (m *Manager) ReleaseInflight(userID string, estimatedCost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(userID, estimatedCost)
}

func (m *Manager) releaseLocked(userID string, estimatedCost float64) {
	v := m.inflight[userID] - estimatedCost
	if v < 0 {
		v = 0
	}
	m.inflight[userID] = v
}

// RecordSpend replaces a reservation with the actual settled cost:
// it releases estimatedCost from in-flight and appends an actual
// SpendRecord for actualCost.
func (m *Manager) RecordSpend(userID string, estimatedCost, actualCost float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(userID, estimatedCost)
	m.records = append(m.records, SpendRecord{Timestamp: m.clock().UnixMilli(), Cost: actualCost, UserID: userID})
	if len(m.records) > maxRecords {
		m.records = m.records[len(m.records)-maxRecords:]
	}
}

// InflightTotal returns the current in-flight total for a user
// (for tests/diagnostics).
func (m *Manager) InflightTotal(userID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight[userID]
}

// ApplyTierRouting swaps ctx.ModelID for the user's tier model when
// configured and different from the current model. Returns the
// original model and whether a swap happened, so the caller (pipeline
// stage) can set ctx.Meta accordingly.
func (m *Manager) ApplyTierRouting(tier, currentModel string) (newModel string, switched bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tierModels == nil {
		return currentModel, false
	}
	tierModel, ok := m.tierModels[tier]
	if !ok || tierModel == currentModel {
		return currentModel, false
	}
	return tierModel, true
}
