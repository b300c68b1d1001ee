/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Semantic response cache — exact + fuzzy lookup keyed by
             (normalized prompt, model), content-type-aware TTL, LRU
             eviction, and optional persistence. Adapted from
             caching/caching.go's Engine (exact-index + similarity-
             scan + TTL + eviction design), swapping SHA-256 exact
             keys for djb2 and cosine-over-embeddings similarity for
             Dice-coefficient bigram similarity, per this project's
             hashing/similarity contract.
Root Cause:  Core component #5 — Response Cache. The hardest
             component: every read path re-verifies the normalized
             key because djb2 is not collision-resistant.
Suitability: L3 — eviction, copy-on-read, and TTL interact subtly.
──────────────────────────────────────────────────────────────
*/

package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/costshield/gateway/internal/events"
	"github.com/costshield/gateway/internal/storage"
	"github.com/costshield/gateway/internal/textnorm"
)

// CacheEntry is one stored response. Key uniquely identifies it for
// exact lookup; NormalizedKey is stored separately and re-verified on
// every read against Normalize(query) to detect djb2 collisions.
type CacheEntry struct {
	Key           string      `json:"key"`
	NormalizedKey string      `json:"normalizedKey"`
	Prompt        string      `json:"prompt"`
	Response      string      `json:"response"`
	Model         string      `json:"model"`
	InputTokens   int         `json:"inputTokens"`
	OutputTokens  int         `json:"outputTokens"`
	CreatedAt     int64       `json:"createdAt"` // unix millis
	AccessCount   int64       `json:"accessCount"`
	LastAccessed  int64       `json:"lastAccessed"` // unix millis
	ContentType   ContentType `json:"contentType"`
}

func (e *CacheEntry) copy() *CacheEntry {
	cp := *e
	return &cp
}

// Config tunes one Engine instance.
type Config struct {
	SimilarityThreshold float64 // < 1 enables the fuzzy bigram scan
	TTLOverrides        TTLTable
	ModelTTLOverrides   map[string]time.Duration
	MaxEntries          int
	ValidateResponses   bool
	MinResponseLength   int
	EncodingStrategy    string // "" or "holographic"
}

func (c Config) ttlFor(ct ContentType, model string) time.Duration {
	if d, ok := c.ModelTTLOverrides[model]; ok {
		return d
	}
	if c.TTLOverrides != nil {
		if d, ok := c.TTLOverrides[ct]; ok {
			return d
		}
	}
	return DefaultTTLTable().For(ct)
}

// LookupResult is returned by Lookup and Peek.
type LookupResult struct {
	Entry      *CacheEntry
	Hit        bool
	MatchType  string // "exact" | "fuzzy"
	Similarity float64
}

// Stats summarizes engine activity.
type Stats struct {
	Entries         int
	TotalSavedTokens int64
	TotalHits       int64
	TotalLookups    int64
	HitRate         float64
}

// Hooks are optional observability callbacks.
type Hooks struct {
	OnStorageError func(err error)
}

// Engine is the response cache.
type Engine struct {
	mu     sync.Mutex
	logger zerolog.Logger
	config Config
	clock  func() time.Time
	hooks  Hooks
	bus    *events.Bus

	memory map[string]*CacheEntry
	index  *semanticIndex

	store      storage.Adapter
	storeKeyFn func(key string) string

	hits, misses, evictions int64
}

type Option func(*Engine)

func WithHooks(h Hooks) Option { return func(e *Engine) { e.hooks = h } }
func WithBus(bus *events.Bus) Option { return func(e *Engine) { e.bus = bus } }
func WithClock(clock func() time.Time) Option { return func(e *Engine) { e.clock = clock } }
func WithStorage(s storage.Adapter) Option {
	return func(e *Engine) {
		e.store = s
		e.storeKeyFn = func(key string) string { return "cache:" + key }
	}
}

func New(logger zerolog.Logger, config Config, opts ...Option) *Engine {
	e := &Engine{
		logger: logger.With().Str("component", "cache").Logger(),
		config: config,
		clock:  time.Now,
		memory: make(map[string]*CacheEntry),
		index:  newSemanticIndex(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) live(entry *CacheEntry, now int64) bool {
	ttl := e.config.ttlFor(entry.ContentType, entry.Model)
	return now-entry.CreatedAt < ttl.Milliseconds()
}

// Lookup implements the three-step protocol from spec.md §4.5: exact
// memory hit, exact storage hit (warming memory), then a fuzzy bigram
// scan when SimilarityThreshold < 1. A returned entry is always a
// fresh copy with bumped access stats already written back.
func (e *Engine) Lookup(ctx context.Context, prompt, model string) LookupResult {
	return e.lookup(ctx, prompt, model, true)
}

// Peek performs the same protocol but never mutates state: no access
// bump, no write-back, no storage warming. Used by dry-run callers.
func (e *Engine) Peek(ctx context.Context, prompt, model string) LookupResult {
	return e.lookup(ctx, prompt, model, false)
}

func (e *Engine) lookup(ctx context.Context, prompt, model string, mutate bool) LookupResult {
	normalized := textnorm.Normalize(prompt)
	key := ExactKey(normalized, model)
	now := e.clock().UnixMilli()

	e.mu.Lock()
	if mutate {
		e.misses++ // optimistic; corrected to a hit below if found
	}

	if entry, ok := e.memory[key]; ok && e.live(entry, now) && entry.NormalizedKey == normalized {
		result := e.finishHit(entry, "exact", 1, mutate, now)
		e.mu.Unlock()
		return result
	}
	e.mu.Unlock()

	if e.store != nil {
		if entry, ok := e.loadFromStorage(ctx, key); ok && e.live(entry, now) && entry.NormalizedKey == normalized {
			e.mu.Lock()
			if mutate {
				e.memory[key] = entry
				e.index.add(key, entry.NormalizedKey)
			}
			result := e.finishHit(entry, "exact", 1, mutate, now)
			e.mu.Unlock()
			return result
		}
	}

	if e.config.SimilarityThreshold < 1 {
		e.mu.Lock()
		defer e.mu.Unlock()

		if e.config.EncodingStrategy == "holographic" {
			if candidateKey := e.index.bestCandidate(normalized); candidateKey != "" {
				if candidate, ok := e.memory[candidateKey]; ok && candidate.Model == model && e.live(candidate, now) && candidate.Prompt == prompt {
					return e.finishHit(candidate, "fuzzy", 1, mutate, now)
				}
			}
		}

		best, bestSim := e.scanForBestMatch(normalized, model, now)
		if best != nil && bestSim >= e.config.SimilarityThreshold {
			return e.finishHit(best, "fuzzy", bestSim, mutate, now)
		}
	}

	return LookupResult{Hit: false}
}

// scanForBestMatch finds the live entry for model maximizing
// Similarity(query, entry.Prompt). Caller holds e.mu.
func (e *Engine) scanForBestMatch(normalizedQuery, model string, now int64) (*CacheEntry, float64) {
	var best *CacheEntry
	bestSim := -1.0
	for _, entry := range e.memory {
		if entry.Model != model || !e.live(entry, now) {
			continue
		}
		sim := Similarity(normalizedQuery, entry.NormalizedKeyForSimilarity())
		if sim > bestSim {
			bestSim = sim
			best = entry
		}
	}
	return best, bestSim
}

// NormalizedKeyForSimilarity exposes the normalized prompt text for
// similarity scoring (distinct from NormalizedKey, which is the exact
// string re-verified on exact hits — they are the same value here,
// named separately to make the two verification purposes explicit at
// call sites).
func (e *CacheEntry) NormalizedKeyForSimilarity() string { return e.NormalizedKey }

// finishHit applies the copy-on-read discipline: bump a fresh copy's
// stats, write that fresh copy back into the map (never mutate the
// entry pointer the caller may still be holding from a prior Peek),
// and return a second independent copy to the caller. Caller holds
// e.mu.
func (e *Engine) finishHit(entry *CacheEntry, matchType string, similarity float64, mutate bool, now int64) LookupResult {
	if !mutate {
		return LookupResult{Entry: entry.copy(), Hit: true, MatchType: matchType, Similarity: similarity}
	}

	e.hits++
	e.misses-- // undo the optimistic miss recorded at lookup entry

	bumped := entry.copy()
	bumped.AccessCount++
	bumped.LastAccessed = now
	e.memory[entry.Key] = bumped

	returned := bumped.copy()
	return LookupResult{Entry: returned, Hit: true, MatchType: matchType, Similarity: similarity}
}

func (e *Engine) loadFromStorage(ctx context.Context, key string) (*CacheEntry, bool) {
	data, ok, err := e.store.Get(ctx, e.storeKeyFn(key))
	if err != nil {
		e.reportStorageError(err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		e.reportStorageError(err)
		return nil, false
	}
	return &entry, true
}

func (e *Engine) reportStorageError(err error) {
	if e.hooks.OnStorageError == nil {
		return
	}
	defer func() { recover() }()
	e.hooks.OnStorageError(err)
}

// Store inserts or overwrites the cache entry for (prompt, model).
// Response validation (when enabled), eviction, and persistence all
// happen here. Persistence is a synchronous write to the storage
// adapter (when one is configured), finished before Store returns.
func (e *Engine) Store(ctx context.Context, prompt, response, model string, inputTokens, outputTokens int) {
	if e.config.ValidateResponses && !e.validateResponse(response) {
		return
	}

	normalized := textnorm.Normalize(prompt)
	key := ExactKey(normalized, model)
	now := e.clock().UnixMilli()

	entry := &CacheEntry{
		Key:           key,
		NormalizedKey: normalized,
		Prompt:        prompt,
		Response:      response,
		Model:         model,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		CreatedAt:     now,
		AccessCount:   0,
		LastAccessed:  now,
		ContentType:   Classify(normalized),
	}

	e.mu.Lock()
	e.memory[key] = entry
	e.index.add(key, normalized)
	if len(e.memory) > e.effectiveMaxEntries() {
		e.evictOldestLocked()
	}
	e.mu.Unlock()

	e.persistAsync(ctx, entry)
}

func (e *Engine) effectiveMaxEntries() int {
	if e.config.MaxEntries <= 0 {
		return 10_000
	}
	return e.config.MaxEntries
}

// evictOldestLocked removes the entry with the smallest LastAccessed.
// Caller holds e.mu.
func (e *Engine) evictOldestLocked() {
	var oldestKey string
	var oldestTime int64 = 1<<63 - 1
	for k, v := range e.memory {
		if v.LastAccessed < oldestTime {
			oldestTime = v.LastAccessed
			oldestKey = k
		}
	}
	if oldestKey == "" {
		return
	}
	if entry, ok := e.memory[oldestKey]; ok {
		e.index.remove(oldestKey, entry.NormalizedKey)
	}
	delete(e.memory, oldestKey)
	e.evictions++
}

func (e *Engine) validateResponse(response string) bool {
	minLen := e.config.MinResponseLength
	if minLen <= 0 {
		minLen = 1
	}
	if len(response) < minLen {
		return false
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(response), &parsed); err == nil {
		if _, hasErr := parsed["error"]; hasErr {
			return false
		}
		if choices, ok := parsed["choices"].([]interface{}); ok && len(choices) == 0 {
			return false
		}
	}
	return true
}

// persistAsync writes an entry to the storage adapter best-effort: any
// error is reported via OnStorageError and otherwise swallowed, since
// a persistence failure must never fail the caller's Store call.
func (e *Engine) persistAsync(ctx context.Context, entry *CacheEntry) {
	if e.store == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		e.reportStorageError(err)
		return
	}
	if err := e.store.Set(ctx, e.storeKeyFn(entry.Key), data); err != nil {
		e.reportStorageError(err)
	}
}

// Invalidate removes a single entry by exact (prompt, model) key.
func (e *Engine) Invalidate(ctx context.Context, prompt, model string) {
	normalized := textnorm.Normalize(prompt)
	key := ExactKey(normalized, model)

	e.mu.Lock()
	if entry, ok := e.memory[key]; ok {
		e.index.remove(key, entry.NormalizedKey)
	}
	delete(e.memory, key)
	e.mu.Unlock()

	if e.store != nil {
		_ = e.store.Delete(ctx, e.storeKeyFn(key))
	}
}

// Clear empties the entire cache and zeroes counters.
func (e *Engine) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.memory = make(map[string]*CacheEntry)
	e.index.clear()
	e.hits, e.misses, e.evictions = 0, 0, 0
}

// Stats reports cache activity. HitRate is 0 when there have been no
// lookups.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	var savedTokens int64
	for _, entry := range e.memory {
		savedTokens += int64(entry.InputTokens+entry.OutputTokens) * entry.AccessCount
	}

	total := e.hits + e.misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(e.hits) / float64(total)
	}

	return Stats{
		Entries:          len(e.memory),
		TotalSavedTokens: savedTokens,
		TotalHits:        e.hits,
		TotalLookups:     total,
		HitRate:          hitRate,
	}
}

// Hydrate loads all keys under the cache prefix from storage. Expired
// entries are deleted; survivors warm the memory map and index.
// Idempotent: a second call with no intervening writes loads the same
// survivors again (a no-op in effect).
func (e *Engine) Hydrate(ctx context.Context) (loaded int, err error) {
	if e.store == nil {
		return 0, nil
	}
	keys, err := e.store.Keys(ctx, "cache:")
	if err != nil {
		return 0, err
	}

	now := e.clock().UnixMilli()
	for _, storageKey := range keys {
		data, ok, err := e.store.Get(ctx, storageKey)
		if err != nil || !ok {
			continue
		}
		var entry CacheEntry
		if err := json.Unmarshal(data, &entry); err != nil {
			continue
		}
		if !e.live(&entry, now) {
			_ = e.store.Delete(ctx, storageKey)
			continue
		}
		e.mu.Lock()
		e.memory[entry.Key] = &entry
		e.index.add(entry.Key, entry.NormalizedKey)
		e.mu.Unlock()
		loaded++
	}
	return loaded, nil
}
