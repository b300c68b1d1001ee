/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Top-level ShieldGate configuration: server address,
             Redis persistence, breaker/budget/guard/cache/router
             tuning, loaded from the environment the same way the
             gateway's Config.Load did (godotenv + getEnv/getEnvInt/
             getEnvBool helpers), restructured for the cost pipeline's
             components instead of the upstream-proxy fields the
             gateway needed (BackendURL, ProviderTimeouts, DefaultProvider).
Root Cause:  Ambient configuration layer.
Suitability: L4 model — wrong defaults here silently change admission
             and spend-blocking behavior for every request.
──────────────────────────────────────────────────────────────
*/

package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all ShieldGate configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis (storage adapter + broadcast channel; empty disables both)
	RedisURL string

	// Authentication
	APIKeyHeader string

	// Rate limiting (HTTP-layer, ahead of the pipeline's own guard)
	RateLimitEnabled bool
	RateLimitRPM     int
	RateLimitBurst   int

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string

	// Breaker limits, dollars; 0 means block everything, unset (nil
	// via *float64 at the breaker layer) means no limit. Config itself
	// carries float64 with a negative sentinel meaning "unset" since
	// env vars cannot represent nil; sentinelToPtr in
	// cmd/shieldgate/main.go converts.
	BreakerPerSession float64 // -1 = unset
	BreakerPerHour    float64
	BreakerPerDay     float64
	BreakerPerMonth   float64
	BreakerAction     string // stop | throttle | warn

	// User budget defaults, dollars; 0 means unlimited.
	UserDailyDefault   float64
	UserMonthlyDefault float64

	// Guard
	GuardMinLength          int
	GuardMaxInputTokens     int
	GuardDedupWindowMs      int64
	GuardDebounceMs         int64
	GuardMaxRequestsPerMin  int
	GuardMaxCostPerHour     float64
	GuardInFlightDedup      bool

	// Cache
	CacheSimilarityThreshold float64
	CacheMaxEntries          int
	CacheValidateResponses   bool
	CacheMinResponseLength   int
	CacheEncodingStrategy    string

	// Router
	RouterHoldbackFraction float64

	// Ledger
	LedgerMaxEntries int
}

// Load reads configuration from environment variables and an optional
// .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("SHIELDGATE_GRACEFUL_TIMEOUT_SEC", 15)

	return &Config{
		Addr:            getEnv("SHIELDGATE_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(gracefulSec) * time.Second,
		RedisURL:        getEnv("REDIS_URL", ""),
		APIKeyHeader:    getEnv("API_KEY_HEADER", "Authorization"),

		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 120),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 20),

		MaxBodyBytes: int64(getEnvInt("SHIELDGATE_MAX_BODY_BYTES", 2*1024*1024)),
		LogLevel:     getEnv("LOG_LEVEL", "info"),

		BreakerPerSession: getEnvFloatOrUnset("BREAKER_PER_SESSION"),
		BreakerPerHour:    getEnvFloatOrUnset("BREAKER_PER_HOUR"),
		BreakerPerDay:     getEnvFloatOrUnset("BREAKER_PER_DAY"),
		BreakerPerMonth:   getEnvFloatOrUnset("BREAKER_PER_MONTH"),
		BreakerAction:     getEnv("BREAKER_ACTION", "stop"),

		UserDailyDefault:   getEnvFloat("USER_DAILY_DEFAULT", 0),
		UserMonthlyDefault: getEnvFloat("USER_MONTHLY_DEFAULT", 0),

		GuardMinLength:         getEnvInt("GUARD_MIN_LENGTH", 2),
		GuardMaxInputTokens:    getEnvInt("GUARD_MAX_INPUT_TOKENS", 0),
		GuardDedupWindowMs:     int64(getEnvInt("GUARD_DEDUP_WINDOW_MS", 2000)),
		GuardDebounceMs:        int64(getEnvInt("GUARD_DEBOUNCE_MS", 250)),
		GuardMaxRequestsPerMin: getEnvInt("GUARD_MAX_REQUESTS_PER_MIN", 60),
		GuardMaxCostPerHour:    getEnvFloat("GUARD_MAX_COST_PER_HOUR", 0),
		GuardInFlightDedup:     getEnvBool("GUARD_INFLIGHT_DEDUP", true),

		CacheSimilarityThreshold: getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0.85),
		CacheMaxEntries:          getEnvInt("CACHE_MAX_ENTRIES", 10_000),
		CacheValidateResponses:  getEnvBool("CACHE_VALIDATE_RESPONSES", true),
		CacheMinResponseLength:  getEnvInt("CACHE_MIN_RESPONSE_LENGTH", 1),
		CacheEncodingStrategy:   getEnv("CACHE_ENCODING_STRATEGY", ""),

		RouterHoldbackFraction: getEnvFloat("ROUTER_HOLDBACK_FRACTION", 0),

		LedgerMaxEntries: getEnvInt("LEDGER_MAX_ENTRIES", 10_000),
	}
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool  { return c.Env == "production" }

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvFloatOrUnset returns -1 (the breaker config layer's "no limit"
// sentinel) when the variable is absent, distinguishing it from "0"
// (present and meaning block-everything) per BreakerLimits semantics.
func getEnvFloatOrUnset(key string) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return -1
}
