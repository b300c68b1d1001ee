/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Chi router for the cost-shielded gateway: CORS → security
             headers → request ID → panic recovery → request logger →
             (optional) tracing → body size limit, then an authenticated
             /v1 group mounting the httpapi.Gateway endpoints. Adapted
             from this package's own prior middleware-chain ordering,
             restructured around httpapi.Gateway instead of the
             proxy-then-meter handler set the gateway used.
Root Cause:  HTTP composition layer, one level above cmd/shieldgate.
Suitability: L3 — middleware ordering is load-bearing (auth must run
             before rate limiting, which must run before the handler).
──────────────────────────────────────────────────────────────
*/

package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/costshield/gateway/config"
	"github.com/costshield/gateway/internal/httpapi"
	gwmw "github.com/costshield/gateway/middleware"
)

// New returns a configured chi Router. tracingMW may be nil to skip
// the tracing middleware entirely (e.g. in tests).
func New(cfg *config.Config, appLogger zerolog.Logger, gw *httpapi.Gateway, tracingMW func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(gwmw.CORSMiddleware([]string{"*"}))
	r.Use(gwmw.SecurityHeadersMiddleware)
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(appLogger))
	if tracingMW != nil {
		r.Use(tracingMW)
	}
	r.Use(maxBodySize(cfg.MaxBodyBytes))

	r.Get("/healthz", httpapi.Healthz)
	r.Get("/ready", httpapi.Healthz)
	r.Get("/metrics", gw.Metrics().ServeHTTP)

	authMW := gwmw.NewAuthMiddleware(appLogger, cfg.APIKeyHeader)
	rateLimiter := gwmw.NewRateLimiter(appLogger, cfg.RateLimitEnabled, cfg.RateLimitRPM, cfg.RateLimitBurst)
	headerNorm := gwmw.NewHeaderNormalization(appLogger)
	timeoutMW := gwmw.NewTimeoutMiddleware(appLogger, cfg)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMW.Handler)
		r.Use(rateLimiter.Handler)
		r.Use(headerNorm.Handler)
		r.Use(timeoutMW.Handler)

		r.Post("/chat/completions", gw.ChatCompletions)

		r.Get("/cache/stats", gw.CacheStats)
		r.Post("/cache/invalidate", gw.CacheInvalidate)
		r.Delete("/cache", gw.CacheClear)

		r.Get("/usage/summary", gw.LedgerSummary)
		r.Get("/usage/export.json", gw.LedgerExportJSON)
		r.Get("/usage/export.csv", gw.LedgerExportCSV)
	})

	return r
}

func maxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	if maxBytes <= 0 {
		maxBytes = 2 * 1024 * 1024
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > 0 && r.ContentLength > maxBytes {
				http.Error(w, `{"error":"request_too_large","message":"request body too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(appLogger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			appLogger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
