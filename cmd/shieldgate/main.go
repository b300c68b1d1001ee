/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L4
Logic:       Composition root: loads config, builds the storage/
             broadcast/events/metrics/tracing ambient layer, wires
             every pipeline collaborator (breaker, user budget, guard,
             cache, model router, ledger), registers providers, and
             starts the HTTP server with graceful shutdown on SIGINT/
             SIGTERM. Grounded on this binary's own prior main.go
             shutdown/signal pattern, restructured around
             internal/httpapi.Gateway instead of the proxy-then-meter
             handler set the gateway used.
Root Cause:  Process entry point.
Suitability: L4 — wrong wiring here silently disables a cost-shielding
             stage for the whole deployment.
──────────────────────────────────────────────────────────────
*/

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/costshield/gateway/config"
	"github.com/costshield/gateway/internal/breaker"
	"github.com/costshield/gateway/internal/broadcast"
	"github.com/costshield/gateway/internal/cache"
	"github.com/costshield/gateway/internal/events"
	"github.com/costshield/gateway/internal/guard"
	"github.com/costshield/gateway/internal/httpapi"
	"github.com/costshield/gateway/internal/ledger"
	"github.com/costshield/gateway/internal/metrics"
	"github.com/costshield/gateway/internal/modelrouter"
	"github.com/costshield/gateway/internal/pricing"
	"github.com/costshield/gateway/internal/storage"
	"github.com/costshield/gateway/internal/tokenizer"
	"github.com/costshield/gateway/internal/tracing"
	"github.com/costshield/gateway/internal/trimmer"
	"github.com/costshield/gateway/internal/userbudget"
	"github.com/costshield/gateway/logger"
	"github.com/costshield/gateway/provider"
	"github.com/costshield/gateway/router"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	store, closeStore := buildStorage(cfg, log)
	defer closeStore()

	channel := buildBroadcast(cfg, log)
	if channel != nil {
		defer channel.Close()
	}

	bus := events.NewBus()
	met := metrics.New()

	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	rootCtx, cancelTracing := context.WithCancel(context.Background())
	tracingHooks, stopTracing := tracing.Hooks(rootCtx)
	defer func() {
		cancelTracing()
		stopTracing()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	registry := registerProviders(log)

	healthPoller := provider.NewHealthPoller(registry, log, 30*time.Second)
	healthPoller.OnStatusChange(func(name string, healthy bool, _ provider.HealthStatus) {
		log.Warn().Str("provider", name).Bool("healthy", healthy).Msg("provider health changed")
	})
	healthPoller.Start()
	defer healthPoller.Stop()

	modelSyncer := provider.NewModelSyncer(registry, log, 10*time.Minute)
	modelSyncer.Start()
	defer modelSyncer.Stop()

	pricingTable := pricing.Default()

	br := breaker.New(log, breaker.Limits{
		PerSession: sentinelToPtr(cfg.BreakerPerSession),
		PerHour:    sentinelToPtr(cfg.BreakerPerHour),
		PerDay:     sentinelToPtr(cfg.BreakerPerDay),
		PerMonth:   sentinelToPtr(cfg.BreakerPerMonth),
	}, breaker.Action(cfg.BreakerAction), breaker.WithBus(bus), breaker.WithPersistence(store, "breaker"))
	if data, ok, err := store.Get(context.Background(), "breaker"); err == nil && ok {
		if err := br.Hydrate(data); err != nil {
			log.Warn().Err(err).Msg("persisted breaker state could not be restored")
		}
	}

	userBudget := userbudget.New(log,
		userbudget.WithBus(bus),
		userbudget.WithDefaultLimits(userbudget.Limits{Daily: cfg.UserDailyDefault, Monthly: cfg.UserMonthlyDefault}),
		userbudget.WithTierModels(map[string]string{
			"economy": "gpt-4o-mini",
			"standard": "gpt-4o",
		}),
	)

	grd := guard.New(log, guard.Config{
		MinInputLength:       cfg.GuardMinLength,
		MaxInputTokens:       cfg.GuardMaxInputTokens,
		DedupWindowMs:        cfg.GuardDedupWindowMs,
		DebounceMs:           cfg.GuardDebounceMs,
		MaxRequestsPerMinute: cfg.GuardMaxRequestsPerMin,
		MaxCostPerHour:       cfg.GuardMaxCostPerHour,
		InFlightDedupEnabled: cfg.GuardInFlightDedup,
	})

	cacheEng := cache.New(log, cache.Config{
		SimilarityThreshold: cfg.CacheSimilarityThreshold,
		MaxEntries:          cfg.CacheMaxEntries,
		ValidateResponses:   cfg.CacheValidateResponses,
		MinResponseLength:   cfg.CacheMinResponseLength,
		EncodingStrategy:    cfg.CacheEncodingStrategy,
	}, cache.WithBus(bus), cache.WithStorage(store))

	modelRouter := modelrouter.New(modelrouter.Config{
		Tiers: []modelrouter.Tier{
			{ModelID: "gpt-4o-mini", MaxComplexity: 30},
			{ModelID: "gpt-4o", MaxComplexity: 70},
			{ModelID: "o1", MaxComplexity: 100},
		},
		HoldbackFraction: cfg.RouterHoldbackFraction,
	}, bus)

	ledgerBook := ledger.New(log, pricingTable, ledger.Config{MaxEntries: cfg.LedgerMaxEntries},
		ledger.WithBus(bus), ledger.WithChannel(channel), ledger.WithStorage(store))
	ledgerBook.SubscribeBroadcast()

	gw := httpapi.New(httpapi.Config{
		Logger:     log,
		Providers:  registry,
		Pricing:    pricingTable,
		Count:      tokenizer.CountFunc(tokenizer.Default),
		Breaker:    br,
		UserBudget: userBudget,
		Guard:      grd,
		Cache:      cacheEng,
		Router:     modelRouter,
		Ledger:     ledgerBook,
		Metrics:    met,
		TrimConfig: trimmer.Config{
			MaxInputTokens:    128_000,
			ReserveForOutput:  httpapi.ReservedOutputTokens,
			ToolTokenOverhead: 4,
		},
		Hooks: tracingHooks,
	})

	handler := router.New(cfg, log, gw, otelHTTPMiddleware)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: handler,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("shieldgate listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}

// sentinelToPtr converts config.Config's -1 "unset" sentinel (env vars
// cannot represent nil) into the nil *float64 breaker.Limits expects
// for "no limit on this window".
func sentinelToPtr(v float64) *float64 {
	if v < 0 {
		return nil
	}
	return &v
}

func buildStorage(cfg *config.Config, log zerolog.Logger) (storage.Adapter, func()) {
	if cfg.RedisURL == "" {
		return storage.NewMemory(), func() {}
	}
	r, err := storage.NewRedis(cfg.RedisURL, "shieldgate")
	if err != nil {
		log.Warn().Err(err).Msg("redis storage unavailable, falling back to in-memory")
		return storage.NewMemory(), func() {}
	}
	return r, func() { _ = r.Close() }
}

func buildBroadcast(cfg *config.Config, log zerolog.Logger) broadcast.Channel {
	if cfg.RedisURL == "" {
		return nil
	}
	ch, err := broadcast.NewRedisChannel(cfg.RedisURL, "shieldgate.ledger")
	if err != nil {
		log.Warn().Err(err).Msg("redis broadcast channel unavailable, ledger events stay local")
		return nil
	}
	return ch
}

// otelHTTPMiddleware is a no-op placeholder when no HTTP-request-level
// tracing middleware is configured; the pipeline's own span tree
// (tracingHooks) still covers every stage regardless.
func otelHTTPMiddleware(next http.Handler) http.Handler {
	return next
}
