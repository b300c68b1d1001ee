/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Composition root for the cost pipeline's HTTP surface:
             wires breaker/userbudget/guard/cache/trimmer/modelrouter/
             prefix into one pipeline.Runner, calls the provider on a
             cache miss, and settles the ledger/budget/guard/breaker
             bookkeeping afterward. Grounded on handler/proxy.go's
             request/response shape and router.go's /v1/chat/completions
             route, restructured around the pipeline instead of the
             ad hoc proxy-then-meter flow the gateway used.
Root Cause:  HTTP front door for the cost-shielding pipeline.
Context:     The pipeline runner performs no I/O; this package is
             where the one I/O suspension point (the provider call)
             is threaded between the pre-call and post-call stages.
Suitability: L3 — stage wiring order and settle-on-every-exit-path
             are both load-bearing.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/costshield/gateway/internal/breaker"
	"github.com/costshield/gateway/internal/cache"
	"github.com/costshield/gateway/internal/guard"
	"github.com/costshield/gateway/internal/ledger"
	"github.com/costshield/gateway/internal/metrics"
	"github.com/costshield/gateway/internal/modelrouter"
	"github.com/costshield/gateway/internal/pipeline"
	"github.com/costshield/gateway/internal/prefix"
	"github.com/costshield/gateway/internal/pricing"
	"github.com/costshield/gateway/internal/tokenizer"
	"github.com/costshield/gateway/internal/trimmer"
	"github.com/costshield/gateway/internal/userbudget"
	"github.com/costshield/gateway/middleware"
	"github.com/costshield/gateway/provider"
)

// ReservedOutputTokens is the fixed headroom the trimmer and prefix
// optimizer reserve for the model's response when no per-request
// max_tokens is supplied.
const ReservedOutputTokens = 1024

// Gateway holds every pipeline collaborator and exposes the HTTP
// handlers that drive a single chat-completion request through them.
type Gateway struct {
	logger zerolog.Logger

	providers *provider.Registry
	pricing   pricing.Table
	count     tokenizer.CountFunc

	breaker    *breaker.Breaker
	userBudget *userbudget.Manager
	guard      *guard.Guard
	cacheEng   *cache.Engine
	router     *modelrouter.Router
	ledgerBook *ledger.Ledger
	metrics    *metrics.Metrics

	runner *pipeline.Runner

	trimConfig trimmer.Config
}

// Config bundles the constructed collaborators a Gateway needs. All
// fields are required except Router and Metrics, either of which may
// be nil to disable that stage/instrumentation.
type Config struct {
	Logger     zerolog.Logger
	Providers  *provider.Registry
	Pricing    pricing.Table
	Count      tokenizer.CountFunc
	Breaker    *breaker.Breaker
	UserBudget *userbudget.Manager
	Guard      *guard.Guard
	Cache      *cache.Engine
	Router     *modelrouter.Router
	Ledger     *ledger.Ledger
	Metrics    *metrics.Metrics
	TrimConfig trimmer.Config
	Hooks      pipeline.Hooks
}

// New assembles a Gateway and its pipeline.Runner in the stage order
// spec'd by the system overview: breaker, user budget, guard, cache,
// trimmer, model router, prefix optimizer.
func New(cfg Config) *Gateway {
	count := cfg.Count
	if count == nil {
		count = tokenizer.Default
	}

	g := &Gateway{
		logger:     cfg.Logger,
		providers:  cfg.Providers,
		pricing:    cfg.Pricing,
		count:      count,
		breaker:    cfg.Breaker,
		userBudget: cfg.UserBudget,
		guard:      cfg.Guard,
		cacheEng:   cfg.Cache,
		router:     cfg.Router,
		ledgerBook: cfg.Ledger,
		metrics:    cfg.Metrics,
		trimConfig: cfg.TrimConfig,
	}

	runner := pipeline.New(cfg.Hooks)
	runner.Add("breaker", g.breakerStage)
	runner.Add("userBudget", g.userBudgetStage)
	runner.Add("guard", g.guardStage)
	runner.Add("cache", g.cacheStage)
	runner.Add("trimmer", trimmer.Stage(g.trimConfig, trimmer.CountFunc(count)))
	if g.router != nil {
		runner.Add("modelRouter", g.router.Route)
	}
	runner.Add("prefix", prefix.Stage(g.pricing, ReservedOutputTokens, prefix.CountFunc(count)))
	g.runner = runner

	return g
}

// estimatedInputTokens sums token counts across every message currently
// in ctx, the same estimate every admission stage checks cost against.
func (g *Gateway) estimatedInputTokens(ctx *pipeline.PipelineContext) int {
	contents := make([]string, len(ctx.Messages))
	for i, m := range ctx.Messages {
		contents[i] = m.Content
	}
	return tokenizer.CountMessages(contents, g.count)
}

func (g *Gateway) estimatedCost(ctx *pipeline.PipelineContext) float64 {
	inputTokens := g.estimatedInputTokens(ctx)
	return g.pricing.Cost(ctx.ModelID, inputTokens, 0, 0)
}

func userIDFromContext(ctx context.Context) string {
	if uid := middleware.GetUserID(ctx); uid != "" {
		return uid
	}
	if key := middleware.GetAPIKey(ctx); key != "" {
		return key
	}
	return "anonymous"
}

// writeJSON marshals v and writes it with the given status code,
// falling back to a plain 500 if marshaling itself fails.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal","message":"failed to encode response"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"type":    errType,
			"message": message,
		},
	})
}
