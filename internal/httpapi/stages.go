/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Adapts breaker.Check/userbudget.CheckAndReserve/guard.Check/
             cache.Lookup into pipeline.Stage closures, each owning
             its own admission-denial bookkeeping (ledger.RecordBlocked,
             metrics.TrackBlocked) so a blocked request is fully
             accounted for the moment the stage aborts the run.
Root Cause:  Per-stage admission bridging between the pipeline and
             its collaborators.
Suitability: L3 — the metadata each stage leaves behind in ctx.Meta
             is read by later stages and by the handler's settle path.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"context"
	"errors"

	"github.com/costshield/gateway/internal/pipeline"
)

// requestContextParamKey is a pipeline Params key private to this
// package: the HTTP handler stamps the request's context.Context onto
// ctx.Params before Run, since PipelineContext itself carries no
// context.Context field (most stages are pure and need none).
//
// The caller's identity is stamped under the public
// pipeline.MetaUserID key instead of a private one, since the model
// router's holdback gate also keys its per-user hash on it.
const requestContextParamKey = "httpapi.requestContext"

func (g *Gateway) breakerStage(ctx *pipeline.PipelineContext) error {
	if g.breaker == nil {
		return nil
	}
	estCost := g.estimatedCost(ctx)
	result := g.breaker.Check(ctx.ModelID, estCost)
	if !result.Allowed {
		g.recordBlocked(ctx)
		if g.metrics != nil {
			g.metrics.TrackBlocked("breaker", result.Reason)
		}
		return errors.New(result.Reason)
	}
	return nil
}

func (g *Gateway) userBudgetStage(ctx *pipeline.PipelineContext) error {
	if g.userBudget == nil {
		return nil
	}
	uid := ctx.String(pipeline.MetaUserID)

	if newModel, switched := g.userBudget.ApplyTierRouting(g.userBudget.LimitsFor(uid).Tier, ctx.ModelID); switched {
		if _, ok := ctx.GetMeta(pipeline.MetaOriginalModel); !ok {
			ctx.SetMeta(pipeline.MetaOriginalModel, ctx.ModelID)
		}
		ctx.ModelID = newModel
		ctx.SetMeta(pipeline.MetaTierRouted, true)
	}

	estCost := g.estimatedCost(ctx)
	// CheckAndReserve holds the manager's lock across the admission
	// check and the in-flight reservation so two concurrent requests
	// for the same user can never both pass Check before either
	// reserves (spec §5's atomicity requirement).
	result := g.userBudget.CheckAndReserve(uid, estCost)
	if !result.Allowed {
		g.recordBlocked(ctx)
		if g.metrics != nil {
			g.metrics.TrackBlocked("userBudget", result.Reason)
		}
		return errors.New(result.Reason)
	}
	ctx.SetMeta(pipeline.MetaUserBudgetInflight, estCost)
	return nil
}

func (g *Gateway) guardStage(ctx *pipeline.PipelineContext) error {
	if g.guard == nil {
		return nil
	}
	estTokens := g.estimatedInputTokens(ctx)
	estCost := g.estimatedCost(ctx)
	result := g.guard.Check(ctx.LastUserText, estTokens, estCost)
	if !result.Allowed {
		g.recordBlocked(ctx)
		if g.metrics != nil {
			g.metrics.TrackBlocked("guard", result.Reason)
		}
		return errors.New(result.Reason)
	}
	return nil
}

func (g *Gateway) cacheStage(ctx *pipeline.PipelineContext) error {
	if g.cacheEng == nil {
		return nil
	}
	result := g.cacheEng.Lookup(requestContextFrom(ctx), ctx.LastUserText, ctx.ModelID)
	if !result.Hit {
		return nil
	}
	ctx.SetMeta(pipeline.MetaCacheHit, pipeline.CacheHitInfo{
		Response:     result.Entry.Response,
		Model:        result.Entry.Model,
		InputTokens:  result.Entry.InputTokens,
		OutputTokens: result.Entry.OutputTokens,
		Similarity:   result.Similarity,
		MatchType:    result.MatchType,
	})
	ctx.Abort("cache-hit")
	return nil
}

// recordBlocked synthesizes a ledger entry for an admission denial. It
// does not touch the user-budget reservation: the handler's abort path
// (handleAborted) releases any reservation the request had taken.
func (g *Gateway) recordBlocked(ctx *pipeline.PipelineContext) {
	if g.ledgerBook == nil {
		return
	}
	estInput := g.estimatedInputTokens(ctx)
	g.ledgerBook.RecordBlocked(ctx.ModelID, estInput, 0)
}

func (g *Gateway) releaseUserBudgetReservation(ctx *pipeline.PipelineContext) {
	if g.userBudget == nil {
		return
	}
	v, ok := ctx.GetMeta(pipeline.MetaUserBudgetInflight)
	if !ok {
		return
	}
	estCost, _ := v.(float64)
	uid := ctx.String(pipeline.MetaUserID)
	g.userBudget.ReleaseInflight(uid, estCost)
}

// requestContextFrom recovers the context.Context the HTTP handler
// stamped onto ctx.Params, falling back to context.Background() for
// callers (tests, future non-HTTP entry points) that never set one.
func requestContextFrom(ctx *pipeline.PipelineContext) context.Context {
	if ctx.Params == nil {
		return context.Background()
	}
	if reqCtx, ok := ctx.Params[requestContextParamKey].(context.Context); ok && reqCtx != nil {
		return reqCtx
	}
	return context.Background()
}
