/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Post-provider-call bookkeeping: turns the accumulated
             ctx.Meta savings into a ledger.Record call, settles the
             user-budget reservation into actual spend, feeds the
             breaker's and cache's own spend/store bookkeeping, and
             completes the guard's in-flight dedup entry. One exit
             path, called exactly once per successful call.
Root Cause:  Settle phase of the request lifecycle.
Suitability: L3 — every collaborator's invariants depend on this
             function running to completion exactly once per call.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"time"

	"github.com/costshield/gateway/internal/ledger"
	"github.com/costshield/gateway/internal/pipeline"
	"github.com/costshield/gateway/provider"
)

// settledEntry is the subset of a ledger.LedgerEntry the HTTP response
// surfaces to the caller.
type settledEntry struct {
	ActualCost float64
	TotalSaved float64
}

func (g *Gateway) settleSuccess(pc *pipeline.PipelineContext, resp *provider.ChatResponse, feature string, latency time.Duration) settledEntry {
	inputTokens := resp.Usage.PromptTokens
	outputTokens := resp.Usage.CompletionTokens

	originalModel := pc.String(pipeline.MetaOriginalModel)
	originalInputTokens := 0
	if originalModel != "" {
		originalInputTokens = g.estimatedInputTokens(pc)
	}

	savings := ledger.Savings{}
	if v, ok := pc.GetMeta(pipeline.MetaContextSaved); ok {
		if n, ok := v.(int); ok {
			savings.Context = g.pricing.Cost(pc.ModelID, n, 0, 0)
		}
	}
	if v, ok := pc.GetMeta(pipeline.MetaPrefixSaved); ok {
		if f, ok := v.(float64); ok {
			savings.Prefix = f
		}
	}

	var entry ledger.LedgerEntry
	if g.ledgerBook != nil {
		entry = g.ledgerBook.Record(ledger.RecordInput{
			Model:               pc.ModelID,
			InputTokens:         inputTokens,
			OutputTokens:        outputTokens,
			Savings:             savings,
			Feature:             feature,
			LatencyMs:           latency.Milliseconds(),
			OriginalModel:       originalModel,
			OriginalInputTokens: originalInputTokens,
		})
	}

	actualCost := g.pricing.Cost(pc.ModelID, inputTokens, outputTokens, 0)
	uid := pc.String(pipeline.MetaUserID)

	if g.userBudget != nil {
		reserved, _ := pc.GetMeta(pipeline.MetaUserBudgetInflight)
		reservedCost, _ := reserved.(float64)
		g.userBudget.RecordSpend(uid, reservedCost, actualCost)
	}
	if g.breaker != nil {
		g.breaker.RecordSpend(pc.ModelID, actualCost, uid)
	}
	if g.guard != nil {
		g.guard.CompleteRequest(pc.LastUserText, actualCost)
	}
	if g.cacheEng != nil {
		g.storeResponse(pc, resp, inputTokens, outputTokens)
	}
	if g.metrics != nil {
		g.metrics.TrackRequest(pc.ModelID, "success", float64(latency.Milliseconds()), int64(inputTokens), int64(outputTokens), actualCost)
		if savings.Context > 0 {
			g.metrics.TrackSaved("context", savings.Context)
		}
		if savings.Prefix > 0 {
			g.metrics.TrackSaved("prefix", savings.Prefix)
		}
	}

	return settledEntry{ActualCost: actualCost, TotalSaved: entry.TotalSaved}
}

func (g *Gateway) storeResponse(pc *pipeline.PipelineContext, resp *provider.ChatResponse, inputTokens, outputTokens int) {
	if len(resp.Choices) == 0 {
		return
	}
	content, _ := resp.Choices[0].Message.Content.(string)
	if content == "" {
		return
	}
	g.cacheEng.Store(requestContextFrom(pc), pc.LastUserText, content, pc.ModelID, inputTokens, outputTokens)
}
