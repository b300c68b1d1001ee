/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Splits a message list into a stable, cacheable prefix
             (system + tool-schema messages) and a volatile suffix
             (the current exchange), estimates the provider-specific
             prompt-cache discount, and reorders Messages when doing
             so is worth it. Grounded on provider.DetectProvider for
             the provider lookup and internal/pricing for the
             per-model context window.
Root Cause:  Core component #8 — Prefix Optimizer.
Suitability: L3 — discount-eligibility rules differ per provider and
             are easy to get subtly wrong.
──────────────────────────────────────────────────────────────
*/

package prefix

import (
	"github.com/costshield/gateway/internal/pipeline"
	"github.com/costshield/gateway/internal/pricing"
	"github.com/costshield/gateway/provider"
)

// discount is the fraction of the prefix's tokens billed at the
// provider's cached-input rate once the prefix is reused verbatim.
var discountByProvider = map[string]float64{
	"openai":    0.50,
	"google":    0.75,
	"anthropic": 0.90,
}

const anthropicMinPrefixTokens = 1024

// Result reports what the optimizer computed, independent of whether
// it actually reordered ctx.Messages.
type Result struct {
	PrefixTokens           int
	VolatileTokens         int
	EstimatedPrefixSavings float64
	PrefixEligibleForCaching bool
	ContextWindowExceeded  bool
	OverflowTokens         int
}

// CountFunc counts tokens in a single message's content.
type CountFunc func(content string) int

// isStable reports whether a message belongs in the stable prefix:
// system messages, plus any message explicitly Pinned as an immutable
// tool-definition/tool-schema entry. Role alone can't make that call —
// a tool-result message from the current exchange and an immutable
// tool-schema message can share pipeline.RoleTool — so callers mark
// the latter with Pinned. Regular user/assistant turns and unpinned
// tool results are volatile.
func isStable(m pipeline.Message) bool {
	return m.Role == pipeline.RoleSystem || m.Pinned
}

// Optimize implements spec.md §4.8. It mutates ctx.Messages only when
// EstimatedPrefixSavings > 0, and is a no-op when the context is
// aborted or the model has no pricing entry.
func Optimize(ctx *pipeline.PipelineContext, pricingTable pricing.Table, reservedOutput int, count CountFunc) Result {
	if ctx.Aborted {
		return Result{}
	}
	rate, known := pricingTable.Lookup(ctx.ModelID)
	if !known {
		return Result{}
	}

	var stablePrefix, volatileSuffix []pipeline.Message
	for _, m := range ctx.Messages {
		if isStable(m) {
			stablePrefix = append(stablePrefix, m)
		} else {
			volatileSuffix = append(volatileSuffix, m)
		}
	}

	prefixTokens := sumTokens(stablePrefix, count)
	volatileTokens := sumTokens(volatileSuffix, count)

	providerName := provider.DetectProvider(ctx.ModelID)
	discount, hasDiscount := discountByProvider[providerName]
	eligible := hasDiscount && prefixTokens > 0
	if providerName == "anthropic" && prefixTokens < anthropicMinPrefixTokens {
		eligible = false
	}

	var savings float64
	if eligible {
		cachedRate := rate.CachedRate()
		fullRate := rate.InputPerMillion
		savings = (float64(prefixTokens) / 1e6) * (fullRate - cachedRate) * discount
	}

	overflow := 0
	exceeded := false
	if rate.ContextWindow > 0 {
		total := prefixTokens + volatileTokens + reservedOutput
		if total > rate.ContextWindow {
			exceeded = true
			overflow = total - rate.ContextWindow
		}
	}

	result := Result{
		PrefixTokens:             prefixTokens,
		VolatileTokens:           volatileTokens,
		EstimatedPrefixSavings:   savings,
		PrefixEligibleForCaching: eligible,
		ContextWindowExceeded:    exceeded,
		OverflowTokens:           overflow,
	}

	if savings > 0 {
		reordered := make([]pipeline.Message, 0, len(ctx.Messages))
		reordered = append(reordered, stablePrefix...)
		reordered = append(reordered, volatileSuffix...)
		ctx.Messages = reordered
		ctx.SetMeta(pipeline.MetaPrefixSaved, savings)
	}

	return result
}

func sumTokens(messages []pipeline.Message, count CountFunc) int {
	total := 0
	for _, m := range messages {
		total += count(m.Content)
	}
	return total
}

// Stage adapts Optimize into a pipeline.Stage.
func Stage(pricingTable pricing.Table, reservedOutput int, count CountFunc) pipeline.Stage {
	return func(ctx *pipeline.PipelineContext) error {
		Optimize(ctx, pricingTable, reservedOutput, count)
		return nil
	}
}
