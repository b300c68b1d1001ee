/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       Complexity-based model routing with an A/B holdback gate.
             The holdback decision reuses routing/experiment.go's
             consistent-hash-to-[0,1) idiom (SHA-256 of a stable key
             mapped onto a cumulative fraction) rather than the
             multi-variant traffic splitter that engine was built for,
             since this stage only ever needs a binary route/holdback
             decision.
Root Cause:  Core component #7 — Model Router.
Suitability: L3 — ordering against the budget manager's tier routing
             and the holdback gate both affect correctness.
──────────────────────────────────────────────────────────────
*/

package modelrouter

import (
	"crypto/sha256"
	"encoding/binary"
	"math"

	"github.com/costshield/gateway/internal/events"
	"github.com/costshield/gateway/internal/pipeline"
)

// Tier maps a model to the complexity ceiling it is trusted to handle.
type Tier struct {
	ModelID      string
	MaxComplexity int
}

// PricingLookup reports whether a model has a known price, used only
// to decide whether routing has anything meaningful to optimize (the
// router itself does not compute cost).
type PricingLookup func(model string) bool

// Config tunes one Router instance.
type Config struct {
	Tiers          []Tier // must be sorted ascending by MaxComplexity
	HoldbackFraction float64 // 0..1; 0 disables holdback
}

type Router struct {
	config Config
	bus    *events.Bus
}

func New(config Config, bus *events.Bus) *Router {
	return &Router{config: config, bus: bus}
}

// Route implements spec.md §4.7: pick the cheapest (lowest
// MaxComplexity) tier whose ceiling is still >= the scored complexity,
// subject to the holdback gate and the usual skip conditions.
func (r *Router) Route(ctx *pipeline.PipelineContext) error {
	if ctx.Aborted {
		return nil
	}
	if len(r.config.Tiers) == 0 {
		return nil
	}
	if ctx.Bool(pipeline.MetaTierRouted) {
		return nil
	}
	if ctx.LastUserText == "" {
		return nil
	}

	if r.config.HoldbackFraction > 0 {
		if r.isHoldout(ctx) {
			ctx.SetMeta(pipeline.MetaABTestHoldout, true)
			r.emit(events.RouterHoldback, map[string]interface{}{"modelId": ctx.ModelID})
			return nil
		}
	}

	complexity := AnalyzeComplexity(ctx.LastUserText)
	ctx.SetMeta(pipeline.MetaComplexity, complexity.Score)

	chosen := r.pickModel(complexity.Score)
	if chosen == "" || chosen == ctx.ModelID {
		return nil
	}

	if _, ok := ctx.GetMeta(pipeline.MetaOriginalModel); !ok {
		ctx.SetMeta(pipeline.MetaOriginalModel, ctx.ModelID)
	}
	ctx.ModelID = chosen

	r.emit(events.RouterDowngraded, map[string]interface{}{
		"from":       ctx.String(pipeline.MetaOriginalModel),
		"to":         chosen,
		"complexity": complexity.Score,
	})
	return nil
}

// pickModel returns the cheapest model (the tier list's first entry)
// whose MaxComplexity is >= score, assuming Tiers is sorted ascending.
func (r *Router) pickModel(score int) string {
	for _, tier := range r.config.Tiers {
		if tier.MaxComplexity >= score {
			return tier.ModelID
		}
	}
	return ""
}

// isHoldout maps a stable per-request key onto [0,1) via SHA-256,
// consistent with routing/experiment.go's AssignVariant, and compares
// against the configured holdback fraction.
func (r *Router) isHoldout(ctx *pipeline.PipelineContext) bool {
	key := ctx.String(pipeline.MetaUserID) + "|" + ctx.LastUserText
	hash := sha256.Sum256([]byte("model-router-holdback:" + key))
	hashVal := float64(binary.BigEndian.Uint64(hash[:8])) / float64(math.MaxUint64)
	return hashVal < r.config.HoldbackFraction
}

func (r *Router) emit(name string, payload map[string]interface{}) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(name, payload)
}

// Stage adapts Route into a pipeline.Stage.
func (r *Router) Stage() pipeline.Stage {
	return r.Route
}
