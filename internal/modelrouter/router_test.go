package modelrouter

import (
	"testing"

	"github.com/costshield/gateway/internal/events"
	"github.com/costshield/gateway/internal/pipeline"
)

func TestAnalyzeComplexityIsDeterministic(t *testing.T) {
	text := "Please analyze and compare these two approaches in depth."
	a := AnalyzeComplexity(text)
	b := AnalyzeComplexity(text)
	if a != b {
		t.Fatalf("expected identical scoring for identical input, got %+v vs %+v", a, b)
	}
}

func TestAnalyzeComplexityRanksLongAnalyticalTextHigher(t *testing.T) {
	simple := AnalyzeComplexity("hi")
	complex := AnalyzeComplexity("Please analyze, compare, and evaluate these three architectures:\n1. microservices\n2. monolith\n3. serverless\nand also derive a recommendation with supporting data.")
	if complex.Score <= simple.Score {
		t.Fatalf("expected analytical multi-part text to score higher, got simple=%d complex=%d", simple.Score, complex.Score)
	}
}

func TestRoutePicksCheapestSufficientTier(t *testing.T) {
	r := New(Config{
		Tiers: []Tier{
			{ModelID: "gpt-4o-mini", MaxComplexity: 30},
			{ModelID: "gpt-4o", MaxComplexity: 70},
			{ModelID: "o1", MaxComplexity: 100},
		},
	}, events.NewBus())

	ctx := pipeline.NewContext("gpt-4o-mini", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "Please analyze, compare, and evaluate these three architectures in depth:\n1. microservices\n2. monolith\nand also derive tradeoffs."},
	})

	if err := r.Route(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ctx.ModelID == "gpt-4o-mini" {
		t.Fatalf("expected an upgrade away from the smallest tier for complex text")
	}
	orig, ok := ctx.GetMeta(pipeline.MetaOriginalModel)
	if !ok || orig != "gpt-4o-mini" {
		t.Fatalf("expected originalModel recorded as gpt-4o-mini, got %v", orig)
	}
}

func TestRouteSkipsWhenTierRoutedAlreadyTrue(t *testing.T) {
	r := New(Config{Tiers: []Tier{{ModelID: "gpt-4o", MaxComplexity: 100}}}, events.NewBus())
	ctx := pipeline.NewContext("claude-3-5-haiku", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "analyze and compare these complex systems in depth"},
	})
	ctx.SetMeta(pipeline.MetaTierRouted, true)

	_ = r.Route(ctx)

	if ctx.ModelID != "claude-3-5-haiku" {
		t.Fatalf("expected model untouched when tierRouted already set, got %s", ctx.ModelID)
	}
}

func TestRouteSkipsWhenAborted(t *testing.T) {
	r := New(Config{Tiers: []Tier{{ModelID: "gpt-4o", MaxComplexity: 100}}}, events.NewBus())
	ctx := pipeline.NewContext("gpt-4o-mini", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "analyze and compare these complex systems in depth"},
	})
	ctx.Abort("blocked upstream")

	_ = r.Route(ctx)

	if ctx.ModelID != "gpt-4o-mini" {
		t.Fatalf("expected no routing on an aborted context")
	}
}

func TestRouteSkipsWhenTiersEmpty(t *testing.T) {
	r := New(Config{}, events.NewBus())
	ctx := pipeline.NewContext("gpt-4o-mini", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "analyze and compare these complex systems in depth"},
	})
	_ = r.Route(ctx)
	if ctx.ModelID != "gpt-4o-mini" {
		t.Fatalf("expected no routing with empty tiers")
	}
}

func TestFullHoldbackFractionAlwaysHoldsOut(t *testing.T) {
	r := New(Config{
		Tiers:            []Tier{{ModelID: "gpt-4o", MaxComplexity: 100}},
		HoldbackFraction: 1.0,
	}, events.NewBus())
	ctx := pipeline.NewContext("gpt-4o-mini", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "analyze and compare these complex systems in depth"},
	})

	_ = r.Route(ctx)

	if ctx.ModelID != "gpt-4o-mini" {
		t.Fatalf("expected holdback to prevent routing, got model %s", ctx.ModelID)
	}
	if !ctx.Bool(pipeline.MetaABTestHoldout) {
		t.Fatalf("expected abTestHoldout meta flag set")
	}
}
