package prefix

import (
	"testing"

	"github.com/costshield/gateway/internal/pipeline"
	"github.com/costshield/gateway/internal/pricing"
)

func countChars(content string) int { return len(content) }

func bigSystemPrompt(n int) string {
	s := make([]byte, n)
	for i := range s {
		s[i] = 'a'
	}
	return string(s)
}

func TestOptimizeReordersAndRecordsSavingsWhenEligible(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "what's the weather"},
		{Role: pipeline.RoleSystem, Content: bigSystemPrompt(5000)},
		{Role: pipeline.RoleAssistant, Content: "previous reply"},
	})

	res := Optimize(ctx, pricing.Default(), 500, countChars)

	if res.PrefixTokens == 0 {
		t.Fatalf("expected non-zero prefix tokens")
	}
	if !res.PrefixEligibleForCaching {
		t.Fatalf("expected openai prefix to be eligible for caching")
	}
	if res.EstimatedPrefixSavings <= 0 {
		t.Fatalf("expected positive estimated savings, got %f", res.EstimatedPrefixSavings)
	}
	if ctx.Messages[0].Role != pipeline.RoleSystem {
		t.Fatalf("expected system message moved to front, got %+v", ctx.Messages[0])
	}
	saved, ok := ctx.GetMeta(pipeline.MetaPrefixSaved)
	if !ok || saved.(float64) <= 0 {
		t.Fatalf("expected prefixSaved meta recorded, got %v", saved)
	}
}

func TestOptimizePinnedToolSchemaJoinsStablePrefix(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "what's the weather"},
		{Role: pipeline.RoleSystem, Content: bigSystemPrompt(3000)},
		{Role: pipeline.RoleTool, Content: bigSystemPrompt(3000), Pinned: true},
		{Role: pipeline.RoleTool, Content: "42 degrees", Pinned: false},
	})

	res := Optimize(ctx, pricing.Default(), 500, countChars)

	if res.PrefixTokens != 6000 {
		t.Fatalf("expected the pinned tool-schema message to count toward the stable prefix, got %d prefix tokens", res.PrefixTokens)
	}
	if res.VolatileTokens != len("what's the weather")+len("42 degrees") {
		t.Fatalf("expected the unpinned tool result to stay volatile, got %d volatile tokens", res.VolatileTokens)
	}
	if ctx.Messages[0].Role != pipeline.RoleSystem || !ctx.Messages[1].Pinned {
		t.Fatalf("expected system then pinned tool-schema message at the front, got %+v", ctx.Messages[:2])
	}
}

func TestOptimizeAnthropicRequiresMinimumPrefixTokens(t *testing.T) {
	ctx := pipeline.NewContext("claude-3-5-sonnet", []pipeline.Message{
		{Role: pipeline.RoleSystem, Content: "short system prompt"},
		{Role: pipeline.RoleUser, Content: "hello"},
	})

	res := Optimize(ctx, pricing.Default(), 500, countChars)

	if res.PrefixEligibleForCaching {
		t.Fatalf("expected short anthropic prefix to be ineligible (below 1024-token floor)")
	}
}

func TestOptimizeSkipsWhenModelUnknown(t *testing.T) {
	ctx := pipeline.NewContext("totally-unknown-model-xyz", []pipeline.Message{
		{Role: pipeline.RoleSystem, Content: bigSystemPrompt(5000)},
		{Role: pipeline.RoleUser, Content: "hi"},
	})

	res := Optimize(ctx, pricing.Default(), 500, countChars)

	if res.PrefixTokens != 0 || res.EstimatedPrefixSavings != 0 {
		t.Fatalf("expected no-op for a model with no pricing entry, got %+v", res)
	}
}

func TestOptimizeSkipsWhenAborted(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o", []pipeline.Message{
		{Role: pipeline.RoleSystem, Content: bigSystemPrompt(5000)},
		{Role: pipeline.RoleUser, Content: "hi"},
	})
	ctx.Abort("blocked")

	res := Optimize(ctx, pricing.Default(), 500, countChars)
	if res.PrefixTokens != 0 {
		t.Fatalf("expected no-op on aborted context")
	}
}

func TestOptimizeFlagsContextWindowExceeded(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o-mini", []pipeline.Message{
		{Role: pipeline.RoleSystem, Content: bigSystemPrompt(5000)},
		{Role: pipeline.RoleUser, Content: bigSystemPrompt(5000)},
	})

	// gpt-4o-mini has no ContextWindow set in the default table, so
	// flag detection only triggers for models that declare one; use
	// claude-3-5-sonnet (200000) with a synthetic huge reserve instead.
	ctx.ModelID = "claude-3-5-sonnet"
	res := Optimize(ctx, pricing.Default(), 199995, countChars)

	if !res.ContextWindowExceeded {
		t.Fatalf("expected context window exceeded flag, got %+v", res)
	}
	if res.OverflowTokens <= 0 {
		t.Fatalf("expected positive overflow tokens, got %d", res.OverflowTokens)
	}
}
