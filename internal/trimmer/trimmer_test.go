package trimmer

import (
	"testing"

	"github.com/costshield/gateway/internal/pipeline"
)

func countWords(content string) int {
	n := 0
	word := false
	for _, r := range content {
		if r == ' ' {
			word = false
			continue
		}
		if !word {
			n++
			word = true
		}
	}
	return n
}

func TestTrimNoopWhenUnderBudget(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o", []pipeline.Message{
		{Role: pipeline.RoleSystem, Content: "be concise"},
		{Role: pipeline.RoleUser, Content: "hello there"},
	})
	res := Trim(ctx, Config{MaxInputTokens: 1000}, countWords)
	if res.Trimmed {
		t.Fatalf("expected no trim when under budget, got %+v", res)
	}
	if len(ctx.Messages) != 2 {
		t.Fatalf("expected messages unchanged, got %d", len(ctx.Messages))
	}
}

func TestTrimDropsOldestPreservingSystemAndFinalUser(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o", []pipeline.Message{
		{Role: pipeline.RoleSystem, Content: "one two three four five"},
		{Role: pipeline.RoleUser, Content: "old message number one here"},
		{Role: pipeline.RoleAssistant, Content: "old reply number one here"},
		{Role: pipeline.RoleUser, Content: "final user turn right now"},
	})
	res := Trim(ctx, Config{MaxInputTokens: 12}, countWords)
	if !res.Trimmed {
		t.Fatalf("expected trim to occur")
	}
	if ctx.Messages[0].Role != pipeline.RoleSystem {
		t.Fatalf("expected leading system message preserved, got %+v", ctx.Messages[0])
	}
	last := ctx.Messages[len(ctx.Messages)-1]
	if last.Content != "final user turn right now" {
		t.Fatalf("expected final user message preserved, got %+v", last)
	}
	saved, ok := ctx.GetMeta(pipeline.MetaContextSaved)
	if !ok || saved.(int) <= 0 {
		t.Fatalf("expected contextSaved to be recorded, got %v", saved)
	}
}

func TestTrimRespectsReserveAndOverhead(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o", []pipeline.Message{
		{Role: pipeline.RoleUser, Content: "a b c d e f g h"},
	})
	res := Trim(ctx, Config{MaxInputTokens: 10, ReserveForOutput: 5, ToolTokenOverhead: 4}, countWords)
	if !res.Trimmed {
		t.Fatalf("expected trim because reserve+overhead shrinks the usable budget below content size")
	}
}

func TestTrimNeverDropsSoleSystemAndUserMessages(t *testing.T) {
	ctx := pipeline.NewContext("gpt-4o", []pipeline.Message{
		{Role: pipeline.RoleSystem, Content: "system prompt with quite a lot of words in it indeed"},
		{Role: pipeline.RoleUser, Content: "final user turn with several words too"},
	})
	Trim(ctx, Config{MaxInputTokens: 1}, countWords)
	if len(ctx.Messages) != 2 {
		t.Fatalf("expected both pinned messages to survive even when over budget, got %d", len(ctx.Messages))
	}
}
