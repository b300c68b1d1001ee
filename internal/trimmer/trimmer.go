/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Drop oldest non-pinned messages until the remaining
             conversation fits the model's input budget, preserving
             leading system messages and the final user turn. Adapted
             from intelligence.go's message-budgeting helper, which
             does the same oldest-first drop but without the
             leading-system/final-user pinning this project requires.
Root Cause:  Core component #6 — Context Trimmer.
Suitability: L2 — a single bounded loop, no concurrency.
──────────────────────────────────────────────────────────────
*/

package trimmer

import "github.com/costshield/gateway/internal/pipeline"

// CountFunc counts tokens in a single message's content.
type CountFunc func(content string) int

// Result reports what the trim pass did.
type Result struct {
	Trimmed       bool
	EvictedTokens int
	KeptMessages  int
}

// Config tunes one trim pass.
type Config struct {
	MaxInputTokens    int
	ReserveForOutput  int
	ToolTokenOverhead int
}

// Trim fits ctx.Messages into config's budget by dropping messages
// from the oldest end, always preserving any leading system
// message(s) and the final user message. The number of tokens evicted
// is written to ctx.Meta[pipeline.MetaContextSaved].
func Trim(ctx *pipeline.PipelineContext, config Config, count CountFunc) Result {
	budget := config.MaxInputTokens - config.ReserveForOutput - config.ToolTokenOverhead
	tokens := make([]int, len(ctx.Messages))
	total := 0
	for i, m := range ctx.Messages {
		tokens[i] = count(m.Content)
		total += tokens[i]
	}
	if total <= budget {
		return Result{Trimmed: false, KeptMessages: len(ctx.Messages)}
	}

	leadingSystem := 0
	for leadingSystem < len(ctx.Messages) && ctx.Messages[leadingSystem].Role == pipeline.RoleSystem {
		leadingSystem++
	}
	finalUserIdx := -1
	for i := len(ctx.Messages) - 1; i >= 0; i-- {
		if ctx.Messages[i].Role == pipeline.RoleUser {
			finalUserIdx = i
			break
		}
	}

	pinned := make([]bool, len(ctx.Messages))
	for i := 0; i < leadingSystem; i++ {
		pinned[i] = true
	}
	if finalUserIdx >= 0 {
		pinned[finalUserIdx] = true
	}

	evicted := 0
	dropped := make([]bool, len(ctx.Messages))
	for i := 0; i < len(ctx.Messages) && total > budget; i++ {
		if pinned[i] || dropped[i] {
			continue
		}
		dropped[i] = true
		total -= tokens[i]
		evicted += tokens[i]
	}

	kept := make([]pipeline.Message, 0, len(ctx.Messages))
	for i, m := range ctx.Messages {
		if !dropped[i] {
			kept = append(kept, m)
		}
	}
	ctx.Messages = kept

	existing := ctx.Meta[pipeline.MetaContextSaved]
	if prev, ok := existing.(int); ok {
		evicted += prev
	}
	ctx.SetMeta(pipeline.MetaContextSaved, evicted)

	return Result{Trimmed: true, EvictedTokens: evicted, KeptMessages: len(kept)}
}

// Stage adapts Trim into a pipeline.Stage.
func Stage(config Config, count CountFunc) pipeline.Stage {
	return func(ctx *pipeline.PipelineContext) error {
		Trim(ctx, config, count)
		return nil
	}
}
