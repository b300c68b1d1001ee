package pipeline

import (
	"errors"
	"testing"
	"time"
)

func TestRunnerExecutesInDeclaredOrder(t *testing.T) {
	var order []string
	r := New(Hooks{})
	r.Add("a", func(ctx *PipelineContext) error { order = append(order, "a"); return nil })
	r.Add("b", func(ctx *PipelineContext) error { order = append(order, "b"); return nil })
	r.Add("c", func(ctx *PipelineContext) error { order = append(order, "c"); return nil })

	ctx := NewContext("gpt-4o", nil)
	r.Run(ctx)

	want := []string{"a", "b", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRunnerStopsAfterAbort(t *testing.T) {
	var ran []string
	r := New(Hooks{})
	r.Add("first", func(ctx *PipelineContext) error {
		ran = append(ran, "first")
		ctx.Abort("cache-hit")
		return nil
	})
	r.Add("second", func(ctx *PipelineContext) error {
		ran = append(ran, "second")
		return nil
	})

	ctx := NewContext("gpt-4o", nil)
	r.Run(ctx)

	if len(ran) != 1 || ran[0] != "first" {
		t.Fatalf("ran = %v, want only [first]", ran)
	}
	if !ctx.Aborted || ctx.AbortReason != "cache-hit" {
		t.Fatalf("ctx = %+v, want aborted with cache-hit", ctx)
	}
}

func TestRunnerStageErrorAbortsWithReason(t *testing.T) {
	r := New(Hooks{})
	r.Add("guard", func(ctx *PipelineContext) error {
		return errors.New("rate limited")
	})
	var ranAfterError bool
	r.Add("cache", func(ctx *PipelineContext) error {
		ranAfterError = true
		return nil
	})

	ctx := NewContext("gpt-4o", nil)
	r.Run(ctx)

	if !ctx.Aborted {
		t.Fatal("expected context to be aborted")
	}
	if ctx.AbortReason != "guard: rate limited" {
		t.Fatalf("AbortReason = %q, want %q", ctx.AbortReason, "guard: rate limited")
	}
	if ranAfterError {
		t.Fatal("stage after a failing stage must not run")
	}
}

func TestHookFailuresNeverPropagate(t *testing.T) {
	hooks := Hooks{
		BeforeStage: func(name string, ctx *PipelineContext) { panic("boom") },
		AfterStage:  func(name string, ctx *PipelineContext, elapsed time.Duration) { panic("boom") },
		OnError:     func(name string, err error, ctx *PipelineContext) { panic("boom") },
	}
	r := New(hooks)
	r.Add("failing", func(ctx *PipelineContext) error { return errors.New("boom") })

	ctx := NewContext("gpt-4o", nil)
	r.Run(ctx) // must not panic

	if !ctx.Aborted {
		t.Fatal("expected abort despite hook panics")
	}
}

func TestStagePanicIsAbortNotCrash(t *testing.T) {
	r := New(Hooks{})
	r.Add("panics", func(ctx *PipelineContext) error {
		panic("unexpected nil pointer")
	})

	ctx := NewContext("gpt-4o", nil)
	r.Run(ctx) // must not panic

	if !ctx.Aborted {
		t.Fatal("expected abort after a panicking stage")
	}
}

func TestAddRemoveListChainable(t *testing.T) {
	r := New(Hooks{})
	r.Add("breaker", func(ctx *PipelineContext) error { return nil }).
		Add("guard", func(ctx *PipelineContext) error { return nil }).
		Add("cache", func(ctx *PipelineContext) error { return nil })

	r.Remove("guard")
	r.Remove("does-not-exist") // no-op

	got := r.List()
	want := []string{"breaker", "cache"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("List() = %v, want %v", got, want)
	}
}

func TestNewContextExtractsLastUserText(t *testing.T) {
	ctx := NewContext("gpt-4o", []Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "second"},
	})
	if ctx.LastUserText != "second" {
		t.Fatalf("LastUserText = %q, want %q", ctx.LastUserText, "second")
	}
}
