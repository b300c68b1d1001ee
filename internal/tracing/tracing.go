/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       OpenTelemetry tracing for the pipeline runner: one span
             per stage, parented under one span per pipeline run.
             Wraps internal/pipeline.Hooks rather than touching the
             runner itself, the same before/after/onError seam the
             gateway's observability package uses to stay decoupled
             from stage implementations.
Root Cause:  Ambient observability stack — distributed tracing.
Suitability: L2 — thin SDK wiring.
──────────────────────────────────────────────────────────────
*/

package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/costshield/gateway/internal/pipeline"
)

const tracerName = "github.com/costshield/gateway/internal/pipeline"

// NewProvider builds an SDK trace provider. Callers own its lifecycle
// (Shutdown on process exit); passing no SpanProcessor leaves spans
// generated but not exported, which is a valid "tracing disabled but
// wired" configuration.
func NewProvider(opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(opts...)
}

// stageSpans tracks the currently open span per in-flight stage name,
// keyed by ctx pointer since the runner calls hooks without threading
// a context.Context through Stage itself.
type stageSpans struct {
	mu    sync.Mutex
	spans map[*pipeline.PipelineContext]map[string]trace.Span
	root  map[*pipeline.PipelineContext]trace.Span
	rootCtx map[*pipeline.PipelineContext]context.Context
}

// Hooks builds pipeline.Hooks that open one root span per pipeline run
// (first BeforeStage call) and one child span per stage. OnError, which
// the runner fires before AfterStage, records the error on the stage
// span; AfterStage closes it.
func Hooks(ctx context.Context) (pipeline.Hooks, func()) {
	tracer := otel.GetTracerProvider().Tracer(tracerName)
	state := &stageSpans{
		spans:   make(map[*pipeline.PipelineContext]map[string]trace.Span),
		root:    make(map[*pipeline.PipelineContext]trace.Span),
		rootCtx: make(map[*pipeline.PipelineContext]context.Context),
	}

	before := func(name string, pc *pipeline.PipelineContext) {
		state.mu.Lock()
		defer state.mu.Unlock()

		parentCtx, ok := state.rootCtx[pc]
		if !ok {
			rootCtx, rootSpan := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
				attribute.String("model", pc.ModelID),
			))
			state.root[pc] = rootSpan
			state.rootCtx[pc] = rootCtx
			parentCtx = rootCtx
			state.spans[pc] = make(map[string]trace.Span)
		}

		_, span := tracer.Start(parentCtx, "stage."+name)
		state.spans[pc][name] = span
	}

	after := func(name string, pc *pipeline.PipelineContext, elapsed time.Duration) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if span, ok := state.spans[pc][name]; ok {
			span.SetAttributes(attribute.Float64("elapsedMs", float64(elapsed.Microseconds())/1000))
			span.End()
			delete(state.spans[pc], name)
		}
		if pc.Aborted {
			finishRootLocked(state, pc)
		}
	}

	onError := func(name string, err error, pc *pipeline.PipelineContext) {
		state.mu.Lock()
		defer state.mu.Unlock()
		if span, ok := state.spans[pc][name]; ok {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	cleanup := func() {
		state.mu.Lock()
		defer state.mu.Unlock()
		for pc := range state.root {
			finishRootLocked(state, pc)
		}
	}

	return pipeline.Hooks{BeforeStage: before, AfterStage: after, OnError: onError}, cleanup
}

func finishRootLocked(state *stageSpans, pc *pipeline.PipelineContext) {
	if root, ok := state.root[pc]; ok {
		root.End()
		delete(state.root, pc)
		delete(state.rootCtx, pc)
		delete(state.spans, pc)
	}
}
