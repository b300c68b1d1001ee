/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L3
Logic:       POST /v1/chat/completions: decode, build a
             pipeline.PipelineContext, run the pipeline, serve a cache
             hit directly or call the provider on a miss, then settle
             every collaborator (ledger, user budget, breaker spend,
             cache store, guard completion) regardless of which exit
             path was taken. Grounded on handler/proxy.go's decode/
             validate/dispatch shape, restructured around the pipeline
             instead of proxying straight through.
Root Cause:  Core product endpoint, now cost-shielded.
Context:     Streaming requests are rejected with a 400 telling the
             caller to use the non-streaming endpoint: a cache/ledger
             entry needs a complete response body, which a stream does
             not hand over until the client has already consumed it.
Suitability: L3 — every exit path (blocked, cache hit, provider error,
             success) must settle the same bookkeeping invariants.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/costshield/gateway/internal/pipeline"
	"github.com/costshield/gateway/provider"
)

type chatRequest struct {
	Model    string             `json:"model"`
	Messages []chatMessageInput `json:"messages"`
	Stream   bool               `json:"stream,omitempty"`
	Feature  string             `json:"feature,omitempty"`
}

type chatMessageInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Pinned marks an immutable tool-definition/tool-schema message so
	// the prefix optimizer places it in the stable prefix alongside
	// system messages, per spec. Omit for ordinary turns, including
	// tool results from the current exchange.
	Pinned bool `json:"pinned,omitempty"`
}

type chatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []provider.Choice      `json:"choices"`
	Usage   provider.Usage         `json:"usage"`
	Shield  shieldMeta             `json:"shield"`
}

// shieldMeta surfaces the per-request savings the pipeline produced,
// the cost-facing complement to the response body the caller asked for.
type shieldMeta struct {
	CacheHit        bool    `json:"cacheHit"`
	OriginalModel   string  `json:"originalModel,omitempty"`
	ActualModel     string  `json:"actualModel"`
	TierRouted      bool    `json:"tierRouted"`
	ContextTrimmed  int     `json:"contextTokensSaved,omitempty"`
	PrefixSaved     float64 `json:"prefixEstimatedSavings,omitempty"`
	ActualCost      float64 `json:"actualCost"`
	TotalSaved      float64 `json:"totalSaved"`
}

// ChatCompletions handles POST /v1/chat/completions.
func (g *Gateway) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	if req.Model == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "model field is required")
		return
	}
	if len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "messages field must not be empty")
		return
	}
	if req.Stream {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming is not supported on the cost-shielded endpoint; call without stream:true")
		return
	}

	messages := make([]pipeline.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = pipeline.Message{Role: m.Role, Content: m.Content, Pinned: m.Pinned}
	}

	pc := pipeline.NewContext(req.Model, messages)
	pc.SetMeta(pipeline.MetaUserID, userIDFromContext(r.Context()))
	pc.Params = map[string]interface{}{requestContextParamKey: r.Context()}

	g.runner.Run(pc)

	if hit, ok := pc.GetMeta(pipeline.MetaCacheHit); ok {
		info := hit.(pipeline.CacheHitInfo)
		g.settleCacheHit(pc, info, req.Feature)
		writeJSON(w, http.StatusOK, g.cacheHitResponse(pc, info))
		return
	}

	if pc.Aborted {
		g.handleAborted(w, pc, start, req.Feature)
		return
	}

	g.callProviderAndSettle(w, r.Context(), pc, &req, start)
}

func (g *Gateway) handleAborted(w http.ResponseWriter, pc *pipeline.PipelineContext, start time.Time, feature string) {
	g.releaseUserBudgetReservation(pc)
	if g.metrics != nil {
		g.metrics.TrackRequest(pc.ModelID, "blocked", float64(time.Since(start).Milliseconds()), 0, 0, 0)
	}
	writeError(w, http.StatusTooManyRequests, "blocked", pc.AbortReason)
}

func (g *Gateway) cacheHitResponse(pc *pipeline.PipelineContext, info pipeline.CacheHitInfo) chatCompletionResponse {
	return chatCompletionResponse{
		Model: info.Model,
		Choices: []provider.Choice{{
			Index:        0,
			Message:      provider.ChatMessage{Role: pipeline.RoleAssistant, Content: info.Response},
			FinishReason: "stop",
		}},
		Usage: provider.Usage{
			PromptTokens:     info.InputTokens,
			CompletionTokens: info.OutputTokens,
			TotalTokens:      info.InputTokens + info.OutputTokens,
		},
		Shield: shieldMeta{
			CacheHit:      true,
			OriginalModel: pc.String(pipeline.MetaOriginalModel),
			ActualModel:   info.Model,
			TierRouted:    pc.Bool(pipeline.MetaTierRouted),
		},
	}
}

func (g *Gateway) settleCacheHit(pc *pipeline.PipelineContext, info pipeline.CacheHitInfo, feature string) {
	g.releaseUserBudgetReservation(pc)
	if g.ledgerBook != nil {
		g.ledgerBook.RecordCacheHit(info.Model, info.InputTokens, info.OutputTokens)
	}
	if g.metrics != nil {
		g.metrics.TrackCacheHit(info.MatchType)
	}
}

func (g *Gateway) callProviderAndSettle(w http.ResponseWriter, reqCtx context.Context, pc *pipeline.PipelineContext, req *chatRequest, start time.Time) {
	prov, err := g.providers.GetForModel(pc.ModelID)
	if err != nil {
		g.releaseUserBudgetReservation(pc)
		writeError(w, http.StatusBadRequest, "provider_not_found", err.Error())
		return
	}

	providerReq := &provider.ChatRequest{Model: pc.ModelID}
	for _, m := range pc.Messages {
		providerReq.Messages = append(providerReq.Messages, provider.ChatMessage{Role: m.Role, Content: m.Content})
	}

	resp, err := prov.ChatCompletion(reqCtx, providerReq)
	if err != nil {
		g.releaseUserBudgetReservation(pc)
		if g.metrics != nil {
			g.metrics.TrackRequest(pc.ModelID, "provider_error", float64(time.Since(start).Milliseconds()), 0, 0, 0)
		}
		writeError(w, http.StatusBadGateway, "provider_error", "upstream provider error: "+err.Error())
		return
	}

	entry := g.settleSuccess(pc, resp, req.Feature, time.Since(start))
	writeJSON(w, http.StatusOK, g.successResponse(pc, resp, entry))
}

func (g *Gateway) successResponse(pc *pipeline.PipelineContext, resp *provider.ChatResponse, entry settledEntry) chatCompletionResponse {
	prefixSaved, _ := pc.GetMeta(pipeline.MetaPrefixSaved)
	savings, _ := prefixSaved.(float64)
	contextSaved, _ := pc.GetMeta(pipeline.MetaContextSaved)
	trimmedTokens, _ := contextSaved.(int)

	return chatCompletionResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Choices: resp.Choices,
		Usage:   resp.Usage,
		Shield: shieldMeta{
			OriginalModel:  pc.String(pipeline.MetaOriginalModel),
			ActualModel:    pc.ModelID,
			TierRouted:     pc.Bool(pipeline.MetaTierRouted),
			ContextTrimmed: trimmedTokens,
			PrefixSaved:    savings,
			ActualCost:     entry.ActualCost,
			TotalSaved:     entry.TotalSaved,
		},
	}
}
