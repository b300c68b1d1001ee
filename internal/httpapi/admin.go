/*
[AI GENERATED - GOVERNANCE PROTOCOL]
──────────────────────────────────────────────────────────────
Model:       Claude Opus 4.6
Tier:        L2
Logic:       Admin/observability endpoints sitting alongside the
             chat-completions handler: cache stats/invalidate/clear,
             ledger summary/export, and health/readiness. Grounded on
             handler/cache.go's Stats/FlushAll REST shape and
             handler/analytics.go's summary-endpoint convention.
Root Cause:  Operational visibility into the cost pipeline.
Suitability: L2 — thin REST wrapping over already-tested engines.
──────────────────────────────────────────────────────────────
*/

package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
)

// CacheStats handles GET /v1/cache/stats.
func (g *Gateway) CacheStats(w http.ResponseWriter, r *http.Request) {
	if g.cacheEng == nil {
		writeError(w, http.StatusNotFound, "not_configured", "response cache is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, g.cacheEng.Stats())
}

// CacheClear handles DELETE /v1/cache.
func (g *Gateway) CacheClear(w http.ResponseWriter, r *http.Request) {
	if g.cacheEng == nil {
		writeError(w, http.StatusNotFound, "not_configured", "response cache is not enabled")
		return
	}
	g.cacheEng.Clear()
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}

// CacheInvalidate handles POST /v1/cache/invalidate with a
// {"prompt": "...", "model": "..."} body.
func (g *Gateway) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if g.cacheEng == nil {
		writeError(w, http.StatusNotFound, "not_configured", "response cache is not enabled")
		return
	}
	var body struct {
		Prompt string `json:"prompt"`
		Model  string `json:"model"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body: "+err.Error())
		return
	}
	g.cacheEng.Invalidate(r.Context(), body.Prompt, body.Model)
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidated": true})
}

// LedgerSummary handles GET /v1/usage/summary.
func (g *Gateway) LedgerSummary(w http.ResponseWriter, r *http.Request) {
	if g.ledgerBook == nil {
		writeError(w, http.StatusNotFound, "not_configured", "cost ledger is not enabled")
		return
	}
	writeJSON(w, http.StatusOK, g.ledgerBook.Summary())
}

// LedgerExportJSON handles GET /v1/usage/export.json.
func (g *Gateway) LedgerExportJSON(w http.ResponseWriter, r *http.Request) {
	if g.ledgerBook == nil {
		writeError(w, http.StatusNotFound, "not_configured", "cost ledger is not enabled")
		return
	}
	body, err := g.ledgerBook.ExportJSON(time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// LedgerExportCSV handles GET /v1/usage/export.csv.
func (g *Gateway) LedgerExportCSV(w http.ResponseWriter, r *http.Request) {
	if g.ledgerBook == nil {
		writeError(w, http.StatusNotFound, "not_configured", "cost ledger is not enabled")
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="usage.csv"`)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(g.ledgerBook.ExportCSV()))
}

// Healthz handles GET /healthz: liveness only, never depends on a
// collaborator's state.
func Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// Metrics handles GET /metrics via the wrapped Prometheus registry.
func (g *Gateway) Metrics() http.Handler {
	if g.metrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusNotFound, "not_configured", "metrics are not enabled")
		})
	}
	return g.metrics.Handler()
}
