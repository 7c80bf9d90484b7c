package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/ai"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/auth"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/cache"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/pagespeed"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const headerCacheStatus = "X-Cache-Status"

type testRequest struct {
	URL      string `json:"url"`
	Strategy string `json:"strategy"`
	UseCache bool   `json:"use_cache"`
}

// PerformanceTest runs a single metered test. With use_cache set, a live
// cached result for the same page and strategy is served without spending
// test quota.
func (h *Handler) PerformanceTest(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	tenant := tenantFrom(r)
	target := strings.TrimSpace(req.URL)
	if target == "" {
		h.writeError(w, r, apierr.Validation("url is required"), nil)
		return
	}
	if !auth.URLBelongsToSite(target, tenant.SiteURL) {
		h.writeError(w, r, apierr.Authorization("url does not belong to the licensed site"), nil)
		return
	}
	strategy := pagespeed.ParseStrategy(req.Strategy)

	if req.UseCache {
		cached, err := h.results.Latest(r.Context(), tenant.ID, target, string(strategy))
		switch {
		case err == nil:
			w.Header().Set(headerCacheStatus, "HIT")
			h.respond(w, r, http.StatusOK, testBody(cached, true))
			return
		case !errors.Is(err, cache.ErrMiss):
			h.log.WithError(err).WithField("tenant_id", tenant.ID).Warn("result cache lookup failed")
		}
	}

	if err := h.quota.CheckPerformanceTests(r.Context(), tenant); err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	res, err := h.sessions.Test(r.Context(), tenant, target, strategy)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	if err := h.results.Put(r.Context(), tenant.ID, res); err != nil {
		h.log.WithError(err).WithField("result_id", res.ID).Warn("result not cached")
	}

	w.Header().Set(headerCacheStatus, "MISS")
	h.respond(w, r, http.StatusOK, testBody(res, false))
}

// PerformanceResult returns a cached test result by id.
func (h *Handler) PerformanceResult(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, apierr.Validation("result id is not a valid id"), nil)
		return
	}

	res, err := h.results.Get(r.Context(), tenantFrom(r).ID, id)
	if errors.Is(err, cache.ErrMiss) {
		h.writeError(w, r, apierr.NotFound("result not found or expired"), nil)
		return
	}
	if err != nil {
		h.writeError(w, r, apierr.Internal(err), nil)
		return
	}
	h.respond(w, r, http.StatusOK, testBody(res, true))
}

type analyzeRequest struct {
	URL             string                `json:"url"`
	Strategy        string                `json:"strategy"`
	ResultID        string                `json:"result_id"`
	Scores          *models.ScoreSnapshot `json:"scores"`
	Opportunities   []models.Audit        `json:"opportunities"`
	Diagnostics     []models.Audit        `json:"diagnostics"`
	CurrentSettings map[string]any        `json:"current_settings"`
	Context         string                `json:"context"`
}

// Analyze runs a single metered AI analysis, either of a cached test
// result or of scores supplied by the caller.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	tenant := tenantFrom(r)
	in := ai.Request{
		URL:             strings.TrimSpace(req.URL),
		Strategy:        string(pagespeed.ParseStrategy(req.Strategy)),
		Opportunities:   req.Opportunities,
		Diagnostics:     req.Diagnostics,
		CurrentSettings: req.CurrentSettings,
		Context:         req.Context,
	}

	switch {
	case req.ResultID != "":
		id, err := uuid.Parse(req.ResultID)
		if err != nil {
			h.writeError(w, r, apierr.Validation("result_id is not a valid id"), nil)
			return
		}
		res, err := h.results.Get(r.Context(), tenant.ID, id)
		if errors.Is(err, cache.ErrMiss) {
			h.writeError(w, r, apierr.NotFound("result not found or expired"), nil)
			return
		}
		if err != nil {
			h.writeError(w, r, apierr.Internal(err), nil)
			return
		}
		in.URL = res.URL
		in.Strategy = res.Strategy
		in.Scores = res.Scores
		in.Opportunities = res.Opportunities
		in.Diagnostics = res.Diagnostics
	case req.Scores != nil:
		in.Scores = *req.Scores
	default:
		h.writeError(w, r, apierr.Validation("scores or result_id is required"), nil)
		return
	}

	if in.URL != "" && !auth.URLBelongsToSite(in.URL, tenant.SiteURL) {
		h.writeError(w, r, apierr.Authorization("url does not belong to the licensed site"), nil)
		return
	}

	analysis, err := h.sessions.Analyze(r.Context(), tenant, in)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	_, structured := analysis.Result.(ai.Structured)
	h.respond(w, r, http.StatusOK, map[string]any{
		"success":        true,
		"recommendation": analysis.Result.Recommendation(),
		"structured":     structured,
		"model":          analysis.Model,
		"input_tokens":   analysis.InputTokens,
		"output_tokens":  analysis.OutputTokens,
		"tokens_used":    analysis.TokensUsed(),
		"cost_usd":       analysis.CostUSD,
	})
}

func testBody(res *models.TestResult, cached bool) map[string]any {
	return map[string]any{
		"success":       true,
		"cached":        cached,
		"result_id":     res.ID,
		"url":           res.URL,
		"strategy":      res.Strategy,
		"scores":        res.Scores,
		"opportunities": res.Opportunities,
		"diagnostics":   res.Diagnostics,
		"fetched_at":    res.FetchedAt,
	}
}
