package gateway

import (
	"net/http"
	"strings"

	"github.com/HanTheDev/perf-optimizer-gateway/internal/apierr"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/models"
	"github.com/HanTheDev/perf-optimizer-gateway/internal/optimize"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

type optimizeRequest struct {
	Action          string                `json:"action"`
	SessionID       string                `json:"session_id"`
	URL             string                `json:"url"`
	Strategy        string                `json:"strategy"`
	SessionType     string                `json:"session_type"`
	CurrentSettings map[string]any        `json:"current_settings"`
	AppliedSettings map[string]any        `json:"applied_settings"`
	FinalScores     *models.ScoreSnapshot `json:"final_scores"`
	Context         string                `json:"context"`
}

// Optimize dispatches one step of the optimization workflow.
func (h *Handler) Optimize(w http.ResponseWriter, r *http.Request) {
	var req optimizeRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	tenant := tenantFrom(r)
	var (
		res *optimize.Result
		err error
	)
	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case "start":
		res, err = h.sessions.Start(r.Context(), tenant, optimize.StartRequest{
			URL:             req.URL,
			Strategy:        req.Strategy,
			SessionType:     req.SessionType,
			CurrentSettings: req.CurrentSettings,
			Context:         req.Context,
		})
	case "retest":
		id, perr := parseSessionID(req.SessionID)
		if perr != nil {
			h.writeError(w, r, perr, nil)
			return
		}
		res, err = h.sessions.Retest(r.Context(), tenant, optimize.RetestRequest{
			SessionID:       id,
			AppliedSettings: req.AppliedSettings,
			Context:         req.Context,
		})
	case "complete":
		id, perr := parseSessionID(req.SessionID)
		if perr != nil {
			h.writeError(w, r, perr, nil)
			return
		}
		res, err = h.sessions.Complete(r.Context(), tenant, optimize.CompleteRequest{
			SessionID:       id,
			FinalScores:     req.FinalScores,
			AppliedSettings: req.AppliedSettings,
		})
	default:
		h.writeError(w, r, apierr.Validation("action must be one of start, retest, complete"), nil)
		return
	}

	if err != nil {
		var extra map[string]any
		if res != nil && res.Session != nil {
			extra = map[string]any{
				"session_id": res.Session.ID,
				"state":      res.Session.State,
			}
		}
		h.writeError(w, r, err, extra)
		return
	}

	h.respond(w, r, http.StatusOK, resultBody(res))
}

// GetSession returns a session owned by the calling tenant.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, err := parseSessionID(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	s, err := h.sessions.Get(r.Context(), tenantFrom(r), id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}

	body := sessionBody(s)
	if s.LatestScores != nil {
		body["deltas"] = optimize.ComputeDeltas(s.InitialScores, *s.LatestScores)
	}
	h.respond(w, r, http.StatusOK, body)
}

func parseSessionID(raw string) (uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return uuid.Nil, apierr.Validation("session_id is required")
	}
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apierr.Validation("session_id is not a valid id")
	}
	return id, nil
}

func sessionBody(s *models.Session) map[string]any {
	body := map[string]any{
		"success":      true,
		"session_id":   s.ID,
		"session_type": s.Type,
		"url":          s.URL,
		"strategy":     s.Strategy,
		"state":        s.State,
		"iterations":   s.Iterations,
		"tokens_used":  s.TokensUsed(),
		"cost_usd":     s.CostUSD,
		"started_at":   s.StartedAt,
		"updated_at":   s.UpdatedAt,
	}
	if s.InitialScores != nil {
		body["initial_scores"] = s.InitialScores
	}
	if s.LatestScores != nil {
		body["latest_scores"] = s.LatestScores
	}
	if s.FinalScores != nil {
		body["final_scores"] = s.FinalScores
	}
	if s.Recommendation != nil {
		body["recommendation"] = s.Recommendation
	}
	if len(s.AppliedSettings) > 0 {
		body["applied_settings"] = s.AppliedSettings
	}
	if s.Error != "" {
		body["session_error"] = s.Error
	}
	if s.CompletedAt != nil {
		body["completed_at"] = s.CompletedAt
	}
	return body
}

func resultBody(res *optimize.Result) map[string]any {
	body := sessionBody(res.Session)
	if res.Deltas != nil {
		body["deltas"] = res.Deltas
	}
	if res.Test != nil {
		body["result_id"] = res.Test.ID
		body["opportunities"] = res.Test.Opportunities
	}
	if res.Converged {
		body["converged"] = true
	}
	if res.Message != "" {
		body["message"] = res.Message
	}
	return body
}
