// CLAUDE:SUMMARY Validator endpoints — pool enrollment, pending queue, verdict submission with quorum check
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hazyhaar/tribune/internal/db"
)

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		Domains []string    `json:"domains"`
		Regions []db.Region `json:"regions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Regions) > 3 {
		jsonError(w, "at most 3 home regions", http.StatusBadRequest)
		return
	}

	agent, err := a.db.GetAgentByID(claims.AgentID)
	if err != nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	// New accounts have no track record to score yet.
	if agent.TrustTier == "new" {
		jsonError(w, "trust tier too low for the validator pool", http.StatusForbidden)
		return
	}

	v, err := a.db.EnrollValidator(agent.ID, "apprentice", req.Domains, req.Regions)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			jsonError(w, "already enrolled", http.StatusConflict)
			return
		}
		slog.Error("enrolling validator", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusCreated, v)
}

func (a *API) handleGetMyValidator(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	v, err := a.db.GetValidatorByAgent(claims.AgentID)
	if errors.Is(err, db.ErrNotInPool) {
		jsonError(w, "not enrolled", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"validator":      v,
		"primary_region": v.PrimaryRegion(),
	})
}

func (a *API) handleSetMyRegions(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	v, err := a.db.GetValidatorByAgent(claims.AgentID)
	if errors.Is(err, db.ErrNotInPool) {
		jsonError(w, "not enrolled", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	var req struct {
		Regions []db.Region `json:"regions"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Regions) > 3 {
		jsonError(w, "at most 3 home regions", http.StatusBadRequest)
		return
	}

	if err := a.db.SetValidatorRegions(v.ID, req.Regions); err != nil {
		slog.Error("updating validator regions", "validator_id", v.ID, "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	v.Regions = req.Regions
	jsonResp(w, http.StatusOK, v)
}

func (a *API) handleListMyEvaluations(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	v, err := a.db.GetValidatorByAgent(claims.AgentID)
	if errors.Is(err, db.ErrNotInPool) {
		jsonError(w, "not enrolled", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	pending, err := a.db.ListPendingForValidator(v.ID)
	if err != nil {
		slog.Error("listing pending evaluations", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	// Attach the content under review so validators need no second fetch.
	type slot struct {
		Evaluation *db.PeerEvaluation `json:"evaluation"`
		Submission *db.Submission     `json:"submission"`
	}
	slots := make([]slot, 0, len(pending))
	for _, ev := range pending {
		sub, err := a.db.GetSubmission(ev.SubmissionID, ev.SubmissionType)
		if err != nil {
			continue
		}
		slots = append(slots, slot{Evaluation: ev, Submission: sub})
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{"evaluations": slots})
}

var verdicts = map[string]bool{"approve": true, "reject": true, "flag": true}

func (a *API) handleRespond(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	evalID := r.PathValue("id")

	var req struct {
		Verdict    string  `json:"verdict"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !verdicts[req.Verdict] {
		jsonError(w, "verdict must be approve, reject or flag", http.StatusBadRequest)
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		jsonError(w, "confidence must be between 0 and 1", http.StatusBadRequest)
		return
	}

	ev, err := a.db.GetEvaluation(evalID)
	if errors.Is(err, db.ErrNotFound) {
		jsonError(w, "evaluation not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	if ev.AgentID != claims.AgentID {
		jsonError(w, "evaluation belongs to another validator", http.StatusForbidden)
		return
	}

	completed, err := a.db.CompleteEvaluation(evalID, req.Verdict, req.Confidence)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "evaluation not found", http.StatusNotFound)
			return
		}
		// Already completed or expired.
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}

	result, err := a.resolver.CheckQuorum(r.Context(), ev.SubmissionID, ev.SubmissionType)
	if err != nil {
		slog.Error("quorum check after respond", "evaluation_id", evalID, "error", err)
	}

	resp := map[string]interface{}{"evaluation": completed}
	if result != nil {
		resp["consensus"] = result
	}
	jsonResp(w, http.StatusOK, resp)
}
