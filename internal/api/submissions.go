// CLAUDE:SUMMARY Submission intake — cost settlement, route decision, classifier fast path or peer-assignment enqueue
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/tribune/internal/consensus"
	"github.com/hazyhaar/tribune/internal/db"
	"github.com/hazyhaar/tribune/internal/route"
)

// SettingRolloutPct is the operator-mutable rollout percentage read on every
// routing call.
const SettingRolloutPct = "rollout_pct"

// FlagForcePeer sends everything except new-author content to peer consensus.
const FlagForcePeer = "force_peer_review"

var submissionTypes = map[string]bool{
	"problem": true, "solution": true, "debate": true, "mission": true,
}

func (a *API) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req struct {
		SubmissionType string   `json:"submission_type"`
		Domain         string   `json:"domain"`
		Content        string   `json:"content"`
		Lat            *float64 `json:"lat"`
		Lng            *float64 `json:"lng"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "too large") {
			jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !submissionTypes[req.SubmissionType] {
		jsonError(w, "submission_type must be problem, solution, debate or mission", http.StatusBadRequest)
		return
	}
	if req.Content == "" {
		jsonError(w, "content is required", http.StatusBadRequest)
		return
	}

	agent, err := a.db.GetAgentByID(claims.AgentID)
	if err != nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}

	// Charge before inserting. The idempotency key is the content ID, so a
	// failed insert after a successful charge settles on retry.
	contentID := db.NewID()
	if _, err := a.rewarder.ChargeSubmission(r.Context(), agent.ID, contentID, req.SubmissionType); err != nil {
		if errors.Is(err, db.ErrInsufficientBalance) {
			jsonError(w, "insufficient credits", http.StatusPaymentRequired)
			return
		}
		slog.Error("charging submission", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	sub, err := a.db.CreateSubmission(db.CreateSubmissionInput{
		ID:             contentID,
		SubmissionType: req.SubmissionType,
		Domain:         req.Domain,
		Content:        req.Content,
		AuthorID:       agent.ID,
		AuthorTier:     agent.TrustTier,
		Lat:            req.Lat,
		Lng:            req.Lng,
	})
	if err != nil {
		slog.Error("creating submission", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	rolloutPct, err := a.db.GetSettingInt(SettingRolloutPct, a.cfg.Consensus.DefaultRolloutPct)
	if err != nil {
		slog.Error("reading rollout setting", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	forcePeer, err := a.db.GetFlag(FlagForcePeer, false)
	if err != nil {
		slog.Error("reading force-peer flag", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	decision := route.Pick(sub.ID, sub.AuthorTier, rolloutPct, forcePeer)
	if err := a.db.SetRoute(sub.ID, sub.SubmissionType, decision.Route, decision.Reason); err != nil {
		slog.Error("recording route", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	switch decision.Route {
	case route.RouteLayerB:
		a.classifyFastPath(r, sub)
	case route.RoutePeerConsensus:
		payload, _ := json.Marshal(consensus.FollowUpPayload{
			SubmissionID:   sub.ID,
			SubmissionType: sub.SubmissionType,
		})
		key := "assign:" + sub.ID + ":" + sub.SubmissionType
		if _, _, err := a.db.EnqueueJob(r.Context(), "peer_assign", string(payload), key, time.Now().UTC(), 5); err != nil {
			slog.Error("enqueueing assignment", "submission_id", sub.ID, "error", err)
			jsonError(w, "internal error", http.StatusInternalServerError)
			return
		}
	}

	sub, err = a.db.GetSubmission(sub.ID, sub.SubmissionType)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusCreated, sub)
}

// classifyFastPath runs the classifier inline and stores the verdict on the
// submission. Classifier trouble leaves the fields null; the submission is
// already durable and an operator can re-route it.
func (a *API) classifyFastPath(r *http.Request, sub *db.Submission) {
	if a.classifier == nil {
		slog.Warn("no classifier configured for fast path", "submission_id", sub.ID)
		return
	}
	result, err := a.classifier.Evaluate(r.Context(), sub.Content, sub.Domain)
	if err != nil {
		slog.Warn("fast-path classification failed", "submission_id", sub.ID, "error", err)
		return
	}
	if err := a.db.SetAutoResult(sub.ID, sub.SubmissionType, result.Decision, result.Score); err != nil {
		slog.Error("recording fast-path verdict", "submission_id", sub.ID, "error", err)
	}
}

func (a *API) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	submissionType := r.PathValue("type")
	id := r.PathValue("id")

	sub, err := a.db.GetSubmission(id, submissionType)
	if err != nil {
		jsonError(w, "submission not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{"submission": sub}
	if result, err := a.db.GetConsensus(id, submissionType); err == nil {
		resp["consensus"] = result
	}
	if evals, err := a.db.ListEvaluationsForSubmission(id, submissionType); err == nil && len(evals) > 0 {
		resp["evaluations"] = evals
	}
	jsonResp(w, http.StatusOK, resp)
}

func (a *API) handleListMySubmissions(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	subs, err := a.db.ListSubmissionsByAuthor(claims.AgentID, 50)
	if err != nil {
		slog.Error("listing submissions", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{"submissions": subs})
}

func (a *API) handleSubmitEvidence(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}

	var req struct {
		EvidenceID string `json:"evidence_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.EvidenceID == "" {
		jsonError(w, "evidence_id is required", http.StatusBadRequest)
		return
	}

	result, err := a.rewarder.RewardEvidence(r.Context(), claims.AgentID, req.EvidenceID)
	if err != nil {
		slog.Error("rewarding evidence", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	jsonResp(w, status, result)
}
