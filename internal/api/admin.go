// CLAUDE:SUMMARY Operator surface — rollout and flag settings, pool administration, economy reads, dead-letter queue, breaker clear
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
)

func (a *API) RegisterAdminRoutes(mux *http.ServeMux) {
	// Routing controls
	mux.HandleFunc("GET /api/admin/rollout", a.handleGetRollout)
	mux.HandleFunc("PUT /api/admin/rollout", a.handleSetRollout)
	mux.HandleFunc("GET /api/admin/flags", a.handleListFlags)
	mux.HandleFunc("PUT /api/admin/flags/{name}", a.handleSetFlag)

	// Pool administration
	mux.HandleFunc("PUT /api/admin/validators/{id}/tier", a.handleSetValidatorTier)
	mux.HandleFunc("PUT /api/admin/validators/{id}/suspended", a.handleSetValidatorSuspended)
	mux.HandleFunc("PUT /api/admin/agents/{id}/trust", a.handleSetTrustTier)

	// Economy and audit reads
	mux.HandleFunc("GET /api/admin/economy", a.handleGetEconomy)
	mux.HandleFunc("GET /api/admin/spot-checks", a.handleListSpotChecks)
	mux.HandleFunc("POST /api/admin/breaker/clear", a.handleClearBreaker)

	// Dead-letter queue
	mux.HandleFunc("GET /api/admin/jobs/dead", a.handleListDeadJobs)
	mux.HandleFunc("POST /api/admin/jobs/{id}/retry", a.handleRetryDeadJob)
}

func (a *API) handleGetRollout(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	pct, err := a.db.GetSettingInt(SettingRolloutPct, a.cfg.Consensus.DefaultRolloutPct)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]int{"rollout_pct": pct})
}

func (a *API) handleSetRollout(w http.ResponseWriter, r *http.Request) {
	claims := a.requireRole(w, r, "operator", "admin")
	if claims == nil {
		return
	}
	var req struct {
		RolloutPct int `json:"rollout_pct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.RolloutPct < 0 || req.RolloutPct > 100 {
		jsonError(w, "rollout_pct must be 0-100", http.StatusBadRequest)
		return
	}
	if err := a.db.SetSetting(SettingRolloutPct, strconv.Itoa(req.RolloutPct)); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("rollout updated", "pct", req.RolloutPct, "by", claims.Handle)
	jsonResp(w, http.StatusOK, map[string]int{"rollout_pct": req.RolloutPct})
}

func (a *API) handleListFlags(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	flags, err := a.db.ListFlags()
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, flags)
}

func (a *API) handleSetFlag(w http.ResponseWriter, r *http.Request) {
	claims := a.requireRole(w, r, "operator", "admin")
	if claims == nil {
		return
	}
	name := r.PathValue("name")
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.db.SetFlag(name, req.Enabled); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("flag updated", "name", name, "enabled", req.Enabled, "by", claims.Handle)
	jsonResp(w, http.StatusOK, map[string]interface{}{"name": name, "enabled": req.Enabled})
}

var validatorTiers = map[string]bool{
	"apprentice": true, "journeyman": true, "master": true, "grandmaster": true,
}

func (a *API) handleSetValidatorTier(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	var req struct {
		Tier string `json:"tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !validatorTiers[req.Tier] {
		jsonError(w, "tier must be apprentice, journeyman, master or grandmaster", http.StatusBadRequest)
		return
	}
	if err := a.db.SetValidatorTier(r.PathValue("id"), req.Tier); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "validator not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]string{"tier": req.Tier})
}

func (a *API) handleSetValidatorSuspended(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	var req struct {
		Suspended bool `json:"suspended"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.db.SetValidatorSuspended(r.PathValue("id"), req.Suspended); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "validator not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]bool{"suspended": req.Suspended})
}

var trustTiers = map[string]bool{
	"new": true, "basic": true, "verified": true, "trusted": true, "exemplary": true,
}

func (a *API) handleSetTrustTier(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	var req struct {
		TrustTier string `json:"trust_tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !trustTiers[req.TrustTier] {
		jsonError(w, "trust_tier must be new, basic, verified, trusted or exemplary", http.StatusBadRequest)
		return
	}
	if err := a.db.SetTrustTier(r.PathValue("id"), req.TrustTier); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			jsonError(w, "agent not found", http.StatusNotFound)
			return
		}
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]string{"trust_tier": req.TrustTier})
}

func (a *API) handleGetEconomy(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	latest, err := a.db.LatestSnapshot()
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	history, err := a.db.ListSnapshots(24)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	breaker, err := a.db.GetFlag("circuit_breaker", false)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"latest":          latest,
		"history":         history,
		"circuit_breaker": breaker,
	})
}

func (a *API) handleListSpotChecks(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	disagreedOnly := r.URL.Query().Get("disagreed") == "true"
	checks, err := a.db.ListSpotChecks(100, disagreedOnly)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	rate, err := a.db.SpotCheckAgreementRate(time.Now().AddDate(0, 0, -30))
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"spot_checks":    checks,
		"agreement_rate": rate,
	})
}

func (a *API) handleClearBreaker(w http.ResponseWriter, r *http.Request) {
	claims := a.requireRole(w, r, "operator", "admin")
	if claims == nil {
		return
	}
	if err := a.adjuster.ClearBreaker(r.Context()); err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	slog.Info("circuit breaker cleared", "by", claims.Handle)
	jsonResp(w, http.StatusOK, map[string]bool{"circuit_breaker": false})
}

func (a *API) handleListDeadJobs(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	jobs, err := a.db.ListDeadJobs(r.Context(), 100)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (a *API) handleRetryDeadJob(w http.ResponseWriter, r *http.Request) {
	if a.requireRole(w, r, "operator", "admin") == nil {
		return
	}
	if err := a.db.RetryDeadJob(r.Context(), r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	jsonResp(w, http.StatusOK, map[string]string{"status": "pending"})
}
