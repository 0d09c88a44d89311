// CLAUDE:SUMMARY Core API struct and shared HTTP surface — auth, route registration, JSON helpers
package api

import (
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hazyhaar/tribune/internal/auth"
	"github.com/hazyhaar/tribune/internal/config"
	"github.com/hazyhaar/tribune/internal/consensus"
	"github.com/hazyhaar/tribune/internal/db"
	"github.com/hazyhaar/tribune/internal/economy"
	"log/slog"
)

// handleRe validates handle format: ASCII alphanumeric, underscore, hyphen only.
var handleRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// maxBodySize is the maximum HTTP body size for submission endpoints.
const maxBodySize = 200 * 1024 // 200KB

// SubmitRateLimiter is the rate limiter for POST /api/submissions (30 req/60s).
var SubmitRateLimiter = NewRateLimiter(30, 60*time.Second)

type API struct {
	db         *db.DB
	auth       *auth.Auth
	rewarder   *consensus.Rewarder
	resolver   *consensus.Resolver
	classifier consensus.Classifier
	adjuster   *economy.Adjuster
	cfg        *config.Config
}

func New(database *db.DB, a *auth.Auth, cfg *config.Config) *API {
	return &API{db: database, auth: a, cfg: cfg}
}

// SetRewarder sets the credit settlement component.
func (a *API) SetRewarder(r *consensus.Rewarder) { a.rewarder = r }

// SetResolver sets the quorum resolver used by the respond endpoint.
func (a *API) SetResolver(r *consensus.Resolver) { a.resolver = r }

// SetClassifier sets the fast-path moderation classifier.
func (a *API) SetClassifier(c consensus.Classifier) { a.classifier = c }

// SetAdjuster sets the rate adjuster for the breaker-clear endpoint.
func (a *API) SetAdjuster(adj *economy.Adjuster) { a.adjuster = adj }

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Auth
	mux.HandleFunc("POST /api/register", a.handleRegister)
	mux.HandleFunc("POST /api/login", a.handleLogin)

	// Submissions
	mux.HandleFunc("POST /api/submissions", RateLimitMiddleware(SubmitRateLimiter, a.handleCreateSubmission))
	mux.HandleFunc("GET /api/submissions/{type}/{id}", a.handleGetSubmission)
	mux.HandleFunc("POST /api/evidence", a.handleSubmitEvidence)

	// Validator pool
	mux.HandleFunc("POST /api/validators", a.handleEnroll)
	mux.HandleFunc("GET /api/validators/me", a.handleGetMyValidator)
	mux.HandleFunc("PUT /api/validators/me/regions", a.handleSetMyRegions)
	mux.HandleFunc("GET /api/evaluations", a.handleListMyEvaluations)
	mux.HandleFunc("POST /api/evaluations/{id}/respond", a.handleRespond)

	// Profile
	mux.HandleFunc("GET /api/me", a.handleGetMe)
	mux.HandleFunc("GET /api/me/ledger", a.handleGetMyLedger)
	mux.HandleFunc("GET /api/me/submissions", a.handleListMySubmissions)

	// Operator surface
	a.RegisterAdminRoutes(mux)
}

// --- Auth ---

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Handle == "" || req.Password == "" {
		jsonError(w, "handle and password are required", http.StatusBadRequest)
		return
	}
	if len(req.Handle) < 3 || len(req.Handle) > 30 {
		jsonError(w, "handle must be 3-30 characters", http.StatusBadRequest)
		return
	}
	if !handleRe.MatchString(req.Handle) {
		jsonError(w, "handle must contain only ASCII letters, digits, underscore or hyphen", http.StatusBadRequest)
		return
	}
	if len(req.Password) < 8 {
		jsonError(w, "password must be at least 8 characters", http.StatusBadRequest)
		return
	}

	hash, err := a.auth.HashPassword(req.Password)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	agent, err := a.db.CreateAgent(db.CreateAgentInput{
		Handle:       req.Handle,
		PasswordHash: hash,
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			jsonError(w, "handle already taken", http.StatusConflict)
			return
		}
		slog.Error("creating agent", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	token, err := a.auth.GenerateToken(agent.ID, agent.Handle, agent.Role)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	jsonResp(w, http.StatusCreated, map[string]interface{}{
		"agent": agent,
		"token": token,
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Handle   string `json:"handle"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agent, passwordHash, err := a.db.GetAgentByHandle(req.Handle)
	if err != nil {
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	if !a.auth.CheckPassword(passwordHash, req.Password) {
		jsonError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := a.auth.GenerateToken(agent.ID, agent.Handle, agent.Role)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}

	_ = a.db.TouchLastSeen(agent.ID)

	jsonResp(w, http.StatusOK, map[string]interface{}{
		"agent": agent,
		"token": token,
	})
}

// --- Profile ---

func (a *API) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	agent, err := a.db.GetAgentByID(claims.AgentID)
	if err != nil {
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	}
	jsonResp(w, http.StatusOK, agent)
}

func (a *API) handleGetMyLedger(w http.ResponseWriter, r *http.Request) {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return
	}
	txs, err := a.db.ListTransactions(claims.AgentID, 100)
	if err != nil {
		slog.Error("listing transactions", "error", err)
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	balance, err := a.db.AgentBalance(claims.AgentID)
	if err != nil {
		jsonError(w, "internal error", http.StatusInternalServerError)
		return
	}
	jsonResp(w, http.StatusOK, map[string]interface{}{
		"balance":      balance,
		"transactions": txs,
	})
}

// requireRole returns the claims when the caller holds one of the roles,
// writing the error response otherwise.
func (a *API) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) *auth.Claims {
	claims := a.auth.ExtractClaims(r)
	if claims == nil {
		jsonError(w, "authentication required", http.StatusUnauthorized)
		return nil
	}
	for _, role := range roles {
		if claims.Role == role {
			return claims
		}
	}
	jsonError(w, "insufficient privileges", http.StatusForbidden)
	return nil
}

// --- Helpers ---

func jsonResp(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
