package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hazyhaar/tribune/internal/auth"
	"github.com/hazyhaar/tribune/internal/config"
	"github.com/hazyhaar/tribune/internal/consensus"
	"github.com/hazyhaar/tribune/internal/db"
	"github.com/hazyhaar/tribune/internal/economy"
)

type stubClassifier struct {
	decision string
	score    float64
}

func (s *stubClassifier) Evaluate(ctx context.Context, content, domain string) (*consensus.Classification, error) {
	return &consensus.Classification{Decision: s.decision, Score: s.score}, nil
}

type testServer struct {
	api      *API
	db       *db.DB
	auth     *auth.Auth
	assigner *consensus.Assigner
	server   *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.DefaultConfig()
	a := auth.New("test-secret", 60)
	api := New(database, a, cfg)
	api.SetRewarder(consensus.NewRewarder(database, int64(cfg.Economy.HardshipThreshold), slog.Default()))
	api.SetResolver(consensus.NewResolver(database, cfg.Consensus.SpotCheckPct, slog.Default()))
	api.SetClassifier(&stubClassifier{decision: "approve", score: 0.95})
	api.SetAdjuster(economy.NewAdjuster(database,
		cfg.Economy.RatioFloor, cfg.Economy.RatioCeiling, cfg.Economy.BreakerCeiling,
		nil, slog.Default()))

	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{
		api:  api,
		db:   database,
		auth: a,
		assigner: consensus.NewAssigner(database,
			time.Duration(cfg.Consensus.ReviewWindowHours)*time.Hour,
			cfg.Consensus.HighRiskDomains, slog.Default()),
		server: server,
	}
}

func (ts *testServer) request(t *testing.T, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var payload []byte
	if body != nil {
		payload, _ = json.Marshal(body)
	}
	req, err := http.NewRequest(method, ts.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func (ts *testServer) registerAgent(t *testing.T, handle string) (agentID, token string) {
	t.Helper()
	resp, body := ts.request(t, "POST", "/api/register", "", map[string]string{
		"handle": handle, "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: HTTP %d: %v", handle, resp.StatusCode, body)
	}
	agent := body["agent"].(map[string]interface{})
	return agent["id"].(string), body["token"].(string)
}

func (ts *testServer) seedCredits(t *testing.T, agentID string, amount int64) {
	t.Helper()
	if _, err := ts.db.Earn(context.Background(), agentID, amount,
		"grant", "", "", "seed:"+agentID, ""); err != nil {
		t.Fatalf("seeding credits: %v", err)
	}
}

func TestRegisterLoginRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	ts.registerAgent(t, "alice")

	resp, body := ts.request(t, "POST", "/api/login", "", map[string]string{
		"handle": "alice", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: HTTP %d: %v", resp.StatusCode, body)
	}
	if body["token"] == "" {
		t.Fatal("login returned no token")
	}

	resp, _ = ts.request(t, "POST", "/api/login", "", map[string]string{
		"handle": "alice", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: HTTP %d, want 401", resp.StatusCode)
	}
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)
	cases := []map[string]string{
		{"handle": "ab", "password": "correct-horse"},
		{"handle": "has spaces", "password": "correct-horse"},
		{"handle": "fine", "password": "short"},
	}
	for _, c := range cases {
		resp, _ := ts.request(t, "POST", "/api/register", "", c)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("register %v: HTTP %d, want 400", c, resp.StatusCode)
		}
	}

	ts.registerAgent(t, "taken")
	resp, _ := ts.request(t, "POST", "/api/register", "", map[string]string{
		"handle": "taken", "password": "correct-horse",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate handle: HTTP %d, want 409", resp.StatusCode)
	}
}

func TestNewAuthorFastPath(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.registerAgent(t, "rookie")

	resp, body := ts.request(t, "POST", "/api/submissions", token, map[string]interface{}{
		"submission_type": "problem",
		"domain":          "general",
		"content":         "streetlight out on 5th avenue",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: HTTP %d: %v", resp.StatusCode, body)
	}
	if body["route"] != "layer_b" {
		t.Fatalf("route = %v, want layer_b for a new author", body["route"])
	}
	if body["auto_decision"] != "approve" {
		t.Fatalf("auto_decision = %v, want approve from the classifier", body["auto_decision"])
	}
}

func TestPeerRouteEnqueuesAssignment(t *testing.T) {
	ts := newTestServer(t)
	agentID, token := ts.registerAgent(t, "veteran")
	if err := ts.db.SetTrustTier(agentID, "verified"); err != nil {
		t.Fatalf("setting tier: %v", err)
	}
	ts.seedCredits(t, agentID, 100)
	if err := ts.db.SetSetting(SettingRolloutPct, "100"); err != nil {
		t.Fatalf("setting rollout: %v", err)
	}

	resp, body := ts.request(t, "POST", "/api/submissions", token, map[string]interface{}{
		"submission_type": "problem",
		"content":         "pothole near the bridge",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: HTTP %d: %v", resp.StatusCode, body)
	}
	if body["route"] != "peer_consensus" {
		t.Fatalf("route = %v, want peer_consensus at 100%% rollout", body["route"])
	}

	// The author was charged for the submission.
	balance, _ := ts.db.AgentBalance(agentID)
	if balance != 100-consensus.SubmissionCost("problem", 1.0) {
		t.Fatalf("balance = %d after charge", balance)
	}

	// An assignment job is waiting on the queue.
	job, err := ts.db.ClaimNextJob(context.Background(), []string{"peer_assign"})
	if err != nil {
		t.Fatalf("claiming assignment job: %v", err)
	}
	if job == nil {
		t.Fatal("no peer_assign job enqueued")
	}
}

func TestRespondDrivesConsensus(t *testing.T) {
	ts := newTestServer(t)
	authorID, authorToken := ts.registerAgent(t, "author")
	if err := ts.db.SetTrustTier(authorID, "trusted"); err != nil {
		t.Fatalf("setting tier: %v", err)
	}
	ts.seedCredits(t, authorID, 100)
	if err := ts.db.SetSetting(SettingRolloutPct, "100"); err != nil {
		t.Fatalf("setting rollout: %v", err)
	}

	var tokens, agentIDs []string
	for i := 0; i < 2; i++ {
		vAgentID, vToken := ts.registerAgent(t, fmt.Sprintf("validator-%d", i))
		if err := ts.db.SetTrustTier(vAgentID, "verified"); err != nil {
			t.Fatalf("setting validator tier: %v", err)
		}
		if _, err := ts.db.EnrollValidator(vAgentID, "journeyman", nil, nil); err != nil {
			t.Fatalf("enrolling: %v", err)
		}
		tokens = append(tokens, vToken)
		agentIDs = append(agentIDs, vAgentID)
	}

	resp, body := ts.request(t, "POST", "/api/submissions", authorToken, map[string]interface{}{
		"submission_type": "debate",
		"content":         "the new zoning proposal helps affordability",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit: HTTP %d: %v", resp.StatusCode, body)
	}
	subID := body["id"].(string)

	// Run assignment the way the queue worker would.
	if err := ts.assigner.Assign(context.Background(), subID, "debate"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Each validator responds through the endpoint.
	var lastBody map[string]interface{}
	for _, token := range tokens {
		resp, evBody := ts.request(t, "GET", "/api/evaluations", token, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("listing evaluations: HTTP %d", resp.StatusCode)
		}
		slots := evBody["evaluations"].([]interface{})
		if len(slots) != 1 {
			t.Fatalf("validator has %d pending slots, want 1", len(slots))
		}
		evalID := slots[0].(map[string]interface{})["evaluation"].(map[string]interface{})["id"].(string)

		resp, lastBody = ts.request(t, "POST", "/api/evaluations/"+evalID+"/respond", token,
			map[string]interface{}{"verdict": "approve", "confidence": 0.9})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("respond: HTTP %d: %v", resp.StatusCode, lastBody)
		}
	}

	// Trusted author quorum is 2, so the second response resolves it.
	result, ok := lastBody["consensus"].(map[string]interface{})
	if !ok {
		t.Fatalf("final respond returned no consensus: %v", lastBody)
	}
	if result["outcome"] != "approved" || result["created_reason"] != "quorum_met" {
		t.Fatalf("consensus = %v", result)
	}

	// Double-submitting a verdict conflicts.
	evals, _ := ts.db.ListEvaluationsForSubmission(subID, "debate")
	var mine string
	for _, ev := range evals {
		if ev.AgentID == agentIDs[0] {
			mine = ev.ID
			break
		}
	}
	resp, _ = ts.request(t, "POST", "/api/evaluations/"+mine+"/respond", tokens[0],
		map[string]interface{}{"verdict": "reject", "confidence": 0.5})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double respond: HTTP %d, want 409", resp.StatusCode)
	}
}

func TestAdminRolloutRequiresOperator(t *testing.T) {
	ts := newTestServer(t)
	_, token := ts.registerAgent(t, "pleb")

	resp, _ := ts.request(t, "PUT", "/api/admin/rollout", token, map[string]int{"rollout_pct": 50})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("agent set rollout: HTTP %d, want 403", resp.StatusCode)
	}

	opID, _ := ts.registerAgent(t, "operator")
	if _, err := ts.db.Exec(`UPDATE agents SET role = 'operator' WHERE id = ?`, opID); err != nil {
		t.Fatalf("promoting operator: %v", err)
	}
	// Token carries the role, so mint a fresh one after promotion.
	opToken, err := ts.auth.GenerateToken(opID, "operator", "operator")
	if err != nil {
		t.Fatalf("minting token: %v", err)
	}

	resp, _ = ts.request(t, "PUT", "/api/admin/rollout", opToken, map[string]int{"rollout_pct": 50})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("operator set rollout: HTTP %d", resp.StatusCode)
	}
	stored, _ := ts.db.GetSettingInt(SettingRolloutPct, 0)
	if stored != 50 {
		t.Fatalf("stored rollout = %d, want 50", stored)
	}

	resp, _ = ts.request(t, "PUT", "/api/admin/rollout", opToken, map[string]int{"rollout_pct": 150})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("out-of-range rollout: HTTP %d, want 400", resp.StatusCode)
	}
}

func TestEvidenceRewardIdempotent(t *testing.T) {
	ts := newTestServer(t)
	agentID, token := ts.registerAgent(t, "scout")

	resp, body := ts.request(t, "POST", "/api/evidence", token, map[string]string{
		"evidence_id": "ev-123",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("evidence reward: HTTP %d: %v", resp.StatusCode, body)
	}

	resp, body = ts.request(t, "POST", "/api/evidence", token, map[string]string{
		"evidence_id": "ev-123",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate evidence: HTTP %d: %v", resp.StatusCode, body)
	}
	if body["duplicate"] != true {
		t.Fatalf("duplicate flag = %v", body["duplicate"])
	}

	balance, _ := ts.db.AgentBalance(agentID)
	if balance != consensus.EvidenceReward(1.0) {
		t.Fatalf("balance = %d, want a single evidence reward", balance)
	}
}

func TestEnrollRequiresTrustTier(t *testing.T) {
	ts := newTestServer(t)
	agentID, token := ts.registerAgent(t, "newbie")

	resp, _ := ts.request(t, "POST", "/api/validators", token, map[string]interface{}{})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("new agent enrolled: HTTP %d, want 403", resp.StatusCode)
	}

	if err := ts.db.SetTrustTier(agentID, "basic"); err != nil {
		t.Fatalf("setting tier: %v", err)
	}
	resp, body := ts.request(t, "POST", "/api/validators", token, map[string]interface{}{
		"domains": []string{"general"},
		"regions": []map[string]interface{}{{"name": "downtown", "lat": 40.7, "lng": -74.0}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enroll: HTTP %d: %v", resp.StatusCode, body)
	}
	if body["tier"] != "apprentice" {
		t.Fatalf("tier = %v, want apprentice", body["tier"])
	}

	resp, _ = ts.request(t, "POST", "/api/validators", token, map[string]interface{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double enroll: HTTP %d, want 409", resp.StatusCode)
	}
}

func TestLedgerEndpoint(t *testing.T) {
	ts := newTestServer(t)
	agentID, token := ts.registerAgent(t, "saver")
	ts.seedCredits(t, agentID, 42)

	resp, body := ts.request(t, "GET", "/api/me/ledger", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ledger: HTTP %d", resp.StatusCode)
	}
	if body["balance"] != float64(42) {
		t.Fatalf("balance = %v, want 42", body["balance"])
	}
	txs := body["transactions"].([]interface{})
	if len(txs) != 1 {
		t.Fatalf("got %d transactions, want 1", len(txs))
	}
	if strconv.FormatFloat(txs[0].(map[string]interface{})["amount"].(float64), 'f', -1, 64) != "42" {
		t.Fatalf("transaction amount = %v", txs[0])
	}
}
