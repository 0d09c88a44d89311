package consensus

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
)

func newTestDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func createAgent(t *testing.T, database *db.DB, handle, tier string, credits int64) *db.Agent {
	t.Helper()
	agent, err := database.CreateAgent(db.CreateAgentInput{
		Handle: handle, PasswordHash: "x", TrustTier: tier,
	})
	if err != nil {
		t.Fatalf("creating agent %s: %v", handle, err)
	}
	if credits > 0 {
		if _, err := database.Earn(context.Background(), agent.ID, credits,
			"grant", "", "", "seed:"+handle, ""); err != nil {
			t.Fatalf("seeding credits: %v", err)
		}
	}
	return agent
}

func enrollValidator(t *testing.T, database *db.DB, handle, tier string) *db.Validator {
	t.Helper()
	agent := createAgent(t, database, handle, "verified", 0)
	v, err := database.EnrollValidator(agent.ID, tier, nil, nil)
	if err != nil {
		t.Fatalf("enrolling %s: %v", handle, err)
	}
	return v
}

func createPeerSubmission(t *testing.T, database *db.DB, author *db.Agent) *db.Submission {
	t.Helper()
	sub, err := database.CreateSubmission(db.CreateSubmissionInput{
		SubmissionType: "problem",
		Domain:         "general",
		Content:        "is this claim accurate?",
		AuthorID:       author.ID,
		AuthorTier:     author.TrustTier,
	})
	if err != nil {
		t.Fatalf("creating submission: %v", err)
	}
	if err := database.SetRoute(sub.ID, sub.SubmissionType, "peer_consensus", "rollout_bucket"); err != nil {
		t.Fatalf("setting route: %v", err)
	}
	return sub
}

func TestQuorumForAuthorTiers(t *testing.T) {
	cases := map[string]int{
		"new": 3, "basic": 3, "verified": 3,
		"trusted": 2, "exemplary": 2,
	}
	for tier, want := range cases {
		if got := QuorumFor(tier); got != want {
			t.Errorf("QuorumFor(%s) = %d, want %d", tier, got, want)
		}
	}
}

func TestPreferredValidatorTier(t *testing.T) {
	highRisk := []string{"security", "finance", "medical"}
	if got := PreferredValidatorTier("security", highRisk); got != "master" {
		t.Fatalf("security domain got %s, want master", got)
	}
	if got := PreferredValidatorTier("cooking", highRisk); got != "journeyman" {
		t.Fatalf("cooking domain got %s, want journeyman", got)
	}
}

func TestMultiplierClamping(t *testing.T) {
	if got := ClampMultiplier(3.0); got != 2.0 {
		t.Fatalf("ClampMultiplier(3.0) = %v, want 2.0", got)
	}
	if got := ClampMultiplier(0.1); got != 0.5 {
		t.Fatalf("ClampMultiplier(0.1) = %v, want 0.5", got)
	}
	// Scaling never drops a reward to zero.
	if got := EvaluationReward("apprentice", 0.5); got < 1 {
		t.Fatalf("minimum reward = %d, want >= 1", got)
	}
}

func TestScaledAmountsRoundHalfUp(t *testing.T) {
	// mission base 3 at 1.25x is 3.75 and must not truncate to 3.
	if got := SubmissionCost("mission", 1.25); got != 4 {
		t.Fatalf("mission cost at 1.25x = %d, want 4", got)
	}
	if got := SubmissionCost("problem", 1.2); got != 2 {
		t.Fatalf("problem cost at 1.2x = %d, want 2", got)
	}
	if got := EvaluationReward("journeyman", 1.1); got != 6 {
		t.Fatalf("journeyman reward at 1.1x = %d, want 6", got)
	}
}

func TestAssignFillsQuorumAndIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "verified", 100)
	for _, h := range []string{"val-a", "val-b", "val-c", "val-d"} {
		enrollValidator(t, database, h, "journeyman")
	}
	sub := createPeerSubmission(t, database, author)

	assigner := NewAssigner(database, 48*time.Hour, nil, slog.Default())
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("first assign: %v", err)
	}

	evals, err := database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("listing evaluations: %v", err)
	}
	if len(evals) != 3 {
		t.Fatalf("got %d slots, want 3 for a verified author", len(evals))
	}

	// Quorum is pinned on the submission at assignment time.
	reloaded, _ := database.GetSubmission(sub.ID, sub.SubmissionType)
	if reloaded.QuorumRequired == nil || *reloaded.QuorumRequired != 3 {
		t.Fatalf("quorum_required = %v, want 3", reloaded.QuorumRequired)
	}

	// Second run adds nothing.
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("second assign: %v", err)
	}
	evals, _ = database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	if len(evals) != 3 {
		t.Fatalf("re-assign created slots: got %d, want 3", len(evals))
	}
}

func TestAssignExcludesAuthorAndReportsShortage(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "verified", 100)
	// The author is in the pool but must never review their own submission.
	if _, err := database.EnrollValidator(author.ID, "journeyman", nil, nil); err != nil {
		t.Fatalf("enrolling author: %v", err)
	}
	enrollValidator(t, database, "val-a", "journeyman")
	sub := createPeerSubmission(t, database, author)

	assigner := NewAssigner(database, 48*time.Hour, nil, slog.Default())
	err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType)
	if !errors.Is(err, ErrNoValidators) {
		t.Fatalf("got %v, want ErrNoValidators", err)
	}

	evals, _ := database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	for _, ev := range evals {
		if ev.AgentID == author.ID {
			t.Fatal("author was assigned to their own submission")
		}
	}
}

func TestAssignSkipsValidatorsOverQuota(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "verified", 100)
	exhausted := enrollValidator(t, database, "val-tired", "journeyman")
	for i := 0; i < DailyQuota("journeyman"); i++ {
		if err := database.IncrementDailyCount(exhausted.ID); err != nil {
			t.Fatalf("bumping quota: %v", err)
		}
	}
	enrollValidator(t, database, "val-a", "journeyman")
	enrollValidator(t, database, "val-b", "journeyman")
	enrollValidator(t, database, "val-c", "journeyman")
	sub := createPeerSubmission(t, database, author)

	assigner := NewAssigner(database, 48*time.Hour, nil, slog.Default())
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("assign: %v", err)
	}
	evals, _ := database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	for _, ev := range evals {
		if ev.ValidatorID == exhausted.ID {
			t.Fatal("over-quota validator was assigned")
		}
	}
}

func TestCheckQuorumMajorityApproves(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "verified", 100)
	enrollValidator(t, database, "val-a", "journeyman")
	enrollValidator(t, database, "val-b", "journeyman")
	enrollValidator(t, database, "val-c", "journeyman")
	sub := createPeerSubmission(t, database, author)

	assigner := NewAssigner(database, 48*time.Hour, nil, slog.Default())
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("assign: %v", err)
	}
	evals, _ := database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)

	resolver := NewResolver(database, 0, slog.Default())

	// Two of three verdicts in: still waiting.
	for i, verdict := range []string{"approve", "reject"} {
		if _, err := database.CompleteEvaluation(evals[i].ID, verdict, 0.9); err != nil {
			t.Fatalf("completing evaluation: %v", err)
		}
	}
	result, err := resolver.CheckQuorum(context.Background(), sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("early quorum check: %v", err)
	}
	if result != nil {
		t.Fatalf("quorum resolved early with result %+v", result)
	}

	if _, err := database.CompleteEvaluation(evals[2].ID, "approve", 0.8); err != nil {
		t.Fatalf("completing final evaluation: %v", err)
	}
	result, err = resolver.CheckQuorum(context.Background(), sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("quorum check: %v", err)
	}
	if result == nil || result.Outcome != "approved" {
		t.Fatalf("result = %+v, want approved", result)
	}
	if result.CreatedReason != "quorum_met" {
		t.Fatalf("created_reason = %s, want quorum_met", result.CreatedReason)
	}

	// A second check returns the same row rather than writing another.
	again, err := resolver.CheckQuorum(context.Background(), sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("repeat quorum check: %v", err)
	}
	if again.ID != result.ID {
		t.Fatalf("second check wrote a new result: %s vs %s", again.ID, result.ID)
	}
}

func TestSweepEscalatesWhenAllSlotsExpire(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "verified", 100)
	enrollValidator(t, database, "val-a", "journeyman")
	enrollValidator(t, database, "val-b", "journeyman")
	enrollValidator(t, database, "val-c", "journeyman")
	sub := createPeerSubmission(t, database, author)

	assigner := NewAssigner(database, time.Minute, nil, slog.Default())
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("assign: %v", err)
	}

	resolver := NewResolver(database, 0, slog.Default())
	resolved, err := resolver.Sweep(context.Background(), time.Now().UTC().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("sweep resolved %d submissions, want 1", resolved)
	}

	result, err := database.GetConsensus(sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("loading consensus: %v", err)
	}
	if result.Outcome != "escalated" || result.CreatedReason != "timeout_escalation" {
		t.Fatalf("result = %s/%s, want escalated/timeout_escalation", result.Outcome, result.CreatedReason)
	}
}

func TestSweepEscalatesWhenQuorumUnreachable(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "verified", 100)
	vals := []*db.Validator{
		enrollValidator(t, database, "val-a", "journeyman"),
		enrollValidator(t, database, "val-b", "journeyman"),
		enrollValidator(t, database, "val-c", "journeyman"),
	}
	sub := createPeerSubmission(t, database, author)
	if err := database.SetQuorumRequired(sub.ID, sub.SubmissionType, 3); err != nil {
		t.Fatalf("pinning quorum: %v", err)
	}

	// A retried assignment left one slot expiring well before the others.
	now := time.Now().UTC()
	deadlines := []time.Time{now.Add(-time.Hour), now.Add(48 * time.Hour), now.Add(48 * time.Hour)}
	for i, v := range vals {
		if _, err := database.CreateEvaluation(sub.ID, sub.SubmissionType, v.ID, v.AgentID, deadlines[i]); err != nil {
			t.Fatalf("creating slot %d: %v", i, err)
		}
	}

	// Once the first slot expires, at most 2 verdicts can still arrive and
	// the quorum of 3 is out of reach; waiting for the rest is pointless.
	resolver := NewResolver(database, 0, slog.Default())
	resolved, err := resolver.Sweep(context.Background(), now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if resolved != 1 {
		t.Fatalf("sweep resolved %d submissions, want 1", resolved)
	}
	result, err := database.GetConsensus(sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("loading consensus: %v", err)
	}
	if result.Outcome != "escalated" || result.CreatedReason != "timeout_escalation" {
		t.Fatalf("result = %s/%s, want escalated/timeout_escalation", result.Outcome, result.CreatedReason)
	}
}

func TestAssignPrefersNearbyValidators(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "trusted", 100)
	regions := map[string]db.Region{
		"val-near": {Name: "berlin", Lat: 52.52, Lng: 13.40},
		"val-mid":  {Name: "paris", Lat: 48.85, Lng: 2.35},
		"val-far":  {Name: "sydney", Lat: -33.87, Lng: 151.21},
	}
	ids := map[string]string{}
	for handle, region := range regions {
		agent := createAgent(t, database, handle, "verified", 0)
		v, err := database.EnrollValidator(agent.ID, "journeyman", nil, []db.Region{region})
		if err != nil {
			t.Fatalf("enrolling %s: %v", handle, err)
		}
		ids[handle] = v.ID
	}

	lat, lng := 50.11, 8.68 // Frankfurt
	sub, err := database.CreateSubmission(db.CreateSubmissionInput{
		SubmissionType: "problem",
		Domain:         "general",
		Content:        "is this claim accurate?",
		AuthorID:       author.ID,
		AuthorTier:     author.TrustTier,
		Lat:            &lat,
		Lng:            &lng,
	})
	if err != nil {
		t.Fatalf("creating submission: %v", err)
	}
	if err := database.SetRoute(sub.ID, sub.SubmissionType, "peer_consensus", "rollout_bucket"); err != nil {
		t.Fatalf("setting route: %v", err)
	}

	// Trusted author, quorum 2: the two European validators fill it and the
	// Sydney validator is left out.
	assigner := NewAssigner(database, 48*time.Hour, nil, slog.Default())
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("assign: %v", err)
	}
	evals, err := database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("listing evaluations: %v", err)
	}
	if len(evals) != 2 {
		t.Fatalf("got %d slots, want 2", len(evals))
	}
	assigned := map[string]bool{}
	for _, ev := range evals {
		assigned[ev.ValidatorID] = true
	}
	if assigned[ids["val-far"]] {
		t.Fatal("distant validator assigned over nearby candidates")
	}
	if !assigned[ids["val-near"]] || !assigned[ids["val-mid"]] {
		t.Fatalf("assigned = %v, want the two nearest validators", assigned)
	}
}

func TestDistributeRewardsOnceOnly(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "trusted", 100)
	enrollValidator(t, database, "val-a", "journeyman")
	enrollValidator(t, database, "val-b", "journeyman")
	sub := createPeerSubmission(t, database, author)

	assigner := NewAssigner(database, 48*time.Hour, nil, slog.Default())
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("assign: %v", err)
	}
	evals, _ := database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	for _, ev := range evals {
		if _, err := database.CompleteEvaluation(ev.ID, "approve", 0.9); err != nil {
			t.Fatalf("completing: %v", err)
		}
	}

	rewarder := NewRewarder(database, 10, slog.Default())
	paid, err := rewarder.DistributeRewards(context.Background(), sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("first distribution: %v", err)
	}
	if paid != 2 {
		t.Fatalf("paid %d evaluations, want 2", paid)
	}

	evals, _ = database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	balances := map[string]int64{}
	for _, ev := range evals {
		if ev.RewardTxID == nil {
			t.Fatalf("evaluation %s has no reward tx", ev.ID)
		}
		b, _ := database.AgentBalance(ev.AgentID)
		balances[ev.AgentID] = b
		if b != EvaluationReward("journeyman", 1.0) {
			t.Fatalf("balance = %d, want %d", b, EvaluationReward("journeyman", 1.0))
		}
	}

	// Re-running pays nothing and changes no balances.
	paid, err = rewarder.DistributeRewards(context.Background(), sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("second distribution: %v", err)
	}
	if paid != 0 {
		t.Fatalf("second run paid %d evaluations", paid)
	}
	for agentID, want := range balances {
		got, _ := database.AgentBalance(agentID)
		if got != want {
			t.Fatalf("balance drifted on re-run: %d vs %d", got, want)
		}
	}
}

func TestChargeSubmissionHardshipAndFlag(t *testing.T) {
	database := newTestDB(t)
	rich := createAgent(t, database, "rich", "verified", 100)
	poor := createAgent(t, database, "poor", "verified", 5)
	rewarder := NewRewarder(database, 10, slog.Default())
	ctx := context.Background()

	result, err := rewarder.ChargeSubmission(ctx, rich.ID, "content-1", "problem")
	if err != nil {
		t.Fatalf("charging rich agent: %v", err)
	}
	if result == nil {
		t.Fatal("rich agent was not charged")
	}
	balance, _ := database.AgentBalance(rich.ID)
	if balance != 100-SubmissionCost("problem", 1.0) {
		t.Fatalf("balance = %d after charge", balance)
	}

	// Same content ID charges nothing the second time.
	dup, err := rewarder.ChargeSubmission(ctx, rich.ID, "content-1", "problem")
	if err != nil {
		t.Fatalf("duplicate charge: %v", err)
	}
	if !dup.Duplicate {
		t.Fatal("duplicate charge wrote a new ledger row")
	}

	// Below the hardship threshold the submission is free, with no row.
	result, err = rewarder.ChargeSubmission(ctx, poor.ID, "content-2", "problem")
	if err != nil {
		t.Fatalf("charging hardship agent: %v", err)
	}
	if result != nil {
		t.Fatal("hardship agent was charged")
	}
	txs, _ := database.ListTransactions(poor.ID, 10)
	for _, tx := range txs {
		if tx.TxType == "submission_cost" {
			t.Fatal("hardship agent has a cost ledger row")
		}
	}

	// Exactly at the threshold is not hardship: the agent pays.
	edge := createAgent(t, database, "edge", "verified", 10)
	result, err = rewarder.ChargeSubmission(ctx, edge.ID, "content-edge", "problem")
	if err != nil {
		t.Fatalf("charging at-threshold agent: %v", err)
	}
	if result == nil {
		t.Fatal("at-threshold agent was not charged")
	}
	if balance, _ := database.AgentBalance(edge.ID); balance != 10-SubmissionCost("problem", 1.0) {
		t.Fatalf("at-threshold balance = %d after charge", balance)
	}

	// Disabled flag skips everyone.
	if err := database.SetFlag(FlagSubmissionCosts, false); err != nil {
		t.Fatalf("setting flag: %v", err)
	}
	result, err = rewarder.ChargeSubmission(ctx, rich.ID, "content-3", "problem")
	if err != nil {
		t.Fatalf("charging with flag off: %v", err)
	}
	if result != nil {
		t.Fatal("flag-off charge wrote a ledger row")
	}
}

type stubClassifier struct {
	decision string
	score    float64
	calls    int
}

func (s *stubClassifier) Evaluate(ctx context.Context, content, domain string) (*Classification, error) {
	s.calls++
	return &Classification{Decision: s.decision, Score: s.score}, nil
}

func TestSpotCheckAgreementMatrix(t *testing.T) {
	cases := []struct {
		peer, classifier string
		agrees           bool
		disagreement     string
	}{
		{"approve", "approve", true, ""},
		{"reject", "reject", true, ""},
		{"reject", "flag", true, ""},
		{"approve", "reject", false, "false_negative"},
		{"reject", "approve", false, "false_positive"},
		{"approve", "flag", false, "missed_flag"},
	}
	for _, tc := range cases {
		agrees, disagreement := compareDecisions(tc.peer, tc.classifier)
		if agrees != tc.agrees || disagreement != tc.disagreement {
			t.Errorf("compareDecisions(%s, %s) = (%v, %q), want (%v, %q)",
				tc.peer, tc.classifier, agrees, disagreement, tc.agrees, tc.disagreement)
		}
	}
}

func TestRunSpotCheckIdempotent(t *testing.T) {
	database := newTestDB(t)
	author := createAgent(t, database, "author", "trusted", 100)
	enrollValidator(t, database, "val-a", "journeyman")
	enrollValidator(t, database, "val-b", "journeyman")
	sub := createPeerSubmission(t, database, author)

	assigner := NewAssigner(database, 48*time.Hour, nil, slog.Default())
	if err := assigner.Assign(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("assign: %v", err)
	}
	evals, _ := database.ListEvaluationsForSubmission(sub.ID, sub.SubmissionType)
	for _, ev := range evals {
		if _, err := database.CompleteEvaluation(ev.ID, "approve", 0.9); err != nil {
			t.Fatalf("completing: %v", err)
		}
	}
	resolver := NewResolver(database, 0, slog.Default())
	if _, err := resolver.CheckQuorum(context.Background(), sub.ID, sub.SubmissionType); err != nil {
		t.Fatalf("quorum: %v", err)
	}

	stub := &stubClassifier{decision: "reject", score: 0.2}
	auditor := NewAuditor(database, stub, slog.Default())

	check, err := auditor.RunSpotCheck(context.Background(), sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("spot check: %v", err)
	}
	if check.Agrees {
		t.Fatal("approve vs reject recorded as agreement")
	}
	if check.DisagreementType == nil || *check.DisagreementType != "false_negative" {
		t.Fatalf("disagreement_type = %v, want false_negative", check.DisagreementType)
	}

	// Second run returns the existing row without calling the classifier.
	again, err := auditor.RunSpotCheck(context.Background(), sub.ID, sub.SubmissionType)
	if err != nil {
		t.Fatalf("repeat spot check: %v", err)
	}
	if again.ID != check.ID {
		t.Fatalf("second audit wrote a new row")
	}
	if stub.calls != 1 {
		t.Fatalf("classifier called %d times, want 1", stub.calls)
	}
}
