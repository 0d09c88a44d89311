// CLAUDE:SUMMARY Consensus policy tables — tier quotas, quorum sizes, reward and cost schedules with multiplier clamping
package consensus

import "math"

// Validator tier daily quotas. A validator at or over quota is skipped during
// assignment until the next UTC day reset.
var tierQuotas = map[string]int{
	"apprentice":  10,
	"journeyman":  20,
	"master":      40,
	"grandmaster": 60,
}

// DailyQuota returns the evaluation quota for a validator tier. Unknown tiers
// get the apprentice quota.
func DailyQuota(tier string) int {
	if q, ok := tierQuotas[tier]; ok {
		return q
	}
	return tierQuotas["apprentice"]
}

// QuorumFor returns the number of matching verdicts required for consensus.
// Established authors get a smaller quorum.
func QuorumFor(authorTier string) int {
	switch authorTier {
	case "trusted", "exemplary":
		return 2
	default:
		return 3
	}
}

// PreferredValidatorTier picks the validator tier to draw reviewers from.
// High-risk domains get master-tier review.
func PreferredValidatorTier(domain string, highRiskDomains []string) string {
	for _, d := range highRiskDomains {
		if d == domain {
			return "master"
		}
	}
	return "journeyman"
}

// fallbackTiers is the order tried when the preferred tier has no capacity.
var fallbackTiers = []string{"grandmaster", "master", "journeyman", "apprentice"}

// TierCandidates returns the preferred tier followed by fallbacks.
func TierCandidates(preferred string) []string {
	tiers := []string{preferred}
	for _, t := range fallbackTiers {
		if t != preferred {
			tiers = append(tiers, t)
		}
	}
	return tiers
}

// Base reward in credits for a completed evaluation, per validator tier.
var tierRewards = map[string]int64{
	"apprentice":  3,
	"journeyman":  5,
	"master":      8,
	"grandmaster": 12,
}

// EvaluationReward returns the credit reward for a completed evaluation after
// applying the economy's reward multiplier.
func EvaluationReward(tier string, multiplier float64) int64 {
	base, ok := tierRewards[tier]
	if !ok {
		base = tierRewards["apprentice"]
	}
	return applyMultiplier(base, multiplier)
}

// Base submission costs in credits, per submission type.
var submissionCosts = map[string]int64{
	"problem":  2,
	"solution": 1,
	"debate":   1,
	"mission":  3,
}

// SubmissionCost returns the credit cost of a submission after applying the
// economy's cost multiplier.
func SubmissionCost(submissionType string, multiplier float64) int64 {
	base, ok := submissionCosts[submissionType]
	if !ok {
		base = 1
	}
	return applyMultiplier(base, multiplier)
}

// EvidenceReward is the flat credit reward for accepted supporting evidence,
// scaled by the reward multiplier.
func EvidenceReward(multiplier float64) int64 {
	return applyMultiplier(4, multiplier)
}

// ClampMultiplier bounds an economy multiplier to its legal range.
func ClampMultiplier(m float64) float64 {
	if m < 0.5 {
		return 0.5
	}
	if m > 2.0 {
		return 2.0
	}
	return m
}

func applyMultiplier(base int64, multiplier float64) int64 {
	scaled := int64(math.Round(float64(base) * ClampMultiplier(multiplier)))
	if scaled < 1 {
		scaled = 1
	}
	return scaled
}
