// CLAUDE:SUMMARY Validator assignment — quorum sizing, tiered candidate selection with quota and region-proximity preference, idempotent top-up on retry
package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/hazyhaar/tribune/internal/db"
)

// ErrNoValidators signals that the pool could not fill the quorum. The job
// queue retries with backoff; persistent shortage dead-letters the job for
// operator attention.
var ErrNoValidators = errors.New("not enough eligible validators")

// Assigner fills review slots for peer-consensus submissions.
type Assigner struct {
	db              *db.DB
	reviewWindow    time.Duration
	highRiskDomains []string
	logger          *slog.Logger
}

func NewAssigner(database *db.DB, reviewWindow time.Duration, highRiskDomains []string, logger *slog.Logger) *Assigner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assigner{
		db:              database,
		reviewWindow:    reviewWindow,
		highRiskDomains: highRiskDomains,
		logger:          logger,
	}
}

// Assign creates pending evaluations for a submission until the quorum is
// covered. Safe to re-run: existing slots count toward the quorum and
// duplicate candidates are skipped, so a retry only tops up what is missing.
func (a *Assigner) Assign(ctx context.Context, submissionID, submissionType string) error {
	sub, err := a.db.GetSubmission(submissionID, submissionType)
	if err != nil {
		return fmt.Errorf("loading submission: %w", err)
	}
	if sub.Route == nil || *sub.Route != "peer_consensus" {
		return fmt.Errorf("submission %s is not routed to peer consensus", submissionID)
	}

	quorum := QuorumFor(sub.AuthorTier)
	if sub.QuorumRequired == nil {
		if err := a.db.SetQuorumRequired(submissionID, submissionType, quorum); err != nil {
			return fmt.Errorf("pinning quorum: %w", err)
		}
	} else {
		quorum = *sub.QuorumRequired
	}

	existing, err := a.db.ListEvaluationsForSubmission(submissionID, submissionType)
	if err != nil {
		return fmt.Errorf("listing existing slots: %w", err)
	}
	open := 0
	for _, ev := range existing {
		if ev.Status == "pending" || ev.Status == "completed" {
			open++
		}
	}
	if open >= quorum {
		return nil
	}
	needed := quorum - open

	expiresAt := time.Now().UTC().Add(a.reviewWindow)
	preferred := PreferredValidatorTier(sub.Domain, a.highRiskDomains)
	assigned := 0

	for _, tier := range TierCandidates(preferred) {
		if assigned >= needed {
			break
		}
		candidates, err := a.db.EligibleValidators(tier, sub.AuthorID)
		if err != nil {
			return fmt.Errorf("listing %s candidates: %w", tier, err)
		}
		if sub.Lat != nil && sub.Lng != nil {
			sortByProximity(candidates, *sub.Lat, *sub.Lng)
		}
		for _, v := range candidates {
			if assigned >= needed {
				break
			}
			if v.EvaluationsToday >= DailyQuota(v.Tier) {
				continue
			}
			_, err := a.db.CreateEvaluation(submissionID, submissionType, v.ID, v.AgentID, expiresAt)
			if errors.Is(err, db.ErrDuplicateAssignment) {
				continue
			}
			if err != nil {
				return fmt.Errorf("creating evaluation slot: %w", err)
			}
			if err := a.db.IncrementDailyCount(v.ID); err != nil {
				a.logger.Warn("quota increment failed", "validator_id", v.ID, "error", err)
			}
			assigned++
		}
	}

	if open+assigned < quorum {
		a.logger.Warn("validator shortage",
			"submission_id", submissionID,
			"submission_type", submissionType,
			"assigned", open+assigned,
			"quorum", quorum)
		return ErrNoValidators
	}

	a.logger.Info("validators assigned",
		"submission_id", submissionID,
		"submission_type", submissionType,
		"new_slots", assigned,
		"quorum", quorum)
	return nil
}

// sortByProximity orders candidates by the distance from their nearest home
// region to the submission's location. Validators with no regions sort last;
// ties keep the eligibility order (response rate, then f1).
func sortByProximity(candidates []*db.Validator, lat, lng float64) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return nearestRegionKm(candidates[i], lat, lng) < nearestRegionKm(candidates[j], lat, lng)
	})
}

func nearestRegionKm(v *db.Validator, lat, lng float64) float64 {
	best := math.MaxFloat64
	for _, reg := range v.Regions {
		if d := haversineKm(lat, lng, reg.Lat, reg.Lng); d < best {
			best = d
		}
	}
	return best
}

const earthRadiusKm = 6371.0

func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}
