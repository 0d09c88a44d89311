// CLAUDE:SUMMARY Spot-check auditing — replays sampled peer decisions through the classifier and classifies disagreements
package consensus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/tribune/internal/db"
)

// Classifier scores content the way the automated moderation path does.
type Classifier interface {
	Evaluate(ctx context.Context, content, domain string) (*Classification, error)
}

// Classification is an automated moderation verdict.
type Classification struct {
	Decision  string  `json:"decision"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning,omitempty"`
}

// Auditor runs classifier audits against sampled peer-consensus decisions.
type Auditor struct {
	db         *db.DB
	classifier Classifier
	logger     *slog.Logger
}

func NewAuditor(database *db.DB, classifier Classifier, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{db: database, classifier: classifier, logger: logger}
}

// RunSpotCheck audits one resolved submission. Re-running is a no-op once an
// audit row exists. Escalated results carry no peer decision to audit.
func (a *Auditor) RunSpotCheck(ctx context.Context, submissionID, submissionType string) (*db.SpotCheck, error) {
	if existing, err := a.db.GetSpotCheckForSubmission(submissionID, submissionType); err == nil {
		return existing, nil
	} else if err != db.ErrNotFound {
		return nil, fmt.Errorf("checking existing audit: %w", err)
	}

	consensus, err := a.db.GetConsensus(submissionID, submissionType)
	if err != nil {
		return nil, fmt.Errorf("loading consensus: %w", err)
	}
	peerDecision := ""
	switch consensus.Outcome {
	case "approved":
		peerDecision = "approve"
	case "rejected":
		peerDecision = "reject"
	default:
		return nil, nil
	}

	sub, err := a.db.GetSubmission(submissionID, submissionType)
	if err != nil {
		return nil, fmt.Errorf("loading submission: %w", err)
	}

	classification, err := a.classifier.Evaluate(ctx, sub.Content, sub.Domain)
	if err != nil {
		return nil, fmt.Errorf("classifying for audit: %w", err)
	}

	agrees, disagreement := compareDecisions(peerDecision, classification.Decision)
	check, err := a.db.CreateSpotCheck(db.CreateSpotCheckInput{
		SubmissionID:       submissionID,
		SubmissionType:     submissionType,
		PeerDecision:       peerDecision,
		PeerConfidence:     a.meanConfidence(submissionID, submissionType),
		ClassifierDecision: classification.Decision,
		ClassifierScore:    classification.Score,
		Agrees:             agrees,
		DisagreementType:   disagreement,
	})
	if err != nil {
		return nil, fmt.Errorf("recording spot check: %w", err)
	}

	if !agrees {
		a.logger.Warn("spot check disagreement",
			"submission_id", submissionID,
			"submission_type", submissionType,
			"peer", peerDecision,
			"classifier", classification.Decision,
			"type", disagreement)
	}
	return check, nil
}

// compareDecisions maps a peer/classifier pair onto the agreement matrix.
// Flags from the classifier against a peer rejection still count as agreement
// since both sides kept the content off the surface.
func compareDecisions(peer, classifier string) (agrees bool, disagreementType string) {
	switch {
	case peer == classifier:
		return true, ""
	case peer == "reject" && classifier == "flag":
		return true, ""
	case peer == "approve" && classifier == "reject":
		return false, "false_negative"
	case peer == "reject" && classifier == "approve":
		return false, "false_positive"
	case peer == "approve" && classifier == "flag":
		return false, "missed_flag"
	default:
		return false, "false_negative"
	}
}

func (a *Auditor) meanConfidence(submissionID, submissionType string) float64 {
	evals, err := a.db.ListEvaluationsForSubmission(submissionID, submissionType)
	if err != nil {
		return 0
	}
	sum, n := 0.0, 0
	for _, ev := range evals {
		if ev.Status == "completed" && ev.Confidence != nil {
			sum += *ev.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
