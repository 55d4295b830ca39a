package gateengine

import (
	"strings"

	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/projection"
)

// EvaluateCodeReview follows EvaluatePlanApproval's order (review
// artifact, CHANGES_REQUESTED, reject before approve) but does not require
// a plan artifact and passes only on an approve_review action. It reads
// the same latest valid review artifact that plan_approval reads; review
// artifacts carry no plan-time/code-time distinction.
func EvaluateCodeReview(p Projections, run *model.Run) (Verdict, error) {
	review, err := p.LatestValidArtifact(run.RunID, model.ArtifactReview)
	if err != nil {
		return Verdict{}, err
	}
	if review == nil {
		return pending("Awaiting validated review artifact"), nil
	}
	if strings.Contains(review.ContentMarkdown, "CHANGES_REQUESTED") {
		return pending("Review requested changes"), nil
	}

	if rejected, comment, err := p.HasOperatorAction(run.RunID, projection.OperatorActionRejectRun); err != nil {
		return Verdict{}, err
	} else if rejected {
		return failed(comment), nil
	}

	if approved, _, err := p.HasOperatorAction(run.RunID, projection.OperatorActionApproveReview); err != nil {
		return Verdict{}, err
	} else if approved {
		return passed("Approved by operator"), nil
	}

	return pending("Awaiting operator review"), nil
}
