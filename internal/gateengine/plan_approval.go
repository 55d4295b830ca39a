package gateengine

import (
	"strings"

	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/projection"
)

// EvaluatePlanApproval evaluates the plan_approval gate. Reject is checked before approve
// so a rejection can never be shadowed by a stale approve action.
func EvaluatePlanApproval(p Projections, run *model.Run) (Verdict, error) {
	plan, err := p.LatestValidArtifact(run.RunID, model.ArtifactPlan)
	if err != nil {
		return Verdict{}, err
	}
	if plan == nil {
		return pending("Awaiting validated plan artifact"), nil
	}

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

	if approved, _, err := p.HasOperatorAction(run.RunID, projection.OperatorActionApprovePlan); err != nil {
		return Verdict{}, err
	} else if approved {
		return passed("Approved by operator"), nil
	}

	return pending("Awaiting operator approval"), nil
}
