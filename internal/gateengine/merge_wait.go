package gateengine

import "github.com/cswenor/conductor/internal/model"

// EvaluateMergeWait is event-driven: it waits on the webhook-sourced
// pr.merged fact rather than an operator action, since merging is a
// GitHub-side event, not a Conductor decision. PR identity is
// tracked by stable node id upstream; this evaluator only asks whether the
// signal arrived for this run.
func EvaluateMergeWait(p Projections, run *model.Run) (Verdict, error) {
	if rejected, comment, err := p.HasOperatorAction(run.RunID, "reject_run"); err != nil {
		return Verdict{}, err
	} else if rejected {
		return failed(comment), nil
	}

	merged, err := p.HasFactEvent(run.RunID, model.EventPullRequestMerged)
	if err != nil {
		return Verdict{}, err
	}
	if !merged {
		return pending("Awaiting merge"), nil
	}
	return passed("Pull request merged"), nil
}
