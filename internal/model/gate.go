package model

import (
	"encoding/json"
	"time"
)

// GateKind distinguishes gates an evaluator decides automatically from ones
// that require an operator action.
type GateKind string

const (
	GateKindAutomatic GateKind = "automatic"
	GateKindHuman     GateKind = "human"
)

// GateStatus is strictly ternary (Invariant G2). An override surfaces as
// Passed with an override marker in Reason, never as a fourth status.
type GateStatus string

const (
	GateStatusPending GateStatus = "pending"
	GateStatusPassed  GateStatus = "passed"
	GateStatusFailed  GateStatus = "failed"
)

// Well-known gate identifiers evaluated by internal/gateengine.
const (
	GatePlanApproval GateID = "plan_approval"
	GateTestsPass    GateID = "tests_pass"
	GateCodeReview   GateID = "code_review"
	GateMergeWait    GateID = "merge_wait"
)

// GateID names a configured gate within a RoutingDecision or the default set.
type GateID string

// GateEvaluation is a point-in-time verdict for one gate on one run.
type GateEvaluation struct {
	GateEvaluationID string
	RunID            string
	GateID           GateID
	Kind             GateKind
	Status           GateStatus
	Reason           string
	Details          json.RawMessage

	// CausationEventID references the gate.evaluated decision event that
	// this verdict was persisted alongside, in the same transaction.
	CausationEventID string

	EvaluatedAt time.Time
}

// Overridden reports whether this evaluation's Passed status was produced by
// an operator override rather than the evaluator's own logic.
func (g GateEvaluation) Overridden() bool {
	var details struct {
		Override bool `json:"override"`
	}
	if len(g.Details) == 0 {
		return false
	}
	_ = json.Unmarshal(g.Details, &details)
	return details.Override
}

// GateState is the derived, per-gate view returned by deriveGateState: the
// most recent evaluation for each gate configured on a run.
type GateState map[GateID]GateEvaluation
