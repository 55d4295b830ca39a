// Package gateengine implements the pure, side-effect-free gate evaluators.
// Each evaluator reads projections and returns a ternary verdict; persisting
// that verdict is the Orchestrator's job, never the evaluator's.
package gateengine

import (
	"encoding/json"

	"github.com/cswenor/conductor/internal/model"
)

// Verdict is the result of evaluating one gate.
type Verdict struct {
	Status   model.GateStatus
	Reason   string
	Escalate bool
	Details  json.RawMessage
}

func pending(reason string) Verdict { return Verdict{Status: model.GateStatusPending, Reason: reason} }
func passed(reason string) Verdict  { return Verdict{Status: model.GateStatusPassed, Reason: reason} }
func failed(reason string) Verdict  { return Verdict{Status: model.GateStatusFailed, Reason: reason} }

// Projections is the read surface an evaluator needs. internal/orchestrator
// implements this over internal/projection.Store plus the tool-invocation
// lookup supplied by internal/agentrt.
type Projections interface {
	LatestValidArtifact(runID string, artifactType model.ArtifactType) (*model.Artifact, error)
	HasOperatorAction(runID, action string) (found bool, comment string, err error)
	FindMatchingOverride(runID string, kind model.OverrideKind, targetID string) (*model.Override, error)
	ToolInvocationResult(toolInvocationID string) (exitCode int, ok bool, err error)
	GateConfig(gateID model.GateID) GateConfig
	// HasFactEvent reports whether a fact event of eventType has been
	// recorded for runID — merge_wait uses this to detect the webhook-
	// sourced pr.merged signal rather than an operator action.
	HasFactEvent(runID string, eventType model.EventType) (bool, error)
}

// GateConfig holds the tunables a gate definition carries, e.g. tests_pass's
// max_retries (default 3).
type GateConfig struct {
	MaxRetries int
}

// Evaluator is a pure function: (projections, run) -> Verdict.
type Evaluator func(p Projections, run *model.Run) (Verdict, error)

// Registry maps gate IDs to their evaluators.
var Registry = map[model.GateID]Evaluator{
	model.GatePlanApproval: EvaluatePlanApproval,
	model.GateTestsPass:    EvaluateTestsPass,
	model.GateCodeReview:   EvaluateCodeReview,
	model.GateMergeWait:    EvaluateMergeWait,
}

// Evaluate looks up gateID in Registry and runs it. Unregistered gate IDs
// (reserved for future expansion) evaluate to failed/not_implemented rather
// than panicking.
func Evaluate(gateID model.GateID, p Projections, run *model.Run) (Verdict, error) {
	eval, ok := Registry[gateID]
	if !ok {
		return failed("gate not implemented"), nil
	}
	return eval(p, run)
}
