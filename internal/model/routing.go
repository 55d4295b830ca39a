package model

import (
	"encoding/json"
	"time"
)

// RoutingDecision is an immutable per-run record capturing classifier
// outputs, the selected agent graph, and the gates that apply to the run.
// When absent, the Orchestrator falls back to its built-in default gate set.
type RoutingDecision struct {
	RoutingDecisionID string
	RunID             string

	ClassifierOutput json.RawMessage
	AgentGraph       string

	RequiredGatesJSON json.RawMessage // []GateID
	OptionalGatesJSON json.RawMessage // []GateID

	CreatedAt time.Time
}

// RequiredGates decodes RequiredGatesJSON.
func (r RoutingDecision) RequiredGates() ([]GateID, error) {
	return decodeGateIDs(r.RequiredGatesJSON)
}

// OptionalGates decodes OptionalGatesJSON.
func (r RoutingDecision) OptionalGates() ([]GateID, error) {
	return decodeGateIDs(r.OptionalGatesJSON)
}

func decodeGateIDs(raw json.RawMessage) ([]GateID, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ids []GateID
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// DefaultRequiredGates returns the gates required per phase when no
// RoutingDecision is present for the run.
func DefaultRequiredGates(phase Phase) []GateID {
	switch phase {
	case PhaseAwaitingPlanApproval:
		return []GateID{GatePlanApproval}
	case PhaseAwaitingReview:
		return []GateID{GateTestsPass, GateCodeReview}
	case PhaseExecuting:
		return []GateID{GateTestsPass}
	default:
		return nil
	}
}
