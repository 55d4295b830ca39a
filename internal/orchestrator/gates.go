package orchestrator

import (
	"fmt"

	"github.com/cswenor/conductor/internal/agentrt"
	"github.com/cswenor/conductor/internal/eventlog"
	"github.com/cswenor/conductor/internal/gateengine"
	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/telemetry/live"
)

// GateConfigs holds the per-gate tunables (currently just tests_pass's
// max_retries, default 3). A future RoutingDecision-level
// override is explicitly out of scope — see DESIGN.md.
type GateConfigs map[model.GateID]gateengine.GateConfig

// projectionsAdapter implements gateengine.Projections over the
// projection.Store plus a tool-invocation lookup and the event log, so
// evaluators stay storage-agnostic.
type projectionsAdapter struct {
	o       *Orchestrator
	tools   agentrt.ToolInvocationStore
	configs GateConfigs
}

func (a *projectionsAdapter) LatestValidArtifact(runID string, t model.ArtifactType) (*model.Artifact, error) {
	return a.o.projection.LatestValidArtifact(runID, t)
}

func (a *projectionsAdapter) HasOperatorAction(runID, action string) (bool, string, error) {
	return a.o.projection.HasOperatorAction(runID, action)
}

func (a *projectionsAdapter) FindMatchingOverride(runID string, kind model.OverrideKind, targetID string) (*model.Override, error) {
	return a.o.projection.FindMatchingOverride(runID, kind, targetID)
}

func (a *projectionsAdapter) ToolInvocationResult(toolInvocationID string) (int, bool, error) {
	if a.tools == nil {
		return 0, false, nil
	}
	return a.tools.ToolInvocationResult(toolInvocationID)
}

func (a *projectionsAdapter) GateConfig(gateID model.GateID) gateengine.GateConfig {
	return a.configs[gateID]
}

func (a *projectionsAdapter) HasFactEvent(runID string, eventType model.EventType) (bool, error) {
	events, err := a.o.events.ListRunEvents(runID)
	if err != nil {
		return false, err
	}
	for _, e := range events {
		if e.Type == eventType {
			return true, nil
		}
	}
	return false, nil
}

// applicableGates resolves the gate set for phase: the RoutingDecision's
// required gates if one exists, else the built-in defaults.
func (o *Orchestrator) applicableGates(runID string, phase model.Phase) ([]model.GateID, error) {
	rd, err := o.projection.GetRoutingDecision(runID)
	if err != nil {
		return nil, err
	}
	if rd == nil {
		return model.DefaultRequiredGates(phase), nil
	}
	return rd.RequiredGates()
}

// EvaluateGatesAndTransition evaluates every applicable gate for phase
// against committed projection state, then persists each verdict alongside
// a freshly appended gate.evaluated event in one transaction. If every gate
// passed, it then performs the candidate phase transition through
// TransitionPhase, which commits in a transaction of its own; the gate
// verdicts stay committed even if that transition fails.
func (o *Orchestrator) EvaluateGatesAndTransition(runID string, phase model.Phase, candidate TransitionInput, tools agentrt.ToolInvocationStore, configs GateConfigs) (*TransitionResult, model.GateState, error) {
	gates, err := o.applicableGates(runID, phase)
	if err != nil {
		return nil, nil, err
	}

	adapter := &projectionsAdapter{o: o, tools: tools, configs: configs}

	// Evaluators read through *sql.DB, so they run before the tx takes the connection.
	current, err := o.projection.GetRun(runID)
	if err != nil {
		return nil, nil, err
	}
	verdicts := make([]gateengine.Verdict, len(gates))
	for i, gateID := range gates {
		if verdicts[i], err = gateengine.Evaluate(gateID, adapter, current); err != nil {
			return nil, nil, fmt.Errorf("evaluate gate %s: %w", gateID, err)
		}
	}

	tx, err := o.db.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("begin gate evaluation tx: %w", err)
	}
	defer tx.Rollback()

	run, err := o.projection.GetRunTx(tx, runID)
	if err != nil {
		return nil, nil, err
	}

	state := model.GateState{}
	allPassed := true
	for i, gateID := range gates {
		verdict := verdicts[i]
		if verdict.Status != model.GateStatusPassed {
			allPassed = false
		}

		floor, err := eventlog.MaxRunSequenceTx(tx, run.RunID)
		if err != nil {
			return nil, nil, err
		}
		sequence := run.NextSequence
		if floor+1 > sequence {
			sequence = floor + 1
		}
		seq := sequence
		evt, err := eventlog.AppendEvent(tx, model.AppendEventInput{
			RunID:          run.RunID,
			Type:           model.EventGateEvaluated,
			Class:          model.ClassDecision,
			Source:         model.SourceOrchestrator,
			IdempotencyKey: fmt.Sprintf("gate:%s:%s:%d", run.RunID, gateID, sequence),
			Sequence:       &seq,
		}, run.NextSequence)
		if err != nil {
			return nil, nil, fmt.Errorf("append gate.evaluated: %w", err)
		}
		if evt == nil {
			continue // already recorded this evaluation round; skip re-persisting
		}

		eval := model.GateEvaluation{
			RunID:            run.RunID,
			GateID:           gateID,
			Kind:             gateKindOf(gateID),
			Status:           verdict.Status,
			Reason:           verdict.Reason,
			Details:          verdict.Details,
			CausationEventID: evt.EventID,
		}
		if _, err := o.projection.CreateGateEvaluation(tx, eval); err != nil {
			return nil, nil, err
		}
		state[gateID] = eval

		// Advance the run's sequence counter to account for this gate
		// event, even though no phase change accompanies it yet — the
		// floor computation for the next gate (or the final transition)
		// must see it.
		if _, err := tx.Exec(`UPDATE runs SET next_sequence = ?, last_event_sequence = ? WHERE run_id = ?`,
			sequence+1, sequence, run.RunID); err != nil {
			return nil, nil, fmt.Errorf("advance run sequence: %w", err)
		}
		run.NextSequence = sequence + 1
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("commit gate evaluation: %w", err)
	}

	for gateID, eval := range state {
		o.publish(live.Notification{
			RunID:   run.RunID,
			TaskID:  run.TaskID,
			Kind:    live.KindGateEvaluated,
			Summary: fmt.Sprintf("%s: %s", gateID, eval.Status),
			Detail:  eval.Reason,
		})
	}

	if !allPassed {
		return nil, state, nil
	}

	result, err := o.TransitionPhase(candidate)
	if err != nil {
		return nil, state, err
	}
	return result, state, nil
}

func gateKindOf(gateID model.GateID) model.GateKind {
	if gateID == model.GatePlanApproval || gateID == model.GateCodeReview {
		return model.GateKindHuman
	}
	return model.GateKindAutomatic
}
