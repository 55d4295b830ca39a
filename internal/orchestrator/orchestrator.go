// Package orchestrator implements the run state machine. It is the only
// component allowed to author decision events (phase.transitioned,
// gate.evaluated); every other source is restricted to fact and signal
// events at the event-log layer.
package orchestrator

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/cancel"
	"github.com/cswenor/conductor/internal/eventlog"
	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/projection"
	"github.com/cswenor/conductor/internal/telemetry/live"
)

// validTransitions is the canonical state machine table.
var validTransitions = map[model.Phase]map[model.Phase]bool{
	model.PhasePending: {
		model.PhasePlanning:  true,
		model.PhaseBlocked:   true,
		model.PhaseCancelled: true,
	},
	model.PhasePlanning: {
		model.PhaseAwaitingPlanApproval: true,
		model.PhaseBlocked:              true,
		model.PhaseCancelled:            true,
	},
	model.PhaseAwaitingPlanApproval: {
		model.PhasePlanning:  true,
		model.PhaseExecuting: true,
		model.PhaseBlocked:   true,
		model.PhaseCancelled: true,
	},
	model.PhaseExecuting: {
		model.PhaseAwaitingReview: true,
		model.PhaseBlocked:        true,
		model.PhaseCancelled:      true,
	},
	model.PhaseAwaitingReview: {
		model.PhaseExecuting: true,
		model.PhaseCompleted: true,
		model.PhaseBlocked:   true,
		model.PhaseCancelled: true,
	},
	model.PhaseBlocked: {
		model.PhasePending:              true,
		model.PhasePlanning:             true,
		model.PhaseAwaitingPlanApproval: true,
		model.PhaseExecuting:            true,
		model.PhaseAwaitingReview:       true,
		model.PhaseCancelled:            true,
	},
}

// isValidTransition reports whether moving from `from` to `to` is allowed.
func isValidTransition(from, to model.Phase) bool {
	return validTransitions[from][to]
}

// Orchestrator is the only source of decision events.
type Orchestrator struct {
	db         *sql.DB
	events     *eventlog.Store
	projection *projection.Store
	outbox     *outbox.Store
	log        *zap.Logger
	bus        *live.Bus
	cancels    *cancel.Registry
}

// New wires an Orchestrator over the given stores.
func New(db *sql.DB, events *eventlog.Store, proj *projection.Store, ob *outbox.Store, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{db: db, events: events, projection: proj, outbox: ob, log: log}
}

// WithLiveBus attaches a live.Bus that every successful transition and gate
// evaluation is republished to, for in-process subscribers such as a
// future UI. Returns the receiver for chaining at construction time.
func (o *Orchestrator) WithLiveBus(bus *live.Bus) *Orchestrator {
	o.bus = bus
	return o
}

// WithCancelRegistry attaches the in-process cancellation registry: a run
// reaching PhaseCancelled unblocks any goroutine waiting on that run's
// token.
func (o *Orchestrator) WithCancelRegistry(reg *cancel.Registry) *Orchestrator {
	o.cancels = reg
	return o
}

func (o *Orchestrator) publish(n live.Notification) {
	if o.bus == nil {
		return
	}
	o.bus.Publish(n)
}

// TransitionInput is the argument to TransitionPhase.
type TransitionInput struct {
	RunID          string
	ToPhase        model.Phase
	ToStep         string
	TriggeredBy    model.EventSource
	Reason         string
	Result         model.Result
	ResultReason   string
	BlockedReason  string
	BlockedContext []byte
}

// TransitionResult is returned by a successful TransitionPhase call.
type TransitionResult struct {
	Run   *model.Run
	Event *model.Event
}

// TransitionPhase performs a phase transition inside a single DB
// transaction: validate, allocate sequence, append the decision event,
// apply the optimistic-locked projection update, and clear the owning
// task's active_run_id when the run reaches a terminal phase.
func (o *Orchestrator) TransitionPhase(input TransitionInput) (*TransitionResult, error) {
	tx, err := o.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	run, err := o.projection.GetRunTx(tx, input.RunID)
	if err != nil {
		return nil, err
	}

	if !isValidTransition(run.Phase, input.ToPhase) {
		return nil, model.Wrap(model.KindInvalidTransition, fmt.Sprintf("%s -> %s", run.Phase, input.ToPhase), nil)
	}

	if input.TriggeredBy != model.SourceOrchestrator && input.TriggeredBy != "" {
		return nil, model.Wrap(model.KindForbidden, "only the orchestrator may author phase.transitioned", nil)
	}

	floor, err := eventlog.MaxRunSequenceTx(tx, run.RunID)
	if err != nil {
		return nil, err
	}
	sequence := run.NextSequence
	if floor+1 > sequence {
		sequence = floor + 1
	}

	payload, err := transitionPayload(run.Phase, input)
	if err != nil {
		return nil, err
	}

	seq := sequence
	evt, err := eventlog.AppendEvent(tx, model.AppendEventInput{
		RunID:          run.RunID,
		Type:           model.EventPhaseTransitioned,
		Class:          model.ClassDecision,
		Source:         model.SourceOrchestrator,
		Payload:        payload,
		IdempotencyKey: fmt.Sprintf("phase:%s:%d", run.RunID, sequence),
		Sequence:       &seq,
	}, run.NextSequence)
	if err != nil {
		return nil, fmt.Errorf("append phase.transitioned: %w", err)
	}
	if evt == nil {
		return nil, model.Duplicate
	}

	changed, err := o.projection.ApplyTransition(tx, run.RunID, run.Phase, projection.TransitionParams{
		ToPhase:        input.ToPhase,
		ToStep:         input.ToStep,
		Sequence:       sequence,
		Result:         input.Result,
		ResultReason:   input.ResultReason,
		BlockedReason:  input.BlockedReason,
		BlockedContext: input.BlockedContext,
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, model.OptimisticLockFailed
	}

	if input.ToPhase.Terminal() {
		if err := o.projection.ClearActiveRunIfMatches(tx, run.TaskID, run.RunID); err != nil {
			return nil, err
		}
		if input.ToPhase == model.PhaseCancelled {
			if err := o.outbox.CancelRunWritesTx(tx, run.RunID); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}

	updated, err := o.projection.GetRun(run.RunID)
	if err != nil {
		return nil, err
	}

	o.log.Info("run phase transitioned",
		zap.String("run_id", run.RunID),
		zap.String("from", string(run.Phase)),
		zap.String("to", string(input.ToPhase)),
		zap.Int64("sequence", sequence),
	)

	o.publish(live.Notification{
		RunID:   run.RunID,
		TaskID:  run.TaskID,
		Kind:    live.KindPhaseTransitioned,
		Summary: fmt.Sprintf("%s -> %s", run.Phase, input.ToPhase),
	})
	if input.ToPhase == model.PhaseCancelled && o.cancels != nil {
		o.cancels.Signal(run.RunID)
	}

	return &TransitionResult{Run: updated, Event: evt}, nil
}

func transitionPayload(from model.Phase, input TransitionInput) ([]byte, error) {
	return json.Marshal(map[string]any{
		"from_phase": string(from),
		"to_phase":   string(input.ToPhase),
		"reason":     input.Reason,
	})
}
