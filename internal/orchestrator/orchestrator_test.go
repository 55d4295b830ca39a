package orchestrator_test

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cswenor/conductor/internal/eventlog"
	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/orchestrator"
	"github.com/cswenor/conductor/internal/outbox"
	"github.com/cswenor/conductor/internal/projection"
	"github.com/cswenor/conductor/internal/telemetry/live"
)

type fixture struct {
	db     *sql.DB
	events *eventlog.Store
	proj   *projection.Store
	outbox *outbox.Store
	orch   *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events, err := eventlog.Open(db)
	if err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	proj, err := projection.Open(db)
	if err != nil {
		t.Fatalf("projection.Open: %v", err)
	}
	ob, err := outbox.Open(db, nil, nil)
	if err != nil {
		t.Fatalf("outbox.Open: %v", err)
	}

	return &fixture{
		db:     db,
		events: events,
		proj:   proj,
		outbox: ob,
		orch:   orchestrator.New(db, events, proj, ob, nil),
	}
}

func (f *fixture) createRun(t *testing.T, runID string, phase model.Phase) {
	t.Helper()
	tx, err := f.db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := f.proj.EnsureTask(tx, "task-1", "project-1", "repo-1"); err != nil {
		t.Fatalf("ensure task: %v", err)
	}
	if err := f.proj.CreateRun(tx, model.Run{
		RunID:             runID,
		TaskID:            "task-1",
		ProjectID:         "project-1",
		RepoID:            "repo-1",
		RunNumber:         1,
		Phase:             phase,
		NextSequence:      1,
		LastEventSequence: 0,
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestTransitionPhaseAdvancesRunAndAppendsEvent(t *testing.T) {
	f := newFixture(t)
	f.createRun(t, "run-1", model.PhasePending)

	result, err := f.orch.TransitionPhase(orchestrator.TransitionInput{
		RunID:       "run-1",
		ToPhase:     model.PhasePlanning,
		TriggeredBy: model.SourceOrchestrator,
		Reason:      "plan requested",
	})
	if err != nil {
		t.Fatalf("TransitionPhase: %v", err)
	}
	if result.Run.Phase != model.PhasePlanning {
		t.Fatalf("expected phase planning, got %s", result.Run.Phase)
	}
	if result.Event.Type != model.EventPhaseTransitioned {
		t.Fatalf("expected phase.transitioned event, got %s", result.Event.Type)
	}

	events, err := f.events.ListRunEvents("run-1")
	if err != nil {
		t.Fatalf("ListRunEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
}

func TestTransitionPhaseRejectsInvalidMove(t *testing.T) {
	f := newFixture(t)
	f.createRun(t, "run-1", model.PhasePending)

	_, err := f.orch.TransitionPhase(orchestrator.TransitionInput{
		RunID:       "run-1",
		ToPhase:     model.PhaseCompleted,
		TriggeredBy: model.SourceOrchestrator,
	})
	if err == nil {
		t.Fatal("expected invalid transition error")
	}
	if !model.IsKind(err, model.KindInvalidTransition) {
		t.Fatalf("expected KindInvalidTransition, got %v", err)
	}
}

func TestTransitionPhaseRejectsNonOrchestratorSource(t *testing.T) {
	f := newFixture(t)
	f.createRun(t, "run-1", model.PhasePending)

	_, err := f.orch.TransitionPhase(orchestrator.TransitionInput{
		RunID:       "run-1",
		ToPhase:     model.PhasePlanning,
		TriggeredBy: model.SourceWorker,
	})
	if err == nil {
		t.Fatal("expected forbidden error")
	}
	if !model.IsKind(err, model.KindForbidden) {
		t.Fatalf("expected KindForbidden, got %v", err)
	}
}

func TestEvaluateGatesAndTransitionBlocksUntilApproved(t *testing.T) {
	f := newFixture(t)
	f.createRun(t, "run-1", model.PhaseAwaitingPlanApproval)

	configs := orchestrator.GateConfigs{}
	candidate := orchestrator.TransitionInput{
		RunID:       "run-1",
		ToPhase:     model.PhaseExecuting,
		TriggeredBy: model.SourceOrchestrator,
		Reason:      "plan approved",
	}

	result, state, err := f.orch.EvaluateGatesAndTransition("run-1", model.PhaseAwaitingPlanApproval, candidate, nil, configs)
	if err != nil {
		t.Fatalf("EvaluateGatesAndTransition: %v", err)
	}
	if result != nil {
		t.Fatal("expected no transition before the plan is approved")
	}
	eval, ok := state[model.GatePlanApproval]
	if !ok {
		t.Fatal("expected a plan_approval evaluation")
	}
	if eval.Status != model.GateStatusPending {
		t.Fatalf("expected pending status, got %s", eval.Status)
	}

	tx, err := f.db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := f.proj.CreateArtifact(tx, model.Artifact{
		RunID:            "run-1",
		Type:             model.ArtifactPlan,
		ValidationStatus: model.ValidationValid,
	}); err != nil {
		t.Fatalf("create plan artifact: %v", err)
	}
	if _, err := f.proj.CreateArtifact(tx, model.Artifact{
		RunID:            "run-1",
		Type:             model.ArtifactReview,
		ValidationStatus: model.ValidationValid,
		ContentMarkdown:  "looks good",
	}); err != nil {
		t.Fatalf("create review artifact: %v", err)
	}
	if err := f.proj.CreateOperatorAction(tx, "run-1", projection.OperatorActionApprovePlan, "alice", "lgtm"); err != nil {
		t.Fatalf("create operator action: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	result, state, err = f.orch.EvaluateGatesAndTransition("run-1", model.PhaseAwaitingPlanApproval, candidate, nil, configs)
	if err != nil {
		t.Fatalf("EvaluateGatesAndTransition (approved): %v", err)
	}
	if result == nil {
		t.Fatal("expected the candidate transition to apply once approved")
	}
	if result.Run.Phase != model.PhaseExecuting {
		t.Fatalf("expected phase executing, got %s", result.Run.Phase)
	}
	if state[model.GatePlanApproval].Status != model.GateStatusPassed {
		t.Fatalf("expected passed status, got %s", state[model.GatePlanApproval].Status)
	}
}

func TestEvaluateGatesAndTransitionIsIdempotentPerRound(t *testing.T) {
	f := newFixture(t)
	f.createRun(t, "run-1", model.PhaseAwaitingPlanApproval)

	configs := orchestrator.GateConfigs{}
	candidate := orchestrator.TransitionInput{
		RunID:       "run-1",
		ToPhase:     model.PhaseExecuting,
		TriggeredBy: model.SourceOrchestrator,
	}

	_, first, err := f.orch.EvaluateGatesAndTransition("run-1", model.PhaseAwaitingPlanApproval, candidate, nil, configs)
	if err != nil {
		t.Fatalf("first evaluation: %v", err)
	}
	_, second, err := f.orch.EvaluateGatesAndTransition("run-1", model.PhaseAwaitingPlanApproval, candidate, nil, configs)
	if err != nil {
		t.Fatalf("second evaluation: %v", err)
	}
	if first[model.GatePlanApproval].Status != second[model.GatePlanApproval].Status {
		t.Fatalf("expected stable verdict across rounds, got %s then %s",
			first[model.GatePlanApproval].Status, second[model.GatePlanApproval].Status)
	}
}

func TestLiveBusReceivesTransitionNotifications(t *testing.T) {
	f := newFixture(t)
	f.createRun(t, "run-1", model.PhasePending)

	bus := live.NewBus(8)
	f.orch = f.orch.WithLiveBus(bus)
	sub := bus.Subscribe("sub-1")
	defer bus.Unsubscribe("sub-1")

	if _, err := f.orch.TransitionPhase(orchestrator.TransitionInput{
		RunID:       "run-1",
		ToPhase:     model.PhasePlanning,
		TriggeredBy: model.SourceOrchestrator,
	}); err != nil {
		t.Fatalf("TransitionPhase: %v", err)
	}

	select {
	case n := <-sub:
		if n.RunID != "run-1" {
			t.Fatalf("expected run-1, got %s", n.RunID)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a notification within 1s")
	}
}
