package projection_test

import (
	"database/sql"
	"testing"
	"time"

	"github.com/cswenor/conductor/internal/eventlog"
	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/projection"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) (*sql.DB, *projection.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := eventlog.Open(db); err != nil {
		t.Fatalf("eventlog.Open: %v", err)
	}
	store, err := projection.Open(db)
	if err != nil {
		t.Fatalf("projection.Open: %v", err)
	}
	return db, store
}

func seedRun(t *testing.T, db *sql.DB, store *projection.Store, runID, taskID, projectID, repoID string) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()

	if err := store.EnsureTask(tx, taskID, projectID, repoID); err != nil {
		t.Fatalf("EnsureTask: %v", err)
	}
	run := model.Run{
		RunID:        runID,
		TaskID:       taskID,
		ProjectID:    projectID,
		RepoID:       repoID,
		RunNumber:    1,
		Phase:        model.PhasePending,
		NextSequence: 1,
	}
	if err := store.CreateRun(tx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit seed: %v", err)
	}
}

func TestApplyTransitionOptimisticLock(t *testing.T) {
	db, store := openTestDB(t)
	seedRun(t, db, store, "run-1", "task-1", "proj-1", "repo-1")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	changed, err := store.ApplyTransition(tx, "run-1", model.PhasePending, projection.TransitionParams{
		ToPhase:  model.PhasePlanning,
		Sequence: 1,
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if !changed {
		t.Fatal("expected transition from correct fromPhase to succeed")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// A second attempt still claiming the run is in `pending` must lose the
	// optimistic lock race — the run already moved to `planning`.
	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("begin 2: %v", err)
	}
	defer tx2.Rollback()
	changed2, err := store.ApplyTransition(tx2, "run-1", model.PhasePending, projection.TransitionParams{
		ToPhase:  model.PhaseBlocked,
		Sequence: 2,
	})
	if err != nil {
		t.Fatalf("ApplyTransition 2: %v", err)
	}
	if changed2 {
		t.Fatal("expected stale fromPhase transition to report changed=false")
	}

	run, err := store.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Phase != model.PhasePlanning {
		t.Fatalf("expected phase planning, got %s", run.Phase)
	}
}

func TestDeriveGateStateReturnsLatestPerGate(t *testing.T) {
	db, store := openTestDB(t)
	seedRun(t, db, store, "run-1", "task-1", "proj-1", "repo-1")

	for i, status := range []model.GateStatus{model.GateStatusPending, model.GateStatusPassed} {
		tx, err := db.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		_, err = store.CreateGateEvaluation(tx, model.GateEvaluation{
			RunID:            "run-1",
			GateID:           model.GatePlanApproval,
			Kind:             model.GateKindHuman,
			Status:           status,
			CausationEventID: "evt-" + string(rune('a'+i)),
			EvaluatedAt:      time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateGateEvaluation: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	state, err := store.DeriveGateState("run-1")
	if err != nil {
		t.Fatalf("DeriveGateState: %v", err)
	}
	eval, ok := state[model.GatePlanApproval]
	if !ok {
		t.Fatal("expected plan_approval gate in derived state")
	}
	if eval.Status != model.GateStatusPassed {
		t.Fatalf("expected latest status passed, got %s", eval.Status)
	}
}

func TestFindMatchingOverrideScopeHierarchy(t *testing.T) {
	db, store := openTestDB(t)
	seedRun(t, db, store, "run-1", "task-shared", "proj-1", "repo-1")
	seedRun(t, db, store, "run-2", "task-shared", "proj-1", "repo-1")
	seedRun(t, db, store, "run-3", "task-other", "proj-1", "repo-1")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err = store.CreateOverride(tx, model.Override{
		RunID:    "run-1",
		Kind:     model.OverrideSkipTests,
		Scope:    model.ScopeThisTask,
		Operator: "alice",
	})
	if err != nil {
		t.Fatalf("CreateOverride: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	match, err := store.FindMatchingOverride("run-2", model.OverrideSkipTests, "")
	if err != nil {
		t.Fatalf("FindMatchingOverride run-2: %v", err)
	}
	if match == nil {
		t.Fatal("expected run-2 (same task) to match the override")
	}

	noMatch, err := store.FindMatchingOverride("run-3", model.OverrideSkipTests, "")
	if err != nil {
		t.Fatalf("FindMatchingOverride run-3: %v", err)
	}
	if noMatch != nil {
		t.Fatal("expected run-3 (different task) not to match")
	}
}

func TestLatestValidArtifactIgnoresInvalid(t *testing.T) {
	db, store := openTestDB(t)
	seedRun(t, db, store, "run-1", "task-1", "proj-1", "repo-1")

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := store.CreateArtifact(tx, model.Artifact{
		RunID:            "run-1",
		Type:             model.ArtifactPlan,
		ValidationStatus: model.ValidationValid,
	}); err != nil {
		t.Fatalf("CreateArtifact v1: %v", err)
	}
	if _, err := store.CreateArtifact(tx, model.Artifact{
		RunID:            "run-1",
		Type:             model.ArtifactPlan,
		ValidationStatus: model.ValidationInvalid,
	}); err != nil {
		t.Fatalf("CreateArtifact v2: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	a, err := store.LatestValidArtifact("run-1", model.ArtifactPlan)
	if err != nil {
		t.Fatalf("LatestValidArtifact: %v", err)
	}
	if a == nil {
		t.Fatal("expected a valid artifact")
	}
	if a.Version != 1 {
		t.Fatalf("expected the valid v1 artifact to win over invalid v2, got version %d", a.Version)
	}
}
