package model

import (
	"encoding/json"
	"time"
)

// Phase is a run's coarse-grained state-machine cell. Only the Orchestrator
// changes it (Invariant R1).
type Phase string

const (
	PhasePending              Phase = "pending"
	PhasePlanning             Phase = "planning"
	PhaseAwaitingPlanApproval Phase = "awaiting_plan_approval"
	PhaseExecuting            Phase = "executing"
	PhaseAwaitingReview       Phase = "awaiting_review"
	PhaseBlocked              Phase = "blocked"
	PhaseCompleted            Phase = "completed"
	PhaseCancelled            Phase = "cancelled"
)

// Terminal reports whether p is a terminal phase — no further transitions
// are valid once a run reaches one.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseCancelled
}

// Result is the final disposition of a terminal run.
type Result string

const (
	ResultNone      Result = ""
	ResultSucceeded Result = "succeeded"
	ResultFailed    Result = "failed"
	ResultCancelled Result = "cancelled"
)

// Run is a single attempt to resolve a task.
type Run struct {
	RunID     string
	TaskID    string
	ProjectID string
	RepoID    string
	RunNumber int // monotonic per task

	Phase Phase
	Step  string // advisory sub-state, UI only

	NextSequence      int64 // next event number this run will allocate for orchestrator-authored events
	LastEventSequence int64 // highest sequence applied to this run so far

	BaseBranch string
	Branch     string

	PlanRevisions   int
	TestFixAttempts int
	ReviewRounds    int

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time

	Result         Result
	ResultReason   string
	BlockedReason  string
	BlockedContext json.RawMessage // opaque

	// The owning task's active run is recorded in tasks.active_run_id, not
	// on the run; the orchestrator clears it when a run terminates and it
	// still points at this run's RunID.
}
