package projection

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/cswenor/conductor/internal/model"
)

// TransitionParams carries the row-level fields that accompany a phase
// change. Fields left at their zero value are left
// unchanged on the row, except where noted.
type TransitionParams struct {
	ToPhase        model.Phase
	ToStep         string // empty keeps the run's current step
	Sequence       int64
	Result         model.Result    // empty keeps the run's current result
	ResultReason   string
	BlockedReason  string // always written; empty clears it
	BlockedContext []byte // always written; empty clears it
}

// CreateRun inserts a brand-new run in the phase run.Phase carries.
func (s *Store) CreateRun(tx *sql.Tx, run model.Run) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	blockedContext := run.BlockedContext
	if len(blockedContext) == 0 {
		blockedContext = []byte("{}")
	}
	_, err := tx.Exec(`INSERT INTO runs
		(run_id, task_id, project_id, repo_id, run_number, phase, step, next_sequence, last_event_sequence,
		 base_branch, branch, plan_revisions, test_fix_attempts, review_rounds, created_at, updated_at,
		 result, result_reason, blocked_reason, blocked_context)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.TaskID, run.ProjectID, run.RepoID, run.RunNumber, string(run.Phase), run.Step,
		run.NextSequence, run.LastEventSequence, run.BaseBranch, run.Branch, run.PlanRevisions,
		run.TestFixAttempts, run.ReviewRounds, now, now, string(run.Result), run.ResultReason,
		run.BlockedReason, string(blockedContext),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func scanRun(row interface {
	Scan(dest ...any) error
}) (*model.Run, error) {
	var (
		run            model.Run
		completedAt    sql.NullString
		createdAt      string
		updatedAt      string
		blockedContext string
	)
	err := row.Scan(&run.RunID, &run.TaskID, &run.ProjectID, &run.RepoID, &run.RunNumber,
		&run.Phase, &run.Step, &run.NextSequence, &run.LastEventSequence, &run.BaseBranch, &run.Branch,
		&run.PlanRevisions, &run.TestFixAttempts, &run.ReviewRounds, &createdAt, &updatedAt, &completedAt,
		&run.Result, &run.ResultReason, &run.BlockedReason, &blockedContext)
	if err != nil {
		return nil, err
	}
	run.BlockedContext = []byte(blockedContext)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		run.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		run.UpdatedAt = t
	}
	if completedAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, completedAt.String); perr == nil {
			run.CompletedAt = &t
		}
	}
	return &run, nil
}

const runColumns = `run_id, task_id, project_id, repo_id, run_number, phase, step, next_sequence, last_event_sequence,
		base_branch, branch, plan_revisions, test_fix_attempts, review_rounds, created_at, updated_at, completed_at,
		result, result_reason, blocked_reason, blocked_context`

// GetRun reads a run outside any transaction.
func (s *Store) GetRun(runID string) (*model.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, model.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetRunTx reads a run inside tx, for callers that need a consistent read
// immediately before a conditional update in the same transaction.
func (s *Store) GetRunTx(tx *sql.Tx, runID string) (*model.Run, error) {
	row := tx.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, model.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run (tx): %w", err)
	}
	return run, nil
}

// ApplyTransition performs the optimistic-locked UPDATE described in
// the transition's WHERE phase = fromPhase clause is the lock. It reports
// changed=false (not an error) when another writer already moved the run.
func (s *Store) ApplyTransition(tx *sql.Tx, runID string, fromPhase model.Phase, p TransitionParams) (changed bool, err error) {
	now := time.Now().UTC()
	var completedAt any
	if p.ToPhase.Terminal() {
		completedAt = now.Format(time.RFC3339Nano)
	}

	blockedContext := p.BlockedContext
	if len(blockedContext) == 0 {
		blockedContext = []byte("{}")
	}

	res, err := tx.Exec(`UPDATE runs SET
			phase = ?,
			step = CASE WHEN ? <> '' THEN ? ELSE step END,
			next_sequence = ?,
			last_event_sequence = ?,
			updated_at = ?,
			completed_at = COALESCE(completed_at, ?),
			result = CASE WHEN ? <> '' THEN ? ELSE result END,
			result_reason = CASE WHEN ? <> '' THEN ? ELSE result_reason END,
			blocked_reason = ?,
			blocked_context = ?
		WHERE run_id = ? AND phase = ?`,
		string(p.ToPhase),
		p.ToStep, p.ToStep,
		p.Sequence+1,
		p.Sequence,
		now.Format(time.RFC3339Nano),
		completedAt,
		string(p.Result), string(p.Result),
		p.ResultReason, p.ResultReason,
		p.BlockedReason,
		string(blockedContext),
		runID, string(fromPhase),
	)
	if err != nil {
		return false, fmt.Errorf("apply transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply transition rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementCounter bumps one of plan_revisions/test_fix_attempts/review_rounds
// by one inside tx. field must be one of those three column names.
func (s *Store) IncrementCounter(tx *sql.Tx, runID, field string) error {
	switch field {
	case "plan_revisions", "test_fix_attempts", "review_rounds":
	default:
		return fmt.Errorf("increment counter: unknown field %q", field)
	}
	_, err := tx.Exec(`UPDATE runs SET `+field+` = `+field+` + 1 WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("increment %s: %w", field, err)
	}
	return nil
}

// ListRuns returns up to limit runs, optionally filtered by project,
// most recently updated first — the listing conductorctl's `runs list`
// renders.
func (s *Store) ListRuns(projectID string, limit int) ([]model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}

// GetRunsAwaitingGates returns runs in awaiting_plan_approval or blocked for
// a project, the Approvals Inbox view.
func (s *Store) GetRunsAwaitingGates(projectID string) ([]model.Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs
		WHERE project_id = ? AND phase IN (?, ?) ORDER BY updated_at ASC`,
		projectID, string(model.PhaseAwaitingPlanApproval), string(model.PhaseBlocked))
	if err != nil {
		return nil, fmt.Errorf("get runs awaiting gates: %w", err)
	}
	defer rows.Close()

	var out []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, *run)
	}
	return out, rows.Err()
}
