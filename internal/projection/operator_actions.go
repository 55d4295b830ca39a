package projection

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperatorActionApprovePlan and OperatorActionRejectRun are the two actions
// the plan_approval evaluator looks for. Reject is checked first
// so a rejection can never be shadowed by a stale approve.
//
// OperatorActionApproveReview is the code_review evaluator's own approval
// action — distinct from OperatorActionApprovePlan so a plan approval
// recorded at awaiting_plan_approval can never be read back later as a
// review approval at awaiting_review; HasOperatorAction has no phase or
// gate scoping, so reusing one action kind for both gates would let either
// approval satisfy both.
const (
	OperatorActionApprovePlan   = "approve_plan"
	OperatorActionApproveReview = "approve_review"
	OperatorActionRejectRun     = "reject_run"
)

// CreateOperatorAction records an operator decision against a run.
func (s *Store) CreateOperatorAction(tx *sql.Tx, runID, action, operator, comment string) error {
	_, err := tx.Exec(`INSERT INTO operator_actions (operator_action_id, run_id, action, operator, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), runID, action, operator, comment, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create operator action: %w", err)
	}
	return nil
}

// HasOperatorAction reports whether runID has an operator_actions row of
// the given action type, and returns the most recent comment if so.
func (s *Store) HasOperatorAction(runID, action string) (found bool, comment string, err error) {
	row := s.db.QueryRow(`SELECT comment FROM operator_actions
		WHERE run_id = ? AND action = ? ORDER BY created_at DESC LIMIT 1`, runID, action)
	if scanErr := row.Scan(&comment); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return false, "", nil
		}
		return false, "", fmt.Errorf("has operator action: %w", scanErr)
	}
	return true, comment, nil
}
