package projection

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cswenor/conductor/internal/model"
)

// CreateGateEvaluation persists one verdict inside tx, alongside the
// gate.evaluated decision event that caused it.
func (s *Store) CreateGateEvaluation(tx *sql.Tx, eval model.GateEvaluation) (*model.GateEvaluation, error) {
	if eval.GateEvaluationID == "" {
		eval.GateEvaluationID = uuid.New().String()
	}
	if eval.EvaluatedAt.IsZero() {
		eval.EvaluatedAt = time.Now().UTC()
	}
	details := eval.Details
	if len(details) == 0 {
		details = []byte("{}")
	}
	_, err := tx.Exec(`INSERT INTO gate_evaluations
		(gate_evaluation_id, run_id, gate_id, kind, status, reason, details, causation_event_id, evaluated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		eval.GateEvaluationID, eval.RunID, string(eval.GateID), string(eval.Kind), string(eval.Status),
		eval.Reason, string(details), eval.CausationEventID, eval.EvaluatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create gate evaluation: %w", err)
	}
	return &eval, nil
}

// DeriveGateState returns the latest evaluation per gate_id for a run,
// ordered by the causing event's sequence; evaluated_at and then
// gate_evaluation_id break ties, including evaluations whose causing event
// is not in the events table.
func (s *Store) DeriveGateState(runID string) (model.GateState, error) {
	rows, err := s.db.Query(`
		SELECT ge.gate_evaluation_id, ge.run_id, ge.gate_id, ge.kind, ge.status, ge.reason, ge.details,
		       ge.causation_event_id, ge.evaluated_at
		FROM gate_evaluations ge
		WHERE ge.run_id = ? AND ge.gate_evaluation_id = (
			SELECT g2.gate_evaluation_id
			FROM gate_evaluations g2
			LEFT JOIN events e ON e.event_id = g2.causation_event_id
			WHERE g2.run_id = ge.run_id AND g2.gate_id = ge.gate_id
			ORDER BY e.sequence DESC, g2.evaluated_at DESC, g2.gate_evaluation_id DESC
			LIMIT 1
		)`, runID)
	if err != nil {
		return nil, fmt.Errorf("derive gate state: %w", err)
	}
	defer rows.Close()

	state := model.GateState{}
	for rows.Next() {
		var (
			eval        model.GateEvaluation
			details     string
			evaluatedAt string
		)
		if err := rows.Scan(&eval.GateEvaluationID, &eval.RunID, &eval.GateID, &eval.Kind, &eval.Status,
			&eval.Reason, &details, &eval.CausationEventID, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("scan gate evaluation: %w", err)
		}
		eval.Details = []byte(details)
		if t, perr := time.Parse(time.RFC3339Nano, evaluatedAt); perr == nil {
			eval.EvaluatedAt = t
		}
		state[eval.GateID] = eval
	}
	return state, rows.Err()
}
