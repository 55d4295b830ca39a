package projection

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cswenor/conductor/internal/model"
)

// CreateRoutingDecision persists the immutable per-run routing record.
func (s *Store) CreateRoutingDecision(tx *sql.Tx, rd model.RoutingDecision) (*model.RoutingDecision, error) {
	if rd.RoutingDecisionID == "" {
		rd.RoutingDecisionID = uuid.New().String()
	}
	if rd.CreatedAt.IsZero() {
		rd.CreatedAt = time.Now().UTC()
	}
	classifier := rd.ClassifierOutput
	if len(classifier) == 0 {
		classifier = []byte("{}")
	}
	required := rd.RequiredGatesJSON
	if len(required) == 0 {
		required = []byte("[]")
	}
	optional := rd.OptionalGatesJSON
	if len(optional) == 0 {
		optional = []byte("[]")
	}
	_, err := tx.Exec(`INSERT INTO routing_decisions
		(routing_decision_id, run_id, classifier_output, agent_graph, required_gates_json, optional_gates_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rd.RoutingDecisionID, rd.RunID, string(classifier), rd.AgentGraph, string(required), string(optional),
		rd.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create routing decision: %w", err)
	}
	return &rd, nil
}

// GetRoutingDecision returns runID's routing decision, or nil if absent —
// the Orchestrator falls back to DefaultRequiredGates in that case.
func (s *Store) GetRoutingDecision(runID string) (*model.RoutingDecision, error) {
	var (
		rd         model.RoutingDecision
		classifier string
		required   string
		optional   string
		createdAt  string
	)
	err := s.db.QueryRow(`SELECT routing_decision_id, run_id, classifier_output, agent_graph,
		required_gates_json, optional_gates_json, created_at FROM routing_decisions WHERE run_id = ?`, runID).
		Scan(&rd.RoutingDecisionID, &rd.RunID, &classifier, &rd.AgentGraph, &required, &optional, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get routing decision: %w", err)
	}
	rd.ClassifierOutput = []byte(classifier)
	rd.RequiredGatesJSON = []byte(required)
	rd.OptionalGatesJSON = []byte(optional)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		rd.CreatedAt = t
	}
	return &rd, nil
}
