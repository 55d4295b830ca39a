// Package projection implements the mutable "current state" tables derived
// from the event log: runs, tasks, gate_evaluations, artifacts, overrides,
// outbox rows, and routing decisions. Every mutation here happens inside the
// transaction that appended the causing event — there is no background
// "apply events" loop.
package projection

import (
	"database/sql"
	"fmt"
	"strings"
)

// Store owns the projection tables. The outbox keeps its own store
// (internal/outbox) over the same *sql.DB since it has its own lifecycle
// (claim/retry) distinct from event-caused projection updates.
type Store struct {
	db *sql.DB
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id       TEXT PRIMARY KEY,
	project_id    TEXT NOT NULL,
	repo_id       TEXT NOT NULL,
	active_run_id TEXT,
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id              TEXT PRIMARY KEY,
	task_id             TEXT NOT NULL,
	project_id          TEXT NOT NULL,
	repo_id             TEXT NOT NULL,
	run_number          INTEGER NOT NULL,
	phase               TEXT NOT NULL,
	step                TEXT NOT NULL DEFAULT '',
	next_sequence       INTEGER NOT NULL DEFAULT 1,
	last_event_sequence INTEGER NOT NULL DEFAULT 0,
	base_branch         TEXT NOT NULL DEFAULT '',
	branch              TEXT NOT NULL DEFAULT '',
	plan_revisions      INTEGER NOT NULL DEFAULT 0,
	test_fix_attempts   INTEGER NOT NULL DEFAULT 0,
	review_rounds       INTEGER NOT NULL DEFAULT 0,
	created_at          TEXT NOT NULL,
	updated_at          TEXT NOT NULL,
	completed_at        TEXT,
	result              TEXT NOT NULL DEFAULT '',
	result_reason       TEXT NOT NULL DEFAULT '',
	blocked_reason      TEXT NOT NULL DEFAULT '',
	blocked_context     TEXT NOT NULL DEFAULT '{}',
	FOREIGN KEY(task_id) REFERENCES tasks(task_id)
);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_project_phase ON runs(project_id, phase);

CREATE TABLE IF NOT EXISTS gate_evaluations (
	gate_evaluation_id TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL,
	gate_id            TEXT NOT NULL,
	kind               TEXT NOT NULL,
	status             TEXT NOT NULL,
	reason             TEXT NOT NULL DEFAULT '',
	details            TEXT NOT NULL DEFAULT '{}',
	causation_event_id TEXT NOT NULL,
	evaluated_at       TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(run_id)
);
CREATE INDEX IF NOT EXISTS idx_gate_evals_run_gate ON gate_evaluations(run_id, gate_id, evaluated_at);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id                TEXT PRIMARY KEY,
	run_id                     TEXT NOT NULL,
	type                       TEXT NOT NULL,
	version                    INTEGER NOT NULL,
	content_markdown           TEXT NOT NULL DEFAULT '',
	blob_ref                   TEXT NOT NULL DEFAULT '',
	size_bytes                 INTEGER NOT NULL DEFAULT 0,
	checksum_sha256            TEXT NOT NULL DEFAULT '',
	validation_status          TEXT NOT NULL,
	source_tool_invocation_id  TEXT NOT NULL DEFAULT '',
	created_by                 TEXT NOT NULL DEFAULT '',
	created_at                 TEXT NOT NULL,
	updated_at                 TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(run_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_run_type_version ON artifacts(run_id, type, version);

CREATE TABLE IF NOT EXISTS overrides (
	override_id   TEXT PRIMARY KEY,
	run_id        TEXT NOT NULL,
	kind          TEXT NOT NULL,
	target_id     TEXT NOT NULL DEFAULT '',
	scope         TEXT NOT NULL,
	operator      TEXT NOT NULL,
	justification TEXT NOT NULL DEFAULT '',
	expires_at    TEXT,
	created_at    TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(run_id)
);
CREATE INDEX IF NOT EXISTS idx_overrides_kind ON overrides(kind, target_id);

CREATE TABLE IF NOT EXISTS routing_decisions (
	routing_decision_id  TEXT PRIMARY KEY,
	run_id               TEXT NOT NULL UNIQUE,
	classifier_output    TEXT NOT NULL DEFAULT '{}',
	agent_graph          TEXT NOT NULL DEFAULT '',
	required_gates_json  TEXT NOT NULL DEFAULT '[]',
	optional_gates_json  TEXT NOT NULL DEFAULT '[]',
	created_at           TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(run_id)
);

CREATE TABLE IF NOT EXISTS operator_actions (
	operator_action_id TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL,
	action             TEXT NOT NULL,
	operator           TEXT NOT NULL,
	comment            TEXT NOT NULL DEFAULT '',
	created_at         TEXT NOT NULL,
	FOREIGN KEY(run_id) REFERENCES runs(run_id)
);
CREATE INDEX IF NOT EXISTS idx_operator_actions_run ON operator_actions(run_id, action);
`

// Open creates the projection tables if absent and returns a Store over db.
func Open(db *sql.DB) (*Store, error) {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("projection schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}
