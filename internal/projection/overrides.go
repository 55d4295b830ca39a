package projection

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cswenor/conductor/internal/model"
)

// CreateOverride records a scoped, justified operator decision.
func (s *Store) CreateOverride(tx *sql.Tx, o model.Override) (*model.Override, error) {
	if o.OverrideID == "" {
		o.OverrideID = uuid.New().String()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	var expiresAt any
	if o.ExpiresAt != nil {
		expiresAt = o.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := tx.Exec(`INSERT INTO overrides
		(override_id, run_id, kind, target_id, scope, operator, justification, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.OverrideID, o.RunID, string(o.Kind), o.TargetID, string(o.Scope), o.Operator, o.Justification,
		expiresAt, o.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create override: %w", err)
	}
	return &o, nil
}

// FindMatchingOverride returns the highest-precedence active override
// covering targetRunID, or nil if none applies. It joins the
// overrides table against both the override's originating run and the
// target run to evaluate the scope hierarchy.
func (s *Store) FindMatchingOverride(targetRunID string, kind model.OverrideKind, targetID string) (*model.Override, error) {
	rows, err := s.db.Query(`
		SELECT o.override_id, o.run_id, o.kind, o.target_id, o.scope, o.operator, o.justification,
		       o.expires_at, o.created_at
		FROM overrides o
		JOIN runs override_run ON override_run.run_id = o.run_id
		JOIN runs target_run ON target_run.run_id = ?
		WHERE o.kind = ?
		  AND (o.target_id = '' OR o.target_id = ?)
		  AND (o.expires_at IS NULL OR o.expires_at > ?)
		  AND (
		        (o.scope = ? AND o.run_id = target_run.run_id)
		     OR (o.scope = ? AND override_run.task_id = target_run.task_id)
		     OR (o.scope = ? AND override_run.repo_id = target_run.repo_id)
		     OR (o.scope = ? AND override_run.project_id = target_run.project_id)
		  )`,
		targetRunID, string(kind), targetID, time.Now().UTC().Format(time.RFC3339Nano),
		string(model.ScopeThisRun), string(model.ScopeThisTask), string(model.ScopeThisRepo), string(model.ScopeProjectWide),
	)
	if err != nil {
		return nil, fmt.Errorf("find matching override: %w", err)
	}
	defer rows.Close()

	var best *model.Override
	for rows.Next() {
		var (
			o           model.Override
			targetIDCol string
			expiresAt   sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&o.OverrideID, &o.RunID, &o.Kind, &targetIDCol, &o.Scope, &o.Operator,
			&o.Justification, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.TargetID = targetIDCol
		if expiresAt.Valid {
			if t, perr := time.Parse(time.RFC3339Nano, expiresAt.String); perr == nil {
				o.ExpiresAt = &t
			}
		}
		if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
			o.CreatedAt = t
		}
		if best == nil || o.Scope.Outranks(best.Scope) {
			best = &o
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return best, nil
}
