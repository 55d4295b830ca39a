package projection

import (
	"database/sql"
	"fmt"
	"time"
)

// Task is the minimal owning-entity row a Run hangs off of: just enough to
// join on for override scope resolution (task_id/repo_id/project_id) and to
// clear active_run_id on run completion.
type Task struct {
	TaskID      string
	ProjectID   string
	RepoID      string
	ActiveRunID string
}

// EnsureTask inserts taskID if absent, leaving any existing row untouched.
// Callers that create a run call this first, in the same transaction, so
// the run's task_id reference resolves; the orchestrator does not call it.
func (s *Store) EnsureTask(tx *sql.Tx, taskID, projectID, repoID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := tx.Exec(`INSERT OR IGNORE INTO tasks (task_id, project_id, repo_id, active_run_id, created_at, updated_at)
		VALUES (?, ?, ?, '', ?, ?)`, taskID, projectID, repoID, now, now)
	if err != nil {
		return fmt.Errorf("ensure task: %w", err)
	}
	return nil
}

// SetActiveRun records runID as the task's in-flight attempt.
func (s *Store) SetActiveRun(tx *sql.Tx, taskID, runID string) error {
	_, err := tx.Exec(`UPDATE tasks SET active_run_id = ?, updated_at = ? WHERE task_id = ?`,
		runID, time.Now().UTC().Format(time.RFC3339Nano), taskID)
	if err != nil {
		return fmt.Errorf("set active run: %w", err)
	}
	return nil
}

// ClearActiveRunIfMatches clears tasks.active_run_id for taskID, but only if
// it still points at runID — a newer run may already have claimed it.
func (s *Store) ClearActiveRunIfMatches(tx *sql.Tx, taskID, runID string) error {
	_, err := tx.Exec(`UPDATE tasks SET active_run_id = '', updated_at = ? WHERE task_id = ? AND active_run_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), taskID, runID)
	if err != nil {
		return fmt.Errorf("clear active run: %w", err)
	}
	return nil
}

// GetTask returns the task row, or nil with a nil error if it does not exist.
func (s *Store) GetTask(taskID string) (*Task, error) {
	var t Task
	err := s.db.QueryRow(`SELECT task_id, project_id, repo_id, active_run_id FROM tasks WHERE task_id = ?`, taskID).
		Scan(&t.TaskID, &t.ProjectID, &t.RepoID, &t.ActiveRunID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}
