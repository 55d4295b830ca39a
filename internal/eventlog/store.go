// Package eventlog implements the append-only event log: the single source
// of truth every projection is derived from. Every write goes through
// AppendEvent inside a caller-supplied transaction, so the event and
// whatever projection row it caused commit together or not at all.
package eventlog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cswenor/conductor/internal/model"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS events (
	event_id        TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL DEFAULT '',
	type            TEXT NOT NULL,
	class           TEXT NOT NULL,
	source          TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	sequence        INTEGER,
	idempotency_key TEXT NOT NULL,
	causation_id    TEXT NOT NULL DEFAULT '',
	correlation_id  TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL,
	processed_at    TEXT
)`

// Store owns the events table. It holds no in-process cache: every read
// goes straight to SQLite, since projections (not the log) serve hot reads.
type Store struct {
	db *sql.DB
}

// Open creates the events table if absent and returns a Store over db.
func Open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("create events table: %w", err)
	}
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_idempotency ON events(idempotency_key)`); err != nil {
		return nil, fmt.Errorf("create idempotency index: %w", err)
	}
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_run_sequence ON events(run_id, sequence) WHERE sequence IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("create run/sequence index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_events_run_id ON events(run_id)`); err != nil {
		return nil, fmt.Errorf("create run_id index: %w", err)
	}
	return &Store{db: db}, nil
}

// MaxRunSequenceTx returns the highest allocated sequence for runID within
// tx, or 0 if the run has no sequenced events yet. Exported for callers
// (the Orchestrator) that need the floor ahead of computing their own
// sequence, in the same transaction as their projection update.
func MaxRunSequenceTx(tx *sql.Tx, runID string) (int64, error) {
	return maxRunSequence(tx, runID)
}

func maxRunSequence(tx *sql.Tx, runID string) (int64, error) {
	var max sql.NullInt64
	err := tx.QueryRow(`SELECT MAX(sequence) FROM events WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64, nil
}

// AppendEvent inserts a new event inside tx. It returns (nil, nil) — not an
// error — when input.IdempotencyKey already exists (Invariant E2: dedup is a
// contract, not a failure).
//
// For run-scoped events the sequence floor applies: the sequence is
// max(requested, 1+max(events.sequence for this run)), where requested is
// input.Sequence when set (orchestrator-authored phase/gate events) and
// runNextSequence otherwise. runNextSequence is the run's current
// next_sequence counter, supplied by the caller (the Orchestrator or
// Projection Store, which holds the run row locked in the same transaction).
func AppendEvent(tx *sql.Tx, input model.AppendEventInput, runNextSequence int64) (*model.Event, error) {
	if input.IdempotencyKey == "" {
		return nil, model.NewError(model.KindValidation, "idempotency_key is required")
	}
	if (input.Type == model.EventPhaseTransitioned || input.Class == model.ClassDecision) && input.Source != model.SourceOrchestrator {
		return nil, model.NewError(model.KindForbidden,
			fmt.Sprintf("source %q may not author a %s event of class %s", input.Source, input.Type, input.Class))
	}

	var exists int
	err := tx.QueryRow(`SELECT 1 FROM events WHERE idempotency_key = ?`, input.IdempotencyKey).Scan(&exists)
	switch {
	case err == nil:
		return nil, nil
	case err != sql.ErrNoRows:
		return nil, fmt.Errorf("check idempotency: %w", err)
	}

	evt := &model.Event{
		EventID:        uuid.New().String(),
		RunID:          input.RunID,
		Type:           input.Type,
		Class:          input.Class,
		Source:         input.Source,
		Payload:        input.Payload,
		IdempotencyKey: input.IdempotencyKey,
		CausationID:    input.CausationID,
		CorrelationID:  input.CorrelationID,
		CreatedAt:      time.Now().UTC(),
	}

	if input.RunID != "" {
		floor, err := maxRunSequence(tx, input.RunID)
		if err != nil {
			return nil, fmt.Errorf("compute sequence floor: %w", err)
		}
		seq := runNextSequence
		if input.Sequence != nil {
			seq = *input.Sequence
		}
		if floor+1 > seq {
			seq = floor + 1
		}
		evt.Sequence = &seq
	}

	payload := evt.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	_, err = tx.Exec(`INSERT INTO events
		(event_id, run_id, type, class, source, payload, sequence, idempotency_key, causation_id, correlation_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		evt.EventID, evt.RunID, string(evt.Type), string(evt.Class), string(evt.Source),
		string(payload), evt.Sequence, evt.IdempotencyKey, evt.CausationID, evt.CorrelationID,
		evt.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return evt, nil
}

// ListRunEvents returns every event for runID in sequence order (nil
// sequences, i.e. pre-sequence fact events, sort before sequenced ones by
// created_at).
func (s *Store) ListRunEvents(runID string) ([]model.Event, error) {
	rows, err := s.db.Query(`SELECT event_id, run_id, type, class, source, payload, sequence,
		idempotency_key, causation_id, correlation_id, created_at, processed_at
		FROM events WHERE run_id = ? ORDER BY sequence IS NULL DESC, sequence ASC, created_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkProcessed stamps processed_at on eventID if it is not already set.
func (s *Store) MarkProcessed(eventID string) error {
	_, err := s.db.Exec(`UPDATE events SET processed_at = ? WHERE event_id = ? AND processed_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), eventID)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var (
			evt         model.Event
			seq         sql.NullInt64
			createdAt   string
			processedAt sql.NullString
			payload     string
		)
		if err := rows.Scan(&evt.EventID, &evt.RunID, &evt.Type, &evt.Class, &evt.Source, &payload,
			&seq, &evt.IdempotencyKey, &evt.CausationID, &evt.CorrelationID, &createdAt, &processedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		evt.Payload = []byte(payload)
		if seq.Valid {
			v := seq.Int64
			evt.Sequence = &v
		}
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			evt.CreatedAt = t
		}
		if processedAt.Valid {
			if t, err := time.Parse(time.RFC3339Nano, processedAt.String); err == nil {
				evt.ProcessedAt = &t
			}
		}
		out = append(out, evt)
	}
	return out, rows.Err()
}
