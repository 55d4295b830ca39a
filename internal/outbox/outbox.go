// Package outbox implements the durable, at-least-once write queue that is
// the only legal path for producing external GitHub side effects.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cswenor/conductor/internal/ghclient"
	"github.com/cswenor/conductor/internal/model"
	"github.com/cswenor/conductor/internal/redact"
	"github.com/cswenor/conductor/internal/telemetry/live"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS outbox_writes (
	github_write_id TEXT PRIMARY KEY,
	run_id          TEXT NOT NULL,
	kind            TEXT NOT NULL,
	target_node_id  TEXT NOT NULL DEFAULT '',
	target_type     TEXT NOT NULL DEFAULT '',
	idempotency_key TEXT NOT NULL,
	payload_hash    TEXT NOT NULL,
	payload         TEXT NOT NULL DEFAULT '{}',
	status          TEXT NOT NULL,
	retry_count     INTEGER NOT NULL DEFAULT 0,
	error           TEXT NOT NULL DEFAULT '',
	github_id       TEXT NOT NULL DEFAULT '',
	github_url      TEXT NOT NULL DEFAULT '',
	github_number   INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	sent_at         TEXT
)`

// Store owns the outbox_writes table.
type Store struct {
	db       *sql.DB
	redactor redact.Redactor
	log      *zap.Logger
	bus      *live.Bus
}

// WithLiveBus attaches a live.Bus that every completed or failed dispatch
// is republished to. Returns the receiver for chaining at construction
// time.
func (s *Store) WithLiveBus(bus *live.Bus) *Store {
	s.bus = bus
	return s
}

func (s *Store) publish(n live.Notification) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(n)
}

// Open creates the outbox_writes table if absent.
func Open(db *sql.DB, redactor redact.Redactor, log *zap.Logger) (*Store, error) {
	if _, err := db.Exec(createTableSQL); err != nil {
		return nil, fmt.Errorf("create outbox_writes table: %w", err)
	}
	if _, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_outbox_idempotency ON outbox_writes(idempotency_key)`); err != nil {
		return nil, fmt.Errorf("create outbox idempotency index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_writes(status, created_at)`); err != nil {
		return nil, fmt.Errorf("create outbox status index: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_outbox_run ON outbox_writes(run_id)`); err != nil {
		return nil, fmt.Errorf("create outbox run index: %w", err)
	}
	if redactor == nil {
		redactor = redact.DefaultRedactor{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, redactor: redactor, log: log}, nil
}

func scanRow(row interface{ Scan(dest ...any) error }) (*model.OutboxRow, error) {
	var (
		r         model.OutboxRow
		payload   string
		createdAt string
		updatedAt string
		sentAt    sql.NullString
	)
	err := row.Scan(&r.GithubWriteID, &r.RunID, &r.Kind, &r.TargetNodeID, &r.TargetType,
		&r.IdempotencyKey, &r.PayloadHash, &payload, &r.Status, &r.RetryCount, &r.Error,
		&r.GithubID, &r.GithubURL, &r.GithubNumber, &createdAt, &updatedAt, &sentAt)
	if err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		r.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		r.UpdatedAt = t
	}
	if sentAt.Valid {
		if t, perr := time.Parse(time.RFC3339Nano, sentAt.String); perr == nil {
			r.SentAt = &t
		}
	}
	return &r, nil
}

const rowColumns = `github_write_id, run_id, kind, target_node_id, target_type, idempotency_key, payload_hash,
		payload, status, retry_count, error, github_id, github_url, github_number, created_at, updated_at, sent_at`

// EnqueueWrite enqueues a new GitHub write. Re-enqueuing the same idempotency key
// (explicit or derived) returns the existing row with IsNew=false rather
// than inserting again (Invariant O1).
func (s *Store) EnqueueWrite(input model.EnqueueWriteInput) (*model.EnqueueWriteResult, error) {
	redacted, err := s.redactor.Redact(input.Payload)
	if err != nil {
		return nil, model.Wrap(model.KindValidation, "redact payload", err)
	}

	idempotencyKey := input.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = fmt.Sprintf("%s:%s:%s:%s", input.RunID, input.Kind, input.TargetNodeID, redacted.PayloadHash)
	}

	existing, err := s.getByIdempotencyKey(idempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &model.EnqueueWriteResult{Row: *existing, IsNew: false}, nil
	}

	now := time.Now().UTC()
	row := model.OutboxRow{
		GithubWriteID:  newID(),
		RunID:          input.RunID,
		Kind:           input.Kind,
		TargetNodeID:   input.TargetNodeID,
		TargetType:     input.TargetType,
		IdempotencyKey: idempotencyKey,
		PayloadHash:    redacted.PayloadHash,
		Payload:        redacted.JSON,
		Status:         model.OutboxQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = s.db.Exec(`INSERT INTO outbox_writes
		(github_write_id, run_id, kind, target_node_id, target_type, idempotency_key, payload_hash, payload,
		 status, retry_count, error, github_id, github_url, github_number, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', '', 0, ?, ?)`,
		row.GithubWriteID, row.RunID, string(row.Kind), row.TargetNodeID, row.TargetType,
		row.IdempotencyKey, row.PayloadHash, string(row.Payload), string(row.Status),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		// A concurrent enqueue may have won the unique index race between
		// our lookup and this insert; treat that the same as a pre-existing row.
		if existing, lookupErr := s.getByIdempotencyKey(idempotencyKey); lookupErr == nil && existing != nil {
			return &model.EnqueueWriteResult{Row: *existing, IsNew: false}, nil
		}
		return nil, fmt.Errorf("enqueue write: %w", err)
	}
	return &model.EnqueueWriteResult{Row: row, IsNew: true}, nil
}

func (s *Store) getByIdempotencyKey(key string) (*model.OutboxRow, error) {
	row := s.db.QueryRow(`SELECT `+rowColumns+` FROM outbox_writes WHERE idempotency_key = ?`, key)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup outbox row: %w", err)
	}
	return r, nil
}

// newID is overridden in tests that need deterministic ids; production
// code always goes through uuid.
var newID = func() string { return uuid.New().String() }

// CancelRunWritesTx sets every non-terminal row for runID to cancelled,
// inside tx, used by the Orchestrator when a run is cancelled.
func (s *Store) CancelRunWritesTx(tx *sql.Tx, runID string) error {
	_, err := tx.Exec(`UPDATE outbox_writes SET status = ?, updated_at = ?
		WHERE run_id = ? AND status NOT IN (?, ?)`,
		string(model.OutboxCancelled), time.Now().UTC().Format(time.RFC3339Nano), runID,
		string(model.OutboxCompleted), string(model.OutboxCancelled))
	if err != nil {
		return fmt.Errorf("cancel run writes: %w", err)
	}
	return nil
}

// CancelRunWrites is CancelRunWritesTx outside any caller-managed transaction.
func (s *Store) CancelRunWrites(runID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin cancel writes: %w", err)
	}
	defer tx.Rollback()
	if err := s.CancelRunWritesTx(tx, runID); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID reads a single outbox row, for operator inspection.
func (s *Store) GetByID(id string) (*model.OutboxRow, error) {
	row := s.db.QueryRow(`SELECT `+rowColumns+` FROM outbox_writes WHERE github_write_id = ?`, id)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return nil, model.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get outbox row: %w", err)
	}
	return r, nil
}

// RequeueWrite moves a single failed or stuck row back to queued and resets
// its retry count, the operator-triggered counterpart to the janitor's
// ResetStalledWrites sweep (conductorctl's "requeue a stalled write").
func (s *Store) RequeueWrite(id string) error {
	res, err := s.db.Exec(`UPDATE outbox_writes SET status = ?, retry_count = 0, updated_at = ?
		WHERE github_write_id = ? AND status NOT IN (?, ?)`,
		string(model.OutboxQueued), time.Now().UTC().Format(time.RFC3339Nano),
		id, string(model.OutboxCompleted), string(model.OutboxCancelled))
	if err != nil {
		return fmt.Errorf("requeue write: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.Wrap(model.KindInvalidTransition, "write is already terminal or missing", nil)
	}
	return nil
}

// ResetStalledWrites moves any row stuck in `processing` longer than
// staleAfter back to `queued`, so a janitor can recover from worker
// crashes mid-flight.
func (s *Store) ResetStalledWrites(staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE outbox_writes SET status = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`,
		string(model.OutboxQueued), time.Now().UTC().Format(time.RFC3339Nano),
		string(model.OutboxProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stalled writes: %w", err)
	}
	return res.RowsAffected()
}

// nextRetryDelay implements base*2^retryCount with +/-30% jitter, capped at
// 60s.
func nextRetryDelay(base time.Duration, retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
	}
	const maxDelay = 60 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := 1 + (rand.Float64()*0.6 - 0.3) // [0.7, 1.3]
	scaled := time.Duration(float64(delay) * jitter)
	if scaled > maxDelay {
		scaled = maxDelay
	}
	return scaled
}

// classify returns whether an error from the GitHub client should be
// retried.
func classify(err error) (retryable bool) {
	var httpErr *ghclient.HTTPError
	if asHTTPError(err, &httpErr) {
		return httpErr.Retryable()
	}
	if model.IsKind(err, model.KindNotImplemented) || model.IsKind(err, model.KindValidation) {
		return false
	}
	return true // network/timeout/reset errors default to retryable
}

func asHTTPError(err error, target **ghclient.HTTPError) bool {
	e, ok := err.(*ghclient.HTTPError)
	if ok {
		*target = e
	}
	return ok
}

// ProcessOptions controls one call to ProcessOutbox.
type ProcessOptions struct {
	Limit      int
	RunID      string // optional filter
	MaxRetries int
}

// ProcessOutbox fetches eligible rows, claims each by CAS,
// dispatch to the GitHub client, and record the outcome.
func (s *Store) ProcessOutbox(ctx context.Context, client ghclient.Client, opts ProcessOptions) error {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}

	rows, err := s.fetchEligible(opts)
	if err != nil {
		return err
	}

	for _, row := range rows {
		claimed, err := s.claim(row.GithubWriteID)
		if err != nil {
			return err
		}
		if !claimed {
			continue // another worker won the CAS race
		}
		s.dispatch(ctx, client, row, opts.MaxRetries)
	}
	return nil
}

func (s *Store) fetchEligible(opts ProcessOptions) ([]model.OutboxRow, error) {
	query := `SELECT ` + rowColumns + ` FROM outbox_writes
		WHERE status IN (?, ?) AND retry_count < ?`
	args := []any{string(model.OutboxQueued), string(model.OutboxFailed), opts.MaxRetries}
	if opts.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, opts.RunID)
	}
	query += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch eligible outbox rows: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxRow
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		if r.Status == model.OutboxFailed && !backoffElapsed(*r) {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const baseRetryBackoff = 5 * time.Second

// backoffElapsed reports whether enough time has passed since a failed
// row's last attempt to retry it now, per the exponential-backoff-with-
// jitter schedule.
func backoffElapsed(row model.OutboxRow) bool {
	delay := nextRetryDelay(baseRetryBackoff, row.RetryCount)
	return time.Since(row.UpdatedAt) >= delay
}

func (s *Store) claim(id string) (bool, error) {
	res, err := s.db.Exec(`UPDATE outbox_writes SET status = ?, updated_at = ?
		WHERE github_write_id = ? AND status IN (?, ?)`,
		string(model.OutboxProcessing), time.Now().UTC().Format(time.RFC3339Nano),
		id, string(model.OutboxQueued), string(model.OutboxFailed))
	if err != nil {
		return false, fmt.Errorf("claim outbox row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) dispatch(ctx context.Context, client ghclient.Client, row model.OutboxRow, maxRetries int) {
	result, err := s.execute(ctx, client, row)
	if err != nil {
		s.markFailed(row, err, maxRetries)
		s.publish(live.Notification{
			RunID:   row.RunID,
			Kind:    live.KindOutboxDispatched,
			Summary: fmt.Sprintf("%s failed: %v", row.Kind, err),
		})
		return
	}
	s.markCompleted(row.GithubWriteID, result)
	s.publish(live.Notification{
		RunID:   row.RunID,
		Kind:    live.KindOutboxDispatched,
		Summary: fmt.Sprintf("%s completed", row.Kind),
		Detail:  result,
	})
}

func (s *Store) execute(ctx context.Context, client ghclient.Client, row model.OutboxRow) (ghclient.WriteResult, error) {
	switch row.Kind {
	case model.OutboxComment:
		return client.CreateOrUpdateComment(ctx, ghclient.CommentInput{TargetNodeID: row.TargetNodeID, Body: string(row.Payload)})
	case model.OutboxPullRequest:
		var in ghclient.PullRequestInput
		if err := json.Unmarshal(row.Payload, &in); err != nil {
			return ghclient.WriteResult{}, model.Wrap(model.KindValidation, "unmarshal pull_request payload", err)
		}
		in.TargetNodeID = row.TargetNodeID
		return client.CreateOrUpdatePullRequest(ctx, in)
	case model.OutboxCheckRun:
		var in ghclient.CheckRunInput
		if err := json.Unmarshal(row.Payload, &in); err != nil {
			return ghclient.WriteResult{}, model.Wrap(model.KindValidation, "unmarshal check_run payload", err)
		}
		in.TargetNodeID = row.TargetNodeID
		return client.CreateOrUpdateCheckRun(ctx, in)
	case model.OutboxBranch:
		var in ghclient.BranchInput
		if err := json.Unmarshal(row.Payload, &in); err != nil {
			return ghclient.WriteResult{}, model.Wrap(model.KindValidation, "unmarshal branch payload", err)
		}
		in.TargetNodeID = row.TargetNodeID
		return client.CreateBranch(ctx, in)
	case model.OutboxLabel, model.OutboxReview, model.OutboxProjectFieldUpdate:
		return ghclient.WriteResult{}, model.ErrNotImplementedKind
	default:
		return ghclient.WriteResult{}, model.ErrNotImplementedKind
	}
}

func (s *Store) markCompleted(id string, result ghclient.WriteResult) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := s.db.Exec(`UPDATE outbox_writes SET status = ?, error = '', github_id = ?, github_url = ?,
		github_number = ?, sent_at = ?, updated_at = ? WHERE github_write_id = ?`,
		string(model.OutboxCompleted), result.ID, result.URL, result.Number, now, now, id); err != nil {
		s.log.Error("mark outbox write completed", zap.String("github_write_id", id), zap.Error(err))
	}
}

// markFailed records a failed attempt. A retryable error just bumps
// retry_count so the backoff schedule picks it up again later; a
// non-retryable one jumps retry_count straight to maxRetries so it is
// never re-fetched — a 404 or a not-implemented kind will not start
// succeeding on attempt two.
func (s *Store) markFailed(row model.OutboxRow, cause error, maxRetries int) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	retryCount := "retry_count + 1"
	if !classify(cause) {
		retryCount = fmt.Sprintf("%d", maxRetries)
	}
	if _, err := s.db.Exec(`UPDATE outbox_writes SET status = ?, error = ?, retry_count = `+retryCount+`,
		updated_at = ? WHERE github_write_id = ?`,
		string(model.OutboxFailed), cause.Error(), now, row.GithubWriteID); err != nil {
		s.log.Error("mark outbox write failed", zap.String("github_write_id", row.GithubWriteID), zap.Error(err))
	}
}
