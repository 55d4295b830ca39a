package model

import "time"

// OutboxStatus is the lifecycle state of a pending external write.
type OutboxStatus string

const (
	OutboxQueued     OutboxStatus = "queued"
	OutboxProcessing OutboxStatus = "processing"
	OutboxCompleted  OutboxStatus = "completed"
	OutboxFailed     OutboxStatus = "failed"
	OutboxCancelled  OutboxStatus = "cancelled"
)

// OutboxKind names the external mutation a row represents. The outbox
// processor dispatches on Kind to the matching ghclient method.
type OutboxKind string

const (
	OutboxComment           OutboxKind = "comment"
	OutboxPullRequest       OutboxKind = "pull_request"
	OutboxCheckRun          OutboxKind = "check_run"
	OutboxBranch            OutboxKind = "branch"
	OutboxLabel             OutboxKind = "label"
	OutboxReview            OutboxKind = "review"
	OutboxProjectFieldUpdate OutboxKind = "project_field_update"
)

// OutboxRow is a pending or completed external GitHub write. The outbox is
// the only legal path for producing external side effects.
type OutboxRow struct {
	GithubWriteID string
	RunID         string
	Kind          OutboxKind
	TargetNodeID  string
	TargetType    string

	// IdempotencyKey is unique (Invariant O1); re-enqueuing with the same
	// key returns the existing row rather than inserting a new one.
	IdempotencyKey string
	PayloadHash    string
	Payload        []byte

	Status     OutboxStatus
	RetryCount int
	Error      string

	GithubID     string
	GithubURL    string
	GithubNumber int

	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time
}

// EnqueueWriteInput is the argument to outbox.Store.EnqueueWrite.
type EnqueueWriteInput struct {
	RunID          string
	Kind           OutboxKind
	TargetNodeID   string
	TargetType     string
	IdempotencyKey string // optional; derived from RunID/Kind/TargetNodeID/PayloadHash when empty
	Payload        []byte
}

// EnqueueWriteResult reports whether EnqueueWrite produced a fresh row or
// returned one that already existed under the same idempotency key.
type EnqueueWriteResult struct {
	Row   OutboxRow
	IsNew bool
}
