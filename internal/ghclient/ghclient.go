// Package ghclient defines the typed GitHub write surface the outbox
// dispatches onto. Errors surface HTTP status so the outbox can classify
// retryability.
package ghclient

import (
	"context"
	"fmt"
	"net/http"
)

// WriteResult is the structured result returned for any created or updated
// GitHub resource.
type WriteResult struct {
	ID     string
	URL    string
	NodeID string
	Number int
}

// HTTPError carries the status code an API call failed with, so callers
// can classify retryable (5xx, 429) versus permanent (other 4xx) failures
// without string-matching error text.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("github: %d %s", e.StatusCode, e.Message)
}

// Retryable reports whether the outbox should retry a write that failed
// with this status: 5xx and 429 are retryable, every other 4xx is not.
func (e *HTTPError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// CommentInput creates or updates an issue/PR comment.
type CommentInput struct {
	TargetNodeID string
	Body         string
}

// PullRequestInput creates or updates a pull request.
type PullRequestInput struct {
	TargetNodeID string // repository node id
	Title        string
	Body         string
	Head         string
	Base         string
}

// CheckRunInput creates or updates a check run. A non-empty CheckRunID
// means update rather than create.
type CheckRunInput struct {
	TargetNodeID string
	CheckRunID   string
	Name         string
	Status       string
	Conclusion   string
	Summary      string
}

// BranchInput creates a branch from Base at TargetNodeID's repo.
type BranchInput struct {
	TargetNodeID string
	Name         string
	Base         string
}

// Client is the typed wrapper around the REST endpoints the outbox needs.
// label, review, and project_field_update are intentionally absent: they
// are reserved kinds the outbox must fail not-implemented rather than call
// through to here.
type Client interface {
	CreateOrUpdateComment(ctx context.Context, in CommentInput) (WriteResult, error)
	CreateOrUpdatePullRequest(ctx context.Context, in PullRequestInput) (WriteResult, error)
	CreateOrUpdateCheckRun(ctx context.Context, in CheckRunInput) (WriteResult, error)
	CreateBranch(ctx context.Context, in BranchInput) (WriteResult, error)
}
