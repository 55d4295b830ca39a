package model

import "time"

// OverrideKind names the policy exception an operator is granting.
type OverrideKind string

const (
	OverridePolicyException  OverrideKind = "policy_exception"
	OverrideSkipTests        OverrideKind = "skip_tests"
	OverrideAcceptWithIssues OverrideKind = "accept_with_issues"
)

// OverrideScope controls how far an override's effect reaches beyond the
// run it was recorded against. Precedence order, broadest first:
// ProjectWide > ThisRepo > ThisTask > ThisRun.
type OverrideScope string

const (
	ScopeThisRun     OverrideScope = "this_run"
	ScopeThisTask    OverrideScope = "this_task"
	ScopeThisRepo    OverrideScope = "this_repo"
	ScopeProjectWide OverrideScope = "project_wide"
)

// rank orders scopes by precedence, broadest (highest rank) first.
// projection.Store.FindMatchingOverride uses it, through Outranks, to pick
// a winner when more than one active override applies.
func (s OverrideScope) rank() int {
	switch s {
	case ScopeProjectWide:
		return 3
	case ScopeThisRepo:
		return 2
	case ScopeThisTask:
		return 1
	case ScopeThisRun:
		return 0
	default:
		return -1
	}
}

// Outranks reports whether s takes precedence over other when both cover
// the same target.
func (s OverrideScope) Outranks(other OverrideScope) bool {
	return s.rank() > other.rank()
}

// Override is a scoped, justified operator decision that forces a gate
// outcome or authorizes a policy exception.
type Override struct {
	OverrideID    string
	RunID         string
	Kind          OverrideKind
	TargetID      string
	Scope         OverrideScope
	Operator      string
	Justification string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// Active reports whether the override has not expired as of now.
func (o Override) Active(now time.Time) bool {
	return o.ExpiresAt == nil || now.Before(*o.ExpiresAt)
}
