package model

import "time"

// ArtifactType names the kind of output an agent produced.
type ArtifactType string

const (
	ArtifactPlan       ArtifactType = "plan"
	ArtifactReview     ArtifactType = "review"
	ArtifactTestReport ArtifactType = "test_report"
)

// ValidationStatus tracks whether an artifact has passed schema/reference
// checks. Only Valid artifacts are visible to gate evaluation (Invariant A1).
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// Artifact is an output produced by an agent: a plan, a review, a test
// report. Version is auto-incremented per (run_id, type).
type Artifact struct {
	ArtifactID string
	RunID      string
	Type       ArtifactType
	Version    int

	ContentMarkdown string
	BlobRef         string

	SizeBytes      int64
	ChecksumSHA256 string

	ValidationStatus ValidationStatus

	// SourceToolInvocationID is required for test_report artifacts: the
	// tests_pass evaluator rejects any test_report lacking it, since an
	// agent cannot fabricate a passing result without an accompanying
	// tool-execution record.
	SourceToolInvocationID string

	CreatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}
