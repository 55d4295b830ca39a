package projection

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cswenor/conductor/internal/model"
)

// CreateArtifact inserts a new artifact, auto-incrementing Version per
// (run_id, type) inside tx.
func (s *Store) CreateArtifact(tx *sql.Tx, a model.Artifact) (*model.Artifact, error) {
	if a.ArtifactID == "" {
		a.ArtifactID = uuid.New().String()
	}
	var maxVersion sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(version) FROM artifacts WHERE run_id = ? AND type = ?`,
		a.RunID, string(a.Type)).Scan(&maxVersion); err != nil {
		return nil, fmt.Errorf("compute artifact version: %w", err)
	}
	a.Version = 1
	if maxVersion.Valid {
		a.Version = int(maxVersion.Int64) + 1
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := tx.Exec(`INSERT INTO artifacts
		(artifact_id, run_id, type, version, content_markdown, blob_ref, size_bytes, checksum_sha256,
		 validation_status, source_tool_invocation_id, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.RunID, string(a.Type), a.Version, a.ContentMarkdown, a.BlobRef, a.SizeBytes,
		a.ChecksumSHA256, string(a.ValidationStatus), a.SourceToolInvocationID, a.CreatedBy,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("create artifact: %w", err)
	}
	return &a, nil
}

// LatestValidArtifact returns the highest-version artifact of type for run
// with validation_status = valid, or nil if none exists (Invariant A1).
func (s *Store) LatestValidArtifact(runID string, artifactType model.ArtifactType) (*model.Artifact, error) {
	row := s.db.QueryRow(`SELECT artifact_id, run_id, type, version, content_markdown, blob_ref, size_bytes,
		checksum_sha256, validation_status, source_tool_invocation_id, created_by, created_at, updated_at
		FROM artifacts WHERE run_id = ? AND type = ? AND validation_status = ?
		ORDER BY version DESC LIMIT 1`, runID, string(artifactType), string(model.ValidationValid))

	var (
		a          model.Artifact
		createdAt  string
		updatedAt  string
	)
	err := row.Scan(&a.ArtifactID, &a.RunID, &a.Type, &a.Version, &a.ContentMarkdown, &a.BlobRef,
		&a.SizeBytes, &a.ChecksumSHA256, &a.ValidationStatus, &a.SourceToolInvocationID, &a.CreatedBy,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest valid artifact: %w", err)
	}
	if t, perr := time.Parse(time.RFC3339Nano, createdAt); perr == nil {
		a.CreatedAt = t
	}
	if t, perr := time.Parse(time.RFC3339Nano, updatedAt); perr == nil {
		a.UpdatedAt = t
	}
	return &a, nil
}
