package store

import (
	"context"
	"database/sql"
	"fmt"
)

const artifactColumns = `artifact_id, run_id, kind, content_type, uri, metadata_json, created_at`

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	err := row.Scan(&a.ArtifactID, &a.RunID, &a.Kind, &a.ContentType, &a.URI, &a.MetadataJSON, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan artifact: %w", err)
	}
	return &a, nil
}

// InsertArtifact records an on-disk artifact.
func (s *Store) InsertArtifact(ctx context.Context, a *Artifact) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO artifacts
		(artifact_id, run_id, kind, content_type, uri, metadata_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.RunID, a.Kind, a.ContentType, a.URI, a.MetadataJSON, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

// GetArtifact fetches one artifact scoped to its run.
func (s *Store) GetArtifact(ctx context.Context, runID, artifactID string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? AND artifact_id = ?`,
		runID, artifactID)
	return scanArtifact(row)
}

// ListArtifactsForRun returns a run's artifacts in creation order.
func (s *Store) ListArtifactsForRun(ctx context.Context, runID string) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = ? ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListArtifacts returns every artifact row; the sweeper walks this.
func (s *Store) ListArtifacts(ctx context.Context) ([]*Artifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+artifactColumns+` FROM artifacts ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func collectArtifacts(rows *sql.Rows) ([]*Artifact, error) {
	var out []*Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteArtifact removes an artifact row after its file is gone.
func (s *Store) DeleteArtifact(ctx context.Context, artifactID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE artifact_id = ?`, artifactID)
	if err != nil {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}
