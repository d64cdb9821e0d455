package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"erasured/internal/store"
)

// runArtifacts writes artifact files under <artifacts_root>/<run_id>/ and
// records their rows. It implements task.ArtifactSink for mid-task binaries.
type runArtifacts struct {
	service *Service
	runID   string
}

func (a *runArtifacts) SaveBinary(ctx context.Context, kind, contentType, ext string, data []byte) (string, error) {
	artifactID := uuid.NewString()
	uri := filepath.ToSlash(filepath.Join(a.runID, artifactID+"."+ext))

	path, err := a.service.Config.ArtifactPath(uri)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}

	err = a.service.Store.InsertArtifact(ctx, &store.Artifact{
		ArtifactID:  artifactID,
		RunID:       a.runID,
		Kind:        kind,
		ContentType: contentType,
		URI:         uri,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

// saveTaskOutput persists a task's output document as a JSON artifact. The
// kind defaults to the task type unless the plan names an artifact_kind.
func (a *runArtifacts) saveTaskOutput(ctx context.Context, taskID, kind string, output map[string]any, meta map[string]any) error {
	artifactID := uuid.NewString()
	uri := filepath.ToSlash(filepath.Join(a.runID, artifactID+".json"))

	path, err := a.service.Config.ArtifactPath(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("encode task output: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write task output: %w", err)
	}

	meta["task_id"] = taskID
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	metaStr := string(metaJSON)

	return a.service.Store.InsertArtifact(ctx, &store.Artifact{
		ArtifactID:   artifactID,
		RunID:        a.runID,
		Kind:         kind,
		ContentType:  "application/json",
		URI:          uri,
		MetadataJSON: &metaStr,
		CreatedAt:    time.Now().UTC(),
	})
}
