package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"erasured/internal/store"
)

func insertArtifact(t *testing.T, h *harness, kind string, age time.Duration, withFile bool) *store.Artifact {
	t.Helper()
	ctx := context.Background()
	a := &store.Artifact{
		ArtifactID:  uuid.NewString(),
		RunID:       "run-1",
		Kind:        kind,
		ContentType: "application/octet-stream",
		URI:         filepath.Join("run-1", uuid.NewString()),
		CreatedAt:   time.Now().UTC().Add(-age),
	}
	if withFile {
		path, err := h.service.Config.ArtifactPath(a.URI)
		require.NoError(t, err)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	}
	require.NoError(t, h.service.Store.InsertArtifact(ctx, a))
	return a
}

func TestSweepEnforcesRetention(t *testing.T) {
	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, nil)
	h.service.Config.PII.HTMLRetentionDays = 7
	h.service.Config.PII.ScreenshotRetentionDays = 7
	h.service.Config.PII.ConfirmationRetentionDays = -1

	ctx := context.Background()
	day := 24 * time.Hour

	expiredHTML := insertArtifact(t, h, "html", 10*day, true)
	freshShot := insertArtifact(t, h, "screenshot", 1*day, true)
	oldReceipt := insertArtifact(t, h, "confirmation", 400*day, true)
	sw := NewSweeper(h.service)

	removed, err := sw.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = h.service.Store.GetArtifact(ctx, "run-1", expiredHTML.ArtifactID)
	require.ErrorIs(t, err, store.ErrNotFound)
	path, _ := h.service.Config.ArtifactPath(expiredHTML.URI)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))

	// Within the window and kept-forever kinds survive.
	_, err = h.service.Store.GetArtifact(ctx, "run-1", freshShot.ArtifactID)
	require.NoError(t, err)
	_, err = h.service.Store.GetArtifact(ctx, "run-1", oldReceipt.ArtifactID)
	require.NoError(t, err)
}

func TestSweepClearsRowWhenFileAlreadyGone(t *testing.T) {
	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, nil)
	h.service.Config.PII.HTMLRetentionDays = 7
	ctx := context.Background()

	orphan := insertArtifact(t, h, "html", 10*24*time.Hour, false)
	sw := NewSweeper(h.service)

	removed, err := sw.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = h.service.Store.GetArtifact(ctx, "run-1", orphan.ArtifactID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepNegativeRetentionKeepsEverything(t *testing.T) {
	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, nil)
	h.service.Config.PII.HTMLRetentionDays = -1
	h.service.Config.PII.ScreenshotRetentionDays = -1
	h.service.Config.PII.ConfirmationRetentionDays = -1
	ctx := context.Background()

	insertArtifact(t, h, "html", 1000*24*time.Hour, true)
	insertArtifact(t, h, "screenshot", 1000*24*time.Hour, true)
	sw := NewSweeper(h.service)

	removed, err := sw.Sweep(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, removed)

	all, err := h.service.Store.ListArtifacts(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
}
