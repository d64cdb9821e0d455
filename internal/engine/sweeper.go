package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"go.uber.org/zap"

	"erasured/internal/store"
)

// Sweeper enforces artifact retention: expired HTML and screenshots are
// unlinked and their rows removed. Confirmations and receipts are kept
// forever unless a non-negative retention is configured.
type Sweeper struct {
	service *Service
	logger  *zap.Logger
}

// NewSweeper builds the retention sweeper.
func NewSweeper(service *Service) *Sweeper {
	return &Sweeper{service: service, logger: service.Logger.Named("sweeper")}
}

// Run sweeps on the configured interval until the context is canceled.
func (w *Sweeper) Run(ctx context.Context) error {
	interval := time.Duration(w.service.Config.Sweeper.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	w.logger.Info("sweeper started", zap.Duration("poll_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if removed, err := w.Sweep(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			w.logger.Error("sweep failed", zap.Error(err))
		} else if removed > 0 {
			w.logger.Info("sweep removed expired artifacts", zap.Int("removed", removed))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			w.logger.Info("sweeper stopped")
			return ctx.Err()
		}
	}
}

// Sweep deletes every artifact past its retention window and returns the
// number removed. Exported for tests and the startup pass.
func (w *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	artifacts, err := w.service.Store.ListArtifacts(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, a := range artifacts {
		retention, applies := w.retentionFor(a.Kind)
		if !applies {
			continue
		}
		if now.Sub(a.CreatedAt) < retention {
			continue
		}
		if err := w.remove(ctx, a); err != nil {
			w.logger.Warn("artifact removal failed",
				zap.String("artifact_id", a.ArtifactID),
				zap.String("uri", a.URI),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

// retentionFor maps an artifact kind to its retention window. applies=false
// means the kind is kept forever.
func (w *Sweeper) retentionFor(kind string) (time.Duration, bool) {
	pii := w.service.Config.PII
	days := -1
	switch kind {
	case "html", "response_html", "page":
		days = pii.HTMLRetentionDays
	case "screenshot":
		days = pii.ScreenshotRetentionDays
	case "confirmation", "receipt":
		days = pii.ConfirmationRetentionDays
	default:
		// Task-output JSON documents follow the HTML window.
		days = pii.HTMLRetentionDays
	}
	if days < 0 {
		return 0, false
	}
	return time.Duration(days) * 24 * time.Hour, true
}

// remove unlinks the file then deletes the row. A file already gone still
// clears the row; an unlink failure keeps the row so the next sweep retries.
func (w *Sweeper) remove(ctx context.Context, a *store.Artifact) error {
	path, err := w.service.Config.ArtifactPath(a.URI)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return w.service.Store.DeleteArtifact(ctx, a.ArtifactID)
}
