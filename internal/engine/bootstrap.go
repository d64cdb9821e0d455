package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// planCheckResult is one plan's load outcome in the startup report.
type planCheckResult struct {
	PlanID  string `json:"plan_id"`
	File    string `json:"file"`
	Hash    string `json:"hash,omitempty"`
	Version string `json:"version,omitempty"`
	Tasks   int    `json:"tasks,omitempty"`
	Error   string `json:"error,omitempty"`
}

// startupReport is the JSON document written under the artifacts root at
// process start.
type startupReport struct {
	StartedAt      time.Time         `json:"started_at"`
	PlansRoot      string            `json:"plans_root"`
	CatalogBrokers int               `json:"catalog_brokers"`
	Plans          []planCheckResult `json:"plans"`
	PlanErrors     int               `json:"plan_errors"`
}

// Bootstrap validates every plan under the plans root and writes a startup
// report artifact. Load errors are reported, not fatal: a broken plan only
// fails runs that name it.
func (s *Service) Bootstrap(ctx context.Context) (*startupReport, error) {
	report := &startupReport{
		StartedAt:      time.Now().UTC(),
		PlansRoot:      s.Config.PlansRoot,
		CatalogBrokers: s.Catalog.Len(),
	}

	err := filepath.WalkDir(s.Config.PlansRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		rel, relErr := filepath.Rel(s.Config.PlansRoot, path)
		if relErr != nil {
			rel = path
		}
		id := strings.TrimSuffix(filepath.Base(path), ext)

		result := planCheckResult{PlanID: id, File: filepath.ToSlash(rel)}
		p, hash, loadErr := s.Loader.Load(id)
		if loadErr != nil {
			result.Error = loadErr.Error()
			report.PlanErrors++
		} else {
			result.PlanID = p.PlanID
			result.Hash = hash
			result.Version = p.Version
			result.Tasks = len(p.Tasks)
		}
		report.Plans = append(report.Plans, result)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk plans root: %w", err)
	}

	if err := s.writeStartupReport(report); err != nil {
		return nil, err
	}

	s.Logger.Info("startup checks complete",
		zap.Int("plans", len(report.Plans)),
		zap.Int("plan_errors", report.PlanErrors),
		zap.Int("catalog_brokers", report.CatalogBrokers))
	return report, nil
}

func (s *Service) writeStartupReport(report *startupReport) error {
	dir := filepath.Join(s.Config.ArtifactsRoot, "startup")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create startup report directory: %w", err)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dir, report.StartedAt.Format("20060102T150405Z")+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write startup report: %w", err)
	}
	return nil
}
