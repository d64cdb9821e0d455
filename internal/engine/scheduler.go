package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"erasured/internal/store"
)

// Scheduler fires periodic broker scans. It polls for due schedules and
// launches the broker's plan for each, at most one launch per broker per
// tick so a backlog never floods a single site.
type Scheduler struct {
	service *Service
	logger  *zap.Logger
}

// NewScheduler builds the scan scheduler.
func NewScheduler(service *Service) *Scheduler {
	return &Scheduler{service: service, logger: service.Logger.Named("scheduler")}
}

// Run polls until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	interval := time.Duration(s.service.Config.Scheduler.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.logger.Info("scheduler started", zap.Duration("poll_interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx, time.Now().UTC()); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		}
	}
}

// Tick processes every due schedule once. Exported so the trigger endpoint
// and tests can drive it directly.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	due, err := s.service.Store.DueSchedules(ctx, now)
	if err != nil {
		return err
	}

	launchedBrokers := map[string]bool{}
	for _, sched := range due {
		if launchedBrokers[sched.BrokerID] {
			continue
		}
		launchedBrokers[sched.BrokerID] = true
		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error("schedule fire failed",
				zap.String("schedule_id", sched.ScheduleID),
				zap.String("broker_id", sched.BrokerID),
				zap.Error(err))
		}
	}
	return nil
}

// fire launches one scheduled scan and advances the cursor. The cursor moves
// even when the launch fails so a broken plan cannot wedge the scheduler; the
// sentinel last_run_id records the skip.
func (s *Scheduler) fire(ctx context.Context, sched *store.Schedule, now time.Time) error {
	planID := "broker_" + sched.BrokerID
	key := fmt.Sprintf("sched-%s-%d", sched.ScheduleID, sched.NextRunAt.Unix())

	lastRunID := "skipped-" + uuid.NewString()
	run, _, err := s.service.LaunchRun(ctx, LaunchRequest{
		PlanID: planID,
		Params: map[string]any{
			"profile_id": sched.ProfileID,
			"scan_type":  sched.ScanType,
		},
		RequestedBy:    "scheduler",
		IdempotencyKey: key,
	})
	if err != nil {
		s.logger.Warn("scheduled launch skipped",
			zap.String("schedule_id", sched.ScheduleID),
			zap.String("plan_id", planID),
			zap.Error(err))
		s.service.Metrics.Scans.WithLabelValues(sched.BrokerID, "skipped").Inc()
	} else {
		lastRunID = run.RunID
		s.service.Metrics.Scans.WithLabelValues(sched.BrokerID, "dispatched").Inc()
		s.logger.Info("scheduled scan dispatched",
			zap.String("schedule_id", sched.ScheduleID),
			zap.String("broker_id", sched.BrokerID),
			zap.String("run_id", run.RunID))
	}

	next := now.AddDate(0, 0, sched.IntervalDays)
	return s.service.Store.AdvanceSchedule(ctx, sched.ScheduleID, lastRunID, now, next)
}

// InitSchedulesForProfile bootstraps one schedule per catalog broker for a
// newly created profile. Brokers without a plan file are skipped; their
// removals go through the human queue instead.
func (s *Scheduler) InitSchedulesForProfile(ctx context.Context, profileID string) (int, error) {
	now := time.Now().UTC()
	created := 0
	for _, broker := range s.service.Catalog.All() {
		if strings.TrimSpace(broker.PlanFile) == "" {
			continue
		}
		err := s.service.Store.UpsertSchedule(ctx, &store.Schedule{
			ScheduleID:   uuid.NewString(),
			BrokerID:     broker.ID,
			ProfileID:    profileID,
			ScanType:     "full",
			NextRunAt:    now,
			IntervalDays: broker.RecheckDays,
			Enabled:      true,
			CreatedAt:    now,
		})
		if err != nil {
			return created, err
		}
		created++
	}
	s.logger.Info("schedules initialised",
		zap.String("profile_id", profileID),
		zap.Int("schedules", created))
	return created, nil
}
