package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"erasured/internal/catalog"
	"erasured/internal/store"
)

func dueSchedule(brokerID, profileID string, now time.Time) *store.Schedule {
	return &store.Schedule{
		ScheduleID:   uuid.NewString(),
		BrokerID:     brokerID,
		ProfileID:    profileID,
		ScanType:     "full",
		NextRunAt:    now.Add(-time.Minute),
		IntervalDays: 30,
		Enabled:      true,
		CreatedAt:    now,
	}
}

func TestSchedulerTickLaunchesAndAdvances(t *testing.T) {
	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, nil)
	sched := NewScheduler(h.service)
	ctx := context.Background()
	now := time.Now().UTC()

	sc := dueSchedule("acme", "p-1", now)
	require.NoError(t, h.service.Store.UpsertSchedule(ctx, sc))

	require.NoError(t, sched.Tick(ctx, now))

	key := fmt.Sprintf("sched-%s-%d", sc.ScheduleID, sc.NextRunAt.Unix())
	run, err := h.service.Store.GetRunByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	require.Equal(t, "broker_acme", run.PlanID)
	require.Equal(t, "scheduler", run.RequestedBy)

	got, err := h.service.Store.GetSchedule(ctx, sc.ScheduleID)
	require.NoError(t, err)
	require.Equal(t, run.RunID, *got.LastRunID)
	require.NotNil(t, got.LastRunAt)
	require.WithinDuration(t, now.AddDate(0, 0, 30), got.NextRunAt, time.Second)

	// Advanced past now, so a second tick finds nothing.
	due, err := h.service.Store.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestSchedulerAdvancesPastBrokenPlan(t *testing.T) {
	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, nil)
	sched := NewScheduler(h.service)
	ctx := context.Background()
	now := time.Now().UTC()

	// No plan file exists for this broker.
	sc := dueSchedule("ghost", "p-1", now)
	require.NoError(t, h.service.Store.UpsertSchedule(ctx, sc))

	require.NoError(t, sched.Tick(ctx, now))

	got, err := h.service.Store.GetSchedule(ctx, sc.ScheduleID)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(*got.LastRunID, "skipped-"), *got.LastRunID)
	require.WithinDuration(t, now.AddDate(0, 0, 30), got.NextRunAt, time.Second)
}

func TestSchedulerDedupesBrokerPerTick(t *testing.T) {
	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, nil)
	sched := NewScheduler(h.service)
	ctx := context.Background()
	now := time.Now().UTC()

	first := dueSchedule("acme", "p-1", now)
	second := dueSchedule("acme", "p-2", now)
	require.NoError(t, h.service.Store.UpsertSchedule(ctx, first))
	require.NoError(t, h.service.Store.UpsertSchedule(ctx, second))

	require.NoError(t, sched.Tick(ctx, now))

	firstKey := fmt.Sprintf("sched-%s-%d", first.ScheduleID, first.NextRunAt.Unix())
	_, err := h.service.Store.GetRunByIdempotencyKey(ctx, firstKey)
	require.NoError(t, err)

	secondKey := fmt.Sprintf("sched-%s-%d", second.ScheduleID, second.NextRunAt.Unix())
	_, err = h.service.Store.GetRunByIdempotencyKey(ctx, secondKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	// The deduped schedule stays due for the next tick.
	due, err := h.service.Store.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, second.ScheduleID, due[0].ScheduleID)
}

func TestInitSchedulesForProfile(t *testing.T) {
	cat, err := catalog.Parse([]byte(`brokers:
  - id: acme
    name: Acme People Search
    category: people_search
    removal_method: web_form
    difficulty: easy
    plan_file: broker_acme.yaml
    recheck_days: 45
  - id: manual_only
    name: Manual Only Broker
    category: people_search
    removal_method: postal_mail
    difficulty: hard
`))
	require.NoError(t, err)

	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, cat)
	sched := NewScheduler(h.service)
	ctx := context.Background()

	created, err := sched.InitSchedulesForProfile(ctx, "p-1")
	require.NoError(t, err)
	// Brokers without a plan file go to the human queue, not the scheduler.
	require.Equal(t, 1, created)

	schedules, err := h.service.Store.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	require.Equal(t, "acme", schedules[0].BrokerID)
	require.Equal(t, 45, schedules[0].IntervalDays)

	// Re-running for the same profile does not duplicate.
	_, err = sched.InitSchedulesForProfile(ctx, "p-1")
	require.NoError(t, err)
	schedules, err = h.service.Store.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
}
