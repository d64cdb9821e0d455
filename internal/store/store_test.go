package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func queuedRun(id, key string) *Run {
	r := &Run{
		RunID:      id,
		PlanID:     "broker_acme",
		PlanHash:   "abc123",
		Status:     RunQueued,
		CreatedAt:  time.Now().UTC(),
		ParamsJSON: `{"profile_id":"p1"}`,
	}
	if key != "" {
		r.IdempotencyKey = &key
	}
	return r
}

func TestCreateRunIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, created, err := s.CreateRun(ctx, queuedRun("run-1", "key-1"))
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.CreateRun(ctx, queuedRun("run-2", "key-1"))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.RunID, second.RunID)

	// A different key makes a new run.
	third, created, err := s.CreateRun(ctx, queuedRun("run-3", "key-2"))
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.RunID, third.RunID)
}

func TestClaimProtocol(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateRun(ctx, queuedRun("run-1", ""))
	require.NoError(t, err)

	candidates, err := s.ClaimCandidates(ctx, 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	ok, err := s.ClaimRun(ctx, "run-1", "runner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// A second runner cannot take a live claim.
	ok, err = s.ClaimRun(ctx, "run-1", "runner-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// The holder can always re-claim.
	ok, err = s.ClaimRun(ctx, "run-1", "runner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestClaimExpiredLeaseIsStealable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateRun(ctx, queuedRun("run-1", ""))
	require.NoError(t, err)

	ok, err := s.ClaimRun(ctx, "run-1", "runner-a", -time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ClaimRun(ctx, "run-1", "runner-b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// The original holder's renewal now fails.
	held, err := s.RenewLease(ctx, "run-1", "runner-a", time.Minute)
	require.NoError(t, err)
	require.False(t, held)
}

func TestRenewLeaseDetectsCancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateRun(ctx, queuedRun("run-1", ""))
	require.NoError(t, err)
	ok, err := s.ClaimRun(ctx, "run-1", "runner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.CancelRun(ctx, "run-1"))

	held, err := s.RenewLease(ctx, "run-1", "runner-a", time.Minute)
	require.NoError(t, err)
	require.False(t, held)

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, RunCanceled, run.Status)
	require.True(t, run.Terminal())

	// Canceling a terminal run reports not found.
	require.ErrorIs(t, s.CancelRun(ctx, "run-1"), ErrNotFound)
}

func TestFinishRunClearsClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateRun(ctx, queuedRun("run-1", ""))
	require.NoError(t, err)
	_, err = s.ClaimRun(ctx, "run-1", "runner-a", time.Minute)
	require.NoError(t, err)

	code, msg := "TASK_EXECUTION_FAILED", "boom"
	require.NoError(t, s.FinishRun(ctx, "run-1", RunFailed, &code, &msg, nil))

	run, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, RunFailed, run.Status)
	require.Nil(t, run.ClaimedBy)
	require.NotNil(t, run.FinishedAt)
	require.Equal(t, code, *run.ErrorCode)
}

func TestTaskInstanceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateRun(ctx, queuedRun("run-1", ""))
	require.NoError(t, err)

	now := time.Now().UTC()
	inst := &TaskInstance{
		TaskRunID: "tr-1", RunID: "run-1", TaskID: "fetch", TaskIndex: 0,
		TaskType: "http.request", Status: TaskRunning, MaxAttempts: 3,
		Idempotent: true, StartedAt: &now, InputJSON: `{}`,
	}
	require.NoError(t, s.CreateTaskInstance(ctx, inst))
	// Re-creating the same (run, task) pair is a no-op.
	require.NoError(t, s.CreateTaskInstance(ctx, inst))

	require.NoError(t, s.CompleteTask(ctx, "run-1", "fetch", 2, `{"status":200}`))

	got, err := s.GetTaskInstance(ctx, "run-1", "fetch")
	require.NoError(t, err)
	require.Equal(t, TaskSucceeded, got.Status)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, `{"status":200}`, *got.OutputJSON)

	all, err := s.ListTaskInstances(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestApprovalResolution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.CreateRun(ctx, queuedRun("run-1", ""))
	require.NoError(t, err)

	a, err := s.GetOrCreateApproval(ctx, &Approval{
		ApprovalID: "ap-1", RunID: "run-1", TaskID: "submit",
		Prompt: "Submit the opt-out form?", CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, ApprovalPending, a.Status)

	// Fetch-or-create returns the existing row, id included.
	again, err := s.GetOrCreateApproval(ctx, &Approval{
		ApprovalID: "ap-other", RunID: "run-1", TaskID: "submit",
		CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, "ap-1", again.ApprovalID)

	n, err := s.CountPendingApprovals(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, s.ResolveApproval(ctx, "ap-1", ApprovalApproved, "alice"))

	// Resolutions are monotonic.
	require.ErrorIs(t, s.ResolveApproval(ctx, "ap-1", ApprovalDenied, "bob"), ErrNotFound)

	got, err := s.GetApproval(ctx, "ap-1")
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, got.Status)
	require.Equal(t, "alice", *got.ResolvedBy)
}

func TestScheduleCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sc := &Schedule{
		ScheduleID: "sc-1", BrokerID: "acme", ProfileID: "p1", ScanType: "full",
		NextRunAt: now.Add(-time.Hour), IntervalDays: 30, Enabled: true, CreatedAt: now,
	}
	require.NoError(t, s.UpsertSchedule(ctx, sc))
	// Upsert keeps the existing cursor.
	dup := *sc
	dup.ScheduleID = "sc-dup"
	require.NoError(t, s.UpsertSchedule(ctx, &dup))

	due, err := s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "sc-1", due[0].ScheduleID)

	next := now.AddDate(0, 0, 30)
	require.NoError(t, s.AdvanceSchedule(ctx, "sc-1", "run-9", now, next))

	due, err = s.DueSchedules(ctx, now)
	require.NoError(t, err)
	require.Empty(t, due)

	disabled, err := s.DisableSchedulesForBroker(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, disabled)

	enabled, err := s.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, enabled)
}

func TestProfileDeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InsertProfile(ctx, &Profile{
		ProfileID: "p1", Ciphertext: []byte{1}, IV: []byte{2}, Tag: []byte{3},
		DataHash: "h", CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertSchedule(ctx, &Schedule{
		ScheduleID: "sc-1", BrokerID: "acme", ProfileID: "p1",
		NextRunAt: now, IntervalDays: 30, Enabled: true, CreatedAt: now,
	}))
	require.NoError(t, s.UpsertListing(ctx, &Listing{
		ListingID: "l-1", BrokerID: "acme", ProfileID: "p1",
		Status: "found", FirstSeenAt: now, LastSeenAt: now,
	}))

	require.NoError(t, s.DeleteProfile(ctx, "p1"))

	_, err := s.GetProfile(ctx, "p1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetListing(ctx, "l-1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSchedule(ctx, "sc-1")
	require.ErrorIs(t, err, ErrNotFound)

	require.ErrorIs(t, s.DeleteProfile(ctx, "p1"), ErrNotFound)
}

func TestQueueLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueHumanAction(ctx, &QueueItem{
		ItemID: "q-1", BrokerID: "acme", ActionType: "captcha",
		Instructions: "solve it", Status: "pending", CreatedAt: time.Now().UTC(),
	}))

	pending, err := s.ListPendingQueue(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.CompleteQueueItem(ctx, "q-1", "alice"))
	require.ErrorIs(t, s.CompleteQueueItem(ctx, "q-1", "bob"), ErrNotFound)

	n, err := s.CountPendingQueue(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestListingUpsertRefreshes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	l := &Listing{
		ListingID: "l-1", BrokerID: "acme", ProfileID: "p1",
		URL: "https://acme.example/p/1", Status: "found", Confidence: 0.9,
		FirstSeenAt: now, LastSeenAt: now,
	}
	require.NoError(t, s.UpsertListing(ctx, l))

	l.Status = "removal_requested"
	l.LastSeenAt = now.Add(time.Hour)
	require.NoError(t, s.UpsertListing(ctx, l))

	got, err := s.GetListing(ctx, "l-1")
	require.NoError(t, err)
	require.Equal(t, "removal_requested", got.Status)

	counts, err := s.CountListingsByStatus(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, map[string]int{"removal_requested": 1}, counts)
}
