package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"erasured/internal/store"
)

func TestDeadLetterDisablesSchedulesAtThreshold(t *testing.T) {
	h := newHarness(t, map[string]string{"broker_acme.yaml": simplePlan}, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, h.service.Store.UpsertSchedule(ctx, dueSchedule("acme", "p-1", now)))

	dl := h.service.DeadLetter
	dl.ReportFailure(ctx, "acme")
	dl.ReportFailure(ctx, "acme")
	require.Equal(t, 2, dl.Failures("acme"))

	schedules, err := h.service.Store.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)

	dl.ReportFailure(ctx, "acme")
	require.Equal(t, 3, dl.Failures("acme"))

	schedules, err = h.service.Store.ListEnabledSchedules(ctx)
	require.NoError(t, err)
	require.Empty(t, schedules)
}

func TestDeadLetterSuccessResetsStreak(t *testing.T) {
	dl := NewDeadLetter(nil, 3, zap.NewNop())

	dl.ReportFailure(context.Background(), "acme")
	dl.ReportFailure(context.Background(), "acme")
	require.Equal(t, 2, dl.Failures("acme"))

	dl.ReportSuccess("acme")
	require.Zero(t, dl.Failures("acme"))
}

func TestDeadLetterTracksBrokersIndependently(t *testing.T) {
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	dl := NewDeadLetter(st, 2, zap.NewNop())
	ctx := context.Background()

	dl.ReportFailure(ctx, "acme")
	dl.ReportFailure(ctx, "spokeo")
	require.Equal(t, 1, dl.Failures("acme"))
	require.Equal(t, 1, dl.Failures("spokeo"))

	dl.ReportFailure(ctx, "acme")
	require.Equal(t, 2, dl.Failures("acme"))
	require.Equal(t, 1, dl.Failures("spokeo"))
}
