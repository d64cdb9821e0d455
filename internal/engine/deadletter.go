package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"erasured/internal/store"
)

// defaultDeadLetterThreshold is the consecutive-failure count at which a
// broker's schedules are disabled.
const defaultDeadLetterThreshold = 3

// DeadLetter tracks consecutive run failures per broker and disables the
// broker's schedules once the threshold trips. Counts are process-local;
// a restart resets them, which only delays the trip by a few runs.
type DeadLetter struct {
	store     *store.Store
	threshold int
	logger    *zap.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewDeadLetter builds the controller. threshold <= 0 selects the default.
func NewDeadLetter(st *store.Store, threshold int, logger *zap.Logger) *DeadLetter {
	if threshold <= 0 {
		threshold = defaultDeadLetterThreshold
	}
	return &DeadLetter{
		store:     st,
		threshold: threshold,
		logger:    logger.Named("deadletter"),
		failures:  map[string]int{},
	}
}

// ReportSuccess clears a broker's failure streak.
func (d *DeadLetter) ReportSuccess(brokerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, brokerID)
}

// ReportFailure records one failed run. On the threshold-th consecutive
// failure the broker's schedules are disabled and an alert is logged.
func (d *DeadLetter) ReportFailure(ctx context.Context, brokerID string) {
	d.mu.Lock()
	d.failures[brokerID]++
	count := d.failures[brokerID]
	d.mu.Unlock()

	if count < d.threshold {
		return
	}

	disabled, err := d.store.DisableSchedulesForBroker(ctx, brokerID)
	if err != nil {
		d.logger.Error("disable schedules failed",
			zap.String("broker_id", brokerID), zap.Error(err))
		return
	}
	d.logger.Error("broker dead-lettered after consecutive failures",
		zap.String("broker_id", brokerID),
		zap.Int("consecutive_failures", count),
		zap.Int("schedules_disabled", disabled))
}

// Failures returns the current streak for a broker.
func (d *DeadLetter) Failures(brokerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures[brokerID]
}
