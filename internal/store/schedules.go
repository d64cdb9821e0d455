package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const scheduleColumns = `schedule_id, broker_id, profile_id, scan_type, next_run_at,
	last_run_id, last_run_at, interval_days, enabled, created_at`

func scanSchedule(row rowScanner) (*Schedule, error) {
	var sc Schedule
	err := row.Scan(
		&sc.ScheduleID, &sc.BrokerID, &sc.ProfileID, &sc.ScanType, &sc.NextRunAt,
		&sc.LastRunID, &sc.LastRunAt, &sc.IntervalDays, &sc.Enabled, &sc.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	return &sc, nil
}

// UpsertSchedule creates the (broker, profile) schedule if absent. An
// existing schedule keeps its cursor.
func (s *Store) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO schedules
		(schedule_id, broker_id, profile_id, scan_type, next_run_at, interval_days, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (broker_id, profile_id) DO NOTHING`,
		sc.ScheduleID, sc.BrokerID, sc.ProfileID, sc.ScanType, sc.NextRunAt,
		sc.IntervalDays, sc.Enabled, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = ?`, scheduleID)
	return scanSchedule(row)
}

// DueSchedules returns enabled schedules whose next fire time has passed,
// soonest first.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at <= ?
		ORDER BY next_run_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("select due schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

// ListEnabledSchedules returns every enabled schedule.
func (s *Store) ListEnabledSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 ORDER BY next_run_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AdvanceSchedule records a fire and moves the cursor to the next one.
func (s *Store) AdvanceSchedule(ctx context.Context, scheduleID, lastRunID string, lastRunAt, nextRunAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE schedules
		SET last_run_id = ?, last_run_at = ?, next_run_at = ?
		WHERE schedule_id = ?`,
		lastRunID, lastRunAt, nextRunAt, scheduleID)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	return nil
}

// TriggerSchedule pulls a schedule's next fire time to now.
func (s *Store) TriggerSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET next_run_at = ?
		WHERE schedule_id = ?`, time.Now().UTC(), scheduleID)
	if err != nil {
		return fmt.Errorf("trigger schedule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DisableSchedulesForBroker turns off every enabled schedule of a broker.
// Returns the number of schedules disabled.
func (s *Store) DisableSchedulesForBroker(ctx context.Context, brokerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = 0
		WHERE broker_id = ? AND enabled = 1`, brokerID)
	if err != nil {
		return 0, fmt.Errorf("disable schedules: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
