package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `run_id, plan_id, plan_hash, status, requested_by, idempotency_key,
	created_at, started_at, finished_at, claimed_by, claim_expires_at,
	params_json, result_summary_json, error_code, error_message`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var r Run
	err := row.Scan(
		&r.RunID, &r.PlanID, &r.PlanHash, &r.Status, &r.RequestedBy, &r.IdempotencyKey,
		&r.CreatedAt, &r.StartedAt, &r.FinishedAt, &r.ClaimedBy, &r.ClaimExpiresAt,
		&r.ParamsJSON, &r.ResultSummaryJSON, &r.ErrorCode, &r.ErrorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	return &r, nil
}

// CreateRun inserts a queued run. When the run carries an idempotency key and
// a run with that key already exists, the existing run is returned with
// created=false. Races between concurrent launches are resolved by the
// unique constraint: the loser rereads and returns the winner.
func (s *Store) CreateRun(ctx context.Context, r *Run) (*Run, bool, error) {
	if r.IdempotencyKey != nil {
		existing, err := s.GetRunByIdempotencyKey(ctx, *r.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if err != ErrNotFound {
			return nil, false, err
		}
	}

	_, err := s.db.ExecContext(ctx, `INSERT INTO runs
		(run_id, plan_id, plan_hash, status, requested_by, idempotency_key, created_at, params_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.PlanID, r.PlanHash, r.Status, r.RequestedBy, r.IdempotencyKey,
		r.CreatedAt, r.ParamsJSON)
	if isUniqueViolation(err) && r.IdempotencyKey != nil {
		existing, rerr := s.GetRunByIdempotencyKey(ctx, *r.IdempotencyKey)
		if rerr != nil {
			return nil, false, rerr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("insert run: %w", err)
	}
	return r, true, nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// GetRunByIdempotencyKey fetches the run holding the given idempotency key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	return scanRun(row)
}

// ClaimCandidates returns up to limit claimable runs, oldest first. Runs
// blocked on approvals are included so the claiming runner can re-evaluate
// their approval state.
func (s *Store) ClaimCandidates(ctx context.Context, limit int) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
		WHERE status IN (?, ?, ?)
		ORDER BY created_at ASC
		LIMIT ?`,
		RunQueued, RunRunning, RunBlockedForApproval, limit)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimRun attempts to take the lease on a run. The update succeeds only when
// the current claim is vacant, already ours, or expired; the returned bool
// says whether this runner now holds the lease.
func (s *Store) ClaimRun(ctx context.Context, runID, runnerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `UPDATE runs
		SET claimed_by = ?, claim_expires_at = ?
		WHERE run_id = ?
		  AND status IN (?, ?, ?)
		  AND (claimed_by IS NULL OR claimed_by = ? OR claim_expires_at IS NULL OR claim_expires_at < ?)`,
		runnerID, now.Add(ttl), runID,
		RunQueued, RunRunning, RunBlockedForApproval,
		runnerID, now)
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RenewLease reissues the claim on a run this runner believes it owns. Zero
// rows affected means the run has been stolen (or canceled) and the caller
// must abort with claim_lost.
func (s *Store) RenewLease(ctx context.Context, runID, runnerID string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE runs
		SET claim_expires_at = ?
		WHERE run_id = ? AND claimed_by = ? AND status IN (?, ?)`,
		time.Now().UTC().Add(ttl), runID, runnerID, RunQueued, RunRunning)
	if err != nil {
		return false, fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkRunRunning moves a claimed run into running, stamping started_at on
// first entry only.
func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, started_at = COALESCE(started_at, ?)
		WHERE run_id = ?`, RunRunning, now, runID)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	return nil
}

// FinishRun moves a run to a terminal status and releases the claim.
func (s *Store) FinishRun(ctx context.Context, runID, status string, errorCode, errorMessage, resultSummaryJSON *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, finished_at = ?, claimed_by = NULL, claim_expires_at = NULL,
		    error_code = ?, error_message = ?, result_summary_json = ?
		WHERE run_id = ?`,
		status, time.Now().UTC(), errorCode, errorMessage, resultSummaryJSON, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// BlockRunForApproval suspends a run on a pending approval and releases the
// claim so the run exits the worker entirely.
func (s *Store) BlockRunForApproval(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, claimed_by = NULL, claim_expires_at = NULL
		WHERE run_id = ?`, RunBlockedForApproval, runID)
	if err != nil {
		return fmt.Errorf("block run: %w", err)
	}
	return nil
}

// RequeueRun moves a blocked run back to queued after its approvals resolve.
func (s *Store) RequeueRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?
		WHERE run_id = ? AND status = ?`, RunQueued, runID, RunBlockedForApproval)
	if err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	return nil
}

// CancelRun marks a non-terminal run canceled. Runners notice through lease
// renewal, which excludes terminal statuses.
func (s *Store) CancelRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs
		SET status = ?, finished_at = ?, claimed_by = NULL, claim_expires_at = NULL
		WHERE run_id = ? AND status IN (?, ?, ?)`,
		RunCanceled, time.Now().UTC(), runID,
		RunQueued, RunRunning, RunBlockedForApproval)
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
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
