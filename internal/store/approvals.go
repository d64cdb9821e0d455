package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const approvalColumns = `approval_id, run_id, task_id, status, prompt, preview_json,
	created_at, resolved_at, resolved_by`

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	err := row.Scan(
		&a.ApprovalID, &a.RunID, &a.TaskID, &a.Status, &a.Prompt, &a.PreviewJSON,
		&a.CreatedAt, &a.ResolvedAt, &a.ResolvedBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	return &a, nil
}

// GetOrCreateApproval returns the approval for a (run, task) pair, creating a
// pending one when none exists. The unique constraint arbitrates races.
func (s *Store) GetOrCreateApproval(ctx context.Context, a *Approval) (*Approval, error) {
	existing, err := s.GetApprovalForTask(ctx, a.RunID, a.TaskID)
	if err == nil {
		return existing, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO approvals
		(approval_id, run_id, task_id, status, prompt, preview_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ApprovalID, a.RunID, a.TaskID, ApprovalPending, a.Prompt, a.PreviewJSON, a.CreatedAt)
	if isUniqueViolation(err) {
		return s.GetApprovalForTask(ctx, a.RunID, a.TaskID)
	}
	if err != nil {
		return nil, fmt.Errorf("insert approval: %w", err)
	}
	a.Status = ApprovalPending
	return a, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE approval_id = ?`, approvalID)
	return scanApproval(row)
}

// GetApprovalForTask fetches the approval for a (run, task) pair.
func (s *Store) GetApprovalForTask(ctx context.Context, runID, taskID string) (*Approval, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? AND task_id = ?`,
		runID, taskID)
	return scanApproval(row)
}

// ListApprovalsForRun returns all approvals of a run, oldest first.
func (s *Store) ListApprovalsForRun(ctx context.Context, runID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE run_id = ? ORDER BY created_at ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ResolveApproval moves a pending approval to approved or denied. Terminal
// states are monotonic: resolving an already-resolved approval returns
// ErrNotFound so the API can report a conflict.
func (s *Store) ResolveApproval(ctx context.Context, approvalID, decision, resolvedBy string) error {
	if decision != ApprovalApproved && decision != ApprovalDenied {
		return fmt.Errorf("invalid approval decision %q", decision)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE approvals
		SET status = ?, resolved_at = ?, resolved_by = ?
		WHERE approval_id = ? AND status = ?`,
		decision, time.Now().UTC(), resolvedBy, approvalID, ApprovalPending)
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
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

// CountPendingApprovals returns the number of approvals awaiting a decision.
func (s *Store) CountPendingApprovals(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approvals WHERE status = ?`, ApprovalPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}
