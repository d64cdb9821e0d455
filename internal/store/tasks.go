package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const taskColumns = `task_run_id, run_id, task_id, task_index, task_name, task_type,
	status, attempt, max_attempts, idempotent, requires_approval, approval_id,
	started_at, finished_at, input_json, output_json, error_code, error_message`

func scanTask(row rowScanner) (*TaskInstance, error) {
	var t TaskInstance
	err := row.Scan(
		&t.TaskRunID, &t.RunID, &t.TaskID, &t.TaskIndex, &t.TaskName, &t.TaskType,
		&t.Status, &t.Attempt, &t.MaxAttempts, &t.Idempotent, &t.RequiresApproval, &t.ApprovalID,
		&t.StartedAt, &t.FinishedAt, &t.InputJSON, &t.OutputJSON, &t.ErrorCode, &t.ErrorMessage,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task instance: %w", err)
	}
	return &t, nil
}

// GetTaskInstance fetches the instance for one (run, task) pair.
func (s *Store) GetTaskInstance(ctx context.Context, runID, taskID string) (*TaskInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_instances WHERE run_id = ? AND task_id = ?`,
		runID, taskID)
	return scanTask(row)
}

// ListTaskInstances returns all instances of a run in plan order.
func (s *Store) ListTaskInstances(ctx context.Context, runID string) ([]*TaskInstance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_instances WHERE run_id = ? ORDER BY task_index ASC`,
		runID)
	if err != nil {
		return nil, fmt.Errorf("list task instances: %w", err)
	}
	defer rows.Close()

	var out []*TaskInstance
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTaskInstance inserts an instance in running state. The (run_id,
// task_id) unique constraint guarantees at most one instance per pair; a
// conflict means a previous attempt already created it, which is fine.
func (s *Store) CreateTaskInstance(ctx context.Context, t *TaskInstance) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_instances
		(task_run_id, run_id, task_id, task_index, task_name, task_type, status,
		 attempt, max_attempts, idempotent, requires_approval, approval_id, started_at, input_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskRunID, t.RunID, t.TaskID, t.TaskIndex, t.TaskName, t.TaskType, t.Status,
		t.Attempt, t.MaxAttempts, t.Idempotent, t.RequiresApproval, t.ApprovalID,
		t.StartedAt, t.InputJSON)
	if isUniqueViolation(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert task instance: %w", err)
	}
	return nil
}

// CompleteTask marks an instance succeeded with its output.
func (s *Store) CompleteTask(ctx context.Context, runID, taskID string, attempt int, outputJSON string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_instances
		SET status = ?, attempt = ?, output_json = ?, finished_at = ?,
		    error_code = NULL, error_message = NULL
		WHERE run_id = ? AND task_id = ?`,
		TaskSucceeded, attempt, outputJSON, time.Now().UTC(), runID, taskID)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return nil
}

// FailTask marks an instance failed with the terminal error.
func (s *Store) FailTask(ctx context.Context, runID, taskID string, attempt int, errorCode, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_instances
		SET status = ?, attempt = ?, error_code = ?, error_message = ?, finished_at = ?
		WHERE run_id = ? AND task_id = ?`,
		TaskFailed, attempt, errorCode, errorMessage, time.Now().UTC(), runID, taskID)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// SetTaskApproval links an instance to its approval row.
func (s *Store) SetTaskApproval(ctx context.Context, runID, taskID, approvalID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE task_instances SET approval_id = ?
		WHERE run_id = ? AND task_id = ?`, approvalID, runID, taskID)
	if err != nil {
		return fmt.Errorf("set task approval: %w", err)
	}
	return nil
}
