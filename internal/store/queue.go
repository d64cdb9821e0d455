package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const queueColumns = `item_id, run_id, broker_id, action_type, instructions,
	payload_json, status, created_at, completed_at, completed_by`

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var q QueueItem
	err := row.Scan(
		&q.ItemID, &q.RunID, &q.BrokerID, &q.ActionType, &q.Instructions,
		&q.PayloadJSON, &q.Status, &q.CreatedAt, &q.CompletedAt, &q.CompletedBy,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	return &q, nil
}

// EnqueueHumanAction adds a human-handoff item.
func (s *Store) EnqueueHumanAction(ctx context.Context, q *QueueItem) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO human_action_queue
		(item_id, run_id, broker_id, action_type, instructions, payload_json, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ItemID, q.RunID, q.BrokerID, q.ActionType, q.Instructions, q.PayloadJSON,
		q.Status, q.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue human action: %w", err)
	}
	return nil
}

// ListPendingQueue returns pending human-action items, oldest first.
func (s *Store) ListPendingQueue(ctx context.Context) ([]*QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueColumns+` FROM human_action_queue
		WHERE status = 'pending' ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list pending queue: %w", err)
	}
	defer rows.Close()

	var out []*QueueItem
	for rows.Next() {
		q, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// CompleteQueueItem marks a pending item done.
func (s *Store) CompleteQueueItem(ctx context.Context, itemID, completedBy string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE human_action_queue
		SET status = 'completed', completed_at = ?, completed_by = ?
		WHERE item_id = ? AND status = 'pending'`,
		time.Now().UTC(), completedBy, itemID)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
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

// CountPendingQueue returns the number of pending human-action items.
func (s *Store) CountPendingQueue(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM human_action_queue WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending queue: %w", err)
	}
	return n, nil
}
