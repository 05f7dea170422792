package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// BeginDelivery records an attempt of message id for a stage. It returns
// true when the message already completed, in which case the caller must
// skip it. A first attempt creates the ledger row; later attempts bump
// its attempt count.
func (s *Store) BeginDelivery(ctx context.Context, messageID, jobID, stage string) (bool, error) {
	now := s.nowMs()
	if _, err := s.DB.ExecContext(ctx, s.q(
		`INSERT INTO deliveries (message_id, job_id, stage, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, 'processing', 1, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			attempts = deliveries.attempts + 1, updated_at = excluded.updated_at,
			status = CASE WHEN deliveries.status = 'done' THEN 'done' ELSE 'processing' END`),
		messageID, jobID, stage, now, now,
	); err != nil {
		return false, fmt.Errorf("store: begin delivery: %w", err)
	}
	d, err := s.GetDelivery(ctx, messageID)
	if err != nil {
		return false, err
	}
	return d != nil && d.Status == DeliveryDone, nil
}

// FinishDelivery settles a ledger row as done or failed. A done row is
// never reopened. It returns false when the row was already done.
func (s *Store) FinishDelivery(ctx context.Context, messageID, status, errMsg string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, s.q(
		`UPDATE deliveries SET status = ?, error = ?, updated_at = ?
		WHERE message_id = ? AND status <> 'done'`),
		status, errMsg, s.nowMs(), messageID,
	)
	if err != nil {
		return false, fmt.Errorf("store: finish delivery: %w", err)
	}
	return affected(res)
}

// GetDelivery returns a ledger row, or nil.
func (s *Store) GetDelivery(ctx context.Context, messageID string) (*Delivery, error) {
	var d Delivery
	err := s.DB.QueryRowContext(ctx, s.q(
		`SELECT message_id, job_id, stage, status, attempts, error, created_at, updated_at
		FROM deliveries WHERE message_id = ?`), messageID,
	).Scan(&d.MessageID, &d.JobID, &d.Stage, &d.Status, &d.Attempts, &d.Error, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get delivery: %w", err)
	}
	return &d, nil
}

// CountDeliveries returns how many ledger rows a job has for stage.
func (s *Store) CountDeliveries(ctx context.Context, jobID, stage string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, s.q(
		`SELECT COUNT(*) FROM deliveries WHERE job_id = ? AND stage = ?`), jobID, stage,
	).Scan(&n)
	return n, err
}
