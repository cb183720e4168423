package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ClaimDeliveries selects up to batchSize due deliveries (PENDING or FAILED
// with next_attempt_at <= now, and not currently locked by a live lease),
// locks them for dispatcherID until now+lockTTL, and returns the claimed
// rows. Mirrors original_source's dispatcher/main.py _claim_deliveries:
// SELECT ... FOR UPDATE SKIP LOCKED ordered by created_at ascending.
func (q *Queries) ClaimDeliveries(ctx context.Context, now time.Time, dispatcherID string, batchSize int, lockTTL time.Duration) ([]OutboxDelivery, error) {
	const selectQuery = `
		SELECT id FROM outbox_deliveries
		WHERE next_attempt_at <= $1
		  AND status IN ('PENDING', 'FAILED')
		  AND (locked_until IS NULL OR locked_until < $1)
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	rows, err := q.db.Query(ctx, selectQuery, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("selecting claimable deliveries: %w", err)
	}

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning claimable delivery id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimable deliveries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	lockedUntil := now.Add(lockTTL)
	const lockQuery = `
		UPDATE outbox_deliveries SET locked_until = $2, locked_by = $3, updated_at = now()
		WHERE id = ANY($1)
		RETURNING id, event_id, node_id, status, attempts, next_attempt_at, locked_until, locked_by, last_error, created_at, updated_at`

	lockRows, err := q.db.Query(ctx, lockQuery, ids, lockedUntil, dispatcherID)
	if err != nil {
		return nil, fmt.Errorf("locking claimed deliveries: %w", err)
	}
	defer lockRows.Close()

	var out []OutboxDelivery
	for lockRows.Next() {
		d, err := scanDelivery(lockRows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, lockRows.Err()
}

// GetDelivery loads a delivery row by id, used to reload state immediately
// before processing (mirrors _process_delivery's fresh reload).
func (q *Queries) GetDelivery(ctx context.Context, id uuid.UUID) (OutboxDelivery, error) {
	const query = `
		SELECT id, event_id, node_id, status, attempts, next_attempt_at, locked_until, locked_by, last_error, created_at, updated_at
		FROM outbox_deliveries WHERE id = $1`

	return scanDelivery(q.db.QueryRow(ctx, query, id))
}

// MarkDeliverySent transitions a delivery to SENT and clears its lock and error.
func (q *Queries) MarkDeliverySent(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE outbox_deliveries
		SET status = 'SENT', last_error = NULL, locked_until = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("marking delivery %s sent: %w", id, err)
	}
	return nil
}

// MarkDeliveryFailed transitions a delivery to FAILED, bumping attempts and
// scheduling the next attempt, or to DEAD if attempts has reached maxAttempts.
func (q *Queries) MarkDeliveryFailed(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string, dead bool) error {
	status := OutboxDeliveryStatusFailed
	if dead {
		status = OutboxDeliveryStatusDead
	}

	const query = `
		UPDATE outbox_deliveries
		SET status = $2, attempts = $3, next_attempt_at = $4, last_error = $5,
		    locked_until = NULL, locked_by = NULL, updated_at = now()
		WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id, status, attempts, nextAttemptAt, lastError)
	if err != nil {
		return fmt.Errorf("marking delivery %s failed: %w", id, err)
	}
	return nil
}

// DeliveryStatusCounts tallies delivery rows for an event by status.
type DeliveryStatusCounts struct {
	Pending int
	Sent    int
	Failed  int
	Dead    int
}

// CountDeliveryStatuses groups an event's deliveries by status, for
// recomputing the parent event's aggregate status.
func (q *Queries) CountDeliveryStatuses(ctx context.Context, eventID uuid.UUID) (DeliveryStatusCounts, error) {
	const query = `SELECT status, count(*) FROM outbox_deliveries WHERE event_id = $1 GROUP BY status`

	rows, err := q.db.Query(ctx, query, eventID)
	if err != nil {
		return DeliveryStatusCounts{}, fmt.Errorf("counting delivery statuses for event %s: %w", eventID, err)
	}
	defer rows.Close()

	var c DeliveryStatusCounts
	for rows.Next() {
		var status OutboxDeliveryStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return DeliveryStatusCounts{}, fmt.Errorf("scanning delivery status count: %w", err)
		}
		switch status {
		case OutboxDeliveryStatusPending:
			c.Pending = n
		case OutboxDeliveryStatusSent:
			c.Sent = n
		case OutboxDeliveryStatusFailed:
			c.Failed = n
		case OutboxDeliveryStatusDead:
			c.Dead = n
		}
	}
	return c, rows.Err()
}
