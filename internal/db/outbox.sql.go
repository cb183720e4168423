package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetEventByIdempotencyKey returns the event with the given idempotency key,
// or nil if none exists yet.
func (q *Queries) GetEventByIdempotencyKey(ctx context.Context, key string) (*OutboxEvent, error) {
	const query = `
		SELECT id, event_type, aggregate_id, payload, role_target, node_id, idempotency_key, status, attempts, last_error, created_at, updated_at
		FROM outbox_events WHERE idempotency_key = $1`

	e, err := scanEvent(q.db.QueryRow(ctx, query, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting event by idempotency key %q: %w", key, err)
	}
	return &e, nil
}

// GetEvent loads an event by id.
func (q *Queries) GetEvent(ctx context.Context, id uuid.UUID) (OutboxEvent, error) {
	const query = `
		SELECT id, event_type, aggregate_id, payload, role_target, node_id, idempotency_key, status, attempts, last_error, created_at, updated_at
		FROM outbox_events WHERE id = $1`

	return scanEvent(q.db.QueryRow(ctx, query, id))
}

func scanEvent(row rowScanner) (OutboxEvent, error) {
	var e OutboxEvent
	var payload []byte
	err := row.Scan(
		&e.ID, &e.EventType, &e.AggregateID, &payload, &e.RoleTarget, &e.NodeID,
		&e.IdempotencyKey, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return OutboxEvent{}, err
	}
	if len(payload) > 0 {
		if jerr := json.Unmarshal(payload, &e.Payload); jerr != nil {
			return OutboxEvent{}, fmt.Errorf("decoding event payload: %w", jerr)
		}
	}
	return e, nil
}

// CreateEventParams are the fields needed to insert a new outbox event.
type CreateEventParams struct {
	EventType      OutboxEventType
	AggregateID    uuid.UUID
	Payload        map[string]any
	RoleTarget     *NodeRole
	NodeID         *uuid.UUID
	IdempotencyKey string
}

// CreateEvent inserts a new PENDING outbox event.
func (q *Queries) CreateEvent(ctx context.Context, p CreateEventParams) (OutboxEvent, error) {
	const query = `
		INSERT INTO outbox_events (id, event_type, aggregate_id, payload, role_target, node_id, idempotency_key, status, attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', 0)
		RETURNING id, event_type, aggregate_id, payload, role_target, node_id, idempotency_key, status, attempts, last_error, created_at, updated_at`

	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("encoding event payload: %w", err)
	}

	return scanEvent(q.db.QueryRow(ctx, query, uuid.New(), p.EventType, p.AggregateID, payload, p.RoleTarget, p.NodeID, p.IdempotencyKey))
}

// UpdateEventStatus sets an event's status. lastError, when nil, leaves the
// existing last_error column untouched rather than clearing it, so a prior
// DEAD delivery's message survives an unrelated successful recompute.
func (q *Queries) UpdateEventStatus(ctx context.Context, id uuid.UUID, status OutboxEventStatus, lastError *string) error {
	const query = `UPDATE outbox_events SET status = $2, last_error = COALESCE($3, last_error), updated_at = now() WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id, status, lastError)
	if err != nil {
		return fmt.Errorf("updating event %s status: %w", id, err)
	}
	return nil
}

// IncrementEventAttempts bumps an event's attempts counter.
func (q *Queries) IncrementEventAttempts(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE outbox_events SET attempts = attempts + 1, updated_at = now() WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("incrementing event %s attempts: %w", id, err)
	}
	return nil
}

// CreateDeliveryIfAbsent inserts a PENDING delivery for (event, node) unless
// one already exists. Returns whether a row was inserted.
func (q *Queries) CreateDeliveryIfAbsent(ctx context.Context, eventID, nodeID uuid.UUID) (bool, error) {
	const query = `
		INSERT INTO outbox_deliveries (id, event_id, node_id, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, 'PENDING', 0, now())
		ON CONFLICT (event_id, node_id) DO NOTHING`

	tag, err := q.db.Exec(ctx, query, uuid.New(), eventID, nodeID)
	if err != nil {
		return false, fmt.Errorf("creating delivery for event %s node %s: %w", eventID, nodeID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDeliveriesForEvent returns every delivery row for an event.
func (q *Queries) ListDeliveriesForEvent(ctx context.Context, eventID uuid.UUID) ([]OutboxDelivery, error) {
	const query = `
		SELECT id, event_id, node_id, status, attempts, next_attempt_at, locked_until, locked_by, last_error, created_at, updated_at
		FROM outbox_deliveries WHERE event_id = $1`

	rows, err := q.db.Query(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries for event %s: %w", eventID, err)
	}
	defer rows.Close()

	var out []OutboxDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDelivery(row rowScanner) (OutboxDelivery, error) {
	var d OutboxDelivery
	err := row.Scan(
		&d.ID, &d.EventID, &d.NodeID, &d.Status, &d.Attempts, &d.NextAttemptAt,
		&d.LockedUntil, &d.LockedBy, &d.LastError, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return OutboxDelivery{}, fmt.Errorf("scanning delivery: %w", err)
	}
	return d, nil
}
