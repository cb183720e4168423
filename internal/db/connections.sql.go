package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GetConnection loads a connection by id.
func (q *Queries) GetConnection(ctx context.Context, id uuid.UUID) (Connection, error) {
	const query = `
		SELECT id, device_id, protocol, mode, variant, overrides, status, created_at, updated_at
		FROM connections WHERE id = $1`

	var c Connection
	var overrides []byte
	err := q.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.DeviceID, &c.Protocol, &c.Mode, &c.Variant, &overrides, &c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return Connection{}, fmt.Errorf("getting connection %s: %w", id, err)
	}
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &c.Overrides); err != nil {
			return Connection{}, fmt.Errorf("decoding overrides for connection %s: %w", id, err)
		}
	}
	return c, nil
}

// CreateConnection inserts a new connection.
func (q *Queries) CreateConnection(ctx context.Context, c Connection) (Connection, error) {
	const query = `
		INSERT INTO connections (id, device_id, protocol, mode, variant, overrides, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, device_id, protocol, mode, variant, overrides, status, created_at, updated_at`

	overrides, err := json.Marshal(c.Overrides)
	if err != nil {
		return Connection{}, fmt.Errorf("encoding overrides: %w", err)
	}

	id := c.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var out Connection
	var overridesOut []byte
	err = q.db.QueryRow(ctx, query, id, c.DeviceID, c.Protocol, c.Mode, c.Variant, overrides, c.Status).Scan(
		&out.ID, &out.DeviceID, &out.Protocol, &out.Mode, &out.Variant, &overridesOut, &out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return Connection{}, fmt.Errorf("creating connection: %w", err)
	}
	if len(overridesOut) > 0 {
		if err := json.Unmarshal(overridesOut, &out.Overrides); err != nil {
			return Connection{}, fmt.Errorf("decoding overrides: %w", err)
		}
	}
	return out, nil
}
