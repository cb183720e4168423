package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetUser loads a user by id.
func (q *Queries) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	const query = `
		SELECT id, external_id, role, status, grace_deadline, device_quota, created_at, updated_at
		FROM users WHERE id = $1`

	var u User
	err := q.db.QueryRow(ctx, query, id).Scan(
		&u.ID, &u.ExternalID, &u.Role, &u.Status, &u.GraceDeadline, &u.DeviceQuota, &u.CreatedAt, &u.UpdatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("getting user %s: %w", id, err)
	}
	return u, nil
}

// GetDevice loads a device by id.
func (q *Queries) GetDevice(ctx context.Context, id uuid.UUID) (Device, error) {
	const query = `
		SELECT id, user_id, name, status, created_at, updated_at
		FROM devices WHERE id = $1`

	var d Device
	err := q.db.QueryRow(ctx, query, id).Scan(&d.ID, &d.UserID, &d.Name, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Device{}, fmt.Errorf("getting device %s: %w", id, err)
	}
	return d, nil
}

// CountActiveDevices counts a user's ACTIVE devices, used to enforce device quota.
func (q *Queries) CountActiveDevices(ctx context.Context, userID uuid.UUID) (int, error) {
	const query = `SELECT count(*) FROM devices WHERE user_id = $1 AND status = 'ACTIVE'`

	var n int
	if err := q.db.QueryRow(ctx, query, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting active devices for user %s: %w", userID, err)
	}
	return n, nil
}
