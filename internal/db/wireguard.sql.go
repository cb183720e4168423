package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetActiveWireguardPeerByDevice returns the device's sole ACTIVE peer, if any.
func (q *Queries) GetActiveWireguardPeerByDevice(ctx context.Context, deviceID uuid.UUID) (*WireguardPeer, error) {
	const query = `
		SELECT id, device_id, connection_id, public_key, private_key, preshared_key, ipam_lease_id, status, created_at, updated_at
		FROM wireguard_peers WHERE device_id = $1 AND status = 'ACTIVE'`

	var p WireguardPeer
	err := q.db.QueryRow(ctx, query, deviceID).Scan(
		&p.ID, &p.DeviceID, &p.ConnectionID, &p.PublicKey, &p.PrivateKey, &p.PresharedKey, &p.IpamLeaseID, &p.Status, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting active wireguard peer for device %s: %w", deviceID, err)
	}
	return &p, nil
}

// CreateWireguardPeer inserts a new peer.
func (q *Queries) CreateWireguardPeer(ctx context.Context, p WireguardPeer) (WireguardPeer, error) {
	const query = `
		INSERT INTO wireguard_peers (id, device_id, connection_id, public_key, private_key, preshared_key, ipam_lease_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, device_id, connection_id, public_key, private_key, preshared_key, ipam_lease_id, status, created_at, updated_at`

	id := p.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var out WireguardPeer
	err := q.db.QueryRow(ctx, query, id, p.DeviceID, p.ConnectionID, p.PublicKey, p.PrivateKey, p.PresharedKey, p.IpamLeaseID, p.Status).Scan(
		&out.ID, &out.DeviceID, &out.ConnectionID, &out.PublicKey, &out.PrivateKey, &out.PresharedKey, &out.IpamLeaseID, &out.Status, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return WireguardPeer{}, fmt.Errorf("creating wireguard peer: %w", err)
	}
	return out, nil
}

// RevokeWireguardPeer transitions a peer to REVOKED.
func (q *Queries) RevokeWireguardPeer(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE wireguard_peers SET status = 'REVOKED', updated_at = now() WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("revoking wireguard peer %s: %w", id, err)
	}
	return nil
}
