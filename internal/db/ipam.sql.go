package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// EnsurePool creates the pool if absent, returning the existing or newly
// created row. Idempotent on (cidr).
func (q *Queries) EnsurePool(ctx context.Context, cidr, gateway string, quarantineSeconds int) (IpamPool, error) {
	const upsert = `
		INSERT INTO ipam_pools (id, cidr, gateway, quarantine_seconds)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (cidr) DO UPDATE SET cidr = EXCLUDED.cidr
		RETURNING id, cidr, gateway, quarantine_seconds, created_at`

	var p IpamPool
	err := q.db.QueryRow(ctx, upsert, uuid.New(), cidr, gateway, quarantineSeconds).Scan(
		&p.ID, &p.CIDR, &p.Gateway, &p.QuarantineSeconds, &p.CreatedAt,
	)
	if err != nil {
		return IpamPool{}, fmt.Errorf("ensuring pool %s: %w", cidr, err)
	}
	return p, nil
}

// GetPool loads a pool by id.
func (q *Queries) GetPool(ctx context.Context, id uuid.UUID) (IpamPool, error) {
	const query = `SELECT id, cidr, gateway, quarantine_seconds, created_at FROM ipam_pools WHERE id = $1`

	var p IpamPool
	err := q.db.QueryRow(ctx, query, id).Scan(&p.ID, &p.CIDR, &p.Gateway, &p.QuarantineSeconds, &p.CreatedAt)
	if err != nil {
		return IpamPool{}, fmt.Errorf("getting pool %s: %w", id, err)
	}
	return p, nil
}

// GetActiveLeaseByOwner returns the owner's ACTIVE lease in the pool, if any.
func (q *Queries) GetActiveLeaseByOwner(ctx context.Context, poolID uuid.UUID, ownerType IpamOwnerType, ownerID uuid.UUID) (*IpamLease, error) {
	const query = `
		SELECT id, pool_id, owner_type, owner_id, ip, status, quarantined_until, created_at, updated_at
		FROM ipam_leases WHERE pool_id = $1 AND owner_type = $2 AND owner_id = $3 AND status = 'ACTIVE'`

	l, err := scanLease(q.db.QueryRow(ctx, query, poolID, ownerType, ownerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting active lease for owner %s/%s: %w", ownerType, ownerID, err)
	}
	return &l, nil
}

// ListBlockingLeases returns every lease in the pool that currently blocks an
// IP from being handed out: ACTIVE leases, or QUARANTINED leases whose
// quarantine has not yet expired.
func (q *Queries) ListBlockingLeases(ctx context.Context, poolID uuid.UUID, now time.Time) ([]IpamLease, error) {
	const query = `
		SELECT id, pool_id, owner_type, owner_id, ip, status, quarantined_until, created_at, updated_at
		FROM ipam_leases
		WHERE pool_id = $1 AND (status = 'ACTIVE' OR (status = 'QUARANTINED' AND quarantined_until > $2))`

	rows, err := q.db.Query(ctx, query, poolID, now)
	if err != nil {
		return nil, fmt.Errorf("listing blocking leases for pool %s: %w", poolID, err)
	}
	defer rows.Close()

	var out []IpamLease
	for rows.Next() {
		l, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLease(row rowScanner) (IpamLease, error) {
	var l IpamLease
	err := row.Scan(&l.ID, &l.PoolID, &l.OwnerType, &l.OwnerID, &l.IP, &l.Status, &l.QuarantinedUntil, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return IpamLease{}, fmt.Errorf("scanning lease: %w", err)
	}
	return l, nil
}

// CreateLeaseParams are the fields needed to insert a new ACTIVE lease.
type CreateLeaseParams struct {
	PoolID    uuid.UUID
	OwnerType IpamOwnerType
	OwnerID   uuid.UUID
	IP        string
}

// CreateLease inserts a new ACTIVE lease.
func (q *Queries) CreateLease(ctx context.Context, p CreateLeaseParams) (IpamLease, error) {
	const query = `
		INSERT INTO ipam_leases (id, pool_id, owner_type, owner_id, ip, status)
		VALUES ($1, $2, $3, $4, $5, 'ACTIVE')
		RETURNING id, pool_id, owner_type, owner_id, ip, status, quarantined_until, created_at, updated_at`

	return scanLease(q.db.QueryRow(ctx, query, uuid.New(), p.PoolID, p.OwnerType, p.OwnerID, p.IP))
}

// QuarantineLease transitions a lease to QUARANTINED with the given deadline.
func (q *Queries) QuarantineLease(ctx context.Context, id uuid.UUID, quarantinedUntil time.Time) error {
	const query = `UPDATE ipam_leases SET status = 'QUARANTINED', quarantined_until = $2, updated_at = now() WHERE id = $1`
	_, err := q.db.Exec(ctx, query, id, quarantinedUntil)
	if err != nil {
		return fmt.Errorf("quarantining lease %s: %w", id, err)
	}
	return nil
}

// ReapQuarantine releases every lease whose quarantine has expired. Returns
// the number of leases transitioned.
func (q *Queries) ReapQuarantine(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE ipam_leases SET status = 'RELEASED', updated_at = now() WHERE status = 'QUARANTINED' AND quarantined_until <= $1`

	tag, err := q.db.Exec(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("reaping quarantined leases: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetLeaseByID loads a lease by id.
func (q *Queries) GetLeaseByID(ctx context.Context, id uuid.UUID) (IpamLease, error) {
	const query = `
		SELECT id, pool_id, owner_type, owner_id, ip, status, quarantined_until, created_at, updated_at
		FROM ipam_leases WHERE id = $1`

	return scanLease(q.db.QueryRow(ctx, query, id))
}
