package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// GetNode loads a node endpoint by id.
func (q *Queries) GetNode(ctx context.Context, id uuid.UUID) (NodeEndpoint, error) {
	const query = `
		SELECT id, role, base_url, public_ip, fqdn, proxy_fqdn, active, created_at, updated_at
		FROM node_endpoints WHERE id = $1`

	var n NodeEndpoint
	err := q.db.QueryRow(ctx, query, id).Scan(
		&n.ID, &n.Role, &n.BaseURL, &n.PublicIP, &n.FQDN, &n.ProxyFQDN, &n.Active, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		return NodeEndpoint{}, fmt.Errorf("getting node %s: %w", id, err)
	}
	return n, nil
}

// ListActiveNodesByRole returns every active node endpoint for a role,
// ordered by creation time so the earliest-registered node is first (used
// for default endpoint resolution when a connection does not pin a node).
func (q *Queries) ListActiveNodesByRole(ctx context.Context, role NodeRole) ([]NodeEndpoint, error) {
	const query = `
		SELECT id, role, base_url, public_ip, fqdn, proxy_fqdn, active, created_at, updated_at
		FROM node_endpoints WHERE role = $1 AND active = true ORDER BY created_at ASC`

	rows, err := q.db.Query(ctx, query, role)
	if err != nil {
		return nil, fmt.Errorf("listing active nodes for role %s: %w", role, err)
	}
	defer rows.Close()

	var out []NodeEndpoint
	for rows.Next() {
		var n NodeEndpoint
		if err := rows.Scan(&n.ID, &n.Role, &n.BaseURL, &n.PublicIP, &n.FQDN, &n.ProxyFQDN, &n.Active, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CreateNode inserts a new node endpoint.
func (q *Queries) CreateNode(ctx context.Context, n NodeEndpoint) (NodeEndpoint, error) {
	const query = `
		INSERT INTO node_endpoints (id, role, base_url, public_ip, fqdn, proxy_fqdn, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, role, base_url, public_ip, fqdn, proxy_fqdn, active, created_at, updated_at`

	id := n.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	var out NodeEndpoint
	err := q.db.QueryRow(ctx, query, id, n.Role, n.BaseURL, n.PublicIP, n.FQDN, n.ProxyFQDN, n.Active).Scan(
		&out.ID, &out.Role, &out.BaseURL, &out.PublicIP, &out.FQDN, &out.ProxyFQDN, &out.Active, &out.CreatedAt, &out.UpdatedAt,
	)
	if err != nil {
		return NodeEndpoint{}, fmt.Errorf("creating node: %w", err)
	}
	return out, nil
}
