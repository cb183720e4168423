// Package node manages NodeEndpoint registration for the fleet's VPS_T
// and VPS_E proxy hosts. Grounded on the NodeEndpoint model described in
// original_source/src/tracegate/models.py; the prototype never exposed a
// registration operation of its own (nodes were seeded directly in its
// database), so this engine is new code over the existing internal/db
// queries, needed to exercise the control surface end-to-end.
package node

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/db"
)

// Store is the persistence surface Engine needs.
type Store interface {
	CreateNode(ctx context.Context, n db.NodeEndpoint) (db.NodeEndpoint, error)
	GetNode(ctx context.Context, id uuid.UUID) (db.NodeEndpoint, error)
	ListActiveNodesByRole(ctx context.Context, role db.NodeRole) ([]db.NodeEndpoint, error)
}

// Engine registers and lists node endpoints.
type Engine struct {
	store Store
}

// NewEngine builds a node Engine over store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// RegisterInput describes a new node endpoint.
type RegisterInput struct {
	Role      db.NodeRole
	BaseURL   string
	PublicIP  string
	FQDN      *string
	ProxyFQDN *string
}

// Register inserts a new active node endpoint.
func (e *Engine) Register(ctx context.Context, in RegisterInput) (db.NodeEndpoint, error) {
	if in.BaseURL == "" {
		return db.NodeEndpoint{}, fmt.Errorf("node registration requires a base_url")
	}
	if in.Role != db.NodeRoleVPST && in.Role != db.NodeRoleVPSE {
		return db.NodeEndpoint{}, fmt.Errorf("node registration requires role VPS_T or VPS_E, got %q", in.Role)
	}

	n, err := e.store.CreateNode(ctx, db.NodeEndpoint{
		Role:      in.Role,
		BaseURL:   in.BaseURL,
		PublicIP:  in.PublicIP,
		FQDN:      in.FQDN,
		ProxyFQDN: in.ProxyFQDN,
		Active:    true,
	})
	if err != nil {
		return db.NodeEndpoint{}, fmt.Errorf("registering node: %w", err)
	}
	return n, nil
}

// Get loads a node endpoint by id.
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (db.NodeEndpoint, error) {
	n, err := e.store.GetNode(ctx, id)
	if err != nil {
		return db.NodeEndpoint{}, fmt.Errorf("getting node %s: %w", id, err)
	}
	return n, nil
}

// ListByRole returns every active node endpoint for a role.
func (e *Engine) ListByRole(ctx context.Context, role db.NodeRole) ([]db.NodeEndpoint, error) {
	nodes, err := e.store.ListActiveNodesByRole(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("listing nodes for role %s: %w", role, err)
	}
	return nodes, nil
}
