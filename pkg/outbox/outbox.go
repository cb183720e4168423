// Package outbox implements the transactional outbox: creating events and
// fanning them out to per-node delivery rows, grounded on
// original_source/src/tracegate/services/outbox.py.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/db"
)

// Store is the persistence surface outbox.Engine needs. *db.Queries
// satisfies it directly.
type Store interface {
	GetEventByIdempotencyKey(ctx context.Context, key string) (*db.OutboxEvent, error)
	CreateEvent(ctx context.Context, p db.CreateEventParams) (db.OutboxEvent, error)
	UpdateEventStatus(ctx context.Context, id uuid.UUID, status db.OutboxEventStatus, lastError *string) error
	ListActiveNodesByRole(ctx context.Context, role db.NodeRole) ([]db.NodeEndpoint, error)
	GetNode(ctx context.Context, id uuid.UUID) (db.NodeEndpoint, error)
	CreateDeliveryIfAbsent(ctx context.Context, eventID, nodeID uuid.UUID) (bool, error)
}

// Engine implements the outbox operations of SPEC_FULL.md §4.3.
type Engine struct {
	store Store
}

// NewEngine constructs an Engine backed by store.
func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// CreateEventParams are the inputs to CreateEvent.
type CreateEventParams struct {
	EventType         db.OutboxEventType
	AggregateID       uuid.UUID
	Payload           map[string]any
	RoleTarget        *db.NodeRole
	NodeID            *uuid.UUID
	IdempotencySuffix string // if empty, hash24(payload) is used
}

// CreateEvent builds the idempotency key, returns the existing event
// unchanged if one with that key already exists, or inserts a new event and
// fans it out to per-node deliveries.
func (e *Engine) CreateEvent(ctx context.Context, p CreateEventParams) (db.OutboxEvent, error) {
	suffix := p.IdempotencySuffix
	if suffix == "" {
		hash, err := hash24(p.Payload)
		if err != nil {
			return db.OutboxEvent{}, fmt.Errorf("hashing payload: %w", err)
		}
		suffix = hash
	}
	key := fmt.Sprintf("%s:%s:%s", p.EventType, p.AggregateID, suffix)

	if existing, err := e.store.GetEventByIdempotencyKey(ctx, key); err != nil {
		return db.OutboxEvent{}, fmt.Errorf("checking idempotency key %q: %w", key, err)
	} else if existing != nil {
		return *existing, nil
	}

	event, err := e.store.CreateEvent(ctx, db.CreateEventParams{
		EventType:      p.EventType,
		AggregateID:    p.AggregateID,
		Payload:        p.Payload,
		RoleTarget:     p.RoleTarget,
		NodeID:         p.NodeID,
		IdempotencyKey: key,
	})
	if err != nil {
		return db.OutboxEvent{}, fmt.Errorf("creating event: %w", err)
	}

	if err := e.fanout(ctx, event); err != nil {
		return db.OutboxEvent{}, fmt.Errorf("fanning out event %s: %w", event.ID, err)
	}

	return event, nil
}

// fanout resolves the event's target nodes and inserts one delivery per
// node, marking the event FAILED if no active node targets exist.
func (e *Engine) fanout(ctx context.Context, event db.OutboxEvent) error {
	nodes, err := e.resolveTargetNodes(ctx, event)
	if err != nil {
		return fmt.Errorf("resolving target nodes: %w", err)
	}

	if len(nodes) == 0 {
		reason := "no active node targets for event fanout"
		if err := e.store.UpdateEventStatus(ctx, event.ID, db.OutboxEventStatusFailed, &reason); err != nil {
			return fmt.Errorf("marking event %s failed: %w", event.ID, err)
		}
		return nil
	}

	for _, node := range nodes {
		if _, err := e.store.CreateDeliveryIfAbsent(ctx, event.ID, node.ID); err != nil {
			return fmt.Errorf("creating delivery for node %s: %w", node.ID, err)
		}
	}
	return nil
}

func (e *Engine) resolveTargetNodes(ctx context.Context, event db.OutboxEvent) ([]db.NodeEndpoint, error) {
	if event.NodeID != nil {
		node, err := e.store.GetNode(ctx, *event.NodeID)
		if err != nil {
			return nil, fmt.Errorf("loading node %s: %w", *event.NodeID, err)
		}
		if !node.Active {
			return nil, nil
		}
		return []db.NodeEndpoint{node}, nil
	}

	if event.RoleTarget == nil {
		return nil, nil
	}
	return e.store.ListActiveNodesByRole(ctx, *event.RoleTarget)
}

// hash24 returns the first 24 hex characters of SHA-256 over a canonical
// (sorted-keys, no-whitespace) JSON serialization of payload, matching
// original_source's _stable_payload_hash.
func hash24(payload map[string]any) (string, error) {
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:24], nil
}

// canonicalJSON serializes v with object keys sorted and no insignificant
// whitespace, matching Python's json.dumps(v, sort_keys=True, separators=(",", ":")).
func canonicalJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// normalize returns a recursive copy of the maps and slices in v; other
// values are returned unchanged. The sorted key order of canonicalJSON's
// output comes from json.Marshal, which always writes map keys sorted.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(t))
		for _, k := range keys {
			n, err := normalize(t[k])
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			n, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	default:
		return v, nil
	}
}
