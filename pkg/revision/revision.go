// Package revision implements the revision state machine: building
// per-protocol effective configuration, the three-slot ACTIVE revision
// history, and the outbox events that carry a revision's desired state
// out to node agents. Grounded on
// original_source/src/tracegate/services/revisions.py.
package revision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/db"
	"github.com/tracegate/tracegate/pkg/ipam"
	"github.com/tracegate/tracegate/pkg/outbox"
)

// Store is the persistence surface Engine needs. *db.Queries satisfies it
// directly.
type Store interface {
	GetConnection(ctx context.Context, id uuid.UUID) (db.Connection, error)
	GetUser(ctx context.Context, id uuid.UUID) (db.User, error)
	GetDevice(ctx context.Context, id uuid.UUID) (db.Device, error)

	ListActiveRevisions(ctx context.Context, connectionID uuid.UUID) ([]db.ConnectionRevision, error)
	GetRevision(ctx context.Context, id uuid.UUID) (db.ConnectionRevision, error)
	CreateRevision(ctx context.Context, p db.CreateRevisionParams) (db.ConnectionRevision, error)
	UpdateRevisionSlot(ctx context.Context, id uuid.UUID, slot int) error
	UpdateRevisionStatus(ctx context.Context, id uuid.UUID, status db.RevisionStatus, slot int) error

	ListEnabledSNI(ctx context.Context) ([]db.CamouflageSNI, error)
	GetSNI(ctx context.Context, id uuid.UUID) (db.CamouflageSNI, error)

	ListActiveNodesByRole(ctx context.Context, role db.NodeRole) ([]db.NodeEndpoint, error)

	GetActiveWireguardPeerByDevice(ctx context.Context, deviceID uuid.UUID) (*db.WireguardPeer, error)
	CreateWireguardPeer(ctx context.Context, p db.WireguardPeer) (db.WireguardPeer, error)
}

// Clock allows tests to control "now" deterministically.
type Clock func() time.Time

// Settings carries the defaults used when no active node endpoint is
// registered for a role, and the REALITY/WireGuard material the effective
// config renderers need — grounded on original_source's settings.py.
type Settings struct {
	DefaultVPSTHost string
	DefaultVPSEHost string

	RealityPublicKeyVPST string
	RealityShortIDVPST   string
	RealityPublicKeyVPSE string
	RealityShortIDVPSE   string

	WireguardServerPublicKey string

	// WireguardPoolID is the IPAM pool WireGuard peer addresses are leased
	// from. The control-plane wiring ensures this pool exists at startup.
	WireguardPoolID uuid.UUID
}

// Engine implements the revision operations of SPEC_FULL.md §4.2.
type Engine struct {
	store    Store
	outbox   *outbox.Engine
	ipam     *ipam.Engine
	settings Settings
	now      Clock
}

// NewEngine constructs an Engine. now defaults to time.Now.
func NewEngine(store Store, outboxEngine *outbox.Engine, ipamEngine *ipam.Engine, settings Settings, now Clock) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, outbox: outboxEngine, ipam: ipamEngine, settings: settings, now: now}
}

// CreateRevision implements create_revision: shifts existing ACTIVE
// revisions down a slot, inserts the new revision at slot 0, emits outbox
// events to the appropriate target roles, and compacts slots to the three
// most-recent ACTIVE revisions.
func (e *Engine) CreateRevision(ctx context.Context, connectionID uuid.UUID, camouflageSNIID *uuid.UUID, force bool) (db.ConnectionRevision, error) {
	connection, err := e.store.GetConnection(ctx, connectionID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("connection not found: %v", err)
	}
	device, err := e.store.GetDevice(ctx, connection.DeviceID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("device not found: %v", err)
	}
	user, err := e.store.GetUser(ctx, device.UserID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("user not found: %v", err)
	}

	if err := e.ensureCanIssue(user, force); err != nil {
		return db.ConnectionRevision{}, err
	}
	if err := validateOverrides(connection.Protocol, connection.Overrides); err != nil {
		return db.ConnectionRevision{}, err
	}

	sni, err := e.resolveSNI(ctx, connection.Protocol, camouflageSNIID, connection.Overrides)
	if err != nil {
		return db.ConnectionRevision{}, err
	}
	endpoints, err := e.resolveEndpoints(ctx)
	if err != nil {
		return db.ConnectionRevision{}, err
	}

	var assignedIP string
	if connection.Protocol == db.ProtocolWireguard {
		assignedIP, err = e.ensureWireguardPeer(ctx, device.ID, connection.ID)
		if err != nil {
			return db.ConnectionRevision{}, err
		}
	}

	actives, err := e.store.ListActiveRevisions(ctx, connectionID)
	if err != nil {
		return db.ConnectionRevision{}, fmt.Errorf("listing active revisions: %w", err)
	}
	if err := e.shiftSlotsForNewRevision(ctx, actives); err != nil {
		return db.ConnectionRevision{}, err
	}

	var sniID *uuid.UUID
	if sni != nil {
		sniID = &sni.ID
	}
	effectiveConfig, err := buildEffectiveConfig(connection, device, user, sni, endpoints, assignedIP, e.settings.WireguardServerPublicKey)
	if err != nil {
		return db.ConnectionRevision{}, err
	}

	revision, err := e.store.CreateRevision(ctx, db.CreateRevisionParams{
		ConnectionID:    connectionID,
		Slot:            0,
		Status:          db.RevisionStatusActive,
		CamouflageSNIID: sniID,
		EffectiveConfig: effectiveConfig,
	})
	if err != nil {
		return db.ConnectionRevision{}, fmt.Errorf("creating revision: %w", err)
	}

	if err := e.emitApplyEvents(ctx, connection, user, device, revision, effectiveConfig, sni, ""); err != nil {
		return db.ConnectionRevision{}, err
	}

	if err := e.compactSlots(ctx, connectionID); err != nil {
		return db.ConnectionRevision{}, err
	}

	return revision, nil
}

// ActivateRevision implements activate_revision: re-numbers slots so this
// revision is slot 0, re-emits APPLY events for its already-frozen
// effective config — a spec-mandated behavior absent from original_source,
// see SPEC_FULL.md §5.
func (e *Engine) ActivateRevision(ctx context.Context, revisionID uuid.UUID) (db.ConnectionRevision, error) {
	revision, err := e.store.GetRevision(ctx, revisionID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("revision not found: %v", err)
	}

	if err := e.store.UpdateRevisionStatus(ctx, revision.ID, db.RevisionStatusActive, 0); err != nil {
		return db.ConnectionRevision{}, fmt.Errorf("activating revision %s: %w", revision.ID, err)
	}
	revision.Status = db.RevisionStatusActive
	revision.Slot = 0

	actives, err := e.store.ListActiveRevisions(ctx, revision.ConnectionID)
	if err != nil {
		return db.ConnectionRevision{}, fmt.Errorf("listing active revisions: %w", err)
	}
	sort.Slice(actives, func(i, j int) bool { return actives[i].Slot < actives[j].Slot })

	idx := 1
	for _, other := range actives {
		if other.ID == revision.ID {
			continue
		}
		if idx > 2 {
			if err := e.store.UpdateRevisionStatus(ctx, other.ID, db.RevisionStatusRevoked, 2); err != nil {
				return db.ConnectionRevision{}, fmt.Errorf("revoking revision %s: %w", other.ID, err)
			}
		} else {
			if err := e.store.UpdateRevisionSlot(ctx, other.ID, idx); err != nil {
				return db.ConnectionRevision{}, fmt.Errorf("re-slotting revision %s: %w", other.ID, err)
			}
		}
		idx++
	}

	connection, err := e.store.GetConnection(ctx, revision.ConnectionID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("connection not found: %v", err)
	}
	device, err := e.store.GetDevice(ctx, connection.DeviceID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("device not found: %v", err)
	}
	user, err := e.store.GetUser(ctx, device.UserID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("user not found: %v", err)
	}

	var sni *db.CamouflageSNI
	if revision.CamouflageSNIID != nil {
		s, err := e.store.GetSNI(ctx, *revision.CamouflageSNIID)
		if err != nil {
			return db.ConnectionRevision{}, newRevisionError("camouflage SNI not found: %v", err)
		}
		sni = &s
	}

	activationTag := fmt.Sprintf("activate-%d", e.now().UnixNano())
	if err := e.emitApplyEvents(ctx, connection, user, device, revision, revision.EffectiveConfig, sni, activationTag); err != nil {
		return db.ConnectionRevision{}, err
	}

	return revision, nil
}

// RevokeRevision implements revoke_revision: marks the revision REVOKED,
// compacts slots, and emits REVOKE_USER (or WG_PEER_REMOVE for WireGuard,
// per spec.md §4.2 — a spec-mandated divergence from original_source,
// which always emits REVOKE_USER) for the same target roles.
func (e *Engine) RevokeRevision(ctx context.Context, revisionID uuid.UUID) (db.ConnectionRevision, error) {
	revision, err := e.store.GetRevision(ctx, revisionID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("revision not found: %v", err)
	}

	if err := e.store.UpdateRevisionStatus(ctx, revision.ID, db.RevisionStatusRevoked, revision.Slot); err != nil {
		return db.ConnectionRevision{}, fmt.Errorf("revoking revision %s: %w", revision.ID, err)
	}
	revision.Status = db.RevisionStatusRevoked

	if err := e.compactSlots(ctx, revision.ConnectionID); err != nil {
		return db.ConnectionRevision{}, err
	}

	connection, err := e.store.GetConnection(ctx, revision.ConnectionID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("connection not found: %v", err)
	}
	device, err := e.store.GetDevice(ctx, connection.DeviceID)
	if err != nil {
		return db.ConnectionRevision{}, newRevisionError("device not found: %v", err)
	}

	eventType := db.OutboxEventRevokeUser
	if connection.Protocol == db.ProtocolWireguard {
		eventType = db.OutboxEventWGPeerRemove
	}

	payload := map[string]any{
		"connection_id": connection.ID.String(),
		"revision_id":   revision.ID.String(),
		"device_id":     device.ID.String(),
		"op_ts":         revision.CreatedAt.UTC().Format(time.RFC3339),
	}

	for _, role := range slotTargetRoles(connection.Variant) {
		r := role
		if _, err := e.outbox.CreateEvent(ctx, outbox.CreateEventParams{
			EventType:         eventType,
			AggregateID:       connection.ID,
			Payload:           payload,
			RoleTarget:        &r,
			IdempotencySuffix: fmt.Sprintf("%s:%s", revision.ID, role),
		}); err != nil {
			return db.ConnectionRevision{}, fmt.Errorf("emitting revoke event for role %s: %w", role, err)
		}
	}

	return revision, nil
}

func (e *Engine) ensureCanIssue(user db.User, force bool) error {
	if user.Status == db.UserStatusBlocked {
		return newGraceError("user is blocked")
	}
	if user.Status == db.UserStatusGrace && !force {
		if user.GraceDeadline == nil || user.GraceDeadline.After(e.now()) {
			return newGraceError("user is in grace period; retry with force=true if authorized")
		}
	}
	return nil
}

func (e *Engine) resolveSNI(ctx context.Context, protocol db.Protocol, requestedID *uuid.UUID, overrides map[string]any) (*db.CamouflageSNI, error) {
	if protocol != db.ProtocolVlessReality {
		return nil, nil
	}

	id := requestedID
	if id == nil {
		if v, ok := overrides["camouflage_sni_id"]; ok {
			if s, ok := v.(string); ok {
				if parsed, err := uuid.Parse(s); err == nil {
					id = &parsed
				}
			}
		}
	}

	if id == nil {
		enabled, err := e.store.ListEnabledSNI(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing enabled SNI entries: %w", err)
		}
		if len(enabled) == 0 {
			return nil, newRevisionError("no enabled SNI domains available")
		}
		return &enabled[0], nil
	}

	sni, err := e.store.GetSNI(ctx, *id)
	if err != nil {
		return nil, newRevisionError("requested SNI is unavailable: %v", err)
	}
	if !sni.Enabled {
		return nil, newRevisionError("requested SNI is unavailable")
	}
	return &sni, nil
}

func (e *Engine) resolveEndpoints(ctx context.Context) (EndpointSet, error) {
	es := EndpointSet{
		VPSTHost:             e.settings.DefaultVPSTHost,
		VPSEHost:             e.settings.DefaultVPSEHost,
		RealityPublicKeyVPST: e.settings.RealityPublicKeyVPST,
		RealityShortIDVPST:   e.settings.RealityShortIDVPST,
		RealityPublicKeyVPSE: e.settings.RealityPublicKeyVPSE,
		RealityShortIDVPSE:   e.settings.RealityShortIDVPSE,
		VlessWSPath:          "/ws",
		VlessWSTLSPort:       443,
	}

	vpsT, err := e.store.ListActiveNodesByRole(ctx, db.NodeRoleVPST)
	if err != nil {
		return EndpointSet{}, fmt.Errorf("listing VPS_T nodes: %w", err)
	}
	if len(vpsT) > 0 {
		es.VPSTHost = nodeHost(vpsT[0])
	}

	vpsE, err := e.store.ListActiveNodesByRole(ctx, db.NodeRoleVPSE)
	if err != nil {
		return EndpointSet{}, fmt.Errorf("listing VPS_E nodes: %w", err)
	}
	if len(vpsE) > 0 {
		es.VPSEHost = nodeHost(vpsE[0])
	}

	return es, nil
}

func nodeHost(n db.NodeEndpoint) string {
	if n.FQDN != nil && *n.FQDN != "" {
		return *n.FQDN
	}
	return n.PublicIP
}

// ensureWireguardPeer reuses the device's existing ACTIVE peer, or
// generates a fresh server-side keypair and leases an address for a new
// one, per spec.md §4.2 step 4. Returns the peer's leased IP address.
func (e *Engine) ensureWireguardPeer(ctx context.Context, deviceID, connectionID uuid.UUID) (string, error) {
	existing, err := e.store.GetActiveWireguardPeerByDevice(ctx, deviceID)
	if err != nil {
		return "", fmt.Errorf("checking existing wireguard peer: %w", err)
	}
	if existing != nil {
		lease, err := e.ipam.Allocate(ctx, e.settings.WireguardPoolID, db.IpamOwnerTypeDevice, deviceID)
		if err != nil {
			return "", fmt.Errorf("re-resolving wireguard lease: %w", err)
		}
		return lease.IP, nil
	}

	lease, err := e.ipam.Allocate(ctx, e.settings.WireguardPoolID, db.IpamOwnerTypeDevice, deviceID)
	if err != nil {
		return "", fmt.Errorf("allocating wireguard lease: %w", err)
	}

	pub, priv, err := generateWireguardKeypair()
	if err != nil {
		return "", err
	}

	if _, err := e.store.CreateWireguardPeer(ctx, db.WireguardPeer{
		DeviceID:     deviceID,
		ConnectionID: connectionID,
		PublicKey:    pub,
		PrivateKey:   priv,
		IpamLeaseID:  lease.ID,
		Status:       db.WireguardPeerStatusActive,
	}); err != nil {
		return "", fmt.Errorf("creating wireguard peer: %w", err)
	}

	return lease.IP, nil
}

// shiftSlotsForNewRevision implements spec.md §4.2 step 5: for each
// current ACTIVE revision (processed highest-slot first), new_slot =
// slot+1; anything that would land past slot 2 is REVOKED and clamped.
func (e *Engine) shiftSlotsForNewRevision(ctx context.Context, actives []db.ConnectionRevision) error {
	sort.Slice(actives, func(i, j int) bool { return actives[i].Slot > actives[j].Slot })

	for _, rev := range actives {
		nextSlot := rev.Slot + 1
		if nextSlot > 2 {
			if err := e.store.UpdateRevisionStatus(ctx, rev.ID, db.RevisionStatusRevoked, 2); err != nil {
				return fmt.Errorf("revoking shifted revision %s: %w", rev.ID, err)
			}
		} else {
			if err := e.store.UpdateRevisionSlot(ctx, rev.ID, nextSlot); err != nil {
				return fmt.Errorf("shifting revision %s to slot %d: %w", rev.ID, nextSlot, err)
			}
		}
	}
	return nil
}

// compactSlots implements spec.md §4.2 step 9: keep only the three
// most-recent ACTIVE revisions (ordered by slot, then created_at),
// re-numbering them 0..2; REVOKE and clamp the rest to slot 2.
func (e *Engine) compactSlots(ctx context.Context, connectionID uuid.UUID) error {
	actives, err := e.store.ListActiveRevisions(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("listing active revisions for compaction: %w", err)
	}
	sort.Slice(actives, func(i, j int) bool {
		if actives[i].Slot != actives[j].Slot {
			return actives[i].Slot < actives[j].Slot
		}
		return actives[i].CreatedAt.Before(actives[j].CreatedAt)
	})

	for idx, rev := range actives {
		if idx < 3 {
			if rev.Slot != idx {
				if err := e.store.UpdateRevisionSlot(ctx, rev.ID, idx); err != nil {
					return fmt.Errorf("compacting revision %s to slot %d: %w", rev.ID, idx, err)
				}
			}
			continue
		}
		if err := e.store.UpdateRevisionStatus(ctx, rev.ID, db.RevisionStatusRevoked, 2); err != nil {
			return fmt.Errorf("revoking excess revision %s: %w", rev.ID, err)
		}
	}
	return nil
}

// wireguardPeerIP pulls the leased address back out of the rendered
// client config's interface.addresses[0] (stored as "ip/32"), so the
// server-side WG_PEER_UPSERT payload doesn't need its own plumbing for a
// value already computed once per revision.
func wireguardPeerIP(effectiveConfig map[string]any) string {
	iface, _ := effectiveConfig["interface"].(map[string]any)
	addrs, _ := iface["addresses"].([]any)
	if len(addrs) == 0 {
		return ""
	}
	addr, _ := addrs[0].(string)
	if idx := strings.IndexByte(addr, '/'); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

// slotTargetRoles implements spec.md §4.2 step 7: REALITY/Hysteria2 chain
// variants enter via VPS-E and transit VPS-T, so both roles need the event.
func slotTargetRoles(variant db.Variant) []db.NodeRole {
	if variant == db.VariantB2 || variant == db.VariantB4 {
		return []db.NodeRole{db.NodeRoleVPSE, db.NodeRoleVPST}
	}
	return []db.NodeRole{db.NodeRoleVPST}
}

// eventTypeForProtocol implements spec.md §4.2 step 8.
func eventTypeForProtocol(protocol db.Protocol) db.OutboxEventType {
	if protocol == db.ProtocolWireguard {
		return db.OutboxEventWGPeerUpsert
	}
	return db.OutboxEventUpsertUser
}

// emitApplyEvents emits one outbox event per target role carrying the
// revision id, protocol, variant, device id and effective config. For
// WireGuard, the event also carries the top-level peer_public_key/peer_ip
// fields the agent's WG_PEER_UPSERT handler keys its server-side peer file
// on (spec.md §6), alongside the same config envelope every other
// protocol gets. The idempotency suffix is "<revision id>:<role>"; a
// non-empty suffixTag is inserted between the two, so an activation's
// events are not deduplicated against the revision's create-time events.
func (e *Engine) emitApplyEvents(ctx context.Context, connection db.Connection, user db.User, device db.Device, revision db.ConnectionRevision, effectiveConfig map[string]any, sni *db.CamouflageSNI, suffixTag string) error {
	eventType := eventTypeForProtocol(connection.Protocol)

	var sniFQDN any
	if sni != nil {
		sniFQDN = sni.FQDN
	}

	payload := map[string]any{
		"user_id":        user.ID.String(),
		"device_id":      device.ID.String(),
		"connection_id":  connection.ID.String(),
		"revision_id":    revision.ID.String(),
		"protocol":       string(connection.Protocol),
		"variant":        string(connection.Variant),
		"config":         effectiveConfig,
		"camouflage_sni": sniFQDN,
		"op_ts":          revision.CreatedAt.UTC().Format(time.RFC3339),
	}

	if connection.Protocol == db.ProtocolWireguard {
		peer, err := e.store.GetActiveWireguardPeerByDevice(ctx, device.ID)
		if err != nil {
			return fmt.Errorf("looking up wireguard peer for event payload: %w", err)
		}
		if peer != nil {
			payload["peer_public_key"] = peer.PublicKey
			payload["peer_ip"] = wireguardPeerIP(effectiveConfig)
		}
	}

	for _, role := range slotTargetRoles(connection.Variant) {
		r := role
		suffix := fmt.Sprintf("%s:%s", revision.ID, role)
		if suffixTag != "" {
			suffix = fmt.Sprintf("%s:%s:%s", revision.ID, suffixTag, role)
		}
		if _, err := e.outbox.CreateEvent(ctx, outbox.CreateEventParams{
			EventType:         eventType,
			AggregateID:       connection.ID,
			Payload:           payload,
			RoleTarget:        &r,
			IdempotencySuffix: suffix,
		}); err != nil {
			return fmt.Errorf("emitting apply event for role %s: %w", role, err)
		}
	}
	return nil
}
