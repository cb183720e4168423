package revision

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tracegate/tracegate/internal/db"
	"github.com/tracegate/tracegate/pkg/ipam"
	"github.com/tracegate/tracegate/pkg/outbox"
)

// --- fake revision.Store ---

type fakeRevisionStore struct {
	connections map[uuid.UUID]db.Connection
	devices     map[uuid.UUID]db.Device
	users       map[uuid.UUID]db.User
	revisions   map[uuid.UUID]db.ConnectionRevision
	sni         map[uuid.UUID]db.CamouflageSNI
	nodes       map[db.NodeRole][]db.NodeEndpoint
	wgPeers     map[uuid.UUID]db.WireguardPeer // by device id
	now         func() time.Time
}

func newFakeRevisionStore(now func() time.Time) *fakeRevisionStore {
	return &fakeRevisionStore{
		connections: map[uuid.UUID]db.Connection{},
		devices:     map[uuid.UUID]db.Device{},
		users:       map[uuid.UUID]db.User{},
		revisions:   map[uuid.UUID]db.ConnectionRevision{},
		sni:         map[uuid.UUID]db.CamouflageSNI{},
		nodes:       map[db.NodeRole][]db.NodeEndpoint{},
		wgPeers:     map[uuid.UUID]db.WireguardPeer{},
		now:         now,
	}
}

func (s *fakeRevisionStore) GetConnection(ctx context.Context, id uuid.UUID) (db.Connection, error) {
	c, ok := s.connections[id]
	if !ok {
		return db.Connection{}, errNotFound
	}
	return c, nil
}

func (s *fakeRevisionStore) GetUser(ctx context.Context, id uuid.UUID) (db.User, error) {
	u, ok := s.users[id]
	if !ok {
		return db.User{}, errNotFound
	}
	return u, nil
}

func (s *fakeRevisionStore) GetDevice(ctx context.Context, id uuid.UUID) (db.Device, error) {
	d, ok := s.devices[id]
	if !ok {
		return db.Device{}, errNotFound
	}
	return d, nil
}

func (s *fakeRevisionStore) ListActiveRevisions(ctx context.Context, connectionID uuid.UUID) ([]db.ConnectionRevision, error) {
	var out []db.ConnectionRevision
	for _, r := range s.revisions {
		if r.ConnectionID == connectionID && r.Status == db.RevisionStatusActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *fakeRevisionStore) GetRevision(ctx context.Context, id uuid.UUID) (db.ConnectionRevision, error) {
	r, ok := s.revisions[id]
	if !ok {
		return db.ConnectionRevision{}, errNotFound
	}
	return r, nil
}

func (s *fakeRevisionStore) CreateRevision(ctx context.Context, p db.CreateRevisionParams) (db.ConnectionRevision, error) {
	r := db.ConnectionRevision{
		ID:              uuid.New(),
		ConnectionID:    p.ConnectionID,
		Slot:            p.Slot,
		Status:          p.Status,
		CamouflageSNIID: p.CamouflageSNIID,
		EffectiveConfig: p.EffectiveConfig,
		CreatedAt:       s.now(),
		UpdatedAt:       s.now(),
	}
	s.revisions[r.ID] = r
	return r, nil
}

func (s *fakeRevisionStore) UpdateRevisionSlot(ctx context.Context, id uuid.UUID, slot int) error {
	r, ok := s.revisions[id]
	if !ok {
		return errNotFound
	}
	r.Slot = slot
	s.revisions[id] = r
	return nil
}

func (s *fakeRevisionStore) UpdateRevisionStatus(ctx context.Context, id uuid.UUID, status db.RevisionStatus, slot int) error {
	r, ok := s.revisions[id]
	if !ok {
		return errNotFound
	}
	r.Status = status
	r.Slot = slot
	s.revisions[id] = r
	return nil
}

func (s *fakeRevisionStore) ListEnabledSNI(ctx context.Context) ([]db.CamouflageSNI, error) {
	var out []db.CamouflageSNI
	for _, sni := range s.sni {
		if sni.Enabled {
			out = append(out, sni)
		}
	}
	return out, nil
}

func (s *fakeRevisionStore) GetSNI(ctx context.Context, id uuid.UUID) (db.CamouflageSNI, error) {
	sni, ok := s.sni[id]
	if !ok {
		return db.CamouflageSNI{}, errNotFound
	}
	return sni, nil
}

func (s *fakeRevisionStore) ListActiveNodesByRole(ctx context.Context, role db.NodeRole) ([]db.NodeEndpoint, error) {
	return s.nodes[role], nil
}

func (s *fakeRevisionStore) GetActiveWireguardPeerByDevice(ctx context.Context, deviceID uuid.UUID) (*db.WireguardPeer, error) {
	p, ok := s.wgPeers[deviceID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *fakeRevisionStore) CreateWireguardPeer(ctx context.Context, p db.WireguardPeer) (db.WireguardPeer, error) {
	p.ID = uuid.New()
	s.wgPeers[p.DeviceID] = p
	return p, nil
}

var errNotFound = errors.New("not found")

// --- fake outbox.Store ---

type fakeOutboxStore struct {
	events    map[string]db.OutboxEvent
	byID      map[uuid.UUID]db.OutboxEvent
	nodes     map[uuid.UUID]db.NodeEndpoint
	created   []db.OutboxEvent
}

func newFakeOutboxStore() *fakeOutboxStore {
	return &fakeOutboxStore{
		events: map[string]db.OutboxEvent{},
		byID:   map[uuid.UUID]db.OutboxEvent{},
		nodes:  map[uuid.UUID]db.NodeEndpoint{},
	}
}

func (s *fakeOutboxStore) GetEventByIdempotencyKey(ctx context.Context, key string) (*db.OutboxEvent, error) {
	if e, ok := s.events[key]; ok {
		return &e, nil
	}
	return nil, nil
}

func (s *fakeOutboxStore) CreateEvent(ctx context.Context, p db.CreateEventParams) (db.OutboxEvent, error) {
	e := db.OutboxEvent{
		ID: uuid.New(), EventType: p.EventType, AggregateID: p.AggregateID,
		Payload: p.Payload, RoleTarget: p.RoleTarget, NodeID: p.NodeID,
		IdempotencyKey: p.IdempotencyKey, Status: db.OutboxEventStatusPending,
	}
	s.events[p.IdempotencyKey] = e
	s.byID[e.ID] = e
	s.created = append(s.created, e)
	return e, nil
}

func (s *fakeOutboxStore) UpdateEventStatus(ctx context.Context, id uuid.UUID, status db.OutboxEventStatus, lastError *string) error {
	e := s.byID[id]
	e.Status = status
	s.byID[id] = e
	return nil
}

func (s *fakeOutboxStore) ListActiveNodesByRole(ctx context.Context, role db.NodeRole) ([]db.NodeEndpoint, error) {
	var out []db.NodeEndpoint
	for _, n := range s.nodes {
		if n.Role == role && n.Active {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *fakeOutboxStore) GetNode(ctx context.Context, id uuid.UUID) (db.NodeEndpoint, error) {
	return s.nodes[id], nil
}

func (s *fakeOutboxStore) CreateDeliveryIfAbsent(ctx context.Context, eventID, nodeID uuid.UUID) (bool, error) {
	return true, nil
}

// --- fake ipam.Store ---

type fakeIpamStore struct {
	pools  map[uuid.UUID]db.IpamPool
	byCIDR map[string]uuid.UUID
	leases map[uuid.UUID]db.IpamLease
}

func newFakeIpamStore() *fakeIpamStore {
	return &fakeIpamStore{
		pools: map[uuid.UUID]db.IpamPool{}, byCIDR: map[string]uuid.UUID{}, leases: map[uuid.UUID]db.IpamLease{},
	}
}

func (s *fakeIpamStore) EnsurePool(ctx context.Context, cidr, gateway string, quarantineSeconds int) (db.IpamPool, error) {
	if id, ok := s.byCIDR[cidr]; ok {
		return s.pools[id], nil
	}
	id := uuid.New()
	p := db.IpamPool{ID: id, CIDR: cidr, Gateway: gateway, QuarantineSeconds: quarantineSeconds}
	s.pools[id] = p
	s.byCIDR[cidr] = id
	return p, nil
}

func (s *fakeIpamStore) GetPool(ctx context.Context, id uuid.UUID) (db.IpamPool, error) {
	return s.pools[id], nil
}

func (s *fakeIpamStore) GetActiveLeaseByOwner(ctx context.Context, poolID uuid.UUID, ownerType db.IpamOwnerType, ownerID uuid.UUID) (*db.IpamLease, error) {
	for _, l := range s.leases {
		if l.PoolID == poolID && l.OwnerType == ownerType && l.OwnerID == ownerID && l.Status == db.IpamLeaseStatusActive {
			out := l
			return &out, nil
		}
	}
	return nil, nil
}

func (s *fakeIpamStore) ListBlockingLeases(ctx context.Context, poolID uuid.UUID, now time.Time) ([]db.IpamLease, error) {
	var out []db.IpamLease
	for _, l := range s.leases {
		if l.PoolID == poolID && l.Status == db.IpamLeaseStatusActive {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeIpamStore) CreateLease(ctx context.Context, p db.CreateLeaseParams) (db.IpamLease, error) {
	l := db.IpamLease{ID: uuid.New(), PoolID: p.PoolID, OwnerType: p.OwnerType, OwnerID: p.OwnerID, IP: p.IP, Status: db.IpamLeaseStatusActive}
	s.leases[l.ID] = l
	return l, nil
}

func (s *fakeIpamStore) QuarantineLease(ctx context.Context, id uuid.UUID, quarantinedUntil time.Time) error {
	return nil
}

func (s *fakeIpamStore) ReapQuarantine(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// --- test fixture wiring ---

func newTestEngine(t *testing.T, store *fakeRevisionStore, outboxStore *fakeOutboxStore) *Engine {
	t.Helper()
	ipamStore := newFakeIpamStore()
	ipamEngine := ipam.NewEngine(ipamStore, store.now)
	pool, err := ipamEngine.EnsurePoolExists(context.Background(), "10.80.0.0/28", "10.80.0.1", 60)
	require.NoError(t, err)

	outboxEngine := outbox.NewEngine(outboxStore)

	settings := Settings{
		DefaultVPSTHost:      "vps-t.example.net",
		DefaultVPSEHost:      "vps-e.example.net",
		RealityPublicKeyVPST: "pbk-t",
		RealityShortIDVPST:   "sid-t",
		WireguardPoolID:      pool.ID,
	}
	return NewEngine(store, outboxEngine, ipamEngine, settings, store.now)
}

func seedConnection(store *fakeRevisionStore, protocol db.Protocol, mode db.Mode, variant db.Variant, userStatus db.UserStatus, graceDeadline *time.Time) (db.User, db.Device, db.Connection) {
	user := db.User{ID: uuid.New(), Status: userStatus, GraceDeadline: graceDeadline}
	device := db.Device{ID: uuid.New(), UserID: user.ID, Status: db.DeviceStatusActive}
	conn := db.Connection{ID: uuid.New(), DeviceID: device.ID, Protocol: protocol, Mode: mode, Variant: variant, Status: db.ConnectionStatusActive}
	store.users[user.ID] = user
	store.devices[device.ID] = device
	store.connections[conn.ID] = conn
	return user, device, conn
}

func TestCreateRevision_VlessRealityDirectB1(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRevisionStore(func() time.Time { return now })
	_, _, conn := seedConnection(store, db.ProtocolVlessReality, db.ModeDirect, db.VariantB1, db.UserStatusActive, nil)

	sniID := uuid.New()
	store.sni[sniID] = db.CamouflageSNI{ID: sniID, FQDN: "splitter.example.com", Enabled: true}

	outboxStore := newFakeOutboxStore()
	engine := newTestEngine(t, store, outboxStore)

	rev, err := engine.CreateRevision(context.Background(), conn.ID, nil, false)
	require.NoError(t, err)
	require.Equal(t, 0, rev.Slot)
	require.Equal(t, db.RevisionStatusActive, rev.Status)
	require.Equal(t, "splitter.example.com", rev.EffectiveConfig["sni"])
	require.Equal(t, "vps-t.example.net", rev.EffectiveConfig["server"])

	require.Len(t, outboxStore.created, 1)
	require.Equal(t, db.OutboxEventUpsertUser, outboxStore.created[0].EventType)
	require.Equal(t, db.NodeRoleVPST, *outboxStore.created[0].RoleTarget)
}

func TestCreateRevision_GraceBlocksWithoutForce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)
	store := newFakeRevisionStore(func() time.Time { return now })
	_, _, conn := seedConnection(store, db.ProtocolVlessReality, db.ModeDirect, db.VariantB1, db.UserStatusGrace, &future)
	sniID := uuid.New()
	store.sni[sniID] = db.CamouflageSNI{ID: sniID, FQDN: "splitter.example.com", Enabled: true}

	engine := newTestEngine(t, store, newFakeOutboxStore())

	_, err := engine.CreateRevision(context.Background(), conn.ID, nil, false)
	require.Error(t, err)
	var gerr *GraceError
	require.ErrorAs(t, err, &gerr)

	_, err = engine.CreateRevision(context.Background(), conn.ID, nil, true)
	require.NoError(t, err)
}

func TestCreateRevision_SlotShiftAndCompactKeepsThreeMostRecent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRevisionStore(func() time.Time { return now })
	_, _, conn := seedConnection(store, db.ProtocolVlessReality, db.ModeDirect, db.VariantB1, db.UserStatusActive, nil)
	sniID := uuid.New()
	store.sni[sniID] = db.CamouflageSNI{ID: sniID, FQDN: "splitter.example.com", Enabled: true}

	engine := newTestEngine(t, store, newFakeOutboxStore())

	var revisions []db.ConnectionRevision
	for i := 0; i < 4; i++ {
		now = now.Add(time.Minute)
		rev, err := engine.CreateRevision(context.Background(), conn.ID, nil, false)
		require.NoError(t, err)
		revisions = append(revisions, rev)
	}

	active, err := store.ListActiveRevisions(context.Background(), conn.ID)
	require.NoError(t, err)
	require.Len(t, active, 3, "only the three most recent revisions remain ACTIVE")

	slots := map[int]bool{}
	for _, r := range active {
		slots[r.Slot] = true
	}
	require.Equal(t, map[int]bool{0: true, 1: true, 2: true}, slots)

	oldest := store.revisions[revisions[0].ID]
	require.Equal(t, db.RevisionStatusRevoked, oldest.Status)
}

func TestCreateRevision_WireGuardAllocatesLeaseAndPeer(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRevisionStore(func() time.Time { return now })
	_, device, conn := seedConnection(store, db.ProtocolWireguard, db.ModeDirect, db.VariantB5, db.UserStatusActive, nil)

	outboxStore := newFakeOutboxStore()
	engine := newTestEngine(t, store, outboxStore)

	rev, err := engine.CreateRevision(context.Background(), conn.ID, nil, false)
	require.NoError(t, err)

	peer, ok := store.wgPeers[device.ID]
	require.True(t, ok, "a wireguard peer must be created")
	require.NotEmpty(t, peer.PublicKey)
	require.NotEmpty(t, peer.PrivateKey)

	iface := rev.EffectiveConfig["interface"].(map[string]any)
	addrs := iface["addresses"].([]any)
	require.Len(t, addrs, 1)
	require.Contains(t, addrs[0].(string), "10.80.0.")

	require.Len(t, outboxStore.created, 1)
	require.Equal(t, db.OutboxEventWGPeerUpsert, outboxStore.created[0].EventType)
}

func TestRevokeRevision_WireGuardEmitsWGPeerRemove(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRevisionStore(func() time.Time { return now })
	_, _, conn := seedConnection(store, db.ProtocolWireguard, db.ModeDirect, db.VariantB5, db.UserStatusActive, nil)

	outboxStore := newFakeOutboxStore()
	engine := newTestEngine(t, store, outboxStore)

	rev, err := engine.CreateRevision(context.Background(), conn.ID, nil, false)
	require.NoError(t, err)

	_, err = engine.RevokeRevision(context.Background(), rev.ID)
	require.NoError(t, err)

	require.Len(t, outboxStore.created, 2, "one UPSERT at create, one REMOVE at revoke")
	require.Equal(t, db.OutboxEventWGPeerRemove, outboxStore.created[1].EventType)

	revoked := store.revisions[rev.ID]
	require.Equal(t, db.RevisionStatusRevoked, revoked.Status)
}

func TestActivateRevision_ResetsSlotToZero(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeRevisionStore(func() time.Time { return now })
	_, _, conn := seedConnection(store, db.ProtocolVlessReality, db.ModeDirect, db.VariantB1, db.UserStatusActive, nil)
	sniID := uuid.New()
	store.sni[sniID] = db.CamouflageSNI{ID: sniID, FQDN: "splitter.example.com", Enabled: true}

	outboxStore := newFakeOutboxStore()
	engine := newTestEngine(t, store, outboxStore)

	rev1, err := engine.CreateRevision(context.Background(), conn.ID, nil, false)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = engine.CreateRevision(context.Background(), conn.ID, nil, false)
	require.NoError(t, err)

	reactivated, err := engine.ActivateRevision(context.Background(), rev1.ID)
	require.NoError(t, err)
	require.Equal(t, 0, reactivated.Slot)
	require.Equal(t, db.RevisionStatusActive, reactivated.Status)

	// Activating re-emits an apply event beyond the two already created at create-time.
	require.Len(t, outboxStore.created, 3)
}
