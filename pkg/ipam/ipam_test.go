package ipam

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/tracegate/tracegate/internal/db"
)

// fakeStore is an in-memory Store used to test Engine without a live
// Postgres connection.
type fakeStore struct {
	pools   map[uuid.UUID]db.IpamPool
	byCIDR  map[string]uuid.UUID
	leases  map[uuid.UUID]db.IpamLease
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		pools:  map[uuid.UUID]db.IpamPool{},
		byCIDR: map[string]uuid.UUID{},
		leases: map[uuid.UUID]db.IpamLease{},
	}
}

func (s *fakeStore) EnsurePool(ctx context.Context, cidr, gateway string, quarantineSeconds int) (db.IpamPool, error) {
	if id, ok := s.byCIDR[cidr]; ok {
		return s.pools[id], nil
	}
	id := uuid.New()
	p := db.IpamPool{ID: id, CIDR: cidr, Gateway: gateway, QuarantineSeconds: quarantineSeconds, CreatedAt: time.Now()}
	s.pools[id] = p
	s.byCIDR[cidr] = id
	return p, nil
}

func (s *fakeStore) GetPool(ctx context.Context, id uuid.UUID) (db.IpamPool, error) {
	p, ok := s.pools[id]
	if !ok {
		return db.IpamPool{}, errors.New("pool not found")
	}
	return p, nil
}

func (s *fakeStore) GetActiveLeaseByOwner(ctx context.Context, poolID uuid.UUID, ownerType db.IpamOwnerType, ownerID uuid.UUID) (*db.IpamLease, error) {
	for _, l := range s.leases {
		if l.PoolID == poolID && l.OwnerType == ownerType && l.OwnerID == ownerID && l.Status == db.IpamLeaseStatusActive {
			out := l
			return &out, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListBlockingLeases(ctx context.Context, poolID uuid.UUID, now time.Time) ([]db.IpamLease, error) {
	var out []db.IpamLease
	for _, l := range s.leases {
		if l.PoolID != poolID {
			continue
		}
		if l.Status == db.IpamLeaseStatusActive {
			out = append(out, l)
		} else if l.Status == db.IpamLeaseStatusQuarantined && l.QuarantinedUntil != nil && l.QuarantinedUntil.After(now) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *fakeStore) CreateLease(ctx context.Context, p db.CreateLeaseParams) (db.IpamLease, error) {
	l := db.IpamLease{
		ID:        uuid.New(),
		PoolID:    p.PoolID,
		OwnerType: p.OwnerType,
		OwnerID:   p.OwnerID,
		IP:        p.IP,
		Status:    db.IpamLeaseStatusActive,
		CreatedAt: time.Now(),
	}
	s.leases[l.ID] = l
	return l, nil
}

func (s *fakeStore) QuarantineLease(ctx context.Context, id uuid.UUID, quarantinedUntil time.Time) error {
	l, ok := s.leases[id]
	if !ok {
		return errors.New("lease not found")
	}
	l.Status = db.IpamLeaseStatusQuarantined
	l.QuarantinedUntil = &quarantinedUntil
	s.leases[id] = l
	return nil
}

func (s *fakeStore) ReapQuarantine(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, l := range s.leases {
		if l.Status == db.IpamLeaseStatusQuarantined && l.QuarantinedUntil != nil && !l.QuarantinedUntil.After(now) {
			l.Status = db.IpamLeaseStatusReleased
			s.leases[id] = l
			n++
		}
	}
	return n, nil
}

func TestEngine_EnsurePoolExists_Idempotent(t *testing.T) {
	store := newFakeStore()
	now := time.Now
	e := NewEngine(store, now)

	p1, err := e.EnsurePoolExists(context.Background(), "10.70.0.0/30", "10.70.0.1", 60)
	require.NoError(t, err)
	p2, err := e.EnsurePoolExists(context.Background(), "10.70.0.0/30", "10.70.0.1", 60)
	require.NoError(t, err)
	require.Equal(t, p1.ID, p2.ID)
}

func TestEngine_EnsurePoolExists_InvalidInputs(t *testing.T) {
	store := newFakeStore()
	e := NewEngine(store, nil)

	_, err := e.EnsurePoolExists(context.Background(), "not-a-cidr", "10.0.0.1", 60)
	require.Error(t, err)
	var ipamErr *IpamError
	require.ErrorAs(t, err, &ipamErr)

	_, err = e.EnsurePoolExists(context.Background(), "10.0.0.0/24", "not-an-ip", 60)
	require.Error(t, err)
}

// TestEngine_AllocateQuarantineExhaustion covers spec.md scenario E8: a
// /30 pool has exactly one host address besides its gateway; after
// allocating and releasing it,
// a second allocation fails while quarantined, then succeeds once the
// quarantine window has elapsed.
func TestEngine_AllocateQuarantineExhaustion(t *testing.T) {
	store := newFakeStore()
	clockNow := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngine(store, func() time.Time { return clockNow })

	pool, err := e.EnsurePoolExists(context.Background(), "10.70.0.0/30", "10.70.0.1", 60)
	require.NoError(t, err)

	ownerA := uuid.New()
	leaseA, err := e.Allocate(context.Background(), pool.ID, db.IpamOwnerTypeDevice, ownerA)
	require.NoError(t, err)
	require.Equal(t, "10.70.0.2", leaseA.IP)

	// Second call for the same owner is idempotent.
	leaseAAgain, err := e.Allocate(context.Background(), pool.ID, db.IpamOwnerTypeDevice, ownerA)
	require.NoError(t, err)
	require.Equal(t, leaseA.ID, leaseAAgain.ID)

	require.NoError(t, e.Release(context.Background(), leaseA.ID, 60))

	ownerB := uuid.New()
	_, err = e.Allocate(context.Background(), pool.ID, db.IpamOwnerTypeDevice, ownerB)
	require.Error(t, err)
	var ipamErr *IpamError
	require.ErrorAs(t, err, &ipamErr)

	clockNow = clockNow.Add(61 * time.Second)
	n, err := e.ReapQuarantine(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	leaseB, err := e.Allocate(context.Background(), pool.ID, db.IpamOwnerTypeDevice, ownerB)
	require.NoError(t, err)
	require.Equal(t, "10.70.0.2", leaseB.IP)
}

func TestCandidateIPs_ExcludesGatewayAndBroadcast(t *testing.T) {
	ips, err := candidateIPs("10.70.0.0/29", "10.70.0.1")
	require.NoError(t, err)
	require.Equal(t, []string{"10.70.0.2", "10.70.0.3", "10.70.0.4", "10.70.0.5", "10.70.0.6"}, ips)
}

func TestCandidateIPs_SlashThirtyOneHasNoReservedAddresses(t *testing.T) {
	ips, err := candidateIPs("10.70.0.0/31", "10.70.0.0")
	require.NoError(t, err)
	require.Equal(t, []string{"10.70.0.1"}, ips)
}
