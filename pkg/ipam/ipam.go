// Package ipam implements pool and lease management for gateway-assigned
// addresses (WireGuard peer IPs today; any IP-bearing owner tomorrow).
package ipam

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/db"
)

// IpamError is returned for operator-actionable allocation failures, such
// as pool exhaustion — grounded on original_source's IpamError class.
type IpamError struct {
	Msg string
}

func (e *IpamError) Error() string { return e.Msg }

func newIpamError(format string, args ...any) error {
	return &IpamError{Msg: fmt.Sprintf(format, args...)}
}

// Store is the persistence surface the Engine needs. *db.Queries satisfies
// it directly.
type Store interface {
	EnsurePool(ctx context.Context, cidr, gateway string, quarantineSeconds int) (db.IpamPool, error)
	GetPool(ctx context.Context, id uuid.UUID) (db.IpamPool, error)
	GetActiveLeaseByOwner(ctx context.Context, poolID uuid.UUID, ownerType db.IpamOwnerType, ownerID uuid.UUID) (*db.IpamLease, error)
	ListBlockingLeases(ctx context.Context, poolID uuid.UUID, now time.Time) ([]db.IpamLease, error)
	CreateLease(ctx context.Context, p db.CreateLeaseParams) (db.IpamLease, error)
	QuarantineLease(ctx context.Context, id uuid.UUID, quarantinedUntil time.Time) error
	ReapQuarantine(ctx context.Context, now time.Time) (int64, error)
}

// Clock allows tests to control "now" deterministically.
type Clock func() time.Time

// Engine implements the IPAM operations of SPEC_FULL.md §4.1.
type Engine struct {
	store Store
	now   Clock
}

// NewEngine constructs an Engine backed by store. now defaults to time.Now.
func NewEngine(store Store, now Clock) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: store, now: now}
}

// EnsurePoolExists creates the pool if it does not already exist, identified
// by CIDR. Idempotent.
func (e *Engine) EnsurePoolExists(ctx context.Context, cidr, gateway string, quarantineSeconds int) (db.IpamPool, error) {
	if _, err := netip.ParsePrefix(cidr); err != nil {
		return db.IpamPool{}, newIpamError("invalid CIDR %q: %v", cidr, err)
	}
	if _, err := netip.ParseAddr(gateway); err != nil {
		return db.IpamPool{}, newIpamError("invalid gateway %q: %v", gateway, err)
	}

	pool, err := e.store.EnsurePool(ctx, cidr, gateway, quarantineSeconds)
	if err != nil {
		return db.IpamPool{}, fmt.Errorf("ensuring pool exists: %w", err)
	}
	return pool, nil
}

// Allocate returns the owner's existing ACTIVE lease if one exists
// (idempotent), otherwise picks the first free host address in network
// order (excluding the gateway) and leases it. Returns IpamError("pool
// exhausted") when no address is free.
func (e *Engine) Allocate(ctx context.Context, poolID uuid.UUID, ownerType db.IpamOwnerType, ownerID uuid.UUID) (db.IpamLease, error) {
	if existing, err := e.store.GetActiveLeaseByOwner(ctx, poolID, ownerType, ownerID); err != nil {
		return db.IpamLease{}, fmt.Errorf("checking existing lease: %w", err)
	} else if existing != nil {
		return *existing, nil
	}

	pool, err := e.store.GetPool(ctx, poolID)
	if err != nil {
		return db.IpamLease{}, fmt.Errorf("loading pool %s: %w", poolID, err)
	}

	blocking, err := e.store.ListBlockingLeases(ctx, poolID, e.now())
	if err != nil {
		return db.IpamLease{}, fmt.Errorf("listing blocking leases: %w", err)
	}
	blockedIPs := make(map[string]struct{}, len(blocking))
	for _, l := range blocking {
		blockedIPs[l.IP] = struct{}{}
	}

	candidates, err := candidateIPs(pool.CIDR, pool.Gateway)
	if err != nil {
		return db.IpamLease{}, fmt.Errorf("iterating pool %s: %w", poolID, err)
	}

	for _, ip := range candidates {
		if _, blocked := blockedIPs[ip]; blocked {
			continue
		}

		lease, err := e.store.CreateLease(ctx, db.CreateLeaseParams{
			PoolID:    poolID,
			OwnerType: ownerType,
			OwnerID:   ownerID,
			IP:        ip,
		})
		if err != nil {
			return db.IpamLease{}, fmt.Errorf("creating lease: %w", err)
		}
		return lease, nil
	}

	return db.IpamLease{}, newIpamError("pool exhausted")
}

// Release transitions a lease to QUARANTINED. The IP stays blocked until
// quarantineSeconds elapses, after which ReapQuarantine frees it.
func (e *Engine) Release(ctx context.Context, leaseID uuid.UUID, quarantineSeconds int) error {
	until := e.now().Add(time.Duration(quarantineSeconds) * time.Second)
	if err := e.store.QuarantineLease(ctx, leaseID, until); err != nil {
		return fmt.Errorf("releasing lease %s: %w", leaseID, err)
	}
	return nil
}

// ReapQuarantine transitions every expired QUARANTINED lease to RELEASED.
// Idempotent and safe to run repeatedly on a timer.
func (e *Engine) ReapQuarantine(ctx context.Context) (int64, error) {
	n, err := e.store.ReapQuarantine(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("reaping quarantine: %w", err)
	}
	return n, nil
}

// candidateIPs returns every host address in cidr in network order,
// excluding the network/broadcast addresses (for prefixes wider than /31)
// and the gateway, matching original_source's iter_candidate_ips.
func candidateIPs(cidr, gateway string) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("parsing CIDR %q: %w", cidr, err)
	}

	network := prefix.Masked()
	first := network.Addr()
	last := lastAddr(network)
	hostBits := first.BitLen() - network.Bits()

	// For /31 and /32 prefixes there is no distinct network/broadcast address
	// to exclude; every address in range is a usable host address.
	excludeNetworkBroadcast := hostBits > 1

	var out []string
	for cur := first; ; cur = cur.Next() {
		skip := cur.String() == gateway
		if excludeNetworkBroadcast && (cur == first || cur == last) {
			skip = true
		}
		if !skip {
			out = append(out, cur.String())
		}
		if cur == last {
			break
		}
	}
	return out, nil
}

func lastAddr(p netip.Prefix) netip.Addr {
	addr := p.Addr()
	bytes := addr.AsSlice()
	ones := p.Bits()
	total := len(bytes) * 8

	for i := ones; i < total; i++ {
		byteIdx := i / 8
		bitIdx := 7 - (i % 8)
		bytes[byteIdx] |= 1 << bitIdx
	}

	out, _ := netip.AddrFromSlice(bytes)
	return out
}
