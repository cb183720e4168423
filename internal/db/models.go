package db

import (
	"time"

	"github.com/google/uuid"
)

// UserStatus enumerates entitlement state.
type UserStatus string

const (
	UserStatusActive  UserStatus = "ACTIVE"
	UserStatusGrace   UserStatus = "GRACE"
	UserStatusBlocked UserStatus = "BLOCKED"
)

// UserRole enumerates user roles.
type UserRole string

const (
	UserRoleUser       UserRole = "user"
	UserRoleAdmin      UserRole = "admin"
	UserRoleSuperadmin UserRole = "superadmin"
)

// User is an external identity.
type User struct {
	ID            uuid.UUID
	ExternalID    int64
	Role          UserRole
	Status        UserStatus
	GraceDeadline *time.Time
	DeviceQuota   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DeviceStatus enumerates device lifecycle state.
type DeviceStatus string

const (
	DeviceStatusActive  DeviceStatus = "ACTIVE"
	DeviceStatusRevoked DeviceStatus = "REVOKED"
)

// Device belongs to a user.
type Device struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	Name      string
	Status    DeviceStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Protocol is a closed enumeration of supported proxy protocols.
type Protocol string

const (
	ProtocolVlessReality Protocol = "vless_reality"
	ProtocolVlessWSTLS   Protocol = "vless_ws_tls"
	ProtocolHysteria2    Protocol = "hysteria2"
	ProtocolWireguard    Protocol = "wireguard"
)

// Mode is a closed enumeration of connection modes.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeChain  Mode = "chain"
)

// Variant is a closed enumeration of connection variants.
type Variant string

const (
	VariantB1 Variant = "B1"
	VariantB2 Variant = "B2"
	VariantB3 Variant = "B3"
	VariantB4 Variant = "B4"
	VariantB5 Variant = "B5"
)

// ConnectionStatus enumerates connection lifecycle state.
type ConnectionStatus string

const (
	ConnectionStatusActive  ConnectionStatus = "ACTIVE"
	ConnectionStatusRevoked ConnectionStatus = "REVOKED"
)

// Connection is an immutable (protocol, mode, variant) tuple belonging to a device.
type Connection struct {
	ID        uuid.UUID
	DeviceID  uuid.UUID
	Protocol  Protocol
	Mode      Mode
	Variant   Variant
	Overrides map[string]any
	Status    ConnectionStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RevisionStatus enumerates revision lifecycle state.
type RevisionStatus string

const (
	RevisionStatusActive  RevisionStatus = "ACTIVE"
	RevisionStatusRevoked RevisionStatus = "REVOKED"
)

// ConnectionRevision is the versioned desired state of a connection.
type ConnectionRevision struct {
	ID                uuid.UUID
	ConnectionID      uuid.UUID
	Slot              int
	Status            RevisionStatus
	CamouflageSNIID   *uuid.UUID
	EffectiveConfig   map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// WireguardPeerStatus enumerates peer lifecycle state.
type WireguardPeerStatus string

const (
	WireguardPeerStatusActive  WireguardPeerStatus = "ACTIVE"
	WireguardPeerStatusRevoked WireguardPeerStatus = "REVOKED"
)

// WireguardPeer holds WireGuard peer material for a device.
type WireguardPeer struct {
	ID           uuid.UUID
	DeviceID     uuid.UUID
	ConnectionID uuid.UUID
	PublicKey    string
	PrivateKey   string
	PresharedKey *string
	IpamLeaseID  uuid.UUID
	Status       WireguardPeerStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IpamPool is a CIDR block managed for address leasing.
type IpamPool struct {
	ID                uuid.UUID
	CIDR              string
	Gateway           string
	QuarantineSeconds int
	CreatedAt         time.Time
}

// IpamOwnerType enumerates lease owner kinds.
type IpamOwnerType string

const (
	IpamOwnerTypeUser   IpamOwnerType = "user"
	IpamOwnerTypeDevice IpamOwnerType = "device"
	IpamOwnerTypePeer   IpamOwnerType = "peer"
)

// IpamLeaseStatus enumerates lease lifecycle state.
type IpamLeaseStatus string

const (
	IpamLeaseStatusActive      IpamLeaseStatus = "ACTIVE"
	IpamLeaseStatusQuarantined IpamLeaseStatus = "QUARANTINED"
	IpamLeaseStatusReleased    IpamLeaseStatus = "RELEASED"
)

// IpamLease is a single address lease within a pool.
type IpamLease struct {
	ID               uuid.UUID
	PoolID           uuid.UUID
	OwnerType        IpamOwnerType
	OwnerID          uuid.UUID
	IP               string
	Status           IpamLeaseStatus
	QuarantinedUntil *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NodeRole enumerates node endpoint roles.
type NodeRole string

const (
	NodeRoleVPST NodeRole = "VPS_T"
	NodeRoleVPSE NodeRole = "VPS_E"
)

// NodeEndpoint is a target agent.
type NodeEndpoint struct {
	ID         uuid.UUID
	Role       NodeRole
	BaseURL    string
	PublicIP   string
	FQDN       *string
	ProxyFQDN  *string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OutboxEventType is a closed enumeration of agent-facing event kinds.
type OutboxEventType string

const (
	OutboxEventApplyBundle     OutboxEventType = "APPLY_BUNDLE"
	OutboxEventUpsertUser      OutboxEventType = "UPSERT_USER"
	OutboxEventRevokeUser      OutboxEventType = "REVOKE_USER"
	OutboxEventRevokeConn      OutboxEventType = "REVOKE_CONNECTION"
	OutboxEventWGPeerUpsert    OutboxEventType = "WG_PEER_UPSERT"
	OutboxEventWGPeerRemove    OutboxEventType = "WG_PEER_REMOVE"
)

// OutboxEventStatus enumerates event lifecycle state.
type OutboxEventStatus string

const (
	OutboxEventStatusPending  OutboxEventStatus = "PENDING"
	OutboxEventStatusInflight OutboxEventStatus = "INFLIGHT"
	OutboxEventStatusSent     OutboxEventStatus = "SENT"
	OutboxEventStatusFailed   OutboxEventStatus = "FAILED"
)

// OutboxEvent is an intent to apply a change to one or more nodes.
type OutboxEvent struct {
	ID             uuid.UUID
	EventType      OutboxEventType
	AggregateID    uuid.UUID
	Payload        map[string]any
	RoleTarget     *NodeRole
	NodeID         *uuid.UUID
	IdempotencyKey string
	Status         OutboxEventStatus
	Attempts       int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// OutboxDeliveryStatus enumerates delivery lifecycle state.
type OutboxDeliveryStatus string

const (
	OutboxDeliveryStatusPending OutboxDeliveryStatus = "PENDING"
	OutboxDeliveryStatusSent    OutboxDeliveryStatus = "SENT"
	OutboxDeliveryStatusFailed  OutboxDeliveryStatus = "FAILED"
	OutboxDeliveryStatusDead    OutboxDeliveryStatus = "DEAD"
)

// OutboxDelivery is one per (event, target node).
type OutboxDelivery struct {
	ID            uuid.UUID
	EventID       uuid.UUID
	NodeID        uuid.UUID
	Status        OutboxDeliveryStatus
	Attempts      int
	NextAttemptAt time.Time
	LockedUntil   *time.Time
	LockedBy      *string
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CamouflageSNI is a static catalog entry of public hostnames REALITY can mimic.
type CamouflageSNI struct {
	ID        uuid.UUID
	FQDN      string
	Enabled   bool
	CreatedAt time.Time
}
