package pgslot

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// Leaser represents an API for obtaining a lease for primary election.
type Leaser interface {
	io.Closer

	// Type returns the name of the leaser.
	Type() string

	Hostname() string

	// AdvertiseConnInfo returns the connection string replicas should use
	// to reach this node if it becomes the primary.
	AdvertiseConnInfo() string

	// Acquire attempts to acquire the lease to become the primary.
	Acquire(ctx context.Context) (Lease, error)

	// PrimaryInfo attempts to read the current primary data.
	// Returns ErrNoPrimary if no primary currently has the lease.
	PrimaryInfo(ctx context.Context) (PrimaryInfo, error)

	// ClusterID returns the cluster ID set on the leaser.
	// This is used to ensure two clusters do not accidentally overlap.
	ClusterID(ctx context.Context) (string, error)

	// SetClusterID sets the cluster ID on the leaser.
	SetClusterID(ctx context.Context, clusterID string) error
}

// Lease represents an acquired lease from a Leaser.
type Lease interface {
	ID() string
	RenewedAt() time.Time
	TTL() time.Duration

	// Renew attempts to reset the TTL on the lease.
	// Returns ErrLeaseExpired if the lease has expired or was deleted.
	Renew(ctx context.Context) error

	// Close attempts to remove the lease from the server.
	Close() error
}

// PrimaryInfo is the JSON object stored in the lease value.
type PrimaryInfo struct {
	Hostname string `json:"hostname"`
	ConnInfo string `json:"conninfo"`
}

// Clone returns a copy of info.
func (info *PrimaryInfo) Clone() *PrimaryInfo {
	if info == nil {
		return nil
	}
	other := *info
	return &other
}

// StaticLeaser always returns a lease to a static primary.
type StaticLeaser struct {
	isPrimary bool
	hostname  string
	connInfo  string
}

// NewStaticLeaser returns a new instance of StaticLeaser.
func NewStaticLeaser(isPrimary bool, hostname, connInfo string) *StaticLeaser {
	return &StaticLeaser{
		isPrimary: isPrimary,
		hostname:  hostname,
		connInfo:  connInfo,
	}
}

// Close is a no-op.
func (l *StaticLeaser) Close() (err error) { return nil }

// Type returns "static".
func (l *StaticLeaser) Type() string { return "static" }

func (l *StaticLeaser) Hostname() string {
	return l.hostname
}

// AdvertiseConnInfo returns the primary connection string if this is the
// primary. Otherwise returns blank.
func (l *StaticLeaser) AdvertiseConnInfo() string {
	if l.isPrimary {
		return l.connInfo
	}
	return ""
}

// Acquire returns a lease if this node is the static primary.
// Otherwise returns ErrPrimaryExists.
func (l *StaticLeaser) Acquire(ctx context.Context) (Lease, error) {
	if !l.isPrimary {
		return nil, ErrPrimaryExists
	}
	return &StaticLease{leaser: l}, nil
}

// PrimaryInfo returns the primary's info.
// Returns ErrNoPrimary if the node is the primary.
func (l *StaticLeaser) PrimaryInfo(ctx context.Context) (PrimaryInfo, error) {
	if l.isPrimary {
		return PrimaryInfo{}, ErrNoPrimary
	}
	return PrimaryInfo{
		Hostname: l.hostname,
		ConnInfo: l.connInfo,
	}, nil
}

// IsPrimary returns true if the current node is the primary.
func (l *StaticLeaser) IsPrimary() bool {
	return l.isPrimary
}

// ClusterID always returns a blank string for the static leaser.
func (l *StaticLeaser) ClusterID(ctx context.Context) (string, error) {
	return "", nil
}

// SetClusterID is always a no-op for the static leaser.
func (l *StaticLeaser) SetClusterID(ctx context.Context, clusterID string) error {
	return nil
}

var _ Lease = (*StaticLease)(nil)

// StaticLease represents a lease for a fixed primary.
type StaticLease struct {
	leaser *StaticLeaser
}

// ID always returns a blank string.
func (l *StaticLease) ID() string { return "" }

// RenewedAt returns the Unix epoch in UTC.
func (l *StaticLease) RenewedAt() time.Time { return time.Unix(0, 0).UTC() }

// TTL returns the duration until the lease expires which is a time well into the future.
func (l *StaticLease) TTL() time.Duration { return staticLeaseExpiresAt.Sub(l.RenewedAt()) }

// Renew is a no-op.
func (l *StaticLease) Renew(ctx context.Context) error { return nil }

// Close is a no-op.
func (l *StaticLease) Close() error { return nil }

var staticLeaseExpiresAt = time.Date(3000, time.January, 1, 0, 0, 0, 0, time.UTC)

// GenerateClusterID returns a random cluster identifier.
func GenerateClusterID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return fmt.Sprintf("PGS%016X", binary.BigEndian.Uint64(b))
}
