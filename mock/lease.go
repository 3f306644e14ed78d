package mock

import (
	"context"
	"time"

	"github.com/superfly/pgslot"
)

var _ pgslot.Leaser = (*Leaser)(nil)

type Leaser struct {
	CloseFunc             func() error
	TypeFunc              func() string
	HostnameFunc          func() string
	AdvertiseConnInfoFunc func() string
	AcquireFunc           func(ctx context.Context) (pgslot.Lease, error)
	PrimaryInfoFunc       func(ctx context.Context) (pgslot.PrimaryInfo, error)
	ClusterIDFunc         func(ctx context.Context) (string, error)
	SetClusterIDFunc      func(ctx context.Context, clusterID string) error
}

func (l *Leaser) Close() error {
	if l.CloseFunc == nil {
		return nil
	}
	return l.CloseFunc()
}

func (l *Leaser) Type() string { return "mock" }

func (l *Leaser) Hostname() string {
	if l.HostnameFunc == nil {
		return "mock-host"
	}
	return l.HostnameFunc()
}

func (l *Leaser) AdvertiseConnInfo() string {
	if l.AdvertiseConnInfoFunc == nil {
		return ""
	}
	return l.AdvertiseConnInfoFunc()
}

func (l *Leaser) Acquire(ctx context.Context) (pgslot.Lease, error) {
	return l.AcquireFunc(ctx)
}

func (l *Leaser) PrimaryInfo(ctx context.Context) (pgslot.PrimaryInfo, error) {
	return l.PrimaryInfoFunc(ctx)
}

func (l *Leaser) ClusterID(ctx context.Context) (string, error) {
	if l.ClusterIDFunc == nil {
		return "", nil
	}
	return l.ClusterIDFunc(ctx)
}

func (l *Leaser) SetClusterID(ctx context.Context, clusterID string) error {
	if l.SetClusterIDFunc == nil {
		return nil
	}
	return l.SetClusterIDFunc(ctx, clusterID)
}

var _ pgslot.Lease = (*Lease)(nil)

type Lease struct {
	IDFunc        func() string
	RenewedAtFunc func() time.Time
	TTLFunc       func() time.Duration
	RenewFunc     func(ctx context.Context) error
	CloseFunc     func() error
}

func (l *Lease) ID() string {
	if l.IDFunc == nil {
		return ""
	}
	return l.IDFunc()
}

func (l *Lease) RenewedAt() time.Time {
	if l.RenewedAtFunc == nil {
		return time.Now()
	}
	return l.RenewedAtFunc()
}

func (l *Lease) TTL() time.Duration {
	if l.TTLFunc == nil {
		return 10 * time.Second
	}
	return l.TTLFunc()
}

func (l *Lease) Renew(ctx context.Context) error {
	if l.RenewFunc == nil {
		return nil
	}
	return l.RenewFunc(ctx)
}

func (l *Lease) Close() error {
	if l.CloseFunc == nil {
		return nil
	}
	return l.CloseFunc()
}
