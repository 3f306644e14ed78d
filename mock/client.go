package mock

import (
	"context"

	"github.com/superfly/pgslot"
)

var _ pgslot.PrimaryClient = (*PrimaryClient)(nil)

type PrimaryClient struct {
	ConnectFunc        func(ctx context.Context, conninfo string) error
	IdentifySystemFunc func(ctx context.Context) (pgslot.SystemInfo, error)
	ExecFunc           func(ctx context.Context, sql string) ([]pgslot.Row, error)
	CloseFunc          func() error
}

func (c *PrimaryClient) Connect(ctx context.Context, conninfo string) error {
	if c.ConnectFunc == nil {
		return nil
	}
	return c.ConnectFunc(ctx, conninfo)
}

func (c *PrimaryClient) IdentifySystem(ctx context.Context) (pgslot.SystemInfo, error) {
	if c.IdentifySystemFunc == nil {
		return pgslot.SystemInfo{}, nil
	}
	return c.IdentifySystemFunc(ctx)
}

func (c *PrimaryClient) Exec(ctx context.Context, sql string) ([]pgslot.Row, error) {
	return c.ExecFunc(ctx, sql)
}

func (c *PrimaryClient) Close() error {
	if c.CloseFunc == nil {
		return nil
	}
	return c.CloseFunc()
}

var _ pgslot.LogicalDecoder = (*LogicalDecoder)(nil)

type LogicalDecoder struct {
	AdvanceToFunc                func(ctx context.Context, s *pgslot.Slot, target pgslot.LSN) (pgslot.LSN, error)
	SnapshotSerializedFunc       func(lsn pgslot.LSN) bool
	ConsistentPointReachableFunc func(s *pgslot.Slot) bool
}

func (d *LogicalDecoder) AdvanceTo(ctx context.Context, s *pgslot.Slot, target pgslot.LSN) (pgslot.LSN, error) {
	return d.AdvanceToFunc(ctx, s, target)
}

func (d *LogicalDecoder) SnapshotSerialized(lsn pgslot.LSN) bool {
	if d.SnapshotSerializedFunc == nil {
		return true
	}
	return d.SnapshotSerializedFunc(lsn)
}

func (d *LogicalDecoder) ConsistentPointReachable(s *pgslot.Slot) bool {
	if d.ConsistentPointReachableFunc == nil {
		return true
	}
	return d.ConsistentPointReachableFunc(s)
}
