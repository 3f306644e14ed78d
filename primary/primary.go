// Package primary implements the connection to the primary node over the
// PostgreSQL wire protocol.
package primary

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/superfly/pgslot"
)

var _ pgslot.PrimaryClient = (*Client)(nil)

// Client is a PrimaryClient over a single streaming-replication connection.
// It is safe for use from one goroutine at a time.
type Client struct {
	mu   sync.Mutex
	conn *pgconn.PgConn
}

// NewClient returns an unconnected client.
func NewClient() *Client {
	return &Client{}
}

// Connect establishes a replication-mode connection described by conninfo.
// Replication mode is required for IDENTIFY_SYSTEM; plain queries still work
// through the simple protocol. An existing connection is closed first.
func (c *Client) Connect(ctx context.Context, conninfo string) error {
	cfg, err := pgconn.ParseConfig(conninfo)
	if err != nil {
		return fmt.Errorf("parse conninfo: %w", err)
	}
	if cfg.RuntimeParams == nil {
		cfg.RuntimeParams = make(map[string]string)
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()

	if old != nil {
		_ = closeConn(old)
	}
	return nil
}

// IdentifySystem reports the identity of the connected system.
func (c *Client) IdentifySystem(ctx context.Context) (pgslot.SystemInfo, error) {
	conn, err := c.current()
	if err != nil {
		return pgslot.SystemInfo{}, err
	}

	r, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return pgslot.SystemInfo{}, fmt.Errorf("identify system: %w", err)
	}
	return pgslot.SystemInfo{
		SystemID: r.SystemID,
		Timeline: r.Timeline,
		XLogPos:  r.XLogPos,
		DBName:   r.DBName,
	}, nil
}

// Exec runs sql through the simple query protocol and returns all rows in
// text format. NULL values come back as invalid columns.
func (c *Client) Exec(ctx context.Context, sql string) ([]pgslot.Row, error) {
	conn, err := c.current()
	if err != nil {
		return nil, err
	}

	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}

	var rows []pgslot.Row
	for _, result := range results {
		if result.Err != nil {
			return nil, fmt.Errorf("exec: %w", result.Err)
		}
		for _, values := range result.Rows {
			row := make(pgslot.Row, len(values))
			for i, v := range values {
				if v == nil {
					continue
				}
				row[i] = pgslot.Column{Valid: true, Value: string(v)}
			}
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Close terminates the connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return closeConn(conn)
}

func (c *Client) current() (*pgconn.PgConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.conn, nil
}

func closeConn(conn *pgconn.PgConn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return conn.Close(ctx)
}
