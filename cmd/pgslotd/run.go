package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/superfly/pgslot"
	"github.com/superfly/pgslot/consul"
	"github.com/superfly/pgslot/http"
	"github.com/superfly/pgslot/primary"
	"gopkg.in/natefinch/lumberjack.v2"
)

// RunCommand represents the long-running slot manager daemon.
type RunCommand struct {
	Config     Config
	configPath string
	expandEnv  bool

	WAL        *pgslot.StaticWAL
	Registry   *pgslot.Registry
	Gate       *pgslot.Gate
	Node       *pgslot.Node
	Leaser     pgslot.Leaser
	HTTPServer *http.Server
}

// NewRunCommand returns a new instance of RunCommand.
func NewRunCommand() *RunCommand {
	return &RunCommand{
		Config:    NewConfig(),
		expandEnv: true,
	}
}

// ParseFlags parses the command line flags & config file.
func (c *RunCommand) ParseFlags(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("pgslotd-run", flag.ContinueOnError)
	configPath := fs.String("config", "", "config file path")
	noExpandEnv := fs.Bool("no-expand-env", false, "do not expand env vars in config")
	fs.Usage = func() {
		fmt.Println(`
The run command starts the replication slot manager: it restores the slot
directory, serves the HTTP API, and while the node is a replica keeps its
failover slots synchronized with the primary.

All options are specified in the pgslot.yml config file which is searched for
in the present working directory, the current user's home directory, and then
finally at /etc/pgslot.yml.

Usage:

	pgslotd run [arguments]

Arguments:
`[1:])
		fs.PrintDefaults()
		fmt.Println("")
	}
	if err := fs.Parse(args); err != nil {
		return err
	} else if fs.NArg() > 0 {
		return fmt.Errorf("too many arguments")
	}

	c.configPath = *configPath
	c.expandEnv = !*noExpandEnv

	if err := ParseConfigPath(c.configPath, c.expandEnv, &c.Config); err != nil {
		return err
	}

	// Send the log through a rolling file as well, if configured.
	if c.Config.Log.Path != "" {
		log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   c.Config.Log.Path,
			MaxSize:    c.Config.Log.MaxSize,
			MaxBackups: c.Config.Log.MaxCount,
			Compress:   c.Config.Log.Compress,
		}))
	}

	return nil
}

// Validate validates the application's configuration.
func (c *RunCommand) Validate(ctx context.Context) error {
	if c.Config.Data.Dir == "" {
		return fmt.Errorf("data directory required")
	}
	if _, err := c.Config.WALLevel(); err != nil {
		return err
	}
	if !IsValidLeaseType(c.Config.Lease.Type) {
		return fmt.Errorf("invalid lease type, must be either 'consul' or 'static', got: '%v'", c.Config.Lease.Type)
	}
	if c.Config.Lease.Type == LeaseTypeConsul && c.Config.Lease.Consul.URL == "" {
		return fmt.Errorf("consul URL required")
	}
	if _, err := pgslot.ParseStandbySlotNames(c.Config.Standby.SlotNames); err != nil {
		return err
	}
	return nil
}

func (c *RunCommand) Run(ctx context.Context) (err error) {
	if err := c.Validate(ctx); err != nil {
		return err
	}

	if err := c.initRegistry(ctx); err != nil {
		return fmt.Errorf("cannot init registry: %w", err)
	}
	if err := c.initHTTPServer(ctx); err != nil {
		return fmt.Errorf("cannot init http server: %w", err)
	}
	if err := c.initLeaser(ctx); err != nil {
		return fmt.Errorf("cannot init leaser: %w", err)
	}
	if err := c.openNode(ctx); err != nil {
		return fmt.Errorf("cannot open node: %w", err)
	}

	c.HTTPServer.Node = c.Node
	c.HTTPServer.Serve()
	log.Printf("http server listening on: %s", c.HTTPServer.URL())

	return nil
}

func (c *RunCommand) initRegistry(ctx context.Context) error {
	dir, err := filepath.Abs(c.Config.Data.Dir)
	if err != nil {
		return err
	}

	level, err := c.Config.WALLevel()
	if err != nil {
		return err
	}

	wal := pgslot.NewStaticWAL()
	wal.SetLevel(level)
	wal.SetInRecovery(c.Config.WAL.InRecovery)
	if c.Config.WAL.SegmentSize != 0 {
		wal.SetSegmentSize(c.Config.WAL.SegmentSize)
	}
	c.WAL = wal

	reg := pgslot.NewRegistry(dir, c.Config.Data.MaxSlots)
	reg.WAL = wal
	reg.MaxSlotWALKeepSizeMB = c.Config.Data.MaxSlotWALKeepSize
	reg.MaxWALSizeMB = c.Config.Data.MaxWALSize
	if err := reg.Open(); err != nil {
		return err
	}
	log.Printf("slot directory opened at %s, %d of %d slots in use", dir, len(reg.Slots()), reg.MaxSlots())
	c.Registry = reg

	gate := pgslot.NewGate(reg)
	if err := gate.SetStandbyNames(c.Config.Standby.SlotNames); err != nil {
		return err
	}
	c.Gate = gate
	return nil
}

func (c *RunCommand) initLeaser(ctx context.Context) error {
	switch c.Config.Lease.Type {
	case LeaseTypeConsul:
		leaser := consul.NewLeaser(
			c.Config.Lease.Consul.URL,
			c.Config.Lease.Consul.Key,
			c.Config.Lease.Hostname,
			c.Config.Lease.AdvertiseConnInfo,
		)
		if v := c.Config.Lease.Consul.TTL; v > 0 {
			leaser.TTL = v
		}
		if v := c.Config.Lease.Consul.LockDelay; v > 0 {
			leaser.LockDelay = v
		}
		if err := leaser.Open(); err != nil {
			return fmt.Errorf("cannot connect to consul: %w", err)
		}
		log.Printf("initializing consul: key=%s url=%s hostname=%s",
			c.Config.Lease.Consul.Key, c.Config.Lease.Consul.URL, c.Config.Lease.Hostname)
		c.Leaser = leaser

	case LeaseTypeStatic:
		log.Printf("using static leaser, candidate=%v", c.Config.Lease.Candidate)
		c.Leaser = pgslot.NewStaticLeaser(
			c.Config.Lease.Candidate,
			c.Config.Lease.Hostname,
			c.Config.Lease.AdvertiseConnInfo,
		)

	default:
		return fmt.Errorf("invalid lease type: %q", c.Config.Lease.Type)
	}
	return nil
}

func (c *RunCommand) openNode(ctx context.Context) error {
	node := pgslot.NewNode(c.Registry)
	node.Leaser = c.Leaser
	node.Client = primary.NewClient()
	node.SyncConfig = c.Config.SyncConfig()

	// Promotion flips the local WAL facts out of recovery.
	node.PromoteFunc = func() {
		c.WAL.SetInRecovery(false)
	}

	if err := node.Open(); err != nil {
		return err
	}
	c.Node = node
	return nil
}

func (c *RunCommand) initHTTPServer(ctx context.Context) error {
	server := http.NewServer(c.Registry, c.Config.HTTP.Addr)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("cannot open http server: %w", err)
	}
	c.HTTPServer = server
	return nil
}

// ReloadConfig re-reads the configuration file and applies the standby slot
// list and synchronizer settings. Structural settings (data dir, lease,
// listen address) require a restart.
func (c *RunCommand) ReloadConfig(ctx context.Context) error {
	config := NewConfig()
	if err := ParseConfigPath(c.configPath, c.expandEnv, &config); err != nil {
		return err
	}

	if err := c.Gate.SetStandbyNames(config.Standby.SlotNames); err != nil {
		return err
	}
	c.Config.Standby = config.Standby
	c.Config.Sync = config.Sync
	c.Node.Reload(config.SyncConfig())
	return nil
}

func (c *RunCommand) Close() (err error) {
	if c.HTTPServer != nil {
		if e := c.HTTPServer.Close(); err == nil {
			err = e
		}
	}

	if c.Node != nil {
		if e := c.Node.Close(); err == nil {
			err = e
		}
	}

	// Final checkpoint so confirmed positions survive a clean restart.
	if c.Registry != nil {
		if e := c.Registry.CheckpointSlots(true); err == nil {
			err = e
		}
	}

	if c.Leaser != nil {
		if e := c.Leaser.Close(); err == nil {
			err = e
		}
	}

	return err
}
