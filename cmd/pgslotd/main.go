package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/superfly/pgslot"
)

// Build information, populated at build time.
var (
	Version = "(development build)"
	Commit  = "(none)"
)

func main() {
	log.SetFlags(0)

	if err := run(context.Background(), os.Args[1:]); err == flag.ErrHelp {
		os.Exit(1)
	} else if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func run(ctx context.Context, args []string) error {
	cmd := "run"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		return runDaemon(ctx, args)
	case "version":
		fmt.Printf("pgslotd %s, commit=%s\n", Version, Commit)
		return nil
	default:
		return fmt.Errorf("unknown command %q, expected 'run' or 'version'", cmd)
	}
}

func runDaemon(ctx context.Context, args []string) error {
	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := NewRunCommand()
	if err := c.ParseFlags(ctx, args); err != nil {
		return err
	}
	if err := c.Run(ctx); err != nil {
		_ = c.Close()
		return err
	}

	for {
		select {
		case <-hupCh:
			log.Printf("reloading configuration")
			if err := c.ReloadConfig(ctx); err != nil {
				log.Printf("cannot reload config: %s", err)
			}
		case sig := <-signalCh:
			log.Printf("signal %s received, pgslotd shutting down", sig)
			cancel()
			return c.Close()
		}
	}
}

// exitCode maps an error to the documented process exit codes: 1 for bad
// configuration, 2 for a slot that is in use or missing, 3 for corrupt slot
// state found during startup.
func exitCode(err error) int {
	switch {
	case errors.Is(err, pgslot.ErrCorruptState):
		return 3
	case errors.Is(err, pgslot.ErrSlotInUse), errors.Is(err, pgslot.ErrSlotNotFound):
		return 2
	default:
		return 1
	}
}
