package pgslot_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/superfly/pgslot"
)

func TestParseStandbySlotNames(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		if names, err := pgslot.ParseStandbySlotNames(""); err != nil {
			t.Fatal(err)
		} else if names != nil {
			t.Fatalf("names=%v, want nil", names)
		}
	})

	t.Run("List", func(t *testing.T) {
		names, err := pgslot.ParseStandbySlotNames(" standby_1, standby_2 ")
		if err != nil {
			t.Fatal(err)
		}
		if got, want := names, []string{"standby_1", "standby_2"}; !reflect.DeepEqual(got, want) {
			t.Fatalf("names=%v, want %v", got, want)
		}
	})

	t.Run("ErrInvalidName", func(t *testing.T) {
		if _, err := pgslot.ParseStandbySlotNames("standby 1"); !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
	})
}

func TestGate_Validate(t *testing.T) {
	r := newOpenRegistry(t, 4)
	g := pgslot.NewGate(r)

	s, err := r.Create(pgslot.CreateOptions{Name: "standby_1", Kind: pgslot.KindPhysical, Owner: 1})
	if err != nil {
		t.Fatal(err)
	} else if err := r.Release(s, 1); err != nil {
		t.Fatal(err)
	}
	if s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1}); err != nil {
		t.Fatal(err)
	} else if err := r.Release(s, 1); err != nil {
		t.Fatal(err)
	}

	t.Run("OK", func(t *testing.T) {
		if err := g.SetStandbyNames("standby_1"); err != nil {
			t.Fatal(err)
		}
		if err := g.Validate(); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrMissing", func(t *testing.T) {
		if err := g.SetStandbyNames("standby_9"); err != nil {
			t.Fatal(err)
		}
		if err := g.Validate(); !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
	})

	t.Run("ErrLogical", func(t *testing.T) {
		if err := g.SetStandbyNames("sub1"); err != nil {
			t.Fatal(err)
		}
		if err := g.Validate(); !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
	})
}

func TestGate_CaughtUp(t *testing.T) {
	t.Run("NoStandbySlots", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := pgslot.NewGate(r)
		if !g.CaughtUp(0x1000000) {
			t.Fatal("expected caught up with no standby slots configured")
		}
	})

	// Cascading standbys never gate; the primary waits on their behalf.
	t.Run("InRecovery", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.WAL.(*pgslot.StaticWAL).SetInRecovery(true)
		g := pgslot.NewGate(r)
		if err := g.SetStandbyNames("standby_1"); err != nil {
			t.Fatal(err)
		}
		if !g.CaughtUp(0x1000000) {
			t.Fatal("expected caught up while in recovery")
		}
	})

	t.Run("MissingSlot", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := pgslot.NewGate(r)
		if err := g.SetStandbyNames("standby_1"); err != nil {
			t.Fatal(err)
		}
		if g.CaughtUp(0x1000000) {
			t.Fatal("expected not caught up with missing slot")
		}
	})

	t.Run("Behind", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := newGateWithStandby(t, r, "standby_1", 0x1000000)
		if g.CaughtUp(0x2000000) {
			t.Fatal("expected not caught up")
		}
	})

	t.Run("Invalidated", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := newGateWithStandby(t, r, "standby_1", 0x1000000)
		if _, err := r.InvalidateObsolete(pgslot.InvalidatedWALRemoved, 0x2000000, 0, 0); err != nil {
			t.Fatal(err)
		}
		if g.CaughtUp(0x1000000) {
			t.Fatal("expected not caught up with invalidated slot")
		}
	})

	t.Run("CaughtUp", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := newGateWithStandby(t, r, "standby_1", 0x2000000)
		if !g.CaughtUp(0x1000000) {
			t.Fatal("expected caught up")
		}
		// Subsequent checks below the cached minimum skip the slot scan.
		if !g.CaughtUp(0x1800000) {
			t.Fatal("expected caught up from cache")
		}
		if g.CaughtUp(0x3000000) {
			t.Fatal("expected not caught up past the cached minimum")
		}
	})
}

// newGateWithStandby creates a released physical slot with the given restart
// position and a gate configured to wait for it.
func newGateWithStandby(tb testing.TB, r *pgslot.Registry, name string, restart pgslot.LSN) *pgslot.Gate {
	tb.Helper()

	wal := r.WAL.(*pgslot.StaticWAL)
	wal.SetRedoLSN(restart)
	if lsn := wal.InsertLSN(); lsn < restart {
		wal.SetInsertLSN(restart)
	}

	s, err := r.Create(pgslot.CreateOptions{Name: name, Kind: pgslot.KindPhysical, Owner: 99})
	if err != nil {
		tb.Fatal(err)
	}
	if err := r.ReserveWAL(s); err != nil {
		tb.Fatal(err)
	}
	if err := r.Release(s, 99); err != nil {
		tb.Fatal(err)
	}

	g := pgslot.NewGate(r)
	if err := g.SetStandbyNames(name); err != nil {
		tb.Fatal(err)
	}
	return g
}

func TestGate_WaitForConfirmation(t *testing.T) {
	t.Run("NotGated", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := newGateWithStandby(t, r, "standby_1", 0x1000000)

		// A logical slot without the failover flag is not gated.
		s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := g.WaitForConfirmation(context.Background(), s, 0x9000000); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("WakesOnAdvance", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := newGateWithStandby(t, r, "standby_1", 0x1000000)
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetInsertLSN(0x2000000)

		s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Failover: true, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}

		errCh := make(chan error, 1)
		go func() {
			errCh <- g.WaitForConfirmation(context.Background(), s, 0x2000000)
		}()

		// The sender must stay blocked until the standby confirms.
		select {
		case err := <-errCh:
			t.Fatalf("wait returned early: %v", err)
		case <-time.After(100 * time.Millisecond):
		}

		standby, err := r.Acquire("standby_1", pgslot.AcquireOptions{Owner: 2})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := r.Advance(context.Background(), standby, 0x2000000); err != nil {
			t.Fatal(err)
		}

		select {
		case err := <-errCh:
			if err != nil {
				t.Fatal(err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for confirmation")
		}
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		g := newGateWithStandby(t, r, "standby_1", 0x1000000)

		s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Failover: true, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			errCh <- g.WaitForConfirmation(ctx, s, 0x9000000)
		}()
		cancel()

		select {
		case err := <-errCh:
			if !errors.Is(err, context.Canceled) {
				t.Fatalf("err=%v, want context.Canceled", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for cancellation")
		}
	})
}
