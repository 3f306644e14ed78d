package pgslot_test

import (
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/superfly/pgslot"
)

// newOpenRegistry returns an opened registry over a temp directory with the
// wal level raised to logical so every slot kind can be created.
func newOpenRegistry(tb testing.TB, maxSlots int) *pgslot.Registry {
	tb.Helper()
	r := pgslot.NewRegistry(tb.TempDir(), maxSlots)
	r.WAL.(*pgslot.StaticWAL).SetLevel(pgslot.WALLevelLogical)
	if err := r.Open(); err != nil {
		tb.Fatal(err)
	}
	return r
}

func TestRegistry_Create(t *testing.T) {
	t.Run("Physical", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "standby_1", Kind: pgslot.KindPhysical, Persistency: pgslot.Persistent, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := s.Name(), "standby_1"; got != want {
			t.Fatalf("Name()=%q, want %q", got, want)
		}
		if got, want := s.ActivePID(), int32(1); got != want {
			t.Fatalf("ActivePID()=%d, want %d", got, want)
		}

		// The slot directory must exist on disk.
		if _, err := os.Stat(r.SlotDir("standby_1")); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Logical", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{
			Name:        "sub1",
			Kind:        pgslot.KindLogical,
			Persistency: pgslot.Persistent,
			DatabaseID:  5,
			Plugin:      "pgoutput",
			Owner:       1,
		})
		if err != nil {
			t.Fatal(err)
		}
		if got, want := s.Kind(), pgslot.KindLogical; got != want {
			t.Fatalf("Kind()=%s, want %s", got, want)
		}
	})

	t.Run("ErrAlreadyExists", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		if _, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 2}); !errors.Is(err, pgslot.ErrSlotExists) {
			t.Fatalf("err=%v, want ErrSlotExists", err)
		}
	})

	t.Run("ErrNoFreeSlots", func(t *testing.T) {
		r := newOpenRegistry(t, 1)
		if _, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1}); err != nil {
			t.Fatal(err)
		}
		_, err := r.Create(pgslot.CreateOptions{Name: "s2", Kind: pgslot.KindPhysical, Owner: 1})
		if !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		} else if !strings.Contains(err.Error(), "all replication slots are in use") {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		for _, tt := range []struct {
			name string
			opts pgslot.CreateOptions
		}{
			{"BadName", pgslot.CreateOptions{Name: "No Caps!", Kind: pgslot.KindPhysical, Owner: 1}},
			{"NoOwner", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical}},
			{"PhysicalWithDatabase", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, DatabaseID: 5, Owner: 1}},
			{"PhysicalTwoPhase", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, TwoPhase: true, Owner: 1}},
			{"PhysicalFailover", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Failover: true, Owner: 1}},
			{"LogicalWithoutDatabase", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, Plugin: "pgoutput", Owner: 1}},
			{"LogicalWithoutPlugin", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, DatabaseID: 5, Owner: 1}},
			{"TemporaryFailover", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, Persistency: pgslot.Temporary, DatabaseID: 5, Plugin: "pgoutput", Failover: true, Owner: 1}},
			{"TemporaryTwoPhase", pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, Persistency: pgslot.Temporary, DatabaseID: 5, Plugin: "pgoutput", TwoPhase: true, Owner: 1}},
		} {
			t.Run(tt.name, func(t *testing.T) {
				if _, err := r.Create(tt.opts); !errors.Is(err, pgslot.ErrPrecondition) {
					t.Fatalf("err=%v, want ErrPrecondition", err)
				}
			})
		}
	})

	t.Run("ErrLogicalRequiresWALLevelLogical", func(t *testing.T) {
		r := pgslot.NewRegistry(t.TempDir(), 4)
		if err := r.Open(); err != nil {
			t.Fatal(err)
		}
		_, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
	})

	t.Run("ErrFailoverOnStandby", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.WAL.(*pgslot.StaticWAL).SetInRecovery(true)
		_, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Failover: true, Owner: 1})
		if !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}

		// The synchronizer may still create failover shadows.
		if _, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Failover: true, Synced: true, Owner: 1}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRegistry_Acquire(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		if s, err = r.Acquire("s1", pgslot.AcquireOptions{Owner: 2}); err != nil {
			t.Fatal(err)
		}
		if got, want := s.ActivePID(), int32(2); got != want {
			t.Fatalf("ActivePID()=%d, want %d", got, want)
		}
	})

	t.Run("ErrNotFound", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		if _, err := r.Acquire("nope", pgslot.AcquireOptions{Owner: 1}); !errors.Is(err, pgslot.ErrSlotNotFound) {
			t.Fatalf("err=%v, want ErrSlotNotFound", err)
		}
	})

	t.Run("ErrInUseNoWait", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		if _, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Acquire("s1", pgslot.AcquireOptions{Owner: 2, NoWait: true}); !errors.Is(err, pgslot.ErrSlotInUse) {
			t.Fatalf("err=%v, want ErrSlotInUse", err)
		}
	})

	t.Run("Reentrant", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		if _, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1}); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Acquire("s1", pgslot.AcquireOptions{Owner: 1, NoWait: true}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("WaitsForRelease", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}

		ch := make(chan error, 1)
		go func() {
			_, err := r.Acquire("s1", pgslot.AcquireOptions{Owner: 2})
			ch <- err
		}()

		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}
		if err := <-ch; err != nil {
			t.Fatal(err)
		}
		if got, want := s.ActivePID(), int32(2); got != want {
			t.Fatalf("ActivePID()=%d, want %d", got, want)
		}
	})

	t.Run("ErrInvalidated", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}
		if _, err := r.InvalidateObsolete(pgslot.InvalidatedWALLevel, 0, 0, 0); err != nil {
			t.Fatal(err)
		}

		if _, err := r.Acquire("s1", pgslot.AcquireOptions{Owner: 2, ErrorIfInvalid: true}); !errors.Is(err, pgslot.ErrSlotInvalidated) {
			t.Fatalf("err=%v, want ErrSlotInvalidated", err)
		}
		// The acquisition must have been rolled back.
		if got, want := s.ActivePID(), int32(0); got != want {
			t.Fatalf("ActivePID()=%d, want %d", got, want)
		}

		// Without the flag the invalidated slot is still acquirable.
		if _, err := r.Acquire("s1", pgslot.AcquireOptions{Owner: 2}); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("ErrSyncedInRecovery", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.WAL.(*pgslot.StaticWAL).SetInRecovery(true)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Synced: true, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		if _, err := r.Acquire("s1", pgslot.AcquireOptions{Owner: 2}); !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
		if _, err := r.Acquire("s1", pgslot.AcquireOptions{Owner: 2, ForSync: true}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRegistry_Release(t *testing.T) {
	t.Run("SetsInactiveSince", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if !s.InactiveSince().IsZero() {
			t.Fatal("expected zero inactive time while acquired")
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}
		if s.InactiveSince().IsZero() {
			t.Fatal("expected inactive time after release")
		}
	})

	// Ephemeral slots only exist while held; release drops them.
	t.Run("DropsEphemeral", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Persistency: pgslot.Ephemeral, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}
		if r.FindSlot("s1") != nil {
			t.Fatal("expected ephemeral slot to be dropped on release")
		}
	})
}

func TestRegistry_Drop(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		if err := r.Drop("s1", pgslot.DropOptions{Owner: 2}); err != nil {
			t.Fatal(err)
		}
		if r.FindSlot("s1") != nil {
			t.Fatal("expected slot to be gone")
		}
		if _, err := os.Stat(r.SlotDir("s1")); !os.IsNotExist(err) {
			t.Fatalf("expected slot dir to be removed, stat err=%v", err)
		}
	})

	t.Run("ErrNotFound", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		if err := r.Drop("nope", pgslot.DropOptions{Owner: 1}); !errors.Is(err, pgslot.ErrSlotNotFound) {
			t.Fatalf("err=%v, want ErrSlotNotFound", err)
		}
	})

	t.Run("ErrSyncedInRecovery", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.WAL.(*pgslot.StaticWAL).SetInRecovery(true)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Synced: true, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		if err := r.Drop("s1", pgslot.DropOptions{Owner: 2}); !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
		if err := r.Drop("s1", pgslot.DropOptions{Owner: 2, ForSync: true}); err != nil {
			t.Fatal(err)
		}
	})
}

func TestRegistry_CleanupOwnedBy(t *testing.T) {
	r := newOpenRegistry(t, 4)

	if _, err := r.Create(pgslot.CreateOptions{Name: "tmp1", Kind: pgslot.KindPhysical, Persistency: pgslot.Temporary, Owner: 7}); err != nil {
		t.Fatal(err)
	}
	persistent, err := r.Create(pgslot.CreateOptions{Name: "keep1", Kind: pgslot.KindPhysical, Owner: 7})
	if err != nil {
		t.Fatal(err)
	}
	other, err := r.Create(pgslot.CreateOptions{Name: "other1", Kind: pgslot.KindPhysical, Owner: 8})
	if err != nil {
		t.Fatal(err)
	}

	r.CleanupOwnedBy(7)

	if r.FindSlot("tmp1") != nil {
		t.Fatal("expected temporary slot to be dropped")
	}
	if got, want := persistent.ActivePID(), int32(0); got != want {
		t.Fatalf("ActivePID()=%d, want %d", got, want)
	}
	if got, want := other.ActivePID(), int32(8); got != want {
		t.Fatalf("ActivePID()=%d, want %d", got, want)
	}
}

func TestRegistry_Reopen(t *testing.T) {
	t.Run("RestoresPersistentSlots", func(t *testing.T) {
		dir := t.TempDir()

		r := pgslot.NewRegistry(dir, 4)
		r.WAL.(*pgslot.StaticWAL).SetLevel(pgslot.WALLevelLogical)
		if err := r.Open(); err != nil {
			t.Fatal(err)
		}
		s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		s.ConfirmFlush(0x2000000)
		if err := r.CheckpointSlots(true); err != nil {
			t.Fatal(err)
		}

		other := pgslot.NewRegistry(dir, 4)
		other.WAL.(*pgslot.StaticWAL).SetLevel(pgslot.WALLevelLogical)
		if err := other.Open(); err != nil {
			t.Fatal(err)
		}

		s = other.FindSlot("sub1")
		if s == nil {
			t.Fatal("expected slot to be restored")
		}
		if got, want := s.ConfirmedFlush(), pgslot.LSN(0x2000000); got != want {
			t.Fatalf("ConfirmedFlush()=%s, want %s", got, want)
		}
		if got, want := s.ActivePID(), int32(0); got != want {
			t.Fatalf("ActivePID()=%d, want %d", got, want)
		}
	})

	// Non-persistent slots found on disk were alive at crash time; they must
	// be removed on startup.
	t.Run("DiscardsTemporarySlots", func(t *testing.T) {
		dir := t.TempDir()

		r := pgslot.NewRegistry(dir, 4)
		if err := r.Open(); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Create(pgslot.CreateOptions{Name: "tmp1", Kind: pgslot.KindPhysical, Persistency: pgslot.Temporary, Owner: 1}); err != nil {
			t.Fatal(err)
		}

		other := pgslot.NewRegistry(dir, 4)
		if err := other.Open(); err != nil {
			t.Fatal(err)
		}
		if other.FindSlot("tmp1") != nil {
			t.Fatal("expected temporary slot to be discarded")
		}
		if _, err := os.Stat(other.SlotDir("tmp1")); !os.IsNotExist(err) {
			t.Fatalf("expected slot dir to be removed, stat err=%v", err)
		}
	})

	t.Run("RemovesStaleTempDirs", func(t *testing.T) {
		dir := t.TempDir()

		r := pgslot.NewRegistry(dir, 4)
		if err := r.Open(); err != nil {
			t.Fatal(err)
		}
		if err := os.Mkdir(r.SlotDir("s1.tmp"), 0o700); err != nil {
			t.Fatal(err)
		}

		other := pgslot.NewRegistry(dir, 4)
		if err := other.Open(); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(other.SlotDir("s1.tmp")); !os.IsNotExist(err) {
			t.Fatalf("expected stale temp dir to be removed, stat err=%v", err)
		}
	})

	t.Run("ErrWALLevelTooLow", func(t *testing.T) {
		dir := t.TempDir()

		r := pgslot.NewRegistry(dir, 4)
		r.WAL.(*pgslot.StaticWAL).SetLevel(pgslot.WALLevelLogical)
		if err := r.Open(); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1}); err != nil {
			t.Fatal(err)
		}

		other := pgslot.NewRegistry(dir, 4)
		if err := other.Open(); !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
	})
}

func TestRegistry_Horizons(t *testing.T) {
	r := newOpenRegistry(t, 4)
	wal := r.WAL.(*pgslot.StaticWAL)
	wal.SetRedoLSN(0x5000000)
	wal.SetInsertLSN(0x6000000)

	s1, err := r.Create(pgslot.CreateOptions{Name: "standby_1", Kind: pgslot.KindPhysical, Owner: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ReserveWAL(s1); err != nil {
		t.Fatal(err)
	}

	s2, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ReserveWAL(s2); err != nil {
		t.Fatal(err)
	}

	// The physical slot reserved at the redo pointer; the logical one at the
	// insert position. The combined horizon is the older of the two.
	if got, want := r.RequiredLSN(), pgslot.LSN(0x5000000); got != want {
		t.Fatalf("RequiredLSN()=%s, want %s", got, want)
	}
	if got, want := r.LogicalRestartLSN(), pgslot.LSN(0x6000000); got != want {
		t.Fatalf("LogicalRestartLSN()=%s, want %s", got, want)
	}

	// Dropping the physical slot moves the horizon up to the logical one.
	if err := r.Drop("standby_1", pgslot.DropOptions{Owner: 1}); err != nil {
		t.Fatal(err)
	}
	if got, want := r.RequiredLSN(), pgslot.LSN(0x6000000); got != want {
		t.Fatalf("RequiredLSN()=%s, want %s", got, want)
	}
}

func TestRegistry_InvalidateObsolete(t *testing.T) {
	t.Run("WALRemoved", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetRedoLSN(0x2000000)
		wal.SetInsertLSN(0x3000000)

		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.ReserveWAL(s); err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		invalidated, err := r.InvalidateObsolete(pgslot.InvalidatedWALRemoved, 0x2800000, 0, 0)
		if err != nil {
			t.Fatal(err)
		} else if !invalidated {
			t.Fatal("expected invalidation")
		}

		if got, want := s.Invalidated(), pgslot.InvalidatedWALRemoved; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
		if got, want := s.RestartLSN(), pgslot.LSN(0); got != want {
			t.Fatalf("RestartLSN()=%s, want %s", got, want)
		}
		// An invalidated slot no longer constrains WAL retention.
		if got, want := r.RequiredLSN(), pgslot.LSN(0); got != want {
			t.Fatalf("RequiredLSN()=%s, want %s", got, want)
		}

		// A second pass has nothing left to do.
		if invalidated, err := r.InvalidateObsolete(pgslot.InvalidatedWALRemoved, 0x2800000, 0, 0); err != nil {
			t.Fatal(err)
		} else if invalidated {
			t.Fatal("expected no further invalidation")
		}
	})

	t.Run("KeepsSlotAheadOfHorizon", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetRedoLSN(0x3000000)

		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.ReserveWAL(s); err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		if invalidated, err := r.InvalidateObsolete(pgslot.InvalidatedWALRemoved, 0x2800000, 0, 0); err != nil {
			t.Fatal(err)
		} else if invalidated {
			t.Fatal("expected no invalidation")
		}
		if got, want := s.Invalidated(), pgslot.NotInvalidated; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
	})

	t.Run("Horizon", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		s.ProposeCatalogXmin(0x10, 100)
		s.ConfirmFlush(0x10)
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		// A horizon targeting a different database leaves the slot alone.
		if invalidated, err := r.InvalidateObsolete(pgslot.InvalidatedHorizon, 0, 6, 150); err != nil {
			t.Fatal(err)
		} else if invalidated {
			t.Fatal("expected no invalidation for other database")
		}

		invalidated, err := r.InvalidateObsolete(pgslot.InvalidatedHorizon, 0, 5, 150)
		if err != nil {
			t.Fatal(err)
		} else if !invalidated {
			t.Fatal("expected invalidation")
		}
		if got, want := s.Invalidated(), pgslot.InvalidatedHorizon; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
	})

	// A horizon invalidation needs a real xid to compare against.
	t.Run("ErrHorizonWithoutXID", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		s.ProposeCatalogXmin(0x10, 100)
		s.ConfirmFlush(0x10)
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		if _, err := r.InvalidateObsolete(pgslot.InvalidatedHorizon, 0, 5, pgslot.InvalidXID); !errors.Is(err, pgslot.ErrPrecondition) {
			t.Fatalf("err=%v, want ErrPrecondition", err)
		}
		if got, want := s.Invalidated(), pgslot.NotInvalidated; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
	})

	t.Run("WALLevel", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		logical, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		physical, err := r.Create(pgslot.CreateOptions{Name: "standby_1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		r.CleanupOwnedBy(1)

		if _, err := r.InvalidateObsolete(pgslot.InvalidatedWALLevel, 0, 0, 0); err != nil {
			t.Fatal(err)
		}
		if got, want := logical.Invalidated(), pgslot.InvalidatedWALLevel; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
		if got, want := physical.Invalidated(), pgslot.NotInvalidated; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
	})

	t.Run("IdleTimeout", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		idle, err := r.Create(pgslot.CreateOptions{Name: "idle1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(idle, 1); err != nil {
			t.Fatal(err)
		}
		if _, err := r.Create(pgslot.CreateOptions{Name: "busy1", Kind: pgslot.KindPhysical, Owner: 2}); err != nil {
			t.Fatal(err)
		}

		if _, err := r.InvalidateObsolete(pgslot.InvalidatedIdleTimeout, 0, 0, 0); err != nil {
			t.Fatal(err)
		}
		if got, want := idle.Invalidated(), pgslot.InvalidatedIdleTimeout; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
		if got, want := r.FindSlot("busy1").Invalidated(), pgslot.NotInvalidated; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
	})

	// A held slot cannot be invalidated in place; the holder is asked to
	// terminate and the invalidation applies once the slot is released.
	t.Run("TerminatesHolder", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetRedoLSN(0x2000000)

		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 9})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.ReserveWAL(s); err != nil {
			t.Fatal(err)
		}

		var terminated []int32
		r.TerminateFunc = func(pid int32) {
			terminated = append(terminated, pid)
			if err := r.Release(s, pid); err != nil {
				t.Error(err)
			}
		}

		invalidated, err := r.InvalidateObsolete(pgslot.InvalidatedWALRemoved, 0x2800000, 0, 0)
		if err != nil {
			t.Fatal(err)
		} else if !invalidated {
			t.Fatal("expected invalidation")
		}

		if got, want := len(terminated), 1; got != want {
			t.Fatalf("len(terminated)=%d, want %d", got, want)
		}
		if got, want := terminated[0], int32(9); got != want {
			t.Fatalf("terminated[0]=%d, want %d", got, want)
		}
		if got, want := s.Invalidated(), pgslot.InvalidatedWALRemoved; got != want {
			t.Fatalf("Invalidated()=%s, want %s", got, want)
		}
	})
}
