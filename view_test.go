package pgslot_test

import (
	"testing"

	"github.com/superfly/pgslot"
)

func TestRegistry_View(t *testing.T) {
	t.Run("Fields", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetInsertLSN(0x2000000)

		s, err := r.Create(pgslot.CreateOptions{
			Name:       "sub1",
			Kind:       pgslot.KindLogical,
			DatabaseID: 5,
			Plugin:     "pgoutput",
			TwoPhase:   true,
			Failover:   true,
			Owner:      42,
		})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.ReserveWAL(s); err != nil {
			t.Fatal(err)
		}

		views := r.View()
		if got, want := len(views), 1; got != want {
			t.Fatalf("len(views)=%d, want %d", got, want)
		}
		v := views[0]

		if got, want := v.Name, "sub1"; got != want {
			t.Fatalf("Name=%q, want %q", got, want)
		}
		if got, want := v.Type, "logical"; got != want {
			t.Fatalf("Type=%q, want %q", got, want)
		}
		if got, want := v.Plugin, "pgoutput"; got != want {
			t.Fatalf("Plugin=%q, want %q", got, want)
		}
		if !v.Active {
			t.Fatal("expected active slot")
		}
		if got, want := v.ActivePID, int32(42); got != want {
			t.Fatalf("ActivePID=%d, want %d", got, want)
		}
		if got, want := v.RestartLSN, "0/2000000"; got != want {
			t.Fatalf("RestartLSN=%q, want %q", got, want)
		}
		if !v.TwoPhase || !v.Failover {
			t.Fatalf("TwoPhase=%v Failover=%v, want both true", v.TwoPhase, v.Failover)
		}
		if v.Conflicting {
			t.Fatal("expected non-conflicting slot")
		}
		if v.InactiveSince != nil {
			t.Fatal("expected no inactive time while acquired")
		}
	})

	t.Run("InactiveSince", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}

		v := r.View()[0]
		if v.Active {
			t.Fatal("expected inactive slot")
		}
		if v.InactiveSince == nil || v.InactiveSince.IsZero() {
			t.Fatal("expected inactive time after release")
		}
	})

	t.Run("Conflicting", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		s, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
		if err != nil {
			t.Fatal(err)
		}
		if err := r.Release(s, 1); err != nil {
			t.Fatal(err)
		}
		if _, err := r.InvalidateObsolete(pgslot.InvalidatedWALLevel, 0, 0, 0); err != nil {
			t.Fatal(err)
		}

		v := r.View()[0]
		if got, want := v.InvalidationReason, "wal_level_insufficient"; got != want {
			t.Fatalf("InvalidationReason=%q, want %q", got, want)
		}
		if !v.Conflicting {
			t.Fatal("expected conflicting slot")
		}
	})
}

func TestRegistry_View_WALStatus(t *testing.T) {
	newSlot := func(tb testing.TB, r *pgslot.Registry, restart pgslot.LSN) {
		tb.Helper()
		s, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
		if err != nil {
			tb.Fatal(err)
		}
		if restart != 0 {
			if err := r.ReserveWALAt(s, restart); err != nil {
				tb.Fatal(err)
			}
		}
	}

	t.Run("Unset", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		newSlot(t, r, 0)
		v := r.View()[0]
		if got, want := v.WALStatus, pgslot.WALStatus(""); got != want {
			t.Fatalf("WALStatus=%q, want %q", got, want)
		}
	})

	t.Run("Reserved", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.WAL.(*pgslot.StaticWAL).SetInsertLSN(0x2000000)
		newSlot(t, r, 0x1000000)

		v := r.View()[0]
		if got, want := v.WALStatus, pgslot.WALStatusReserved; got != want {
			t.Fatalf("WALStatus=%q, want %q", got, want)
		}
		if v.SafeWALSize != nil {
			t.Fatal("expected no safe size without a retention bound")
		}
	})

	// Holding more WAL than the soft size target is reported as extended.
	t.Run("Extended", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.MaxWALSizeMB = 16
		r.WAL.(*pgslot.StaticWAL).SetInsertLSN(0x4000000) // 64MB
		newSlot(t, r, 0x10)

		v := r.View()[0]
		if got, want := v.WALStatus, pgslot.WALStatusExtended; got != want {
			t.Fatalf("WALStatus=%q, want %q", got, want)
		}
	})

	t.Run("Unreserved", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.MaxSlotWALKeepSizeMB = 16
		r.WAL.(*pgslot.StaticWAL).SetInsertLSN(0x4000000) // 64MB held
		newSlot(t, r, 0x10)

		v := r.View()[0]
		if got, want := v.WALStatus, pgslot.WALStatusUnreserved; got != want {
			t.Fatalf("WALStatus=%q, want %q", got, want)
		}
	})

	t.Run("SafeWALSize", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		r.MaxSlotWALKeepSizeMB = 64
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetInsertLSN(0x1000000) // 16MB held
		newSlot(t, r, 0x10)

		v := r.View()[0]
		if got, want := v.WALStatus, pgslot.WALStatusReserved; got != want {
			t.Fatalf("WALStatus=%q, want %q", got, want)
		}
		if v.SafeWALSize == nil {
			t.Fatal("expected safe size with a retention bound")
		}
		if got, want := *v.SafeWALSize, int64(64*1024*1024-(0x1000000-0x10)); got != want {
			t.Fatalf("SafeWALSize=%d, want %d", got, want)
		}
	})

	t.Run("LostSegment", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetInsertLSN(0x4000000)
		newSlot(t, r, 0x2000000) // segment 2
		wal.SetOldestSegment(3)

		v := r.View()[0]
		if got, want := v.WALStatus, pgslot.WALStatusLost; got != want {
			t.Fatalf("WALStatus=%q, want %q", got, want)
		}
	})

	t.Run("LostInvalidated", func(t *testing.T) {
		r := newOpenRegistry(t, 4)
		wal := r.WAL.(*pgslot.StaticWAL)
		wal.SetInsertLSN(0x4000000)
		newSlot(t, r, 0x1000000)
		r.CleanupOwnedBy(1)
		if _, err := r.InvalidateObsolete(pgslot.InvalidatedWALRemoved, 0x2000000, 0, 0); err != nil {
			t.Fatal(err)
		}

		v := r.View()[0]
		if got, want := v.WALStatus, pgslot.WALStatusLost; got != want {
			t.Fatalf("WALStatus=%q, want %q", got, want)
		}
	})
}
