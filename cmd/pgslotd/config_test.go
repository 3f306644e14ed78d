package main

import (
	"testing"
	"time"
)

func TestUnmarshalConfig(t *testing.T) {
	t.Run("OK", func(t *testing.T) {
		config := NewConfig()
		if err := UnmarshalConfig(&config, []byte(`
data:
  dir: /var/lib/pgslot
  max-slots: 16
wal:
  level: logical
  in-recovery: true
sync:
  enabled: true
  primary-conninfo: host=primary dbname=postgres
  primary-slot-name: standby_1
standby:
  slot-names: standby_1,standby_2
lease:
  type: consul
  hostname: replica1
  consul:
    url: http://localhost:8500
    key: pgslot/primary
    ttl: 15s
`), false); err != nil {
			t.Fatal(err)
		}

		if got, want := config.Data.Dir, "/var/lib/pgslot"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		}
		if got, want := config.Data.MaxSlots, 16; got != want {
			t.Fatalf("Data.MaxSlots=%d, want %d", got, want)
		}
		if got, want := config.WAL.Level, "logical"; got != want {
			t.Fatalf("WAL.Level=%q, want %q", got, want)
		}
		if !config.Sync.Enabled {
			t.Fatal("expected sync enabled")
		}
		if got, want := config.Standby.SlotNames, "standby_1,standby_2"; got != want {
			t.Fatalf("Standby.SlotNames=%q, want %q", got, want)
		}
		if got, want := config.Lease.Type, LeaseTypeConsul; got != want {
			t.Fatalf("Lease.Type=%q, want %q", got, want)
		}
		if got, want := config.Lease.Consul.TTL, 15*time.Second; got != want {
			t.Fatalf("Lease.Consul.TTL=%s, want %s", got, want)
		}

		// Defaults survive a partial document.
		if !config.Sync.HotStandbyFeedback {
			t.Fatal("expected hot standby feedback default")
		}
		if got, want := config.Data.MaxSlotWALKeepSize, int64(-1); got != want {
			t.Fatalf("Data.MaxSlotWALKeepSize=%d, want %d", got, want)
		}
	})

	// Unknown fields are configuration mistakes, not extension points.
	t.Run("ErrUnknownField", func(t *testing.T) {
		config := NewConfig()
		if err := UnmarshalConfig(&config, []byte("data:\n  dirr: /x\n"), false); err == nil {
			t.Fatal("expected error for unknown field")
		}
	})

	t.Run("ExpandEnv", func(t *testing.T) {
		t.Setenv("PGSLOT_DATA_DIR", "/data")
		config := NewConfig()
		if err := UnmarshalConfig(&config, []byte("data:\n  dir: $PGSLOT_DATA_DIR\n"), true); err != nil {
			t.Fatal(err)
		}
		if got, want := config.Data.Dir, "/data"; got != want {
			t.Fatalf("Data.Dir=%q, want %q", got, want)
		}
	})
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("PGSLOT_REGION", "lhr")
	t.Setenv("PGSLOT_OTHER", "sfo")

	if got, want := ExpandEnv("${PGSLOT_REGION}"), "lhr"; got != want {
		t.Fatalf("ExpandEnv()=%q, want %q", got, want)
	}
	if got, want := ExpandEnv("${ PGSLOT_REGION == 'lhr' }"), "true"; got != want {
		t.Fatalf("ExpandEnv()=%q, want %q", got, want)
	}
	if got, want := ExpandEnv(`${ PGSLOT_REGION != "lhr" }`), "false"; got != want {
		t.Fatalf("ExpandEnv()=%q, want %q", got, want)
	}
	if got, want := ExpandEnv("${ PGSLOT_REGION == PGSLOT_OTHER }"), "false"; got != want {
		t.Fatalf("ExpandEnv()=%q, want %q", got, want)
	}
}

func TestIsValidLeaseType(t *testing.T) {
	if !IsValidLeaseType(LeaseTypeStatic) || !IsValidLeaseType(LeaseTypeConsul) {
		t.Fatal("expected valid lease types")
	}
	if IsValidLeaseType("raft") {
		t.Fatal("expected invalid lease type")
	}
}

func TestConfig_WALLevel(t *testing.T) {
	config := NewConfig()
	if _, err := config.WALLevel(); err != nil {
		t.Fatal(err)
	}

	config.WAL.Level = "bogus"
	if _, err := config.WALLevel(); err == nil {
		t.Fatal("expected error")
	}
}
