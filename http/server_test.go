package http_test

import (
	"encoding/json"
	nethttp "net/http"
	"testing"

	"github.com/superfly/pgslot"
	pgslothttp "github.com/superfly/pgslot/http"
)

// newOpenServer returns a started server over a fresh registry.
func newOpenServer(tb testing.TB) (*pgslothttp.Server, *pgslot.Registry) {
	tb.Helper()

	r := pgslot.NewRegistry(tb.TempDir(), 4)
	r.WAL.(*pgslot.StaticWAL).SetLevel(pgslot.WALLevelLogical)
	if err := r.Open(); err != nil {
		tb.Fatal(err)
	}

	s := pgslothttp.NewServer(r, ":0")
	if err := s.Listen(); err != nil {
		tb.Fatal(err)
	}
	s.Serve()
	tb.Cleanup(func() { _ = s.Close() })
	return s, r
}

func TestServer_GetSlots(t *testing.T) {
	s, r := newOpenServer(t)

	slot, err := r.Create(pgslot.CreateOptions{Name: "sub1", Kind: pgslot.KindLogical, DatabaseID: 5, Plugin: "pgoutput", Owner: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ReserveWALAt(slot, 0x2000000); err != nil {
		t.Fatal(err)
	}

	resp, err := nethttp.Get(s.URL() + "/slots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, nethttp.StatusOK; got != want {
		t.Fatalf("StatusCode=%d, want %d", got, want)
	}

	var views []pgslot.SlotView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatal(err)
	}
	if got, want := len(views), 1; got != want {
		t.Fatalf("len(views)=%d, want %d", got, want)
	}
	if got, want := views[0].Name, "sub1"; got != want {
		t.Fatalf("Name=%q, want %q", got, want)
	}
	if got, want := views[0].RestartLSN, "0/2000000"; got != want {
		t.Fatalf("RestartLSN=%q, want %q", got, want)
	}
}

func TestServer_GetHorizons(t *testing.T) {
	s, r := newOpenServer(t)

	slot, err := r.Create(pgslot.CreateOptions{Name: "s1", Kind: pgslot.KindPhysical, Owner: 1})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ReserveWALAt(slot, 0x2000000); err != nil {
		t.Fatal(err)
	}

	resp, err := nethttp.Get(s.URL() + "/horizons")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		RestartLSN string `json:"restart_lsn"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if got, want := body.RestartLSN, "0/2000000"; got != want {
		t.Fatalf("restart_lsn=%q, want %q", got, want)
	}
}

func TestServer_GetHealth(t *testing.T) {
	s, r := newOpenServer(t)
	r.WAL.(*pgslot.StaticWAL).SetInRecovery(true)

	resp, err := nethttp.Get(s.URL() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Status     string `json:"status"`
		InRecovery bool   `json:"in_recovery"`
		SlotCount  int    `json:"slot_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if got, want := body.Status, "ok"; got != want {
		t.Fatalf("status=%q, want %q", got, want)
	}
	if !body.InRecovery {
		t.Fatal("expected in_recovery")
	}
	if got, want := body.SlotCount, 0; got != want {
		t.Fatalf("slot_count=%d, want %d", got, want)
	}
}

func TestServer_GetMetrics(t *testing.T) {
	s, _ := newOpenServer(t)

	resp, err := nethttp.Get(s.URL() + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, nethttp.StatusOK; got != want {
		t.Fatalf("StatusCode=%d, want %d", got, want)
	}
}

func TestServer_NotFound(t *testing.T) {
	s, _ := newOpenServer(t)

	resp, err := nethttp.Get(s.URL() + "/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if got, want := resp.StatusCode, nethttp.StatusNotFound; got != want {
		t.Fatalf("StatusCode=%d, want %d", got, want)
	}
}
