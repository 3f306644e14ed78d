package pgslot

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/jackc/pglogrepl"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncConfig holds the settings the synchronizer needs. All of them mirror
// process-wide options of the surrounding system.
type SyncConfig struct {
	// PrimaryConnInfo is the opaque connection string handed to the
	// PrimaryClient. Must include a database name.
	PrimaryConnInfo string

	// PrimarySlotName is the physical slot on the primary held by this
	// standby's WAL receiver.
	PrimarySlotName string

	// HotStandbyFeedback must be enabled so the primary retains the catalog
	// rows the synced slots depend on.
	HotStandbyFeedback bool

	// SyncReplicationSlots runs the background synchronizer worker.
	SyncReplicationSlots bool
}

// Validate checks the preconditions for slot synchronization.
func (c SyncConfig) Validate(level WALLevel) error {
	if level < WALLevelReplica {
		return fmt.Errorf("%w: slot synchronization requires wal level replica or logical", ErrPrecondition)
	}
	if c.PrimarySlotName == "" {
		return fmt.Errorf("%w: slot synchronization requires a primary slot name", ErrPrecondition)
	}
	if !c.HotStandbyFeedback {
		return fmt.Errorf("%w: slot synchronization requires hot standby feedback", ErrPrecondition)
	}
	if c.PrimaryConnInfo == "" {
		return fmt.Errorf("%w: slot synchronization requires primary connection info", ErrPrecondition)
	}
	if !conninfoHasDBName(c.PrimaryConnInfo) {
		return fmt.Errorf("%w: primary connection info must specify a database name", ErrPrecondition)
	}
	return nil
}

func conninfoHasDBName(conninfo string) bool {
	if strings.HasPrefix(conninfo, "postgres://") || strings.HasPrefix(conninfo, "postgresql://") {
		rest := conninfo[strings.Index(conninfo, "://")+3:]
		if i := strings.IndexByte(rest, '/'); i >= 0 && i+1 < len(rest) {
			return true
		}
		return strings.Contains(rest, "dbname=")
	}
	for _, kv := range strings.Fields(conninfo) {
		if strings.HasPrefix(kv, "dbname=") {
			return true
		}
	}
	return false
}

var nextSyncerOwner atomic.Int32

// Syncer mirrors failover-enabled logical slots from the primary into local
// shadow slots. It is shared by the background worker and the synchronous
// entry point; all remote access goes through the PrimaryClient capability.
type Syncer struct {
	reg    *Registry
	client PrimaryClient
	cfg    SyncConfig

	// owner is the session identity used for local slot operations.
	owner int32

	// ResolveDatabase maps a remote database name to the local database id
	// installed on created shadow slots. The default derives a stable id by
	// hashing the name.
	ResolveDatabase func(name string) (uint32, error)
}

// NewSyncer returns a syncer over the registry using client for remote access.
func NewSyncer(reg *Registry, client PrimaryClient, cfg SyncConfig) *Syncer {
	return &Syncer{
		reg:    reg,
		client: client,
		cfg:    cfg,
		owner:  1<<20 + nextSyncerOwner.Add(1),

		ResolveDatabase: func(name string) (uint32, error) {
			h := fnv.New32a()
			h.Write([]byte(name))
			id := h.Sum32()
			if id == 0 || id == SharedDatabaseID {
				id = 1
			}
			return id, nil
		},
	}
}

// Owner returns the session identity the syncer uses for slot operations.
func (sy *Syncer) Owner() int32 { return sy.owner }

// ValidateRemote verifies that the remote can be synchronized from: it must
// not itself be a standby, and it must carry the physical slot named by
// PrimarySlotName.
func (sy *Syncer) ValidateRemote(ctx context.Context) error {
	sql := fmt.Sprintf(
		`SELECT pg_is_in_recovery(), EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_type = 'physical' AND slot_name = %s)`,
		quoteLiteral(sy.cfg.PrimarySlotName))

	rows, err := sy.client.Exec(ctx, sql)
	if err != nil {
		return fmt.Errorf("validate remote: %w", err)
	}
	if len(rows) != 1 || len(rows[0]) != 2 {
		return fmt.Errorf("validate remote: unexpected result shape")
	}

	inRecovery, err := parseRemoteBool(rows[0][0])
	if err != nil {
		return fmt.Errorf("validate remote: %w", err)
	}
	slotExists, err := parseRemoteBool(rows[0][1])
	if err != nil {
		return fmt.Errorf("validate remote: %w", err)
	}

	if inRecovery {
		return ErrRemoteUnsupported
	}
	if !slotExists {
		return fmt.Errorf("%w: %q", ErrMissingPrimarySlot, sy.cfg.PrimarySlotName)
	}
	return nil
}

// fetchFailoverSlotsSQL selects every logical, non-temporary failover slot.
const fetchFailoverSlotsSQL = `SELECT slot_name, plugin, confirmed_flush_lsn, restart_lsn, catalog_xmin, two_phase, two_phase_at, failover, database, invalidation_reason FROM pg_replication_slots WHERE failover AND NOT temporary AND slot_type = 'logical'`

// FetchFailoverSlots retrieves the failover slots advertised by the primary.
// Valid slots that have not yet reserved their positions are still being
// created on the primary; they are left out and picked up next cycle.
func (sy *Syncer) FetchFailoverSlots(ctx context.Context) ([]RemoteSlot, error) {
	rows, err := sy.client.Exec(ctx, fetchFailoverSlotsSQL)
	if err != nil {
		return nil, fmt.Errorf("fetch failover slots: %w", err)
	}

	remotes := make([]RemoteSlot, 0, len(rows))
	for _, row := range rows {
		remote, err := parseRemoteSlot(row)
		if err != nil {
			return nil, fmt.Errorf("fetch failover slots: %w", err)
		}

		if remote.Invalidated == NotInvalidated &&
			(remote.RestartLSN == 0 || remote.ConfirmedFlush == 0 || !remote.CatalogXmin.IsValid()) {
			log.Printf("skipping slot %q: the remote slot has not yet reserved its positions", remote.Name)
			continue
		}
		remotes = append(remotes, remote)
	}
	return remotes, nil
}

func parseRemoteSlot(row Row) (RemoteSlot, error) {
	var remote RemoteSlot
	if len(row) != 10 {
		return remote, fmt.Errorf("unexpected column count %d", len(row))
	}

	remote.Name = row[0].Value
	remote.Plugin = row[1].Value
	remote.Database = row[8].Value

	var err error
	if remote.ConfirmedFlush, err = parseRemoteLSN(row[2]); err != nil {
		return remote, fmt.Errorf("slot %q: confirmed_flush_lsn: %w", remote.Name, err)
	}
	if remote.RestartLSN, err = parseRemoteLSN(row[3]); err != nil {
		return remote, fmt.Errorf("slot %q: restart_lsn: %w", remote.Name, err)
	}
	if remote.CatalogXmin, err = parseRemoteXID(row[4]); err != nil {
		return remote, fmt.Errorf("slot %q: catalog_xmin: %w", remote.Name, err)
	}
	if remote.TwoPhase, err = parseRemoteBool(row[5]); err != nil {
		return remote, fmt.Errorf("slot %q: two_phase: %w", remote.Name, err)
	}
	if remote.TwoPhaseAt, err = parseRemoteLSN(row[6]); err != nil {
		return remote, fmt.Errorf("slot %q: two_phase_at: %w", remote.Name, err)
	}
	if remote.Failover, err = parseRemoteBool(row[7]); err != nil {
		return remote, fmt.Errorf("slot %q: failover: %w", remote.Name, err)
	}
	if remote.Invalidated, err = ParseInvalidatedReason(row[9].Value); err != nil {
		return remote, fmt.Errorf("slot %q: %w", remote.Name, err)
	}
	return remote, nil
}

// DropObsoleteSlots drops local shadow slots whose remote no longer exists,
// and local shadows that became invalidated while the remote is still valid;
// the latter can never catch up again and must be recreated from scratch.
func (sy *Syncer) DropObsoleteSlots(remotes []RemoteSlot) {
	byName := make(map[string]RemoteSlot, len(remotes))
	for _, remote := range remotes {
		byName[remote.Name] = remote
	}

	for _, s := range sy.reg.Slots() {
		if !s.IsSynced() {
			continue
		}

		name := s.Name()
		remote, ok := byName[name]
		obsolete := !ok || (remote.Invalidated == NotInvalidated && s.Invalidated() != NotInvalidated)
		if !obsolete {
			continue
		}

		// Re-check under the slot lock: the slot may have been dropped or
		// replaced since the snapshot.
		s.mu.Lock()
		stillSynced := s.inUse && s.data.Synced && s.data.Name == name
		s.mu.Unlock()
		if !stillSynced {
			continue
		}

		if err := sy.reg.Drop(name, DropOptions{Owner: sy.owner, ForSync: true}); err != nil {
			log.Printf("cannot drop obsolete synced slot %q: %s", name, err)
			continue
		}
		log.Printf("dropped obsolete replication slot %q", name)
		syncSlotDropCountMetric.Inc()
	}
}

// SyncOne creates or updates the local shadow of one remote slot. Returns
// true if the local slot changed. A remote that is ahead of the WAL this
// standby has received is skipped without error; it will be seen again.
func (sy *Syncer) SyncOne(ctx context.Context, remote RemoteSlot) (bool, error) {
	if remote.ConfirmedFlush > sy.reg.WAL.ReceiveFlushLSN() {
		log.Printf("skipping slot %q: remote confirmed flush %s is ahead of received WAL %s",
			remote.Name, remote.ConfirmedFlush, sy.reg.WAL.ReceiveFlushLSN())
		return false, nil
	}

	if s := sy.reg.FindSlot(remote.Name); s != nil {
		return sy.syncExisting(ctx, s, remote)
	}
	return sy.syncNew(ctx, remote)
}

func (sy *Syncer) syncExisting(ctx context.Context, s *Slot, remote RemoteSlot) (bool, error) {
	if !s.IsSynced() {
		// A user slot with the same name makes synchronization impossible.
		return false, fmt.Errorf("%w: slot %q exists on the standby and is not a synced slot", ErrPrecondition, remote.Name)
	}

	s, err := sy.reg.Acquire(remote.Name, AcquireOptions{Owner: sy.owner, ForSync: true})
	if err != nil {
		return false, fmt.Errorf("acquire synced slot: %w", err)
	}
	defer func() {
		if err := sy.reg.Release(s, sy.owner); err != nil {
			log.Printf("cannot release synced slot %q: %s", remote.Name, err)
		}
	}()

	// A remote that became invalidated is mirrored as-is; the local slot is
	// dropped on a later cycle once the registry notices.
	if s.Invalidated() == NotInvalidated && remote.Invalidated != NotInvalidated {
		s.mu.Lock()
		s.data.Invalidated = remote.Invalidated
		s.markDirtyLocked()
		s.mu.Unlock()
		if err := sy.reg.SaveSlot(s); err != nil {
			return false, err
		}
		sy.reg.recomputeRequiredXmin()
		sy.reg.recomputeRequiredLSN()
		return true, nil
	}

	if s.Persistency() == Temporary {
		// Not yet sync-ready; try again to catch up & persist.
		return sy.updateAndPersist(ctx, s, remote)
	}

	if remote.ConfirmedFlush < s.ConfirmedFlush() {
		return false, fmt.Errorf("confirmed flush of slot %q went backwards on the remote: local %s, remote %s",
			remote.Name, s.ConfirmedFlush(), remote.ConfirmedFlush)
	}
	updated, _, err := sy.update(ctx, s, remote)
	return updated, err
}

func (sy *Syncer) syncNew(ctx context.Context, remote RemoteSlot) (bool, error) {
	// Never create a shadow of an already-invalidated slot.
	if remote.Invalidated != NotInvalidated {
		return false, nil
	}

	dbID, err := sy.ResolveDatabase(remote.Database)
	if err != nil {
		return false, fmt.Errorf("resolve database %q: %w", remote.Database, err)
	}

	s, err := sy.reg.Create(CreateOptions{
		Name:        remote.Name,
		Kind:        KindLogical,
		Persistency: Temporary,
		DatabaseID:  dbID,
		Plugin:      remote.Plugin,
		TwoPhase:    remote.TwoPhase,
		Failover:    remote.Failover,
		Synced:      true,
		Owner:       sy.owner,
	})
	if err != nil {
		return false, fmt.Errorf("create synced slot %q: %w", remote.Name, err)
	}
	defer func() {
		if err := sy.reg.Release(s, sy.owner); err != nil {
			log.Printf("cannot release synced slot %q: %s", remote.Name, err)
		}
	}()

	if err := sy.reg.ReserveWALAt(s, remote.RestartLSN); err != nil {
		return false, fmt.Errorf("reserve wal for synced slot %q: %w", remote.Name, err)
	}

	// Install the catalog horizon before any decoding can depend on it.
	xmin := sy.reg.WAL.OldestSafeDecodingXID()
	s.mu.Lock()
	s.data.CatalogXmin = xmin
	s.effectiveCatalogXmin = xmin
	s.markDirtyLocked()
	s.mu.Unlock()
	sy.reg.recomputeRequiredXmin()

	if _, err := sy.updateAndPersist(ctx, s, remote); err != nil {
		return false, err
	}
	syncSlotCreateCountMetric.Inc()
	return true, nil
}

// update applies the remote's positions and metadata to the acquired local
// slot. Returns updated=true if anything changed and remotePrecedes=true if
// the remote is behind the local slot, in which case nothing is applied: in
// particular two_phase_at must never be synced without its confirmed flush,
// or the standby would decode prepared transactions twice after promotion.
func (sy *Syncer) update(ctx context.Context, s *Slot, remote RemoteSlot) (updated bool, remotePrecedes bool, err error) {
	s.mu.Lock()
	local := s.data
	s.mu.Unlock()

	if remote.RestartLSN < local.RestartLSN ||
		(remote.CatalogXmin.IsValid() && local.CatalogXmin.IsValid() && remote.CatalogXmin.Precedes(local.CatalogXmin)) {
		log.Printf("could not synchronize replication slot %q (%s): remote restart_lsn %s / catalog_xmin %d precede local %s / %d",
			remote.Name, local.Persistency, remote.RestartLSN, remote.CatalogXmin, local.RestartLSN, local.CatalogXmin)
		return false, true, nil
	}

	advanced := remote.ConfirmedFlush > local.ConfirmedFlush ||
		remote.RestartLSN > local.RestartLSN ||
		(remote.CatalogXmin.IsValid() && local.CatalogXmin.IsValid() && remote.CatalogXmin.Follows(local.CatalogXmin)) ||
		(remote.CatalogXmin.IsValid() && !local.CatalogXmin.IsValid())

	if advanced {
		if sy.reg.Decoder != nil && !sy.reg.Decoder.SnapshotSerialized(remote.RestartLSN) {
			// No serialized snapshot at the remote's restart position; the
			// local decoder must walk forward itself to build one.
			flushed, err := sy.reg.Decoder.AdvanceTo(ctx, s, remote.ConfirmedFlush)
			if err != nil {
				return false, false, fmt.Errorf("advance synced slot %q: %w", remote.Name, err)
			}
			if flushed != remote.ConfirmedFlush {
				return false, false, fmt.Errorf("slot %q did not catch up to remote confirmed flush %s (at %s)",
					remote.Name, remote.ConfirmedFlush, flushed)
			}
		} else {
			s.mu.Lock()
			s.data.RestartLSN = remote.RestartLSN
			s.data.ConfirmedFlush = remote.ConfirmedFlush
			s.data.CatalogXmin = remote.CatalogXmin
			s.effectiveCatalogXmin = remote.CatalogXmin
			s.markDirtyLocked()
			s.checkInvariantsLocked()
			s.mu.Unlock()
		}
		updated = true
	}

	dbID, err := sy.ResolveDatabase(remote.Database)
	if err != nil {
		return false, false, fmt.Errorf("resolve database %q: %w", remote.Database, err)
	}

	s.mu.Lock()
	if s.data.DatabaseID != dbID || s.data.TwoPhase != remote.TwoPhase ||
		s.data.TwoPhaseAt != remote.TwoPhaseAt ||
		s.data.Failover != remote.Failover || s.data.Plugin != remote.Plugin {
		s.data.DatabaseID = dbID
		s.data.TwoPhase = remote.TwoPhase
		s.data.TwoPhaseAt = remote.TwoPhaseAt
		s.data.Failover = remote.Failover
		s.data.Plugin = remote.Plugin
		s.markDirtyLocked()
		updated = true
	}
	s.mu.Unlock()

	if updated {
		if err := sy.reg.SaveSlot(s); err != nil {
			return false, false, err
		}
		sy.reg.recomputeRequiredXmin()
		sy.reg.recomputeRequiredLSN()
		syncSlotUpdateCountMetric.Inc()
	}
	return updated, false, nil
}

// updateAndPersist updates a not-yet-sync-ready shadow slot and promotes it
// to persistent once it has fully caught up with the remote.
func (sy *Syncer) updateAndPersist(ctx context.Context, s *Slot, remote RemoteSlot) (bool, error) {
	updated, remotePrecedes, err := sy.update(ctx, s, remote)
	if err != nil {
		return false, err
	}
	if remotePrecedes {
		// Stay temporary; the remote should catch up by the next cycle.
		return false, nil
	}

	if sy.reg.Decoder != nil && !sy.reg.Decoder.ConsistentPointReachable(s) {
		return updated, nil
	}

	s.mu.Lock()
	alreadyPersistent := s.data.Persistency == Persistent
	if !alreadyPersistent {
		s.data.Persistency = Persistent
		s.markDirtyLocked()
	}
	s.mu.Unlock()

	if !alreadyPersistent {
		if err := sy.reg.SaveSlot(s); err != nil {
			return false, err
		}
		log.Printf("newly created replication slot %q is sync-ready now", s.Name())
		syncSlotReadyCountMetric.Inc()
	}
	return updated, nil
}

// SynchronizeSlots runs one full pass: fetch the remote failover slots, drop
// obsolete local shadows, then sync every remote slot. A failing slot aborts
// the pass; the worker restarts it from scratch.
func (sy *Syncer) SynchronizeSlots(ctx context.Context) (bool, error) {
	remotes, err := sy.FetchFailoverSlots(ctx)
	if err != nil {
		return false, err
	}

	sy.DropObsoleteSlots(remotes)

	someUpdated := false
	for _, remote := range remotes {
		updated, err := sy.SyncOne(ctx, remote)
		if err != nil {
			return someUpdated, fmt.Errorf("synchronize slot %q: %w", remote.Name, err)
		}
		someUpdated = someUpdated || updated
	}

	syncCycleCountMetric.Inc()
	return someUpdated, nil
}

// DropTemporarySyncedSlots removes shadow slots that never became
// sync-ready. Called when a synchronization run ends without a worker to
// continue it.
func (sy *Syncer) DropTemporarySyncedSlots() {
	for _, s := range sy.reg.Slots() {
		if !s.IsSynced() || s.Persistency() != Temporary {
			continue
		}
		name := s.Name()
		if err := sy.reg.Drop(name, DropOptions{Owner: sy.owner, ForSync: true}); err != nil {
			log.Printf("cannot drop temporary synced slot %q: %s", name, err)
			continue
		}
		log.Printf("dropped temporary synced slot %q", name)
	}
}

// ParseInvalidatedReason parses the invalidation cause as reported by the
// remote slots view. An empty value means the slot is valid.
func ParseInvalidatedReason(s string) (InvalidatedReason, error) {
	switch s {
	case "", "none":
		return NotInvalidated, nil
	case "wal_removed":
		return InvalidatedWALRemoved, nil
	case "rows_removed":
		return InvalidatedHorizon, nil
	case "wal_level_insufficient":
		return InvalidatedWALLevel, nil
	case "idle_timeout":
		return InvalidatedIdleTimeout, nil
	default:
		return NotInvalidated, fmt.Errorf("invalid invalidation reason: %q", s)
	}
}

func parseRemoteBool(c Column) (bool, error) {
	if !c.Valid {
		return false, nil
	}
	switch c.Value {
	case "t", "true":
		return true, nil
	case "f", "false":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean: %q", c.Value)
	}
}

func parseRemoteLSN(c Column) (LSN, error) {
	if !c.Valid || c.Value == "" {
		return 0, nil
	}
	return pglogrepl.ParseLSN(c.Value)
}

func parseRemoteXID(c Column) (XID, error) {
	if !c.Valid || c.Value == "" {
		return InvalidXID, nil
	}
	v, err := strconv.ParseUint(c.Value, 10, 32)
	if err != nil {
		return InvalidXID, fmt.Errorf("invalid xid: %q", c.Value)
	}
	return XID(v), nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Synchronizer metrics.
var (
	syncCycleCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_sync_cycles_total",
		Help: "Number of completed synchronization passes.",
	})

	syncSlotCreateCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_sync_slot_creates_total",
		Help: "Number of shadow slots created from the primary.",
	})

	syncSlotUpdateCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_sync_slot_updates_total",
		Help: "Number of shadow slot updates applied.",
	})

	syncSlotDropCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_sync_slot_drops_total",
		Help: "Number of obsolete shadow slots dropped.",
	})

	syncSlotReadyCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_sync_slot_ready_total",
		Help: "Number of shadow slots promoted to sync-ready.",
	})
)
