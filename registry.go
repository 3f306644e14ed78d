package pgslot

import (
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/superfly/pgslot/internal"
)

// Registry is the fixed-capacity shared array of replication slots. It owns
// the slot directory on disk and computes the horizons exported to WAL
// retention and row visibility.
//
// Locking: allocMu is held exclusively while creating or dropping a slot so
// that name collisions and directory operations are serialized, and shared
// during checkpoint write-out. ctrlMu is held shared to iterate the array and
// exclusively to flip a slot's occupancy bit. Neither lock is ever held
// across a blocking wait.
type Registry struct {
	path     string
	maxSlots int

	allocMu sync.RWMutex
	ctrlMu  sync.RWMutex
	slots   []*Slot

	horizonMu sync.Mutex
	horizons  Horizons

	confirmMu sync.Mutex
	confirmCh chan struct{}

	// OS abstracts filesystem access. Swapped out by crash-safety tests.
	OS OS

	// WAL exposes local WAL positions & retention state.
	WAL WAL

	// Decoder drives logical decoding during Advance. May be nil, in which
	// case logical slots advance by direct confirmation.
	Decoder LogicalDecoder

	// TerminateFunc asks the holder of a slot to exit so the slot can be
	// invalidated. Signalled at most once per distinct holder.
	TerminateFunc func(pid int32)

	// MaxSlotWALKeepSizeMB bounds how much WAL a slot may retain, in
	// megabytes. Negative means unlimited. Only feeds the slots view.
	MaxSlotWALKeepSizeMB int64

	// MaxWALSizeMB is the soft WAL size target, in megabytes. A slot holding
	// WAL past it is reported as "extended" in the slots view.
	MaxWALSizeMB int64

	// Now returns the current time. Used for mocking time in tests.
	Now func() time.Time
}

// Horizons are the published minimums across all non-invalidated slots.
type Horizons struct {
	Xmin              XID
	CatalogXmin       XID
	RestartLSN        LSN
	LogicalRestartLSN LSN
}

// NewRegistry returns a registry over the slot directory at path with a
// fixed capacity of maxSlots entries.
func NewRegistry(path string, maxSlots int) *Registry {
	r := &Registry{
		path:     path,
		maxSlots: maxSlots,
		slots:    make([]*Slot, maxSlots),

		confirmCh: make(chan struct{}),

		OS:                   &internal.SystemOS{},
		WAL:                  NewStaticWAL(),
		MaxSlotWALKeepSizeMB: -1,
		MaxWALSizeMB:         1024,
		Now:                  time.Now,
	}
	for i := range r.slots {
		r.slots[i] = newSlot()
	}
	return r
}

// Path returns the slot directory.
func (r *Registry) Path() string { return r.path }

// MaxSlots returns the registry capacity.
func (r *Registry) MaxSlots() int { return r.maxSlots }

// SlotDir returns the directory holding a single slot's state.
func (r *Registry) SlotDir(name string) string {
	return filepath.Join(r.path, name)
}

// Open initializes the registry from the slot directory: stale temporary
// entries left by an interrupted drop are removed, then every well-formed
// slot is restored. Corrupt state is fatal here; it means either a code bug
// or hardware corruption and must not be papered over.
func (r *Registry) Open() error {
	if err := r.OS.MkdirAll(r.path, 0o700); err != nil {
		return err
	}

	ents, err := r.OS.ReadDir(r.path)
	if err != nil {
		return fmt.Errorf("read slot dir: %w", err)
	}

	// First pass: clean up leftovers from interrupted drops.
	removedTmp := false
	for _, ent := range ents {
		if !strings.HasSuffix(ent.Name(), ".tmp") {
			continue
		}
		log.Printf("removing stale slot directory %q", ent.Name())
		if err := r.OS.RemoveAll(filepath.Join(r.path, ent.Name())); err != nil {
			return fmt.Errorf("remove stale slot dir: %w", err)
		}
		removedTmp = true
	}
	if removedTmp {
		if err := fsyncPath(r.OS, r.path); err != nil {
			return fmt.Errorf("fsync slot dir: %w", err)
		}
	}

	// Second pass: restore surviving slots.
	for _, ent := range ents {
		if !ent.IsDir() || strings.HasSuffix(ent.Name(), ".tmp") {
			continue
		}
		if err := r.restoreSlot(ent.Name()); err != nil {
			return fmt.Errorf("restore slot %q: %w", ent.Name(), err)
		}
	}

	r.recomputeRequiredXmin()
	r.recomputeRequiredLSN()
	return nil
}

func (r *Registry) restoreSlot(name string) error {
	d, err := readStateFile(r.OS, r.SlotDir(name))
	if err != nil {
		return err
	}

	// A non-persistent slot on disk means the server crashed while the slot
	// existed; it would have been dropped at session end, so drop it now.
	if d.Persistency != Persistent {
		log.Printf("removing %s replication slot %q left behind by a crash", d.Persistency, d.Name)
		if err := r.OS.RemoveAll(r.SlotDir(name)); err != nil {
			return fmt.Errorf("remove crashed slot dir: %w", err)
		}
		return fsyncPath(r.OS, r.path)
	}

	if r.WAL.Level() < WALLevelReplica {
		return fmt.Errorf("%w: replication slot %q exists but wal level is %s", ErrPrecondition, d.Name, r.WAL.Level())
	}
	if d.Kind == KindLogical && r.WAL.Level() < WALLevelLogical {
		return fmt.Errorf("%w: logical replication slot %q exists but wal level is %s", ErrPrecondition, d.Name, r.WAL.Level())
	}

	s := r.findFreeSlot()
	if s == nil {
		return fmt.Errorf("%w: all replication slots are in use, increase max slots", ErrPrecondition)
	}

	s.mu.Lock()
	s.data = d
	s.effectiveXmin = d.Xmin
	s.effectiveCatalogXmin = d.CatalogXmin
	s.activePID = 0
	s.dirty = false
	s.justDirtied = false
	s.lastSavedConfirmedFlush = d.ConfirmedFlush
	s.inactiveSince = r.Now()
	s.mu.Unlock()

	r.ctrlMu.Lock()
	s.mu.Lock()
	s.inUse = true
	s.mu.Unlock()
	r.ctrlMu.Unlock()

	log.Printf("restored %s replication slot %q restart_lsn=%s", d.Kind, d.Name, d.RestartLSN)
	return nil
}

// findFreeSlot returns an unoccupied array entry. Caller must hold allocMu
// or otherwise serialize entry selection.
func (r *Registry) findFreeSlot() *Slot {
	r.ctrlMu.RLock()
	defer r.ctrlMu.RUnlock()
	for _, s := range r.slots {
		s.mu.Lock()
		free := !s.inUse
		s.mu.Unlock()
		if free {
			return s
		}
	}
	return nil
}

// FindSlot returns the in-use slot with the given name, or nil.
func (r *Registry) FindSlot(name string) *Slot {
	r.ctrlMu.RLock()
	defer r.ctrlMu.RUnlock()
	return r.findSlotLocked(name)
}

func (r *Registry) findSlotLocked(name string) *Slot {
	for _, s := range r.slots {
		s.mu.Lock()
		match := s.inUse && s.data.Name == name
		s.mu.Unlock()
		if match {
			return s
		}
	}
	return nil
}

// Slots returns a snapshot of all in-use slots.
func (r *Registry) Slots() []*Slot {
	r.ctrlMu.RLock()
	defer r.ctrlMu.RUnlock()

	a := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		s.mu.Lock()
		inUse := s.inUse
		s.mu.Unlock()
		if inUse {
			a = append(a, s)
		}
	}
	return a
}

// CreateOptions describe a new slot.
type CreateOptions struct {
	Name        string
	Kind        SlotKind
	Persistency Persistency
	DatabaseID  uint32
	Plugin      string
	TwoPhase    bool
	Failover    bool

	// Synced marks the slot as a shadow of a remote failover slot. Only the
	// synchronizer sets this; it relaxes the failover-on-standby checks.
	Synced bool

	// Owner identifies the creating session; the slot is created acquired.
	Owner int32
}

// Create allocates a new slot, writes its on-disk state, and returns it
// acquired by opts.Owner.
func (r *Registry) Create(opts CreateOptions) (*Slot, error) {
	if err := ValidateSlotName(opts.Name); err != nil {
		return nil, err
	}
	if opts.Plugin != "" && len(opts.Plugin) >= MaxNameLen {
		return nil, fmt.Errorf("%w: plugin name too long", ErrPrecondition)
	}
	if opts.Owner == 0 {
		return nil, fmt.Errorf("%w: slot owner required", ErrPrecondition)
	}

	if r.WAL.Level() < WALLevelReplica {
		return nil, fmt.Errorf("%w: replication slots require wal level replica or logical", ErrPrecondition)
	}
	switch opts.Kind {
	case KindPhysical:
		if opts.DatabaseID != 0 {
			return nil, fmt.Errorf("%w: physical slots are not database specific", ErrPrecondition)
		}
		if opts.TwoPhase {
			return nil, fmt.Errorf("%w: two-phase decoding requires a logical slot", ErrPrecondition)
		}
		if opts.Failover {
			return nil, fmt.Errorf("%w: physical slots cannot be failover slots", ErrPrecondition)
		}
	case KindLogical:
		if opts.DatabaseID == 0 {
			return nil, fmt.Errorf("%w: logical slots are database specific", ErrPrecondition)
		}
		if opts.Plugin == "" {
			return nil, fmt.Errorf("%w: logical slots require an output plugin", ErrPrecondition)
		}
		if r.WAL.Level() < WALLevelLogical {
			return nil, fmt.Errorf("%w: logical slots require wal level logical", ErrPrecondition)
		}
	default:
		return nil, fmt.Errorf("%w: invalid slot kind", ErrPrecondition)
	}

	if opts.TwoPhase && !opts.Synced && opts.Persistency == Temporary {
		return nil, fmt.Errorf("%w: temporary slots cannot use two-phase decoding", ErrPrecondition)
	}
	if opts.Failover && !opts.Synced {
		if opts.Persistency == Temporary {
			return nil, fmt.Errorf("%w: temporary slots cannot be failover slots", ErrPrecondition)
		}
		if r.WAL.InRecovery() {
			return nil, fmt.Errorf("%w: failover slots cannot be created on a standby", ErrPrecondition)
		}
	}

	r.allocMu.Lock()
	defer r.allocMu.Unlock()

	if s := r.FindSlot(opts.Name); s != nil {
		return nil, fmt.Errorf("%w: %q", ErrSlotExists, opts.Name)
	}

	s := r.findFreeSlot()
	if s == nil {
		return nil, fmt.Errorf("%w: all replication slots are in use, increase max slots", ErrPrecondition)
	}

	s.mu.Lock()
	s.data = SlotData{
		Name:        opts.Name,
		Kind:        opts.Kind,
		Persistency: opts.Persistency,
		DatabaseID:  opts.DatabaseID,
		Plugin:      opts.Plugin,
		TwoPhase:    opts.TwoPhase,
		Failover:    opts.Failover,
		Synced:      opts.Synced,
	}
	s.effectiveXmin = InvalidXID
	s.effectiveCatalogXmin = InvalidXID
	s.candidateCatalogXmin = InvalidXID
	s.candidateXminLSN = 0
	s.candidateRestartValid = 0
	s.candidateRestartLSN = 0
	s.dirty = false
	s.justDirtied = false
	s.lastSavedConfirmedFlush = 0
	s.inactiveSince = time.Time{}
	s.mu.Unlock()

	if err := r.createSlotOnDisk(s); err != nil {
		return nil, err
	}

	r.ctrlMu.Lock()
	s.mu.Lock()
	s.inUse = true
	s.activePID = opts.Owner
	s.mu.Unlock()
	r.ctrlMu.Unlock()

	slotCreateCountMetric.Inc()
	return s, nil
}

func (r *Registry) createSlotOnDisk(s *Slot) error {
	dir := r.SlotDir(s.Name())

	// A previous failed create or drop may have left the directory behind.
	if err := r.OS.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove old slot dir: %w", err)
	}
	if err := r.OS.Mkdir(dir, 0o700); err != nil {
		return fmt.Errorf("create slot dir: %w", err)
	}
	if err := fsyncPath(r.OS, r.path); err != nil {
		return fmt.Errorf("fsync slots dir: %w", err)
	}

	s.MarkDirty()
	return r.SaveSlot(s)
}

// AcquireOptions control slot acquisition.
type AcquireOptions struct {
	// Owner identifies the acquiring session.
	Owner int32

	// NoWait returns ErrSlotInUse instead of waiting for the holder.
	NoWait bool

	// ErrorIfInvalid rejects acquisition of an invalidated slot.
	ErrorIfInvalid bool

	// ForSync marks an acquisition by the slot synchronizer, which is the
	// only caller allowed to acquire a synced slot while in recovery.
	ForSync bool
}

// Acquire takes ownership of the named slot, waiting for the current holder
// to release it unless opts.NoWait is set.
func (r *Registry) Acquire(name string, opts AcquireOptions) (*Slot, error) {
	if opts.Owner == 0 {
		return nil, fmt.Errorf("%w: slot owner required", ErrPrecondition)
	}

	for {
		s := r.FindSlot(name)
		if s == nil {
			return nil, fmt.Errorf("%w: %q", ErrSlotNotFound, name)
		}

		s.mu.Lock()
		if !s.inUse || s.data.Name != name {
			// Dropped between lookup and lock; retry.
			s.mu.Unlock()
			continue
		}

		if s.data.Synced && !opts.ForSync && r.WAL.InRecovery() {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: slot %q is being synced from the primary", ErrPrecondition, name)
		}

		if s.activePID != 0 && s.activePID != opts.Owner {
			if opts.NoWait {
				pid := s.activePID
				s.mu.Unlock()
				return nil, fmt.Errorf("%w: %q held by pid %d", ErrSlotInUse, name, pid)
			}
			s.cond.Wait()
			s.mu.Unlock()
			continue
		}

		s.activePID = opts.Owner
		s.inactiveSince = time.Time{}
		invalidated := s.data.Invalidated
		s.mu.Unlock()

		if opts.ErrorIfInvalid && invalidated != NotInvalidated {
			r.Release(s, opts.Owner)
			return nil, fmt.Errorf("%w: %q (%s)", ErrSlotInvalidated, name, invalidated)
		}
		return s, nil
	}
}

// Release gives up ownership of an acquired slot. Ephemeral slots are
// dropped instead of released.
func (r *Registry) Release(s *Slot, owner int32) error {
	s.mu.Lock()
	assert(s.inUse && s.activePID == owner, "releasing a slot not held by caller")

	if s.data.Persistency == Ephemeral {
		s.mu.Unlock()
		return r.dropAcquired(s)
	}

	// Clear a provisional xmin: one advertised in memory but never persisted.
	recomputeXmin := false
	if s.effectiveXmin.IsValid() && !s.data.Xmin.IsValid() {
		s.effectiveXmin = InvalidXID
		recomputeXmin = true
	}

	s.inactiveSince = r.Now()
	s.activePID = 0
	s.cond.Broadcast()
	s.mu.Unlock()

	if recomputeXmin {
		r.recomputeRequiredXmin()
	}
	return nil
}

// DropOptions control slot removal.
type DropOptions struct {
	Owner  int32
	NoWait bool

	// ForSync marks a drop by the slot synchronizer, which is the only
	// caller allowed to drop a synced slot while in recovery.
	ForSync bool
}

// Drop acquires the named slot and removes it.
func (r *Registry) Drop(name string, opts DropOptions) error {
	s, err := r.Acquire(name, AcquireOptions{Owner: opts.Owner, NoWait: opts.NoWait, ForSync: opts.ForSync})
	if err != nil {
		return err
	}

	if !opts.ForSync && r.WAL.InRecovery() && s.IsSynced() {
		if err := r.Release(s, opts.Owner); err != nil {
			return err
		}
		return fmt.Errorf("%w: cannot drop synced slot %q while in recovery", ErrPrecondition, name)
	}
	return r.dropAcquired(s)
}

// dropAcquired removes an acquired slot. The directory is renamed aside
// before the entry is freed so that a crash mid-drop leaves only a stale
// temporary directory for startup to clean up.
func (r *Registry) dropAcquired(s *Slot) error {
	name := s.Name()
	dir := r.SlotDir(name)
	tmpDir := dir + ".tmp"

	r.allocMu.Lock()

	if err := r.OS.Rename(dir, tmpDir); err != nil {
		r.allocMu.Unlock()
		return fmt.Errorf("rename slot dir: %w", err)
	}
	if err := fsyncPath(r.OS, r.path); err != nil {
		r.allocMu.Unlock()
		return fmt.Errorf("fsync slots dir: %w", err)
	}

	r.ctrlMu.Lock()
	s.mu.Lock()
	s.inUse = false
	s.activePID = 0
	s.effectiveXmin = InvalidXID
	s.effectiveCatalogXmin = InvalidXID
	s.cond.Broadcast()
	s.mu.Unlock()
	r.ctrlMu.Unlock()

	r.allocMu.Unlock()

	r.recomputeRequiredXmin()
	r.recomputeRequiredLSN()

	slotDropCountMetric.Inc()
	slotRestartLSNMetricVec.DeleteLabelValues(name)
	slotConfirmedFlushMetricVec.DeleteLabelValues(name)

	// Best effort; startup removes stale temporary directories anyway.
	if err := r.OS.RemoveAll(tmpDir); err != nil {
		log.Printf("cannot remove dropped slot directory %q: %s", tmpDir, err)
	}
	return nil
}

// CleanupOwnedBy drops temporary slots owned by pid and releases any other
// slot it still holds. Called when a session exits.
func (r *Registry) CleanupOwnedBy(pid int32) {
	for {
		var victim *Slot

		r.ctrlMu.RLock()
		for _, s := range r.slots {
			s.mu.Lock()
			held := s.inUse && s.activePID == pid
			s.mu.Unlock()
			if held {
				victim = s
				break
			}
		}
		r.ctrlMu.RUnlock()

		if victim == nil {
			return
		}
		if victim.Persistency() == Temporary {
			if err := r.dropAcquired(victim); err != nil {
				log.Printf("cannot drop temporary slot %q: %s", victim.Name(), err)
				return
			}
			continue
		}
		if err := r.Release(victim, pid); err != nil {
			log.Printf("cannot release slot %q: %s", victim.Name(), err)
			return
		}
	}
}

// SaveSlot writes the slot's persistent state to disk if it is dirty. The
// slot mutex is held only for the struct copy; the I/O lock serializes
// concurrent writers of the same file.
func (r *Registry) SaveSlot(s *Slot) error {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	if !s.dirty && !s.justDirtied {
		s.mu.Unlock()
		return nil
	}
	d := s.data
	s.justDirtied = false
	s.mu.Unlock()

	if err := writeStateFile(r.OS, r.SlotDir(d.Name), d); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.justDirtied {
		s.dirty = false
	}
	s.lastSavedConfirmedFlush = d.ConfirmedFlush
	s.mu.Unlock()

	slotSaveCountMetric.Inc()
	return nil
}

// CheckpointSlots writes out every dirty in-use slot. At shutdown a logical
// slot whose confirmed flush advanced past the last saved value is saved
// even if clean, so the on-disk position never retreats across a clean
// restart.
func (r *Registry) CheckpointSlots(shutdown bool) error {
	r.allocMu.RLock()
	defer r.allocMu.RUnlock()

	for _, s := range r.Slots() {
		if shutdown {
			s.mu.Lock()
			if s.data.Kind == KindLogical && s.data.ConfirmedFlush > s.lastSavedConfirmedFlush {
				s.markDirtyLocked()
			}
			s.mu.Unlock()
		}
		if err := r.SaveSlot(s); err != nil {
			return fmt.Errorf("save slot %q: %w", s.Name(), err)
		}
	}
	return nil
}

// RequiredXmin returns the oldest data horizon required by any slot.
func (r *Registry) RequiredXmin() XID {
	r.horizonMu.Lock()
	defer r.horizonMu.Unlock()
	return r.horizons.Xmin
}

// RequiredCatalogXmin returns the oldest catalog horizon required by any slot.
func (r *Registry) RequiredCatalogXmin() XID {
	r.horizonMu.Lock()
	defer r.horizonMu.Unlock()
	return r.horizons.CatalogXmin
}

// RequiredLSN returns the oldest WAL position required by any slot.
// Zero means no slot constrains WAL retention.
func (r *Registry) RequiredLSN() LSN {
	r.horizonMu.Lock()
	defer r.horizonMu.Unlock()
	return r.horizons.RestartLSN
}

// LogicalRestartLSN returns the oldest WAL position required by logical
// slots only.
func (r *Registry) LogicalRestartLSN() LSN {
	r.horizonMu.Lock()
	defer r.horizonMu.Unlock()
	return r.horizons.LogicalRestartLSN
}

// recomputeRequiredXmin recalculates and publishes the xmin horizons from
// the effective values of all non-invalidated slots.
func (r *Registry) recomputeRequiredXmin() {
	var xmin, catalogXmin XID

	r.ctrlMu.RLock()
	for _, s := range r.slots {
		s.mu.Lock()
		if s.inUse && s.data.Invalidated == NotInvalidated {
			xmin = oldestXID(xmin, s.effectiveXmin)
			catalogXmin = oldestXID(catalogXmin, s.effectiveCatalogXmin)
		}
		s.mu.Unlock()
	}
	r.ctrlMu.RUnlock()

	r.horizonMu.Lock()
	r.horizons.Xmin = xmin
	r.horizons.CatalogXmin = catalogXmin
	r.horizonMu.Unlock()
}

// recomputeRequiredLSN recalculates and publishes the WAL retention horizons
// from the restart positions of all non-invalidated slots.
func (r *Registry) recomputeRequiredLSN() {
	var restart, logicalRestart LSN

	r.ctrlMu.RLock()
	for _, s := range r.slots {
		s.mu.Lock()
		if s.inUse && s.data.Invalidated == NotInvalidated {
			restart = oldestLSN(restart, s.data.RestartLSN)
			if s.data.Kind == KindLogical {
				logicalRestart = oldestLSN(logicalRestart, s.data.RestartLSN)
			}
		}
		s.mu.Unlock()
	}
	r.ctrlMu.RUnlock()

	r.horizonMu.Lock()
	r.horizons.RestartLSN = restart
	r.horizons.LogicalRestartLSN = logicalRestart
	r.horizonMu.Unlock()

	requiredLSNMetric.Set(float64(restart))
}

// InvalidateObsolete invalidates every slot to which cause applies.
//
// WALRemoved applies when the slot's restart position precedes oldestLSN.
// Horizon applies to logical slots of dbID (or all databases when dbID is
// SharedDatabaseID) whose effective horizons do not exceed horizon.
// WALLevel applies to every logical slot. Invalidation is one-way; a slot
// already invalidated keeps its first cause.
//
// A slot held by another session cannot be invalidated in place: the holder
// is asked to terminate (once per distinct pid) and the invalidation retries
// once the slot is released. Returns true if any slot was invalidated.
func (r *Registry) InvalidateObsolete(cause InvalidatedReason, oldestLSN LSN, dbID uint32, horizon XID) (bool, error) {
	assert(cause != NotInvalidated, "invalidation requires a cause")
	if cause == InvalidatedHorizon && !horizon.IsValid() {
		return false, fmt.Errorf("%w: horizon invalidation requires a valid xid", ErrPrecondition)
	}

	invalidated := false
	signalled := make(map[int32]bool)

	for _, s := range r.Slots() {
		if ok, err := r.invalidateSlot(s, cause, oldestLSN, dbID, horizon, signalled); err != nil {
			return invalidated, err
		} else if ok {
			invalidated = true
		}
	}

	if invalidated {
		r.recomputeRequiredXmin()
		r.recomputeRequiredLSN()
	}
	return invalidated, nil
}

func (r *Registry) invalidateSlot(s *Slot, cause InvalidatedReason, oldestLSN LSN, dbID uint32, horizon XID, signalled map[int32]bool) (bool, error) {
	for {
		s.mu.Lock()
		if !s.inUse || s.data.Invalidated != NotInvalidated {
			s.mu.Unlock()
			return false, nil
		}

		applies := false
		switch cause {
		case InvalidatedWALRemoved:
			applies = s.data.RestartLSN != 0 && s.data.RestartLSN < oldestLSN
		case InvalidatedHorizon:
			if s.data.Kind == KindLogical && (dbID == SharedDatabaseID || s.data.DatabaseID == dbID) {
				if s.effectiveXmin.IsValid() && s.effectiveXmin.PrecedesOrEquals(horizon) {
					applies = true
				}
				if s.effectiveCatalogXmin.IsValid() && s.effectiveCatalogXmin.PrecedesOrEquals(horizon) {
					applies = true
				}
			}
		case InvalidatedWALLevel:
			applies = s.data.Kind == KindLogical
		case InvalidatedIdleTimeout:
			applies = s.activePID == 0 && !s.inactiveSince.IsZero()
		}
		if !applies {
			s.mu.Unlock()
			return false, nil
		}

		if s.activePID != 0 {
			// Ask the holder to exit, then wait for the release broadcast
			// and re-evaluate from the start.
			pid := s.activePID
			if !signalled[pid] {
				signalled[pid] = true
				s.mu.Unlock()
				log.Printf("terminating process %d to release replication slot %q", pid, s.Name())
				if r.TerminateFunc != nil {
					r.TerminateFunc(pid)
				}
				s.mu.Lock()
				if s.activePID != pid {
					s.mu.Unlock()
					continue
				}
			}
			s.cond.Wait()
			s.mu.Unlock()
			continue
		}

		name := s.data.Name
		restartLSN := s.data.RestartLSN
		s.data.Invalidated = cause
		if cause == InvalidatedWALRemoved {
			s.data.RestartLSN = 0
		}
		s.effectiveXmin = InvalidXID
		s.effectiveCatalogXmin = InvalidXID
		s.markDirtyLocked()
		s.cond.Broadcast()
		s.mu.Unlock()

		log.Printf("invalidating replication slot %q (%s), restart_lsn was %s", name, cause, restartLSN)
		if err := r.SaveSlot(s); err != nil {
			return false, err
		}
		slotInvalidationCountMetricVec.WithLabelValues(cause.String()).Inc()
		return true, nil
	}
}

// walConfirmCh returns a channel closed the next time a physical slot's
// restart position advances.
func (r *Registry) walConfirmCh() <-chan struct{} {
	r.confirmMu.Lock()
	defer r.confirmMu.Unlock()
	return r.confirmCh
}

// notifyWALConfirm wakes logical senders waiting on standby confirmation.
func (r *Registry) notifyWALConfirm() {
	r.confirmMu.Lock()
	defer r.confirmMu.Unlock()
	close(r.confirmCh)
	r.confirmCh = make(chan struct{})
}

// Registry metrics.
var (
	slotCreateCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_slot_creates_total",
		Help: "Number of replication slots created.",
	})

	slotDropCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_slot_drops_total",
		Help: "Number of replication slots dropped.",
	})

	slotSaveCountMetric = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pgslot_slot_saves_total",
		Help: "Number of slot state file writes.",
	})

	slotInvalidationCountMetricVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pgslot_slot_invalidations_total",
		Help: "Number of slot invalidations, by cause.",
	}, []string{"cause"})

	requiredLSNMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pgslot_required_lsn",
		Help: "Oldest WAL position required by any slot.",
	})

	slotRestartLSNMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgslot_slot_restart_lsn",
		Help: "Restart position per slot.",
	}, []string{"name"})

	slotConfirmedFlushMetricVec = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgslot_slot_confirmed_flush_lsn",
		Help: "Confirmed flush position per slot.",
	}, []string{"name"})
)
