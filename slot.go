package pgslot

import (
	"sync"
	"time"
)

// SlotData holds the persistent fields of a replication slot. This is the
// exact set serialized to the slot's state file.
type SlotData struct {
	Name        string
	Kind        SlotKind
	Persistency Persistency

	// DatabaseID is set iff Kind is KindLogical.
	DatabaseID uint32

	// Plugin is the output plugin name. Logical slots only.
	Plugin string

	// Xmin is the oldest transaction that this slot needs the database to
	// retain. Physical streaming only.
	Xmin XID

	// CatalogXmin is the oldest transaction that this slot needs the
	// database to retain catalog rows for. Logical slots only.
	CatalogXmin XID

	// RestartLSN is the oldest WAL position the slot still requires.
	RestartLSN LSN

	// ConfirmedFlush is the highest position the consumer has acknowledged.
	// Logical slots only.
	ConfirmedFlush LSN

	// TwoPhase enables decoding of two-phase commits; TwoPhaseAt is the
	// position from which two-phase commits are decoded.
	TwoPhase   bool
	TwoPhaseAt LSN

	// Failover marks the slot for mirroring onto physical standbys.
	Failover bool

	// Synced marks a local shadow of a remote failover slot.
	Synced bool

	Invalidated InvalidatedReason
}

// Slot is a single entry of the registry's fixed-capacity array. A slot's
// persistent fields are mutated only by its current holder; tiny scalar
// updates are guarded by mu, state file writes by ioMu.
type Slot struct {
	mu   sync.Mutex
	cond *sync.Cond // signaled on release and on invalidation

	ioMu sync.Mutex // serializes state file writes; never nested inside mu

	data SlotData

	// In-memory only; none of the fields below are persisted.
	inUse     bool
	activePID int32

	// Effective horizons advertised to the rest of the system. They may lag
	// the persistent values while logical decoding starts up.
	effectiveXmin        XID
	effectiveCatalogXmin XID

	// Proposed advances computed by decoding, promoted to the persistent
	// fields once the consumer confirms flush past candidateRestartValid.
	candidateCatalogXmin  XID
	candidateXminLSN      LSN
	candidateRestartValid LSN
	candidateRestartLSN   LSN

	dirty       bool
	justDirtied bool

	lastSavedConfirmedFlush LSN

	// inactiveSince is the time the slot last became unacquired.
	// Zero while the slot is acquired.
	inactiveSince time.Time
}

func newSlot() *Slot {
	s := &Slot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Data returns a snapshot of the slot's persistent fields.
func (s *Slot) Data() SlotData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Name returns the slot name.
func (s *Slot) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Name
}

// Kind returns the slot kind.
func (s *Slot) Kind() SlotKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Kind
}

// IsLogical returns true for logical slots.
func (s *Slot) IsLogical() bool { return s.Kind() == KindLogical }

// Persistency returns the slot's lifetime class.
func (s *Slot) Persistency() Persistency {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Persistency
}

// RestartLSN returns the oldest WAL position the slot requires.
func (s *Slot) RestartLSN() LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.RestartLSN
}

// ConfirmedFlush returns the highest acknowledged position.
func (s *Slot) ConfirmedFlush() LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.ConfirmedFlush
}

// Invalidated returns the slot's invalidation cause, if any.
func (s *Slot) Invalidated() InvalidatedReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Invalidated
}

// IsSynced returns true if the slot is a shadow of a remote failover slot.
func (s *Slot) IsSynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Synced
}

// ActivePID returns the current holder, or zero if the slot is idle.
func (s *Slot) ActivePID() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activePID
}

// InactiveSince returns the time the slot last became unacquired.
// Returns the zero time while the slot is acquired.
func (s *Slot) InactiveSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inactiveSince
}

// EffectiveXmin returns the data horizon currently advertised by this slot.
func (s *Slot) EffectiveXmin() XID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveXmin
}

// EffectiveCatalogXmin returns the catalog horizon currently advertised.
func (s *Slot) EffectiveCatalogXmin() XID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.effectiveCatalogXmin
}

// MarkDirty flags the slot for the next checkpoint write-out.
func (s *Slot) MarkDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markDirtyLocked()
}

func (s *Slot) markDirtyLocked() {
	s.dirty = true
	s.justDirtied = true
}

// checkInvariants panics if the slot's core invariants do not hold.
// Call with mu held.
func (s *Slot) checkInvariantsLocked() {
	d := &s.data
	if d.ConfirmedFlush != 0 && d.TwoPhaseAt != 0 {
		assert(d.ConfirmedFlush >= d.TwoPhaseAt, "confirmed flush behind two-phase position")
	}
	if d.Kind == KindLogical && d.RestartLSN != 0 && d.ConfirmedFlush != 0 {
		assert(d.RestartLSN <= d.ConfirmedFlush, "restart lsn ahead of confirmed flush")
	}
	if d.Xmin.IsValid() && s.effectiveXmin.IsValid() {
		assert(s.effectiveXmin.PrecedesOrEquals(d.Xmin), "effective xmin ahead of xmin")
	}
	if d.CatalogXmin.IsValid() && s.effectiveCatalogXmin.IsValid() {
		assert(s.effectiveCatalogXmin.PrecedesOrEquals(d.CatalogXmin), "effective catalog xmin ahead of catalog xmin")
	}
}

// ConfirmFlush records that the consumer has flushed up to lsn and promotes
// any candidate positions that have become safe. This is the logical slot
// acknowledgement path; physical slots advance through Registry.Advance.
func (s *Slot) ConfirmFlush(lsn LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lsn <= s.data.ConfirmedFlush {
		return
	}
	s.data.ConfirmedFlush = lsn
	s.markDirtyLocked()

	// Candidates become effective once the consumer confirms past the
	// position they were computed at.
	if s.candidateRestartValid != 0 && lsn >= s.candidateRestartValid {
		s.data.RestartLSN = s.candidateRestartLSN
		s.candidateRestartValid = 0
		s.candidateRestartLSN = 0
	}
	if s.candidateXminLSN != 0 && lsn >= s.candidateXminLSN {
		s.data.CatalogXmin = s.candidateCatalogXmin
		s.effectiveCatalogXmin = s.candidateCatalogXmin
		s.candidateXminLSN = 0
		s.candidateCatalogXmin = InvalidXID
	}
	s.checkInvariantsLocked()
}

// ProposeRestartLSN installs a candidate restart position that becomes
// effective once the consumer confirms flush past validFrom.
func (s *Slot) ProposeRestartLSN(validFrom, restart LSN) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidateRestartValid != 0 && s.candidateRestartValid <= validFrom {
		return // newer candidate already pending
	}
	s.candidateRestartValid = validFrom
	s.candidateRestartLSN = restart
}

// ProposeCatalogXmin installs a candidate catalog horizon that becomes
// effective once the consumer confirms flush past validFrom.
func (s *Slot) ProposeCatalogXmin(validFrom LSN, xmin XID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.candidateXminLSN != 0 && s.candidateXminLSN <= validFrom {
		return
	}
	s.candidateXminLSN = validFrom
	s.candidateCatalogXmin = xmin
}
