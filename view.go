package pgslot

import "time"

// SlotView is a read-only snapshot of one slot, shaped like a row of the
// pg_replication_slots view. LSNs are rendered in the usual X/X form.
type SlotView struct {
	Name               string     `json:"slot_name"`
	Plugin             string     `json:"plugin,omitempty"`
	Type               string     `json:"slot_type"`
	DatabaseID         uint32     `json:"datoid,omitempty"`
	Temporary          bool       `json:"temporary"`
	Active             bool       `json:"active"`
	ActivePID          int32      `json:"active_pid,omitempty"`
	Xmin               XID        `json:"xmin,omitempty"`
	CatalogXmin        XID        `json:"catalog_xmin,omitempty"`
	RestartLSN         string     `json:"restart_lsn,omitempty"`
	ConfirmedFlushLSN  string     `json:"confirmed_flush_lsn,omitempty"`
	WALStatus          WALStatus  `json:"wal_status,omitempty"`
	SafeWALSize        *int64     `json:"safe_wal_size,omitempty"`
	TwoPhase           bool       `json:"two_phase"`
	TwoPhaseAt         string     `json:"two_phase_at,omitempty"`
	InactiveSince      *time.Time `json:"inactive_since,omitempty"`
	Conflicting        bool       `json:"conflicting"`
	InvalidationReason string     `json:"invalidation_reason,omitempty"`
	Failover           bool       `json:"failover"`
	Synced             bool       `json:"synced"`
}

// View returns a snapshot row for every in-use slot.
func (r *Registry) View() []SlotView {
	slots := r.Slots()
	views := make([]SlotView, 0, len(slots))
	for _, s := range slots {
		views = append(views, r.viewSlot(s))
	}
	return views
}

func (r *Registry) viewSlot(s *Slot) SlotView {
	s.mu.Lock()
	d := s.data
	activePID := s.activePID
	xmin := s.effectiveXmin
	catalogXmin := s.effectiveCatalogXmin
	inactiveSince := s.inactiveSince
	s.mu.Unlock()

	v := SlotView{
		Name:       d.Name,
		Plugin:     d.Plugin,
		Type:       d.Kind.String(),
		DatabaseID: d.DatabaseID,
		Temporary:  d.Persistency == Temporary,
		Active:     activePID != 0,
		ActivePID:  activePID,
		TwoPhase:   d.TwoPhase,
		Failover:   d.Failover,
		Synced:     d.Synced,
	}
	if d.DatabaseID == SharedDatabaseID {
		v.DatabaseID = 0
	}
	if xmin.IsValid() {
		v.Xmin = xmin
	}
	if catalogXmin.IsValid() {
		v.CatalogXmin = catalogXmin
	}
	if d.RestartLSN != 0 {
		v.RestartLSN = d.RestartLSN.String()
	}
	if d.Kind == KindLogical && d.ConfirmedFlush != 0 {
		v.ConfirmedFlushLSN = d.ConfirmedFlush.String()
	}
	if d.TwoPhase && d.TwoPhaseAt != 0 {
		v.TwoPhaseAt = d.TwoPhaseAt.String()
	}
	if !inactiveSince.IsZero() {
		t := inactiveSince
		v.InactiveSince = &t
	}
	if d.Invalidated != NotInvalidated {
		v.InvalidationReason = d.Invalidated.String()
		// A logical slot invalidated by horizon advance or a wal level drop
		// conflicted with recovery; wal removal and idle timeout did not.
		v.Conflicting = d.Kind == KindLogical &&
			(d.Invalidated == InvalidatedHorizon || d.Invalidated == InvalidatedWALLevel)
	}

	v.WALStatus, v.SafeWALSize = r.walAvailability(d.RestartLSN, d.Invalidated)
	return v
}

// walAvailability classifies how safe a slot's reserved WAL is and, when a
// retention bound is configured, how many more bytes can be written before
// the slot is in danger of losing WAL.
func (r *Registry) walAvailability(restart LSN, invalidated InvalidatedReason) (WALStatus, *int64) {
	if invalidated == InvalidatedWALRemoved {
		return WALStatusLost, nil
	}
	if restart == 0 {
		return "", nil
	}

	segSize := r.WAL.SegmentSize()
	insert := r.WAL.InsertLSN()

	if seg := SegmentForLSN(restart, segSize); seg < r.WAL.OldestSegment() {
		return WALStatusLost, nil
	}

	var held int64
	if insert > restart {
		held = int64(insert - restart)
	}

	status := WALStatusReserved
	if r.MaxWALSizeMB >= 0 && held > r.MaxWALSizeMB*1024*1024 {
		status = WALStatusExtended
	}

	if r.MaxSlotWALKeepSizeMB < 0 {
		return status, nil
	}

	keep := r.MaxSlotWALKeepSizeMB * 1024 * 1024
	if held > keep {
		return WALStatusUnreserved, nil
	}
	safe := keep - held
	return status, &safe
}
