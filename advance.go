package pgslot

import (
	"context"
	"fmt"
)

// maxReserveRetries bounds the reserve loop. Publishing the required LSN is
// expected to stop further WAL removal after the first pass, so hitting the
// bound means retention is broken.
const maxReserveRetries = 10

// ReserveWAL picks a starting position for an acquired slot that has no
// restart position yet. The candidate depends on kind and role: physical
// slots start at the redo pointer, logical slots at the insert position on a
// primary or the replay position on a standby. The position is published
// before it is verified so that concurrent WAL removal cannot invalidate it
// unnoticed.
func (r *Registry) ReserveWAL(s *Slot) error {
	if s.RestartLSN() != 0 {
		return nil
	}

	logical := s.IsLogical()
	for retry := 0; retry < maxReserveRetries; retry++ {
		var candidate LSN
		switch {
		case !logical:
			candidate = r.WAL.RedoLSN()
			if candidate == 0 {
				candidate = r.WAL.InsertLSN()
			}
		case r.WAL.InRecovery():
			candidate = r.WAL.ReplayLSN()
		default:
			candidate = r.WAL.InsertLSN()
		}

		s.mu.Lock()
		s.data.RestartLSN = candidate
		s.markDirtyLocked()
		s.mu.Unlock()
		r.recomputeRequiredLSN()

		// If the containing segment was already removed, the position is
		// unusable; retry now that the required LSN is published.
		seg := SegmentForLSN(candidate, r.WAL.SegmentSize())
		if removed := r.WAL.LastRemovedSegment(); removed != 0 && removed >= seg {
			continue
		}

		// A fresh logical slot on a primary needs a running-transactions
		// record in the WAL as a restart anchor for the decoder.
		if logical && !r.WAL.InRecovery() {
			if _, err := r.WAL.RequestRunningXacts(); err != nil {
				return fmt.Errorf("request running xacts: %w", err)
			}
		}
		return nil
	}
	return ErrInsufficientWAL
}

// ReserveWALAt pins an acquired slot to a known-good starting position,
// falling back to the oldest segment still on disk if target has already
// been removed. Used by the synchronizer, which must not start ahead of the
// remote slot's restart position.
func (r *Registry) ReserveWALAt(s *Slot, target LSN) error {
	for retry := 0; retry < maxReserveRetries; retry++ {
		s.mu.Lock()
		s.data.RestartLSN = target
		s.markDirtyLocked()
		s.mu.Unlock()
		r.recomputeRequiredLSN()

		seg := SegmentForLSN(target, r.WAL.SegmentSize())
		if seg >= r.WAL.OldestSegment() {
			return nil
		}
		target = SegmentStart(r.WAL.OldestSegment(), r.WAL.SegmentSize())
	}
	return ErrInsufficientWAL
}

// Advance moves an acquired slot forward to target, clamped to the locally
// durable WAL position. Physical slots move their restart position directly;
// logical slots are driven forward through the decoder so that catalog
// horizons advance safely. Returns the resulting position.
func (r *Registry) Advance(ctx context.Context, s *Slot, target LSN) (LSN, error) {
	if target == 0 {
		return 0, fmt.Errorf("%w: invalid target position", ErrPrecondition)
	}

	var ceiling LSN
	if r.WAL.InRecovery() {
		ceiling = r.WAL.ReplayLSN()
	} else {
		ceiling = r.WAL.FlushLSN()
	}
	if target > ceiling {
		target = ceiling
	}

	s.mu.Lock()
	if s.data.RestartLSN == 0 {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: slot %q", ErrNotReserved, s.data.Name)
	}

	minLSN := s.data.RestartLSN
	if s.data.Kind == KindLogical {
		minLSN = s.data.ConfirmedFlush
	}
	if target < minLSN {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: target %s precedes %s", ErrWouldGoBackwards, target, minLSN)
	}

	if s.data.Kind == KindPhysical {
		name := s.data.Name
		if target > s.data.RestartLSN {
			s.data.RestartLSN = target
			s.markDirtyLocked()
		}
		s.mu.Unlock()

		r.recomputeRequiredLSN()
		slotRestartLSNMetricVec.WithLabelValues(name).Set(float64(target))

		// Wake logical senders gated on standby confirmation.
		r.notifyWALConfirm()
		return target, nil
	}
	s.mu.Unlock()

	return r.advanceLogical(ctx, s, target)
}

func (r *Registry) advanceLogical(ctx context.Context, s *Slot, target LSN) (LSN, error) {
	if r.Decoder != nil {
		flushed, err := r.Decoder.AdvanceTo(ctx, s, target)
		if err != nil {
			return 0, fmt.Errorf("advance decoder: %w", err)
		}
		r.recomputeRequiredXmin()
		r.recomputeRequiredLSN()
		slotConfirmedFlushMetricVec.WithLabelValues(s.Name()).Set(float64(flushed))
		return flushed, nil
	}

	// Without decoding machinery the confirmation is recorded directly.
	s.ConfirmFlush(target)
	r.recomputeRequiredXmin()
	r.recomputeRequiredLSN()
	slotConfirmedFlushMetricVec.WithLabelValues(s.Name()).Set(float64(target))
	return s.ConfirmedFlush(), nil
}
