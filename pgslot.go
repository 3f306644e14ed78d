package pgslot

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/jackc/pglogrepl"
)

// Slot errors.
var (
	ErrSlotExists      = fmt.Errorf("replication slot already exists")
	ErrSlotNotFound    = fmt.Errorf("replication slot not found")
	ErrSlotInUse       = fmt.Errorf("replication slot is active")
	ErrSlotInvalidated = fmt.Errorf("replication slot has been invalidated")

	ErrNotReserved      = errors.New("slot has no reserved wal position")
	ErrWouldGoBackwards = errors.New("cannot move slot backwards")
	ErrInsufficientWAL  = errors.New("wal removed before slot position could be reserved")

	ErrPrecondition = errors.New("precondition failed")
	ErrCorruptState = errors.New("corrupt slot state file")

	ErrRemoteUnsupported  = errors.New("cannot synchronize from a standby")
	ErrMissingPrimarySlot = errors.New("primary slot does not exist on remote")

	ErrNotInRecovery  = errors.New("node is not in recovery")
	ErrSyncInProgress = errors.New("slot synchronization already in progress")

	ErrNoPrimary     = errors.New("no primary")
	ErrPrimaryExists = errors.New("primary exists")
	ErrLeaseExpired  = errors.New("lease expired")
)

// LSN is a byte position in the WAL stream. Zero is the invalid position.
type LSN = pglogrepl.LSN

// MaxNameLen is the maximum length of a slot name or plugin name,
// including the C-style terminator byte kept for catalog compatibility.
const MaxNameLen = 64

var slotNameRegexp = regexp.MustCompile(`^[a-z0-9_]+$`)

// ValidateSlotName verifies that name is a usable slot identifier.
func ValidateSlotName(name string) error {
	if len(name) == 0 || len(name) >= MaxNameLen {
		return fmt.Errorf("%w: slot name must be 1..%d characters", ErrPrecondition, MaxNameLen-1)
	}
	if !slotNameRegexp.MatchString(name) {
		return fmt.Errorf("%w: slot name %q may only contain lower case letters, numbers, and underscores", ErrPrecondition, name)
	}
	return nil
}

// SlotKind distinguishes physical byte-stream consumers from logical decoders.
type SlotKind int

const (
	KindPhysical = SlotKind(iota)
	KindLogical
)

func (k SlotKind) String() string {
	switch k {
	case KindPhysical:
		return "physical"
	case KindLogical:
		return "logical"
	default:
		return fmt.Sprintf("SlotKind(%d)", int(k))
	}
}

// Persistency describes the lifetime class of a slot.
type Persistency int

const (
	// Persistent slots survive restarts and must be dropped explicitly.
	Persistent = Persistency(iota)

	// Ephemeral slots are dropped on release or on restart.
	Ephemeral

	// Temporary slots are dropped at the end of the owning session.
	Temporary
)

func (p Persistency) String() string {
	switch p {
	case Persistent:
		return "persistent"
	case Ephemeral:
		return "ephemeral"
	case Temporary:
		return "temporary"
	default:
		return fmt.Sprintf("Persistency(%d)", int(p))
	}
}

// InvalidatedReason records why a slot lost its resources.
// The zero value means the slot is valid.
type InvalidatedReason int

const (
	NotInvalidated = InvalidatedReason(iota)

	// InvalidatedWALRemoved means required WAL has been removed.
	InvalidatedWALRemoved

	// InvalidatedHorizon means required row versions have been removed.
	InvalidatedHorizon

	// InvalidatedWALLevel means wal level is insufficient for logical decoding.
	InvalidatedWALLevel

	// InvalidatedIdleTimeout means the slot exceeded the allowed idle time.
	InvalidatedIdleTimeout
)

func (r InvalidatedReason) String() string {
	switch r {
	case NotInvalidated:
		return "none"
	case InvalidatedWALRemoved:
		return "wal_removed"
	case InvalidatedHorizon:
		return "rows_removed"
	case InvalidatedWALLevel:
		return "wal_level_insufficient"
	case InvalidatedIdleTimeout:
		return "idle_timeout"
	default:
		return fmt.Sprintf("InvalidatedReason(%d)", int(r))
	}
}

// WALLevel is the amount of information written to the WAL.
type WALLevel int

const (
	WALLevelMinimal = WALLevel(iota)
	WALLevelReplica
	WALLevelLogical
)

func (l WALLevel) String() string {
	switch l {
	case WALLevelMinimal:
		return "minimal"
	case WALLevelReplica:
		return "replica"
	case WALLevelLogical:
		return "logical"
	default:
		return fmt.Sprintf("WALLevel(%d)", int(l))
	}
}

// ParseWALLevel parses a wal level name as it appears in configuration.
func ParseWALLevel(s string) (WALLevel, error) {
	switch s {
	case "minimal":
		return WALLevelMinimal, nil
	case "replica":
		return WALLevelReplica, nil
	case "logical":
		return WALLevelLogical, nil
	default:
		return 0, fmt.Errorf("invalid wal level: %q", s)
	}
}

// WALStatus classifies how much of the WAL a slot still has available.
type WALStatus string

const (
	WALStatusReserved   = WALStatus("reserved")
	WALStatusExtended   = WALStatus("extended")
	WALStatusUnreserved = WALStatus("unreserved")
	WALStatusLost       = WALStatus("lost")
)

// SharedDatabaseID is the sentinel passed to invalidation to target slots of
// every database rather than a single one.
const SharedDatabaseID = uint32(0xFFFFFFFF)

// WAL exposes the positions and retention state of the local WAL facility.
// The WAL itself is owned elsewhere; the slot subsystem only observes it.
type WAL interface {
	// RedoLSN returns the start of the last checkpoint's redo span.
	RedoLSN() LSN

	// InsertLSN returns the current insert position. Primary only.
	InsertLSN() LSN

	// FlushLSN returns the position durably flushed to disk. Primary only.
	FlushLSN() LSN

	// ReplayLSN returns the position replayed during recovery. Standby only.
	ReplayLSN() LSN

	// ReceiveFlushLSN returns the position received and flushed by the WAL
	// receiver. Standby only.
	ReceiveFlushLSN() LSN

	// InRecovery returns true while the node is a standby.
	InRecovery() bool

	// Level returns the configured wal level.
	Level() WALLevel

	// SegmentSize returns the WAL segment size in bytes. Always a power of two.
	SegmentSize() uint64

	// LastRemovedSegment returns the highest segment number removed so far.
	// Zero means no segment has ever been removed.
	LastRemovedSegment() uint64

	// OldestSegment returns the oldest segment still on disk.
	OldestSegment() uint64

	// OldestSafeDecodingXID returns the oldest xid that logical decoding
	// may still need catalog rows for.
	OldestSafeDecodingXID() XID

	// RequestRunningXacts logs a running-transactions record and flushes it,
	// giving a new logical slot a restart anchor. Returns its position.
	RequestRunningXacts() (LSN, error)
}

// SegmentForLSN returns the segment number containing lsn given segSize.
func SegmentForLSN(lsn LSN, segSize uint64) uint64 {
	return uint64(lsn) / segSize
}

// SegmentStart returns the first LSN of segment seg.
func SegmentStart(seg uint64, segSize uint64) LSN {
	return LSN(seg * segSize)
}

// LogicalDecoder drives the logical decoding machinery for an acquired slot.
// Decoding itself (snapshot building, plugins) is out of scope; the slot
// subsystem only needs to move a decoder forward and query snapshot state.
type LogicalDecoder interface {
	// AdvanceTo decodes from the slot's restart position until the slot's
	// confirmed flush reaches target, updating candidate positions as it
	// goes. Returns the final confirmed flush position.
	AdvanceTo(ctx context.Context, slot *Slot, target LSN) (LSN, error)

	// SnapshotSerialized reports whether a logical decoding snapshot is
	// serialized on disk at lsn.
	SnapshotSerialized(lsn LSN) bool

	// ConsistentPointReachable reports whether decoding from the slot's
	// restart position can reach a consistent snapshot.
	ConsistentPointReachable(slot *Slot) bool
}

// SystemInfo describes the remote system as reported by IDENTIFY_SYSTEM.
type SystemInfo struct {
	SystemID string
	Timeline int32
	XLogPos  LSN
	DBName   string
}

// Column is a single result column from a remote query. Valid is false for NULL.
type Column struct {
	Valid bool
	Value string
}

// Row is a single result row from a remote query.
type Row []Column

// PrimaryClient is the capability used to talk to the primary node. The wire
// protocol behind it is out of scope; implementations may use any transport
// as long as Exec provides simple text-format query results.
type PrimaryClient interface {
	// Connect establishes the connection described by conninfo.
	Connect(ctx context.Context, conninfo string) error

	// IdentifySystem reports the identity of the connected system.
	IdentifySystem(ctx context.Context) (SystemInfo, error)

	// Exec runs a query and returns all rows in text format.
	Exec(ctx context.Context, sql string) ([]Row, error)

	// Close terminates the connection.
	Close() error
}

// RemoteSlot is the snapshot of a failover slot fetched from the primary.
// It is a plain value; it holds no reference back into any registry.
type RemoteSlot struct {
	Name           string
	Plugin         string
	Database       string
	ConfirmedFlush LSN
	RestartLSN     LSN
	CatalogXmin    XID
	TwoPhase       bool
	TwoPhaseAt     LSN
	Failover       bool
	Invalidated    InvalidatedReason
}

// StaticWAL is a settable WAL implementation for embedders that track
// positions themselves, and for tests. All methods are safe for concurrent use.
type StaticWAL struct {
	mu sync.Mutex

	redoLSN         LSN
	insertLSN       LSN
	flushLSN        LSN
	replayLSN       LSN
	receiveFlushLSN LSN

	inRecovery bool
	level      WALLevel

	segmentSize        uint64
	lastRemovedSegment uint64
	oldestSegment      uint64

	oldestSafeDecodingXID XID

	// RequestRunningXactsFunc, if set, overrides RequestRunningXacts.
	RequestRunningXactsFunc func() (LSN, error)
}

// DefaultSegmentSize is the WAL segment size assumed by StaticWAL. 16MB.
const DefaultSegmentSize = 16 * 1024 * 1024

// NewStaticWAL returns a StaticWAL with a replica-level primary state.
func NewStaticWAL() *StaticWAL {
	return &StaticWAL{
		level:       WALLevelReplica,
		segmentSize: DefaultSegmentSize,
	}
}

func (w *StaticWAL) RedoLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.redoLSN
}

func (w *StaticWAL) InsertLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertLSN
}

func (w *StaticWAL) FlushLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLSN
}

func (w *StaticWAL) ReplayLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.replayLSN
}

func (w *StaticWAL) ReceiveFlushLSN() LSN {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.receiveFlushLSN
}

func (w *StaticWAL) InRecovery() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inRecovery
}

func (w *StaticWAL) Level() WALLevel {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.level
}

func (w *StaticWAL) SegmentSize() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.segmentSize
}

func (w *StaticWAL) LastRemovedSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRemovedSegment
}

func (w *StaticWAL) OldestSegment() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.oldestSegment
}

func (w *StaticWAL) OldestSafeDecodingXID() XID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.oldestSafeDecodingXID
}

func (w *StaticWAL) RequestRunningXacts() (LSN, error) {
	if w.RequestRunningXactsFunc != nil {
		return w.RequestRunningXactsFunc()
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.insertLSN, nil
}

// SetRedoLSN sets the redo position.
func (w *StaticWAL) SetRedoLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.redoLSN = lsn
}

// SetInsertLSN sets the insert position. Flush follows insert unless set separately.
func (w *StaticWAL) SetInsertLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.insertLSN = lsn
	if w.flushLSN < lsn {
		w.flushLSN = lsn
	}
}

// SetFlushLSN sets the flushed position.
func (w *StaticWAL) SetFlushLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLSN = lsn
}

// SetReplayLSN sets the recovery replay position.
func (w *StaticWAL) SetReplayLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replayLSN = lsn
}

// SetReceiveFlushLSN sets the WAL receiver flush position.
func (w *StaticWAL) SetReceiveFlushLSN(lsn LSN) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.receiveFlushLSN = lsn
}

// SetInRecovery flips the recovery state. Promotion clears it.
func (w *StaticWAL) SetInRecovery(v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inRecovery = v
}

// SetLevel sets the wal level.
func (w *StaticWAL) SetLevel(level WALLevel) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.level = level
}

// SetSegmentSize sets the segment size. Must be a power of two.
func (w *StaticWAL) SetSegmentSize(size uint64) {
	assert(size > 0 && size&(size-1) == 0, "segment size must be a power of two")
	w.mu.Lock()
	defer w.mu.Unlock()
	w.segmentSize = size
}

// SetLastRemovedSegment records removal of all segments up to seg.
func (w *StaticWAL) SetLastRemovedSegment(seg uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRemovedSegment = seg
	if w.oldestSegment <= seg {
		w.oldestSegment = seg + 1
	}
}

// SetOldestSegment sets the oldest segment still on disk.
func (w *StaticWAL) SetOldestSegment(seg uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.oldestSegment = seg
}

// SetOldestSafeDecodingXID sets the oldest xid safe for logical decoding.
func (w *StaticWAL) SetOldestSafeDecodingXID(xid XID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.oldestSafeDecodingXID = xid
}

func assert(condition bool, msg string) {
	if !condition {
		panic("assertion failed: " + msg)
	}
}
