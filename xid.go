package pgslot

// XID is a transaction identifier. The space is 32 bits and wraps around, so
// ordering comparisons must use modular arithmetic. Zero is the invalid xid.
type XID uint32

// InvalidXID is the unset transaction id.
const InvalidXID = XID(0)

// FirstNormalXID is the first xid assigned to ordinary transactions.
// Lower values are reserved.
const FirstNormalXID = XID(3)

// IsValid returns true if the xid is set.
func (x XID) IsValid() bool { return x != InvalidXID }

// Precedes returns true if x is logically older than y, accounting for
// wraparound. Both xids must be valid.
func (x XID) Precedes(y XID) bool {
	assert(x.IsValid() && y.IsValid(), "comparing invalid xid")
	return int32(uint32(x)-uint32(y)) < 0
}

// PrecedesOrEquals returns true if x is no newer than y.
func (x XID) PrecedesOrEquals(y XID) bool {
	assert(x.IsValid() && y.IsValid(), "comparing invalid xid")
	return int32(uint32(x)-uint32(y)) <= 0
}

// Follows returns true if x is logically newer than y.
func (x XID) Follows(y XID) bool { return y.Precedes(x) }

// oldestXID returns the older of two xids, treating the invalid xid as
// "no constraint".
func oldestXID(a, b XID) XID {
	if !a.IsValid() {
		return b
	}
	if !b.IsValid() {
		return a
	}
	if b.Precedes(a) {
		return b
	}
	return a
}

// oldestLSN returns the smaller of two positions, treating zero as
// "no constraint".
func oldestLSN(a, b LSN) LSN {
	if a == 0 {
		return b
	}
	if b == 0 {
		return a
	}
	if b < a {
		return b
	}
	return a
}
