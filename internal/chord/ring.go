// Package chord implements the distributed index that maps a key to the
// peer responsible for it. One ring exists per table. The protocol
// departs from stock Chord in that there is no periodic stabilization:
// notify is pushed eagerly on join and leave is multicast, under the
// assumption of no sporadic connectivity loss.
package chord

import (
	"crypto/md5"
	"encoding/binary"
)

// Key is a position on the ring. Valid keys lie in [0, 2^M).
type Key uint32

// Ring defines the keyspace [0, 2^M) and its circular arithmetic.
type Ring struct {
	m    int
	size uint64
}

// NewRing creates a keyspace with M finger bits (M in [1, 16]).
func NewRing(m int) Ring {
	return Ring{m: m, size: 1 << uint(m)}
}

// M returns the number of finger bits.
func (r Ring) M() int { return r.m }

// Hash maps an arbitrary string onto the ring.
func (r Ring) Hash(s string) Key {
	digest := md5.Sum([]byte(s))
	return Key(binary.BigEndian.Uint64(digest[:8]) % r.size)
}

// FingerBase returns own + 2^i on the ring (overflow wraps).
func (r Ring) FingerBase(own Key, i int) Key {
	return Key((uint64(own) + (1 << uint(i))) % r.size)
}

// IsIn reports whether key lies on the arc from fromInclusive to
// toExclusive traversed clockwise. from == to denotes the full ring;
// key == from is always in.
func (r Ring) IsIn(key, fromInclusive, toExclusive Key) bool {
	if key == fromInclusive {
		return true
	}
	if toExclusive == fromInclusive {
		return true
	}
	if fromInclusive <= toExclusive { // arc does not pass 0
		return fromInclusive < key && key < toExclusive
	}
	// arc passes 0
	return fromInclusive < key || key < toExclusive
}
