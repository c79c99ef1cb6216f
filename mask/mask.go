// Package mask implements the fixed-length bitmask value type that backs
// every group permission set, every user's group/permission membership, and
// the universe-sized slot allocator in package slot. A Mask of byte length L
// addresses positions 1..8*L (1-based; position 0 is reserved as
// "unset/none"). Bit 1 is the most significant bit of byte 0, bit 8 is the
// least significant bit of byte 0, bit 9 is the MSB of byte 1, and so on.
package mask

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"

	"github.com/gibbonhq/gibbons/errs"
)

// Mask is an owned, fixed-length byte buffer with bit-position algebra.
// Merge and AndNot return the receiver for fluent chaining; the position
// setters return only an error. decode and toBytes always copy; no Mask
// shares storage with a caller's slice.
type Mask struct {
	bytes []byte
}

// Create returns a new all-zero mask of length L bytes. L must be >= 1.
func Create(length int) (*Mask, error) {
	if length < 1 {
		return nil, errors.Mark(errors.Newf("mask: create: length must be >= 1, got %d", length), errs.RangeError)
	}
	return &Mask{bytes: make([]byte, length)}, nil
}

// MustCreate is Create but panics on error. Reserved for call sites that
// already validated length (configuration loading, where an invalid length
// has already failed Validate).
func MustCreate(length int) *Mask {
	m, err := Create(length)
	if err != nil {
		panic(err)
	}
	return m
}

// Decode wraps a copy of raw bytes as a mask; its length is len(raw).
func Decode(raw []byte) *Mask {
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return &Mask{bytes: buf}
}

// ToBytes returns a copy of the mask's raw contents, length Len().
// Decode(m.ToBytes()) always equals m.
func (m *Mask) ToBytes() []byte {
	buf := make([]byte, len(m.bytes))
	copy(buf, m.bytes)
	return buf
}

// Len reports the mask's byte length L.
func (m *Mask) Len() int {
	return len(m.bytes)
}

// Capacity reports the number of addressable positions, 8*L.
func (m *Mask) Capacity() int {
	return len(m.bytes) * 8
}

func byteAndBitFor(position int) (byteIdx int, bitInByte uint) {
	zero := position - 1
	return zero / 8, 7 - uint(zero%8) // bit 1 -> MSB (bit 7) of byte 0
}

func (m *Mask) checkPosition(p int) error {
	if p < 1 || p > m.Capacity() {
		return errors.Mark(errors.Newf("mask: position %d out of range [1,%d]", p, m.Capacity()), errs.RangeError)
	}
	return nil
}

// SetPosition sets the bit at 1-based position p. Idempotent.
func (m *Mask) SetPosition(p int) error {
	if err := m.checkPosition(p); err != nil {
		return err
	}
	byteIdx, bit := byteAndBitFor(p)
	m.bytes[byteIdx] |= 1 << bit
	return nil
}

// UnsetPosition clears the bit at 1-based position p. Idempotent.
func (m *Mask) UnsetPosition(p int) error {
	if err := m.checkPosition(p); err != nil {
		return err
	}
	byteIdx, bit := byteAndBitFor(p)
	m.bytes[byteIdx] &^= 1 << bit
	return nil
}

// SetAllFromPositions sets every position in ps. Each position is validated;
// the first invalid position aborts with no further bits set beyond that
// point already applied.
func (m *Mask) SetAllFromPositions(ps []int) error {
	for _, p := range ps {
		if err := m.SetPosition(p); err != nil {
			return err
		}
	}
	return nil
}

// UnsetAllFromPositions clears every position in ps.
func (m *Mask) UnsetAllFromPositions(ps []int) error {
	for _, p := range ps {
		if err := m.UnsetPosition(p); err != nil {
			return err
		}
	}
	return nil
}

// Merge bitwise-ORs other into m in place and returns m. Lengths may differ;
// the OR runs over min(m.Len(), other.Len()) bytes — bits in other beyond
// m's length are dropped.
func (m *Mask) Merge(other *Mask) *Mask {
	n := len(m.bytes)
	if len(other.bytes) < n {
		n = len(other.bytes)
	}
	for i := 0; i < n; i++ {
		m.bytes[i] |= other.bytes[i]
	}
	return m
}

// AndNot bitwise-clears every bit set in other from m in place (m &^= other)
// and returns m, over min(m.Len(), other.Len()) bytes.
func (m *Mask) AndNot(other *Mask) *Mask {
	n := len(m.bytes)
	if len(other.bytes) < n {
		n = len(other.bytes)
	}
	for i := 0; i < n; i++ {
		m.bytes[i] &^= other.bytes[i]
	}
	return m
}

// HasAnyFromPositions reports whether any position in ps has its bit set.
// Out-of-range positions are treated as unset, not an error, since callers
// use this for membership tests over masks of varying configured length.
func (m *Mask) HasAnyFromPositions(ps []int) bool {
	for _, p := range ps {
		if p < 1 || p > m.Capacity() {
			continue
		}
		byteIdx, bit := byteAndBitFor(p)
		if m.bytes[byteIdx]&(1<<bit) != 0 {
			return true
		}
	}
	return false
}

// HasAllFromPositions reports whether every position in ps has its bit set.
func (m *Mask) HasAllFromPositions(ps []int) bool {
	for _, p := range ps {
		if p < 1 || p > m.Capacity() {
			return false
		}
		byteIdx, bit := byteAndBitFor(p)
		if m.bytes[byteIdx]&(1<<bit) == 0 {
			return false
		}
	}
	return true
}

// HasAnyFromMask reports whether m and other share any set bit, over
// min(m.Len(), other.Len()) bytes.
func (m *Mask) HasAnyFromMask(other *Mask) bool {
	n := len(m.bytes)
	if len(other.bytes) < n {
		n = len(other.bytes)
	}
	for i := 0; i < n; i++ {
		if m.bytes[i]&other.bytes[i] != 0 {
			return true
		}
	}
	return false
}

// HasAllFromMask reports whether every bit set in other is also set in m,
// over min(m.Len(), other.Len()) bytes. Bits in other beyond m's length are
// not considered (they cannot be represented in m).
func (m *Mask) HasAllFromMask(other *Mask) bool {
	n := len(m.bytes)
	if len(other.bytes) < n {
		n = len(other.bytes)
	}
	for i := 0; i < n; i++ {
		if other.bytes[i]&^m.bytes[i] != 0 {
			return false
		}
	}
	return true
}

// GetPositions returns the sorted ascending list of positions whose bit is
// set.
func (m *Mask) GetPositions() []int {
	var out []int
	for i, b := range m.bytes {
		if b == 0 {
			continue
		}
		for bit := uint(0); bit < 8; bit++ {
			if b&(1<<(7-bit)) != 0 {
				out = append(out, i*8+int(bit)+1)
			}
		}
	}
	sort.Ints(out)
	return out
}

// Equals reports content equality over raw bytes (masks of different length
// are never equal, even if the shorter one is a zero-padded prefix of the
// longer one).
func (m *Mask) Equals(other *Mask) bool {
	if other == nil {
		return false
	}
	return bytes.Equal(m.bytes, other.bytes)
}

// IsZero reports whether every bit is clear.
func (m *Mask) IsZero() bool {
	for _, b := range m.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of m.
func (m *Mask) Clone() *Mask {
	return Decode(m.bytes)
}
