package asm

import "math/bits"

// RegMask is a bit set of physical register ids within one register group.
type RegMask uint32

// Has reports whether id is in the mask.
func (m RegMask) Has(id int) bool { return m&(1<<uint(id)) != 0 }

// Add returns the mask with id added.
func (m RegMask) Add(id int) RegMask { return m | 1<<uint(id) }

// Remove returns the mask with id removed.
func (m RegMask) Remove(id int) RegMask { return m &^ (1 << uint(id)) }

// Count returns the number of ids in the mask.
func (m RegMask) Count() int { return bits.OnesCount32(uint32(m)) }

// Lowest returns the lowest id in the mask, or -1 when empty.
func (m RegMask) Lowest() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(m))
}

// Range calls f for each id in ascending order.
func (m RegMask) Range(f func(id int)) {
	for v := uint32(m); v != 0; {
		id := bits.TrailingZeros32(v)
		f(id)
		v &= v - 1
	}
}

// MaskUpTo returns a mask of ids 0..n-1.
func MaskUpTo(n int) RegMask { return RegMask(1)<<uint(n) - 1 }
