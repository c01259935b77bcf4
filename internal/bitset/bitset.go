// Package bitset provides a small, allocation-free bitmap used to represent
// sets of server indices (placement replica rings). It mirrors the bit-twiddling used throughout the fabric's NUMA
// and data-plane instance maps, generalized to a plain Set type since mica
// has no notion of NUMA nodes.
package bitset

import (
	"iter"
	"math/bits"
)

// Max is the largest index (exclusive) a Set can hold.
const Max = 64

// Set is a fixed 64-bit bitmap, large enough to cover any realistic server
// or window-slot count in a single deployment.
type Set uint64

// NewWithOneBitSet returns a Set with a single bit set at idx.
//
// Panics if idx >= Max.
func NewWithOneBitSet(idx uint32) Set {
	if idx >= Max {
		panic("bitset: index out of range")
	}
	return Set(1) << idx
}

// IsEmpty reports whether no bit is set.
func (s Set) IsEmpty() bool {
	return s == 0
}

// Len returns the number of bits set.
func (s Set) Len() int {
	return bits.OnesCount64(uint64(s))
}

// Contains reports whether idx is a member of the set.
func (s Set) Contains(idx uint32) bool {
	if idx >= Max {
		return false
	}
	return s&(1<<idx) != 0
}

// Insert returns a copy of s with idx added.
func (s Set) Insert(idx uint32) Set {
	if idx >= Max {
		panic("bitset: index out of range")
	}
	return s | (1 << idx)
}

// Union returns the union of s and other.
func (s Set) Union(other Set) Set {
	return s | other
}

// Iter yields the set bits from least to most significant.
func (s Set) Iter() iter.Seq[uint32] {
	return NewBitsTraverser(uint64(s)).Iter()
}

// AsSlice materializes the set as a sorted slice of indices.
func (s Set) AsSlice() []uint32 {
	out := make([]uint32, 0, s.Len())
	for idx := range s.Iter() {
		out = append(out, idx)
	}
	return out
}

// BitsTraverser iterates over the bits set in a 64-bit word, from least to
// most significant.
type BitsTraverser struct {
	word uint64
}

// NewBitsTraverser constructs a traverser over the given word.
func NewBitsTraverser(word uint64) BitsTraverser {
	return BitsTraverser{word: word}
}

// Traverse calls fn for each set bit until fn returns false or the word is
// exhausted.
func (t BitsTraverser) Traverse(fn func(uint32) bool) bool {
	word := t.word

	for word > 0 {
		r := bits.TrailingZeros64(word)
		// Clears only the lowest set bit; compiles to a single BLSR on
		// platforms that support it.
		lowest := word & -word
		word ^= lowest

		if !fn(uint32(r)) {
			return false
		}
	}

	return true
}

// Iter returns an iter.Seq over the set bits.
func (t BitsTraverser) Iter() iter.Seq[uint32] {
	return func(yield func(uint32) bool) {
		t.Traverse(yield)
	}
}
