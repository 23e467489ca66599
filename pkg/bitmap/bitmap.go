// Copyright 2021 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bitmap provides a fixed-size set of small integers.
//
// It is used for a region's free and uninitialized slots, and for the ecalls
// an ocall allows to be nested inside it.
package bitmap

import (
	"math/bits"
)

// Bitmap is a set of integers in [0, n). The zero value is an empty set of
// capacity zero.
type Bitmap struct {
	n     uint32
	count uint32
	words []uint64
}

// New returns an empty set that can hold integers in [0, n).
func New(n uint32) Bitmap {
	return Bitmap{
		n:     n,
		words: make([]uint64, (n+63)/64),
	}
}

// Cap returns n, the bound on members.
func (b *Bitmap) Cap() uint32 {
	return b.n
}

// Count returns the number of members.
func (b *Bitmap) Count() uint32 {
	return b.count
}

// IsEmpty returns true if the set has no members.
func (b *Bitmap) IsEmpty() bool {
	return b.count == 0
}

// Add adds i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.n {
		panic("bitmap: index out of range")
	}
	w, m := i/64, uint64(1)<<(i%64)
	if b.words[w]&m == 0 {
		b.words[w] |= m
		b.count++
	}
}

// Remove removes i if present.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.n {
		return
	}
	w, m := i/64, uint64(1)<<(i%64)
	if b.words[w]&m != 0 {
		b.words[w] &^= m
		b.count--
	}
}

// Contains returns true if i is a member.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.n {
		return false
	}
	return b.words[i/64]&(uint64(1)<<(i%64)) != 0
}

// First returns the smallest member, or false if the set is empty.
func (b *Bitmap) First() (uint32, bool) {
	for w, word := range b.words {
		if word != 0 {
			return uint32(w*64 + bits.TrailingZeros64(word)), true
		}
	}
	return 0, false
}

// ForEach calls fn with each member in increasing order.
func (b *Bitmap) ForEach(fn func(i uint32)) {
	for w, word := range b.words {
		for word != 0 {
			fn(uint32(w*64 + bits.TrailingZeros64(word)))
			word &= word - 1
		}
	}
}

// ToSlice returns the members in increasing order.
func (b *Bitmap) ToSlice() []uint32 {
	s := make([]uint32, 0, b.count)
	b.ForEach(func(i uint32) { s = append(s, i) })
	return s
}
