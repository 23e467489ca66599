// Copyright 2026 The gVisor Authors.
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

package switchless

import (
	"math/bits"

	"enclaves.dev/urts/pkg/atomicbitops"
)

// SignalLines is a set of lines, each of which carries at most one task.
//
// A line is allocated by clearing its bit in the free bitmap and released by
// setting it again. A submitted task is announced by setting the line's bit
// in the signal bitmap; a worker claims it by clearing that bit. Both
// bitmaps live in memory shared with the other side.
type SignalLines struct {
	free    []atomicbitops.Uint64
	signals []atomicbitops.Uint64
	n       int
}

// newSignalLines initializes n lines over the given words. free and signals
// must each hold at least (n+63)/64 words.
func newSignalLines(free, signals []atomicbitops.Uint64, n int) *SignalLines {
	words := (n + 63) / 64
	l := &SignalLines{free: free[:words], signals: signals[:words], n: n}
	for i := 0; i < words; i++ {
		mask := ^uint64(0)
		if rem := n - i*64; rem < 64 {
			mask = uint64(1)<<rem - 1
		}
		l.free[i].Store(mask)
		l.signals[i].Store(0)
	}
	return l
}

// Len returns the number of lines.
func (l *SignalLines) Len() int {
	return l.n
}

// Alloc claims the first free line.
func (l *SignalLines) Alloc() (int, bool) {
	return firstFit(l.free)
}

// Free releases line i.
func (l *SignalLines) Free(i int) {
	l.free[i/64].Or(uint64(1) << (i % 64))
}

// Trigger announces that the task on line i is ready.
func (l *SignalLines) Trigger(i int) {
	l.signals[i/64].Or(uint64(1) << (i % 64))
}

// Claim takes the first announced line. The index is validated before it is
// returned since the signal words may be written by the other side.
func (l *SignalLines) Claim() (int, bool) {
	i, ok := firstFit(l.signals)
	if !ok || i >= l.n {
		return 0, false
	}
	return i, true
}

// Revoke withdraws the announcement of line i. It returns false if a worker
// already claimed the line.
func (l *SignalLines) Revoke(i int) bool {
	bit := uint64(1) << (i % 64)
	return l.signals[i/64].And(^bit)&bit != 0
}

// Pending returns true if any line is announced.
func (l *SignalLines) Pending() bool {
	for i := range l.signals {
		if l.signals[i].Load() != 0 {
			return true
		}
	}
	return false
}

// firstFit atomically clears and returns the lowest set bit in words.
func firstFit(words []atomicbitops.Uint64) (int, bool) {
	for i := range words {
		for {
			w := words[i].Load()
			if w == 0 {
				break
			}
			bit := bits.TrailingZeros64(w)
			if words[i].CompareAndSwap(w, w&^(uint64(1)<<bit)) {
				return i*64 + bit, true
			}
		}
	}
	return 0, false
}
