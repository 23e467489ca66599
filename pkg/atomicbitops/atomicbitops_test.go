// Copyright 2018 The gVisor Authors.
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

package atomicbitops

import (
	"runtime"
	"sync"
	"testing"
)

const iterations = 100

func detectRaces64(val, target uint64, fn func(*Uint64, uint64)) bool {
	runtime.GOMAXPROCS(100)
	for n := 0; n < iterations; n++ {
		var x Uint64
		x.Store(val)
		var wg sync.WaitGroup
		for i := uint64(0); i < 64; i++ {
			wg.Add(1)
			go func(i uint64) {
				defer wg.Done()
				fn(&x, uint64(1<<i))
			}(i)
		}
		wg.Wait()
		if x.Load() != target {
			return true
		}
	}
	return false
}

func TestOr(t *testing.T) {
	if detectRaces64(0x0, 0xffffffffffffffff, func(a *Uint64, b uint64) {
		a.Or(b)
	}) {
		t.Error("Data race detected!")
	}
}

func TestAnd(t *testing.T) {
	if detectRaces64(0xf0f0f0f0f0f0f0f0, 0x0, func(a *Uint64, b uint64) {
		a.And(^b)
	}) {
		t.Error("Data race detected!")
	}
}

func TestOrAndReturnPrevious(t *testing.T) {
	var u Uint64
	u.Store(0b0101)
	if prev := u.Or(0b0010); prev != 0b0101 {
		t.Errorf("Or returned %#b, want %#b", prev, 0b0101)
	}
	if prev := u.And(^uint64(0b0001)); prev != 0b0111 {
		t.Errorf("And returned %#b, want %#b", prev, 0b0111)
	}
	if got := u.Load(); got != 0b0110 {
		t.Errorf("Load() = %#b, want %#b", got, 0b0110)
	}
}

func TestCompareAndSwap(t *testing.T) {
	for _, tc := range []struct {
		name string
		prev uint64
		old  uint64
		new  uint64
		ok   bool
		next uint64
	}{
		{name: "Successful compare-and-swap with prev == new", prev: 10, old: 10, new: 10, ok: true, next: 10},
		{name: "Successful compare-and-swap with prev != new", prev: 20, old: 20, new: 22, ok: true, next: 22},
		{name: "Failed compare-and-swap with prev == new", prev: 31, old: 30, new: 31, ok: false, next: 31},
		{name: "Failed compare-and-swap with prev != new", prev: 41, old: 40, new: 42, ok: false, next: 41},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var val Uint64
			val.Store(tc.prev)
			if got := val.CompareAndSwap(tc.old, tc.new); got != tc.ok {
				t.Errorf("CompareAndSwap(%d, %d) on %d: got %t, want %t", tc.old, tc.new, tc.prev, got, tc.ok)
			}
			if got, want := val.Load(), tc.next; got != want {
				t.Errorf("val after CompareAndSwap(%d, %d) on %d: got %d, want %d", tc.old, tc.new, tc.prev, got, want)
			}
		})
	}
}

func TestBool(t *testing.T) {
	b := FromBool(true)
	if !b.Load() {
		t.Fatalf("FromBool(true).Load() = false")
	}
	if !b.CompareAndSwap(true, false) {
		t.Fatalf("CompareAndSwap(true, false) failed")
	}
	if b.CompareAndSwap(true, false) {
		t.Fatalf("second CompareAndSwap(true, false) succeeded")
	}
	if old := b.Swap(true); old {
		t.Fatalf("Swap returned %v, want false", old)
	}
	if !b.Load() {
		t.Fatalf("Load() = false after Swap(true)")
	}
}
