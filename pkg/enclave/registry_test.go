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

package enclave

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"enclaves.dev/urts/pkg/enclave/platform"
)

// fakeRegion returns a region with no image, for registry bookkeeping only.
func fakeRegion(id uint64, base, size uintptr) *Region {
	r := &Region{layout: &platform.Layout{ID: id, Base: base, Size: size}}
	r.InitRefs("enclave.Region")
	return r
}

// startRemove does what Remove does before destroying r: r is no longer
// registered by id but is still indexed by address.
func startRemove(reg *Registry, r *Region) {
	reg.mu.Lock()
	delete(reg.byID, r.ID())
	reg.rememberLocked(r.ID())
	reg.mu.Unlock()
	r.destroyed.Store(true)
}

func finishRemove(reg *Registry, r *Region) {
	reg.mu.Lock()
	reg.byAddr.Delete(r)
	reg.mu.Unlock()
}

func TestRegistryBaseReuse(t *testing.T) {
	const base = 0x100000
	reg := NewRegistry()
	old := fakeRegion(1, base, 0x10000)
	if !reg.Add(old) {
		t.Fatalf("Add(%#x) failed", old.ID())
	}
	startRemove(reg, old)

	// The old region's range was released and a new region mapped at the
	// same base before the old one left the index.
	cur := fakeRegion(2, base, 0x8000)
	if !reg.Add(cur) {
		t.Fatalf("Add(%#x) failed", cur.ID())
	}
	for _, addr := range []uintptr{base, base + 0x7fff} {
		if got := reg.LookupBySlotAddress(addr); got != cur {
			t.Errorf("LookupBySlotAddress(%#x) = %p, want the new region %p", addr, got, cur)
		}
	}

	finishRemove(reg, old)
	if got := reg.LookupBySlotAddress(base); got != cur {
		t.Errorf("LookupBySlotAddress(%#x) after removal = %p, want the new region %p", base, got, cur)
	}
	if got := reg.AcquireRefBySlotAddress(base + 0x1000); got != cur {
		t.Errorf("AcquireRefBySlotAddress = %p, want the new region %p", got, cur)
	} else {
		if got.ReadRefs() != 2 {
			t.Errorf("refs after AcquireRefBySlotAddress = %d, want 2", got.ReadRefs())
		}
		got.DecRef(nil)
	}
	if _, err := reg.Lookup(old.ID()); !errors.Is(err, ErrRegionLost) {
		t.Errorf("Lookup(removed) = %v, want %v", err, ErrRegionLost)
	}
	if diff := cmp.Diff([]uint64{cur.ID()}, reg.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryOverlappingDestroyedRegion(t *testing.T) {
	reg := NewRegistry()
	old := fakeRegion(1, 0x104000, 0x1000)
	reg.Add(old)
	startRemove(reg, old)

	// Until a new region covers it, a region being destroyed is still found.
	if got := reg.LookupBySlotAddress(0x104800); got != old {
		t.Errorf("LookupBySlotAddress(destroyed) = %p, want %p", got, old)
	}

	cur := fakeRegion(2, 0x100000, 0x10000)
	reg.Add(cur)
	for _, addr := range []uintptr{0x100000, 0x104800, 0x108000, 0x10ffff} {
		if got := reg.LookupBySlotAddress(addr); got != cur {
			t.Errorf("LookupBySlotAddress(%#x) = %p, want the live region %p", addr, got, cur)
		}
	}
	if got := reg.LookupBySlotAddress(0x110000); got != nil {
		t.Errorf("LookupBySlotAddress(end) = %p, want nil", got)
	}
	finishRemove(reg, old)
}

func TestRegistryRemovedIDsBounded(t *testing.T) {
	reg := NewRegistry()
	reg.removedCap = 2
	reg.mu.Lock()
	for id := uint64(1); id <= 3; id++ {
		reg.rememberLocked(id)
	}
	reg.mu.Unlock()

	for _, tc := range []struct {
		id   uint64
		want error
	}{
		{1, ErrInvalidRegionID},
		{2, ErrRegionLost},
		{3, ErrRegionLost},
	} {
		if _, err := reg.Lookup(tc.id); !errors.Is(err, tc.want) {
			t.Errorf("Lookup(%d) = %v, want %v", tc.id, err, tc.want)
		}
	}
	if len(reg.removed) != 2 || len(reg.removedIDs) != 2 {
		t.Errorf("registry remembers %d/%d ids, want 2", len(reg.removed), len(reg.removedIDs))
	}
	if reg.Add(fakeRegion(2, 0x100000, 0x1000)) {
		t.Errorf("Add reused a remembered removed id")
	}
}

func TestRegistryAcquireRef(t *testing.T) {
	reg := NewRegistry()
	r := fakeRegion(1, 0x100000, 0x1000)
	reg.Add(r)

	got, err := reg.AcquireRef(r.ID())
	if err != nil || got != r {
		t.Fatalf("AcquireRef = %p, %v, want %p", got, err, r)
	}
	if r.ReadRefs() != 2 {
		t.Errorf("refs = %d, want 2", r.ReadRefs())
	}
	r.DecRef(nil)

	// A region whose last reference is gone cannot be revived.
	r.DecRef(nil)
	if _, err := reg.AcquireRef(r.ID()); !errors.Is(err, ErrRegionLost) {
		t.Errorf("AcquireRef(freed) = %v, want %v", err, ErrRegionLost)
	}
	if got := reg.AcquireRefBySlotAddress(0x100000); got != nil {
		t.Errorf("AcquireRefBySlotAddress(freed) = %p, want nil", got)
	}
}
