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
	"math"
	"sort"

	"github.com/google/btree"

	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/sync"
)

// Registry maps region ids and slot addresses to live regions.
//
// The registry holds one reference on every region it contains. Lookups by
// slot address keep finding a region until its destruction completes, so
// traps taken by calls still running during Remove can be recovered.
type Registry struct {
	mu sync.Mutex

	// byID holds the regions that have not been removed.
	byID map[uint64]*Region

	// byAddr indexes regions by base address, then id. A region stays in
	// byAddr until Remove has destroyed it, so a new region may share its
	// base in the meantime.
	byAddr *btree.BTreeG[*Region]

	// removed records the ids of the last removedCap removed regions, in
	// removal order in removedIDs. Older ids are forgotten and reported as
	// invalid rather than lost.
	removed    map[uint64]struct{}
	removedIDs []uint64
	removedCap int
}

// defaultRemovedCap is the number of removed ids a registry remembers.
const defaultRemovedCap = 4096

// byBaseThenID orders the address index.
func byBaseThenID(a, b *Region) bool {
	if a.layout.Base != b.layout.Base {
		return a.layout.Base < b.layout.Base
	}
	return a.layout.ID < b.layout.ID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[uint64]*Region),
		byAddr:     btree.NewG(8, byBaseThenID),
		removed:    make(map[uint64]struct{}),
		removedCap: defaultRemovedCap,
	}
}

// rememberLocked records id as removed, forgetting the oldest id past
// removedCap.
//
// Preconditions: reg.mu is locked.
func (reg *Registry) rememberLocked(id uint64) {
	reg.removed[id] = struct{}{}
	reg.removedIDs = append(reg.removedIDs, id)
	if len(reg.removedIDs) > reg.removedCap {
		delete(reg.removed, reg.removedIDs[0])
		reg.removedIDs = reg.removedIDs[1:]
	}
}

// Add registers r, taking over the reference the caller holds. It returns
// false if r's id is, or was, registered.
func (reg *Registry) Add(r *Region) bool {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	id := r.ID()
	if _, ok := reg.byID[id]; ok {
		return false
	}
	if _, ok := reg.removed[id]; ok {
		return false
	}
	reg.byID[id] = r
	reg.byAddr.ReplaceOrInsert(r)
	return true
}

// Lookup returns the region with the given id, without taking a reference.
func (reg *Registry) Lookup(id uint64) (*Region, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lookupLocked(id)
}

// Preconditions: reg.mu is locked.
func (reg *Registry) lookupLocked(id uint64) (*Region, error) {
	if r, ok := reg.byID[id]; ok {
		return r, nil
	}
	if _, ok := reg.removed[id]; ok {
		return nil, ErrRegionLost
	}
	return nil, ErrInvalidRegionID
}

// AcquireRef returns the region with the given id with a new reference, to
// be dropped with ReleaseRef.
func (reg *Registry) AcquireRef(id uint64) (*Region, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r, err := reg.lookupLocked(id)
	if err != nil {
		return nil, err
	}
	if !r.TryIncRef() {
		return nil, ErrRegionLost
	}
	return r, nil
}

// LookupBySlotAddress returns the region whose address range contains addr,
// or nil. It does not take a reference.
func (reg *Registry) LookupBySlotAddress(addr uintptr) *Region {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return reg.lookupAddrLocked(addr)
}

// AcquireRefBySlotAddress is LookupBySlotAddress taking a reference on the
// region found.
func (reg *Registry) AcquireRefBySlotAddress(addr uintptr) *Region {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	r := reg.lookupAddrLocked(addr)
	if r == nil || !r.TryIncRef() {
		return nil
	}
	return r
}

// lookupAddrLocked returns the region containing addr. A region that is
// being destroyed is returned only if no live region contains addr.
//
// Live regions never overlap, but a destroyed region stays indexed until
// Remove returns and a new region may be mapped over it in the meantime.
// The walk down from addr therefore skips destroyed regions and stops at
// the first live one.
//
// Preconditions: reg.mu is locked.
func (reg *Registry) lookupAddrLocked(addr uintptr) *Region {
	var found *Region
	pivot := &Region{layout: &platform.Layout{Base: addr, ID: math.MaxUint64}}
	reg.byAddr.DescendLessOrEqual(pivot, func(r *Region) bool {
		if r.Destroyed() {
			if found == nil && r.layout.Contains(addr) {
				found = r
			}
			return true
		}
		if r.layout.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// ReleaseRef drops a reference taken by AcquireRef or
// AcquireRefBySlotAddress. The last reference frees the region.
func (reg *Registry) ReleaseRef(r *Region) {
	r.DecRef(r.free)
}

// Remove destroys the region with the given id and drops the registry's
// reference. Removing a removed region succeeds and does nothing.
//
// The region may outlive Remove as a zombie while callers hold references.
func (reg *Registry) Remove(id uint64) error {
	reg.mu.Lock()
	r, ok := reg.byID[id]
	if !ok {
		_, removed := reg.removed[id]
		reg.mu.Unlock()
		if removed {
			return nil
		}
		return ErrInvalidRegionID
	}
	delete(reg.byID, id)
	reg.rememberLocked(id)
	reg.mu.Unlock()

	// The registry lock is not held while waiting for calls to drain.
	err := r.destroy()

	reg.mu.Lock()
	reg.byAddr.Delete(r)
	reg.mu.Unlock()
	reg.ReleaseRef(r)
	return err
}

// IDs returns the ids of the registered regions, in increasing order.
func (reg *Registry) IDs() []uint64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	ids := make([]uint64, 0, len(reg.byID))
	for id := range reg.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered regions.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.byID)
}
