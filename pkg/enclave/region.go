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
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/refs"
	"enclaves.dev/urts/pkg/sighandling"
	"enclaves.dev/urts/pkg/switchless"
	"enclaves.dev/urts/pkg/sync"
)

// Region is one loaded region and the untrusted state that goes with it.
//
// Calls hold the region's call lock for reading; destruction takes it for
// writing, so hardware teardown never begins while a call is in progress. A
// call that leaves the region for an ocall releases its read lock for the
// duration of the ocall, and fails the interrupted trusted call if the
// region was destroyed in the meantime.
//
// Regions are reference counted. The registry holds one reference and every
// in-flight call, recovery or trusted thread holds another; a region that
// was destroyed but is still referenced is a zombie.
type Region struct {
	refs.AtomicRefCount

	rt     *Runtime
	image  platform.Image
	layout *platform.Layout
	pool   *pool

	// recover is the synchronous fault path, or nil if traps are delivered
	// through pkg/sighandling.
	recover func(*platform.Fault) sighandling.Disposition

	// lock is the call lock.
	lock sync.RWMutex

	initialized atomicbitops.Bool
	destroyed   atomicbitops.Bool
	lost        atomicbitops.Bool

	ocallsMu sync.Mutex
	ocalls   *platform.OcallTable

	// switchless is nil unless switchless calls were requested.
	switchless *switchless.Manager

	// switchlessClaimed is set by the call that starts the workers.
	switchlessClaimed atomicbitops.Bool
	switchlessOK      atomicbitops.Bool
}

func newRegion(rt *Runtime, im platform.Image, cfg *switchless.Config) (*Region, error) {
	l := im.Layout()
	r := &Region{
		rt:     rt,
		image:  im,
		layout: l,
	}
	r.pool = newPool(l, rt.opts.SlotTimeout, r.makeTCS)
	if fp, ok := im.(platform.FastPath); ok && fp.FastPath() && !rt.opts.PortableFaults {
		r.recover = rt.recoverFault
	}
	if cfg != nil {
		if !l.Version.SupportsSwitchless() {
			return nil, fmt.Errorf("region version %v does not support switchless calls", l.Version)
		}
		mgr, err := switchless.New(*cfg, l, im.Crashed)
		if err != nil {
			return nil, err
		}
		r.switchless = mgr
	}
	r.InitRefs("enclave.Region")
	liveRegions.Add(1)
	return r, nil
}

// ID returns the region's id.
func (r *Region) ID() uint64 {
	return r.layout.ID
}

// Layout returns the region's layout.
func (r *Region) Layout() *platform.Layout {
	return r.layout
}

// TargetInfo returns the region's target information.
func (r *Region) TargetInfo() sgx.TargetInfo {
	return r.image.TargetInfo()
}

// Destroyed returns true once the region's hardware state was released.
func (r *Region) Destroyed() bool {
	return r.destroyed.Load()
}

// Zombie returns true if the region was destroyed but is still referenced.
func (r *Region) Zombie() bool {
	return r.destroyed.Load() && r.ReadRefs() > 0
}

// Slots returns a snapshot of the region's slot pool.
func (r *Region) Slots() SlotStats {
	return r.pool.stats()
}

// Switchless returns the region's switchless manager, or nil.
func (r *Region) Switchless() *switchless.Manager {
	return r.switchless
}

// initialize runs ECMD_INIT. It is called once, before the region is
// registered.
func (r *Region) initialize() error {
	s, err := r.pool.acquireFree()
	if err != nil {
		return err
	}
	cc := &platform.CallContext{TCS: s.addr, Index: sgx.ECMD_INIT, Exit: r, Recover: r.recover}
	status := r.image.Enter(cc)
	r.pool.put(s)
	if err := translate(status); err != nil {
		return fmt.Errorf("initializing region %#x: %w", r.ID(), err)
	}
	r.initialized.Store(true)

	// Dynamic slots may be needed right away to meet the minimum pool.
	r.pool.mu.Lock()
	r.pool.fillLocked()
	r.pool.mu.Unlock()
	return nil
}

// Ecall calls function ordinal of the region with message ms. Ocalls made by
// the function are served from ocalls. If useSwitchless is set and the
// region runs switchless workers, the call is first offered to them.
func (r *Region) Ecall(ordinal int32, ocalls *platform.OcallTable, ms unsafe.Pointer, useSwitchless bool) error {
	err := r.ecall(ordinal, ocalls, ms, useSwitchless)
	ecallCount.Increment(resultOf(err))
	return err
}

func (r *Region) ecall(ordinal int32, ocalls *platform.OcallTable, ms unsafe.Pointer, useSwitchless bool) error {
	if !r.lock.TryRLock() {
		return ErrRegionLost
	}
	if r.destroyed.Load() {
		r.lock.RUnlock()
		return ErrRegionLost
	}
	r.setOcalls(ocalls)

	if r.switchless != nil {
		// The first call starts the workers with an entry of its own.
		// Calls made until they run, including calls nested in that
		// entry's ocalls, take the hardware path.
		if !r.switchlessClaimed.Load() && r.switchlessClaimed.CompareAndSwap(false, true) {
			if released := r.startSwitchless(); released {
				return ErrRegionLost
			}
		}
		if useSwitchless && ordinal >= 0 && r.switchlessOK.Load() {
			status, err := r.switchless.Ecall(ordinal, ms)
			switch {
			case err == nil:
				r.lock.RUnlock()
				return translate(status)
			case errors.Is(err, switchless.ErrAbandoned):
				r.lock.RUnlock()
				return fmt.Errorf("%w: %w", ErrUnexpected, err)
			}
			switchlessFallbacks.Increment()
		}
	}

	status, released := r.enter(ordinal, ocalls, ms)
	if !released {
		r.lock.RUnlock()
	}
	if status == sgx.StatusEnclaveLost {
		r.lost.Store(true)
	}
	return translate(status)
}

// enter runs one entry on the calling thread's slot. It returns the entry's
// status and whether the read lock was released on the caller's behalf.
//
// Preconditions: r.lock is held for reading.
func (r *Region) enter(index int32, ocalls *platform.OcallTable, ms unsafe.Pointer) (sgx.Status, bool) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s, err := r.pool.acquire(unix.Gettid())
	if err != nil {
		return Status(err), false
	}
	cc := &platform.CallContext{
		TCS:        s.addr,
		Index:      index,
		Ocalls:     ocalls,
		Message:    ms,
		Exit:       r,
		Recover:    r.recover,
		Parent:     s.top,
		ReadLocked: true,
	}
	s.top = cc
	status := r.image.Enter(cc)
	s.top = cc.Parent
	r.pool.release(s, status == sgx.StatusPthreadExit)
	return status, cc.LockReleased()
}

func (r *Region) setOcalls(t *platform.OcallTable) {
	r.ocallsMu.Lock()
	defer r.ocallsMu.Unlock()
	if r.ocalls == nil {
		r.ocalls = t
	}
}

func (r *Region) ocallTable() *platform.OcallTable {
	r.ocallsMu.Lock()
	defer r.ocallsMu.Unlock()
	return r.ocalls
}

// startSwitchless hands the switchless manager to the region and starts its
// workers. It runs on the first ecall, with the read lock held, and returns
// true if the lock was released on the caller's behalf.
func (r *Region) startSwitchless() bool {
	status, released := r.enter(sgx.ECMD_INIT_SWITCHLESS, r.ocallTable(), unsafe.Pointer(r.switchless))
	if err := translate(status); err != nil {
		log.Warningf("Region %#x: switchless calls disabled: %v", r.ID(), err)
		return released
	}
	r.switchless.Start(r.ocallTable(), r.runTrustedWorker)
	r.switchlessOK.Store(true)
	return released
}

// runTrustedWorker runs one trusted switchless worker until the manager
// stops.
func (r *Region) runTrustedWorker() error {
	if !r.lock.TryRLock() {
		return ErrRegionLost
	}
	status, released := r.enter(sgx.ECMD_RUN_SWITCHLESS_TWORKER, r.ocallTable(), nil)
	if !released {
		r.lock.RUnlock()
	}
	return translate(status)
}

// makeTCS initializes the dynamic slot target from slot on.
func (r *Region) makeTCS(on, target uintptr) error {
	if !r.lock.TryRLock() {
		return ErrRegionLost
	}
	if r.destroyed.Load() {
		r.lock.RUnlock()
		return ErrRegionLost
	}
	args := sgx.MkTCSArgs{TCS: uint64(target)}
	cc := &platform.CallContext{
		TCS:        on,
		Index:      sgx.ECMD_MKTCS,
		Message:    unsafe.Pointer(&args),
		Exit:       r,
		Recover:    r.recover,
		ReadLocked: true,
	}
	status := r.image.Enter(cc)
	if !cc.LockReleased() {
		r.lock.RUnlock()
	}
	return translate(status)
}

// Ocall implements platform.ExitHandler.Ocall.
func (r *Region) Ocall(cc *platform.CallContext, index int32, ms unsafe.Pointer) sgx.Status {
	if sgx.IsBuiltinOcall(index) {
		ocallCount.Increment("builtin")
		return r.builtinOcall(cc, index, ms)
	}
	if index < 0 || int(index) >= cc.Ocalls.Count() || cc.Ocalls.Ocalls[index] == nil {
		return sgx.StatusInvalidFunction
	}
	ocallCount.Increment("user")
	if r.switchless != nil {
		r.switchless.OnHardwareOcall()
	}
	fn := cc.Ocalls.Ocalls[index]
	return r.unlocked(cc, func() sgx.Status { return fn(ms) })
}

// unlocked runs fn without the read lock held for cc, and takes the lock
// back afterwards. If the region was destroyed in the meantime the lock is
// not retaken and StatusReadLockFail is returned instead of fn's status.
func (r *Region) unlocked(cc *platform.CallContext, fn func() sgx.Status) sgx.Status {
	if !cc.ReadLocked || cc.LockReleased() {
		return fn()
	}
	r.lock.RUnlock()
	status := fn()
	if !r.lock.TryRLock() {
		cc.SetLockReleased()
		return sgx.StatusReadLockFail
	}
	if r.destroyed.Load() {
		r.lock.RUnlock()
		cc.SetLockReleased()
		return sgx.StatusReadLockFail
	}
	return status
}

// destroy stops the switchless workers, waits for the calls in progress,
// uninitializes the trusted runtime and releases the hardware state. It is
// idempotent.
func (r *Region) destroy() error {
	if r.switchless != nil {
		// Trusted workers hold read locks until they stop.
		if err := r.switchless.Stop(); err != nil {
			log.Warningf("Region %#x: stopping switchless workers: %v", r.ID(), err)
		}
	}

	r.lock.Lock()
	if r.destroyed.Load() {
		r.lock.Unlock()
		return nil
	}
	if r.initialized.Load() && r.layout.Version.SupportsUninit() && !r.lost.Load() && !r.image.Crashed() {
		r.uninit()
	}
	err := r.image.Destroy()
	r.destroyed.Store(true)
	r.lock.Unlock()

	r.pool.wakeAll()
	log.Infof("Region %#x destroyed", r.ID())
	return err
}

// uninit runs ECMD_UNINIT_ENCLAVE.
//
// Preconditions: r.lock is held for writing.
func (r *Region) uninit() {
	s, err := r.pool.acquireIdle()
	if err != nil {
		log.Warningf("Region %#x: no slot to uninitialize on: %v", r.ID(), err)
		return
	}
	cc := &platform.CallContext{TCS: s.addr, Index: sgx.ECMD_UNINIT_ENCLAVE, Ocalls: r.ocallTable(), Exit: r, Recover: r.recover}
	status := r.image.Enter(cc)
	r.pool.put(s)
	if err := translate(status); err != nil {
		log.Warningf("Region %#x: uninitializing: %v", r.ID(), err)
	}
}

// free runs when the last reference is dropped.
func (r *Region) free() {
	if r.switchless != nil {
		r.switchless.Release()
	}
	liveRegions.Add(-1)
	log.Debugf("Region %#x freed", r.ID())
}
