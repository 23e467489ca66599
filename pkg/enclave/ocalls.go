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
	"runtime"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
)

// builtinOcall serves the ocalls the runtime implements itself. Memory
// management ocalls run with the call lock held; the others may block and
// release it like user ocalls.
func (r *Region) builtinOcall(cc *platform.CallContext, index int32, ms unsafe.Pointer) sgx.Status {
	if ms == nil {
		return sgx.StatusInvalidParameter
	}
	if sgx.IsEDMMOcall(index) {
		return r.edmm(index, (*sgx.EDMMArgs)(ms))
	}
	switch index {
	case sgx.OCALL_EVENT_WAIT:
		a := (*sgx.EventWaitArgs)(ms)
		s := r.pool.slotAt(uintptr(a.Self))
		if s == nil {
			return sgx.StatusInvalidParameter
		}
		return r.unlocked(cc, func() sgx.Status {
			return r.pool.eventWait(s, time.Duration(a.TimeoutNanos))
		})

	case sgx.OCALL_EVENT_SET:
		a := (*sgx.EventSetArgs)(ms)
		return r.unlocked(cc, func() sgx.Status {
			return r.rt.setEvent(uintptr(a.Waiter))
		})

	case sgx.OCALL_EVENT_SET_MULTIPLE:
		a := (*sgx.EventSetMultipleArgs)(ms)
		return r.unlocked(cc, func() sgx.Status {
			for _, w := range a.Waiters {
				if status := r.rt.setEvent(uintptr(w)); status != sgx.StatusSuccess {
					return status
				}
			}
			return sgx.StatusSuccess
		})

	case sgx.OCALL_EVENT_SETWAIT:
		a := (*sgx.EventSetWaitArgs)(ms)
		s := r.pool.slotAt(uintptr(a.Self))
		if s == nil {
			return sgx.StatusInvalidParameter
		}
		return r.unlocked(cc, func() sgx.Status {
			if status := r.rt.setEvent(uintptr(a.Waiter)); status != sgx.StatusSuccess {
				return status
			}
			return r.pool.eventWait(s, time.Duration(a.TimeoutNanos))
		})

	case sgx.OCALL_PTHREAD_CREATE:
		a := (*sgx.PthreadCreateArgs)(ms)
		return r.unlocked(cc, func() sgx.Status {
			return r.rt.createThread(uintptr(a.Self))
		})
	}
	return sgx.StatusInvalidFunction
}

func (r *Region) edmm(index int32, a *sgx.EDMMArgs) sgx.Status {
	if !r.layout.Version.SupportsEDMM() {
		return sgx.StatusInvalidState
	}
	mem := r.image.Memory()
	var err error
	switch index {
	case sgx.OCALL_EDMM_TRIM:
		err = mem.Trim(a.Addr, a.Size)
	case sgx.OCALL_EDMM_TRIM_COMMIT:
		err = mem.TrimCommit(a.Addr, a.Size)
	case sgx.OCALL_EDMM_MODPR:
		err = mem.ModifyPermissions(a.Addr, a.Size, a.Prot)
	case sgx.OCALL_EDMM_MPROTECT:
		err = mem.Mprotect(a.Addr, a.Size, a.Prot)
	}
	if err != nil {
		log.Warningf("Region %#x: memory ocall %d on [%#x, %#x): %v", r.ID(), index, a.Addr, a.Addr+a.Size, err)
		return sgx.StatusUnexpected
	}
	return sgx.StatusSuccess
}

// setEvent sets the untrusted event of the slot at addr, in whichever of
// rt's regions owns it.
func (rt *Runtime) setEvent(addr uintptr) sgx.Status {
	r := rt.registry.LookupBySlotAddress(addr)
	if r == nil {
		return sgx.StatusInvalidParameter
	}
	s := r.pool.slotAt(addr)
	if s == nil {
		return sgx.StatusInvalidParameter
	}
	r.pool.eventSet(s)
	return sgx.StatusSuccess
}

// createThread starts a thread that enters the region owning slot self
// through ECMD_ECALL_PTHREAD, on a slot of its own.
func (rt *Runtime) createThread(self uintptr) sgx.Status {
	r := rt.registry.AcquireRefBySlotAddress(self)
	if r == nil {
		return sgx.StatusInvalidParameter
	}
	s, err := r.pool.acquireFree()
	if err != nil {
		rt.registry.ReleaseRef(r)
		return Status(err)
	}
	go func() {
		defer rt.registry.ReleaseRef(r)
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		r.runThread(unix.Gettid(), s)
	}()
	return sgx.StatusSuccess
}

// runThread runs a trusted thread on s, reserved for it by createThread.
func (r *Region) runThread(tid int, s *slot) {
	if !r.lock.TryRLock() {
		r.pool.put(s)
		return
	}
	if r.destroyed.Load() {
		r.lock.RUnlock()
		r.pool.put(s)
		return
	}
	r.pool.bind(tid, s)
	cc := &platform.CallContext{
		TCS:        s.addr,
		Index:      sgx.ECMD_ECALL_PTHREAD,
		Ocalls:     r.ocallTable(),
		Exit:       r,
		Recover:    r.recover,
		ReadLocked: true,
	}
	s.top = cc
	status := r.image.Enter(cc)
	r.pool.release(s, true)
	if !cc.LockReleased() {
		r.lock.RUnlock()
	}
	if status != sgx.StatusPthreadExit {
		log.Warningf("Region %#x: trusted thread on slot %#x returned %v", r.ID(), s.addr, status)
	}
}
