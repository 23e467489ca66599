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

package sim

import (
	"fmt"
	"time"
	"unsafe"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/sighandling"
	"enclaves.dev/urts/pkg/switchless"
)

// dispatch runs the command or function selected by the entry's index.
func (im *image) dispatch(ctx *Context) sgx.Status {
	cc := ctx.cc
	switch cc.Index {
	case sgx.ECMD_INIT:
		if !im.initialized.CompareAndSwap(false, true) {
			return sgx.StatusUnexpected
		}
		if im.program.Init != nil {
			if status := im.program.Init(ctx); status != sgx.StatusSuccess {
				im.crashed.Store(true)
				return status
			}
		}
		return sgx.StatusSuccess
	case sgx.ECMD_UNINIT_ENCLAVE:
		if im.uninitialized.CompareAndSwap(false, true) && im.program.Uninit != nil {
			im.program.Uninit(ctx)
		}
		return sgx.StatusSuccess
	case sgx.ECMD_MKTCS:
		return im.mkTCS((*sgx.MkTCSArgs)(cc.Message))
	case sgx.ECMD_EXCEPT:
		return im.except(ctx)
	case sgx.ECMD_ECALL_PTHREAD:
		return im.runThread(ctx)
	case sgx.ECMD_INIT_SWITCHLESS:
		status := im.initSwitchless((*switchless.Manager)(cc.Message))
		if status == sgx.StatusSuccess && im.program.InitSwitchless != nil {
			status = im.program.InitSwitchless(ctx)
		}
		return status
	case sgx.ECMD_RUN_SWITCHLESS_TWORKER:
		mgr := im.switchlessManager()
		if mgr == nil {
			return sgx.StatusInvalidState
		}
		return mgr.RunTrustedWorker(workerTarget{im: im, ctx: ctx})
	}
	return im.ecall(ctx, cc.Index, cc.Message)
}

// ecall runs a user function.
func (im *image) ecall(ctx *Context, index int32, ms unsafe.Pointer) sgx.Status {
	switch {
	case im.crashed.Load(), im.uninitialized.Load():
		return sgx.StatusEnclaveCrashed
	case !im.initialized.Load():
		return sgx.StatusInvalidState
	case index < 0 || int(index) >= len(im.program.Ecalls):
		return sgx.StatusInvalidFunction
	}
	e := &im.program.Ecalls[index]
	if n := len(ctx.tcs.ocalls); n == 0 {
		if e.Private {
			return sgx.StatusEcallNotAllowed
		}
	} else if !im.calls.Allowed(ctx.tcs.ocalls[n-1], index) {
		return sgx.StatusEcallNotAllowed
	}
	return e.Fn(ctx, ms)
}

func (im *image) mkTCS(args *sgx.MkTCSArgs) sgx.Status {
	if args == nil {
		return sgx.StatusInvalidParameter
	}
	t := im.slots[uintptr(args.TCS)]
	if t == nil || !t.dynamic {
		return sgx.StatusInvalidParameter
	}
	t.ready.Store(true)
	return sgx.StatusSuccess
}

// except handles the exception in the state save area below the current one.
func (im *image) except(ctx *Context) sgx.Status {
	t := ctx.tcs
	if t.cssa == 0 {
		return sgx.StatusUnexpected
	}
	info := t.ssa[t.cssa-1]
	if info.Addr >= t.guard && info.Addr-t.guard < sgx.PageSize {
		return sgx.StatusStackOverrun
	}
	if im.crashed.Load() {
		return sgx.StatusEnclaveCrashed
	}
	for _, h := range im.program.ExceptionHandlers {
		if h(ctx, info) {
			return sgx.StatusSuccess
		}
	}
	log.Warningf("Unhandled exception %d at %#x in region %#x", info.Vector, info.Addr, im.layout.ID)
	im.crashed.Store(true)
	return sgx.StatusEnclaveCrashed
}

// runThread runs the oldest pending thread on the entering slot. The thread
// always leaves through the thread exit path.
func (im *image) runThread(ctx *Context) sgx.Status {
	im.mu.Lock()
	if len(im.pending) == 0 {
		im.mu.Unlock()
		return sgx.StatusInvalidState
	}
	th := im.pending[0]
	im.pending = im.pending[1:]
	im.mu.Unlock()

	defer close(th.done)
	th.routine(ctx)
	return sgx.StatusPthreadExit
}

func (im *image) initSwitchless(mgr *switchless.Manager) sgx.Status {
	if mgr == nil {
		return sgx.StatusInvalidParameter
	}
	if !im.layout.Version.SupportsSwitchless() {
		return sgx.StatusInvalidState
	}
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.switchless != nil {
		return sgx.StatusInvalidState
	}
	mgr.BindTrusted(workerTarget{im: im})
	im.switchless = mgr
	return sgx.StatusSuccess
}

// workerTarget runs user functions for a trusted switchless worker. Its
// context is that of the worker's own entry; the target bound at
// ECMD_INIT_SWITCHLESS has none and only describes the table.
type workerTarget struct {
	im  *image
	ctx *Context
}

// Count implements switchless.Target.Count.
func (w workerTarget) Count() int {
	return len(w.im.program.Ecalls)
}

// Call implements switchless.Target.Call.
func (w workerTarget) Call(ordinal int32, ms unsafe.Pointer) sgx.Status {
	if w.ctx == nil {
		return sgx.StatusInvalidState
	}
	e := &w.im.program.Ecalls[ordinal]
	if e.Private {
		return sgx.StatusEcallNotAllowed
	}
	return e.Fn(w.ctx, ms)
}

// Thread is a trusted thread created with Context.CreateThread.
type Thread struct {
	routine func(ctx *Context)
	done    chan struct{}
}

// Done is closed when the thread's routine returns.
func (th *Thread) Done() <-chan struct{} {
	return th.done
}

// Context is the trusted side of one entry. It is only valid on the
// goroutine that entered, until the entry returns.
type Context struct {
	im  *image
	tcs *tcs
	cc  *platform.CallContext
}

// TCS returns the address of the slot the entry runs on.
func (c *Context) TCS() uintptr {
	return c.tcs.addr
}

// Base returns the base address of the region.
func (c *Context) Base() uintptr {
	return c.im.layout.Base
}

// StackGuard returns the address of the guard page below the slot's stack.
func (c *Context) StackGuard() uintptr {
	return c.tcs.guard
}

// Ocall leaves the region to run ocall index and returns its status. If the
// region was destroyed during the ocall, the entry is aborted.
func (c *Context) Ocall(index int32, ms unsafe.Pointer) sgx.Status {
	t := c.tcs
	t.ocalls = append(t.ocalls, index)
	t.busy.Store(false)
	status := c.cc.Exit.Ocall(c.cc, index, ms)
	t.busy.Store(true)
	t.ocalls = t.ocalls[:len(t.ocalls)-1]
	if status == sgx.StatusReadLockFail {
		panic(abort{status: status})
	}
	return status
}

// OcallSwitchless runs ocall index through the region's switchless workers
// if possible, and through Ocall otherwise.
func (c *Context) OcallSwitchless(index int32, ms unsafe.Pointer) sgx.Status {
	if index >= 0 {
		if mgr := c.im.switchlessManager(); mgr != nil {
			if status, err := mgr.Ocall(index, ms); err == nil {
				return status
			}
		}
	}
	return c.Ocall(index, ms)
}

// Raise simulates an exception at the current point of trusted execution.
// The thread exits the region asynchronously and the untrusted runtime is
// expected to have the exception handled by an ECMD_EXCEPT entry on the same
// slot. Raise returns if the exception was resolved; otherwise the entry is
// aborted with the status chosen by the untrusted runtime.
func (c *Context) Raise(vector uint8, addr uintptr) {
	t := c.tcs
	t.ssa = append(t.ssa[:t.cssa], ExceptionInfo{Vector: vector, Addr: addr})
	t.cssa++
	t.busy.Store(false)
	f := &platform.Fault{
		Call:   c.cc,
		TCS:    t.addr,
		Leaf:   sgx.ERESUME,
		PC:     c.im.layout.ResumePoint,
		Vector: vector,
		Addr:   addr,
	}
	d := f.Raise()
	t.busy.Store(true)
	t.cssa--
	switch d {
	case sighandling.Resume:
		return
	case sighandling.Redirect:
		panic(abort{status: f.Status})
	default:
		panic(fmt.Sprintf("unhandled exception %d at %#x in region %#x", vector, addr, c.im.layout.ID))
	}
}

// Exit leaves the region through the thread exit path. It does not return.
func (c *Context) Exit() {
	panic(abort{status: sgx.StatusPthreadExit})
}

// CreateThread starts a trusted thread running routine on a new slot.
func (c *Context) CreateThread(routine func(ctx *Context)) (*Thread, sgx.Status) {
	th := &Thread{routine: routine, done: make(chan struct{})}
	c.im.mu.Lock()
	c.im.pending = append(c.im.pending, th)
	c.im.mu.Unlock()

	args := sgx.PthreadCreateArgs{Self: uint64(c.tcs.addr)}
	if status := c.Ocall(sgx.OCALL_PTHREAD_CREATE, unsafe.Pointer(&args)); status != sgx.StatusSuccess {
		c.im.mu.Lock()
		for i, p := range c.im.pending {
			if p == th {
				c.im.pending = append(c.im.pending[:i], c.im.pending[i+1:]...)
				break
			}
		}
		c.im.mu.Unlock()
		return nil, status
	}
	return th, sgx.StatusSuccess
}

func timeoutNanos(timeout time.Duration) int64 {
	if timeout < 0 {
		return 0
	}
	return int64(timeout)
}

// EventWait waits for the untrusted event of this slot to be set. A zero
// timeout waits forever.
func (c *Context) EventWait(timeout time.Duration) sgx.Status {
	args := sgx.EventWaitArgs{Self: uint64(c.tcs.addr), TimeoutNanos: timeoutNanos(timeout)}
	return c.Ocall(sgx.OCALL_EVENT_WAIT, unsafe.Pointer(&args))
}

// EventSet sets the untrusted event of slot waiter.
func (c *Context) EventSet(waiter uintptr) sgx.Status {
	args := sgx.EventSetArgs{Waiter: uint64(waiter)}
	return c.Ocall(sgx.OCALL_EVENT_SET, unsafe.Pointer(&args))
}

// EventSetMultiple sets the untrusted events of slots waiters.
func (c *Context) EventSetMultiple(waiters []uintptr) sgx.Status {
	args := sgx.EventSetMultipleArgs{Waiters: make([]uint64, len(waiters))}
	for i, w := range waiters {
		args.Waiters[i] = uint64(w)
	}
	return c.Ocall(sgx.OCALL_EVENT_SET_MULTIPLE, unsafe.Pointer(&args))
}

// EventSetWait sets the event of waiter and waits for the event of this
// slot.
func (c *Context) EventSetWait(waiter uintptr, timeout time.Duration) sgx.Status {
	args := sgx.EventSetWaitArgs{Waiter: uint64(waiter), Self: uint64(c.tcs.addr), TimeoutNanos: timeoutNanos(timeout)}
	return c.Ocall(sgx.OCALL_EVENT_SETWAIT, unsafe.Pointer(&args))
}

// TrimPages removes the pages of [addr, addr+size) from the region.
func (c *Context) TrimPages(addr, size uint64) sgx.Status {
	if !c.im.layout.Version.SupportsEDMM() {
		return sgx.StatusInvalidState
	}
	args := sgx.EDMMArgs{Addr: addr, Size: size}
	if status := c.Ocall(sgx.OCALL_EDMM_TRIM, unsafe.Pointer(&args)); status != sgx.StatusSuccess {
		return status
	}
	return c.Ocall(sgx.OCALL_EDMM_TRIM_COMMIT, unsafe.Pointer(&args))
}

// RestrictPermissions restricts the permissions of the pages of
// [addr, addr+size) to prot.
func (c *Context) RestrictPermissions(addr, size uint64, prot uint32) sgx.Status {
	if !c.im.layout.Version.SupportsEDMM() {
		return sgx.StatusInvalidState
	}
	args := sgx.EDMMArgs{Addr: addr, Size: size, Prot: prot}
	if status := c.Ocall(sgx.OCALL_EDMM_MODPR, unsafe.Pointer(&args)); status != sgx.StatusSuccess {
		return status
	}
	return c.Ocall(sgx.OCALL_EDMM_MPROTECT, unsafe.Pointer(&args))
}
