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
	"unsafe"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/sighandling"
	"enclaves.dev/urts/pkg/switchless"
	"enclaves.dev/urts/pkg/sync"
)

// The simulated ENCLU instructions. Traps are reported at their addresses.
var (
	eenterInsn  byte
	eresumeInsn byte
)

// tcs is a simulated slot.
type tcs struct {
	addr    uintptr
	guard   uintptr
	dynamic bool

	// ready is false for a dynamic slot until ECMD_MKTCS initialized it.
	ready atomicbitops.Bool

	// busy is set while a thread executes on the slot.
	busy atomicbitops.Bool

	// The fields below are only used by the thread executing on the slot.

	// cssa is the current state save area: the depth of exceptions being
	// handled. ssa[:cssa] holds their state.
	cssa int
	ssa  []ExceptionInfo

	// ocalls is the stack of ocalls in progress.
	ocalls []int32
}

// image is a simulated region.
type image struct {
	layout  platform.Layout
	info    sgx.TargetInfo
	program *Program
	calls   *platform.CallTable
	nssa    int
	mem     []byte
	memory  memory

	// slots is immutable after load.
	slots map[uintptr]*tcs

	initialized   atomicbitops.Bool
	uninitialized atomicbitops.Bool
	crashed       atomicbitops.Bool
	destroyed     atomicbitops.Bool

	mu         sync.Mutex
	pending    []*Thread
	switchless *switchless.Manager
}

func newImage(m *parsedManifest, prog *Program, calls *platform.CallTable, mr sgx.Measurement, opts platform.LoadOptions) (*image, error) {
	mem, err := unix.Mmap(-1, 0, int(m.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("reserving %#x bytes: %w", m.Size, err)
	}
	im := &image{
		program: prog,
		calls:   calls,
		nssa:    m.SSAFrames,
		mem:     mem,
		slots:   make(map[uintptr]*tcs, m.TCSMaxNum),
	}
	im.memory.im = im

	flags := uint64(sgx.FLAGS_INITTED | sgx.FLAGS_MODE64BIT)
	if opts.Debug {
		flags |= sgx.FLAGS_DEBUG
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	im.layout = platform.Layout{
		ID:          platform.NewRegionID(),
		Base:        base,
		Size:        uintptr(m.Size),
		TCSMinPool:  m.TCSMinPool,
		TCSPolicy:   m.policy,
		EntryPoint:  uintptr(unsafe.Pointer(&eenterInsn)),
		ResumePoint: uintptr(unsafe.Pointer(&eresumeInsn)),
		Version:     m.version,
		Attributes:  sgx.Attributes{Flags: flags, XFRM: m.XFRM},
	}
	im.info = sgx.TargetInfo{
		MREnclave:  mr,
		Attributes: im.layout.Attributes,
		ConfigSVN:  m.ConfigSVN,
		MiscSelect: m.MiscSelect,
	}

	// Slot pages come first, followed by a guard page and the stack of
	// each slot.
	for i := 0; i < m.TCSMaxNum; i++ {
		guardOff := (m.TCSMaxNum + i*(1+m.StackPages)) * sgx.PageSize
		if err := unix.Mprotect(mem[guardOff:guardOff+sgx.PageSize], unix.PROT_NONE); err != nil {
			unix.Munmap(mem)
			return nil, fmt.Errorf("protecting guard page: %w", err)
		}
		t := &tcs{
			addr:    base + uintptr(i*sgx.PageSize),
			guard:   base + uintptr(guardOff),
			dynamic: i >= m.TCSNum,
		}
		t.ready.Store(!t.dynamic)
		im.slots[t.addr] = t
		if t.dynamic {
			im.layout.DynamicTCS = append(im.layout.DynamicTCS, t.addr)
		} else {
			im.layout.TCS = append(im.layout.TCS, t.addr)
		}
	}
	return im, nil
}

// Layout implements platform.Image.Layout.
func (im *image) Layout() *platform.Layout {
	return &im.layout
}

// TargetInfo implements platform.Image.TargetInfo.
func (im *image) TargetInfo() sgx.TargetInfo {
	return im.info
}

// Memory implements platform.Image.Memory.
func (im *image) Memory() platform.Memory {
	return &im.memory
}

// Crashed implements platform.Image.Crashed.
func (im *image) Crashed() bool {
	return im.crashed.Load()
}

// FastPath implements platform.FastPath.FastPath. Simulated traps can always
// be reported to CallContext.Recover.
func (im *image) FastPath() bool {
	return true
}

// Destroy implements platform.Image.Destroy.
func (im *image) Destroy() error {
	if im.destroyed.Swap(true) {
		return fmt.Errorf("region %#x destroyed twice", im.layout.ID)
	}
	return unix.Munmap(im.mem)
}

// Enter implements platform.Image.Enter.
func (im *image) Enter(cc *platform.CallContext) sgx.Status {
	t := im.slots[cc.TCS]
	if t == nil || im.destroyed.Load() || !t.ready.Load() {
		return im.entryFault(cc)
	}
	if !t.busy.CompareAndSwap(false, true) {
		return im.entryFault(cc)
	}
	if t.cssa >= im.nssa {
		// No state save area left for another entry.
		t.busy.Store(false)
		return im.entryFault(cc)
	}
	defer t.busy.Store(false)
	return im.run(&Context{im: im, tcs: t, cc: cc})
}

// entryFault reports a fault of the EENTER instruction.
func (im *image) entryFault(cc *platform.CallContext) sgx.Status {
	f := &platform.Fault{
		Call:   cc,
		TCS:    cc.TCS,
		Leaf:   sgx.EENTER,
		PC:     im.layout.EntryPoint,
		Vector: sgx.VECTOR_GP,
	}
	switch d := f.Raise(); d {
	case sighandling.Redirect:
		return f.Status
	case sighandling.Resume:
		// There is nothing to resume: the entry did not happen.
		return sgx.StatusUnexpected
	default:
		panic(fmt.Sprintf("unhandled %v entering region %#x on slot %#x", f.Frame().Signal, im.layout.ID, cc.TCS))
	}
}

// abort unwinds trusted code to the entry that is running it.
type abort struct {
	status sgx.Status
}

func (im *image) run(ctx *Context) (status sgx.Status) {
	defer func() {
		if r := recover(); r != nil {
			a, ok := r.(abort)
			if !ok {
				panic(r)
			}
			status = a.status
		}
	}()
	return im.dispatch(ctx)
}

func (im *image) switchlessManager() *switchless.Manager {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.switchless
}
