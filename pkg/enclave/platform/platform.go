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

// Package platform provides the contracts between the region runtime and the
// hardware backends that build regions and transition into them.
//
// A Platform loads an image and returns an Image. An Image owns the hardware
// resources of one region and implements the transition primitive, Enter.
// Everything a transition needs from the untrusted runtime travels in an
// explicit CallContext; traps during a transition are described by a Fault
// and routed either through the process-wide handler chain in
// pkg/sighandling or, when the backend can report them synchronously,
// through CallContext.Recover.
package platform

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"unsafe"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/sighandling"
	"enclaves.dev/urts/pkg/sync"
)

// ErrRegionLost is returned, possibly wrapped, by Platform.Load when the
// hardware dropped the region while it was being built. Loading may be
// retried.
var ErrRegionLost = errors.New("region lost during load")

// Platform builds regions.
type Platform interface {
	// Name returns the name the platform is registered under.
	Name() string

	// Load builds the region described by the image at path.
	Load(path string, opts LoadOptions) (Image, error)
}

// LoadOptions are the caller's load-time requests.
type LoadOptions struct {
	// Debug requests a debug region. It is only honored if the image
	// allows it.
	Debug bool
}

// TCSPolicy selects how execution slots are assigned to threads.
type TCSPolicy int

const (
	// TCSUnbind binds a slot to a thread only for the duration of an
	// outermost ecall.
	TCSUnbind TCSPolicy = iota

	// TCSBind binds a slot to the first thread that uses it, until that
	// thread exits.
	TCSBind
)

func (p TCSPolicy) String() string {
	switch p {
	case TCSUnbind:
		return "unbind"
	case TCSBind:
		return "bind"
	default:
		return fmt.Sprintf("TCSPolicy(%d)", int(p))
	}
}

// ParseTCSPolicy parses "bind" or "unbind".
func ParseTCSPolicy(s string) (TCSPolicy, error) {
	switch s {
	case "unbind", "":
		return TCSUnbind, nil
	case "bind":
		return TCSBind, nil
	default:
		return 0, fmt.Errorf("invalid TCS policy %q", s)
	}
}

// Layout is what loading produced: the inputs needed to construct a region
// and populate its slot pool.
type Layout struct {
	// ID is the process-unique region id.
	ID uint64

	// Base and Size describe the isolated address range.
	Base uintptr
	Size uintptr

	// TCS lists the slots usable immediately.
	TCS []uintptr

	// DynamicTCS lists slots that must be made usable with ECMD_MKTCS
	// before their first use.
	DynamicTCS []uintptr

	// TCSMinPool is the number of free slots the runtime tries to keep
	// available by initializing dynamic slots in the background.
	TCSMinPool int

	// TCSPolicy is the slot assignment policy requested by the image.
	TCSPolicy TCSPolicy

	// EntryPoint is the address a trap during EENTER is reported at.
	EntryPoint uintptr

	// ResumePoint is the asynchronous exit pointer: the address a trap
	// during ERESUME is reported at.
	ResumePoint uintptr

	Version    sgx.Version
	Attributes sgx.Attributes
}

// Contains returns true if addr lies in the region's address range.
func (l *Layout) Contains(addr uintptr) bool {
	return addr >= l.Base && addr-l.Base < l.Size
}

// OwnsTCS returns true if tcs is one of the region's slots.
func (l *Layout) OwnsTCS(tcs uintptr) bool {
	for _, t := range l.TCS {
		if t == tcs {
			return true
		}
	}
	for _, t := range l.DynamicTCS {
		if t == tcs {
			return true
		}
	}
	return false
}

// Memory manages the pages of a region after initialization.
type Memory interface {
	// Trim starts removing pages in [addr, addr+size).
	Trim(addr, size uint64) error

	// TrimCommit completes the removal of pages started by Trim.
	TrimCommit(addr, size uint64) error

	// ModifyPermissions restricts the permissions of pages.
	ModifyPermissions(addr, size uint64, prot uint32) error

	// Mprotect changes the host page table permissions of pages.
	Mprotect(addr, size uint64, prot uint32) error
}

// Image is one loaded region.
type Image interface {
	// Layout returns the region's layout. It is immutable.
	Layout() *Layout

	// TargetInfo returns the region's measurement and attributes.
	TargetInfo() sgx.TargetInfo

	// Enter transitions into the region on cc.TCS and runs cc.Index until
	// it returns or the call is aborted. Ocalls made by the region are
	// passed to cc.Exit. Enter returns the raw status.
	Enter(cc *CallContext) sgx.Status

	// Memory returns the region's memory manager.
	Memory() Memory

	// Crashed returns true if the trusted runtime marked itself unusable.
	Crashed() bool

	// Destroy releases the region's hardware resources. It is called
	// exactly once, with no transition in progress.
	Destroy() error
}

// FastPath is implemented by images that can report traps synchronously,
// through CallContext.Recover, rather than as signals.
type FastPath interface {
	FastPath() bool
}

// ExitHandler services exits from a region.
type ExitHandler interface {
	// Ocall runs the ocall index with message ms on behalf of cc.
	//
	// A StatusReadLockFail result means the region was destroyed during
	// the ocall: the backend must not re-enter and Enter must return
	// StatusReadLockFail.
	Ocall(cc *CallContext, index int32, ms unsafe.Pointer) sgx.Status
}

// CallContext is the explicit record of one transition. It is created by
// the caller of Enter and handed, through Fault, to the recovery path.
type CallContext struct {
	// TCS is the slot the call runs on.
	TCS uintptr

	// Index is an ECMD_* command or a user ecall ordinal.
	Index int32

	// Ocalls is the caller's ocall table.
	Ocalls *OcallTable

	// Message is the marshalled argument block.
	Message unsafe.Pointer

	// Exit services ocalls.
	Exit ExitHandler

	// Recover, if set, is called by backends that report traps
	// synchronously instead of raising them through pkg/sighandling.
	Recover func(f *Fault) sighandling.Disposition

	// Parent is the context of the ecall this call is nested in, if any.
	Parent *CallContext

	// ReadLocked is set if the caller holds the region's call lock for
	// reading for the duration of the call. Only such a lock may be
	// released by recovery.
	ReadLocked bool

	// lockReleased is set when fault recovery released the caller's call
	// lock before forwarding a trap down the handler chain.
	lockReleased atomicbitops.Bool
}

// SetLockReleased records that the call lock held for cc has been released
// on its behalf.
func (cc *CallContext) SetLockReleased() {
	cc.lockReleased.Store(true)
}

// LockReleased returns true if SetLockReleased was called.
func (cc *CallContext) LockReleased() bool {
	return cc.lockReleased.Load()
}

// Fault describes a trap taken during a transition.
type Fault struct {
	// Call is the interrupted transition.
	Call *CallContext

	// TCS is the slot the trap was taken on.
	TCS uintptr

	// Leaf is the ENCLU leaf executing when the trap was taken: EENTER if
	// the entry itself faulted, ERESUME if the trap interrupted code inside
	// the region.
	Leaf uint32

	// PC is the address the trap was reported at.
	PC uintptr

	// Vector and Addr describe the exception inside the region.
	Vector uint8
	Addr   uintptr

	// Status is set by recovery on a Redirect disposition: it is the status
	// the interrupted call must return.
	Status sgx.Status
}

// Frame wraps f for delivery through the handler chain.
func (f *Fault) Frame() *sighandling.Frame {
	sig := unixSignal(f.Vector)
	return &sighandling.Frame{Signal: sig, PC: f.PC, Addr: f.Addr, Context: f}
}

// Raise delivers f, through cc.Recover if set, and through the process-wide
// handler chain otherwise.
func (f *Fault) Raise() sighandling.Disposition {
	if f.Call != nil && f.Call.Recover != nil {
		return f.Call.Recover(f)
	}
	return sighandling.DispatchNoTerminate(f.Frame())
}

// Ocall is an untrusted function reachable from a region.
type Ocall func(ms unsafe.Pointer) sgx.Status

// OcallTable is an application's table of ocalls, indexed by ordinal.
type OcallTable struct {
	Ocalls []Ocall
}

// Count returns the number of ocalls in t. A nil table has none.
func (t *OcallTable) Count() int {
	if t == nil {
		return 0
	}
	return len(t.Ocalls)
}

// Constructor creates a Platform.
type Constructor func() (Platform, error)

var (
	platformsMu sync.Mutex
	platforms   = make(map[string]Constructor)
)

// Register registers a new platform type. It panics if name is taken.
func Register(name string, c Constructor) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	if _, ok := platforms[name]; ok {
		panic(fmt.Sprintf("duplicate platform registration for %q", name))
	}
	platforms[name] = c
}

// Lookup looks up the platform constructor by name.
func Lookup(name string) (Constructor, error) {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	c, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %v", name)
	}
	return c, nil
}

// List lists available platforms.
func List() []string {
	platformsMu.Lock()
	defer platformsMu.Unlock()
	names := make([]string, 0, len(platforms))
	for name := range platforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var regionCounter atomicbitops.Uint32

// NewRegionID returns a process-unique region id: the process id in the
// upper half and a counter in the lower half.
func NewRegionID() uint64 {
	return uint64(os.Getpid())<<32 | uint64(regionCounter.Add(1))
}
