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
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/enclave/platform/sim"
	"enclaves.dev/urts/pkg/sighandling"
	"enclaves.dev/urts/pkg/switchless"
)

const (
	ecallEcho = iota
	ecallOcall
	ecallPrivate
	ecallRaise
	ecallBlock
	ecallThread
	ecallWait
	ecallTrim
	ecallExit
	ecallSwitchlessOcall
	ecallPublishWait
	ecallWakeAll
)

type raiseArgs struct {
	vector uint8
	guard  bool
	times  int
}

var (
	handledTraps atomicbitops.Int32
	uninits      atomicbitops.Int32
	threadRan    atomicbitops.Bool

	// forwarded counts the traps that reached the host handler.
	forwarded atomicbitops.Int32

	// ocallOnSwitchlessInit makes the switchless start make ocall 0.
	ocallOnSwitchlessInit atomicbitops.Bool
)

func init() {
	sim.RegisterProgram(&sim.Program{
		Name: "enclavetest",
		Ecalls: []sim.Ecall{
			ecallEcho: {Name: "echo", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				if ms != nil {
					v := (*[2]int)(ms)
					v[1] = v[0]
				}
				return sgx.StatusSuccess
			}},
			ecallOcall: {Name: "ocall", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				return ctx.Ocall(0, ms)
			}},
			ecallPrivate: {Name: "private", Private: true, Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				*(*int)(ms) = 42
				return sgx.StatusSuccess
			}},
			ecallRaise: {Name: "raise", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				a := (*raiseArgs)(ms)
				addr := ctx.Base() + 64*sgx.PageSize
				if a.guard {
					addr = ctx.StackGuard() + 16
				}
				for i := 0; i < a.times; i++ {
					ctx.Raise(a.vector, addr)
				}
				return sgx.StatusSuccess
			}},
			ecallBlock: {Name: "block", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				ch := *(*chan struct{})(ms)
				ch <- struct{}{}
				<-ch
				return sgx.StatusSuccess
			}},
			ecallThread: {Name: "thread", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				self := ctx.TCS()
				th, status := ctx.CreateThread(func(tctx *sim.Context) {
					threadRan.Store(true)
					tctx.EventSet(self)
				})
				if status != sgx.StatusSuccess {
					return status
				}
				if status := ctx.EventWait(5 * time.Second); status != sgx.StatusSuccess {
					return status
				}
				<-th.Done()
				return sgx.StatusSuccess
			}},
			ecallWait: {Name: "wait", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				return ctx.EventWait(*(*time.Duration)(ms))
			}},
			ecallTrim: {Name: "trim", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				addr := uint64(ctx.Base()) + 128*sgx.PageSize
				if status := ctx.RestrictPermissions(addr, sgx.PageSize, sgx.PROT_R); status != sgx.StatusSuccess {
					return status
				}
				return ctx.TrimPages(addr, 2*sgx.PageSize)
			}},
			ecallExit: {Name: "exit", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				ctx.Exit()
				return sgx.StatusSuccess
			}},
			ecallSwitchlessOcall: {Name: "switchless_ocall", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				return ctx.OcallSwitchless(0, ms)
			}},
			ecallPublishWait: {Name: "publish_wait", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				*(*chan uintptr)(ms) <- ctx.TCS()
				return ctx.EventWait(5 * time.Second)
			}},
			ecallWakeAll: {Name: "wake_all", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				return ctx.EventSetMultiple(*(*[]uintptr)(ms))
			}},
		},
		Edges: [][]int32{{ecallPrivate}},
		ExceptionHandlers: []sim.ExceptionHandler{
			func(ctx *sim.Context, info sim.ExceptionInfo) bool {
				if info.Vector != sgx.VECTOR_BP {
					return false
				}
				handledTraps.Add(1)
				return true
			},
		},
		Uninit: func(*sim.Context) { uninits.Add(1) },
		InitSwitchless: func(ctx *sim.Context) sgx.Status {
			if ocallOnSwitchlessInit.Load() {
				return ctx.Ocall(0, nil)
			}
			return sgx.StatusSuccess
		},
	})
}

// hostHandler stands for the handlers an application installs before the
// runtime. It turns traps it receives from regions into errors.
func hostHandler(fr *sighandling.Frame) sighandling.Disposition {
	if _, ok := fr.Context.(*platform.Fault); !ok {
		return sighandling.Terminate
	}
	forwarded.Add(1)
	return sighandling.Redirect
}

func TestMain(m *testing.M) {
	for _, sig := range sighandling.FaultSignals() {
		var prev sighandling.Handler
		if err := sighandling.ReplaceSignalHandler(sig, hostHandler, &prev); err != nil {
			fmt.Fprintf(os.Stderr, "installing host handler: %v\n", err)
			os.Exit(1)
		}
	}
	os.Exit(m.Run())
}

type manifest struct {
	slots      int
	maxSlots   int
	minPool    int
	policy     string
	ssaFrames  int
	version    string
	debug      bool
	stackPages int
}

func (m manifest) String() string {
	if m.slots == 0 {
		m.slots = 2
	}
	if m.maxSlots == 0 {
		m.maxSlots = m.slots
	}
	if m.policy == "" {
		m.policy = "unbind"
	}
	if m.ssaFrames == 0 {
		m.ssaFrames = 2
	}
	if m.version == "" {
		m.version = "2.3"
	}
	if m.stackPages == 0 {
		m.stackPages = 4
	}
	return fmt.Sprintf(`
program = "enclavetest"
size = 4194304
tcs_num = %d
tcs_max_num = %d
tcs_min_pool = %d
tcs_policy = %q
ssa_frames = %d
stack_pages = %d
version = %q
debug = %t
`, m.slots, m.maxSlots, m.minPool, m.policy, m.ssaFrames, m.stackPages, m.version, m.debug)
}

func writeManifest(t *testing.T, m manifest) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "region.toml")
	if err := os.WriteFile(path, []byte(m.String()), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	opts.Platform = sim.Name
	rt, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := rt.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return rt
}

func create(t *testing.T, rt *Runtime, m manifest) uint64 {
	t.Helper()
	id, err := rt.Create(writeManifest(t, m), CreateOptions{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func region(t *testing.T, rt *Runtime, id uint64) *Region {
	t.Helper()
	r, err := rt.Registry().Lookup(id)
	if err != nil {
		t.Fatalf("Lookup(%#x): %v", id, err)
	}
	return r
}

// nestedOcalls serves ocall 0 by calling the private function of region id
// nested.
func nestedOcalls(rt *Runtime, id *uint64) *platform.OcallTable {
	var table *platform.OcallTable
	table = &platform.OcallTable{Ocalls: []platform.Ocall{
		func(ms unsafe.Pointer) sgx.Status {
			return Status(rt.Ecall(*id, ecallPrivate, table, ms, false))
		},
	}}
	return table
}

// blockCall starts ecallBlock on region id and returns once it runs. The
// returned function lets it return and waits for its result.
func blockCall(t *testing.T, rt *Runtime, id uint64) func() error {
	t.Helper()
	ch := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- rt.Ecall(id, ecallBlock, nil, unsafe.Pointer(&ch), false)
	}()
	select {
	case <-ch:
	case err := <-errc:
		t.Fatalf("block: %v", err)
	}
	return func() error {
		ch <- struct{}{}
		return <-errc
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEcall(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})

	v := [2]int{7, 0}
	if err := rt.Ecall(id, ecallEcho, nil, unsafe.Pointer(&v), false); err != nil || v[1] != 7 {
		t.Errorf("echo = %v, %d; want nil, 7", err, v[1])
	}
	if err := rt.Ecall(id, 100, nil, nil, false); !errors.Is(err, ErrInvalidFunction) {
		t.Errorf("unknown ordinal: got %v, want %v", err, ErrInvalidFunction)
	}
	var x int
	if err := rt.Ecall(id, ecallPrivate, nil, unsafe.Pointer(&x), false); !errors.Is(err, ErrCallNotAllowed) {
		t.Errorf("private ecall: got %v, want %v", err, ErrCallNotAllowed)
	}
	if err := rt.Ecall(id, ecallOcall, nil, unsafe.Pointer(&x), false); !errors.Is(err, ErrInvalidFunction) {
		t.Errorf("ocall without a table: got %v, want %v", err, ErrInvalidFunction)
	}
}

func TestNestedEcall(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{slots: 1})

	var x int
	if err := rt.Ecall(id, ecallOcall, nestedOcalls(rt, &id), unsafe.Pointer(&x), false); err != nil {
		t.Fatalf("ecall: %v", err)
	}
	if x != 42 {
		t.Errorf("nested call wrote %d, want 42", x)
	}
	if got, want := region(t, rt, id).Slots(), (SlotStats{Total: 1, Free: 1}); got != want {
		t.Errorf("slots after nested call = %+v, want %+v", got, want)
	}
}

func TestRegionIDs(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})

	if err := rt.Ecall(id+1000, ecallEcho, nil, nil, false); !errors.Is(err, ErrInvalidRegionID) {
		t.Errorf("unknown id: got %v, want %v", err, ErrInvalidRegionID)
	}
	if err := rt.Destroy(id + 1000); !errors.Is(err, ErrInvalidRegionID) {
		t.Errorf("Destroy(unknown id): got %v, want %v", err, ErrInvalidRegionID)
	}
	if err := rt.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := rt.Destroy(id); err != nil {
		t.Errorf("second Destroy: %v", err)
	}
	if err := rt.Ecall(id, ecallEcho, nil, nil, false); !errors.Is(err, ErrRegionLost) {
		t.Errorf("ecall after Destroy: got %v, want %v", err, ErrRegionLost)
	}
	if _, err := rt.TargetInfo(id); !errors.Is(err, ErrRegionLost) {
		t.Errorf("TargetInfo after Destroy: got %v, want %v", err, ErrRegionLost)
	}
}

func TestConcurrentEcallsAndDestroy(t *testing.T) {
	rt := newRuntime(t, Options{SlotTimeout: 10 * time.Second})
	live := liveRegions.Load()
	id := create(t, rt, manifest{slots: 2})
	r := region(t, rt, id)

	const callers = 50
	start := make(chan struct{})
	errs := make([]error, callers)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			<-start
			v := [2]int{i, -1}
			errs[i] = rt.Ecall(id, ecallEcho, nil, unsafe.Pointer(&v), false)
			if errs[i] == nil && v[1] != i {
				errs[i] = fmt.Errorf("echo returned %d, want %d", v[1], i)
			}
			return nil
		})
	}
	close(start)
	time.Sleep(time.Millisecond)
	if err := rt.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	g.Wait()

	for i, err := range errs {
		if err != nil && !errors.Is(err, ErrRegionLost) {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if err := rt.Ecall(id, ecallEcho, nil, nil, false); !errors.Is(err, ErrRegionLost) {
		t.Errorf("ecall after Destroy: got %v, want %v", err, ErrRegionLost)
	}
	if refs := r.ReadRefs(); refs != 0 {
		t.Errorf("region has %d references after all callers returned, want 0", refs)
	}
	if got := liveRegions.Load(); got != live {
		t.Errorf("live regions = %d after Destroy, want %d", got, live)
	}
}

func TestDestroyWaitsForCalls(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})
	r := region(t, rt, id)

	finish := blockCall(t, rt, id)
	destroyed := make(chan error, 1)
	go func() {
		destroyed <- rt.Destroy(id)
	}()

	time.Sleep(50 * time.Millisecond)
	if r.Destroyed() {
		t.Fatalf("region destroyed with a call in progress")
	}
	if err := finish(); err != nil {
		t.Errorf("blocked call: %v", err)
	}
	if err := <-destroyed; err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !r.Destroyed() {
		t.Errorf("region not destroyed")
	}
}

func TestDestroyDuringOcall(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})
	r := region(t, rt, id)

	done := make(chan error, 1)
	table := &platform.OcallTable{Ocalls: []platform.Ocall{
		func(ms unsafe.Pointer) sgx.Status {
			go func() { done <- rt.Destroy(id) }()
			for !r.Destroyed() {
				time.Sleep(time.Millisecond)
			}
			return sgx.StatusSuccess
		},
	}}
	var x int
	if err := rt.Ecall(id, ecallOcall, table, unsafe.Pointer(&x), false); !errors.Is(err, ErrRegionLost) {
		t.Errorf("ecall whose ocall outlived the region: got %v, want %v", err, ErrRegionLost)
	}
	if err := <-done; err != nil {
		t.Errorf("Destroy: %v", err)
	}
}

func TestZombie(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})

	r, err := rt.Registry().AcquireRef(id)
	if err != nil {
		t.Fatalf("AcquireRef: %v", err)
	}
	if err := rt.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if !r.Zombie() {
		t.Errorf("referenced destroyed region is not a zombie")
	}
	if err := r.Ecall(ecallEcho, nil, nil, false); !errors.Is(err, ErrRegionLost) {
		t.Errorf("ecall on zombie: got %v, want %v", err, ErrRegionLost)
	}
	rt.Registry().ReleaseRef(r)
	if r.Zombie() || r.ReadRefs() != 0 {
		t.Errorf("region still referenced after the last release: %d refs", r.ReadRefs())
	}
}

func TestRegistryAddressLookup(t *testing.T) {
	rt := newRuntime(t, Options{})
	a := create(t, rt, manifest{})
	b := create(t, rt, manifest{})
	reg := rt.Registry()

	for _, id := range []uint64{a, b} {
		r := region(t, rt, id)
		l := r.Layout()
		for _, tcs := range l.TCS {
			if got := reg.LookupBySlotAddress(tcs); got != r {
				t.Errorf("LookupBySlotAddress(%#x) = %p, want region %#x", tcs, got, id)
			}
		}
		if got := reg.LookupBySlotAddress(l.Base + l.Size); got == r {
			t.Errorf("LookupBySlotAddress(end of region %#x) found it", id)
		}
	}
	if got := reg.LookupBySlotAddress(1); got != nil {
		t.Errorf("LookupBySlotAddress(1) = %p, want nil", got)
	}
	if diff := cmp.Diff([]uint64{min(a, b), max(a, b)}, reg.IDs()); diff != "" {
		t.Errorf("IDs mismatch (-want +got):\n%s", diff)
	}

	tcs := region(t, rt, a).Layout().TCS[0]
	if err := rt.Destroy(a); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := reg.LookupBySlotAddress(tcs); got != nil {
		t.Errorf("destroyed region still found by slot address")
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}
}

func faultPaths(t *testing.T, fn func(t *testing.T, rt *Runtime)) {
	for _, portable := range []bool{false, true} {
		t.Run(fmt.Sprintf("portable=%t", portable), func(t *testing.T) {
			fn(t, newRuntime(t, Options{PortableFaults: portable}))
		})
	}
}

func TestExceptionResumed(t *testing.T) {
	faultPaths(t, func(t *testing.T, rt *Runtime) {
		id := create(t, rt, manifest{})
		before := handledTraps.Load()
		a := raiseArgs{vector: sgx.VECTOR_BP, times: 3}
		if err := rt.Ecall(id, ecallRaise, nil, unsafe.Pointer(&a), false); err != nil {
			t.Fatalf("ecall: %v", err)
		}
		if got := handledTraps.Load() - before; got != 3 {
			t.Errorf("region handled %d traps, want 3", got)
		}
		// The region is still usable.
		if err := rt.Ecall(id, ecallEcho, nil, nil, false); err != nil {
			t.Errorf("ecall after resumed traps: %v", err)
		}
	})
}

func TestStackOverrun(t *testing.T) {
	faultPaths(t, func(t *testing.T, rt *Runtime) {
		id := create(t, rt, manifest{})
		a := raiseArgs{vector: sgx.VECTOR_PF, guard: true, times: 1}
		if err := rt.Ecall(id, ecallRaise, nil, unsafe.Pointer(&a), false); !errors.Is(err, ErrStackOverrun) {
			t.Errorf("got %v, want %v", err, ErrStackOverrun)
		}
	})
}

func TestUnhandledExceptionForwarded(t *testing.T) {
	faultPaths(t, func(t *testing.T, rt *Runtime) {
		id := create(t, rt, manifest{})
		before := forwarded.Load()
		a := raiseArgs{vector: sgx.VECTOR_UD, times: 1}
		if err := rt.Ecall(id, ecallRaise, nil, unsafe.Pointer(&a), false); !errors.Is(err, ErrCrashed) {
			t.Errorf("got %v, want %v", err, ErrCrashed)
		}
		if forwarded.Load() == before {
			t.Errorf("trap not forwarded to the host handler")
		}
		if err := rt.Ecall(id, ecallEcho, nil, nil, false); !errors.Is(err, ErrCrashed) {
			t.Errorf("ecall into crashed region: got %v, want %v", err, ErrCrashed)
		}
		// The lock released by recovery must not be released twice:
		// destruction takes it for writing.
		if err := rt.Destroy(id); err != nil {
			t.Errorf("Destroy: %v", err)
		}
	})
}

func TestNestedExceptionLosesRegion(t *testing.T) {
	faultPaths(t, func(t *testing.T, rt *Runtime) {
		id := create(t, rt, manifest{ssaFrames: 1})
		before := uninits.Load()
		a := raiseArgs{vector: sgx.VECTOR_BP, times: 1}
		if err := rt.Ecall(id, ecallRaise, nil, unsafe.Pointer(&a), false); !errors.Is(err, ErrRegionLost) {
			t.Errorf("got %v, want %v", err, ErrRegionLost)
		}
		if err := rt.Destroy(id); err != nil {
			t.Errorf("Destroy: %v", err)
		}
		if uninits.Load() != before {
			t.Errorf("lost region was uninitialized")
		}
	})
}

func TestUninit(t *testing.T) {
	rt := newRuntime(t, Options{})
	for _, tc := range []struct {
		version string
		want    int32
	}{
		{version: "1.5", want: 0},
		{version: "2.0", want: 1},
	} {
		id := create(t, rt, manifest{version: tc.version})
		before := uninits.Load()
		if err := rt.Destroy(id); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if got := uninits.Load() - before; got != tc.want {
			t.Errorf("version %s: %d uninitializations, want %d", tc.version, got, tc.want)
		}
	}
}

func TestThreadExit(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{slots: 1})
	if err := rt.Ecall(id, ecallExit, nil, nil, false); err != nil {
		t.Errorf("thread exit: got %v, want success", err)
	}
	if got, want := region(t, rt, id).Slots(), (SlotStats{Total: 1, Free: 1}); got != want {
		t.Errorf("slots = %+v, want %+v", got, want)
	}
}

func TestCreateThread(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{slots: 2})
	threadRan.Store(false)
	if err := rt.Ecall(id, ecallThread, nil, nil, false); err != nil {
		t.Fatalf("ecall: %v", err)
	}
	if !threadRan.Load() {
		t.Errorf("trusted thread did not run")
	}
	r := region(t, rt, id)
	waitFor(t, "the thread's slot", func() bool { return r.Slots().Free == 2 })
}

func TestCreateThreadOutOfSlots(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{slots: 1})
	if err := rt.Ecall(id, ecallThread, nil, nil, false); !errors.Is(err, ErrOutOfSlots) {
		t.Errorf("got %v, want %v", err, ErrOutOfSlots)
	}
}

func TestEventWaitTimeout(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})
	timeout := 10 * time.Millisecond
	err := rt.Ecall(id, ecallWait, nil, unsafe.Pointer(&timeout), false)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != sgx.StatusTimeout {
		t.Errorf("got %v, want status %v", err, sgx.StatusTimeout)
	}
}

func TestEventWaitWokenByDestroy(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})
	errc := make(chan error, 1)
	go func() {
		var forever time.Duration
		errc <- rt.Ecall(id, ecallWait, nil, unsafe.Pointer(&forever), false)
	}()
	r := region(t, rt, id)
	waitFor(t, "the waiter", func() bool { return r.Slots().Free == 1 })
	if err := rt.Destroy(id); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := <-errc; !errors.Is(err, ErrRegionLost) {
		t.Errorf("waiter: got %v, want %v", err, ErrRegionLost)
	}
}

func TestEventSetMultiple(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{slots: 3})
	slots := make(chan uintptr, 2)
	errc := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			errc <- rt.Ecall(id, ecallPublishWait, nil, unsafe.Pointer(&slots), false)
		}()
	}
	waiters := []uintptr{<-slots, <-slots}
	if waiters[0] == waiters[1] {
		t.Fatalf("both waiters run on slot %#x", waiters[0])
	}
	if err := rt.Ecall(id, ecallWakeAll, nil, unsafe.Pointer(&waiters), false); err != nil {
		t.Fatalf("wake_all: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil {
			t.Errorf("waiter: %v", err)
		}
	}

	unknown := []uintptr{waiters[0] + 1}
	if err := rt.Ecall(id, ecallWakeAll, nil, unsafe.Pointer(&unknown), false); err == nil {
		t.Errorf("waking an unknown slot succeeded")
	}
}

func TestMemoryOcalls(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{})
	if err := rt.Ecall(id, ecallTrim, nil, nil, false); err != nil {
		t.Errorf("trim: %v", err)
	}

	old := create(t, rt, manifest{version: "2.0"})
	if err := rt.Ecall(old, ecallTrim, nil, nil, false); err == nil {
		t.Errorf("trim succeeded without dynamic memory support")
	}
}

func TestSlotTimeout(t *testing.T) {
	rt := newRuntime(t, Options{SlotTimeout: 0})
	id := create(t, rt, manifest{slots: 1})
	finish := blockCall(t, rt, id)
	if err := rt.Ecall(id, ecallEcho, nil, nil, false); !errors.Is(err, ErrOutOfSlots) {
		t.Errorf("got %v, want %v", err, ErrOutOfSlots)
	}
	if err := finish(); err != nil {
		t.Errorf("blocked call: %v", err)
	}
}

func TestSlotWait(t *testing.T) {
	rt := newRuntime(t, Options{SlotTimeout: 5 * time.Second})
	id := create(t, rt, manifest{slots: 1})
	finish := blockCall(t, rt, id)

	errc := make(chan error, 1)
	go func() {
		errc <- rt.Ecall(id, ecallEcho, nil, nil, false)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := finish(); err != nil {
		t.Errorf("blocked call: %v", err)
	}
	if err := <-errc; err != nil {
		t.Errorf("waiting call: %v", err)
	}
}

func TestDynamicSlots(t *testing.T) {
	rt := newRuntime(t, Options{})
	id := create(t, rt, manifest{slots: 1, maxSlots: 3, minPool: 1})
	r := region(t, rt, id)

	waitFor(t, "the minimum pool", func() bool {
		return r.Slots() == SlotStats{Total: 3, Free: 2, Pending: 1}
	})
	finish := blockCall(t, rt, id)
	waitFor(t, "the last dynamic slot", func() bool {
		return r.Slots() == SlotStats{Total: 3, Free: 2, Bound: 1}
	})
	if err := finish(); err != nil {
		t.Errorf("blocked call: %v", err)
	}
}

func TestBindPolicy(t *testing.T) {
	rt := newRuntime(t, Options{SlotTimeout: 5 * time.Second})
	id := create(t, rt, manifest{slots: 1, policy: "bind"})
	r := region(t, rt, id)

	// The slot stays bound to a thread that leaves the region.
	done := make(chan error)
	go func() {
		// Exiting without unlocking terminates the thread.
		runtime.LockOSThread()
		done <- rt.Ecall(id, ecallEcho, nil, nil, false)
	}()
	if err := <-done; err != nil {
		t.Fatalf("first ecall: %v", err)
	}
	if got := r.Slots(); got.Bound != 1 || got.Free != 0 {
		t.Errorf("slots after the first call = %+v, want one bound", got)
	}

	// Another thread gets the slot back once the first one exited.
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		done <- rt.Ecall(id, ecallEcho, nil, nil, false)
	}()
	if err := <-done; err != nil {
		t.Errorf("second ecall: %v", err)
	}
}

func TestCreateRetry(t *testing.T) {
	rt := newRuntime(t, Options{})
	sim.InjectLoadLoss(2)
	if _, err := rt.Create(writeManifest(t, manifest{}), CreateOptions{}); err != nil {
		t.Errorf("Create after transient losses: %v", err)
	}

	noRetry := newRuntime(t, Options{CreateRetryTimeout: -1})
	sim.InjectLoadLoss(1)
	if _, err := noRetry.Create(writeManifest(t, manifest{}), CreateOptions{}); !errors.Is(err, ErrRegionLost) {
		t.Errorf("Create without retries: got %v, want %v", err, ErrRegionLost)
	}
	sim.InjectLoadLoss(0)
}

func TestCreateErrors(t *testing.T) {
	rt := newRuntime(t, Options{})
	if _, err := rt.Create(filepath.Join(t.TempDir(), "missing.toml"), CreateOptions{}); err == nil || errors.Is(err, ErrRegionLost) {
		t.Errorf("Create(missing image) = %v, want a permanent error", err)
	}
	if _, err := rt.Create(writeManifest(t, manifest{}), CreateOptions{Debug: true}); err == nil {
		t.Errorf("debug load of a production image succeeded")
	}
	cfg := switchless.DefaultConfig()
	if _, err := rt.Create(writeManifest(t, manifest{version: "1.5"}), CreateOptions{Switchless: &cfg}); err == nil {
		t.Errorf("switchless calls enabled on a version 1.5 region")
	}
	if rt.Registry().Len() != 0 {
		t.Errorf("failed creations left %d regions registered", rt.Registry().Len())
	}
}

func TestTargetInfo(t *testing.T) {
	rt := newRuntime(t, Options{})
	id, err := rt.Create(writeManifest(t, manifest{debug: true}), CreateOptions{Debug: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	info, err := rt.TargetInfo(id)
	if err != nil {
		t.Fatalf("TargetInfo: %v", err)
	}
	if !info.Attributes.Debug() {
		t.Errorf("debug region without the debug attribute: %+v", info.Attributes)
	}
	if info.MREnclave == (sgx.Measurement{}) {
		t.Errorf("empty measurement")
	}
}

func TestSwitchless(t *testing.T) {
	rt := newRuntime(t, Options{})
	cfg := switchless.DefaultConfig()
	cfg.RetriesBeforeFallback = 1 << 20
	id, err := rt.Create(writeManifest(t, manifest{slots: 3}), CreateOptions{Switchless: &cfg})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	r := region(t, rt, id)

	var ocalls atomicbitops.Int32
	table := &platform.OcallTable{Ocalls: []platform.Ocall{
		func(ms unsafe.Pointer) sgx.Status {
			ocalls.Add(1)
			return sgx.StatusSuccess
		},
	}}
	for i := 0; i < 20; i++ {
		v := [2]int{i, -1}
		if err := rt.Ecall(id, ecallEcho, table, unsafe.Pointer(&v), true); err != nil || v[1] != i {
			t.Fatalf("switchless echo %d = %v, %d", i, err, v[1])
		}
	}
	mgr := r.Switchless()
	if mgr == nil || !mgr.Started() {
		t.Fatalf("switchless workers not started")
	}
	waitFor(t, "a switchless ecall", func() bool {
		v := [2]int{1, 0}
		if err := rt.Ecall(id, ecallEcho, table, unsafe.Pointer(&v), true); err != nil {
			t.Fatalf("switchless echo: %v", err)
		}
		return mgr.Stats(switchless.TrustedWorker).Processed > 0
	})

	if err := rt.Ecall(id, ecallSwitchlessOcall, table, nil, false); err != nil {
		t.Errorf("switchless ocall: %v", err)
	}
	if ocalls.Load() != 1 {
		t.Errorf("ocall ran %d times, want 1", ocalls.Load())
	}
	if err := rt.Destroy(id); err != nil {
		t.Errorf("Destroy: %v", err)
	}
}

func TestSwitchlessFallbackMatchesHardware(t *testing.T) {
	rt := newRuntime(t, Options{})
	cfg := switchless.DefaultConfig()
	cfg.TrustedWorkers = 0
	cfg.UntrustedWorkers = 1
	cfg.RetriesBeforeFallback = 4
	id, err := rt.Create(writeManifest(t, manifest{slots: 3}), CreateOptions{Switchless: &cfg})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	type result struct {
		Out []int
		Err string
	}
	call := func(ordinal int32, useSwitchless bool) result {
		v := [2]int{5, -1}
		var res result
		if err := rt.Ecall(id, ordinal, nil, unsafe.Pointer(&v), useSwitchless); err != nil {
			res.Err = err.Error()
		}
		res.Out = v[:]
		return res
	}
	for _, tc := range []struct {
		name    string
		ordinal int32
		want    result
	}{
		{"echo", ecallEcho, result{Out: []int{5, 5}}},
		{"private", ecallPrivate, result{Out: []int{5, -1}, Err: ErrCallNotAllowed.Error()}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hw := call(tc.ordinal, false)
			if diff := cmp.Diff(tc.want, hw); diff != "" {
				t.Errorf("hardware call mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(hw, call(tc.ordinal, true)); diff != "" {
				t.Errorf("switchless call differs from hardware call (-hardware +switchless):\n%s", diff)
			}
		})
	}
	if err := rt.Destroy(id); err != nil {
		t.Errorf("Destroy: %v", err)
	}
}

func TestNestedEcallDuringSwitchlessStart(t *testing.T) {
	ocallOnSwitchlessInit.Store(true)
	t.Cleanup(func() { ocallOnSwitchlessInit.Store(false) })

	rt := newRuntime(t, Options{})
	cfg := switchless.DefaultConfig()
	id, err := rt.Create(writeManifest(t, manifest{slots: 3}), CreateOptions{Switchless: &cfg})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		x         int
		nestedErr error
		nested    atomicbitops.Int32
	)
	var table *platform.OcallTable
	table = &platform.OcallTable{Ocalls: []platform.Ocall{
		func(unsafe.Pointer) sgx.Status {
			nested.Add(1)
			nestedErr = rt.Ecall(id, ecallPrivate, table, unsafe.Pointer(&x), true)
			return sgx.StatusSuccess
		},
	}}

	done := make(chan error, 1)
	v := [2]int{7, -1}
	go func() {
		done <- rt.Ecall(id, ecallEcho, table, unsafe.Pointer(&v), true)
	}()
	select {
	case err := <-done:
		if err != nil || v[1] != 7 {
			t.Errorf("echo = %v, %d, want nil, 7", err, v[1])
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("ecall deadlocked starting switchless workers")
	}
	if nested.Load() != 1 {
		t.Fatalf("switchless start made %d ocalls, want 1", nested.Load())
	}
	if nestedErr != nil || x != 42 {
		t.Errorf("nested ecall = %v, %d, want nil, 42", nestedErr, x)
	}
	if mgr := region(t, rt, id).Switchless(); mgr == nil || !mgr.Started() {
		t.Errorf("switchless workers not started")
	}
	if err := rt.Destroy(id); err != nil {
		t.Errorf("Destroy: %v", err)
	}
}

func TestStatusTranslation(t *testing.T) {
	for _, tc := range []struct {
		status sgx.Status
		want   error
	}{
		{sgx.StatusSuccess, nil},
		{sgx.StatusPthreadExit, nil},
		{sgx.StatusEnclaveLost, ErrRegionLost},
		{sgx.StatusReadLockFail, ErrRegionLost},
		{sgx.StatusOutOfTCS, ErrOutOfSlots},
		{sgx.StatusStackOverrun, ErrStackOverrun},
		{sgx.StatusEcallNotAllowed, ErrCallNotAllowed},
		{sgx.StatusEnclaveCrashed, ErrCrashed},
		{sgx.Status(0xF0000009), ErrUnexpected},
	} {
		if got := translate(tc.status); !errors.Is(got, tc.want) || (tc.want == nil) != (got == nil) {
			t.Errorf("translate(%v) = %v, want %v", tc.status, got, tc.want)
		}
	}

	err := translate(sgx.StatusInvalidParameter)
	var se *StatusError
	if !errors.As(err, &se) || se.Status != sgx.StatusInvalidParameter {
		t.Errorf("translate(%v) = %v, want a StatusError", sgx.StatusInvalidParameter, err)
	}
	for _, s := range []sgx.Status{sgx.StatusSuccess, sgx.StatusEnclaveLost, sgx.StatusOutOfTCS, sgx.StatusInvalidParameter} {
		if got := Status(translate(s)); got != s {
			t.Errorf("Status(translate(%v)) = %v", s, got)
		}
	}
}
