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
	"fmt"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/sighandling"
	"enclaves.dev/urts/pkg/sync"
)

var (
	recoveryOnce sync.Once
	recoveryErr  error

	recoveryMu sync.Mutex

	// previousHandlers holds the handlers that were installed before ours,
	// keyed by the signals ours is installed for.
	previousHandlers = make(map[unix.Signal]sighandling.Handler)

	// runtimes is the set of runtimes whose regions are recovered by the
	// process-wide handler.
	runtimes = make(map[*Runtime]struct{})
)

// installRecovery installs the process-wide recovery handler for the fault
// signals, once. Handlers installed earlier are chained to; they see every
// trap that is not taken inside a known region.
func installRecovery() error {
	recoveryOnce.Do(func() {
		for _, sig := range sighandling.FaultSignals() {
			var prev sighandling.Handler
			recoveryMu.Lock()
			err := sighandling.ReplaceSignalHandler(sig, handleFrame, &prev)
			if err == nil {
				previousHandlers[sig] = prev
			}
			recoveryMu.Unlock()
			if err != nil {
				recoveryErr = fmt.Errorf("installing recovery handler for %v: %w", sig, err)
				return
			}
		}
	})
	return recoveryErr
}

func addRuntime(rt *Runtime) {
	recoveryMu.Lock()
	defer recoveryMu.Unlock()
	runtimes[rt] = struct{}{}
}

func removeRuntime(rt *Runtime) {
	recoveryMu.Lock()
	defer recoveryMu.Unlock()
	delete(runtimes, rt)
}

// handleFrame is the process-wide recovery handler.
func handleFrame(fr *sighandling.Frame) sighandling.Disposition {
	f, ok := fr.Context.(*platform.Fault)
	if !ok {
		return forwardFrame(fr)
	}
	recoveryMu.Lock()
	var owner *Runtime
	for rt := range runtimes {
		if rt.registry.LookupBySlotAddress(f.TCS) != nil {
			owner = rt
			break
		}
	}
	recoveryMu.Unlock()
	if owner == nil {
		recoveries.Increment("forwarded")
		return forwardFrame(fr)
	}
	return owner.recoverFault(f)
}

// forwardFrame hands fr to the handlers that precede ours.
func forwardFrame(fr *sighandling.Frame) sighandling.Disposition {
	recoveryMu.Lock()
	prev, installed := previousHandlers[fr.Signal]
	recoveryMu.Unlock()
	if !installed {
		return sighandling.DispatchNoTerminate(fr)
	}
	return sighandling.Forward(prev, fr)
}

// recoverFault handles a trap taken by a call into one of rt's regions.
func (rt *Runtime) recoverFault(f *platform.Fault) sighandling.Disposition {
	r := rt.registry.AcquireRefBySlotAddress(f.TCS)
	if r == nil {
		recoveries.Increment("forwarded")
		return forwardFrame(f.Frame())
	}
	defer rt.registry.ReleaseRef(r)

	d, handled := r.recoverFault(f)
	switch {
	case !handled:
		recoveries.Increment("forwarded")
	case d == sighandling.Resume:
		recoveries.Increment("resumed")
	default:
		recoveries.Increment("redirected")
	}
	return d
}

// recoverFault handles a trap on one of r's slots. It returns the
// disposition and whether the trap was handled here rather than forwarded.
func (r *Region) recoverFault(f *platform.Fault) (sighandling.Disposition, bool) {
	l := r.layout
	switch {
	case f.PC == l.ResumePoint && f.Leaf == sgx.ERESUME:
		// The trap interrupted trusted code. The region handles it on
		// the same slot, using the state save area the trap filled.
		cc := &platform.CallContext{
			TCS:     f.TCS,
			Index:   sgx.ECMD_EXCEPT,
			Exit:    r,
			Recover: r.recover,
			Parent:  f.Call,
		}
		if f.Call != nil {
			cc.Ocalls = f.Call.Ocalls
		}
		switch status := r.image.Enter(cc); status {
		case sgx.StatusSuccess:
			return sighandling.Resume, true
		case sgx.StatusEnclaveLost:
			r.lost.Store(true)
			f.Status = status
			return sighandling.Redirect, true
		case sgx.StatusStackOverrun:
			f.Status = status
			return sighandling.Redirect, true
		}

		// The region did not handle the trap. The interrupted call
		// cannot continue, so it no longer needs its lock.
		if c := f.Call; c != nil && c.ReadLocked && !c.LockReleased() {
			r.lock.RUnlock()
			c.SetLockReleased()
		}
		f.Status = sgx.StatusEnclaveCrashed
		d := forwardFrame(f.Frame())
		if d == sighandling.Resume {
			// Trusted code cannot be resumed without the lock.
			return sighandling.Redirect, false
		}
		return d, false

	case f.PC == l.EntryPoint && f.Leaf == sgx.EENTER:
		// The entry itself faulted: the region's hardware state is
		// gone.
		r.lost.Store(true)
		f.Status = sgx.StatusEnclaveLost
		return sighandling.Redirect, true
	}
	return forwardFrame(f.Frame()), false
}
