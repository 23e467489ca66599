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

// Package sighandling provides the process-wide chain of fault handlers.
//
// Traps raised while a thread executes inside an isolated region are not
// delivered through the Go runtime's signal machinery: the platform that
// owns the transition catches them and hands a Frame to Dispatch. Handlers
// are installed per signal with ReplaceSignalHandler, which returns the
// previously installed handler so that a handler which does not recognize a
// trap can forward it down the chain.
package sighandling

import (
	"fmt"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/sync"
)

// Disposition is the outcome of handling a trap.
type Disposition int

const (
	// Terminate means no handler claimed the trap. This is the default
	// disposition of the synchronous fault signals.
	Terminate Disposition = iota

	// Resume means the trap was resolved and the trapped context may
	// continue.
	Resume

	// Redirect means the trapped context was rewritten to return an error
	// to its caller instead of continuing.
	Redirect
)

func (d Disposition) String() string {
	switch d {
	case Terminate:
		return "terminate"
	case Resume:
		return "resume"
	case Redirect:
		return "redirect"
	default:
		return fmt.Sprintf("Disposition(%d)", int(d))
	}
}

// Frame describes a trap.
type Frame struct {
	// Signal is the signal the trap would have been delivered as.
	Signal unix.Signal

	// PC is the trapping instruction address.
	PC uintptr

	// Addr is the faulting data address, if any.
	Addr uintptr

	// Context is the platform's record of the interrupted call. Handlers
	// that do not recognize its type must forward the frame.
	Context any
}

// Handler handles a trap.
type Handler func(f *Frame) Disposition

// Forward hands f to previous, or reports Terminate if there is none.
func Forward(previous Handler, f *Frame) Disposition {
	if previous == nil {
		return Terminate
	}
	return previous(f)
}

var (
	handlersMu sync.Mutex
	handlers   = make(map[unix.Signal]Handler)
)

// faultSignals are the signals a trap inside a region can be reported as.
var faultSignals = []unix.Signal{unix.SIGSEGV, unix.SIGBUS, unix.SIGFPE, unix.SIGILL, unix.SIGTRAP}

// FaultSignals returns the synchronous fault signals.
func FaultSignals() []unix.Signal {
	return append([]unix.Signal(nil), faultSignals...)
}

// ReplaceSignalHandler installs handler for sig and stores the previously
// installed handler, possibly nil, in previous.
func ReplaceSignalHandler(sig unix.Signal, handler Handler, previous *Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for signal %v", sig)
	}
	handlersMu.Lock()
	defer handlersMu.Unlock()
	*previous = handlers[sig]
	handlers[sig] = handler
	return nil
}

// RestoreSignalHandler reinstalls previous for sig, undoing a
// ReplaceSignalHandler call.
func RestoreSignalHandler(sig unix.Signal, previous Handler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	if previous == nil {
		delete(handlers, sig)
		return
	}
	handlers[sig] = previous
}

// Dispatch runs the handler chain for f.Signal. A Terminate disposition
// kills the process with the signal's default action; DispatchNoTerminate
// leaves that decision to the caller.
func Dispatch(f *Frame) Disposition {
	d := DispatchNoTerminate(f)
	if d == Terminate {
		panic(fmt.Sprintf("unhandled %v at pc %#x (addr %#x)", f.Signal, f.PC, f.Addr))
	}
	return d
}

// DispatchNoTerminate runs the handler chain for f.Signal and returns its
// disposition.
func DispatchNoTerminate(f *Frame) Disposition {
	handlersMu.Lock()
	h := handlers[f.Signal]
	handlersMu.Unlock()
	return Forward(h, f)
}

// StartSignalForwarding arranges for the termination signals to be passed to
// handler, and returns a function that stops it. It is used by the command
// line to tear regions down on SIGINT and SIGTERM.
func StartSignalForwarding(handler func(os.Signal)) func() {
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM)
	go func() {
		for {
			select {
			case s := <-ch:
				handler(s)
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
