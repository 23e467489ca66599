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

package switchless

import (
	"errors"
	"time"
	"unsafe"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/sync"
)

var (
	// ErrWouldBlock is returned by Call when no worker accepted the task in
	// time. The caller should use the hardware path instead.
	ErrWouldBlock = errors.New("switchless call would block")

	// ErrAbandoned is returned by Call when a worker accepted the task but
	// did not finish it within Config.AbandonTimeout.
	ErrAbandoned = errors.New("switchless call abandoned")
)

// Task states.
const (
	taskInit uint32 = iota
	taskSubmitted
	taskAccepted
	taskDone
	taskAbandoned
)

// Task is the descriptor carried by one signal line. It lives in memory
// shared with the other side: the submitter owns it until the status is
// taskSubmitted, the worker that claimed the line owns it until taskDone.
type Task struct {
	status  atomicbitops.Uint32
	ordinal atomicbitops.Int32
	params  atomicbitops.Uint64
	ret     atomicbitops.Uint32
	_       uint32
}

// Target executes calls by ordinal.
type Target interface {
	// Count returns the number of valid ordinals.
	Count() int

	// Call runs ordinal with message ms.
	Call(ordinal int32, ms unsafe.Pointer) sgx.Status
}

type ocallTarget struct {
	table *platform.OcallTable
}

// Count implements Target.Count.
func (t ocallTarget) Count() int {
	return t.table.Count()
}

// Call implements Target.Call.
func (t ocallTarget) Call(ordinal int32, ms unsafe.Pointer) sgx.Status {
	fn := t.table.Ocalls[ordinal]
	if fn == nil {
		return sgx.StatusInvalidFunction
	}
	return fn(ms)
}

// stallSpins is the number of polls between checks of a claimed task's
// wait deadline.
const stallSpins = 1 << 12

// CallMngr runs calls in one direction over a set of signal lines.
type CallMngr struct {
	typ   WorkerType
	cfg   *Config
	lines *SignalLines
	tasks []Task

	// pins keeps each submitted message reachable while its line is in
	// use. Workers only execute a task whose params match its pin.
	pins []unsafe.Pointer

	region  *platform.Layout
	crashed func() bool

	bindOnce sync.Once
	bound    atomicbitops.Bool
	target   Target

	wake      waker
	processed atomicbitops.Uint64
	missed    atomicbitops.Uint64
	stall     log.Logger
}

func newCallMngr(typ WorkerType, cfg *Config, mem []byte, region *platform.Layout, crashed func() bool) *CallMngr {
	n := cfg.lines()
	words := (n + 63) / 64
	bitmaps := unsafe.Slice((*atomicbitops.Uint64)(unsafe.Pointer(&mem[0])), 2*words)
	tasks := unsafe.Slice((*Task)(unsafe.Pointer(&mem[2*words*8])), n)
	m := &CallMngr{
		typ:     typ,
		cfg:     cfg,
		lines:   newSignalLines(bitmaps[:words], bitmaps[words:], n),
		tasks:   tasks,
		pins:    make([]unsafe.Pointer, n),
		region:  region,
		crashed: crashed,
		stall:   log.BasicRateLimitedLogger(time.Minute),
	}
	m.wake.init()
	return m
}

// callMngrSize returns the size of the shared memory needed by one
// CallMngr.
func callMngrSize(cfg *Config) int {
	n := cfg.lines()
	return 2*((n+63)/64)*8 + n*int(unsafe.Sizeof(Task{}))
}

// bind sets the manager's target. Only the first call has an effect.
func (m *CallMngr) bind(t Target) bool {
	did := false
	m.bindOnce.Do(func() {
		m.target = t
		m.bound.Store(true)
		did = true
	})
	return did
}

func (m *CallMngr) boundTarget() Target {
	if !m.bound.Load() {
		return nil
	}
	return m.target
}

// Stats returns the manager's counters.
func (m *CallMngr) Stats() Stats {
	return Stats{Processed: m.processed.Load(), Missed: m.missed.Load()}
}

func (m *CallMngr) miss() {
	m.missed.Add(1)
	m.cfg.report(m.typ, WorkerMiss, m.Stats())
}

// Call submits ordinal with message ms and waits for a worker to run it.
// ms must stay valid until Call returns.
//
// If no worker accepts the task within Config.RetriesBeforeFallback polls,
// the task is revoked and ErrWouldBlock is returned. Once a worker has
// claimed the task, Call waits for it to finish, for at most
// Config.AbandonTimeout if that is set.
func (m *CallMngr) Call(ordinal int32, ms unsafe.Pointer) (sgx.Status, error) {
	if !m.wake.available() {
		m.miss()
		return 0, ErrWouldBlock
	}
	line, ok := m.lines.Alloc()
	if !ok {
		m.miss()
		return 0, ErrWouldBlock
	}

	t := &m.tasks[line]
	m.pins[line] = ms
	t.ordinal.Store(ordinal)
	t.params.Store(uint64(uintptr(ms)))
	t.ret.Store(0)
	t.status.Store(taskSubmitted)
	m.lines.Trigger(line)
	m.wake.wake()

	for i := 0; i < m.cfg.RetriesBeforeFallback && t.status.Load() == taskSubmitted; i++ {
		sync.Yield()
	}
	if t.status.Load() == taskSubmitted && m.lines.Revoke(line) {
		m.release(line)
		m.miss()
		return 0, ErrWouldBlock
	}
	return m.wait(line)
}

// wait waits for the task on a claimed line to finish.
func (m *CallMngr) wait(line int) (sgx.Status, error) {
	t := &m.tasks[line]
	var deadline time.Time
	if m.cfg.AbandonTimeout > 0 {
		deadline = time.Now().Add(time.Duration(m.cfg.AbandonTimeout))
	}
	start := time.Now()
	for spins := 1; t.status.Load() != taskDone; spins++ {
		if spins%stallSpins == 0 {
			now := time.Now()
			if !deadline.IsZero() && now.After(deadline) {
				if t.status.CompareAndSwap(taskAccepted, taskAbandoned) || t.status.CompareAndSwap(taskSubmitted, taskAbandoned) {
					m.stall.Warningf("Abandoned %v switchless call %d on line %d after %v", m.typ, t.ordinal.Load(), line, now.Sub(start))
					return 0, ErrAbandoned
				}
				continue
			}
			if now.Sub(start) > time.Second {
				m.stall.Warningf("Waiting %v for %v switchless call %d on line %d", now.Sub(start), m.typ, t.ordinal.Load(), line)
			}
		}
		sync.Yield()
	}
	ret := sgx.Status(t.ret.Load())
	m.release(line)
	return ret, nil
}

func (m *CallMngr) release(line int) {
	m.tasks[line].status.Store(taskInit)
	m.pins[line] = nil
	m.lines.Free(line)
}

// process runs the task on a line claimed by a worker.
func (m *CallMngr) process(line int, exec Target) {
	t := &m.tasks[line]
	if !t.status.CompareAndSwap(taskSubmitted, taskAccepted) {
		// Abandoned before it was accepted.
		m.release(line)
		return
	}
	t.ret.Store(uint32(m.execute(line, exec)))
	m.processed.Add(1)
	if !t.status.CompareAndSwap(taskAccepted, taskDone) {
		m.release(line)
	}
}

func (m *CallMngr) execute(line int, exec Target) sgx.Status {
	if m.crashed != nil && m.crashed() {
		return sgx.StatusEnclaveCrashed
	}
	req, status := m.validateAndClone(line)
	if status != sgx.StatusSuccess {
		log.Warningf("Rejected %v switchless call on line %d: %v", m.typ, line, status)
		return status
	}
	if exec == nil {
		exec = req.target
	}
	return exec.Call(req.ordinal, req.params)
}

// request is a validated private copy of a task.
type request struct {
	target  Target
	ordinal int32
	params  unsafe.Pointer
}

// validateAndClone copies the task on line out of shared memory and checks
// it: the ordinal must name a function of the bound target, and the message
// must be the one pinned by the submitter and must lie outside the region.
func (m *CallMngr) validateAndClone(line int) (request, sgx.Status) {
	t := &m.tasks[line]
	req := request{
		target:  m.boundTarget(),
		ordinal: t.ordinal.Load(),
	}
	addr := uintptr(t.params.Load())
	if req.target == nil {
		return req, sgx.StatusInvalidState
	}
	if req.ordinal < 0 || int(req.ordinal) >= req.target.Count() {
		return req, sgx.StatusInvalidFunction
	}
	pin := m.pins[line]
	if addr != uintptr(pin) {
		return req, sgx.StatusInvalidParameter
	}
	if addr != 0 && m.region != nil && m.region.Contains(addr) {
		return req, sgx.StatusInvalidParameter
	}
	req.params = pin
	return req, sgx.StatusSuccess
}
