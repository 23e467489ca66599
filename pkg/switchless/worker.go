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
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/sync"
)

// waker parks idle workers of one direction.
type waker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	gen     uint64
	stopped bool

	workers  atomicbitops.Int32
	sleeping atomicbitops.Int32
}

func (w *waker) init() {
	w.cond = sync.NewCond(&w.mu)
}

// available returns true if a worker is polling. If all workers are asleep
// they are woken, but the caller should not wait for them.
func (w *waker) available() bool {
	n := w.workers.Load()
	if n == 0 {
		return false
	}
	if w.sleeping.Load() >= n {
		w.wake()
		return false
	}
	return true
}

// wake wakes sleeping workers.
func (w *waker) wake() {
	if w.sleeping.Load() == 0 {
		return
	}
	w.mu.Lock()
	w.gen++
	w.cond.Broadcast()
	w.mu.Unlock()
}

// sleep parks the calling worker until it is woken or pending returns true.
// It returns false if the waker was stopped.
func (w *waker) sleep(pending func() bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sleeping.Add(1)
	defer w.sleeping.Add(-1)
	gen := w.gen
	for !w.stopped && w.gen == gen && !pending() {
		w.cond.Wait()
	}
	return !w.stopped
}

func (w *waker) stop() {
	w.mu.Lock()
	w.stopped = true
	w.cond.Broadcast()
	w.mu.Unlock()
}

// work is the worker loop. It polls m's signal lines and runs claimed tasks
// with exec, or with the bound target if exec is nil, until stopping is set.
// It sleeps after Config.RetriesBeforeSleep empty polls.
func (m *CallMngr) work(stopping *atomicbitops.Bool, exec Target) {
	m.wake.workers.Add(1)
	defer m.wake.workers.Add(-1)
	m.cfg.report(m.typ, WorkerStart, m.Stats())
	defer func() {
		m.cfg.report(m.typ, WorkerExit, m.Stats())
	}()

	idle := 0
	for !stopping.Load() {
		if m.crashed != nil && m.crashed() {
			return
		}
		if line, ok := m.lines.Claim(); ok {
			m.process(line, exec)
			idle = 0
			continue
		}
		if idle++; idle < m.cfg.RetriesBeforeSleep {
			sync.Yield()
			continue
		}
		idle = 0
		m.cfg.report(m.typ, WorkerIdle, m.Stats())
		if !m.wake.sleep(m.lines.Pending) {
			return
		}
	}
}
