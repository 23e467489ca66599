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

// Package switchless implements calls across a region boundary that are
// serviced by polling workers instead of a hardware transition.
//
// Each region with switchless calls enabled has one Manager holding two
// CallMngrs: ecalls submitted by the host and run by trusted workers inside
// the region, and ocalls submitted by the region and run by untrusted
// workers. A CallMngr owns a set of signal lines and the task array they
// index, both placed in shared memory. Submission is lock free:
//
//	caller                          worker
//	------                          ------
//	Alloc line (clear free bit)
//	write task, status=SUBMITTED
//	Trigger (set signal bit)
//	                                Claim (clear signal bit)
//	                                status SUBMITTED->ACCEPTED
//	                                validateAndClone, run
//	                                status ACCEPTED->DONE
//	wait for DONE, read ret
//	Free line (set free bit)
//
// A caller that is not accepted in time revokes its signal bit and falls
// back to the hardware path. Revocation fails only if a worker claimed the
// line, in which case the caller waits for the task to finish.
package switchless

import (
	"fmt"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/gate"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/sync"
)

// Manager holds the switchless state of one region.
type Manager struct {
	cfg Config
	mem []byte

	ecalls *CallMngr
	ocalls *CallMngr

	gate      gate.Gate
	stopping  atomicbitops.Bool
	startOnce sync.Once
	started   atomicbitops.Bool
	stopOnce  sync.Once
	stopErr   error
	tworkers  errgroup.Group

	releaseOnce sync.Once
}

// New allocates the switchless state of the region laid out at region.
// crashed reports whether the region's trusted runtime is unusable; workers
// stop executing calls once it returns true. cfg is copied.
func New(cfg Config, region *platform.Layout, crashed func() bool) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg.Copy()}
	size := callMngrSize(&m.cfg)
	total := (2*size + sgx.PageSize - 1) &^ (sgx.PageSize - 1)
	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping switchless lines: %w", err)
	}
	m.mem = mem
	m.ecalls = newCallMngr(TrustedWorker, &m.cfg, mem[:size], region, crashed)
	m.ocalls = newCallMngr(UntrustedWorker, &m.cfg, mem[size:2*size], region, crashed)
	return m, nil
}

// Config returns a copy of the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg.Copy()
}

// Started returns true if Start has been called.
func (m *Manager) Started() bool {
	return m.started.Load()
}

// Start binds the ocall table used by untrusted workers and starts the
// workers. Trusted workers are started by calling runTrusted, which must
// enter the region with ECMD_RUN_SWITCHLESS_TWORKER and return when the
// trusted worker loop returns. Only the first call has an effect.
func (m *Manager) Start(ocalls *platform.OcallTable, runTrusted func() error) {
	m.startOnce.Do(func() {
		m.ocalls.bind(ocallTarget{table: ocalls})
		for i := 0; i < m.cfg.UntrustedWorkers; i++ {
			if !m.gate.Enter() {
				break
			}
			go func() {
				defer m.gate.Leave()
				m.ocalls.work(&m.stopping, nil)
			}()
		}
		for i := 0; i < m.cfg.TrustedWorkers; i++ {
			m.tworkers.Go(runTrusted)
		}
		m.started.Store(true)
		log.Debugf("Started %d untrusted and %d trusted switchless workers", m.cfg.UntrustedWorkers, m.cfg.TrustedWorkers)
	})
}

// BindTrusted sets the table executed by trusted workers. It is called by
// the trusted runtime on ECMD_INIT_SWITCHLESS. A later call does not
// replace the first table and returns false.
func (m *Manager) BindTrusted(t Target) bool {
	return m.ecalls.bind(t)
}

// RunTrustedWorker runs a trusted worker loop on the calling thread, which
// must be executing inside the region. Accepted calls are validated against
// the table bound by BindTrusted and executed by exec, which runs them in the
// worker's own trusted context. It returns when the manager is stopped.
func (m *Manager) RunTrustedWorker(exec Target) sgx.Status {
	if !m.ecalls.bound.Load() {
		return sgx.StatusInvalidState
	}
	if !m.gate.Enter() {
		return sgx.StatusSuccess
	}
	defer m.gate.Leave()
	m.ecalls.work(&m.stopping, exec)
	return sgx.StatusSuccess
}

// Ecall runs a host-initiated call switchlessly.
func (m *Manager) Ecall(ordinal int32, ms unsafe.Pointer) (sgx.Status, error) {
	return m.ecalls.Call(ordinal, ms)
}

// Ocall runs a region-initiated call switchlessly.
func (m *Manager) Ocall(ordinal int32, ms unsafe.Pointer) (sgx.Status, error) {
	return m.ocalls.Call(ordinal, ms)
}

// OnHardwareOcall is called when the region made an ocall through the
// hardware path. Sleeping untrusted workers are woken so that the following
// ocalls can go switchless.
func (m *Manager) OnHardwareOcall() {
	m.ocalls.wake.wake()
}

// Stats returns the counters of the calls run by workers of type typ.
func (m *Manager) Stats(typ WorkerType) Stats {
	if typ == TrustedWorker {
		return m.ecalls.Stats()
	}
	return m.ocalls.Stats()
}

// Workers returns the number of running workers of type typ.
func (m *Manager) Workers(typ WorkerType) int {
	if typ == TrustedWorker {
		return int(m.ecalls.wake.workers.Load())
	}
	return int(m.ocalls.wake.workers.Load())
}

// Stop stops all workers and waits for them, including the trusted worker
// ecalls started by Start. Calls made afterwards return ErrWouldBlock. Stop
// is idempotent.
func (m *Manager) Stop() error {
	m.stopOnce.Do(func() {
		m.stopping.Store(true)
		m.ecalls.wake.stop()
		m.ocalls.wake.stop()
		m.gate.Close()
		m.stopErr = m.tworkers.Wait()
		if m.stopErr != nil {
			log.Warningf("Trusted switchless worker failed: %v", m.stopErr)
		}
	})
	return m.stopErr
}

// Release unmaps the shared memory. The manager must be stopped and no call
// may be in progress.
func (m *Manager) Release() {
	m.releaseOnce.Do(func() {
		if err := unix.Munmap(m.mem); err != nil {
			log.Warningf("Unmapping switchless lines: %v", err)
		}
		m.mem = nil
	})
}
