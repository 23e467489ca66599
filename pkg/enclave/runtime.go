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

// Package enclave is the untrusted runtime of isolated regions.
//
// A Runtime loads regions through a platform backend, keeps them in a
// Registry and runs calls into them. Each call runs on an execution slot
// assigned to the calling thread by the region's slot pool; calls made from
// inside an ocall are nested on the same slot. Traps taken inside a region
// are handed back to the region through a recovery entry on the trapping
// slot, and only reach the rest of the process if the region cannot handle
// them.
//
// Lock order:
//
//	Region.lock
//	  Registry.mu
//	  pool.mu
//
// Registry.mu is never held while waiting for Region.lock.
package enclave

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/cleanup"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/switchless"
)

// DefaultCreateRetryTimeout bounds the retries of a load that lost the
// region, for instance to a power transition.
const DefaultCreateRetryTimeout = 30 * time.Second

// Options configures a Runtime.
type Options struct {
	// Platform is the name of the platform backend.
	Platform string

	// SlotTimeout is how long a call waits for a free slot. Zero fails
	// immediately. Negative values select DefaultSlotTimeout.
	SlotTimeout time.Duration

	// CreateRetryTimeout bounds the retries of a lost load. Zero selects
	// DefaultCreateRetryTimeout; negative values disable retries.
	CreateRetryTimeout time.Duration

	// PortableFaults forces traps to be delivered through the
	// process-wide handler chain even if the platform can report them
	// synchronously.
	PortableFaults bool
}

// CreateOptions are the per-region options of Create.
type CreateOptions struct {
	// Debug requests a debug region.
	Debug bool

	// Switchless, if set, enables switchless calls with this
	// configuration.
	Switchless *switchless.Config
}

// Runtime runs regions of one platform.
type Runtime struct {
	opts     Options
	platform platform.Platform
	registry *Registry
}

// New returns a Runtime for opts.Platform. It installs the process-wide
// recovery handler, if it is not installed yet; fault handlers installed
// before the first call to New are chained to.
func New(opts Options) (*Runtime, error) {
	if opts.SlotTimeout < 0 {
		opts.SlotTimeout = DefaultSlotTimeout
	}
	if opts.CreateRetryTimeout == 0 {
		opts.CreateRetryTimeout = DefaultCreateRetryTimeout
	}
	ctor, err := platform.Lookup(opts.Platform)
	if err != nil {
		return nil, err
	}
	p, err := ctor()
	if err != nil {
		return nil, fmt.Errorf("creating platform %q: %w", opts.Platform, err)
	}
	if err := installRecovery(); err != nil {
		return nil, err
	}
	rt := &Runtime{
		opts:     opts,
		platform: p,
		registry: NewRegistry(),
	}
	addRuntime(rt)
	return rt, nil
}

// Registry returns the runtime's region registry.
func (rt *Runtime) Registry() *Registry {
	return rt.registry
}

// Platform returns the runtime's platform.
func (rt *Runtime) Platform() platform.Platform {
	return rt.platform
}

func (rt *Runtime) createBackOff() backoff.BackOff {
	if rt.opts.CreateRetryTimeout < 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = rt.opts.CreateRetryTimeout
	return b
}

// Create loads the image at path, initializes the region and registers it.
// It returns the region's id.
func (rt *Runtime) Create(path string, opts CreateOptions) (uint64, error) {
	var im platform.Image
	attempts := 0
	load := func() error {
		attempts++
		var err error
		im, err = rt.platform.Load(path, platform.LoadOptions{Debug: opts.Debug})
		if err != nil && !errors.Is(err, platform.ErrRegionLost) {
			return backoff.Permanent(err)
		}
		if err != nil {
			log.Infof("Loading %q lost the region, retrying: %v", path, err)
		}
		return err
	}
	if err := backoff.Retry(load, rt.createBackOff()); err != nil {
		if errors.Is(err, platform.ErrRegionLost) {
			return 0, fmt.Errorf("loading %q: %w after %d attempts: %v", path, ErrRegionLost, attempts, err)
		}
		return 0, fmt.Errorf("loading %q: %w", path, err)
	}

	cu := cleanup.Make(func() {
		if err := im.Destroy(); err != nil {
			log.Warningf("Destroying region %#x: %v", im.Layout().ID, err)
		}
	})
	defer cu.Clean()

	r, err := newRegion(rt, im, opts.Switchless)
	if err != nil {
		return 0, err
	}
	// The region owns the image from here on.
	cu.Release()
	cu.Add(func() {
		if err := r.destroy(); err != nil {
			log.Warningf("Destroying region %#x: %v", r.ID(), err)
		}
		r.DecRef(r.free)
	})

	if err := r.initialize(); err != nil {
		return 0, err
	}
	if !rt.registry.Add(r) {
		return 0, fmt.Errorf("region id %#x is already registered", r.ID())
	}
	cu.Release()
	regionsCreated.Increment()

	l := r.layout
	log.Infof("Region %#x created from %q: %d slots (%d dynamic), %v policy, version %v", r.ID(), path, len(l.TCS)+len(l.DynamicTCS), len(l.DynamicTCS), l.TCSPolicy, l.Version)
	return r.ID(), nil
}

// Ecall calls function ordinal of region id. See Region.Ecall.
func (rt *Runtime) Ecall(id uint64, ordinal int32, ocalls *platform.OcallTable, ms unsafe.Pointer, useSwitchless bool) error {
	r, err := rt.registry.AcquireRef(id)
	if err != nil {
		ecallCount.Increment(resultOf(err))
		return err
	}
	defer rt.registry.ReleaseRef(r)
	return r.Ecall(ordinal, ocalls, ms, useSwitchless)
}

// Destroy destroys region id. It waits for the calls in progress to leave
// the region. Destroying a destroyed region succeeds.
func (rt *Runtime) Destroy(id uint64) error {
	return rt.registry.Remove(id)
}

// TargetInfo returns the target information of region id.
func (rt *Runtime) TargetInfo(id uint64) (sgx.TargetInfo, error) {
	r, err := rt.registry.AcquireRef(id)
	if err != nil {
		return sgx.TargetInfo{}, err
	}
	defer rt.registry.ReleaseRef(r)
	return r.TargetInfo(), nil
}

// Close destroys every registered region and detaches the runtime from the
// process-wide recovery handler.
func (rt *Runtime) Close() error {
	var errs []error
	for _, id := range rt.registry.IDs() {
		if err := rt.registry.Remove(id); err != nil {
			errs = append(errs, fmt.Errorf("destroying region %#x: %w", id, err))
		}
	}
	removeRuntime(rt)
	return errors.Join(errs...)
}
