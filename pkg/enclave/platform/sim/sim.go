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

// Package sim provides a platform that simulates isolated regions inside the
// host process.
//
// A simulated image is a TOML manifest naming a trusted Program registered
// with RegisterProgram. Loading reserves the region's address range and lays
// out its slots. Transitions run the program's functions on the calling
// goroutine and follow the hardware rules that matter to the untrusted
// runtime: a slot is entered by one thread at a time, entering a busy or
// uninitialized slot faults at the entry point, an exception inside the
// region is reported at the resume point with the ERESUME leaf, and nested
// exception handling is bounded by the slot's state save areas.
package sim

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
)

// Name is the name the platform is registered under.
const Name = "sim"

// Sim is the simulation platform.
type Sim struct{}

// New returns a simulation platform.
func New() (*Sim, error) {
	return &Sim{}, nil
}

func init() {
	platform.Register(Name, func() (platform.Platform, error) {
		return New()
	})
}

// lostLoads is the number of upcoming loads that report a lost region.
var lostLoads atomicbitops.Int32

// InjectLoadLoss makes the next n loads fail as if a power transition
// destroyed the region while it was being built.
func InjectLoadLoss(n int) {
	lostLoads.Store(int32(n))
}

// Name implements platform.Platform.Name.
func (*Sim) Name() string {
	return Name
}

// Load implements platform.Platform.Load.
func (*Sim) Load(path string, opts platform.LoadOptions) (platform.Image, error) {
	// Signing tools hold an exclusive lock while they rewrite an image.
	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("locking image %q: %w", path, err)
	}
	defer lock.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	m, err := decodeManifest(data)
	if err != nil {
		return nil, fmt.Errorf("image %q: %w", path, err)
	}
	if opts.Debug && !m.Debug {
		return nil, fmt.Errorf("image %q does not allow debug mode", path)
	}
	prog, err := lookupProgram(m.Program)
	if err != nil {
		return nil, fmt.Errorf("image %q: %w", path, err)
	}
	calls, err := prog.callTable()
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", prog.Name, err)
	}

	if lostLoads.Load() > 0 && lostLoads.Add(-1) >= 0 {
		return nil, fmt.Errorf("building %q: %w", path, platform.ErrRegionLost)
	}

	im, err := newImage(m, prog, calls, measure(data, prog.Name), opts)
	if err != nil {
		return nil, fmt.Errorf("building %q: %w", path, err)
	}
	log.Debugf("Loaded simulated region %#x from %q: program %q, %d+%d slots, version %v", im.layout.ID, path, prog.Name, len(im.layout.TCS), len(im.layout.DynamicTCS), im.layout.Version)
	return im, nil
}

// measure returns the measurement of a simulated image.
func measure(manifest []byte, program string) sgx.Measurement {
	h := sha256.New()
	h.Write(manifest)
	h.Write([]byte{0})
	h.Write([]byte(program))
	var m sgx.Measurement
	copy(m[:], h.Sum(nil))
	return m
}
