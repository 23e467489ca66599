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

// Package sgx provides the Linux SGX implementation of the platform
// interface.
//
// Regions are built on an open enclave device by a Loader, which parses the
// signed image and issues ECREATE, EADD and EINIT through Device. Entries go
// through the kernel's vDSO helper, which reports traps synchronously, so
// images always support the fast fault path.
package sgx

import (
	"errors"
	"fmt"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/sync"
)

// Name is the name the platform is registered under.
const Name = "sgx"

// ErrNoLoader is returned by Load when no Loader was installed.
var ErrNoLoader = errors.New("no SGX image loader installed")

// Build is what a Loader produced.
type Build struct {
	// Layout describes the region. Its ID, EntryPoint and ResumePoint are
	// filled in by the platform.
	Layout platform.Layout

	// TargetInfo is the region's target information.
	TargetInfo sgx.TargetInfo

	// Mapping is the region's address range, mapped from the device. It is
	// unmapped when the region is destroyed.
	Mapping []byte
}

// Loader builds a region from an image file.
//
// A load that fails because the hardware dropped the region must return an
// error wrapping platform.ErrRegionLost; such loads are retried.
type Loader interface {
	Load(dev *Device, path string, opts platform.LoadOptions) (*Build, error)
}

var (
	loaderMu sync.Mutex
	loader   Loader
)

// SetLoader installs the loader used by every SGX platform.
func SetLoader(l Loader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loader = l
}

func currentLoader() Loader {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	return loader
}

// SGX is the hardware platform.
type SGX struct {
	device string

	// enter is the address of the vDSO entry helper.
	enter uintptr
}

// New returns the hardware platform if the host supports it.
func New() (*SGX, error) {
	dev, err := FindDevice()
	if err != nil {
		return nil, err
	}
	enter, err := findVDSOSymbol(enterSymbol)
	if err != nil {
		return nil, fmt.Errorf("%s is present but the kernel has no SGX vDSO: %w", dev, err)
	}
	log.Infof("SGX platform: device %s, entry helper at %#x", dev, enter)
	return &SGX{device: dev, enter: enter}, nil
}

func init() {
	platform.Register(Name, func() (platform.Platform, error) {
		return New()
	})
}

// Name implements platform.Platform.Name.
func (*SGX) Name() string {
	return Name
}

// Device returns the path of the enclave device.
func (s *SGX) Device() string {
	return s.device
}

// Load implements platform.Platform.Load.
func (s *SGX) Load(path string, opts platform.LoadOptions) (platform.Image, error) {
	l := currentLoader()
	if l == nil {
		return nil, ErrNoLoader
	}
	dev, err := OpenDevice(s.device)
	if err != nil {
		return nil, err
	}
	b, err := l.Load(dev, path, opts)
	if err != nil {
		dev.Close()
		return nil, err
	}
	im, err := newImage(dev, b, s.enter)
	if err != nil {
		dev.Close()
		return nil, err
	}
	log.Debugf("Loaded region %#x from %q on %s: %d+%d slots, version %v", im.layout.ID, path, s.device, len(im.layout.TCS), len(im.layout.DynamicTCS), im.layout.Version)
	return im, nil
}
