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

package sgx

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
)

// image is a region built on the enclave device.
type image struct {
	dev     *Device
	layout  platform.Layout
	info    sgx.TargetInfo
	mapping []byte
	enter   uintptr

	crashed   atomicbitops.Bool
	destroyed atomicbitops.Bool
}

func newImage(dev *Device, b *Build, enter uintptr) (*image, error) {
	l := b.Layout
	if len(b.Mapping) == 0 {
		return nil, fmt.Errorf("loader returned no mapping")
	}
	if base := uintptr(unsafe.Pointer(&b.Mapping[0])); l.Base != base || l.Size != uintptr(len(b.Mapping)) {
		return nil, fmt.Errorf("layout [%#x, %#x) does not match the mapping [%#x, %#x)", l.Base, l.Base+l.Size, base, base+uintptr(len(b.Mapping)))
	}
	if len(l.TCS) == 0 {
		return nil, fmt.Errorf("region has no slots")
	}
	for _, tcs := range append(append([]uintptr(nil), l.TCS...), l.DynamicTCS...) {
		if !l.Contains(tcs) || tcs%sgx.PageSize != 0 {
			return nil, fmt.Errorf("slot %#x is not a page of the region", tcs)
		}
	}
	l.ID = platform.NewRegionID()
	// Traps are reported by the entry helper, whatever the leaf.
	l.EntryPoint = enter
	l.ResumePoint = enter
	return &image{
		dev:     dev,
		layout:  l,
		info:    b.TargetInfo,
		mapping: b.Mapping,
		enter:   enter,
	}, nil
}

// Layout implements platform.Image.Layout.
func (im *image) Layout() *platform.Layout {
	return &im.layout
}

// TargetInfo implements platform.Image.TargetInfo.
func (im *image) TargetInfo() sgx.TargetInfo {
	return im.info
}

// Memory implements platform.Image.Memory.
func (im *image) Memory() platform.Memory {
	return im
}

// Crashed implements platform.Image.Crashed. The trusted runtime reports its
// crash through the status of the entries that follow it.
func (im *image) Crashed() bool {
	return im.crashed.Load()
}

// FastPath implements platform.FastPath.FastPath.
func (im *image) FastPath() bool {
	return true
}

// Destroy implements platform.Image.Destroy.
func (im *image) Destroy() error {
	if im.destroyed.Swap(true) {
		return fmt.Errorf("region %#x destroyed twice", im.layout.ID)
	}
	return errors.Join(unix.Munmap(im.mapping), im.dev.Close())
}

// offset converts a region address into a device offset.
func (im *image) offset(addr, size uint64) (uint64, error) {
	base := uint64(im.layout.Base)
	if addr%sgx.PageSize != 0 || size%sgx.PageSize != 0 || size == 0 {
		return 0, fmt.Errorf("range [%#x, %#x) is not page aligned", addr, addr+size)
	}
	if addr < base || addr+size < addr || addr+size > base+uint64(im.layout.Size) {
		return 0, fmt.Errorf("range [%#x, %#x) is outside the region", addr, addr+size)
	}
	return addr - base, nil
}

// Trim implements platform.Memory.Trim.
func (im *image) Trim(addr, size uint64) error {
	off, err := im.offset(addr, size)
	if err != nil {
		return err
	}
	return im.dev.ModifyTypes(off, size, PageTypeTrim)
}

// TrimCommit implements platform.Memory.TrimCommit.
func (im *image) TrimCommit(addr, size uint64) error {
	off, err := im.offset(addr, size)
	if err != nil {
		return err
	}
	return im.dev.RemovePages(off, size)
}

// ModifyPermissions implements platform.Memory.ModifyPermissions.
func (im *image) ModifyPermissions(addr, size uint64, prot uint32) error {
	off, err := im.offset(addr, size)
	if err != nil {
		return err
	}
	if prot&^(sgx.PROT_R|sgx.PROT_W|sgx.PROT_X) != 0 {
		return fmt.Errorf("invalid permissions %#x", prot)
	}
	return im.dev.RestrictPermissions(off, size, uint64(prot))
}

// Mprotect implements platform.Memory.Mprotect.
func (im *image) Mprotect(addr, size uint64, prot uint32) error {
	off, err := im.offset(addr, size)
	if err != nil {
		return err
	}
	var p int
	if prot&sgx.PROT_R != 0 {
		p |= unix.PROT_READ
	}
	if prot&sgx.PROT_W != 0 {
		p |= unix.PROT_WRITE
	}
	if prot&sgx.PROT_X != 0 {
		p |= unix.PROT_EXEC
	}
	return unix.Mprotect(im.mapping[off:off+size], p)
}
