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
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// devicePaths are the enclave device nodes, in order of preference: the
// upstream driver, the compatibility link created by the DCAP packages, and
// the out-of-tree driver.
var devicePaths = []string{
	"/dev/sgx_enclave",
	"/dev/sgx/enclave",
	"/dev/isgx",
}

// ErrNoDevice is returned when no enclave device is present.
var ErrNoDevice = errors.New("no SGX enclave device")

// FindDevice returns the path of the first enclave device present.
func FindDevice() (string, error) {
	for _, p := range devicePaths {
		fi, err := os.Stat(p)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeCharDevice == 0 {
			continue
		}
		return p, nil
	}
	return "", ErrNoDevice
}

// ioctls of the upstream driver. See arch/x86/include/uapi/asm/sgx.h.
const (
	sgxMagic = 0xA4

	ioctlEnclaveCreate              = 1<<30 | 8<<16 | sgxMagic<<8 | 0x00
	ioctlEnclaveAddPages            = 3<<30 | 48<<16 | sgxMagic<<8 | 0x01
	ioctlEnclaveInit                = 1<<30 | 8<<16 | sgxMagic<<8 | 0x02
	ioctlEnclaveRestrictPermissions = 3<<30 | 40<<16 | sgxMagic<<8 | 0x05
	ioctlEnclaveModifyTypes         = 3<<30 | 40<<16 | sgxMagic<<8 | 0x06
	ioctlEnclaveRemovePages         = 3<<30 | 24<<16 | sgxMagic<<8 | 0x07
)

// Page types, for ModifyTypes.
const (
	PageTypeTCS  = 1
	PageTypeReg  = 2
	PageTypeTrim = 4
)

// Flags of AddPages.
const (
	// PageMeasure extends the measurement with the page's content.
	PageMeasure = 1 << 0
)

// AddPages is struct sgx_enclave_add_pages.
type AddPages struct {
	Src     uint64
	Offset  uint64
	Length  uint64
	SecInfo uint64
	Flags   uint64
	Count   uint64
}

type enclaveCreate struct {
	src uint64
}

type enclaveInit struct {
	sigstruct uint64
}

type restrictPermissions struct {
	offset      uint64
	length      uint64
	permissions uint64
	result      uint64
	count       uint64
}

type modifyTypes struct {
	offset   uint64
	length   uint64
	pageType uint64
	result   uint64
	count    uint64
}

type removePages struct {
	offset uint64
	length uint64
	count  uint64
}

// Device is an open enclave device. Each region has its own.
type Device struct {
	path string
	fd   int
}

// OpenDevice opens the enclave device at path.
func OpenDevice(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return &Device{path: path, fd: fd}, nil
}

// Path returns the device's path.
func (d *Device) Path() string {
	return d.path
}

// FD returns the device's file descriptor. The region's address range is
// mapped from it.
func (d *Device) FD() int {
	return d.fd
}

// Close closes the device. It does not unmap the region.
func (d *Device) Close() error {
	return unix.Close(d.fd)
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), req, uintptr(arg)); errno != 0 {
		return errno
	}
	return nil
}

// Create runs ECREATE with the SECS page at secs.
func (d *Device) Create(secs unsafe.Pointer) error {
	arg := enclaveCreate{src: uint64(uintptr(secs))}
	if err := d.ioctl(ioctlEnclaveCreate, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("ECREATE: %w", err)
	}
	return nil
}

// AddPages runs EADD, and EEXTEND if requested, over the pages described by
// args. It returns the number of bytes added.
func (d *Device) AddPages(args AddPages) (uint64, error) {
	var added uint64
	for added < args.Length {
		a := args
		a.Src += added
		a.Offset += added
		a.Length -= added
		a.Count = 0
		err := d.ioctl(ioctlEnclaveAddPages, unsafe.Pointer(&a))
		added += a.Count
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return added, fmt.Errorf("EADD at offset %#x: %w", args.Offset+added, err)
		}
	}
	return added, nil
}

// Init runs EINIT with the signature structure at sigstruct.
func (d *Device) Init(sigstruct unsafe.Pointer) error {
	arg := enclaveInit{sigstruct: uint64(uintptr(sigstruct))}
	if err := d.ioctl(ioctlEnclaveInit, unsafe.Pointer(&arg)); err != nil {
		return fmt.Errorf("EINIT: %w", err)
	}
	return nil
}

// RestrictPermissions runs EMODPR over [offset, offset+length).
func (d *Device) RestrictPermissions(offset, length, perm uint64) error {
	for length > 0 {
		arg := restrictPermissions{offset: offset, length: length, permissions: perm}
		err := d.ioctl(ioctlEnclaveRestrictPermissions, unsafe.Pointer(&arg))
		offset += arg.count
		length -= arg.count
		if err != nil && err != unix.EAGAIN {
			return fmt.Errorf("EMODPR at offset %#x: %w (result %#x)", offset, err, arg.result)
		}
	}
	return nil
}

// ModifyTypes runs EMODT over [offset, offset+length).
func (d *Device) ModifyTypes(offset, length, pageType uint64) error {
	for length > 0 {
		arg := modifyTypes{offset: offset, length: length, pageType: pageType}
		err := d.ioctl(ioctlEnclaveModifyTypes, unsafe.Pointer(&arg))
		offset += arg.count
		length -= arg.count
		if err != nil && err != unix.EAGAIN {
			return fmt.Errorf("EMODT at offset %#x: %w (result %#x)", offset, err, arg.result)
		}
	}
	return nil
}

// RemovePages removes the trimmed pages in [offset, offset+length).
func (d *Device) RemovePages(offset, length uint64) error {
	for length > 0 {
		arg := removePages{offset: offset, length: length}
		err := d.ioctl(ioctlEnclaveRemovePages, unsafe.Pointer(&arg))
		offset += arg.count
		length -= arg.count
		if err != nil && err != unix.EAGAIN {
			return fmt.Errorf("removing pages at offset %#x: %w", offset, err)
		}
	}
	return nil
}
