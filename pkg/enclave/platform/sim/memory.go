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

package sim

import (
	"fmt"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
)

// memory implements platform.Memory over the reserved range.
type memory struct {
	im *image
}

// pages returns the pages of [addr, addr+size). The range must be page
// aligned and lie in the region, past its slot pages.
func (m *memory) pages(addr, size uint64) ([]byte, error) {
	l := &m.im.layout
	if addr%sgx.PageSize != 0 || size%sgx.PageSize != 0 || size == 0 {
		return nil, fmt.Errorf("range [%#x, %#x) is not page aligned", addr, addr+size)
	}
	first := uint64(l.Base) + uint64(len(m.im.slots))*sgx.PageSize
	end := uint64(l.Base) + uint64(l.Size)
	if addr < first || addr+size < addr || addr+size > end {
		return nil, fmt.Errorf("range [%#x, %#x) is outside [%#x, %#x)", addr, addr+size, first, end)
	}
	off := addr - uint64(l.Base)
	return m.im.mem[off : off+size], nil
}

func hostProt(prot uint32) int {
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
	return p
}

// Trim implements platform.Memory.Trim.
func (m *memory) Trim(addr, size uint64) error {
	b, err := m.pages(addr, size)
	if err != nil {
		return err
	}
	return unix.Madvise(b, unix.MADV_DONTNEED)
}

// TrimCommit implements platform.Memory.TrimCommit.
func (m *memory) TrimCommit(addr, size uint64) error {
	b, err := m.pages(addr, size)
	if err != nil {
		return err
	}
	return unix.Mprotect(b, unix.PROT_NONE)
}

// ModifyPermissions implements platform.Memory.ModifyPermissions.
func (m *memory) ModifyPermissions(addr, size uint64, prot uint32) error {
	b, err := m.pages(addr, size)
	if err != nil {
		return err
	}
	if prot&^(sgx.PROT_R|sgx.PROT_W|sgx.PROT_X) != 0 {
		return fmt.Errorf("invalid permissions %#x", prot)
	}
	return unix.Mprotect(b, hostProt(prot))
}

// Mprotect implements platform.Memory.Mprotect.
func (m *memory) Mprotect(addr, size uint64, prot uint32) error {
	b, err := m.pages(addr, size)
	if err != nil {
		return err
	}
	return unix.Mprotect(b, hostProt(prot))
}
