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
	"bufio"
	"bytes"
	"debug/elf"
	"fmt"
	"os"
	"strings"
	"unsafe"
)

// enterSymbol is the vDSO entry helper of the upstream driver.
const enterSymbol = "__vdso_sgx_enter_enclave"

// mapsPath is the process's memory map.
var mapsPath = "/proc/self/maps"

// vdsoRange returns the address range of the vDSO mapping.
func vdsoRange() (start, end uintptr, err error) {
	f, err := os.Open(mapsPath)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if !strings.HasSuffix(line, "[vdso]") {
			continue
		}
		if _, err := fmt.Sscanf(line, "%x-%x", &start, &end); err != nil {
			return 0, 0, fmt.Errorf("parsing %q: %w", line, err)
		}
		return start, end, nil
	}
	if err := s.Err(); err != nil {
		return 0, 0, err
	}
	return 0, 0, fmt.Errorf("no vDSO in %s", mapsPath)
}

// lookupSymbol returns the offset of the dynamic symbol name in the ELF
// image, relative to the start of its first PT_LOAD segment.
func lookupSymbol(image []byte, name string) (uintptr, error) {
	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return 0, fmt.Errorf("parsing vDSO: %w", err)
	}
	defer f.Close()

	var first *elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			first = p
			break
		}
	}
	if first == nil {
		return 0, fmt.Errorf("vDSO has no PT_LOAD segment")
	}
	syms, err := f.DynamicSymbols()
	if err != nil {
		return 0, fmt.Errorf("reading vDSO symbols: %w", err)
	}
	for _, sym := range syms {
		if sym.Name != name || elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
			continue
		}
		if sym.Value < first.Vaddr {
			return 0, fmt.Errorf("symbol %s at %#x is below the first segment at %#x", name, sym.Value, first.Vaddr)
		}
		return uintptr(sym.Value - first.Vaddr), nil
	}
	return 0, fmt.Errorf("symbol %s not found in vDSO", name)
}

// findVDSOSymbol returns the address of the vDSO function name in this
// process.
func findVDSOSymbol(name string) (uintptr, error) {
	start, end, err := vdsoRange()
	if err != nil {
		return 0, err
	}
	image := unsafe.Slice((*byte)(unsafe.Pointer(start)), end-start)
	off, err := lookupSymbol(image, name)
	if err != nil {
		return 0, err
	}
	if off >= end-start {
		return 0, fmt.Errorf("symbol %s at offset %#x is outside the vDSO", name, off)
	}
	return start + off, nil
}
