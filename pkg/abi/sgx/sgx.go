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

// Package sgx contains the definitions shared by the untrusted runtime and the
// code running inside an isolated region: ENCLU leaves, entry commands,
// builtin ocall ordinals and their argument records, statuses and target
// information.
package sgx

import (
	"fmt"
	"strconv"
	"strings"
)

// ENCLU leaf functions, as seen in EAX at the time of a trap.
const (
	EENTER  = 2
	ERESUME = 3
	EEXIT   = 4
)

// Entry commands. Non-negative values passed as the ecall index select a user
// function from the region's ecall table; negative values are runtime
// commands.
const (
	ECMD_INIT                   = -1
	ECMD_ORET                   = -2
	ECMD_EXCEPT                 = -3
	ECMD_MKTCS                  = -4
	ECMD_UNINIT_ENCLAVE         = -5
	ECMD_ECALL_PTHREAD          = -6
	ECMD_INIT_SWITCHLESS        = -7
	ECMD_RUN_SWITCHLESS_TWORKER = -8
)

// OCMD_ERET is reported in RDI at EEXIT when the region returns from an
// ecall rather than making an ocall. RSI then carries the status.
const OCMD_ERET = -1

// Builtin ocall ordinals. They are dispatched by the runtime itself and never
// consult the application's ocall table.
const (
	OCALL_EDMM_TRIM           = -2
	OCALL_EDMM_TRIM_COMMIT    = -3
	OCALL_EDMM_MODPR          = -4
	OCALL_EDMM_MPROTECT       = -5
	OCALL_EVENT_WAIT          = -6
	OCALL_EVENT_SET           = -7
	OCALL_EVENT_SET_MULTIPLE  = -8
	OCALL_EVENT_SETWAIT       = -9
	OCALL_PTHREAD_CREATE      = -10
	minBuiltinOcall           = OCALL_PTHREAD_CREATE
	maxBuiltinOcall           = OCALL_EDMM_TRIM
	builtinEDMMOcallThreshold = OCALL_EDMM_MPROTECT
)

// IsBuiltinOcall returns true if ordinal names a builtin ocall.
func IsBuiltinOcall(ordinal int32) bool {
	return ordinal >= minBuiltinOcall && ordinal <= maxBuiltinOcall
}

// IsEDMMOcall returns true if ordinal names one of the dynamic memory
// management builtin ocalls.
func IsEDMMOcall(ordinal int32) bool {
	return ordinal >= builtinEDMMOcallThreshold && ordinal <= maxBuiltinOcall
}

// Exception vectors reported in the SSA frame.
const (
	VECTOR_DE = 0  // Divide error.
	VECTOR_DB = 1  // Debug.
	VECTOR_BP = 3  // Breakpoint.
	VECTOR_BR = 5  // Bound range exceeded.
	VECTOR_UD = 6  // Invalid opcode.
	VECTOR_GP = 13 // General protection.
	VECTOR_PF = 14 // Page fault.
	VECTOR_MF = 16 // x87 floating point.
	VECTOR_AC = 17 // Alignment check.
	VECTOR_XM = 19 // SIMD floating point.
)

// PageSize is the size of an EPC page.
const PageSize = 4096

// Version is the metadata version of a region image, major in the upper 32
// bits and minor in the lower.
type Version uint64

// MakeVersion returns the Version for major.minor.
func MakeVersion(major, minor uint32) Version {
	return Version(uint64(major)<<32 | uint64(minor))
}

// Known metadata versions.
var (
	Version1_5 = MakeVersion(1, 5)
	Version2_0 = MakeVersion(2, 0)
	Version2_3 = MakeVersion(2, 3)
)

// ParseVersion parses a "major.minor" version string.
func ParseVersion(s string) (Version, error) {
	major, minor, ok := strings.Cut(s, ".")
	if !ok {
		return 0, fmt.Errorf("invalid version %q", s)
	}
	ma, err := strconv.ParseUint(major, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid major version in %q: %w", s, err)
	}
	mi, err := strconv.ParseUint(minor, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid minor version in %q: %w", s, err)
	}
	return MakeVersion(uint32(ma), uint32(mi)), nil
}

// Major returns the major version.
func (v Version) Major() uint32 { return uint32(v >> 32) }

// Minor returns the minor version.
func (v Version) Minor() uint32 { return uint32(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// SupportsSwitchless returns true if regions built with this metadata version
// can run switchless calls.
func (v Version) SupportsSwitchless() bool {
	return v >= Version2_0
}

// SupportsUninit returns true if the trusted runtime implements
// ECMD_UNINIT_ENCLAVE.
func (v Version) SupportsUninit() bool {
	return v >= Version2_0
}

// SupportsEDMM returns true if the region may grow or trim its memory after
// initialization.
func (v Version) SupportsEDMM() bool {
	return v >= Version2_3
}
