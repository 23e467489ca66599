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

package platform

import (
	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
)

// unixSignal returns the signal the host kernel delivers for an exception
// vector raised inside a region.
func unixSignal(vector uint8) unix.Signal {
	switch vector {
	case sgx.VECTOR_DE, sgx.VECTOR_MF, sgx.VECTOR_XM:
		return unix.SIGFPE
	case sgx.VECTOR_UD:
		return unix.SIGILL
	case sgx.VECTOR_DB, sgx.VECTOR_BP:
		return unix.SIGTRAP
	case sgx.VECTOR_AC:
		return unix.SIGBUS
	default:
		return unix.SIGSEGV
	}
}
