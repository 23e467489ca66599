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

import "fmt"

// Status is the raw result of a transition, an ocall or a trusted function.
type Status uint32

// statusModuleMask selects the module bits of a Status. External statuses have
// a zero module and may be reported to applications; everything else is
// private to the runtime.
const statusModuleMask = 0xF0000000

// External statuses.
const (
	StatusSuccess          Status = 0x0000
	StatusUnexpected       Status = 0x0001
	StatusInvalidParameter Status = 0x0002
	StatusOutOfMemory      Status = 0x0003
	StatusEnclaveLost      Status = 0x0004
	StatusInvalidState     Status = 0x0005
	StatusTimeout          Status = 0x0006
	StatusInvalidFunction  Status = 0x1001
	StatusOutOfTCS         Status = 0x1003
	StatusEnclaveCrashed   Status = 0x1006
	StatusEcallNotAllowed  Status = 0x1007
	StatusOcallNotAllowed  Status = 0x1008
	StatusStackOverrun     Status = 0x1009
	StatusInvalidEnclave   Status = 0x2001
	StatusInvalidEnclaveID Status = 0x2002
	StatusInvalidVersion   Status = 0x200D
	StatusNoDevice         Status = 0x2006
)

// Runtime-internal statuses.
const (
	// StatusReadLockFail is returned by an ocall whose region was
	// destroyed while the ocall ran. The call lock is no longer held.
	StatusReadLockFail Status = 0xF0000001

	// StatusPthreadExit is returned by an entry whose trusted thread left
	// through the non-local thread exit path.
	StatusPthreadExit Status = 0xF0000002
)

var statusNames = map[Status]string{
	StatusSuccess:          "success",
	StatusUnexpected:       "unexpected error",
	StatusInvalidParameter: "invalid parameter",
	StatusOutOfMemory:      "out of memory",
	StatusEnclaveLost:      "enclave lost",
	StatusInvalidState:     "invalid state",
	StatusTimeout:          "timed out",
	StatusInvalidFunction:  "invalid function",
	StatusOutOfTCS:         "out of TCS",
	StatusEnclaveCrashed:   "enclave crashed",
	StatusEcallNotAllowed:  "ecall not allowed",
	StatusOcallNotAllowed:  "ocall not allowed",
	StatusStackOverrun:     "stack overrun",
	StatusInvalidEnclave:   "invalid enclave",
	StatusInvalidEnclaveID: "invalid enclave id",
	StatusInvalidVersion:   "invalid metadata version",
	StatusNoDevice:         "no device",
	StatusReadLockFail:     "read lock failed",
	StatusPthreadExit:      "pthread exit",
}

// External returns true if s may be reported to applications as is.
func (s Status) External() bool {
	return s&statusModuleMask == 0
}

func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status %#x", uint32(s))
}
