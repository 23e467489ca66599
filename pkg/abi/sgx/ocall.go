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

// Page permission bits used by the EDMM ocalls.
const (
	PROT_R = 0x1
	PROT_W = 0x2
	PROT_X = 0x4
)

// EDMMArgs is the message of the OCALL_EDMM_* builtin ocalls.
type EDMMArgs struct {
	// Addr and Size describe a page-aligned range inside the region.
	Addr uint64
	Size uint64

	// Prot is the new permission set, for MODPR and MPROTECT.
	Prot uint32
}

// EventWaitArgs is the message of OCALL_EVENT_WAIT. Self is the TCS of the
// waiting thread.
type EventWaitArgs struct {
	Self uint64

	// TimeoutNanos bounds the wait. Zero or negative waits forever.
	TimeoutNanos int64
}

// EventSetArgs is the message of OCALL_EVENT_SET.
type EventSetArgs struct {
	Waiter uint64
}

// EventSetMultipleArgs is the message of OCALL_EVENT_SET_MULTIPLE.
type EventSetMultipleArgs struct {
	Waiters []uint64
}

// EventSetWaitArgs is the message of OCALL_EVENT_SETWAIT: wake Waiter, then
// wait on Self.
type EventSetWaitArgs struct {
	Waiter       uint64
	Self         uint64
	TimeoutNanos int64
}

// PthreadCreateArgs is the message of OCALL_PTHREAD_CREATE. Self is the TCS
// of the creating thread.
type PthreadCreateArgs struct {
	Self uint64
}

// MkTCSArgs is the message of ECMD_MKTCS.
type MkTCSArgs struct {
	TCS uint64
}
