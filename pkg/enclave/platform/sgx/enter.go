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
	"fmt"
	"unsafe"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/sighandling"
)

// enclaveRun is struct sgx_enclave_run.
type enclaveRun struct {
	tcs                uint64
	function           uint32
	exceptionVector    uint16
	exceptionErrorCode uint16
	exceptionAddr      uint64
	userHandler        uint64
	userData           uint64
	reserved           [27]uint64
}

// enterFunc calls the vDSO entry helper at fn. rdi and rsi are handed to the
// region; on exit they hold what the region left in them. ret is zero, or a
// negative errno if the helper rejected the entry.
//
// It is a variable so that tests can stand in for the hardware.
var enterFunc = vdsoEnter

// Enter implements platform.Image.Enter.
//
// The region exits either to return (RDI is OCMD_ERET, RSI the status) or to
// request an ocall (RDI is the ocall index, RSI the message). After an ocall
// the region is re-entered with ECMD_ORET and the ocall's status. Traps are
// reported by the helper with the leaf that was executing; they are raised
// as a Fault and, if resolved, the region is resumed with ERESUME.
func (im *image) Enter(cc *platform.CallContext) sgx.Status {
	run := enclaveRun{tcs: uint64(cc.TCS)}
	leaf := uint32(sgx.EENTER)
	rdi := uint64(int64(cc.Index))
	rsi := uint64(uintptr(cc.Message))
	for {
		run.function = 0
		ret, outRDI, outRSI := enterFunc(im.enter, rdi, rsi, leaf, &run)
		if ret != 0 {
			log.Warningf("Region %#x: entry helper failed on slot %#x: errno %d", im.layout.ID, cc.TCS, -ret)
			return sgx.StatusUnexpected
		}

		if run.function != sgx.EEXIT {
			status, resume := im.fault(cc, &run)
			if !resume {
				return status
			}
			leaf = sgx.ERESUME
			continue
		}

		if int64(outRDI) == sgx.OCMD_ERET {
			status := sgx.Status(uint32(outRSI))
			if status == sgx.StatusEnclaveCrashed {
				im.crashed.Store(true)
			}
			return status
		}

		status := cc.Exit.Ocall(cc, int32(outRDI), unsafe.Pointer(uintptr(outRSI)))
		if status == sgx.StatusReadLockFail {
			return status
		}
		leaf = sgx.EENTER
		oret := int64(sgx.ECMD_ORET)
		rdi = uint64(oret)
		rsi = uint64(status)
	}
}

// fault raises the trap reported in run. It returns the status the entry
// must return, or true if the region must be resumed.
func (im *image) fault(cc *platform.CallContext, run *enclaveRun) (sgx.Status, bool) {
	pc := im.layout.ResumePoint
	if run.function == sgx.EENTER {
		pc = im.layout.EntryPoint
	}
	f := &platform.Fault{
		Call:   cc,
		TCS:    cc.TCS,
		Leaf:   run.function,
		PC:     pc,
		Vector: uint8(run.exceptionVector),
		Addr:   uintptr(run.exceptionAddr),
	}
	switch d := f.Raise(); d {
	case sighandling.Resume:
		if run.function == sgx.EENTER {
			// Nothing ran: there is no context to resume.
			return sgx.StatusUnexpected, false
		}
		return 0, true
	case sighandling.Redirect:
		return f.Status, false
	default:
		log.Traceback("Unhandled exception %d at %#x in region %#x on slot %#x", f.Vector, f.Addr, im.layout.ID, cc.TCS)
		panic(fmt.Sprintf("unhandled exception %d at %#x in region %#x on slot %#x", f.Vector, f.Addr, im.layout.ID, cc.TCS))
	}
}
