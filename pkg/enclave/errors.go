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

package enclave

import (
	"errors"
	"fmt"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/log"
)

var (
	// ErrRegionLost is returned when the region was destroyed, or its
	// hardware state was lost, before or during a call.
	ErrRegionLost = errors.New("region lost")

	// ErrInvalidRegionID is returned for an id that was never registered.
	ErrInvalidRegionID = errors.New("invalid region id")

	// ErrOutOfSlots is returned when no execution slot became free in time.
	ErrOutOfSlots = errors.New("out of execution slots")

	// ErrStackOverrun is returned when a trusted stack overflowed into its
	// guard page.
	ErrStackOverrun = errors.New("stack overrun")

	// ErrInvalidFunction is returned for an ordinal outside the region's
	// ecall table.
	ErrInvalidFunction = errors.New("invalid function")

	// ErrCallNotAllowed is returned when the region refused an ecall in
	// the current nesting context.
	ErrCallNotAllowed = errors.New("call not allowed")

	// ErrCrashed is returned by every call into a region whose trusted
	// runtime marked itself unusable.
	ErrCrashed = errors.New("region crashed")

	// ErrUnexpected is returned for statuses the runtime cannot attribute
	// to the caller.
	ErrUnexpected = errors.New("unexpected error")
)

// StatusError is the error for a status produced by trusted code.
type StatusError struct {
	Status sgx.Status
}

// Error implements error.Error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (%#x)", e.Status, uint32(e.Status))
}

// translate converts the raw status of an entry into the error returned to
// callers.
func translate(status sgx.Status) error {
	switch status {
	case sgx.StatusSuccess, sgx.StatusPthreadExit:
		return nil
	case sgx.StatusEnclaveLost, sgx.StatusReadLockFail:
		return ErrRegionLost
	case sgx.StatusOutOfTCS:
		return ErrOutOfSlots
	case sgx.StatusStackOverrun:
		return ErrStackOverrun
	case sgx.StatusInvalidFunction:
		return ErrInvalidFunction
	case sgx.StatusEcallNotAllowed, sgx.StatusOcallNotAllowed:
		return ErrCallNotAllowed
	case sgx.StatusEnclaveCrashed:
		return ErrCrashed
	case sgx.StatusUnexpected:
		return ErrUnexpected
	}
	if !status.External() {
		log.Warningf("Internal status %v escaped a region call", status)
		return ErrUnexpected
	}
	return &StatusError{Status: status}
}

// Status returns the status that best describes err, for callers that report
// statuses rather than errors.
func Status(err error) sgx.Status {
	var se *StatusError
	switch {
	case err == nil:
		return sgx.StatusSuccess
	case errors.As(err, &se):
		return se.Status
	case errors.Is(err, ErrRegionLost):
		return sgx.StatusEnclaveLost
	case errors.Is(err, ErrInvalidRegionID):
		return sgx.StatusInvalidEnclaveID
	case errors.Is(err, ErrOutOfSlots):
		return sgx.StatusOutOfTCS
	case errors.Is(err, ErrStackOverrun):
		return sgx.StatusStackOverrun
	case errors.Is(err, ErrInvalidFunction):
		return sgx.StatusInvalidFunction
	case errors.Is(err, ErrCallNotAllowed):
		return sgx.StatusEcallNotAllowed
	case errors.Is(err, ErrCrashed):
		return sgx.StatusEnclaveCrashed
	default:
		return sgx.StatusUnexpected
	}
}
