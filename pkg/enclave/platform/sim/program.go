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
	"unsafe"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/sync"
)

// EcallFunc is a trusted function.
type EcallFunc func(ctx *Context, ms unsafe.Pointer) sgx.Status

// Ecall is one entry of a program's ecall table.
type Ecall struct {
	Name string
	Fn   EcallFunc

	// Private ecalls may only be called nested inside an ocall whose edge
	// list allows them.
	Private bool
}

// ExceptionInfo is the content of the state save area of an exception.
type ExceptionInfo struct {
	Vector uint8
	Addr   uintptr
}

// ExceptionHandler is a trusted exception handler. It returns true if it
// resolved the exception, in which case the interrupted code resumes.
type ExceptionHandler func(ctx *Context, info ExceptionInfo) bool

// Program is the trusted code of a simulated region.
type Program struct {
	Name   string
	Ecalls []Ecall

	// Edges lists, for each ocall ordinal of the program's ocall table, the
	// ecalls that may be called nested inside it.
	Edges [][]int32

	// ExceptionHandlers are tried in order on ECMD_EXCEPT.
	ExceptionHandlers []ExceptionHandler

	// Init and Uninit, if set, run on ECMD_INIT and ECMD_UNINIT_ENCLAVE.
	Init   func(ctx *Context) sgx.Status
	Uninit func(ctx *Context)

	// InitSwitchless, if set, runs on ECMD_INIT_SWITCHLESS once the table
	// of the trusted workers is bound. It may make ocalls.
	InitSwitchless func(ctx *Context) sgx.Status
}

// callTable builds the ecall and edge tables of p.
func (p *Program) callTable() (*platform.CallTable, error) {
	entries := make([]platform.CallEntry, len(p.Ecalls))
	for i, e := range p.Ecalls {
		if e.Fn == nil {
			return nil, fmt.Errorf("ecall %d (%s) has no function", i, e.Name)
		}
		entries[i] = platform.CallEntry{Name: e.Name, Privileged: e.Private}
	}
	return platform.NewCallTable(entries, p.Edges)
}

var (
	programsMu sync.Mutex
	programs   = make(map[string]*Program)
)

// RegisterProgram makes p loadable by images naming it. It panics if the name
// is taken.
func RegisterProgram(p *Program) {
	programsMu.Lock()
	defer programsMu.Unlock()
	if _, ok := programs[p.Name]; ok {
		panic(fmt.Sprintf("duplicate program registration for %q", p.Name))
	}
	programs[p.Name] = p
}

// lookupProgram returns the program registered as name.
func lookupProgram(name string) (*Program, error) {
	programsMu.Lock()
	defer programsMu.Unlock()
	p, ok := programs[name]
	if !ok {
		return nil, fmt.Errorf("unknown trusted program %q", name)
	}
	return p, nil
}
