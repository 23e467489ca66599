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

package cmd

import (
	"unsafe"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/enclave/platform/sim"
	"enclaves.dev/urts/pkg/log"
)

// DemoProgram is the trusted program of images written by demo-image.
const DemoProgram = "urts-demo"

// Demo ecall ordinals.
const (
	// demoSquare returns In*In in Out.
	demoSquare = iota

	// demoReport reports In to the host through ocall demoPrint, and
	// returns the number of reports the host saw in Out.
	demoReport

	// demoReportSwitchless is demoReport through a switchless ocall.
	demoReportSwitchless

	// demoThread runs demoReport on a trusted thread of its own.
	demoThread
)

// demoPrint is the ordinal of the demo's only ocall.
const demoPrint = 0

// demoCall is the marshalling structure of every demo ecall.
type demoCall struct {
	In  uint64
	Out uint64
}

var demoEcalls = map[string]int32{
	"square":            demoSquare,
	"report":            demoReport,
	"report-switchless": demoReportSwitchless,
	"thread":            demoThread,
}

// reports counts demoPrint ocalls.
var reports atomicbitops.Uint64

// demoOcalls is the untrusted side of the demo program.
var demoOcalls = &platform.OcallTable{Ocalls: []platform.Ocall{
	demoPrint: func(ms unsafe.Pointer) sgx.Status {
		c := (*demoCall)(ms)
		c.Out = reports.Add(1)
		log.Debugf("Region reported %d", c.In)
		return sgx.StatusSuccess
	},
}}

func report(ctx *sim.Context, ms unsafe.Pointer, switchless bool) sgx.Status {
	if switchless {
		return ctx.OcallSwitchless(demoPrint, ms)
	}
	return ctx.Ocall(demoPrint, ms)
}

func init() {
	sim.RegisterProgram(&sim.Program{
		Name: DemoProgram,
		Ecalls: []sim.Ecall{
			demoSquare: {Name: "square", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				c := (*demoCall)(ms)
				c.Out = c.In * c.In
				return sgx.StatusSuccess
			}},
			demoReport: {Name: "report", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				return report(ctx, ms, false)
			}},
			demoReportSwitchless: {Name: "report_switchless", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				return report(ctx, ms, true)
			}},
			demoThread: {Name: "thread", Fn: func(ctx *sim.Context, ms unsafe.Pointer) sgx.Status {
				status := sgx.StatusSuccess
				th, st := ctx.CreateThread(func(ctx *sim.Context) {
					status = report(ctx, ms, false)
				})
				if st != sgx.StatusSuccess {
					return st
				}
				<-th.Done()
				return status
			}},
		},
		Edges: [][]int32{demoPrint: nil},
	})
}
