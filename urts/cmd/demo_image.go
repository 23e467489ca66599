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
	"context"
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/enclave/platform/sim"
	"enclaves.dev/urts/urts/flag"
)

// DemoImage implements subcommands.Command for the "demo-image" command.
type DemoImage struct {
	manifest sim.Manifest
}

// Name implements subcommands.Command.Name.
func (*DemoImage) Name() string {
	return "demo-image"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*DemoImage) Synopsis() string {
	return "write a simulated image running the demo program"
}

// Usage implements subcommands.Command.Usage.
func (*DemoImage) Usage() string {
	return `demo-image [flags] <path> - write a simulated image of the demo program to path, for use with --platform=sim.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *DemoImage) SetFlags(f *flag.FlagSet) {
	m := &d.manifest
	f.IntVar(&m.TCSNum, "slots", 4, "number of static execution slots.")
	f.IntVar(&m.TCSMaxNum, "max-slots", 0, "total number of slots, static and dynamic. Zero means no dynamic slots.")
	f.IntVar(&m.TCSMinPool, "min-pool", 0, "number of free slots kept available.")
	f.StringVar(&m.TCSPolicy, "policy", platform.TCSUnbind.String(), "slot policy: bind or unbind.")
	f.StringVar(&m.Version, "version", sgx.Version2_3.String(), "metadata version: 1.5, 2.0 or 2.3.")
	f.IntVar(&m.SSAFrames, "ssa-frames", 2, "state save areas per slot.")
	f.IntVar(&m.StackPages, "stack-pages", 4, "stack pages per slot.")
	f.BoolVar(&m.Debug, "debug", true, "allow the image to be loaded in debug mode.")
	f.Uint64Var(&m.Size, "size", 4<<20, "size of the region in bytes.")
}

// Execute implements subcommands.Command.Execute.
func (d *DemoImage) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	out, err := os.Create(f.Arg(0))
	if err != nil {
		return Errorf("%v", err)
	}
	if err := writeDemoManifest(out, d.manifest); err != nil {
		out.Close()
		return Errorf("writing %q: %v", f.Arg(0), err)
	}
	if err := out.Close(); err != nil {
		return Errorf("%v", err)
	}
	Infof("Wrote demo image %q", f.Arg(0))
	return subcommands.ExitSuccess
}

func writeDemoManifest(w io.Writer, m sim.Manifest) error {
	m.Program = DemoProgram
	if m.TCSMaxNum == 0 {
		m.TCSMaxNum = m.TCSNum
	}
	if m.TCSMaxNum < m.TCSNum {
		return fmt.Errorf("--max-slots %d is below --slots %d", m.TCSMaxNum, m.TCSNum)
	}
	m.XFRM = sgx.XFRM_LEGACY
	return toml.NewEncoder(w).Encode(m)
}
