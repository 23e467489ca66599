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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gopkg.in/yaml.v2"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/enclave"
	"enclaves.dev/urts/urts/config"
	"enclaves.dev/urts/urts/flag"
)

// Info implements subcommands.Command for the "info" command.
type Info struct {
	format string
	debug  bool
}

// Name implements subcommands.Command.Name.
func (*Info) Name() string {
	return "info"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Info) Synopsis() string {
	return "print the target information of an image"
}

// Usage implements subcommands.Command.Usage.
func (*Info) Usage() string {
	return `info [flags] <image> - load the image and print its target information.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (i *Info) SetFlags(f *flag.FlagSet) {
	f.StringVar(&i.format, "format", "json", "output format: json or yaml.")
	f.BoolVar(&i.debug, "debug-region", false, "load the region in debug mode.")
}

// Execute implements subcommands.Command.Execute.
func (i *Info) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	rt, err := enclave.New(conf.RuntimeOptions())
	if err != nil {
		Fatalf("creating runtime: %v", err)
	}
	defer rt.Close()

	id, err := rt.Create(f.Arg(0), enclave.CreateOptions{Debug: i.debug})
	if err != nil {
		return Errorf("creating region from %q: %v", f.Arg(0), err)
	}
	ti, err := rt.TargetInfo(id)
	if err != nil {
		return Errorf("reading target info of region %#x: %v", id, err)
	}
	if err := rt.Destroy(id); err != nil {
		return Errorf("destroying region %#x: %v", id, err)
	}
	if err := writeTargetInfo(os.Stdout, i.format, ti); err != nil {
		return Errorf("%v", err)
	}
	return subcommands.ExitSuccess
}

// targetInfo is the printed form of sgx.TargetInfo.
type targetInfo struct {
	MREnclave  string `json:"mr_enclave" yaml:"mr_enclave"`
	Flags      string `json:"flags" yaml:"flags"`
	XFRM       string `json:"xfrm" yaml:"xfrm"`
	Debug      bool   `json:"debug" yaml:"debug"`
	ConfigSVN  uint16 `json:"config_svn" yaml:"config_svn"`
	MiscSelect string `json:"misc_select" yaml:"misc_select"`
	ConfigID   string `json:"config_id" yaml:"config_id"`
}

func writeTargetInfo(w io.Writer, format string, ti sgx.TargetInfo) error {
	out := targetInfo{
		MREnclave:  fmt.Sprintf("%x", ti.MREnclave[:]),
		Flags:      fmt.Sprintf("%#x", ti.Attributes.Flags),
		XFRM:       fmt.Sprintf("%#x", ti.Attributes.XFRM),
		Debug:      ti.Attributes.Debug(),
		ConfigSVN:  ti.ConfigSVN,
		MiscSelect: fmt.Sprintf("%#x", ti.MiscSelect),
		ConfigID:   fmt.Sprintf("%x", ti.ConfigID[:]),
	}
	var (
		b   []byte
		err error
	)
	switch format {
	case "json":
		b, err = json.MarshalIndent(out, "", "  ")
		b = append(b, '\n')
	case "yaml":
		b, err = yaml.Marshal(out)
	default:
		return fmt.Errorf("invalid format %q, must be json or yaml", format)
	}
	if err != nil {
		return fmt.Errorf("encoding target info: %w", err)
	}
	_, err = w.Write(b)
	return err
}
