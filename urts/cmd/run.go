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
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unsafe"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"

	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/metric"
	"enclaves.dev/urts/pkg/sighandling"
	"enclaves.dev/urts/urts/config"
	"enclaves.dev/urts/urts/flag"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	ecall        string
	calls        int
	concurrency  int
	switchless   bool
	debug        bool
	destroyAfter time.Duration
	metricsFile  string
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "load an image and drive ecalls into it"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <image> - load the image and call one of the demo program's ecalls from concurrent callers.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.ecall, "ecall", "square", fmt.Sprintf("ecall to drive: %s.", strings.Join(demoEcallNames(), ", ")))
	f.IntVar(&r.calls, "calls", 100, "number of ecalls per caller.")
	f.IntVar(&r.concurrency, "concurrency", 1, "number of concurrent callers.")
	f.BoolVar(&r.switchless, "switchless", false, "request switchless ecalls. Needs --switchless-config.")
	f.BoolVar(&r.debug, "debug-region", false, "load the region in debug mode.")
	f.DurationVar(&r.destroyAfter, "destroy-after", 0, "destroy the region while the calls are running, after this long. Zero waits for the calls.")
	f.StringVar(&r.metricsFile, "metrics-file", "", "if set, write runtime metrics in Prometheus text format to this file after the run.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	ordinal, ok := demoEcalls[r.ecall]
	if !ok {
		return Errorf("unknown ecall %q, must be one of: %s", r.ecall, strings.Join(demoEcallNames(), ", "))
	}
	if r.calls <= 0 || r.concurrency <= 0 {
		return Errorf("--calls and --concurrency must be positive")
	}
	sl, err := conf.Switchless()
	if err != nil {
		return Errorf("%v", err)
	}
	if r.switchless && sl == nil {
		return Errorf("--switchless needs --switchless-config")
	}

	rt, err := enclave.New(conf.RuntimeOptions())
	if err != nil {
		Fatalf("creating runtime: %v", err)
	}
	defer rt.Close()

	id, err := rt.Create(f.Arg(0), enclave.CreateOptions{Debug: r.debug, Switchless: sl})
	if err != nil {
		return Errorf("creating region from %q: %v", f.Arg(0), err)
	}

	// SIGINT and SIGTERM stop the callers; the region is still torn down.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopForwarding := sighandling.StartSignalForwarding(func(sig os.Signal) {
		log.Warningf("Got %v, stopping callers of region %#x", sig, id)
		cancel()
	})
	defer stopForwarding()

	res := r.drive(ctx, rt, id, ordinal)
	if r.destroyAfter == 0 {
		if err := rt.Destroy(id); err != nil {
			log.Warningf("Destroying region %#x: %v", id, err)
		}
	}
	Infof("%d calls into region %#x: %d ok, %d lost, %d failed", res.total(), id, res.ok.Load(), res.lost.Load(), res.failed.Load())
	if res.firstErr != nil {
		Infof("First failure: %v", res.firstErr)
	}

	if r.metricsFile != "" {
		if err := writeMetrics(r.metricsFile); err != nil {
			return Errorf("writing metrics: %v", err)
		}
	}
	if res.failed.Load() > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// results counts the outcomes of a run.
type results struct {
	ok     atomicbitops.Uint64
	lost   atomicbitops.Uint64
	failed atomicbitops.Uint64

	// firstErr is set once, by the goroutine that moved failed from zero.
	firstErr error
}

func (res *results) total() uint64 {
	return res.ok.Load() + res.lost.Load() + res.failed.Load()
}

func (res *results) record(err error) {
	switch {
	case err == nil:
		res.ok.Add(1)
	case errors.Is(err, enclave.ErrRegionLost):
		res.lost.Add(1)
	default:
		if res.failed.Add(1) == 1 {
			res.firstErr = err
		}
	}
}

// drive runs the callers and, if requested, destroys the region under them.
// Once the region is lost, callers stop early.
func (r *Run) drive(ctx context.Context, rt *enclave.Runtime, id uint64, ordinal int32) *results {
	res := &results{}
	g, ctx := errgroup.WithContext(ctx)
	for c := 0; c < r.concurrency; c++ {
		g.Go(func() error {
			for i := 0; i < r.calls; i++ {
				if ctx.Err() != nil {
					return nil
				}
				call := demoCall{In: uint64(i)}
				err := rt.Ecall(id, ordinal, demoOcalls, unsafe.Pointer(&call), r.switchless)
				res.record(err)
				if errors.Is(err, enclave.ErrRegionLost) {
					return nil
				}
			}
			return nil
		})
	}
	if r.destroyAfter > 0 {
		g.Go(func() error {
			select {
			case <-time.After(r.destroyAfter):
			case <-ctx.Done():
				return nil
			}
			log.Infof("Destroying region %#x under its callers", id)
			if err := rt.Destroy(id); err != nil {
				return fmt.Errorf("destroying region %#x: %w", id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warningf("%v", err)
	}
	return res
}

func demoEcallNames() []string {
	names := make([]string, 0, len(demoEcalls))
	for name := range demoEcalls {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// writeMetrics writes the metric registry to path.
func writeMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metric.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
