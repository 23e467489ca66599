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

package switchless

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
	"unsafe"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/enclave/platform"
)

// doubler doubles the uint64 its message points to.
type doubler struct {
	calls   atomicbitops.Uint64
	block   chan struct{}
	entered chan struct{}
}

func (d *doubler) Count() int { return 1 }

func (d *doubler) Call(ordinal int32, ms unsafe.Pointer) sgx.Status {
	d.calls.Add(1)
	if d.entered != nil {
		d.entered <- struct{}{}
	}
	if d.block != nil {
		<-d.block
	}
	v := (*uint64)(ms)
	*v *= 2
	return sgx.StatusSuccess
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetriesBeforeFallback = 1 << 16
	cfg.RetriesBeforeSleep = 1 << 30
	return cfg
}

func newManager(t *testing.T, cfg Config, region *platform.Layout) *Manager {
	t.Helper()
	m, err := New(cfg, region, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		m.Stop()
		m.Release()
	})
	return m
}

func waitWorkers(t *testing.T, m *Manager, typ WorkerType, n int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for m.Workers(typ) < n {
		if time.Now().After(deadline) {
			t.Fatalf("%v workers did not start: have %d, want %d", typ, m.Workers(typ), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// start starts m with trusted workers running target and untrusted workers
// running ocalls.
func start(t *testing.T, m *Manager, target Target, ocalls *platform.OcallTable) {
	t.Helper()
	m.BindTrusted(target)
	m.Start(ocalls, func() error {
		if st := m.RunTrustedWorker(target); st != sgx.StatusSuccess {
			return fmt.Errorf("trusted worker: %v", st)
		}
		return nil
	})
	waitWorkers(t, m, TrustedWorker, m.cfg.TrustedWorkers)
	waitWorkers(t, m, UntrustedWorker, m.cfg.UntrustedWorkers)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchless.toml")
	data := `
num_uworkers = 2
num_tworkers = 3
num_lines = 100
abandon_timeout = "250ms"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := DefaultConfig()
	want.UntrustedWorkers = 2
	want.TrustedWorkers = 3
	want.Lines = 100
	want.AbandonTimeout = Duration(250 * time.Millisecond)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}

	if err := os.WriteFile(path, []byte("num_workers = 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Errorf("LoadConfig accepted an unknown key")
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"untrusted only", func(c *Config) { c.TrustedWorkers = 0 }, true},
		{"no workers", func(c *Config) { c.TrustedWorkers, c.UntrustedWorkers = 0, 0 }, false},
		{"negative workers", func(c *Config) { c.TrustedWorkers = -1 }, false},
		{"too many lines", func(c *Config) { c.Lines = MaxLines + 1 }, false},
		{"no lines", func(c *Config) { c.Lines = 0 }, false},
		{"no retries", func(c *Config) { c.RetriesBeforeFallback = 0 }, false},
		{"no sleep retries", func(c *Config) { c.RetriesBeforeSleep = 0 }, false},
		{"negative timeout", func(c *Config) { c.AbandonTimeout = -1 }, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(&c)
			if err := c.Validate(); (err == nil) != tc.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}

func TestConfigCopy(t *testing.T) {
	var events int
	c := DefaultConfig()
	c.Callback = func(WorkerType, Event, Stats) { events++ }
	cp := c.Copy()
	cp.Lines = 8
	if c.Lines != DefaultLines {
		t.Errorf("changing the copy changed the original")
	}
	cp.report(UntrustedWorker, WorkerStart, Stats{})
	if events != 1 {
		t.Errorf("copied callback was not called")
	}
}

func newLines(n int) *SignalLines {
	words := (n + 63) / 64
	return newSignalLines(make([]atomicbitops.Uint64, words), make([]atomicbitops.Uint64, words), n)
}

func TestSignalLinesExclusive(t *testing.T) {
	const n = 100
	l := newLines(n)

	got := make([]int, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			line, ok := l.Alloc()
			if !ok {
				return errors.New("no line")
			}
			got[i] = line
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	seen := make(map[int]bool)
	for _, line := range got {
		if line < 0 || line >= n || seen[line] {
			t.Fatalf("line %d allocated twice or out of range", line)
		}
		seen[line] = true
	}
	if line, ok := l.Alloc(); ok {
		t.Fatalf("Alloc on a full set returned line %d", line)
	}

	l.Free(42)
	if line, ok := l.Alloc(); !ok || line != 42 {
		t.Errorf("Alloc after Free(42) = %d, %v; want 42, true", line, ok)
	}
}

func TestSignalLinesRevoke(t *testing.T) {
	l := newLines(64)
	l.Trigger(3)
	l.Trigger(5)
	if !l.Pending() {
		t.Fatalf("no line pending after Trigger")
	}
	if line, ok := l.Claim(); !ok || line != 3 {
		t.Fatalf("Claim() = %d, %v; want 3, true", line, ok)
	}
	if l.Revoke(3) {
		t.Errorf("Revoke succeeded on a claimed line")
	}
	if !l.Revoke(5) {
		t.Errorf("Revoke failed on an unclaimed line")
	}
	if l.Pending() {
		t.Errorf("line pending after claim and revoke")
	}
}

func TestFallbackWithoutWorkers(t *testing.T) {
	var missed []Stats
	cfg := testConfig()
	cfg.Callback = func(typ WorkerType, ev Event, stats Stats) {
		if ev == WorkerMiss {
			missed = append(missed, stats)
		}
	}
	m := newManager(t, cfg, nil)

	v := uint64(1)
	if _, err := m.Ecall(0, unsafe.Pointer(&v)); !errors.Is(err, ErrWouldBlock) {
		t.Fatalf("Ecall without workers: got %v, want %v", err, ErrWouldBlock)
	}
	if v != 1 {
		t.Errorf("message modified by a call that fell back")
	}
	want := []Stats{{Missed: 1}}
	if diff := cmp.Diff(want, missed); diff != "" {
		t.Errorf("miss events mismatch (-want +got):\n%s", diff)
	}
}

func TestEcall(t *testing.T) {
	cfg := testConfig()
	cfg.TrustedWorkers = 2
	m := newManager(t, cfg, nil)
	d := &doubler{}
	start(t, m, d, &platform.OcallTable{})

	const callers = 16
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				v := uint64(i*100 + j)
				st, err := m.Ecall(0, unsafe.Pointer(&v))
				if errors.Is(err, ErrWouldBlock) {
					continue
				}
				if err != nil || st != sgx.StatusSuccess {
					return fmt.Errorf("Ecall: %v, %v", st, err)
				}
				if want := uint64(2 * (i*100 + j)); v != want {
					return fmt.Errorf("got %d, want %d", v, want)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := m.Stats(TrustedWorker).Processed; got != d.calls.Load() || got == 0 {
		t.Errorf("processed = %d, target calls = %d", got, d.calls.Load())
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if n := m.Workers(TrustedWorker); n != 0 {
		t.Errorf("%d trusted workers left after Stop", n)
	}
}

func TestOcall(t *testing.T) {
	cfg := testConfig()
	cfg.TrustedWorkers = 0
	m := newManager(t, cfg, nil)

	ocalls := &platform.OcallTable{Ocalls: []platform.Ocall{
		func(ms unsafe.Pointer) sgx.Status {
			*(*int)(ms) = 7
			return sgx.StatusSuccess
		},
	}}
	start(t, m, &doubler{}, ocalls)

	for {
		var v int
		st, err := m.Ocall(0, unsafe.Pointer(&v))
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		if err != nil || st != sgx.StatusSuccess || v != 7 {
			t.Fatalf("Ocall = %v, %v, message %d; want success and 7", st, err, v)
		}
		break
	}

	// Ordinals beyond the table are rejected by the worker.
	for {
		var v int
		st, err := m.Ocall(1, unsafe.Pointer(&v))
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		if st != sgx.StatusInvalidFunction {
			t.Errorf("Ocall(1) = %v, %v; want %v", st, err, sgx.StatusInvalidFunction)
		}
		break
	}
}

func TestRejectMessageInsideRegion(t *testing.T) {
	var inside [16]byte
	region := &platform.Layout{Base: uintptr(unsafe.Pointer(&inside[0])), Size: uintptr(len(inside))}
	m := newManager(t, testConfig(), region)
	d := &doubler{}
	start(t, m, d, &platform.OcallTable{})

	for {
		st, err := m.Ecall(0, unsafe.Pointer(&inside[8]))
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		if st != sgx.StatusInvalidParameter {
			t.Errorf("Ecall with a message inside the region = %v, %v; want %v", st, err, sgx.StatusInvalidParameter)
		}
		break
	}
	if d.calls.Load() != 0 {
		t.Errorf("target ran a rejected call")
	}
	runtime.KeepAlive(&inside)
}

func TestAbandon(t *testing.T) {
	cfg := testConfig()
	cfg.Lines = 1
	cfg.AbandonTimeout = Duration(10 * time.Millisecond)
	m := newManager(t, cfg, nil)
	d := &doubler{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	start(t, m, d, &platform.OcallTable{})

	v := uint64(3)
	for {
		_, err := m.Ecall(0, unsafe.Pointer(&v))
		if errors.Is(err, ErrWouldBlock) {
			continue
		}
		if !errors.Is(err, ErrAbandoned) {
			t.Fatalf("Ecall on a stuck worker: got %v, want %v", err, ErrAbandoned)
		}
		break
	}
	<-d.entered

	// The only line stays in use until the worker finishes.
	if _, ok := m.ecalls.lines.Alloc(); ok {
		t.Fatalf("line of an abandoned call was reused before it finished")
	}
	close(d.block)
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := m.ecalls.lines.Alloc(); !ok {
		t.Errorf("worker did not release the line of an abandoned call")
	}
	runtime.KeepAlive(&v)
}

func TestWorkerEvents(t *testing.T) {
	events := make(chan Event, 16)
	cfg := testConfig()
	cfg.TrustedWorkers = 0
	cfg.RetriesBeforeSleep = 1
	cfg.Callback = func(typ WorkerType, ev Event, stats Stats) {
		if typ == UntrustedWorker && ev != WorkerMiss {
			select {
			case events <- ev:
			default:
			}
		}
	}
	m := newManager(t, cfg, nil)
	start(t, m, &doubler{}, &platform.OcallTable{})

	if ev := <-events; ev != WorkerStart {
		t.Errorf("first event = %v, want %v", ev, WorkerStart)
	}
	if ev := <-events; ev != WorkerIdle {
		t.Errorf("second event = %v, want %v", ev, WorkerIdle)
	}

	// All workers are asleep: the call falls back and wakes them.
	if m.ocalls.wake.sleeping.Load() == 1 {
		var v int
		if _, err := m.Ocall(0, unsafe.Pointer(&v)); !errors.Is(err, ErrWouldBlock) {
			t.Errorf("Ocall with sleeping workers: got %v, want %v", err, ErrWouldBlock)
		}
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(events)
	var last Event
	for ev := range events {
		last = ev
	}
	if last != WorkerExit {
		t.Errorf("last event = %v, want %v", last, WorkerExit)
	}
}
