// Copyright 2018 The gVisor Authors.
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

package sighandling

import (
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestChain(t *testing.T) {
	var first, second Handler
	var calls []string
	if err := ReplaceSignalHandler(unix.SIGUSR1, func(f *Frame) Disposition {
		calls = append(calls, "first")
		return Resume
	}, &first); err != nil {
		t.Fatalf("ReplaceSignalHandler: %v", err)
	}
	defer RestoreSignalHandler(unix.SIGUSR1, first)
	if first != nil {
		t.Fatalf("unexpected previous handler")
	}

	if err := ReplaceSignalHandler(unix.SIGUSR1, func(f *Frame) Disposition {
		calls = append(calls, "second")
		if f.Context == "mine" {
			return Redirect
		}
		return Forward(second, f)
	}, &second); err != nil {
		t.Fatalf("ReplaceSignalHandler: %v", err)
	}

	if got := Dispatch(&Frame{Signal: unix.SIGUSR1, Context: "mine"}); got != Redirect {
		t.Errorf("Dispatch(mine) = %v, want %v", got, Redirect)
	}
	if got := Dispatch(&Frame{Signal: unix.SIGUSR1}); got != Resume {
		t.Errorf("Dispatch(other) = %v, want %v", got, Resume)
	}
	if len(calls) != 3 || calls[2] != "first" {
		t.Errorf("calls = %v", calls)
	}

	RestoreSignalHandler(unix.SIGUSR1, second)
	calls = nil
	if got := Dispatch(&Frame{Signal: unix.SIGUSR1, Context: "mine"}); got != Resume {
		t.Errorf("Dispatch after restore = %v, want %v", got, Resume)
	}
}

func TestTerminate(t *testing.T) {
	if got := DispatchNoTerminate(&Frame{Signal: unix.SIGUSR2}); got != Terminate {
		t.Errorf("DispatchNoTerminate with no handler = %v, want %v", got, Terminate)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Dispatch with no handler did not panic")
		}
	}()
	Dispatch(&Frame{Signal: unix.SIGUSR2})
}

func TestNilHandler(t *testing.T) {
	var prev Handler
	if err := ReplaceSignalHandler(unix.SIGUSR2, nil, &prev); err == nil {
		t.Errorf("ReplaceSignalHandler(nil) succeeded")
	}
}

func TestSignalForwarding(t *testing.T) {
	got := make(chan os.Signal, 1)
	stop := StartSignalForwarding(func(sig os.Signal) { got <- sig })
	defer stop()

	if err := unix.Kill(os.Getpid(), unix.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case sig := <-got:
		if sig != unix.SIGTERM {
			t.Errorf("forwarded %v, want %v", sig, unix.SIGTERM)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("SIGTERM was not forwarded")
	}
}
