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
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
)

const (
	// DefaultRetriesBeforeFallback is the default number of polls a caller
	// makes for its task to be accepted before falling back to the hardware
	// path.
	DefaultRetriesBeforeFallback = 20000

	// DefaultRetriesBeforeSleep is the default number of empty polls a
	// worker makes before going to sleep.
	DefaultRetriesBeforeSleep = 20000

	// DefaultLines is the default number of signal lines per direction.
	DefaultLines = 64

	// MaxLines is the maximum number of signal lines per direction.
	MaxLines = 512
)

// WorkerType identifies the side a worker runs on.
type WorkerType int

const (
	// UntrustedWorker workers run ocalls submitted by the region.
	UntrustedWorker WorkerType = iota

	// TrustedWorker workers run inside the region and execute ecalls
	// submitted by the host.
	TrustedWorker
)

func (t WorkerType) String() string {
	switch t {
	case UntrustedWorker:
		return "untrusted"
	case TrustedWorker:
		return "trusted"
	default:
		return fmt.Sprintf("WorkerType(%d)", int(t))
	}
}

// Event is a worker lifecycle event reported to Config.Callback.
type Event int

const (
	// WorkerStart is reported when a worker starts polling.
	WorkerStart Event = iota

	// WorkerIdle is reported when a worker goes to sleep.
	WorkerIdle

	// WorkerMiss is reported when a call fell back to the hardware path
	// because no worker accepted it.
	WorkerMiss

	// WorkerExit is reported when a worker stops.
	WorkerExit
)

func (e Event) String() string {
	switch e {
	case WorkerStart:
		return "start"
	case WorkerIdle:
		return "idle"
	case WorkerMiss:
		return "miss"
	case WorkerExit:
		return "exit"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// Stats are the counters of one direction.
type Stats struct {
	// Processed is the number of calls executed by workers.
	Processed uint64

	// Missed is the number of calls that fell back to the hardware path.
	Missed uint64
}

// Callback receives worker events. It is called from worker goroutines and,
// for WorkerMiss, from the caller that fell back. It must not block.
type Callback func(typ WorkerType, ev Event, stats Stats)

// Duration is a time.Duration that unmarshals from strings such as "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config configures the switchless calls of one region.
type Config struct {
	// UntrustedWorkers is the number of workers executing ocalls.
	UntrustedWorkers int `toml:"num_uworkers"`

	// TrustedWorkers is the number of workers executing ecalls.
	TrustedWorkers int `toml:"num_tworkers"`

	// Lines is the number of signal lines per direction.
	Lines int `toml:"num_lines"`

	// RetriesBeforeFallback bounds the wait for a submitted call to be
	// accepted by a worker.
	RetriesBeforeFallback int `toml:"retries_before_fallback"`

	// RetriesBeforeSleep is the number of empty polls after which a worker
	// sleeps until new work is signalled.
	RetriesBeforeSleep int `toml:"retries_before_sleep"`

	// AbandonTimeout, if non-zero, bounds the wait for a call that a worker
	// accepted but did not finish. The caller then abandons the call and
	// the worker releases its line when it completes. Zero waits forever.
	AbandonTimeout Duration `toml:"abandon_timeout"`

	// Callback, if set, receives worker events.
	Callback Callback `toml:"-"`
}

// DefaultConfig returns the default configuration: one worker per side.
func DefaultConfig() Config {
	return Config{
		UntrustedWorkers:      1,
		TrustedWorkers:        1,
		Lines:                 DefaultLines,
		RetriesBeforeFallback: DefaultRetriesBeforeFallback,
		RetriesBeforeSleep:    DefaultRetriesBeforeSleep,
	}
}

// LoadConfig reads a TOML configuration file. Unset keys keep their
// defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("reading switchless config %q: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown keys in switchless config %q: %v", path, undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("switchless config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks c.
func (c *Config) Validate() error {
	switch {
	case c.UntrustedWorkers < 0 || c.TrustedWorkers < 0:
		return fmt.Errorf("negative worker count")
	case c.UntrustedWorkers == 0 && c.TrustedWorkers == 0:
		return fmt.Errorf("no workers configured")
	case c.Lines <= 0 || c.Lines > MaxLines:
		return fmt.Errorf("num_lines must be in [1, %d], got %d", MaxLines, c.Lines)
	case c.RetriesBeforeFallback <= 0:
		return fmt.Errorf("retries_before_fallback must be positive")
	case c.RetriesBeforeSleep <= 0:
		return fmt.Errorf("retries_before_sleep must be positive")
	case c.AbandonTimeout < 0:
		return fmt.Errorf("negative abandon_timeout")
	}
	return nil
}

// Copy returns a private copy of c.
func (c *Config) Copy() Config {
	return deepcopy.Copy(*c).(Config)
}

func (c *Config) lines() int {
	return c.Lines
}

func (c *Config) workers(typ WorkerType) int {
	if typ == TrustedWorker {
		return c.TrustedWorkers
	}
	return c.UntrustedWorkers
}

func (c *Config) report(typ WorkerType, ev Event, stats Stats) {
	if c.Callback != nil {
		c.Callback(typ, ev, stats)
	}
}
