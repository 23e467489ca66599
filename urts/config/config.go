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

// Package config provides basic infrastructure to set configuration settings
// for urts. Each setting that can be changed from the command line must have
// a corresponding field in Config, tagged with the flag name.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"enclaves.dev/urts/pkg/enclave"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/refs"
	"enclaves.dev/urts/pkg/switchless"
)

// Config holds configuration that is not part of an image's manifest.
type Config struct {
	// Platform is the platform backend regions are loaded on.
	Platform string `flag:"platform"`

	// LogFilename is the filename to log error messages to.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DebugLog is the path to log debug information to, if not empty. If it
	// ends with '/', a file is created inside the directory per command.
	DebugLog string `flag:"debug-log"`

	// DebugCommand is a comma-separated list of commands to be debugged if
	// --debug-log is also set. A leading "!" negates the list.
	DebugCommand string `flag:"debug-command"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// ReferenceLeak sets reference leak check mode.
	ReferenceLeak refs.LeakMode `flag:"ref-leak-mode"`

	// SlotTimeout is how long a call waits for a free execution slot.
	SlotTimeout time.Duration `flag:"slot-timeout"`

	// CreateRetryTimeout bounds the retries of a load that lost its region.
	// Negative values disable retries.
	CreateRetryTimeout time.Duration `flag:"create-retry-timeout"`

	// PortableFaults delivers region traps through the process-wide
	// signal handler chain even when the platform reports them directly.
	PortableFaults bool `flag:"portable-faults"`

	// SwitchlessConfig is the path of a switchless configuration file.
	// Regions are created with switchless calls enabled if it is set.
	SwitchlessConfig string `flag:"switchless-config"`
}

var logFormats = []string{"text", "json", "json-k8s", "logfmt"}

func validFormat(f string) bool {
	for _, v := range logFormats {
		if f == v {
			return true
		}
	}
	return false
}

func (c *Config) validate() error {
	if c.Platform == "" {
		return fmt.Errorf("--platform must be set")
	}
	if !validFormat(c.LogFormat) {
		return fmt.Errorf("invalid log format %q, must be one of %s", c.LogFormat, strings.Join(logFormats, ", "))
	}
	if !validFormat(c.DebugLogFormat) {
		return fmt.Errorf("invalid debug log format %q, must be one of %s", c.DebugLogFormat, strings.Join(logFormats, ", "))
	}
	if c.SlotTimeout < 0 {
		return fmt.Errorf("--slot-timeout must not be negative, got %v", c.SlotTimeout)
	}
	return nil
}

// RuntimeOptions returns the options of the runtime regions are run by.
func (c *Config) RuntimeOptions() enclave.Options {
	return enclave.Options{
		Platform:           c.Platform,
		SlotTimeout:        c.SlotTimeout,
		CreateRetryTimeout: c.CreateRetryTimeout,
		PortableFaults:     c.PortableFaults,
	}
}

// Switchless returns the switchless configuration regions are created with,
// or nil if switchless calls are disabled.
func (c *Config) Switchless() (*switchless.Config, error) {
	if c.SwitchlessConfig == "" {
		return nil, nil
	}
	cfg, err := switchless.LoadConfig(c.SwitchlessConfig)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// IsDebugCommand returns true if the command should be debugged or not,
// based on DebugCommand.
func (c *Config) IsDebugCommand(command string) bool {
	if len(c.DebugCommand) == 0 {
		// Debug everything by default.
		return true
	}
	filter := c.DebugCommand
	rv := true
	if filter[0] == '!' {
		// Negate the match, e.g. !run should log all, but "run".
		filter = filter[1:]
		rv = false
	}
	for _, cmd := range strings.Split(filter, ",") {
		if cmd == command {
			return rv
		}
	}
	return !rv
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}
