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
package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts names the debug log file of one command.
type FileOpts struct {
	// Command is the command writing the log.
	Command string

	// Start is the time the command started.
	Start time.Time
}

// Path expands pattern into a file name. The pattern may contain %TIMESTAMP%
// and %COMMAND%. A pattern ending with '/' names a directory, in which a file
// with the default name is used.
func (o FileOpts) Path(pattern string) string {
	if strings.HasSuffix(pattern, "/") {
		// Default format: <dir>/urts.log.<yyyymmdd-hhmmss.uuuuuu>.<command>.txt
		pattern += "urts.log.%TIMESTAMP%.%COMMAND%.txt"
	}
	pattern = strings.ReplaceAll(pattern, "%TIMESTAMP%", o.Start.Format("20060102-150405.000000"))
	return strings.ReplaceAll(pattern, "%COMMAND%", o.Command)
}

// OpenFile opens the log file pattern expands to for appending, creating it
// and its directory as needed. An empty pattern opens nothing.
func OpenFile(pattern string, opts FileOpts) (*os.File, error) {
	if len(pattern) == 0 {
		return nil, nil
	}
	path := opts.Path(pattern)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", path, err)
	}
	return f, nil
}
