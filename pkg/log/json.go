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

package log

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// levelNames are the JSON names of the levels, indexed by level.
var levelNames = [...]string{
	Warning: "warning",
	Info:    "info",
	Debug:   "debug",
}

// MarshalJSON implements json.Marshaler.MarshalJSON.
func (l Level) MarshalJSON() ([]byte, error) {
	if int(l) >= len(levelNames) {
		return nil, fmt.Errorf("unknown level %v", l)
	}
	return json.Marshal(levelNames[l])
}

// UnmarshalJSON implements json.Unmarshaler.UnmarshalJSON. Levels may be
// given by name or by value.
func (l *Level) UnmarshalJSON(b []byte) error {
	if n, err := strconv.ParseUint(string(b), 10, 32); err == nil && n < uint64(len(levelNames)) {
		*l = Level(n)
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		for i, s := range levelNames {
			if s == name {
				*l = Level(i)
				return nil
			}
		}
	}
	return fmt.Errorf("unknown level %s", b)
}

// caller returns "file:line" of the caller depth frames up.
func caller(depth int) string {
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		return ""
	}
	if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
		file = file[slash+1:]
	}
	return file + ":" + strconv.Itoa(line)
}

// DefaultMessageKey is the key JSONEmitter uses for the message.
const DefaultMessageKey = "msg"

// K8sMessageKey is the message key of the Kubernetes fluent configuration.
const K8sMessageKey = "log"

// JSONEmitter logs one JSON object per message, with the keys "caller",
// "level", "time" and the message key.
type JSONEmitter struct {
	*Writer

	// MessageKey is the key of the message. If empty, DefaultMessageKey is
	// used.
	MessageKey string
}

// Emit implements Emitter.Emit.
func (e JSONEmitter) Emit(depth int, level Level, timestamp time.Time, format string, v ...any) {
	key := e.MessageKey
	if key == "" {
		key = DefaultMessageKey
	}
	rec := map[string]any{
		key:     fmt.Sprintf(format, v...),
		"level": level,
		"time":  timestamp,
	}
	if c := caller(depth + 1); c != "" {
		rec["caller"] = c
	}
	b, err := json.Marshal(rec)
	if err != nil {
		panic(err)
	}
	e.Writer.Write(append(b, '\n'))
}
