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

package platform

import (
	"fmt"

	"enclaves.dev/urts/pkg/bitmap"
)

// CallEntry is one ecall table entry.
type CallEntry struct {
	Name string

	// Privileged entries may only be called nested inside an ocall that
	// allows them.
	Privileged bool
}

// CallTable is a region's ecall table together with its edge table, which
// records for each ocall the ecalls that may be nested inside it.
type CallTable struct {
	Entries []CallEntry
	edges   []bitmap.Bitmap
}

// NewCallTable returns a call table for entries. edges[o] lists the ecall
// ordinals allowed inside ocall o.
func NewCallTable(entries []CallEntry, edges [][]int32) (*CallTable, error) {
	t := &CallTable{
		Entries: entries,
		edges:   make([]bitmap.Bitmap, len(edges)),
	}
	for o, allowed := range edges {
		t.edges[o] = bitmap.New(uint32(len(entries)))
		for _, e := range allowed {
			if e < 0 || int(e) >= len(entries) {
				return nil, fmt.Errorf("ocall %d allows unknown ecall %d", o, e)
			}
			t.edges[o].Add(uint32(e))
		}
	}
	return t, nil
}

// Count returns the number of ecalls.
func (t *CallTable) Count() int {
	return len(t.Entries)
}

// Allowed returns true if ecall may be called nested inside ocall.
func (t *CallTable) Allowed(ocall, ecall int32) bool {
	if ocall < 0 || int(ocall) >= len(t.edges) {
		return false
	}
	return t.edges[ocall].Contains(uint32(ecall))
}

// Nested returns the ecall ordinals allowed inside ocall.
func (t *CallTable) Nested(ocall int32) []uint32 {
	if ocall < 0 || int(ocall) >= len(t.edges) {
		return nil
	}
	return t.edges[ocall].ToSlice()
}
