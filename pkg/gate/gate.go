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

// Package gate provides a Gate that workers pass through while they run.
package gate

import (
	"enclaves.dev/urts/pkg/atomicbitops"
	"enclaves.dev/urts/pkg/sync"
)

// closedBit marks a closed gate. The low 31 bits count the users inside.
const closedBit = 1 << 31

// Gate admits users until it is closed. Closing waits for the users already
// inside to leave.
//
// Switchless worker loops enter the gate for their whole lifetime:
//
//	if !g.Enter() {
//		return // Stopping.
//	}
//	defer g.Leave()
//
// and stopping the workers is
//
//	g.Close()
//
// The zero value is an open gate.
type Gate struct {
	state atomicbitops.Uint32

	closeOnce sync.Once

	// done is closed by the last user to leave a closed gate. It is
	// created by Close before the closed bit is published.
	done chan struct{}
}

// Enter enters the gate. It returns false if the gate is closed; otherwise
// the caller must call Leave.
func (g *Gate) Enter() bool {
	if g == nil {
		return false
	}
	for {
		s := g.state.Load()
		if s&closedBit != 0 {
			return false
		}
		if g.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

// Leave leaves the gate after a successful Enter.
func (g *Gate) Leave() {
	for {
		s := g.state.Load()
		if s&^closedBit == 0 {
			panic("gate: Leave without Enter")
		}
		if g.state.CompareAndSwap(s, s-1) {
			if s == closedBit|1 {
				close(g.done)
			}
			return
		}
	}
}

// Users returns the number of users inside the gate.
func (g *Gate) Users() int {
	return int(g.state.Load() &^ closedBit)
}

// Closed returns true if Close has been called.
func (g *Gate) Closed() bool {
	return g.state.Load()&closedBit != 0
}

// Close closes the gate and waits for the users inside to leave. Later calls
// return immediately.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		g.done = make(chan struct{})
		for {
			s := g.state.Load()
			if !g.state.CompareAndSwap(s, s|closedBit) {
				continue
			}
			if s != 0 {
				<-g.done
			}
			return
		}
	})
}
