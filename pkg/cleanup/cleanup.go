// Copyright 2020 The gVisor Authors.
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

// Package cleanup unwinds partially built state on error paths.
//
// Region creation acquires several resources in sequence (the loaded image,
// the region object, its slots, the registry entry); a failure at any step
// must undo the ones already taken, newest first.
package cleanup

// Cleanup is a stack of undo functions. Usage:
//
//	cu := cleanup.Make(func() { im.Destroy() })
//	defer cu.Clean()
//	...
//	cu.Add(func() { r.DecRef(nil) })
//	...
//	cu.Release() // Created: keep everything.
//	return r
//
// The zero value is an empty stack.
type Cleanup struct {
	undo []func()
}

// Make returns a Cleanup holding f.
func Make(f func()) Cleanup {
	return Cleanup{undo: []func(){f}}
}

// Add pushes f.
func (c *Cleanup) Add(f func()) {
	c.undo = append(c.undo, f)
}

// Clean runs the functions, newest first, and empties the stack. A released
// or cleaned Cleanup does nothing.
func (c *Cleanup) Clean() {
	run(c.undo)
	c.undo = nil
}

// Release empties the stack without running it. It returns a function that
// runs what was released, for callers that hand the undo work to someone
// else.
func (c *Cleanup) Release() func() {
	undo := c.undo
	c.undo = nil
	return func() { run(undo) }
}

func run(undo []func()) {
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
}
