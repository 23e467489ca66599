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

package enclave

import (
	"time"

	"golang.org/x/sys/unix"

	"enclaves.dev/urts/pkg/abi/sgx"
	"enclaves.dev/urts/pkg/bitmap"
	"enclaves.dev/urts/pkg/enclave/platform"
	"enclaves.dev/urts/pkg/log"
	"enclaves.dev/urts/pkg/sync"
)

// DefaultSlotTimeout is how long a call waits for a free slot by default.
const DefaultSlotTimeout = 5 * time.Second

// reclaimInterval is how often a waiter looks for slots bound to exited
// threads under the bind policy.
const reclaimInterval = 10 * time.Millisecond

// slot is one execution slot of a region.
type slot struct {
	addr  uintptr
	index uint32

	// event is the slot's untrusted event. It holds at most one pending
	// wakeup.
	event chan struct{}

	// The fields below are protected by pool.mu.

	// tid is the thread the slot is bound to, or 0.
	tid int

	// depth is the number of calls in progress on the slot, nested calls
	// included.
	depth int

	// top is the innermost call on the slot. It is only used by the bound
	// thread.
	top *platform.CallContext
}

// SlotStats is a snapshot of a slot pool.
type SlotStats struct {
	// Total is the number of slots, initialized or not.
	Total int `json:"total" yaml:"total"`

	// Free is the number of slots available to new calls.
	Free int `json:"free" yaml:"free"`

	// Bound is the number of slots bound to a thread.
	Bound int `json:"bound" yaml:"bound"`

	// Pending is the number of dynamic slots not yet initialized.
	Pending int `json:"pending" yaml:"pending"`
}

// pool assigns a region's slots to threads.
//
// Under the unbind policy a slot is bound to a thread for the duration of its
// outermost call. Under the bind policy it stays bound until the thread exits
// or leaves the region through the thread exit path. Either way, nested calls
// made by a thread from inside an ocall reuse the thread's slot.
type pool struct {
	policy  platform.TCSPolicy
	timeout time.Duration
	minPool int

	// mktcs initializes the dynamic slot target by entering the region on
	// slot on.
	mktcs func(on, target uintptr) error

	// byAddr is immutable.
	byAddr map[uintptr]*slot

	// done is closed by wakeAll.
	done chan struct{}

	mu    sync.Mutex
	cond  *sync.Cond
	slots []*slot
	byTID map[int]*slot

	// free holds the indices of initialized unbound slots.
	free bitmap.Bitmap

	// pending holds the indices of dynamic slots not yet initialized.
	pending bitmap.Bitmap

	filling    bool
	fillFailed bool
	closed     bool
}

func newPool(l *platform.Layout, timeout time.Duration, mktcs func(on, target uintptr) error) *pool {
	n := len(l.TCS) + len(l.DynamicTCS)
	p := &pool{
		policy:  l.TCSPolicy,
		timeout: timeout,
		minPool: l.TCSMinPool,
		mktcs:   mktcs,
		byAddr:  make(map[uintptr]*slot, n),
		done:    make(chan struct{}),
		slots:   make([]*slot, 0, n),
		byTID:   make(map[int]*slot),
		free:    bitmap.New(uint32(n)),
		pending: bitmap.New(uint32(n)),
	}
	p.cond = sync.NewCond(&p.mu)
	add := func(addr uintptr) *slot {
		s := &slot{addr: addr, index: uint32(len(p.slots)), event: make(chan struct{}, 1)}
		p.slots = append(p.slots, s)
		p.byAddr[addr] = s
		return s
	}
	for _, addr := range l.TCS {
		p.free.Add(add(addr).index)
	}
	for _, addr := range l.DynamicTCS {
		p.pending.Add(add(addr).index)
	}
	return p
}

// slotAt returns the slot at addr, or nil.
func (p *pool) slotAt(addr uintptr) *slot {
	return p.byAddr[addr]
}

// acquire returns the slot tid must run its next call on, waiting up to the
// pool's timeout for one to become free. A thread that already holds a slot
// gets the same slot back.
func (p *pool) acquire(tid int) (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.byTID[tid]; ok {
		s.depth++
		return s, nil
	}
	var deadline time.Time
	for {
		if p.closed {
			return nil, ErrRegionLost
		}
		if s := p.takeLocked(); s != nil {
			p.bindLocked(tid, s)
			p.fillLocked()
			return s, nil
		}
		if p.policy == platform.TCSBind && p.reclaimLocked() {
			continue
		}
		p.fillLocked()
		if p.timeout <= 0 {
			return nil, ErrOutOfSlots
		}
		now := time.Now()
		if deadline.IsZero() {
			deadline = now.Add(p.timeout)
			slotWaits.Increment()
		} else if !now.Before(deadline) {
			return nil, ErrOutOfSlots
		}
		d := deadline.Sub(now)
		if p.policy == platform.TCSBind {
			d = min(d, reclaimInterval)
		}
		p.waitLocked(d)
	}
}

// acquireFree reserves a free slot without binding it and without waiting.
// The slot must be handed to bind or put.
func (p *pool) acquireFree() (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrRegionLost
	}
	s := p.takeLocked()
	if s == nil {
		return nil, ErrOutOfSlots
	}
	p.fillLocked()
	return s, nil
}

// acquireIdle reserves a slot with no call in progress, unbinding it if
// needed. It is used for runtime commands issued when no caller runs.
func (p *pool) acquireIdle() (*slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.takeLocked(); s != nil {
		return s, nil
	}
	for _, s := range p.byTID {
		if s.depth == 0 {
			p.unbindLocked(s)
			p.free.Remove(s.index)
			return s, nil
		}
	}
	return nil, ErrOutOfSlots
}

// bind binds a slot reserved by acquireFree to tid, for one call.
func (p *pool) bind(tid int, s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.byTID[tid]; ok && old != s && old.depth == 0 {
		p.unbindLocked(old)
	}
	p.bindLocked(tid, s)
}

// put returns a reserved slot to the free set.
func (p *pool) put(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unbindLocked(s)
}

// release ends a call on s. exited is set if the call left through the
// thread exit path, which ends the binding whatever the policy.
func (p *pool) release(s *slot, exited bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.depth--
	if exited {
		s.depth = 0
	}
	if s.depth > 0 {
		return
	}
	if p.policy == platform.TCSBind && !exited {
		return
	}
	p.unbindLocked(s)
}

// wakeAll fails all current and future waiters.
func (p *pool) wakeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	p.cond.Broadcast()
}

// stats returns a snapshot of the pool.
func (p *pool) stats() SlotStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return SlotStats{
		Total:   len(p.slots),
		Free:    int(p.free.Count()),
		Bound:   len(p.byTID),
		Pending: int(p.pending.Count()),
	}
}

// Preconditions: p.mu is locked.
func (p *pool) takeLocked() *slot {
	i, ok := p.free.First()
	if !ok {
		return nil
	}
	p.free.Remove(i)
	return p.slots[i]
}

// Preconditions: p.mu is locked. s is not in the free set.
func (p *pool) bindLocked(tid int, s *slot) {
	s.tid = tid
	s.depth = 1
	p.byTID[tid] = s
}

// Preconditions: p.mu is locked.
func (p *pool) unbindLocked(s *slot) {
	if s.tid != 0 && p.byTID[s.tid] == s {
		delete(p.byTID, s.tid)
	}
	s.tid = 0
	s.depth = 0
	s.top = nil
	p.free.Add(s.index)
	p.cond.Signal()
	p.fillLocked()
}

// reclaimLocked unbinds the slots of threads that exited. It returns true if
// any slot was freed.
//
// Preconditions: p.mu is locked.
func (p *pool) reclaimLocked() bool {
	pid := unix.Getpid()
	reclaimed := false
	for tid, s := range p.byTID {
		if s.depth != 0 {
			continue
		}
		if err := unix.Tgkill(pid, tid, 0); err == unix.ESRCH {
			log.Debugf("Reclaiming slot %#x of exited thread %d", s.addr, tid)
			p.unbindLocked(s)
			reclaimed = true
		}
	}
	return reclaimed
}

// waitLocked waits for a slot to be released, at most d.
//
// Preconditions: p.mu is locked.
func (p *pool) waitLocked(d time.Duration) {
	t := time.AfterFunc(d, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	t.Stop()
}

// target is the number of free slots below which dynamic slots are
// initialized. Initializing one takes a free slot to run on.
func (p *pool) target() int {
	return p.minPool + 1
}

// fillLocked starts initializing dynamic slots if the pool runs low.
//
// Preconditions: p.mu is locked.
func (p *pool) fillLocked() {
	if p.filling || p.fillFailed || p.closed || p.mktcs == nil || p.pending.IsEmpty() {
		return
	}
	if int(p.free.Count()) >= p.target() {
		return
	}
	p.filling = true
	go p.fill()
}

func (p *pool) fill() {
	p.mu.Lock()
	defer func() {
		p.filling = false
		p.mu.Unlock()
	}()
	for !p.closed && !p.pending.IsEmpty() && int(p.free.Count()) < p.target() {
		on := p.takeLocked()
		if on == nil {
			// Resumed by the next release.
			return
		}
		i, _ := p.pending.First()
		p.pending.Remove(i)
		target := p.slots[i]

		p.mu.Unlock()
		err := p.mktcs(on.addr, target.addr)
		p.mu.Lock()

		p.free.Add(on.index)
		if err != nil {
			log.Warningf("Initializing slot %#x: %v", target.addr, err)
			p.pending.Add(i)
			p.fillFailed = true
			p.cond.Broadcast()
			return
		}
		log.Debugf("Initialized dynamic slot %#x", target.addr)
		p.free.Add(target.index)
		p.cond.Broadcast()
	}
}

// eventWait waits for the event of s to be set, for at most timeout if it
// is positive.
func (p *pool) eventWait(s *slot, timeout time.Duration) sgx.Status {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case <-s.event:
		return sgx.StatusSuccess
	case <-expired:
		return sgx.StatusTimeout
	case <-p.done:
		return sgx.StatusEnclaveLost
	}
}

// eventSet sets the event of s. Setting a set event has no effect.
func (p *pool) eventSet(s *slot) {
	select {
	case s.event <- struct{}{}:
	default:
	}
}
