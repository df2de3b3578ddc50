// Copyright 2025 the Fornax Authors. All Rights Reserved.
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

// Package futex implements address-indexed wait queues. Waiters are keyed
// on (address-space identity, user address), where the identity is the
// physical address of the root page table, so threads sharing an address
// space rendezvous on the same key regardless of which thread sleeps.
package futex

import (
	"time"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/jacobsa/syncutil"
)

// MaxWaiters sizes the table for the practical number of blocked threads.
const MaxWaiters = 64

// Futex ops.
const (
	OpWait = 0
	OpWake = 1
)

type waiter struct {
	pid      int
	identity uint64
	addr     uint64
	deadline time.Time // zero for no timeout
	active   bool
}

// Table is the global futex table: one lock, linear scans.
type Table struct {
	mu syncutil.InvariantMutex

	waiters [MaxWaiters]waiter // GUARDED_BY(mu)
}

func NewTable() (t *Table) {
	t = &Table{}
	t.mu = syncutil.NewInvariantMutex(func() {})
	return
}

// WaitIfEqual atomically (under the table lock) compares the u32 at addr
// against expect and, if they match, enqueues pid. Returns EAGAIN without
// enqueuing on mismatch, ENOMEM when the table is full. On kerr.OK the
// caller must park the process; the wake side supplies the return word.
func (t *Table) WaitIfEqual(pid int, as *mem.AddressSpace, addr uint64, expect uint32, deadline time.Time) kerr.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, e := as.LoadU32(addr)
	if e != kerr.OK {
		return e
	}
	if v != expect {
		return kerr.EAGAIN
	}

	for i := range t.waiters {
		if t.waiters[i].active {
			continue
		}
		t.waiters[i] = waiter{
			pid:      pid,
			identity: as.RootPhys(),
			addr:     addr,
			deadline: deadline,
			active:   true,
		}
		return kerr.OK
	}

	return kerr.ENOMEM
}

// Wake releases up to max sleepers on (identity, addr), returning their
// pids for the caller to wake with return word 0.
func (t *Table) Wake(identity, addr uint64, max int) (pids []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.waiters {
		if len(pids) >= max {
			break
		}
		w := &t.waiters[i]
		if w.active && w.identity == identity && w.addr == addr {
			w.active = false
			pids = append(pids, w.pid)
		}
	}

	return
}

// WakeOne is Wake with max 1; clone's child-tid mechanism uses it on
// thread exit.
func (t *Table) WakeOne(identity, addr uint64) (pid int, ok bool) {
	pids := t.Wake(identity, addr, 1)
	if len(pids) == 0 {
		return
	}

	return pids[0], true
}

// Expired clears and returns waiters whose deadline has passed; the caller
// wakes them with EAGAIN.
func (t *Table) Expired(now time.Time) (pids []int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.waiters {
		w := &t.waiters[i]
		if w.active && !w.deadline.IsZero() && !now.Before(w.deadline) {
			w.active = false
			pids = append(pids, w.pid)
		}
	}

	return
}

// Remove clears any entry for pid; used when a blocked thread is killed.
func (t *Table) Remove(pid int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.waiters {
		if t.waiters[i].active && t.waiters[i].pid == pid {
			t.waiters[i].active = false
		}
	}
}
