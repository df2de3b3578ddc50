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

// Package proc implements the static process table, thread groups, and the
// per-core scheduler. Processes occupy fixed slots; pids are issued
// monotonically and never reused while a slot is live. User code runs on
// goroutines, but every runnable process must hold one of the simulated CPU
// cores, and blocking syscalls park the goroutine only after publishing the
// blocked state and pending-op tag that the wakeup machinery keys on.
package proc

import (
	"fmt"
	"time"

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/mem"
	"github.com/fornax-os/fornax/ns"
	"github.com/jacobsa/syncutil"
)

// MaxProcs is the process table capacity.
const MaxProcs = 256

type State int

const (
	// The zero value marks a free slot.
	Dead State = iota
	New
	Ready
	Running
	Blocked
	Zombie
)

func (s State) String() string {
	switch s {
	case Dead:
		return "dead"
	case New:
		return "new"
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Zombie:
		return "zombie"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// PendingOp names why a blocked process is blocked, and therefore which
// wake condition applies.
type PendingOp int

const (
	OpNone PendingOp = iota
	OpIPCRecv
	OpIPCReplyWait
	OpPipeRead
	OpPipeWrite
	OpNetRead
	OpNetWrite
	OpTCPConnect
	OpTCPAccept
	OpDNS
	OpFutex
	OpWait
	OpSleep
)

// Context is the saved user register image. RAX doubles as the syscall
// return slot restored on wake.
type Context struct {
	RIP    uint64
	RSP    uint64
	RFLAGS uint64
	RAX    uint64

	// Thread-local base (FS base analog), set by arch_prctl and clone.
	FSBase uint64
}

// A Group is the shared state of threads created by clone with the
// share-memory flag. A process either owns its resources exclusively or
// points to exactly one active group, never both.
type Group struct {
	mu syncutil.InvariantMutex

	AS  *mem.AddressSpace
	FDs *fdtab.Table
	NS  *ns.Namespace

	// Heap break and anonymous-mmap cursor, shared group-wide.
	Brk      uint64 // GUARDED_BY(mu)
	MmapNext uint64 // GUARDED_BY(mu)

	// Number of live (non-dead) member processes.
	//
	// INVARIANT: Refs >= 0
	Refs int // GUARDED_BY(mu)

	// Union of the members' TLB footprints.
	CoresRanOn uint64 // GUARDED_BY(mu)
}

func NewGroup() (g *Group) {
	g = &Group{}
	g.mu = syncutil.NewInvariantMutex(g.checkInvariants)
	return
}

func (g *Group) checkInvariants() {
	if g.Refs < 0 {
		panic("proc: negative group refcount")
	}
}

func (g *Group) Lock()   { g.mu.Lock() }
func (g *Group) Unlock() { g.mu.Unlock() }

type Process struct {
	// Constant for the lifetime of the slot.
	Slot int
	PID  int

	ParentPID int

	State      State
	Pending    PendingOp
	SyscallRet uint64

	// Set when the process is killed out from under a syscall; the next
	// scheduling point terminates it instead of resuming user code.
	Killed bool

	ExitStatus int

	// Pid argument of a blocked wait: 0 or -1 means any child.
	WaitingFor int

	// Set under the table lock when the process has committed to block in
	// wait; an exiting child claims it there, closing the race between
	// the parent's zombie scan and its park.
	WaitCommitted bool

	// Deadline for a blocked sleep.
	SleepUntil time.Time

	// RFNOWAIT: reap immediately on exit, no zombie.
	NoWait bool

	Ctx Context

	UID, GID uint32

	// Bitmap of cores this process has ever run on.
	CoresRanOn uint64

	// Save area for the in-flight IPC frame while blocked in the channel
	// machinery.
	IPCBuf []byte

	// Child-tid address from clone: zeroed and futex-woken on exit.
	CtidPtr uint64

	// Thread-group membership; nil for a process owning its resources
	// inline.
	Group *Group

	// Inline resources, valid only when Group == nil.
	AS       *mem.AddressSpace
	FDs      *fdtab.Table
	NS       *ns.Namespace
	Brk      uint64
	MmapNext uint64

	// Scheduler plumbing.
	wakeC    chan uint64
	lastCore int
	enqueued bool
}

// AddrSpace picks the group's address space if the process is threaded.
func (p *Process) AddrSpace() *mem.AddressSpace {
	if p.Group != nil {
		return p.Group.AS
	}
	return p.AS
}

// FDTable picks the group's fd table if the process is threaded.
func (p *Process) FDTable() *fdtab.Table {
	if p.Group != nil {
		return p.Group.FDs
	}
	return p.FDs
}

// Namespace picks the group's namespace if the process is threaded.
func (p *Process) Namespace() *ns.Namespace {
	if p.Group != nil {
		return p.Group.NS
	}
	return p.NS
}

// A Table is the static process table, guarded by a single allocation
// lock. Individual state transitions are mediated by the scheduler or
// under this lock.
type Table struct {
	mu syncutil.InvariantMutex

	// INVARIANT: For each live slot i, procs[i].Slot == i
	// INVARIANT: Live pids are unique
	procs   [MaxProcs]Process // GUARDED_BY(mu)
	nextPID int               // GUARDED_BY(mu)
}

func NewTable() (t *Table) {
	t = &Table{nextPID: 1}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return
}

func (t *Table) checkInvariants() {
	seen := make(map[int]bool)
	for i := range t.procs {
		p := &t.procs[i]
		if p.State == Dead {
			continue
		}
		if p.Slot != i {
			panic(fmt.Sprintf("proc: slot %d mislabeled as %d", i, p.Slot))
		}
		if seen[p.PID] {
			panic(fmt.Sprintf("proc: duplicate pid %d", p.PID))
		}
		seen[p.PID] = true
	}
}

// Alloc claims a free slot, issuing the next pid. The slot comes back in
// state New with all per-process fields reset.
func (t *Table) Alloc(parentPID int) (p *Process, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.procs {
		if t.procs[i].State != Dead {
			continue
		}

		p = &t.procs[i]
		*p = Process{
			Slot:      i,
			PID:       t.nextPID,
			ParentPID: parentPID,
			State:     New,
			wakeC:     make(chan uint64, 1),
			lastCore:  -1,
		}
		t.nextPID++
		ok = true
		return
	}

	return
}

// ByPID finds a live process (any state but Dead).
func (t *Table) ByPID(pid int) *Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.procs {
		if t.procs[i].State != Dead && t.procs[i].PID == pid {
			return &t.procs[i]
		}
	}

	return nil
}

// BySlot returns the slot regardless of state.
func (t *Table) BySlot(slot int) *Process {
	return &t.procs[slot]
}

// Release frees a slot for reuse.
func (t *Table) Release(p *Process) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p.State = Dead
}

// ForEach visits every live process in slot order.
func (t *Table) ForEach(fn func(p *Process)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.procs {
		if t.procs[i].State != Dead {
			fn(&t.procs[i])
		}
	}
}

// Children returns the live direct children of pid, in slot order.
func (t *Table) Children(pid int) (kids []*Process) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.procs {
		if t.procs[i].State != Dead && t.procs[i].ParentPID == pid {
			kids = append(kids, &t.procs[i])
		}
	}

	return
}

// Lock exposes the allocation lock for compound transitions.
func (t *Table) Lock()   { t.mu.Lock() }
func (t *Table) Unlock() { t.mu.Unlock() }

// waitMatch tells whether a wait for want covers child pid.
func waitMatch(want, pid int) bool {
	return want == 0 || want == -1 || want == pid
}

// ReapOrCommit is wait's atomic scan: it looks for a zombie child of p
// matching want. Finding none, if commit is set it records that p is
// about to park in wait, so an exiting child can claim the wakeup.
func (t *Table) ReapOrCommit(p *Process, want int, commit bool) (zombie *Process, hasChildren bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.procs {
		c := &t.procs[i]
		if c.State == Dead || c.ParentPID != p.PID {
			continue
		}
		hasChildren = true
		if c.State == Zombie && waitMatch(want, c.PID) {
			zombie = c
			return
		}
	}

	if commit {
		p.WaitingFor = want
		p.WaitCommitted = true
	}

	return
}

// ClaimWaiter is the child side of the wait handshake: if parent has
// committed to wait for pid, the claim is consumed and the caller owns
// the wakeup.
func (t *Table) ClaimWaiter(parent *Process, pid int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if parent.WaitCommitted && waitMatch(parent.WaitingFor, pid) {
		parent.WaitCommitted = false
		return true
	}

	return false
}
