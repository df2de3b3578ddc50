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

package proc

import (
	"fmt"
	"runtime"
	"sync"
)

// A Core is one simulated CPU. A core runs at most one process at a time;
// the kernel never preempts across a syscall boundary on the executing
// core, so scheduling is cooperative within a core.
type Core struct {
	ID int

	// Slot of the current process, or -1.
	Current int

	// TLB shootdown bookkeeping: flushes requested by IPI while the core
	// was busy, and the total flushes this core has performed.
	FlushPending int
	FlushCount   uint64
}

// Scheduler owns the cores and the per-core ready queues.
type Scheduler struct {
	table *Table

	mu   sync.Mutex
	cond *sync.Cond

	cores     []Core // GUARDED_BY(mu)
	freeCores []int  // GUARDED_BY(mu)

	// Per-core FIFO ready queues of slot indices.
	//
	// INVARIANT: A process in state Ready appears in exactly one queue,
	// exactly once; no other process appears in any queue.
	queues [][]int // GUARDED_BY(mu)

	nextQueue int // GUARDED_BY(mu)
}

func NewScheduler(table *Table, ncores int) (s *Scheduler) {
	if ncores < 1 {
		ncores = 1
	}

	s = &Scheduler{
		table:  table,
		cores:  make([]Core, ncores),
		queues: make([][]int, ncores),
	}
	s.cond = sync.NewCond(&s.mu)

	for i := range s.cores {
		s.cores[i] = Core{ID: i, Current: -1}
		s.freeCores = append(s.freeCores, i)
	}

	return
}

// NumCores returns the core count.
func (s *Scheduler) NumCores() int {
	return len(s.cores)
}

// CheckInvariants panics if the ready queues disagree with process states.
// Exposed for tests; the queues are small.
func (s *Scheduler) CheckInvariants() {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := make(map[int]int)
	for _, q := range s.queues {
		for _, slot := range q {
			count[slot]++
		}
	}

	for slot, n := range count {
		if n != 1 {
			panic(fmt.Sprintf("sched: slot %d enqueued %d times", slot, n))
		}
		if st := s.table.BySlot(slot).State; st != Ready {
			panic(fmt.Sprintf("sched: slot %d enqueued in state %v", slot, st))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Dispatch
////////////////////////////////////////////////////////////////////////

// enqueue appends p to a ready queue: its last core's, or round-robin for
// a process that has never run.
func (s *Scheduler) enqueue(p *Process) {
	q := p.lastCore
	if q < 0 {
		q = s.nextQueue
		s.nextQueue = (s.nextQueue + 1) % len(s.queues)
	}

	if p.enqueued {
		panic(fmt.Sprintf("sched: pid %d double-enqueued", p.PID))
	}
	p.enqueued = true
	s.queues[q] = append(s.queues[q], p.Slot)
	s.cond.Broadcast()
}

func (s *Scheduler) dequeue(p *Process) {
	for qi := range s.queues {
		for i, slot := range s.queues[qi] {
			if slot == p.Slot {
				s.queues[qi] = append(s.queues[qi][:i], s.queues[qi][i+1:]...)
				p.enqueued = false
				return
			}
		}
	}

	panic(fmt.Sprintf("sched: pid %d not on any ready queue", p.PID))
}

// acquire runs on the process's own goroutine. It waits for a free core,
// claims it, and transitions Ready -> Running, applying any TLB flushes
// the core deferred while busy.
func (s *Scheduler) acquire(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.freeCores) == 0 {
		s.cond.Wait()
	}

	core := s.freeCores[len(s.freeCores)-1]
	s.freeCores = s.freeCores[:len(s.freeCores)-1]

	s.dequeue(p)
	c := &s.cores[core]
	c.Current = p.Slot
	if c.FlushPending > 0 {
		c.FlushCount += uint64(c.FlushPending)
		c.FlushPending = 0
	}

	p.State = Running
	p.lastCore = core
	p.CoresRanOn |= 1 << core
	if p.Group != nil {
		p.Group.Lock()
		p.Group.CoresRanOn |= 1 << core
		p.Group.Unlock()
	}
}

// releaseCore frees the core p is running on. Caller holds s.mu.
func (s *Scheduler) releaseCore(p *Process) {
	c := &s.cores[p.lastCore]
	if c.Current != p.Slot {
		panic(fmt.Sprintf("sched: pid %d releasing core %d it does not hold", p.PID, c.ID))
	}

	c.Current = -1
	s.freeCores = append(s.freeCores, c.ID)
	s.cond.Broadcast()
}

// Start makes a New process runnable and launches its goroutine. The body
// runs with a core held and must end by calling Finish (the exit path does
// this).
func (s *Scheduler) Start(p *Process, body func()) {
	s.mu.Lock()
	if p.State != New {
		s.mu.Unlock()
		panic(fmt.Sprintf("sched: starting pid %d in state %v", p.PID, p.State))
	}
	p.State = Ready
	s.enqueue(p)
	s.mu.Unlock()

	go func() {
		s.acquire(p)
		body()
	}()
}

// Block suspends the calling process. The caller must already have set the
// syscall bookkeeping it needs; Block publishes state and pending-op, gives
// up the core, and parks until a waker supplies the return word. It does
// not return to the caller until the process is running again; if the
// process was killed while blocked, it never returns.
func (s *Scheduler) Block(p *Process, op PendingOp) uint64 {
	s.mu.Lock()
	if p.State != Running {
		s.mu.Unlock()
		panic(fmt.Sprintf("sched: blocking pid %d in state %v", p.PID, p.State))
	}
	p.State = Blocked
	p.Pending = op
	s.releaseCore(p)
	s.cond.Broadcast()
	s.mu.Unlock()

	ret := <-p.wakeC

	// A kill that caught us blocked has already done teardown and moved
	// us to zombie; the goroutine just dies. A kill that raced with a
	// normal wakeup resumes long enough for the dispatcher to run the
	// exit path.
	s.mu.Lock()
	killedWhileBlocked := p.Killed && p.State == Zombie
	s.mu.Unlock()
	if killedWhileBlocked {
		runtime.Goexit()
	}

	s.acquire(p)
	p.Pending = OpNone
	p.SyscallRet = ret
	p.Ctx.RAX = ret
	return ret
}

// Wake transitions a blocked process to ready and hands it its syscall
// return word. A waker always fires after its target registered on a
// waiter list but possibly before the target finished parking, so a
// still-running target is waited for here. Returns false if the process
// turned out not to be blocked (killed, or already woken).
func (s *Scheduler) Wake(p *Process, ret uint64) bool {
	s.mu.Lock()
	for p.State == Running && !p.Killed {
		s.cond.Wait()
	}
	if p.State != Blocked {
		s.mu.Unlock()
		return false
	}
	p.State = Ready
	p.Pending = OpNone
	s.enqueue(p)
	s.mu.Unlock()

	p.wakeC <- ret
	return true
}

// Kill marks a process killed. A blocked victim is transitioned to zombie
// here and its goroutine released (it exits without resuming the syscall);
// wasBlocked tells the caller it must clean the victim out of whatever
// waiter list it was parked on. A running or ready victim keeps its state
// and dies at its next scheduling point.
func (s *Scheduler) Kill(p *Process) (wasBlocked bool) {
	s.mu.Lock()
	p.Killed = true
	if p.State == Blocked {
		p.State = Zombie
		p.Pending = OpNone
		wasBlocked = true
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	if wasBlocked {
		select {
		case p.wakeC <- 0:
		default:
		}
	}

	return
}

// SetState transitions a process's state under the scheduler lock. For
// transitions driven from syscall context (exit, reap) where the process
// holds no core.
func (s *Scheduler) SetState(p *Process, st State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.State = st
}

// Finish releases the core held by a process whose body is done. The
// goroutine must return (or Goexit) immediately after.
func (s *Scheduler) Finish(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseCore(p)
}

////////////////////////////////////////////////////////////////////////
// IPIs and TLB shootdown
////////////////////////////////////////////////////////////////////////

// Shootdown delivers TLB-flush IPIs to every core in mask. A busy core
// defers the flush until its next dispatch; an idle core counts it
// immediately. The caller flushes its own core directly via LocalFlush.
func (s *Scheduler) Shootdown(mask uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.cores {
		if mask&(1<<i) == 0 {
			continue
		}
		c := &s.cores[i]
		if c.Current == -1 {
			c.FlushCount++
		} else {
			c.FlushPending++
		}
	}
}

// LocalFlush records a flush on the core the process is running on.
func (s *Scheduler) LocalFlush(p *Process) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.lastCore >= 0 {
		s.cores[p.lastCore].FlushCount++
	}
}

// CoreFlushCount reports how many flushes a core has performed; for tests.
func (s *Scheduler) CoreFlushCount(core int) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.cores[core].FlushCount
}

// FootprintOf returns the TLB footprint to shoot down when tearing down
// p's address space: the group-wide union for a threaded process, the
// process's own bitmap otherwise.
func (s *Scheduler) FootprintOf(p *Process) uint64 {
	if p.Group != nil {
		p.Group.Lock()
		defer p.Group.Unlock()
		return p.Group.CoresRanOn
	}
	return p.CoresRanOn
}
