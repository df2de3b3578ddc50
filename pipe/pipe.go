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

// Package pipe implements bounded byte rings with reader/writer reference
// counts and waiter lists. The kernel drives blocking: Read and Write
// report "would block" along with a waiter registration, and the opposite
// side completes parked transfers directly into the sleeping process's
// buffer before waking it.
package pipe

import (
	"fmt"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/jacobsa/syncutil"
)

// RingSize is each pipe's capacity in bytes.
const RingSize = 4096

// MaxPipes bounds the pipe table.
const MaxPipes = 64

// A Waiter is a process parked on a pipe, with the user buffer the
// transfer should complete into (reads) or drain from (writes).
type Waiter struct {
	PID int
	AS  *mem.AddressSpace
	VA  uint64
	Len int

	// Bytes already transferred before parking; a blocked writer's final
	// return counts these plus whatever completes later.
	Done int
}

// A Wakeup is a completed parked transfer the caller must deliver: wake
// PID with return word Ret.
type Wakeup struct {
	PID int
	Ret uint64
}

type Pipe struct {
	id int

	mu syncutil.InvariantMutex

	// Ring storage; bytes [r, r+count) modulo RingSize are live.
	//
	// INVARIANT: count <= RingSize
	buf   [RingSize]byte // GUARDED_BY(mu)
	r     int            // GUARDED_BY(mu)
	count int            // GUARDED_BY(mu)

	// Endpoint reference counts. The pipe is freed when both hit zero.
	//
	// INVARIANT: readers >= 0 && writers >= 0
	readers int // GUARDED_BY(mu)
	writers int // GUARDED_BY(mu)

	blockedReaders []Waiter // GUARDED_BY(mu)
	blockedWriters []Waiter // GUARDED_BY(mu)
}

func (p *Pipe) checkInvariants() {
	if p.count > RingSize {
		panic("pipe: ring overfull")
	}
	if p.readers < 0 || p.writers < 0 {
		panic(fmt.Sprintf("pipe %d: negative refcount", p.id))
	}
}

////////////////////////////////////////////////////////////////////////
// Registry
////////////////////////////////////////////////////////////////////////

// A Registry owns the fixed pipe table.
type Registry struct {
	mu    syncutil.InvariantMutex
	pipes [MaxPipes]*Pipe // GUARDED_BY(mu)
}

func NewRegistry() (r *Registry) {
	r = &Registry{}
	r.mu = syncutil.NewInvariantMutex(func() {})
	return
}

// Alloc creates a pipe with one reader and one writer reference.
func (r *Registry) Alloc() (p *Pipe, err kerr.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.pipes {
		if r.pipes[i] == nil {
			p = &Pipe{id: i, readers: 1, writers: 1}
			p.mu = syncutil.NewInvariantMutex(p.checkInvariants)
			r.pipes[i] = p
			return
		}
	}

	err = kerr.ENOMEM
	return
}

// Get looks up a live pipe.
func (r *Registry) Get(id int) (p *Pipe, err kerr.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= MaxPipes || r.pipes[id] == nil {
		err = kerr.EBADF
		return
	}

	p = r.pipes[id]
	return
}

func (r *Registry) free(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pipes[id] = nil
}

////////////////////////////////////////////////////////////////////////
// Pipe operations
////////////////////////////////////////////////////////////////////////

func (p *Pipe) ID() int { return p.id }

// Retain adds an endpoint reference.
func (p *Pipe) Retain(writer bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if writer {
		p.writers++
	} else {
		p.readers++
	}
}

// Release drops an endpoint reference. Dropping the last writer wakes
// blocked readers with whatever the ring still holds (possibly EOF);
// dropping the last reader wakes blocked writers with EIO (broken pipe).
// When both counts reach zero the pipe is removed from the registry.
func (p *Pipe) Release(reg *Registry, writer bool) (wakeups []Wakeup) {
	p.mu.Lock()

	if writer {
		p.writers--
		if p.writers == 0 {
			wakeups = p.drainReadersLocked()
		}
	} else {
		p.readers--
		if p.readers == 0 {
			for _, w := range p.blockedWriters {
				wakeups = append(wakeups, Wakeup{PID: w.PID, Ret: kerr.EIO.Word()})
			}
			p.blockedWriters = nil
		}
	}

	dead := p.readers == 0 && p.writers == 0
	p.mu.Unlock()

	if dead {
		reg.free(p.id)
	}

	return
}

// drainReadersLocked completes every parked reader against the current
// ring contents; with no writers left, readers past the ring's end get
// EOF (0).
func (p *Pipe) drainReadersLocked() (wakeups []Wakeup) {
	for _, w := range p.blockedReaders {
		n := p.readIntoLocked(w.AS, w.VA, w.Len)
		wakeups = append(wakeups, Wakeup{PID: w.PID, Ret: uint64(n)})
	}
	p.blockedReaders = nil
	return
}

// readIntoLocked copies up to max bytes from the ring into user memory.
func (p *Pipe) readIntoLocked(as *mem.AddressSpace, va uint64, max int) (n int) {
	for n < max && p.count > 0 {
		chunk := RingSize - p.r
		if chunk > p.count {
			chunk = p.count
		}
		if chunk > max-n {
			chunk = max - n
		}

		// A fault here loses bytes; the waiter validated its range when it
		// parked, so the only way to fault is the address space being torn
		// down, in which case the bytes don't matter.
		if e := as.CopyOut(va+uint64(n), p.buf[p.r:p.r+chunk]); e != kerr.OK {
			return
		}

		p.r = (p.r + chunk) % RingSize
		p.count -= chunk
		n += chunk
	}

	return
}

func (p *Pipe) writeFromLocked(src []byte) (n int) {
	for n < len(src) && p.count < RingSize {
		w := (p.r + p.count) % RingSize
		chunk := RingSize - w
		if chunk > RingSize-p.count {
			chunk = RingSize - p.count
		}
		if chunk > len(src)-n {
			chunk = len(src) - n
		}

		copy(p.buf[w:w+chunk], src[n:n+chunk])
		p.count += chunk
		n += chunk
	}

	return
}

// Read copies ring bytes into [va, va+max). Outcomes:
//   - n > 0: bytes delivered; any parked writers whose data now fits were
//     completed and must be woken.
//   - n == 0, eof: no writers remain, read returns 0.
//   - n == 0, block: caller must park the process as a reader waiter.
func (p *Pipe) Read(as *mem.AddressSpace, va uint64, max int, pid int) (n int, eof bool, block bool, wakeups []Wakeup) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if max == 0 {
		return
	}

	if p.count == 0 {
		if p.writers == 0 {
			eof = true
			return
		}
		p.blockedReaders = append(p.blockedReaders, Waiter{PID: pid, AS: as, VA: va, Len: max})
		block = true
		return
	}

	n = p.readIntoLocked(as, va, max)
	wakeups = p.completeWritersLocked()
	return
}

// Write copies src into the ring. A write that doesn't fit in full writes
// what fits and parks the writer for the remainder; its eventual return
// word counts the entire buffer once readers have drained enough space.
func (p *Pipe) Write(as *mem.AddressSpace, va uint64, src []byte, pid int) (n int, broken bool, block bool, wakeups []Wakeup) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.readers == 0 {
		broken = true
		return
	}

	n = p.writeFromLocked(src)
	if n > 0 {
		wakeups = p.completeReadersLocked()
	}

	if n < len(src) {
		p.blockedWriters = append(p.blockedWriters, Waiter{
			PID:  pid,
			AS:   as,
			VA:   va + uint64(n),
			Len:  len(src) - n,
			Done: n,
		})
		block = true
	}

	return
}

// completeReadersLocked hands ring bytes to parked readers in FIFO order.
func (p *Pipe) completeReadersLocked() (wakeups []Wakeup) {
	for len(p.blockedReaders) > 0 && p.count > 0 {
		w := p.blockedReaders[0]
		p.blockedReaders = p.blockedReaders[1:]
		n := p.readIntoLocked(w.AS, w.VA, w.Len)
		wakeups = append(wakeups, Wakeup{PID: w.PID, Ret: uint64(n)})
	}
	return
}

// completeWritersLocked moves parked writers' bytes into freed ring space,
// in FIFO order, waking a writer only once its whole remainder has been
// transferred.
func (p *Pipe) completeWritersLocked() (wakeups []Wakeup) {
	for len(p.blockedWriters) > 0 && p.count < RingSize {
		w := &p.blockedWriters[0]

		room := RingSize - p.count
		chunk := w.Len
		if chunk > room {
			chunk = room
		}

		buf := make([]byte, chunk)
		if e := w.AS.CopyIn(w.VA, buf); e != kerr.OK {
			wakeups = append(wakeups, Wakeup{PID: w.PID, Ret: kerr.EFAULT.Word()})
			p.blockedWriters = p.blockedWriters[1:]
			continue
		}

		n := p.writeFromLocked(buf)
		w.VA += uint64(n)
		w.Len -= n
		w.Done += n

		if w.Len > 0 {
			break
		}

		wakeups = append(wakeups, Wakeup{PID: w.PID, Ret: uint64(w.Done)})
		p.blockedWriters = p.blockedWriters[1:]
	}
	return
}

// RemoveWaiter drops pid from both waiter lists; used when a blocked
// process is killed.
func (p *Pipe) RemoveWaiter(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.blockedReaders = removePID(p.blockedReaders, pid)
	p.blockedWriters = removePID(p.blockedWriters, pid)
}

func removePID(ws []Waiter, pid int) []Waiter {
	out := ws[:0]
	for _, w := range ws {
		if w.PID != pid {
			out = append(out, w)
		}
	}
	return out
}

// Buffered returns the live byte count; for tests and stat.
func (p *Pipe) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.count
}

// Refs returns the endpoint counts; for tests.
func (p *Pipe) Refs() (readers, writers int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.readers, p.writers
}
