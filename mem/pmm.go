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

// Package mem implements the physical memory manager and the paging
// structures built on top of it: 4 KiB page frames handed out from a fixed
// pool, and 4-level page tables describing user address spaces.
package mem

import (
	"fmt"

	"github.com/jacobsa/syncutil"
)

const (
	PageSize  = 4096
	PageShift = 12
)

// A FrameID names a physical 4 KiB frame. Zero is never a valid frame;
// frame 0 is reserved at boot so that a zero entry can mean "none".
type FrameID uint32

const NoFrame FrameID = 0

type frameState uint8

const (
	frameFree frameState = iota
	frameUsed
)

// PMM hands out page frames from a slab sized at boot. There is no
// fallback allocator behind it; when the pool is empty, callers see ENOMEM.
type PMM struct {
	slab []byte

	mu syncutil.InvariantMutex

	// Free list of frame ids.
	//
	// INVARIANT: No id appears twice.
	// INVARIANT: For each id on the list, state[id] == frameFree.
	free []FrameID // GUARDED_BY(mu)

	// Allocation state per frame, indexed by FrameID.
	//
	// INVARIANT: len(state) == len(slab)/PageSize
	state []frameState // GUARDED_BY(mu)
}

// NewPMM creates a pool of nframes frames. Frame 0 is reserved and never
// handed out.
func NewPMM(nframes int) (p *PMM) {
	if nframes < 2 {
		panic(fmt.Sprintf("mem: pool of %d frames is too small", nframes))
	}

	p = &PMM{
		slab:  make([]byte, nframes*PageSize),
		state: make([]frameState, nframes),
	}

	p.state[0] = frameUsed
	for i := nframes - 1; i >= 1; i-- {
		p.free = append(p.free, FrameID(i))
	}

	p.mu = syncutil.NewInvariantMutex(p.checkInvariants)
	return
}

func (p *PMM) checkInvariants() {
	if len(p.state) != len(p.slab)/PageSize {
		panic("mem: state table out of step with slab")
	}

	for _, id := range p.free {
		if p.state[id] != frameFree {
			panic(fmt.Sprintf("mem: frame %d on free list but not free", id))
		}
	}
}

// Alloc returns a zeroed frame, or NoFrame if the pool is exhausted.
func (p *PMM) Alloc() FrameID {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return NoFrame
	}

	id := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.state[id] = frameUsed

	b := p.frameBytes(id)
	for i := range b {
		b[i] = 0
	}

	return id
}

// Free returns a frame to the pool. Freeing a frame twice is a fatal
// invariant violation: the kernel halts rather than limp on with aliased
// memory.
func (p *PMM) Free(id FrameID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id == NoFrame || int(id) >= len(p.state) {
		panic(fmt.Sprintf("mem: free of bogus frame %d", id))
	}
	if p.state[id] != frameUsed {
		panic(fmt.Sprintf("mem: double free of frame %d", id))
	}

	p.state[id] = frameFree
	p.free = append(p.free, id)
}

// FrameBytes exposes the storage backing a frame.
func (p *PMM) FrameBytes(id FrameID) []byte {
	if id == NoFrame || int(id) >= len(p.state) {
		panic(fmt.Sprintf("mem: access to bogus frame %d", id))
	}

	return p.frameBytes(id)
}

func (p *PMM) frameBytes(id FrameID) []byte {
	off := int(id) * PageSize
	return p.slab[off : off+PageSize : off+PageSize]
}

// TotalPages returns the pool size, including reserved frame 0.
func (p *PMM) TotalPages() int {
	return len(p.state)
}

// FreePages returns the number of frames currently available.
func (p *PMM) FreePages() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.free)
}
