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

package mem

import (
	"encoding/binary"
	"fmt"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/jacobsa/syncutil"
)

// Page table entry flag bits, x86-64 layout.
const (
	PtePresent      uint64 = 1 << 0
	PteWritable     uint64 = 1 << 1
	PteUser         uint64 = 1 << 2
	PteWriteCombine uint64 = 1 << 3
	PteNoExec       uint64 = 1 << 63

	pteFrameMask uint64 = 0x000F_FFFF_FFFF_F000
)

const (
	// The user half of the canonical address space. Everything at or above
	// UserTop belongs to the kernel; user pointers are validated against
	// this boundary before any dereference.
	UserTop uint64 = 0x0000_8000_0000_0000

	// KernelBase is where the higher-half direct map begins. Its PML4 slot
	// is shared by every address space.
	KernelBase uint64 = 0xFFFF_8000_0000_0000

	entriesPerTable = 512
)

// An AddressSpace is a 4-level page table tree rooted at a frame. The upper
// half of the root is shared with the kernel space created at boot; the
// user half is owned exclusively.
type AddressSpace struct {
	pmm *PMM

	mu syncutil.InvariantMutex

	// The PML4 frame.
	//
	// INVARIANT: root != NoFrame until Destroy
	root FrameID // GUARDED_BY(mu)

	// Number of user pages currently mapped.
	mapped int // GUARDED_BY(mu)
}

// NewKernelSpace builds the boot address space: a root whose KernelBase
// slot is backed so that user spaces can share the higher-half map.
func NewKernelSpace(pmm *PMM) (as *AddressSpace, err error) {
	root := pmm.Alloc()
	if root == NoFrame {
		err = fmt.Errorf("NewKernelSpace: out of frames")
		return
	}

	// Back the higher-half slot with a shared page directory pointer table.
	pdpt := pmm.Alloc()
	if pdpt == NoFrame {
		pmm.Free(root)
		err = fmt.Errorf("NewKernelSpace: out of frames")
		return
	}
	setEntry(pmm.FrameBytes(root), pml4Index(KernelBase),
		frameEntry(pdpt, PtePresent|PteWritable))

	as = newSpace(pmm, root)
	return
}

// NewUserSpace builds an empty user address space sharing kernel's upper
// half.
func NewUserSpace(pmm *PMM, kernel *AddressSpace) (as *AddressSpace, e kerr.Errno) {
	root := pmm.Alloc()
	if root == NoFrame {
		e = kerr.ENOMEM
		return
	}

	// Share the upper-half entries.
	src := pmm.FrameBytes(kernel.root)
	dst := pmm.FrameBytes(root)
	copy(dst[PageSize/2:], src[PageSize/2:])

	as = newSpace(pmm, root)
	return
}

func newSpace(pmm *PMM, root FrameID) (as *AddressSpace) {
	as = &AddressSpace{
		pmm:  pmm,
		root: root,
	}

	as.mu = syncutil.NewInvariantMutex(as.checkInvariants)
	return
}

func (as *AddressSpace) checkInvariants() {
	if as.mapped < 0 {
		panic("mem: negative mapped-page count")
	}
}

// RootPhys returns the physical address of the root table. This is the
// address-space identity used by the futex key and by TLB bookkeeping.
func (as *AddressSpace) RootPhys() uint64 {
	return uint64(as.root) << PageShift
}

// MappedPages returns the number of user pages currently mapped.
func (as *AddressSpace) MappedPages() int {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.mapped
}

////////////////////////////////////////////////////////////////////////
// Table walking
////////////////////////////////////////////////////////////////////////

func pml4Index(va uint64) int { return int(va>>39) & 0x1FF }
func pdptIndex(va uint64) int { return int(va>>30) & 0x1FF }
func pdIndex(va uint64) int   { return int(va>>21) & 0x1FF }
func ptIndex(va uint64) int   { return int(va>>12) & 0x1FF }

func getEntry(table []byte, i int) uint64 {
	return binary.LittleEndian.Uint64(table[i*8:])
}

func setEntry(table []byte, i int, e uint64) {
	binary.LittleEndian.PutUint64(table[i*8:], e)
}

func frameEntry(f FrameID, flags uint64) uint64 {
	return (uint64(f) << PageShift & pteFrameMask) | flags
}

func entryFrame(e uint64) FrameID {
	return FrameID((e & pteFrameMask) >> PageShift)
}

// walk descends from the root to the page table covering va, allocating
// intermediate tables if create is set. Returns the leaf table bytes.
func (as *AddressSpace) walk(va uint64, create bool) (table []byte, ok bool) {
	cur := as.root
	for _, idx := range []int{pml4Index(va), pdptIndex(va), pdIndex(va)} {
		b := as.pmm.FrameBytes(cur)
		e := getEntry(b, idx)
		if e&PtePresent == 0 {
			if !create {
				return
			}
			f := as.pmm.Alloc()
			if f == NoFrame {
				return
			}
			e = frameEntry(f, PtePresent|PteWritable|PteUser)
			setEntry(b, idx, e)
		}
		cur = entryFrame(e)
	}

	table = as.pmm.FrameBytes(cur)
	ok = true
	return
}

////////////////////////////////////////////////////////////////////////
// Mapping
////////////////////////////////////////////////////////////////////////

// MapFrame installs frame f at page-aligned user address va with the given
// leaf flags (PtePresent is implied).
func (as *AddressSpace) MapFrame(va uint64, f FrameID, flags uint64) kerr.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()

	return as.mapFrameLocked(va, f, flags)
}

func (as *AddressSpace) mapFrameLocked(va uint64, f FrameID, flags uint64) kerr.Errno {
	if va%PageSize != 0 || va >= UserTop {
		return kerr.EINVAL
	}

	table, ok := as.walk(va, true)
	if !ok {
		return kerr.ENOMEM
	}

	if getEntry(table, ptIndex(va))&PtePresent != 0 {
		return kerr.EINVAL
	}

	setEntry(table, ptIndex(va), frameEntry(f, flags|PtePresent))
	as.mapped++
	return kerr.OK
}

// Map allocates a zeroed frame and installs it at va.
func (as *AddressSpace) Map(va uint64, flags uint64) kerr.Errno {
	as.mu.Lock()
	defer as.mu.Unlock()

	f := as.pmm.Alloc()
	if f == NoFrame {
		return kerr.ENOMEM
	}

	if e := as.mapFrameLocked(va, f, flags); e != kerr.OK {
		as.pmm.Free(f)
		return e
	}

	return kerr.OK
}

// EnsureMapped maps any unmapped pages in [va, va+length) with flags.
// Already-mapped pages are left alone.
func (as *AddressSpace) EnsureMapped(va, length uint64, flags uint64) kerr.Errno {
	start := va &^ uint64(PageSize-1)
	end := (va + length + PageSize - 1) &^ uint64(PageSize-1)

	for p := start; p < end; p += PageSize {
		if _, _, ok := as.Translate(p); ok {
			continue
		}
		if e := as.Map(p, flags); e != kerr.OK {
			return e
		}
	}

	return kerr.OK
}

// Unmap removes the mapping at va and frees its frame. Unmapping a hole is
// a no-op.
func (as *AddressSpace) Unmap(va uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()

	table, ok := as.walk(va, false)
	if !ok {
		return
	}

	e := getEntry(table, ptIndex(va))
	if e&PtePresent == 0 {
		return
	}

	setEntry(table, ptIndex(va), 0)
	as.pmm.Free(entryFrame(e))
	as.mapped--
}

// UnmapRange unmaps every page in [va, va+length).
func (as *AddressSpace) UnmapRange(va, length uint64) {
	start := va &^ uint64(PageSize-1)
	end := (va + length + PageSize - 1) &^ uint64(PageSize-1)
	for p := start; p < end; p += PageSize {
		as.Unmap(p)
	}
}

// Translate resolves va to its frame and leaf flags.
func (as *AddressSpace) Translate(va uint64) (f FrameID, flags uint64, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	table, found := as.walk(va, false)
	if !found {
		return
	}

	e := getEntry(table, ptIndex(va))
	if e&PtePresent == 0 {
		return
	}

	f = entryFrame(e)
	flags = e &^ pteFrameMask
	ok = true
	return
}

////////////////////////////////////////////////////////////////////////
// User memory access
////////////////////////////////////////////////////////////////////////

// ValidUserRange reports whether [va, va+length) lies entirely in the user
// half. It says nothing about whether the range is mapped.
func ValidUserRange(va, length uint64) bool {
	if length > UserTop {
		return false
	}
	return va < UserTop && va+length <= UserTop
}

// CopyIn reads len(dst) bytes of user memory starting at va.
func (as *AddressSpace) CopyIn(va uint64, dst []byte) kerr.Errno {
	if !ValidUserRange(va, uint64(len(dst))) {
		return kerr.EFAULT
	}

	for n := 0; n < len(dst); {
		f, flags, ok := as.Translate(va + uint64(n))
		if !ok || flags&PteUser == 0 {
			return kerr.EFAULT
		}

		off := int((va + uint64(n)) % PageSize)
		c := copy(dst[n:], as.pmm.FrameBytes(f)[off:])
		n += c
	}

	return kerr.OK
}

// CopyOut writes src into user memory starting at va.
func (as *AddressSpace) CopyOut(va uint64, src []byte) kerr.Errno {
	if !ValidUserRange(va, uint64(len(src))) {
		return kerr.EFAULT
	}

	for n := 0; n < len(src); {
		f, flags, ok := as.Translate(va + uint64(n))
		if !ok || flags&PteUser == 0 {
			return kerr.EFAULT
		}

		off := int((va + uint64(n)) % PageSize)
		c := copy(as.pmm.FrameBytes(f)[off:], src[n:])
		if c > len(src)-n {
			c = len(src) - n
		}
		n += c
	}

	return kerr.OK
}

// LoadU32 reads a naturally aligned u32 from user memory.
func (as *AddressSpace) LoadU32(va uint64) (v uint32, e kerr.Errno) {
	var b [4]byte
	if e = as.CopyIn(va, b[:]); e != kerr.OK {
		return
	}

	v = binary.LittleEndian.Uint32(b[:])
	return
}

// StoreU32 writes a u32 to user memory.
func (as *AddressSpace) StoreU32(va uint64, v uint32) kerr.Errno {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return as.CopyOut(va, b[:])
}

////////////////////////////////////////////////////////////////////////
// Lifecycle
////////////////////////////////////////////////////////////////////////

// DeepCopy clones the user half into a fresh address space, copying page
// contents. The kernel half is shared as usual.
func (as *AddressSpace) DeepCopy() (clone *AddressSpace, e kerr.Errno) {
	as.mu.Lock()
	defer as.mu.Unlock()

	root := as.pmm.Alloc()
	if root == NoFrame {
		e = kerr.ENOMEM
		return
	}

	src := as.pmm.FrameBytes(as.root)
	dst := as.pmm.FrameBytes(root)
	copy(dst[PageSize/2:], src[PageSize/2:])

	clone = newSpace(as.pmm, root)

	abort := func() {
		clone.destroyUserHalf()
		clone = nil
		e = kerr.ENOMEM
	}

	// Walk the user half of the source tree leaf by leaf.
	for i4 := 0; i4 < entriesPerTable/2; i4++ {
		e4 := getEntry(src, i4)
		if e4&PtePresent == 0 {
			continue
		}
		pdpt := as.pmm.FrameBytes(entryFrame(e4))
		for i3 := 0; i3 < entriesPerTable; i3++ {
			e3 := getEntry(pdpt, i3)
			if e3&PtePresent == 0 {
				continue
			}
			pd := as.pmm.FrameBytes(entryFrame(e3))
			for i2 := 0; i2 < entriesPerTable; i2++ {
				e2 := getEntry(pd, i2)
				if e2&PtePresent == 0 {
					continue
				}
				pt := as.pmm.FrameBytes(entryFrame(e2))
				for i1 := 0; i1 < entriesPerTable; i1++ {
					e1 := getEntry(pt, i1)
					if e1&PtePresent == 0 {
						continue
					}

					va := uint64(i4)<<39 | uint64(i3)<<30 |
						uint64(i2)<<21 | uint64(i1)<<12

					f := as.pmm.Alloc()
					if f == NoFrame {
						abort()
						return
					}
					copy(as.pmm.FrameBytes(f), as.pmm.FrameBytes(entryFrame(e1)))

					if err := clone.mapFrameLocked(va, f, e1&^pteFrameMask&^PtePresent); err != kerr.OK {
						as.pmm.Free(f)
						abort()
						return
					}
				}
			}
		}
	}

	return
}

// Destroy tears down the user half of the tree and releases the root. The
// caller is responsible for having switched every core off this tree first.
func (as *AddressSpace) Destroy() {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.destroyUserHalfLocked()
	as.pmm.Free(as.root)
	as.root = NoFrame
}

func (as *AddressSpace) destroyUserHalf() {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.destroyUserHalfLocked()
	as.pmm.Free(as.root)
	as.root = NoFrame
}

func (as *AddressSpace) destroyUserHalfLocked() {
	root := as.pmm.FrameBytes(as.root)
	for i4 := 0; i4 < entriesPerTable/2; i4++ {
		e4 := getEntry(root, i4)
		if e4&PtePresent == 0 {
			continue
		}
		pdptF := entryFrame(e4)
		pdpt := as.pmm.FrameBytes(pdptF)
		for i3 := 0; i3 < entriesPerTable; i3++ {
			e3 := getEntry(pdpt, i3)
			if e3&PtePresent == 0 {
				continue
			}
			pdF := entryFrame(e3)
			pd := as.pmm.FrameBytes(pdF)
			for i2 := 0; i2 < entriesPerTable; i2++ {
				e2 := getEntry(pd, i2)
				if e2&PtePresent == 0 {
					continue
				}
				ptF := entryFrame(e2)
				pt := as.pmm.FrameBytes(ptF)
				for i1 := 0; i1 < entriesPerTable; i1++ {
					e1 := getEntry(pt, i1)
					if e1&PtePresent != 0 {
						as.pmm.Free(entryFrame(e1))
						as.mapped--
					}
				}
				as.pmm.Free(ptF)
			}
			as.pmm.Free(pdF)
		}
		as.pmm.Free(pdptF)
		setEntry(root, i4, 0)
	}
}
