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

// Package fdtab implements per-process file descriptor tables. Entries are
// tagged variants; dup and fork-style table copies alias the same entry,
// with the entry's reference count tracking how many table slots point at
// it. Reference counts on the resources behind an entry (channels, pipes,
// network connections) are the caller's business.
package fdtab

import (
	"fmt"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/jacobsa/syncutil"
)

// MaxFDs is the table capacity. Indices 0/1/2 are stdin/stdout/stderr by
// convention.
const MaxFDs = 256

type Kind int

const (
	// Sends requests into a channel; carries the server handle and read
	// offset once opened onto a file.
	ChanClient Kind = iota

	// Receives requests from a channel. Only this end permits
	// ipc_recv/ipc_reply.
	ChanServer

	PipeRead
	PipeWrite

	// A kernel-backed file, further discriminated by VFileKind.
	Virtual
)

// VFileKind discriminates kernel-backed virtual files.
type VFileKind int

const (
	VNone VFileKind = iota

	VInitrdFile
	VProcDir
	VProcStatus
	VProcCtl
	VProcMemInfo
	VDevTime
	VKlog

	VTCPClone
	VTCPCtl
	VTCPData
	VTCPStatus
	VTCPLocal
	VTCPRemote
	VTCPListen

	VUDPClone
	VUDPCtl
	VUDPData
	VUDPStatus
	VUDPLocal
	VUDPRemote

	VICMPClone
	VICMPCtl
	VICMPData
	VICMPStatus

	VDNS
	VDNSCtl
	VDNSCache
)

// An Entry is one open file description. It may be referenced from several
// table slots (dup aliases, forked tables).
type Entry struct {
	Kind Kind

	// For ChanClient/ChanServer: the channel id. Opened marks a client end
	// that has completed a T_OPEN; Handle is the server's handle for the
	// opened file.
	Chan   int
	Opened bool
	Handle uint32

	// For PipeRead/PipeWrite: the pipe id.
	Pipe int

	// For Virtual: the kind, an index whose meaning depends on the kind
	// (connection slot, pid, initrd file number), and one-shot read state.
	V        VFileKind
	VIdx     int
	ReadDone bool

	// Read/write offset, shared by all aliases.
	Off uint64

	// Number of table slots referencing this entry.
	//
	// GUARDED_BY(the owning tables' locks via Table methods)
	Refs int
}

// A Table maps small dense integers to entries. It has its own lock so
// thread groups can share it.
type Table struct {
	mu syncutil.InvariantMutex

	// INVARIANT: For each non-nil slots[i], slots[i].Refs >= 1
	slots [MaxFDs]*Entry // GUARDED_BY(mu)
}

func NewTable() (t *Table) {
	t = &Table{}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return
}

func (t *Table) checkInvariants() {
	for i, e := range t.slots {
		if e != nil && e.Refs < 1 {
			panic(fmt.Sprintf("fdtab: slot %d references dead entry", i))
		}
	}
}

// Install places a fresh entry at the lowest free index.
func (t *Table) Install(e *Entry) (fd int, err kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.slots {
		if t.slots[i] == nil {
			e.Refs++
			t.slots[i] = e
			fd = i
			return
		}
	}

	err = kerr.EMFILE
	return
}

// InstallAt places an entry at a specific index, displacing nothing: the
// slot must be free. Used by spawn's fd map and dup2.
func (t *Table) InstallAt(fd int, e *Entry) kerr.Errno {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= MaxFDs {
		return kerr.EBADF
	}
	if t.slots[fd] != nil {
		return kerr.EINVAL
	}

	e.Refs++
	t.slots[fd] = e
	return kerr.OK
}

// Get returns the entry at fd.
func (t *Table) Get(fd int) (e *Entry, err kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= MaxFDs || t.slots[fd] == nil {
		err = kerr.EBADF
		return
	}

	e = t.slots[fd]
	return
}

// Dup aliases fd at the lowest free index, sharing the entry.
func (t *Table) Dup(fd int) (newfd int, err kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= MaxFDs || t.slots[fd] == nil {
		err = kerr.EBADF
		return
	}

	for i := range t.slots {
		if t.slots[i] == nil {
			t.slots[fd].Refs++
			t.slots[i] = t.slots[fd]
			newfd = i
			return
		}
	}

	err = kerr.EMFILE
	return
}

// Remove clears the slot at fd. last is set when this was the final slot
// referencing the entry, meaning the caller must release the underlying
// resource.
func (t *Table) Remove(fd int) (e *Entry, last bool, err kerr.Errno) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fd < 0 || fd >= MaxFDs || t.slots[fd] == nil {
		err = kerr.EBADF
		return
	}

	e = t.slots[fd]
	t.slots[fd] = nil
	e.Refs--
	last = e.Refs == 0
	return
}

// Clone builds a copy of the table whose slots alias the same entries.
func (t *Table) Clone() (c *Table) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c = NewTable()
	for i, e := range t.slots {
		if e != nil {
			e.Refs++
			c.slots[i] = e
		}
	}

	return
}

// ForEach visits every occupied slot in index order.
func (t *Table) ForEach(fn func(fd int, e *Entry)) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, e := range t.slots {
		if e != nil {
			fn(i, e)
		}
	}
}
