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

package fornax

import (
	"encoding/binary"

	"github.com/fornax-os/fornax/elfload"
	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/fornax-os/fornax/ns"
	"github.com/fornax-os/fornax/proc"
)

// sysSpawn loads an ELF image into a fresh address space, deep-copies the
// parent's namespace, installs exactly the descriptors listed in the fd
// map, copies the argv block to its fixed page, and sets the child ready.
func (k *Kernel) sysSpawn(t *Task, elfVA, elfLen, fdMapVA, fdMapLen, argvVA uint64) uint64 {
	p := t.p
	as := p.AddrSpace()

	if elfLen == 0 || elfLen > elfload.MaxImageSize || !mem.ValidUserRange(elfVA, elfLen) {
		return kerr.EINVAL.Word()
	}
	if fdMapLen > fdtab.MaxFDs || !mem.ValidUserRange(fdMapVA, fdMapLen*8) {
		return kerr.EFAULT.Word()
	}

	image := make([]byte, elfLen)
	if err := as.CopyIn(elfVA, image); err != kerr.OK {
		return err.Word()
	}

	fdMap := make([]byte, fdMapLen*8)
	if err := as.CopyIn(fdMapVA, fdMap); err != kerr.OK {
		return err.Word()
	}

	argvBlock, err := k.readArgvBlock(as, argvVA)
	if err != kerr.OK {
		return err.Word()
	}

	argv, err := elfload.DecodeArgv(argvBlock)
	if err != kerr.OK {
		return err.Word()
	}

	child, err := k.newProcess(p.PID)
	if err != kerr.OK {
		return err.Word()
	}

	abort := func(e kerr.Errno) uint64 {
		k.unwindSpawn(child)
		return e.Word()
	}

	entry, err := elfload.Load(child.AS, image)
	if err != kerr.OK {
		return abort(err)
	}
	if err = elfload.WriteArgvBlock(child.AS, argvBlock); err != kerr.OK {
		return abort(err)
	}

	child.Ctx.RIP = entry
	child.UID, child.GID = p.UID, p.GID

	// The child's namespace is a copy of the parent's at this instant;
	// later mounts on either side are invisible to the other.
	child.NS = p.Namespace().Clone()
	for _, ent := range child.NS.Entries() {
		if ch, cerr := k.channels.Get(ent.Chan); cerr == kerr.OK {
			ch.Retain(false)
		}
	}

	// Only the mapped descriptors cross into the child.
	parentFDs := p.FDTable()
	for i := uint64(0); i < fdMapLen; i++ {
		childFD := int(binary.LittleEndian.Uint32(fdMap[i*8:]))
		parentFD := int(binary.LittleEndian.Uint32(fdMap[i*8+4:]))

		e, gerr := parentFDs.Get(parentFD)
		if gerr != kerr.OK {
			return abort(gerr)
		}
		if ierr := child.FDs.InstallAt(childFD, e); ierr != kerr.OK {
			return abort(ierr)
		}
	}

	prog := k.programFor(argv)
	k.launch(child, prog)
	return uint64(child.PID)
}

// programFor resolves argv[0] against the boot program table.
func (k *Kernel) programFor(argv []string) Program {
	if len(argv) == 0 || k.programs == nil {
		return nil
	}
	return k.programs[argv[0]]
}

// readArgvBlock copies the argv block (header plus strings) out of the
// caller.
func (k *Kernel) readArgvBlock(as *mem.AddressSpace, va uint64) (block []byte, err kerr.Errno) {
	if !mem.ValidUserRange(va, 8) {
		err = kerr.EFAULT
		return
	}

	var hdr [8]byte
	if err = as.CopyIn(va, hdr[:]); err != kerr.OK {
		return
	}

	total := binary.LittleEndian.Uint32(hdr[4:])
	if 8+uint64(total) > mem.PageSize {
		err = kerr.EINVAL
		return
	}

	block = make([]byte, 8+total)
	err = as.CopyIn(va, block)
	return
}

// unwindSpawn releases a half-built child.
func (k *Kernel) unwindSpawn(child *proc.Process) {
	var open []int
	child.FDs.ForEach(func(fd int, _ *fdtab.Entry) { open = append(open, fd) })
	for _, fd := range open {
		if e, last, err := child.FDs.Remove(fd); err == kerr.OK && last {
			k.releaseEntryResource(e)
		}
	}

	for _, ent := range child.NS.Entries() {
		k.releaseChannelRef(ent.Chan, false)
	}

	child.AS.Destroy()
	k.procs.Release(child)
}

////////////////////////////////////////////////////////////////////////
// exec
////////////////////////////////////////////////////////////////////////

// sysExec replaces the caller's user address space with a fresh image.
// Descriptors and namespace survive; the argv block is carried over. On
// success the Task runs the new image's body, so callers go through
// Task.Exec.
func (k *Kernel) sysExec(t *Task, elfVA, elfLen uint64) uint64 {
	p := t.p

	if p.Group != nil {
		// Replacing a shared address space out from under sibling threads
		// is not supported.
		return kerr.EINVAL.Word()
	}

	if elfLen == 0 || elfLen > elfload.MaxImageSize || !mem.ValidUserRange(elfVA, elfLen) {
		return kerr.EINVAL.Word()
	}

	oldAS := p.AS

	image := make([]byte, elfLen)
	if err := oldAS.CopyIn(elfVA, image); err != kerr.OK {
		return err.Word()
	}

	// The argv block survives the exec; lift it out before teardown.
	argvBlock, argvErr := k.readArgvBlock(oldAS, elfload.ArgvBase)

	newAS, err := mem.NewUserSpace(k.pmm, k.kernelAS)
	if err != kerr.OK {
		return err.Word()
	}

	entry, err := elfload.Load(newAS, image)
	if err != kerr.OK {
		newAS.Destroy()
		return err.Word()
	}

	rsp, err := elfload.SetupUserStack(newAS)
	if err != kerr.OK {
		newAS.Destroy()
		return err.Word()
	}

	var argv []string
	if argvErr == kerr.OK {
		elfload.WriteArgvBlock(newAS, argvBlock)
		argv, _ = elfload.DecodeArgv(argvBlock)
	}

	// Switch off the dying tree before freeing it.
	k.sched.LocalFlush(p)
	oldAS.Destroy()
	k.sched.Shootdown(p.CoresRanOn)

	p.AS = newAS
	p.Brk = userHeapBase
	p.MmapNext = userMmapTop
	p.Ctx.RIP = entry
	p.Ctx.RSP = rsp
	p.Ctx.FSBase = 0

	t.execProg = k.programFor(argv)
	return 0
}

////////////////////////////////////////////////////////////////////////
// wait
////////////////////////////////////////////////////////////////////////

// sysWait reaps a zombie child matching pid (0 or -1 for any), blocking
// unless WNOHANG.
func (k *Kernel) sysWait(t *Task, pid int, flags uint32) uint64 {
	p := t.p

	zombie, hasChildren := k.procs.ReapOrCommit(p, pid, flags&WNOHANG == 0)
	if zombie != nil {
		ret := packWait(zombie.PID, zombie.ExitStatus)
		k.procs.Release(zombie)
		return ret
	}

	if !hasChildren {
		// The commit is moot with nothing to wait for.
		p.WaitCommitted = false
		return kerr.ENOENT.Word()
	}

	if flags&WNOHANG != 0 {
		return 0
	}

	return k.sched.Block(p, proc.OpWait)
}

////////////////////////////////////////////////////////////////////////
// rfork / clone
////////////////////////////////////////////////////////////////////////

// sysRFork interprets the Plan 9 flag bundle. Without RFPROC it modifies
// the caller in place; with it, a child is created whose body is whatever
// the Task registered (Task.RFork supplies one).
func (k *Kernel) sysRFork(t *Task, flags uint32) uint64 {
	p := t.p

	if flags&RFPROC == 0 {
		if flags&RFCFDG != 0 {
			k.replaceFDTable(p, fdtab.NewTable())
		}
		if flags&RFNAMEG != 0 {
			k.replaceNamespace(p, ns.New())
		}
		return 0
	}

	body := t.takeForkBody()

	child, ok := k.procs.Alloc(p.PID)
	if !ok {
		return kerr.ENOMEM.Word()
	}

	child.Ctx = p.Ctx
	child.Ctx.RAX = 0
	child.UID, child.GID = p.UID, p.GID
	child.NoWait = flags&RFNOWAIT != 0

	if flags&RFMEM != 0 {
		g := k.ensureGroup(p)
		g.Lock()
		g.Refs++
		g.Unlock()
		child.Group = g
	} else {
		clone, err := p.AddrSpace().DeepCopy()
		if err != kerr.OK {
			k.procs.Release(child)
			return err.Word()
		}
		child.AS = clone
		child.Brk, child.MmapNext = k.heapSnapshot(p)

		switch {
		case flags&RFCFDG != 0:
			child.FDs = fdtab.NewTable()
		case flags&RFFDG != 0:
			child.FDs = p.FDTable().Clone()
		default:
			child.FDs = p.FDTable()
		}

		if flags&RFNAMEG != 0 {
			child.NS = ns.New()
		} else {
			child.NS = p.Namespace().Clone()
			for _, ent := range child.NS.Entries() {
				if ch, cerr := k.channels.Get(ent.Chan); cerr == kerr.OK {
					ch.Retain(false)
				}
			}
		}
	}

	k.launch(child, body)
	return uint64(child.PID)
}

// sysClone creates a sibling thread in the caller's group (creating the
// group on first use), POSIX-thread style.
func (k *Kernel) sysClone(t *Task, stackTop, tls, ctidPtr, ptidPtr uint64, flags uint32) uint64 {
	p := t.p
	body := t.takeForkBody()

	g := k.ensureGroup(p)

	child, ok := k.procs.Alloc(p.PID)
	if !ok {
		return kerr.ENOMEM.Word()
	}

	g.Lock()
	g.Refs++
	g.Unlock()

	child.Group = g
	child.Ctx = p.Ctx
	child.Ctx.RSP = stackTop
	child.Ctx.RAX = 0
	child.Ctx.FSBase = tls
	child.CtidPtr = ctidPtr
	child.UID, child.GID = p.UID, p.GID

	if ptidPtr != 0 {
		if err := g.AS.StoreU32(ptidPtr, uint32(child.PID)); err != kerr.OK {
			g.Lock()
			g.Refs--
			g.Unlock()
			k.procs.Release(child)
			return err.Word()
		}
	}

	k.launch(child, body)
	return uint64(child.PID)
}

// ensureGroup moves a process's inline resources into a thread group,
// creating it on the first clone.
func (k *Kernel) ensureGroup(p *proc.Process) *proc.Group {
	if p.Group != nil {
		return p.Group
	}

	g := proc.NewGroup()
	g.AS = p.AS
	g.FDs = p.FDs
	g.NS = p.NS
	g.Brk = p.Brk
	g.MmapNext = p.MmapNext
	g.Refs = 1
	g.CoresRanOn = p.CoresRanOn

	p.AS, p.FDs, p.NS = nil, nil, nil
	p.Group = g
	return g
}

func (k *Kernel) heapSnapshot(p *proc.Process) (brk, mmapNext uint64) {
	if g := p.Group; g != nil {
		g.Lock()
		defer g.Unlock()
		return g.Brk, g.MmapNext
	}
	return p.Brk, p.MmapNext
}

// replaceFDTable swaps in a new table, releasing the old one's entries.
func (k *Kernel) replaceFDTable(p *proc.Process, fresh *fdtab.Table) {
	old := p.FDTable()

	var open []int
	old.ForEach(func(fd int, _ *fdtab.Entry) { open = append(open, fd) })
	for _, fd := range open {
		if e, last, err := old.Remove(fd); err == kerr.OK && last {
			k.releaseEntryResource(e)
		}
	}

	if p.Group != nil {
		p.Group.FDs = fresh
	} else {
		p.FDs = fresh
	}
}

// replaceNamespace swaps in a new namespace, dropping the old mounts.
func (k *Kernel) replaceNamespace(p *proc.Process, fresh *ns.Namespace) {
	old := p.Namespace()
	for _, ent := range old.Entries() {
		k.releaseChannelRef(ent.Chan, false)
	}

	if p.Group != nil {
		p.Group.NS = fresh
	} else {
		p.NS = fresh
	}
}
