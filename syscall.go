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
	"time"

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/mem"
	"github.com/fornax-os/fornax/ns"
	"github.com/fornax-os/fornax/proc"
)

// Syscall numbers.
const (
	SysOpen      = 0
	SysCreate    = 1
	SysRead      = 2
	SysWrite     = 3
	SysClose     = 4
	SysStat      = 5
	SysSeek      = 6
	SysRemove    = 7
	SysMount     = 8
	SysBind      = 9
	SysUnmount   = 10
	SysRFork     = 11
	SysExec      = 12
	SysWait      = 13
	SysExit      = 14
	SysPipe      = 15
	SysBrk       = 16
	SysIPCRecv   = 17
	SysIPCReply  = 18
	SysSpawn     = 19
	SysPread     = 20
	SysPwrite    = 21
	SysKlog      = 22
	SysSysinfo   = 23
	SysSleep     = 24
	SysShutdown  = 25
	SysGetPID    = 26
	SysRename    = 27
	SysTruncate  = 28
	SysWstat     = 29
	SysSetUID    = 30
	SysGetUID    = 31
	SysMmap      = 32
	SysMunmap    = 33
	SysDup       = 34
	SysDup2      = 35
	SysArchPrctl = 36
	SysClone     = 37
	SysFutex     = 38
	SysIPCPair   = 39
)

// rfork flag bundle, Plan 9 values.
const (
	RFNAMEG  = 1 << 0
	RFENVG   = 1 << 1
	RFFDG    = 1 << 2
	RFNOTEG  = 1 << 3
	RFPROC   = 1 << 4
	RFMEM    = 1 << 5
	RFNOWAIT = 1 << 6
	RFCNAMEG = 1 << 10
	RFCENVG  = 1 << 11
	RFCFDG   = 1 << 12
)

// wait flags.
const WNOHANG = 1 << 0

// arch_prctl ops, Linux-compatible for the POSIX shim's sake.
const (
	archSetFS = 0x1002
	archGetFS = 0x1003
)

// mmap prot bits.
const (
	ProtRead  = 1 << 0
	ProtWrite = 1 << 1
	ProtExec  = 1 << 2
)

// Futex ops.
const (
	FutexWait = 0
	FutexWake = 1
)

const maxPathLen = 4096

// Syscall is the single kernel entry point. It validates every user
// pointer against the caller's user half before dereferencing, dispatches
// by number, and records the return word in the saved register image.
func (k *Kernel) Syscall(t *Task, num, a1, a2, a3, a4, a5 uint64) uint64 {
	p := t.p

	if p.Killed {
		k.doExit(p, -1)
	}

	ret := k.dispatch(t, num, a1, a2, a3, a4, a5)

	p.SyscallRet = ret
	p.Ctx.RAX = ret

	if p.Killed {
		k.doExit(p, -1)
	}

	return ret
}

func (k *Kernel) dispatch(t *Task, num, a1, a2, a3, a4, a5 uint64) uint64 {
	switch num {
	case SysOpen:
		path, err := k.readPath(t, a1, a2)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sysOpen(t, path)

	case SysCreate:
		path, err := k.readPath(t, a1, a2)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sysCreate(t, path, uint32(a3))

	case SysRead:
		return k.sysRead(t, int(a1), a2, int(a3), nil)

	case SysWrite:
		return k.sysWrite(t, int(a1), a2, int(a3), nil)

	case SysPread:
		off := a4
		return k.sysRead(t, int(a1), a2, int(a3), &off)

	case SysPwrite:
		off := a4
		return k.sysWrite(t, int(a1), a2, int(a3), &off)

	case SysClose:
		return k.closeFD(t.p, int(a1)).Word()

	case SysStat:
		return k.sysStat(t, int(a1), a2)

	case SysSeek:
		return k.sysSeek(t, int(a1), a2, int(a3))

	case SysRemove:
		path, err := k.readPath(t, a1, a2)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sysRemove(t, path)

	case SysMount:
		path, err := k.readPath(t, a2, a3)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sysMount(t, int(a1), path, uint32(a4))

	case SysBind:
		path, err := k.readPath(t, a2, a3)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sysBind(t, int(a1), path, uint32(a4))

	case SysUnmount:
		path, err := k.readPath(t, a1, a2)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sysUnmount(t, path)

	case SysRFork:
		return k.sysRFork(t, uint32(a1))

	case SysExec:
		return k.sysExec(t, a1, a2)

	case SysWait:
		return k.sysWait(t, int(int32(uint32(a1))), uint32(a2))

	case SysExit:
		k.doExit(t.p, int(int32(uint32(a1))))
		return 0 // unreachable

	case SysPipe:
		return k.sysPipe(t, a1)

	case SysBrk:
		return k.sysBrk(t, a1)

	case SysIPCRecv:
		return k.sysIPCRecv(t, int(a1), a2)

	case SysIPCReply:
		return k.sysIPCReply(t, int(a1), a2)

	case SysSpawn:
		return k.sysSpawn(t, a1, a2, a3, a4, a5)

	case SysKlog:
		return k.sysKlog(t, a1, int(a2), a3)

	case SysSysinfo:
		return k.sysSysinfo(t, a1)

	case SysSleep:
		return k.sysSleep(t, a1)

	case SysShutdown:
		return k.sysShutdown(int(a1))

	case SysGetPID:
		return uint64(t.p.PID)

	case SysRename:
		oldPath, err := k.readPath(t, a1, a2)
		if err != kerr.OK {
			return err.Word()
		}
		newPath, err := k.readPath(t, a3, a4)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sysRename(t, oldPath, newPath)

	case SysTruncate:
		return k.sysTruncate(t, int(a1), a2)

	case SysWstat:
		return k.sysWstat(t, int(a1), uint32(a2), uint16(a3), uint16(a4), uint32(a5))

	case SysSetUID:
		t.p.UID = uint32(a1)
		return 0

	case SysGetUID:
		return uint64(t.p.UID)

	case SysMmap:
		return k.sysMmap(t, a1, a2, uint32(a3), uint32(a4))

	case SysMunmap:
		return k.sysMunmap(t, a1, a2)

	case SysDup:
		fd, err := t.p.FDTable().Dup(int(a1))
		if err != kerr.OK {
			return err.Word()
		}
		return uint64(fd)

	case SysDup2:
		return k.sysDup2(t, int(a1), int(a2))

	case SysArchPrctl:
		return k.sysArchPrctl(t, a1, a2)

	case SysClone:
		return k.sysClone(t, a1, a2, a3, a4, uint32(a5))

	case SysFutex:
		return k.sysFutex(t, a1, uint32(a2), uint32(a3), a4)

	case SysIPCPair:
		return k.sysIPCPair(t, a1)
	}

	return kerr.ENOSYS.Word()
}

// readPath copies in and cleans a user path.
func (k *Kernel) readPath(t *Task, va, n uint64) (path string, err kerr.Errno) {
	if n == 0 || n > maxPathLen {
		err = kerr.EINVAL
		return
	}
	if !mem.ValidUserRange(va, n) {
		err = kerr.EFAULT
		return
	}

	buf := make([]byte, n)
	if err = t.p.AddrSpace().CopyIn(va, buf); err != kerr.OK {
		return
	}

	return ns.Clean(string(buf))
}

////////////////////////////////////////////////////////////////////////
// open / create
////////////////////////////////////////////////////////////////////////

func (k *Kernel) sysOpen(t *Task, path string) uint64 {
	e, handled, err := k.openKernelPath(path)
	if handled {
		if err != kerr.OK {
			return err.Word()
		}
		fd, ierr := t.p.FDTable().Install(e)
		if ierr != kerr.OK {
			k.releaseEntryResource(e)
			return ierr.Word()
		}
		return uint64(fd)
	}

	chID, remainder, err := k.resolveChannel(t.p, path)
	if err != kerr.OK {
		return err.Word()
	}

	cont := &chanCont{
		tag:    ipc.TOpen,
		as:     t.p.AddrSpace(),
		fds:    t.p.FDTable(),
		chanID: chID,
	}
	return k.chanRequest(t, chID, ipc.Msg{Tag: ipc.TOpen, Data: ipc.EncodeOpen(remainder)}, cont)
}

func (k *Kernel) sysCreate(t *Task, path string, flags uint32) uint64 {
	if _, handled, _ := k.openKernelPath(path); handled {
		return kerr.EINVAL.Word()
	}

	chID, remainder, err := k.resolveChannel(t.p, path)
	if err != kerr.OK {
		return err.Word()
	}

	cont := &chanCont{
		tag:    ipc.TCreate,
		as:     t.p.AddrSpace(),
		fds:    t.p.FDTable(),
		chanID: chID,
	}
	return k.chanRequest(t, chID,
		ipc.Msg{Tag: ipc.TCreate, Data: ipc.EncodeCreate(flags, remainder)}, cont)
}

////////////////////////////////////////////////////////////////////////
// read / write / seek
////////////////////////////////////////////////////////////////////////

func (k *Kernel) sysRead(t *Task, fd int, va uint64, n int, at *uint64) uint64 {
	if n < 0 || !mem.ValidUserRange(va, uint64(n)) {
		return kerr.EFAULT.Word()
	}

	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}

	as := t.p.AddrSpace()

	switch e.Kind {
	case fdtab.ChanClient:
		if !e.Opened {
			return kerr.EINVAL.Word()
		}

		count := n
		if count > ipc.MaxPayload {
			count = ipc.MaxPayload
		}

		off := e.Off
		advanceEntry := e
		if at != nil {
			off = *at
			advanceEntry = nil
		}

		cont := &chanCont{
			tag:    ipc.TRead,
			as:     as,
			chanID: e.Chan,
			bufVA:  va,
			bufMax: count,
			entry:  advanceEntry,
		}
		return k.chanRequest(t, e.Chan,
			ipc.Msg{Tag: ipc.TRead, Data: ipc.EncodeRead(e.Handle, off, uint32(count))}, cont)

	case fdtab.PipeRead:
		pp, perr := k.pipes.Get(e.Pipe)
		if perr != kerr.OK {
			return perr.Word()
		}

		got, eof, blocked, wakeups := pp.Read(as, va, n, t.p.PID)
		k.deliverPipeWakeups(wakeups)
		if blocked {
			return k.sched.Block(t.p, proc.OpPipeRead)
		}
		if eof {
			return 0
		}
		return uint64(got)

	case fdtab.Virtual:
		if at != nil {
			// Positioned reads rebind the shared offset temporarily.
			saved := e.Off
			e.Off = *at
			ret := k.virtualRead(t, e, va, n)
			e.Off = saved
			return ret
		}
		return k.virtualRead(t, e, va, n)
	}

	return kerr.EBADF.Word()
}

func (k *Kernel) sysWrite(t *Task, fd int, va uint64, n int, at *uint64) uint64 {
	if n < 0 || !mem.ValidUserRange(va, uint64(n)) {
		return kerr.EFAULT.Word()
	}

	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}

	as := t.p.AddrSpace()

	switch e.Kind {
	case fdtab.ChanClient:
		if !e.Opened {
			return kerr.EINVAL.Word()
		}

		count := n
		if count > ipc.MaxPayload-12 {
			count = ipc.MaxPayload - 12
		}

		data := make([]byte, count)
		if cerr := as.CopyIn(va, data); cerr != kerr.OK {
			return cerr.Word()
		}

		off := e.Off
		advanceEntry := e
		if at != nil {
			off = *at
			advanceEntry = nil
		}

		cont := &chanCont{
			tag:    ipc.TWrite,
			as:     as,
			chanID: e.Chan,
			entry:  advanceEntry,
		}
		return k.chanRequest(t, e.Chan,
			ipc.Msg{Tag: ipc.TWrite, Data: ipc.EncodeWrite(e.Handle, off, data)}, cont)

	case fdtab.PipeWrite:
		pp, perr := k.pipes.Get(e.Pipe)
		if perr != kerr.OK {
			return perr.Word()
		}

		data := make([]byte, n)
		if cerr := as.CopyIn(va, data); cerr != kerr.OK {
			return cerr.Word()
		}

		wrote, broken, blocked, wakeups := pp.Write(as, va, data, t.p.PID)
		k.deliverPipeWakeups(wakeups)
		if broken {
			return kerr.EIO.Word()
		}
		if blocked {
			return k.sched.Block(t.p, proc.OpPipeWrite)
		}
		return uint64(wrote)

	case fdtab.Virtual:
		const maxVirtualWrite = 65536
		count := n
		if count > maxVirtualWrite {
			count = maxVirtualWrite
		}

		data := make([]byte, count)
		if cerr := as.CopyIn(va, data); cerr != kerr.OK {
			return cerr.Word()
		}
		return k.virtualWrite(t, e, data)
	}

	return kerr.EBADF.Word()
}

func (k *Kernel) sysSeek(t *Task, fd int, off uint64, whence int) uint64 {
	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}

	switch whence {
	case 0:
		e.Off = off
	case 1:
		e.Off += off
	default:
		return kerr.EINVAL.Word()
	}

	return e.Off
}

////////////////////////////////////////////////////////////////////////
// stat and the forwarded path ops
////////////////////////////////////////////////////////////////////////

func (k *Kernel) sysStat(t *Task, fd int, statVA uint64) uint64 {
	if !mem.ValidUserRange(statVA, ipc.StatLen) {
		return kerr.EFAULT.Word()
	}

	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}

	as := t.p.AddrSpace()

	switch e.Kind {
	case fdtab.ChanClient:
		if !e.Opened {
			return kerr.EINVAL.Word()
		}
		cont := &chanCont{
			tag:    ipc.TStat,
			as:     as,
			chanID: e.Chan,
			bufVA:  statVA,
		}
		return k.chanRequest(t, e.Chan,
			ipc.Msg{Tag: ipc.TStat, Data: ipc.EncodeHandle(e.Handle)}, cont)

	case fdtab.Virtual:
		st := k.virtualStat(e)
		if cerr := as.CopyOut(statVA, st.Encode()); cerr != kerr.OK {
			return cerr.Word()
		}
		return 0

	case fdtab.PipeRead, fdtab.PipeWrite:
		var st ipc.Stat
		if pp, perr := k.pipes.Get(e.Pipe); perr == kerr.OK {
			st.Size = uint64(pp.Buffered())
		}
		if cerr := as.CopyOut(statVA, st.Encode()); cerr != kerr.OK {
			return cerr.Word()
		}
		return 0
	}

	return kerr.EBADF.Word()
}

func (k *Kernel) sysRemove(t *Task, path string) uint64 {
	if _, handled, _ := k.openKernelPath(path); handled {
		return kerr.EINVAL.Word()
	}

	chID, remainder, err := k.resolveChannel(t.p, path)
	if err != kerr.OK {
		return err.Word()
	}

	cont := &chanCont{tag: ipc.TRemove, as: t.p.AddrSpace(), chanID: chID}
	return k.chanRequest(t, chID,
		ipc.Msg{Tag: ipc.TRemove, Data: []byte(remainder)}, cont)
}

func (k *Kernel) sysRename(t *Task, oldPath, newPath string) uint64 {
	oldCh, oldRem, err := k.resolveChannel(t.p, oldPath)
	if err != kerr.OK {
		return err.Word()
	}
	newCh, newRem, err := k.resolveChannel(t.p, newPath)
	if err != kerr.OK {
		return err.Word()
	}
	if oldCh != newCh {
		return kerr.EINVAL.Word()
	}

	cont := &chanCont{tag: ipc.TRename, as: t.p.AddrSpace(), chanID: oldCh}
	return k.chanRequest(t, oldCh,
		ipc.Msg{Tag: ipc.TRename, Data: ipc.EncodeRename(oldRem, newRem)}, cont)
}

func (k *Kernel) sysTruncate(t *Task, fd int, size uint64) uint64 {
	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}
	if e.Kind != fdtab.ChanClient || !e.Opened {
		return kerr.EINVAL.Word()
	}

	cont := &chanCont{tag: ipc.TTruncate, as: t.p.AddrSpace(), chanID: e.Chan}
	return k.chanRequest(t, e.Chan,
		ipc.Msg{Tag: ipc.TTruncate, Data: ipc.EncodeTruncate(e.Handle, size)}, cont)
}

func (k *Kernel) sysWstat(t *Task, fd int, mode uint32, uid, gid uint16, mask uint32) uint64 {
	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}
	if e.Kind != fdtab.ChanClient || !e.Opened {
		return kerr.EINVAL.Word()
	}

	cont := &chanCont{tag: ipc.TWstat, as: t.p.AddrSpace(), chanID: e.Chan}
	return k.chanRequest(t, e.Chan,
		ipc.Msg{Tag: ipc.TWstat, Data: ipc.EncodeWstat(e.Handle, mode, uid, gid, mask)}, cont)
}

////////////////////////////////////////////////////////////////////////
// pipes, memory, misc
////////////////////////////////////////////////////////////////////////

func (k *Kernel) sysPipe(t *Task, outVA uint64) uint64 {
	as := t.p.AddrSpace()
	if !mem.ValidUserRange(outVA, 8) {
		return kerr.EFAULT.Word()
	}

	pp, err := k.pipes.Alloc()
	if err != kerr.OK {
		return err.Word()
	}

	fds := t.p.FDTable()

	rfd, err := fds.Install(&fdtab.Entry{Kind: fdtab.PipeRead, Pipe: pp.ID()})
	if err != kerr.OK {
		pp.Release(k.pipes, false)
		pp.Release(k.pipes, true)
		return err.Word()
	}

	wfd, err := fds.Install(&fdtab.Entry{Kind: fdtab.PipeWrite, Pipe: pp.ID()})
	if err != kerr.OK {
		k.closeFD(t.p, rfd)
		pp.Release(k.pipes, true)
		return err.Word()
	}

	if e := as.StoreU32(outVA, uint32(rfd)); e != kerr.OK {
		return e.Word()
	}
	if e := as.StoreU32(outVA+4, uint32(wfd)); e != kerr.OK {
		return e.Word()
	}

	return 0
}

// withHeap runs fn on pointers to the heap fields, holding the group lock
// for a threaded process.
func (k *Kernel) withHeap(p *proc.Process, fn func(brk, mmapNext *uint64) uint64) uint64 {
	if g := p.Group; g != nil {
		g.Lock()
		defer g.Unlock()
		return fn(&g.Brk, &g.MmapNext)
	}
	return fn(&p.Brk, &p.MmapNext)
}

func (k *Kernel) sysBrk(t *Task, newBrk uint64) uint64 {
	as := t.p.AddrSpace()

	return k.withHeap(t.p, func(brk, _ *uint64) uint64 {
		if newBrk == 0 {
			return *brk
		}
		if newBrk < userHeapBase || !mem.ValidUserRange(userHeapBase, newBrk-userHeapBase) {
			return kerr.EINVAL.Word()
		}

		if newBrk > *brk {
			if err := as.EnsureMapped(*brk, newBrk-*brk,
				mem.PteUser|mem.PteWritable|mem.PteNoExec); err != kerr.OK {
				return err.Word()
			}
		} else if newBrk < *brk {
			as.UnmapRange(newBrk, *brk-newBrk)
		}

		*brk = newBrk
		return newBrk
	})
}

func (k *Kernel) sysMmap(t *Task, addr, length uint64, prot, flags uint32) uint64 {
	if length == 0 {
		return kerr.EINVAL.Word()
	}

	size := (length + mem.PageSize - 1) &^ uint64(mem.PageSize-1)
	as := t.p.AddrSpace()

	pte := mem.PteUser
	if prot&ProtWrite != 0 {
		pte |= mem.PteWritable
	}
	if prot&ProtExec == 0 {
		pte |= mem.PteNoExec
	}

	return k.withHeap(t.p, func(_, mmapNext *uint64) uint64 {
		if *mmapNext < size || *mmapNext-size < userHeapBase {
			return kerr.ENOMEM.Word()
		}

		va := *mmapNext - size
		if err := as.EnsureMapped(va, size, pte); err != kerr.OK {
			return err.Word()
		}

		*mmapNext = va
		return va
	})
}

func (k *Kernel) sysMunmap(t *Task, addr, length uint64) uint64 {
	if !mem.ValidUserRange(addr, length) {
		return kerr.EFAULT.Word()
	}

	t.p.AddrSpace().UnmapRange(addr, length)
	return 0
}

func (k *Kernel) sysSysinfo(t *Task, va uint64) uint64 {
	var buf [32]byte
	binary.LittleEndian.PutUint64(buf[0:], uint64(k.pmm.TotalPages()))
	binary.LittleEndian.PutUint64(buf[8:], uint64(k.pmm.FreePages()))
	binary.LittleEndian.PutUint64(buf[16:], mem.PageSize)
	binary.LittleEndian.PutUint64(buf[24:], uint64(k.clock.Now().Sub(k.bootTime).Seconds()))

	if err := t.p.AddrSpace().CopyOut(va, buf[:]); err != kerr.OK {
		return err.Word()
	}
	return 0
}

func (k *Kernel) sysKlog(t *Task, va uint64, n int, off uint64) uint64 {
	if n < 0 || !mem.ValidUserRange(va, uint64(n)) {
		return kerr.EFAULT.Word()
	}

	buf := make([]byte, n)
	got := k.ring.ReadAt(off, buf)
	if got > 0 {
		if err := t.p.AddrSpace().CopyOut(va, buf[:got]); err != kerr.OK {
			return err.Word()
		}
	}
	return uint64(got)
}

func (k *Kernel) sysSleep(t *Task, ms uint64) uint64 {
	t.p.SleepUntil = k.clock.Now().Add(time.Duration(ms) * time.Millisecond)

	k.mu.Lock()
	k.sleepers = append(k.sleepers, t.p.PID)
	k.mu.Unlock()

	return k.sched.Block(t.p, proc.OpSleep)
}

func (k *Kernel) sysShutdown(mode int) uint64 {
	if mode != 0 && mode != 1 {
		return kerr.EINVAL.Word()
	}

	k.log.WithField("mode", mode).Info("shutdown")

	k.mu.Lock()
	k.downMode = mode + 1
	k.mu.Unlock()
	return 0
}

func (k *Kernel) sysDup2(t *Task, oldFD, newFD int) uint64 {
	fds := t.p.FDTable()

	e, err := fds.Get(oldFD)
	if err != kerr.OK {
		return err.Word()
	}
	if oldFD == newFD {
		return uint64(newFD)
	}

	if _, gerr := fds.Get(newFD); gerr == kerr.OK {
		k.closeFD(t.p, newFD)
	}

	if ierr := fds.InstallAt(newFD, e); ierr != kerr.OK {
		return ierr.Word()
	}
	return uint64(newFD)
}

func (k *Kernel) sysArchPrctl(t *Task, op, addr uint64) uint64 {
	switch op {
	case archSetFS:
		t.p.Ctx.FSBase = addr
		return 0

	case archGetFS:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], t.p.Ctx.FSBase)
		if err := t.p.AddrSpace().CopyOut(addr, buf[:]); err != kerr.OK {
			return err.Word()
		}
		return 0
	}

	return kerr.EINVAL.Word()
}

func (k *Kernel) sysFutex(t *Task, addr uint64, op, val uint32, timeoutMs uint64) uint64 {
	as := t.p.AddrSpace()
	if !mem.ValidUserRange(addr, 4) {
		return kerr.EFAULT.Word()
	}

	switch op {
	case FutexWait:
		var deadline time.Time
		if timeoutMs != 0 {
			deadline = k.clock.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
		}

		err := k.futexes.WaitIfEqual(t.p.PID, as, addr, val, deadline)
		if err != kerr.OK {
			return err.Word()
		}
		return k.sched.Block(t.p, proc.OpFutex)

	case FutexWake:
		pids := k.futexes.Wake(as.RootPhys(), addr, int(val))
		for _, pid := range pids {
			if p := k.procs.ByPID(pid); p != nil {
				k.sched.Wake(p, 0)
			}
		}
		return uint64(len(pids))
	}

	return kerr.EINVAL.Word()
}
