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
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/proc"
)

// A Task is a user thread's view of the kernel: its methods are the
// syscall stubs a program links against. Every operation stages its
// arguments in the task's own user memory and traps through Syscall, so
// the dispatcher's pointer validation and copying are exercised for real.
type Task struct {
	k *Kernel
	p *proc.Process

	// Scratch region in user memory for staging stub arguments.
	scratch    uint64
	scratchLen uint64

	// Body registered for the child of an imminent rfork/clone.
	forkBody Program

	// Body resolved by a successful exec, run by Task.Exec.
	execProg Program
}

// PID returns the calling process's pid.
func (t *Task) PID() int { return t.p.PID }

// Kernel returns the kernel this task runs under.
func (t *Task) Kernel() *Kernel { return t.k }

// Syscall traps into the dispatcher with raw arguments.
func (t *Task) Syscall(num, a1, a2, a3, a4, a5 uint64) uint64 {
	return t.k.Syscall(t, num, a1, a2, a3, a4, a5)
}

func (t *Task) takeForkBody() Program {
	b := t.forkBody
	t.forkBody = nil
	return b
}

////////////////////////////////////////////////////////////////////////
// Scratch staging
////////////////////////////////////////////////////////////////////////

const taskScratchLen = 4 * ipc.MaxPayload

// stage copies data into the task's scratch region and returns its user
// address. The region is reused per call; a task issues syscalls one at a
// time.
func (t *Task) stage(data []byte) (va uint64, err kerr.Errno) {
	if uint64(len(data)) > taskScratchLen {
		err = kerr.EINVAL
		return
	}

	if va, err = t.scratchBase(); err != kerr.OK {
		return
	}

	if len(data) > 0 {
		err = t.p.AddrSpace().CopyOut(va, data)
	}
	return
}

// scratchBase lazily maps the scratch region via mmap.
func (t *Task) scratchBase() (va uint64, err kerr.Errno) {
	if t.scratch == 0 {
		ret := t.Syscall(SysMmap, 0, taskScratchLen, ProtRead|ProtWrite, 0, 0)
		if kerr.IsError(ret) {
			_, err = kerr.FromWord(ret)
			return
		}
		t.scratch = ret
		t.scratchLen = taskScratchLen
	}

	va = t.scratch
	return
}

// stageAt is stage with an offset into the scratch region, for stubs that
// need two live buffers.
func (t *Task) stageAt(off uint64, data []byte) (va uint64, err kerr.Errno) {
	base, err := t.scratchBase()
	if err != kerr.OK {
		return
	}
	if off+uint64(len(data)) > taskScratchLen {
		err = kerr.EINVAL
		return
	}

	va = base + off
	if len(data) > 0 {
		err = t.p.AddrSpace().CopyOut(va, data)
	}
	return
}

func wordErr(ret uint64) (uint64, kerr.Errno) {
	return kerr.FromWord(ret)
}

////////////////////////////////////////////////////////////////////////
// File stubs
////////////////////////////////////////////////////////////////////////

// Open opens a path, returning the new fd.
func (t *Task) Open(path string) (fd int, err kerr.Errno) {
	va, err := t.stage([]byte(path))
	if err != kerr.OK {
		return
	}

	ret, err := wordErr(t.Syscall(SysOpen, va, uint64(len(path)), 0, 0, 0))
	fd = int(ret)
	return
}

// Create creates a file (or directory, with ipc.OpenDir in flags).
func (t *Task) Create(path string, flags uint32) (fd int, err kerr.Errno) {
	va, err := t.stage([]byte(path))
	if err != kerr.OK {
		return
	}

	ret, err := wordErr(t.Syscall(SysCreate, va, uint64(len(path)), uint64(flags), 0, 0))
	fd = int(ret)
	return
}

// Read reads up to max bytes from fd.
func (t *Task) Read(fd, max int) (data []byte, err kerr.Errno) {
	va, err := t.scratchBase()
	if err != kerr.OK {
		return
	}
	if max > taskScratchLen {
		max = taskScratchLen
	}

	ret, err := wordErr(t.Syscall(SysRead, uint64(fd), va, uint64(max), 0, 0))
	if err != kerr.OK {
		return
	}

	data = make([]byte, ret)
	err = t.p.AddrSpace().CopyIn(va, data)
	return
}

// ReadString is Read with a string result.
func (t *Task) ReadString(fd, max int) (s string, err kerr.Errno) {
	data, err := t.Read(fd, max)
	s = string(data)
	return
}

// Write writes data to fd, returning the count accepted.
func (t *Task) Write(fd int, data []byte) (n int, err kerr.Errno) {
	va, err := t.stage(data)
	if err != kerr.OK {
		return
	}

	ret, err := wordErr(t.Syscall(SysWrite, uint64(fd), va, uint64(len(data)), 0, 0))
	n = int(ret)
	return
}

// WriteString writes a string to fd.
func (t *Task) WriteString(fd int, s string) (n int, err kerr.Errno) {
	return t.Write(fd, []byte(s))
}

// Close closes fd.
func (t *Task) Close(fd int) kerr.Errno {
	_, err := wordErr(t.Syscall(SysClose, uint64(fd), 0, 0, 0, 0))
	return err
}

// Stat fetches the fixed stat record for fd.
func (t *Task) Stat(fd int) (st ipc.Stat, err kerr.Errno) {
	va, err := t.scratchBase()
	if err != kerr.OK {
		return
	}

	if _, err = wordErr(t.Syscall(SysStat, uint64(fd), va, 0, 0, 0)); err != kerr.OK {
		return
	}

	buf := make([]byte, ipc.StatLen)
	if err = t.p.AddrSpace().CopyIn(va, buf); err != kerr.OK {
		return
	}
	return ipc.DecodeStat(buf)
}

// Seek repositions fd's offset.
func (t *Task) Seek(fd int, off uint64, whence int) (pos uint64, err kerr.Errno) {
	return wordErr(t.Syscall(SysSeek, uint64(fd), off, uint64(whence), 0, 0))
}

// Remove removes a path via its file server.
func (t *Task) Remove(path string) kerr.Errno {
	va, err := t.stage([]byte(path))
	if err != kerr.OK {
		return err
	}

	_, err = wordErr(t.Syscall(SysRemove, va, uint64(len(path)), 0, 0, 0))
	return err
}

// Rename renames within one file server.
func (t *Task) Rename(oldPath, newPath string) kerr.Errno {
	oldVA, err := t.stage([]byte(oldPath))
	if err != kerr.OK {
		return err
	}
	newVA, err := t.stageAt(uint64(len(oldPath)), []byte(newPath))
	if err != kerr.OK {
		return err
	}

	_, err = wordErr(t.Syscall(SysRename,
		oldVA, uint64(len(oldPath)), newVA, uint64(len(newPath)), 0))
	return err
}

// Truncate truncates the file behind fd.
func (t *Task) Truncate(fd int, size uint64) kerr.Errno {
	_, err := wordErr(t.Syscall(SysTruncate, uint64(fd), size, 0, 0, 0))
	return err
}

// Dup aliases fd at the lowest free slot.
func (t *Task) Dup(fd int) (newFD int, err kerr.Errno) {
	ret, err := wordErr(t.Syscall(SysDup, uint64(fd), 0, 0, 0, 0))
	newFD = int(ret)
	return
}

// Dup2 aliases oldFD at newFD.
func (t *Task) Dup2(oldFD, newFD int) kerr.Errno {
	_, err := wordErr(t.Syscall(SysDup2, uint64(oldFD), uint64(newFD), 0, 0, 0))
	return err
}

////////////////////////////////////////////////////////////////////////
// Namespace stubs
////////////////////////////////////////////////////////////////////////

// Mount attaches a channel client fd at a path prefix.
func (t *Task) Mount(fd int, path string, flags uint32) kerr.Errno {
	va, err := t.stage([]byte(path))
	if err != kerr.OK {
		return err
	}

	_, err = wordErr(t.Syscall(SysMount, uint64(fd), va, uint64(len(path)), uint64(flags), 0))
	return err
}

// Unmount removes a mount by exact prefix.
func (t *Task) Unmount(path string) kerr.Errno {
	va, err := t.stage([]byte(path))
	if err != kerr.OK {
		return err
	}

	_, err = wordErr(t.Syscall(SysUnmount, va, uint64(len(path)), 0, 0, 0))
	return err
}

////////////////////////////////////////////////////////////////////////
// Pipes and channels
////////////////////////////////////////////////////////////////////////

// Pipe allocates a pipe, returning (readFD, writeFD).
func (t *Task) Pipe() (rfd, wfd int, err kerr.Errno) {
	va, err := t.scratchBase()
	if err != kerr.OK {
		return
	}

	if _, err = wordErr(t.Syscall(SysPipe, va, 0, 0, 0, 0)); err != kerr.OK {
		return
	}

	var buf [8]byte
	if err = t.p.AddrSpace().CopyIn(va, buf[:]); err != kerr.OK {
		return
	}
	rfd = int(binary.LittleEndian.Uint32(buf[0:]))
	wfd = int(binary.LittleEndian.Uint32(buf[4:]))
	return
}

// IPCPair allocates a channel, returning (serverFD, clientFD).
func (t *Task) IPCPair() (serverFD, clientFD int, err kerr.Errno) {
	va, err := t.scratchBase()
	if err != kerr.OK {
		return
	}

	if _, err = wordErr(t.Syscall(SysIPCPair, va, 0, 0, 0, 0)); err != kerr.OK {
		return
	}

	var buf [8]byte
	if err = t.p.AddrSpace().CopyIn(va, buf[:]); err != kerr.OK {
		return
	}
	serverFD = int(binary.LittleEndian.Uint32(buf[0:]))
	clientFD = int(binary.LittleEndian.Uint32(buf[4:]))
	return
}

// msgBufOff places the ipc frame after the staging area in scratch.
const msgBufOff = 2 * ipc.MaxPayload

// IPCRecv blocks for the next request on a server fd.
func (t *Task) IPCRecv(serverFD int) (msg ipc.Msg, err kerr.Errno) {
	base, err := t.scratchBase()
	if err != kerr.OK {
		return
	}
	va := base + msgBufOff

	if _, err = wordErr(t.Syscall(SysIPCRecv, uint64(serverFD), va, 0, 0, 0)); err != kerr.OK {
		return
	}

	return ipc.DecodeFrom(t.p.AddrSpace(), va)
}

// IPCReply answers a request previously received on a server fd.
func (t *Task) IPCReply(serverFD int, msg ipc.Msg) kerr.Errno {
	base, err := t.scratchBase()
	if err != kerr.OK {
		return err
	}
	va := base + msgBufOff

	if err = msg.EncodeTo(t.p.AddrSpace(), va); err != kerr.OK {
		return err
	}

	_, err = wordErr(t.Syscall(SysIPCReply, uint64(serverFD), va, 0, 0, 0))
	return err
}

////////////////////////////////////////////////////////////////////////
// Process stubs
////////////////////////////////////////////////////////////////////////

// FDMapping names a parent fd and the index it takes in a spawned child.
type FDMapping struct {
	Child, Parent int
}

// Spawn loads an ELF image into a new process, passing exactly the mapped
// fds and the argv block. Returns the child pid.
func (t *Task) Spawn(image []byte, fdMap []FDMapping, argv []string) (pid int, err kerr.Errno) {
	argvBlock := elfload.EncodeArgv(argv)

	mapBytes := make([]byte, len(fdMap)*8)
	for i, m := range fdMap {
		binary.LittleEndian.PutUint32(mapBytes[i*8:], uint32(m.Child))
		binary.LittleEndian.PutUint32(mapBytes[i*8+4:], uint32(m.Parent))
	}

	// The image can exceed the scratch region; stage it through its own
	// mapping.
	imgVA, err := wordErr(t.Syscall(SysMmap, 0,
		uint64(len(image)), ProtRead|ProtWrite, 0, 0))
	if err != kerr.OK {
		return
	}
	defer t.Syscall(SysMunmap, imgVA, uint64(len(image)), 0, 0, 0)

	if err = t.p.AddrSpace().CopyOut(imgVA, image); err != kerr.OK {
		return
	}

	mapVA, err := t.stage(mapBytes)
	if err != kerr.OK {
		return
	}
	argvVA, err := t.stageAt(uint64(len(mapBytes)), argvBlock)
	if err != kerr.OK {
		return
	}

	ret, err := wordErr(t.Syscall(SysSpawn,
		imgVA, uint64(len(image)), mapVA, uint64(len(fdMap)), argvVA))
	pid = int(ret)
	return
}

// Exec replaces this process's image. On success it runs the new image's
// body and never returns.
func (t *Task) Exec(image []byte) kerr.Errno {
	imgVA, err := wordErr(t.Syscall(SysMmap, 0,
		uint64(len(image)), ProtRead|ProtWrite, 0, 0))
	if err != kerr.OK {
		return err
	}

	if err = t.p.AddrSpace().CopyOut(imgVA, image); err != kerr.OK {
		return err
	}

	if _, err = wordErr(t.Syscall(SysExec, imgVA, uint64(len(image)), 0, 0, 0)); err != kerr.OK {
		return err
	}

	// The old image is gone, the scratch region with it.
	t.scratch = 0

	prog := t.execProg
	t.execProg = nil

	status := 0
	if prog != nil {
		status = prog(t)
	}
	t.k.doExit(t.p, status)
	panic("unreachable")
}

// Wait reaps a child: pid 0 or -1 for any. Returns the child and its
// status.
func (t *Task) Wait(pid int, flags uint32) (childPID, status int, err kerr.Errno) {
	ret, err := wordErr(t.Syscall(SysWait, uint64(uint32(int32(pid))), uint64(flags), 0, 0, 0))
	if err != kerr.OK || ret == 0 {
		return
	}

	childPID = int(ret >> 32)
	status = int(uint32(ret) >> 8 & 0xff)
	return
}

// Exit terminates the calling process. Never returns.
func (t *Task) Exit(status int) {
	t.Syscall(SysExit, uint64(uint32(int32(status))), 0, 0, 0, 0)
	panic("unreachable")
}

// RFork forks with the Plan 9 flag bundle; body runs as the child when
// RFPROC is set. Returns the child pid (0 without RFPROC).
func (t *Task) RFork(flags uint32, body Program) (pid int, err kerr.Errno) {
	t.forkBody = body
	ret, err := wordErr(t.Syscall(SysRFork, uint64(flags), 0, 0, 0, 0))
	pid = int(ret)
	return
}

// Clone creates a sibling thread sharing this process's group; body runs
// as the thread. Returns the new tid.
func (t *Task) Clone(stackTop, tls, ctidPtr, ptidPtr uint64, flags uint32, body Program) (tid int, err kerr.Errno) {
	t.forkBody = body
	ret, err := wordErr(t.Syscall(SysClone, stackTop, tls, ctidPtr, ptidPtr, uint64(flags)))
	tid = int(ret)
	return
}

// GetPID returns the pid via the syscall path.
func (t *Task) GetPID() int {
	return int(t.Syscall(SysGetPID, 0, 0, 0, 0, 0))
}

// Sleep blocks for the given number of milliseconds of kernel time.
func (t *Task) Sleep(ms uint64) kerr.Errno {
	_, err := wordErr(t.Syscall(SysSleep, ms, 0, 0, 0, 0))
	return err
}

////////////////////////////////////////////////////////////////////////
// Memory and misc stubs
////////////////////////////////////////////////////////////////////////

// Brk moves the heap break; zero queries it.
func (t *Task) Brk(newBrk uint64) (brk uint64, err kerr.Errno) {
	return wordErr(t.Syscall(SysBrk, newBrk, 0, 0, 0, 0))
}

// Mmap maps anonymous memory.
func (t *Task) Mmap(length uint64, prot uint32) (va uint64, err kerr.Errno) {
	return wordErr(t.Syscall(SysMmap, 0, length, uint64(prot), 0, 0))
}

// Munmap unmaps a range.
func (t *Task) Munmap(va, length uint64) kerr.Errno {
	_, err := wordErr(t.Syscall(SysMunmap, va, length, 0, 0, 0))
	return err
}

// Poke writes bytes into this process's memory, the way a compiled
// program would store through a pointer.
func (t *Task) Poke(va uint64, data []byte) kerr.Errno {
	return t.p.AddrSpace().CopyOut(va, data)
}

// Peek reads bytes from this process's memory.
func (t *Task) Peek(va uint64, n int) (data []byte, err kerr.Errno) {
	data = make([]byte, n)
	err = t.p.AddrSpace().CopyIn(va, data)
	return
}

// PokeU32/PeekU32 are the u32 flavors futex code wants.
func (t *Task) PokeU32(va uint64, v uint32) kerr.Errno {
	return t.p.AddrSpace().StoreU32(va, v)
}

func (t *Task) PeekU32(va uint64) (v uint32, err kerr.Errno) {
	return t.p.AddrSpace().LoadU32(va)
}

// Futex traps the futex syscall.
func (t *Task) Futex(addr uint64, op, val uint32, timeoutMs uint64) (ret uint64, err kerr.Errno) {
	return wordErr(t.Syscall(SysFutex, addr, uint64(op), uint64(val), timeoutMs, 0))
}

// Klog reads the kernel log from an absolute byte offset.
func (t *Task) Klog(off uint64, max int) (data []byte, err kerr.Errno) {
	va, err := t.scratchBase()
	if err != kerr.OK {
		return
	}
	if max > taskScratchLen {
		max = taskScratchLen
	}

	ret, err := wordErr(t.Syscall(SysKlog, va, uint64(max), off, 0, 0))
	if err != kerr.OK {
		return
	}

	data = make([]byte, ret)
	err = t.p.AddrSpace().CopyIn(va, data)
	return
}

// Sysinfo reads the machine counters.
func (t *Task) Sysinfo() (totalPages, freePages, pageSize, uptimeSecs uint64, err kerr.Errno) {
	va, err := t.scratchBase()
	if err != kerr.OK {
		return
	}

	if _, err = wordErr(t.Syscall(SysSysinfo, va, 0, 0, 0, 0)); err != kerr.OK {
		return
	}

	var buf [32]byte
	if err = t.p.AddrSpace().CopyIn(va, buf[:]); err != kerr.OK {
		return
	}

	totalPages = binary.LittleEndian.Uint64(buf[0:])
	freePages = binary.LittleEndian.Uint64(buf[8:])
	pageSize = binary.LittleEndian.Uint64(buf[16:])
	uptimeSecs = binary.LittleEndian.Uint64(buf[24:])
	return
}

