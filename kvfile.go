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
	"fmt"
	"strings"

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/inet"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/mem"
	"github.com/fornax-os/fornax/proc"
)

// virtualRead serves a read on a kernel-backed fd and returns the syscall
// word, blocking through the scheduler when the stack says to.
func (k *Kernel) virtualRead(t *Task, e *fdtab.Entry, va uint64, max int) uint64 {
	as := t.p.AddrSpace()

	switch e.V {
	case fdtab.VInitrdFile:
		data := k.boot.Files()[e.VIdx].Data
		return serveAt(as, va, max, data, &e.Off)

	case fdtab.VProcDir:
		return serveAt(as, va, max, []byte(k.procDirText()), &e.Off)

	case fdtab.VProcStatus:
		text, err := k.procStatusText(e.VIdx)
		if err != kerr.OK {
			return err.Word()
		}
		return serveAt(as, va, max, []byte(text), &e.Off)

	case fdtab.VProcMemInfo:
		return serveAt(as, va, max, []byte(k.memInfoText()), &e.Off)

	case fdtab.VDevTime:
		return serveAt(as, va, max, []byte(k.devTimeText()), &e.Off)

	case fdtab.VProcCtl:
		return uint64(0)

	case fdtab.VKlog:
		buf := make([]byte, max)
		n := k.ring.ReadAt(e.Off, buf)
		if n > 0 {
			if err := as.CopyOut(va, buf[:n]); err != kerr.OK {
				return err.Word()
			}
			e.Off += uint64(n)
		}
		return uint64(n)
	}

	// Everything else lives in /net.
	res := k.stack.Read(e.V, e.VIdx, t.p.PID, as, va, max, &e.ReadDone)
	return k.finishNetResult(t, res)
}

// virtualWrite serves a write on a kernel-backed fd with the payload
// already copied in.
func (k *Kernel) virtualWrite(t *Task, e *fdtab.Entry, data []byte) uint64 {
	switch e.V {
	case fdtab.VProcCtl:
		if strings.TrimSpace(string(data)) != "kill" {
			return kerr.EINVAL.Word()
		}
		target := k.procs.ByPID(e.VIdx)
		if target == nil {
			return kerr.ENOENT.Word()
		}
		k.killProcess(target)
		return uint64(len(data))

	case fdtab.VInitrdFile:
		// The boot image is read-only.
		return kerr.EIO.Word()

	case fdtab.VProcDir, fdtab.VProcStatus, fdtab.VProcMemInfo,
		fdtab.VDevTime, fdtab.VKlog:
		return kerr.EINVAL.Word()
	}

	res := k.stack.Write(e.V, e.VIdx, t.p.PID, data)
	return k.finishNetResult(t, res)
}

// virtualStat synthesizes a stat for a kernel-backed fd: sized for
// content-bearing files, zero for streams.
func (k *Kernel) virtualStat(e *fdtab.Entry) ipc.Stat {
	var size uint64

	switch e.V {
	case fdtab.VInitrdFile:
		size = uint64(len(k.boot.Files()[e.VIdx].Data))
	case fdtab.VProcDir:
		size = uint64(len(k.procDirText()))
	case fdtab.VProcMemInfo:
		size = uint64(len(k.memInfoText()))
	case fdtab.VDevTime:
		size = uint64(len(k.devTimeText()))
	case fdtab.VProcStatus:
		if text, err := k.procStatusText(e.VIdx); err == kerr.OK {
			size = uint64(len(text))
		}
	case fdtab.VKlog:
		size = k.ring.End()
	}

	ft := ipc.FileTypeRegular
	if e.V == fdtab.VProcDir {
		ft = ipc.FileTypeDir
	}

	return ipc.Stat{Size: size, FileType: ft}
}

// finishNetResult turns a stack Result into a syscall word, parking the
// caller when the stack registered it as a waiter.
func (k *Kernel) finishNetResult(t *Task, res inet.Result) uint64 {
	if res.Err != kerr.OK {
		return res.Err.Word()
	}

	switch res.Block {
	case inet.BlockNone:
		return uint64(res.N)
	case inet.BlockNetRead:
		return k.sched.Block(t.p, proc.OpNetRead)
	case inet.BlockNetWrite:
		return k.sched.Block(t.p, proc.OpNetWrite)
	case inet.BlockConnect:
		return k.sched.Block(t.p, proc.OpTCPConnect)
	case inet.BlockAccept:
		return k.sched.Block(t.p, proc.OpTCPAccept)
	case inet.BlockDNS:
		return k.sched.Block(t.p, proc.OpDNS)
	}

	return kerr.EIO.Word()
}

// serveAt serves a synthesized byte slice through a per-fd offset.
func serveAt(as *mem.AddressSpace, va uint64, max int, data []byte, off *uint64) uint64 {
	if *off >= uint64(len(data)) {
		return 0
	}

	chunk := data[*off:]
	if len(chunk) > max {
		chunk = chunk[:max]
	}

	if err := as.CopyOut(va, chunk); err != kerr.OK {
		return err.Word()
	}

	*off += uint64(len(chunk))
	return uint64(len(chunk))
}

////////////////////////////////////////////////////////////////////////
// Text synthesis
////////////////////////////////////////////////////////////////////////

// procDirText lists active pids, one per line.
func (k *Kernel) procDirText() string {
	var b strings.Builder
	k.procs.ForEach(func(p *proc.Process) {
		fmt.Fprintf(&b, "%d\n", p.PID)
	})
	return b.String()
}

func (k *Kernel) procStatusText(pid int) (string, kerr.Errno) {
	p := k.procs.ByPID(pid)
	if p == nil {
		return "", kerr.ENOENT
	}

	pages := 0
	if as := p.AddrSpace(); as != nil {
		pages = as.MappedPages()
	}

	return fmt.Sprintf("pid %d\nppid %d\nstate %s\npages %d\n",
		p.PID, p.ParentPID, p.State, pages), kerr.OK
}

func (k *Kernel) memInfoText() string {
	return fmt.Sprintf("total_pages %d\nfree_pages %d\npage_size %d\n",
		k.pmm.TotalPages(), k.pmm.FreePages(), mem.PageSize)
}

func (k *Kernel) devTimeText() string {
	now := k.clock.Now()
	return fmt.Sprintf("%d %d\n", now.Unix(), int(now.Sub(k.bootTime).Seconds()))
}
