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
	"strconv"
	"strings"

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ns"
	"github.com/fornax-os/fornax/proc"
)

// Kernel-internal path prefixes, tried in fixed order before the mount
// table.
const (
	netPrefix  = "/net/"
	procPrefix = "/proc"
	devTime    = "/dev/time"
	devKlog    = "/dev/klog"
	bootPrefix = "/boot/"
)

// openKernelPath serves an open against the kernel-internal trees. handled
// is false when the path belongs to the mount table instead.
func (k *Kernel) openKernelPath(path string) (e *fdtab.Entry, handled bool, err kerr.Errno) {
	switch {
	case strings.HasPrefix(path, netPrefix):
		handled = true
		kind, idx, oerr := k.stack.Open(path[len(netPrefix):])
		if oerr != kerr.OK {
			err = oerr
			return
		}
		e = &fdtab.Entry{Kind: fdtab.Virtual, V: kind, VIdx: idx}
		return

	case path == procPrefix:
		handled = true
		e = &fdtab.Entry{Kind: fdtab.Virtual, V: fdtab.VProcDir}
		return

	case path == procPrefix+"/meminfo":
		handled = true
		e = &fdtab.Entry{Kind: fdtab.Virtual, V: fdtab.VProcMemInfo}
		return

	case strings.HasPrefix(path, procPrefix+"/"):
		handled = true
		e, err = k.openProcEntry(path[len(procPrefix)+1:])
		return

	case path == devTime:
		handled = true
		e = &fdtab.Entry{Kind: fdtab.Virtual, V: fdtab.VDevTime}
		return

	case path == devKlog:
		handled = true
		e = &fdtab.Entry{Kind: fdtab.Virtual, V: fdtab.VKlog}
		return

	case strings.HasPrefix(path, bootPrefix):
		handled = true
		e, err = k.openBootFile(path[len(bootPrefix):])
		return
	}

	return
}

// openProcEntry resolves "N/status" and "N/ctl".
func (k *Kernel) openProcEntry(rest string) (e *fdtab.Entry, err kerr.Errno) {
	pidStr, leaf, found := strings.Cut(rest, "/")
	if !found {
		err = kerr.ENOENT
		return
	}

	pid, aerr := strconv.Atoi(pidStr)
	if aerr != nil || k.procs.ByPID(pid) == nil {
		err = kerr.ENOENT
		return
	}

	switch leaf {
	case "status":
		e = &fdtab.Entry{Kind: fdtab.Virtual, V: fdtab.VProcStatus, VIdx: pid}
	case "ctl":
		e = &fdtab.Entry{Kind: fdtab.Virtual, V: fdtab.VProcCtl, VIdx: pid}
	default:
		err = kerr.ENOENT
	}
	return
}

// openBootFile resolves an initrd member by name.
func (k *Kernel) openBootFile(name string) (e *fdtab.Entry, err kerr.Errno) {
	if k.boot == nil {
		err = kerr.ENOENT
		return
	}

	for i, f := range k.boot.Files() {
		if f.Name == name {
			e = &fdtab.Entry{Kind: fdtab.Virtual, V: fdtab.VInitrdFile, VIdx: i}
			return
		}
	}

	err = kerr.ENOENT
	return
}

// resolveChannel routes a path through the caller's mount table.
func (k *Kernel) resolveChannel(p *proc.Process, path string) (chID int, remainder string, err kerr.Errno) {
	chID, remainder, ok := p.Namespace().Resolve(path)
	if !ok {
		err = kerr.ENOENT
	}
	return
}

////////////////////////////////////////////////////////////////////////
// mount / bind / unmount
////////////////////////////////////////////////////////////////////////

// sysMount edits the caller's namespace: the fd must be a channel client
// end; the channel gains a reference held by the mount entry.
func (k *Kernel) sysMount(t *Task, fd int, path string, flags uint32) uint64 {
	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}
	if e.Kind != fdtab.ChanClient || e.Opened {
		return kerr.EINVAL.Word()
	}

	ch, err := k.channels.Get(e.Chan)
	if err != kerr.OK {
		return kerr.EBADF.Word()
	}
	ch.Retain(false)

	displaced, hadOld, err := t.p.Namespace().Mount(path, e.Chan, flags)
	if err != kerr.OK {
		k.releaseChannelRef(e.Chan, false)
		return err.Word()
	}
	if hadOld {
		k.releaseChannelRef(displaced, false)
	}

	return 0
}

// sysBind is mount with ordering flags accepted for ABI compatibility.
func (k *Kernel) sysBind(t *Task, fd int, path string, flags uint32) uint64 {
	return k.sysMount(t, fd, path, flags|ns.FlagBefore)
}

// sysUnmount removes one entry by exact prefix.
func (k *Kernel) sysUnmount(t *Task, path string) uint64 {
	chID, err := t.p.Namespace().Unmount(path)
	if err != kerr.OK {
		return err.Word()
	}

	k.releaseChannelRef(chID, false)
	return 0
}
