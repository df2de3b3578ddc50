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
	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/pipe"
	"github.com/fornax-os/fornax/proc"
)

type pipeWakeup = pipe.Wakeup

// closeFD removes a table slot and, when that was the last alias of the
// entry, releases the resource behind it.
func (k *Kernel) closeFD(p *proc.Process, fd int) kerr.Errno {
	e, last, err := p.FDTable().Remove(fd)
	if err != kerr.OK {
		return err
	}

	if last {
		k.releaseEntryResource(e)
	}
	return kerr.OK
}

// releaseEntryResource drops the refcount an entry holds on its channel,
// pipe, or kernel object.
func (k *Kernel) releaseEntryResource(e *fdtab.Entry) {
	switch e.Kind {
	case fdtab.ChanClient:
		if e.Opened {
			// Tell the server the handle is gone. No continuation: the
			// reply wakes nobody.
			if ch, err := k.channels.Get(e.Chan); err == kerr.OK && !ch.Dead() {
				req := ipc.Request{
					ClientPID: 0,
					Msg:       ipc.Msg{Tag: ipc.TClose, Data: ipc.EncodeHandle(e.Handle)},
				}
				if serverPID, err := ch.Send(req); err == kerr.OK && serverPID >= 0 {
					if sp := k.procs.ByPID(serverPID); sp != nil {
						k.sched.Wake(sp, 0)
					}
				}
			}
		}
		k.releaseChannelRef(e.Chan, false)

	case fdtab.ChanServer:
		k.releaseChannelRef(e.Chan, true)

	case fdtab.PipeRead:
		if pp, err := k.pipes.Get(e.Pipe); err == kerr.OK {
			k.deliverPipeWakeups(pp.Release(k.pipes, false))
		}

	case fdtab.PipeWrite:
		if pp, err := k.pipes.Get(e.Pipe); err == kerr.OK {
			k.deliverPipeWakeups(pp.Release(k.pipes, true))
		}

	case fdtab.Virtual:
		switch e.V {
		case fdtab.VInitrdFile, fdtab.VProcDir, fdtab.VProcStatus,
			fdtab.VProcCtl, fdtab.VProcMemInfo, fdtab.VDevTime, fdtab.VKlog:
			// Nothing held.
		default:
			k.stack.Close(e.V, e.VIdx)
		}
	}
}

// releaseChannelRef drops one endpoint reference, waking any clients
// orphaned by a dying server with EIO.
func (k *Kernel) releaseChannelRef(chID int, server bool) {
	ch, err := k.channels.Get(chID)
	if err != kerr.OK {
		return
	}

	for _, pid := range ch.Release(k.channels, server) {
		if p := k.procs.ByPID(pid); p != nil {
			k.sched.Wake(p, kerr.EIO.Word())
		}
	}
}

func (k *Kernel) deliverPipeWakeups(ws []pipeWakeup) {
	for _, w := range ws {
		if p := k.procs.ByPID(w.PID); p != nil {
			k.sched.Wake(p, w.Ret)
		}
	}
}
