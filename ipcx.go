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

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/mem"
	"github.com/fornax-os/fornax/proc"
)

// A chanCont is the continuation the kernel runs against a server's
// eventual reply, on behalf of the blocked client.
type chanCont struct {
	// The request tag, which fixes the reply's payload layout.
	tag uint32

	as  *mem.AddressSpace
	fds *fdtab.Table

	chanID int

	// Destination for read/stat payloads.
	bufVA  uint64
	bufMax int

	// Entry whose offset advances by the transferred count.
	entry *fdtab.Entry
}

// chanRequest stages a request on a channel and blocks the caller until
// the reply completes its syscall. The returned word is the syscall
// result.
func (k *Kernel) chanRequest(t *Task, chID int, msg ipc.Msg, cont *chanCont) uint64 {
	ch, err := k.channels.Get(chID)
	if err != kerr.OK {
		return err.Word()
	}

	serverPID, err := ch.Send(ipc.Request{
		ClientPID: t.p.PID,
		Msg:       msg,
		Cont:      cont,
	})
	if err != kerr.OK {
		return err.Word()
	}

	// A server parked in ipc_recv already has the frame; it just needs
	// waking. Either way the client parks until the reply.
	if serverPID >= 0 {
		if sp := k.procs.ByPID(serverPID); sp != nil {
			k.sched.Wake(sp, 0)
		}
	}

	return k.sched.Block(t.p, proc.OpIPCReplyWait)
}

// completeReply interprets a server reply for the client that sent the
// request, performs the transfer its syscall promised, and wakes it with
// the final return word.
func (k *Kernel) completeReply(req ipc.Request, reply ipc.Msg) {
	cont, _ := req.Cont.(*chanCont)
	if cont == nil {
		// Fire-and-forget (T_CLOSE from fd teardown).
		return
	}

	client := k.procs.ByPID(req.ClientPID)
	if client == nil {
		return
	}

	k.sched.Wake(client, k.applyReply(cont, reply))
}

func (k *Kernel) applyReply(cont *chanCont, reply ipc.Msg) uint64 {
	if reply.Tag == ipc.RError {
		// The first payload byte may carry a server-chosen errno; the
		// kernel passes it through without interpretation.
		errno := kerr.EIO
		if len(reply.Data) > 0 && reply.Data[0] != 0 {
			errno = kerr.Errno(reply.Data[0])
		}
		return errno.Word()
	}

	switch cont.tag {
	case ipc.TOpen, ipc.TCreate:
		if len(reply.Data) < 4 {
			return kerr.EIO.Word()
		}
		handle := binary.LittleEndian.Uint32(reply.Data)

		if ch, err := k.channels.Get(cont.chanID); err == kerr.OK {
			ch.Retain(false)
		}
		e := &fdtab.Entry{
			Kind:   fdtab.ChanClient,
			Chan:   cont.chanID,
			Opened: true,
			Handle: handle,
		}
		fd, err := cont.fds.Install(e)
		if err != kerr.OK {
			k.releaseChannelRef(cont.chanID, false)
			return err.Word()
		}
		return uint64(fd)

	case ipc.TRead:
		n := len(reply.Data)
		if n > cont.bufMax {
			n = cont.bufMax
		}
		if err := cont.as.CopyOut(cont.bufVA, reply.Data[:n]); err != kerr.OK {
			return err.Word()
		}
		if cont.entry != nil {
			cont.entry.Off += uint64(n)
		}
		return uint64(n)

	case ipc.TWrite:
		if len(reply.Data) < 4 {
			return kerr.EIO.Word()
		}
		count := binary.LittleEndian.Uint32(reply.Data)
		if cont.entry != nil {
			cont.entry.Off += uint64(count)
		}
		return uint64(count)

	case ipc.TStat:
		if len(reply.Data) < ipc.StatLen {
			return kerr.EIO.Word()
		}
		if err := cont.as.CopyOut(cont.bufVA, reply.Data[:ipc.StatLen]); err != kerr.OK {
			return err.Word()
		}
		return 0

	default:
		return 0
	}
}

////////////////////////////////////////////////////////////////////////
// ipc_pair / ipc_recv / ipc_reply
////////////////////////////////////////////////////////////////////////

// sysIPCPair allocates a channel owned by the caller and installs the
// server and client fds, writing them to out[0] and out[1].
func (k *Kernel) sysIPCPair(t *Task, outVA uint64) uint64 {
	as := t.p.AddrSpace()
	if !mem.ValidUserRange(outVA, 8) {
		return kerr.EFAULT.Word()
	}

	ch, err := k.channels.Alloc(t.p.PID)
	if err != kerr.OK {
		return err.Word()
	}

	fds := t.p.FDTable()

	serverFD, err := fds.Install(&fdtab.Entry{Kind: fdtab.ChanServer, Chan: ch.ID()})
	if err != kerr.OK {
		k.releaseChannelRef(ch.ID(), true)
		k.releaseChannelRef(ch.ID(), false)
		return err.Word()
	}

	clientFD, err := fds.Install(&fdtab.Entry{Kind: fdtab.ChanClient, Chan: ch.ID()})
	if err != kerr.OK {
		k.closeFD(t.p, serverFD)
		k.releaseChannelRef(ch.ID(), false)
		return err.Word()
	}

	if e := as.StoreU32(outVA, uint32(serverFD)); e != kerr.OK {
		return e.Word()
	}
	if e := as.StoreU32(outVA+4, uint32(clientFD)); e != kerr.OK {
		return e.Word()
	}

	return 0
}

// sysIPCRecv blocks until a client request lands in the caller's buffer.
func (k *Kernel) sysIPCRecv(t *Task, fd int, msgVA uint64) uint64 {
	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}
	if e.Kind != fdtab.ChanServer {
		return kerr.EBADF.Word()
	}

	as := t.p.AddrSpace()
	if !mem.ValidUserRange(msgVA, ipc.HeaderLen+ipc.MaxPayload) {
		return kerr.EFAULT.Word()
	}

	ch, err := k.channels.Get(e.Chan)
	if err != kerr.OK {
		return err.Word()
	}
	if ch.ServerPID != t.p.PID {
		return kerr.EBADF.Word()
	}

	delivered, _, err := ch.Recv(t.p.PID, as, msgVA)
	if err != kerr.OK {
		return err.Word()
	}
	if delivered {
		return 0
	}

	return k.sched.Block(t.p, proc.OpIPCRecv)
}

// sysIPCReply routes a reply to the in-flight client named by the frame's
// routing id.
func (k *Kernel) sysIPCReply(t *Task, fd int, msgVA uint64) uint64 {
	e, err := t.p.FDTable().Get(fd)
	if err != kerr.OK {
		return err.Word()
	}
	if e.Kind != fdtab.ChanServer {
		return kerr.EBADF.Word()
	}

	as := t.p.AddrSpace()
	msg, err := ipc.DecodeFrom(as, msgVA)
	if err != kerr.OK {
		return err.Word()
	}

	ch, err := k.channels.Get(e.Chan)
	if err != kerr.OK {
		return err.Word()
	}

	req, err := ch.Reply(msg.RID)
	if err != kerr.OK {
		return err.Word()
	}

	k.completeReply(req, msg)
	return 0
}
