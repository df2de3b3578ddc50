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

// Package srvutil helps userland programs serve a file tree over an IPC
// channel, avoiding a hand-written dispatch loop that switches on message
// tags.
package srvutil

import (
	"github.com/fornax-os/fornax"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
)

// An interface with a method for each request tag in the ipc package.
// Serve decodes each frame into its typed op and calls the matching
// method; the return values become the reply.
//
// See NotImplementedFileServer for a convenient way to embed default
// implementations for methods you don't care about.
type FileServer interface {
	Open(op *ipc.OpenOp) (handle uint32, err kerr.Errno)
	Create(op *ipc.CreateOp) (handle uint32, err kerr.Errno)
	Read(op *ipc.ReadOp) (data []byte, err kerr.Errno)
	Write(op *ipc.WriteOp) (n uint32, err kerr.Errno)
	CloseHandle(op *ipc.CloseOp) kerr.Errno
	Stat(op *ipc.StatOp) (st ipc.Stat, err kerr.Errno)
	Ctl(op *ipc.CtlOp) (resp []byte, err kerr.Errno)
	Remove(op *ipc.RemoveOp) kerr.Errno
	Rename(op *ipc.RenameOp) kerr.Errno
	Truncate(op *ipc.TruncateOp) kerr.Errno
	Wstat(op *ipc.WstatOp) kerr.Errno
}

// Serve pumps requests from a server fd through fs until the channel
// dies. It is the body of a file-server program's main loop.
func Serve(t *fornax.Task, serverFD int, fs FileServer) {
	for {
		req, err := t.IPCRecv(serverFD)
		if err != kerr.OK {
			return
		}

		reply := handle(fs, &req)
		if err := t.IPCReply(serverFD, reply); err != kerr.OK {
			return
		}
	}
}

func handle(fs FileServer, req *ipc.Msg) ipc.Msg {
	op, err := ipc.DecodeOp(req)
	if err != kerr.OK {
		return ipc.ErrReply(req, err)
	}

	switch op := op.(type) {
	case *ipc.OpenOp:
		h, err := fs.Open(op)
		if err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, ipc.EncodeHandle(h))

	case *ipc.CreateOp:
		h, err := fs.Create(op)
		if err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, ipc.EncodeHandle(h))

	case *ipc.ReadOp:
		data, err := fs.Read(op)
		if err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, data)

	case *ipc.WriteOp:
		n, err := fs.Write(op)
		if err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, ipc.EncodeHandle(n))

	case *ipc.CloseOp:
		if err := fs.CloseHandle(op); err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, nil)

	case *ipc.StatOp:
		st, err := fs.Stat(op)
		if err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, st.Encode())

	case *ipc.CtlOp:
		resp, err := fs.Ctl(op)
		if err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, resp)

	case *ipc.RemoveOp:
		if err := fs.Remove(op); err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, nil)

	case *ipc.RenameOp:
		if err := fs.Rename(op); err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, nil)

	case *ipc.TruncateOp:
		if err := fs.Truncate(op); err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, nil)

	case *ipc.WstatOp:
		if err := fs.Wstat(op); err != kerr.OK {
			return ipc.ErrReply(req, err)
		}
		return ipc.OkReply(req, nil)
	}

	return ipc.ErrReply(req, kerr.ENOSYS)
}
