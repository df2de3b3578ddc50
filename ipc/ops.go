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

package ipc

import (
	"bytes"
	"encoding/binary"

	"github.com/fornax-os/fornax/internal/kerr"
)

// Fixed payload layouts per tag. The kernel encodes requests on behalf of
// clients; servers decode them (srvutil does this for file servers) and
// encode responses.
//
// Requests:
//
//	TOpen      path bytes
//	TCreate    u32 flags, path bytes
//	TRead      u32 handle, u64 offset, u32 count
//	TWrite     u32 handle, u64 offset, data
//	TClose     u32 handle
//	TStat      u32 handle
//	TCtl       u32 handle, data
//	TRemove    path bytes
//	TRename    old path, NUL, new path
//	TTruncate  u32 handle, u64 size
//	TWstat     u32 handle, u32 mode, u16 uid, u16 gid, u32 mask
//
// Responses reuse the payload area:
//
//	ROK(TOpen/TCreate)  u32 handle
//	ROK(TRead)          raw bytes
//	ROK(TWrite)         u32 count
//	ROK(TStat)          Stat
//	ROK(others)         empty
//	RError              1 byte server-chosen errno, passed through opaque
//
// Create flags.
const (
	OpenDir    uint32 = 1 << 0
	OpenAppend uint32 = 1 << 1
)

func EncodeOpen(path string) []byte { return []byte(path) }

func EncodeCreate(flags uint32, path string) []byte {
	b := binary.LittleEndian.AppendUint32(nil, flags)
	return append(b, path...)
}

func EncodeRead(handle uint32, offset uint64, count uint32) []byte {
	b := binary.LittleEndian.AppendUint32(nil, handle)
	b = binary.LittleEndian.AppendUint64(b, offset)
	return binary.LittleEndian.AppendUint32(b, count)
}

func EncodeWrite(handle uint32, offset uint64, data []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, handle)
	b = binary.LittleEndian.AppendUint64(b, offset)
	return append(b, data...)
}

func EncodeHandle(handle uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, handle)
}

func EncodeCtl(handle uint32, data []byte) []byte {
	b := binary.LittleEndian.AppendUint32(nil, handle)
	return append(b, data...)
}

func EncodeRename(old, new string) []byte {
	b := append([]byte(old), 0)
	return append(b, new...)
}

func EncodeTruncate(handle uint32, size uint64) []byte {
	b := binary.LittleEndian.AppendUint32(nil, handle)
	return binary.LittleEndian.AppendUint64(b, size)
}

func EncodeWstat(handle uint32, mode uint32, uid, gid uint16, mask uint32) []byte {
	b := binary.LittleEndian.AppendUint32(nil, handle)
	b = binary.LittleEndian.AppendUint32(b, mode)
	b = binary.LittleEndian.AppendUint16(b, uid)
	b = binary.LittleEndian.AppendUint16(b, gid)
	return binary.LittleEndian.AppendUint32(b, mask)
}

////////////////////////////////////////////////////////////////////////
// Server-side decoding
////////////////////////////////////////////////////////////////////////

type OpenOp struct{ Path string }

type CreateOp struct {
	Flags uint32
	Path  string
}

type ReadOp struct {
	Handle uint32
	Offset uint64
	Count  uint32
}

type WriteOp struct {
	Handle uint32
	Offset uint64
	Data   []byte
}

type CloseOp struct{ Handle uint32 }

type StatOp struct{ Handle uint32 }

type CtlOp struct {
	Handle uint32
	Data   []byte
}

type RemoveOp struct{ Path string }

type RenameOp struct{ Old, New string }

type TruncateOp struct {
	Handle uint32
	Size   uint64
}

type WstatOp struct {
	Handle uint32
	Mode   uint32
	UID    uint16
	GID    uint16
	Mask   uint32
}

// DecodeOp parses a request frame into its typed op, returning nil and
// ENOSYS for unknown tags.
func DecodeOp(m *Msg) (op interface{}, e kerr.Errno) {
	d := m.Data
	switch m.Tag {
	case TOpen:
		op = &OpenOp{Path: string(d)}

	case TCreate:
		if len(d) < 4 {
			e = kerr.EINVAL
			return
		}
		op = &CreateOp{
			Flags: binary.LittleEndian.Uint32(d),
			Path:  string(d[4:]),
		}

	case TRead:
		if len(d) < 16 {
			e = kerr.EINVAL
			return
		}
		op = &ReadOp{
			Handle: binary.LittleEndian.Uint32(d),
			Offset: binary.LittleEndian.Uint64(d[4:]),
			Count:  binary.LittleEndian.Uint32(d[12:]),
		}

	case TWrite:
		if len(d) < 12 {
			e = kerr.EINVAL
			return
		}
		op = &WriteOp{
			Handle: binary.LittleEndian.Uint32(d),
			Offset: binary.LittleEndian.Uint64(d[4:]),
			Data:   d[12:],
		}

	case TClose:
		if len(d) < 4 {
			e = kerr.EINVAL
			return
		}
		op = &CloseOp{Handle: binary.LittleEndian.Uint32(d)}

	case TStat:
		if len(d) < 4 {
			e = kerr.EINVAL
			return
		}
		op = &StatOp{Handle: binary.LittleEndian.Uint32(d)}

	case TCtl:
		if len(d) < 4 {
			e = kerr.EINVAL
			return
		}
		op = &CtlOp{
			Handle: binary.LittleEndian.Uint32(d),
			Data:   d[4:],
		}

	case TRemove:
		op = &RemoveOp{Path: string(d)}

	case TRename:
		i := bytes.IndexByte(d, 0)
		if i < 0 {
			e = kerr.EINVAL
			return
		}
		op = &RenameOp{Old: string(d[:i]), New: string(d[i+1:])}

	case TTruncate:
		if len(d) < 12 {
			e = kerr.EINVAL
			return
		}
		op = &TruncateOp{
			Handle: binary.LittleEndian.Uint32(d),
			Size:   binary.LittleEndian.Uint64(d[4:]),
		}

	case TWstat:
		if len(d) < 16 {
			e = kerr.EINVAL
			return
		}
		op = &WstatOp{
			Handle: binary.LittleEndian.Uint32(d),
			Mode:   binary.LittleEndian.Uint32(d[4:]),
			UID:    binary.LittleEndian.Uint16(d[8:]),
			GID:    binary.LittleEndian.Uint16(d[10:]),
			Mask:   binary.LittleEndian.Uint32(d[12:]),
		}

	default:
		e = kerr.ENOSYS
	}

	return
}

// OkReply builds an ROK frame echoing the request's routing id.
func OkReply(req *Msg, data []byte) Msg {
	return Msg{Tag: ROK, RID: req.RID, Data: data}
}

// ErrReply builds an RError frame. The errno byte is the server's choice;
// the kernel passes it through without interpretation.
func ErrReply(req *Msg, errno kerr.Errno) Msg {
	return Msg{Tag: RError, RID: req.RID, Data: []byte{byte(errno)}}
}
