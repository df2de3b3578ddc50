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

// Package ipc implements the synchronous message-passing substrate:
// fixed-size wire frames and the channel rendezvous between one server
// process and its clients.
package ipc

import (
	"encoding/binary"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
)

// MaxPayload is the fixed payload capacity of every frame.
const MaxPayload = 4096

// HeaderLen is the frame header: tag, routing id, payload length.
const HeaderLen = 12

// Message tags. Requests travel client to server; the two response tags
// travel back. The payload area is reused in both directions.
const (
	TOpen     uint32 = 1
	TRead     uint32 = 2
	TWrite    uint32 = 3
	TClose    uint32 = 4
	TStat     uint32 = 5
	TCtl      uint32 = 6
	TCreate   uint32 = 7
	TRemove   uint32 = 8
	TRename   uint32 = 9
	TTruncate uint32 = 10
	TWstat    uint32 = 11

	ROK    uint32 = 128
	RError uint32 = 129
)

// A Msg is one frame. RID is the routing identifier: on delivery to a
// server it carries the client's pid; a reply must echo it so the kernel
// can find the awaiting client. Kernel-backed channels use the same
// convention.
type Msg struct {
	Tag  uint32
	RID  uint32
	Data []byte
}

// EncodeTo writes the frame into user memory at va.
func (m *Msg) EncodeTo(as *mem.AddressSpace, va uint64) kerr.Errno {
	if len(m.Data) > MaxPayload {
		return kerr.EINVAL
	}

	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[0:], m.Tag)
	binary.LittleEndian.PutUint32(hdr[4:], m.RID)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(m.Data)))

	if e := as.CopyOut(va, hdr[:]); e != kerr.OK {
		return e
	}
	return as.CopyOut(va+HeaderLen, m.Data)
}

// DecodeFrom reads a frame from user memory at va.
func DecodeFrom(as *mem.AddressSpace, va uint64) (m Msg, e kerr.Errno) {
	var hdr [HeaderLen]byte
	if e = as.CopyIn(va, hdr[:]); e != kerr.OK {
		return
	}

	m.Tag = binary.LittleEndian.Uint32(hdr[0:])
	m.RID = binary.LittleEndian.Uint32(hdr[4:])
	n := binary.LittleEndian.Uint32(hdr[8:])
	if n > MaxPayload {
		e = kerr.EINVAL
		return
	}

	m.Data = make([]byte, n)
	e = as.CopyIn(va+HeaderLen, m.Data)
	return
}

// Stat is the fixed stat-response payload.
type Stat struct {
	Size     uint64
	FileType uint32
	Mtime    uint64
	Ctime    uint64
	Mode     uint32
	UID      uint16
	GID      uint16
}

// File types in Stat.FileType.
const (
	FileTypeRegular uint32 = 0
	FileTypeDir     uint32 = 1
)

// StatLen is the encoded size of Stat.
const StatLen = 36

func (s *Stat) Encode() (b []byte) {
	b = make([]byte, StatLen)
	binary.LittleEndian.PutUint64(b[0:], s.Size)
	binary.LittleEndian.PutUint32(b[8:], s.FileType)
	binary.LittleEndian.PutUint64(b[12:], s.Mtime)
	binary.LittleEndian.PutUint64(b[20:], s.Ctime)
	binary.LittleEndian.PutUint32(b[28:], s.Mode)
	binary.LittleEndian.PutUint16(b[32:], s.UID)
	binary.LittleEndian.PutUint16(b[34:], s.GID)
	return
}

func DecodeStat(b []byte) (s Stat, e kerr.Errno) {
	if len(b) < StatLen {
		e = kerr.EIO
		return
	}

	s.Size = binary.LittleEndian.Uint64(b[0:])
	s.FileType = binary.LittleEndian.Uint32(b[8:])
	s.Mtime = binary.LittleEndian.Uint64(b[12:])
	s.Ctime = binary.LittleEndian.Uint64(b[20:])
	s.Mode = binary.LittleEndian.Uint32(b[28:])
	s.UID = binary.LittleEndian.Uint16(b[32:])
	s.GID = binary.LittleEndian.Uint16(b[34:])
	return
}
