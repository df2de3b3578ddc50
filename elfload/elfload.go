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

// Package elfload validates ELF64 images and maps their PT_LOAD segments
// into a target address space, plus the user stack and argv-block
// preparation that spawn and exec share.
package elfload

import (
	"debug/elf"
	"encoding/binary"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
)

// MaxImageSize bounds accepted ELF images.
const MaxImageSize = 4 << 20

const (
	ehdrLen = 64
	phdrLen = 56
)

// User stack layout. The stack occupies [UserStackTop-StackSize,
// UserStackTop); the argv block lives in the page just below the stack
// top, and the initial stack pointer starts below it.
const (
	UserStackTop uint64 = 0x0000_7FFF_FFFF_F000
	StackSize    uint64 = 16 * mem.PageSize

	// ArgvBase is the fixed user-visible address of the argv block.
	ArgvBase uint64 = UserStackTop - mem.PageSize

	// InitialRSP is where a fresh image starts executing its stack.
	InitialRSP uint64 = ArgvBase
)

// Load maps every PT_LOAD segment of image into as, with Read+User
// always, Write and Execute per segment flags, and bytes beyond p_filesz
// zeroed up to p_memsz. Returns the entry point.
func Load(as *mem.AddressSpace, image []byte) (entry uint64, e kerr.Errno) {
	if len(image) > MaxImageSize || len(image) < ehdrLen {
		e = kerr.EINVAL
		return
	}

	if image[0] != 0x7f || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		e = kerr.EINVAL
		return
	}
	if elf.Class(image[elf.EI_CLASS]) != elf.ELFCLASS64 ||
		elf.Data(image[elf.EI_DATA]) != elf.ELFDATA2LSB {
		e = kerr.EINVAL
		return
	}
	if elf.Type(binary.LittleEndian.Uint16(image[16:])) != elf.ET_EXEC ||
		elf.Machine(binary.LittleEndian.Uint16(image[18:])) != elf.EM_X86_64 {
		e = kerr.EINVAL
		return
	}

	entry = binary.LittleEndian.Uint64(image[24:])
	phoff := binary.LittleEndian.Uint64(image[32:])
	phnum := int(binary.LittleEndian.Uint16(image[56:]))

	if entry == 0 {
		e = kerr.EINVAL
		return
	}

	for i := 0; i < phnum; i++ {
		off := phoff + uint64(i)*phdrLen
		if off+phdrLen > uint64(len(image)) {
			e = kerr.EINVAL
			return
		}
		ph := image[off : off+phdrLen]

		if elf.ProgType(binary.LittleEndian.Uint32(ph)) != elf.PT_LOAD {
			continue
		}

		flags := elf.ProgFlag(binary.LittleEndian.Uint32(ph[4:]))
		fileOff := binary.LittleEndian.Uint64(ph[8:])
		vaddr := binary.LittleEndian.Uint64(ph[16:])
		filesz := binary.LittleEndian.Uint64(ph[32:])
		memsz := binary.LittleEndian.Uint64(ph[40:])

		if filesz > memsz || fileOff+filesz > uint64(len(image)) {
			e = kerr.EINVAL
			return
		}
		if !mem.ValidUserRange(vaddr, memsz) {
			e = kerr.EINVAL
			return
		}
		if memsz == 0 {
			continue
		}

		pte := mem.PteUser
		if flags&elf.PF_W != 0 {
			pte |= mem.PteWritable
		}
		if flags&elf.PF_X == 0 {
			pte |= mem.PteNoExec
		}

		if e = as.EnsureMapped(vaddr, memsz, pte); e != kerr.OK {
			return
		}
		if e = as.CopyOut(vaddr, image[fileOff:fileOff+filesz]); e != kerr.OK {
			return
		}

		// Zero [filesz, memsz). Fresh frames come zeroed, but a segment
		// can share a partially used page with its neighbor.
		if memsz > filesz {
			if e = zeroRange(as, vaddr+filesz, memsz-filesz); e != kerr.OK {
				return
			}
		}
	}

	return
}

func zeroRange(as *mem.AddressSpace, va, n uint64) kerr.Errno {
	var zeros [mem.PageSize]byte
	for n > 0 {
		chunk := n
		if chunk > mem.PageSize {
			chunk = mem.PageSize
		}
		if e := as.CopyOut(va, zeros[:chunk]); e != kerr.OK {
			return e
		}
		va += chunk
		n -= chunk
	}
	return kerr.OK
}

// SetupUserStack maps the stack region (argv page included) and returns
// the initial stack pointer.
func SetupUserStack(as *mem.AddressSpace) (rsp uint64, e kerr.Errno) {
	if e = as.EnsureMapped(UserStackTop-StackSize, StackSize,
		mem.PteUser|mem.PteWritable|mem.PteNoExec); e != kerr.OK {
		return
	}

	rsp = InitialRSP
	return
}

////////////////////////////////////////////////////////////////////////
// Argv block
////////////////////////////////////////////////////////////////////////

// EncodeArgv builds the wire argv block: u32 argc, u32 total_bytes, then
// argc NUL-terminated strings concatenated.
func EncodeArgv(argv []string) (b []byte) {
	var strs []byte
	for _, a := range argv {
		strs = append(strs, a...)
		strs = append(strs, 0)
	}

	b = binary.LittleEndian.AppendUint32(nil, uint32(len(argv)))
	b = binary.LittleEndian.AppendUint32(b, uint32(len(strs)))
	return append(b, strs...)
}

// DecodeArgv parses an argv block.
func DecodeArgv(b []byte) (argv []string, e kerr.Errno) {
	if len(b) < 8 {
		e = kerr.EINVAL
		return
	}

	argc := binary.LittleEndian.Uint32(b)
	total := binary.LittleEndian.Uint32(b[4:])
	if uint64(8)+uint64(total) > uint64(len(b)) {
		e = kerr.EINVAL
		return
	}

	strs := b[8 : 8+total]
	for i := uint32(0); i < argc; i++ {
		j := 0
		for j < len(strs) && strs[j] != 0 {
			j++
		}
		if j == len(strs) {
			e = kerr.EINVAL
			return
		}
		argv = append(argv, string(strs[:j]))
		strs = strs[j+1:]
	}

	return
}

// WriteArgvBlock copies an encoded argv block to the fixed user address.
// The block must fit in its page.
func WriteArgvBlock(as *mem.AddressSpace, block []byte) kerr.Errno {
	if len(block) > mem.PageSize {
		return kerr.EINVAL
	}

	return as.CopyOut(ArgvBase, block)
}
