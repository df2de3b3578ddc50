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

package samples

import (
	"debug/elf"
	"encoding/binary"
)

// Segment layout of the images BuildImage produces.
const (
	ImageVaddr uint64 = 0x401000
	ImageBSS   uint64 = 64
)

// BuildImage synthesizes a minimal valid ELF64 executable whose single
// PT_LOAD segment contains payload, with ImageBSS zeroed bytes of memory
// beyond it. Spawn loads these for real; the program table supplies what
// the machine "executes".
func BuildImage(payload []byte) []byte {
	const (
		ehdrLen  = 64
		phdrLen  = 56
		segOff   = ehdrLen + phdrLen
	)

	img := make([]byte, segOff+len(payload))

	// e_ident
	copy(img, []byte{0x7f, 'E', 'L', 'F'})
	img[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	img[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	img[elf.EI_VERSION] = 1

	binary.LittleEndian.PutUint16(img[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(img[18:], uint16(elf.EM_X86_64))
	binary.LittleEndian.PutUint32(img[20:], 1)
	binary.LittleEndian.PutUint64(img[24:], ImageVaddr) // e_entry
	binary.LittleEndian.PutUint64(img[32:], ehdrLen)    // e_phoff
	binary.LittleEndian.PutUint16(img[52:], ehdrLen)    // e_ehsize
	binary.LittleEndian.PutUint16(img[54:], phdrLen)    // e_phentsize
	binary.LittleEndian.PutUint16(img[56:], 1)          // e_phnum

	ph := img[ehdrLen:]
	binary.LittleEndian.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
	binary.LittleEndian.PutUint64(ph[8:], segOff)     // p_offset
	binary.LittleEndian.PutUint64(ph[16:], ImageVaddr) // p_vaddr
	binary.LittleEndian.PutUint64(ph[24:], ImageVaddr) // p_paddr
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(ph[40:], uint64(len(payload))+ImageBSS)
	binary.LittleEndian.PutUint64(ph[48:], 0x1000) // p_align

	copy(img[segOff:], payload)
	return img
}
