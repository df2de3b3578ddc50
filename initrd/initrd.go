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

// Package initrd reads and writes the flat boot image format mounted
// read-only at /boot.
//
// Layout: the 8-byte magic "FXINITRD"; a little-endian u32 entry count;
// then count records of 72 bytes each (64-byte NUL-padded name, u32 offset
// from the start of the image, u32 size); then file data. An empty image is
// a valid 12-byte prefix.
package initrd

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Magic = "FXINITRD"

	nameLen   = 64
	entryLen  = nameLen + 4 + 4
	headerLen = len(Magic) + 4
)

var ErrBadImage = errors.New("initrd: malformed image")

// A File is one packed entry.
type File struct {
	Name string
	Data []byte
}

// An Image is a parsed initrd. Lookups return slices into the original
// image bytes; the image is immutable once parsed.
type Image struct {
	raw    []byte
	files  []File
	byName map[string][]byte
}

// Parse validates an image and indexes its entries.
func Parse(raw []byte) (img *Image, err error) {
	if len(raw) < headerLen || string(raw[:len(Magic)]) != Magic {
		err = ErrBadImage
		return
	}

	count := binary.LittleEndian.Uint32(raw[len(Magic):])
	tableEnd := headerLen + int(count)*entryLen
	if tableEnd > len(raw) {
		err = fmt.Errorf("%w: truncated entry table", ErrBadImage)
		return
	}

	img = &Image{
		raw:    raw,
		byName: make(map[string][]byte),
	}

	for i := 0; i < int(count); i++ {
		rec := raw[headerLen+i*entryLen:]
		name := cString(rec[:nameLen])
		off := binary.LittleEndian.Uint32(rec[nameLen:])
		size := binary.LittleEndian.Uint32(rec[nameLen+4:])

		if uint64(off)+uint64(size) > uint64(len(raw)) {
			img = nil
			err = fmt.Errorf("%w: entry %q out of bounds", ErrBadImage, name)
			return
		}

		data := raw[off : uint64(off)+uint64(size)]
		img.files = append(img.files, File{Name: name, Data: data})
		img.byName[name] = data
	}

	return
}

// Lookup returns the contents of the named file.
func (img *Image) Lookup(name string) (data []byte, ok bool) {
	data, ok = img.byName[name]
	return
}

// Files lists the packed entries in image order.
func (img *Image) Files() []File {
	return img.files
}

// Build packs files into image bytes. Names longer than the fixed name
// field are rejected.
func Build(files []File) (raw []byte, err error) {
	raw = append(raw, Magic...)
	raw = binary.LittleEndian.AppendUint32(raw, uint32(len(files)))

	dataOff := headerLen + len(files)*entryLen
	for _, f := range files {
		if len(f.Name) >= nameLen {
			raw = nil
			err = fmt.Errorf("initrd: name %q too long", f.Name)
			return
		}

		var name [nameLen]byte
		copy(name[:], f.Name)
		raw = append(raw, name[:]...)
		raw = binary.LittleEndian.AppendUint32(raw, uint32(dataOff))
		raw = binary.LittleEndian.AppendUint32(raw, uint32(len(f.Data)))
		dataOff += len(f.Data)
	}

	for _, f := range files {
		raw = append(raw, f.Data...)
	}

	return
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
