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

// Package kerr defines the kernel's errno surface. Every syscall returns a
// single unsigned 64-bit word; failures are the two's complement of one of
// the values below, sign-extended from 32 bits.
package kerr

import "fmt"

type Errno int32

const (
	OK Errno = 0

	ENOSYS     Errno = 1
	ENOENT     Errno = 2
	EIO        Errno = 3
	EBADF      Errno = 4
	ENOMEM     Errno = 5
	EFAULT     Errno = 6
	EINVAL     Errno = 7
	EMFILE     Errno = 8
	EAGAIN     Errno = 9
	ECONNRESET Errno = 10
)

var names = map[Errno]string{
	OK:         "OK",
	ENOSYS:     "ENOSYS",
	ENOENT:     "ENOENT",
	EIO:        "EIO",
	EBADF:      "EBADF",
	ENOMEM:     "ENOMEM",
	EFAULT:     "EFAULT",
	EINVAL:     "EINVAL",
	EMFILE:     "EMFILE",
	EAGAIN:     "EAGAIN",
	ECONNRESET: "ECONNRESET",
}

func (e Errno) Error() string {
	if s, ok := names[e]; ok {
		return s
	}

	return fmt.Sprintf("errno(%d)", int32(e))
}

// Word returns the syscall return word for e: zero for OK, otherwise the
// two's complement of the errno value sign-extended to 64 bits.
func (e Errno) Word() uint64 {
	if e == OK {
		return 0
	}

	return uint64(int64(-int32(e)))
}

// FromWord decodes a syscall return word. The second return value is OK if
// the word is a success encoding, in which case the first return value is
// the word itself.
func FromWord(w uint64) (uint64, Errno) {
	v := int64(w)
	if v < 0 && v >= -32 {
		return 0, Errno(-v)
	}

	return w, OK
}

// IsError tells whether a syscall return word encodes an errno.
func IsError(w uint64) bool {
	_, e := FromWord(w)
	return e != OK
}
