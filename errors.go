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

import "github.com/fornax-os/fornax/internal/kerr"

// Errno is the kernel error type. Syscalls encode these as the two's
// complement of the value, sign-extended into the 64-bit return word.
type Errno = kerr.Errno

// Errors corresponding to kernel error numbers. These may be returned by
// file servers and are surfaced to callers unchanged.
const (
	OK         = kerr.OK
	ENOSYS     = kerr.ENOSYS
	ENOENT     = kerr.ENOENT
	EIO        = kerr.EIO
	EBADF      = kerr.EBADF
	ENOMEM     = kerr.ENOMEM
	EFAULT     = kerr.EFAULT
	EINVAL     = kerr.EINVAL
	EMFILE     = kerr.EMFILE
	EAGAIN     = kerr.EAGAIN
	ECONNRESET = kerr.ECONNRESET
)
