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

// Package fornax is the kernel core of a Plan 9-flavored microkernel: the
// process and thread model with per-process namespaces, the synchronous
// message-passing substrate userland file servers ride on, the blocking
// and wakeup machinery behind both, and the in-kernel TCP/IP stack exposed
// as a /net file tree.
//
// The primary elements of interest are:
//
//  *  Boot, which builds a Kernel from a BootConfig: simulated physical
//     memory, CPU cores, the boot image, and the network link.
//
//  *  Task, the user-thread handle whose methods are the syscall surface
//     a user program consumes.
//
//  *  srvutil.FileServer, which a userland file server implements to be
//     mounted into a namespace over an IPC channel.
//
// User programs are Go functions run under the scheduler; everything they
// touch (memory, descriptors, paths, sockets) goes through the syscall
// dispatcher exactly as a binary's traps would.
package fornax
