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

package srvutil

import (
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
)

// Embed this within your file server to inherit default implementations
// that answer ENOSYS for all methods you don't override.
type NotImplementedFileServer struct{}

var _ FileServer = NotImplementedFileServer{}

func (NotImplementedFileServer) Open(*ipc.OpenOp) (uint32, kerr.Errno) {
	return 0, kerr.ENOSYS
}

func (NotImplementedFileServer) Create(*ipc.CreateOp) (uint32, kerr.Errno) {
	return 0, kerr.ENOSYS
}

func (NotImplementedFileServer) Read(*ipc.ReadOp) ([]byte, kerr.Errno) {
	return nil, kerr.ENOSYS
}

func (NotImplementedFileServer) Write(*ipc.WriteOp) (uint32, kerr.Errno) {
	return 0, kerr.ENOSYS
}

func (NotImplementedFileServer) CloseHandle(*ipc.CloseOp) kerr.Errno {
	return kerr.ENOSYS
}

func (NotImplementedFileServer) Stat(*ipc.StatOp) (ipc.Stat, kerr.Errno) {
	return ipc.Stat{}, kerr.ENOSYS
}

func (NotImplementedFileServer) Ctl(*ipc.CtlOp) ([]byte, kerr.Errno) {
	return nil, kerr.ENOSYS
}

func (NotImplementedFileServer) Remove(*ipc.RemoveOp) kerr.Errno {
	return kerr.ENOSYS
}

func (NotImplementedFileServer) Rename(*ipc.RenameOp) kerr.Errno {
	return kerr.ENOSYS
}

func (NotImplementedFileServer) Truncate(*ipc.TruncateOp) kerr.Errno {
	return kerr.ENOSYS
}

func (NotImplementedFileServer) Wstat(*ipc.WstatOp) kerr.Errno {
	return kerr.ENOSYS
}
