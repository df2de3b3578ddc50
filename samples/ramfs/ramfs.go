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

// Package ramfs is a file server that stores data and metadata in memory,
// speaking the kernel's IPC wire format over a channel. It is the sample
// userland server the end-to-end suites mount and exercise.
package ramfs

import (
	"sort"
	"strings"

	"github.com/fornax-os/fornax"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/srvutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// Create a file server that stores data and metadata in memory.
func NewServer(clock timeutil.Clock) (s *Server) {
	s = &Server{
		clock: clock,
		root: &node{
			dir:      true,
			children: make(map[string]*node),
		},
		handles:    make(map[uint32]*node),
		nextHandle: 1,
	}

	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return
}

type node struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	dir bool

	/////////////////////////
	// Mutable state (GUARDED_BY the server mu)
	/////////////////////////

	// For directories, the children by name.
	children map[string]*node

	// For files, the current contents.
	contents []byte

	mode     uint32
	uid, gid uint16
	mtime    uint64
	ctime    uint64
}

type Server struct {
	srvutil.NotImplementedFileServer

	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The root directory.
	//
	// INVARIANT: root.dir
	root *node // GUARDED_BY(mu)

	// Open handles.
	//
	// INVARIANT: For all keys h, h > 0 and h < nextHandle
	handles    map[uint32]*node // GUARDED_BY(mu)
	nextHandle uint32           // GUARDED_BY(mu)
}

func (s *Server) checkInvariants() {
	if !s.root.dir {
		panic("ramfs: root is not a directory")
	}

	for h := range s.handles {
		if h == 0 || h >= s.nextHandle {
			panic("ramfs: handle out of range")
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// walk resolves a relative path ("" is the root) to a node.
func (s *Server) walk(path string) (n *node, err kerr.Errno) {
	n = s.root
	if path == "" {
		return
	}

	for _, seg := range strings.Split(path, "/") {
		if !n.dir {
			err = kerr.ENOENT
			return
		}
		child, ok := n.children[seg]
		if !ok {
			err = kerr.ENOENT
			return
		}
		n = child
	}

	return
}

// walkParent resolves the parent directory and leaf name of a path.
func (s *Server) walkParent(path string) (parent *node, leaf string, err kerr.Errno) {
	dir, leaf := "", path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dir, leaf = path[:i], path[i+1:]
	}
	if leaf == "" {
		err = kerr.EINVAL
		return
	}

	parent, err = s.walk(dir)
	if err == kerr.OK && !parent.dir {
		err = kerr.ENOENT
	}
	return
}

func (s *Server) issueHandle(n *node) uint32 {
	h := s.nextHandle
	s.nextHandle++
	s.handles[h] = n
	return h
}

func (s *Server) handleNode(h uint32) (n *node, err kerr.Errno) {
	n, ok := s.handles[h]
	if !ok {
		err = kerr.EBADF
	}
	return
}

// listing synthesizes directory content: child names, one per line, in
// sorted order.
func (n *node) listing() []byte {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func (s *Server) now() uint64 {
	return uint64(s.clock.Now().Unix())
}

////////////////////////////////////////////////////////////////////////
// FileServer methods
////////////////////////////////////////////////////////////////////////

func (s *Server) Open(op *ipc.OpenOp) (handle uint32, err kerr.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.walk(op.Path)
	if err != kerr.OK {
		return
	}

	handle = s.issueHandle(n)
	return
}

func (s *Server) Create(op *ipc.CreateOp) (handle uint32, err kerr.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, leaf, err := s.walkParent(op.Path)
	if err != kerr.OK {
		return
	}
	if _, exists := parent.children[leaf]; exists {
		err = kerr.EINVAL
		return
	}

	n := &node{
		dir:   op.Flags&ipc.OpenDir != 0,
		mode:  0644,
		mtime: s.now(),
		ctime: s.now(),
	}
	if n.dir {
		n.mode = 0755
		n.children = make(map[string]*node)
	}

	parent.children[leaf] = n
	parent.mtime = s.now()
	handle = s.issueHandle(n)
	return
}

func (s *Server) Read(op *ipc.ReadOp) (data []byte, err kerr.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.handleNode(op.Handle)
	if err != kerr.OK {
		return
	}

	contents := n.contents
	if n.dir {
		contents = n.listing()
	}

	if op.Offset >= uint64(len(contents)) {
		return
	}

	data = contents[op.Offset:]
	if uint32(len(data)) > op.Count {
		data = data[:op.Count]
	}
	return
}

func (s *Server) Write(op *ipc.WriteOp) (count uint32, err kerr.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.handleNode(op.Handle)
	if err != kerr.OK {
		return
	}
	if n.dir {
		err = kerr.EINVAL
		return
	}

	end := op.Offset + uint64(len(op.Data))
	if end > uint64(len(n.contents)) {
		grown := make([]byte, end)
		copy(grown, n.contents)
		n.contents = grown
	}

	copy(n.contents[op.Offset:], op.Data)
	n.mtime = s.now()
	count = uint32(len(op.Data))
	return
}

func (s *Server) CloseHandle(op *ipc.CloseOp) kerr.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handles[op.Handle]; !ok {
		return kerr.EBADF
	}

	delete(s.handles, op.Handle)
	return kerr.OK
}

func (s *Server) Stat(op *ipc.StatOp) (st ipc.Stat, err kerr.Errno) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.handleNode(op.Handle)
	if err != kerr.OK {
		return
	}

	st = ipc.Stat{
		Size:     uint64(len(n.contents)),
		FileType: ipc.FileTypeRegular,
		Mtime:    n.mtime,
		Ctime:    n.ctime,
		Mode:     n.mode,
		UID:      n.uid,
		GID:      n.gid,
	}
	if n.dir {
		st.FileType = ipc.FileTypeDir
		st.Size = uint64(len(n.listing()))
	}
	return
}

func (s *Server) Remove(op *ipc.RemoveOp) kerr.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	parent, leaf, err := s.walkParent(op.Path)
	if err != kerr.OK {
		return err
	}

	n, ok := parent.children[leaf]
	if !ok {
		return kerr.ENOENT
	}
	if n.dir && len(n.children) > 0 {
		return kerr.EINVAL
	}

	delete(parent.children, leaf)
	parent.mtime = s.now()
	return kerr.OK
}

func (s *Server) Rename(op *ipc.RenameOp) kerr.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldParent, oldLeaf, err := s.walkParent(op.Old)
	if err != kerr.OK {
		return err
	}
	n, ok := oldParent.children[oldLeaf]
	if !ok {
		return kerr.ENOENT
	}

	newParent, newLeaf, err := s.walkParent(op.New)
	if err != kerr.OK {
		return err
	}
	if _, exists := newParent.children[newLeaf]; exists {
		return kerr.EINVAL
	}

	delete(oldParent.children, oldLeaf)
	newParent.children[newLeaf] = n
	oldParent.mtime = s.now()
	newParent.mtime = s.now()
	return kerr.OK
}

func (s *Server) Truncate(op *ipc.TruncateOp) kerr.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.handleNode(op.Handle)
	if err != kerr.OK {
		return err
	}
	if n.dir {
		return kerr.EINVAL
	}

	if op.Size <= uint64(len(n.contents)) {
		n.contents = n.contents[:op.Size]
	} else {
		grown := make([]byte, op.Size)
		copy(grown, n.contents)
		n.contents = grown
	}

	n.mtime = s.now()
	return kerr.OK
}

func (s *Server) Wstat(op *ipc.WstatOp) kerr.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.handleNode(op.Handle)
	if err != kerr.OK {
		return err
	}

	// Mask bits: 1 mode, 2 uid, 4 gid.
	if op.Mask&1 != 0 {
		n.mode = op.Mode
	}
	if op.Mask&2 != 0 {
		n.uid = op.UID
	}
	if op.Mask&4 != 0 {
		n.gid = op.GID
	}

	n.ctime = s.now()
	return kerr.OK
}

////////////////////////////////////////////////////////////////////////
// Program entry
////////////////////////////////////////////////////////////////////////

// Main returns the program body for a ramfs server process that serves on
// the given fd until its channel dies.
func Main(serverFD int) func(t *fornax.Task) int {
	return func(t *fornax.Task) int {
		srvutil.Serve(t, serverFD, NewServer(t.Kernel().Clock()))
		return 0
	}
}
