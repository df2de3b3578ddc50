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

// Package ns implements per-process namespaces: bounded tables mapping
// path prefixes to channel ids. Kernel-internal trees (/net, /proc, ...)
// are recognized by the path resolver before this table is consulted and
// never appear in it.
package ns

import (
	"strings"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/jacobsa/syncutil"
)

// MaxMounts bounds the table size.
const MaxMounts = 32

// Mount flags.
const (
	// FlagBefore is accepted on bind for Plan 9 ABI compatibility. Fornax
	// namespaces hold one target per prefix, so ordering flags are recorded
	// but have no routing effect.
	FlagBefore = 1 << 0
)

type Entry struct {
	Prefix string
	Chan   int
	Flags  uint32
}

// A Namespace is a bounded mount table. Deep-copied on clone; the channel
// refcount adjustments that cloning and unmounting imply are done by the
// caller, which owns the channel registry.
type Namespace struct {
	mu syncutil.InvariantMutex

	// INVARIANT: Every Prefix is absolute, cleaned, and non-empty.
	// INVARIANT: No two entries share a Prefix.
	entries []Entry // GUARDED_BY(mu)
}

func New() (n *Namespace) {
	n = &Namespace{}
	n.mu = syncutil.NewInvariantMutex(n.checkInvariants)
	return
}

func (n *Namespace) checkInvariants() {
	seen := make(map[string]bool)
	for _, e := range n.entries {
		if e.Prefix == "" || e.Prefix[0] != '/' {
			panic("ns: entry with relative prefix")
		}
		if seen[e.Prefix] {
			panic("ns: duplicate prefix " + e.Prefix)
		}
		seen[e.Prefix] = true
	}
}

// Clean normalizes a path: it must be absolute; trailing slashes and empty
// segments are dropped.
func Clean(path string) (out string, err kerr.Errno) {
	if path == "" || path[0] != '/' {
		err = kerr.EINVAL
		return
	}

	segs := strings.Split(path, "/")
	kept := segs[:0]
	for _, s := range segs {
		if s != "" {
			kept = append(kept, s)
		}
	}

	out = "/" + strings.Join(kept, "/")
	return
}

// Mount adds an entry for prefix. Mounting over an existing prefix
// replaces it, returning the displaced channel id so the caller can drop
// its reference.
func (n *Namespace) Mount(prefix string, ch int, flags uint32) (displaced int, hadOld bool, err kerr.Errno) {
	prefix, err = Clean(prefix)
	if err != kerr.OK {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.entries {
		if n.entries[i].Prefix == prefix {
			displaced = n.entries[i].Chan
			hadOld = true
			n.entries[i].Chan = ch
			n.entries[i].Flags = flags
			return
		}
	}

	if len(n.entries) >= MaxMounts {
		err = kerr.ENOMEM
		return
	}

	n.entries = append(n.entries, Entry{Prefix: prefix, Chan: ch, Flags: flags})
	return
}

// Unmount removes the entry whose prefix matches exactly, returning its
// channel id.
func (n *Namespace) Unmount(prefix string) (ch int, err kerr.Errno) {
	prefix, err = Clean(prefix)
	if err != kerr.OK {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.entries {
		if n.entries[i].Prefix == prefix {
			ch = n.entries[i].Chan
			n.entries = append(n.entries[:i], n.entries[i+1:]...)
			return
		}
	}

	err = kerr.ENOENT
	return
}

// Resolve selects the entry with the longest segment-aware prefix match
// for path, returning its channel and the remainder to forward to the
// server. The remainder never has a leading slash; the whole-prefix match
// yields an empty remainder.
func (n *Namespace) Resolve(path string) (ch int, remainder string, ok bool) {
	path, err := Clean(path)
	if err != kerr.OK {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	best := -1
	for i, e := range n.entries {
		if !prefixMatch(e.Prefix, path) {
			continue
		}
		if best == -1 || len(e.Prefix) > len(n.entries[best].Prefix) {
			best = i
		}
	}

	if best == -1 {
		return
	}

	ch = n.entries[best].Chan
	remainder = strings.TrimPrefix(path[len(n.entries[best].Prefix):], "/")
	ok = true
	return
}

// prefixMatch is segment-aware: /foo matches /foo and /foo/bar, never
// /foobar. The root prefix "/" matches everything.
func prefixMatch(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

// Clone deep-copies the table.
func (n *Namespace) Clone() (c *Namespace) {
	n.mu.Lock()
	defer n.mu.Unlock()

	c = New()
	c.entries = append([]Entry(nil), n.entries...)
	return
}

// Entries returns a snapshot of the table.
func (n *Namespace) Entries() []Entry {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]Entry(nil), n.entries...)
}
