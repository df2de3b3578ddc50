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

// Package klog implements the kernel log: a bounded byte ring fed by a
// logrus logger and read back with explicit byte offsets by the klog
// syscall and the klog virtual file.
package klog

import (
	"github.com/jacobsa/syncutil"
	"github.com/sirupsen/logrus"
)

// DefaultSize is the ring capacity used by Boot when the config doesn't
// override it.
const DefaultSize = 64 * 1024

type Ring struct {
	mu syncutil.InvariantMutex

	// The ring storage. Byte i of the log, for i in [start, start+count),
	// lives at buf[i % len(buf)].
	//
	// INVARIANT: count <= len(buf)
	buf   []byte
	start uint64 // GUARDED_BY(mu)
	count int    // GUARDED_BY(mu)
}

func NewRing(size int) (r *Ring) {
	r = &Ring{
		buf: make([]byte, size),
	}

	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return
}

func (r *Ring) checkInvariants() {
	if r.count > len(r.buf) {
		panic("klog: count exceeds capacity")
	}
}

// Write appends p to the log, discarding the oldest bytes if the ring is
// full. It never fails; it exists so the ring can serve as a logrus sink.
func (r *Ring) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n = len(p)

	// A write larger than the ring keeps only its tail.
	if len(p) > len(r.buf) {
		dropped := len(p) - len(r.buf)
		r.start += uint64(r.count + dropped)
		r.count = 0
		p = p[dropped:]
	}

	// Make room.
	if over := r.count + len(p) - len(r.buf); over > 0 {
		r.start += uint64(over)
		r.count -= over
	}

	for i, b := range p {
		r.buf[(r.start+uint64(r.count+i))%uint64(len(r.buf))] = b
	}
	r.count += len(p)

	return
}

// ReadAt copies log bytes starting at absolute offset off into dst,
// returning how many were copied. Offsets older than the ring's retained
// window are clamped forward to the oldest retained byte; offsets at or
// past the end return zero.
func (r *Ring) ReadAt(off uint64, dst []byte) (n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	end := r.start + uint64(r.count)
	if off >= end {
		return
	}
	if off < r.start {
		off = r.start
	}

	for n < len(dst) && off+uint64(n) < end {
		dst[n] = r.buf[(off+uint64(n))%uint64(len(r.buf))]
		n++
	}

	return
}

// End returns the absolute offset one past the newest byte.
func (r *Ring) End() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.start + uint64(r.count)
}

// NewLogger returns a logrus logger whose output is the ring. Formatting is
// kept plain so the log reads well as a byte stream.
func NewLogger(r *Ring, level logrus.Level) (l *logrus.Logger) {
	l = logrus.New()
	l.SetOutput(r)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: true,
	})

	return
}
