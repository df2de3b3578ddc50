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

package pipe_test

import (
	"testing"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/fornax-os/fornax/pipe"
	. "github.com/jacobsa/ogletest"
)

func TestPipe(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const bufVA = 0x400000

type PipeTest struct {
	reg *pipe.Registry
	pp  *pipe.Pipe
	as  *mem.AddressSpace
}

func init() { RegisterTestSuite(&PipeTest{}) }

func (t *PipeTest) SetUp(ti *TestInfo) {
	pmm := mem.NewPMM(256)

	kernel, err := mem.NewKernelSpace(pmm)
	AssertEq(nil, err)

	var e kerr.Errno
	t.as, e = mem.NewUserSpace(pmm, kernel)
	AssertEq(kerr.OK, e)
	AssertEq(kerr.OK, t.as.EnsureMapped(bufVA, 4*mem.PageSize, mem.PteUser|mem.PteWritable))

	t.reg = pipe.NewRegistry()
	t.pp, e = t.reg.Alloc()
	AssertEq(kerr.OK, e)
}

// stage puts data in user memory and returns its address.
func (t *PipeTest) stage(data []byte) uint64 {
	AssertEq(kerr.OK, t.as.CopyOut(bufVA, data))
	return bufVA
}

func (t *PipeTest) readBack(va uint64, n int) []byte {
	out := make([]byte, n)
	AssertEq(kerr.OK, t.as.CopyIn(va, out))
	return out
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *PipeTest) WriteThenReadRoundTrip() {
	payload := []byte("hello, pipe")
	va := t.stage(payload)

	n, broken, blocked, _ := t.pp.Write(t.as, va, payload, 1)
	AssertFalse(broken)
	AssertFalse(blocked)
	AssertEq(len(payload), n)

	dstVA := uint64(bufVA + mem.PageSize)
	got, eof, blocked, _ := t.pp.Read(t.as, dstVA, 64, 2)
	AssertFalse(eof)
	AssertFalse(blocked)
	AssertEq(len(payload), got)
	ExpectEq(string(payload), string(t.readBack(dstVA, got)))
}

func (t *PipeTest) ReadOnEmptyBlocks() {
	_, eof, blocked, _ := t.pp.Read(t.as, bufVA, 16, 1)
	ExpectFalse(eof)
	ExpectTrue(blocked)
}

func (t *PipeTest) FullRingWriteDoesNotBlock() {
	payload := make([]byte, pipe.RingSize)
	va := t.stage(payload)

	n, _, blocked, _ := t.pp.Write(t.as, va, payload, 1)
	ExpectEq(pipe.RingSize, n)
	ExpectFalse(blocked)
}

func (t *PipeTest) OverfullWriteBlocksAfterRing() {
	payload := make([]byte, pipe.RingSize+1)
	for i := range payload {
		payload[i] = byte(i)
	}
	va := t.stage(payload)

	n, _, blocked, _ := t.pp.Write(t.as, va, payload, 1)
	ExpectEq(pipe.RingSize, n)
	AssertTrue(blocked)

	// Draining the ring completes the parked writer with the full count.
	dstVA := uint64(bufVA + 2*mem.PageSize)
	got, _, _, wakeups := t.pp.Read(t.as, dstVA, pipe.RingSize, 2)
	AssertEq(pipe.RingSize, got)
	AssertEq(1, len(wakeups))
	ExpectEq(1, wakeups[0].PID)
	ExpectEq(pipe.RingSize+1, wakeups[0].Ret)

	// The final byte is now in the ring.
	got, _, _, _ = t.pp.Read(t.as, dstVA, 16, 2)
	AssertEq(1, got)
	ringSize := pipe.RingSize
	ExpectEq(byte(ringSize), t.readBack(dstVA, 1)[0])
}

func (t *PipeTest) BlockedReaderCompletedByWriter() {
	dstVA := uint64(bufVA + mem.PageSize)
	_, _, blocked, _ := t.pp.Read(t.as, dstVA, 16, 7)
	AssertTrue(blocked)

	payload := []byte("wake up")
	va := t.stage(payload)
	n, _, _, wakeups := t.pp.Write(t.as, va, payload, 8)
	AssertEq(len(payload), n)
	AssertEq(1, len(wakeups))
	ExpectEq(7, wakeups[0].PID)
	ExpectEq(uint64(len(payload)), wakeups[0].Ret)
	ExpectEq(string(payload), string(t.readBack(dstVA, len(payload))))
}

func (t *PipeTest) EOFOnLastWriterGone() {
	payload := []byte("tail")
	va := t.stage(payload)
	t.pp.Write(t.as, va, payload, 1)

	wakeups := t.pp.Release(t.reg, true)
	AssertEq(0, len(wakeups))

	// Remaining bytes still readable, then EOF.
	dstVA := uint64(bufVA + mem.PageSize)
	got, eof, blocked, _ := t.pp.Read(t.as, dstVA, 64, 2)
	AssertFalse(eof)
	AssertFalse(blocked)
	ExpectEq(len(payload), got)

	_, eof, blocked, _ = t.pp.Read(t.as, dstVA, 64, 2)
	ExpectTrue(eof)
	ExpectFalse(blocked)
}

func (t *PipeTest) BlockedReaderWokenOnWriterClose() {
	_, _, blocked, _ := t.pp.Read(t.as, bufVA, 16, 5)
	AssertTrue(blocked)

	wakeups := t.pp.Release(t.reg, true)
	AssertEq(1, len(wakeups))
	ExpectEq(5, wakeups[0].PID)
	ExpectEq(0, wakeups[0].Ret)
}

func (t *PipeTest) BrokenPipe() {
	t.pp.Release(t.reg, false)

	payload := []byte("nobody listening")
	va := t.stage(payload)
	_, broken, _, _ := t.pp.Write(t.as, va, payload, 1)
	ExpectTrue(broken)
}

func (t *PipeTest) FreedWhenBothEndsGone() {
	id := t.pp.ID()
	t.pp.Release(t.reg, false)
	t.pp.Release(t.reg, true)

	_, err := t.reg.Get(id)
	ExpectEq(kerr.EBADF, err)
}

func (t *PipeTest) RefcountsTracked() {
	t.pp.Retain(false)
	t.pp.Retain(true)

	r, w := t.pp.Refs()
	ExpectEq(2, r)
	ExpectEq(2, w)
}
