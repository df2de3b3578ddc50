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

package mem_test

import (
	"testing"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	. "github.com/jacobsa/ogletest"
)

func TestMem(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type MemTest struct {
	pmm    *mem.PMM
	kernel *mem.AddressSpace
	as     *mem.AddressSpace
}

func init() { RegisterTestSuite(&MemTest{}) }

func (t *MemTest) SetUp(ti *TestInfo) {
	t.pmm = mem.NewPMM(512)

	var err error
	t.kernel, err = mem.NewKernelSpace(t.pmm)
	AssertEq(nil, err)

	var e kerr.Errno
	t.as, e = mem.NewUserSpace(t.pmm, t.kernel)
	AssertEq(kerr.OK, e)
}

////////////////////////////////////////////////////////////////////////
// PMM
////////////////////////////////////////////////////////////////////////

func (t *MemTest) PMMCounts() {
	total := t.pmm.TotalPages()
	free := t.pmm.FreePages()

	f := t.pmm.Alloc()
	AssertNe(mem.NoFrame, f)
	ExpectEq(free-1, t.pmm.FreePages())
	ExpectEq(total, t.pmm.TotalPages())

	t.pmm.Free(f)
	ExpectEq(free, t.pmm.FreePages())
}

func (t *MemTest) PMMAllocZeroes() {
	f := t.pmm.Alloc()
	AssertNe(mem.NoFrame, f)

	b := t.pmm.FrameBytes(f)
	b[0] = 0xAA
	t.pmm.Free(f)

	g := t.pmm.Alloc()
	for g != f && g != mem.NoFrame {
		// Drain until the dirty frame comes back around.
		g = t.pmm.Alloc()
	}
	AssertEq(f, g)
	ExpectEq(0, t.pmm.FrameBytes(g)[0])
}

func (t *MemTest) PMMExhaustion() {
	for t.pmm.FreePages() > 0 {
		AssertNe(mem.NoFrame, t.pmm.Alloc())
	}
	ExpectEq(mem.NoFrame, t.pmm.Alloc())
}

////////////////////////////////////////////////////////////////////////
// Address spaces
////////////////////////////////////////////////////////////////////////

func (t *MemTest) MapTranslateUnmap() {
	const va = 0x400000

	AssertEq(kerr.OK, t.as.Map(va, mem.PteUser|mem.PteWritable))

	f, flags, ok := t.as.Translate(va)
	AssertTrue(ok)
	ExpectNe(mem.NoFrame, f)
	ExpectNe(0, flags&mem.PteUser)
	ExpectNe(0, flags&mem.PteWritable)
	ExpectEq(1, t.as.MappedPages())

	t.as.Unmap(va)
	_, _, ok = t.as.Translate(va)
	ExpectFalse(ok)
	ExpectEq(0, t.as.MappedPages())
}

func (t *MemTest) DoubleMapRejected() {
	const va = 0x400000

	AssertEq(kerr.OK, t.as.Map(va, mem.PteUser))
	ExpectEq(kerr.EINVAL, t.as.Map(va, mem.PteUser))
}

func (t *MemTest) CopyRoundTripAcrossPages() {
	const va = 0x400000 + mem.PageSize - 13

	AssertEq(kerr.OK, t.as.EnsureMapped(0x400000, 3*mem.PageSize, mem.PteUser|mem.PteWritable))

	src := make([]byte, 100)
	for i := range src {
		src[i] = byte(i * 7)
	}
	AssertEq(kerr.OK, t.as.CopyOut(va, src))

	dst := make([]byte, len(src))
	AssertEq(kerr.OK, t.as.CopyIn(va, dst))
	ExpectEq(string(src), string(dst))
}

func (t *MemTest) UnmappedAccessFaults() {
	var b [4]byte
	ExpectEq(kerr.EFAULT, t.as.CopyIn(0x500000, b[:]))
	ExpectEq(kerr.EFAULT, t.as.CopyOut(0x500000, b[:]))
}

func (t *MemTest) KernelHalfRejected() {
	var b [4]byte
	ExpectEq(kerr.EFAULT, t.as.CopyIn(0xFFFF_8000_0000_0000, b[:]))
	ExpectFalse(mem.ValidUserRange(mem.UserTop-4, 8))
	ExpectTrue(mem.ValidUserRange(mem.UserTop-8, 8))
}

func (t *MemTest) LoadStoreU32() {
	const va = 0x400000
	AssertEq(kerr.OK, t.as.Map(va, mem.PteUser|mem.PteWritable))

	AssertEq(kerr.OK, t.as.StoreU32(va+8, 0xdeadbeef))
	v, e := t.as.LoadU32(va + 8)
	AssertEq(kerr.OK, e)
	ExpectEq(0xdeadbeef, v)
}

func (t *MemTest) DeepCopyIsIndependent() {
	const va = 0x400000
	AssertEq(kerr.OK, t.as.Map(va, mem.PteUser|mem.PteWritable))
	AssertEq(kerr.OK, t.as.CopyOut(va, []byte("original")))

	clone, e := t.as.DeepCopy()
	AssertEq(kerr.OK, e)

	got := make([]byte, 8)
	AssertEq(kerr.OK, clone.CopyIn(va, got))
	ExpectEq("original", string(got))

	// Writes to the clone don't show through.
	AssertEq(kerr.OK, clone.CopyOut(va, []byte("mutated!")))
	AssertEq(kerr.OK, t.as.CopyIn(va, got))
	ExpectEq("original", string(got))

	ExpectNe(t.as.RootPhys(), clone.RootPhys())
	clone.Destroy()
}

func (t *MemTest) DestroyReturnsFrames() {
	free := t.pmm.FreePages()

	as, e := mem.NewUserSpace(t.pmm, t.kernel)
	AssertEq(kerr.OK, e)
	AssertEq(kerr.OK, as.EnsureMapped(0x400000, 8*mem.PageSize, mem.PteUser|mem.PteWritable))

	as.Destroy()
	ExpectEq(free, t.pmm.FreePages())
}
