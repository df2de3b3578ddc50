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

package fdtab_test

import (
	"testing"

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	. "github.com/jacobsa/ogletest"
)

func TestFDTab(t *testing.T) { RunTests(t) }

type FDTabTest struct {
	tab *fdtab.Table
}

func init() { RegisterTestSuite(&FDTabTest{}) }

func (t *FDTabTest) SetUp(ti *TestInfo) {
	t.tab = fdtab.NewTable()
}

func (t *FDTabTest) LowestFreeIndex() {
	a, err := t.tab.Install(&fdtab.Entry{Kind: fdtab.PipeRead})
	AssertEq(kerr.OK, err)
	b, err := t.tab.Install(&fdtab.Entry{Kind: fdtab.PipeWrite})
	AssertEq(kerr.OK, err)
	ExpectEq(0, a)
	ExpectEq(1, b)

	_, _, err = t.tab.Remove(0)
	AssertEq(kerr.OK, err)

	c, err := t.tab.Install(&fdtab.Entry{Kind: fdtab.Virtual})
	AssertEq(kerr.OK, err)
	ExpectEq(0, c)
}

func (t *FDTabTest) DupSharesEntryAndOffset() {
	fd, err := t.tab.Install(&fdtab.Entry{Kind: fdtab.ChanClient, Opened: true})
	AssertEq(kerr.OK, err)

	dup, err := t.tab.Dup(fd)
	AssertEq(kerr.OK, err)

	e1, _ := t.tab.Get(fd)
	e2, _ := t.tab.Get(dup)
	AssertTrue(e1 == e2)
	ExpectEq(2, e1.Refs)

	e1.Off = 99
	ExpectEq(99, e2.Off)

	_, last, err := t.tab.Remove(fd)
	AssertEq(kerr.OK, err)
	ExpectFalse(last)

	_, last, err = t.tab.Remove(dup)
	AssertEq(kerr.OK, err)
	ExpectTrue(last)
}

func (t *FDTabTest) CloneAliasesEntries() {
	fd, err := t.tab.Install(&fdtab.Entry{Kind: fdtab.PipeRead, Pipe: 3})
	AssertEq(kerr.OK, err)

	c := t.tab.Clone()

	e, err := c.Get(fd)
	AssertEq(kerr.OK, err)
	ExpectEq(3, e.Pipe)
	ExpectEq(2, e.Refs)

	// Removing from the clone doesn't perturb the original table.
	_, last, err := c.Remove(fd)
	AssertEq(kerr.OK, err)
	ExpectFalse(last)

	_, err = t.tab.Get(fd)
	ExpectEq(kerr.OK, err)
}

func (t *FDTabTest) InstallAtRejectsOccupied() {
	AssertEq(kerr.OK, t.tab.InstallAt(3, &fdtab.Entry{Kind: fdtab.Virtual}))
	ExpectEq(kerr.EINVAL, t.tab.InstallAt(3, &fdtab.Entry{Kind: fdtab.Virtual}))
	ExpectEq(kerr.EBADF, t.tab.InstallAt(-1, &fdtab.Entry{}))
	ExpectEq(kerr.EBADF, t.tab.InstallAt(fdtab.MaxFDs, &fdtab.Entry{}))
}

func (t *FDTabTest) BadFDs() {
	_, err := t.tab.Get(0)
	ExpectEq(kerr.EBADF, err)
	_, err = t.tab.Get(-1)
	ExpectEq(kerr.EBADF, err)
	_, _, err = t.tab.Remove(7)
	ExpectEq(kerr.EBADF, err)
}

func (t *FDTabTest) TableFullEMFILE() {
	for i := 0; i < fdtab.MaxFDs; i++ {
		_, err := t.tab.Install(&fdtab.Entry{Kind: fdtab.Virtual})
		AssertEq(kerr.OK, err)
	}

	_, err := t.tab.Install(&fdtab.Entry{Kind: fdtab.Virtual})
	ExpectEq(kerr.EMFILE, err)
}
