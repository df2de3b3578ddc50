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

package ramfs_test

import (
	"testing"

	"github.com/fornax-os/fornax"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/samples"
	"github.com/fornax-os/fornax/samples/ramfs"
	. "github.com/jacobsa/ogletest"
)

func TestRamFS(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type RamFSTest struct {
	samples.SampleTest
}

func init() { RegisterTestSuite(&RamFSTest{}) }

func (t *RamFSTest) SetUp(ti *TestInfo) {
	t.Config.Programs = map[string]fornax.Program{
		"ramfs": ramfs.Main(3),

		// Verifies the namespace snapshot taken at spawn: the inherited
		// mount resolves, a mount made later in the parent doesn't.
		"nschild": func(task *fornax.Task) int {
			fd, err := task.Open("/tmp/exists")
			if err != fornax.OK {
				return 1
			}
			task.Close(fd)

			if _, err := task.Open("/later/x"); err != fornax.ENOENT {
				return 2
			}
			return 0
		},
	}

	t.SampleTest.SetUp(ti)
}

// withMounted runs body in a process that has a ramfs server mounted at
// /tmp, served by a spawned child.
func (t *RamFSTest) withMounted(body func(task *fornax.Task)) {
	status := samples.Run(t.Kernel, func(task *fornax.Task) int {
		serverFD, clientFD, err := task.IPCPair()
		AssertEq(fornax.OK, err)

		img := samples.BuildImage([]byte("ramfs server"))
		_, err = task.Spawn(img,
			[]fornax.FDMapping{{Child: 3, Parent: serverFD}}, []string{"ramfs"})
		AssertEq(fornax.OK, err)

		AssertEq(fornax.OK, task.Mount(clientFD, "/tmp", 0))
		AssertEq(fornax.OK, task.Close(serverFD))

		body(task)
		return 0
	})
	AssertEq(0, status)
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *RamFSTest) CreateWriteReadBack() {
	t.withMounted(func(task *fornax.Task) {
		fd, err := task.Create("/tmp/greeting", 0)
		AssertEq(fornax.OK, err)

		n, err := task.WriteString(fd, "taco burrito")
		AssertEq(fornax.OK, err)
		AssertEq(12, n)
		AssertEq(fornax.OK, task.Close(fd))

		fd, err = task.Open("/tmp/greeting")
		AssertEq(fornax.OK, err)
		text, err := task.ReadString(fd, 64)
		AssertEq(fornax.OK, err)
		ExpectEq("taco burrito", text)

		// Reading again continues from the offset: EOF.
		text, err = task.ReadString(fd, 64)
		AssertEq(fornax.OK, err)
		ExpectEq("", text)
	})
}

func (t *RamFSTest) CreateThenStatMatchesType() {
	t.withMounted(func(task *fornax.Task) {
		fd, err := task.Create("/tmp/file", 0)
		AssertEq(fornax.OK, err)
		st, err := task.Stat(fd)
		AssertEq(fornax.OK, err)
		ExpectEq(ipc.FileTypeRegular, st.FileType)

		dirFD, err := task.Create("/tmp/dir", ipc.OpenDir)
		AssertEq(fornax.OK, err)
		st, err = task.Stat(dirFD)
		AssertEq(fornax.OK, err)
		ExpectEq(ipc.FileTypeDir, st.FileType)
	})
}

func (t *RamFSTest) StatReportsSizeAndTimes() {
	t.withMounted(func(task *fornax.Task) {
		fd, err := task.Create("/tmp/f", 0)
		AssertEq(fornax.OK, err)
		task.WriteString(fd, "123456789")

		st, err := task.Stat(fd)
		AssertEq(fornax.OK, err)
		ExpectEq(9, st.Size)
		ExpectEq(uint64(t.Clock.Now().Unix()), st.Mtime)
	})
}

func (t *RamFSTest) RemoveThenOpenFailsENOENT() {
	t.withMounted(func(task *fornax.Task) {
		fd, err := task.Create("/tmp/doomed", 0)
		AssertEq(fornax.OK, err)
		task.Close(fd)

		AssertEq(fornax.OK, task.Remove("/tmp/doomed"))

		_, err = task.Open("/tmp/doomed")
		ExpectEq(fornax.ENOENT, err)

		ExpectEq(fornax.ENOENT, task.Remove("/tmp/doomed"))
	})
}

func (t *RamFSTest) Rename() {
	t.withMounted(func(task *fornax.Task) {
		fd, err := task.Create("/tmp/old", 0)
		AssertEq(fornax.OK, err)
		task.WriteString(fd, "contents")
		task.Close(fd)

		AssertEq(fornax.OK, task.Rename("/tmp/old", "/tmp/new"))

		_, err = task.Open("/tmp/old")
		ExpectEq(fornax.ENOENT, err)

		fd, err = task.Open("/tmp/new")
		AssertEq(fornax.OK, err)
		text, err := task.ReadString(fd, 64)
		AssertEq(fornax.OK, err)
		ExpectEq("contents", text)
	})
}

func (t *RamFSTest) Truncate() {
	t.withMounted(func(task *fornax.Task) {
		fd, err := task.Create("/tmp/f", 0)
		AssertEq(fornax.OK, err)
		task.WriteString(fd, "0123456789")

		AssertEq(fornax.OK, task.Truncate(fd, 4))

		st, err := task.Stat(fd)
		AssertEq(fornax.OK, err)
		ExpectEq(4, st.Size)

		_, err = task.Seek(fd, 0, 0)
		AssertEq(fornax.OK, err)
		text, err := task.ReadString(fd, 64)
		AssertEq(fornax.OK, err)
		ExpectEq("0123", text)
	})
}

func (t *RamFSTest) DirectoryListing() {
	t.withMounted(func(task *fornax.Task) {
		for _, name := range []string{"/tmp/b", "/tmp/a", "/tmp/c"} {
			fd, err := task.Create(name, 0)
			AssertEq(fornax.OK, err)
			task.Close(fd)
		}

		fd, err := task.Open("/tmp")
		AssertEq(fornax.OK, err)
		text, err := task.ReadString(fd, 256)
		AssertEq(fornax.OK, err)
		ExpectEq("a\nb\nc\n", text)
	})
}

func (t *RamFSTest) SeekAndPartialReads() {
	t.withMounted(func(task *fornax.Task) {
		fd, err := task.Create("/tmp/f", 0)
		AssertEq(fornax.OK, err)
		task.WriteString(fd, "abcdefgh")

		_, err = task.Seek(fd, 2, 0)
		AssertEq(fornax.OK, err)

		text, err := task.ReadString(fd, 3)
		AssertEq(fornax.OK, err)
		ExpectEq("cde", text)

		text, err = task.ReadString(fd, 64)
		AssertEq(fornax.OK, err)
		ExpectEq("fgh", text)
	})
}

func (t *RamFSTest) NamespaceCopiedAtSpawn() {
	t.withMounted(func(task *fornax.Task) {
		// A child spawned now inherits /tmp; mounts made in the parent
		// afterward must not appear in the child. The child just opens a
		// path under a later mount and reports failure as success.
		fd, err := task.Create("/tmp/exists", 0)
		AssertEq(fornax.OK, err)
		task.Close(fd)

		_, clientFD, err := task.IPCPair()
		AssertEq(fornax.OK, err)

		img := samples.BuildImage([]byte("x"))
		childPID, err := task.Spawn(img, nil, []string{"nschild"})
		AssertEq(fornax.OK, err)
		_ = clientFD

		// Mount something new in the parent only.
		AssertEq(fornax.OK, task.Mount(clientFD, "/later", 0))

		_, status, err := task.Wait(childPID, 0)
		AssertEq(fornax.OK, err)
		ExpectEq(0, status)
	})
}
