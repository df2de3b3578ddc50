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

package fornax_test

import (

	"github.com/fornax-os/fornax"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/samples"
	. "github.com/jacobsa/ogletest"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type IPCEndToEndTest struct {
	samples.SampleTest
}

func init() { RegisterTestSuite(&IPCEndToEndTest{}) }

func (t *IPCEndToEndTest) SetUp(ti *TestInfo) {
	t.Config.Programs = map[string]fornax.Program{
		// Receives one request on fd 3 and answers it, reporting through
		// the exit status whether it was T_OPEN with payload "bar".
		"opencheck": func(task *fornax.Task) int {
			msg, err := task.IPCRecv(3)
			if err != fornax.OK {
				return 10
			}

			reply := ipc.OkReply(&msg, ipc.EncodeHandle(1))
			if err := task.IPCReply(3, reply); err != fornax.OK {
				return 11
			}

			if msg.Tag != ipc.TOpen {
				return 12
			}
			if string(msg.Data) != "bar" {
				return 13
			}
			return 0
		},

		// Receives a request and dies without replying.
		"crashsrv": func(task *fornax.Task) int {
			task.IPCRecv(3)
			return 7
		},

		// Answers every request with a server-chosen errno.
		"grumpy": func(task *fornax.Task) int {
			msg, err := task.IPCRecv(3)
			if err != fornax.OK {
				return 10
			}
			task.IPCReply(3, ipc.ErrReply(&msg, fornax.EINVAL))
			return 0
		},
	}

	t.SampleTest.SetUp(ti)
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *IPCEndToEndTest) MountForwardsOpenWithRemainder() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		serverFD, clientFD, err := task.IPCPair()
		AssertEq(fornax.OK, err)

		AssertEq(fornax.OK, task.Mount(clientFD, "/foo", 0))

		img := samples.BuildImage([]byte("x"))
		childPID, err := task.Spawn(img,
			[]fornax.FDMapping{{Child: 3, Parent: serverFD}}, []string{"opencheck"})
		AssertEq(fornax.OK, err)

		fd, err := task.Open("/foo/bar")
		AssertEq(fornax.OK, err)
		AssertGe(fd, 0)

		gotPID, status, err := task.Wait(childPID, 0)
		AssertEq(fornax.OK, err)
		ExpectEq(childPID, gotPID)
		ExpectEq(0, status)
		return 0
	})
}

func (t *IPCEndToEndTest) ServerDeathWakesClientWithEIO() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		serverFD, clientFD, err := task.IPCPair()
		AssertEq(fornax.OK, err)
		AssertEq(fornax.OK, task.Mount(clientFD, "/foo", 0))

		img := samples.BuildImage([]byte("x"))
		_, err = task.Spawn(img,
			[]fornax.FDMapping{{Child: 3, Parent: serverFD}}, []string{"crashsrv"})
		AssertEq(fornax.OK, err)

		// The parent must drop its own server end so the child's death
		// takes the channel with it.
		AssertEq(fornax.OK, task.Close(serverFD))

		_, err = task.Open("/foo/thing")
		ExpectEq(fornax.EIO, err)

		task.Wait(0, 0)
		return 0
	})
}

func (t *IPCEndToEndTest) ServerErrnoPassedThrough() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		serverFD, clientFD, err := task.IPCPair()
		AssertEq(fornax.OK, err)
		AssertEq(fornax.OK, task.Mount(clientFD, "/srv", 0))

		img := samples.BuildImage([]byte("x"))
		_, err = task.Spawn(img,
			[]fornax.FDMapping{{Child: 3, Parent: serverFD}}, []string{"grumpy"})
		AssertEq(fornax.OK, err)

		_, err = task.Open("/srv/anything")
		ExpectEq(fornax.EINVAL, err)

		task.Wait(0, 0)
		return 0
	})
}

func (t *IPCEndToEndTest) UnmountedPrefixStopsResolving() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		_, clientFD, err := task.IPCPair()
		AssertEq(fornax.OK, err)

		AssertEq(fornax.OK, task.Mount(clientFD, "/foo", 0))
		AssertEq(fornax.OK, task.Unmount("/foo"))

		_, err = task.Open("/foo/bar")
		ExpectEq(fornax.ENOENT, err)
		return 0
	})
}

func (t *IPCEndToEndTest) MountRequiresChannelClientFD() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		rfd, _, err := task.Pipe()
		AssertEq(fornax.OK, err)

		ExpectEq(fornax.EINVAL, task.Mount(rfd, "/foo", 0))

		serverFD, _, err := task.IPCPair()
		AssertEq(fornax.OK, err)
		ExpectEq(fornax.EINVAL, task.Mount(serverFD, "/foo", 0))
		return 0
	})
}
