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
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/fornax-os/fornax"
	"github.com/fornax-os/fornax/samples"
	. "github.com/jacobsa/ogletest"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type NetEndToEndTest struct {
	samples.SampleTest
}

func init() { RegisterTestSuite(&NetEndToEndTest{}) }

func (t *NetEndToEndTest) SetUp(ti *TestInfo) {
	t.Config.LocalIP = net.IPv4(10, 0, 0, 2)
	t.SampleTest.SetUp(ti)
}

// openAndReadIndex opens a clone file and parses the connection index it
// reports.
func openAndReadIndex(task *fornax.Task, path string) (fd, idx int, err fornax.Errno) {
	fd, err = task.Open(path)
	if err != fornax.OK {
		return
	}

	text, err := task.ReadString(fd, 16)
	if err != fornax.OK {
		return
	}

	n, perr := strconv.Atoi(strings.TrimSpace(text))
	if perr != nil {
		err = fornax.EIO
		return
	}

	idx = n
	return
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

// The ping-loopback scenario: the machine pings its own address and reads
// back the canonical reply line.
func (t *NetEndToEndTest) PingLoopback() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		cloneFD, idx, err := openAndReadIndex(task, "/net/icmp/clone")
		AssertEq(fornax.OK, err)
		AssertEq(0, idx)

		ctlFD, err := task.Open("/net/icmp/0/ctl")
		AssertEq(fornax.OK, err)
		_, err = task.WriteString(ctlFD, "connect 10.0.0.2\n")
		AssertEq(fornax.OK, err)

		dataFD, err := task.Open("/net/icmp/0/data")
		AssertEq(fornax.OK, err)
		_, err = task.WriteString(dataFD, "x")
		AssertEq(fornax.OK, err)

		text, err := task.ReadString(dataFD, 256)
		AssertEq(fornax.OK, err)
		ExpectEq("64 bytes from 10.0.0.2: seq=0 ttl=64\n", text)

		task.Close(dataFD)
		task.Close(ctlFD)
		task.Close(cloneFD)
		return 0
	})
}

// The TCP echo scenario: a userland echo server announced on port 7, a
// client connecting to the machine's own address through the loopback.
func (t *NetEndToEndTest) TCPEcho() {
	serverReady := make(chan struct{})
	clientDone := make(chan struct{})

	// The echo server: announce *!7, accept one connection, echo 5
	// bytes.
	_, serverDone := samples.Start(t.Kernel, func(task *fornax.Task) int {
		_, lIdx, err := openAndReadIndex(task, "/net/tcp/clone")
		if err != fornax.OK {
			return 1
		}

		ctlFD, err := task.Open(fmt.Sprintf("/net/tcp/%d/ctl", lIdx))
		if err != fornax.OK {
			return 2
		}
		if _, err = task.WriteString(ctlFD, "announce *!7\n"); err != fornax.OK {
			return 3
		}

		listenFD, err := task.Open(fmt.Sprintf("/net/tcp/%d/listen", lIdx))
		if err != fornax.OK {
			return 4
		}

		close(serverReady)

		childText, err := task.ReadString(listenFD, 16)
		if err != fornax.OK {
			return 5
		}
		childIdx, perr := strconv.Atoi(strings.TrimSpace(childText))
		if perr != nil {
			return 6
		}

		dataFD, err := task.Open(fmt.Sprintf("/net/tcp/%d/data", childIdx))
		if err != fornax.OK {
			return 7
		}

		data, err := task.Read(dataFD, 5)
		if err != fornax.OK || len(data) == 0 {
			return 8
		}
		if _, err = task.Write(dataFD, data); err != fornax.OK {
			return 9
		}

		// Hold the connection open until the client has looked at its
		// status file.
		<-clientDone
		return 0
	})

	<-serverReady

	status := samples.Run(t.Kernel, func(task *fornax.Task) int {
		_, idx, err := openAndReadIndex(task, "/net/tcp/clone")
		AssertEq(fornax.OK, err)
		AssertEq(1, idx)

		ctlFD, err := task.Open(fmt.Sprintf("/net/tcp/%d/ctl", idx))
		AssertEq(fornax.OK, err)
		_, err = task.WriteString(ctlFD, "connect 10.0.0.2!7\n")
		AssertEq(fornax.OK, err)

		dataFD, err := task.Open(fmt.Sprintf("/net/tcp/%d/data", idx))
		AssertEq(fornax.OK, err)

		n, err := task.WriteString(dataFD, "hello")
		AssertEq(fornax.OK, err)
		AssertEq(5, n)

		var got []byte
		for len(got) < 5 {
			data, err := task.Read(dataFD, 5-len(got))
			AssertEq(fornax.OK, err)
			AssertGt(len(data), 0)
			got = append(got, data...)
		}
		ExpectEq("hello", string(got))

		statusFD, err := task.Open(fmt.Sprintf("/net/tcp/%d/status", idx))
		AssertEq(fornax.OK, err)
		text, err := task.ReadString(statusFD, 32)
		AssertEq(fornax.OK, err)
		ExpectEq("Established\n", text)

		close(clientDone)
		return 0
	})
	ExpectEq(0, status)

	ExpectEq(0, <-serverDone)
}

func (t *NetEndToEndTest) DNSQueryAgainstUnconfiguredResolverFails() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		fd, err := task.Open("/net/dns")
		AssertEq(fornax.OK, err)

		_, err = task.WriteString(fd, "query nowhere.test")
		AssertEq(fornax.OK, err)

		_, err = task.Read(fd, 64)
		ExpectEq(fornax.ENOENT, err)
		return 0
	})
}

func (t *NetEndToEndTest) DNSNameserverCtl() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		fd, err := task.Open("/net/dns/ctl")
		AssertEq(fornax.OK, err)

		_, err = task.WriteString(fd, "nameserver 10.0.0.1\n")
		ExpectEq(fornax.OK, err)

		_, err = task.WriteString(fd, "bogus command")
		ExpectEq(fornax.EINVAL, err)
		return 0
	})
}

func (t *NetEndToEndTest) UDPLocalFile() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		_, idx, err := openAndReadIndex(task, "/net/udp/clone")
		AssertEq(fornax.OK, err)

		ctlFD, err := task.Open(fmt.Sprintf("/net/udp/%d/ctl", idx))
		AssertEq(fornax.OK, err)
		_, err = task.WriteString(ctlFD, "announce *!5353\n")
		AssertEq(fornax.OK, err)

		localFD, err := task.Open(fmt.Sprintf("/net/udp/%d/local", idx))
		AssertEq(fornax.OK, err)
		text, err := task.ReadString(localFD, 32)
		AssertEq(fornax.OK, err)
		ExpectEq("10.0.0.2!5353\n", text)
		return 0
	})
}

func (t *NetEndToEndTest) NetPathsRejectUnknown() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		_, err := task.Open("/net/tcp/999/data")
		ExpectEq(fornax.ENOENT, err)

		_, err = task.Open("/net/bogus")
		ExpectEq(fornax.ENOENT, err)
		return 0
	})
}
