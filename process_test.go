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
	"strings"
	"time"

	"github.com/fornax-os/fornax"
	"github.com/fornax-os/fornax/proc"
	"github.com/fornax-os/fornax/samples"
	. "github.com/jacobsa/ogletest"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type ProcessTest struct {
	samples.SampleTest
}

func init() { RegisterTestSuite(&ProcessTest{}) }

func (t *ProcessTest) SetUp(ti *TestInfo) {
	t.Config.Programs = map[string]fornax.Program{
		"exit42": func(task *fornax.Task) int {
			return 42
		},

		"writer": func(task *fornax.Task) int {
			task.WriteString(1, "12345")
			return 0
		},

		"reader": func(task *fornax.Task) int {
			var all []byte
			for {
				data, err := task.Read(0, 64)
				if err != fornax.OK || len(data) == 0 {
					break
				}
				all = append(all, data...)
			}

			// A second read at EOF still reports zero bytes.
			data, err := task.Read(0, 64)
			if err != fornax.OK || len(data) != 0 {
				return 1
			}

			if string(all) != "12345" {
				return 2
			}
			return 0
		},
	}

	t.SampleTest.SetUp(ti)
}

////////////////////////////////////////////////////////////////////////
// spawn / wait / exit
////////////////////////////////////////////////////////////////////////

func (t *ProcessTest) SpawnWaitStatus() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		img := samples.BuildImage([]byte("exit42 program text"))

		childPID, err := task.Spawn(img, nil, []string{"exit42"})
		AssertEq(fornax.OK, err)
		AssertGt(childPID, 0)

		gotPID, status, err := task.Wait(0, 0)
		AssertEq(fornax.OK, err)
		ExpectEq(childPID, gotPID)
		ExpectEq(42, status)
		return 0
	})
}

func (t *ProcessTest) WaitPacksPidHighStatusLow() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		img := samples.BuildImage([]byte("x"))
		childPID, err := task.Spawn(img, nil, []string{"exit42"})
		AssertEq(fornax.OK, err)

		ret := task.Syscall(fornax.SysWait, 0, 0, 0, 0, 0)
		ExpectEq(uint64(childPID)<<32|uint64(42)<<8, ret)
		return 0
	})
}

func (t *ProcessTest) WaitNoChildren() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		_, _, err := task.Wait(0, 0)
		ExpectEq(fornax.ENOENT, err)
		return 0
	})
}

func (t *ProcessTest) WaitNoHang() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		img := samples.BuildImage([]byte("x"))

		// A child that blocks forever on a pipe.
		rfd, _, err := task.Pipe()
		AssertEq(fornax.OK, err)

		childPID, err := task.Spawn(img, []fornax.FDMapping{{Child: 0, Parent: rfd}},
			[]string{"reader"})
		AssertEq(fornax.OK, err)
		AssertGt(childPID, 0)

		pid, status, err := task.Wait(0, 1)
		AssertEq(fornax.OK, err)
		ExpectEq(0, pid)
		ExpectEq(0, status)
		return 0
	})
}

func (t *ProcessTest) SpawnedChildSlotReaped() {
	var childPID int
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		img := samples.BuildImage([]byte("x"))
		var err fornax.Errno
		childPID, err = task.Spawn(img, nil, []string{"exit42"})
		AssertEq(fornax.OK, err)

		task.Wait(0, 0)
		return 0
	})

	ExpectTrue(t.Kernel.Procs().ByPID(childPID) == nil)
}

////////////////////////////////////////////////////////////////////////
// Pipes end to end
////////////////////////////////////////////////////////////////////////

func (t *ProcessTest) PipelineThroughSpawnedChildren() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		rfd, wfd, err := task.Pipe()
		AssertEq(fornax.OK, err)

		img := samples.BuildImage([]byte("x"))

		// A writes "12345" to its fd 1, the pipe's write end.
		writerPID, err := task.Spawn(img,
			[]fornax.FDMapping{{Child: 1, Parent: wfd}}, []string{"writer"})
		AssertEq(fornax.OK, err)

		// B reads from its fd 0, the pipe's read end, until EOF.
		readerPID, err := task.Spawn(img,
			[]fornax.FDMapping{{Child: 0, Parent: rfd}}, []string{"reader"})
		AssertEq(fornax.OK, err)

		// Drop the parent's ends so the reader sees EOF when A exits.
		AssertEq(fornax.OK, task.Close(rfd))
		AssertEq(fornax.OK, task.Close(wfd))

		status := map[int]int{}
		for i := 0; i < 2; i++ {
			pid, st, err := task.Wait(0, 0)
			AssertEq(fornax.OK, err)
			status[pid] = st
		}

		ExpectEq(0, status[writerPID])
		ExpectEq(0, status[readerPID])
		return 0
	})
}

func (t *ProcessTest) PipeRoundTripSameProcess() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		rfd, wfd, err := task.Pipe()
		AssertEq(fornax.OK, err)

		n, err := task.WriteString(wfd, "through the ring")
		AssertEq(fornax.OK, err)
		AssertEq(16, n)

		data, err := task.Read(rfd, 64)
		AssertEq(fornax.OK, err)
		ExpectEq("through the ring", string(data))
		return 0
	})
}

////////////////////////////////////////////////////////////////////////
// rfork
////////////////////////////////////////////////////////////////////////

func (t *ProcessTest) RForkCopiedFDTableIsIndependent() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		rfd, wfd, err := task.Pipe()
		AssertEq(fornax.OK, err)

		childPID, err := task.RFork(fornax.RFPROC|fornax.RFFDG,
			func(child *fornax.Task) int {
				// The child sees the parent's fds.
				n, err := child.WriteString(wfd, "from child")
				if err != fornax.OK || n != 10 {
					return 1
				}

				// Closing them in the child must not close the parent's.
				child.Close(rfd)
				child.Close(wfd)
				return 0
			})
		AssertEq(fornax.OK, err)

		_, status, err := task.Wait(childPID, 0)
		AssertEq(fornax.OK, err)
		AssertEq(0, status)

		// Parent's descriptors still work.
		data, err := task.Read(rfd, 64)
		AssertEq(fornax.OK, err)
		ExpectEq("from child", string(data))

		_, err = task.WriteString(wfd, "still open")
		ExpectEq(fornax.OK, err)
		return 0
	})
}

func (t *ProcessTest) RForkSharedMemory() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		va, err := task.Mmap(4096, fornax.ProtRead|fornax.ProtWrite)
		AssertEq(fornax.OK, err)
		AssertEq(fornax.OK, task.PokeU32(va, 0))

		childPID, err := task.RFork(fornax.RFPROC|fornax.RFMEM|fornax.RFFDG,
			func(child *fornax.Task) int {
				child.PokeU32(va, 7)
				return 0
			})
		AssertEq(fornax.OK, err)

		_, _, err = task.Wait(childPID, 0)
		AssertEq(fornax.OK, err)

		v, err := task.PeekU32(va)
		AssertEq(fornax.OK, err)
		ExpectEq(7, v)
		return 0
	})
}

func (t *ProcessTest) RForkCopiedMemoryIsPrivate() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		va, err := task.Mmap(4096, fornax.ProtRead|fornax.ProtWrite)
		AssertEq(fornax.OK, err)
		AssertEq(fornax.OK, task.PokeU32(va, 1))

		childPID, err := task.RFork(fornax.RFPROC|fornax.RFFDG,
			func(child *fornax.Task) int {
				child.PokeU32(va, 9)
				return 0
			})
		AssertEq(fornax.OK, err)

		_, _, err = task.Wait(childPID, 0)
		AssertEq(fornax.OK, err)

		v, err := task.PeekU32(va)
		AssertEq(fornax.OK, err)
		ExpectEq(1, v)
		return 0
	})
}

////////////////////////////////////////////////////////////////////////
// clone + futex
////////////////////////////////////////////////////////////////////////

func (t *ProcessTest) FutexHandshakeBetweenThreads() {
	k := t.Kernel

	samples.Run(t.Kernel, func(task *fornax.Task) int {
		aPID := task.GetPID()

		wordVA, err := task.Mmap(4096, fornax.ProtRead|fornax.ProtWrite)
		AssertEq(fornax.OK, err)
		stackVA, err := task.Mmap(16*4096, fornax.ProtRead|fornax.ProtWrite)
		AssertEq(fornax.OK, err)

		AssertEq(fornax.OK, task.PokeU32(wordVA, 0))

		// Thread B: once A has parked, store 1 and wake it.
		_, err = task.Clone(stackVA+16*4096, 0, 0, 0, 0,
			func(th *fornax.Task) int {
				for {
					p := k.Procs().ByPID(aPID)
					if p == nil {
						return 1
					}
					if p.State == proc.Blocked {
						break
					}
					time.Sleep(time.Millisecond)
				}

				th.PokeU32(wordVA, 1)
				ret, err := th.Futex(wordVA, fornax.FutexWake, 1, 0)
				if err != fornax.OK || ret != 1 {
					return 1
				}
				return 0
			})
		AssertEq(fornax.OK, err)

		// Thread A: wait on 0; B's wake supplies a zero return.
		ret := task.Syscall(fornax.SysFutex, wordVA, fornax.FutexWait, 0, 0, 0)
		ExpectEq(0, ret)

		v, err := task.PeekU32(wordVA)
		AssertEq(fornax.OK, err)
		ExpectEq(1, v)
		return 0
	})
}

func (t *ProcessTest) FutexValueMismatchEAGAIN() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		va, err := task.Mmap(4096, fornax.ProtRead|fornax.ProtWrite)
		AssertEq(fornax.OK, err)
		AssertEq(fornax.OK, task.PokeU32(va, 5))

		_, err = task.Futex(va, fornax.FutexWait, 0, 0)
		ExpectEq(fornax.EAGAIN, err)
		return 0
	})
}

func (t *ProcessTest) CloneChildTidZeroedAndWoken() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		memVA, err := task.Mmap(4096, fornax.ProtRead|fornax.ProtWrite)
		AssertEq(fornax.OK, err)
		stackVA, err := task.Mmap(16*4096, fornax.ProtRead|fornax.ProtWrite)
		AssertEq(fornax.OK, err)

		ctidVA := memVA
		ptidVA := memVA + 8
		goVA := memVA + 16

		AssertEq(fornax.OK, task.PokeU32(goVA, 0))

		// The thread idles until released, so the parent can stash the
		// tid in the ctid slot before the exit path zeroes it.
		tid, err := task.Clone(stackVA+16*4096, 0, ctidVA, ptidVA, 0,
			func(th *fornax.Task) int {
				for {
					if v, _ := th.PeekU32(goVA); v != 0 {
						return 0
					}
					time.Sleep(time.Millisecond)
				}
			})
		AssertEq(fornax.OK, err)

		// The parent tid slot was filled.
		ptid, err := task.PeekU32(ptidVA)
		AssertEq(fornax.OK, err)
		ExpectEq(tid, ptid)

		AssertEq(fornax.OK, task.PokeU32(ctidVA, uint32(tid)))
		AssertEq(fornax.OK, task.PokeU32(goVA, 1))

		// Wait on the ctid slot; the exiting thread zeroes it and wakes
		// one waiter. If the exit won the race, the compare fails with
		// EAGAIN and the slot is already zero.
		_, err = task.Futex(ctidVA, fornax.FutexWait, uint32(tid), 0)
		if err != fornax.EAGAIN {
			AssertEq(fornax.OK, err)
		}

		v, err := task.PeekU32(ctidVA)
		AssertEq(fornax.OK, err)
		ExpectEq(0, v)
		return 0
	})
}

////////////////////////////////////////////////////////////////////////
// kill via /proc
////////////////////////////////////////////////////////////////////////

func (t *ProcessTest) ProcCtlKill() {
	samples.Run(t.Kernel, func(task *fornax.Task) int {
		rfd, _, err := task.Pipe()
		AssertEq(fornax.OK, err)

		img := samples.BuildImage([]byte("x"))
		childPID, err := task.Spawn(img,
			[]fornax.FDMapping{{Child: 0, Parent: rfd}}, []string{"reader"})
		AssertEq(fornax.OK, err)

		// Let the child park in its pipe read, then kill it. (Killing a
		// still-running child also works; it would die at its next trap.)
		time.Sleep(50 * time.Millisecond)

		fd, err := task.Open(fmt.Sprintf("/proc/%d/ctl", childPID))
		AssertEq(fornax.OK, err)
		_, err = task.WriteString(fd, "kill")
		AssertEq(fornax.OK, err)

		gotPID, _, err := task.Wait(childPID, 0)
		AssertEq(fornax.OK, err)
		ExpectEq(childPID, gotPID)
		return 0
	})
}

func (t *ProcessTest) ParentExitKillsDescendants() {
	var grandchildPID int

	samples.Run(t.Kernel, func(task *fornax.Task) int {
		pidC := make(chan int, 1)

		childPID, err := task.RFork(fornax.RFPROC|fornax.RFFDG,
			func(child *fornax.Task) int {
				gp, err := child.RFork(fornax.RFPROC|fornax.RFFDG,
					func(grandchild *fornax.Task) int {
						// Sleep essentially forever.
						grandchild.Sleep(1 << 40)
						return 0
					})
				if err != fornax.OK {
					return 1
				}
				pidC <- gp
				return 0
			})
		AssertEq(fornax.OK, err)

		grandchildPID = <-pidC

		_, _, err = task.Wait(childPID, 0)
		AssertEq(fornax.OK, err)
		return 0
	})

	// The child's exit killed the sleeping grandchild; with its parent
	// gone, nothing will reap it, but it must end up zombie (or gone).
	deadline := time.Now().Add(5 * time.Second)
	for {
		p := t.Kernel.Procs().ByPID(grandchildPID)
		if p == nil || p.State == proc.Zombie {
			break
		}
		if time.Now().After(deadline) {
			AddFailure("grandchild still alive in state %v", p.State)
			break
		}
		time.Sleep(time.Millisecond)
	}
}

////////////////////////////////////////////////////////////////////////
// Argv and ELF plumbing
////////////////////////////////////////////////////////////////////////

func (t *ProcessTest) ArgvBlockVisibleToChild() {
	done := make(chan string, 1)

	// Boot a fresh kernel whose program table holds the inspection
	// program, replacing the one SetUp booted.
	t.Config.Programs = map[string]fornax.Program{
		"argv": func(task *fornax.Task) int {
			// The block sits at its fixed page, one below the stack top.
			data, err := task.Peek(0x7FFF_FFFF_E000, 32)
			if err != fornax.OK {
				done <- fmt.Sprintf("peek failed: %v", err)
				return 1
			}
			done <- string(data)
			return 0
		},
	}
	t.SampleTest.SetUp(nil)

	samples.Run(t.Kernel, func(task *fornax.Task) int {
		img := samples.BuildImage([]byte("x"))
		_, err := task.Spawn(img, nil, []string{"argv", "one"})
		AssertEq(fornax.OK, err)
		task.Wait(0, 0)
		return 0
	})

	raw := <-done
	ExpectTrue(strings.Contains(raw, "argv\x00one\x00"), "got %q", raw)
}
