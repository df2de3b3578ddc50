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

// Package samples contains the shared scaffolding for tests that boot a
// kernel and drive user programs against it, plus the sample userland
// exercised by the end-to-end suites.
package samples

import (
	"fmt"
	"time"

	"github.com/fornax-os/fornax"
	"github.com/jacobsa/ogletest"
	"github.com/jacobsa/timeutil"
)

// A struct that implements common behavior needed by tests in the samples/
// directory. Use it as an embedded field in your test fixture, calling its
// SetUp method from your SetUp method after setting the Config field as
// desired.
type SampleTest struct {
	// Extra boot configuration. May be set by the user of this type before
	// calling SetUp; the clock field is overwritten.
	Config fornax.BootConfig

	// A clock with a fixed initial time, wired into the kernel. Advance it
	// and call Kernel.Tick to drive deadlines.
	Clock timeutil.SimulatedClock

	// The booted kernel.
	Kernel *fornax.Kernel
}

// Boot the kernel and initialize the other exported fields of the struct.
// Panics on error.
func (t *SampleTest) SetUp(ti *ogletest.TestInfo) {
	if err := t.initialize(); err != nil {
		panic(err)
	}
}

// Like SetUp, but doesn't panic.
func (t *SampleTest) initialize() (err error) {
	t.Clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.Local))

	cfg := t.Config
	cfg.Clock = &t.Clock

	t.Kernel, err = fornax.Boot(cfg)
	if err != nil {
		err = fmt.Errorf("Boot: %v", err)
		return
	}

	return
}

// Run executes body as a user process on k, waiting for its status.
func Run(k *fornax.Kernel, body func(t *fornax.Task) int) int {
	statusC := make(chan int, 1)

	_, err := k.StartInit(nil, func(t *fornax.Task) int {
		status := body(t)
		statusC <- status
		return status
	})
	if err != nil {
		panic(err)
	}

	return <-statusC
}

// Start launches body as a user process without waiting; the returned
// channel yields its status.
func Start(k *fornax.Kernel, body func(t *fornax.Task) int) (pid int, statusC chan int) {
	statusC = make(chan int, 1)

	pid, err := k.StartInit(nil, func(t *fornax.Task) int {
		status := body(t)
		statusC <- status
		return status
	})
	if err != nil {
		panic(err)
	}

	return
}

// AwaitDead polls until pid's slot has been reaped, so tests can assert
// on post-exit state. Returns false on timeout.
func AwaitDead(k *fornax.Kernel, pid int) bool {
	for i := 0; i < 5000; i++ {
		if k.Procs().ByPID(pid) == nil {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}
