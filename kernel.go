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

package fornax

import (
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/fornax-os/fornax/elfload"
	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/futex"
	"github.com/fornax-os/fornax/inet"
	"github.com/fornax-os/fornax/initrd"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/ipc"
	"github.com/fornax-os/fornax/klog"
	"github.com/fornax-os/fornax/mem"
	"github.com/fornax-os/fornax/ns"
	"github.com/fornax-os/fornax/pipe"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"

	"github.com/fornax-os/fornax/proc"
)

// A Program is the body the machine executes for a loaded image. Spawn
// resolves argv[0] against the boot config's program table; the returned
// status is the process's exit status unless it calls Exit itself.
type Program func(t *Task) int

// BootConfig describes the machine.
type BootConfig struct {
	// Simulated CPU cores. Default 4.
	Cores int

	// Physical memory, in 4 KiB frames. Default 4096.
	MemoryFrames int

	// Time source. Default the real clock; tests inject a
	// timeutil.SimulatedClock.
	Clock timeutil.Clock

	// Kernel log ring size and level.
	KlogSize int
	LogLevel logrus.Level

	// The NIC. Default a loopback device.
	Link       inet.LinkDevice
	LocalIP    net.IP
	Netmask    net.IPMask
	Gateway    net.IP
	Nameserver net.IP

	// Boot image mounted read-only at /boot; may be nil.
	Initrd []byte

	// Program table: what the CPU finds at the entry point of a loaded
	// image, keyed by argv[0].
	Programs map[string]Program
}

// Kernel is the booted machine. Module-scoped singletons of the original
// kernel (PMM, process table, channel and pipe registries, futex table,
// the network stack, the log ring) hang off it so tests can boot several.
type Kernel struct {
	clock timeutil.Clock
	ring  *klog.Ring
	log   *logrus.Logger

	pmm      *mem.PMM
	kernelAS *mem.AddressSpace

	procs *proc.Table
	sched *proc.Scheduler

	channels *ipc.Registry
	pipes    *pipe.Registry
	futexes  *futex.Table

	stack *inet.Stack
	boot  *initrd.Image

	programs map[string]Program

	bootTime time.Time

	mu syncutil.InvariantMutex

	// Processes blocked in sleep, woken by Tick.
	sleepers []int // GUARDED_BY(mu)

	// Set by shutdown(2); 0 = running, 1 = halted, 2 = rebooting.
	downMode int // GUARDED_BY(mu)
}

// Boot initializes the kernel's singletons in their fixed order: log
// ring, physical memory, the kernel address space, the process table and
// scheduler, the IPC registries, the futex table, the boot image, and
// finally the network stack.
func Boot(cfg BootConfig) (k *Kernel, err error) {
	if cfg.Cores <= 0 {
		cfg.Cores = 4
	}
	if cfg.MemoryFrames <= 0 {
		cfg.MemoryFrames = 4096
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock()
	}
	if cfg.KlogSize <= 0 {
		cfg.KlogSize = klog.DefaultSize
	}
	if cfg.LogLevel == 0 {
		cfg.LogLevel = logrus.InfoLevel
	}
	if cfg.LocalIP == nil {
		cfg.LocalIP = net.IPv4(10, 0, 0, 1)
	}
	if cfg.Netmask == nil {
		cfg.Netmask = net.CIDRMask(24, 32)
	}
	if cfg.Link == nil {
		cfg.Link = inet.NewLoopback(net.HardwareAddr{0x02, 0xf0, 0x0f, 0x00, 0x00, 0x01})
	}

	k = &Kernel{
		clock:    cfg.Clock,
		programs: cfg.Programs,
		bootTime: cfg.Clock.Now(),
	}
	k.mu = syncutil.NewInvariantMutex(func() {})

	k.ring = klog.NewRing(cfg.KlogSize)
	k.log = klog.NewLogger(k.ring, cfg.LogLevel)

	k.pmm = mem.NewPMM(cfg.MemoryFrames)

	k.kernelAS, err = mem.NewKernelSpace(k.pmm)
	if err != nil {
		return
	}

	k.procs = proc.NewTable()
	k.sched = proc.NewScheduler(k.procs, cfg.Cores)

	k.channels = ipc.NewRegistry()
	k.pipes = pipe.NewRegistry()
	k.futexes = futex.NewTable()

	if cfg.Initrd != nil {
		k.boot, err = initrd.Parse(cfg.Initrd)
		if err != nil {
			return
		}
	}

	k.stack = inet.NewStack(inet.Config{
		Link:       cfg.Link,
		LocalIP:    cfg.LocalIP,
		Netmask:    cfg.Netmask,
		Gateway:    cfg.Gateway,
		Nameserver: cfg.Nameserver,
		Clock:      cfg.Clock,
		Waker:      kernelWaker{k},
		Log:        k.log,
	})

	k.log.WithFields(logrus.Fields{
		"cores":  cfg.Cores,
		"frames": cfg.MemoryFrames,
		"ip":     cfg.LocalIP.String(),
	}).Info("boot complete")

	return
}

// kernelWaker routes stack and pipe wakeups to the scheduler.
type kernelWaker struct{ k *Kernel }

func (w kernelWaker) Wake(pid int, ret uint64) bool {
	p := w.k.procs.ByPID(pid)
	if p == nil {
		return false
	}

	return w.k.sched.Wake(p, ret)
}

// Clock exposes the time source.
func (k *Kernel) Clock() timeutil.Clock { return k.clock }

// Log exposes the kernel logger; drivers outside the core log through it.
func (k *Kernel) Log() *logrus.Logger { return k.log }

// Stack exposes the network stack; the NIC driver feeds frames to it.
func (k *Kernel) Stack() *inet.Stack { return k.stack }

// Scheduler exposes scheduling state for tests.
func (k *Kernel) Scheduler() *proc.Scheduler { return k.sched }

// Procs exposes the process table for tests.
func (k *Kernel) Procs() *proc.Table { return k.procs }

// Down reports the shutdown mode: 0 running, 1 halted, 2 rebooting.
func (k *Kernel) Down() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.downMode
}

// Tick is the timer interrupt: it drives TCP retransmission, ICMP and DNS
// deadlines, futex timeouts, and sleeping processes. Call it after
// advancing a simulated clock, or periodically against the real one.
func (k *Kernel) Tick() {
	k.stack.Tick()

	now := k.clock.Now()

	for _, pid := range k.futexes.Expired(now) {
		if p := k.procs.ByPID(pid); p != nil {
			k.sched.Wake(p, kerr.EAGAIN.Word())
		}
	}

	k.mu.Lock()
	var due []int
	kept := k.sleepers[:0]
	for _, pid := range k.sleepers {
		p := k.procs.ByPID(pid)
		if p == nil {
			continue
		}
		if !now.Before(p.SleepUntil) {
			due = append(due, pid)
		} else {
			kept = append(kept, pid)
		}
	}
	k.sleepers = kept
	k.mu.Unlock()

	for _, pid := range due {
		if p := k.procs.ByPID(pid); p != nil {
			k.sched.Wake(p, 0)
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Process creation
////////////////////////////////////////////////////////////////////////

const (
	// Bottom of the heap; brk grows it upward.
	userHeapBase uint64 = 0x0000_0000_1000_0000

	// Anonymous mmap allocates downward from just below the stack region.
	userMmapTop uint64 = elfload.UserStackTop - elfload.StackSize
)

// newProcess allocates a slot with fresh inline resources: an empty
// address space with a mapped stack, an empty fd table, an empty
// namespace.
func (k *Kernel) newProcess(parentPID int) (p *proc.Process, e kerr.Errno) {
	p, ok := k.procs.Alloc(parentPID)
	if !ok {
		e = kerr.ENOMEM
		return
	}

	as, e := mem.NewUserSpace(k.pmm, k.kernelAS)
	if e != kerr.OK {
		k.procs.Release(p)
		return
	}

	rsp, e := elfload.SetupUserStack(as)
	if e != kerr.OK {
		as.Destroy()
		k.procs.Release(p)
		return
	}

	p.AS = as
	p.FDs = fdtab.NewTable()
	p.NS = ns.New()
	p.Brk = userHeapBase
	p.MmapNext = userMmapTop
	p.Ctx.RSP = rsp
	return
}

// launch runs a program body as a process. The body's return feeds the
// exit path; a body that called Exit never returns here.
func (k *Kernel) launch(p *proc.Process, prog Program) {
	k.sched.Start(p, func() {
		t := &Task{k: k, p: p}

		if p.Killed {
			k.doExit(p, -1)
		}

		status := 0
		if prog != nil {
			status = prog(t)
		}
		k.doExit(p, status)
	})
}

// StartInit boots pid 1 running body with an empty namespace and the
// given argv. The returned pid is 1 on a fresh kernel.
func (k *Kernel) StartInit(argv []string, body Program) (pid int, err error) {
	p, e := k.newProcess(0)
	if e != kerr.OK {
		err = fmt.Errorf("StartInit: %v", e)
		return
	}

	block := elfload.EncodeArgv(argv)
	if e := elfload.WriteArgvBlock(p.AS, block); e != kerr.OK {
		err = fmt.Errorf("StartInit: argv: %v", e)
		return
	}

	pid = p.PID
	k.log.WithField("pid", pid).Info("starting init")
	k.launch(p, body)
	return
}

////////////////////////////////////////////////////////////////////////
// Exit and kill
////////////////////////////////////////////////////////////////////////

// packWait encodes wait's return: child pid in the high word, the status
// word (status in its second byte) in the low word.
func packWait(pid, status int) uint64 {
	return uint64(uint32(pid))<<32 | uint64(uint32(status&0xff)<<8)
}

// doExit is the one exit path: kills descendants, releases resources,
// notifies the parent, and never returns.
func (k *Kernel) doExit(p *proc.Process, status int) {
	p.ExitStatus = status

	// Children die with the parent; there is no reparenting.
	for _, child := range k.procs.Children(p.PID) {
		k.killProcess(child)
	}

	k.releaseResources(p)

	if p.CtidPtr != 0 && p.Group != nil {
		// The clone child-tid contract: zero the slot, wake one futex
		// waiter on it.
		identity := p.Group.AS.RootPhys()
		p.Group.AS.StoreU32(p.CtidPtr, 0)
		if pid, ok := k.futexes.WakeOne(identity, p.CtidPtr); ok {
			if wp := k.procs.ByPID(pid); wp != nil {
				k.sched.Wake(wp, 0)
			}
		}
	}

	k.finishExit(p)

	k.sched.Finish(p)
	runtime.Goexit()
}

// finishExit moves p to zombie (or straight to dead for RFNOWAIT) and
// completes a parent committed to wait.
func (k *Kernel) finishExit(p *proc.Process) {
	k.sched.SetState(p, proc.Zombie)

	if p.NoWait {
		k.procs.Release(p)
		return
	}

	parent := k.procs.ByPID(p.ParentPID)
	if parent == nil {
		return
	}

	if k.procs.ClaimWaiter(parent, p.PID) {
		ret := packWait(p.PID, p.ExitStatus)
		if k.sched.Wake(parent, ret) {
			k.procs.Release(p)
		}
	}
}

// killProcess forcibly terminates a process (and, recursively, its
// children). A blocked victim is torn down here; a running one dies at
// its next scheduling point, keeping its resources until then.
func (k *Kernel) killProcess(p *proc.Process) {
	if p.State == proc.Dead || p.State == proc.Zombie {
		return
	}

	p.ExitStatus = -1

	for _, child := range k.procs.Children(p.PID) {
		k.killProcess(child)
	}

	wasBlocked := k.sched.Kill(p)
	if !wasBlocked {
		// Running or ready: the victim runs doExit itself when it next
		// crosses the dispatcher.
		return
	}

	// Scrub it out of whatever waiter list it was parked on.
	k.futexes.Remove(p.PID)
	k.stack.RemoveWaiter(p.PID)
	k.scrubPipeWaiters(p.PID)
	k.scrubChannelWaiters(p.PID)

	k.releaseResources(p)
	k.finishExit(p)
}

func (k *Kernel) scrubPipeWaiters(pid int) {
	for id := 0; id < pipe.MaxPipes; id++ {
		if pp, e := k.pipes.Get(id); e == kerr.OK {
			pp.RemoveWaiter(pid)
		}
	}
}

func (k *Kernel) scrubChannelWaiters(pid int) {
	for id := 0; id < ipc.MaxChannels; id++ {
		if ch, e := k.channels.Get(id); e == kerr.OK {
			ch.DropClient(pid)
			ch.DropServerWaiter(pid)
		}
	}
}

// releaseResources closes every fd, unwinds the namespace, and tears down
// the address space (or drops the group reference), with the TLB
// shootdown the teardown requires.
func (k *Kernel) releaseResources(p *proc.Process) {
	// Close all fds.
	fds := p.FDTable()
	if fds != nil && (p.Group == nil || k.groupRefs(p.Group) == 1) {
		var open []int
		fds.ForEach(func(fd int, _ *fdtab.Entry) {
			open = append(open, fd)
		})
		for _, fd := range open {
			k.closeFD(p, fd)
		}
	}

	// Drop namespace references.
	nsp := p.Namespace()
	if nsp != nil && (p.Group == nil || k.groupRefs(p.Group) == 1) {
		for _, ent := range nsp.Entries() {
			k.releaseChannelRef(ent.Chan, false)
		}
	}

	if p.Group != nil {
		g := p.Group
		g.Lock()
		g.Refs--
		last := g.Refs == 0
		footprint := g.CoresRanOn
		g.Unlock()

		if last {
			// Switch off the dying tree before freeing it, then shoot
			// down every core that ever loaded it.
			k.sched.LocalFlush(p)
			g.AS.Destroy()
			k.sched.Shootdown(footprint)
		}
		return
	}

	if p.AS != nil {
		k.sched.LocalFlush(p)
		p.AS.Destroy()
		k.sched.Shootdown(p.CoresRanOn)
		p.AS = nil
	}
}

func (k *Kernel) groupRefs(g *proc.Group) int {
	g.Lock()
	defer g.Unlock()

	return g.Refs
}
