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

package inet

import (
	"fmt"
	"net"
	"time"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/google/gopacket/layers"
	"github.com/jacobsa/syncutil"
)

const (
	maxEchoSessions = 8

	echoPayloadLen = 56
	echoTimeout    = 3 * time.Second
)

type icmpSession struct {
	inUse bool

	id     uint16
	seq    uint16
	remote net.IP

	// Last reply text pending for the data fd, e.g.
	// "64 bytes from 10.0.0.1: seq=0 ttl=64\n".
	reply    string
	hasReply bool

	// Deadline for the outstanding request; zero when none.
	deadline time.Time

	readWaiters []ioWaiter

	fdRefs int
}

type icmpState struct {
	s *Stack

	mu     syncutil.InvariantMutex
	slots  [maxEchoSessions]icmpSession // GUARDED_BY(mu)
	nextID uint16                       // GUARDED_BY(mu)
}

func newICMPState(s *Stack) (st *icmpState) {
	st = &icmpState{s: s, nextID: 1}
	st.mu = syncutil.NewInvariantMutex(func() {})
	return
}

func (st *icmpState) alloc() (idx int, e kerr.Errno) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.slots {
		if st.slots[i].inUse {
			continue
		}

		st.slots[i] = icmpSession{
			inUse:  true,
			id:     st.nextID,
			fdRefs: 1,
		}
		st.nextID++
		idx = i
		return
	}

	e = kerr.ENOMEM
	return
}

func (st *icmpState) connect(idx int, ip net.IP) kerr.Errno {
	st.mu.Lock()
	defer st.mu.Unlock()

	sl := &st.slots[idx]
	if !sl.inUse {
		return kerr.EBADF
	}
	sl.remote = append(net.IP(nil), ip.To4()...)
	return kerr.OK
}

// trigger sends one echo request; writing any byte to the data fd calls
// this.
func (st *icmpState) trigger(idx int) Result {
	st.mu.Lock()

	sl := &st.slots[idx]
	if !sl.inUse {
		st.mu.Unlock()
		return fail(kerr.EBADF)
	}
	if sl.remote == nil {
		st.mu.Unlock()
		return fail(kerr.EINVAL)
	}

	id, seq, dst := sl.id, sl.seq, sl.remote
	sl.seq++
	sl.hasReply = false
	sl.deadline = st.s.now().Add(echoTimeout)
	st.mu.Unlock()

	echo := layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       id,
		Seq:      seq,
	}
	payload := make([]byte, echoPayloadLen)

	ip := st.s.ipv4Header(dst, layers.IPProtocolICMPv4)
	st.s.sendIPv4(&ip, &echo, payload)

	return done(1)
}

// handle processes inbound ICMP: echo requests to our address draw
// replies; echo replies match outstanding sessions by id.
func (st *icmpState) handle(ip *layers.IPv4, icmp *layers.ICMPv4) {
	switch icmp.TypeCode.Type() {
	case layers.ICMPv4TypeEchoRequest:
		reply := layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
			Id:       icmp.Id,
			Seq:      icmp.Seq,
		}
		out := st.s.ipv4Header(ip.SrcIP, layers.IPProtocolICMPv4)
		st.s.sendIPv4(&out, &reply, icmp.Payload)

	case layers.ICMPv4TypeEchoReply:
		st.mu.Lock()
		for i := range st.slots {
			sl := &st.slots[i]
			if !sl.inUse || sl.id != icmp.Id {
				continue
			}

			text := fmt.Sprintf("64 bytes from %s: seq=%d ttl=%d\n",
				ip.SrcIP, icmp.Seq, ip.TTL)
			sl.deadline = time.Time{}
			st.deliverLocked(sl, text)
			break
		}
		st.mu.Unlock()
	}
}

// deliverLocked hands reply text to a parked reader or stores it for the
// next read.
func (st *icmpState) deliverLocked(sl *icmpSession, text string) {
	if len(sl.readWaiters) > 0 {
		w := sl.readWaiters[0]
		sl.readWaiters = sl.readWaiters[1:]

		n := len(text)
		if n > w.max {
			n = w.max
		}
		if e := w.as.CopyOut(w.va, []byte(text)[:n]); e != kerr.OK {
			st.s.wake(w.pid, e.Word())
			return
		}
		st.s.wake(w.pid, uint64(n))
		return
	}

	sl.reply = text
	sl.hasReply = true
}

// read returns the pending reply text or blocks for one.
func (st *icmpState) read(idx, pid int, as *mem.AddressSpace, va uint64, max int) Result {
	st.mu.Lock()
	defer st.mu.Unlock()

	sl := &st.slots[idx]
	if !sl.inUse {
		return fail(kerr.EBADF)
	}

	if sl.hasReply {
		n := len(sl.reply)
		if n > max {
			n = max
		}
		if e := as.CopyOut(va, []byte(sl.reply)[:n]); e != kerr.OK {
			return fail(e)
		}
		sl.hasReply = false
		return done(n)
	}

	sl.readWaiters = append(sl.readWaiters, ioWaiter{pid: pid, as: as, va: va, max: max})
	return block(BlockNetRead)
}

// tick expires outstanding requests into "timeout\n".
func (st *icmpState) tick(now time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()

	for i := range st.slots {
		sl := &st.slots[i]
		if sl.inUse && !sl.deadline.IsZero() && !now.Before(sl.deadline) {
			sl.deadline = time.Time{}
			st.deliverLocked(sl, "timeout\n")
		}
	}
}

func (st *icmpState) statusText(idx int) (string, kerr.Errno) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sl := &st.slots[idx]
	if !sl.inUse {
		return "", kerr.EBADF
	}
	if sl.remote == nil {
		return "Unconnected\n", kerr.OK
	}
	return fmt.Sprintf("Connected %s\n", sl.remote), kerr.OK
}

func (st *icmpState) addRef(idx int) kerr.Errno {
	st.mu.Lock()
	defer st.mu.Unlock()

	if idx < 0 || idx >= maxEchoSessions || !st.slots[idx].inUse {
		return kerr.ENOENT
	}
	st.slots[idx].fdRefs++
	return kerr.OK
}

func (st *icmpState) dropRef(idx int) {
	st.mu.Lock()
	defer st.mu.Unlock()

	sl := &st.slots[idx]
	if !sl.inUse {
		return
	}
	sl.fdRefs--
	if sl.fdRefs == 0 {
		sl.inUse = false
	}
}
