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

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/google/gopacket/layers"
	"github.com/jacobsa/syncutil"
)

const (
	maxUDPSlots = 32

	// A slot buffers exactly one datagram; an undrained one is overwritten
	// by the next arrival. Low-rate control traffic tolerates this.
	maxDatagram = 2048
)

type udpSlot struct {
	inUse bool

	localPort  uint16
	remoteIP   net.IP
	remotePort uint16
	connected  bool

	// The single-datagram receive buffer.
	buf     [maxDatagram]byte
	bufLen  int
	bufFrom net.IP
	hasData bool

	readWaiters []ioWaiter

	// Internal consumers (the DNS resolver) bypass the buffer.
	handler func(payload []byte, src net.IP, srcPort uint16)

	fdRefs int
}

type udpState struct {
	s *Stack

	mu    syncutil.InvariantMutex
	slots [maxUDPSlots]udpSlot // GUARDED_BY(mu)

	nextEphemeral uint16 // GUARDED_BY(mu)
}

func newUDPState(s *Stack) (u *udpState) {
	u = &udpState{
		s:             s,
		nextEphemeral: ephemeralPortBase,
	}
	u.mu = syncutil.NewInvariantMutex(func() {})
	return
}

// alloc claims a slot with an ephemeral local port.
func (u *udpState) alloc() (idx int, e kerr.Errno) {
	u.mu.Lock()
	defer u.mu.Unlock()

	for i := range u.slots {
		if u.slots[i].inUse {
			continue
		}

		u.slots[i] = udpSlot{
			inUse:     true,
			localPort: u.nextEphemeral,
			fdRefs:    1,
		}
		u.nextEphemeral++
		if u.nextEphemeral == 0 {
			u.nextEphemeral = ephemeralPortBase
		}
		idx = i
		return
	}

	e = kerr.ENOMEM
	return
}

// allocInternal claims a slot on a fixed port with a delivery handler,
// for in-kernel consumers.
func (u *udpState) allocInternal(port uint16, handler func([]byte, net.IP, uint16)) (idx int, e kerr.Errno) {
	idx, e = u.alloc()
	if e != kerr.OK {
		return
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.slots[idx].localPort = port
	u.slots[idx].handler = handler
	return
}

// bind fixes the local port.
func (u *udpState) bind(idx int, port uint16) kerr.Errno {
	u.mu.Lock()
	defer u.mu.Unlock()

	sl := &u.slots[idx]
	if !sl.inUse {
		return kerr.EBADF
	}
	sl.localPort = port
	return kerr.OK
}

// connect fills the remote endpoint; inbound delivery then also filters
// on it.
func (u *udpState) connect(idx int, ip net.IP, port uint16) kerr.Errno {
	u.mu.Lock()
	defer u.mu.Unlock()

	sl := &u.slots[idx]
	if !sl.inUse {
		return kerr.EBADF
	}
	sl.remoteIP = append(net.IP(nil), ip.To4()...)
	sl.remotePort = port
	sl.connected = true
	return kerr.OK
}

// handle delivers an inbound datagram to the first bound slot matching
// the destination port (and the remote, when connected).
func (u *udpState) handle(ip *layers.IPv4, udp *layers.UDP) {
	u.mu.Lock()

	for i := range u.slots {
		sl := &u.slots[i]
		if !sl.inUse || sl.localPort != uint16(udp.DstPort) {
			continue
		}
		if sl.connected &&
			(!sl.remoteIP.Equal(ip.SrcIP) || sl.remotePort != uint16(udp.SrcPort)) {
			continue
		}

		if sl.handler != nil {
			h := sl.handler
			payload := append([]byte(nil), udp.Payload...)
			src := append(net.IP(nil), ip.SrcIP.To4()...)
			u.mu.Unlock()
			h(payload, src, uint16(udp.SrcPort))
			return
		}

		// Overwrite whatever was there.
		n := copy(sl.buf[:], udp.Payload)
		sl.bufLen = n
		sl.bufFrom = append(net.IP(nil), ip.SrcIP.To4()...)
		sl.hasData = true

		if len(sl.readWaiters) > 0 {
			w := sl.readWaiters[0]
			sl.readWaiters = sl.readWaiters[1:]
			m := sl.bufLen
			if m > w.max {
				m = w.max
			}
			if e := w.as.CopyOut(w.va, sl.buf[:m]); e != kerr.OK {
				u.mu.Unlock()
				u.s.wake(w.pid, e.Word())
				return
			}
			sl.hasData = false
			u.mu.Unlock()
			u.s.wake(w.pid, uint64(m))
			return
		}

		u.mu.Unlock()
		return
	}

	u.mu.Unlock()
}

// send transmits one datagram from the slot to its remote.
func (u *udpState) send(idx int, payload []byte) Result {
	u.mu.Lock()
	sl := &u.slots[idx]
	if !sl.inUse {
		u.mu.Unlock()
		return fail(kerr.EBADF)
	}
	if !sl.connected {
		u.mu.Unlock()
		return fail(kerr.EINVAL)
	}
	dst := sl.remoteIP
	srcPort := sl.localPort
	dstPort := sl.remotePort
	u.mu.Unlock()

	u.sendTo(srcPort, dst, dstPort, payload)
	return done(len(payload))
}

// sendTo transmits a datagram with explicit endpoints; the resolver uses
// it directly.
func (u *udpState) sendTo(srcPort uint16, dst net.IP, dstPort uint16, payload []byte) {
	udp := layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	ip := u.s.ipv4Header(dst, layers.IPProtocolUDP)
	udp.SetNetworkLayerForChecksum(&ip)
	u.s.sendIPv4(&ip, &udp, payload)
}

// read returns the buffered datagram or blocks.
func (u *udpState) read(idx, pid int, as *mem.AddressSpace, va uint64, max int) Result {
	u.mu.Lock()
	defer u.mu.Unlock()

	sl := &u.slots[idx]
	if !sl.inUse {
		return fail(kerr.EBADF)
	}

	if sl.hasData {
		n := sl.bufLen
		if n > max {
			n = max
		}
		if e := as.CopyOut(va, sl.buf[:n]); e != kerr.OK {
			return fail(e)
		}
		sl.hasData = false
		return done(n)
	}

	sl.readWaiters = append(sl.readWaiters, ioWaiter{pid: pid, as: as, va: va, max: max})
	return block(BlockNetRead)
}

func (u *udpState) statusText(idx int) (string, kerr.Errno) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sl := &u.slots[idx]
	if !sl.inUse {
		return "", kerr.EBADF
	}
	if sl.connected {
		return "Connected\n", kerr.OK
	}
	return "Bound\n", kerr.OK
}

func (u *udpState) localText(idx int) (string, kerr.Errno) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sl := &u.slots[idx]
	if !sl.inUse {
		return "", kerr.EBADF
	}
	return fmt.Sprintf("%s!%d\n", u.s.ip, sl.localPort), kerr.OK
}

func (u *udpState) remoteText(idx int) (string, kerr.Errno) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sl := &u.slots[idx]
	if !sl.inUse {
		return "", kerr.EBADF
	}
	if !sl.connected {
		return "!0\n", kerr.OK
	}
	return fmt.Sprintf("%s!%d\n", sl.remoteIP, sl.remotePort), kerr.OK
}

func (u *udpState) addRef(idx int) kerr.Errno {
	u.mu.Lock()
	defer u.mu.Unlock()

	if idx < 0 || idx >= maxUDPSlots || !u.slots[idx].inUse {
		return kerr.ENOENT
	}
	u.slots[idx].fdRefs++
	return kerr.OK
}

func (u *udpState) dropRef(idx int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sl := &u.slots[idx]
	if !sl.inUse {
		return
	}
	sl.fdRefs--
	if sl.fdRefs == 0 {
		sl.inUse = false
	}
}
