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

// Package inet is the in-kernel TCP/IP stack: Ethernet and ARP at the
// bottom, IPv4 with ICMP/UDP/TCP above, the DNS resolver on top, and the
// /net file tree that exposes it all to userland. Wire headers are encoded
// and decoded with gopacket; the state machines, buffers, and timers are
// the kernel's own.
//
// Blocking integration: operations that cannot complete return a Result
// with Block set and a reason; the syscall layer parks the process. When
// the condition clears, the stack completes the transfer directly into the
// sleeping process's buffer and hands the final return word to the Waker.
package inet

import (
	"net"
	"time"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jacobsa/timeutil"
	"github.com/sirupsen/logrus"
)

// A Waker delivers a syscall return word to a blocked process. It reports
// false if the process was no longer blocked (killed in the meantime).
type Waker interface {
	Wake(pid int, ret uint64) bool
}

// BlockReason says which wake condition a blocked operation waits on.
type BlockReason int

const (
	BlockNone BlockReason = iota
	BlockNetRead
	BlockNetWrite
	BlockConnect
	BlockAccept
	BlockDNS
)

// Result is the outcome of a /net operation. Exactly one of Err != OK,
// Block, or a completed transfer of N bytes holds.
type Result struct {
	N     int
	Err   kerr.Errno
	Block BlockReason
}

func done(n int) Result          { return Result{N: n} }
func fail(e kerr.Errno) Result   { return Result{Err: e} }
func block(r BlockReason) Result { return Result{Block: r} }

// An ioWaiter is a process parked on a read-like operation, with the
// destination buffer the completion copies into.
type ioWaiter struct {
	pid int
	as  *mem.AddressSpace
	va  uint64
	max int
}

// Config for a stack instance.
type Config struct {
	Link       LinkDevice
	LocalIP    net.IP
	Netmask    net.IPMask
	Gateway    net.IP
	Nameserver net.IP
	Clock      timeutil.Clock
	Waker      Waker
	Log        *logrus.Logger
}

// Stack is one machine's network stack. Module-scoped singletons of the
// original (the connection table, the ARP cache, the resolver) live here
// so the whole thing can be instantiated per machine under test.
type Stack struct {
	link  LinkDevice
	ip    net.IP
	mask  net.IPMask
	gw    net.IP
	mac   net.HardwareAddr
	clock timeutil.Clock
	waker Waker
	log   *logrus.Entry

	arp  *arpCache
	tcp  *tcpState
	udp  *udpState
	icmp *icmpState
	dns  *resolver
}

// NewStack wires a stack to its link and starts receiving.
func NewStack(cfg Config) (s *Stack) {
	s = &Stack{
		link:  cfg.Link,
		ip:    cfg.LocalIP.To4(),
		mask:  cfg.Netmask,
		gw:    cfg.Gateway,
		mac:   cfg.Link.MAC(),
		clock: cfg.Clock,
		waker: cfg.Waker,
		log:   cfg.Log.WithField("subsys", "inet"),
	}

	s.arp = newARPCache()
	s.tcp = newTCPState(s)
	s.udp = newUDPState(s)
	s.icmp = newICMPState(s)
	s.dns = newResolver(s, cfg.Nameserver)

	cfg.Link.SetReceiver(s.HandleFrame)
	return
}

// LocalIP returns the configured address.
func (s *Stack) LocalIP() net.IP { return s.ip }

// Tick drives every deadline in the stack: TCP retransmission and
// TIME_WAIT reaping, ICMP echo timeouts, and DNS retries. The kernel calls
// it from its timer path.
func (s *Stack) Tick() {
	now := s.clock.Now()
	s.tcp.tick(now)
	s.icmp.tick(now)
	s.dns.tick(now)
}

////////////////////////////////////////////////////////////////////////
// Inbound demux
////////////////////////////////////////////////////////////////////////

// HandleFrame parses one Ethernet frame and demuxes by EtherType, then by
// IP protocol. Runs on the link's delivery goroutine.
func (s *Stack) HandleFrame(frame []byte) {
	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)

	if arpL := pkt.Layer(layers.LayerTypeARP); arpL != nil {
		s.handleARP(arpL.(*layers.ARP))
		return
	}

	ipL := pkt.Layer(layers.LayerTypeIPv4)
	if ipL == nil {
		return
	}
	ip := ipL.(*layers.IPv4)

	if !ip.DstIP.Equal(s.ip) {
		return
	}

	switch ip.Protocol {
	case layers.IPProtocolICMPv4:
		if l := pkt.Layer(layers.LayerTypeICMPv4); l != nil {
			s.icmp.handle(ip, l.(*layers.ICMPv4))
		}

	case layers.IPProtocolUDP:
		if l := pkt.Layer(layers.LayerTypeUDP); l != nil {
			s.udp.handle(ip, l.(*layers.UDP))
		}

	case layers.IPProtocolTCP:
		if l := pkt.Layer(layers.LayerTypeTCP); l != nil {
			tcp := l.(*layers.TCP)
			if !verifyTCPChecksum(ip.SrcIP, ip.DstIP, tcp.Contents, tcp.Payload) {
				s.log.WithField("src", ip.SrcIP).Debug("tcp: bad checksum, dropped")
				return
			}
			s.tcp.handleSegment(ip, tcp)
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Outbound path
////////////////////////////////////////////////////////////////////////

// nextHop picks the on-link destination for dst: dst itself when it's on
// our subnet, the gateway otherwise.
func (s *Stack) nextHop(dst net.IP) net.IP {
	if s.mask != nil && s.ip.Mask(s.mask).Equal(dst.Mask(s.mask)) {
		return dst
	}
	if s.gw != nil {
		return s.gw
	}
	return dst
}

// resolveMAC maps the next hop to a MAC, asking ARP if the cache misses.
// A miss returns false and the frame is dropped; upper-layer retransmission
// recovers once the reply lands.
func (s *Stack) resolveMAC(dst net.IP) (mac net.HardwareAddr, ok bool) {
	if dst.Equal(s.ip) {
		return s.mac, true
	}

	hop := s.nextHop(dst)
	if mac, ok = s.arp.lookup(hop); ok {
		return
	}

	s.sendARPRequest(hop)
	return
}

// sendIPv4 serializes and transmits one IPv4 packet. transport must be a
// gopacket layer that has had SetNetworkLayerForChecksum called against
// the IP header where applicable.
func (s *Stack) sendIPv4(ip *layers.IPv4, transport gopacket.SerializableLayer, payload []byte) {
	dstMAC, ok := s.resolveMAC(ip.DstIP)
	if !ok {
		return
	}

	eth := layers.Ethernet{
		SrcMAC:       s.mac,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

	var err error
	if payload != nil {
		err = gopacket.SerializeLayers(buf, opts, &eth, ip, transport, gopacket.Payload(payload))
	} else {
		err = gopacket.SerializeLayers(buf, opts, &eth, ip, transport)
	}
	if err != nil {
		s.log.WithError(err).Error("serialize failed")
		return
	}

	s.link.Send(buf.Bytes())
}

// ipv4Header builds the standard outbound header: TTL 64, DF set, no
// fragmentation support.
func (s *Stack) ipv4Header(dst net.IP, proto layers.IPProtocol) layers.IPv4 {
	return layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: proto,
		SrcIP:    s.ip,
		DstIP:    dst.To4(),
	}
}

// wake hands a return word to a parked process.
func (s *Stack) wake(pid int, ret uint64) {
	if s.waker != nil {
		s.waker.Wake(pid, ret)
	}
}

// now is a convenience for deadline math.
func (s *Stack) now() time.Time { return s.clock.Now() }
