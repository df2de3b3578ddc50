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
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jacobsa/syncutil"
)

const arpCacheSize = 16

type arpEntry struct {
	ip   net.IP
	mac  net.HardwareAddr
	used bool
}

// arpCache maps on-link IPs to MACs with round-robin eviction.
type arpCache struct {
	mu      syncutil.InvariantMutex
	entries [arpCacheSize]arpEntry // GUARDED_BY(mu)
	next    int                    // GUARDED_BY(mu)
}

func newARPCache() (c *arpCache) {
	c = &arpCache{}
	c.mu = syncutil.NewInvariantMutex(func() {})
	return
}

func (c *arpCache) lookup(ip net.IP) (mac net.HardwareAddr, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range c.entries {
		if e.used && e.ip.Equal(ip) {
			return e.mac, true
		}
	}

	return
}

// learn records a sender's (ip, mac), updating in place if known.
func (c *arpCache) learn(ip net.IP, mac net.HardwareAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.entries {
		if c.entries[i].used && c.entries[i].ip.Equal(ip) {
			c.entries[i].mac = mac
			return
		}
	}

	c.entries[c.next] = arpEntry{
		ip:   append(net.IP(nil), ip.To4()...),
		mac:  append(net.HardwareAddr(nil), mac...),
		used: true,
	}
	c.next = (c.next + 1) % arpCacheSize
}

// handleARP learns from both requests and replies, and answers requests
// for our address.
func (s *Stack) handleARP(a *layers.ARP) {
	sender := net.IP(a.SourceProtAddress)
	s.arp.learn(sender, net.HardwareAddr(a.SourceHwAddress))

	if a.Operation == layers.ARPRequest && net.IP(a.DstProtAddress).Equal(s.ip) {
		s.sendARP(layers.ARPReply, net.HardwareAddr(a.SourceHwAddress), sender)
	}
}

func (s *Stack) sendARPRequest(target net.IP) {
	s.sendARP(layers.ARPRequest, net.HardwareAddr{0, 0, 0, 0, 0, 0}, target)
}

func (s *Stack) sendARP(op uint16, dstMAC net.HardwareAddr, dstIP net.IP) {
	ethDst := dstMAC
	if op == layers.ARPRequest {
		ethDst = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	}

	eth := layers.Ethernet{
		SrcMAC:       s.mac,
		DstMAC:       ethDst,
		EthernetType: layers.EthernetTypeARP,
	}
	arp := layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   s.mac,
		SourceProtAddress: s.ip.To4(),
		DstHwAddress:      dstMAC,
		DstProtAddress:    dstIP.To4(),
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &arp); err != nil {
		s.log.WithError(err).Error("arp: serialize failed")
		return
	}

	s.link.Send(buf.Bytes())
}
