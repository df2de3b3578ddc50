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
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/jacobsa/timeutil"
	"github.com/miekg/dns"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

////////////////////////////////////////////////////////////////////////
// Harness
////////////////////////////////////////////////////////////////////////

type wakeEvent struct {
	pid int
	ret uint64
}

// chanWaker records wakeups for assertions.
type chanWaker struct {
	events chan wakeEvent
}

func newChanWaker() *chanWaker {
	return &chanWaker{events: make(chan wakeEvent, 64)}
}

func (w *chanWaker) Wake(pid int, ret uint64) bool {
	w.events <- wakeEvent{pid: pid, ret: ret}
	return true
}

// await waits for a wakeup for pid, failing the test on timeout.
func (w *chanWaker) await(t *testing.T, pid int) uint64 {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-w.events:
			if ev.pid == pid {
				return ev.ret
			}
		case <-deadline:
			t.Fatalf("timed out waiting for wakeup of pid %d", pid)
		}
	}
}

type testHost struct {
	stack *Stack
	waker *chanWaker
	as    *mem.AddressSpace
	buf   uint64
}

const hostBufVA = 0x400000

func newTestHost(t *testing.T, ip string, link LinkDevice, clock timeutil.Clock) *testHost {
	t.Helper()

	pmm := mem.NewPMM(1024)
	kernel, err := mem.NewKernelSpace(pmm)
	require.NoError(t, err)

	as, e := mem.NewUserSpace(pmm, kernel)
	require.Equal(t, kerr.OK, e)
	require.Equal(t, kerr.OK,
		as.EnsureMapped(hostBufVA, 16*mem.PageSize, mem.PteUser|mem.PteWritable))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	waker := newChanWaker()
	stack := NewStack(Config{
		Link:    link,
		LocalIP: net.ParseIP(ip),
		Netmask: net.CIDRMask(24, 32),
		Clock:   clock,
		Waker:   waker,
		Log:     log,
	})

	return &testHost{stack: stack, waker: waker, as: as, buf: hostBufVA}
}

// read issues a read on a /net fd, following the block protocol.
func (h *testHost) read(t *testing.T, kind fdtab.VFileKind, idx, pid, max int, done *bool) (string, kerr.Errno) {
	t.Helper()

	res := h.stack.Read(kind, idx, pid, h.as, h.buf, max, done)
	if res.Err != kerr.OK {
		return "", res.Err
	}

	n := uint64(res.N)
	if res.Block != BlockNone {
		ret := h.waker.await(t, pid)
		if kerr.IsError(ret) {
			_, e := kerr.FromWord(ret)
			return "", e
		}
		n = ret
	}

	out := make([]byte, n)
	require.Equal(t, kerr.OK, h.as.CopyIn(h.buf, out))
	return string(out), kerr.OK
}

// write issues a write, following the block protocol.
func (h *testHost) write(t *testing.T, kind fdtab.VFileKind, idx, pid int, data string) (int, kerr.Errno) {
	t.Helper()

	res := h.stack.Write(kind, idx, pid, []byte(data))
	if res.Err != kerr.OK {
		return 0, res.Err
	}
	if res.Block != BlockNone {
		ret := h.waker.await(t, pid)
		if kerr.IsError(ret) {
			_, e := kerr.FromWord(ret)
			return 0, e
		}
		return int(ret), kerr.OK
	}
	return res.N, kerr.OK
}

func (h *testHost) openOK(t *testing.T, path string) (fdtab.VFileKind, int) {
	t.Helper()
	kind, idx, e := h.stack.Open(path)
	require.Equal(t, kerr.OK, e)
	return kind, idx
}

////////////////////////////////////////////////////////////////////////
// Checksum
////////////////////////////////////////////////////////////////////////

func TestChecksumVerify(t *testing.T) {
	src := net.ParseIP("10.0.0.1")
	dst := net.ParseIP("10.0.0.2")

	// A minimal header with a checksum we compute by hand.
	header := make([]byte, 20)
	header[12] = 5 << 4 // data offset
	payload := []byte("abc")

	// Compute the checksum for the segment and stuff it in.
	var pseudo [12]byte
	copy(pseudo[0:], src.To4())
	copy(pseudo[4:], dst.To4())
	pseudo[9] = 6
	tcpLen := len(header) + len(payload)
	pseudo[10] = byte(tcpLen >> 8)
	pseudo[11] = byte(tcpLen)

	sum := foldSum(0, pseudo[:])
	sum = foldSum(sum, header)
	sum = foldSum(sum, payload)
	ck := ^finishSum(sum)
	header[16] = byte(ck >> 8)
	header[17] = byte(ck)

	assert.True(t, verifyTCPChecksum(src, dst, header, payload))

	// Any flipped bit breaks it.
	payload[0] ^= 1
	assert.False(t, verifyTCPChecksum(src, dst, header, payload))
}

////////////////////////////////////////////////////////////////////////
// ARP
////////////////////////////////////////////////////////////////////////

func TestARPLearnAndReply(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.UTC))

	pair := NewPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 1},
		net.HardwareAddr{2, 0, 0, 0, 0, 2})

	a := newTestHost(t, "10.0.0.1", pair.A, clock)
	b := newTestHost(t, "10.0.0.2", pair.B, clock)

	// Sending a datagram with a cold cache drops the payload but emits an
	// ARP request; B replies and both caches learn.
	_, idx := a.openOK(t, "udp/clone")
	_, e := a.write(t, fdtab.VUDPCtl, idx, 1, "connect 10.0.0.2!999\n")
	require.Equal(t, kerr.OK, e)
	a.write(t, fdtab.VUDPData, idx, 1, "probe")

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := a.stack.arp.lookup(net.ParseIP("10.0.0.2")); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ARP cache never learned the peer")
		}
		time.Sleep(time.Millisecond)
	}

	mac, ok := a.stack.arp.lookup(net.ParseIP("10.0.0.2"))
	require.True(t, ok)
	assert.Equal(t, net.HardwareAddr{2, 0, 0, 0, 0, 2}, mac)

	mac, ok = b.stack.arp.lookup(net.ParseIP("10.0.0.1"))
	require.True(t, ok)
	assert.Equal(t, net.HardwareAddr{2, 0, 0, 0, 0, 1}, mac)
}

////////////////////////////////////////////////////////////////////////
// UDP
////////////////////////////////////////////////////////////////////////

func TestUDPDeliver(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.UTC))

	pair := NewPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 1},
		net.HardwareAddr{2, 0, 0, 0, 0, 2})

	a := newTestHost(t, "10.0.0.1", pair.A, clock)
	b := newTestHost(t, "10.0.0.2", pair.B, clock)

	// B binds port 2000 and parks a reader.
	_, bIdx := b.openOK(t, "udp/clone")
	_, e := b.write(t, fdtab.VUDPCtl, bIdx, 9, "announce *!2000\n")
	require.Equal(t, kerr.OK, e)

	readDone := make(chan string, 1)
	go func() {
		s, _ := b.read(t, fdtab.VUDPData, bIdx, 9, 256, nil)
		readDone <- s
	}()

	// A connects and sends. The first datagram dies to the cold ARP
	// cache; retry until delivery.
	_, aIdx := a.openOK(t, "udp/clone")
	_, e = a.write(t, fdtab.VUDPCtl, aIdx, 1, "connect 10.0.0.2!2000\n")
	require.Equal(t, kerr.OK, e)

	var got string
	deadline := time.After(5 * time.Second)
	for got == "" {
		a.write(t, fdtab.VUDPData, aIdx, 1, "ping!")
		select {
		case got = <-readDone:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("datagram never delivered")
		}
	}
	assert.Equal(t, "ping!", got)
}

////////////////////////////////////////////////////////////////////////
// ICMP
////////////////////////////////////////////////////////////////////////

func TestPingLoopback(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.UTC))

	lo := NewLoopback(net.HardwareAddr{2, 0, 0, 0, 0, 1})
	h := newTestHost(t, "10.0.0.1", lo, clock)

	kind, idx := h.openOK(t, "icmp/clone")
	require.Equal(t, fdtab.VICMPClone, kind)

	var done bool
	s, e := h.read(t, fdtab.VICMPClone, idx, 1, 16, &done)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, fmt.Sprintf("%d\n", idx), s)

	_, e = h.write(t, fdtab.VICMPCtl, idx, 1, "connect 10.0.0.1\n")
	require.Equal(t, kerr.OK, e)

	_, e = h.write(t, fdtab.VICMPData, idx, 1, "x")
	require.Equal(t, kerr.OK, e)

	s, e = h.read(t, fdtab.VICMPData, idx, 1, 256, nil)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "64 bytes from 10.0.0.1: seq=0 ttl=64\n", s)

	// Second echo bumps the sequence.
	_, e = h.write(t, fdtab.VICMPData, idx, 1, "x")
	require.Equal(t, kerr.OK, e)
	s, e = h.read(t, fdtab.VICMPData, idx, 1, 256, nil)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "64 bytes from 10.0.0.1: seq=1 ttl=64\n", s)
}

func TestPingTimeout(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.UTC))

	// The peer end of the pair has no stack: requests vanish.
	pair := NewPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 1},
		net.HardwareAddr{2, 0, 0, 0, 0, 2})
	h := newTestHost(t, "10.0.0.1", pair.A, clock)

	_, idx := h.openOK(t, "icmp/clone")
	_, e := h.write(t, fdtab.VICMPCtl, idx, 1, "connect 10.0.0.9\n")
	require.Equal(t, kerr.OK, e)
	_, e = h.write(t, fdtab.VICMPData, idx, 1, "x")
	require.Equal(t, kerr.OK, e)

	clock.AdvanceTime(4 * time.Second)
	h.stack.Tick()

	s, e := h.read(t, fdtab.VICMPData, idx, 1, 64, nil)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "timeout\n", s)
}

////////////////////////////////////////////////////////////////////////
// TCP
////////////////////////////////////////////////////////////////////////

// primeARP warms both caches so TCP handshakes aren't eaten by the first
// ARP miss.
func primeARP(t *testing.T, a, b *testHost) {
	t.Helper()

	a.stack.arp.learn(b.stack.ip, b.stack.mac)
	b.stack.arp.learn(a.stack.ip, a.stack.mac)
}

func dialPair(t *testing.T) (a, b *testHost, clock *timeutil.SimulatedClock) {
	clock = &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.UTC))

	pair := NewPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 1},
		net.HardwareAddr{2, 0, 0, 0, 0, 2})

	a = newTestHost(t, "10.0.0.1", pair.A, clock)
	b = newTestHost(t, "10.0.0.2", pair.B, clock)
	primeARP(t, a, b)
	return
}

// acceptOne parses the child index from a listener's listen fd.
func (h *testHost) acceptOne(t *testing.T, listenerIdx, pid int) int {
	t.Helper()

	s, e := h.read(t, fdtab.VTCPListen, listenerIdx, pid, 16, nil)
	require.Equal(t, kerr.OK, e)

	n, err := strconv.Atoi(strings.TrimSpace(s))
	require.NoError(t, err)
	return n
}

func TestTCPConnectAndEcho(t *testing.T) {
	a, b, _ := dialPair(t)

	// B listens on port 7.
	_, lIdx := b.openOK(t, "tcp/clone")
	_, e := b.write(t, fdtab.VTCPCtl, lIdx, 9, "announce *!7\n")
	require.Equal(t, kerr.OK, e)

	// A connects.
	_, cIdx := a.openOK(t, "tcp/clone")
	n, e := a.write(t, fdtab.VTCPCtl, cIdx, 1, "connect 10.0.0.2!7\n")
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, len("connect 10.0.0.2!7\n"), n)

	st, e := a.stack.tcp.statusText(cIdx)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "Established\n", st)

	// B accepts the child.
	childIdx := b.acceptOne(t, lIdx, 9)
	st, e = b.stack.tcp.statusText(childIdx)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "Established\n", st)

	// A sends; B echoes; A reads its own bytes back.
	n, e = a.write(t, fdtab.VTCPData, cIdx, 1, "hello")
	require.Equal(t, kerr.OK, e)
	require.Equal(t, 5, n)

	got, e := b.read(t, fdtab.VTCPData, childIdx, 9, 16, nil)
	require.Equal(t, kerr.OK, e)
	require.Equal(t, "hello", got)

	_, e = b.write(t, fdtab.VTCPData, childIdx, 9, got)
	require.Equal(t, kerr.OK, e)

	got, e = a.read(t, fdtab.VTCPData, cIdx, 1, 16, nil)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "hello", got)

	// Endpoint files agree.
	local, e := a.stack.tcp.localText(cIdx)
	require.Equal(t, kerr.OK, e)
	assert.True(t, strings.HasPrefix(local, "10.0.0.1!"))
	remote, e := a.stack.tcp.remoteText(cIdx)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "10.0.0.2!7\n", remote)
}

func TestTCPWindowReopens(t *testing.T) {
	a, b, _ := dialPair(t)

	_, lIdx := b.openOK(t, "tcp/clone")
	_, e := b.write(t, fdtab.VTCPCtl, lIdx, 9, "announce *!7\n")
	require.Equal(t, kerr.OK, e)

	_, cIdx := a.openOK(t, "tcp/clone")
	_, e = a.write(t, fdtab.VTCPCtl, cIdx, 1, "connect 10.0.0.2!7\n")
	require.Equal(t, kerr.OK, e)
	childIdx := b.acceptOne(t, lIdx, 9)

	// Stuff the receiver's whole ring plus one byte, without draining.
	total := RxBufSize + 1
	payload := strings.Repeat("z", 4096)
	sent := 0
	for sent < total {
		chunk := payload
		if total-sent < len(chunk) {
			chunk = chunk[:total-sent]
		}
		n, e := a.write(t, fdtab.VTCPData, cIdx, 1, chunk)
		require.Equal(t, kerr.OK, e)
		sent += n
	}

	// Drain everything; the final byte can only arrive after the
	// window-reopen ACK un-sticks the sender.
	received := 0
	for received < total {
		s, e := b.read(t, fdtab.VTCPData, childIdx, 9, 8192, nil)
		require.Equal(t, kerr.OK, e)
		received += len(s)
	}
	assert.Equal(t, total, received)
}

func TestTCPConnectTimeoutResets(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.UTC))

	// Nobody home on the other side of the pair.
	pair := NewPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 1},
		net.HardwareAddr{2, 0, 0, 0, 0, 2})
	h := newTestHost(t, "10.0.0.1", pair.A, clock)
	h.stack.arp.learn(net.ParseIP("10.0.0.2"), net.HardwareAddr{2, 0, 0, 0, 0, 2})

	_, idx := h.openOK(t, "tcp/clone")

	res := h.stack.Write(fdtab.VTCPCtl, idx, 1, []byte("connect 10.0.0.2!7\n"))
	require.Equal(t, BlockConnect, res.Block)

	clock.AdvanceTime(2 * time.Second)
	h.stack.Tick()

	ret := h.waker.await(t, 1)
	_, e := kerr.FromWord(ret)
	assert.Equal(t, kerr.ECONNRESET, e)
}

func TestTCPRefusedDrawsRST(t *testing.T) {
	a, b, _ := dialPair(t)
	_ = b

	// No listener on port 81: the SYN draws an RST, which unwinds the
	// connect with ECONNRESET.
	_, idx := a.openOK(t, "tcp/clone")

	res := a.stack.Write(fdtab.VTCPCtl, idx, 1, []byte("connect 10.0.0.2!81\n"))
	require.Equal(t, BlockConnect, res.Block)

	ret := a.waker.await(t, 1)
	_, e := kerr.FromWord(ret)
	assert.Equal(t, kerr.ECONNRESET, e)
}

func TestTCPHashInvariant(t *testing.T) {
	a, b, _ := dialPair(t)

	_, lIdx := b.openOK(t, "tcp/clone")
	_, e := b.write(t, fdtab.VTCPCtl, lIdx, 9, "announce *!7\n")
	require.Equal(t, kerr.OK, e)

	for i := 0; i < 3; i++ {
		_, cIdx := a.openOK(t, "tcp/clone")
		_, e := a.write(t, fdtab.VTCPCtl, cIdx, 1, "connect 10.0.0.2!7\n")
		require.Equal(t, kerr.OK, e)
		b.acceptOne(t, lIdx, 9)
	}

	// Every in-use hashed connection is reachable from its bucket, and
	// chains contain only in-use connections.
	st := a.stack.tcp
	st.allocMu.Lock()
	defer st.allocMu.Unlock()

	seen := 0
	for bkt := 0; bkt < tcpHashBuckets; bkt++ {
		for i := st.hash[bkt]; i != -1; i = st.conns[i].hashNext {
			c := &st.conns[i]
			require.True(t, c.inUse)
			require.Equal(t, bkt, tcpHashKey(c.localPort, c.remotePort, c.remoteIP))
			seen++
		}
	}
	assert.Equal(t, 3, seen)
}

////////////////////////////////////////////////////////////////////////
// DNS
////////////////////////////////////////////////////////////////////////

// startDNSResponder installs a fake nameserver on h answering every A
// query with addr.
func startDNSResponder(t *testing.T, h *testHost, addr string) {
	t.Helper()

	_, e := h.stack.udp.allocInternal(53, func(payload []byte, src net.IP, srcPort uint16) {
		q := new(dns.Msg)
		if err := q.Unpack(payload); err != nil {
			return
		}

		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Answer = append(resp.Answer, &dns.A{
			Hdr: dns.RR_Header{
				Name:   q.Question[0].Name,
				Rrtype: dns.TypeA,
				Class:  dns.ClassINET,
				Ttl:    300,
			},
			A: net.ParseIP(addr).To4(),
		})

		wire, err := resp.Pack()
		if err != nil {
			return
		}
		h.stack.udp.sendTo(53, src, srcPort, wire)
	})
	require.Equal(t, kerr.OK, e)
}

func TestDNSResolveAndCache(t *testing.T) {
	a, b, clock := dialPair(t)
	startDNSResponder(t, b, "93.184.216.34")

	// Point the resolver at B via the ctl file.
	_, dnsIdx := a.openOK(t, "dns")
	_, e := a.write(t, fdtab.VDNSCtl, -1, 1, "nameserver 10.0.0.2\n")
	require.Equal(t, kerr.OK, e)

	_, e = a.write(t, fdtab.VDNS, dnsIdx, 1, "query example.com")
	require.Equal(t, kerr.OK, e)

	s, e := a.read(t, fdtab.VDNS, dnsIdx, 1, 64, nil)
	require.Equal(t, kerr.OK, e)
	assert.Equal(t, "93.184.216.34\n", s)

	// The cache now answers instantly, no network involved.
	res := a.stack.Write(fdtab.VDNS, dnsIdx, 1, []byte("query example.com"))
	require.Equal(t, kerr.OK, res.Err)
	res = a.stack.Read(fdtab.VDNS, dnsIdx, 1, a.as, a.buf, 64, nil)
	require.Equal(t, kerr.OK, res.Err)
	require.Equal(t, BlockNone, res.Block)

	// The cache dump mentions the name.
	var done bool
	dump, e := a.read(t, fdtab.VDNSCache, -1, 1, 4096, &done)
	require.Equal(t, kerr.OK, e)
	assert.Contains(t, dump, "example.com")
	assert.Contains(t, dump, "93.184.216.34")

	// Expiry: past the (capped) TTL the cache forgets.
	clock.AdvanceTime(11 * time.Minute)
	done = false
	dump, e = a.read(t, fdtab.VDNSCache, -1, 1, 4096, &done)
	require.Equal(t, kerr.OK, e)
	assert.NotContains(t, dump, "example.com")
}

func TestDNSRetriesThenFails(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Date(2012, 8, 15, 22, 56, 0, 0, time.UTC))

	// Nameserver configured but nobody answers.
	pair := NewPair(
		net.HardwareAddr{2, 0, 0, 0, 0, 1},
		net.HardwareAddr{2, 0, 0, 0, 0, 2})
	h := newTestHost(t, "10.0.0.1", pair.A, clock)
	h.stack.arp.learn(net.ParseIP("10.0.0.2"), net.HardwareAddr{2, 0, 0, 0, 0, 2})
	h.stack.dns.setNameserver(net.ParseIP("10.0.0.2"))

	_, idx := h.openOK(t, "dns")
	_, e := h.write(t, fdtab.VDNS, idx, 1, "query nosuch.test")
	require.Equal(t, kerr.OK, e)

	res := h.stack.Read(fdtab.VDNS, idx, 1, h.as, h.buf, 64, nil)
	require.Equal(t, BlockDNS, res.Block)

	// Five attempts at one-second spacing, then failure.
	for i := 0; i < 6; i++ {
		clock.AdvanceTime(1100 * time.Millisecond)
		h.stack.Tick()
	}

	ret := h.waker.await(t, 1)
	_, errno := kerr.FromWord(ret)
	assert.Equal(t, kerr.ENOENT, errno)
}
