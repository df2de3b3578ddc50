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
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/google/gopacket/layers"
	"github.com/jacobsa/syncutil"
)

const (
	// MaxConns is the connection table capacity.
	MaxConns = 256

	// RxBufSize is the per-connection receive ring.
	RxBufSize = 16384

	// TxBufSize is the per-connection transmit buffer held for
	// retransmission.
	TxBufSize = 4096

	DefaultMSS = 1460

	tcpHashBuckets = 256
	tcpMaxWaiters  = 4
	tcpMaxRetries  = 8

	tcpRetransmitBase = time.Second
	tcpTimeWaitDelay  = 2 * time.Second

	ephemeralPortBase = 49152
)

type TCPState int

const (
	TCPClosed TCPState = iota
	TCPListen
	TCPSynSent
	TCPSynReceived
	TCPEstablished
	TCPFinWait1
	TCPFinWait2
	TCPCloseWait
	TCPLastAck
	TCPTimeWait
	TCPClosing
)

func (st TCPState) String() string {
	switch st {
	case TCPClosed:
		return "Closed"
	case TCPListen:
		return "Listen"
	case TCPSynSent:
		return "SynSent"
	case TCPSynReceived:
		return "SynReceived"
	case TCPEstablished:
		return "Established"
	case TCPFinWait1:
		return "FinWait1"
	case TCPFinWait2:
		return "FinWait2"
	case TCPCloseWait:
		return "CloseWait"
	case TCPLastAck:
		return "LastAck"
	case TCPTimeWait:
		return "TimeWait"
	case TCPClosing:
		return "Closing"
	}
	return fmt.Sprintf("TCPState(%d)", int(st))
}

// Sequence arithmetic.
func seqLT(a, b uint32) bool  { return int32(a-b) < 0 }
func seqLEQ(a, b uint32) bool { return int32(a-b) <= 0 }

type connectWaiter struct {
	pid int
	// Return word on success: the byte count of the ctl command.
	okRet uint64
}

type writeWaiter struct {
	pid  int
	data []byte
}

type tcpConn struct {
	idx int

	mu syncutil.InvariantMutex

	inUse bool // GUARDED_BY(mu)
	state TCPState

	// Endpoint 4-tuple. Immutable while the connection is hashed.
	localPort  uint16
	remotePort uint16
	remoteIP   net.IP

	iss    uint32
	sndUna uint32 // GUARDED_BY(mu)
	sndNxt uint32 // GUARDED_BY(mu)
	rcvNxt uint32 // GUARDED_BY(mu)

	remoteWnd uint32 // GUARDED_BY(mu)
	mss       uint32

	// Receive ring.
	//
	// INVARIANT: rxCount <= RxBufSize
	rxBuf   [RxBufSize]byte // GUARDED_BY(mu)
	rxStart int             // GUARDED_BY(mu)
	rxCount int             // GUARDED_BY(mu)

	// Transmit buffer: bytes [sndUna, sndUna+txCount) awaiting ACK.
	//
	// INVARIANT: In ESTABLISHED, sndNxt-sndUna <= uint32(txCount)+finBit
	txBuf   [TxBufSize]byte // GUARDED_BY(mu)
	txCount int             // GUARDED_BY(mu)

	rtoDeadline time.Time // GUARDED_BY(mu); zero when no timer armed
	retries     int       // GUARDED_BY(mu)
	twDeadline  time.Time // GUARDED_BY(mu)

	// Waiters, each capped at tcpMaxWaiters.
	readWaiters    []ioWaiter      // GUARDED_BY(mu)
	writeWaiters   []writeWaiter   // GUARDED_BY(mu)
	connectWaiters []connectWaiter // GUARDED_BY(mu)
	acceptWaiters  []ioWaiter      // GUARDED_BY(mu); listeners only

	// Accepted children not yet claimed via the listen fd.
	childReady []int // GUARDED_BY(mu)

	// Listener that spawned this connection, or -1.
	parent int

	// Hash chain link, or -1.
	hashNext int // GUARDED_BY(alloc lock)

	finRcvd bool // GUARDED_BY(mu)
	finSent bool // GUARDED_BY(mu)
	reset   bool // GUARDED_BY(mu)

	// Last window we advertised, for the window-reopen ACK.
	lastAdvWnd uint32 // GUARDED_BY(mu)

	// Number of /net fds referencing this connection.
	fdRefs int // GUARDED_BY(mu)
}

func (c *tcpConn) checkInvariants() {
	if c.rxCount > RxBufSize {
		panic("tcp: receive ring overfull")
	}
	if c.txCount > TxBufSize {
		panic("tcp: transmit buffer overfull")
	}
	if len(c.readWaiters) > tcpMaxWaiters ||
		len(c.connectWaiters) > tcpMaxWaiters ||
		len(c.acceptWaiters) > tcpMaxWaiters {
		panic("tcp: waiter list over capacity")
	}
}

// tcpState is the module-wide connection table: fixed slots, a 256-bucket
// chained hash for established-segment demux, and a listener index.
//
// Lock order: conn.mu -> allocMu, never the reverse. handleSegment does the
// hash lookup under allocMu, releases it, then takes conn.mu. Allocation
// and hash insertion hold both.
type tcpState struct {
	s *Stack

	allocMu syncutil.InvariantMutex

	conns [MaxConns]tcpConn // slot allocation GUARDED_BY(allocMu)

	// Chained hash over (local_port, remote_port, remote_ip).
	hash [tcpHashBuckets]int // GUARDED_BY(allocMu)

	// Listening ports.
	listeners map[uint16]int // GUARDED_BY(allocMu)

	nextEphemeral uint16 // GUARDED_BY(allocMu)
	issCounter    uint32 // GUARDED_BY(allocMu)
}

func newTCPState(s *Stack) (t *tcpState) {
	t = &tcpState{
		s:             s,
		listeners:     make(map[uint16]int),
		nextEphemeral: ephemeralPortBase,
	}
	t.allocMu = syncutil.NewInvariantMutex(func() {})

	for i := range t.conns {
		t.conns[i].idx = i
		t.conns[i].hashNext = -1
		t.conns[i].parent = -1
		t.conns[i].mu = syncutil.NewInvariantMutex(t.conns[i].checkInvariants)
	}
	for i := range t.hash {
		t.hash[i] = -1
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Hash demux
////////////////////////////////////////////////////////////////////////

// tcpHashKey is FNV-1a over (local_port, remote_port, remote_ip).
func tcpHashKey(localPort, remotePort uint16, remoteIP net.IP) int {
	var b [8]byte
	binary.BigEndian.PutUint16(b[0:], localPort)
	binary.BigEndian.PutUint16(b[2:], remotePort)
	copy(b[4:], remoteIP.To4())

	h := uint32(2166136261)
	for _, c := range b {
		h ^= uint32(c)
		h *= 16777619
	}
	return int(h % tcpHashBuckets)
}

// hashInsert links c into its bucket. Caller holds allocMu.
func (t *tcpState) hashInsert(c *tcpConn) {
	b := tcpHashKey(c.localPort, c.remotePort, c.remoteIP)
	c.hashNext = t.hash[b]
	t.hash[b] = c.idx
}

// hashRemove unlinks c. Caller holds allocMu.
func (t *tcpState) hashRemove(c *tcpConn) {
	b := tcpHashKey(c.localPort, c.remotePort, c.remoteIP)
	if t.hash[b] == c.idx {
		t.hash[b] = c.hashNext
		c.hashNext = -1
		return
	}

	for i := t.hash[b]; i != -1; i = t.conns[i].hashNext {
		if t.conns[i].hashNext == c.idx {
			t.conns[i].hashNext = c.hashNext
			c.hashNext = -1
			return
		}
	}
}

// hashLookup finds the hashed connection for a 4-tuple.
func (t *tcpState) hashLookup(localPort, remotePort uint16, remoteIP net.IP) *tcpConn {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	b := tcpHashKey(localPort, remotePort, remoteIP)
	for i := t.hash[b]; i != -1; i = t.conns[i].hashNext {
		c := &t.conns[i]
		if c.localPort == localPort && c.remotePort == remotePort &&
			c.remoteIP.Equal(remoteIP) {
			return c
		}
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Allocation
////////////////////////////////////////////////////////////////////////

// alloc claims a free slot, returned in state Closed with one fd
// reference.
func (t *tcpState) alloc() (c *tcpConn, e kerr.Errno) {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	for i := range t.conns {
		if t.conns[i].inUse {
			continue
		}

		c = &t.conns[i]
		c.mu.Lock()
		c.inUse = true
		c.state = TCPClosed
		c.localPort = 0
		c.remotePort = 0
		c.remoteIP = nil
		c.sndUna, c.sndNxt, c.rcvNxt = 0, 0, 0
		c.remoteWnd = 0
		c.mss = DefaultMSS
		c.rxStart, c.rxCount, c.txCount = 0, 0, 0
		c.rtoDeadline = time.Time{}
		c.twDeadline = time.Time{}
		c.retries = 0
		c.readWaiters = nil
		c.writeWaiters = nil
		c.connectWaiters = nil
		c.acceptWaiters = nil
		c.childReady = nil
		c.parent = -1
		c.hashNext = -1
		c.finRcvd, c.finSent, c.reset = false, false, false
		c.lastAdvWnd = RxBufSize
		c.fdRefs = 1
		c.mu.Unlock()
		return
	}

	e = kerr.ENOMEM
	return
}

// freeLocked releases a slot: unhash, unlist, mark free. Caller holds
// c.mu; allocMu is taken here (conn -> alloc order).
func (t *tcpState) freeLocked(c *tcpConn) {
	t.allocMu.Lock()
	if c.hashNext != -1 || t.hashed(c) {
		t.hashRemove(c)
	}
	if idx, ok := t.listeners[c.localPort]; ok && idx == c.idx {
		delete(t.listeners, c.localPort)
	}
	c.inUse = false
	c.state = TCPClosed
	t.allocMu.Unlock()
}

// hashed reports whether c is the head or member of its bucket chain.
// Caller holds allocMu.
func (t *tcpState) hashed(c *tcpConn) bool {
	if c.remoteIP == nil {
		return false
	}
	b := tcpHashKey(c.localPort, c.remotePort, c.remoteIP)
	for i := t.hash[b]; i != -1; i = t.conns[i].hashNext {
		if i == c.idx {
			return true
		}
	}
	return false
}

func (t *tcpState) ephemeralPort() uint16 {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	p := t.nextEphemeral
	t.nextEphemeral++
	if t.nextEphemeral == 0 {
		t.nextEphemeral = ephemeralPortBase
	}
	return p
}

func (t *tcpState) nextISS() uint32 {
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	t.issCounter += 64021
	return t.issCounter
}

////////////////////////////////////////////////////////////////////////
// Segment emission
////////////////////////////////////////////////////////////////////////

type tcpFlags struct {
	syn, ack, fin, rst bool
}

// emit builds and transmits one segment. Caller holds c.mu; transmission
// touches no connection locks.
func (t *tcpState) emit(c *tcpConn, f tcpFlags, seq uint32, payload []byte) {
	wnd := uint32(RxBufSize - c.rxCount)
	if wnd > 65535 {
		wnd = 65535
	}

	seg := layers.TCP{
		SrcPort: layers.TCPPort(c.localPort),
		DstPort: layers.TCPPort(c.remotePort),
		Seq:     seq,
		Window:  uint16(wnd),
		SYN:     f.syn,
		ACK:     f.ack,
		FIN:     f.fin,
		RST:     f.rst,
	}
	if f.ack {
		seg.Ack = c.rcvNxt
		c.lastAdvWnd = wnd
	}
	if f.syn {
		var mss [2]byte
		binary.BigEndian.PutUint16(mss[:], uint16(c.mss))
		seg.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   mss[:],
		}}
	}

	ip := t.s.ipv4Header(c.remoteIP, layers.IPProtocolTCP)
	seg.SetNetworkLayerForChecksum(&ip)
	t.s.sendIPv4(&ip, &seg, payload)
}

// emitRST answers a segment that matches no connection.
func (t *tcpState) emitRST(srcIP net.IP, seg *layers.TCP) {
	rst := layers.TCP{
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
		Seq:     seg.Ack,
		Ack:     seg.Seq + uint32(len(seg.Payload)),
		RST:     true,
		ACK:     true,
	}

	ip := t.s.ipv4Header(srcIP, layers.IPProtocolTCP)
	rst.SetNetworkLayerForChecksum(&ip)
	t.s.sendIPv4(&ip, &rst, nil)
}

// emitPending transmits un-sent transmit-buffer bytes in segments of at
// most MSS, bounded by the peer's window. Caller holds c.mu.
func (t *tcpState) emitPending(c *tcpConn) {
	for {
		unsent := uint32(c.txCount) - (c.sndNxt - c.sndUna)
		if unsent == 0 {
			break
		}

		inFlight := c.sndNxt - c.sndUna
		if c.remoteWnd <= inFlight {
			break
		}

		n := unsent
		if n > c.mss {
			n = c.mss
		}
		if room := c.remoteWnd - inFlight; n > room {
			n = room
		}

		off := int(c.sndNxt - c.sndUna)
		payload := make([]byte, n)
		copy(payload, c.txBuf[off:off+int(n)])

		t.emit(c, tcpFlags{ack: true}, c.sndNxt, payload)
		c.sndNxt += n
	}

	if c.txCount > 0 && c.rtoDeadline.IsZero() {
		c.retries = 0
		c.rtoDeadline = t.s.now().Add(tcpRetransmitBase)
	}
}

////////////////////////////////////////////////////////////////////////
// Inbound segments
////////////////////////////////////////////////////////////////////////

// handleSegment demuxes and processes one verified inbound segment.
func (t *tcpState) handleSegment(ip *layers.IPv4, seg *layers.TCP) {
	c := t.hashLookup(uint16(seg.DstPort), uint16(seg.SrcPort), ip.SrcIP)
	if c != nil {
		t.processSegment(c, seg)
		return
	}

	// No established match: a bare SYN may hit a listener.
	if seg.SYN && !seg.ACK {
		t.allocMu.Lock()
		idx, ok := t.listeners[uint16(seg.DstPort)]
		t.allocMu.Unlock()
		if ok {
			t.handleListenSYN(&t.conns[idx], ip, seg)
			return
		}
	}

	if !seg.RST {
		t.emitRST(ip.SrcIP, seg)
	}
}

// handleListenSYN allocates a child connection in SYN_RECEIVED, hashes it
// on the remote 4-tuple, and answers SYN+ACK.
func (t *tcpState) handleListenSYN(listener *tcpConn, ip *layers.IPv4, seg *layers.TCP) {
	child, e := t.alloc()
	if e != kerr.OK {
		return
	}

	child.mu.Lock()
	child.fdRefs = 0 // owned by the listener until accepted
	child.localPort = listener.localPort
	child.remotePort = uint16(seg.SrcPort)
	child.remoteIP = append(net.IP(nil), ip.SrcIP.To4()...)
	child.parent = listener.idx
	child.iss = t.nextISS()
	child.sndUna = child.iss
	child.sndNxt = child.iss + 1
	child.rcvNxt = seg.Seq + 1
	child.remoteWnd = uint32(seg.Window)
	child.mss = mssFromOptions(seg)
	child.state = TCPSynReceived

	t.allocMu.Lock()
	t.hashInsert(child)
	t.allocMu.Unlock()

	t.emit(child, tcpFlags{syn: true, ack: true}, child.iss, nil)
	child.rtoDeadline = t.s.now().Add(tcpRetransmitBase)
	child.mu.Unlock()
}

func mssFromOptions(seg *layers.TCP) uint32 {
	for _, o := range seg.Options {
		if o.OptionType == layers.TCPOptionKindMSS && len(o.OptionData) >= 2 {
			return uint32(binary.BigEndian.Uint16(o.OptionData))
		}
	}
	return DefaultMSS
}

// processSegment runs the state machine for one segment against a hashed
// connection. The per-connection lock is held across the state
// transition, any ACK emission, and waiter wakeups.
func (t *tcpState) processSegment(c *tcpConn, seg *layers.TCP) {
	notifyParent := -1

	c.mu.Lock()

	if !c.inUse {
		c.mu.Unlock()
		return
	}

	if seg.RST {
		t.resetLocked(c)
		c.mu.Unlock()
		return
	}

	switch c.state {
	case TCPSynSent:
		if seg.SYN && seg.ACK && seg.Ack == c.iss+1 {
			c.rcvNxt = seg.Seq + 1
			c.sndUna = c.iss + 1
			c.remoteWnd = uint32(seg.Window)
			c.mss = mssFromOptions(seg)
			c.state = TCPEstablished
			c.rtoDeadline = time.Time{}
			t.emit(c, tcpFlags{ack: true}, c.sndNxt, nil)

			for _, w := range c.connectWaiters {
				t.s.wake(w.pid, w.okRet)
			}
			c.connectWaiters = nil
		}

	case TCPSynReceived:
		if seg.ACK && seg.Ack == c.iss+1 {
			c.sndUna = c.iss + 1
			c.remoteWnd = uint32(seg.Window)
			c.state = TCPEstablished
			c.rtoDeadline = time.Time{}
			notifyParent = c.parent
		}

	default:
		t.processEstablishedLocked(c, seg)
	}

	c.mu.Unlock()

	if notifyParent >= 0 {
		t.notifyAccept(notifyParent, c.idx)
	}
}

// processEstablishedLocked handles ACK advancement, in-order data, FIN,
// and the close-handshake transitions for every post-handshake state.
func (t *tcpState) processEstablishedLocked(c *tcpConn, seg *layers.TCP) {
	// ACK processing.
	if seg.ACK && seqLT(c.sndUna, seg.Ack) && seqLEQ(seg.Ack, c.sndNxt) {
		acked := seg.Ack - c.sndUna

		dataAcked := int(acked)
		if dataAcked > c.txCount {
			// The FIN's sequence slot.
			dataAcked = c.txCount
		}
		copy(c.txBuf[:], c.txBuf[dataAcked:c.txCount])
		c.txCount -= dataAcked
		c.sndUna = seg.Ack

		if c.sndUna == c.sndNxt {
			c.rtoDeadline = time.Time{}
			c.retries = 0
		} else {
			c.rtoDeadline = t.s.now().Add(tcpRetransmitBase)
			c.retries = 0
		}

		t.completeWriteWaitersLocked(c)

		finAcked := c.finSent && c.sndUna == c.sndNxt
		switch {
		case c.state == TCPFinWait1 && finAcked:
			c.state = TCPFinWait2
		case c.state == TCPClosing && finAcked:
			c.enterTimeWait(t)
		case c.state == TCPLastAck && finAcked:
			t.freeLocked(c)
			return
		}
	}
	if seg.ACK {
		c.remoteWnd = uint32(seg.Window)
	}

	t.emitPending(c)

	// Data processing: in-order only; anything else draws a duplicate ACK.
	if len(seg.Payload) > 0 {
		if seg.Seq != c.rcvNxt {
			t.emit(c, tcpFlags{ack: true}, c.sndNxt, nil)
		} else {
			free := RxBufSize - c.rxCount
			n := len(seg.Payload)
			if n > free {
				n = free
			}
			for i := 0; i < n; i++ {
				c.rxBuf[(c.rxStart+c.rxCount+i)%RxBufSize] = seg.Payload[i]
			}
			c.rxCount += n
			c.rcvNxt += uint32(n)

			t.completeReadWaitersLocked(c)
			t.emit(c, tcpFlags{ack: true}, c.sndNxt, nil)

			if n < len(seg.Payload) {
				// Tail didn't fit; the shrunken window in the ACK above
				// tells the peer to back off and retransmit.
				return
			}
		}
	}

	// FIN processing, only once all in-order data was consumed.
	if seg.FIN && seg.Seq+uint32(len(seg.Payload)) == c.rcvNxt && !c.finRcvd {
		c.finRcvd = true
		c.rcvNxt++

		switch c.state {
		case TCPEstablished:
			c.state = TCPCloseWait
		case TCPFinWait1:
			if c.finSent && c.sndUna == c.sndNxt {
				c.enterTimeWait(t)
			} else {
				c.state = TCPClosing
			}
		case TCPFinWait2:
			c.enterTimeWait(t)
		}

		t.emit(c, tcpFlags{ack: true}, c.sndNxt, nil)

		// EOF for parked readers.
		for _, w := range c.readWaiters {
			t.s.wake(w.pid, 0)
		}
		c.readWaiters = nil
	}
}

func (c *tcpConn) enterTimeWait(t *tcpState) {
	c.state = TCPTimeWait
	c.twDeadline = t.s.now().Add(tcpTimeWaitDelay)
	c.rtoDeadline = time.Time{}
}

// resetLocked tears a connection down on RST or retry exhaustion: all
// waiters learn ECONNRESET and the slot is freed.
func (t *tcpState) resetLocked(c *tcpConn) {
	c.reset = true
	c.rtoDeadline = time.Time{}

	for _, w := range c.readWaiters {
		t.s.wake(w.pid, kerr.ECONNRESET.Word())
	}
	c.readWaiters = nil
	for _, w := range c.writeWaiters {
		t.s.wake(w.pid, kerr.ECONNRESET.Word())
	}
	c.writeWaiters = nil
	for _, w := range c.connectWaiters {
		t.s.wake(w.pid, kerr.ECONNRESET.Word())
	}
	c.connectWaiters = nil
	for _, w := range c.acceptWaiters {
		t.s.wake(w.pid, kerr.ECONNRESET.Word())
	}
	c.acceptWaiters = nil

	if c.fdRefs > 0 {
		// Keep the slot so readers can observe ECONNRESET; it dies with
		// its last fd.
		c.state = TCPClosed
		t.allocMu.Lock()
		if t.hashed(c) {
			t.hashRemove(c)
		}
		t.allocMu.Unlock()
		return
	}

	t.freeLocked(c)
}

// notifyAccept queues an established child on its listener and completes
// one parked accept read, which receives the child's index as text.
func (t *tcpState) notifyAccept(listenerIdx, childIdx int) {
	l := &t.conns[listenerIdx]

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.inUse || l.state != TCPListen {
		return
	}

	l.childReady = append(l.childReady, childIdx)

	if len(l.acceptWaiters) > 0 {
		w := l.acceptWaiters[0]
		l.acceptWaiters = l.acceptWaiters[1:]
		idx := l.childReady[0]
		l.childReady = l.childReady[1:]

		text := fmt.Sprintf("%d\n", idx)
		n := len(text)
		if n > w.max {
			n = w.max
		}
		if e := w.as.CopyOut(w.va, []byte(text)[:n]); e != kerr.OK {
			t.s.wake(w.pid, e.Word())
			return
		}

		// An accepted child is pinned by the fd its index will be opened
		// through; account the reference here.
		t.conns[idx].mu.Lock()
		t.conns[idx].fdRefs++
		t.conns[idx].mu.Unlock()

		t.s.wake(w.pid, uint64(n))
	}
}

////////////////////////////////////////////////////////////////////////
// Waiter completion
////////////////////////////////////////////////////////////////////////

// completeReadWaitersLocked drains ring bytes into parked readers.
func (t *tcpState) completeReadWaitersLocked(c *tcpConn) {
	for len(c.readWaiters) > 0 && c.rxCount > 0 {
		w := c.readWaiters[0]
		c.readWaiters = c.readWaiters[1:]

		n := t.drainRxLocked(c, w.as, w.va, w.max)
		t.s.wake(w.pid, uint64(n))
	}
}

// drainRxLocked copies up to max ring bytes to user memory and emits the
// window-reopen ACK when the drain makes room for another MSS.
func (t *tcpState) drainRxLocked(c *tcpConn, as *mem.AddressSpace, va uint64, max int) (n int) {
	for n < max && c.rxCount > 0 {
		chunk := RxBufSize - c.rxStart
		if chunk > c.rxCount {
			chunk = c.rxCount
		}
		if chunk > max-n {
			chunk = max - n
		}

		if e := as.CopyOut(va+uint64(n), c.rxBuf[c.rxStart:c.rxStart+chunk]); e != kerr.OK {
			break
		}

		c.rxStart = (c.rxStart + chunk) % RxBufSize
		c.rxCount -= chunk
		n += chunk
	}

	if uint32(RxBufSize-c.rxCount) >= c.mss && c.lastAdvWnd < c.mss &&
		c.state != TCPClosed && c.state != TCPListen {
		t.emit(c, tcpFlags{ack: true}, c.sndNxt, nil)
	}

	return
}

// completeWriteWaitersLocked feeds parked writers into freed transmit
// space.
func (t *tcpState) completeWriteWaitersLocked(c *tcpConn) {
	for len(c.writeWaiters) > 0 && c.txCount < TxBufSize {
		w := c.writeWaiters[0]
		c.writeWaiters = c.writeWaiters[1:]

		n := len(w.data)
		if n > TxBufSize-c.txCount {
			n = TxBufSize - c.txCount
		}
		copy(c.txBuf[c.txCount:], w.data[:n])
		c.txCount += n

		t.emitPending(c)
		t.s.wake(w.pid, uint64(n))
	}
}

////////////////////////////////////////////////////////////////////////
// Timers
////////////////////////////////////////////////////////////////////////

func (t *tcpState) tick(now time.Time) {
	for i := range t.conns {
		c := &t.conns[i]

		c.mu.Lock()
		if !c.inUse {
			c.mu.Unlock()
			continue
		}

		if c.state == TCPTimeWait && !c.twDeadline.IsZero() && !now.Before(c.twDeadline) {
			t.freeLocked(c)
			c.mu.Unlock()
			continue
		}

		if !c.rtoDeadline.IsZero() && !now.Before(c.rtoDeadline) {
			t.retransmitLocked(c, now)
		}
		c.mu.Unlock()
	}
}

// retransmitLocked fires the retransmission timer: a timed-out SYN_SENT
// unwinds the connect immediately; data states back off exponentially up
// to the retry cap, then unwind with ECONNRESET.
func (t *tcpState) retransmitLocked(c *tcpConn, now time.Time) {
	switch c.state {
	case TCPSynSent:
		t.resetLocked(c)
		return

	case TCPSynReceived:
		if c.retries >= tcpMaxRetries {
			t.resetLocked(c)
			return
		}
		t.emit(c, tcpFlags{syn: true, ack: true}, c.iss, nil)

	default:
		if c.retries >= tcpMaxRetries {
			t.resetLocked(c)
			return
		}

		if c.txCount > 0 {
			n := uint32(c.txCount)
			if n > c.mss {
				n = c.mss
			}
			payload := make([]byte, n)
			copy(payload, c.txBuf[:n])
			t.emit(c, tcpFlags{ack: true}, c.sndUna, payload)
		} else if c.finSent && c.sndUna != c.sndNxt {
			t.emit(c, tcpFlags{fin: true, ack: true}, c.sndNxt-1, nil)
		} else {
			c.rtoDeadline = time.Time{}
			return
		}
	}

	c.retries++
	c.rtoDeadline = now.Add(tcpRetransmitBase << uint(c.retries))
}

////////////////////////////////////////////////////////////////////////
// User operations (called from netfs)
////////////////////////////////////////////////////////////////////////

// Clone allocates a connection and returns its index.
func (t *tcpState) clone() (idx int, e kerr.Errno) {
	c, e := t.alloc()
	if e != kerr.OK {
		return
	}

	idx = c.idx
	return
}

// connect starts the three-way handshake toward ip!port. The caller
// blocks; okRet is handed back on establishment.
func (t *tcpState) connect(idx, pid int, ip net.IP, port uint16, okRet uint64) Result {
	c := &t.conns[idx]

	local := t.ephemeralPort()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse || c.state != TCPClosed {
		return fail(kerr.EINVAL)
	}
	if len(c.connectWaiters) >= tcpMaxWaiters {
		return fail(kerr.EAGAIN)
	}

	c.localPort = local
	c.remotePort = port
	c.remoteIP = append(net.IP(nil), ip.To4()...)
	c.iss = t.nextISS()
	c.sndUna = c.iss
	c.sndNxt = c.iss + 1
	c.state = TCPSynSent

	t.allocMu.Lock()
	t.hashInsert(c)
	t.allocMu.Unlock()

	t.emit(c, tcpFlags{syn: true}, c.iss, nil)
	c.rtoDeadline = t.s.now().Add(tcpRetransmitBase)

	c.connectWaiters = append(c.connectWaiters, connectWaiter{pid: pid, okRet: okRet})
	return block(BlockConnect)
}

// announce binds the slot to a local port in LISTEN state.
func (t *tcpState) announce(idx int, port uint16) Result {
	c := &t.conns[idx]

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse || c.state != TCPClosed {
		return fail(kerr.EINVAL)
	}

	t.allocMu.Lock()
	if _, taken := t.listeners[port]; taken {
		t.allocMu.Unlock()
		return fail(kerr.EINVAL)
	}
	t.listeners[port] = idx
	t.allocMu.Unlock()

	c.localPort = port
	c.state = TCPListen
	return done(0)
}

// dataRead satisfies a read on the data fd: ring bytes if any, EOF after
// the peer's FIN drains, ECONNRESET after an abort, else block.
func (t *tcpState) dataRead(idx, pid int, as *mem.AddressSpace, va uint64, max int) Result {
	c := &t.conns[idx]

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse {
		return fail(kerr.EBADF)
	}

	if c.rxCount > 0 {
		return done(t.drainRxLocked(c, as, va, max))
	}

	if c.reset {
		return fail(kerr.ECONNRESET)
	}
	if c.finRcvd {
		return done(0)
	}
	if c.state != TCPEstablished && c.state != TCPFinWait1 && c.state != TCPFinWait2 {
		return fail(kerr.EINVAL)
	}

	if len(c.readWaiters) >= tcpMaxWaiters {
		return fail(kerr.EAGAIN)
	}
	c.readWaiters = append(c.readWaiters, ioWaiter{pid: pid, as: as, va: va, max: max})
	return block(BlockNetRead)
}

// dataWrite copies into the transmit buffer and emits immediately,
// returning the bytes accepted. A completely full buffer blocks.
func (t *tcpState) dataWrite(idx, pid int, data []byte) Result {
	c := &t.conns[idx]

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse {
		return fail(kerr.EBADF)
	}
	if c.reset {
		return fail(kerr.ECONNRESET)
	}
	if c.state != TCPEstablished && c.state != TCPCloseWait {
		return fail(kerr.EINVAL)
	}

	free := TxBufSize - c.txCount
	if free == 0 {
		if len(c.writeWaiters) >= tcpMaxWaiters {
			return fail(kerr.EAGAIN)
		}
		c.writeWaiters = append(c.writeWaiters, writeWaiter{pid: pid, data: data})
		return block(BlockNetWrite)
	}

	n := len(data)
	if n > free {
		n = free
	}
	copy(c.txBuf[c.txCount:], data[:n])
	c.txCount += n

	t.emitPending(c)
	return done(n)
}

// listenRead blocks until an accepted child exists, then reports its
// index as "N\n".
func (t *tcpState) listenRead(idx, pid int, as *mem.AddressSpace, va uint64, max int) Result {
	c := &t.conns[idx]

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse || c.state != TCPListen {
		return fail(kerr.EINVAL)
	}

	if len(c.childReady) > 0 {
		child := c.childReady[0]
		c.childReady = c.childReady[1:]

		text := fmt.Sprintf("%d\n", child)
		n := len(text)
		if n > max {
			n = max
		}
		if e := as.CopyOut(va, []byte(text)[:n]); e != kerr.OK {
			return fail(e)
		}

		t.conns[child].mu.Lock()
		t.conns[child].fdRefs++
		t.conns[child].mu.Unlock()

		return done(n)
	}

	if len(c.acceptWaiters) >= tcpMaxWaiters {
		return fail(kerr.EAGAIN)
	}
	c.acceptWaiters = append(c.acceptWaiters, ioWaiter{pid: pid, as: as, va: va, max: max})
	return block(BlockAccept)
}

// status/local/remote text synthesis.
func (t *tcpState) statusText(idx int) (string, kerr.Errno) {
	c := &t.conns[idx]
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse {
		return "", kerr.EBADF
	}
	return c.state.String() + "\n", kerr.OK
}

func (t *tcpState) localText(idx int) (string, kerr.Errno) {
	c := &t.conns[idx]
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse {
		return "", kerr.EBADF
	}
	return fmt.Sprintf("%s!%d\n", t.s.ip, c.localPort), kerr.OK
}

func (t *tcpState) remoteText(idx int) (string, kerr.Errno) {
	c := &t.conns[idx]
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse {
		return "", kerr.EBADF
	}
	if c.remoteIP == nil {
		return "!0\n", kerr.OK
	}
	return fmt.Sprintf("%s!%d\n", c.remoteIP, c.remotePort), kerr.OK
}

// addRef pins a connection for a newly opened /net fd.
func (t *tcpState) addRef(idx int) kerr.Errno {
	if idx < 0 || idx >= MaxConns {
		return kerr.ENOENT
	}

	c := &t.conns[idx]
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse {
		return kerr.ENOENT
	}
	c.fdRefs++
	return kerr.OK
}

// dropRef releases an fd's pin; the last one runs the user close
// handshake for the state the connection is in.
func (t *tcpState) dropRef(idx int) {
	c := &t.conns[idx]

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inUse {
		return
	}

	c.fdRefs--
	if c.fdRefs > 0 {
		return
	}

	t.userCloseLocked(c)
}

// userCloseLocked implements close(2) semantics per state: the full FIN
// exchange from the data states, an abort RST from the handshake states.
func (t *tcpState) userCloseLocked(c *tcpConn) {
	switch c.state {
	case TCPEstablished:
		t.emit(c, tcpFlags{fin: true, ack: true}, c.sndNxt, nil)
		c.sndNxt++
		c.finSent = true
		c.state = TCPFinWait1
		c.rtoDeadline = t.s.now().Add(tcpRetransmitBase)

	case TCPCloseWait:
		t.emit(c, tcpFlags{fin: true, ack: true}, c.sndNxt, nil)
		c.sndNxt++
		c.finSent = true
		c.state = TCPLastAck
		c.rtoDeadline = t.s.now().Add(tcpRetransmitBase)

	case TCPSynSent, TCPSynReceived:
		rst := layers.TCP{
			SrcPort: layers.TCPPort(c.localPort),
			DstPort: layers.TCPPort(c.remotePort),
			Seq:     c.sndNxt,
			RST:     true,
		}
		ip := t.s.ipv4Header(c.remoteIP, layers.IPProtocolTCP)
		rst.SetNetworkLayerForChecksum(&ip)
		t.s.sendIPv4(&ip, &rst, nil)
		t.freeLocked(c)

	case TCPListen, TCPClosed:
		t.freeLocked(c)

	case TCPTimeWait:
		// The reaper owns it now.

	default:
		t.freeLocked(c)
	}
}
