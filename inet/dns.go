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
	"strings"
	"time"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/jacobsa/syncutil"
	"github.com/miekg/dns"
)

const (
	// The resolver's fixed UDP source port.
	dnsSourcePort = 40053

	dnsServerPort = 53

	dnsMaxSessions = 8
	dnsCacheSize   = 32
	dnsMaxAttempts = 5

	dnsRetryInterval = time.Second

	// Cached TTLs are capped at ten minutes.
	dnsMaxTTL = 10 * time.Minute
)

type dnsCacheEntry struct {
	used   bool
	name   string
	addr   net.IP
	expiry time.Time
}

type dnsSessionState int

const (
	dnsIdle dnsSessionState = iota
	dnsPending
	dnsDone
	dnsFailed
)

type dnsSession struct {
	inUse bool

	name  string
	state dnsSessionState
	addr  net.IP

	readWaiters []ioWaiter

	fdRefs int
}

type dnsQuery struct {
	id       uint16
	name     string
	attempts int
	deadline time.Time

	// Sessions awaiting this query.
	sessions []int
}

type resolver struct {
	s *Stack

	mu syncutil.InvariantMutex

	nameserver net.IP                      // GUARDED_BY(mu)
	sessions   [dnsMaxSessions]dnsSession  // GUARDED_BY(mu)
	cache      [dnsCacheSize]dnsCacheEntry // GUARDED_BY(mu)
	queries    map[uint16]*dnsQuery        // GUARDED_BY(mu)
	nextID     uint16                      // GUARDED_BY(mu)

	udpIdx int
}

func newResolver(s *Stack, nameserver net.IP) (r *resolver) {
	r = &resolver{
		s:       s,
		queries: make(map[uint16]*dnsQuery),
		nextID:  1,
		udpIdx:  -1,
	}
	if nameserver != nil {
		r.nameserver = nameserver.To4()
	}
	r.mu = syncutil.NewInvariantMutex(func() {})

	if idx, e := s.udp.allocInternal(dnsSourcePort, r.handleResponse); e == kerr.OK {
		r.udpIdx = idx
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Cache
////////////////////////////////////////////////////////////////////////

// cacheLookupLocked is case-exact and expiry-checked.
func (r *resolver) cacheLookupLocked(name string, now time.Time) (addr net.IP, ok bool) {
	for _, e := range r.cache {
		if e.used && e.name == name && now.Before(e.expiry) {
			return e.addr, true
		}
	}
	return
}

// cacheInsertLocked replaces the entry for name if present, else the first
// expired slot (oldest expiry first), else the entry closest to expiring.
func (r *resolver) cacheInsertLocked(name string, addr net.IP, ttl time.Duration, now time.Time) {
	if ttl > dnsMaxTTL {
		ttl = dnsMaxTTL
	}

	victim := -1
	for i, e := range r.cache {
		if !e.used {
			victim = i
			break
		}
		if e.name == name {
			victim = i
			break
		}
		if !now.Before(e.expiry) {
			if victim == -1 || e.expiry.Before(r.cache[victim].expiry) {
				victim = i
			}
		}
	}
	if victim == -1 {
		victim = 0
		for i, e := range r.cache {
			if e.expiry.Before(r.cache[victim].expiry) {
				victim = i
			}
		}
	}

	r.cache[victim] = dnsCacheEntry{
		used:   true,
		name:   name,
		addr:   append(net.IP(nil), addr.To4()...),
		expiry: now.Add(ttl),
	}
}

// cacheText dumps the live cache for /net/dns/cache.
func (r *resolver) cacheText() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.s.now()
	var b strings.Builder
	for _, e := range r.cache {
		if e.used && now.Before(e.expiry) {
			fmt.Fprintf(&b, "%s %s ttl=%d\n", e.name, e.addr, int(e.expiry.Sub(now).Seconds()))
		}
	}
	return b.String()
}

////////////////////////////////////////////////////////////////////////
// Sessions
////////////////////////////////////////////////////////////////////////

func (r *resolver) alloc() (idx int, e kerr.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.sessions {
		if r.sessions[i].inUse {
			continue
		}
		r.sessions[i] = dnsSession{inUse: true, fdRefs: 1}
		idx = i
		return
	}

	e = kerr.ENOMEM
	return
}

func (r *resolver) addRef(idx int) kerr.Errno {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idx < 0 || idx >= dnsMaxSessions || !r.sessions[idx].inUse {
		return kerr.ENOENT
	}
	r.sessions[idx].fdRefs++
	return kerr.OK
}

func (r *resolver) dropRef(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sl := &r.sessions[idx]
	if !sl.inUse {
		return
	}
	sl.fdRefs--
	if sl.fdRefs == 0 {
		sl.inUse = false
	}
}

// setNameserver handles the "nameserver IP" ctl.
func (r *resolver) setNameserver(ip net.IP) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nameserver = ip.To4()
}

////////////////////////////////////////////////////////////////////////
// Queries
////////////////////////////////////////////////////////////////////////

// startQuery handles a "query NAME" write on a dns fd: answer from cache
// if fresh, otherwise join or launch an A query.
func (r *resolver) startQuery(idx int, name string) Result {
	r.mu.Lock()

	sl := &r.sessions[idx]
	if !sl.inUse {
		r.mu.Unlock()
		return fail(kerr.EBADF)
	}

	now := r.s.now()
	sl.name = name

	if addr, ok := r.cacheLookupLocked(name, now); ok {
		sl.state = dnsDone
		sl.addr = addr
		r.mu.Unlock()
		return done(len(name))
	}

	if r.nameserver == nil {
		sl.state = dnsFailed
		r.mu.Unlock()
		return done(len(name))
	}

	sl.state = dnsPending

	// Piggyback on an in-flight query for the same name.
	for _, q := range r.queries {
		if q.name == name {
			q.sessions = append(q.sessions, idx)
			r.mu.Unlock()
			return done(len(name))
		}
	}

	id := r.nextID
	r.nextID++
	q := &dnsQuery{
		id:       id,
		name:     name,
		attempts: 1,
		deadline: now.Add(dnsRetryInterval),
		sessions: []int{idx},
	}
	r.queries[id] = q
	server := r.nameserver
	r.mu.Unlock()

	r.sendQuery(id, name, server)
	return done(len(name))
}

func (r *resolver) sendQuery(id uint16, name string, server net.IP) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = id
	m.RecursionDesired = true

	wire, err := m.Pack()
	if err != nil {
		r.s.log.WithError(err).WithField("name", name).Error("dns: pack failed")
		return
	}

	r.s.udp.sendTo(dnsSourcePort, server, dnsServerPort, wire)
}

// handleResponse parses a server response, extracts the first A record of
// the answer section, caches it, and completes the waiting sessions.
func (r *resolver) handleResponse(payload []byte, src net.IP, srcPort uint16) {
	resp := new(dns.Msg)
	if err := resp.Unpack(payload); err != nil {
		return
	}

	r.mu.Lock()

	q, ok := r.queries[resp.Id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.queries, resp.Id)

	var addr net.IP
	var ttl time.Duration
	for _, rr := range resp.Answer {
		if a, isA := rr.(*dns.A); isA {
			addr = a.A.To4()
			ttl = time.Duration(rr.Header().Ttl) * time.Second
			break
		}
	}

	now := r.s.now()
	if addr != nil {
		r.cacheInsertLocked(q.name, addr, ttl, now)
	}

	wakeups := r.completeQueryLocked(q, addr)
	r.mu.Unlock()

	for _, w := range wakeups {
		r.s.wake(w.PID, w.Ret)
	}
}

type dnsWakeup struct {
	PID int
	Ret uint64
}

// completeQueryLocked finishes every session hanging off q, completing
// parked readers in place.
func (r *resolver) completeQueryLocked(q *dnsQuery, addr net.IP) (wakeups []dnsWakeup) {
	for _, si := range q.sessions {
		sl := &r.sessions[si]
		if !sl.inUse || sl.state != dnsPending || sl.name != q.name {
			continue
		}

		if addr == nil {
			sl.state = dnsFailed
		} else {
			sl.state = dnsDone
			sl.addr = addr
		}

		for _, w := range sl.readWaiters {
			if addr == nil {
				wakeups = append(wakeups, dnsWakeup{PID: w.pid, Ret: kerr.ENOENT.Word()})
				continue
			}

			text := addr.String() + "\n"
			n := len(text)
			if n > w.max {
				n = w.max
			}
			if e := w.as.CopyOut(w.va, []byte(text)[:n]); e != kerr.OK {
				wakeups = append(wakeups, dnsWakeup{PID: w.pid, Ret: e.Word()})
				continue
			}
			wakeups = append(wakeups, dnsWakeup{PID: w.pid, Ret: uint64(n)})
		}
		sl.readWaiters = nil
	}

	return
}

// read on a dns fd: the answer as "IP\n", ENOENT on failure, blocks while
// a query is outstanding.
func (r *resolver) read(idx, pid int, as *mem.AddressSpace, va uint64, max int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	sl := &r.sessions[idx]
	if !sl.inUse {
		return fail(kerr.EBADF)
	}

	switch sl.state {
	case dnsDone:
		text := sl.addr.String() + "\n"
		n := len(text)
		if n > max {
			n = max
		}
		if e := as.CopyOut(va, []byte(text)[:n]); e != kerr.OK {
			return fail(e)
		}
		sl.state = dnsIdle
		return done(n)

	case dnsFailed:
		sl.state = dnsIdle
		return fail(kerr.ENOENT)

	case dnsPending:
		sl.readWaiters = append(sl.readWaiters, ioWaiter{pid: pid, as: as, va: va, max: max})
		return block(BlockDNS)

	default:
		return fail(kerr.EINVAL)
	}
}

// tick retries outstanding queries at one-second intervals, failing them
// after the attempt cap.
func (r *resolver) tick(now time.Time) {
	type resend struct {
		id     uint16
		name   string
		server net.IP
	}

	r.mu.Lock()

	var resends []resend
	var wakeups []dnsWakeup
	for id, q := range r.queries {
		if now.Before(q.deadline) {
			continue
		}

		if q.attempts >= dnsMaxAttempts {
			delete(r.queries, id)
			wakeups = append(wakeups, r.completeQueryLocked(q, nil)...)
			continue
		}

		q.attempts++
		q.deadline = now.Add(dnsRetryInterval)
		resends = append(resends, resend{id: id, name: q.name, server: r.nameserver})
	}

	r.mu.Unlock()

	for _, w := range wakeups {
		r.s.wake(w.PID, w.Ret)
	}
	for _, rs := range resends {
		r.sendQuery(rs.id, rs.name, rs.server)
	}
}
