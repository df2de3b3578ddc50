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
	"strconv"
	"strings"

	"github.com/fornax-os/fornax/fdtab"
	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
)

// Open resolves a path under /net/ (passed without the prefix, e.g.
// "tcp/clone" or "tcp/3/data") to a virtual-file kind and connection
// index, pinning the underlying object.
func (s *Stack) Open(path string) (k fdtab.VFileKind, idx int, e kerr.Errno) {
	segs := strings.Split(path, "/")

	switch segs[0] {
	case "tcp":
		return s.openTCP(segs[1:])
	case "udp":
		return s.openUDP(segs[1:])
	case "icmp":
		return s.openICMP(segs[1:])
	case "dns":
		return s.openDNS(segs[1:])
	}

	e = kerr.ENOENT
	return
}

func (s *Stack) openTCP(segs []string) (k fdtab.VFileKind, idx int, e kerr.Errno) {
	if len(segs) == 1 && segs[0] == "clone" {
		idx, e = s.tcp.clone()
		k = fdtab.VTCPClone
		return
	}

	if len(segs) != 2 {
		e = kerr.ENOENT
		return
	}

	n, err := strconv.Atoi(segs[0])
	if err != nil {
		e = kerr.ENOENT
		return
	}

	switch segs[1] {
	case "ctl":
		k = fdtab.VTCPCtl
	case "data":
		k = fdtab.VTCPData
	case "status":
		k = fdtab.VTCPStatus
	case "local":
		k = fdtab.VTCPLocal
	case "remote":
		k = fdtab.VTCPRemote
	case "listen":
		k = fdtab.VTCPListen
	default:
		e = kerr.ENOENT
		return
	}

	if e = s.tcp.addRef(n); e != kerr.OK {
		return
	}
	idx = n
	return
}

func (s *Stack) openUDP(segs []string) (k fdtab.VFileKind, idx int, e kerr.Errno) {
	if len(segs) == 1 && segs[0] == "clone" {
		idx, e = s.udp.alloc()
		k = fdtab.VUDPClone
		return
	}

	if len(segs) != 2 {
		e = kerr.ENOENT
		return
	}

	n, err := strconv.Atoi(segs[0])
	if err != nil {
		e = kerr.ENOENT
		return
	}

	switch segs[1] {
	case "ctl":
		k = fdtab.VUDPCtl
	case "data":
		k = fdtab.VUDPData
	case "status":
		k = fdtab.VUDPStatus
	case "local":
		k = fdtab.VUDPLocal
	case "remote":
		k = fdtab.VUDPRemote
	default:
		e = kerr.ENOENT
		return
	}

	if e = s.udp.addRef(n); e != kerr.OK {
		return
	}
	idx = n
	return
}

func (s *Stack) openICMP(segs []string) (k fdtab.VFileKind, idx int, e kerr.Errno) {
	if len(segs) == 1 && segs[0] == "clone" {
		idx, e = s.icmp.alloc()
		k = fdtab.VICMPClone
		return
	}

	if len(segs) != 2 {
		e = kerr.ENOENT
		return
	}

	n, err := strconv.Atoi(segs[0])
	if err != nil {
		e = kerr.ENOENT
		return
	}

	switch segs[1] {
	case "ctl":
		k = fdtab.VICMPCtl
	case "data":
		k = fdtab.VICMPData
	case "status":
		k = fdtab.VICMPStatus
	default:
		e = kerr.ENOENT
		return
	}

	if e = s.icmp.addRef(n); e != kerr.OK {
		return
	}
	idx = n
	return
}

func (s *Stack) openDNS(segs []string) (k fdtab.VFileKind, idx int, e kerr.Errno) {
	switch {
	case len(segs) == 0 || (len(segs) == 1 && segs[0] == ""):
		idx, e = s.dns.alloc()
		k = fdtab.VDNS
	case len(segs) == 1 && segs[0] == "ctl":
		k = fdtab.VDNSCtl
		idx = -1
	case len(segs) == 1 && segs[0] == "cache":
		k = fdtab.VDNSCache
		idx = -1
	default:
		e = kerr.ENOENT
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Read/write dispatch
////////////////////////////////////////////////////////////////////////

// Read serves a read on a /net fd. readDone is the fd's one-shot flag for
// the text files that yield their content once per open.
func (s *Stack) Read(k fdtab.VFileKind, idx, pid int, as *mem.AddressSpace, va uint64, max int, readDone *bool) Result {
	oneShot := func(text string, e kerr.Errno) Result {
		if e != kerr.OK {
			return fail(e)
		}
		if *readDone {
			return done(0)
		}
		*readDone = true
		n := len(text)
		if n > max {
			n = max
		}
		if err := as.CopyOut(va, []byte(text)[:n]); err != kerr.OK {
			return fail(err)
		}
		return done(n)
	}

	switch k {
	case fdtab.VTCPClone, fdtab.VUDPClone, fdtab.VICMPClone:
		return oneShot(strconv.Itoa(idx)+"\n", kerr.OK)

	case fdtab.VTCPStatus:
		text, e := s.tcp.statusText(idx)
		return oneShot(text, e)
	case fdtab.VTCPLocal:
		text, e := s.tcp.localText(idx)
		return oneShot(text, e)
	case fdtab.VTCPRemote:
		text, e := s.tcp.remoteText(idx)
		return oneShot(text, e)
	case fdtab.VTCPData:
		return s.tcp.dataRead(idx, pid, as, va, max)
	case fdtab.VTCPListen:
		return s.tcp.listenRead(idx, pid, as, va, max)

	case fdtab.VUDPStatus:
		text, e := s.udp.statusText(idx)
		return oneShot(text, e)
	case fdtab.VUDPLocal:
		text, e := s.udp.localText(idx)
		return oneShot(text, e)
	case fdtab.VUDPRemote:
		text, e := s.udp.remoteText(idx)
		return oneShot(text, e)
	case fdtab.VUDPData:
		return s.udp.read(idx, pid, as, va, max)

	case fdtab.VICMPStatus:
		text, e := s.icmp.statusText(idx)
		return oneShot(text, e)
	case fdtab.VICMPData:
		return s.icmp.read(idx, pid, as, va, max)

	case fdtab.VDNS:
		return s.dns.read(idx, pid, as, va, max)
	case fdtab.VDNSCache:
		return oneShot(s.dns.cacheText(), kerr.OK)

	case fdtab.VTCPCtl, fdtab.VUDPCtl, fdtab.VICMPCtl, fdtab.VDNSCtl:
		return done(0)
	}

	return fail(kerr.ENOSYS)
}

// Write serves a write on a /net fd with the user payload already copied
// in.
func (s *Stack) Write(k fdtab.VFileKind, idx, pid int, data []byte) Result {
	cmd := strings.TrimRight(string(data), "\n")

	switch k {
	case fdtab.VTCPCtl:
		return s.tcpCtl(idx, pid, cmd, uint64(len(data)))

	case fdtab.VTCPData:
		return s.tcp.dataWrite(idx, pid, append([]byte(nil), data...))

	case fdtab.VUDPCtl:
		return s.udpCtl(idx, cmd, len(data))

	case fdtab.VUDPData:
		return s.udp.send(idx, data)

	case fdtab.VICMPCtl:
		if ip, ok := strings.CutPrefix(cmd, "connect "); ok {
			addr := net.ParseIP(strings.TrimSpace(ip))
			if addr == nil {
				return fail(kerr.EINVAL)
			}
			if e := s.icmp.connect(idx, addr); e != kerr.OK {
				return fail(e)
			}
			return done(len(data))
		}
		return fail(kerr.EINVAL)

	case fdtab.VICMPData:
		if r := s.icmp.trigger(idx); r.Err != kerr.OK {
			return r
		}
		return done(len(data))

	case fdtab.VDNS:
		if name, ok := strings.CutPrefix(cmd, "query "); ok {
			if r := s.dns.startQuery(idx, strings.TrimSpace(name)); r.Err != kerr.OK {
				return r
			}
			return done(len(data))
		}
		return fail(kerr.EINVAL)

	case fdtab.VDNSCtl:
		if ip, ok := strings.CutPrefix(cmd, "nameserver "); ok {
			addr := net.ParseIP(strings.TrimSpace(ip))
			if addr == nil {
				return fail(kerr.EINVAL)
			}
			s.dns.setNameserver(addr)
			return done(len(data))
		}
		return fail(kerr.EINVAL)
	}

	return fail(kerr.ENOSYS)
}

func (s *Stack) tcpCtl(idx, pid int, cmd string, okRet uint64) Result {
	if rest, ok := strings.CutPrefix(cmd, "connect "); ok {
		ip, port, e := parseHostPort(rest)
		if e != kerr.OK {
			return fail(e)
		}
		return s.tcp.connect(idx, pid, ip, port, okRet)
	}

	if rest, ok := strings.CutPrefix(cmd, "announce "); ok {
		_, port, e := parseAnnounce(rest)
		if e != kerr.OK {
			return fail(e)
		}
		if r := s.tcp.announce(idx, port); r.Err != kerr.OK {
			return r
		}
		return done(int(okRet))
	}

	return fail(kerr.EINVAL)
}

func (s *Stack) udpCtl(idx int, cmd string, wrote int) Result {
	if rest, ok := strings.CutPrefix(cmd, "connect "); ok {
		ip, port, e := parseHostPort(rest)
		if e != kerr.OK {
			return fail(e)
		}
		if err := s.udp.connect(idx, ip, port); err != kerr.OK {
			return fail(err)
		}
		return done(wrote)
	}

	if rest, ok := strings.CutPrefix(cmd, "announce "); ok {
		_, port, e := parseAnnounce(rest)
		if e != kerr.OK {
			return fail(e)
		}
		if err := s.udp.bind(idx, port); err != kerr.OK {
			return fail(err)
		}
		return done(wrote)
	}

	return fail(kerr.EINVAL)
}

// Close drops an fd's pin on its underlying object.
func (s *Stack) Close(k fdtab.VFileKind, idx int) {
	switch k {
	case fdtab.VTCPClone, fdtab.VTCPCtl, fdtab.VTCPData, fdtab.VTCPStatus,
		fdtab.VTCPLocal, fdtab.VTCPRemote, fdtab.VTCPListen:
		s.tcp.dropRef(idx)

	case fdtab.VUDPClone, fdtab.VUDPCtl, fdtab.VUDPData, fdtab.VUDPStatus,
		fdtab.VUDPLocal, fdtab.VUDPRemote:
		s.udp.dropRef(idx)

	case fdtab.VICMPClone, fdtab.VICMPCtl, fdtab.VICMPData, fdtab.VICMPStatus:
		s.icmp.dropRef(idx)

	case fdtab.VDNS:
		s.dns.dropRef(idx)
	}
}

// parseHostPort parses "IP!PORT".
func parseHostPort(s string) (ip net.IP, port uint16, e kerr.Errno) {
	host, portStr, found := strings.Cut(strings.TrimSpace(s), "!")
	if !found {
		e = kerr.EINVAL
		return
	}

	ip = net.ParseIP(host)
	p, err := strconv.ParseUint(portStr, 10, 16)
	if ip == nil || err != nil {
		e = kerr.EINVAL
		return
	}

	port = uint16(p)
	return
}

// parseAnnounce parses "*!PORT" (a concrete IP in place of * is accepted
// and ignored; the stack has one address).
func parseAnnounce(s string) (ip net.IP, port uint16, e kerr.Errno) {
	host, portStr, found := strings.Cut(strings.TrimSpace(s), "!")
	if !found {
		e = kerr.EINVAL
		return
	}

	if host != "*" {
		if ip = net.ParseIP(host); ip == nil {
			e = kerr.EINVAL
			return
		}
	}

	p, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		e = kerr.EINVAL
		return
	}

	port = uint16(p)
	return
}
