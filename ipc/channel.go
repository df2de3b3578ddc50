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

package ipc

import (
	"fmt"

	"github.com/fornax-os/fornax/internal/kerr"
	"github.com/fornax-os/fornax/mem"
	"github.com/jacobsa/syncutil"
)

// MaxChannels bounds the channel table.
const MaxChannels = 64

// A Request is a client's staged frame plus the continuation the kernel
// runs against the eventual reply (opaque to this package).
type Request struct {
	ClientPID int
	Msg       Msg
	Cont      interface{}
}

// A RecvWaiter is a server parked in ipc_recv, with the user buffer the
// next request should be copied into.
type RecvWaiter struct {
	PID int
	AS  *mem.AddressSpace
	VA  uint64
}

// A Channel is a rendezvous between exactly one server process and any
// number of clients. At most one request from any given client is in
// flight at a time; the server consumes requests serially.
type Channel struct {
	id int

	mu syncutil.InvariantMutex

	// Owner of the server endpoint.
	ServerPID int

	// The producer ring: at most one request resident. A ClientPID of 0
	// marks a close sent by the kernel itself, which no process awaits.
	ring *Request // GUARDED_BY(mu)

	// Clients blocked awaiting-server behind the ring, FIFO.
	waiting []Request // GUARDED_BY(mu)

	// Requests delivered to the server and awaiting its reply, keyed by
	// routing id (the client pid).
	//
	// INVARIANT: No pid is both inflight and staged.
	inflight map[uint32]Request // GUARDED_BY(mu)

	// Server parked in ipc_recv, if any.
	recvWaiter *RecvWaiter // GUARDED_BY(mu)

	// Endpoint refcounts. The channel dies when both reach zero, or early
	// when its server does.
	clientRefs int  // GUARDED_BY(mu)
	serverRefs int  // GUARDED_BY(mu)
	dead       bool // GUARDED_BY(mu)
}

func (c *Channel) checkInvariants() {
	if c.ring != nil {
		if _, dup := c.inflight[uint32(c.ring.ClientPID)]; dup {
			panic(fmt.Sprintf("ipc: pid %d staged and inflight", c.ring.ClientPID))
		}
	}
}

func (c *Channel) ID() int { return c.id }

////////////////////////////////////////////////////////////////////////
// Registry
////////////////////////////////////////////////////////////////////////

type Registry struct {
	mu       syncutil.InvariantMutex
	channels [MaxChannels]*Channel // GUARDED_BY(mu)
}

func NewRegistry() (r *Registry) {
	r = &Registry{}
	r.mu = syncutil.NewInvariantMutex(func() {})
	return
}

// Alloc creates a channel owned by serverPID with one reference on each
// endpoint.
func (r *Registry) Alloc(serverPID int) (c *Channel, err kerr.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.channels {
		if r.channels[i] == nil {
			c = &Channel{
				id:         i,
				ServerPID:  serverPID,
				inflight:   make(map[uint32]Request),
				clientRefs: 1,
				serverRefs: 1,
			}
			c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
			r.channels[i] = c
			return
		}
	}

	err = kerr.ENOMEM
	return
}

// Get looks up a live channel.
func (r *Registry) Get(id int) (c *Channel, err kerr.Errno) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || id >= MaxChannels || r.channels[id] == nil {
		err = kerr.EBADF
		return
	}

	c = r.channels[id]
	return
}

func (r *Registry) free(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.channels[id] = nil
}

////////////////////////////////////////////////////////////////////////
// Refcounts
////////////////////////////////////////////////////////////////////////

// Retain adds an endpoint reference.
func (c *Channel) Retain(server bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if server {
		c.serverRefs++
	} else {
		c.clientRefs++
	}
}

// Release drops an endpoint reference. Dropping the last server reference
// kills the channel and returns every staged, queued and inflight client
// pid; a server parked in Recv is not among them. The caller wakes the
// returned pids with EIO.
func (c *Channel) Release(reg *Registry, server bool) (orphans []int) {
	c.mu.Lock()

	if server {
		c.serverRefs--
	} else {
		c.clientRefs--
	}

	if server && c.serverRefs == 0 && !c.dead {
		c.dead = true
		orphans = c.orphanClientsLocked()
	}

	gone := c.clientRefs == 0 && c.serverRefs == 0
	c.mu.Unlock()

	if gone {
		reg.free(c.id)
	}

	return
}

func (c *Channel) orphanClientsLocked() (pids []int) {
	if c.ring != nil {
		pids = append(pids, c.ring.ClientPID)
		c.ring = nil
	}
	for _, w := range c.waiting {
		pids = append(pids, w.ClientPID)
	}
	c.waiting = nil
	for _, req := range c.inflight {
		pids = append(pids, req.ClientPID)
	}
	c.inflight = make(map[uint32]Request)
	return
}

// Dead reports whether the server side has gone away.
func (c *Channel) Dead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dead
}

////////////////////////////////////////////////////////////////////////
// Message flow
////////////////////////////////////////////////////////////////////////

// Send stages a client request. If the server is parked in ipc_recv the
// frame is copied straight into its buffer and serverToWake names it; the
// request then awaits its reply. Otherwise the request occupies the ring
// (or queues behind it) with the client blocked awaiting-server. In every
// outcome the client blocks; its continuation runs when the reply arrives.
func (c *Channel) Send(req Request) (serverToWake int, e kerr.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()

	serverToWake = -1

	if c.dead {
		e = kerr.EIO
		return
	}

	req.Msg.RID = uint32(req.ClientPID)

	if _, dup := c.inflight[req.Msg.RID]; dup {
		// One in-flight request per client pair.
		e = kerr.EAGAIN
		return
	}

	if c.recvWaiter != nil {
		w := c.recvWaiter
		if err := req.Msg.EncodeTo(w.AS, w.VA); err != kerr.OK {
			e = err
			return
		}
		c.recvWaiter = nil
		c.inflight[req.Msg.RID] = req
		serverToWake = w.PID
		return
	}

	if c.ring == nil {
		c.ring = &req
	} else {
		c.waiting = append(c.waiting, req)
	}

	return
}

// Recv delivers the ring request into the server's buffer, refilling the
// ring from the waiting queue. delivered is false when nothing is pending,
// in which case the server has been recorded as parked and the caller must
// block it.
func (c *Channel) Recv(serverPID int, as *mem.AddressSpace, va uint64) (delivered bool, clientStillWaiting int, e kerr.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()

	clientStillWaiting = -1

	if c.dead {
		e = kerr.EIO
		return
	}

	if c.ring == nil {
		c.recvWaiter = &RecvWaiter{PID: serverPID, AS: as, VA: va}
		return
	}

	req := *c.ring
	c.ring = nil
	if len(c.waiting) > 0 {
		next := c.waiting[0]
		c.waiting = c.waiting[1:]
		c.ring = &next
	}

	if err := req.Msg.EncodeTo(as, va); err != kerr.OK {
		e = err
		return
	}

	c.inflight[req.Msg.RID] = req
	delivered = true
	return
}

// Reply matches a server reply to the awaiting client by routing id and
// removes it from the in-flight set. Out-of-order replies are fine.
func (c *Channel) Reply(rid uint32) (req Request, e kerr.Errno) {
	c.mu.Lock()
	defer c.mu.Unlock()

	req, ok := c.inflight[rid]
	if !ok {
		e = kerr.EINVAL
		return
	}

	delete(c.inflight, rid)
	return
}

// DropClient removes any staged or inflight request from pid; used when a
// blocked client is killed.
func (c *Channel) DropClient(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring != nil && c.ring.ClientPID == pid {
		c.ring = nil
		if len(c.waiting) > 0 {
			next := c.waiting[0]
			c.waiting = c.waiting[1:]
			c.ring = &next
		}
	}

	kept := c.waiting[:0]
	for _, w := range c.waiting {
		if w.ClientPID != pid {
			kept = append(kept, w)
		}
	}
	c.waiting = kept

	delete(c.inflight, uint32(pid))
}

// DropServerWaiter clears a parked server; used when it is killed.
func (c *Channel) DropServerWaiter(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recvWaiter != nil && c.recvWaiter.PID == pid {
		c.recvWaiter = nil
	}
}

// PendingCount reports ring occupancy (0 or 1); for tests.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ring == nil {
		return 0
	}
	return 1
}
