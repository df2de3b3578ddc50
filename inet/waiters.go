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

// RemoveWaiter scrubs a killed process out of every waiter list in the
// stack so later completions don't wake a corpse.
func (s *Stack) RemoveWaiter(pid int) {
	for i := range s.tcp.conns {
		c := &s.tcp.conns[i]
		c.mu.Lock()
		if c.inUse {
			c.readWaiters = dropIOWaiter(c.readWaiters, pid)
			c.acceptWaiters = dropIOWaiter(c.acceptWaiters, pid)

			kept := c.writeWaiters[:0]
			for _, w := range c.writeWaiters {
				if w.pid != pid {
					kept = append(kept, w)
				}
			}
			c.writeWaiters = kept

			keptC := c.connectWaiters[:0]
			for _, w := range c.connectWaiters {
				if w.pid != pid {
					keptC = append(keptC, w)
				}
			}
			c.connectWaiters = keptC
		}
		c.mu.Unlock()
	}

	s.udp.mu.Lock()
	for i := range s.udp.slots {
		sl := &s.udp.slots[i]
		if sl.inUse {
			sl.readWaiters = dropIOWaiter(sl.readWaiters, pid)
		}
	}
	s.udp.mu.Unlock()

	s.icmp.mu.Lock()
	for i := range s.icmp.slots {
		sl := &s.icmp.slots[i]
		if sl.inUse {
			sl.readWaiters = dropIOWaiter(sl.readWaiters, pid)
		}
	}
	s.icmp.mu.Unlock()

	s.dns.mu.Lock()
	for i := range s.dns.sessions {
		sl := &s.dns.sessions[i]
		if sl.inUse {
			sl.readWaiters = dropIOWaiter(sl.readWaiters, pid)
		}
	}
	s.dns.mu.Unlock()
}

func dropIOWaiter(ws []ioWaiter, pid int) []ioWaiter {
	kept := ws[:0]
	for _, w := range ws {
		if w.pid != pid {
			kept = append(kept, w)
		}
	}
	return kept
}
