/**
* Copyright 2018 Comcast Cable Communications Management, LLC
* Licensed under the Apache License, Version 2.0 (the "License");
* you may not use this file except in compliance with the License.
* You may obtain a copy of the License at
* http://www.apache.org/licenses/LICENSE-2.0
* Unless required by applicable law or agreed to in writing, software
* distributed under the License is distributed on an "AS IS" BASIS,
* WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
* See the License for the specific language governing permissions and
* limitations under the License.
 */

package session

import (
	"net"
	"sync/atomic"
	"time"
)

// Side names one of a Session's two connection endpoints (spec §3 CX,
// "left" from the client-side acceptor, "right" toward the origin).
type Side int

const (
	SideLeft Side = iota
	SideRight
)

func (s Side) String() string {
	if s == SideLeft {
		return "left"
	}
	return "right"
}

// CX is a ConnectionEndpoint: the per-socket state a Session owns for one of
// its two halves (spec §3). Com is the live transport — a plain net.Conn for
// an unencrypted or not-yet-spliced leg, a *tls.Conn once the MITM handshake
// completes on that side.
type CX struct {
	Side Side
	Com  net.Conn

	peer *CX

	bytesIn  uint64
	bytesOut uint64

	idleTimeout time.Duration
	lastActive  int64 // unix nanos, atomic

	opening bool
	waiting bool
	errored error
}

// NewCX wraps com as one half of a session. A read on it returns a timeout
// error once the endpoint has seen no read or write traffic for idleTimeout
// (spec §4.5 idle timeout); zero disables the timeout.
func NewCX(side Side, com net.Conn, idleTimeout time.Duration) *CX {
	cx := &CX{Side: side, Com: com, idleTimeout: idleTimeout}
	cx.touch()
	return cx
}

func (c *CX) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// Idle reports whether this endpoint has been silent longer than its
// configured idle timeout.
func (c *CX) Idle() bool {
	if c.idleTimeout <= 0 {
		return false
	}
	last := time.Unix(0, atomic.LoadInt64(&c.lastActive))
	return time.Since(last) > c.idleTimeout
}

// BytesIn/BytesOut report the per-side meters (spec §3 "per-side byte and
// time meters").
func (c *CX) BytesIn() uint64  { return atomic.LoadUint64(&c.bytesIn) }
func (c *CX) BytesOut() uint64 { return atomic.LoadUint64(&c.bytesOut) }

func (c *CX) read(buf []byte) (int, error) {
	for {
		if c.idleTimeout > 0 {
			c.Com.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		n, err := c.Com.Read(buf)
		if n > 0 {
			atomic.AddUint64(&c.bytesIn, uint64(n))
			c.touch()
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() && n == 0 && !c.Idle() {
			continue // written to within the window: not idle yet
		}
		return n, err
	}
}

func (c *CX) write(buf []byte) (int, error) {
	n, err := c.Com.Write(buf)
	if n > 0 {
		atomic.AddUint64(&c.bytesOut, uint64(n))
		c.touch()
	}
	return n, err
}

// Close releases the underlying transport. Safe to call more than once.
func (c *CX) Close() error {
	if c.Com == nil {
		return nil
	}
	return c.Com.Close()
}
