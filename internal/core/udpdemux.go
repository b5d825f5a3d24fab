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

package core

import (
	"errors"
	"net"
	"sync"
	"time"
)

// udpFlow is one demultiplexed UDP "connection": all datagrams exchanged
// with a single remote address over a shared listening socket, presented as
// a net.Conn so it can be handed to internal/session's CX (for the DNS ALG
// path) or wrapped by pion/dtls's Server handshake (spec §6 "DTLS").
type udpFlow struct {
	demux      *udpDemuxer
	remote     *net.UDPAddr
	localAddr  *net.UDPAddr
	origDst    *net.UDPAddr
	inbound    chan []byte
	closeOnce  sync.Once
	closed     chan struct{}
	readDead   time.Time
	writeDead  time.Time
}

func (f *udpFlow) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	if !f.readDead.IsZero() {
		if d := time.Until(f.readDead); d > 0 {
			t := time.NewTimer(d)
			defer t.Stop()
			timeout = t.C
		} else {
			return 0, errTimeout
		}
	}
	select {
	case p, ok := <-f.inbound:
		if !ok {
			return 0, net.ErrClosed
		}
		n := copy(b, p)
		return n, nil
	case <-f.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, errTimeout
	}
}

func (f *udpFlow) Write(b []byte) (int, error) {
	return f.demux.conn.WriteToUDP(b, f.remote)
}

func (f *udpFlow) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		f.demux.drop(f.remote.String())
	})
	return nil
}

func (f *udpFlow) LocalAddr() net.Addr  { return f.localAddr }
func (f *udpFlow) RemoteAddr() net.Addr { return f.remote }

func (f *udpFlow) SetDeadline(t time.Time) error {
	f.readDead, f.writeDead = t, t
	return nil
}
func (f *udpFlow) SetReadDeadline(t time.Time) error  { f.readDead = t; return nil }
func (f *udpFlow) SetWriteDeadline(t time.Time) error { f.writeDead = t; return nil }

var errTimeout = errors.New("udp flow: i/o timeout")

// udpDemuxer owns one listening *net.UDPConn and fans incoming datagrams out
// to per-remote-address udpFlow values, since a single transparent UDP
// socket receives traffic for every client behind it (spec §5 "a disjoint
// partition of accepted connections", generalized here from TCP accept() to
// UDP datagram demultiplexing).
type udpDemuxer struct {
	conn     *net.UDPConn
	mtx      sync.Mutex
	flows    map[string]*udpFlow
	onNewFlow func(flow *udpFlow, origDst *net.UDPAddr)
}

func newUDPDemuxer(conn *net.UDPConn, onNewFlow func(flow *udpFlow, origDst *net.UDPAddr)) *udpDemuxer {
	return &udpDemuxer{conn: conn, flows: make(map[string]*udpFlow), onNewFlow: onNewFlow}
}

func (d *udpDemuxer) drop(key string) {
	d.mtx.Lock()
	delete(d.flows, key)
	d.mtx.Unlock()
}

// serve reads datagrams until recv returns an error, dispatching each to its
// flow (creating one via onNewFlow on first sight of a remote address).
// recv is supplied by the platform-specific listener: it recovers the
// packet's original destination (spec §6 "IP_TRANSPARENT") alongside the
// ordinary payload and remote address.
func (d *udpDemuxer) serve(recv func() (payload []byte, remote, origDst *net.UDPAddr, err error)) error {
	for {
		payload, remote, origDst, err := recv()
		if err != nil {
			return err
		}

		key := remote.String()
		d.mtx.Lock()
		flow, ok := d.flows[key]
		if !ok {
			flow = &udpFlow{
				demux:     d,
				remote:    remote,
				localAddr: origDst,
				origDst:   origDst,
				inbound:   make(chan []byte, 64),
				closed:    make(chan struct{}),
			}
			d.flows[key] = flow
		}
		d.mtx.Unlock()

		if !ok && d.onNewFlow != nil {
			d.onNewFlow(flow, origDst)
		}

		select {
		case flow.inbound <- payload:
		case <-flow.closed:
		default:
			// Slow consumer: drop rather than block the shared read loop
			// (spec §5 "bounded by per-iteration byte budget" generalizes
			// to "never let one flow stall every other flow's delivery").
		}
	}
}
