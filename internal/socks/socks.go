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

// Package socks implements the SOCKS4/5 acceptor state machine (spec §4.8):
// greeting, request parsing, target resolution, and handoff of the resulting
// left/right pair into internal/session.
package socks

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/smithproxy/smithproxy/internal/errs"
	"github.com/smithproxy/smithproxy/internal/session"
	"github.com/smithproxy/smithproxy/internal/util/log"
)

const (
	version5 byte = 0x05
	version4 byte = 0x04

	cmdConnect byte = 0x01

	addrIPv4   byte = 0x01
	addrFQDN   byte = 0x03
	addrIPv6   byte = 0x04
	methodNone byte = 0x00
	methodNack byte = 0xFF

	replySuccess        byte = 0x00
	replyGeneralFailure byte = 0x01
	replyDenied         byte = 0x02
)

// State enumerates the SOCKS acceptor's own handshake progress (spec §4.8);
// it is distinct from, and precedes, the session.State machine the acceptor
// hands its result into.
type State int

const (
	StateInit State = iota
	StateHelloSent
	StateWaitRequest
	StateReqReceived
	StateDNSQuerySent
	StateWaitPolicy
	StatePolicyReceived
	StateReqresSent
	StateHandoff
)

// Target is the resolved destination of a SOCKS CONNECT request.
type Target struct {
	Host string // original request host: dotted IP or FQDN
	Port int
	IP   net.IP // resolved address to dial
}

// PolicyDecision is supplied by the caller once the acceptor has a 5-tuple
// to evaluate (spec §4.4 integration point at SOCKS's WaitPolicy state).
type PolicyDecision struct {
	Accept bool
}

// Resolver performs the blocking FQDN lookups the acceptor needs when a
// SOCKS5 request names a domain rather than an address. Production code
// wires this to a `*dns.Client` against the configured resolver; tests wire
// a stub.
type Resolver interface {
	LookupHost(qname string) ([]net.IP, error)
}

// DNSClientResolver adapts github.com/miekg/dns's Client to the Resolver
// interface, performing a synchronous A-then-AAAA query against server
// (spec §4.8 "resolved ... synchronously (blocking DNS, via miekg/dns's
// dns.Client)").
type DNSClientResolver struct {
	Client *dns.Client
	Server string
}

// LookupHost resolves qname against the configured server, trying A records
// first and falling back to AAAA if none were returned (spec §4.8 "mixed
// family fallback").
func (r *DNSClientResolver) LookupHost(qname string) ([]net.IP, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(qname), qtype)
		in, _, err := r.Client.Exchange(msg, r.Server)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransport, err, "socks dns resolution for %q", qname)
		}
		var ips []net.IP
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				ips = append(ips, rec.A)
			case *dns.AAAA:
				ips = append(ips, rec.AAAA)
			}
		}
		if len(ips) > 0 {
			return ips, nil
		}
	}
	return nil, fmt.Errorf("no A or AAAA records for %q", qname)
}

// pickTarget selects one address from a multi-answer resolution, spreading
// load pseudo-randomly across the returned family (spec §4.8, the resolved
// Open Question on target selection).
func pickTarget(ips []net.IP) net.IP {
	if len(ips) == 1 {
		return ips[0]
	}
	return ips[rand.Intn(len(ips))]
}

// Acceptor drives one SOCKS connection through to handoff.
type Acceptor struct {
	conn     net.Conn
	resolver Resolver
	state    State
	ver      byte
}

// NewAcceptor wraps conn, a freshly-accepted TCP connection to the SOCKS
// listener, with resolver used for FQDN targets.
func NewAcceptor(conn net.Conn, resolver Resolver) *Acceptor {
	return &Acceptor{conn: conn, resolver: resolver, state: StateInit}
}

// Negotiate runs the greeting and request phases up to target resolution,
// returning the resolved Target. The caller is expected to run policy
// evaluation next and then call Reply.
func (a *Acceptor) Negotiate() (*Target, error) {
	ver, err := a.readByte()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "socks: reading version byte")
	}
	a.ver = ver
	switch ver {
	case version5:
		return a.negotiateV5()
	case version4:
		return a.negotiateV4()
	default:
		return nil, errs.New(errs.KindParse, "socks: unsupported version byte 0x%02x", ver)
	}
}

// Version reports the SOCKS protocol version byte negotiated by the last
// call to Negotiate, for callers that need it to build the Reply call.
func (a *Acceptor) Version() byte { return a.ver }

func (a *Acceptor) negotiateV5() (*Target, error) {
	a.state = StateHelloSent
	nmethods, err := a.readByte()
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "socks5: reading nmethods")
	}
	methods := make([]byte, nmethods)
	if _, err := io.ReadFull(a.conn, methods); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "socks5: reading methods")
	}
	// smithproxy, like the reference implementation, only ever offers "no
	// authentication" (spec §4.8 "always selects no authentication").
	if _, err := a.conn.Write([]byte{version5, methodNone}); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "socks5: writing method selection")
	}

	a.state = StateWaitRequest
	header := make([]byte, 4)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "socks5: reading request header")
	}
	if header[0] != version5 {
		return nil, errs.New(errs.KindParse, "socks5: unexpected version in request: 0x%02x", header[0])
	}
	if header[1] != cmdConnect {
		return nil, errs.New(errs.KindParse, "socks5: unsupported command 0x%02x", header[1])
	}

	a.state = StateReqReceived
	target, err := a.readAddressV5(header[3])
	if err != nil {
		return nil, err
	}

	if target.IP == nil {
		a.state = StateDNSQuerySent
		ips, err := a.resolver.LookupHost(target.Host)
		if err != nil {
			return nil, errs.Wrap(errs.KindTransport, err, "socks5: resolving %q", target.Host)
		}
		target.IP = pickTarget(ips)
	}

	a.state = StateWaitPolicy
	return target, nil
}

func (a *Acceptor) readAddressV5(atyp byte) (*Target, error) {
	switch atyp {
	case addrIPv4:
		buf := make([]byte, 4+2)
		if _, err := io.ReadFull(a.conn, buf); err != nil {
			return nil, errs.Wrap(errs.KindTransport, err, "socks5: reading ipv4 address")
		}
		ip := net.IP(buf[:4])
		port := int(binary.BigEndian.Uint16(buf[4:6]))
		return &Target{Host: ip.String(), Port: port, IP: ip}, nil
	case addrIPv6:
		buf := make([]byte, 16+2)
		if _, err := io.ReadFull(a.conn, buf); err != nil {
			return nil, errs.Wrap(errs.KindTransport, err, "socks5: reading ipv6 address")
		}
		ip := net.IP(buf[:16])
		port := int(binary.BigEndian.Uint16(buf[16:18]))
		return &Target{Host: ip.String(), Port: port, IP: ip}, nil
	case addrFQDN:
		lenByte, err := a.readByte()
		if err != nil {
			return nil, errs.Wrap(errs.KindTransport, err, "socks5: reading fqdn length")
		}
		name := make([]byte, int(lenByte)+2)
		if _, err := io.ReadFull(a.conn, name); err != nil {
			return nil, errs.Wrap(errs.KindTransport, err, "socks5: reading fqdn")
		}
		host := string(name[:lenByte])
		port := int(binary.BigEndian.Uint16(name[lenByte:]))
		return &Target{Host: host, Port: port}, nil
	default:
		return nil, errs.New(errs.KindParse, "socks5: unsupported address type 0x%02x", atyp)
	}
}

// negotiateV4 implements the much smaller SOCKS4/4a request shape: 1 byte
// command, 2 bytes port, 4 bytes IPv4 (0.0.0.x signals SOCKS4a FQDN mode),
// a NUL-terminated user-id, and — in 4a — a NUL-terminated hostname.
func (a *Acceptor) negotiateV4() (*Target, error) {
	a.state = StateWaitRequest
	header := make([]byte, 1+2+4)
	if _, err := io.ReadFull(a.conn, header); err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "socks4: reading request header")
	}
	if header[0] != cmdConnect {
		return nil, errs.New(errs.KindParse, "socks4: unsupported command 0x%02x", header[0])
	}
	port := int(binary.BigEndian.Uint16(header[1:3]))
	ip := net.IP(header[3:7])

	if err := a.skipNulTerminated(); err != nil {
		return nil, err
	}

	a.state = StateReqReceived
	isSocks4a := ip[0] == 0 && ip[1] == 0 && ip[2] == 0 && ip[3] != 0
	if !isSocks4a {
		a.state = StateWaitPolicy
		return &Target{Host: ip.String(), Port: port, IP: ip}, nil
	}

	host, err := a.readNulTerminatedString()
	if err != nil {
		return nil, err
	}

	a.state = StateDNSQuerySent
	ips, err := a.resolver.LookupHost(host)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, err, "socks4a: resolving %q", host)
	}
	a.state = StateWaitPolicy
	return &Target{Host: host, Port: port, IP: pickTarget(ips)}, nil
}

func (a *Acceptor) skipNulTerminated() error {
	_, err := a.readNulTerminatedString()
	return err
}

func (a *Acceptor) readNulTerminatedString() (string, error) {
	var out []byte
	buf := make([]byte, 1)
	for {
		if _, err := io.ReadFull(a.conn, buf); err != nil {
			return "", errs.Wrap(errs.KindTransport, err, "socks: reading nul-terminated field")
		}
		if buf[0] == 0 {
			break
		}
		out = append(out, buf[0])
	}
	return string(out), nil
}

func (a *Acceptor) readByte() (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(a.conn, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Reply assembles and sends the SOCKS reply for decision (spec §4.8:
// "status 0x00 accept / 0x02 deny for v5; 90/91 for v4"), then advances the
// acceptor to Handoff on acceptance.
func (a *Acceptor) Reply(ver byte, decision PolicyDecision) error {
	a.state = StatePolicyReceived
	var reply []byte
	switch ver {
	case version5:
		status := replySuccess
		if !decision.Accept {
			status = replyDenied
		}
		reply = []byte{version5, status, 0x00, addrIPv4, 0, 0, 0, 0, 0, 0}
	case version4:
		status := byte(90)
		if !decision.Accept {
			status = 91
		}
		reply = []byte{0x00, status, 0, 0, 0, 0, 0, 0}
	default:
		return errs.New(errs.KindParse, "socks: unknown version 0x%02x in reply", ver)
	}

	if _, err := a.conn.Write(reply); err != nil {
		return errs.Wrap(errs.KindTransport, err, "socks: writing reply")
	}
	a.state = StateReqresSent
	if decision.Accept {
		a.state = StateHandoff
	}
	return nil
}

// Handoff lifts the negotiated left connection into a session.CX, leaving
// the caller to dial target.IP:target.Port for the right CX and call
// session.AttachRight (spec §4.8 "the pre-built left/right pair is lifted
// into a normal session").
func (a *Acceptor) Handoff(idleTimeout time.Duration) *session.CX {
	log.Debug("socks handoff", log.Pairs{"state": a.state})
	return session.NewCX(session.SideLeft, a.conn, idleTimeout)
}
