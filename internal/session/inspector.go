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
	miekgdns "github.com/miekg/dns"
	"github.com/smithproxy/smithproxy/internal/dns"
	"github.com/smithproxy/smithproxy/internal/signature"
)

// Verdict is what an Inspector decided about the bytes just fed to it
// (spec §4.5 "Inspection dispatch").
type Verdict int

const (
	// VerdictContinue lets the chunk flow on to the peer CX unmodified.
	VerdictContinue Verdict = iota
	// VerdictCached means the inspector answered the originating side
	// directly (e.g. a synthesized DNS response) and the peer side of
	// this exchange should be considered satisfied without forwarding.
	VerdictCached
	// VerdictBlock tears the session down; the inspector found cause to
	// refuse the traffic outright.
	VerdictBlock
)

// Inspector is attached to a Session per its matched policy's profiles and
// is invoked, in attachment order, on every chunk read from either side
// before that chunk is forwarded to the peer (spec §4.5, §4.7).
type Inspector interface {
	Name() string
	Feed(side Side, data []byte) (Verdict, []byte, error)
}

// DNSInspector adapts *dns.ALG, attached when a session's destination port
// is a configured DNS port (spec §4.7). The client-side chunk is the query;
// the origin-side chunk is the response. When the ALG synthesizes a cached
// response it is returned as the replacement payload with VerdictCached so
// the session can reply on the client side and close the already-dialed
// right CX without forwarding the query.
type DNSInspector struct {
	alg *dns.ALG
}

// NewDNSInspector wraps alg as a session Inspector.
func NewDNSInspector(alg *dns.ALG) *DNSInspector {
	return &DNSInspector{alg: alg}
}

func (d *DNSInspector) Name() string { return "dns-alg" }

func (d *DNSInspector) Feed(side Side, data []byte) (Verdict, []byte, error) {
	if side == SideLeft {
		out, err := d.alg.InspectRequest(data)
		if err != nil {
			return VerdictBlock, nil, err
		}
		// InspectRequest returns a synthesized response in place of a
		// forwarded query when the ALG served the answer from cache
		// (spec §4.7); the QR bit distinguishes the two outcomes.
		reply := new(miekgdns.Msg)
		if err := reply.Unpack(out); err == nil && reply.Response {
			return VerdictCached, out, nil
		}
		return VerdictContinue, out, nil
	}
	out, err := d.alg.InspectResponse(data)
	if err != nil {
		return VerdictBlock, nil, err
	}
	return VerdictContinue, out, nil
}

// SignatureInspector adapts *signature.Engine, feeding every chunk on both
// sides to the incremental scanner and surfacing any newly-fired signatures
// through the session's detection hook rather than the Feed return value,
// since a signature match is an observation, not a transform of the bytes.
type SignatureInspector struct {
	engine  *signature.Engine
	onFired func(side Side, fired []*signature.Signature)
}

// NewSignatureInspector wraps engine as a session Inspector; onFired, if
// non-nil, is called with every signature that transitions to fired on this
// Feed call (spec §4.3 "positive match yields a verdict event").
func NewSignatureInspector(engine *signature.Engine, onFired func(side Side, fired []*signature.Signature)) *SignatureInspector {
	return &SignatureInspector{engine: engine, onFired: onFired}
}

func (s *SignatureInspector) Name() string { return "signature" }

func (s *SignatureInspector) Feed(side Side, data []byte) (Verdict, []byte, error) {
	sigSide := signature.SideLeft
	if side == SideRight {
		sigSide = signature.SideRight
	}
	fired := s.engine.Feed(sigSide, data)
	if len(fired) > 0 && s.onFired != nil {
		s.onFired(side, fired)
	}
	return VerdictContinue, data, nil
}
