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

package dns

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/errs"
	"github.com/smithproxy/smithproxy/internal/util/log"
)

// pendingQuery tracks a request this ALG forwarded, so the matching response
// can be correlated and so an AlgDNSProfile with MatchRequestID set can
// reject a response whose id doesn't correspond to any outstanding query.
type pendingQuery struct {
	qname     string
	qtype     uint16
	sentAt    time.Time
	clientID  uint16 // id as seen from the client side, before any randomization
}

// ALG is the DNS application-level gateway attached to a session carrying
// UDP/TCP port 53 traffic (spec §4.7). One ALG instance is created per
// session; it is not safe for concurrent use by more than the session's own
// read/write pumps.
type ALG struct {
	profile *config.AlgDNSProfileConfig
	cache   *Cache
	tree    *DomainTree

	mtx     sync.Mutex
	pending map[uint16]*pendingQuery
}

// NewALG builds an ALG bound to profile, reusing the shared cache and
// domain tree the core constructed at startup.
func NewALG(profile *config.AlgDNSProfileConfig, cache *Cache, tree *DomainTree) *ALG {
	return &ALG{
		profile: profile,
		cache:   cache,
		tree:    tree,
		pending: make(map[uint16]*pendingQuery),
	}
}

// InspectRequest parses a DNS query flowing left-to-right. It returns the
// (possibly rewritten) wire bytes to forward right, or an error if the
// message doesn't parse as a well-formed DNS query (a Parse-class error per
// spec §7, recovered at the session boundary rather than fatal).
func (a *ALG) InspectRequest(raw []byte) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, errs.Wrap(errs.KindParse, err, "malformed dns query")
	}
	if msg.Response {
		return nil, errs.New(errs.KindParse, "expected query, got response flag set")
	}
	if len(msg.Question) == 0 {
		return nil, errs.New(errs.KindParse, "dns query carries no question")
	}

	q := msg.Question[0]

	a.mtx.Lock()
	clientID := msg.Id
	outID := clientID
	if a.profile != nil && a.profile.RandomizeID {
		outID = uint16(rand.Intn(0x10000))
		msg.Id = outID
	}
	a.pending[outID] = &pendingQuery{qname: q.Name, qtype: q.Qtype, sentAt: time.Now(), clientID: clientID}
	a.mtx.Unlock()

	if a.tree != nil {
		a.tree.Observe(q.Name)
	}

	if a.profile != nil && a.profile.CachedResponses {
		if addrs, ttl, ok := a.cache.Get(q.Qtype, q.Name); ok {
			log.Debug("dns alg serving cached response", log.Pairs{"qname": q.Name, "ttl": ttl.String()})
			msg.Id = clientID
			return synthesizeResponse(msg, q, addrs, ttl)
		}
	}

	return msg.Pack()
}

// InspectResponse parses a DNS response flowing right-to-left, validates it
// against the outstanding request it claims to answer, caches the resolved
// addresses, and returns the wire bytes to forward left (with the original
// client transaction id restored if this ALG randomized it on the way out).
func (a *ALG) InspectResponse(raw []byte) ([]byte, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, errs.Wrap(errs.KindParse, err, "malformed dns response")
	}
	if !msg.Response {
		return nil, errs.New(errs.KindParse, "expected response, got query flag set")
	}

	a.mtx.Lock()
	pq, ok := a.pending[msg.Id]
	if ok {
		delete(a.pending, msg.Id)
	}
	a.mtx.Unlock()

	if a.profile != nil && a.profile.MatchRequestID && !ok {
		return nil, errs.New(errs.KindParse, "dns response id %d matches no outstanding request", msg.Id)
	}

	addrs, minTTL := extractAddresses(msg)
	if len(addrs) > 0 && len(msg.Question) > 0 {
		q := msg.Question[0]
		if err := a.cache.Put(q.Qtype, q.Name, addrs, minTTL); err != nil {
			log.Warn("dns alg cache put failed", log.Pairs{"qname": q.Name, "error": err.Error()})
		}
	}

	if ok && pq.clientID != msg.Id {
		msg.Id = pq.clientID
	}
	return msg.Pack()
}

func extractAddresses(msg *dns.Msg) ([]net.IP, time.Duration) {
	var addrs []net.IP
	minTTL := uint32(0)
	for _, rr := range msg.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		addrs = append(addrs, ip)
		if minTTL == 0 || rr.Header().Ttl < minTTL {
			minTTL = rr.Header().Ttl
		}
	}
	if minTTL == 0 {
		minTTL = 1
	}
	return addrs, time.Duration(minTTL) * time.Second
}

// synthesizeResponse builds a wire-format DNS response directly from a cached
// answer set, decrementing the TTL to whatever time remains in the cache
// entry rather than replaying the original upstream TTL (spec §4.7, "cache
// synthesis with TTL decrement").
func synthesizeResponse(query *dns.Msg, q dns.Question, addrs []net.IP, ttl time.Duration) ([]byte, error) {
	resp := new(dns.Msg)
	resp.SetReply(query)
	resp.Authoritative = false

	ttlSecs := uint32(ttl.Seconds())
	if ttlSecs == 0 {
		ttlSecs = 1
	}

	for _, ip := range addrs {
		switch {
		case q.Qtype == dns.TypeA && ip.To4() != nil:
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttlSecs},
				A:   ip.To4(),
			})
		case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
			resp.Answer = append(resp.Answer, &dns.AAAA{
				Hdr:  dns.RR_Header{Name: q.Name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttlSecs},
				AAAA: ip,
			})
		}
	}

	if len(resp.Answer) == 0 {
		return nil, fmt.Errorf("no cached addresses of the requested family for %s", q.Name)
	}
	return resp.Pack()
}

// PendingCount reports the number of outstanding queries this ALG is
// tracking. core.Facade.Stats does not read it.
func (a *ALG) PendingCount() int {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	return len(a.pending)
}
