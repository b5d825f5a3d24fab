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
	"io/ioutil"
	"net"
	"os"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/smithproxy/smithproxy/internal/config"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir, err := ioutil.TempDir("", "smithproxy-dnscache")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	c, err := OpenCache(dir)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func buildQuery(name string) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = 1234
	raw, _ := m.Pack()
	return raw
}

func buildResponse(query []byte, ip string, ttl uint32) []byte {
	q := new(dns.Msg)
	_ = q.Unpack(query)
	resp := new(dns.Msg)
	resp.SetReply(q)
	resp.Answer = append(resp.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip).To4(),
	})
	raw, _ := resp.Pack()
	return raw
}

func TestInspectRequestResponseRoundTrip(t *testing.T) {
	cache := newTestCache(t)
	tree := NewDomainTree(time.Hour)
	profile := &config.AlgDNSProfileConfig{MatchRequestID: true}
	alg := NewALG(profile, cache, tree)

	q := buildQuery("example.com")
	forwarded, err := alg.InspectRequest(q)
	if err != nil {
		t.Fatalf("InspectRequest: %v", err)
	}

	resp := buildResponse(forwarded, "93.184.216.34", 300)
	out, err := alg.InspectResponse(resp)
	if err != nil {
		t.Fatalf("InspectResponse: %v", err)
	}
	var m dns.Msg
	if err := m.Unpack(out); err != nil {
		t.Fatalf("unpack forwarded response: %v", err)
	}
	if len(m.Answer) != 1 {
		t.Fatalf("expected 1 answer, got %d", len(m.Answer))
	}

	if !tree.Contains("example.com") {
		t.Fatal("expected domain tree to have observed example.com")
	}

	addrs := cache.Lookup("example.com")
	if len(addrs) != 1 || !addrs[0].Equal(net.ParseIP("93.184.216.34")) {
		t.Fatalf("expected cached address 93.184.216.34, got %v", addrs)
	}
}

func TestInspectResponseRejectsUnmatchedID(t *testing.T) {
	cache := newTestCache(t)
	tree := NewDomainTree(time.Hour)
	profile := &config.AlgDNSProfileConfig{MatchRequestID: true}
	alg := NewALG(profile, cache, tree)

	q := buildQuery("example.com")
	resp := buildResponse(q, "1.2.3.4", 60)
	if _, err := alg.InspectResponse(resp); err == nil {
		t.Fatal("expected an error for a response with no matching pending request")
	}
}

func TestInspectRequestRejectsMalformed(t *testing.T) {
	cache := newTestCache(t)
	alg := NewALG(&config.AlgDNSProfileConfig{}, cache, NewDomainTree(time.Hour))
	if _, err := alg.InspectRequest([]byte{0x00, 0x01}); err == nil {
		t.Fatal("expected a parse error for malformed dns query")
	}
}

func TestCachedResponseServedWithoutForwarding(t *testing.T) {
	cache := newTestCache(t)
	tree := NewDomainTree(time.Hour)
	if err := cache.Put(dns.TypeA, "cached.example.com.", []net.IP{net.ParseIP("10.0.0.5")}, 120*time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}

	profile := &config.AlgDNSProfileConfig{CachedResponses: true}
	alg := NewALG(profile, cache, tree)

	q := buildQuery("cached.example.com")
	out, err := alg.InspectRequest(q)
	if err != nil {
		t.Fatalf("InspectRequest: %v", err)
	}
	var m dns.Msg
	if err := m.Unpack(out); err != nil {
		t.Fatalf("unpack synthesized response: %v", err)
	}
	if !m.Response {
		t.Fatal("expected a synthesized response, got a forwarded query")
	}
	if len(m.Answer) != 1 {
		t.Fatalf("expected 1 synthesized answer, got %d", len(m.Answer))
	}
}

func TestDomainTreeSweepExpires(t *testing.T) {
	tree := NewDomainTree(time.Millisecond)
	tree.Observe("expiring.example.com")
	time.Sleep(5 * time.Millisecond)
	if tree.Contains("expiring.example.com") {
		t.Fatal("expected entry to have expired")
	}
	if n := tree.Sweep(); n != 1 {
		t.Fatalf("expected Sweep to remove 1 expired entry, got %d", n)
	}
}

func TestMatchesSuffixList(t *testing.T) {
	suffixes := []string{"bank.example.com", ".gov"}
	if !MatchesSuffixList("login.bank.example.com", suffixes) {
		t.Fatal("expected subdomain match")
	}
	if !MatchesSuffixList("irs.gov", suffixes) {
		t.Fatal("expected suffix match")
	}
	if MatchesSuffixList("example.com", suffixes) {
		t.Fatal("did not expect unrelated domain to match")
	}
}
