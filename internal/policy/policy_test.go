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

package policy

import (
	"net"
	"testing"

	"github.com/smithproxy/smithproxy/internal/config"
)

type stubResolver map[string][]net.IP

func (s stubResolver) Lookup(fqdn string) []net.IP { return s[fqdn] }

func testEngine(t *testing.T) *Engine {
	t.Helper()
	c := config.NewConfig()
	c.AddressObjects["internal-net"] = &config.AddressObjectConfig{Name: "internal-net", Type: config.AddressObjectTypeCIDR, CIDR: "10.0.0.0/8"}
	c.AddressObjects["blocked-fqdn"] = &config.AddressObjectConfig{Name: "blocked-fqdn", Type: config.AddressObjectTypeFQDN, FQDN: "blocked.example.com"}
	c.PortObjects["web"] = &config.PortObjectConfig{Name: "web", Start: 443, End: 443}
	c.Policy = []*config.PolicyRuleConfig{
		{SrcAddresses: []string{"internal-net"}, DstAddresses: []string{"blocked-fqdn"}, Action: "deny"},
		{SrcAddresses: []string{"internal-net"}, DstPorts: []string{"web"}, Action: "accept"},
	}
	e, err := Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return e
}

func TestEngineFirstMatchDeny(t *testing.T) {
	e := testEngine(t)
	resolver := stubResolver{"blocked.example.com": {net.ParseIP("93.184.216.34")}}
	rule, ok := e.Match(6, net.ParseIP("10.1.2.3"), 5000, net.ParseIP("93.184.216.34"), 443, resolver)
	if !ok {
		t.Fatal("expected a match")
	}
	if rule.Accept {
		t.Fatalf("expected deny rule to match first, got accept rule %d", rule.Index)
	}
}

func TestEngineAcceptAfterDenySkipped(t *testing.T) {
	e := testEngine(t)
	resolver := stubResolver{}
	rule, ok := e.Match(6, net.ParseIP("10.1.2.3"), 5000, net.ParseIP("8.8.8.8"), 443, resolver)
	if !ok {
		t.Fatal("expected a match")
	}
	if !rule.Accept {
		t.Fatalf("expected accept rule, got deny rule %d", rule.Index)
	}
}

func TestEngineImplicitDeny(t *testing.T) {
	e := testEngine(t)
	_, ok := e.Match(6, net.ParseIP("192.168.1.1"), 5000, net.ParseIP("8.8.8.8"), 443, stubResolver{})
	if ok {
		t.Fatal("expected implicit deny (no rule matches source outside internal-net)")
	}
}

func TestPortRangeContains(t *testing.T) {
	p := &PortRange{Start: 8000, End: 8010}
	if !p.Contains(8005) {
		t.Fatal("expected 8005 to be contained")
	}
	if p.Contains(9000) {
		t.Fatal("expected 9000 to be out of range")
	}
}

func TestProtoMatchesAny(t *testing.T) {
	p := &Proto{Name: "any", ID: 0}
	if !p.Matches(17) {
		t.Fatal("proto id 0 should match any protocol")
	}
}

func TestMatchCountIncrements(t *testing.T) {
	e := testEngine(t)
	resolver := stubResolver{}
	rule, _ := e.Match(6, net.ParseIP("10.1.2.3"), 5000, net.ParseIP("8.8.8.8"), 443, resolver)
	if rule.MatchCount() != 1 {
		t.Fatalf("expected match count 1, got %d", rule.MatchCount())
	}
	e.Match(6, net.ParseIP("10.1.2.4"), 5001, net.ParseIP("8.8.4.4"), 443, resolver)
	if rule.MatchCount() != 2 {
		t.Fatalf("expected match count 2, got %d", rule.MatchCount())
	}
}
