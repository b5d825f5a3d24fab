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

// Package policy compiles the configured address/port/proto objects and
// rule table into a fast ordered matcher, and evaluates it with first-match,
// implicit-deny semantics for every accepted connection.
package policy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/errs"
	"github.com/smithproxy/smithproxy/internal/util/metrics"
	"github.com/smithproxy/smithproxy/internal/util/tracing"
	"go.opentelemetry.io/otel/api/key"
)

// NameResolver answers the address objects of type FQDN: it returns every IP
// address currently cached for a name, so an AddressObject can check
// membership without the policy package depending on the DNS ALG directly.
type NameResolver interface {
	Lookup(fqdn string) []net.IP
}

// AddressObject is the compiled form of config.AddressObjectConfig: either a
// parsed CIDR network, or an FQDN resolved through a NameResolver at match
// time (spec §3, §9 Open Question (a)).
type AddressObject struct {
	Name string
	cidr *net.IPNet
	fqdn string
}

// Match reports whether ip satisfies this address object. For the FQDN
// variant, per the resolved Open Question (a), any one cached answer of the
// queried name that equals ip is sufficient — it does not require every
// cached answer to match.
func (a *AddressObject) Match(ip net.IP, resolver NameResolver) bool {
	if a.cidr != nil {
		return a.cidr.Contains(ip)
	}
	if resolver == nil {
		return false
	}
	for _, candidate := range resolver.Lookup(a.fqdn) {
		if candidate.Equal(ip) {
			return true
		}
	}
	return false
}

func compileAddressObject(c *config.AddressObjectConfig) (*AddressObject, error) {
	ao := &AddressObject{Name: c.Name}
	switch c.Type {
	case config.AddressObjectTypeCIDR:
		cidr := c.CIDR
		if !strings.Contains(cidr, "/") {
			if strings.Contains(cidr, ":") {
				cidr += "/128"
			} else {
				cidr += "/32"
			}
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errs.Wrap(errs.KindConfig, err, "address object %q: invalid cidr %q", c.Name, c.CIDR)
		}
		ao.cidr = ipnet
	case config.AddressObjectTypeFQDN:
		if c.FQDN == "" {
			return nil, errs.New(errs.KindConfig, "address object %q: fqdn type requires fqdn", c.Name)
		}
		ao.fqdn = strings.ToLower(c.FQDN)
	default:
		return nil, errs.New(errs.KindConfig, "address object %q: unknown type %d", c.Name, c.Type)
	}
	return ao, nil
}

// PortRange is a closed interval [Start,End], matching a single port when
// Start == End.
type PortRange struct {
	Name  string
	Start int
	End   int
}

// Contains reports whether port falls within the range.
func (p *PortRange) Contains(port int) bool {
	return port >= p.Start && port <= p.End
}

// Proto is a named IP protocol number; 0 means "any" protocol.
type Proto struct {
	Name string
	ID   int
}

// Matches reports whether ipProto satisfies this proto object.
func (p *Proto) Matches(ipProto int) bool {
	return p.ID == 0 || p.ID == ipProto
}

// Rule is the compiled form of a config.PolicyRuleConfig (spec §3, §4.4).
type Rule struct {
	Index int

	Proto        *Proto
	SrcAddresses []*AddressObject
	SrcPorts     []*PortRange
	DstAddresses []*AddressObject
	DstPorts     []*PortRange

	Accept  bool
	NatMode string

	ContentProfile   string
	DetectionProfile string
	TLSProfile       string
	AuthProfile      string
	AlgDNSProfile    string
	ScriptProfile    string
	RoutingProfile   string

	matchCount uint64
}

// MatchCount returns the number of connections this rule has matched since
// the engine was built (spec §4.4 "matched rule counters").
func (r *Rule) MatchCount() uint64 {
	return atomic.LoadUint64(&r.matchCount)
}

func (r *Rule) matchesAddresses(objs []*AddressObject, ip net.IP, resolver NameResolver) bool {
	if len(objs) == 0 {
		return true
	}
	for _, o := range objs {
		if o.Match(ip, resolver) {
			return true
		}
	}
	return false
}

func (r *Rule) matchesPorts(ranges []*PortRange, port int) bool {
	if len(ranges) == 0 {
		return true
	}
	for _, pr := range ranges {
		if pr.Contains(port) {
			return true
		}
	}
	return false
}

// Match reports whether this rule matches the 5-tuple of an accepted flow.
func (r *Rule) Match(ipProto int, srcIP net.IP, srcPort int, dstIP net.IP, dstPort int, resolver NameResolver) bool {
	if !r.Proto.Matches(ipProto) {
		return false
	}
	if !r.matchesAddresses(r.SrcAddresses, srcIP, resolver) {
		return false
	}
	if !r.matchesAddresses(r.DstAddresses, dstIP, resolver) {
		return false
	}
	if !r.matchesPorts(r.SrcPorts, srcPort) {
		return false
	}
	if !r.matchesPorts(r.DstPorts, dstPort) {
		return false
	}
	return true
}

// Engine is the compiled, ordered policy table.
type Engine struct {
	Rules []*Rule
}

// Build compiles the running configuration's address/port/proto objects and
// policy table into an Engine ready for concurrent evaluation. Every
// cross-reference was already validated when the configuration loaded
// (internal/config), so compile errors here indicate a malformed object
// definition (e.g. a bad CIDR) rather than a dangling reference.
func Build(c *config.SmithConfig) (*Engine, error) {
	addrs := make(map[string]*AddressObject, len(c.AddressObjects))
	for name, ac := range c.AddressObjects {
		compiled, err := compileAddressObject(ac)
		if err != nil {
			return nil, err
		}
		addrs[name] = compiled
	}

	ports := make(map[string]*PortRange, len(c.PortObjects))
	for name, pc := range c.PortObjects {
		ports[name] = &PortRange{Name: name, Start: pc.Start, End: pc.End}
	}

	protos := make(map[string]*Proto, len(c.ProtoObjects))
	for name, pc := range c.ProtoObjects {
		protos[name] = &Proto{Name: name, ID: pc.ID}
	}

	rules := make([]*Rule, 0, len(c.Policy))
	for i, rc := range c.Policy {
		rule := &Rule{
			Index:            i,
			Accept:           rc.Action == "accept",
			NatMode:          rc.NatMode,
			ContentProfile:   rc.ContentProfile,
			DetectionProfile: rc.DetectionProfile,
			TLSProfile:       rc.TLSProfile,
			AuthProfile:      rc.AuthProfile,
			AlgDNSProfile:    rc.AlgDNSProfile,
			ScriptProfile:    rc.ScriptProfile,
			RoutingProfile:   rc.RoutingProfile,
		}

		if rc.Proto == "" {
			rule.Proto = &Proto{Name: "any", ID: 0}
		} else {
			proto, ok := protos[rc.Proto]
			if !ok {
				return nil, fmt.Errorf("policy rule %d: proto object %q not compiled", i, rc.Proto)
			}
			rule.Proto = proto
		}

		for _, n := range rc.SrcAddresses {
			o, ok := addrs[n]
			if !ok {
				return nil, fmt.Errorf("policy rule %d: address object %q not compiled", i, n)
			}
			rule.SrcAddresses = append(rule.SrcAddresses, o)
		}
		for _, n := range rc.DstAddresses {
			o, ok := addrs[n]
			if !ok {
				return nil, fmt.Errorf("policy rule %d: address object %q not compiled", i, n)
			}
			rule.DstAddresses = append(rule.DstAddresses, o)
		}
		for _, n := range rc.SrcPorts {
			p, ok := ports[n]
			if !ok {
				return nil, fmt.Errorf("policy rule %d: port object %q not compiled", i, n)
			}
			rule.SrcPorts = append(rule.SrcPorts, p)
		}
		for _, n := range rc.DstPorts {
			p, ok := ports[n]
			if !ok {
				return nil, fmt.Errorf("policy rule %d: port object %q not compiled", i, n)
			}
			rule.DstPorts = append(rule.DstPorts, p)
		}

		rules = append(rules, rule)
	}

	return &Engine{Rules: rules}, nil
}

// Match evaluates the ordered rule table against a flow 5-tuple, returning
// the first matching rule. If no rule matches, the implicit-deny policy
// applies: ok is false and the caller must terminate the connection
// (spec §4.4).
func (e *Engine) Match(ipProto int, srcIP net.IP, srcPort int, dstIP net.IP, dstPort int, resolver NameResolver) (*Rule, bool) {
	_, span := tracing.NewSpan(context.Background(), "policy-evaluation",
		key.String("dst_ip", dstIP.String()), key.String("dst_port", strconv.Itoa(dstPort)))
	defer span.End()

	for _, r := range e.Rules {
		if r.Match(ipProto, srcIP, srcPort, dstIP, dstPort, resolver) {
			atomic.AddUint64(&r.matchCount, 1)
			metrics.PolicyRuleMatches.WithLabelValues(strconv.Itoa(r.Index)).Inc()
			if !r.Accept {
				metrics.PolicyDenies.Inc()
			}
			return r, true
		}
	}
	metrics.PolicyDenies.Inc()
	return nil, false
}
