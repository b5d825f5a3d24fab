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
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DomainTree groups observed subdomains under their registrable domain
// (TLD+1, via publicsuffix), each entry expiring independently — the
// structure the SNI-bypass and detection-profile "per domain" matching in
// spec §4.6/§4.7 are expressed against, rather than a flat name list.
type DomainTree struct {
	mtx     sync.RWMutex
	ttl     time.Duration
	domains map[string]map[string]time.Time // registrable domain -> full name -> expiry
}

// NewDomainTree returns a tree whose entries expire after ttl unless
// refreshed by another Observe call.
func NewDomainTree(ttl time.Duration) *DomainTree {
	return &DomainTree{
		ttl:     ttl,
		domains: make(map[string]map[string]time.Time),
	}
}

// Observe records that fqdn was seen just now, refreshing its expiry.
func (t *DomainTree) Observe(fqdn string) {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	root, err := publicsuffix.EffectiveTLDPlusOne(fqdn)
	if err != nil {
		// fqdn is itself a public suffix or otherwise unparsable; group it
		// under itself rather than dropping the observation.
		root = fqdn
	}

	t.mtx.Lock()
	defer t.mtx.Unlock()
	sub, ok := t.domains[root]
	if !ok {
		sub = make(map[string]time.Time)
		t.domains[root] = sub
	}
	sub[fqdn] = time.Now().Add(t.ttl)
}

// Contains reports whether exactly fqdn was observed and hasn't expired; an
// observed subdomain of fqdn does not count.
func (t *DomainTree) Contains(fqdn string) bool {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	root, err := publicsuffix.EffectiveTLDPlusOne(fqdn)
	if err != nil {
		root = fqdn
	}

	t.mtx.RLock()
	defer t.mtx.RUnlock()
	sub, ok := t.domains[root]
	if !ok {
		return false
	}
	expiry, ok := sub[fqdn]
	if !ok {
		return false
	}
	return time.Now().Before(expiry)
}

// Sweep removes expired entries, returning the number removed. Intended to
// be called periodically by the core's maintenance loop.
func (t *DomainTree) Sweep() int {
	now := time.Now()
	removed := 0

	t.mtx.Lock()
	defer t.mtx.Unlock()
	for root, sub := range t.domains {
		for name, expiry := range sub {
			if now.After(expiry) {
				delete(sub, name)
				removed++
			}
		}
		if len(sub) == 0 {
			delete(t.domains, root)
		}
	}
	return removed
}

// Subdomains returns every unexpired name observed under root's registrable
// domain, used by the TLS MITM bypass decision to expand a configured bypass
// suffix into the actual subdomains seen on the wire before checking them
// against a connection's destination IP (spec §4.6 step 1, §4.2).
func (t *DomainTree) Subdomains(root string) []string {
	root = strings.ToLower(strings.TrimSuffix(root, "."))
	key, err := publicsuffix.EffectiveTLDPlusOne(root)
	if err != nil {
		key = root
	}

	t.mtx.RLock()
	names := make([]string, 0, len(t.domains[key]))
	for name := range t.domains[key] {
		names = append(names, name)
	}
	t.mtx.RUnlock()

	live := names[:0]
	for _, name := range names {
		if t.Contains(name) {
			live = append(live, name)
		}
	}
	return live
}

// MatchesSuffixList reports whether fqdn itself equals, or is a subdomain
// of, any entry in suffixes (used by TLSProfile.SniFilterBypass,
// spec §4.6).
func MatchesSuffixList(fqdn string, suffixes []string) bool {
	fqdn = strings.ToLower(strings.TrimSuffix(fqdn, "."))
	for _, s := range suffixes {
		s = strings.ToLower(strings.TrimPrefix(s, "."))
		if fqdn == s || strings.HasSuffix(fqdn, "."+s) {
			return true
		}
	}
	return false
}
