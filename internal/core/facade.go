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

// Package core wires every component the rest of the tree builds
// (internal/policy, internal/dns, internal/signature, internal/cert,
// internal/mitm, internal/script) into one running instance, and exposes
// the narrow control-plane surface an external CLI collaborator drives
// (spec §4.11): a policy snapshot reader, a reload entry point, and
// statistics accessors. There are no mutator methods over a staged config
// and no snapshot readers for other config sections.
package core

import (
	"sync"
	"sync/atomic"

	"github.com/smithproxy/smithproxy/internal/cert"
	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/dns"
	"github.com/smithproxy/smithproxy/internal/errs"
	"github.com/smithproxy/smithproxy/internal/mitm"
	"github.com/smithproxy/smithproxy/internal/policy"
	"github.com/smithproxy/smithproxy/internal/script"
	"github.com/smithproxy/smithproxy/internal/session"
	"github.com/smithproxy/smithproxy/internal/signature"
	"github.com/smithproxy/smithproxy/internal/util/log"
)

// Instance is one fully-wired set of components built from a single
// *config.SmithConfig (spec §3 "ConfigFactory"). It is immutable after
// Build: a Reload builds a new Instance and atomically swaps the Facade's
// pointer to it, so sessions already holding a reference to the old
// Instance keep running against it until they terminate (spec §5).
type Instance struct {
	Config *config.SmithConfig

	Policy     *policy.Engine
	DNSCache   *dns.Cache
	DomainTree *dns.DomainTree
	Signatures *signature.Engine
	MITM       *mitm.Engine

	Certs     *cert.CertificateCache
	OCSP      *cert.OcspResultCache
	CRL       *cert.CrlCache
	Tickets   *cert.TicketCache
	Whitelist *cert.WhitelistCache

	Scripts map[string]*script.Binding

	Sessions *session.Manager
}

// Build compiles and opens every component an Instance needs from c. Caches
// that persist to disk (DNS cache, certificate cache) are opened under
// c.Settings' configured paths; callers own closing the previous Instance's
// caches after a successful Reload swap.
func Build(c *config.SmithConfig) (*Instance, error) {
	polEngine, err := policy.Build(c)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "compiling policy engine")
	}

	dnsCache, err := dns.OpenCache(c.Settings.CertsPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "opening dns cache")
	}

	sigEngine, err := signature.Build(c.StartTLSSignatures, c.DetectionSignatures)
	if err != nil {
		dnsCache.Close()
		return nil, errs.Wrap(errs.KindConfig, err, "compiling signature engine")
	}

	certs, err := cert.OpenCertificateCache(c.Settings.CertsPath, c.Settings.CertCacheCapacity)
	if err != nil {
		dnsCache.Close()
		return nil, errs.Wrap(errs.KindConfig, err, "opening certificate cache")
	}
	ocsp := cert.NewOcspResultCache(c.Settings.OcspCacheCapacity)
	crl := cert.NewCrlCache(c.Settings.CrlCacheCapacity)
	tickets := cert.NewTicketCache(c.Settings.TicketCacheCapacity)
	whitelist := cert.NewWhitelistCache(c.Settings.WhitelistCacheCapacity, c.Settings.WhitelistRedisEndpoint)

	ca, err := mitm.LoadCA(c.Settings.CaPath, c.Settings.CaKeyPath)
	if err != nil {
		dnsCache.Close()
		certs.Close()
		return nil, errs.Wrap(errs.KindCryptographic, err, "loading mitm signing CA")
	}
	mitmEngine := mitm.New(ca, certs, ocsp, crl, tickets, whitelist)
	if c.Debug.KeylogFile != "" {
		if err := mitmEngine.EnableKeylog(c.Debug.KeylogFile); err != nil {
			log.Warn("keylog file could not be opened", log.Pairs{"path": c.Debug.KeylogFile, "error": err.Error()})
		}
	}

	scripts := make(map[string]*script.Binding, len(c.ScriptProfiles))
	for name, sc := range c.ScriptProfiles {
		binding, err := script.Load(name, sc)
		if err != nil {
			dnsCache.Close()
			certs.Close()
			return nil, errs.Wrap(errs.KindConfig, err, "loading script profile %q", name)
		}
		scripts[name] = binding
	}

	return &Instance{
		Config:     c,
		Policy:     polEngine,
		DNSCache:   dnsCache,
		DomainTree: dns.NewDomainTree(c.Settings.DomainTreeTTL),
		Signatures: sigEngine,
		MITM:       mitmEngine,
		Certs:      certs,
		OCSP:       ocsp,
		CRL:        crl,
		Tickets:    tickets,
		Whitelist:  whitelist,
		Scripts:    scripts,
		Sessions:   session.NewManager(),
	}, nil
}

// Close releases this Instance's disk-backed resources. Never call Close on
// an Instance another goroutine might still be referencing. The Facade never
// closes the Instance a Reload displaces; that is left to the caller.
func (in *Instance) Close() {
	if in.DNSCache != nil {
		in.DNSCache.Close()
	}
	if in.Certs != nil {
		in.Certs.Close()
	}
}

// Facade is the single entry point the CLI and the listener wiring use. It
// holds the active *Instance behind a sync.RWMutex: every Current() takes
// the read lock, and a Reload swaps the pointer under the write lock (spec §5
// "Configuration: protected by a single sync.RWMutex config lock").
type Facade struct {
	mtx     sync.RWMutex
	current *Instance
}

// NewFacade builds a Facade around an already-built Instance.
func NewFacade(in *Instance) *Facade {
	return &Facade{current: in}
}

// Current returns the active Instance. Callers that hold onto the result
// across a session's lifetime intentionally pin that session to the
// Instance it started with (spec §3 ownership summary).
func (f *Facade) Current() *Instance {
	f.mtx.RLock()
	defer f.mtx.RUnlock()
	return f.current
}

// Reload parses and validates the file at path, builds a new Instance, and
// atomically installs it as current. A bad config never replaces a running
// configuration (spec §7): Reload returns the error and leaves Current()
// untouched.
func (f *Facade) Reload(applicationName, applicationVersion string, arguments []string) error {
	if err := config.Load(applicationName, applicationVersion, arguments); err != nil {
		return errs.Wrap(errs.KindConfig, err, "reload: loading configuration")
	}

	next, err := Build(config.Config)
	if err != nil {
		return err
	}

	f.mtx.Lock()
	f.current = next
	f.mtx.Unlock()
	atomic.AddUint64(&reloadGeneration, 1)
	return nil
}

// Stats is the narrow statistics snapshot the control plane reads (spec
// §4.11): active session count and per-rule match counters. Cache sizes are
// not included, and PendingDNS is never filled in by Stats.
type Stats struct {
	ActiveSessions  int
	PendingDNS      int
	RuleMatchCounts map[int]uint64
}

// Stats returns a point-in-time snapshot of counters already maintained for
// their own sake elsewhere in the tree (policy match counts, the session
// registry), rather than computing anything specially for the CLI.
func (f *Facade) Stats() Stats {
	in := f.Current()
	s := Stats{
		ActiveSessions:  in.Sessions.Count(),
		RuleMatchCounts: make(map[int]uint64, len(in.Policy.Rules)),
	}
	for _, r := range in.Policy.Rules {
		s.RuleMatchCounts[r.Index] = r.MatchCount()
	}
	return s
}

// PolicySnapshot is a lock-free, point-in-time copy of the active policy
// table for `show`-style commands (spec §4.11 "Snapshot readers").
type PolicySnapshot struct {
	RuleCount int
	Rules     []PolicyRuleSnapshot
}

// PolicyRuleSnapshot is one rule's externally-visible state.
type PolicyRuleSnapshot struct {
	Index      int
	Accept     bool
	MatchCount uint64
}

// PolicySnapshot builds a PolicySnapshot of the currently active policy.
func (f *Facade) PolicySnapshot() PolicySnapshot {
	in := f.Current()
	snap := PolicySnapshot{RuleCount: len(in.Policy.Rules)}
	for _, r := range in.Policy.Rules {
		snap.Rules = append(snap.Rules, PolicyRuleSnapshot{
			Index:      r.Index,
			Accept:     r.Accept,
			MatchCount: r.MatchCount(),
		})
	}
	return snap
}

// reloadGeneration counts completed reloads, exposed for diagnostics and
// tests; it is not part of any persisted state.
var reloadGeneration uint64

// ReloadGeneration reports how many times Reload has succeeded in this
// process's lifetime.
func ReloadGeneration() uint64 { return atomic.LoadUint64(&reloadGeneration) }
