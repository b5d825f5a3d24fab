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

// Package dns implements the transparent DNS ALG (spec §4.2, §4.7): it
// parses queries and responses flowing through a session, validates them,
// synthesizes a TTL-aware response cache, and exposes the resolved
// names/addresses other components (mainly internal/policy's FQDN address
// objects) need.
package dns

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger"
	"github.com/golang/snappy"
	"github.com/miekg/dns"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/metrics"
)

// cachedAnswer is the serialized form of one resolved A or AAAA address set
// persisted in the badger cache, snappy-compressed the same way the
// certificate cache compresses its persisted entries.
type cachedAnswer struct {
	Addresses []net.IP
	ExpiresAt time.Time
}

// Cache is a badger-backed DNS response cache keyed "<qtype>:<qname>", with
// per-entry TTL enforced by badger itself (spec §4.7 cache synthesis + TTL
// decrement). Unlike the certificate cache, DNS answers already carry a TTL
// from the upstream resolver, so badger's native per-key expiry does the
// decrement for free; Get additionally recomputes the remaining TTL so a
// caller re-emitting a cached response can put a fresh, correctly-decremented
// value on the wire.
type Cache struct {
	db *badger.DB
}

// OpenCache opens (creating if absent) a badger database rooted at dir for
// the DNS response cache.
func OpenCache(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "dnscache"))
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening dns cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying badger database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func cacheKey(qtype uint16, qname string) []byte {
	return []byte(dns.TypeToString[qtype] + ":" + strings.ToLower(strings.TrimSuffix(qname, ".")))
}

// Put stores the resolved addresses for (qtype, qname), valid for ttl.
func (c *Cache) Put(qtype uint16, qname string, addrs []net.IP, ttl time.Duration) error {
	entry := cachedAnswer{Addresses: addrs, ExpiresAt: time.Now().Add(ttl)}
	raw := encodeAnswer(&entry)
	compressed := snappy.Encode(nil, raw)

	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(cacheKey(qtype, qname), compressed).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Get returns the cached addresses for (qtype, qname) and the TTL remaining,
// if present and unexpired.
func (c *Cache) Get(qtype uint16, qname string) ([]net.IP, time.Duration, bool) {
	var addrs []net.IP
	var remaining time.Duration
	found := false

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cacheKey(qtype, qname))
		if err != nil {
			return nil
		}
		val, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		raw, err := snappy.Decode(nil, val)
		if err != nil {
			return err
		}
		entry, err := decodeAnswer(raw)
		if err != nil {
			return err
		}
		remaining = time.Until(entry.ExpiresAt)
		if remaining <= 0 {
			return nil
		}
		addrs = entry.Addresses
		found = true
		return nil
	})
	if err != nil {
		log.Warn("dns cache lookup failed", log.Pairs{"qname": qname, "error": err.Error()})
		return nil, 0, false
	}
	metrics.CacheSize.WithLabelValues("dns").Set(float64(c.approximateSize()))
	return addrs, remaining, found
}

func (c *Cache) approximateSize() int {
	n := 0
	_ = c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n
}

// Lookup implements internal/policy.NameResolver: it answers every cached A
// and AAAA record for fqdn, the A addresses first, then the AAAA ones.
func (c *Cache) Lookup(fqdn string) []net.IP {
	var out []net.IP
	if addrs, _, ok := c.Get(dns.TypeA, fqdn); ok {
		out = append(out, addrs...)
	}
	if addrs, _, ok := c.Get(dns.TypeAAAA, fqdn); ok {
		out = append(out, addrs...)
	}
	return out
}

var encodeDecodeMu sync.Mutex

func encodeAnswer(a *cachedAnswer) []byte {
	encodeDecodeMu.Lock()
	defer encodeDecodeMu.Unlock()
	var b strings.Builder
	fmt.Fprintf(&b, "%d\n", a.ExpiresAt.Unix())
	for _, ip := range a.Addresses {
		fmt.Fprintf(&b, "%s\n", ip.String())
	}
	return []byte(b.String())
}

func decodeAnswer(raw []byte) (*cachedAnswer, error) {
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) == 0 {
		return nil, fmt.Errorf("empty cache entry")
	}
	var unix int64
	if _, err := fmt.Sscanf(lines[0], "%d", &unix); err != nil {
		return nil, err
	}
	entry := &cachedAnswer{ExpiresAt: time.Unix(unix, 0)}
	for _, l := range lines[1:] {
		if l == "" {
			continue
		}
		if ip := net.ParseIP(l); ip != nil {
			entry.Addresses = append(entry.Addresses, ip)
		}
	}
	return entry, nil
}
