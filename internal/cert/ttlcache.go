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

package cert

import (
	"sync"
	"time"

	"github.com/smithproxy/smithproxy/internal/util/metrics"
)

type ttlEntry struct {
	value     interface{}
	expiresAt time.Time
}

// boundedTTLCache is an in-memory, capacity-bounded, per-entry-TTL cache
// used for OCSP results, CRLs and session tickets (spec §4.9) — values that,
// unlike spoofed leaf certificates, are cheap to refetch and don't warrant
// bbolt persistence across restarts. Eviction is oldest-insertion-order once
// capacity is exceeded, mirroring the teacher's cache index's simple
// reap-oldest-first policy rather than a full LRU.
type boundedTTLCache struct {
	name     string
	capacity int

	mtx     sync.Mutex
	entries map[string]ttlEntry
	order   []string
}

func newBoundedTTLCache(name string, capacity int) *boundedTTLCache {
	return &boundedTTLCache{
		name:     name,
		capacity: capacity,
		entries:  make(map[string]ttlEntry),
	}
}

func (c *boundedTTLCache) Get(key string) (interface{}, bool) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

func (c *boundedTTLCache) Put(key string, value interface{}, ttl time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = ttlEntry{value: value, expiresAt: time.Now().Add(ttl)}

	for c.capacity > 0 && len(c.entries) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	metrics.CacheSize.WithLabelValues(c.name).Set(float64(len(c.entries)))
}

// Len reports the current number of live entries, including ones not yet
// lazily expired by a Get.
func (c *boundedTTLCache) Len() int {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return len(c.entries)
}

// OcspResult is the cached verdict for one certificate's OCSP status.
type OcspResult struct {
	Good      bool
	RevokedAt time.Time
}

// OcspResultCache caches OCSP responder verdicts keyed by certificate
// serial number, per the configured TLSProfile.OcspMode (spec §4.6, §4.9).
type OcspResultCache struct {
	cache *boundedTTLCache
}

// NewOcspResultCache returns an OcspResultCache bounded to capacity entries.
func NewOcspResultCache(capacity int) *OcspResultCache {
	return &OcspResultCache{cache: newBoundedTTLCache("ocsp", capacity)}
}

// Get returns the cached OCSP verdict for serial, if present and unexpired.
func (c *OcspResultCache) Get(serial string) (OcspResult, bool) {
	v, ok := c.cache.Get(serial)
	if !ok {
		return OcspResult{}, false
	}
	return v.(OcspResult), true
}

// Put caches result for serial, valid for ttl.
func (c *OcspResultCache) Put(serial string, result OcspResult, ttl time.Duration) {
	c.cache.Put(serial, result, ttl)
}

// CrlCache caches parsed certificate revocation lists keyed by distribution
// point URL.
type CrlCache struct {
	cache *boundedTTLCache
}

// NewCrlCache returns a CrlCache bounded to capacity entries.
func NewCrlCache(capacity int) *CrlCache {
	return &CrlCache{cache: newBoundedTTLCache("crl", capacity)}
}

// Get returns the cached set of revoked serial numbers for distribution
// point url, if present and unexpired.
func (c *CrlCache) Get(url string) (map[string]struct{}, bool) {
	v, ok := c.cache.Get(url)
	if !ok {
		return nil, false
	}
	return v.(map[string]struct{}), true
}

// Put caches revoked for distribution point url, valid for ttl.
func (c *CrlCache) Put(url string, revoked map[string]struct{}, ttl time.Duration) {
	c.cache.Put(url, revoked, ttl)
}

// TicketCache caches TLS session tickets/IDs for the origin-facing TLS
// engine's session-reuse policy (TLSProfile.RightDisableReuse, spec §4.6).
type TicketCache struct {
	cache *boundedTTLCache
}

// NewTicketCache returns a TicketCache bounded to capacity entries.
func NewTicketCache(capacity int) *TicketCache {
	return &TicketCache{cache: newBoundedTTLCache("ticket", capacity)}
}

// Get returns the cached session state blob for host, if present.
func (c *TicketCache) Get(host string) ([]byte, bool) {
	v, ok := c.cache.Get(host)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// Put caches session for host, valid for ttl.
func (c *TicketCache) Put(host string, session []byte, ttl time.Duration) {
	c.cache.Put(host, session, ttl)
}
