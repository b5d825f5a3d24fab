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
	"net"
	"time"

	"github.com/go-redis/redis"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/metrics"
)

// WhitelistCache tracks operator-granted certificate-check-failure
// overrides: once an operator accepts a failing certificate for a host
// (spec §4.6 CertCheckFailureOverrideEnabled replacement-page flow), the
// override is mirrored to redis so every smithproxy instance behind the
// same redis shares it, and held in a local bounded TTL cache to avoid a
// round trip on every subsequent connection to the same host. Entries are
// keyed by (source IP, host): the grant only covers further connections
// from the same client that originally clicked through, per spec §4.6
// ("subsequent connections from that IP to that destination bypass the
// check").
type WhitelistCache struct {
	local *boundedTTLCache
	redis *redis.Client
}

// NewWhitelistCache returns a WhitelistCache bounded to capacity local
// entries, optionally mirrored to the redis instance at endpoint (endpoint
// == "" disables the redis mirror and the cache behaves purely locally,
// which is what the test double wires via a miniredis instance instead).
func NewWhitelistCache(capacity int, endpoint string) *WhitelistCache {
	w := &WhitelistCache{local: newBoundedTTLCache("whitelist", capacity)}
	if endpoint != "" {
		w.redis = redis.NewClient(&redis.Options{Addr: endpoint})
	}
	return w
}

// NewWhitelistCacheWithClient wires an already-constructed redis client,
// used by tests against a miniredis instance.
func NewWhitelistCacheWithClient(capacity int, client *redis.Client) *WhitelistCache {
	return &WhitelistCache{local: newBoundedTTLCache("whitelist", capacity), redis: client}
}

func whitelistKey(srcIP net.IP, host string) string {
	ip := "-"
	if srcIP != nil {
		ip = srcIP.String()
	}
	return "smithproxy:whitelist:" + ip + ":" + host
}

// Allow records that srcIP's certificate failure for host is overridden for
// ttl (spec §4.6; ttl is the profile's OverrideTTL, computed from
// OverrideTimeoutMode/OverrideTTLSecs by the caller).
func (w *WhitelistCache) Allow(srcIP net.IP, host string, ttl time.Duration) {
	key := whitelistKey(srcIP, host)
	w.local.Put(key, true, ttl)
	if w.redis == nil {
		return
	}
	if err := w.redis.Set(key, "1", ttl).Err(); err != nil {
		log.Warn("whitelist redis mirror write failed", log.Pairs{"key": key, "error": err.Error()})
	}
	metrics.CacheSize.WithLabelValues("whitelist").Set(float64(w.local.Len()))
}

// IsAllowed reports whether srcIP currently has an override in effect for
// host. A local miss falls through to redis so an override granted on a
// different instance is still honored.
func (w *WhitelistCache) IsAllowed(srcIP net.IP, host string) bool {
	key := whitelistKey(srcIP, host)
	if _, ok := w.local.Get(key); ok {
		return true
	}
	if w.redis == nil {
		return false
	}
	ttl, err := w.redis.TTL(key).Result()
	if err != nil || ttl <= 0 {
		return false
	}
	w.local.Put(key, true, ttl)
	return true
}
