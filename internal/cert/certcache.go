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

// Package cert implements the bounded caches the TLS MITM component
// (internal/mitm) relies on: spoofed leaf certificates, OCSP results, CRLs,
// session tickets and the operator-managed bypass whitelist (spec §4.9).
package cert

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/coreos/bbolt"
	"github.com/golang/snappy"
	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/metrics"
)

var certBucket = []byte("certcache")
var certOrderBucket = []byte("certcache_order")

// inflightGeneration tracks a leaf certificate generation in progress for a
// given fingerprint, so concurrent sessions presenting the same origin
// certificate join the single generation already underway instead of racing
// the signing CA (spec §4.9, grounded on the hand-rolled singleflight
// pattern of owasp-amass-engine/jroosing-HydraDNS's forwarding resolver).
type inflightGeneration struct {
	done   chan struct{}
	pair   tls.Certificate
	keyDER []byte
	err    error
}

// GeneratedPair is a freshly synthesized leaf certificate: certDER is the
// signed leaf, keyDER the PKCS#8 encoding of its private key.
type GeneratedPair struct {
	CertDER []byte
	KeyDER  []byte
}

// GenerateFunc synthesizes a leaf certificate/key pair for the origin
// certificate chain fingerprinted by key. Supplied by internal/mitm, which
// owns the signing CA.
type GenerateFunc func(fingerprint string, origin *x509.Certificate) (GeneratedPair, error)

// CertificateCache is a bbolt-persisted, snappy-compressed cache of spoofed
// leaf certificates keyed by the fingerprint of the origin certificate they
// impersonate.
type CertificateCache struct {
	db       *bbolt.DB
	capacity int

	mtx      sync.Mutex
	inflight map[string]*inflightGeneration

	orderMtx sync.Mutex
	order    []string // fingerprint, oldest insertion first
	nextSeq  uint64
}

// OpenCertificateCache opens (creating if absent) the bbolt database rooted
// at dir, rebuilding the in-memory LRU insertion order from the persisted
// sequence bucket so a bounded eviction survives a restart.
func OpenCertificateCache(dir string, capacity int) (*CertificateCache, error) {
	path := filepath.Join(dir, "smithproxy-certcache.db")
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening certificate cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(certBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(certOrderBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &CertificateCache{db: db, capacity: capacity, inflight: make(map[string]*inflightGeneration)}
	if err := c.loadOrder(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

type fingerprintSeq struct {
	fingerprint string
	seq         uint64
}

func (c *CertificateCache) loadOrder() error {
	var entries []fingerprintSeq
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certOrderBucket)
		return b.ForEach(func(k, v []byte) error {
			entries = append(entries, fingerprintSeq{fingerprint: string(k), seq: binary.BigEndian.Uint64(v)})
			return nil
		})
	})
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	c.order = make([]string, len(entries))
	var maxSeq uint64
	for i, e := range entries {
		c.order[i] = e.fingerprint
		if e.seq > maxSeq {
			maxSeq = e.seq
		}
	}
	if len(entries) > 0 {
		c.nextSeq = maxSeq + 1
	}
	return nil
}

// Close releases the underlying bbolt database.
func (c *CertificateCache) Close() error {
	return c.db.Close()
}

// get returns the cached DER-encoded certificate+key pair for fingerprint,
// if present.
func (c *CertificateCache) get(fingerprint string) (certDER, keyDER []byte, ok bool) {
	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certBucket)
		raw := b.Get([]byte(fingerprint))
		if raw == nil {
			return nil
		}
		decoded, err := snappy.Decode(nil, raw)
		if err != nil {
			return err
		}
		certDER, keyDER, ok = splitPair(decoded)
		return nil
	})
	if err != nil {
		log.Warn("certificate cache read failed", log.Pairs{"fingerprint": fingerprint, "error": err.Error()})
		return nil, nil, false
	}
	return certDER, keyDER, ok
}

// put writes fingerprint's signed leaf into the cache and, when the cache is
// at capacity, evicts the oldest entry by insertion order (spec §3 "Bounded
// size with LRU eviction" — this cache reaps oldest-inserted first rather
// than tracking last access, the same policy the sibling in-memory OCSP/CRL/
// ticket caches use).
func (c *CertificateCache) put(fingerprint string, certDER, keyDER []byte) error {
	joined := joinPair(certDER, keyDER)
	compressed := snappy.Encode(nil, joined)

	c.orderMtx.Lock()
	defer c.orderMtx.Unlock()

	isNew := true
	for _, fp := range c.order {
		if fp == fingerprint {
			isNew = false
			break
		}
	}

	var evict string
	if isNew {
		c.order = append(c.order, fingerprint)
		if c.capacity > 0 && len(c.order) > c.capacity {
			evict = c.order[0]
			c.order = c.order[1:]
		}
	}

	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(certBucket)
		if err := b.Put([]byte(fingerprint), compressed); err != nil {
			return err
		}
		if isNew {
			ob := tx.Bucket(certOrderBucket)
			seqBuf := make([]byte, 8)
			binary.BigEndian.PutUint64(seqBuf, c.nextSeq)
			c.nextSeq++
			if err := ob.Put([]byte(fingerprint), seqBuf); err != nil {
				return err
			}
			if evict != "" {
				if err := b.Delete([]byte(evict)); err != nil {
					return err
				}
				if err := ob.Delete([]byte(evict)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err == nil && evict != "" {
		metrics.CacheSize.WithLabelValues("certificate").Dec()
	}
	return err
}

// GetOrGenerate returns the cached leaf certificate for fingerprint,
// generating it via gen on a cache miss. Concurrent callers sharing the same
// fingerprint block on the single in-flight generation rather than each
// calling gen (spec §4.9 "at-most-one concurrent generation per
// fingerprint").
func (c *CertificateCache) GetOrGenerate(fingerprint string, origin *x509.Certificate, gen GenerateFunc) (tls.Certificate, error) {
	if certDER, keyDER, ok := c.get(fingerprint); ok {
		pair, err := tls.X509KeyPair(pemEncode(certDER, "CERTIFICATE"), pemEncode(keyDER, "PRIVATE KEY"))
		if err == nil {
			return pair, nil
		}
		log.Warn("cached certificate failed to parse, regenerating", log.Pairs{"fingerprint": fingerprint, "error": err.Error()})
	}

	c.mtx.Lock()
	if call, ok := c.inflight[fingerprint]; ok {
		c.mtx.Unlock()
		<-call.done
		return call.pair, call.err
	}
	call := &inflightGeneration{done: make(chan struct{})}
	c.inflight[fingerprint] = call
	c.mtx.Unlock()

	generated, err := gen(fingerprint, origin)
	var pair tls.Certificate
	if err == nil {
		pair, err = tls.X509KeyPair(pemEncode(generated.CertDER, "CERTIFICATE"), pemEncode(generated.KeyDER, "PRIVATE KEY"))
	}
	call.pair, call.err = pair, err
	close(call.done)

	if err == nil {
		metrics.SpoofGenerations.Inc()
		if putErr := c.put(fingerprint, generated.CertDER, generated.KeyDER); putErr != nil {
			log.Warn("failed to persist generated certificate", log.Pairs{"fingerprint": fingerprint, "error": putErr.Error()})
		}
		metrics.CacheSize.WithLabelValues("certificate").Inc()
	}

	c.mtx.Lock()
	delete(c.inflight, fingerprint)
	c.mtx.Unlock()
	return pair, err
}

// Capacity returns the CertificateCache's capacity limit as configured.
func (c *CertificateCache) Capacity() int { return c.capacity }

func splitPair(joined []byte) (certDER, keyDER []byte, ok bool) {
	if len(joined) < 4 {
		return nil, nil, false
	}
	certLen := int(joined[0])<<24 | int(joined[1])<<16 | int(joined[2])<<8 | int(joined[3])
	if len(joined) < 4+certLen {
		return nil, nil, false
	}
	return joined[4 : 4+certLen], joined[4+certLen:], true
}

func joinPair(certDER, keyDER []byte) []byte {
	n := len(certDER)
	header := []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}
	out := make([]byte, 0, 4+len(certDER)+len(keyDER))
	out = append(out, header...)
	out = append(out, certDER...)
	out = append(out, keyDER...)
	return out
}

func pemEncode(der []byte, blockType string) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
}

// defaultsFromSettings derives cache capacities from the loaded settings,
// consumed by internal/core when constructing the cache set at startup.
func defaultsFromSettings(s *config.SettingsConfig) (certCap, ocspCap, crlCap, ticketCap, whitelistCap int) {
	return s.CertCacheCapacity, s.OcspCacheCapacity, s.CrlCacheCapacity, s.TicketCacheCapacity, s.WhitelistCacheCapacity
}
