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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io/ioutil"
	"math/big"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
)

func selfSigned(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert
}

func generatePair(t *testing.T) GeneratedPair {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "spoofed.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalPKCS8PrivateKey: %v", err)
	}
	return GeneratedPair{CertDER: certDER, KeyDER: keyDER}
}

func TestCertificateCacheGetOrGenerateCachesResult(t *testing.T) {
	dir, err := ioutil.TempDir("", "smithproxy-certcache")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)

	c, err := OpenCertificateCache(dir, 100)
	if err != nil {
		t.Fatalf("OpenCertificateCache: %v", err)
	}
	defer c.Close()

	origin := selfSigned(t)
	var calls int32
	gen := func(fingerprint string, o *x509.Certificate) (GeneratedPair, error) {
		atomic.AddInt32(&calls, 1)
		return generatePair(t), nil
	}

	if _, err := c.GetOrGenerate("fp-1", origin, gen); err != nil {
		t.Fatalf("GetOrGenerate: %v", err)
	}
	if _, err := c.GetOrGenerate("fp-1", origin, gen); err != nil {
		t.Fatalf("GetOrGenerate: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected gen to be called once across cache hits, called %d times", calls)
	}
}

func TestCertificateCacheConcurrentGenerationSingleflight(t *testing.T) {
	dir, err := ioutil.TempDir("", "smithproxy-certcache")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(dir)

	c, err := OpenCertificateCache(dir, 100)
	if err != nil {
		t.Fatalf("OpenCertificateCache: %v", err)
	}
	defer c.Close()

	origin := selfSigned(t)
	var calls int32
	release := make(chan struct{})
	gen := func(fingerprint string, o *x509.Certificate) (GeneratedPair, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return generatePair(t), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetOrGenerate("concurrent-fp", origin, gen)
		}()
	}
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 concurrent generation, got %d", calls)
	}
}

func TestBoundedTTLCacheEvictsOldest(t *testing.T) {
	c := newBoundedTTLCache("test", 2)
	c.Put("a", 1, time.Minute)
	c.Put("b", 2, time.Minute)
	c.Put("c", 3, time.Minute)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected oldest entry to have been evicted")
	}
	if _, ok := c.Get("c"); !ok {
		t.Fatal("expected most recent entry to survive")
	}
}

func TestBoundedTTLCacheExpires(t *testing.T) {
	c := newBoundedTTLCache("test", 10)
	c.Put("a", 1, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Fatal("expected entry to have expired")
	}
}

func TestOcspResultCache(t *testing.T) {
	c := NewOcspResultCache(10)
	c.Put("serial-1", OcspResult{Good: true}, time.Minute)
	r, ok := c.Get("serial-1")
	if !ok || !r.Good {
		t.Fatal("expected cached good verdict")
	}
}

func TestWhitelistCacheLocalAndRedisMirror(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	srcIP := net.ParseIP("203.0.113.9")
	w1 := NewWhitelistCacheWithClient(10, client)
	w1.Allow(srcIP, "blocked.example.com", time.Minute)

	if !w1.IsAllowed(srcIP, "blocked.example.com") {
		t.Fatal("expected local cache to report allowed")
	}

	// A second instance sharing the same redis should see the override via
	// the mirror even with an empty local cache.
	w2 := NewWhitelistCacheWithClient(10, client)
	if !w2.IsAllowed(srcIP, "blocked.example.com") {
		t.Fatal("expected redis-mirrored override to be visible to a second instance")
	}
	if w2.IsAllowed(srcIP, "never-allowed.example.com") {
		t.Fatal("did not expect an unrelated host to be allowed")
	}
	if w2.IsAllowed(net.ParseIP("198.51.100.1"), "blocked.example.com") {
		t.Fatal("did not expect a different source ip to inherit the override")
	}
}
