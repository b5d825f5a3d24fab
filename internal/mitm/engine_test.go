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

package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"io/ioutil"
	"math/big"
	"os"
	"testing"
	"time"

	"net"

	"github.com/smithproxy/smithproxy/internal/cert"
	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/dns"
)

func testCA(t *testing.T) *CA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "smithproxy test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return &CA{Cert: caCert, Key: key}
}

func testOriginCert(t *testing.T, selfSigned bool) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "origin.example.com"},
		DNSNames:     []string{"origin.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	parent, signer := tmpl, key
	if !selfSigned {
		issuerKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			t.Fatalf("GenerateKey: %v", err)
		}
		parent = &x509.Certificate{SerialNumber: big.NewInt(3), Subject: pkix.Name{CommonName: "untrusted test issuer"}}
		signer = issuerKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	c, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return c
}

func testEngine(t *testing.T) *Engine {
	t.Helper()
	dir, err := ioutil.TempDir("", "smithproxy-mitm")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	certs, err := cert.OpenCertificateCache(dir, 10)
	if err != nil {
		t.Fatalf("OpenCertificateCache: %v", err)
	}
	t.Cleanup(func() { certs.Close() })

	return New(testCA(t), certs, cert.NewOcspResultCache(10), cert.NewCrlCache(10), cert.NewTicketCache(10), cert.NewWhitelistCache(10, ""))
}

func TestSynthesizeLeafSignedByCA(t *testing.T) {
	e := testEngine(t)
	origin := testOriginCert(t, false)

	leaf, err := e.SynthesizeLeaf(origin)
	if err != nil {
		t.Fatalf("SynthesizeLeaf: %v", err)
	}
	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if err := parsed.CheckSignatureFrom(e.ca.Cert); err != nil {
		t.Fatalf("expected leaf to be signed by the engine's CA: %v", err)
	}
	if parsed.Subject.CommonName != origin.Subject.CommonName {
		t.Fatalf("expected spoofed leaf to carry the origin's common name, got %q", parsed.Subject.CommonName)
	}
}

func TestVerifyOriginRejectsUntrustedBypDefault(t *testing.T) {
	e := testEngine(t)
	origin := testOriginCert(t, false)
	profile := &config.TLSProfileConfig{Inspect: true}

	if err := e.VerifyOrigin(profile, []*x509.Certificate{origin}, nil); err == nil {
		t.Fatal("expected an untrusted-issuer error when UntrustedIssuerOk is false")
	}
}

func TestVerifyOriginAllowsUntrustedWhenConfigured(t *testing.T) {
	e := testEngine(t)
	origin := testOriginCert(t, false)
	profile := &config.TLSProfileConfig{Inspect: true, UntrustedIssuerOk: true}

	if err := e.VerifyOrigin(profile, []*x509.Certificate{origin}, nil); err != nil {
		t.Fatalf("expected no error when UntrustedIssuerOk is set, got %v", err)
	}
}

func TestBypassHonorsSniFilterList(t *testing.T) {
	profile := &config.TLSProfileConfig{Inspect: true, SniFilterBypass: []string{"bank.example.com"}}
	if !Bypass(profile, "login.bank.example.com", nil, nil, nil) {
		t.Fatal("expected subdomain of a bypass entry to bypass inspection")
	}
	if Bypass(profile, "other.example.com", nil, nil, nil) {
		t.Fatal("did not expect an unrelated domain to bypass inspection")
	}
}

func TestBypassWhenInspectDisabled(t *testing.T) {
	profile := &config.TLSProfileConfig{Inspect: false}
	if !Bypass(profile, "anything.example.com", nil, nil, nil) {
		t.Fatal("expected bypass when Inspect is disabled regardless of SNI")
	}
}

func TestBypassMatchesSubjectIPOfObservedSubdomain(t *testing.T) {
	profile := &config.TLSProfileConfig{Inspect: true, SniFilterBypass: []string{"cdn.example.com"}}
	tree := dns.NewDomainTree(time.Minute)
	tree.Observe("edge3.cdn.example.com")

	dir := t.TempDir()
	dnsCache, err := dns.OpenCache(dir)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	t.Cleanup(func() { dnsCache.Close() })
	dnsCache.Put(1, "edge3.cdn.example.com", []net.IP{net.ParseIP("198.51.100.42")}, time.Minute)

	// The SNI presented on the wire ("app.example.com") carries no bypass
	// suffix of its own, but it resolves to an IP the DNS ALG already
	// observed answering for a bypass-listed subdomain.
	if !Bypass(profile, "app.example.com", net.ParseIP("198.51.100.42"), dnsCache, tree) {
		t.Fatal("expected reverse-ip match against an observed bypass subdomain to bypass inspection")
	}
	if Bypass(profile, "app.example.com", net.ParseIP("203.0.113.7"), dnsCache, tree) {
		t.Fatal("did not expect an unrelated destination ip to bypass inspection")
	}
}
