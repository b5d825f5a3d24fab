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

package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smithproxy/smithproxy/internal/config"
)

func writeTestCA(t *testing.T, dir string) (certPath, keyPath string) {
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
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("MarshalECPrivateKey: %v", err)
	}

	certPath = filepath.Join(dir, "ca.pem")
	keyPath = filepath.Join(dir, "ca-key.pem")
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write ca cert: %v", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600); err != nil {
		t.Fatalf("write ca key: %v", err)
	}
	return certPath, keyPath
}

func testConfig(t *testing.T) *config.SmithConfig {
	t.Helper()
	dir := t.TempDir()
	certPath, keyPath := writeTestCA(t, dir)

	c := config.NewConfig()
	c.Settings.CertsPath = dir
	c.Settings.CaPath = certPath
	c.Settings.CaKeyPath = keyPath
	c.Settings.CertCacheCapacity = 10
	c.Settings.OcspCacheCapacity = 10
	c.Settings.CrlCacheCapacity = 10
	c.Settings.TicketCacheCapacity = 10
	c.Settings.WhitelistCacheCapacity = 10
	c.Settings.DomainTreeTTL = time.Hour

	c.AddressObjects["internal-net"] = &config.AddressObjectConfig{
		Name: "internal-net", Type: config.AddressObjectTypeCIDR, CIDR: "10.0.0.0/8",
	}
	c.Policy = []*config.PolicyRuleConfig{
		{Action: "accept", DstAddresses: []string{"internal-net"}},
	}
	return c
}

func TestBuildWiresAllComponents(t *testing.T) {
	c := testConfig(t)
	in, err := Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer in.Close()

	if len(in.Policy.Rules) != 1 {
		t.Fatalf("expected 1 compiled policy rule, got %d", len(in.Policy.Rules))
	}
	if in.DNSCache == nil || in.DomainTree == nil || in.Signatures == nil || in.MITM == nil {
		t.Fatal("expected every component to be non-nil after Build")
	}
}

func TestFacadeStatsReflectsSessionsAndMatches(t *testing.T) {
	c := testConfig(t)
	in, err := Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer in.Close()

	f := NewFacade(in)
	stats := f.Stats()
	if stats.ActiveSessions != 0 {
		t.Fatalf("expected 0 active sessions initially, got %d", stats.ActiveSessions)
	}
	if len(stats.RuleMatchCounts) != 1 {
		t.Fatalf("expected 1 rule match counter, got %d", len(stats.RuleMatchCounts))
	}
}

func TestPolicySnapshotReflectsActivePolicy(t *testing.T) {
	c := testConfig(t)
	in, err := Build(c)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer in.Close()

	f := NewFacade(in)
	snap := f.PolicySnapshot()
	if snap.RuleCount != 1 || len(snap.Rules) != 1 {
		t.Fatalf("unexpected policy snapshot: %+v", snap)
	}
	if !snap.Rules[0].Accept {
		t.Fatal("expected the configured rule to be an accept rule")
	}
}
