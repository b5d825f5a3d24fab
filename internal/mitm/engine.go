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

// Package mitm implements the TLS interception component (spec §4.6): a
// dual TLS engine (server-role towards the client, client-role towards the
// origin), SNI-based bypass, leaf certificate synthesis through
// internal/cert, OCSP/CRL verification, PFS/session-reuse policy, and NSS
// keylog emission.
package mitm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"io"
	"io/ioutil"
	"math/big"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/smithproxy/smithproxy/internal/cert"
	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/dns"
	"github.com/smithproxy/smithproxy/internal/errs"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/tracing"
	"golang.org/x/crypto/ocsp"
)

// ocspHTTPTimeout bounds the OCSP responder round trip so a slow or
// unreachable responder can't stall a handshake indefinitely.
const ocspHTTPTimeout = 5 * time.Second

// ocspHTTPClient performs the OCSP responder POST (spec §4.6 step 3); a
// package var so tests can swap in a fake transport.
var ocspHTTPClient = &http.Client{Timeout: ocspHTTPTimeout}

// CA bundles the signing certificate and key the Engine uses to mint leaf
// certificates impersonating origins (spec §4.6 step 2).
type CA struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// LoadCA parses a PEM-encoded certificate and an unencrypted ECDSA private
// key (PKCS#8 or SEC 1 "EC PRIVATE KEY") from disk.
func LoadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "reading ca certificate %q", certPath)
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfig, err, "reading ca key %q", keyPath)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptographic, err, "parsing ca key pair")
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, errs.Wrap(errs.KindCryptographic, err, "parsing ca certificate")
	}
	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errs.New(errs.KindCryptographic, "ca key must be ECDSA")
	}
	return &CA{Cert: leaf, Key: key}, nil
}

// Engine synthesizes and serves MITM'd TLS sessions for flows matched to a
// TLSProfile. One Engine is shared across all sessions; per-session state
// (the two tls.Conn halves) lives in internal/session.
type Engine struct {
	ca          *CA
	certs       *cert.CertificateCache
	ocspCache   *cert.OcspResultCache
	crlCache    *cert.CrlCache
	tickets     *cert.TicketCache
	whitelist   *cert.WhitelistCache
	keylogMu    sync.Mutex
	keylogFile  *os.File
}

// New builds an Engine wired to the shared certificate/OCSP/CRL/ticket/
// whitelist caches the core constructed from settings.
func New(ca *CA, certs *cert.CertificateCache, ocspCache *cert.OcspResultCache, crlCache *cert.CrlCache, tickets *cert.TicketCache, whitelist *cert.WhitelistCache) *Engine {
	return &Engine{ca: ca, certs: certs, ocspCache: ocspCache, crlCache: crlCache, tickets: tickets, whitelist: whitelist}
}

// EnableKeylog opens path to receive NSS-format TLS secrets for every
// session this Engine handles (spec §4.6 step 5), creating the file if it
// is absent and appending to any existing content.
func (e *Engine) EnableKeylog(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return errs.Wrap(errs.KindConfig, err, "opening keylog file %q", path)
	}
	e.keylogFile = f
	return nil
}

// keyLogWriter returns the io.Writer crypto/tls.Config.KeyLogWriter should
// use, serializing concurrent writers from both TLS halves of every session
// onto the one open file (nil disables keylog emission entirely, which
// crypto/tls treats as "don't log").
func (e *Engine) keyLogWriter() io.Writer {
	if e.keylogFile == nil {
		return nil
	}
	return &lockedWriter{mtx: &e.keylogMu, w: e.keylogFile}
}

type lockedWriter struct {
	mtx *sync.Mutex
	w   io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.w.Write(p)
}

// PeekSNI reads the ClientHello from conn without consuming it from the
// caller's perspective: it returns the parsed server name and a new
// net.Conn that replays the bytes already read ahead of the rest of the
// stream (spec §4.6 step 1).
func PeekSNI(conn net.Conn) (string, net.Conn, error) {
	var sni string
	peeked := &bytes.Buffer{}
	tr := io.TeeReader(conn, peeked)

	err := readClientHello(tr, func(hello *tls.ClientHelloInfo) error {
		sni = hello.ServerName
		return nil
	})
	if err != nil {
		return "", nil, errs.Wrap(errs.KindParse, err, "peeking tls client hello")
	}
	return sni, &prefixedConn{Reader: io.MultiReader(peeked, conn), Conn: conn}, nil
}

// readClientHello parses just enough of a TLS record to extract the SNI
// extension, using tls.Server's own ClientHelloInfo callback against a
// conn that discards the handshake afterward — the simplest correct way to
// reuse the standard library's TLS record/handshake parser for a read-only
// peek instead of hand-rolling ClientHello parsing.
func readClientHello(r io.Reader, cb func(*tls.ClientHelloInfo) error) error {
	pr, pw := io.Pipe()
	go func() {
		_, _ = io.Copy(pw, r)
		pw.Close()
	}()

	srv := tls.Server(&pipeConn{Reader: pr}, &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			_ = cb(hello)
			return nil, errPeekDone
		},
	})
	err := srv.Handshake()
	if err == errPeekDone {
		return nil
	}
	return err
}

var errPeekDone = fmt.Errorf("sni peek complete")

// pipeConn adapts an io.Reader into a minimal net.Conn sufficient for
// tls.Server's handshake reader; writes are discarded since a peek never
// replies to the client.
type pipeConn struct {
	io.Reader
}

func (p *pipeConn) Write(b []byte) (int, error)        { return len(b), nil }
func (p *pipeConn) Close() error                       { return nil }
func (p *pipeConn) LocalAddr() net.Addr                 { return nil }
func (p *pipeConn) RemoteAddr() net.Addr                { return nil }
func (p *pipeConn) SetDeadline(time.Time) error         { return nil }
func (p *pipeConn) SetReadDeadline(time.Time) error     { return nil }
func (p *pipeConn) SetWriteDeadline(time.Time) error    { return nil }

// prefixedConn replays the bytes already consumed during SNI peeking ahead
// of the remainder of the underlying connection.
type prefixedConn struct {
	io.Reader
	net.Conn
}

func (p *prefixedConn) Read(b []byte) (int, error) { return p.Reader.Read(b) }

// fingerprint returns the SHA-256 fingerprint of an origin certificate,
// the CertificateCache key (spec §4.9).
func fingerprint(c *x509.Certificate) string {
	sum := sha256.Sum256(c.Raw)
	return fmt.Sprintf("%x", sum)
}

// SynthesizeLeaf mints (or fetches from cache) a leaf certificate
// impersonating origin, signed by the Engine's CA (spec §4.6 step 2,
// §4.9).
func (e *Engine) SynthesizeLeaf(origin *x509.Certificate) (tls.Certificate, error) {
	fp := fingerprint(origin)
	return e.certs.GetOrGenerate(fp, origin, func(fingerprint string, o *x509.Certificate) (cert.GeneratedPair, error) {
		return e.generateLeaf(o)
	})
}

func (e *Engine) generateLeaf(origin *x509.Certificate) (cert.GeneratedPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return cert.GeneratedPair{}, errs.Wrap(errs.KindCryptographic, err, "generating leaf key")
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return cert.GeneratedPair{}, errs.Wrap(errs.KindCryptographic, err, "generating leaf serial")
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: origin.Subject.CommonName},
		DNSNames:     origin.DNSNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     origin.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, e.ca.Cert, &key.PublicKey, e.ca.Key)
	if err != nil {
		return cert.GeneratedPair{}, errs.Wrap(errs.KindCryptographic, err, "signing spoofed leaf certificate")
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return cert.GeneratedPair{}, errs.Wrap(errs.KindCryptographic, err, "marshaling leaf key")
	}
	return cert.GeneratedPair{CertDER: der, KeyDER: keyDER}, nil
}

// VerifyOrigin applies the TLSProfile's acceptance policy (untrusted issuer,
// invalid chain, self-signed, OCSP, CRL) to the certificate chain presented
// by the origin, returning an error describing the first violated policy
// if the connection should be refused or routed to the replacement page
// (spec §4.6 step 3).
func (e *Engine) VerifyOrigin(profile *config.TLSProfileConfig, chain []*x509.Certificate, verifiedChains [][]*x509.Certificate) error {
	_, span := tracing.NewSpan(context.Background(), "tls-handshake-verify")
	defer span.End()

	if len(chain) == 0 {
		return errs.New(errs.KindCryptographic, "origin presented no certificate")
	}
	leaf := chain[0]

	if len(verifiedChains) == 0 {
		selfSigned := leaf.Issuer.String() == leaf.Subject.String()
		if selfSigned && !profile.SelfSignedOk {
			return errs.New(errs.KindCryptographic, "self-signed origin certificate rejected by policy")
		}
		if !selfSigned && !profile.UntrustedIssuerOk {
			return errs.New(errs.KindCryptographic, "untrusted origin certificate chain rejected by policy")
		}
	}

	if time.Now().After(leaf.NotAfter) || time.Now().Before(leaf.NotBefore) {
		if !profile.InvalidCertOk {
			return errs.New(errs.KindCryptographic, "expired or not-yet-valid origin certificate rejected by policy")
		}
	}

	switch profile.OcspMode {
	case "", "off":
	default:
		if err := e.checkOCSP(profile, leaf, chain); err != nil {
			return err
		}
		if err := e.checkCRL(leaf); err != nil {
			return err
		}
	}

	return nil
}

// checkOCSP validates leaf against its issuer's OCSP responder, caching the
// verdict by serial until the response's NextUpdate, or for one hour when it
// carries none (spec §4.6 step 3, §4.9). OcspMode ==
// "full-chain" additionally walks up chain checking every intermediate
// against its own issuer; "leaf-only" (or any other non-off value) checks
// only leaf.
func (e *Engine) checkOCSP(profile *config.TLSProfileConfig, leaf *x509.Certificate, chain []*x509.Certificate) error {
	if err := e.checkOCSPOne(leaf, chain); err != nil {
		return err
	}
	if profile.OcspMode != "full-chain" {
		return nil
	}
	for i := 1; i < len(chain)-1; i++ {
		if err := e.checkOCSPOne(chain[i], chain[i:]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) checkOCSPOne(leaf *x509.Certificate, chain []*x509.Certificate) error {
	serial := leaf.SerialNumber.String()
	if cached, ok := e.ocspCache.Get(serial); ok {
		if !cached.Good {
			return errs.New(errs.KindCryptographic, "certificate serial %s revoked per cached OCSP response", serial)
		}
		return nil
	}
	if len(leaf.OCSPServer) == 0 || len(chain) < 2 {
		return nil
	}
	issuer := chain[1]

	req, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		log.Warn("ocsp request construction failed", log.Pairs{"serial": serial, "error": err.Error()})
		return nil
	}

	raw, err := postOCSP(leaf.OCSPServer[0], req)
	if err != nil {
		log.Warn("ocsp responder unreachable", log.Pairs{"serial": serial, "responder": leaf.OCSPServer[0], "error": err.Error()})
		return nil
	}

	resp, err := ocsp.ParseResponse(raw, issuer)
	if err != nil {
		log.Warn("ocsp response parse failed", log.Pairs{"serial": serial, "error": err.Error()})
		return nil
	}

	ttl := time.Hour
	if !resp.NextUpdate.IsZero() {
		if d := time.Until(resp.NextUpdate); d > 0 {
			ttl = d
		}
	}
	good := resp.Status == ocsp.Good
	e.ocspCache.Put(serial, cert.OcspResult{Good: good, RevokedAt: resp.RevokedAt}, ttl)
	if !good {
		return errs.New(errs.KindCryptographic, "certificate serial %s revoked per ocsp responder (status %d)", serial, resp.Status)
	}
	return nil
}

// postOCSP sends req to responderURL over HTTP POST, as ocsp.CreateRequest's
// DER encoding expects (RFC 6960 §2.1).
func postOCSP(responderURL string, req []byte) ([]byte, error) {
	httpReq, err := http.NewRequest(http.MethodPost, responderURL, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	resp, err := ocspHTTPClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindTransport, "ocsp responder %s returned status %d", responderURL, resp.StatusCode)
	}
	return ioutil.ReadAll(resp.Body)
}

// checkCRL validates leaf against each CRL distribution point it names,
// fetching and caching the parsed revoked-serial set by distribution point
// URL (spec §4.9 "OCSP/CRL state"). A responder that can't be fetched or
// parsed fails open, matching checkOCSP's transport-failure handling.
func (e *Engine) checkCRL(leaf *x509.Certificate) error {
	for _, url := range leaf.CRLDistributionPoints {
		revoked, ok := e.crlCache.Get(url)
		if !ok {
			raw, err := fetchCRL(url)
			if err != nil {
				log.Warn("crl fetch failed", log.Pairs{"url": url, "error": err.Error()})
				continue
			}
			list, err := x509.ParseCRL(raw)
			if err != nil {
				log.Warn("crl parse failed", log.Pairs{"url": url, "error": err.Error()})
				continue
			}
			revoked = make(map[string]struct{}, len(list.TBSCertList.RevokedCertificates))
			for _, rc := range list.TBSCertList.RevokedCertificates {
				revoked[rc.SerialNumber.String()] = struct{}{}
			}
			ttl := time.Hour
			if d := time.Until(list.TBSCertList.NextUpdate); d > 0 {
				ttl = d
			}
			e.crlCache.Put(url, revoked, ttl)
		}
		if _, ok := revoked[leaf.SerialNumber.String()]; ok {
			return errs.New(errs.KindCryptographic, "certificate serial %s found on crl %s", leaf.SerialNumber.String(), url)
		}
	}
	return nil
}

func fetchCRL(url string) ([]byte, error) {
	resp, err := ocspHTTPClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindTransport, "crl distribution point %s returned status %d", url, resp.StatusCode)
	}
	return ioutil.ReadAll(resp.Body)
}

// VerifyStapling applies the profile's OcspStaplingMode to the OCSP response
// stapled on an already-completed origin handshake (spec §4.6 step 3).
// "require" rejects a missing or invalid staple; "strict" rejects only a
// present-but-invalid one, tolerating absence; "loose" (the default)
// tolerates both. In every mode a staple that parses but reports a status
// other than good is rejected.
func (e *Engine) VerifyStapling(profile *config.TLSProfileConfig, staple []byte, chain []*x509.Certificate) error {
	mode := profile.OcspStaplingMode
	if len(staple) == 0 {
		if mode == "require" {
			return errs.New(errs.KindCryptographic, "no stapled ocsp response presented, required by policy")
		}
		return nil
	}
	if len(chain) < 2 {
		return nil
	}
	resp, err := ocsp.ParseResponse(staple, chain[1])
	if err != nil {
		if mode == "strict" || mode == "require" {
			return errs.Wrap(errs.KindCryptographic, err, "stapled ocsp response invalid")
		}
		return nil
	}
	if resp.Status != ocsp.Good {
		return errs.New(errs.KindCryptographic, "stapled ocsp response reports non-good status %d", resp.Status)
	}
	return nil
}

// Bypass reports whether sni should skip interception entirely, per the
// profile's configured bypass suffix list matched both literally and via
// reverse-IP lookup: a bypass suffix also covers any subdomain of it the DNS
// ALG has observed resolving to dstIP (spec §4.6 step 1, §4.2).
func Bypass(profile *config.TLSProfileConfig, sni string, dstIP net.IP, cache *dns.Cache, tree *dns.DomainTree) bool {
	if !profile.Inspect {
		return true
	}
	if dns.MatchesSuffixList(sni, profile.SniFilterBypass) {
		return true
	}
	if dstIP == nil || cache == nil || tree == nil {
		return false
	}
	for _, suffix := range profile.SniFilterBypass {
		for _, name := range tree.Subdomains(suffix) {
			if !dns.MatchesSuffixList(name, []string{suffix}) {
				continue
			}
			for _, ip := range cache.Lookup(name) {
				if ip.Equal(dstIP) {
					return true
				}
			}
		}
	}
	return false
}

// ClientTLSConfig builds the server-role tls.Config this Engine presents to
// the client, resigning certificates on the fly via GetCertificate.
func (e *Engine) ClientTLSConfig(profile *config.TLSProfileConfig, origin *x509.Certificate) *tls.Config {
	cfg := &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			leaf, err := e.SynthesizeLeaf(origin)
			if err != nil {
				return nil, err
			}
			return &leaf, nil
		},
		KeyLogWriter: e.keyLogWriter(),
	}
	if profile.LeftDisableReuse {
		cfg.SessionTicketsDisabled = true
	}
	if profile.LeftUsePfs {
		cfg.CipherSuites = pfsCipherSuites()
	}
	return cfg
}

// OriginTLSConfig builds the client-role tls.Config this Engine uses when
// connecting onward to the origin. srcIP identifies the client the session
// started from, consulted against any operator-granted cert-check-failure
// override for serverName before VerifyOrigin runs (spec §4.6 "Cert-check-
// failure override").
func (e *Engine) OriginTLSConfig(profile *config.TLSProfileConfig, serverName string, srcIP net.IP) *tls.Config {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: true, // verification is performed explicitly via VerifyOrigin using VerifyPeerCertificate
		KeyLogWriter:       e.keyLogWriter(),
	}
	if profile.RightDisableReuse {
		cfg.SessionTicketsDisabled = true
	}
	if profile.RightUsePfs {
		cfg.CipherSuites = pfsCipherSuites()
	}
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if profile.CertCheckFailureOverrideEnabled && e.whitelist.IsAllowed(srcIP, serverName) {
			if profile.OverrideTimeoutMode == "idle" {
				e.whitelist.Allow(srcIP, serverName, profile.OverrideTTL)
			}
			return nil
		}
		chain := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			c, err := x509.ParseCertificate(raw)
			if err != nil {
				return errs.Wrap(errs.KindCryptographic, err, "parsing origin certificate")
			}
			chain = append(chain, c)
		}
		return e.VerifyOrigin(profile, chain, verifiedChains)
	}
	return cfg
}

func pfsCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	}
}
