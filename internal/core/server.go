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
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/pion/dtls/v2"

	"github.com/smithproxy/smithproxy/internal/config"
	smithdns "github.com/smithproxy/smithproxy/internal/dns"
	"github.com/smithproxy/smithproxy/internal/errs"
	"github.com/smithproxy/smithproxy/internal/mitm"
	"github.com/smithproxy/smithproxy/internal/policy"
	"github.com/smithproxy/smithproxy/internal/session"
	"github.com/smithproxy/smithproxy/internal/signature"
	"github.com/smithproxy/smithproxy/internal/socks"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/metrics"
)

// Server owns every acceptor smithproxy binds (spec §6: transparent, REDIRECT,
// SOCKS5/4, UDP DNS ALG, DTLS) and wires each accepted flow through policy
// evaluation, optional TLS MITM interception, and the session pump
// (internal/session). It is generalized from the teacher's single HTTP
// listener into a small fixed set of acceptor kinds, each with its own
// worker pool sized from config (spec §5).
type Server struct {
	facade *Facade

	wg        sync.WaitGroup
	listeners []net.Listener
	closers   []func() error

	dtlsOnce sync.Once
	dtlsID   tls.Certificate
	dtlsErr  error
}

// NewServer returns a Server driven by facade's current (and future,
// post-Reload) Instance.
func NewServer(facade *Facade) *Server {
	return &Server{facade: facade}
}

// Run binds every configured listener, serves until stop is closed, and then
// waits for in-flight accept loops to drain. A bind failure on any listener
// is returned immediately (spec §6 "non-zero on config error or bind
// failure") without starting the others.
func (s *Server) Run(stop <-chan struct{}) error {
	in := s.facade.Current()
	set := in.Config.Settings

	if err := s.serveTCP("tcp", set.TransparentListenAddress, set.TransparentListenPort, s.workers(set, "tcp"), stop, s.acceptTransparent); err != nil {
		return err
	}
	if err := s.serveTCP("redirect", set.RedirectListenAddress, set.RedirectListenPort, s.workers(set, "redirect"), stop, s.acceptRedirect); err != nil {
		return err
	}
	if err := s.serveTCP("socks", set.SocksListenAddress, set.SocksListenPort, s.workers(set, "socks"), stop, s.acceptSocks); err != nil {
		return err
	}
	if err := s.serveUDP(set.TransparentListenAddress, set.TransparentListenPort, stop); err != nil {
		return err
	}
	if err := s.serveDTLS(set.TransparentListenAddress, set.DtlsListenPort, stop); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sweepDomainTree(stop)
	}()

	<-stop
	for _, ln := range s.listeners {
		ln.Close()
	}
	for _, c := range s.closers {
		c()
	}
	s.wg.Wait()
	return nil
}

// domainTreeSweepInterval bounds how long an expired DomainTree entry can
// linger in memory before sweepDomainTree reclaims it.
const domainTreeSweepInterval = time.Minute

// sweepDomainTree periodically reaps expired DomainTree entries so the
// SNI-bypass reverse-IP lookup (mitm.Bypass) never matches against a
// subdomain observation that should have expired (spec §4.2).
func (s *Server) sweepDomainTree(stop <-chan struct{}) {
	ticker := time.NewTicker(domainTreeSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			in := s.facade.Current()
			if in.DomainTree == nil {
				continue
			}
			if n := in.DomainTree.Sweep(); n > 0 {
				log.Debug("domain tree sweep", log.Pairs{"removed": n})
			}
		}
	}
}

func (s *Server) workers(set *config.SettingsConfig, kind string) int {
	if n, ok := set.WorkersPerListener[kind]; ok && n > 0 {
		return n
	}
	return 1
}

// serveTCP binds address:port with a net.ListenConfig (plain for redirect/socks,
// IP_TRANSPARENT for the transparent listener), then runs workers accept
// loops, each invoking handle on every accepted connection until the
// listener is closed at shutdown.
func (s *Server) serveTCP(name, address string, port int, workers int, stop <-chan struct{}, handle func(net.Conn)) error {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	var lc net.ListenConfig
	if name == "tcp" {
		lc = transparentListenConfig()
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return errs.Wrap(errs.KindBind, err, "binding %s listener on %s", name, addr)
	}
	s.listeners = append(s.listeners, ln)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				conn, err := ln.Accept()
				if err != nil {
					select {
					case <-stop:
						return
					default:
						log.Debug("accept error", log.Pairs{"listener": name, "error": err.Error()})
						return
					}
				}
				go handle(conn)
			}
		}()
	}
	return nil
}

func (s *Server) serveUDP(address string, port int, stop <-chan struct{}) error {
	conn, err := listenTransparentUDP(net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return errs.Wrap(errs.KindBind, err, "binding transparent udp listener on %s:%d", address, port)
	}
	s.closers = append(s.closers, conn.Close)

	demux := newUDPDemuxer(conn, func(flow *udpFlow, origDst *net.UDPAddr) {
		go s.handleUDPFlow(flow, origDst)
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := demux.serve(func() ([]byte, *net.UDPAddr, *net.UDPAddr, error) {
			return recvWithOrigDst(conn)
		})
		if err != nil {
			select {
			case <-stop:
			default:
				log.Debug("udp demux stopped", log.Pairs{"error": err.Error()})
			}
		}
	}()
	return nil
}

func (s *Server) serveDTLS(address string, port int, stop <-chan struct{}) error {
	conn, err := listenTransparentUDP(net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return errs.Wrap(errs.KindBind, err, "binding dtls listener on %s:%d", address, port)
	}
	s.closers = append(s.closers, conn.Close)

	demux := newUDPDemuxer(conn, func(flow *udpFlow, origDst *net.UDPAddr) {
		go s.handleDTLSFlow(flow, origDst)
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := demux.serve(func() ([]byte, *net.UDPAddr, *net.UDPAddr, error) {
			return recvWithOrigDst(conn)
		})
		if err != nil {
			select {
			case <-stop:
			default:
				log.Debug("dtls demux stopped", log.Pairs{"error": err.Error()})
			}
		}
	}()
	return nil
}

// acceptTransparent handles one connection off the IP_TRANSPARENT listener,
// whose true destination IP_TRANSPARENT makes available as the connection's
// own LocalAddr (spec §6).
func (s *Server) acceptTransparent(conn net.Conn) {
	dst, ok := conn.LocalAddr().(*net.TCPAddr)
	if !ok {
		conn.Close()
		return
	}
	s.handleAccepted(conn, dst.IP, dst.Port, 6)
}

// acceptRedirect handles one connection off the REDIRECT listener, recovering
// its pre-NAT destination via SO_ORIGINAL_DST.
func (s *Server) acceptRedirect(conn net.Conn) {
	ip, port, err := originalDestinationTCP(conn)
	if err != nil {
		log.Debug("so_original_dst lookup failed", log.Pairs{"error": err.Error()})
		conn.Close()
		return
	}
	s.handleAccepted(conn, ip, port, 6)
}

// acceptSocks drives the SOCKS4/4a/5 acceptor state machine to target
// resolution, evaluates policy against the resolved 5-tuple, replies per
// spec §4.8, and on acceptance lifts the result into the normal session path.
func (s *Server) acceptSocks(conn net.Conn) {
	in := s.facade.Current()
	resolver := &socks.DNSClientResolver{Client: new(dns.Client), Server: in.Config.Settings.UpstreamDNSServer}
	acceptor := socks.NewAcceptor(conn, resolver)

	target, err := acceptor.Negotiate()
	if err != nil {
		log.Debug("socks negotiation failed", log.Pairs{"error": err.Error()})
		conn.Close()
		return
	}

	srcIP, srcPort := splitTCPAddr(conn.RemoteAddr())
	rule, matched := in.Policy.Match(6, srcIP, srcPort, target.IP, target.Port, in.DNSCache)
	accept := matched && rule.Accept

	if err := acceptor.Reply(acceptor.Version(), socks.PolicyDecision{Accept: accept}); err != nil {
		log.Debug("socks reply failed", log.Pairs{"error": err.Error()})
		conn.Close()
		return
	}
	if !accept {
		conn.Close()
		return
	}

	left := acceptor.Handoff(in.Config.Settings.IdleTimeout)
	sess := session.New(left)
	sess.EvaluatePolicy(rule, matched)
	if sess.Denied() {
		sess.Close()
		return
	}
	s.attachInspectors(sess, in, rule, target.Port)

	sni := ""
	if rule.TLSProfile != "" {
		if profile := in.Config.TLSProfiles[rule.TLSProfile]; profile != nil && profile.Inspect {
			if peekedSNI, peeked, err := mitm.PeekSNI(sess.Left.Com); err == nil {
				sni = peekedSNI
				sess.Left.Com = peeked
			}
		}
	}

	right, wasTLS, err := s.establishRight(in, sess, rule, sni, target.IP, target.Port)
	if err != nil {
		log.Warn("socks origin dial failed", log.Pairs{"error": err.Error(), "target": target.Host})
		sess.Close()
		return
	}
	sess.AttachRight(right, wasTLS)
	in.Sessions.Add(sess)
	sess.Stream()
}

// handleAccepted is the common path for the transparent and REDIRECT
// listeners: evaluate policy on the 5-tuple, optionally peek the TLS SNI for
// a MITM decision, dial the origin, and stream (spec §4.5).
func (s *Server) handleAccepted(conn net.Conn, dstIP net.IP, dstPort int, ipProto int) {
	in := s.facade.Current()
	srcIP, srcPort := splitTCPAddr(conn.RemoteAddr())

	rule, matched := in.Policy.Match(ipProto, srcIP, srcPort, dstIP, dstPort, in.DNSCache)

	left := session.NewCX(session.SideLeft, conn, in.Config.Settings.IdleTimeout)
	sess := session.New(left)
	sess.EvaluatePolicy(rule, matched)
	if sess.Denied() {
		sess.Close()
		return
	}
	s.attachInspectors(sess, in, rule, dstPort)

	var sni string
	var profile *config.TLSProfileConfig
	if rule.TLSProfile != "" {
		profile = in.Config.TLSProfiles[rule.TLSProfile]
	}
	if profile != nil && profile.Inspect {
		if peekedSNI, peeked, err := mitm.PeekSNI(sess.Left.Com); err == nil {
			sni = peekedSNI
			sess.Left.Com = peeked
		} else {
			log.Debug("tls sni peek failed, proceeding without mitm", log.Pairs{"error": err.Error()})
		}
	}

	right, wasTLS, err := s.establishRight(in, sess, rule, sni, dstIP, dstPort)
	if err != nil {
		log.Warn("origin dial failed", log.Pairs{"error": err.Error(), "dst": dstIP.String(), "port": dstPort})
		sess.Close()
		return
	}
	sess.AttachRight(right, wasTLS)
	in.Sessions.Add(sess)
	sess.Stream()
}

// establishRight dials dstIP:dstPort and, when rule names a TLSProfile that
// applies to sni, runs the MITM split handshake (spec §4.6): TLS-client to
// the origin first (verification happens inside OriginTLSConfig's
// VerifyPeerCertificate), then TLS-server to sess.Left using the origin's own
// leaf identity to mint a resigned certificate.
func (s *Server) establishRight(in *Instance, sess *session.Session, rule *policy.Rule, sni string, dstIP net.IP, dstPort int) (*session.CX, bool, error) {
	addr := net.JoinHostPort(dstIP.String(), strconv.Itoa(dstPort))
	rawRight, err := net.DialTimeout("tcp", addr, in.Config.Settings.TLSHandshakeTimeout)
	if err != nil {
		return nil, false, errs.Wrap(errs.KindTransport, err, "dialing origin %s", addr)
	}

	var profile *config.TLSProfileConfig
	if rule.TLSProfile != "" {
		profile = in.Config.TLSProfiles[rule.TLSProfile]
	}
	srcIP, _ := splitTCPAddr(sess.Left.Com.RemoteAddr())
	if profile == nil || !profile.Inspect || mitm.Bypass(profile, sni, dstIP, in.DNSCache, in.DomainTree) {
		return session.NewCX(session.SideRight, rawRight, in.Config.Settings.IdleTimeout), false, nil
	}

	originConn := tls.Client(rawRight, in.MITM.OriginTLSConfig(profile, sni, srcIP))
	if err := originConn.Handshake(); err != nil {
		rawRight.Close()
		return nil, false, errs.Wrap(errs.KindTransport, err, "mitm origin handshake to %s", addr)
	}
	chain := originConn.ConnectionState().PeerCertificates
	if len(chain) == 0 {
		originConn.Close()
		return nil, false, errs.New(errs.KindCryptographic, "origin %s presented no certificate", addr)
	}
	if err := in.MITM.VerifyStapling(profile, originConn.ConnectionState().OCSPResponse, chain); err != nil {
		originConn.Close()
		return nil, false, errs.Wrap(errs.KindCryptographic, err, "ocsp stapling check failed for %s", addr)
	}

	clientSrv := tls.Server(sess.Left.Com, in.MITM.ClientTLSConfig(profile, chain[0]))
	if err := clientSrv.Handshake(); err != nil {
		originConn.Close()
		return nil, false, errs.Wrap(errs.KindTransport, err, "mitm client handshake")
	}
	sess.Left.Com = clientSrv

	return session.NewCX(session.SideRight, originConn, in.Config.Settings.IdleTimeout), true, nil
}

// attachInspectors attaches the DNS ALG (when the rule carries an
// AlgDNSProfile and the destination is a DNS port) and the signature
// detection engine (when the rule carries a DetectionProfile) to sess, in
// that order (spec §4.5 "inspectors invoked in attachment order").
func (s *Server) attachInspectors(sess *session.Session, in *Instance, rule *policy.Rule, dstPort int) {
	if rule == nil {
		return
	}
	if rule.AlgDNSProfile != "" && dstPort == 53 {
		if profile, ok := in.Config.AlgDNSProfiles[rule.AlgDNSProfile]; ok {
			alg := smithdns.NewALG(profile, in.DNSCache, in.DomainTree)
			sess.Attach(session.NewDNSInspector(alg))
		}
	}
	if rule.DetectionProfile != "" && in.Signatures != nil {
		if _, ok := in.Config.DetectionProfiles[rule.DetectionProfile]; ok {
			engine := in.Signatures.NewSession()
			sess.Attach(session.NewSignatureInspector(engine, func(side session.Side, fired []*signature.Signature) {
				for _, f := range fired {
					log.Info("signature fired", log.Pairs{
						"session": sess.ID.String(), "signature": f.Name, "side": side.String(), "category": f.Category,
					})
					metrics.SignatureFires.WithLabelValues(f.Name).Inc()
				}
			}))
		}
	}
}

// handleUDPFlow services one demultiplexed UDP flow off the transparent
// listener: dials origDst directly (there is no explicit-proxy target to
// resolve, unlike SOCKS) and streams it as an ordinary session, attaching the
// DNS ALG when the policy rule calls for it (spec §4.7).
func (s *Server) handleUDPFlow(flow *udpFlow, origDst *net.UDPAddr) {
	if origDst == nil {
		flow.Close()
		return
	}
	in := s.facade.Current()
	srcIP, srcPort := splitTCPAddr(flow.RemoteAddr())

	rule, matched := in.Policy.Match(17, srcIP, srcPort, origDst.IP, origDst.Port, in.DNSCache)
	left := session.NewCX(session.SideLeft, flow, in.Config.Settings.IdleTimeout)
	sess := session.New(left)
	sess.EvaluatePolicy(rule, matched)
	if sess.Denied() {
		sess.Close()
		return
	}
	s.attachInspectors(sess, in, rule, origDst.Port)

	rightConn, err := net.DialUDP("udp", nil, origDst)
	if err != nil {
		log.Warn("udp origin dial failed", log.Pairs{"error": err.Error(), "dst": origDst.String()})
		sess.Close()
		return
	}
	sess.AttachRight(session.NewCX(session.SideRight, rightConn, in.Config.Settings.IdleTimeout), false)
	in.Sessions.Add(sess)
	sess.Stream()
}

// handleDTLSFlow wraps one demultiplexed UDP flow in a DTLS server handshake
// using a self-signed identity generated once per process, then proceeds as
// an ordinary session once the handshake completes (spec §6 "DTLS").
func (s *Server) handleDTLSFlow(flow *udpFlow, origDst *net.UDPAddr) {
	if origDst == nil {
		flow.Close()
		return
	}
	identity, err := s.dtlsIdentity()
	if err != nil {
		log.Warn("dtls identity unavailable", log.Pairs{"error": err.Error()})
		flow.Close()
		return
	}

	dtlsConn, err := dtls.Server(flow, &dtls.Config{Certificates: []tls.Certificate{identity}})
	if err != nil {
		log.Debug("dtls handshake failed", log.Pairs{"error": err.Error()})
		flow.Close()
		return
	}

	in := s.facade.Current()
	srcIP, srcPort := splitTCPAddr(flow.RemoteAddr())
	rule, matched := in.Policy.Match(17, srcIP, srcPort, origDst.IP, origDst.Port, in.DNSCache)

	left := session.NewCX(session.SideLeft, dtlsConn, in.Config.Settings.IdleTimeout)
	sess := session.New(left)
	sess.EvaluatePolicy(rule, matched)
	if sess.Denied() {
		sess.Close()
		return
	}
	s.attachInspectors(sess, in, rule, origDst.Port)

	rightConn, err := net.DialUDP("udp", nil, origDst)
	if err != nil {
		log.Warn("dtls origin dial failed", log.Pairs{"error": err.Error(), "dst": origDst.String()})
		sess.Close()
		return
	}
	sess.AttachRight(session.NewCX(session.SideRight, rightConn, in.Config.Settings.IdleTimeout), true)
	in.Sessions.Add(sess)
	sess.Stream()
}

// dtlsIdentity lazily generates the self-signed ECDSA certificate the DTLS
// listener presents to clients; generated once per process since DTLS
// interception has no per-SNI origin to impersonate the way TLS MITM does.
func (s *Server) dtlsIdentity() (tls.Certificate, error) {
	s.dtlsOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			s.dtlsErr = err
			return
		}
		serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
		if err != nil {
			s.dtlsErr = err
			return
		}
		tmpl := &x509.Certificate{
			SerialNumber:          serial,
			Subject:               pkix.Name{CommonName: "smithproxy-dtls"},
			NotBefore:             time.Now().Add(-time.Hour),
			NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
			KeyUsage:              x509.KeyUsageDigitalSignature,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
			BasicConstraintsValid: true,
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		if err != nil {
			s.dtlsErr = err
			return
		}
		s.dtlsID = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	})
	return s.dtlsID, s.dtlsErr
}

func splitTCPAddr(addr net.Addr) (net.IP, int) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP, a.Port
	case *net.UDPAddr:
		return a.IP, a.Port
	default:
		return nil, 0
	}
}
