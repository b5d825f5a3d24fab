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
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/smithproxy/smithproxy/internal/cert"
	"github.com/smithproxy/smithproxy/internal/config"
	"github.com/smithproxy/smithproxy/internal/util/log"
	"github.com/smithproxy/smithproxy/internal/util/metrics"
	"github.com/smithproxy/smithproxy/internal/util/middleware"
)

// ReplacementReason names why a session is being shown a replacement page
// instead of being proxied, matching the TLSProfile.FailureAction outcomes
// (spec §4.6): a certificate verification failure, an explicit policy deny,
// or an operator-facing "accept the risk" prompt.
type ReplacementReason string

const (
	ReasonCertVerifyFailed ReplacementReason = "cert-verify-failed"
	ReasonPolicyDeny       ReplacementReason = "policy-deny"
	ReasonOverridePrompt   ReplacementReason = "override-prompt"
)

// ReplacementServer serves the HTML/text replacement pages TLSProfile's
// FailureAction = "replace-with-warning-page" routes to, and the
// click-through override endpoint that grants a WhitelistCache entry when
// CertCheckFailureOverrideEnabled is set.
type ReplacementServer struct {
	assetsDir string
	whitelist *cert.WhitelistCache
	profiles  map[string]*config.TLSProfileConfig
	router    *mux.Router
}

// NewReplacementServer builds a ReplacementServer rooted at assetsDir, the
// same templated-asset directory layout the teacher's HTTP engine served
// custom response bodies from (pc.ResponseBodyBytes), generalized here to a
// fixed small set of named pages instead of per-origin overrides. profiles
// is consulted to gate a click-through override on the TLSProfile that
// triggered the replacement page (spec §4.6 CertCheckFailureOverrideEnabled).
func NewReplacementServer(assetsDir string, whitelist *cert.WhitelistCache, profiles map[string]*config.TLSProfileConfig) *ReplacementServer {
	s := &ReplacementServer{assetsDir: assetsDir, whitelist: whitelist, profiles: profiles}
	r := mux.NewRouter()
	r.Handle("/replace", middleware.Trace(string(ReasonCertVerifyFailed))(http.HandlerFunc(s.serveReplacement))).Methods(http.MethodGet)
	r.Handle("/override", middleware.Trace(string(ReasonOverridePrompt))(http.HandlerFunc(s.serveOverride))).Methods(http.MethodPost)
	s.router = r
	return s
}

// Handler returns the wired http.Handler, decorated with the same combined
// logging middleware the teacher wraps its route registrations with.
func (s *ReplacementServer) Handler() http.Handler {
	return handlers.CombinedLoggingHandler(log.Writer(), s.router)
}

func (s *ReplacementServer) serveReplacement(w http.ResponseWriter, r *http.Request) {
	reason := ReplacementReason(r.URL.Query().Get("reason"))
	host := r.URL.Query().Get("host")
	profileName := r.URL.Query().Get("profile")

	path := filepath.Join(s.assetsDir, string(reason)+".html")
	body, err := os.ReadFile(path)
	if err != nil {
		log.Warn("replacement page asset missing, serving built-in fallback", log.Pairs{"reason": string(reason), "error": err.Error()})
		body = []byte(fallbackPage(reason, host, profileName, s.profiles[profileName]))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(statusForReason(reason))
	w.Write(body)
}

// serveOverride grants a click-through certificate-check-failure override,
// gated on the named TLSProfile actually enabling it (spec §4.6
// CertCheckFailureOverrideEnabled) and keyed to the requesting client's own
// IP so the grant only covers that client's later connections.
func (s *ReplacementServer) serveOverride(w http.ResponseWriter, r *http.Request) {
	host := r.FormValue("host")
	if host == "" {
		http.Error(w, "missing host", http.StatusBadRequest)
		return
	}
	profile := s.profiles[r.FormValue("profile")]
	if profile == nil || !profile.CertCheckFailureOverrideEnabled {
		http.Error(w, "certificate override is not permitted for this destination", http.StatusForbidden)
		return
	}

	srcIP := requestIP(r)
	s.whitelist.Allow(srcIP, host, profile.OverrideTTL)
	metrics.CacheSize.WithLabelValues("whitelist-override").Inc()
	log.Info("operator override granted for host", log.Pairs{
		"host": host, "src_ip": srcIP.String(), "timeout_mode": profile.OverrideTimeoutMode,
	})
	http.Redirect(w, r, "https://"+host+"/", http.StatusFound)
}

// requestIP extracts the caller's IP from r.RemoteAddr, stripping the port
// net/http always appends.
func requestIP(r *http.Request) net.IP {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	return net.ParseIP(host)
}

func statusForReason(r ReplacementReason) int {
	switch r {
	case ReasonPolicyDeny:
		return http.StatusForbidden
	case ReasonCertVerifyFailed:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

func fallbackPage(reason ReplacementReason, host, profileName string, profile *config.TLSProfileConfig) string {
	form := ""
	if profile != nil && profile.CertCheckFailureOverrideEnabled {
		form = fmt.Sprintf(`<form method="POST" action="/override">
<input type="hidden" name="host" value="%s">
<input type="hidden" name="profile" value="%s">
<button type="submit">Accept the risk and continue</button>
</form>`, host, profileName)
	}
	return fmt.Sprintf(`<html><head><title>smithproxy</title></head><body>
<h1>Connection intercepted</h1>
<p>Reason: %s</p>
<p>Host: %s</p>
%s
</body></html>`, reason, host, form)
}
