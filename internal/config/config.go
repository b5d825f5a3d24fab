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

package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the Running Configuration for smithproxy.
var Config *SmithConfig

// Settings is the Settings subsection of the Running Configuration.
var Settings *SettingsConfig

// Debug is the Debug subsection of the Running Configuration.
var Debug *DebugConfig

// ProtoObjects is the map of named protocol objects.
var ProtoObjects map[string]*ProtoObjectConfig

// PortObjects is the map of named port range objects.
var PortObjects map[string]*PortObjectConfig

// AddressObjects is the map of named address objects.
var AddressObjects map[string]*AddressObjectConfig

// DetectionProfiles is the map of named detection profiles.
var DetectionProfiles map[string]*DetectionProfileConfig

// ContentProfiles is the map of named content profiles.
var ContentProfiles map[string]*ContentProfileConfig

// TLSProfiles is the map of named TLS interception profiles.
var TLSProfiles map[string]*TLSProfileConfig

// AlgDNSProfiles is the map of named DNS ALG profiles.
var AlgDNSProfiles map[string]*AlgDNSProfileConfig

// AuthProfiles is the map of named authentication profiles.
var AuthProfiles map[string]*AuthProfileConfig

// ScriptProfiles is the map of named Lua script profiles.
var ScriptProfiles map[string]*ScriptProfileConfig

// RoutingProfiles is the map of named routing (NAT) profiles.
var RoutingProfiles map[string]*RoutingProfileConfig

// Policy is the ordered list of policy rules.
var Policy []*PolicyRuleConfig

// StartTLSSignatures is the starttls sensor's (ordinal 0) signature list.
var StartTLSSignatures []*SignatureConfig

// DetectionSignatures is the detection sensors' (ordinal >= 1) signature list.
var DetectionSignatures []*SignatureConfig

// Flags is a collection of command line flags that smithproxy loads.
var Flags = SmithproxyFlags{}

// LoaderWarnings holds warnings generated during config load (before the
// logger is initialized), so they can be logged at the end of the loading
// process.
var LoaderWarnings = make([]string, 0)

// SmithConfig is the main configuration object, the in-memory mirror of the
// on-disk TOML file described in spec §6. A freshly loaded SmithConfig is
// built off to the side and only swapped in atomically on full success
// (spec §7, Config errors must not replace a running configuration).
type SmithConfig struct {
	Settings            *SettingsConfig                     `toml:"settings"`
	Debug                *DebugConfig                        `toml:"debug"`
	ProtoObjects         map[string]*ProtoObjectConfig        `toml:"proto_objects"`
	PortObjects          map[string]*PortObjectConfig         `toml:"port_objects"`
	AddressObjects       map[string]*AddressObjectConfig      `toml:"address_objects"`
	DetectionProfiles    map[string]*DetectionProfileConfig   `toml:"detection_profiles"`
	ContentProfiles      map[string]*ContentProfileConfig     `toml:"content_profiles"`
	TLSProfiles          map[string]*TLSProfileConfig         `toml:"tls_profiles"`
	AlgDNSProfiles       map[string]*AlgDNSProfileConfig       `toml:"alg_dns_profiles"`
	AuthProfiles         map[string]*AuthProfileConfig        `toml:"auth_profiles"`
	ScriptProfiles       map[string]*ScriptProfileConfig      `toml:"script_profiles"`
	RoutingProfiles      map[string]*RoutingProfileConfig     `toml:"routing_profiles"`
	Policy               []*PolicyRuleConfig                  `toml:"policy"`
	StartTLSSignatures   []*SignatureConfig                   `toml:"starttls_signatures"`
	DetectionSignatures  []*SignatureConfig                   `toml:"detection_signatures"`
}

// SettingsConfig holds the listener/runtime settings every acceptor mode
// shares.
type SettingsConfig struct {
	// CertsPath is where the certificate cache persists spoofed leaf
	// certificates (spec §6, §4.9).
	CertsPath string `toml:"certs_path"`
	// CaPath/CaKeyPath locate the signing CA used by the MITM component
	// (spec §4.6). CaKeyPassword is loaded but not used: mitm.LoadCA reads
	// only an unencrypted key.
	CaPath         string `toml:"ca_path"`
	CaKeyPath      string `toml:"ca_key_path"`
	CaKeyPassword  string `toml:"ca_key_password"`
	// TraflogDir/TraflogPrefix name the session capture location (spec §6);
	// no component in this tree writes captures.
	TraflogDir    string `toml:"traflog_dir"`
	TraflogPrefix string `toml:"traflog_prefix"`
	TraflogSuffix string `toml:"traflog_suffix"`
	// ReplacementAssetsDir holds the templated HTML/text replacement pages
	// (spec §6).
	ReplacementAssetsDir string `toml:"replacement_assets_dir"`

	TransparentListenAddress string `toml:"transparent_listen_address"`
	TransparentListenPort    int    `toml:"transparent_listen_port"`
	RedirectListenAddress    string `toml:"redirect_listen_address"`
	RedirectListenPort       int    `toml:"redirect_listen_port"`
	SocksListenAddress       string `toml:"socks_listen_address"`
	SocksListenPort          int    `toml:"socks_listen_port"`
	// DtlsListenPort is the UDP port the DTLS acceptor binds on the
	// transparent listen address; kept distinct from
	// TransparentListenPort since both are UDP sockets and can't share a
	// port number the way a TCP and a UDP listener can (spec §6 "DTLS").
	DtlsListenPort int `toml:"dtls_listen_port"`

	// MetricsListenAddress/Port bind the Prometheus + replacement-page HTTP
	// server (spec §4.11, §6 "Replacement assets").
	MetricsListenAddress string `toml:"metrics_listen_address"`
	MetricsListenPort    int    `toml:"metrics_listen_port"`
	// ConfigHandlerPath/PingHandlerPath expose the running configuration and
	// a liveness probe on the metrics server, matching the teacher's own
	// `/trickster/config` and `/trickster/ping` control endpoints.
	ConfigHandlerPath string `toml:"config_handler_path"`
	PingHandlerPath   string `toml:"ping_handler_path"`

	// UpstreamDNSServer resolves SOCKS5/4a FQDN CONNECT targets (spec §4.8).
	UpstreamDNSServer string `toml:"upstream_dns_server"`

	// ShutdownSignalLimit is how many termination signals the process
	// absorbs before escalating from graceful to forced to abort (spec §5).
	ShutdownSignalLimit int `toml:"shutdown_signal_limit"`

	// WorkersPerListener configures the fixed worker pool size per listener
	// kind (spec §5).
	WorkersPerListener map[string]int `toml:"workers_per_listener"`

	IdleTimeoutSecs        int `toml:"idle_timeout_secs"`
	TLSHandshakeTimeoutSecs int `toml:"tls_handshake_timeout_secs"`
	HalfCloseGraceSecs     int `toml:"half_close_grace_secs"`

	CertCacheCapacity     int `toml:"cert_cache_capacity"`
	OcspCacheCapacity     int `toml:"ocsp_cache_capacity"`
	CrlCacheCapacity      int `toml:"crl_cache_capacity"`
	TicketCacheCapacity   int `toml:"ticket_cache_capacity"`
	WhitelistCacheCapacity int `toml:"whitelist_cache_capacity"`
	WhitelistRedisEndpoint string `toml:"whitelist_redis_endpoint"`

	DomainTreeTTLSecs int `toml:"domain_tree_ttl_secs"`

	// Synthesized
	IdleTimeout         time.Duration `toml:"-"`
	TLSHandshakeTimeout time.Duration `toml:"-"`
	HalfCloseGrace      time.Duration `toml:"-"`
	DomainTreeTTL       time.Duration `toml:"-"`
}

// DebugConfig carries operator debug toggles, mirroring the original CLI's
// `debug` section (external collaborator owns the commands; the core owns
// the knobs they flip).
type DebugConfig struct {
	LogFile  string `toml:"log_file"`
	LogLevel string `toml:"log_level"`
	// KeylogFile, if set, receives NSS-format TLS secrets for every MITM'd
	// session (spec §4.6 step 5).
	KeylogFile string `toml:"keylog_file"`

	// TracerImplementation selects "stdout" or "jaeger" (internal/util/tracing).
	TracerImplementation string `toml:"tracer_implementation"`
	// TracerCollectorEndpoint is the Jaeger collector URL, ignored for the
	// stdout tracer.
	TracerCollectorEndpoint string `toml:"tracer_collector_endpoint"`
}

// ProtoObjectConfig names an IP protocol number; 0 means "any" (spec §3).
type ProtoObjectConfig struct {
	Name string `toml:"-"`
	ID   int    `toml:"id"`
}

// PortObjectConfig is a closed port interval [Start,End] (spec §3).
type PortObjectConfig struct {
	Name  string `toml:"-"`
	Start int    `toml:"start"`
	End   int    `toml:"end"`
}

// AddressObjectConfig is a tagged-variant address predicate: Type 0 is CIDR,
// Type 1 is FQDN (spec §3, §6).
type AddressObjectConfig struct {
	Name string `toml:"-"`
	Type int    `toml:"type"`
	CIDR string `toml:"cidr"`
	FQDN string `toml:"fqdn"`
}

const (
	// AddressObjectTypeCIDR matches the spec's `type = 0` CIDR variant.
	AddressObjectTypeCIDR = 0
	// AddressObjectTypeFQDN matches the spec's `type = 1` FQDN variant.
	AddressObjectTypeFQDN = 1
)

// DetectionProfileConfig names the signature sensor groups a rule enables.
type DetectionProfileConfig struct {
	Name    string   `toml:"-"`
	Sensors []int    `toml:"sensors"`
	Enabled bool     `toml:"enabled"`
}

// ContentProfileConfig controls payload-level behavior (content rewriting,
// traffic capture, and the URL-rating hook bound to a ScriptProfile).
type ContentProfileConfig struct {
	Name             string `toml:"-"`
	WriteTrafficCapture bool `toml:"write_traffic_capture"`
	ScriptProfile    string `toml:"script_profile"`
}

// TLSProfileConfig is the MITM interception profile (spec §4.6).
type TLSProfileConfig struct {
	Name              string   `toml:"-"`
	Inspect           bool     `toml:"inspect"`
	SniFilterBypass   []string `toml:"sni_filter_bypass"`
	UntrustedIssuerOk bool     `toml:"untrusted_issuer_ok"`
	InvalidCertOk     bool     `toml:"invalid_cert_ok"`
	SelfSignedOk      bool     `toml:"self_signed_ok"`

	OcspMode         string `toml:"ocsp_mode"`          // off | leaf-only | full-chain
	OcspStaplingMode string `toml:"ocsp_stapling_mode"` // loose | strict | require
	FailureAction    string `toml:"failure_action"`     // accept | replace-with-warning-page | reset

	LeftUsePfs        bool `toml:"left_use_pfs"`
	RightUsePfs       bool `toml:"right_use_pfs"`
	LeftDisableReuse  bool `toml:"left_disable_reuse"`
	RightDisableReuse bool `toml:"right_disable_reuse"`

	CertCheckFailureOverrideEnabled bool   `toml:"cert_check_failure_override_enabled"`
	OverrideTimeoutMode             string `toml:"override_timeout_mode"` // absolute | idle
	OverrideTTLSecs                 int    `toml:"override_ttl_secs"`

	// Synthesized
	OverrideTTL time.Duration `toml:"-"`
}

// AlgDNSProfileConfig controls the DNS ALG inspector (spec §4.7).
type AlgDNSProfileConfig struct {
	Name            string `toml:"-"`
	MatchRequestID  bool   `toml:"match_request_id"`
	RandomizeID     bool   `toml:"randomize_id"`
	CachedResponses bool   `toml:"cached_responses"`
}

// AuthProfileConfig references the externally-populated identity table the
// authentication portal maintains; the core only knows its name.
type AuthProfileConfig struct {
	Name             string `toml:"-"`
	RequireAuth      bool   `toml:"require_auth"`
	IdentityTableRef string `toml:"identity_table_ref"`
}

// ScriptProfileConfig names a Lua script loaded for per-session hooks
// (spec §4.10, ADDED).
type ScriptProfileConfig struct {
	Name string `toml:"-"`
	Path string `toml:"path"`
}

// RoutingProfileConfig controls NAT behavior beyond the rule's NatMode.
type RoutingProfileConfig struct {
	Name     string `toml:"-"`
	PoolName string `toml:"pool_name"`
}

// PolicyRuleConfig is one row of the ordered policy table (spec §3, §4.4).
type PolicyRuleConfig struct {
	Proto        string   `toml:"proto"`
	SrcAddresses []string `toml:"src_addresses"`
	SrcPorts     []string `toml:"src_ports"`
	DstAddresses []string `toml:"dst_addresses"`
	DstPorts     []string `toml:"dst_ports"`

	Action  string `toml:"action"`   // accept | deny
	NatMode string `toml:"nat_mode"` // none | auto | pool

	ContentProfile   string `toml:"content_profile"`
	DetectionProfile string `toml:"detection_profile"`
	TLSProfile       string `toml:"tls_profile"`
	AuthProfile      string `toml:"auth_profile"`
	AlgDNSProfile    string `toml:"alg_dns_profile"`
	ScriptProfile    string `toml:"script_profile"`
	RoutingProfile   string `toml:"routing_profile"`
}

// SideMatcherConfig is one submatcher of a signature (spec §4.3).
type SideMatcherConfig struct {
	Side     string `toml:"side"` // L | R
	Offset   int    `toml:"offset"`
	MaxBytes int    `toml:"max_bytes"`
	Kind     string `toml:"kind"` // regex | literal
	Pattern  string `toml:"pattern"`
}

// SignatureConfig is a multi-side flow pattern (spec §4.3).
type SignatureConfig struct {
	Name     string              `toml:"name"`
	Category string              `toml:"category"`
	Severity int                 `toml:"severity"`
	Sensor   int                 `toml:"sensor"`
	Sides    []SideMatcherConfig `toml:"sides"`
}

// NewConfig returns a SmithConfig initialized with default values.
func NewConfig() *SmithConfig {
	return &SmithConfig{
		Settings:            newSettingsConfig(),
		Debug:               &DebugConfig{LogFile: defaultLogFile, LogLevel: defaultLogLevel, TracerImplementation: defaultTracerImplemetation},
		ProtoObjects:        map[string]*ProtoObjectConfig{},
		PortObjects:         map[string]*PortObjectConfig{},
		AddressObjects:      map[string]*AddressObjectConfig{},
		DetectionProfiles:   map[string]*DetectionProfileConfig{},
		ContentProfiles:     map[string]*ContentProfileConfig{},
		TLSProfiles:         map[string]*TLSProfileConfig{},
		AlgDNSProfiles:      map[string]*AlgDNSProfileConfig{},
		AuthProfiles:        map[string]*AuthProfileConfig{},
		ScriptProfiles:      map[string]*ScriptProfileConfig{},
		RoutingProfiles:     map[string]*RoutingProfileConfig{},
		Policy:              []*PolicyRuleConfig{},
		StartTLSSignatures:  []*SignatureConfig{},
		DetectionSignatures: []*SignatureConfig{},
	}
}

func newSettingsConfig() *SettingsConfig {
	return &SettingsConfig{
		CertsPath:               defaultCertsPath,
		TraflogDir:              defaultTraflogDir,
		ReplacementAssetsDir:    defaultReplacementAssetsDir,
		TransparentListenPort:   defaultTransparentListenPort,
		RedirectListenPort:      defaultRedirectListenPort,
		SocksListenPort:         defaultSocksListenPort,
		DtlsListenPort:          defaultDtlsListenPort,
		MetricsListenAddress:    defaultMetricsListenAddress,
		MetricsListenPort:       defaultMetricsListenPort,
		ConfigHandlerPath:       defaultConfigHandlerPath,
		PingHandlerPath:         defaultPingHandlerPath,
		UpstreamDNSServer:       defaultUpstreamDNSServer,
		ShutdownSignalLimit:     defaultShutdownSignalLimit,
		WorkersPerListener:      defaultWorkersPerListener(),
		IdleTimeoutSecs:         defaultIdleTimeoutSecs,
		TLSHandshakeTimeoutSecs: defaultTLSHandshakeTimeoutSecs,
		HalfCloseGraceSecs:      defaultHalfCloseGraceSecs,
		CertCacheCapacity:       defaultCertCacheCapacity,
		OcspCacheCapacity:       defaultOcspCacheCapacity,
		CrlCacheCapacity:        defaultCrlCacheCapacity,
		TicketCacheCapacity:     defaultTicketCacheCapacity,
		WhitelistCacheCapacity:  defaultWhitelistCacheCapacity,
		DomainTreeTTLSecs:       defaultDomainTreeTTLSecs,
	}
}

func defaultWorkersPerListener() map[string]int {
	return map[string]int{
		"tcp":      4,
		"tls":      4,
		"udp":      2,
		"dtls":     2,
		"socks":    4,
		"redirect": 4,
	}
}

// loadFile loads application configuration from a TOML-formatted file.
func (c *SmithConfig) loadFile() error {
	md, err := toml.DecodeFile(Flags.ConfigPath, c)
	if err != nil {
		return err
	}
	return c.setDefaults(&md)
}

func (c *SmithConfig) setDefaults(metadata *toml.MetaData) error {
	if c.Settings == nil {
		c.Settings = newSettingsConfig()
	}
	if c.Debug == nil {
		c.Debug = &DebugConfig{LogFile: defaultLogFile, LogLevel: defaultLogLevel, TracerImplementation: defaultTracerImplemetation}
	}
	if c.Debug.TracerImplementation == "" {
		c.Debug.TracerImplementation = defaultTracerImplemetation
	}
	if c.Settings.UpstreamDNSServer == "" {
		c.Settings.UpstreamDNSServer = defaultUpstreamDNSServer
	}
	if c.Settings.ShutdownSignalLimit <= 0 {
		c.Settings.ShutdownSignalLimit = defaultShutdownSignalLimit
	}

	c.Settings.IdleTimeout = time.Duration(c.Settings.IdleTimeoutSecs) * time.Second
	c.Settings.TLSHandshakeTimeout = time.Duration(c.Settings.TLSHandshakeTimeoutSecs) * time.Second
	c.Settings.HalfCloseGrace = time.Duration(c.Settings.HalfCloseGraceSecs) * time.Second
	c.Settings.DomainTreeTTL = time.Duration(c.Settings.DomainTreeTTLSecs) * time.Second

	for k, v := range c.PortObjects {
		v.Name = k
		if v.Start > v.End {
			v.Start, v.End = v.End, v.Start
		}
	}
	for k, v := range c.AddressObjects {
		v.Name = k
	}
	for k, v := range c.ProtoObjects {
		v.Name = k
	}
	for k, v := range c.DetectionProfiles {
		v.Name = k
	}
	for k, v := range c.ContentProfiles {
		v.Name = k
	}
	for k, v := range c.TLSProfiles {
		v.Name = k
		if v.OverrideTTLSecs == 0 {
			v.OverrideTTLSecs = defaultWhitelistTTLSecs
		}
		v.OverrideTTL = time.Duration(v.OverrideTTLSecs) * time.Second
	}
	for k, v := range c.AlgDNSProfiles {
		v.Name = k
	}
	for k, v := range c.AuthProfiles {
		v.Name = k
	}
	for k, v := range c.ScriptProfiles {
		v.Name = k
	}
	for k, v := range c.RoutingProfiles {
		v.Name = k
	}

	return c.validateCrossReferences()
}

// validateCrossReferences rejects a rule table that references a profile,
// address object, port object or proto object that doesn't exist — a
// "Config" class error per spec §7 that must prevent a partial load from
// replacing a running configuration.
func (c *SmithConfig) validateCrossReferences() error {
	checkProfile := func(kind, name string, ok bool) error {
		if name != "" && !ok {
			return fmt.Errorf("policy rule references unknown %s profile %q", kind, name)
		}
		return nil
	}

	for i, r := range c.Policy {
		if r.Action != "accept" && r.Action != "deny" {
			return fmt.Errorf("policy rule %d: invalid action %q", i, r.Action)
		}
		for _, name := range r.SrcAddresses {
			if _, ok := c.AddressObjects[name]; !ok {
				return fmt.Errorf("policy rule %d: unknown src address object %q", i, name)
			}
		}
		for _, name := range r.DstAddresses {
			if _, ok := c.AddressObjects[name]; !ok {
				return fmt.Errorf("policy rule %d: unknown dst address object %q", i, name)
			}
		}
		for _, name := range r.SrcPorts {
			if _, ok := c.PortObjects[name]; !ok {
				return fmt.Errorf("policy rule %d: unknown src port object %q", i, name)
			}
		}
		for _, name := range r.DstPorts {
			if _, ok := c.PortObjects[name]; !ok {
				return fmt.Errorf("policy rule %d: unknown dst port object %q", i, name)
			}
		}
		if r.Proto != "" {
			if _, ok := c.ProtoObjects[r.Proto]; !ok {
				return fmt.Errorf("policy rule %d: unknown proto object %q", i, r.Proto)
			}
		}
		_, ok := c.ContentProfiles[r.ContentProfile]
		if err := checkProfile("content", r.ContentProfile, ok); err != nil {
			return err
		}
		_, ok = c.DetectionProfiles[r.DetectionProfile]
		if err := checkProfile("detection", r.DetectionProfile, ok); err != nil {
			return err
		}
		_, ok = c.TLSProfiles[r.TLSProfile]
		if err := checkProfile("tls", r.TLSProfile, ok); err != nil {
			return err
		}
		_, ok = c.AuthProfiles[r.AuthProfile]
		if err := checkProfile("auth", r.AuthProfile, ok); err != nil {
			return err
		}
		_, ok = c.AlgDNSProfiles[r.AlgDNSProfile]
		if err := checkProfile("alg_dns", r.AlgDNSProfile, ok); err != nil {
			return err
		}
		_, ok = c.ScriptProfiles[r.ScriptProfile]
		if err := checkProfile("script", r.ScriptProfile, ok); err != nil {
			return err
		}
		_, ok = c.RoutingProfiles[r.RoutingProfile]
		if err := checkProfile("routing", r.RoutingProfile, ok); err != nil {
			return err
		}
	}

	for k, cp := range c.ContentProfiles {
		if cp.ScriptProfile != "" {
			if _, ok := c.ScriptProfiles[cp.ScriptProfile]; !ok {
				return fmt.Errorf("content profile %q references unknown script profile %q", k, cp.ScriptProfile)
			}
		}
	}

	return nil
}
