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

const (
	defaultConfigPath = "/etc/smithproxy/smithproxy.conf"

	defaultLogFile  = ""
	defaultLogLevel = "INFO"

	defaultCertsPath            = "/var/lib/smithproxy/certs"
	defaultTraflogDir           = "/var/log/smithproxy/traflog"
	defaultReplacementAssetsDir = "/usr/share/smithproxy/replacements"

	defaultTransparentListenPort = 50080
	defaultRedirectListenPort    = 50081
	defaultSocksListenPort       = 1080
	defaultDtlsListenPort        = 50443

	defaultMetricsListenPort    = 8082
	defaultMetricsListenAddress = ""

	defaultTracerImplemetation = "stdout"

	defaultIdleTimeoutSecs         = 300
	defaultTLSHandshakeTimeoutSecs = 10
	defaultHalfCloseGraceSecs      = 15

	defaultCertCacheCapacity      = 4096
	defaultOcspCacheCapacity      = 4096
	defaultCrlCacheCapacity       = 1024
	defaultTicketCacheCapacity    = 4096
	defaultWhitelistCacheCapacity = 8192
	defaultWhitelistTTLSecs       = 86400

	defaultDomainTreeTTLSecs = 86400

	defaultRedisClientType = "standard"
	defaultRedisProtocol   = "tcp"
	defaultRedisEndpoint   = "redis:6379"

	// defaultBBoltFile/defaultBBoltBucket back the certificate cache's on-disk
	// persistence (internal/cert), repurposed from the teacher's generic
	// document cache naming.
	defaultBBoltFile   = "smithproxy-certcache.db"
	defaultBBoltBucket = "certcache"

	// defaultBadgerSubdir backs the DNS ALG response cache (internal/dns).
	defaultBadgerSubdir = "dnscache"

	defaultConfigHandlerPath = "/smithproxy/config"
	defaultPingHandlerPath   = "/smithproxy/ping"

	// defaultUpstreamDNSServer resolves SOCKS5/4a FQDN targets, which (unlike
	// the transparent DNS ALG path) have no original destination to dial
	// directly and so need a real resolver address (spec §4.8).
	defaultUpstreamDNSServer = "8.8.8.8:53"

	// defaultShutdownSignalLimit is how many termination signals smithproxy
	// absorbs before escalating from graceful to forced to abort (spec §5).
	defaultShutdownSignalLimit = 3
)
