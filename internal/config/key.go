// Package config provides unified configuration loading from files,
// environment variables, and CLI flags using viper and pflag.
//
// Resolution order (highest wins):
//  1. CLI flags
//  2. Environment variables (prefix RELAYMESH_)
//  3. Config file (config.yaml in . or /etc/relaymesh/)
//  4. Compiled defaults
package config

// Viper keys for relay configuration.
const (
	keyListenQUICAddress = "listen.quic_address"
	keyListenWSAddress   = "listen.ws_address"
	keyListenH2Address   = "listen.h2_address"
	keyListenOpsAddress  = "listen.ops_address"

	keyPublicHost = "public_host"
	keyHTTPPort   = "http_port"
	keyHTTPSPort  = "https_port"
	keyTLSPort    = "tls_port"

	keyPortRangeMin = "port_range.min"
	keyPortRangeMax = "port_range.max"

	keyDomainBase        = "domain.base"
	keyDomainAllowManual = "domain.allow_manual"

	keyAuthSeed     = "auth.seed"
	keyAuthIssuer   = "auth.issuer"
	keyAuthAudience = "auth.audience"

	keyHeartbeatInterval = "heartbeat_interval"
	keyAuthTimeout       = "auth_timeout"

	keyMetricsEnabled = "metrics.enabled"
)
