package config

import (
	"strings"
	"time"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a
// human-readable description shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// insecureDefaultSeed is the placeholder auth seed that ships in
// compiled defaults. The relay refuses to start with it unchanged
// (see relay.Build), the same way the teacher refuses to start with its
// default tunnel CA seed.
const insecureDefaultSeed = "change-me"

// RelayOptions defines every configuration entry the relay accepts.
// Each entry is registered as a viper default and a CLI flag.
var RelayOptions = []Option{
	{Key: keyListenQUICAddress, Flag: toFlag(keyListenQUICAddress), Default: ":4443", Description: "QUIC transport listen address"},
	{Key: keyListenWSAddress, Flag: toFlag(keyListenWSAddress), Default: ":4444", Description: "WebSocket transport listen address"},
	{Key: keyListenH2Address, Flag: toFlag(keyListenH2Address), Default: ":4445", Description: "HTTP/2 transport listen address"},
	{Key: keyListenOpsAddress, Flag: toFlag(keyListenOpsAddress), Default: ":8299", Description: "Operability HTTP address (discovery document, metrics)"},

	{Key: keyPublicHost, Flag: toFlag(keyPublicHost), Default: "localhost", Description: "Public hostname used to build tcp:// endpoint and reverse-tunnel URLs"},
	{Key: keyHTTPPort, Flag: toFlag(keyHTTPPort), Default: 80, Description: "Public port advertised for http:// endpoints"},
	{Key: keyHTTPSPort, Flag: toFlag(keyHTTPSPort), Default: 443, Description: "Public port advertised for https:// endpoints"},
	{Key: keyTLSPort, Flag: toFlag(keyTLSPort), Default: 8443, Description: "Public port advertised for tls:// (SNI passthrough) endpoints"},

	{Key: keyPortRangeMin, Flag: toFlag(keyPortRangeMin), Default: 10000, Description: "Minimum public TCP port handed out for tcp:// and reverse-tunnel endpoints"},
	{Key: keyPortRangeMax, Flag: toFlag(keyPortRangeMax), Default: 10999, Description: "Maximum public TCP port handed out for tcp:// and reverse-tunnel endpoints"},

	{Key: keyDomainBase, Flag: toFlag(keyDomainBase), Default: "relay.example.com", Description: "Base domain subdomains are issued under"},
	{Key: keyDomainAllowManual, Flag: toFlag(keyDomainAllowManual), Default: true, Description: "Allow clients to request a specific subdomain"},

	{Key: keyAuthSeed, Flag: toFlag(keyAuthSeed), Default: insecureDefaultSeed, Description: "Secret seed the relay derives its HMAC signing keys from"},
	{Key: keyAuthIssuer, Flag: toFlag(keyAuthIssuer), Default: "", Description: "Required token issuer (iss claim); empty accepts any issuer"},
	{Key: keyAuthAudience, Flag: toFlag(keyAuthAudience), Default: "", Description: "Required token audience (aud claim); empty accepts any audience"},

	{Key: keyHeartbeatInterval, Flag: toFlag(keyHeartbeatInterval), Default: 15 * time.Second, Description: "Control-plane heartbeat (Ping) interval"},
	{Key: keyAuthTimeout, Flag: toFlag(keyAuthTimeout), Default: 10 * time.Second, Description: "Time a new connection has to send its first Connect/AgentRegister message"},

	{Key: keyMetricsEnabled, Flag: toFlag(keyMetricsEnabled), Default: true, Description: "Expose Prometheus metrics on the operability address"},
}

// toFlag converts a viper key like "port_range.min" into a CLI flag
// like "port-range-min" by lower-casing and replacing dots and
// underscores with hyphens.
func toFlag(key string) string {
	flag := strings.ToLower(key)
	flag = strings.ReplaceAll(flag, ".", "-")
	flag = strings.ReplaceAll(flag, "_", "-")
	return flag
}
