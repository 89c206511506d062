package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config wraps a viper instance and provides typed accessors for every
// configuration key. Create one via New().
type Config struct {
	v *viper.Viper
}

// New initialises a Config by loading values from environment
// variables, the config file, and compiled defaults (in that priority
// order; CLI flags, bound later via BindFlags, take highest priority).
func New() (*Config, error) {
	v := viper.New()

	for _, o := range RelayOptions {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relaymesh/")

	if err := v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Environment variables are prefixed with RELAYMESH_ and use
	// underscores in place of dots (e.g. RELAYMESH_PUBLIC_HOST).
	v.SetEnvPrefix("RELAYMESH")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Config{v: v}, nil
}

// BindFlags registers CLI flags for the given option slice and binds
// them to the underlying viper keys so that flag values override file
// and environment sources.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		case time.Duration:
			fs.Duration(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

// ---------------------------------------------------------------------------
// Listen addresses
// ---------------------------------------------------------------------------

// ListenQUICAddress returns the QUIC transport listen address.
func (c *Config) ListenQUICAddress() string { return c.v.GetString(keyListenQUICAddress) }

// ListenWSAddress returns the WebSocket transport listen address.
func (c *Config) ListenWSAddress() string { return c.v.GetString(keyListenWSAddress) }

// ListenH2Address returns the HTTP/2 transport listen address.
func (c *Config) ListenH2Address() string { return c.v.GetString(keyListenH2Address) }

// ListenOpsAddress returns the operability HTTP server's address
// (discovery document, metrics).
func (c *Config) ListenOpsAddress() string { return c.v.GetString(keyListenOpsAddress) }

// ---------------------------------------------------------------------------
// Public endpoint shape
// ---------------------------------------------------------------------------

// PublicHost returns the hostname used to build tcp:// endpoint and
// reverse-tunnel URLs; tls:// URLs use the requested SNI pattern.
func (c *Config) PublicHost() string { return c.v.GetString(keyPublicHost) }

// HTTPPort returns the public port advertised for http:// endpoints.
func (c *Config) HTTPPort() uint16 { return uint16(c.v.GetUint(keyHTTPPort)) }

// HTTPSPort returns the public port advertised for https:// endpoints.
func (c *Config) HTTPSPort() uint16 { return uint16(c.v.GetUint(keyHTTPSPort)) }

// TLSPort returns the public port advertised for tls:// endpoints.
func (c *Config) TLSPort() uint16 { return uint16(c.v.GetUint(keyTLSPort)) }

// PortRangeMin returns the lowest port handed out for tcp:// and
// reverse-tunnel endpoints.
func (c *Config) PortRangeMin() uint16 { return uint16(c.v.GetUint(keyPortRangeMin)) }

// PortRangeMax returns the highest port handed out for tcp:// and
// reverse-tunnel endpoints.
func (c *Config) PortRangeMax() uint16 { return uint16(c.v.GetUint(keyPortRangeMax)) }

// ---------------------------------------------------------------------------
// Domain
// ---------------------------------------------------------------------------

// DomainBase returns the base domain subdomains are issued under.
func (c *Config) DomainBase() string { return c.v.GetString(keyDomainBase) }

// DomainAllowManual reports whether clients may request a specific
// subdomain.
func (c *Config) DomainAllowManual() bool { return c.v.GetBool(keyDomainAllowManual) }

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// AuthSeed returns the secret seed the relay derives its HMAC signing
// keys from.
func (c *Config) AuthSeed() string { return c.v.GetString(keyAuthSeed) }

// AuthIssuer returns the required token issuer, or "" to accept any.
func (c *Config) AuthIssuer() string { return c.v.GetString(keyAuthIssuer) }

// AuthAudience returns the required token audience, or "" to accept
// any.
func (c *Config) AuthAudience() string { return c.v.GetString(keyAuthAudience) }

// IsInsecureDefaultSeed reports whether AuthSeed is still the
// placeholder shipped in compiled defaults.
func (c *Config) IsInsecureDefaultSeed() bool { return c.AuthSeed() == insecureDefaultSeed }

// ---------------------------------------------------------------------------
// Timeouts
// ---------------------------------------------------------------------------

// HeartbeatInterval returns the control-plane Ping interval.
func (c *Config) HeartbeatInterval() time.Duration { return c.v.GetDuration(keyHeartbeatInterval) }

// AuthTimeout returns the time a new connection has to authenticate.
func (c *Config) AuthTimeout() time.Duration { return c.v.GetDuration(keyAuthTimeout) }

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// MetricsEnabled reports whether Prometheus metrics should be exposed
// on the operability address.
func (c *Config) MetricsEnabled() bool { return c.v.GetBool(keyMetricsEnabled) }
