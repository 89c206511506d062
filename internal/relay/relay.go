// Package relay is the composition root: it wires every package under
// internal/ into one running relay process, the way the teacher's
// internal/cmd/server.Server wires its HTTP and tunnel servers. cmd/relay
// is the only caller.
package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relaymesh/relay/internal/agentreg"
	"github.com/relaymesh/relay/internal/auth"
	"github.com/relaymesh/relay/internal/config"
	"github.com/relaymesh/relay/internal/control"
	"github.com/relaymesh/relay/internal/core"
	"github.com/relaymesh/relay/internal/discovery"
	"github.com/relaymesh/relay/internal/domain"
	"github.com/relaymesh/relay/internal/forwarder/httpfwd"
	"github.com/relaymesh/relay/internal/forwarder/httpsfwd"
	"github.com/relaymesh/relay/internal/forwarder/tcpfwd"
	"github.com/relaymesh/relay/internal/forwarder/tlsfwd"
	"github.com/relaymesh/relay/internal/metrics"
	"github.com/relaymesh/relay/internal/pki"
	"github.com/relaymesh/relay/internal/portalloc"
	"github.com/relaymesh/relay/internal/reverse"
	"github.com/relaymesh/relay/internal/routing"
	"github.com/relaymesh/relay/internal/session"
	"github.com/relaymesh/relay/internal/transport"
	"github.com/relaymesh/relay/internal/transport/h2transport"
	"github.com/relaymesh/relay/internal/transport/quictransport"
	"github.com/relaymesh/relay/internal/transport/wstransport"
)

// clientTokenLabel and agentTokenLabel are the HKDF labels the two
// signing keys are derived under from the single operator-provided
// auth seed (SPEC_FULL.md's domain stack).
const (
	clientTokenLabel = "client-token"
	agentTokenLabel  = "agent-token"
)

// Relay holds every assembled component of a running relay and the
// transport.Component list Run hands to transport.Serve.
type Relay struct {
	log        *slog.Logger
	version    core.Version
	components []transport.Component
}

// Build assembles a Relay from cfg. It fails fast rather than
// starting with an insecure or unusable configuration, the same way
// the teacher's provideCA refuses the "change-me" seed.
func Build(cfg *config.Config, version core.Version, log *slog.Logger) (*Relay, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.IsInsecureDefaultSeed() {
		return nil, fmt.Errorf("relay: refusing to start: auth seed is the insecure default; " +
			"set --auth-seed or RELAYMESH_AUTH_SEED to a unique secret")
	}

	ca, err := pki.NewCAFromSeed(cfg.AuthSeed())
	if err != nil {
		return nil, fmt.Errorf("relay: build ca: %w", err)
	}

	clientKey, err := ca.DeriveHMACKey(clientTokenLabel)
	if err != nil {
		return nil, fmt.Errorf("relay: derive client token key: %w", err)
	}
	agentKey, err := ca.DeriveHMACKey(agentTokenLabel)
	if err != nil {
		return nil, fmt.Errorf("relay: derive agent token key: %w", err)
	}

	var authOpts []auth.HMACOption
	if iss := cfg.AuthIssuer(); iss != "" {
		authOpts = append(authOpts, auth.WithRequiredIssuer(iss))
	}
	if aud := cfg.AuthAudience(); aud != "" {
		authOpts = append(authOpts, auth.WithRequiredAudience(aud))
	}
	clientVerifier := auth.NewHMACVerifier(clientKey, authOpts...)
	agentVerifier := auth.NewHMACVerifier(agentKey, authOpts...)

	routes := routing.New()
	sessions := session.NewManager(routes)
	agents := agentreg.NewRegistry()
	ports := portalloc.New(cfg.PortRangeMin(), cfg.PortRangeMax())

	var domainProvider domain.Provider = domain.NewCounterProvider(cfg.DomainBase())
	if !cfg.DomainAllowManual() {
		domainProvider = domain.NewRestrictedProvider(domainProvider)
	}

	var relayMetrics *metrics.Metrics
	if cfg.MetricsEnabled() {
		relayMetrics = metrics.New()
	}

	reverseBroker := reverse.NewBroker(agents, log.With("component", "reverse"))
	reverseBroker.Metrics = relayMetrics

	tcpMgr := tcpfwd.NewManager(sessions, routes, reverseBroker, log.With("component", "tcpfwd"))
	tcpMgr.Metrics = relayMetrics

	tlsMgr := tlsfwd.NewManager(sessions, routes, reverseBroker, log.With("component", "tlsfwd"))
	tlsMgr.Metrics = relayMetrics

	httpMgr := httpfwd.NewManager(sessions, routes, reverseBroker, log.With("component", "httpfwd"))
	httpMgr.Metrics = relayMetrics

	httpsMgr := httpsfwd.NewManager(httpMgr, httpsfwd.NewPKICertResolver(ca), log.With("component", "httpsfwd"))

	handler := &control.Handler{
		Sessions:          sessions,
		Agents:            agents,
		Verifier:          clientVerifier,
		AgentVerifier:     agentVerifier,
		Domain:            domainProvider,
		Ports:             ports,
		PublicHost:        cfg.PublicHost(),
		TLSPort:           cfg.TLSPort(),
		HTTPPort:          cfg.HTTPPort(),
		HTTPSPort:         cfg.HTTPSPort(),
		AuthTimeout:       cfg.AuthTimeout(),
		HeartbeatInterval: cfg.HeartbeatInterval(),
		TCPBinder:         tcpMgr,
		Metrics:           relayMetrics,
		Log:               log.With("component", "control"),
	}

	if err := tlsMgr.Bind(cfg.TLSPort()); err != nil {
		return nil, fmt.Errorf("relay: bind tls passthrough port: %w", err)
	}
	if err := httpMgr.Bind(cfg.HTTPPort()); err != nil {
		return nil, fmt.Errorf("relay: bind http port: %w", err)
	}
	if err := httpsMgr.Bind(cfg.HTTPSPort()); err != nil {
		return nil, fmt.Errorf("relay: bind https port: %w", err)
	}

	tlsConf, err := listenerTLSConfig(ca, cfg.PublicHost())
	if err != nil {
		return nil, fmt.Errorf("relay: build listener tls config: %w", err)
	}

	quicLis, err := quictransport.Listen(cfg.ListenQUICAddress(), tlsConf)
	if err != nil {
		return nil, fmt.Errorf("relay: listen quic: %w", err)
	}
	wsLis, err := wstransport.Listen(cfg.ListenWSAddress(), tlsConf)
	if err != nil {
		return nil, fmt.Errorf("relay: listen ws: %w", err)
	}
	h2Lis, err := h2transport.Listen(cfg.ListenH2Address(), tlsConf)
	if err != nil {
		return nil, fmt.Errorf("relay: listen h2: %w", err)
	}

	opsSrv, err := transport.NewServer(
		transport.WithAddress(cfg.ListenOpsAddress()),
		transport.WithMount(mountOps(relayMetrics, cfg)),
	)
	if err != nil {
		return nil, fmt.Errorf("relay: build operability server: %w", err)
	}

	return &Relay{
		log:     log,
		version: version,
		components: []transport.Component{
			newListenerComponent("quic", quicLis, handler, log),
			newListenerComponent("ws", wsLis, handler, log),
			newListenerComponent("h2", h2Lis, handler, log),
			tcpMgr,
			tlsMgr,
			httpMgr,
			httpsMgr,
			opsSrv,
		},
	}, nil
}

// Run blocks until ctx is cancelled or a component fails, then stops
// every component gracefully.
func (r *Relay) Run(ctx context.Context) error {
	r.log.Info("relay starting", "version", r.version, "components", len(r.components))
	return transport.Serve(ctx, r.components...)
}

// listenerTLSConfig builds the relay's own server certificate for the
// QUIC/WebSocket/HTTP2 transport listeners, signed by ca. The CA is
// deterministic from the configured auth seed, but this leaf
// certificate gets a fresh key, serial and validity window on every
// start; no on-disk cert store is involved. An
// operator fronting the relay with a real certificate terminates TLS
// upstream and proxies cleartext instead of changing this.
func listenerTLSConfig(ca *pki.CA, publicHost string) (*tls.Config, error) {
	certPEM, keyPEM, err := ca.GenerateServerCert(publicHost)
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// mountOps registers the protocol discovery document and, when
// metrics are enabled, a Prometheus scrape endpoint, matching how the
// teacher's cmd/otterscale wires prometheus onto its own operability
// surface.
func mountOps(m *metrics.Metrics, cfg *config.Config) transport.MountFunc {
	return func(mux *http.ServeMux) error {
		mux.Handle(discovery.Path, discoveryHandler(cfg))

		if m != nil {
			reg := prometheus.NewRegistry()
			for _, c := range m.Collectors() {
				if err := reg.Register(c); err != nil {
					return fmt.Errorf("relay: register metrics collector: %w", err)
				}
			}
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		}
		return nil
	}
}

// discoveryHandler builds the §6 protocol discovery document from
// cfg's listen addresses. WebSocket is the only transport with a
// conventional path component (spec's SUPPLEMENTED DETAIL).
func discoveryHandler(cfg *config.Config) *discovery.Handler {
	return discovery.NewHandler(cfg.PublicHost(), []discovery.Transport{
		{Protocol: "quic", Port: portOf(cfg.ListenQUICAddress()), Enabled: true},
		{Protocol: "websocket", Port: portOf(cfg.ListenWSAddress()), Path: "/localup", Enabled: true},
		{Protocol: "h2", Port: portOf(cfg.ListenH2Address()), Enabled: true},
	})
}

// portOf extracts the numeric port from a "host:port" listen address,
// returning 0 if it cannot be parsed (defensive only — every address
// here comes from config.Config, which always includes a port).
func portOf(addr string) uint16 {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
